// Package activity is the append-only audit trail of every balance and
// quota change. Reads are lazy and most recent first.
package activity

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"vpn-console/internal/apperr"
	"vpn-console/internal/model"
	"vpn-console/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
	pageSize     = 50
)

type Log struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Log {
	return &Log{store: st, now: time.Now}
}

// Append records an ad reward credited by an outside collaborator. The
// amount lands on the balance in the same transaction.
func (l *Log) Append(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	if entry.Type == "" {
		entry.Type = model.ActivityAdReward
	}
	if entry.Type != model.ActivityAdReward {
		return model.ActivityLogEntry{}, apperr.Validation(apperr.CodeInvalidRequest, "only ad_reward entries can be appended directly")
	}
	if entry.Amount <= 0 {
		return model.ActivityLogEntry{}, apperr.Validation(apperr.CodeInvalidAmount, "reward amount must be positive")
	}
	entry.Description = strings.TrimSpace(entry.Description)
	if entry.Description == "" {
		entry.Description = "Ad reward"
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	return l.store.ApplyBalanceEntry(ctx, entry)
}

func clamp(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Entries yields up to limit entries for the device, newest first, paging
// through the store by sequence number. Each range re-reads the store. A
// failure is yielded once as the final element.
func (l *Log) Entries(ctx context.Context, deviceID string, limit int) iter.Seq2[model.ActivityLogEntry, error] {
	limit = clamp(limit)
	return func(yield func(model.ActivityLogEntry, error) bool) {
		var before int64
		remaining := limit
		for remaining > 0 {
			n := min(pageSize, remaining)
			page, err := l.store.ListActivity(ctx, deviceID, before, n)
			if err != nil {
				yield(model.ActivityLogEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			remaining -= len(page)
			if len(page) < n {
				return
			}
			before = page[len(page)-1].Seq
		}
	}
}

// Collect drains Entries into a slice.
func (l *Log) Collect(ctx context.Context, deviceID string, limit int) ([]model.ActivityLogEntry, error) {
	out := make([]model.ActivityLogEntry, 0)
	for e, err := range l.Entries(ctx, deviceID, limit) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
