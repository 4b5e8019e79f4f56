// Package store is the account store: the system of record for accounts,
// withdrawals and the activity log. Every mutation that touches more than
// one document is applied atomically by the backend.
package store

import (
	"context"
	"time"

	"vpn-console/internal/model"
)

// Store is implemented by Memory and Postgres. Errors are *apperr.Error
// values: not_found for missing documents, store_unavailable for
// infrastructure failures.
type Store interface {
	Ping(ctx context.Context) error

	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	// RecordHeartbeat creates the account on first contact.
	RecordHeartbeat(ctx context.Context, hb model.Heartbeat) (model.Account, bool, error)
	SetBan(ctx context.Context, id string, banned bool, reason string, now time.Time) (model.Account, error)

	// ApplyBalanceEntry increments the balance by entry.Amount and appends
	// the entry in one transaction. If entry.IdempotencyKey was already
	// recorded for the device, the stored entry is returned unchanged.
	ApplyBalanceEntry(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error)
	// ApplyVPNTime recomputes the quota from the locked current value and
	// appends the entry with the applied delta, in one transaction.
	ApplyVPNTime(ctx context.Context, mode model.VPNTimeMode, seconds int64, entry model.ActivityLogEntry) (model.ActivityLogEntry, error)
	// ListActivity returns entries with Seq < beforeSeq (all when
	// beforeSeq <= 0), most recent first.
	ListActivity(ctx context.Context, deviceID string, beforeSeq int64, limit int) ([]model.ActivityLogEntry, error)

	// CreateWithdrawal debits the balance, appends the withdrawal entry and
	// inserts the pending request in one transaction.
	CreateWithdrawal(ctx context.Context, w model.Withdrawal, entry model.ActivityLogEntry) (model.Withdrawal, error)
	GetWithdrawal(ctx context.Context, id string) (model.Withdrawal, error)
	ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error)
	// CompleteWithdrawal writes the processed fields only if the stored
	// request is still pending.
	CompleteWithdrawal(ctx context.Context, w model.Withdrawal) (model.Withdrawal, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

const maxActivityPage = 500

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxActivityPage {
		return maxActivityPage
	}
	return limit
}
