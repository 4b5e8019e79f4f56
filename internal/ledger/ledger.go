// Package ledger applies operator edits to an account's point balance and
// VPN-time quota. Every edit is one store transaction that also appends
// the audit entry.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"vpn-console/internal/apperr"
	"vpn-console/internal/model"
	"vpn-console/internal/store"
)

// maxMinutes keeps minutes*60 far away from int64 overflow.
const maxMinutes = 100 * 365 * 24 * 60

type Recorder interface {
	LedgerAdjustment(ledger model.Ledger, result string)
}

type Options struct {
	// IdempotencyKey makes a retry return the first result instead of
	// applying the change again.
	IdempotencyKey string
	Actor          string
}

type Mutator struct {
	store    store.Store
	recorder Recorder
	logger   logrus.FieldLogger
	now      func() time.Time
}

func New(st store.Store, recorder Recorder, logger logrus.FieldLogger) *Mutator {
	return NewWithNow(st, recorder, logger, time.Now)
}

func NewWithNow(st store.Store, recorder Recorder, logger logrus.FieldLogger, now func() time.Time) *Mutator {
	if logger == nil {
		logger = logrus.New()
	}
	if now == nil {
		now = time.Now
	}
	return &Mutator{
		store:    st,
		recorder: recorder,
		logger:   logger.WithField("component", "ledger"),
		now:      now,
	}
}

func validReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", apperr.Validation(apperr.CodeInvalidReason, "reason is required")
	}
	return reason, nil
}

func (m *Mutator) newEntry(accountID, reason string, opts Options) model.ActivityLogEntry {
	return model.ActivityLogEntry{
		ID:             uuid.NewString(),
		DeviceID:       accountID,
		Type:           model.ActivityAdminAdjustment,
		Description:    reason,
		Actor:          opts.Actor,
		IdempotencyKey: strings.TrimSpace(opts.IdempotencyKey),
		Timestamp:      m.now().UTC(),
	}
}

func (m *Mutator) record(ledger model.Ledger, err error) {
	if m.recorder == nil {
		return
	}
	m.recorder.LedgerAdjustment(ledger, apperr.Outcome(err))
}

// AdjustBalance adds amount (negative to subtract) to the account's
// balance and returns the new balance. The reason is checked first, then
// the amount, then the account's existence.
func (m *Mutator) AdjustBalance(ctx context.Context, accountID string, amount int64, reason string, opts Options) (int64, error) {
	entry, err := m.adjustBalance(ctx, accountID, amount, reason, opts)
	m.record(model.LedgerPoints, err)
	if err != nil {
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"amount":     amount,
		"balance":    entry.ResultAfter,
		"actor":      opts.Actor,
		"entry_id":   entry.ID,
	}).Info("balance adjusted")
	return entry.ResultAfter, nil
}

func (m *Mutator) adjustBalance(ctx context.Context, accountID string, amount int64, reason string, opts Options) (model.ActivityLogEntry, error) {
	reason, err := validReason(reason)
	if err != nil {
		return model.ActivityLogEntry{}, err
	}
	if amount == 0 {
		return model.ActivityLogEntry{}, apperr.Validation(apperr.CodeInvalidAmount, "amount must not be zero")
	}

	entry := m.newEntry(accountID, reason, opts)
	entry.Amount = amount
	return m.store.ApplyBalanceEntry(ctx, entry)
}

// AdjustVpnTime changes the remaining VPN quota by whole minutes and
// returns the new quota in seconds. Deductions stop at zero; the audit
// entry records the delta actually applied.
func (m *Mutator) AdjustVpnTime(ctx context.Context, accountID string, mode model.VPNTimeMode, minutes int64, reason string, opts Options) (int64, error) {
	entry, err := m.adjustVpnTime(ctx, accountID, mode, minutes, reason, opts)
	m.record(model.LedgerVPNSeconds, err)
	if err != nil {
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"mode":       mode,
		"minutes":    minutes,
		"delta":      entry.Amount,
		"quota":      entry.ResultAfter,
		"actor":      opts.Actor,
		"entry_id":   entry.ID,
	}).Info("vpn time adjusted")
	return entry.ResultAfter, nil
}

func (m *Mutator) adjustVpnTime(ctx context.Context, accountID string, mode model.VPNTimeMode, minutes int64, reason string, opts Options) (model.ActivityLogEntry, error) {
	reason, err := validReason(reason)
	if err != nil {
		return model.ActivityLogEntry{}, err
	}
	if !mode.Valid() {
		return model.ActivityLogEntry{}, apperr.Validation(apperr.CodeInvalidMode, "mode must be add, deduct or set")
	}
	if minutes < 0 || minutes > maxMinutes {
		return model.ActivityLogEntry{}, apperr.Validation(apperr.CodeInvalidAmount, "minutes must be a non-negative whole number")
	}

	entry := m.newEntry(accountID, reason, opts)
	return m.store.ApplyVPNTime(ctx, mode, minutes*60, entry)
}
