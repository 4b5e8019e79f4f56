// Package withdrawal runs the cash-out lifecycle. Create debits the
// balance when the device submits a request; Process only records the
// operator's payout decision and never touches the ledger again.
package withdrawal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"vpn-console/internal/apperr"
	"vpn-console/internal/model"
	"vpn-console/internal/store"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"

	actionCreate = "create"
)

const maxTransactionIDAttempts = 3

type Payload struct {
	ReceiptReference string
	RejectionReason  string
}

type Request struct {
	DeviceID      string
	Points        int64
	Method        model.PayoutMethod
	AccountNumber string
	AccountName   string
}

type Recorder interface {
	WithdrawalTransition(action, result string)
}

type Options struct {
	Recorder Recorder
	Logger   logrus.FieldLogger
	Now      func() time.Time
	// TransactionID defaults to NewTransactionID.
	TransactionID func(time.Time) (string, error)
}

type Workflow struct {
	store    store.Store
	recorder Recorder
	logger   logrus.FieldLogger
	now      func() time.Time
	txnID    func(time.Time) (string, error)
}

func New(st store.Store, opts Options) *Workflow {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TransactionID == nil {
		opts.TransactionID = NewTransactionID
	}
	return &Workflow{
		store:    st,
		recorder: opts.Recorder,
		logger:   opts.Logger.WithField("component", "withdrawal"),
		now:      opts.Now,
		txnID:    opts.TransactionID,
	}
}

func (w *Workflow) record(action string, err error) {
	if w.recorder != nil {
		w.recorder.WithdrawalTransition(action, apperr.Outcome(err))
	}
}

func (w *Workflow) Get(ctx context.Context, id string) (model.Withdrawal, error) {
	return w.store.GetWithdrawal(ctx, id)
}

// List returns withdrawals newest first. An empty status lists all.
func (w *Workflow) List(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	if status != "" && status != model.WithdrawalPending && status != model.WithdrawalApproved && status != model.WithdrawalRejected {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "unknown withdrawal status "+string(status))
	}
	return w.store.ListWithdrawals(ctx, status)
}

// Create submits a cash-out request. The points leave the balance here,
// in the same transaction that stores the pending request.
func (w *Workflow) Create(ctx context.Context, req Request) (model.Withdrawal, error) {
	created, err := w.create(ctx, req)
	w.record(actionCreate, err)
	if err != nil {
		return model.Withdrawal{}, err
	}
	w.logger.WithFields(logrus.Fields{
		"withdrawal_id": created.ID,
		"device_id":     created.DeviceID,
		"points":        created.Points,
		"method":        created.Method,
	}).Info("withdrawal requested")
	return created, nil
}

func (w *Workflow) create(ctx context.Context, req Request) (model.Withdrawal, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	req.AccountName = strings.TrimSpace(req.AccountName)
	switch {
	case req.DeviceID == "":
		return model.Withdrawal{}, apperr.Validation(apperr.CodeInvalidRequest, "device id is required")
	case req.Points <= 0:
		return model.Withdrawal{}, apperr.Validation(apperr.CodeInvalidAmount, "points must be positive")
	case !req.Method.Valid():
		return model.Withdrawal{}, apperr.Validation(apperr.CodeInvalidRequest, "method must be kbzpay or wavepay")
	case req.AccountNumber == "" || req.AccountName == "":
		return model.Withdrawal{}, apperr.Validation(apperr.CodeInvalidRequest, "account number and name are required")
	}

	now := w.now().UTC()
	wd := model.Withdrawal{
		ID:            uuid.NewString(),
		DeviceID:      req.DeviceID,
		Points:        req.Points,
		Method:        req.Method,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		CreatedAt:     now,
	}
	entry := model.ActivityLogEntry{
		ID:          uuid.NewString(),
		Description: fmt.Sprintf("Withdrawal of %d points via %s", req.Points, req.Method),
		Timestamp:   now,
	}
	return w.store.CreateWithdrawal(ctx, wd, entry)
}

// Process moves a pending withdrawal to approved or rejected. A request
// that is no longer pending always fails with invalid_transition, whatever
// the payload, and keeps the fields of the first decision.
func (w *Workflow) Process(ctx context.Context, id string, action Action, payload Payload, actor string) (model.Withdrawal, error) {
	processed, err := w.process(ctx, id, action, payload, actor)
	w.record(string(action), err)
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"withdrawal_id": id,
			"action":        action,
			"actor":         actor,
		}).Warn("withdrawal not processed")
		return model.Withdrawal{}, err
	}

	w.logger.WithFields(logrus.Fields{
		"withdrawal_id":  processed.ID,
		"device_id":      processed.DeviceID,
		"status":         processed.Status,
		"transaction_id": processed.TransactionID,
		"actor":          actor,
	}).Info("withdrawal processed")
	return processed, nil
}

func (w *Workflow) process(ctx context.Context, id string, action Action, payload Payload, actor string) (model.Withdrawal, error) {
	cur, err := w.store.GetWithdrawal(ctx, id)
	if err != nil {
		return model.Withdrawal{}, err
	}
	if cur.Status != model.WithdrawalPending {
		return model.Withdrawal{}, apperr.InvalidTransition("withdrawal " + id + " is already " + string(cur.Status))
	}

	processedAt := w.now().UTC()
	update := model.Withdrawal{ID: id, ProcessedAt: &processedAt, ProcessedBy: actor}

	switch action {
	case ActionApprove:
		receipt := strings.TrimSpace(payload.ReceiptReference)
		if receipt == "" {
			return model.Withdrawal{}, apperr.Validation(apperr.CodeMissingReceipt, "receipt reference is required to approve")
		}
		update.Status = model.WithdrawalApproved
		update.ReceiptReference = receipt
		return w.approve(ctx, update)
	case ActionReject:
		reason := strings.TrimSpace(payload.RejectionReason)
		if reason == "" {
			return model.Withdrawal{}, apperr.Validation(apperr.CodeMissingReason, "rejection reason is required to reject")
		}
		update.Status = model.WithdrawalRejected
		update.RejectionReason = reason
		return w.store.CompleteWithdrawal(ctx, update)
	default:
		return model.Withdrawal{}, apperr.Validation(apperr.CodeInvalidAction, "action must be approve or reject")
	}
}

// approve issues a transaction id, drawing a fresh one if the store
// reports it already taken.
func (w *Workflow) approve(ctx context.Context, update model.Withdrawal) (model.Withdrawal, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransactionIDAttempts; attempt++ {
		txn, err := w.txnID(*update.ProcessedAt)
		if err != nil {
			return model.Withdrawal{}, fmt.Errorf("generate transaction id: %w", err)
		}
		update.TransactionID = txn

		done, err := w.store.CompleteWithdrawal(ctx, update)
		if err == nil {
			return done, nil
		}
		if !apperr.Is(err, apperr.CodeDuplicateID) {
			return model.Withdrawal{}, err
		}
		lastErr = err
		w.logger.WithField("transaction_id", txn).Warn("transaction id collision, regenerating")
	}
	return model.Withdrawal{}, lastErr
}
