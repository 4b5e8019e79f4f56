package store

import (
	"context"
	"database/sql"
	"errors"

	"vpn-console/internal/apperr"
	"vpn-console/internal/model"
)

const withdrawalColumns = "id, device_id, points, method, account_number, account_name, status, transaction_id, receipt_reference, rejection_reason, processed_by, created_at, processed_at"

func scanWithdrawal(row rowScanner) (model.Withdrawal, error) {
	var w model.Withdrawal
	var method, status string
	var txn, receipt, reason, processedBy sql.NullString
	var processedAt sql.NullTime
	if err := row.Scan(&w.ID, &w.DeviceID, &w.Points, &method, &w.AccountNumber, &w.AccountName, &status, &txn, &receipt, &reason, &processedBy, &w.CreatedAt, &processedAt); err != nil {
		return model.Withdrawal{}, err
	}
	w.Method = model.PayoutMethod(method)
	w.Status = model.WithdrawalStatus(status)
	w.TransactionID = txn.String
	w.ReceiptReference = receipt.String
	w.RejectionReason = reason.String
	w.ProcessedBy = processedBy.String
	if processedAt.Valid {
		t := processedAt.Time
		w.ProcessedAt = &t
	}
	return w, nil
}

func (p *Postgres) CreateWithdrawal(ctx context.Context, w model.Withdrawal, entry model.ActivityLogEntry) (model.Withdrawal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Withdrawal{}, apperr.Unavailable(err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	entry.DeviceID = w.DeviceID
	entry.Type = model.ActivityWithdrawal
	entry.Ledger = model.LedgerPoints
	entry.Amount = -w.Points

	acc, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance - $1, activity_seq = activity_seq + 1, updated_at = $2
		WHERE id = $3 AND balance >= $1
		RETURNING `+accountColumns+`, activity_seq`, w.Points, w.CreatedAt, w.DeviceID), &entry.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, w.DeviceID).Scan(&exists); err != nil {
			return model.Withdrawal{}, p.unavailable("withdrawal_account_lookup", err)
		}
		if !exists {
			return model.Withdrawal{}, accountNotFound(w.DeviceID)
		}
		return model.Withdrawal{}, apperr.Validation(apperr.CodeInsufficientBalance, "balance is lower than the requested points")
	}
	if err != nil {
		return model.Withdrawal{}, p.unavailable("withdrawal_debit", err)
	}
	entry.ResultAfter = acc.Balance

	if err := insertActivity(ctx, tx, entry); err != nil {
		return model.Withdrawal{}, p.unavailable("withdrawal_activity", err)
	}

	w.Status = model.WithdrawalPending
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO withdrawals (id, device_id, points, method, account_number, account_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.ID, w.DeviceID, w.Points, string(w.Method), w.AccountNumber, w.AccountName, string(w.Status), w.CreatedAt); err != nil {
		if isUniqueViolation(err, "") {
			return model.Withdrawal{}, apperr.DuplicateID("withdrawal " + w.ID + " already exists")
		}
		return model.Withdrawal{}, p.unavailable("withdrawal_insert", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Withdrawal{}, p.unavailable("withdrawal_commit", err)
	}

	p.publish(accountChanged(acc), activityAppended(entry), withdrawalChanged(w, w.CreatedAt))
	return w, nil
}

func (p *Postgres) GetWithdrawal(ctx context.Context, id string) (model.Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Withdrawal{}, withdrawalNotFound(id)
	}
	if err != nil {
		return model.Withdrawal{}, apperr.Unavailable(err)
	}
	return w, nil
}

func (p *Postgres) ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id
	`, string(status))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	defer rows.Close()

	result := make([]model.Withdrawal, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, apperr.Unavailable(err)
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable(err)
	}
	return result, nil
}

// CompleteWithdrawal is a single conditional UPDATE; the status predicate
// makes a second decision on the same request lose.
func (p *Postgres) CompleteWithdrawal(ctx context.Context, w model.Withdrawal) (model.Withdrawal, error) {
	cur, err := scanWithdrawal(p.db.QueryRowContext(ctx, `
		UPDATE withdrawals
		SET status = $1, transaction_id = $2, receipt_reference = $3, rejection_reason = $4,
			processed_by = $5, processed_at = $6
		WHERE id = $7 AND status = 'pending'
		RETURNING `+withdrawalColumns,
		string(w.Status), nullString(w.TransactionID), nullString(w.ReceiptReference), nullString(w.RejectionReason),
		nullString(w.ProcessedBy), w.ProcessedAt, w.ID))
	if isUniqueViolation(err, "withdrawals_transaction_id_key") {
		return model.Withdrawal{}, apperr.DuplicateID("transaction id " + w.TransactionID + " already issued")
	}
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		serr := p.db.QueryRowContext(ctx, `SELECT status FROM withdrawals WHERE id = $1`, w.ID).Scan(&status)
		if errors.Is(serr, sql.ErrNoRows) {
			return model.Withdrawal{}, withdrawalNotFound(w.ID)
		}
		if serr != nil {
			return model.Withdrawal{}, apperr.Unavailable(serr)
		}
		return model.Withdrawal{}, apperr.InvalidTransition("withdrawal " + w.ID + " is already " + status)
	}
	if err != nil {
		return model.Withdrawal{}, p.unavailable("withdrawal_complete", err)
	}

	at := cur.CreatedAt
	if cur.ProcessedAt != nil {
		at = *cur.ProcessedAt
	}
	p.publish(withdrawalChanged(cur, at))
	return cur, nil
}
