package store

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vpn-console/internal/apperr"
	"vpn-console/internal/feed"
	"vpn-console/internal/model"
)

var accountCols = []string{"id", "balance", "vpn_remaining_seconds", "status", "ban_reason", "last_seen", "data_usage", "created_at", "updated_at"}

var activityCols = []string{"id", "device_id", "seq", "type", "ledger", "description", "amount", "result_after", "actor", "idempotency_key", "created_at"}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock, *feed.Feed) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	f := feed.New()
	return NewPostgres(db, f, logger), mock, f
}

func accountRowWithSeq(balance, vpn, seq int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows(append(append([]string{}, accountCols...), "activity_seq")).
		AddRow("d1", balance, vpn, status, "", nil, int64(0), t0, t0, seq)
}

func TestPostgres_ApplyBalanceEntry(t *testing.T) {
	p, mock, f := newMockPostgres(t)
	sub := f.Subscribe(model.CollectionActivity, nil)
	defer sub.Cancel()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts").
		WithArgs(int64(30), sqlmock.AnyArg(), "d1").
		WillReturnRows(accountRowWithSeq(30, 0, 1, "online"))
	mock.ExpectExec("INSERT INTO activity_logs").
		WithArgs("e1", "d1", int64(1), "admin_adjustment", "points", "bonus", int64(30), int64(30), "ops", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := p.ApplyBalanceEntry(context.Background(), model.ActivityLogEntry{
		ID: "e1", DeviceID: "d1", Type: model.ActivityAdminAdjustment, Description: "bonus", Amount: 30, Actor: "ops", Timestamp: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Seq)
	assert.Equal(t, int64(30), entry.ResultAfter)
	assert.Equal(t, model.LedgerPoints, entry.Ledger)
	require.NoError(t, mock.ExpectationsWereMet())

	select {
	case ev := <-sub.C:
		assert.Equal(t, "e1", ev.DocumentID)
	case <-time.After(time.Second):
		t.Fatal("expected activity event after commit")
	}
}

func TestPostgres_ApplyBalanceEntry_UnknownAccount(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts").WillReturnRows(sqlmock.NewRows(append(append([]string{}, accountCols...), "activity_seq")))
	mock.ExpectRollback()

	_, err := p.ApplyBalanceEntry(context.Background(), model.ActivityLogEntry{ID: "e1", DeviceID: "d1", Amount: 5, Timestamp: t0})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAccountNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ApplyBalanceEntry_ReplaysKnownKey(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM activity_logs").
		WithArgs("d1", "k1").
		WillReturnRows(sqlmock.NewRows(activityCols).
			AddRow("e0", "d1", int64(4), "admin_adjustment", "points", "bonus", int64(30), int64(130), "ops", "k1", t0))
	mock.ExpectRollback()

	entry, err := p.ApplyBalanceEntry(context.Background(), model.ActivityLogEntry{
		ID: "e1", DeviceID: "d1", Type: model.ActivityAdminAdjustment, Amount: 30, IdempotencyKey: "k1", Timestamp: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, "e0", entry.ID)
	assert.Equal(t, int64(130), entry.ResultAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ApplyBalanceEntry_ConcurrentKeyReturnsWinner(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM activity_logs").
		WithArgs("d1", "k1").
		WillReturnRows(sqlmock.NewRows(activityCols))
	mock.ExpectQuery("UPDATE accounts").WillReturnRows(accountRowWithSeq(60, 0, 5, "online"))
	mock.ExpectExec("INSERT INTO activity_logs").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "activity_logs_idempotency_key"})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT .* FROM activity_logs").
		WithArgs("d1", "k1").
		WillReturnRows(sqlmock.NewRows(activityCols).
			AddRow("e0", "d1", int64(4), "admin_adjustment", "points", "bonus", int64(30), int64(30), "ops", "k1", t0))

	entry, err := p.ApplyBalanceEntry(context.Background(), model.ActivityLogEntry{
		ID: "e1", DeviceID: "d1", Type: model.ActivityAdminAdjustment, Amount: 30, IdempotencyKey: "k1", Timestamp: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, "e0", entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ApplyVPNTime_ClampsDeduction(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT vpn_remaining_seconds FROM accounts").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"vpn_remaining_seconds"}).AddRow(int64(600)))
	mock.ExpectQuery("UPDATE accounts").
		WithArgs(int64(0), sqlmock.AnyArg(), "d1").
		WillReturnRows(accountRowWithSeq(0, 0, 2, "online"))
	mock.ExpectExec("INSERT INTO activity_logs").
		WithArgs("e1", "d1", int64(2), "admin_adjustment", "vpn_seconds", "trim", int64(-600), int64(0), "ops", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := p.ApplyVPNTime(context.Background(), model.VPNTimeDeduct, 3600, model.ActivityLogEntry{
		ID: "e1", DeviceID: "d1", Type: model.ActivityAdminAdjustment, Description: "trim", Actor: "ops", Timestamp: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-600), entry.Amount)
	assert.Equal(t, int64(0), entry.ResultAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordHeartbeat_KeepsBan(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM accounts").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow("d1", int64(10), int64(0), "banned", "fraud", nil, int64(900), t0, t0))
	mock.ExpectExec("UPDATE accounts SET status").
		WithArgs("banned", sqlmock.AnyArg(), int64(900), sqlmock.AnyArg(), "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acc, created, err := p.RecordHeartbeat(context.Background(), model.Heartbeat{
		DeviceID: "d1", Status: model.StatusOnline, DataUsage: 100, At: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.StatusBanned, acc.Status)
	assert.Equal(t, int64(900), acc.DataUsage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateWithdrawal_InsufficientBalance(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts").WillReturnRows(sqlmock.NewRows(append(append([]string{}, accountCols...), "activity_seq")))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("d1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := p.CreateWithdrawal(context.Background(), model.Withdrawal{ID: "w1", DeviceID: "d1", Points: 500, CreatedAt: t0}, model.ActivityLogEntry{ID: "e1", Timestamp: t0})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInsufficientBalance))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteWithdrawal_AlreadyProcessed(t *testing.T) {
	p, mock, _ := newMockPostgres(t)
	processed := t0.Add(time.Hour)

	mock.ExpectQuery("UPDATE withdrawals").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT status FROM withdrawals").
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))

	_, err := p.CompleteWithdrawal(context.Background(), model.Withdrawal{
		ID: "w1", Status: model.WithdrawalRejected, RejectionReason: "dup", ProcessedAt: &processed,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteWithdrawal_DuplicateTransactionID(t *testing.T) {
	p, mock, _ := newMockPostgres(t)
	processed := t0.Add(time.Hour)

	mock.ExpectQuery("UPDATE withdrawals").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "withdrawals_transaction_id_key"})

	_, err := p.CompleteWithdrawal(context.Background(), model.Withdrawal{
		ID: "w1", Status: model.WithdrawalApproved, TransactionID: "TXNABC-000000", ReceiptReference: "R1", ProcessedAt: &processed,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeDuplicateID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BeginFailureIsUnavailable(t *testing.T) {
	p, mock, _ := newMockPostgres(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := p.ApplyBalanceEntry(context.Background(), model.ActivityLogEntry{ID: "e1", DeviceID: "d1", Amount: 1, Timestamp: t0})
	require.Error(t, err)
	assert.Equal(t, apperr.KindStoreUnavailable, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestPostgres_ListActivity_BindsCursorAsBigint(t *testing.T) {
	p, mock, _ := newMockPostgres(t)
	before := int64(1) << 33

	mock.ExpectQuery("SELECT EXISTS").WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("($2::bigint <= 0 OR seq < $2::bigint)")).
		WithArgs("d1", before, 10).
		WillReturnRows(sqlmock.NewRows(activityCols).
			AddRow("e9", "d1", before-1, "ad_reward", "points", "Ad reward", int64(5), int64(5), "", nil, t0))

	entries, err := p.ListActivity(context.Background(), "d1", before, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, before-1, entries[0].Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}
