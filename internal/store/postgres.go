package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"vpn-console/internal/apperr"
	"vpn-console/internal/feed"
	"vpn-console/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const accountColumns = "id, balance, vpn_remaining_seconds, status, ban_reason, last_seen, data_usage, created_at, updated_at"

const activityColumns = "id, device_id, seq, type, ledger, description, amount, result_after, actor, idempotency_key, created_at"

type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Postgres is the SQL backend. Each multi-row mutation runs in one
// transaction; balance changes are in-place increments.
type Postgres struct {
	db     *sql.DB
	feed   *feed.Feed
	logger logrus.FieldLogger
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig, f *feed.Feed, logger logrus.FieldLogger) (*Postgres, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.WithFields(logrus.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return NewPostgres(db, f, logger), nil
}

func NewPostgres(db *sql.DB, f *feed.Feed, logger logrus.FieldLogger) *Postgres {
	if logger == nil {
		logger = logrus.New()
	}
	return &Postgres{db: db, feed: f, logger: logger.WithField("component", "store")}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

func (p *Postgres) publish(events ...model.ChangeEvent) {
	if p.feed == nil {
		return
	}
	for _, ev := range events {
		p.feed.Publish(ev)
	}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func (p *Postgres) unavailable(op string, err error) error {
	p.logger.WithError(err).WithField("op", op).Error("Account store write failed")
	return apperr.Unavailable(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAccount reads accountColumns followed by any extra columns.
func scanAccount(row rowScanner, extra ...any) (model.Account, error) {
	var acc model.Account
	var status string
	var lastSeen sql.NullTime
	dest := []any{&acc.ID, &acc.Balance, &acc.VPNRemainingSeconds, &status, &acc.BanReason, &lastSeen, &acc.DataUsage, &acc.CreatedAt, &acc.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.Account{}, err
	}
	acc.Status = model.AccountStatus(status)
	if lastSeen.Valid {
		t := lastSeen.Time
		acc.LastSeen = &t
	}
	return acc, nil
}

func scanActivity(row rowScanner) (model.ActivityLogEntry, error) {
	var e model.ActivityLogEntry
	var typ, ledger string
	var key sql.NullString
	if err := row.Scan(&e.ID, &e.DeviceID, &e.Seq, &typ, &ledger, &e.Description, &e.Amount, &e.ResultAfter, &e.Actor, &key, &e.Timestamp); err != nil {
		return model.ActivityLogEntry{}, err
	}
	e.Type = model.ActivityType(typ)
	e.Ledger = model.Ledger(ledger)
	e.IdempotencyKey = key.String
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *Postgres) GetAccount(ctx context.Context, id string) (model.Account, error) {
	acc, err := scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, accountNotFound(id)
	}
	if err != nil {
		return model.Account{}, apperr.Unavailable(err)
	}
	return acc, nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	defer rows.Close()

	result := make([]model.Account, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, apperr.Unavailable(err)
		}
		result = append(result, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable(err)
	}
	return result, nil
}

func (p *Postgres) RecordHeartbeat(ctx context.Context, hb model.Heartbeat) (model.Account, bool, error) {
	if hb.DeviceID == "" {
		return model.Account{}, false, apperr.Validation(apperr.CodeInvalidRequest, "missing device id")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Account{}, false, apperr.Unavailable(err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, status, created_at, updated_at)
		VALUES ($1, 'offline', $2, $2)
		ON CONFLICT (id) DO NOTHING
	`, hb.DeviceID, hb.At)
	if err != nil {
		return model.Account{}, false, p.unavailable("heartbeat_insert", err)
	}
	inserted, _ := res.RowsAffected()

	acc, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, hb.DeviceID))
	if err != nil {
		return model.Account{}, false, p.unavailable("heartbeat_select", err)
	}
	acc = applyHeartbeat(acc, hb)

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET status = $1, last_seen = $2, data_usage = $3, updated_at = $4
		WHERE id = $5
	`, string(acc.Status), acc.LastSeen, acc.DataUsage, acc.UpdatedAt, acc.ID); err != nil {
		return model.Account{}, false, p.unavailable("heartbeat_update", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Account{}, false, p.unavailable("heartbeat_commit", err)
	}

	p.publish(accountChanged(acc))
	return acc, inserted == 1, nil
}

func (p *Postgres) SetBan(ctx context.Context, id string, banned bool, reason string, now time.Time) (model.Account, error) {
	var row *sql.Row
	if banned {
		row = p.db.QueryRowContext(ctx, `
			UPDATE accounts SET status = 'banned', ban_reason = $1, updated_at = $2
			WHERE id = $3
			RETURNING `+accountColumns, reason, now, id)
	} else {
		row = p.db.QueryRowContext(ctx, `
			UPDATE accounts SET status = CASE WHEN status = 'banned' THEN 'offline' ELSE status END,
				ban_reason = '', updated_at = $1
			WHERE id = $2
			RETURNING `+accountColumns, now, id)
	}
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, accountNotFound(id)
	}
	if err != nil {
		return model.Account{}, p.unavailable("set_ban", err)
	}
	p.publish(accountChanged(acc))
	return acc, nil
}

// findByIdempotencyKey looks up an already recorded entry. q is either the
// pool or an open transaction.
func findByIdempotencyKey(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, deviceID, key string) (model.ActivityLogEntry, bool, error) {
	e, err := scanActivity(q.QueryRowContext(ctx, `
		SELECT `+activityColumns+` FROM activity_logs
		WHERE device_id = $1 AND idempotency_key = $2
	`, deviceID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ActivityLogEntry{}, false, nil
	}
	if err != nil {
		return model.ActivityLogEntry{}, false, err
	}
	return e, true, nil
}

func checkReplay(prev, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	if prev.Ledger != entry.Ledger || prev.Type != entry.Type {
		return model.ActivityLogEntry{}, apperr.Validation(apperr.CodeInvalidRequest, "idempotency key already used for a different operation")
	}
	return prev, nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, e model.ActivityLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity_logs
		(id, device_id, seq, type, ledger, description, amount, result_after, actor, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.DeviceID, e.Seq, string(e.Type), string(e.Ledger), e.Description, e.Amount, e.ResultAfter, e.Actor, nullString(e.IdempotencyKey), e.Timestamp)
	return err
}

func (p *Postgres) ApplyBalanceEntry(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	entry.Ledger = model.LedgerPoints
	return p.applyEntry(ctx, entry, func(tx *sql.Tx, e *model.ActivityLogEntry) (model.Account, error) {
		acc, err := scanAccount(tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET balance = balance + $1, activity_seq = activity_seq + 1, updated_at = $2
			WHERE id = $3
			RETURNING `+accountColumns+`, activity_seq`, e.Amount, e.Timestamp, e.DeviceID), &e.Seq)
		if err != nil {
			return model.Account{}, err
		}
		e.ResultAfter = acc.Balance
		return acc, nil
	})
}

func (p *Postgres) ApplyVPNTime(ctx context.Context, mode model.VPNTimeMode, seconds int64, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	entry.Ledger = model.LedgerVPNSeconds
	return p.applyEntry(ctx, entry, func(tx *sql.Tx, e *model.ActivityLogEntry) (model.Account, error) {
		var current int64
		if err := tx.QueryRowContext(ctx, `SELECT vpn_remaining_seconds FROM accounts WHERE id = $1 FOR UPDATE`, e.DeviceID).Scan(&current); err != nil {
			return model.Account{}, err
		}
		quota := model.ApplyVPNTime(current, mode, seconds)
		e.Amount = quota - current
		e.ResultAfter = quota
		return scanAccount(tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET vpn_remaining_seconds = $1, activity_seq = activity_seq + 1, updated_at = $2
			WHERE id = $3
			RETURNING `+accountColumns+`, activity_seq`, quota, e.Timestamp, e.DeviceID), &e.Seq)
	})
}

// applyEntry runs mutate and the audit insert in one transaction. When a
// concurrent writer recorded the same idempotency key first, its entry is
// returned instead.
func (p *Postgres) applyEntry(ctx context.Context, entry model.ActivityLogEntry, mutate func(tx *sql.Tx, e *model.ActivityLogEntry) (model.Account, error)) (model.ActivityLogEntry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ActivityLogEntry{}, apperr.Unavailable(err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if entry.IdempotencyKey != "" {
		prev, found, err := findByIdempotencyKey(ctx, tx, entry.DeviceID, entry.IdempotencyKey)
		if err != nil {
			return model.ActivityLogEntry{}, p.unavailable("idempotency_lookup", err)
		}
		if found {
			return checkReplay(prev, entry)
		}
	}

	acc, err := mutate(tx, &entry)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ActivityLogEntry{}, accountNotFound(entry.DeviceID)
	}
	if err != nil {
		return model.ActivityLogEntry{}, p.unavailable("apply_"+string(entry.Ledger), err)
	}

	if err := insertActivity(ctx, tx, entry); err != nil {
		if entry.IdempotencyKey != "" && isUniqueViolation(err, "activity_logs_idempotency_key") {
			_ = tx.Rollback()
			prev, found, ferr := findByIdempotencyKey(ctx, p.db, entry.DeviceID, entry.IdempotencyKey)
			if ferr == nil && found {
				return checkReplay(prev, entry)
			}
		}
		return model.ActivityLogEntry{}, p.unavailable("insert_activity", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ActivityLogEntry{}, p.unavailable("commit", err)
	}

	p.publish(accountChanged(acc), activityAppended(entry))
	return entry, nil
}

func (p *Postgres) ListActivity(ctx context.Context, deviceID string, beforeSeq int64, limit int) ([]model.ActivityLogEntry, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, deviceID).Scan(&exists); err != nil {
		return nil, apperr.Unavailable(err)
	}
	if !exists {
		return nil, accountNotFound(deviceID)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activity_logs
		WHERE device_id = $1 AND ($2::bigint <= 0 OR seq < $2::bigint)
		ORDER BY seq DESC
		LIMIT $3
	`, deviceID, beforeSeq, clampLimit(limit))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	defer rows.Close()

	result := make([]model.ActivityLogEntry, 0)
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, apperr.Unavailable(err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable(err)
	}
	return result, nil
}
