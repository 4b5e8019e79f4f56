package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"vpn-console/internal/apperr"
	"vpn-console/internal/feed"
	"vpn-console/internal/model"
)

// Memory is the in-process backend. A single RWMutex serializes writes,
// so every multi-document mutation is one critical section. State can be
// snapshotted to a JSON file after each write.
type Memory struct {
	mu sync.RWMutex

	stateFile        string
	persistMu        sync.Mutex
	version          uint64
	persistedVersion uint64
	onPersistError   func(error)

	accountsByID      map[string]model.Account
	withdrawalsByID   map[string]model.Withdrawal
	withdrawalIDByTxn map[string]string
	entryByIdemKey    map[string]model.ActivityLogEntry // deviceID + "|" + key

	activity *activityStore
	seq      *seqGenerator

	feed   *feed.Feed
	logger logrus.FieldLogger
}

type Options struct {
	StateFile string
	Feed      *feed.Feed
	Logger    logrus.FieldLogger
	// OnPersistError is called for every snapshot that could not be
	// written. Writes are not rolled back, so durability is best-effort.
	OnPersistError func(error)
}

func NewMemory() *Memory {
	return NewMemoryWithOptions(Options{})
}

func NewMemoryWithOptions(opts Options) *Memory {
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}

	s := &Memory{
		stateFile:         opts.StateFile,
		onPersistError:    opts.OnPersistError,
		accountsByID:      make(map[string]model.Account),
		withdrawalsByID:   make(map[string]model.Withdrawal),
		withdrawalIDByTxn: make(map[string]string),
		entryByIdemKey:    make(map[string]model.ActivityLogEntry),
		activity:          newActivityStore(),
		seq:               newSeqGenerator(),
		feed:              opts.Feed,
		logger:            logger.WithField("component", "store"),
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.logger.WithError(err).WithField("path", s.stateFile).Error("state persistence: load failed")
		}
	}
	return s
}

func idemKey(deviceID, key string) string {
	return deviceID + "|" + key
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

func accountNotFound(id string) error {
	return apperr.NotFound(apperr.CodeAccountNotFound, "account "+id+" not found")
}

func withdrawalNotFound(id string) error {
	return apperr.NotFound(apperr.CodeWithdrawalNotFound, "withdrawal "+id+" not found")
}

func (s *Memory) publishLocked(events ...model.ChangeEvent) {
	if s.feed == nil {
		return
	}
	for _, ev := range events {
		s.feed.Publish(ev)
	}
}

func accountChanged(acc model.Account) model.ChangeEvent {
	return model.ChangeEvent{Collection: model.CollectionAccounts, DocumentID: acc.ID, At: acc.UpdatedAt, Account: &acc}
}

func activityAppended(e model.ActivityLogEntry) model.ChangeEvent {
	return model.ChangeEvent{Collection: model.CollectionActivity, DocumentID: e.ID, At: e.Timestamp, Activity: &e}
}

func withdrawalChanged(w model.Withdrawal, at time.Time) model.ChangeEvent {
	return model.ChangeEvent{Collection: model.CollectionWithdrawals, DocumentID: w.ID, At: at, Withdrawal: &w}
}

// commitLocked bumps the state version and returns a snapshot to persist
// once the lock is released, or nil when persistence is off.
func (s *Memory) commitLocked() *persistedState {
	s.version++
	if s.stateFile == "" {
		return nil
	}
	return s.snapshotLocked()
}

func (s *Memory) Ping(ctx context.Context) error {
	return checkContext(ctx)
}

func (s *Memory) GetAccount(ctx context.Context, id string) (model.Account, error) {
	if err := checkContext(ctx); err != nil {
		return model.Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accountsByID[id]
	if !ok {
		return model.Account{}, accountNotFound(id)
	}
	return acc, nil
}

func (s *Memory) ListAccounts(ctx context.Context) ([]model.Account, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Account, 0, len(s.accountsByID))
	for _, acc := range s.accountsByID {
		result = append(result, acc)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *Memory) RecordHeartbeat(ctx context.Context, hb model.Heartbeat) (model.Account, bool, error) {
	if err := checkContext(ctx); err != nil {
		return model.Account{}, false, err
	}
	if strings.TrimSpace(hb.DeviceID) == "" {
		return model.Account{}, false, apperr.Validation(apperr.CodeInvalidRequest, "missing device id")
	}

	s.mu.Lock()
	acc, exists := s.accountsByID[hb.DeviceID]
	if !exists {
		acc = model.Account{ID: hb.DeviceID, Status: model.StatusOffline, CreatedAt: hb.At}
	}
	acc = applyHeartbeat(acc, hb)
	s.accountsByID[acc.ID] = acc
	s.publishLocked(accountChanged(acc))
	snap := s.commitLocked()
	s.mu.Unlock()

	s.persist(snap)
	return acc, !exists, nil
}

// applyHeartbeat merges a device report. A device can neither lift nor set
// a ban, and data usage never goes down.
func applyHeartbeat(acc model.Account, hb model.Heartbeat) model.Account {
	if acc.Status != model.StatusBanned && hb.Status.Valid() && hb.Status != model.StatusBanned {
		acc.Status = hb.Status
	}
	at := hb.At
	acc.LastSeen = &at
	if hb.DataUsage > acc.DataUsage {
		acc.DataUsage = hb.DataUsage
	}
	acc.UpdatedAt = hb.At
	return acc
}

func (s *Memory) SetBan(ctx context.Context, id string, banned bool, reason string, now time.Time) (model.Account, error) {
	if err := checkContext(ctx); err != nil {
		return model.Account{}, err
	}

	s.mu.Lock()
	acc, ok := s.accountsByID[id]
	if !ok {
		s.mu.Unlock()
		return model.Account{}, accountNotFound(id)
	}

	changed := false
	if banned && (acc.Status != model.StatusBanned || acc.BanReason != reason) {
		acc.Status = model.StatusBanned
		acc.BanReason = reason
		changed = true
	}
	if !banned && acc.Status == model.StatusBanned {
		acc.Status = model.StatusOffline
		acc.BanReason = ""
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return acc, nil
	}

	acc.UpdatedAt = now
	s.accountsByID[id] = acc
	s.publishLocked(accountChanged(acc))
	snap := s.commitLocked()
	s.mu.Unlock()

	s.persist(snap)
	return acc, nil
}

func (s *Memory) ApplyBalanceEntry(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	if err := checkContext(ctx); err != nil {
		return model.ActivityLogEntry{}, err
	}
	entry.Ledger = model.LedgerPoints

	s.mu.Lock()
	acc, ok := s.accountsByID[entry.DeviceID]
	if !ok {
		s.mu.Unlock()
		return model.ActivityLogEntry{}, accountNotFound(entry.DeviceID)
	}
	if prev, replay, err := s.replayLocked(entry); replay {
		s.mu.Unlock()
		return prev, err
	}

	acc.Balance += entry.Amount
	acc.UpdatedAt = entry.Timestamp
	entry.ResultAfter = acc.Balance
	entry = s.appendEntryLocked(acc, entry)
	s.publishLocked(accountChanged(acc), activityAppended(entry))
	snap := s.commitLocked()
	s.mu.Unlock()

	s.persist(snap)
	return entry, nil
}

func (s *Memory) ApplyVPNTime(ctx context.Context, mode model.VPNTimeMode, seconds int64, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	if err := checkContext(ctx); err != nil {
		return model.ActivityLogEntry{}, err
	}
	entry.Ledger = model.LedgerVPNSeconds

	s.mu.Lock()
	acc, ok := s.accountsByID[entry.DeviceID]
	if !ok {
		s.mu.Unlock()
		return model.ActivityLogEntry{}, accountNotFound(entry.DeviceID)
	}
	if prev, replay, err := s.replayLocked(entry); replay {
		s.mu.Unlock()
		return prev, err
	}

	quota := model.ApplyVPNTime(acc.VPNRemainingSeconds, mode, seconds)
	entry.Amount = quota - acc.VPNRemainingSeconds
	entry.ResultAfter = quota
	acc.VPNRemainingSeconds = quota
	acc.UpdatedAt = entry.Timestamp
	entry = s.appendEntryLocked(acc, entry)
	s.publishLocked(accountChanged(acc), activityAppended(entry))
	snap := s.commitLocked()
	s.mu.Unlock()

	s.persist(snap)
	return entry, nil
}

// replayLocked returns the entry already recorded under the same
// idempotency key. A key reused for a different ledger is rejected.
func (s *Memory) replayLocked(entry model.ActivityLogEntry) (model.ActivityLogEntry, bool, error) {
	if entry.IdempotencyKey == "" {
		return model.ActivityLogEntry{}, false, nil
	}
	prev, ok := s.entryByIdemKey[idemKey(entry.DeviceID, entry.IdempotencyKey)]
	if !ok {
		return model.ActivityLogEntry{}, false, nil
	}
	if prev.Ledger != entry.Ledger || prev.Type != entry.Type {
		return model.ActivityLogEntry{}, true, apperr.Validation(apperr.CodeInvalidRequest, "idempotency key already used for a different operation")
	}
	return prev, true, nil
}

func (s *Memory) appendEntryLocked(acc model.Account, entry model.ActivityLogEntry) model.ActivityLogEntry {
	entry.Seq = s.seq.nextForDevice(entry.DeviceID)
	s.accountsByID[acc.ID] = acc
	s.activity.append(entry.DeviceID, entry)
	if entry.IdempotencyKey != "" {
		s.entryByIdemKey[idemKey(entry.DeviceID, entry.IdempotencyKey)] = entry
	}
	return entry
}

func (s *Memory) ListActivity(ctx context.Context, deviceID string, beforeSeq int64, limit int) ([]model.ActivityLogEntry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accountsByID[deviceID]; !ok {
		return nil, accountNotFound(deviceID)
	}
	return s.activity.getBefore(deviceID, beforeSeq, clampLimit(limit)), nil
}
