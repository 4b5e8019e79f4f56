package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"vpn-console/internal/model"
)

const stateFileVersion = 1

type persistedState struct {
	Version     int                      `json:"version"`
	Accounts    []model.Account          `json:"accounts"`
	Withdrawals []model.Withdrawal       `json:"withdrawals"`
	Activity    []model.ActivityLogEntry `json:"activity"`
	SavedAt     int64                    `json:"savedAt"`

	stateVersion uint64
}

func (s *Memory) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != stateFileVersion {
		return errors.New("unsupported state file version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range file.Accounts {
		if acc.ID == "" {
			continue
		}
		s.accountsByID[acc.ID] = acc
	}
	for _, w := range file.Withdrawals {
		if w.ID == "" {
			continue
		}
		s.withdrawalsByID[w.ID] = w
		if w.TransactionID != "" {
			s.withdrawalIDByTxn[w.TransactionID] = w.ID
		}
	}

	entries := file.Activity
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DeviceID == entries[j].DeviceID {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].DeviceID < entries[j].DeviceID
	})
	for _, e := range entries {
		if e.DeviceID == "" {
			continue
		}
		s.activity.append(e.DeviceID, e)
		s.seq.observe(e.DeviceID, e.Seq)
		if e.IdempotencyKey != "" {
			s.entryByIdemKey[idemKey(e.DeviceID, e.IdempotencyKey)] = e
		}
	}
	return nil
}

func (s *Memory) snapshotLocked() *persistedState {
	snap := &persistedState{
		Version:      stateFileVersion,
		Accounts:     make([]model.Account, 0, len(s.accountsByID)),
		Withdrawals:  make([]model.Withdrawal, 0, len(s.withdrawalsByID)),
		Activity:     s.activity.snapshot(),
		stateVersion: s.version,
	}
	for _, acc := range s.accountsByID {
		snap.Accounts = append(snap.Accounts, acc)
	}
	for _, w := range s.withdrawalsByID {
		snap.Withdrawals = append(snap.Withdrawals, w)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })
	sort.Slice(snap.Withdrawals, func(i, j int) bool { return snap.Withdrawals[i].ID < snap.Withdrawals[j].ID })
	return snap
}

// persist writes the snapshot with temp-file + rename. Snapshots taken
// before the last written one are skipped, so concurrent writers never
// roll the file back. Failures are logged and reported to OnPersistError;
// the in-memory write they follow has already committed.
func (s *Memory) persist(snap *persistedState) {
	if snap == nil || s.stateFile == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if snap.stateVersion <= s.persistedVersion {
		return
	}
	if err := writeSnapshot(s.stateFile, snap); err != nil {
		s.logger.WithError(err).WithField("path", s.stateFile).Error("state persistence failed")
		if s.onPersistError != nil {
			s.onPersistError(err)
		}
		return
	}
	s.persistedVersion = snap.stateVersion
}

func writeSnapshot(path string, snap *persistedState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	snap.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
