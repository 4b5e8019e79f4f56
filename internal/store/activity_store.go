package store

import (
	"sync"

	"vpn-console/internal/model"
)

// activityStore keeps each device's entries in ascending Seq order.
type activityStore struct {
	mu   sync.RWMutex
	data map[string][]model.ActivityLogEntry
}

func newActivityStore() *activityStore {
	return &activityStore{data: make(map[string][]model.ActivityLogEntry)}
}

func (a *activityStore) append(deviceID string, entry model.ActivityLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.data[deviceID] = append(a.data[deviceID], entry)
}

func (a *activityStore) getBefore(deviceID string, beforeSeq int64, limit int) []model.ActivityLogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries := a.data[deviceID]
	if len(entries) == 0 {
		return nil
	}

	result := make([]model.ActivityLogEntry, 0, limit)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if beforeSeq > 0 && e.Seq >= beforeSeq {
			continue
		}
		result = append(result, e)
		if len(result) >= limit {
			break
		}
	}
	return result
}

func (a *activityStore) snapshot() []model.ActivityLogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0
	for _, entries := range a.data {
		n += len(entries)
	}
	result := make([]model.ActivityLogEntry, 0, n)
	for _, entries := range a.data {
		result = append(result, entries...)
	}
	return result
}
