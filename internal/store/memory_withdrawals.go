package store

import (
	"context"
	"sort"

	"vpn-console/internal/apperr"
	"vpn-console/internal/model"
)

func (s *Memory) CreateWithdrawal(ctx context.Context, w model.Withdrawal, entry model.ActivityLogEntry) (model.Withdrawal, error) {
	if err := checkContext(ctx); err != nil {
		return model.Withdrawal{}, err
	}

	s.mu.Lock()
	acc, ok := s.accountsByID[w.DeviceID]
	if !ok {
		s.mu.Unlock()
		return model.Withdrawal{}, accountNotFound(w.DeviceID)
	}
	if _, exists := s.withdrawalsByID[w.ID]; exists {
		s.mu.Unlock()
		return model.Withdrawal{}, apperr.DuplicateID("withdrawal " + w.ID + " already exists")
	}
	if acc.Balance < w.Points {
		s.mu.Unlock()
		return model.Withdrawal{}, apperr.Validation(apperr.CodeInsufficientBalance, "balance is lower than the requested points")
	}

	w.Status = model.WithdrawalPending
	acc.Balance -= w.Points
	acc.UpdatedAt = w.CreatedAt

	entry.DeviceID = w.DeviceID
	entry.Type = model.ActivityWithdrawal
	entry.Ledger = model.LedgerPoints
	entry.Amount = -w.Points
	entry.ResultAfter = acc.Balance
	entry = s.appendEntryLocked(acc, entry)
	s.withdrawalsByID[w.ID] = w

	s.publishLocked(accountChanged(acc), activityAppended(entry), withdrawalChanged(w, w.CreatedAt))
	snap := s.commitLocked()
	s.mu.Unlock()

	s.persist(snap)
	return w, nil
}

func (s *Memory) GetWithdrawal(ctx context.Context, id string) (model.Withdrawal, error) {
	if err := checkContext(ctx); err != nil {
		return model.Withdrawal{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawalsByID[id]
	if !ok {
		return model.Withdrawal{}, withdrawalNotFound(id)
	}
	return w, nil
}

func (s *Memory) ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Withdrawal, 0)
	for _, w := range s.withdrawalsByID {
		if status == "" || w.Status == status {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Memory) CompleteWithdrawal(ctx context.Context, w model.Withdrawal) (model.Withdrawal, error) {
	if err := checkContext(ctx); err != nil {
		return model.Withdrawal{}, err
	}

	s.mu.Lock()
	cur, ok := s.withdrawalsByID[w.ID]
	if !ok {
		s.mu.Unlock()
		return model.Withdrawal{}, withdrawalNotFound(w.ID)
	}
	if cur.Status != model.WithdrawalPending {
		s.mu.Unlock()
		return model.Withdrawal{}, apperr.InvalidTransition("withdrawal " + w.ID + " is already " + string(cur.Status))
	}
	if w.TransactionID != "" {
		if _, taken := s.withdrawalIDByTxn[w.TransactionID]; taken {
			s.mu.Unlock()
			return model.Withdrawal{}, apperr.DuplicateID("transaction id " + w.TransactionID + " already issued")
		}
		s.withdrawalIDByTxn[w.TransactionID] = w.ID
	}

	cur.Status = w.Status
	cur.TransactionID = w.TransactionID
	cur.ReceiptReference = w.ReceiptReference
	cur.RejectionReason = w.RejectionReason
	cur.ProcessedAt = w.ProcessedAt
	cur.ProcessedBy = w.ProcessedBy
	s.withdrawalsByID[cur.ID] = cur

	at := cur.CreatedAt
	if cur.ProcessedAt != nil {
		at = *cur.ProcessedAt
	}
	s.publishLocked(withdrawalChanged(cur, at))
	snap := s.commitLocked()
	s.mu.Unlock()

	s.persist(snap)
	return cur, nil
}
