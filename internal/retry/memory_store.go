package retry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory retry store for demo/development mode.
// Every conditional update runs under the write lock, which gives Claim the
// same single-winner guarantee the Postgres store gets from its WHERE clause.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory retry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Enqueue(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) Claim(_ context.Context, id, claimID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return false, ErrNotFound
	}
	if tx.Status != StatusQueued || tx.NextAttemptAt.After(now) {
		return false, nil
	}
	claim(tx, claimID, now)
	return true, nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, now time.Time, claimID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *Transaction
	for _, tx := range m.txs {
		if tx.Status != StatusQueued || tx.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || tx.NextAttemptAt.Before(next.NextAttemptAt) {
			next = tx
		}
	}
	if next == nil {
		return nil, nil
	}
	claim(next, claimID, now)
	cp := *next
	return &cp, nil
}

func claim(tx *Transaction, claimID string, now time.Time) {
	tx.Status = StatusInProgress
	tx.ClaimID = claimID
	tx.UpdatedAt = now
}

func (m *MemoryStore) Renew(_ context.Context, id, claimID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != StatusInProgress || tx.ClaimID != claimID {
		return ErrNotClaimed
	}
	tx.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Finish(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[tx.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusInProgress || cur.ClaimID != tx.ClaimID {
		return ErrNotClaimed
	}
	cp := *tx
	cp.ClaimID = ""
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) RequeueStale(_ context.Context, before, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, tx := range m.txs {
		if tx.Status == StatusInProgress && tx.UpdatedAt.Before(before) {
			tx.Status = StatusQueued
			tx.ClaimID = ""
			tx.NextAttemptAt = now
			tx.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) HasOpen(_ context.Context, subject SubjectType, subjectID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.txs {
		if tx.SubjectType == subject && tx.SubjectID == subjectID &&
			(tx.Status == StatusQueued || tx.Status == StatusInProgress) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subject SubjectType, subjectID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.SubjectType == subject && tx.SubjectID == subjectID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status == status {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, tx := range m.txs {
		stats[reportedStatus(tx)]++
	}
	return stats, nil
}

func (m *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, tx := range m.txs {
		if tx.IsTerminal() && tx.UpdatedAt.Before(cutoff) {
			delete(m.txs, id)
			n++
		}
	}
	return n, nil
}

// reportedStatus splits queued rows that already failed once out of the
// plain queued count.
func reportedStatus(tx *Transaction) Status {
	if tx.Status == StatusQueued && tx.AttemptCount > 0 {
		return StatusFailedRetryable
	}
	return tx.Status
}

var _ Store = (*MemoryStore)(nil)
