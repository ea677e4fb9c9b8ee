package split

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/custody/internal/pagination"
)

// MemoryStore is an in-memory split store for demo/development mode.
type MemoryStore struct {
	splits     map[string]*Split
	recipients map[string][]*Recipient
	activity   map[string][]*Activity
	nextID     int64
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory split store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		splits:     make(map[string]*Split),
		recipients: make(map[string][]*Recipient),
		activity:   make(map[string][]*Activity),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Split, recipients []*Recipient) error {
	if err := s.validateCustody(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.splits[s.ID] = &cp
	stored := make([]*Recipient, len(recipients))
	for i, r := range recipients {
		c := *r
		stored[i] = &c
	}
	m.recipients[s.ID] = stored
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Split, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.splits[id]
	if !ok {
		return nil, ErrSplitNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, addr string, after *pagination.Cursor, limit int) ([]*Split, error) {
	return m.list(limit, func(s *Split) bool {
		return s.PayerAddr == addr && after.After(s.CreatedAt, s.ID)
	}), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Split, error) {
	return m.list(limit, func(s *Split) bool { return s.Status == status }), nil
}

func (m *MemoryStore) list(limit int, match func(*Split) bool) []*Split {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Split
	for _, s := range m.splits {
		if match(s) {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) Transition(_ context.Context, s *Split, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.splits[s.ID]
	if !ok {
		return ErrSplitNotFound
	}
	if stored.Status != from {
		return ErrStatusConflict
	}
	cp := *s
	m.splits[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Recipients(_ context.Context, splitID string) ([]*Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.recipients[splitID]
	out := make([]*Recipient, len(stored))
	for i, r := range stored {
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) UpdateRecipient(_ context.Context, r *Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, stored := range m.recipients[r.SplitID] {
		if stored.ID != r.ID {
			continue
		}
		if stored.Paid() {
			return ErrStatusConflict
		}
		c := *r
		m.recipients[r.SplitID][i] = &c
		return nil
	}
	return ErrSplitNotFound
}

func (m *MemoryStore) AppendActivity(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.activity[a.SplitID] = append(m.activity[a.SplitID], &cp)
	return nil
}

func (m *MemoryStore) ListActivity(_ context.Context, splitID string, limit int) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.activity[splitID]
	if limit > 0 && len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}
	out := make([]*Activity, len(stored))
	for i, a := range stored {
		c := *a
		out[i] = &c
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
