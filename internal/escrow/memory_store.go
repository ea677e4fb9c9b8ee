package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/custody/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows    map[string]*Escrow
	milestones map[string][]*Milestone // by escrow ID, in position order
	activity   map[string][]*Activity
	settling   map[string]bool
	nextID     int64
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		milestones: make(map[string][]*Milestone),
		activity:   make(map[string][]*Activity),
		settling:   make(map[string]bool),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	if err := e.validateCustody(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.escrows[e.ID] = &cp
	stored := make([]*Milestone, len(milestones))
	for i, ms := range milestones {
		c := *ms
		stored[i] = &c
	}
	m.milestones[e.ID] = stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool {
		return (e.BuyerAddr == addr || e.SellerAddr == addr) && after.After(e.CreatedAt, e.ID)
	}), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool { return e.Status == status }), nil
}

func (m *MemoryStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool {
		return e.Type == TypeTimeLocked &&
			(e.Status == StatusPending || e.Status == StatusFunded) &&
			e.ExpiresAt != nil && e.ExpiresAt.Before(before)
	}), nil
}

// list returns copies of matching escrows, newest first.
func (m *MemoryStore) list(limit int, match func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if match(e) {
			cp := *e
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

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	if err := e.validateCustody(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Status != from {
		return ErrStatusConflict
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) LockSettlement(ctx context.Context, escrowID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settling[escrowID] {
		return nil, ErrSettlementInProgress
	}
	m.settling[escrowID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.settling, escrowID)
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryStore) Milestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.milestones[escrowID]
	out := make([]*Milestone, len(stored))
	for i, ms := range stored {
		c := *ms
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) UpdateMilestone(ctx context.Context, ms *Milestone, from MilestoneStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, stored := range m.milestones[ms.EscrowID] {
		if stored.ID != ms.ID {
			continue
		}
		if stored.Status != from {
			return ErrStatusConflict
		}
		c := *ms
		m.milestones[ms.EscrowID][i] = &c
		return nil
	}
	return ErrMilestoneNotFound
}

func (m *MemoryStore) AppendActivity(ctx context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.activity[a.EscrowID] = append(m.activity[a.EscrowID], &cp)
	return nil
}

// ListActivity returns the latest limit entries, oldest first.
func (m *MemoryStore) ListActivity(ctx context.Context, escrowID string, limit int) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.activity[escrowID]
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
