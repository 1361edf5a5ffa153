package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and when no database is
// configured.
type MemoryStore struct {
	mu sync.RWMutex

	runs       map[string]*Run
	runSeq     int64
	payments   map[string]*Payment
	transitions []*Transition
	snapshots  map[string]*Snapshot
	consumed   map[string]string // txHash -> invoiceID
	spent      *big.Int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*Run),
		payments: make(map[string]*Payment),
		snapshots: make(map[string]*Snapshot),
		consumed: make(map[string]string),
		spent:    big.NewInt(0),
	}
}

func cloneRun(r *Run) *Run {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) CreateRun(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *MemoryStore) LatestRuns(ctx context.Context, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		all = append(all, cloneRun(r))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RunNumber > all[j].RunNumber })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) LatestRunningRun(ctx context.Context) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Run
	for _, r := range m.runs {
		if r.Status != RunRunning {
			continue
		}
		if latest == nil || r.RunNumber > latest.RunNumber {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneRun(latest), nil
}

func (m *MemoryStore) NextRunNumber(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runSeq++
	return m.runSeq, nil
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.SettledAt != nil {
		t := *p.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrNotFound
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) ListPaymentsByRun(ctx context.Context, runID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.RunID == runID {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTransition(ctx context.Context, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transitions = append(m.transitions, &cp)
	return nil
}

func (m *MemoryStore) ListTransitionsByRun(ctx context.Context, runID string) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transition
	for _, t := range m.transitions {
		if t.RunID == runID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestTransitions(ctx context.Context, limit int) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.transitions)
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}
	out := make([]*Transition, 0, n-start)
	for i := n - 1; i >= start; i-- {
		cp := *m.transitions[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Balances = append([]TokenBalance(nil), s.Balances...)
	m.snapshots[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.Balances = append([]TokenBalance(nil), s.Balances...)
	return &cp, nil
}

func (m *MemoryStore) LatestSnapshotForChain(ctx context.Context, chainID int64) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Snapshot
	for _, s := range m.snapshots {
		if s.ChainID != chainID {
			continue
		}
		if latest == nil || s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	cp.Balances = append([]TokenBalance(nil), latest.Balances...)
	return &cp, nil
}

func (m *MemoryStore) MarkConsumed(ctx context.Context, txHash, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumed[txHash]; ok {
		return ErrAlreadyConsumed
	}
	m.consumed[txHash] = invoiceID
	return nil
}

func (m *MemoryStore) IsConsumed(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.consumed[txHash]
	return ok, nil
}

func (m *MemoryStore) LoadSpent(ctx context.Context) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.spent), nil
}

func (m *MemoryStore) SaveSpent(ctx context.Context, spent *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent = new(big.Int).Set(spent)
	return nil
}
