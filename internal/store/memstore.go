package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// MemStore is an in-memory Store. It is safe for concurrent use and hands
// out copies, so callers never share state with the store.
type MemStore struct {
	mu      sync.Mutex
	beads   map[types.BeadID]*types.Bead
	order   []types.BeadID
	tanks   map[types.Provider]*types.Tank
	usage   []types.UsageRecord
	convoys map[string]*types.Convoy
	corder  []string
}

// NewMemStore returns a new empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		beads:   make(map[types.BeadID]*types.Bead),
		tanks:   make(map[types.Provider]*types.Tank),
		convoys: make(map[string]*types.Convoy),
	}
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

func (m *MemStore) CreateBead(_ context.Context, b *types.Bead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beads[b.ID]; ok {
		return fmt.Errorf("creating bead %q: %w", b.ID, types.ErrAlreadyExists)
	}
	m.beads[b.ID] = b.Clone()
	m.order = append(m.order, b.ID)
	return nil
}

func (m *MemStore) GetBead(_ context.Context, id types.BeadID) (*types.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beads[id]
	if !ok {
		return nil, fmt.Errorf("getting bead %q: %w", id, types.ErrNotFound)
	}
	return b.Clone(), nil
}

func (m *MemStore) UpdateBead(_ context.Context, b *types.Bead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beads[b.ID]; !ok {
		return fmt.Errorf("updating bead %q: %w", b.ID, types.ErrNotFound)
	}
	m.beads[b.ID] = b.Clone()
	return nil
}

func (m *MemStore) DeleteBead(_ context.Context, id types.BeadID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beads[id]; !ok {
		return fmt.Errorf("deleting bead %q: %w", id, types.ErrNotFound)
	}
	delete(m.beads, id)
	m.order = slices.DeleteFunc(m.order, func(x types.BeadID) bool { return x == id })
	for _, b := range m.beads {
		b.Dependencies = slices.DeleteFunc(b.Dependencies, func(x types.BeadID) bool { return x == id })
	}
	return nil
}

// selectBeads returns copies of beads matching keep, in creation order.
// Caller must hold m.mu.
func (m *MemStore) selectBeads(keep func(*types.Bead) bool) []*types.Bead {
	var out []*types.Bead
	for _, id := range m.order {
		if b := m.beads[id]; keep(b) {
			out = append(out, b.Clone())
		}
	}
	return out
}

func (m *MemStore) ListBeads(_ context.Context, f BeadFilter) ([]*types.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.selectBeads(func(b *types.Bead) bool {
		return (f.Status == "" || b.Status == f.Status) && (f.ConvoyID == "" || b.ConvoyID == f.ConvoyID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) ListBeadsByStatus(ctx context.Context, status types.BeadStatus) ([]*types.Bead, error) {
	return m.ListBeads(ctx, BeadFilter{Status: status})
}

func (m *MemStore) ListBeadsByConvoy(ctx context.Context, convoyID string) ([]*types.Bead, error) {
	return m.ListBeads(ctx, BeadFilter{ConvoyID: convoyID})
}

func (m *MemStore) PendingOrdered(_ context.Context) ([]*types.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.selectBeads(func(b *types.Bead) bool {
		return b.Status == types.BeadStatusPending || b.Status == types.BeadStatusQueued
	})
	types.SortForDispatch(out)
	return out, nil
}

func (m *MemStore) DeferredReady(_ context.Context, now time.Time) ([]*types.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.selectBeads(func(b *types.Bead) bool {
		return b.Status == types.BeadStatusDeferred && (b.DeferredUntil == nil || !b.DeferredUntil.After(now))
	})
	types.SortForDispatch(out)
	return out, nil
}

func (m *MemStore) GetTank(_ context.Context, p types.Provider) (*types.Tank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tanks[p]
	if !ok {
		return nil, fmt.Errorf("getting tank %q: %w", p, types.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemStore) ListTanks(_ context.Context) ([]*types.Tank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Tank
	for _, p := range types.AllProviders {
		if t, ok := m.tanks[p]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *MemStore) UpsertTank(_ context.Context, t *types.Tank) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tanks[t.Provider] = t.Clone()
	return nil
}

func (m *MemStore) RecordUsage(_ context.Context, rec types.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

func (m *MemStore) UsageSince(_ context.Context, p types.Provider, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.usage {
		if r.Provider == p && !r.At.Before(since) {
			total += r.Tokens
		}
	}
	return total, nil
}

func (m *MemStore) ListUsage(_ context.Context, p types.Provider, since time.Time) ([]types.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.UsageRecord
	for i := len(m.usage) - 1; i >= 0; i-- {
		r := m.usage[i]
		if (p == "" || r.Provider == p) && !r.At.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemStore) CreateConvoy(_ context.Context, c *types.Convoy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convoys[c.ID]; ok {
		return fmt.Errorf("creating convoy %q: %w", c.ID, types.ErrAlreadyExists)
	}
	m.convoys[c.ID] = c.Clone()
	m.corder = append(m.corder, c.ID)
	return nil
}

func (m *MemStore) GetConvoy(_ context.Context, id string) (*types.Convoy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convoys[id]
	if !ok {
		return nil, fmt.Errorf("getting convoy %q: %w", id, types.ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *MemStore) UpdateConvoy(_ context.Context, c *types.Convoy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convoys[c.ID]; !ok {
		return fmt.Errorf("updating convoy %q: %w", c.ID, types.ErrNotFound)
	}
	m.convoys[c.ID] = c.Clone()
	return nil
}

func (m *MemStore) ListConvoys(_ context.Context) ([]*types.Convoy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Convoy, 0, len(m.corder))
	for _, id := range m.corder {
		out = append(out, m.convoys[id].Clone())
	}
	return out, nil
}

func (m *MemStore) ListActiveConvoys(ctx context.Context) ([]*types.Convoy, error) {
	all, err := m.ListConvoys(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(c *types.Convoy) bool { return c.Status.IsTerminal() }), nil
}
