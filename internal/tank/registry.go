// Package tank keeps the per-provider token windows the scheduler draws
// from. Every mutation of a provider's tank happens under that provider's
// lock and is persisted before the lock is released.
package tank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Registry owns the tanks of every configured provider
type Registry struct {
	store store.TankStore
	now   func() time.Time

	mu      sync.RWMutex
	entries map[types.Provider]*entry
}

// entry is one provider's tank plus the limits it enforces
type entry struct {
	mu      sync.Mutex
	tank    *types.Tank
	limits  types.ProviderLimits
	enabled bool
	rpm     *rate.Limiter
}

// NewRegistry creates an empty registry persisting to ts.
// A nil now uses time.Now.
func NewRegistry(ts store.TankStore, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:   ts,
		now:     now,
		entries: make(map[types.Provider]*entry),
	}
}

// Configure registers a provider, loading its stored tank or creating a
// full one. Reconfiguring keeps the stored remaining, clamped to the new capacity.
func (r *Registry) Configure(ctx context.Context, p types.Provider, limits types.ProviderLimits, enabled bool) error {
	now := r.now()

	t, err := r.store.GetTank(ctx, p)
	switch {
	case errors.Is(err, types.ErrNotFound):
		t = types.NewTankFromLimits(p, limits, now)
	case err != nil:
		return fmt.Errorf("loading tank %s: %w", p, err)
	default:
		if t.Capacity != limits.TokensPerWindow {
			t.Capacity = limits.TokensPerWindow
		}
		t.UpdateRemaining(t.Remaining, limits.YellowThreshold, limits.RedThreshold, now)
	}

	if err := r.store.UpsertTank(ctx, t); err != nil {
		return fmt.Errorf("saving tank %s: %w", p, err)
	}

	e := &entry{tank: t, limits: limits, enabled: enabled}
	if limits.RequestsPerMinute > 0 {
		e.rpm = rate.NewLimiter(rate.Limit(float64(limits.RequestsPerMinute)/60.0), limits.RequestsPerMinute)
	}

	r.mu.Lock()
	r.entries[p] = e
	r.mu.Unlock()
	return nil
}

// Load configures every provider in limits; enabled says which may dispatch
func (r *Registry) Load(ctx context.Context, limits map[types.Provider]types.ProviderLimits, enabled map[types.Provider]bool) error {
	for _, p := range types.AllProviders {
		l, ok := limits[p]
		if !ok {
			continue
		}
		if err := r.Configure(ctx, p, l, enabled[p]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) entry(p types.Provider) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[p]
	return e, ok
}

// Providers returns the configured providers in canonical order
func (r *Registry) Providers() []types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Provider
	for _, p := range types.AllProviders {
		if _, ok := r.entries[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Configured reports whether p has a tank
func (r *Registry) Configured(p types.Provider) bool {
	_, ok := r.entry(p)
	return ok
}

// Enabled reports whether p is configured and may receive beads
func (r *Registry) Enabled(p types.Provider) bool {
	e, ok := r.entry(p)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SetEnabled turns dispatch to p on or off
func (r *Registry) SetEnabled(p types.Provider, enabled bool) error {
	e, ok := r.entry(p)
	if !ok {
		return types.NewError(types.KindProviderNotConfigured, p, "provider not configured", nil)
	}
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
	return nil
}

// Limits returns the limits p was configured with
func (r *Registry) Limits(p types.Provider) (types.ProviderLimits, bool) {
	e, ok := r.entry(p)
	if !ok {
		return types.ProviderLimits{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits, true
}

// Snapshot returns a copy of p's tank
func (r *Registry) Snapshot(p types.Provider) (*types.Tank, bool) {
	e, ok := r.entry(p)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tank.Clone(), true
}

// All returns copies of every configured tank
func (r *Registry) All() []*types.Tank {
	var out []*types.Tank
	for _, p := range r.Providers() {
		if t, ok := r.Snapshot(p); ok {
			out = append(out, t)
		}
	}
	return out
}

// CanConsume reports whether p could take a bead of n tokens right now:
// it is enabled, the window has room, the per-minute request cap has a
// slot and the daily and weekly caps are not crossed.
func (r *Registry) CanConsume(ctx context.Context, p types.Provider, n int64) (bool, error) {
	e, ok := r.entry(p)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled || !e.tank.CanConsume(n) {
		return false, nil
	}
	now := r.now()
	if e.rpm != nil && e.rpm.TokensAt(now) < 1 {
		return false, nil
	}
	return r.withinCaps(ctx, e, n, now)
}

// withinCaps checks the ledger-backed daily and weekly caps. Caller holds e.mu.
func (r *Registry) withinCaps(ctx context.Context, e *entry, n int64, now time.Time) (bool, error) {
	caps := []struct {
		limit int64
		span  time.Duration
	}{
		{e.limits.DailyCap, 24 * time.Hour},
		{e.limits.WeeklyCap, 7 * 24 * time.Hour},
	}
	for _, c := range caps {
		if c.limit <= 0 {
			continue
		}
		used, err := r.store.UsageSince(ctx, e.tank.Provider, now.Add(-c.span))
		if err != nil {
			return false, fmt.Errorf("reading usage for %s: %w", e.tank.Provider, err)
		}
		if used+n > c.limit {
			return false, nil
		}
	}
	return true, nil
}

// Reserve takes n tokens from p's tank on behalf of a bead. Two concurrent
// reservations against the same provider never both pass its remaining capacity.
func (r *Registry) Reserve(ctx context.Context, p types.Provider, beadID types.BeadID, n int64) error {
	e, ok := r.entry(p)
	if !ok {
		return types.NewError(types.KindProviderNotConfigured, p, "provider not configured", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return types.NewError(types.KindProviderDisabled, p, "provider disabled", nil)
	}

	now := r.now()
	if e.rpm != nil && e.rpm.TokensAt(now) < 1 {
		return &types.Error{Kind: types.KindRateLimited, Provider: p, ResetAt: now.Add(time.Minute), Msg: "requests per minute exceeded"}
	}
	within, err := r.withinCaps(ctx, e, n, now)
	if err != nil {
		return err
	}
	if !within {
		return &types.Error{Kind: types.KindRateLimited, Provider: p, ResetAt: now.Add(24 * time.Hour), Msg: "usage cap reached"}
	}

	before := e.tank.Clone()
	if err := e.tank.Consume(n, now); err != nil {
		return err
	}
	if err := r.persist(ctx, e, beadID, types.UsageReserve, n, now); err != nil {
		e.tank = before
		return err
	}
	if e.rpm != nil {
		e.rpm.AllowN(now, 1)
	}
	return nil
}

// Refund credits n tokens back to p's tank
func (r *Registry) Refund(ctx context.Context, p types.Provider, beadID types.BeadID, n int64) error {
	if n <= 0 {
		return nil
	}
	return r.mutate(ctx, p, beadID, types.UsageRefund, -n, func(t *types.Tank, now time.Time) {
		t.Refund(n, now)
	})
}

// Reconcile settles a reservation against the tokens a bead really used.
// Over-use is charged, under-use credited back.
func (r *Registry) Reconcile(ctx context.Context, p types.Provider, beadID types.BeadID, reserved, actual int64) error {
	delta := actual - reserved
	if delta == 0 {
		return nil
	}
	return r.mutate(ctx, p, beadID, types.UsageReconcile, delta, func(t *types.Tank, now time.Time) {
		if delta > 0 {
			t.Charge(delta, now)
		} else {
			t.Refund(-delta, now)
		}
	})
}

// Set overrides p's remaining tokens with a provider-reported value
func (r *Registry) Set(ctx context.Context, p types.Provider, remaining int64) error {
	e, ok := r.entry(p)
	if !ok {
		return types.NewError(types.KindProviderNotConfigured, p, "provider not configured", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.now()
	before := e.tank.Clone()
	e.tank.UpdateRemaining(remaining, e.limits.YellowThreshold, e.limits.RedThreshold, now)
	if err := r.persist(ctx, e, "", types.UsageSet, before.Remaining-e.tank.Remaining, now); err != nil {
		e.tank = before
		return err
	}
	return nil
}

// Refresh starts a new window for p immediately
func (r *Registry) Refresh(ctx context.Context, p types.Provider) error {
	e, ok := r.entry(p)
	if !ok {
		return types.NewError(types.KindProviderNotConfigured, p, "provider not configured", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.reset(ctx, e, r.now())
}

// RefreshExpired resets every tank whose window has ended and returns
// the providers it refreshed
func (r *Registry) RefreshExpired(ctx context.Context) ([]types.Provider, error) {
	now := r.now()
	var refreshed []types.Provider
	for _, p := range r.Providers() {
		e, _ := r.entry(p)
		e.mu.Lock()
		if e.tank.NeedsRefresh(now) {
			if err := r.reset(ctx, e, now); err != nil {
				e.mu.Unlock()
				return refreshed, err
			}
			refreshed = append(refreshed, p)
		}
		e.mu.Unlock()
	}
	return refreshed, nil
}

// reset refills e's tank. Caller holds e.mu.
func (r *Registry) reset(ctx context.Context, e *entry, now time.Time) error {
	before := e.tank.Clone()
	e.tank.ResetWindow(e.limits.WindowHours, now)
	if err := r.persist(ctx, e, "", types.UsageReset, 0, now); err != nil {
		e.tank = before
		return err
	}
	return nil
}

// EarliestReset returns the soonest window end among the configured
// providers in ps. ok is false when none of them is configured.
func (r *Registry) EarliestReset(ps []types.Provider) (earliest time.Time, ok bool) {
	for _, p := range ps {
		t, found := r.Snapshot(p)
		if !found {
			continue
		}
		if !ok || t.WindowEnd.Before(earliest) {
			earliest = t.WindowEnd
			ok = true
		}
	}
	return earliest, ok
}

// Exhausted reports whether every enabled execution provider has an
// empty tank. With no enabled execution provider it reports false.
func (r *Registry) Exhausted() bool {
	seen := false
	for _, p := range types.ExecutionProviders {
		e, ok := r.entry(p)
		if !ok {
			continue
		}
		e.mu.Lock()
		enabled, empty := e.enabled, e.tank.Health == types.TankHealthEmpty
		e.mu.Unlock()
		if !enabled {
			continue
		}
		if !empty {
			return false
		}
		seen = true
	}
	return seen
}

// History returns p's ledger entries since a point in time, newest first
func (r *Registry) History(ctx context.Context, p types.Provider, since time.Time) ([]types.UsageRecord, error) {
	return r.store.ListUsage(ctx, p, since)
}

// mutate applies fn to p's tank under its lock and persists the result
func (r *Registry) mutate(ctx context.Context, p types.Provider, beadID types.BeadID, kind types.UsageKind, tokens int64, fn func(*types.Tank, time.Time)) error {
	e, ok := r.entry(p)
	if !ok {
		return types.NewError(types.KindProviderNotConfigured, p, "provider not configured", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.now()
	before := e.tank.Clone()
	fn(e.tank, now)
	if err := r.persist(ctx, e, beadID, kind, tokens, now); err != nil {
		e.tank = before
		return err
	}
	return nil
}

// persist saves e's tank and appends a ledger entry. Caller holds e.mu.
func (r *Registry) persist(ctx context.Context, e *entry, beadID types.BeadID, kind types.UsageKind, tokens int64, now time.Time) error {
	if err := r.store.UpsertTank(ctx, e.tank); err != nil {
		return fmt.Errorf("saving tank %s: %w", e.tank.Provider, err)
	}
	rec := types.UsageRecord{
		ID:       uuid.New().String(),
		Provider: e.tank.Provider,
		BeadID:   beadID,
		Kind:     kind,
		Tokens:   tokens,
		At:       now,
	}
	if err := r.store.RecordUsage(ctx, rec); err != nil {
		return fmt.Errorf("recording usage for %s: %w", e.tank.Provider, err)
	}
	return nil
}
