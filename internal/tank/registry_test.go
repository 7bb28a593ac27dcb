package tank

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *store.MemStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	ms := store.NewMemStore()
	r := NewRegistry(ms, clock.Now)
	limits := types.ProviderLimits{TokensPerWindow: 100_000, WindowHours: 5, YellowThreshold: 0.5, RedThreshold: 0.2}
	if err := r.Configure(context.Background(), types.ProviderClaude, limits, true); err != nil {
		t.Fatalf("Failed to configure claude: %v", err)
	}
	return r, ms, clock
}

func TestReserveDepletesAndPersists(t *testing.T) {
	r, ms, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Reserve(ctx, types.ProviderClaude, "gt-aaaaa", 50_000); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}
	snap, _ := r.Snapshot(types.ProviderClaude)
	if snap.Remaining != 50_000 || snap.Health != types.TankHealthYellow {
		t.Errorf("remaining=%d health=%s, want 50000 yellow", snap.Remaining, snap.Health)
	}

	stored, err := ms.GetTank(ctx, types.ProviderClaude)
	if err != nil {
		t.Fatalf("Failed to read stored tank: %v", err)
	}
	if stored.Remaining != 50_000 {
		t.Errorf("stored remaining = %d, want 50000", stored.Remaining)
	}

	err = r.Reserve(ctx, types.ProviderClaude, "gt-bbbbb", 60_000)
	var capErr *types.InsufficientCapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Reserve error = %v, want InsufficientCapacityError", err)
	}
	if capErr.Requested != 60_000 || capErr.Available != 50_000 {
		t.Errorf("capacity error = %+v", capErr)
	}
	snap, _ = r.Snapshot(types.ProviderClaude)
	if snap.Remaining != 50_000 {
		t.Errorf("failed reserve changed remaining to %d", snap.Remaining)
	}
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var granted atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Reserve(ctx, types.ProviderClaude, "", 30_000); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 3 {
		t.Errorf("granted %d reservations of 30000 from 100000, want 3", granted.Load())
	}
	snap, _ := r.Snapshot(types.ProviderClaude)
	if snap.Remaining != 10_000 {
		t.Errorf("remaining = %d, want 10000", snap.Remaining)
	}
}

func TestRefundAndReconcile(t *testing.T) {
	r, ms, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Reserve(ctx, types.ProviderClaude, "gt-aaaaa", 40_000); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}
	// Used less than reserved: the difference comes back
	if err := r.Reconcile(ctx, types.ProviderClaude, "gt-aaaaa", 40_000, 25_000); err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	snap, _ := r.Snapshot(types.ProviderClaude)
	if snap.Remaining != 75_000 {
		t.Errorf("after under-use remaining = %d, want 75000", snap.Remaining)
	}

	if err := r.Reserve(ctx, types.ProviderClaude, "gt-bbbbb", 10_000); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}
	// Used more than reserved: the excess is charged
	if err := r.Reconcile(ctx, types.ProviderClaude, "gt-bbbbb", 10_000, 30_000); err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	snap, _ = r.Snapshot(types.ProviderClaude)
	if snap.Remaining != 45_000 {
		t.Errorf("after over-use remaining = %d, want 45000", snap.Remaining)
	}

	if err := r.Refund(ctx, types.ProviderClaude, "gt-bbbbb", 500_000); err != nil {
		t.Fatalf("Failed to refund: %v", err)
	}
	snap, _ = r.Snapshot(types.ProviderClaude)
	if snap.Remaining != snap.Capacity {
		t.Errorf("refund should clamp to capacity, remaining = %d", snap.Remaining)
	}

	used, err := ms.UsageSince(ctx, types.ProviderClaude, time.Time{})
	if err != nil {
		t.Fatalf("Failed to read usage: %v", err)
	}
	// reserve 40000, reconcile -15000, reserve 10000, reconcile +20000, refund -500000
	if used != 40_000-15_000+10_000+20_000-500_000 {
		t.Errorf("ledger sum = %d", used)
	}
}

func TestRefreshExpired(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Reserve(ctx, types.ProviderClaude, "", 90_000); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}

	refreshed, err := r.RefreshExpired(ctx)
	if err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}
	if len(refreshed) != 0 {
		t.Errorf("refreshed %v before the window ended", refreshed)
	}

	clock.Advance(5 * time.Hour)
	refreshed, err = r.RefreshExpired(ctx)
	if err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}
	if len(refreshed) != 1 || refreshed[0] != types.ProviderClaude {
		t.Fatalf("refreshed = %v, want [claude]", refreshed)
	}
	snap, _ := r.Snapshot(types.ProviderClaude)
	if snap.Remaining != 100_000 || snap.Health != types.TankHealthGreen {
		t.Errorf("after reset remaining=%d health=%s", snap.Remaining, snap.Health)
	}
	if !snap.WindowEnd.Equal(clock.Now().Add(5 * time.Hour)) {
		t.Errorf("WindowEnd = %v", snap.WindowEnd)
	}
}

func TestDisabledProviderRejects(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.SetEnabled(types.ProviderClaude, false); err != nil {
		t.Fatalf("Failed to disable: %v", err)
	}
	ok, err := r.CanConsume(ctx, types.ProviderClaude, 1)
	if err != nil || ok {
		t.Errorf("CanConsume on disabled provider = %v, %v", ok, err)
	}
	err = r.Reserve(ctx, types.ProviderClaude, "", 1)
	if types.KindOf(err) != types.KindProviderDisabled {
		t.Errorf("Reserve error kind = %s, want provider_disabled", types.KindOf(err))
	}
	err = r.Reserve(ctx, types.ProviderGemini, "", 1)
	if types.KindOf(err) != types.KindProviderNotConfigured {
		t.Errorf("Reserve error kind = %s, want provider_not_configured", types.KindOf(err))
	}
}

func TestRequestsPerMinuteCap(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()
	limits := types.ProviderLimits{TokensPerWindow: 1_000_000, WindowHours: 24, RequestsPerMinute: 2}
	if err := r.Configure(ctx, types.ProviderCodex, limits, true); err != nil {
		t.Fatalf("Failed to configure codex: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := r.Reserve(ctx, types.ProviderCodex, "", 10); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}
	if ok, _ := r.CanConsume(ctx, types.ProviderCodex, 10); ok {
		t.Error("CanConsume should be false once the minute's requests are spent")
	}
	if err := r.Reserve(ctx, types.ProviderCodex, "", 10); types.KindOf(err) != types.KindRateLimited {
		t.Errorf("third Reserve error = %v, want rate limited", err)
	}

	clock.Advance(time.Minute)
	if ok, _ := r.CanConsume(ctx, types.ProviderCodex, 10); !ok {
		t.Error("CanConsume should recover after a minute")
	}
}

func TestDailyCapFromLedger(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()
	limits := types.ProviderLimits{TokensPerWindow: 1_000_000, WindowHours: 1, DailyCap: 1_500}
	if err := r.Configure(ctx, types.ProviderGemini, limits, true); err != nil {
		t.Fatalf("Failed to configure gemini: %v", err)
	}

	if err := r.Reserve(ctx, types.ProviderGemini, "", 1_000); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}
	// A fresh window does not lift the daily cap
	clock.Advance(2 * time.Hour)
	if _, err := r.RefreshExpired(ctx); err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}
	if ok, _ := r.CanConsume(ctx, types.ProviderGemini, 1_000); ok {
		t.Error("CanConsume should respect the daily cap")
	}
	if ok, _ := r.CanConsume(ctx, types.ProviderGemini, 500); !ok {
		t.Error("CanConsume should allow usage up to the daily cap")
	}

	clock.Advance(24 * time.Hour)
	if ok, _ := r.CanConsume(ctx, types.ProviderGemini, 1_000); !ok {
		t.Error("CanConsume should allow usage once the day has rolled over")
	}
}

func TestEarliestResetAndExhausted(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()
	start := clock.Now()

	if err := r.Configure(ctx, types.ProviderGemini, types.ProviderLimits{TokensPerWindow: 1000, WindowHours: 24}, true); err != nil {
		t.Fatalf("Failed to configure gemini: %v", err)
	}

	at, ok := r.EarliestReset([]types.Provider{types.ProviderGemini, types.ProviderClaude, types.ProviderCodex})
	if !ok || !at.Equal(start.Add(5*time.Hour)) {
		t.Errorf("EarliestReset = %v, %v; want claude's window end", at, ok)
	}
	if _, ok := r.EarliestReset([]types.Provider{types.ProviderCodex}); ok {
		t.Error("EarliestReset over unconfigured providers should report !ok")
	}

	if r.Exhausted() {
		t.Error("full tanks reported as exhausted")
	}
	if err := r.Set(ctx, types.ProviderClaude, 0); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if r.Exhausted() {
		t.Error("exhausted with gemini still full")
	}
	if err := r.Set(ctx, types.ProviderGemini, 0); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if !r.Exhausted() {
		t.Error("every enabled execution tank is empty, want exhausted")
	}
}

func TestConfigureKeepsStoredState(t *testing.T) {
	r, ms, clock := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Reserve(ctx, types.ProviderClaude, "", 70_000); err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}

	fresh := NewRegistry(ms, clock.Now)
	limits := types.ProviderLimits{TokensPerWindow: 20_000, WindowHours: 5, YellowThreshold: 0.5, RedThreshold: 0.2}
	if err := fresh.Configure(ctx, types.ProviderClaude, limits, true); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}
	snap, _ := fresh.Snapshot(types.ProviderClaude)
	if snap.Capacity != 20_000 || snap.Remaining != 20_000 {
		t.Errorf("capacity=%d remaining=%d, want clamp to 20000", snap.Capacity, snap.Remaining)
	}

	fresh = NewRegistry(ms, clock.Now)
	limits.TokensPerWindow = 100_000
	if err := fresh.Configure(ctx, types.ProviderClaude, limits, true); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}
	snap, _ = fresh.Snapshot(types.ProviderClaude)
	if snap.Remaining != 20_000 {
		t.Errorf("remaining = %d, want stored 20000 kept", snap.Remaining)
	}
}
