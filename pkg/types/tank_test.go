package types

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHealthFromRatio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  TankHealth
	}{
		{1.0, TankHealthGreen},
		{0.6, TankHealthGreen},
		{0.5, TankHealthYellow},
		{0.3, TankHealthYellow},
		{0.2, TankHealthRed},
		{0.1, TankHealthRed},
		{0.0, TankHealthEmpty},
		{-0.1, TankHealthEmpty},
	}
	for _, tt := range tests {
		if got := HealthFromRatio(tt.ratio, 0.5, 0.2); got != tt.want {
			t.Errorf("HealthFromRatio(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestTankConsumeScenario(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tank := NewTank(ProviderClaude, 100_000, 5, now)
	tank.SetThresholds(0.5, 0.2)

	if tank.Health != TankHealthGreen {
		t.Fatalf("new tank health = %s, want green", tank.Health)
	}

	if err := tank.Consume(50_000, now); err != nil {
		t.Fatalf("Consume(50000) failed: %v", err)
	}
	if tank.Remaining != 50_000 || tank.Health != TankHealthYellow {
		t.Errorf("after 50k: remaining=%d health=%s, want 50000 yellow", tank.Remaining, tank.Health)
	}

	if err := tank.Consume(40_000, now); err != nil {
		t.Fatalf("Consume(40000) failed: %v", err)
	}
	if tank.Remaining != 10_000 || tank.Health != TankHealthRed {
		t.Errorf("after 90k: remaining=%d health=%s, want 10000 red", tank.Remaining, tank.Health)
	}

	err := tank.Consume(20_000, now)
	var ice *InsufficientCapacityError
	if !errors.As(err, &ice) {
		t.Fatalf("Consume(20000) error = %v, want InsufficientCapacityError", err)
	}
	if ice.Requested != 20_000 || ice.Available != 10_000 || ice.Provider != ProviderClaude {
		t.Errorf("error fields = %+v", ice)
	}
	if tank.Remaining != 10_000 {
		t.Errorf("remaining after failed consume = %d, want 10000", tank.Remaining)
	}
	if tank.RequestsThisWindow != 2 || tank.TokensThisWindow != 90_000 {
		t.Errorf("counters = %d requests, %d tokens", tank.RequestsThisWindow, tank.TokensThisWindow)
	}
	if !strings.Contains(err.Error(), "requested 20000 tokens, only 10000 available") {
		t.Errorf("error message = %q", err.Error())
	}
}

func TestTankEmptyRejectsZero(t *testing.T) {
	now := time.Now()
	tank := NewTank(ProviderCodex, 100, 5, now)
	if err := tank.Consume(100, now); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if tank.Health != TankHealthEmpty {
		t.Fatalf("health = %s, want empty", tank.Health)
	}
	if tank.CanConsume(0) {
		t.Error("empty tank accepted a zero-token request")
	}
}

func TestTankRefundClamps(t *testing.T) {
	now := time.Now()
	tank := NewTank(ProviderClaude, 1000, 5, now)
	_ = tank.Consume(300, now)
	tank.Refund(500, now)
	if tank.Remaining != 1000 {
		t.Errorf("remaining = %d, want 1000", tank.Remaining)
	}
	if tank.TokensThisWindow != 0 {
		t.Errorf("tokens this window = %d, want 0", tank.TokensThisWindow)
	}
}

func TestTankChargeFloorsAtZero(t *testing.T) {
	now := time.Now()
	tank := NewTank(ProviderClaude, 1000, 5, now)
	_ = tank.Consume(900, now)
	tank.Charge(500, now)
	if tank.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", tank.Remaining)
	}
	if tank.Health != TankHealthEmpty {
		t.Errorf("health = %s, want empty", tank.Health)
	}
}

func TestTankWindow(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tank := NewTank(ProviderClaude, 1000, 5, start)
	_ = tank.Consume(1000, start)

	if tank.NeedsRefresh(start.Add(4 * time.Hour)) {
		t.Error("NeedsRefresh true before window end")
	}
	if !tank.NeedsRefresh(start.Add(5 * time.Hour)) {
		t.Error("NeedsRefresh false at window end")
	}
	if got := tank.TimeUntilReset(start.Add(4 * time.Hour)); got != time.Hour {
		t.Errorf("TimeUntilReset = %v, want 1h", got)
	}
	if got := tank.TimeUntilReset(start.Add(6 * time.Hour)); got != 0 {
		t.Errorf("TimeUntilReset past end = %v, want 0", got)
	}

	later := start.Add(5 * time.Hour)
	tank.ResetWindow(5, later)
	if tank.Remaining != 1000 || tank.Health != TankHealthGreen {
		t.Errorf("after reset: remaining=%d health=%s", tank.Remaining, tank.Health)
	}
	if !tank.WindowEnd.Equal(later.Add(5 * time.Hour)) {
		t.Errorf("WindowEnd = %v", tank.WindowEnd)
	}
	if tank.RequestsThisWindow != 0 || tank.TokensThisWindow != 0 {
		t.Error("counters not reset")
	}
}

func TestTankUpdateRemainingClamps(t *testing.T) {
	now := time.Now()
	tank := NewTank(ProviderGemini, 1000, 24, now)
	tank.UpdateRemaining(5000, 0.3, 0.1, now)
	if tank.Remaining != 1000 {
		t.Errorf("remaining = %d, want clamp to 1000", tank.Remaining)
	}
	tank.UpdateRemaining(-5, 0.3, 0.1, now)
	if tank.Remaining != 0 || tank.Health != TankHealthEmpty {
		t.Errorf("remaining = %d health = %s, want 0 empty", tank.Remaining, tank.Health)
	}
	tank.UpdateRemaining(200, 0.3, 0.1, now)
	if tank.Health != TankHealthYellow {
		t.Errorf("health = %s, want yellow at ratio 0.2 with yellow=0.3", tank.Health)
	}
}

func TestTankCapacityRatioZero(t *testing.T) {
	tank := NewTank(ProviderClaude, 0, 5, time.Now())
	if tank.CapacityRatio() != 0 {
		t.Errorf("CapacityRatio = %v, want 0", tank.CapacityRatio())
	}
	if tank.Health != TankHealthEmpty {
		t.Errorf("health = %s, want empty", tank.Health)
	}
}

func TestTankProgressBar(t *testing.T) {
	now := time.Now()
	tank := NewTank(ProviderClaude, 100, 5, now)
	tank.UpdateRemaining(75, 0.5, 0.2, now)
	bar := tank.ProgressBar(10)
	if !strings.Contains(bar, "75%") {
		t.Errorf("ProgressBar = %q, want 75%%", bar)
	}
	if !strings.HasPrefix(bar, "[████████░░]") {
		t.Errorf("ProgressBar = %q", bar)
	}
}

func TestUnlimitedTank(t *testing.T) {
	now := time.Now()
	l := ProviderOllama.DefaultLimits()
	tank := NewTankFromLimits(ProviderOllama, l, now)
	if err := tank.Consume(1_000_000_000, now); err != nil {
		t.Fatalf("Consume on unlimited tank failed: %v", err)
	}
	if tank.Health != TankHealthGreen {
		t.Errorf("health = %s, want green", tank.Health)
	}
}
