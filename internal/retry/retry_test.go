package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	p := DefaultPolicy()

	tests := []struct {
		name        string
		err         error
		kind        types.ErrorKind
		recoverable bool
		wait        time.Duration
	}{
		{"rate limited", types.NewError(types.KindRateLimited, types.ProviderClaude, "429", nil), types.KindRateLimited, true, 5 * time.Minute},
		{"insufficient capacity", &types.InsufficientCapacityError{Provider: types.ProviderCodex, Requested: 10, Available: 1}, types.KindRateLimited, true, 5 * time.Minute},
		{"exhausted with future reset", types.ExhaustedError(now.Add(2 * time.Hour)), types.KindAllProvidersExhausted, true, 2 * time.Hour},
		{"exhausted with past reset", types.ExhaustedError(now.Add(-time.Minute)), types.KindAllProvidersExhausted, true, 60 * time.Second},
		{"exhausted soon", types.ExhaustedError(now.Add(10 * time.Second)), types.KindAllProvidersExhausted, true, 60 * time.Second},
		{"deadline", fmt.Errorf("running claude: %w", context.DeadlineExceeded), types.KindTransient, true, 10 * time.Second},
		{"eof", io.ErrUnexpectedEOF, types.KindTransient, true, 10 * time.Second},
		{"provider api", types.NewError(types.KindProviderAPI, types.ProviderGemini, "bad request", nil), types.KindProviderAPI, false, 0},
		{"not found", fmt.Errorf("getting bead: %w", types.ErrNotFound), types.KindNotFound, false, 0},
		{"config", types.NewError(types.KindConfig, "", "bad threshold", nil), types.KindConfig, false, 0},
		{"unknown", errors.New("boom"), types.KindUnknown, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Classify(tt.err, now)
			if d.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", d.Kind, tt.kind)
			}
			if d.Recoverable != tt.recoverable {
				t.Errorf("Recoverable = %v, want %v", d.Recoverable, tt.recoverable)
			}
			if d.Wait != tt.wait {
				t.Errorf("Wait = %v, want %v", d.Wait, tt.wait)
			}
		})
	}
}

func TestShouldRetryBudget(t *testing.T) {
	p := DefaultPolicy()
	transient := Decision{Kind: types.KindTransient, Recoverable: true, Wait: time.Second}
	fatal := Decision{Kind: types.KindProviderAPI}

	if !p.ShouldRetry(transient, 1) || !p.ShouldRetry(transient, 2) {
		t.Error("transient failure within budget should retry")
	}
	if p.ShouldRetry(transient, 3) {
		t.Error("third failed attempt should exhaust the budget")
	}
	if p.ShouldRetry(fatal, 1) {
		t.Error("non-recoverable failure should never retry")
	}
}

func TestDeferUntilTakesLaterOfCooldownAndWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	p := DefaultPolicy()
	rl := Decision{Kind: types.KindRateLimited, Recoverable: true, Wait: p.RateLimitCooldown}

	if got := p.DeferUntil(rl, now, time.Time{}); !got.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("no window: %v", got)
	}
	if got := p.DeferUntil(rl, now, now.Add(time.Minute)); !got.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("window before cooldown: %v", got)
	}
	if got := p.DeferUntil(rl, now, now.Add(3*time.Hour)); !got.Equal(now.Add(3 * time.Hour)) {
		t.Errorf("window after cooldown: %v", got)
	}

	transient := Decision{Kind: types.KindTransient, Recoverable: true, Wait: p.TransientCooldown}
	if got := p.DeferUntil(transient, now, now.Add(3*time.Hour)); !got.Equal(now.Add(10 * time.Second)) {
		t.Errorf("transient should ignore the window: %v", got)
	}
}
