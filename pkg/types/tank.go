package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Default health thresholds, as ratios of remaining capacity
const (
	DefaultYellowThreshold = 0.5
	DefaultRedThreshold    = 0.2
)

// TankHealth is the qualitative capacity level of a tank
type TankHealth string

const (
	TankHealthGreen  TankHealth = "green"
	TankHealthYellow TankHealth = "yellow"
	TankHealthRed    TankHealth = "red"
	TankHealthEmpty  TankHealth = "empty"
)

// HealthFromRatio derives health from the remaining ratio and thresholds.
// A ratio sitting exactly on a threshold falls in the lower band, so a
// half-full tank with yellow=0.5 reports Yellow.
func HealthFromRatio(ratio, yellow, red float64) TankHealth {
	switch {
	case ratio <= 0:
		return TankHealthEmpty
	case ratio <= red:
		return TankHealthRed
	case ratio <= yellow:
		return TankHealthYellow
	}
	return TankHealthGreen
}

// Emoji returns the status glyph shown next to the health
func (h TankHealth) Emoji() string {
	switch h {
	case TankHealthGreen:
		return "🟢"
	case TankHealthYellow:
		return "🟡"
	case TankHealthRed:
		return "🔴"
	}
	return "⚫"
}

// Tank is the per-provider token window.
// Remaining stays within [0, Capacity] across every method.
type Tank struct {
	Provider           Provider   `json:"provider"`
	Capacity           int64      `json:"capacity"`
	Remaining          int64      `json:"remaining"`
	WindowStart        time.Time  `json:"window_start"`
	WindowEnd          time.Time  `json:"window_end"`
	Health             TankHealth `json:"health"`
	YellowThreshold    float64    `json:"threshold_yellow"`
	RedThreshold       float64    `json:"threshold_red"`
	RequestsThisWindow int64      `json:"requests_this_window"`
	TokensThisWindow   int64      `json:"tokens_this_window"`
	LastRequest        *time.Time `json:"last_request,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewTank creates a full tank whose window starts at now
func NewTank(p Provider, capacity int64, windowHours int, now time.Time) *Tank {
	t := &Tank{
		Provider:        p,
		Capacity:        capacity,
		Remaining:       capacity,
		YellowThreshold: DefaultYellowThreshold,
		RedThreshold:    DefaultRedThreshold,
	}
	t.ResetWindow(windowHours, now)
	return t
}

// NewTankFromLimits creates a full tank using a provider's limits
func NewTankFromLimits(p Provider, l ProviderLimits, now time.Time) *Tank {
	t := NewTank(p, l.TokensPerWindow, l.WindowHours, now)
	t.SetThresholds(l.YellowThreshold, l.RedThreshold)
	return t
}

// CapacityRatio is remaining/capacity, or 0 for a zero-capacity tank
func (t *Tank) CapacityRatio() float64 {
	if t.Capacity <= 0 {
		return 0
	}
	return float64(t.Remaining) / float64(t.Capacity)
}

// RefreshHealth recomputes health from the current ratio
func (t *Tank) RefreshHealth() {
	t.Health = HealthFromRatio(t.CapacityRatio(), t.YellowThreshold, t.RedThreshold)
}

// SetThresholds replaces the health thresholds
func (t *Tank) SetThresholds(yellow, red float64) {
	t.YellowThreshold = yellow
	t.RedThreshold = red
	t.RefreshHealth()
}

// CanConsume reports whether n tokens fit in the window
func (t *Tank) CanConsume(n int64) bool {
	return t.Health != TankHealthEmpty && t.Remaining >= n
}

// Consume takes n tokens out of the window or fails without changing anything
func (t *Tank) Consume(n int64, now time.Time) error {
	if !t.CanConsume(n) {
		return &InsufficientCapacityError{Provider: t.Provider, Requested: n, Available: t.Remaining}
	}
	t.Remaining -= n
	t.RequestsThisWindow++
	t.TokensThisWindow += n
	t.LastRequest = &now
	t.UpdatedAt = now
	t.RefreshHealth()
	return nil
}

// Refund credits n tokens back, clamped to capacity
func (t *Tank) Refund(n int64, now time.Time) {
	if n <= 0 {
		return
	}
	if n > t.Capacity-t.Remaining {
		t.Remaining = t.Capacity
	} else {
		t.Remaining += n
	}
	t.TokensThisWindow = max(t.TokensThisWindow-n, 0)
	t.UpdatedAt = now
	t.RefreshHealth()
}

// Charge records n tokens of usage discovered after the fact, flooring
// remaining at zero. Reconciliation uses it; admission uses Consume.
func (t *Tank) Charge(n int64, now time.Time) {
	if n <= 0 {
		return
	}
	t.Remaining = max(t.Remaining-n, 0)
	t.TokensThisWindow += n
	t.UpdatedAt = now
	t.RefreshHealth()
}

// NeedsRefresh reports whether the window has elapsed
func (t *Tank) NeedsRefresh(now time.Time) bool {
	return !now.Before(t.WindowEnd)
}

// ResetWindow refills the tank and starts a new window at now
func (t *Tank) ResetWindow(windowHours int, now time.Time) {
	t.Remaining = t.Capacity
	t.WindowStart = now
	t.WindowEnd = now.Add(time.Duration(windowHours) * time.Hour)
	t.RequestsThisWindow = 0
	t.TokensThisWindow = 0
	t.UpdatedAt = now
	t.RefreshHealth()
}

// UpdateRemaining applies a provider-reported quota, clamped to [0, capacity]
func (t *Tank) UpdateRemaining(value int64, yellow, red float64, now time.Time) {
	t.Remaining = min(max(value, 0), t.Capacity)
	t.YellowThreshold = yellow
	t.RedThreshold = red
	t.UpdatedAt = now
	t.RefreshHealth()
}

// TimeUntilReset returns how long until the window ends, or 0 if it has
func (t *Tank) TimeUntilReset(now time.Time) time.Duration {
	if d := t.WindowEnd.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ProgressBar renders remaining capacity as "[███░░] 60%"
func (t *Tank) ProgressBar(width int) string {
	width = max(width, 0)
	ratio := t.CapacityRatio()
	filled := min(max(int(math.Round(ratio*float64(width))), 0), width)

	fill := "░"
	switch t.Health {
	case TankHealthGreen:
		fill = "█"
	case TankHealthYellow:
		fill = "▓"
	case TankHealthRed:
		fill = "▒"
	}
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat(fill, filled), strings.Repeat("░", width-filled), ratio*100)
}

// Clone returns a copy of the tank
func (t *Tank) Clone() *Tank {
	c := *t
	c.LastRequest = cloneTime(t.LastRequest)
	return &c
}

// UsageKind labels an entry in the tank usage ledger
type UsageKind string

const (
	UsageReserve   UsageKind = "reserve"
	UsageRefund    UsageKind = "refund"
	UsageReconcile UsageKind = "reconcile"
	UsageSet       UsageKind = "set"
	UsageReset     UsageKind = "reset"
)

// UsageRecord is one tank mutation in the usage ledger.
// Tokens is signed: positive for spend, negative for credit.
type UsageRecord struct {
	ID       string    `json:"id"`
	Provider Provider  `json:"provider"`
	BeadID   BeadID    `json:"bead_id,omitempty"`
	Kind     UsageKind `json:"kind"`
	Tokens   int64     `json:"tokens"`
	At       time.Time `json:"at"`
}
