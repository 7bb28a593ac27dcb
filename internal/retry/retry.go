// Package retry classifies bead failures and decides when a failed bead
// may run again.
package retry

import (
	"errors"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

const (
	// DefaultMaxAttempts is the number of executions a bead gets before it fails for good
	DefaultMaxAttempts = 3
	// DefaultRateLimitCooldown models burst throttling by a single provider
	DefaultRateLimitCooldown = 5 * time.Minute
	// DefaultTransientCooldown is the wait after a network or IO hiccup
	DefaultTransientCooldown = 10 * time.Second
	// DefaultExhaustedFloor is the shortest wait when every provider is out of capacity
	DefaultExhaustedFloor = 60 * time.Second
)

// Decision is the classification of one failure
type Decision struct {
	Kind        types.ErrorKind
	Recoverable bool
	// Wait is the suggested delay before retrying; zero when not recoverable
	Wait time.Duration
}

// Policy holds the retry budget and cooldowns
type Policy struct {
	MaxAttempts       int
	RateLimitCooldown time.Duration
	TransientCooldown time.Duration
	ExhaustedFloor    time.Duration
}

// DefaultPolicy returns the standard retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		RateLimitCooldown: DefaultRateLimitCooldown,
		TransientCooldown: DefaultTransientCooldown,
		ExhaustedFloor:    DefaultExhaustedFloor,
	}
}

// Recoverable reports whether a failure of this kind may be retried
func Recoverable(kind types.ErrorKind) bool {
	switch kind {
	case types.KindRateLimited, types.KindAllProvidersExhausted, types.KindTransient:
		return true
	}
	return false
}

// Classify maps err to a kind and a suggested wait measured from now
func (p Policy) Classify(err error, now time.Time) Decision {
	kind := types.KindOf(err)
	d := Decision{Kind: kind, Recoverable: Recoverable(kind)}

	switch kind {
	case types.KindAllProvidersExhausted:
		d.Wait = p.ExhaustedFloor
		if resetAt := resetOf(err); !resetAt.IsZero() {
			if until := resetAt.Sub(now); until > d.Wait {
				d.Wait = until
			}
		}
	case types.KindRateLimited:
		d.Wait = p.RateLimitCooldown
	case types.KindTransient:
		d.Wait = p.TransientCooldown
	}
	return d
}

// ShouldRetry reports whether a bead that has now failed attempts times
// gets another go
func (p Policy) ShouldRetry(d Decision, attempts int) bool {
	return d.Recoverable && attempts < p.MaxAttempts
}

// DeferUntil is the time a recoverable failure may retry. windowEnd is
// the end of the failing provider's window when its tank can no longer
// cover the bead, zero otherwise; a rate limit waits for the later of
// the cooldown and that window.
func (p Policy) DeferUntil(d Decision, now time.Time, windowEnd time.Time) time.Time {
	until := now.Add(d.Wait)
	if d.Kind == types.KindRateLimited && windowEnd.After(until) {
		return windowEnd
	}
	return until
}

func resetOf(err error) time.Time {
	var classified *types.Error
	if errors.As(err, &classified) {
		return classified.ResetAt
	}
	return time.Time{}
}
