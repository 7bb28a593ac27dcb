// Package events streams bead, tank and foreman lifecycle events to
// in-process subscribers such as the control socket's attach clients.
package events

import (
	"slices"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// EventType names a lifecycle event
type EventType string

const (
	// EventBeadSubmitted is emitted when a bead is admitted
	EventBeadSubmitted EventType = "bead.submitted"
	// EventBeadDispatched is emitted when a bead is handed to an executor
	EventBeadDispatched EventType = "bead.dispatched"
	// EventBeadCompleted is emitted when a bead finishes successfully
	EventBeadCompleted EventType = "bead.completed"
	// EventBeadFailed is emitted when a bead fails for good
	EventBeadFailed EventType = "bead.failed"
	// EventBeadDeferred is emitted when a bead is parked until capacity returns
	EventBeadDeferred EventType = "bead.deferred"
	// EventBeadCancelled is emitted when a bead is cancelled
	EventBeadCancelled EventType = "bead.cancelled"
	// EventTankRefreshed is emitted when a provider's window resets
	EventTankRefreshed EventType = "tank.refreshed"
	// EventForemanPaused is emitted when dispatch is paused
	EventForemanPaused EventType = "foreman.paused"
	// EventForemanResumed is emitted when dispatch resumes
	EventForemanResumed EventType = "foreman.resumed"
	// EventForemanExhausted is emitted when every execution provider is out of capacity
	EventForemanExhausted EventType = "foreman.exhausted"
)

// Event is a single lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	BeadID    types.BeadID   `json:"bead_id,omitempty"`
	ConvoyID  string         `json:"convoy_id,omitempty"`
	Provider  types.Provider `json:"provider,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event about a bead
func NewEvent(eventType EventType, b *types.Bead, now time.Time) *Event {
	e := &Event{Type: eventType, Timestamp: now}
	if b != nil {
		e.BeadID = b.ID
		e.ConvoyID = b.ConvoyID
		e.Provider = b.AssignedProvider
	}
	return e
}

// With adds a data field and returns the event
func (e *Event) With(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// Filter selects events for a subscriber. Zero values match everything.
type Filter struct {
	Types    []EventType  `json:"types,omitempty"`
	ConvoyID string       `json:"convoy_id,omitempty"`
	BeadID   types.BeadID `json:"bead_id,omitempty"`
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if f.ConvoyID != "" && e.ConvoyID != f.ConvoyID {
		return false
	}
	if f.BeadID != "" && e.BeadID != f.BeadID {
		return false
	}
	return true
}
