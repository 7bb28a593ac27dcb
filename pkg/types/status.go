package types

import "fmt"

// BeadStatus represents the lifecycle state of a bead
type BeadStatus string

const (
	BeadStatusPending    BeadStatus = "pending"
	BeadStatusOptimizing BeadStatus = "optimizing"
	BeadStatusQueued     BeadStatus = "queued"
	BeadStatusAssigned   BeadStatus = "assigned"
	BeadStatusInProgress BeadStatus = "in_progress"
	BeadStatusDeferred   BeadStatus = "deferred"
	BeadStatusReviewing  BeadStatus = "reviewing"
	BeadStatusCompleted  BeadStatus = "completed"
	BeadStatusFailed     BeadStatus = "failed"
	BeadStatusCancelled  BeadStatus = "cancelled"
)

// AllBeadStatuses lists every bead status
var AllBeadStatuses = []BeadStatus{
	BeadStatusPending, BeadStatusOptimizing, BeadStatusQueued, BeadStatusAssigned,
	BeadStatusInProgress, BeadStatusDeferred, BeadStatusReviewing,
	BeadStatusCompleted, BeadStatusFailed, BeadStatusCancelled,
}

// transitions is the legal successor set for each status
var transitions = map[BeadStatus][]BeadStatus{
	BeadStatusPending:    {BeadStatusOptimizing, BeadStatusCancelled},
	BeadStatusOptimizing: {BeadStatusQueued, BeadStatusPending, BeadStatusCancelled},
	BeadStatusQueued:     {BeadStatusAssigned, BeadStatusDeferred, BeadStatusCancelled},
	BeadStatusAssigned:   {BeadStatusInProgress, BeadStatusDeferred, BeadStatusCancelled},
	BeadStatusInProgress: {BeadStatusReviewing, BeadStatusFailed, BeadStatusDeferred, BeadStatusCancelled},
	BeadStatusReviewing:  {BeadStatusCompleted, BeadStatusFailed, BeadStatusCancelled},
	BeadStatusDeferred:   {BeadStatusQueued, BeadStatusPending, BeadStatusCancelled},
	BeadStatusFailed:     {BeadStatusDeferred},
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to BeadStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further scheduling happens in this status
func (s BeadStatus) IsTerminal() bool {
	switch s {
	case BeadStatusCompleted, BeadStatusFailed, BeadStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the bead is being worked on
func (s BeadStatus) IsActive() bool {
	switch s {
	case BeadStatusOptimizing, BeadStatusAssigned, BeadStatusInProgress, BeadStatusReviewing:
		return true
	}
	return false
}

// Valid reports whether s names a known status
func (s BeadStatus) Valid() bool {
	_, ok := transitions[s]
	return ok || s == BeadStatusCompleted || s == BeadStatusCancelled
}

// ParseBeadStatus parses a status name
func ParseBeadStatus(s string) (BeadStatus, error) {
	st := BeadStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown bead status %q", s)
	}
	return st, nil
}
