package types

import (
	"maps"
	"slices"
	"time"
	"unicode/utf8"
)

// ConvoyStatus represents the state of a convoy
type ConvoyStatus string

const (
	ConvoyStatusPlanning   ConvoyStatus = "planning"
	ConvoyStatusQueued     ConvoyStatus = "queued"
	ConvoyStatusInProgress ConvoyStatus = "in_progress"
	ConvoyStatusPaused     ConvoyStatus = "paused"
	ConvoyStatusCompleted  ConvoyStatus = "completed"
	ConvoyStatusFailed     ConvoyStatus = "failed"
)

// IsTerminal reports whether the convoy has finished
func (s ConvoyStatus) IsTerminal() bool {
	return s == ConvoyStatusCompleted || s == ConvoyStatusFailed
}

// Convoy is a named group of beads, usually decomposed from one goal
type Convoy struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Goal        string            `json:"goal,omitempty"`
	Beads       []BeadID          `json:"beads"`
	Status      ConvoyStatus      `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

const maxGoalNameLen = 50

// NewConvoy creates an empty convoy in Planning
func NewConvoy(id, name string, now time.Time) *Convoy {
	return &Convoy{
		ID:        id,
		Name:      name,
		Status:    ConvoyStatusPlanning,
		CreatedAt: now,
	}
}

// ConvoyFromGoal creates a Queued convoy named after the goal text
func ConvoyFromGoal(id, goal string, now time.Time) *Convoy {
	name := goal
	if utf8.RuneCountInString(name) > maxGoalNameLen {
		name = string([]rune(name)[:maxGoalNameLen-3]) + "..."
	}
	c := NewConvoy(id, name, now)
	c.Goal = goal
	c.Status = ConvoyStatusQueued
	return c
}

// AddBead appends id unless it is already a member; reports whether it was added
func (c *Convoy) AddBead(id BeadID) bool {
	if slices.Contains(c.Beads, id) {
		return false
	}
	c.Beads = append(c.Beads, id)
	return true
}

// RemoveBead drops id from the members; reports whether it was present
func (c *Convoy) RemoveBead(id BeadID) bool {
	i := slices.Index(c.Beads, id)
	if i < 0 {
		return false
	}
	c.Beads = slices.Delete(c.Beads, i, i+1)
	return true
}

// SetMetadata sets a metadata key
func (c *Convoy) SetMetadata(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
}

// Clone returns a deep copy of the convoy
func (c *Convoy) Clone() *Convoy {
	out := *c
	out.Beads = slices.Clone(c.Beads)
	out.Metadata = maps.Clone(c.Metadata)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return &out
}

// StatusCounts tallies member bead statuses
type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Cancelled  int `json:"cancelled"`
}

// Add counts one bead status
func (s *StatusCounts) Add(st BeadStatus) {
	switch st {
	case BeadStatusPending, BeadStatusQueued:
		s.Pending++
	case BeadStatusOptimizing, BeadStatusAssigned, BeadStatusInProgress, BeadStatusReviewing:
		s.InProgress++
	case BeadStatusCompleted:
		s.Completed++
	case BeadStatusFailed:
		s.Failed++
	case BeadStatusDeferred:
		s.Deferred++
	case BeadStatusCancelled:
		s.Cancelled++
	}
}

// Total is the number of counted beads
func (s StatusCounts) Total() int {
	return s.Pending + s.InProgress + s.Completed + s.Failed + s.Deferred + s.Cancelled
}

// Terminal is the number of beads in a terminal status
func (s StatusCounts) Terminal() int {
	return s.Completed + s.Failed + s.Cancelled
}

// Progress is completed/total, 0 for an empty convoy
func (s StatusCounts) Progress() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(total)
}

// IsComplete reports whether every bead is terminal and none failed
func (s StatusCounts) IsComplete() bool {
	return s.Total() > 0 && s.Terminal() == s.Total() && s.Failed == 0
}

// HasFailures reports whether any bead failed
func (s StatusCounts) HasFailures() bool {
	return s.Failed > 0
}

// CountStatuses tallies a list of statuses
func CountStatuses(statuses []BeadStatus) StatusCounts {
	var c StatusCounts
	for _, st := range statuses {
		c.Add(st)
	}
	return c
}
