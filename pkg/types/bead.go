// Package types defines core data structures for Rigs
package types

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
)

// DefaultBeadPrefix is the prefix used for generated bead IDs
const DefaultBeadPrefix = "gt"

const (
	beadIDSuffixLen = 5
	beadIDAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// BeadID identifies a bead: a prefix, a dash and 5 lowercase alphanumerics
type BeadID string

// NewBeadID generates a random bead ID with the default prefix.
// Uniqueness is probabilistic; callers check the store before use.
func NewBeadID() BeadID {
	return NewBeadIDWithPrefix(DefaultBeadPrefix)
}

// NewBeadIDWithPrefix generates a random bead ID with the given prefix
func NewBeadIDWithPrefix(prefix string) BeadID {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	for i := 0; i < beadIDSuffixLen; i++ {
		b.WriteByte(beadIDAlphabet[rand.IntN(len(beadIDAlphabet))])
	}
	return BeadID(b.String())
}

// ParseBeadID validates a user-supplied ID against the default prefix
func ParseBeadID(s string) (BeadID, error) {
	return ParseBeadIDWithPrefix(DefaultBeadPrefix, s)
}

// ParseBeadIDWithPrefix validates s and returns it case-folded to lowercase
func ParseBeadIDWithPrefix(prefix, s string) (BeadID, error) {
	folded := strings.ToLower(strings.TrimSpace(s))
	want := strings.ToLower(prefix) + "-"
	if !strings.HasPrefix(folded, want) || len(folded) != len(want)+beadIDSuffixLen {
		return "", &InvalidIDError{Input: s, Prefix: prefix}
	}
	for _, c := range folded[len(want):] {
		if !strings.ContainsRune(beadIDAlphabet, c) {
			return "", &InvalidIDError{Input: s, Prefix: prefix}
		}
	}
	return BeadID(folded), nil
}

func (id BeadID) String() string { return string(id) }

// TaskType categorises the work a bead represents
type TaskType string

const (
	TaskTypeImplementation TaskType = "implementation"
	TaskTypeReview         TaskType = "review"
	TaskTypeResearch       TaskType = "research"
	TaskTypeRefactor       TaskType = "refactor"
	TaskTypeTest           TaskType = "test"
	TaskTypeDocumentation  TaskType = "documentation"
	TaskTypeDebug          TaskType = "debug"
	TaskTypeDesign         TaskType = "design"
)

// AllTaskTypes lists every task type in declaration order
var AllTaskTypes = []TaskType{
	TaskTypeImplementation, TaskTypeReview, TaskTypeResearch, TaskTypeRefactor,
	TaskTypeTest, TaskTypeDocumentation, TaskTypeDebug, TaskTypeDesign,
}

// ParseTaskType parses a task type name case-insensitively
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "impl":
		return TaskTypeImplementation, nil
	case "docs", "doc":
		return TaskTypeDocumentation, nil
	}
	if slices.Contains(AllTaskTypes, t) {
		return t, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Priority orders beads for dispatch; higher values run first
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name case-insensitively
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q (want low, normal, high or critical)", s)
}

// Bead is a single schedulable unit of work
type Bead struct {
	ID                 BeadID      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	TaskType           TaskType    `json:"task_type"`
	Priority           Priority    `json:"priority"`
	Status             BeadStatus  `json:"status"`
	EstimatedTokens    int64       `json:"estimated_tokens"`
	ActualTokens       int64       `json:"actual_tokens"`
	PreferredProvider  Provider    `json:"preferred_provider,omitempty"`
	AssignedProvider   Provider    `json:"assigned_provider,omitempty"`
	AcceptanceCriteria []string    `json:"acceptance_criteria,omitempty"`
	Dependencies       []BeadID    `json:"dependencies,omitempty"`
	ConvoyID           string      `json:"convoy_id,omitempty"`
	Attempts           int         `json:"attempts"`
	OptimizedPrompt    string      `json:"optimized_prompt,omitempty"`
	Output             string      `json:"output,omitempty"`
	Error              string      `json:"error,omitempty"`
	ErrorKind          ErrorKind   `json:"error_kind,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	DeferredUntil      *time.Time  `json:"deferred_until,omitempty"`
}

// NewBead creates a Pending bead with a fresh ID and default priority
func NewBead(title string, taskType TaskType, now time.Time) *Bead {
	return &Bead{
		ID:        NewBeadID(),
		Title:     title,
		TaskType:  taskType,
		Priority:  PriorityNormal,
		Status:    BeadStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EffectivePrompt returns the optimized prompt when present, else the description.
// Beads created with only a title use the title.
func (b *Bead) EffectivePrompt() string {
	if b.OptimizedPrompt != "" {
		return b.OptimizedPrompt
	}
	if b.Description != "" {
		return b.Description
	}
	return b.Title
}

// Transition moves the bead to next, rejecting moves the state machine forbids
func (b *Bead) Transition(next BeadStatus, now time.Time) error {
	if !CanTransition(b.Status, next) {
		return &TransitionError{ID: b.ID, From: b.Status, To: next}
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// DependsOn reports whether id is one of the bead's dependencies
func (b *Bead) DependsOn(id BeadID) bool {
	return slices.Contains(b.Dependencies, id)
}

// Clone returns a deep copy of the bead
func (b *Bead) Clone() *Bead {
	c := *b
	c.AcceptanceCriteria = slices.Clone(b.AcceptanceCriteria)
	c.Dependencies = slices.Clone(b.Dependencies)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.DeferredUntil = cloneTime(b.DeferredUntil)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Less orders beads for dispatch: priority descending, then creation time,
// then ID so that the order is total.
func Less(a, b *Bead) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortForDispatch sorts beads in dispatch order in place
func SortForDispatch(beads []*Bead) {
	slices.SortStableFunc(beads, func(a, b *Bead) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		}
		return 0
	})
}
