package types

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrNotFound is wrapped by every store lookup of a missing id
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is wrapped when creating a record whose id is taken
var ErrAlreadyExists = errors.New("already exists")

// ErrorKind classifies a failure for retry decisions and for display
type ErrorKind string

const (
	KindRateLimited           ErrorKind = "rate_limited"
	KindAllProvidersExhausted ErrorKind = "all_providers_exhausted"
	KindTransient             ErrorKind = "transient"
	KindProviderAPI           ErrorKind = "provider_api"
	KindNotFound              ErrorKind = "not_found"
	KindInvalidState          ErrorKind = "invalid_state"
	KindConfig                ErrorKind = "config"
	KindProviderNotConfigured ErrorKind = "provider_not_configured"
	KindProviderDisabled      ErrorKind = "provider_disabled"
	KindUnmetDependencies     ErrorKind = "unmet_dependencies"
	KindDependencyCycle       ErrorKind = "dependency_cycle"
	KindUnknown               ErrorKind = "unknown"
)

// Error is a classified failure
type Error struct {
	Kind     ErrorKind
	Provider Provider
	// ResetAt is the earliest time capacity returns, when known
	ResetAt time.Time
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error
func NewError(kind ErrorKind, provider Provider, msg string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Msg: msg, Err: err}
}

// ExhaustedError reports that every execution provider is out of capacity
func ExhaustedError(resetAt time.Time) *Error {
	return &Error{
		Kind:    KindAllProvidersExhausted,
		ResetAt: resetAt,
		Msg:     fmt.Sprintf("all providers exhausted, earliest reset at %s", resetAt.Format(time.RFC3339)),
	}
}

// InsufficientCapacityError is returned when a tank cannot cover a request
type InsufficientCapacityError struct {
	Provider  Provider
	Requested int64
	Available int64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity on %s: requested %d tokens, only %d available",
		e.Provider, e.Requested, e.Available)
}

// TransitionError is returned for a status change the state machine forbids
type TransitionError struct {
	ID   BeadID
	From BeadStatus
	To   BeadStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bead %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// CycleError lists the beads forming a dependency cycle, in walk order
type CycleError struct {
	Cycle []BeadID
}

func (e *CycleError) Error() string {
	ids := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		ids[i] = string(id)
	}
	if len(ids) > 0 {
		ids = append(ids, ids[0])
	}
	return "dependency cycle detected: " + strings.Join(ids, " -> ")
}

// InvalidIDError is returned for a malformed bead id
type InvalidIDError struct {
	Input  string
	Prefix string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid bead ID %q: must be %q followed by 5 alphanumeric characters", e.Input, e.Prefix+"-")
}

// KindOf classifies any error
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		classified *Error
		capacity   *InsufficientCapacityError
		transition *TransitionError
		cycle      *CycleError
		invalidID  *InvalidIDError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &classified):
		return classified.Kind
	case errors.As(err, &capacity):
		return KindRateLimited
	case errors.As(err, &transition), errors.As(err, &invalidID):
		return KindInvalidState
	case errors.As(err, &cycle):
		return KindDependencyCycle
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr):
		return KindTransient
	}
	return KindUnknown
}
