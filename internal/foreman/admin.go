package foreman

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/internal/executor"
	"github.com/cloud-shuttle/rigs/internal/graph"
	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/telemetry"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// maxIDAttempts bounds id regeneration when a random id is already taken
const maxIDAttempts = 5

// Submit admits a new bead. It checks the preferred provider, that a named
// convoy exists and is still open, that every dependency exists and that
// the new edges keep the graph acyclic, then stores the bead as Pending
// and joins its convoy.
func (f *Foreman) Submit(ctx context.Context, b *types.Bead) (*types.Bead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	generated := b.ID == ""
	if generated {
		b.ID = types.NewBeadIDWithPrefix(f.cfg.BeadPrefix)
	}
	if b.TaskType == "" {
		b.TaskType = types.TaskTypeImplementation
	}
	b.Dependencies = slices.Compact(sortedDeps(b.Dependencies))

	if err := f.admit(ctx, b); err != nil {
		return nil, err
	}

	convoyID := b.ConvoyID
	b.ConvoyID = ""
	b.Status = types.BeadStatusPending
	b.Attempts = 0
	b.CreatedAt = now
	b.UpdatedAt = now

	for attempt := 1; ; attempt++ {
		err := f.store.CreateBead(ctx, b)
		if err == nil {
			break
		}
		if !generated || !errors.Is(err, types.ErrAlreadyExists) || attempt == maxIDAttempts {
			return nil, fmt.Errorf("creating bead: %w", err)
		}
		b.ID = types.NewBeadIDWithPrefix(f.cfg.BeadPrefix)
	}

	if convoyID != "" {
		if err := f.tracker.Add(ctx, convoyID, b.ID); err != nil {
			return b, fmt.Errorf("adding %s to convoy %s: %w", b.ID, convoyID, err)
		}
		b.ConvoyID = convoyID
	}

	f.logger.Printf("📋 Submitted %s: %s (%s, %s)", b.ID, b.Title, b.Priority, b.TaskType)
	f.publish(ctx, events.NewEvent(events.EventBeadSubmitted, b, now).With("title", b.Title))
	f.poke()
	return b, nil
}

func sortedDeps(deps []types.BeadID) []types.BeadID {
	out := slices.Clone(deps)
	slices.Sort(out)
	return out
}

// admit validates a bead before it is stored. Caller holds f.mu.
func (f *Foreman) admit(ctx context.Context, b *types.Bead) error {
	if b.Title == "" {
		return types.NewError(types.KindInvalidState, "", "bead title is required", nil)
	}
	if b.EstimatedTokens < 0 {
		return types.NewError(types.KindInvalidState, "", "estimated tokens must not be negative", nil)
	}
	if err := f.checkProvider(b.PreferredProvider); err != nil {
		return err
	}
	if b.ConvoyID != "" {
		if _, err := f.tracker.Open(ctx, b.ConvoyID); err != nil {
			return err
		}
	}

	for _, dep := range b.Dependencies {
		if dep == b.ID {
			return &types.CycleError{Cycle: []types.BeadID{b.ID}}
		}
		if _, err := f.store.GetBead(ctx, dep); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return types.NewError(types.KindUnmetDependencies, "", fmt.Sprintf("dependency %s does not exist", dep), err)
			}
			return err
		}
	}
	if len(b.Dependencies) == 0 {
		return nil
	}

	existing, err := f.store.ListBeads(ctx, store.BeadFilter{})
	if err != nil {
		return fmt.Errorf("listing beads: %w", err)
	}
	return graph.CheckAddition(existing, b)
}

// checkProvider validates a preferred provider
func (f *Foreman) checkProvider(p types.Provider) error {
	switch {
	case p == "":
		return nil
	case !p.IsExecution():
		return types.NewError(types.KindProviderNotConfigured, p, "not an execution provider", nil)
	case !f.tanks.Configured(p):
		return types.NewError(types.KindProviderNotConfigured, p, "provider not configured", nil)
	case !f.tanks.Enabled(p):
		return types.NewError(types.KindProviderDisabled, p, "provider disabled", nil)
	}
	return nil
}

// Cancel stops a bead. Cancelling a Cancelled bead does nothing;
// cancelling a Completed or Failed bead is an error. An executing bead is
// signalled and its reservation refunded.
func (f *Foreman) Cancel(ctx context.Context, id types.BeadID) (*types.Bead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := f.store.GetBead(ctx, id)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case types.BeadStatusCancelled:
		return b, nil
	case types.BeadStatusCompleted, types.BeadStatusFailed:
		return nil, types.NewError(types.KindInvalidState, "", fmt.Sprintf("bead %s is already %s", id, b.Status), nil)
	}

	if cancel, ok := f.optimizing[id]; ok {
		cancel()
		delete(f.optimizing, id)
	}
	if fl, ok := f.inFlight[id]; ok {
		fl.cancel()
		delete(f.inFlight, id)
		if err := f.tanks.Refund(ctx, fl.provider, id, fl.reserved); err != nil {
			f.logger.Printf("Error refunding %s on %s: %v", id, fl.provider, err)
		}
	}

	now := f.now()
	if err := b.Transition(types.BeadStatusCancelled, now); err != nil {
		return nil, err
	}
	b.CompletedAt = &now
	b.DeferredUntil = nil
	if err := f.save(ctx, b); err != nil {
		return nil, err
	}

	f.logger.Printf("🛑 Cancelled %s", id)
	telemetry.RecordCancel(ctx, b)
	f.publish(ctx, events.NewEvent(events.EventBeadCancelled, b, now))
	f.refreshConvoy(ctx, b)
	return b, nil
}

// Retry sends a Failed or Deferred bead back to Pending. It is an operator
// override: any Failed bead qualifies, including fatal failures and beads
// that used up their retry budget, and it gets its error cleared and its
// attempt budget back. Automatic retries never go through here.
func (f *Foreman) Retry(ctx context.Context, id types.BeadID) (*types.Bead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := f.store.GetBead(ctx, id)
	if err != nil {
		return nil, err
	}
	now := f.now()
	switch b.Status {
	case types.BeadStatusFailed:
		if err := b.Transition(types.BeadStatusDeferred, now); err != nil {
			return nil, err
		}
		b.Attempts = 0
		b.Error = ""
		b.ErrorKind = ""
		b.CompletedAt = nil
	case types.BeadStatusDeferred:
	default:
		return nil, types.NewError(types.KindInvalidState, "", fmt.Sprintf("bead %s is %s; only failed or deferred beads can be retried", id, b.Status), nil)
	}
	if err := b.Transition(types.BeadStatusPending, now); err != nil {
		return nil, err
	}
	b.DeferredUntil = nil
	b.StartedAt = nil
	if err := f.save(ctx, b); err != nil {
		return nil, err
	}

	if b.ConvoyID != "" {
		if _, err := f.tracker.Reopen(ctx, b.ConvoyID); err != nil {
			f.logger.Printf("Error reopening convoy %s: %v", b.ConvoyID, err)
		}
	}
	f.logger.Printf("🔄 Retrying %s", id)
	f.poke()
	return b, nil
}

// Patch lists bead fields to change; nil fields are left alone
type Patch struct {
	Title              *string         `json:"title,omitempty"`
	Description        *string         `json:"description,omitempty"`
	Priority           *types.Priority `json:"priority,omitempty"`
	TaskType           *types.TaskType `json:"task_type,omitempty"`
	PreferredProvider  *types.Provider `json:"preferred_provider,omitempty"`
	EstimatedTokens    *int64          `json:"estimated_tokens,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria,omitempty"`
}

// Edit changes a bead that is neither active nor terminal
func (f *Foreman) Edit(ctx context.Context, id types.BeadID, patch Patch) (*types.Bead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := f.store.GetBead(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.IsActive() || b.Status.IsTerminal() {
		return nil, types.NewError(types.KindInvalidState, "", fmt.Sprintf("bead %s is %s and cannot be edited", id, b.Status), nil)
	}

	if patch.Title != nil {
		if *patch.Title == "" {
			return nil, types.NewError(types.KindInvalidState, "", "bead title is required", nil)
		}
		b.Title = *patch.Title
	}
	if patch.Description != nil {
		b.Description = *patch.Description
		b.OptimizedPrompt = ""
	}
	if patch.Priority != nil {
		b.Priority = *patch.Priority
	}
	if patch.TaskType != nil {
		b.TaskType = *patch.TaskType
	}
	if patch.PreferredProvider != nil {
		if err := f.checkProvider(*patch.PreferredProvider); err != nil {
			return nil, err
		}
		b.PreferredProvider = *patch.PreferredProvider
	}
	if patch.EstimatedTokens != nil {
		if *patch.EstimatedTokens < 0 {
			return nil, types.NewError(types.KindInvalidState, "", "estimated tokens must not be negative", nil)
		}
		b.EstimatedTokens = *patch.EstimatedTokens
	}
	if patch.AcceptanceCriteria != nil {
		b.AcceptanceCriteria = slices.Clone(patch.AcceptanceCriteria)
	}
	b.UpdatedAt = f.now()
	if err := f.save(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// SetTank overrides p's remaining tokens with a provider-reported value
// and wakes the loop so deferred beads see the new capacity
func (f *Foreman) SetTank(ctx context.Context, p types.Provider, remaining int64) (*types.Tank, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.tanks.Set(ctx, p, remaining); err != nil {
		return nil, err
	}
	t, _ := f.tanks.Snapshot(p)
	if t.Remaining > 0 {
		f.exhausted = nil
	}
	f.logger.Printf("⛽ Tank %s set to %d/%d", p, t.Remaining, t.Capacity)
	f.poke()
	return t, nil
}

// RefreshTank starts a new window for p whether or not the current one
// has ended
func (f *Foreman) RefreshTank(ctx context.Context, p types.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.tanks.Refresh(ctx, p); err != nil {
		return err
	}
	f.exhausted = nil
	f.logger.Printf("⛽ Tank %s refilled", p)
	e := events.NewEvent(events.EventTankRefreshed, nil, f.now())
	e.Provider = p
	f.publish(ctx, e)
	f.poke()
	return nil
}

// Recover parks beads a previous process left Assigned or InProgress:
// they become Deferred, ready now, and their reservations are refunded.
// An InProgress bead whose execution the executor can resume is put back
// in flight instead, keeping its reservation. Beads left Optimizing go
// back to Pending to be optimized again.
func (f *Foreman) Recover(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanForemanRecover)
	defer span.End()

	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	stale, err := f.store.ListBeadsByStatus(ctx, types.BeadStatusOptimizing)
	if err != nil {
		telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorCategoryDatabase)
		return n, err
	}
	for _, b := range stale {
		if _, ok := f.optimizing[b.ID]; ok {
			continue
		}
		if err := f.unoptimize(ctx, b.ID); err != nil {
			return n, err
		}
		f.logger.Printf("🔄 Recovered orphaned bead %s (was %s)", b.ID, types.BeadStatusOptimizing)
		n++
	}

	for _, st := range []types.BeadStatus{types.BeadStatusAssigned, types.BeadStatusInProgress} {
		beads, err := f.store.ListBeadsByStatus(ctx, st)
		if err != nil {
			telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorCategoryDatabase)
			return n, err
		}
		for _, b := range beads {
			if _, ok := f.inFlight[b.ID]; ok {
				continue
			}
			if st == types.BeadStatusInProgress && f.resume(ctx, b) {
				f.logger.Printf("🔄 Resumed %s on %s", b.ID, b.AssignedProvider)
				n++
				continue
			}
			if err := f.park(ctx, b, b.AssignedProvider, b.EstimatedTokens); err != nil {
				return n, err
			}
			f.logger.Printf("🔄 Recovered orphaned bead %s (was %s on %s)", b.ID, st, b.AssignedProvider)
			n++
		}
	}
	return n, nil
}

// resume puts an orphaned InProgress bead back in flight when the executor
// still holds its execution. Caller holds f.mu.
func (f *Foreman) resume(ctx context.Context, b *types.Bead) bool {
	r, ok := f.exec.(executor.Resumer)
	if !ok || b.AssignedProvider == "" || b.StartedAt == nil {
		return false
	}
	resumable, err := r.Resumable(ctx, b)
	if err != nil {
		f.logger.Printf("Error checking whether %s can resume: %v", b.ID, err)
		return false
	}
	if !resumable {
		return false
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.inFlight[b.ID] = &flight{bead: b.ID, provider: b.AssignedProvider, reserved: b.EstimatedTokens, started: *b.StartedAt, cancel: cancel}
	go f.execute(execCtx, b.Clone(), b.AssignedProvider)
	return true
}
