package foreman

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/internal/graph"
	"github.com/cloud-shuttle/rigs/pkg/telemetry"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Dispatch is one bead handed to a provider
type Dispatch struct {
	BeadID   types.BeadID   `json:"bead_id"`
	Provider types.Provider `json:"provider"`
	Reserved int64          `json:"reserved"`
}

// CycleReport summarises one scheduling cycle
type CycleReport struct {
	Dispatched []Dispatch     `json:"dispatched"`
	Deferred   []types.BeadID `json:"deferred"`
	// Exhausted is set when every execution provider ran dry this cycle
	Exhausted *types.Error `json:"-"`
	InFlight  int          `json:"in_flight"`
}

// Cycle runs one scheduling pass: collect ready beads in dispatch order,
// then dispatch or defer each until the concurrency limit is reached.
// A failure on one bead is logged and does not stop the pass.
func (f *Foreman) Cycle(ctx context.Context) (CycleReport, error) {
	ctx, span := telemetry.StartCycleSpan(ctx)
	defer span.End()

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.lastCycle = now
	var report CycleReport

	if f.paused {
		report.InFlight = len(f.inFlight)
		return report, nil
	}

	candidates, err := f.candidates(ctx, now)
	if err != nil {
		telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorCategoryDatabase)
		telemetry.RecordCycle(ctx, 0, 0, err)
		return report, fmt.Errorf("collecting candidates: %w", err)
	}

	for _, b := range candidates {
		if !f.limiter.CanSpawn(len(f.inFlight)) {
			break
		}
		if err := f.dispatch(ctx, b, &report); err != nil {
			f.logger.Printf("Error dispatching %s: %v", b.ID, err)
			telemetry.RecordError(span, err, telemetry.ErrorCategoryDatabase)
		}
	}

	report.InFlight = len(f.inFlight)
	span.SetAttributes(
		attribute.Int(telemetry.KeyCycleDispatched, len(report.Dispatched)),
		attribute.Int(telemetry.KeyCycleDeferred, len(report.Deferred)),
	)
	telemetry.RecordCycle(ctx, len(report.Dispatched), len(report.Deferred), nil)
	return report, nil
}

// candidates returns ready beads in dispatch order, leaving out beads
// already in flight and beads of paused convoys. Caller holds f.mu.
func (f *Foreman) candidates(ctx context.Context, now time.Time) ([]*types.Bead, error) {
	pending, err := f.store.PendingOrdered(ctx)
	if err != nil {
		return nil, err
	}
	deferred, err := f.store.DeferredReady(ctx, now)
	if err != nil {
		return nil, err
	}
	paused, err := f.tracker.PausedIDs(ctx)
	if err != nil {
		return nil, err
	}

	all := append(pending, deferred...)
	types.SortForDispatch(all)

	statuses := make(map[types.BeadID]types.BeadStatus)
	lookup := func(id types.BeadID) (types.BeadStatus, bool) {
		if st, ok := statuses[id]; ok {
			return st, true
		}
		dep, err := f.store.GetBead(ctx, id)
		if err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				f.logger.Printf("Error loading dependency %s: %v", id, err)
			}
			return "", false
		}
		statuses[id] = dep.Status
		return dep.Status, true
	}

	var out []*types.Bead
	for _, b := range all {
		if _, busy := f.inFlight[b.ID]; busy {
			continue
		}
		if _, busy := f.optimizing[b.ID]; busy {
			continue
		}
		if b.ConvoyID != "" && paused[b.ConvoyID] {
			continue
		}
		if !graph.IsReady(b, lookup, now) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// providerOrder is the preferred provider followed by the task type's
// affinity ranking, execution providers only
func (f *Foreman) providerOrder(b *types.Bead) []types.Provider {
	var order []types.Provider
	seen := make(map[types.Provider]bool)
	add := func(p types.Provider) {
		if p == "" || seen[p] || !p.IsExecution() {
			return
		}
		seen[p] = true
		order = append(order, p)
	}
	add(b.PreferredProvider)
	for _, p := range f.affinity.Ranked(b.TaskType) {
		add(p)
	}
	return order
}

// dispatch moves one ready bead to a provider or defers it. Caller holds f.mu.
func (f *Foreman) dispatch(ctx context.Context, b *types.Bead, report *CycleReport) error {
	ctx, span := telemetry.StartBeadSpan(ctx, telemetry.SpanBeadDispatch, b)
	defer span.End()

	ready, err := f.promote(ctx, b)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryDatabase)
		return err
	}
	if !ready {
		return nil
	}

	order := f.providerOrder(b)
	for _, p := range order {
		ok, err := f.tanks.CanConsume(ctx, p, b.EstimatedTokens)
		if err != nil {
			f.logger.Printf("Error checking %s capacity: %v", p, err)
			continue
		}
		if !ok {
			continue
		}
		if err := f.tanks.Reserve(ctx, p, b.ID, b.EstimatedTokens); err != nil {
			f.logger.Printf("🔄 Could not reserve %d tokens on %s for %s: %v", b.EstimatedTokens, p, b.ID, err)
			continue
		}
		telemetry.SetProvider(span, p)
		return f.launch(ctx, b, p, report)
	}
	return f.deferForCapacity(ctx, b, order, report)
}

// promote brings a candidate to Queued and reports whether it may be
// dispatched now. Pending beads pass through Optimizing; when an optimizer
// has work to do the bead stays there until its result comes back through
// f.prompts. Caller holds f.mu.
func (f *Foreman) promote(ctx context.Context, b *types.Bead) (bool, error) {
	now := f.now()
	switch b.Status {
	case types.BeadStatusPending:
		if err := b.Transition(types.BeadStatusOptimizing, now); err != nil {
			return false, err
		}
		if err := f.save(ctx, b); err != nil {
			return false, err
		}
		if f.optimizer != nil && b.OptimizedPrompt == "" {
			optCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			f.optimizing[b.ID] = cancel
			go f.optimize(optCtx, b.Clone())
			return false, nil
		}
		if err := b.Transition(types.BeadStatusQueued, now); err != nil {
			return false, err
		}
		return true, f.save(ctx, b)
	case types.BeadStatusDeferred:
		if err := b.Transition(types.BeadStatusQueued, now); err != nil {
			return false, err
		}
		b.DeferredUntil = nil
		return true, f.save(ctx, b)
	}
	return true, nil
}

// optimize runs outside the lock and hands the prompt back through f.prompts
func (f *Foreman) optimize(ctx context.Context, b *types.Bead) {
	prompt, err := f.optimizer.Optimize(ctx, b)
	select {
	case f.prompts <- optimized{bead: b.ID, prompt: prompt, err: err}:
	case <-ctx.Done():
	}
}

// launch records the assignment and starts the execution. The
// reservation on p is already held. Caller holds f.mu.
func (f *Foreman) launch(ctx context.Context, b *types.Bead, p types.Provider, report *CycleReport) error {
	now := f.now()
	reserved := b.EstimatedTokens
	undo := func(err error) error {
		if rerr := f.tanks.Refund(ctx, p, b.ID, reserved); rerr != nil {
			f.logger.Printf("Error refunding %s after failed dispatch: %v", p, rerr)
		}
		return err
	}

	b.AssignedProvider = p
	if err := b.Transition(types.BeadStatusAssigned, now); err != nil {
		return undo(err)
	}
	if err := f.save(ctx, b); err != nil {
		return undo(err)
	}
	if err := b.Transition(types.BeadStatusInProgress, now); err != nil {
		return undo(err)
	}
	b.StartedAt = &now
	b.Error = ""
	b.ErrorKind = ""
	if err := f.save(ctx, b); err != nil {
		return undo(err)
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.inFlight[b.ID] = &flight{bead: b.ID, provider: p, reserved: reserved, started: now, cancel: cancel}
	f.exhausted = nil
	report.Dispatched = append(report.Dispatched, Dispatch{BeadID: b.ID, Provider: p, Reserved: reserved})

	f.logger.Printf("👷 Dispatched %s (%s, %s) to %s, reserving %d tokens", b.ID, b.Priority, b.TaskType, p, reserved)
	telemetry.RecordDispatch(ctx, b, reserved)
	f.publish(ctx, events.NewEvent(events.EventBeadDispatched, b, now).With("reserved", reserved))
	f.refreshConvoy(ctx, b)

	go f.execute(execCtx, b.Clone(), p)
	return nil
}

// execute runs outside the lock and hands the result back through f.results
func (f *Foreman) execute(ctx context.Context, b *types.Bead, p types.Provider) {
	start := time.Now()
	res, err := f.exec.Submit(ctx, b, p)
	o := outcome{bead: b.ID, provider: p, result: res, err: err}
	if err == nil && res != nil && f.gate != nil {
		b.Output = res.Output
		o.review = f.gate.Review(ctx, b)
	}
	o.elapsed = time.Since(start)

	select {
	case f.results <- o:
	case <-ctx.Done():
	}
}

// deferForCapacity parks a bead no provider could take. It waits for the
// earliest window end among its providers, or for the global earliest
// reset when every execution provider is empty. Caller holds f.mu.
func (f *Foreman) deferForCapacity(ctx context.Context, b *types.Bead, order []types.Provider, report *CycleReport) error {
	now := f.now()
	var (
		until time.Time
		cause *types.Error
	)

	if f.tanks.Exhausted() {
		reset, ok := f.tanks.EarliestReset(f.enabledExecution())
		if !ok {
			reset = now
		}
		cause = types.ExhaustedError(reset)
		until = now.Add(f.policy.Classify(cause, now).Wait)
		report.Exhausted = cause
		if f.exhausted == nil {
			f.logger.Printf("⛽ All providers exhausted, earliest reset at %s", reset.Format(time.RFC3339))
			telemetry.RecordExhausted(ctx, reset)
			f.publish(ctx, events.NewEvent(events.EventForemanExhausted, nil, now).With("reset_at", reset))
		}
		f.exhausted = cause
	} else {
		reset, ok := f.tanks.EarliestReset(order)
		until = reset
		if !ok || !until.After(now) {
			until = now.Add(f.cfg.PollInterval)
		}
		cause = types.NewError(types.KindRateLimited, "", fmt.Sprintf("no provider has capacity for %d tokens", b.EstimatedTokens), nil)
	}

	if err := b.Transition(types.BeadStatusDeferred, now); err != nil {
		return err
	}
	b.DeferredUntil = &until
	b.Error = cause.Error()
	b.ErrorKind = cause.Kind
	if err := f.save(ctx, b); err != nil {
		return err
	}

	report.Deferred = append(report.Deferred, b.ID)
	f.logger.Printf("🔄 Deferred %s until %s: %s", b.ID, until.Format(time.RFC3339), cause.Msg)
	telemetry.RecordDeferral(ctx, b, cause.Kind, until)
	f.publish(ctx, events.NewEvent(events.EventBeadDeferred, b, now).With("until", until).With("reason", cause.Msg))
	return nil
}

func (f *Foreman) enabledExecution() []types.Provider {
	var out []types.Provider
	for _, p := range types.ExecutionProviders {
		if f.tanks.Enabled(p) {
			out = append(out, p)
		}
	}
	return out
}
