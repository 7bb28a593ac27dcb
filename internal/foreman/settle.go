package foreman

import (
	"context"
	"errors"
	"time"

	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/pkg/telemetry"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Settle applies every executor and optimizer result that has already
// arrived and returns how many it applied
func (f *Foreman) Settle(ctx context.Context) (int, error) {
	n := 0
	for {
		select {
		case o := <-f.results:
			if err := f.apply(ctx, o); err != nil {
				return n, err
			}
			n++
		case o := <-f.prompts:
			if err := f.applyPrompt(ctx, o); err != nil {
				return n, err
			}
			n++
		default:
			return n, nil
		}
	}
}

// Drain applies results as they arrive until nothing is in flight or
// being optimized
func (f *Foreman) Drain(ctx context.Context) (int, error) {
	n := 0
	for f.busyCount() > 0 {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case o := <-f.results:
			if err := f.apply(ctx, o); err != nil {
				return n, err
			}
			n++
		case o := <-f.prompts:
			if err := f.applyPrompt(ctx, o); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (f *Foreman) busyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inFlight) + len(f.optimizing)
}

// applyPrompt queues a bead whose optimizer call finished. A failed
// optimizer leaves the description as the prompt. Results for beads that
// left Optimizing meanwhile are dropped.
func (f *Foreman) applyPrompt(ctx context.Context, o optimized) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cancel, ok := f.optimizing[o.bead]
	if !ok {
		return nil
	}
	delete(f.optimizing, o.bead)
	cancel()

	b, err := f.store.GetBead(ctx, o.bead)
	if err != nil {
		return err
	}
	if b.Status != types.BeadStatusOptimizing {
		f.logger.Printf("Dropping optimized prompt for %s: bead is %s", b.ID, b.Status)
		return nil
	}
	if o.err != nil {
		f.logger.Printf("Error optimizing %s, using description: %v", b.ID, o.err)
	} else {
		b.OptimizedPrompt = o.prompt
	}
	if err := b.Transition(types.BeadStatusQueued, f.now()); err != nil {
		return err
	}
	if err := f.save(ctx, b); err != nil {
		return err
	}
	f.poke()
	return nil
}

// unoptimize returns an Optimizing bead to Pending so a later cycle
// starts its optimization again. Caller holds f.mu.
func (f *Foreman) unoptimize(ctx context.Context, id types.BeadID) error {
	b, err := f.store.GetBead(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != types.BeadStatusOptimizing {
		return nil
	}
	if err := b.Transition(types.BeadStatusPending, f.now()); err != nil {
		return err
	}
	return f.save(ctx, b)
}

// apply folds one executor result into bead, tank and convoy state.
// Results for beads no longer in flight (cancelled or requeued) are dropped.
func (f *Foreman) apply(ctx context.Context, o outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl, ok := f.inFlight[o.bead]
	if !ok {
		return nil
	}
	delete(f.inFlight, o.bead)
	fl.cancel()

	b, err := f.store.GetBead(ctx, o.bead)
	if err != nil {
		return err
	}
	if b.Status != types.BeadStatusInProgress {
		f.logger.Printf("Dropping result for %s: bead is %s", b.ID, b.Status)
		return nil
	}

	ctx, span := telemetry.StartBeadSpan(ctx, telemetry.SpanBeadSettle, b)
	defer span.End()
	telemetry.SetProvider(span, fl.provider)

	if errors.Is(o.err, context.Canceled) {
		return f.park(ctx, b, fl.provider, fl.reserved)
	}

	f.limiter.OnResult(types.KindOf(o.err), o.elapsed)
	if o.err != nil {
		telemetry.RecordError(span, o.err, telemetry.ErrorCategoryExecutor)
		err = f.fail(ctx, b, fl, o.err)
	} else {
		err = f.complete(ctx, b, fl, o)
	}
	telemetry.SetBeadStatus(span, b.Status)
	f.refreshConvoy(ctx, b)
	return err
}

// complete settles a successful execution: reconcile the reservation
// against actual usage, review, then complete or reject
func (f *Foreman) complete(ctx context.Context, b *types.Bead, fl *flight, o outcome) error {
	now := f.now()
	actual := int64(0)
	if o.result != nil {
		actual = o.result.ActualTokens
		b.Output = o.result.Output
	}
	if actual <= 0 {
		actual = fl.reserved
	}
	if err := f.tanks.Reconcile(ctx, fl.provider, b.ID, fl.reserved, actual); err != nil {
		f.logger.Printf("Error reconciling %s on %s: %v", b.ID, fl.provider, err)
	}
	b.ActualTokens = actual

	if err := b.Transition(types.BeadStatusReviewing, now); err != nil {
		return err
	}

	if o.review != nil {
		reason := types.NewError(types.KindProviderAPI, fl.provider, o.review.Error(), nil)
		if err := b.Transition(types.BeadStatusFailed, now); err != nil {
			return err
		}
		b.CompletedAt = &now
		b.Error = reason.Error()
		b.ErrorKind = reason.Kind
		if err := f.save(ctx, b); err != nil {
			return err
		}
		f.logger.Printf("❌ %s rejected in review: %v", b.ID, o.review)
		telemetry.RecordFailure(ctx, b, reason)
		f.publish(ctx, events.NewEvent(events.EventBeadFailed, b, now).With("error", b.Error).With("kind", string(b.ErrorKind)))
		return nil
	}

	if err := b.Transition(types.BeadStatusCompleted, now); err != nil {
		return err
	}
	b.CompletedAt = &now
	b.DeferredUntil = nil
	b.Error = ""
	b.ErrorKind = ""
	if err := f.save(ctx, b); err != nil {
		return err
	}

	f.logger.Printf("✅ Completed %s on %s in %v (%d tokens, %d reserved)", b.ID, fl.provider, o.elapsed.Round(time.Millisecond), actual, fl.reserved)
	telemetry.RecordCompletion(ctx, b, o.elapsed)
	f.publish(ctx, events.NewEvent(events.EventBeadCompleted, b, now).With("tokens", actual))
	return nil
}

// fail settles a failed execution. Recoverable failures within the retry
// budget are deferred and refunded; the rest fail the bead and keep the
// tokens spent.
func (f *Foreman) fail(ctx context.Context, b *types.Bead, fl *flight, cause error) error {
	now := f.now()
	d := f.policy.Classify(cause, now)
	b.Attempts++
	b.Error = cause.Error()
	b.ErrorKind = d.Kind

	if !f.policy.ShouldRetry(d, b.Attempts) {
		if err := b.Transition(types.BeadStatusFailed, now); err != nil {
			return err
		}
		b.CompletedAt = &now
		if err := f.save(ctx, b); err != nil {
			return err
		}
		f.logger.Printf("❌ %s failed on %s after %d attempts (%s): %v", b.ID, fl.provider, b.Attempts, d.Kind, cause)
		telemetry.RecordFailure(ctx, b, cause)
		f.publish(ctx, events.NewEvent(events.EventBeadFailed, b, now).With("error", b.Error).With("kind", string(d.Kind)))
		return nil
	}

	if err := f.tanks.Refund(ctx, fl.provider, b.ID, fl.reserved); err != nil {
		f.logger.Printf("Error refunding %s on %s: %v", b.ID, fl.provider, err)
	}
	// A provider whose refunded tank still cannot cover another run of
	// this bead also bounds the retry by its window
	var windowEnd time.Time
	if t, ok := f.tanks.Snapshot(fl.provider); ok && !t.CanConsume(b.EstimatedTokens) {
		windowEnd = t.WindowEnd
	}
	until := f.policy.DeferUntil(d, now, windowEnd)

	if err := b.Transition(types.BeadStatusDeferred, now); err != nil {
		return err
	}
	b.DeferredUntil = &until
	b.StartedAt = nil
	if err := f.save(ctx, b); err != nil {
		return err
	}

	f.logger.Printf("🔄 %s failed on %s (%s), retrying after %s (attempt %d/%d)",
		b.ID, fl.provider, d.Kind, until.Format(time.RFC3339), b.Attempts, f.policy.MaxAttempts)
	telemetry.RecordDeferral(ctx, b, d.Kind, until)
	f.publish(ctx, events.NewEvent(events.EventBeadDeferred, b, now).With("until", until).With("reason", b.Error))
	return nil
}
