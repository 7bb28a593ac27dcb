package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

func TestWorkflowID(t *testing.T) {
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b := types.NewBead("impl", types.TaskTypeImplementation, started)
	b.StartedAt = &started

	id := WorkflowID(b)
	if want := fmt.Sprintf("%s-0-%d", b.ID, started.UnixMilli()); id != want {
		t.Errorf("WorkflowID = %q, want %q", id, want)
	}
	if again := WorkflowID(b.Clone()); again != id {
		t.Errorf("same dispatch got %q and %q", id, again)
	}

	retried := b.Clone()
	retried.Attempts = 1
	if WorkflowID(retried) == id {
		t.Error("a new attempt should get a new workflow")
	}

	requeued := b.Clone()
	later := started.Add(time.Minute)
	requeued.StartedAt = &later
	if WorkflowID(requeued) == id {
		t.Error("a dispatch after a cancel should get a new workflow")
	}
}

func TestResumableStatus(t *testing.T) {
	tests := []struct {
		status dbos.WorkflowStatusType
		want   bool
	}{
		{dbos.WorkflowStatusPending, true},
		{dbos.WorkflowStatusEnqueued, true},
		{dbos.WorkflowStatusSuccess, true},
		{dbos.WorkflowStatusError, true},
		{dbos.WorkflowStatusCancelled, false},
		{dbos.WorkflowStatusMaxRecoveryAttemptsExceeded, false},
	}
	for _, tt := range tests {
		if got := resumableStatus(tt.status); got != tt.want {
			t.Errorf("resumableStatus(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestIsCancelled(t *testing.T) {
	if !isCancelled(fmt.Errorf("awaiting: %w", &dbos.DBOSError{Code: dbos.AwaitedWorkflowCancelled})) {
		t.Error("awaited cancellation not recognised")
	}
	if !isCancelled(&dbos.DBOSError{Code: dbos.WorkflowCancelled}) {
		t.Error("workflow cancellation not recognised")
	}
	if isCancelled(&dbos.DBOSError{Code: dbos.MaxStepRetriesExceeded}) {
		t.Error("exhausted retries reported as cancelled")
	}
	if isCancelled(errors.New("boom")) {
		t.Error("plain error reported as cancelled")
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	reset := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		err  error
		kind types.ErrorKind
	}{
		{"rate limited keeps reset", &types.Error{Kind: types.KindRateLimited, Provider: types.ProviderClaude, Msg: "429", ResetAt: reset}, types.KindRateLimited},
		{"unclassified", errors.New("exit status 2"), types.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := outcomeFromError(tt.err).unwrap(types.ProviderClaude)
			if types.KindOf(err) != tt.kind {
				t.Errorf("kind = %s, want %s", types.KindOf(err), tt.kind)
			}
			var classified *types.Error
			if tt.kind == types.KindRateLimited && (!errors.As(err, &classified) || !classified.ResetAt.Equal(reset)) {
				t.Errorf("reset lost: %v", err)
			}
		})
	}

	_, err := outcomeFromError(fmt.Errorf("stopped: %w", context.Canceled)).unwrap(types.ProviderClaude)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled outcome = %v, want context.Canceled", err)
	}
}

func TestInterruptCancelsTrackedStep(t *testing.T) {
	d := NewDurable(nil, NewFake(), nil)
	ctx, done := d.track(context.Background(), "gt-abcde-0-1")

	d.interrupt("gt-other-0-1")
	if ctx.Err() != nil {
		t.Fatal("interrupting another workflow cancelled this step")
	}
	d.interrupt("gt-abcde-0-1")
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Errorf("step ctx = %v, want cancelled", ctx.Err())
	}

	done()
	if len(d.steps) != 0 {
		t.Errorf("steps = %d after done, want 0", len(d.steps))
	}
	d.interrupt("gt-abcde-0-1")
}
