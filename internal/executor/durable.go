package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// BeadInput is the durable workflow input for one execution
type BeadInput struct {
	Bead     types.Bead
	Provider types.Provider
}

// BeadOutcome is the recorded outcome of a durable execution. Classified
// failures are stored as data so that a recovered workflow replays them
// instead of running the provider again.
type BeadOutcome struct {
	Result    *Result
	ErrKind   types.ErrorKind
	ErrMsg    string
	ResetAt   time.Time
	Cancelled bool
}

// Durable runs executions as DBOS workflows so that a crashed process
// resumes or replays them on restart. Each dispatch of a bead gets its own
// workflow id, so submitting the same dispatch again reattaches to the
// recorded workflow instead of starting a second one.
type Durable struct {
	dbosCtx    dbos.DBOSContext
	inner      Executor
	maxRetries int
	logger     *log.Logger

	mu sync.Mutex
	// steps cancels provider calls running in this process, by workflow id
	steps map[string]context.CancelFunc
}

// NewDurable wraps inner. RegisterWorkflows must be called before dbos.Launch.
func NewDurable(dbosCtx dbos.DBOSContext, inner Executor, logger *log.Logger) *Durable {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Durable{dbosCtx: dbosCtx, inner: inner, maxRetries: 3, logger: logger, steps: make(map[string]context.CancelFunc)}
}

// RegisterWorkflows registers the execution workflow with DBOS
func (d *Durable) RegisterWorkflows() error {
	dbos.RegisterWorkflow(d.dbosCtx, d.ExecuteBeadWorkflow)
	return nil
}

// WorkflowID names the workflow of one dispatch of b: its attempt count
// and the time it started. A bead requeued after a cancel starts again
// later and so gets a fresh workflow.
func WorkflowID(b *types.Bead) string {
	started := int64(0)
	if b.StartedAt != nil {
		started = b.StartedAt.UnixMilli()
	}
	return fmt.Sprintf("%s-%d-%d", b.ID, b.Attempts, started)
}

// ExecuteBeadWorkflow runs one bead as a step. Transient failures are
// returned as step errors so DBOS retries them; everything else is
// recorded in the outcome.
func (d *Durable) ExecuteBeadWorkflow(ctx dbos.DBOSContext, in BeadInput) (BeadOutcome, error) {
	d.logger.Printf("👷 Durable execution of %s on %s", in.Bead.ID, in.Provider)
	id, err := dbos.GetWorkflowID(ctx)
	if err != nil {
		id = WorkflowID(&in.Bead)
	}

	outcome, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (BeadOutcome, error) {
		stepCtx, done := d.track(stepCtx, id)
		defer done()
		res, err := d.inner.Submit(stepCtx, &in.Bead, in.Provider)
		if err == nil {
			return BeadOutcome{Result: res}, nil
		}
		if types.KindOf(err) == types.KindTransient {
			return BeadOutcome{}, err
		}
		return outcomeFromError(err), nil
	}, dbos.WithStepMaxRetries(d.maxRetries))
	if err != nil {
		// Retries exhausted on a transient failure
		return outcomeFromError(err), nil
	}
	return outcome, nil
}

// Submit runs the bead through its durable workflow and waits for it.
// Cancelling ctx cancels the workflow too; DBOS stops it before its next
// step and the outcome is discarded.
func (d *Durable) Submit(ctx context.Context, b *types.Bead, p types.Provider) (*Result, error) {
	id := WorkflowID(b)
	handle, err := dbos.RunWorkflow(d.dbosCtx, d.ExecuteBeadWorkflow, BeadInput{Bead: *b.Clone(), Provider: p}, dbos.WithWorkflowID(id))
	if err != nil {
		return nil, fmt.Errorf("starting durable execution %s: %w", id, err)
	}

	type reply struct {
		outcome BeadOutcome
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		outcome, err := handle.GetResult()
		done <- reply{outcome, err}
	}()

	select {
	case <-ctx.Done():
		if err := dbos.CancelWorkflow(d.dbosCtx, id); err != nil {
			d.logger.Printf("Error cancelling workflow %s: %v", id, err)
		}
		d.interrupt(id)
		return nil, fmt.Errorf("%s: execution cancelled: %w", p, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if isCancelled(r.err) {
				return nil, fmt.Errorf("%s: execution cancelled: %w", p, context.Canceled)
			}
			return nil, fmt.Errorf("durable execution %s: %w", id, r.err)
		}
		return r.outcome.unwrap(p)
	}
}

// Resumable reports whether a previous process left a workflow for b's
// current dispatch that Submit can reattach to: still running, or
// finished with an outcome on record.
func (d *Durable) Resumable(_ context.Context, b *types.Bead) (bool, error) {
	id := WorkflowID(b)
	handle, err := dbos.RetrieveWorkflow[BeadOutcome](d.dbosCtx, id)
	if errors.Is(err, &dbos.DBOSError{Code: dbos.NonExistentWorkflowError}) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("retrieving workflow %s: %w", id, err)
	}
	status, err := handle.GetStatus()
	if err != nil {
		return false, fmt.Errorf("reading workflow %s: %w", id, err)
	}
	return resumableStatus(status.Status), nil
}

// track registers a cancellable provider call for workflow id; done
// releases it
func (d *Durable) track(ctx context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.steps[id] = cancel
	d.mu.Unlock()
	return ctx, func() {
		d.mu.Lock()
		delete(d.steps, id)
		d.mu.Unlock()
		cancel()
	}
}

// interrupt cancels the provider call of workflow id if it runs here
func (d *Durable) interrupt(id string) {
	d.mu.Lock()
	cancel, ok := d.steps[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func resumableStatus(s dbos.WorkflowStatusType) bool {
	switch s {
	case dbos.WorkflowStatusPending, dbos.WorkflowStatusEnqueued,
		dbos.WorkflowStatusSuccess, dbos.WorkflowStatusError:
		return true
	}
	return false
}

func isCancelled(err error) bool {
	return errors.Is(err, &dbos.DBOSError{Code: dbos.WorkflowCancelled}) ||
		errors.Is(err, &dbos.DBOSError{Code: dbos.AwaitedWorkflowCancelled})
}

func outcomeFromError(err error) BeadOutcome {
	out := BeadOutcome{ErrKind: types.KindOf(err), ErrMsg: err.Error()}
	var classified *types.Error
	if errors.As(err, &classified) {
		out.ErrMsg = classified.Msg
		out.ResetAt = classified.ResetAt
	}
	if errors.Is(err, context.Canceled) {
		out.Cancelled = true
	}
	return out
}

func (o BeadOutcome) unwrap(p types.Provider) (*Result, error) {
	switch {
	case o.Cancelled:
		return nil, fmt.Errorf("%s: execution cancelled: %w", p, context.Canceled)
	case o.ErrKind != "":
		return nil, &types.Error{Kind: o.ErrKind, Provider: p, Msg: o.ErrMsg, ResetAt: o.ResetAt}
	case o.Result == nil:
		return nil, types.NewError(types.KindUnknown, p, "execution returned no result", nil)
	}
	return o.Result, nil
}
