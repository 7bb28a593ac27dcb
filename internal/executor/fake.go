package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Call records one Submit made to a Fake
type Call struct {
	BeadID   types.BeadID
	Provider types.Provider
	Attempt  int
}

// Fake is a scripted executor for tests and dry runs. Responses are
// consumed per bead in order; a bead with no scripted response succeeds
// with its estimated token count.
type Fake struct {
	mu        sync.Mutex
	responses map[types.BeadID][]FakeResponse
	calls     []Call
	// Block makes Submit wait until ctx is cancelled or Release is called
	block   chan struct{}
	started chan types.BeadID
	// resumable beads report an execution left behind by an earlier process
	resumable map[types.BeadID]bool
}

// FakeResponse is one scripted outcome
type FakeResponse struct {
	Result *Result
	Err    error
}

// NewFake creates an empty fake executor
func NewFake() *Fake {
	return &Fake{responses: make(map[types.BeadID][]FakeResponse)}
}

// Script queues responses for a bead
func (f *Fake) Script(id types.BeadID, responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[id] = append(f.responses[id], responses...)
}

// Fail queues a failure for a bead
func (f *Fake) Fail(id types.BeadID, err error) {
	f.Script(id, FakeResponse{Err: err})
}

// Succeed queues a success reporting tokens actually used
func (f *Fake) Succeed(id types.BeadID, output string, tokens int64) {
	f.Script(id, FakeResponse{Result: &Result{Output: output, ActualTokens: tokens}})
}

// Hold makes every Submit block until Release or cancellation. Started
// receives the bead ID once each blocked Submit begins.
func (f *Fake) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	f.started = make(chan types.BeadID, 64)
}

// Started returns the channel fed by held submissions
func (f *Fake) Started() <-chan types.BeadID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Release unblocks held submissions
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

// LeaveRunning marks beads as having an execution an earlier process
// started, so Resumable reports them
func (f *Fake) LeaveRunning(ids ...types.BeadID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumable == nil {
		f.resumable = make(map[types.BeadID]bool)
	}
	for _, id := range ids {
		f.resumable[id] = true
	}
}

// Resumable reports beads marked with LeaveRunning
func (f *Fake) Resumable(_ context.Context, b *types.Bead) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumable[b.ID], nil
}

// Calls returns the submissions made so far
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Submit returns the next scripted response for the bead
func (f *Fake) Submit(ctx context.Context, b *types.Bead, p types.Provider) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{BeadID: b.ID, Provider: p, Attempt: b.Attempts})
	var resp *FakeResponse
	if queue := f.responses[b.ID]; len(queue) > 0 {
		resp = &queue[0]
		f.responses[b.ID] = queue[1:]
	}
	block, started := f.block, f.started
	f.mu.Unlock()

	if block != nil {
		started <- b.ID
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}

	if resp == nil {
		return &Result{Output: "ok", ActualTokens: b.EstimatedTokens, Model: p.DefaultModel(), Duration: time.Millisecond}, nil
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	r := *resp.Result
	if r.Model == "" {
		r.Model = p.DefaultModel()
	}
	return &r, nil
}
