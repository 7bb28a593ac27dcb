package assayer

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/internal/convoy"
	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func newTestPlanner(drafts ...Draft) *Planner {
	p := NewPlanner(assayerFunc(func(ctx context.Context, goal string) ([]Draft, error) {
		return drafts, nil
	}), "gt")
	p.SetLogger(log.New(io.Discard, "", 0))
	return p
}

func TestPlanResolvesReferences(t *testing.T) {
	p := newTestPlanner(
		Draft{Title: "Research OAuth2 flows", TaskType: "research", EstimatedTokens: 2000},
		Draft{Title: "Design endpoints", TaskType: "design", EstimatedTokens: 3000, DependsOn: []string{"1"}},
		Draft{Title: "Write tests", TaskType: "test", EstimatedTokens: 2000, DependsOn: []string{"#2", "1", "2"}},
	)
	plan, err := p.Plan(context.Background(), "add oauth login", PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Beads) != 3 || plan.TotalTokens() != 7000 {
		t.Fatalf("plan has %d beads and %d tokens", len(plan.Beads), plan.TotalTokens())
	}
	first, second, third := plan.Beads[0], plan.Beads[1], plan.Beads[2]
	if len(second.Dependencies) != 1 || second.Dependencies[0] != first.ID {
		t.Errorf("design deps = %v, want [%s]", second.Dependencies, first.ID)
	}
	if len(third.Dependencies) != 2 {
		t.Errorf("test deps = %v, want two distinct ids", third.Dependencies)
	}
	if plan.Position(third.ID) != 3 || plan.Position("gt-zzzzz") != 0 {
		t.Error("Position does not match plan order")
	}
	for _, b := range plan.Beads {
		if _, err := types.ParseBeadIDWithPrefix("gt", string(b.ID)); err != nil {
			t.Errorf("generated id %s does not parse: %v", b.ID, err)
		}
	}
}

func TestPlanRejectsCycles(t *testing.T) {
	p := newTestPlanner(
		Draft{Title: "a", DependsOn: []string{"3"}},
		Draft{Title: "b", DependsOn: []string{"1"}},
		Draft{Title: "c", DependsOn: []string{"2"}},
	)
	_, err := p.Plan(context.Background(), "loop", PlanOptions{})
	var cycleErr *types.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Plan = %v, want CycleError", err)
	}
	if len(cycleErr.Cycle) != 3 {
		t.Errorf("cycle = %v, want all three beads", cycleErr.Cycle)
	}
}

func TestPlanRejectsBadReferences(t *testing.T) {
	for _, refs := range [][]string{{"5"}, {"1"}, {"not-an-id"}} {
		p := newTestPlanner(Draft{Title: "a", DependsOn: refs})
		if _, err := p.Plan(context.Background(), "x", PlanOptions{}); err == nil {
			t.Errorf("Plan with refs %v succeeded, want error", refs)
		}
	}
}

func TestPlanPriorityOverride(t *testing.T) {
	p := newTestPlanner(Draft{Title: "a", Priority: "low"}, Draft{Title: "b"})
	critical := types.PriorityCritical
	plan, err := p.Plan(context.Background(), "urgent", PlanOptions{Priority: &critical})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for _, b := range plan.Beads {
		if b.Priority != types.PriorityCritical {
			t.Errorf("%s priority = %s, want critical", b.ID, b.Priority)
		}
	}
}

// storeSubmitter admits beads straight into a store, enforcing that
// dependencies already exist
type storeSubmitter struct {
	ms      *store.MemStore
	tracker *convoy.Tracker
	failOn  string
}

func (s *storeSubmitter) Submit(ctx context.Context, b *types.Bead) (*types.Bead, error) {
	if b.Title == s.failOn {
		return nil, types.NewError(types.KindProviderDisabled, "codex", "provider disabled", nil)
	}
	for _, dep := range b.Dependencies {
		if _, err := s.ms.GetBead(ctx, dep); err != nil {
			return nil, err
		}
	}
	if err := s.ms.CreateBead(ctx, b); err != nil {
		return nil, err
	}
	if err := s.tracker.Add(ctx, b.ConvoyID, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func TestMaterializeSubmitsInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemStore()
	tracker := convoy.NewTracker(ms, ms, time.Now)
	sub := &storeSubmitter{ms: ms, tracker: tracker}

	// The test draft comes first but depends on the later ones
	p := newTestPlanner(
		Draft{Title: "Write tests", DependsOn: []string{"2", "3"}},
		Draft{Title: "Implement client"},
		Draft{Title: "Add provider", DependsOn: []string{"2"}},
	)
	plan, err := p.Plan(ctx, "add oauth login", PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	c, created, err := p.Materialize(ctx, plan, tracker, sub)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if len(created) != 3 || created[2].Title != "Write tests" {
		t.Errorf("created = %v, want the tests last", titles(created))
	}
	sum, err := tracker.Summary(ctx, c.ID)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if sum.Counts.Total() != 3 || sum.Convoy.Status != types.ConvoyStatusQueued {
		t.Errorf("convoy = %s with %d beads", sum.Convoy.Status, sum.Counts.Total())
	}
	for _, b := range created {
		if b.ConvoyID != c.ID {
			t.Errorf("%s convoy = %q, want %q", b.ID, b.ConvoyID, c.ID)
		}
	}
	if plan.Beads[0].ConvoyID != "" {
		t.Error("Materialize modified the plan")
	}
}

func TestMaterializeReportsPartialProgress(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemStore()
	tracker := convoy.NewTracker(ms, ms, time.Now)
	sub := &storeSubmitter{ms: ms, tracker: tracker, failOn: "second"}

	p := newTestPlanner(Draft{Title: "first"}, Draft{Title: "second"}, Draft{Title: "third"})
	plan, err := p.Plan(ctx, "partial", PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	c, created, err := p.Materialize(ctx, plan, tracker, sub)
	if types.KindOf(err) != types.KindProviderDisabled {
		t.Fatalf("Materialize = %v, want provider_disabled", err)
	}
	if c == nil || len(created) != 1 {
		t.Errorf("convoy = %v, created = %v; want the convoy and one bead", c, titles(created))
	}
}

func titles(beads []*types.Bead) []string {
	out := make([]string, len(beads))
	for i, b := range beads {
		out[i] = b.Title
	}
	return out
}
