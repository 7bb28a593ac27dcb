package assayer

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/rigs/internal/graph"
	"github.com/cloud-shuttle/rigs/pkg/telemetry"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Plan is a decomposed goal whose beads have ids and resolved
// dependencies but are not yet stored
type Plan struct {
	Goal  string        `json:"goal"`
	Beads []*types.Bead `json:"beads"`
}

// TotalTokens sums the estimates of every bead in the plan
func (p *Plan) TotalTokens() int64 {
	var total int64
	for _, b := range p.Beads {
		total += b.EstimatedTokens
	}
	return total
}

// Position returns the 1-based plan position of id, or 0 when id lies
// outside the plan
func (p *Plan) Position(id types.BeadID) int {
	for i, b := range p.Beads {
		if b.ID == id {
			return i + 1
		}
	}
	return 0
}

// PlanOptions adjusts a plan
type PlanOptions struct {
	// Priority, when set, overrides every draft's priority
	Priority *types.Priority
}

// Submitter admits a bead into the scheduler
type Submitter interface {
	Submit(ctx context.Context, b *types.Bead) (*types.Bead, error)
}

// ConvoyCreator creates the convoy that groups a plan's beads
type ConvoyCreator interface {
	FromGoal(ctx context.Context, goal string) (*types.Convoy, error)
}

// Planner turns goals into plans and plans into convoys
type Planner struct {
	assayer Assayer
	prefix  string
	now     func() time.Time
	logger  *log.Logger
}

// NewPlanner creates a planner that names beads with prefix
func NewPlanner(a Assayer, prefix string) *Planner {
	if prefix == "" {
		prefix = types.DefaultBeadPrefix
	}
	return &Planner{
		assayer: a,
		prefix:  prefix,
		now:     time.Now,
		logger:  log.New(os.Stderr, "[planner] ", log.LstdFlags),
	}
}

// SetLogger replaces the planner's logger
func (p *Planner) SetLogger(l *log.Logger) {
	p.logger = l
}

// Plan decomposes goal and resolves the drafts' references. A dependency
// cycle among the drafts fails with *types.CycleError.
func (p *Planner) Plan(ctx context.Context, goal string, opts PlanOptions) (*Plan, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanGoalPlan)
	defer span.End()

	drafts, err := p.assayer.Decompose(ctx, goal)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryAssayer)
		return nil, fmt.Errorf("decomposing goal: %w", err)
	}

	ids := make([]types.BeadID, len(drafts))
	seen := make(map[types.BeadID]bool, len(drafts))
	for i := range ids {
		id := types.NewBeadIDWithPrefix(p.prefix)
		for seen[id] {
			id = types.NewBeadIDWithPrefix(p.prefix)
		}
		seen[id] = true
		ids[i] = id
	}

	now := p.now()
	plan := &Plan{Goal: goal, Beads: make([]*types.Bead, len(drafts))}
	for i, d := range drafts {
		b, err := d.Bead(now)
		if err != nil {
			return nil, fmt.Errorf("draft %d: %w", i+1, err)
		}
		b.ID = ids[i]
		if b.Dependencies, err = graph.ResolveRefs(i, d.DependsOn, ids, p.prefix); err != nil {
			return nil, err
		}
		if opts.Priority != nil {
			b.Priority = *opts.Priority
		}
		plan.Beads[i] = b
	}

	if err := graph.CheckAcyclic(plan.Beads); err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryAssayer)
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	span.SetAttributes(attribute.Int("rigs.goal.beads", len(plan.Beads)), attribute.Int64(telemetry.KeyTokens, plan.TotalTokens()))
	p.logger.Printf("📋 Planned %d beads (%d tokens) for goal: %s", len(plan.Beads), plan.TotalTokens(), truncateRunes(goal, 60))
	return plan, nil
}

// Materialize creates a convoy for the plan and submits its beads in
// dependency order. Beads admitted before a failure stay in the convoy.
func (p *Planner) Materialize(ctx context.Context, plan *Plan, convoys ConvoyCreator, sub Submitter) (*types.Convoy, []*types.Bead, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanGoalMaterialize)
	defer span.End()

	order, err := graph.TopoOrder(plan.Beads)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid plan: %w", err)
	}

	c, err := convoys.FromGoal(ctx, plan.Goal)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryDatabase)
		return nil, nil, fmt.Errorf("creating convoy: %w", err)
	}
	span.SetAttributes(attribute.String(telemetry.KeyConvoyID, c.ID))

	created := make([]*types.Bead, 0, len(order))
	for _, i := range order {
		b := plan.Beads[i].Clone()
		b.ConvoyID = c.ID
		saved, err := sub.Submit(ctx, b)
		if err != nil {
			telemetry.RecordError(span, err, telemetry.ErrorCategoryAssayer)
			return c, created, fmt.Errorf("submitting draft %d (%s): %w", i+1, b.Title, err)
		}
		created = append(created, saved)
	}
	p.logger.Printf("✅ Convoy %s created with %d beads", c.ID, len(created))
	return c, created, nil
}
