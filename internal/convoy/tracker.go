// Package convoy tracks groups of beads. Progress and status counts are
// always computed from member bead statuses, never stored.
package convoy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Summary is a convoy with its computed aggregates
type Summary struct {
	Convoy   *types.Convoy      `json:"convoy"`
	Counts   types.StatusCounts `json:"counts"`
	Progress float64            `json:"progress"`
}

// Tracker manages convoys on top of the bead and convoy stores
type Tracker struct {
	beads   store.BeadStore
	convoys store.ConvoyStore
	now     func() time.Time
}

// NewTracker creates a tracker. A nil now uses time.Now.
func NewTracker(beads store.BeadStore, convoys store.ConvoyStore, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{beads: beads, convoys: convoys, now: now}
}

// NewID returns a fresh convoy id: "cv-" and 8 hex characters
func NewID() string {
	return "cv-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Create stores an empty convoy in Planning
func (t *Tracker) Create(ctx context.Context, name string) (*types.Convoy, error) {
	c := types.NewConvoy(NewID(), name, t.now())
	if err := t.convoys.CreateConvoy(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// FromGoal stores a Queued convoy named after goal
func (t *Tracker) FromGoal(ctx context.Context, goal string) (*types.Convoy, error) {
	c := types.ConvoyFromGoal(NewID(), goal, t.now())
	if err := t.convoys.CreateConvoy(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Open returns a convoy that can still take beads
func (t *Tracker) Open(ctx context.Context, convoyID string) (*types.Convoy, error) {
	c, err := t.convoys.GetConvoy(ctx, convoyID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.NewError(types.KindNotFound, "", fmt.Sprintf("convoy %s does not exist", convoyID), err)
		}
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, types.NewError(types.KindInvalidState, "", fmt.Sprintf("convoy %s is %s", c.ID, c.Status), nil)
	}
	return c, nil
}

// Add makes a bead a member of a convoy
func (t *Tracker) Add(ctx context.Context, convoyID string, beadID types.BeadID) error {
	c, err := t.Open(ctx, convoyID)
	if err != nil {
		return err
	}
	b, err := t.beads.GetBead(ctx, beadID)
	if err != nil {
		return err
	}
	if b.ConvoyID != "" && b.ConvoyID != convoyID {
		return types.NewError(types.KindInvalidState, "", fmt.Sprintf("bead %s already belongs to convoy %s", b.ID, b.ConvoyID), nil)
	}

	if c.AddBead(beadID) {
		if err := t.convoys.UpdateConvoy(ctx, c); err != nil {
			return err
		}
	}
	if b.ConvoyID != convoyID {
		b.ConvoyID = convoyID
		b.UpdatedAt = t.now()
		if err := t.beads.UpdateBead(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Remove takes a bead out of a convoy
func (t *Tracker) Remove(ctx context.Context, convoyID string, beadID types.BeadID) error {
	c, err := t.convoys.GetConvoy(ctx, convoyID)
	if err != nil {
		return err
	}
	if !c.RemoveBead(beadID) {
		return fmt.Errorf("bead %s in convoy %s: %w", beadID, convoyID, types.ErrNotFound)
	}
	if err := t.convoys.UpdateConvoy(ctx, c); err != nil {
		return err
	}

	b, err := t.beads.GetBead(ctx, beadID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.ConvoyID == convoyID {
		b.ConvoyID = ""
		b.UpdatedAt = t.now()
		return t.beads.UpdateBead(ctx, b)
	}
	return nil
}

// Pause stops dispatch of a convoy's beads
func (t *Tracker) Pause(ctx context.Context, convoyID string) (*types.Convoy, error) {
	c, err := t.convoys.GetConvoy(ctx, convoyID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, types.NewError(types.KindInvalidState, "", fmt.Sprintf("convoy %s is %s", c.ID, c.Status), nil)
	}
	c.Status = types.ConvoyStatusPaused
	if err := t.convoys.UpdateConvoy(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Resume re-enables dispatch of a paused convoy and refreshes its status
func (t *Tracker) Resume(ctx context.Context, convoyID string) (*types.Convoy, error) {
	c, err := t.convoys.GetConvoy(ctx, convoyID)
	if err != nil {
		return nil, err
	}
	if c.Status != types.ConvoyStatusPaused {
		return c, nil
	}
	c.Status = types.ConvoyStatusQueued
	if err := t.convoys.UpdateConvoy(ctx, c); err != nil {
		return nil, err
	}
	return t.Refresh(ctx, convoyID)
}

// Counts tallies the statuses of a convoy's members. Members that no
// longer exist are left out.
func (t *Tracker) Counts(ctx context.Context, c *types.Convoy) (types.StatusCounts, error) {
	var counts types.StatusCounts
	for _, id := range c.Beads {
		b, err := t.beads.GetBead(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return counts, err
		}
		counts.Add(b.Status)
	}
	return counts, nil
}

// Summary returns a convoy with its computed progress
func (t *Tracker) Summary(ctx context.Context, convoyID string) (*Summary, error) {
	c, err := t.convoys.GetConvoy(ctx, convoyID)
	if err != nil {
		return nil, err
	}
	counts, err := t.Counts(ctx, c)
	if err != nil {
		return nil, err
	}
	return &Summary{Convoy: c, Counts: counts, Progress: counts.Progress()}, nil
}

// List returns summaries of every convoy
func (t *Tracker) List(ctx context.Context) ([]*Summary, error) {
	convoys, err := t.convoys.ListConvoys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Summary, 0, len(convoys))
	for _, c := range convoys {
		counts, err := t.Counts(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, &Summary{Convoy: c, Counts: counts, Progress: counts.Progress()})
	}
	return out, nil
}

// DeriveStatus computes the status a convoy should have given its counts.
// Paused is kept until an explicit resume.
func DeriveStatus(current types.ConvoyStatus, counts types.StatusCounts) types.ConvoyStatus {
	if current.IsTerminal() {
		return current
	}
	total := counts.Total()
	if total > 0 && counts.Terminal() == total {
		if counts.HasFailures() {
			return types.ConvoyStatusFailed
		}
		return types.ConvoyStatusCompleted
	}
	if current == types.ConvoyStatusPaused {
		return current
	}
	if counts.InProgress > 0 || counts.Terminal() > 0 {
		return types.ConvoyStatusInProgress
	}
	return current
}

// Refresh recomputes a convoy's status from its members and persists it
// when it changed
func (t *Tracker) Refresh(ctx context.Context, convoyID string) (*types.Convoy, error) {
	c, err := t.convoys.GetConvoy(ctx, convoyID)
	if err != nil {
		return nil, err
	}
	counts, err := t.Counts(ctx, c)
	if err != nil {
		return nil, err
	}

	next := DeriveStatus(c.Status, counts)
	if next == c.Status {
		return c, nil
	}
	c.Status = next
	if next.IsTerminal() {
		now := t.now()
		c.CompletedAt = &now
	}
	if err := t.convoys.UpdateConvoy(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PausedIDs returns the ids of paused convoys
func (t *Tracker) PausedIDs(ctx context.Context) (map[string]bool, error) {
	active, err := t.convoys.ListActiveConvoys(ctx)
	if err != nil {
		return nil, err
	}
	paused := make(map[string]bool)
	for _, c := range active {
		if c.Status == types.ConvoyStatusPaused {
			paused[c.ID] = true
		}
	}
	return paused, nil
}

// Reopen moves a finished convoy back to InProgress after one of its
// beads was retried
func (t *Tracker) Reopen(ctx context.Context, convoyID string) (*types.Convoy, error) {
	c, err := t.convoys.GetConvoy(ctx, convoyID)
	if err != nil {
		return nil, err
	}
	if !c.Status.IsTerminal() {
		return c, nil
	}
	c.Status = types.ConvoyStatusInProgress
	c.CompletedAt = nil
	if err := t.convoys.UpdateConvoy(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
