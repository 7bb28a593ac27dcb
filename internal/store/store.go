// Package store defines the persistence contract for beads, tanks and
// convoys. The scheduler depends only on these interfaces; concrete
// backends are chosen at startup.
package store

import (
	"context"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// BeadFilter narrows ListBeads. Zero values match everything.
type BeadFilter struct {
	Status   types.BeadStatus
	ConvoyID string
	Limit    int
}

// BeadStore persists beads. Missing ids fail with a wrapped types.ErrNotFound.
type BeadStore interface {
	// CreateBead inserts a new bead. A taken id fails with types.ErrAlreadyExists.
	CreateBead(ctx context.Context, b *types.Bead) error
	GetBead(ctx context.Context, id types.BeadID) (*types.Bead, error)
	UpdateBead(ctx context.Context, b *types.Bead) error
	DeleteBead(ctx context.Context, id types.BeadID) error
	// ListBeads returns matching beads in creation order.
	ListBeads(ctx context.Context, filter BeadFilter) ([]*types.Bead, error)
	ListBeadsByStatus(ctx context.Context, status types.BeadStatus) ([]*types.Bead, error)
	ListBeadsByConvoy(ctx context.Context, convoyID string) ([]*types.Bead, error)
	// PendingOrdered returns Pending and Queued beads by priority desc, created_at asc.
	PendingOrdered(ctx context.Context) ([]*types.Bead, error)
	// DeferredReady returns Deferred beads whose deferred_until is at or before now.
	DeferredReady(ctx context.Context, now time.Time) ([]*types.Bead, error)
}

// TankStore persists per-provider tanks and their usage ledger.
type TankStore interface {
	GetTank(ctx context.Context, p types.Provider) (*types.Tank, error)
	ListTanks(ctx context.Context) ([]*types.Tank, error)
	UpsertTank(ctx context.Context, t *types.Tank) error
	RecordUsage(ctx context.Context, rec types.UsageRecord) error
	// UsageSince sums signed ledger tokens for p recorded at or after since.
	UsageSince(ctx context.Context, p types.Provider, since time.Time) (int64, error)
	// ListUsage returns ledger entries newest first; an empty provider matches all.
	ListUsage(ctx context.Context, p types.Provider, since time.Time) ([]types.UsageRecord, error)
}

// ConvoyStore persists convoys.
type ConvoyStore interface {
	CreateConvoy(ctx context.Context, c *types.Convoy) error
	GetConvoy(ctx context.Context, id string) (*types.Convoy, error)
	UpdateConvoy(ctx context.Context, c *types.Convoy) error
	ListConvoys(ctx context.Context) ([]*types.Convoy, error)
	// ListActiveConvoys returns convoys that are not Completed or Failed.
	ListActiveConvoys(ctx context.Context) ([]*types.Convoy, error)
}

// Store is a backend implementing every persistence interface.
type Store interface {
	BeadStore
	TankStore
	ConvoyStore
	Close() error
}
