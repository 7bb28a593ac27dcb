// Package telemetry provides OpenTelemetry observability for Rigs
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Semantic convention keys for Rigs-specific attributes
const (
	// Bead attributes
	KeyBeadID       = "rigs.bead.id"
	KeyBeadTitle    = "rigs.bead.title"
	KeyBeadStatus   = "rigs.bead.status"
	KeyBeadPriority = "rigs.bead.priority"
	KeyBeadTaskType = "rigs.bead.task_type"
	KeyBeadAttempt  = "rigs.bead.attempt"
	KeyConvoyID     = "rigs.convoy.id"

	// Provider and tank attributes
	KeyProvider      = "rigs.provider"
	KeyModel         = "rigs.provider.model"
	KeyTankRemaining = "rigs.tank.remaining"
	KeyTankHealth    = "rigs.tank.health"
	KeyTokens        = "rigs.tokens"

	// Cycle attributes
	KeyCycleDispatched = "rigs.cycle.dispatched"
	KeyCycleDeferred   = "rigs.cycle.deferred"

	// Error attributes
	KeyErrorKind     = "rigs.error.kind"
	KeyErrorCategory = "rigs.error.category"
)

// Error categories
const (
	ErrorCategoryExecutor = "executor"
	ErrorCategoryDatabase = "database"
	ErrorCategoryTank     = "tank"
	ErrorCategoryConfig   = "config"
	ErrorCategoryAssayer  = "assayer"
)

// BeadAttrs returns a set of attributes for a bead
func BeadAttrs(b *types.Bead) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(KeyBeadID, string(b.ID)),
		attribute.String(KeyBeadTitle, b.Title),
		attribute.String(KeyBeadStatus, string(b.Status)),
		attribute.String(KeyBeadPriority, b.Priority.String()),
		attribute.String(KeyBeadTaskType, string(b.TaskType)),
		attribute.Int(KeyBeadAttempt, b.Attempts),
	}
	if b.ConvoyID != "" {
		attrs = append(attrs, attribute.String(KeyConvoyID, b.ConvoyID))
	}
	return attrs
}

// TankAttrs returns a set of attributes for a tank
func TankAttrs(t *types.Tank) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyProvider, string(t.Provider)),
		attribute.Int64(KeyTankRemaining, t.Remaining),
		attribute.String(KeyTankHealth, string(t.Health)),
	}
}
