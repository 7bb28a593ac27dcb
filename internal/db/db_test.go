package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/internal/store/storetest"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		t.Fatalf("Failed to init schema: %v", err)
	}
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.RunStoreTests(t, func() store.Store {
		return setupTestDB(t)
	})
}

func TestOpenSQLiteURL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "rigs.db")
	s, err := Open("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer s.Close()

	if s.Dialect() != DialectSQLite {
		t.Errorf("Dialect = %s, want sqlite", s.Dialect())
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	// Running the schema twice must be harmless
	if err := s.InitSchema(); err != nil {
		t.Fatalf("Failed to re-init schema: %v", err)
	}
	if err := s.MigrateSchema(); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}
}

func TestOpenRejectsBadMySQLDSN(t *testing.T) {
	if _, err := Open("mysql://not a dsn"); err == nil {
		t.Fatal("Expected error for malformed mysql dsn")
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	b := types.NewBead("persist me", types.TaskTypeResearch, now)
	b.ID = "gt-keep1"
	if err := s.CreateBead(ctx, b); err != nil {
		t.Fatalf("Failed to create bead: %v", err)
	}
	tank := types.NewTank(types.ProviderCodex, 1000, 24, now)
	if err := tank.Consume(250, now); err != nil {
		t.Fatalf("Failed to consume: %v", err)
	}
	if err := s.UpsertTank(ctx, tank); err != nil {
		t.Fatalf("Failed to upsert tank: %v", err)
	}
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer s.Close()

	got, err := s.GetBead(ctx, "gt-keep1")
	if err != nil {
		t.Fatalf("Failed to get bead: %v", err)
	}
	if got.Title != "persist me" || got.TaskType != types.TaskTypeResearch {
		t.Errorf("bead = %+v", got)
	}
	gotTank, err := s.GetTank(ctx, types.ProviderCodex)
	if err != nil {
		t.Fatalf("Failed to get tank: %v", err)
	}
	if gotTank.Remaining != 750 || gotTank.Health != types.TankHealthGreen {
		t.Errorf("tank remaining=%d health=%s", gotTank.Remaining, gotTank.Health)
	}
}

func TestDependencyEdgesFollowDeletes(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	parent := types.NewBead("parent", types.TaskTypeDesign, now)
	parent.ID = "gt-paren"
	child := types.NewBead("child", types.TaskTypeImplementation, now)
	child.ID = "gt-child"
	child.Dependencies = []types.BeadID{parent.ID}

	if err := s.CreateBead(ctx, parent); err != nil {
		t.Fatalf("Failed to create parent: %v", err)
	}
	if err := s.CreateBead(ctx, child); err != nil {
		t.Fatalf("Failed to create child: %v", err)
	}
	if err := s.DeleteBead(ctx, parent.ID); err != nil {
		t.Fatalf("Failed to delete parent: %v", err)
	}

	got, err := s.GetBead(ctx, child.ID)
	if err != nil {
		t.Fatalf("Failed to get child: %v", err)
	}
	if len(got.Dependencies) != 0 {
		t.Errorf("Dependencies = %v, want none after delete", got.Dependencies)
	}
	if err := s.DeleteBead(ctx, parent.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestDependencyOnMissingBeadFails(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()
	ctx := context.Background()

	b := types.NewBead("orphan", types.TaskTypeTest, time.Now())
	b.Dependencies = []types.BeadID{"gt-ghost"}
	if err := s.CreateBead(ctx, b); err == nil {
		t.Fatal("Expected foreign key error for missing dependency")
	}
	if _, err := s.GetBead(ctx, b.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("bead should not exist after failed create, got %v", err)
	}
}

func TestStatusSummary(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	statuses := []types.BeadStatus{
		types.BeadStatusPending,
		types.BeadStatusQueued,
		types.BeadStatusInProgress,
		types.BeadStatusCompleted,
		types.BeadStatusCompleted,
		types.BeadStatusFailed,
	}
	for _, st := range statuses {
		b := types.NewBead("b", types.TaskTypeTest, now)
		b.Status = st
		if err := s.CreateBead(ctx, b); err != nil {
			t.Fatalf("Failed to create bead: %v", err)
		}
	}

	counts, err := s.StatusSummary(ctx)
	if err != nil {
		t.Fatalf("Failed to summarise: %v", err)
	}
	if counts.Pending != 2 || counts.InProgress != 1 || counts.Completed != 2 || counts.Failed != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if counts.Total() != 6 {
		t.Errorf("Total = %d, want 6", counts.Total())
	}
}
