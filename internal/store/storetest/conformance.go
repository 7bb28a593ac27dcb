// Package storetest provides a conformance test suite for store.Store
// implementations. Each backend's test file calls RunStoreTests with its
// own factory function.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newBead(id types.BeadID, p types.Priority, created time.Time) *types.Bead {
	return &types.Bead{
		ID:        id,
		Title:     "bead " + string(id),
		TaskType:  types.TaskTypeImplementation,
		Priority:  p,
		Status:    types.BeadStatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// RunStoreTests runs the full conformance suite against a Store implementation.
// The newStore function must return a fresh, empty store for each call.
func RunStoreTests(t *testing.T, newStore func() store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndGetBeadRoundTrip", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		dep := newBead("gt-dep01", types.PriorityNormal, base)
		if err := s.CreateBead(ctx, dep); err != nil {
			t.Fatal(err)
		}
		started := base.Add(time.Minute)
		b := newBead("gt-abc12", types.PriorityHigh, base.Add(time.Second))
		b.Description = "do the thing"
		b.EstimatedTokens = 1200
		b.PreferredProvider = types.ProviderCodex
		b.AcceptanceCriteria = []string{"compiles", "tests pass"}
		b.Dependencies = []types.BeadID{"gt-dep01"}
		b.OptimizedPrompt = "optimized"
		b.StartedAt = &started
		if err := s.CreateBead(ctx, b); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetBead(ctx, "gt-abc12")
		if err != nil {
			t.Fatal(err)
		}
		if got.Title != b.Title || got.Description != b.Description || got.Priority != types.PriorityHigh {
			t.Errorf("got %+v", got)
		}
		if got.EstimatedTokens != 1200 || got.PreferredProvider != types.ProviderCodex {
			t.Errorf("tokens/provider = %d/%s", got.EstimatedTokens, got.PreferredProvider)
		}
		if len(got.AcceptanceCriteria) != 2 || got.AcceptanceCriteria[1] != "tests pass" {
			t.Errorf("AcceptanceCriteria = %v", got.AcceptanceCriteria)
		}
		if len(got.Dependencies) != 1 || got.Dependencies[0] != "gt-dep01" {
			t.Errorf("Dependencies = %v", got.Dependencies)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
		}
		if got.CompletedAt != nil || got.DeferredUntil != nil {
			t.Error("unset timestamps came back non-nil")
		}
		if !got.CreatedAt.Equal(b.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, b.CreatedAt)
		}
	})

	t.Run("CreateDuplicateBeadFails", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		if err := s.CreateBead(ctx, newBead("gt-aaaaa", types.PriorityNormal, base)); err != nil {
			t.Fatal(err)
		}
		err := s.CreateBead(ctx, newBead("gt-aaaaa", types.PriorityNormal, base))
		if !errors.Is(err, types.ErrAlreadyExists) {
			t.Errorf("duplicate create error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("MissingIDsReturnNotFound", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		if _, err := s.GetBead(ctx, "gt-zzzzz"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("GetBead error = %v, want ErrNotFound", err)
		}
		if err := s.UpdateBead(ctx, newBead("gt-zzzzz", types.PriorityNormal, base)); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("UpdateBead error = %v, want ErrNotFound", err)
		}
		if err := s.DeleteBead(ctx, "gt-zzzzz"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("DeleteBead error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetTank(ctx, types.ProviderClaude); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("GetTank error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetConvoy(ctx, "cv-missing"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("GetConvoy error = %v, want ErrNotFound", err)
		}
		if err := s.UpdateConvoy(ctx, types.NewConvoy("cv-missing", "x", base)); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("UpdateConvoy error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateBeadPersistsSchedulerFields", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		b := newBead("gt-upd01", types.PriorityNormal, base)
		if err := s.CreateBead(ctx, b); err != nil {
			t.Fatal(err)
		}
		done := base.Add(time.Hour)
		b.Status = types.BeadStatusFailed
		b.AssignedProvider = types.ProviderGemini
		b.ActualTokens = 777
		b.Attempts = 2
		b.Output = "partial"
		b.Error = "boom"
		b.ErrorKind = types.KindProviderAPI
		b.CompletedAt = &done
		b.Dependencies = nil
		if err := s.UpdateBead(ctx, b); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetBead(ctx, "gt-upd01")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != types.BeadStatusFailed || got.AssignedProvider != types.ProviderGemini {
			t.Errorf("status/provider = %s/%s", got.Status, got.AssignedProvider)
		}
		if got.ActualTokens != 777 || got.Attempts != 2 || got.Output != "partial" {
			t.Errorf("tokens/attempts/output = %d/%d/%q", got.ActualTokens, got.Attempts, got.Output)
		}
		if got.Error != "boom" || got.ErrorKind != types.KindProviderAPI {
			t.Errorf("error = %q kind = %q", got.Error, got.ErrorKind)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v", got.CompletedAt)
		}
	})

	t.Run("DeleteBead", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		if err := s.CreateBead(ctx, newBead("gt-del01", types.PriorityNormal, base)); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteBead(ctx, "gt-del01"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetBead(ctx, "gt-del01"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("GetBead after delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		a := newBead("gt-lst01", types.PriorityNormal, base)
		a.ConvoyID = "cv-1"
		b := newBead("gt-lst02", types.PriorityNormal, base.Add(time.Second))
		b.Status = types.BeadStatusCompleted
		b.ConvoyID = "cv-1"
		c := newBead("gt-lst03", types.PriorityNormal, base.Add(2*time.Second))
		for _, x := range []*types.Bead{a, b, c} {
			if err := s.CreateBead(ctx, x); err != nil {
				t.Fatal(err)
			}
		}

		byStatus, err := s.ListBeadsByStatus(ctx, types.BeadStatusPending)
		if err != nil {
			t.Fatal(err)
		}
		if len(byStatus) != 2 || byStatus[0].ID != "gt-lst01" || byStatus[1].ID != "gt-lst03" {
			t.Errorf("ListBeadsByStatus = %v", ids(byStatus))
		}

		byConvoy, err := s.ListBeadsByConvoy(ctx, "cv-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(byConvoy) != 2 {
			t.Errorf("ListBeadsByConvoy = %v", ids(byConvoy))
		}

		limited, err := s.ListBeads(ctx, store.BeadFilter{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 || limited[0].ID != "gt-lst01" {
			t.Errorf("ListBeads(limit 1) = %v", ids(limited))
		}
	})

	t.Run("PendingOrderedByPriorityThenAge", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		beads := []*types.Bead{
			newBead("gt-low01", types.PriorityLow, base),
			newBead("gt-nrm02", types.PriorityNormal, base.Add(2*time.Second)),
			newBead("gt-nrm01", types.PriorityNormal, base.Add(time.Second)),
			newBead("gt-crt01", types.PriorityCritical, base.Add(3*time.Second)),
		}
		done := newBead("gt-done1", types.PriorityCritical, base)
		done.Status = types.BeadStatusCompleted
		queued := newBead("gt-que01", types.PriorityHigh, base.Add(4*time.Second))
		queued.Status = types.BeadStatusQueued
		beads = append(beads, done, queued)
		for _, b := range beads {
			if err := s.CreateBead(ctx, b); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.PendingOrdered(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := []types.BeadID{"gt-crt01", "gt-que01", "gt-nrm01", "gt-nrm02", "gt-low01"}
		if len(got) != len(want) {
			t.Fatalf("PendingOrdered = %v, want %v", ids(got), want)
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("PendingOrdered[%d] = %s, want %s", i, got[i].ID, want[i])
			}
		}
	})

	t.Run("DeferredReady", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		past := base.Add(-time.Minute)
		future := base.Add(time.Hour)
		ready := newBead("gt-dfr01", types.PriorityNormal, base)
		ready.Status = types.BeadStatusDeferred
		ready.DeferredUntil = &past
		waiting := newBead("gt-dfr02", types.PriorityNormal, base)
		waiting.Status = types.BeadStatusDeferred
		waiting.DeferredUntil = &future
		for _, b := range []*types.Bead{ready, waiting} {
			if err := s.CreateBead(ctx, b); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.DeferredReady(ctx, base)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "gt-dfr01" {
			t.Errorf("DeferredReady = %v, want [gt-dfr01]", ids(got))
		}
		got, err = s.DeferredReady(ctx, future)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Errorf("DeferredReady at window end = %v, want both", ids(got))
		}
	})

	t.Run("TankUpsertAndList", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		claude := types.NewTank(types.ProviderClaude, 88_000, 5, base)
		if err := claude.Consume(8_000, base); err != nil {
			t.Fatal(err)
		}
		if err := s.UpsertTank(ctx, claude); err != nil {
			t.Fatal(err)
		}
		gemini := types.NewTankFromLimits(types.ProviderGemini, types.ProviderGemini.DefaultLimits(), base)
		if err := s.UpsertTank(ctx, gemini); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetTank(ctx, types.ProviderClaude)
		if err != nil {
			t.Fatal(err)
		}
		if got.Remaining != 80_000 || got.Capacity != 88_000 || got.RequestsThisWindow != 1 {
			t.Errorf("tank = %+v", got)
		}
		if got.Health != types.TankHealthGreen {
			t.Errorf("Health = %s, want green", got.Health)
		}
		if !got.WindowEnd.Equal(base.Add(5 * time.Hour)) {
			t.Errorf("WindowEnd = %v", got.WindowEnd)
		}
		if got.LastRequest == nil || !got.LastRequest.Equal(base) {
			t.Errorf("LastRequest = %v", got.LastRequest)
		}

		claude.Remaining = 10
		claude.RefreshHealth()
		if err := s.UpsertTank(ctx, claude); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetTank(ctx, types.ProviderClaude)
		if got.Remaining != 10 || got.Health != types.TankHealthRed {
			t.Errorf("after upsert remaining=%d health=%s", got.Remaining, got.Health)
		}

		all, err := s.ListTanks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 || all[0].Provider != types.ProviderClaude || all[1].Provider != types.ProviderGemini {
			t.Errorf("ListTanks returned %d tanks", len(all))
		}
	})

	t.Run("UsageLedger", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		records := []types.UsageRecord{
			{ID: "u1", Provider: types.ProviderClaude, BeadID: "gt-aaaaa", Kind: types.UsageReserve, Tokens: 1000, At: base.Add(-48 * time.Hour)},
			{ID: "u2", Provider: types.ProviderClaude, BeadID: "gt-bbbbb", Kind: types.UsageReserve, Tokens: 500, At: base},
			{ID: "u3", Provider: types.ProviderClaude, BeadID: "gt-bbbbb", Kind: types.UsageRefund, Tokens: -200, At: base.Add(time.Minute)},
			{ID: "u4", Provider: types.ProviderCodex, Kind: types.UsageReserve, Tokens: 50, At: base},
		}
		for _, r := range records {
			if err := s.RecordUsage(ctx, r); err != nil {
				t.Fatal(err)
			}
		}
		total, err := s.UsageSince(ctx, types.ProviderClaude, base.Add(-24*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if total != 300 {
			t.Errorf("UsageSince = %d, want 300", total)
		}
		list, err := s.ListUsage(ctx, "", base.Add(-time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 3 {
			t.Fatalf("ListUsage = %d records, want 3", len(list))
		}
		if list[0].ID != "u3" {
			t.Errorf("ListUsage[0] = %s, want newest u3", list[0].ID)
		}
	})

	t.Run("ConvoyLifecycle", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		c := types.ConvoyFromGoal("cv-abc", "ship feature", base)
		c.AddBead("gt-aaaaa")
		c.AddBead("gt-bbbbb")
		c.SetMetadata("origin", "test")
		if err := s.CreateConvoy(ctx, c); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateConvoy(ctx, c); !errors.Is(err, types.ErrAlreadyExists) {
			t.Errorf("duplicate convoy error = %v, want ErrAlreadyExists", err)
		}

		got, err := s.GetConvoy(ctx, "cv-abc")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "ship feature" || got.Goal != "ship feature" || got.Status != types.ConvoyStatusQueued {
			t.Errorf("convoy = %+v", got)
		}
		if len(got.Beads) != 2 || got.Beads[0] != "gt-aaaaa" || got.Beads[1] != "gt-bbbbb" {
			t.Errorf("Beads = %v", got.Beads)
		}
		if got.Metadata["origin"] != "test" {
			t.Errorf("Metadata = %v", got.Metadata)
		}

		done := base.Add(time.Hour)
		got.Status = types.ConvoyStatusCompleted
		got.CompletedAt = &done
		got.RemoveBead("gt-aaaaa")
		if err := s.UpdateConvoy(ctx, got); err != nil {
			t.Fatal(err)
		}
		other := types.NewConvoy("cv-def", "other", base.Add(time.Second))
		if err := s.CreateConvoy(ctx, other); err != nil {
			t.Fatal(err)
		}

		all, err := s.ListConvoys(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 {
			t.Errorf("ListConvoys = %d, want 2", len(all))
		}
		active, err := s.ListActiveConvoys(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(active) != 1 || active[0].ID != "cv-def" {
			t.Errorf("ListActiveConvoys = %d convoys", len(active))
		}
		reread, _ := s.GetConvoy(ctx, "cv-abc")
		if len(reread.Beads) != 1 || reread.CompletedAt == nil || !reread.CompletedAt.Equal(done) {
			t.Errorf("updated convoy = %+v", reread)
		}
	})

	t.Run("ReturnedValuesAreCopies", func(t *testing.T) {
		s := newStore()
		defer s.Close()
		b := newBead("gt-cpy01", types.PriorityNormal, base)
		if err := s.CreateBead(ctx, b); err != nil {
			t.Fatal(err)
		}
		b.Title = "mutated after create"
		got, _ := s.GetBead(ctx, "gt-cpy01")
		if got.Title == "mutated after create" {
			t.Error("store shares bead with caller")
		}
	})
}

func ids(beads []*types.Bead) []types.BeadID {
	out := make([]types.BeadID, len(beads))
	for i, b := range beads {
		out[i] = b.ID
	}
	return out
}
