package types

import (
	"strings"
	"testing"
	"time"
)

func TestConvoyProgress(t *testing.T) {
	tests := []struct {
		name     string
		statuses []BeadStatus
		want     float64
	}{
		{"empty", nil, 0},
		{"half", []BeadStatus{BeadStatusCompleted, BeadStatusPending}, 0.5},
		{"all done", []BeadStatus{BeadStatusCompleted, BeadStatusCompleted}, 1},
		{"failed counts in total", []BeadStatus{BeadStatusCompleted, BeadStatusFailed, BeadStatusInProgress, BeadStatusDeferred}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountStatuses(tt.statuses).Progress(); got != tt.want {
				t.Errorf("Progress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusCounts(t *testing.T) {
	c := CountStatuses([]BeadStatus{
		BeadStatusPending, BeadStatusQueued, BeadStatusAssigned, BeadStatusReviewing,
		BeadStatusCompleted, BeadStatusFailed, BeadStatusDeferred, BeadStatusCancelled,
	})
	want := StatusCounts{Pending: 2, InProgress: 2, Completed: 1, Failed: 1, Deferred: 1, Cancelled: 1}
	if c != want {
		t.Errorf("counts = %+v, want %+v", c, want)
	}
	if c.Total() != 8 {
		t.Errorf("Total = %d, want 8", c.Total())
	}
	if c.IsComplete() {
		t.Error("IsComplete true with pending beads")
	}
	if !c.HasFailures() {
		t.Error("HasFailures false")
	}
	done := CountStatuses([]BeadStatus{BeadStatusCompleted, BeadStatusCancelled})
	if !done.IsComplete() {
		t.Error("IsComplete false when all terminal without failures")
	}
	if (StatusCounts{}).IsComplete() {
		t.Error("empty convoy reported complete")
	}
}

func TestConvoyMembers(t *testing.T) {
	c := NewConvoy("cv-1", "batch", time.Now())
	if !c.AddBead("gt-aaaaa") {
		t.Error("first AddBead returned false")
	}
	if c.AddBead("gt-aaaaa") {
		t.Error("duplicate AddBead returned true")
	}
	c.AddBead("gt-bbbbb")
	if len(c.Beads) != 2 {
		t.Fatalf("len(Beads) = %d, want 2", len(c.Beads))
	}
	if !c.RemoveBead("gt-aaaaa") || c.RemoveBead("gt-aaaaa") {
		t.Error("RemoveBead result wrong")
	}
	if len(c.Beads) != 1 || c.Beads[0] != "gt-bbbbb" {
		t.Errorf("Beads = %v", c.Beads)
	}
}

func TestConvoyFromGoal(t *testing.T) {
	goal := strings.Repeat("build a thing ", 10)
	c := ConvoyFromGoal("cv-2", goal, time.Now())
	if c.Status != ConvoyStatusQueued {
		t.Errorf("Status = %s, want queued", c.Status)
	}
	if c.Goal != goal {
		t.Error("goal text not kept")
	}
	if n := len([]rune(c.Name)); n != 50 || !strings.HasSuffix(c.Name, "...") {
		t.Errorf("Name = %q (%d runes)", c.Name, n)
	}

	c.SetMetadata("source", "cli")
	clone := c.Clone()
	clone.Metadata["source"] = "changed"
	if c.Metadata["source"] != "cli" {
		t.Error("Clone shares metadata map")
	}
}
