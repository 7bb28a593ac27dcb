package assayer

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

func TestParseDraftsStrict(t *testing.T) {
	data := []byte(`# plan for login
{"title": "Research OAuth2 flows", "task_type": "research", "estimated_tokens": 2000}
{"title": "Design endpoints", "task_type": "design", "depends_on": ["1"]}

{"title": "Write tests", "task_type": "test", "depends_on": ["#1", "2"]}
`)
	drafts, err := ParseDrafts(data, true)
	if err != nil {
		t.Fatalf("ParseDrafts failed: %v", err)
	}
	if len(drafts) != 3 {
		t.Fatalf("got %d drafts, want 3", len(drafts))
	}
	if drafts[2].Title != "Write tests" || len(drafts[2].DependsOn) != 2 {
		t.Errorf("draft 3 = %+v", drafts[2])
	}

	if _, err := ParseDrafts([]byte("Here is the plan:\n{\"title\": \"x\"}"), true); err == nil {
		t.Error("strict parsing should reject prose")
	}
	if _, err := ParseDrafts([]byte(`{"title": ""}`), true); err == nil {
		t.Error("a draft without a title should fail")
	}
	if _, err := ParseDrafts([]byte(""), true); err == nil {
		t.Error("an empty plan should fail")
	}
}

func TestParseDraftsLenient(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{
			name: "prose around lines",
			data: "Sure! Here are the tasks:\n{\"title\": \"a\"}\n{\"title\": \"b\"}\nLet me know if you need more.",
			want: 2,
		},
		{
			name: "fenced array",
			data: "```json\n[{\"title\": \"a\"}, {\"title\": \"b\"}, {\"title\": \"c\"}]\n```",
			want: 3,
		},
		{
			name: "inline array",
			data: "The plan is [{\"title\": \"a\", \"acceptance_criteria\": [\"x\"]}] as requested.",
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drafts, err := ParseDrafts([]byte(tt.data), false)
			if err != nil {
				t.Fatalf("ParseDrafts failed: %v", err)
			}
			if len(drafts) != tt.want {
				t.Errorf("got %d drafts, want %d", len(drafts), tt.want)
			}
		})
	}
}

func TestDraftBead(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b, err := Draft{
		Title:              "  Add Google provider ",
		Priority:           "HIGH",
		PreferredProvider:  "Codex",
		AcceptanceCriteria: []string{"login works", " "},
	}.Bead(now)
	if err != nil {
		t.Fatalf("Bead failed: %v", err)
	}
	if b.Title != "Add Google provider" || b.TaskType != types.TaskTypeImplementation {
		t.Errorf("bead = %q (%s)", b.Title, b.TaskType)
	}
	if b.Priority != types.PriorityHigh || b.PreferredProvider != types.ProviderCodex {
		t.Errorf("priority/provider = %s/%s", b.Priority, b.PreferredProvider)
	}
	if b.EstimatedTokens != DefaultEstimatedTokens {
		t.Errorf("estimate = %d, want default %d", b.EstimatedTokens, DefaultEstimatedTokens)
	}
	if len(b.AcceptanceCriteria) != 1 {
		t.Errorf("criteria = %v, want blank ones dropped", b.AcceptanceCriteria)
	}

	for _, bad := range []Draft{
		{Title: ""},
		{Title: "x", TaskType: "dance"},
		{Title: "x", Priority: "urgent"},
		{Title: "x", PreferredProvider: "skynet"},
		{Title: "x", EstimatedTokens: -1},
	} {
		if _, err := bad.Bead(now); err == nil {
			t.Errorf("Bead(%+v) succeeded, want error", bad)
		}
	}
}

func TestJSONLAssayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.jsonl")
	if err := os.WriteFile(path, []byte("{\"title\": \"a\"}\n{\"title\": \"b\", \"depends_on\": [\"1\"]}\n"), 0644); err != nil {
		t.Fatalf("Failed to write plan: %v", err)
	}
	drafts, err := (&JSONLAssayer{Path: path}).Decompose(context.Background(), "ignored")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(drafts) != 2 {
		t.Errorf("got %d drafts, want 2", len(drafts))
	}

	if _, err := (&JSONLAssayer{Path: filepath.Join(t.TempDir(), "missing")}).Decompose(context.Background(), ""); err == nil {
		t.Error("a missing plan file should fail")
	}
}

func TestSingleAssayer(t *testing.T) {
	goal := strings.Repeat("improve the login page ", 10)
	drafts, err := (&SingleAssayer{}).Decompose(context.Background(), goal)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(drafts) != 1 || drafts[0].TaskType != string(types.TaskTypeImplementation) {
		t.Fatalf("drafts = %+v", drafts)
	}
	if n := len([]rune(drafts[0].Title)); n > 80 {
		t.Errorf("title has %d runes, want at most 80", n)
	}
	if drafts[0].Description != strings.TrimSpace(goal) {
		t.Error("description should carry the whole goal")
	}
	if _, err := (&SingleAssayer{}).Decompose(context.Background(), "  "); err == nil {
		t.Error("an empty goal should fail")
	}
}

type assayerFunc func(ctx context.Context, goal string) ([]Draft, error)

func (f assayerFunc) Decompose(ctx context.Context, goal string) ([]Draft, error) { return f(ctx, goal) }

func TestFallback(t *testing.T) {
	broken := assayerFunc(func(ctx context.Context, goal string) ([]Draft, error) {
		return nil, errors.New("planner offline")
	})
	a := &Fallback{Primary: broken, Secondary: &SingleAssayer{}, Logger: log.New(io.Discard, "", 0)}
	drafts, err := a.Decompose(context.Background(), "ship it")
	if err != nil || len(drafts) != 1 || drafts[0].Title != "ship it" {
		t.Errorf("Decompose = %+v, %v; want the single draft", drafts, err)
	}
}
