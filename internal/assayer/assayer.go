// Package assayer breaks goals into draft beads and materialises plans
// into convoys
package assayer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloud-shuttle/rigs/internal/executor"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// DefaultEstimatedTokens is used for drafts that carry no estimate and
// whose text would estimate lower
const DefaultEstimatedTokens int64 = 2_000

// Draft is a bead proposed by an assayer. DependsOn entries are 1-based
// positions in the plan ("1", "#1") or existing bead ids.
type Draft struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	TaskType           string   `json:"task_type,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	EstimatedTokens    int64    `json:"estimated_tokens,omitempty"`
	PreferredProvider  string   `json:"preferred_provider,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// Assayer decomposes a goal into ordered drafts
type Assayer interface {
	Decompose(ctx context.Context, goal string) ([]Draft, error)
}

// Bead converts a draft into an unsaved bead without dependencies.
// Empty task type and priority default to implementation and normal.
func (d Draft) Bead(now time.Time) (*types.Bead, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return nil, fmt.Errorf("missing title")
	}

	tt := types.TaskTypeImplementation
	if d.TaskType != "" {
		parsed, err := types.ParseTaskType(d.TaskType)
		if err != nil {
			return nil, err
		}
		tt = parsed
	}

	b := types.NewBead(title, tt, now)
	b.Description = strings.TrimSpace(d.Description)
	if d.Priority != "" {
		prio, err := types.ParsePriority(d.Priority)
		if err != nil {
			return nil, err
		}
		b.Priority = prio
	}
	if d.PreferredProvider != "" {
		p, err := types.ParseProvider(d.PreferredProvider)
		if err != nil {
			return nil, err
		}
		b.PreferredProvider = p
	}
	if d.EstimatedTokens < 0 {
		return nil, fmt.Errorf("negative token estimate %d", d.EstimatedTokens)
	}
	b.EstimatedTokens = d.EstimatedTokens
	if b.EstimatedTokens == 0 {
		b.EstimatedTokens = max(DefaultEstimatedTokens, executor.EstimateTokens(b.Title, b.Description))
	}
	for _, c := range d.AcceptanceCriteria {
		if c = strings.TrimSpace(c); c != "" {
			b.AcceptanceCriteria = append(b.AcceptanceCriteria, c)
		}
	}
	return b, nil
}

var (
	fencedJSON = regexp.MustCompile("```(?:json|jsonl)?\n([\\s\\S]*?)\n?```")
	jsonArray  = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
)

// ParseDrafts reads drafts from a JSON array or from JSON lines. Strict
// parsing rejects any line that is not a draft object; lenient parsing
// skips prose and code fences around the JSON.
func ParseDrafts(data []byte, strict bool) ([]Draft, error) {
	text := strings.TrimSpace(string(data))
	if !strict {
		if m := fencedJSON.FindStringSubmatch(text); len(m) > 1 {
			text = strings.TrimSpace(m[1])
		}
	}

	if !strict && !strings.HasPrefix(text, "[") && !looksLikeJSONL(text) {
		if arr := jsonArray.FindString(text); arr != "" {
			text = arr
		}
	}
	if strings.HasPrefix(text, "[") {
		var drafts []Draft
		if err := json.Unmarshal([]byte(text), &drafts); err != nil {
			return nil, fmt.Errorf("parsing draft array: %w", err)
		}
		return drafts, validateDrafts(drafts)
	}

	var drafts []Draft
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		if raw[0] != '{' {
			if strict {
				return nil, fmt.Errorf("line %d: expected a JSON object", line)
			}
			continue
		}
		var d Draft
		if err := json.Unmarshal(raw, &d); err != nil {
			if strict {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}
		drafts = append(drafts, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading drafts: %w", err)
	}
	return drafts, validateDrafts(drafts)
}

func looksLikeJSONL(text string) bool {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	return strings.HasPrefix(first, "{") && strings.HasSuffix(first, "}")
}

func validateDrafts(drafts []Draft) error {
	if len(drafts) == 0 {
		return fmt.Errorf("no drafts found")
	}
	for i, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			return fmt.Errorf("draft %d: missing title", i+1)
		}
	}
	return nil
}

// JSONLAssayer reads a prepared plan from a JSON lines file and ignores
// the goal text
type JSONLAssayer struct {
	Path string
}

// Decompose implements Assayer
func (a *JSONLAssayer) Decompose(ctx context.Context, goal string) ([]Draft, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	drafts, err := ParseDrafts(data, true)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", a.Path, err)
	}
	return drafts, nil
}

// SingleAssayer turns the whole goal into one draft
type SingleAssayer struct {
	TaskType types.TaskType
}

// Decompose implements Assayer
func (a *SingleAssayer) Decompose(ctx context.Context, goal string) ([]Draft, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("empty goal")
	}
	tt := a.TaskType
	if tt == "" {
		tt = types.TaskTypeImplementation
	}
	return []Draft{{
		Title:       truncateRunes(goal, 80),
		Description: goal,
		TaskType:    string(tt),
	}}, nil
}

// Fallback uses Secondary whenever Primary fails
type Fallback struct {
	Primary   Assayer
	Secondary Assayer
	Logger    *log.Logger
}

// Decompose implements Assayer
func (a *Fallback) Decompose(ctx context.Context, goal string) ([]Draft, error) {
	drafts, err := a.Primary.Decompose(ctx, goal)
	if err == nil {
		return drafts, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	logger := a.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("⚠️  Planner failed, falling back: %v", err)
	return a.Secondary.Decompose(ctx, goal)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
