package backpressure

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// CheckType defines the type of review check
type CheckType string

const (
	CheckTypeCommand CheckType = "command" // Run a command with the output on stdin
	CheckTypeRegex   CheckType = "regex"   // Match the output against a pattern
)

// Check is one review check applied to a bead's output
type Check struct {
	Name    string    `toml:"name" json:"name"`
	Type    CheckType `toml:"type" json:"type" jsonschema:"enum=command,enum=regex"`
	Command string    `toml:"command,omitempty" json:"command,omitempty"`
	Args    []string  `toml:"args,omitempty" json:"args,omitempty"`
	Pattern string    `toml:"pattern,omitempty" json:"pattern,omitempty"`
	// Negate fails the check when the pattern matches
	Negate bool `toml:"negate,omitempty" json:"negate,omitempty"`
	// TaskTypes limits the check to some task types; empty applies to all
	TaskTypes []types.TaskType `toml:"task_types,omitempty" json:"task_types,omitempty"`
}

// CheckResult is the result of one check
type CheckResult struct {
	Check    string        `json:"check"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Gate reviews completed beads. A bead passes when every applicable check passes.
type Gate struct {
	checks   []Check
	patterns map[string]*regexp.Regexp
	timeout  time.Duration
	workDir  string
}

// NewGate validates checks and compiles their patterns
func NewGate(checks []Check, timeout time.Duration, workDir string) (*Gate, error) {
	g := &Gate{
		checks:   checks,
		patterns: make(map[string]*regexp.Regexp),
		timeout:  timeout,
		workDir:  workDir,
	}
	for i, c := range checks {
		if c.Name == "" {
			return nil, fmt.Errorf("review check %d: name is required", i+1)
		}
		switch c.Type {
		case CheckTypeCommand:
			if c.Command == "" {
				return nil, fmt.Errorf("review check %q: command is required", c.Name)
			}
		case CheckTypeRegex:
			re, err := regexp.Compile(c.Pattern)
			if err != nil {
				return nil, fmt.Errorf("review check %q: %w", c.Name, err)
			}
			g.patterns[c.Name] = re
		default:
			return nil, fmt.Errorf("review check %q: unknown type %q", c.Name, c.Type)
		}
	}
	return g, nil
}

// Review returns nil when the bead passes, otherwise an error naming the
// first failing check
func (g *Gate) Review(ctx context.Context, b *types.Bead) error {
	for _, r := range g.Run(ctx, b) {
		if !r.Passed {
			return fmt.Errorf("review check %q failed: %s", r.Check, r.Message)
		}
	}
	return nil
}

// Run applies every check relevant to the bead's task type
func (g *Gate) Run(ctx context.Context, b *types.Bead) []CheckResult {
	var results []CheckResult
	for _, c := range g.checks {
		if len(c.TaskTypes) > 0 && !slices.Contains(c.TaskTypes, b.TaskType) {
			continue
		}
		start := time.Now()
		result := CheckResult{Check: c.Name}
		switch c.Type {
		case CheckTypeCommand:
			g.runCommandCheck(ctx, c, b, &result)
		case CheckTypeRegex:
			g.runRegexCheck(c, b, &result)
		}
		result.Duration = time.Since(start)
		results = append(results, result)
	}
	return results
}

// runCommandCheck runs the check's command with the bead output on stdin
func (g *Gate) runCommandCheck(ctx context.Context, c Check, b *types.Bead, result *CheckResult) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = g.workDir
	cmd.Stdin = strings.NewReader(b.Output)
	cmd.Env = append(os.Environ(),
		"RIGS_BEAD_ID="+string(b.ID),
		"RIGS_TASK_TYPE="+string(b.TaskType),
		"RIGS_PROVIDER="+string(b.AssignedProvider),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		result.Passed = false
		result.Message = fmt.Sprintf("command failed: %v", err)
		if trimmed := strings.TrimSpace(string(output)); trimmed != "" {
			result.Message += ": " + trimmed
		}
		return
	}
	result.Passed = true
	result.Message = fmt.Sprintf("command succeeded: %s %s", c.Command, strings.Join(c.Args, " "))
}

// runRegexCheck matches the bead output against the check's pattern
func (g *Gate) runRegexCheck(c Check, b *types.Bead, result *CheckResult) {
	matched := g.patterns[c.Name].MatchString(b.Output)
	switch {
	case matched && c.Negate:
		result.Message = fmt.Sprintf("output matches forbidden pattern %q", c.Pattern)
	case !matched && !c.Negate:
		result.Message = fmt.Sprintf("output does not match %q", c.Pattern)
	default:
		result.Passed = true
		result.Message = "pattern check passed"
	}
}
