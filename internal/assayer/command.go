package assayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/rigs/internal/executor"
	"github.com/cloud-shuttle/rigs/pkg/telemetry"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// CommandAssayer runs a planner command with a planning prompt on stdin
// and reads drafts from its stdout
type CommandAssayer struct {
	Command string
	Args    []string
	Model   string
	Timeout time.Duration
	WorkDir string
	Verbose bool
}

// Decompose implements Assayer
func (a *CommandAssayer) Decompose(ctx context.Context, goal string) ([]Draft, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("empty goal")
	}
	if a.Verbose {
		log.Printf("📋 Decomposing goal with %s", a.Command)
	}
	out, err := runCommand(ctx, a.Command, a.Args, a.Model, a.Timeout, a.WorkDir, BuildPlanPrompt(goal), a.Verbose)
	if err != nil {
		return nil, fmt.Errorf("running planner: %w", err)
	}
	drafts, err := ParseDrafts([]byte(out), false)
	if err != nil {
		return nil, fmt.Errorf("parsing planner output: %w", err)
	}
	return drafts, nil
}

// CommandOptimizer rewrites a bead's prompt by running a command with the
// current prompt on stdin. It satisfies the foreman's Optimizer.
type CommandOptimizer struct {
	Command string
	Args    []string
	Model   string
	Timeout time.Duration
}

// Optimize returns the command's trimmed stdout as the new prompt
func (o *CommandOptimizer) Optimize(ctx context.Context, b *types.Bead) (string, error) {
	ctx, span := telemetry.StartBeadSpan(ctx, "rigs.bead.optimize", b, attribute.String(telemetry.KeyModel, o.Model))
	defer span.End()

	out, err := runCommand(ctx, o.Command, o.Args, o.Model, o.Timeout, "", BuildOptimizePrompt(b), false)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryAssayer)
		return "", fmt.Errorf("running optimizer: %w", err)
	}
	prompt := strings.TrimSpace(out)
	if prompt == "" {
		return "", fmt.Errorf("optimizer returned an empty prompt")
	}
	return prompt, nil
}

func runCommand(ctx context.Context, path string, args []string, model string, timeout time.Duration, dir, stdin string, verbose bool) (string, error) {
	if path == "" {
		return "", types.NewError(types.KindConfig, "", "no command configured", nil)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 500 * time.Millisecond
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = os.Environ()
	if model != "" {
		cmd.Env = append(cmd.Env, "RIGS_MODEL="+model)
	}

	var outputBuf, errBuf strings.Builder
	if verbose {
		cmd.Stdout = io.MultiWriter(os.Stdout, &outputBuf)
		cmd.Stderr = io.MultiWriter(os.Stderr, &errBuf)
	} else {
		cmd.Stdout = &outputBuf
		cmd.Stderr = &errBuf
	}

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", types.NewError(types.KindTransient, "", fmt.Sprintf("timed out after %v", timeout), context.DeadlineExceeded)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", types.NewError(types.KindConfig, "", fmt.Sprintf("command %q not found", path), err)
		}
		if msg := strings.TrimSpace(errBuf.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return outputBuf.String(), nil
}

// BuildPlanPrompt asks a planner to break goal into JSON lines drafts
func BuildPlanPrompt(goal string) string {
	return fmt.Sprintf(`Break the following goal into small, independently executable tasks.

## Goal

%s

## Output Format

Respond ONLY with JSON lines, one task object per line, in execution order:

{"title": "...", "description": "...", "task_type": "...", "priority": "normal", "estimated_tokens": 3000, "acceptance_criteria": ["..."], "depends_on": ["1"]}

- task_type is one of: %s
- priority is one of: low, normal, high, critical
- depends_on lists the 1-based line numbers of tasks that must finish first
- titles start with an action verb
- acceptance criteria are specific and testable
`, strings.TrimSpace(goal), strings.Join(taskTypeNames(), ", "))
}

// BuildOptimizePrompt asks an optimizer to sharpen the prompt of b
func BuildOptimizePrompt(b *types.Bead) string {
	return fmt.Sprintf(`Rewrite the following %s task as a precise, self-contained prompt for a coding agent. Keep every requirement. Respond with the prompt only.

%s
`, b.TaskType, executor.BuildPrompt(b))
}

func taskTypeNames() []string {
	out := make([]string, len(types.AllTaskTypes))
	for i, tt := range types.AllTaskTypes {
		out[i] = string(tt)
	}
	return out
}
