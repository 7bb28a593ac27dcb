package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/telemetry"
	"github.com/cloud-shuttle/rigs/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// ProviderCommand says how to invoke one provider's CLI
type ProviderCommand struct {
	// Path is the binary to run; defaults to the provider name
	Path string
	// Model is passed with --model when set
	Model string
}

// CommandExecutor runs beads through provider command line tools
// (claude, codex, gemini)
type CommandExecutor struct {
	commands map[types.Provider]ProviderCommand
	timeout  time.Duration
	workDir  string
	verbose  bool
}

// NewCommandExecutor creates an executor. A zero timeout means no limit
// beyond the caller's context.
func NewCommandExecutor(commands map[types.Provider]ProviderCommand, timeout time.Duration, workDir string) *CommandExecutor {
	return &CommandExecutor{
		commands: commands,
		timeout:  timeout,
		workDir:  workDir,
	}
}

// SetVerbose enables or disables streaming provider output to the terminal
func (e *CommandExecutor) SetVerbose(v bool) {
	e.verbose = v
}

func (e *CommandExecutor) command(p types.Provider) ProviderCommand {
	c := e.commands[p]
	if c.Path == "" {
		c.Path = string(p)
	}
	return c
}

// Args builds the command line for a provider
func Args(p types.Provider, prompt, model string) []string {
	var args []string
	switch p {
	case types.ProviderClaude:
		args = []string{"-p", prompt, "--output-format", "json"}
		if model != "" {
			args = append(args, "--model", model)
		}
	case types.ProviderCodex:
		args = []string{"exec", "--full-auto"}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, prompt)
	default:
		args = []string{"-p", prompt}
		if model != "" {
			args = append(args, "--model", model)
		}
	}
	return args
}

// Submit runs the bead's prompt through the provider's CLI
func (e *CommandExecutor) Submit(ctx context.Context, b *types.Bead, p types.Provider) (*Result, error) {
	if !p.IsExecution() {
		return nil, types.NewError(types.KindProviderNotConfigured, p, "not an execution provider", nil)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ctx, span := telemetry.StartBeadSpan(ctx, telemetry.SpanBeadExecute, b, attribute.String(telemetry.KeyProvider, string(p)))
	defer span.End()

	c := e.command(p)
	prompt := BuildPrompt(b)
	if e.verbose {
		log.Printf("🤖 Sending %s to %s (length: %d chars)", b.ID, p.DisplayName(), len(prompt))
		log.Printf("📝 Prompt preview: %s", truncateString(prompt, 200))
	}

	cmd := exec.CommandContext(ctx, c.Path, Args(p, prompt, c.Model)...)
	cmd.Dir = e.workDir
	cmd.WaitDelay = 500 * time.Millisecond

	var outputBuf, errBuf strings.Builder
	if e.verbose {
		cmd.Stdout = io.MultiWriter(os.Stdout, &outputBuf)
		cmd.Stderr = io.MultiWriter(os.Stderr, &errBuf)
	} else {
		cmd.Stdout = &outputBuf
		cmd.Stderr = &errBuf
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		failure := classifyFailure(ctx, p, err, outputBuf.String()+errBuf.String(), duration)
		telemetry.RecordError(span, failure, telemetry.ErrorCategoryExecutor)
		if e.verbose {
			log.Printf("❌ %s failed on %s after %v: %v", b.ID, p, duration, failure)
		}
		return nil, failure
	}

	res := &Result{Model: c.Model, Duration: duration}
	res.Output, res.ActualTokens = parseOutput(p, outputBuf.String())
	if res.ActualTokens <= 0 {
		res.ActualTokens = EstimateTokens(prompt, res.Output)
	}
	if res.Model == "" {
		res.Model = p.DefaultModel()
	}
	span.SetAttributes(attribute.Int64(telemetry.KeyTokens, res.ActualTokens))
	if e.verbose {
		log.Printf("✅ %s completed on %s in %v (%d tokens)", b.ID, p, duration, res.ActualTokens)
	}
	return res, nil
}

// claudeOutput is the result envelope printed by `claude --output-format json`
type claudeOutput struct {
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// parseOutput extracts the answer and token usage from a provider's stdout.
// Tokens are 0 when the output carries no usage block.
func parseOutput(p types.Provider, stdout string) (string, int64) {
	if p != types.ProviderClaude {
		return strings.TrimSpace(stdout), 0
	}
	var out claudeOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &out); err != nil {
		return strings.TrimSpace(stdout), 0
	}
	u := out.Usage
	return out.Result, u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

var rateLimitMarkers = []string{"rate limit", "rate_limit", "429", "quota", "usage limit", "too many requests"}

// classifyFailure turns a failed command into a classified error
func classifyFailure(ctx context.Context, p types.Provider, err error, output string, duration time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.KindTransient, p, fmt.Sprintf("timed out after %v", duration.Round(time.Millisecond)), context.DeadlineExceeded)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: execution cancelled: %w", p, context.Canceled)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return types.NewError(types.KindConfig, p, "command not found", err)
	}

	lower := strings.ToLower(output)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return types.NewError(types.KindRateLimited, p, strings.TrimSpace(truncateString(output, 300)), err)
		}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	msg := fmt.Sprintf("exited with code %d", exitCode)
	if trimmed := strings.TrimSpace(output); trimmed != "" {
		msg += ": " + truncateString(trimmed, 300)
	}
	return types.NewError(types.KindProviderAPI, p, msg, err)
}

// CheckInstalled verifies the provider's CLI is available
func (e *CommandExecutor) CheckInstalled(p types.Provider) error {
	c := e.command(p)
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return types.NewError(types.KindConfig, p, fmt.Sprintf("%s not found in PATH", c.Path), err)
	}
	output, err := exec.Command(path, "--version").CombinedOutput()
	if err != nil {
		return types.NewError(types.KindConfig, p, fmt.Sprintf("%s --version failed: %s", path, strings.TrimSpace(string(output))), err)
	}
	return nil
}
