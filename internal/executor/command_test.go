package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// createMockScript writes a shell script that prints stdout, sleeps and
// exits with exitCode
func createMockScript(t *testing.T, dir, name, stdout string, exitCode int, sleepMs int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := fmt.Sprintf(`#!/bin/bash
sleep %s
cat <<'MOCK_EOF'
%s
MOCK_EOF
exit %d
`, fmt.Sprintf("%.3f", float64(sleepMs)/1000), stdout, exitCode)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to create mock script: %v", err)
	}
	return path
}

func testBead() *types.Bead {
	b := types.NewBead("Add login endpoint", types.TaskTypeImplementation, time.Now())
	b.Description = "Implement POST /login"
	b.AcceptanceCriteria = []string{"returns 200 on success", "returns 401 on bad password"}
	return b
}

func TestCommandExecutorClaudeUsage(t *testing.T) {
	dir := t.TempDir()
	out := `{"result":"done","is_error":false,"usage":{"input_tokens":1200,"output_tokens":300,"cache_read_input_tokens":500}}`
	path := createMockScript(t, dir, "claude", out, 0, 0)

	e := NewCommandExecutor(map[types.Provider]ProviderCommand{
		types.ProviderClaude: {Path: path, Model: "claude-opus"},
	}, 10*time.Second, dir)

	res, err := e.Submit(context.Background(), testBead(), types.ProviderClaude)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Output != "done" {
		t.Errorf("Expected output 'done', got %q", res.Output)
	}
	if res.ActualTokens != 2000 {
		t.Errorf("Expected 2000 tokens, got %d", res.ActualTokens)
	}
	if res.Model != "claude-opus" {
		t.Errorf("Expected model claude-opus, got %q", res.Model)
	}
}

func TestCommandExecutorEstimatesTokens(t *testing.T) {
	dir := t.TempDir()
	path := createMockScript(t, dir, "codex", "patched 3 files", 0, 0)

	e := NewCommandExecutor(map[types.Provider]ProviderCommand{
		types.ProviderCodex: {Path: path},
	}, 10*time.Second, dir)

	b := testBead()
	res, err := e.Submit(context.Background(), b, types.ProviderCodex)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Output != "patched 3 files" {
		t.Errorf("Unexpected output %q", res.Output)
	}
	want := EstimateTokens(BuildPrompt(b), res.Output)
	if res.ActualTokens != want {
		t.Errorf("Expected estimated %d tokens, got %d", want, res.ActualTokens)
	}
	if res.Model != types.ProviderCodex.DefaultModel() {
		t.Errorf("Expected default model, got %q", res.Model)
	}
}

func TestCommandExecutorRateLimited(t *testing.T) {
	dir := t.TempDir()
	path := createMockScript(t, dir, "claude", "Error: 429 Too Many Requests", 1, 0)

	e := NewCommandExecutor(map[types.Provider]ProviderCommand{
		types.ProviderClaude: {Path: path},
	}, 10*time.Second, dir)

	_, err := e.Submit(context.Background(), testBead(), types.ProviderClaude)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if kind := types.KindOf(err); kind != types.KindRateLimited {
		t.Errorf("Expected rate_limited, got %s (%v)", kind, err)
	}
}

func TestCommandExecutorProviderError(t *testing.T) {
	dir := t.TempDir()
	path := createMockScript(t, dir, "gemini", "invalid request body", 2, 0)

	e := NewCommandExecutor(map[types.Provider]ProviderCommand{
		types.ProviderGemini: {Path: path},
	}, 10*time.Second, dir)

	_, err := e.Submit(context.Background(), testBead(), types.ProviderGemini)
	if kind := types.KindOf(err); kind != types.KindProviderAPI {
		t.Fatalf("Expected provider_api, got %s (%v)", kind, err)
	}
	if !strings.Contains(err.Error(), "exited with code 2") {
		t.Errorf("Expected exit code in error, got: %v", err)
	}
}

func TestCommandExecutorTimeout(t *testing.T) {
	dir := t.TempDir()
	path := createMockScript(t, dir, "claude", "{}", 0, 2000)

	e := NewCommandExecutor(map[types.Provider]ProviderCommand{
		types.ProviderClaude: {Path: path},
	}, 100*time.Millisecond, dir)

	_, err := e.Submit(context.Background(), testBead(), types.ProviderClaude)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if kind := types.KindOf(err); kind != types.KindTransient {
		t.Errorf("Expected transient, got %s", kind)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected 'timed out' in error, got: %v", err)
	}
}

func TestCommandExecutorCancelled(t *testing.T) {
	dir := t.TempDir()
	path := createMockScript(t, dir, "claude", "{}", 0, 2000)

	e := NewCommandExecutor(map[types.Provider]ProviderCommand{
		types.ProviderClaude: {Path: path},
	}, 0, dir)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := e.Submit(ctx, testBead(), types.ProviderClaude)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

func TestCommandExecutorMissingBinary(t *testing.T) {
	e := NewCommandExecutor(map[types.Provider]ProviderCommand{
		types.ProviderClaude: {Path: "/nonexistent/claude"},
	}, time.Second, t.TempDir())

	_, err := e.Submit(context.Background(), testBead(), types.ProviderClaude)
	if kind := types.KindOf(err); kind != types.KindConfig {
		t.Errorf("Expected config error, got %s (%v)", kind, err)
	}
	if err := e.CheckInstalled(types.ProviderClaude); err == nil {
		t.Error("Expected CheckInstalled to fail for missing binary")
	}
}

func TestCommandExecutorRejectsAssayerProvider(t *testing.T) {
	e := NewCommandExecutor(nil, time.Second, t.TempDir())
	_, err := e.Submit(context.Background(), testBead(), types.ProviderOllama)
	if kind := types.KindOf(err); kind != types.KindProviderNotConfigured {
		t.Errorf("Expected provider_not_configured, got %s", kind)
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		provider types.Provider
		model    string
		want     string
	}{
		{types.ProviderClaude, "", "-p hi --output-format json"},
		{types.ProviderClaude, "opus", "-p hi --output-format json --model opus"},
		{types.ProviderCodex, "", "exec --full-auto hi"},
		{types.ProviderGemini, "flash", "-p hi --model flash"},
	}
	for _, tt := range tests {
		got := strings.Join(Args(tt.provider, "hi", tt.model), " ")
		if got != tt.want {
			t.Errorf("Args(%s, %q) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	b := testBead()
	prompt := BuildPrompt(b)
	for _, want := range []string{"Task: Add login endpoint", "Description: Implement POST /login", "- returns 401 on bad password"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Prompt missing %q:\n%s", want, prompt)
		}
	}

	b.OptimizedPrompt = "Write the handler."
	prompt = BuildPrompt(b)
	if !strings.HasPrefix(prompt, "Write the handler.") || strings.Contains(prompt, "Task:") {
		t.Errorf("Expected optimized prompt to replace title, got:\n%s", prompt)
	}
}

func TestFakeScriptsInOrder(t *testing.T) {
	f := NewFake()
	b := testBead()
	b.EstimatedTokens = 500
	f.Fail(b.ID, types.NewError(types.KindTransient, types.ProviderClaude, "flaky", nil))
	f.Succeed(b.ID, "fixed", 700)

	if _, err := f.Submit(context.Background(), b, types.ProviderClaude); types.KindOf(err) != types.KindTransient {
		t.Fatalf("Expected scripted transient failure, got %v", err)
	}
	res, err := f.Submit(context.Background(), b, types.ProviderClaude)
	if err != nil || res.ActualTokens != 700 {
		t.Fatalf("Expected scripted success with 700 tokens, got %+v, %v", res, err)
	}
	res, err = f.Submit(context.Background(), b, types.ProviderClaude)
	if err != nil || res.ActualTokens != 500 {
		t.Fatalf("Expected default success with estimate, got %+v, %v", res, err)
	}
	if n := len(f.Calls()); n != 3 {
		t.Errorf("Expected 3 calls, got %d", n)
	}
}

func TestDurableOutcomeUnwrap(t *testing.T) {
	reset := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	out := outcomeFromError(&types.Error{Kind: types.KindRateLimited, Provider: types.ProviderClaude, Msg: "slow down", ResetAt: reset})
	_, err := out.unwrap(types.ProviderClaude)

	var classified *types.Error
	if !errors.As(err, &classified) {
		t.Fatalf("Expected *types.Error, got %T", err)
	}
	if classified.Kind != types.KindRateLimited || !classified.ResetAt.Equal(reset) || classified.Msg != "slow down" {
		t.Errorf("Outcome lost detail: %+v", classified)
	}

	_, err = outcomeFromError(fmt.Errorf("x: %w", context.Canceled)).unwrap(types.ProviderCodex)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation to survive, got %v", err)
	}
}
