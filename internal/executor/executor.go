// Package executor runs beads against LLM providers. The scheduler hands
// each dispatched bead to an Executor and applies the outcome itself.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Result is the outcome of a successful execution
type Result struct {
	Output       string        `json:"output"`
	ActualTokens int64         `json:"actual_tokens"`
	Model        string        `json:"model,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Executor runs one bead on one provider. Failures come back as errors
// that types.KindOf can classify; cancelling ctx asks the execution to stop.
type Executor interface {
	Submit(ctx context.Context, b *types.Bead, p types.Provider) (*Result, error)
}

// Resumer is an Executor that can tell whether a previous process left an
// execution of b's current dispatch behind that Submit would reattach to
type Resumer interface {
	Resumable(ctx context.Context, b *types.Bead) (bool, error)
}

// Func adapts a function to the Executor interface
type Func func(ctx context.Context, b *types.Bead, p types.Provider) (*Result, error)

// Submit calls f
func (f Func) Submit(ctx context.Context, b *types.Bead, p types.Provider) (*Result, error) {
	return f(ctx, b, p)
}

// BuildPrompt renders the text sent to a provider for a bead
func BuildPrompt(b *types.Bead) string {
	var prompt strings.Builder

	if b.OptimizedPrompt != "" {
		prompt.WriteString(b.OptimizedPrompt)
	} else {
		prompt.WriteString(fmt.Sprintf("Task: %s\n", b.Title))
		if b.Description != "" {
			prompt.WriteString(fmt.Sprintf("Description: %s\n", b.Description))
		}
	}

	if len(b.AcceptanceCriteria) > 0 {
		prompt.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range b.AcceptanceCriteria {
			prompt.WriteString("- " + c + "\n")
		}
	}

	return strings.TrimRight(prompt.String(), "\n")
}

// EstimateTokens approximates token usage at four characters per token
func EstimateTokens(texts ...string) int64 {
	var chars int
	for _, t := range texts {
		chars += len(t)
	}
	return int64((chars + 3) / 4)
}

// truncateString shortens s to at most n bytes for log previews
func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
