// Package connectors defines the step executor interface for kosmos.
package connectors

import (
	"context"
	"time"
)

// ExecStatus classifies an execution outcome.
type ExecStatus string

const (
	// ExecSuccess means the script ran to completion without throwing.
	ExecSuccess ExecStatus = "success"
	// ExecFailed means the script threw, failed to compile or timed out.
	ExecFailed ExecStatus = "failed"
	// ExecManual means the language is not executable here and the step
	// has to be carried out by hand. It is not a failure.
	ExecManual ExecStatus = "manual"
)

// ExecResult holds the result of running one step's code block.
type ExecResult struct {
	Status   ExecStatus    `json:"status"`
	Language string        `json:"language"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Succeeded reports whether the script ran without error.
func (r *ExecResult) Succeeded() bool {
	return r != nil && r.Status == ExecSuccess
}

// Manual reports whether the result is the "requires manual execution"
// outcome for an unsupported language.
func (r *ExecResult) Manual() bool {
	return r != nil && r.Status == ExecManual
}

// Connector defines the interface for executing step code.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs code written in language and returns the captured
	// result. Script errors and timeouts are reported in the result, not
	// as an error.
	Execute(ctx context.Context, code, language string) (*ExecResult, error)

	// IsAllowed reports whether language can be executed by this connector.
	IsAllowed(language string) bool
}

// ManualResult builds the "requires manual execution" result for language.
func ManualResult(language string) *ExecResult {
	lang := language
	if lang == "" {
		lang = "(none)"
	}
	return &ExecResult{
		Status:   ExecManual,
		Language: language,
		Output:   "Language " + lang + " requires manual execution",
	}
}
