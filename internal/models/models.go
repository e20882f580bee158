// Package models defines the persisted record types for kosmos.
package models

import "time"

// RunStatus mirrors the executor outcome of a step run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusManual  RunStatus = "manual"
	RunStatusSkipped RunStatus = "skipped"
)

// Run records one execution (or manual completion) of a document step.
type Run struct {
	ID         string    `json:"id"`
	Document   string    `json:"document"`
	StepNumber int       `json:"step"`
	Language   string    `json:"language,omitempty"`
	Code       string    `json:"code,omitempty"`
	Status     RunStatus `json:"status"`
	Output     string    `json:"output"`
	Error      string    `json:"error,omitempty"`
	Applied    bool      `json:"applied"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// BackupRecord indexes a backup file written before a mutation.
type BackupRecord struct {
	ID        string    `json:"id"`
	Document  string    `json:"document"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Generation records one request to the text generator.
type Generation struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	Document  string    `json:"document,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lock is a cross-process lock on a document, held while it is rewritten.
type Lock struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"` // document name
	HolderID   string    `json:"holder_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Document   string    `json:"document,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
