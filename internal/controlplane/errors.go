package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentExists    = errors.New("document already exists")
	ErrDocumentLocked    = errors.New("document is locked by another process")
	ErrStepNotFound      = errors.New("step not found")
	ErrStepCompleted     = errors.New("step already completed")
	ErrNoCode            = errors.New("step has no executable code")
	ErrGeneratorDisabled = errors.New("text generator not configured")
	ErrEmptyPrompt       = errors.New("prompt is required")
	ErrGeneratedInvalid  = errors.New("generated document failed validation")
)
