// Package audit records Process Decision Records for every document
// mutation made through kosmos.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/kosmos/internal/models"
	"github.com/fentz26/kosmos/internal/store"
)

// Actions recorded in the audit trail.
const (
	ActionCreate   = "document.create"
	ActionUpdate   = "document.update"
	ActionDelete   = "document.delete"
	ActionRun      = "step.run"
	ActionComplete = "step.complete"
	ActionSkip     = "step.skip"
	ActionBatch    = "document.run"
	ActionGenerate = "document.generate"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store *store.Store
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s *store.Store) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, document, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(action, HashInputs(inputs), outcome, document, details)
}

// RecordBackup indexes a backup file together with the hash of its content.
func (w *PDRWriter) RecordBackup(document, path string, content []byte) (*models.BackupRecord, error) {
	sum := sha256.Sum256(content)
	return w.store.RecordBackup(document, path, hex.EncodeToString(sum[:]), int64(len(content)))
}

// HashInputs returns the SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
