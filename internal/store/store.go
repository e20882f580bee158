// Package store provides SQLite-backed run history and audit persistence
// for kosmos.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/kosmos/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the kosmos SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		step INTEGER NOT NULL,
		language TEXT,
		code TEXT,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT,
		applied INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT,
		error TEXT,
		document TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		document TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_document_step ON runs(document, step);
	CREATE INDEX IF NOT EXISTS idx_backups_document ON backups(document);
	CREATE INDEX IF NOT EXISTS idx_pdr_document ON pdr(document);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Run Operations ---

// CreateRun inserts a run record in the running state.
func (s *Store) CreateRun(document string, step int, language, code string) (*models.Run, error) {
	run := &models.Run{
		ID:         uuid.New().String(),
		Document:   document,
		StepNumber: step,
		Language:   language,
		Code:       code,
		Status:     models.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, document, step, language, code, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Document, run.StepNumber, run.Language, run.Code, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(id string, status models.RunStatus, output, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, output = ?, error = ?, ended_at = ? WHERE id = ?`,
		status, output, errMsg, time.Now().UTC(), id,
	)
	return err
}

// MarkRunApplied records that the run's outcome was written into the document.
func (s *Store) MarkRunApplied(id string) error {
	_, err := s.db.Exec(`UPDATE runs SET applied = 1 WHERE id = ?`, id)
	return err
}

// GetRuns returns the runs of a document, newest first. A step of 0 or
// less returns the runs of every step.
func (s *Store) GetRuns(document string, step int) ([]models.Run, error) {
	query := `SELECT id, document, step, language, code, status, output, error, applied, started_at, ended_at FROM runs WHERE document = ?`
	args := []interface{}{document}
	if step > 0 {
		query += ` AND step = ?`
		args = append(args, step)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		var run models.Run
		var language, code, output, errMsg sql.NullString
		var endedAt sql.NullTime

		if err := rows.Scan(&run.ID, &run.Document, &run.StepNumber, &language, &code, &run.Status, &output, &errMsg, &run.Applied, &run.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Language = language.String
		run.Code = code.String
		run.Output = output.String
		run.Error = errMsg.String
		if endedAt.Valid {
			run.EndedAt = endedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Backup Operations ---

// RecordBackup indexes a backup file.
func (s *Store) RecordBackup(document, path, sha string, size int64) (*models.BackupRecord, error) {
	rec := &models.BackupRecord{
		ID:        uuid.New().String(),
		Document:  document,
		Path:      path,
		SHA256:    sha,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO backups (id, document, path, sha256, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Document, rec.Path, rec.SHA256, rec.Size, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert backup: %w", err)
	}
	return rec, nil
}

// ListBackups returns the backups of a document, newest first.
func (s *Store) ListBackups(document string) ([]models.BackupRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, document, path, sha256, size, created_at FROM backups WHERE document = ? ORDER BY created_at DESC`,
		document,
	)
	if err != nil {
		return nil, fmt.Errorf("query backups: %w", err)
	}
	defer rows.Close()

	out := []models.BackupRecord{}
	for rows.Next() {
		var rec models.BackupRecord
		if err := rows.Scan(&rec.ID, &rec.Document, &rec.Path, &rec.SHA256, &rec.Size, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Generation Operations ---

// RecordGeneration stores one generator exchange.
func (s *Store) RecordGeneration(model, prompt, response, errMsg, document string) (*models.Generation, error) {
	g := &models.Generation{
		ID:        uuid.New().String(),
		Model:     model,
		Prompt:    prompt,
		Response:  response,
		Error:     errMsg,
		Document:  document,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO generations (id, model, prompt, response, error, document, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Model, g.Prompt, g.Response, g.Error, g.Document, g.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert generation: %w", err)
	}
	return g, nil
}

// ListGenerations returns the most recent generations.
func (s *Store) ListGenerations(limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, model, prompt, response, error, document, created_at FROM generations ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	out := []models.Generation{}
	for rows.Next() {
		var g models.Generation
		var response, errMsg, document sql.NullString
		if err := rows.Scan(&g.ID, &g.Model, &g.Prompt, &response, &errMsg, &document, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		g.Response = response.String
		g.Error = errMsg.String
		g.Document = document.String
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Lock Operations ---

// ErrResourceLocked indicates the document is locked by another holder.
var ErrResourceLocked = errors.New("resource already locked")

// AcquireLock takes the lock on a document. Expired locks are cleared
// first; a live lock held by someone else yields ErrResourceLocked.
func (s *Store) AcquireLock(resourceID, holderID string, ttl time.Duration) (*models.Lock, error) {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.Exec(`DELETE FROM locks WHERE resource_id = ? AND expires_at <= ?`, resourceID, now); err != nil {
		return nil, fmt.Errorf("clean expired locks: %w", err)
	}

	var existing string
	err = tx.QueryRow(
		`SELECT holder_id FROM locks WHERE resource_id = ? AND expires_at > ?`,
		resourceID, now,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing lock: %w", err)
	}
	if err != sql.ErrNoRows {
		return nil, ErrResourceLocked
	}

	lock := &models.Lock{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		HolderID:   holderID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	_, err = tx.Exec(
		`INSERT INTO locks (id, resource_id, holder_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		lock.ID, lock.ResourceID, lock.HolderID, lock.CreatedAt, lock.ExpiresAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return nil, ErrResourceLocked
		}
		return nil, fmt.Errorf("insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lock, nil
}

// GetLock returns the live lock on a document, or nil.
func (s *Store) GetLock(resourceID string) (*models.Lock, error) {
	lock := &models.Lock{}
	err := s.db.QueryRow(
		`SELECT id, resource_id, holder_id, created_at, expires_at FROM locks WHERE resource_id = ? AND expires_at > ?`,
		resourceID, time.Now().UTC(),
	).Scan(&lock.ID, &lock.ResourceID, &lock.HolderID, &lock.CreatedAt, &lock.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

// ReleaseLock releases a lock.
func (s *Store) ReleaseLock(lockID string) error {
	_, err := s.db.Exec(`DELETE FROM locks WHERE id = ?`, lockID)
	return err
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, document, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Document:   document,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, document, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.Document, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the audit trail of a document, oldest first.
func (s *Store) ListPDR(document string) ([]models.PDREntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, document, details, timestamp FROM pdr WHERE document = ? ORDER BY timestamp ASC`,
		document,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	out := []models.PDREntry{}
	for rows.Next() {
		var e models.PDREntry
		var doc, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &doc, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Document = doc.String
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}
