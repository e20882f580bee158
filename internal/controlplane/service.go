// Package controlplane provides the HTTP API and service layer for kosmos.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/fentz26/kosmos/internal/audit"
	"github.com/fentz26/kosmos/internal/connectors"
	"github.com/fentz26/kosmos/internal/docstore"
	"github.com/fentz26/kosmos/internal/llm"
	"github.com/fentz26/kosmos/internal/logging"
	"github.com/fentz26/kosmos/internal/models"
	"github.com/fentz26/kosmos/internal/store"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

// DefaultLockTTL bounds how long a crashed process can keep a document locked.
const DefaultLockTTL = 2 * time.Minute

// Options carries the optional collaborators of a Service.
type Options struct {
	Generator llm.Generator
	Logger    *log.Logger
	LockTTL   time.Duration
	Now       func() time.Time
}

// Service provides the control plane business logic.
type Service struct {
	docs      *docstore.Store
	store     *store.Store
	pdr       *audit.PDRWriter
	connector connectors.Connector
	generator llm.Generator
	mutator   *taskdoc.Mutator
	logger    *log.Logger
	locks     *keyedMutex
	lockTTL   time.Duration
	holderID  string
	now       func() time.Time
}

// NewService creates a new control plane service.
func NewService(docs *docstore.Store, s *store.Store, pdr *audit.PDRWriter, conn connectors.Connector, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	host, _ := os.Hostname()
	return &Service{
		docs:      docs,
		store:     s,
		pdr:       pdr,
		connector: conn,
		generator: opts.Generator,
		mutator:   &taskdoc.Mutator{Now: opts.Now},
		logger:    opts.Logger,
		locks:     newKeyedMutex(),
		lockTTL:   opts.LockTTL,
		holderID:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8]),
		now:       opts.Now,
	}
}

// Ping checks the run history database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Document Operations ---

// DocumentSummary is one entry of ListDocuments.
type DocumentSummary struct {
	Name       string           `json:"name"`
	Title      string           `json:"title"`
	Status     taskdoc.Status   `json:"status"`
	Progress   taskdoc.Progress `json:"progress"`
	LastUpdate string           `json:"last_update"`
	Size       int64            `json:"size"`
	Modified   time.Time        `json:"modified"`
}

// ListDocuments returns every stored document with its header and progress.
func (s *Service) ListDocuments() ([]DocumentSummary, error) {
	entries, err := s.docs.List()
	if err != nil {
		return nil, err
	}
	out := make([]DocumentSummary, 0, len(entries))
	for _, e := range entries {
		text, err := s.docs.Load(e.Name)
		if err != nil {
			s.logger.Warn("skipping unreadable document", "document", e.Name, "err", err)
			continue
		}
		meta := taskdoc.ParseMetadata(text)
		out = append(out, DocumentSummary{
			Name:       e.Name,
			Title:      meta.Title,
			Status:     meta.Status,
			Progress:   taskdoc.ParseProgress(text),
			LastUpdate: meta.LastUpdate,
			Size:       e.Size,
			Modified:   e.ModTime,
		})
	}
	return out, nil
}

// GetDocument returns the raw text of a document.
func (s *Service) GetDocument(name string) (string, error) {
	return s.load(name)
}

// ParseDocument loads and parses a document.
func (s *Service) ParseDocument(name string) (*taskdoc.Document, error) {
	text, err := s.load(name)
	if err != nil {
		return nil, err
	}
	return taskdoc.Parse(text), nil
}

// TaskProgress is the completion state of one task.
type TaskProgress struct {
	Number    int    `json:"num"`
	Title     string `json:"title"`
	Total     int    `json:"total_steps"`
	Completed int    `json:"completed_steps"`
	Percent   int    `json:"progress"`
}

// ProgressReport is the completion state of a document.
type ProgressReport struct {
	Document   string         `json:"document"`
	Title      string         `json:"title"`
	Status     taskdoc.Status `json:"status"`
	LastUpdate string         `json:"last_update"`
	taskdoc.Progress
	Tasks []TaskProgress `json:"tasks"`
}

// GetProgress returns document and per-task progress.
func (s *Service) GetProgress(name string) (*ProgressReport, error) {
	doc, err := s.ParseDocument(name)
	if err != nil {
		return nil, err
	}
	return ReportProgress(name, doc), nil
}

// ReportProgress computes document and per-task progress for doc.
func ReportProgress(name string, doc *taskdoc.Document) *ProgressReport {
	r := &ProgressReport{
		Document:   name,
		Title:      doc.Metadata.Title,
		Status:     doc.Metadata.Status,
		LastUpdate: doc.Metadata.LastUpdate,
		Progress:   doc.Progress,
		Tasks:      make([]TaskProgress, 0, len(doc.Tasks)),
	}
	for _, t := range doc.Tasks {
		done := t.CompletedSteps()
		r.Tasks = append(r.Tasks, TaskProgress{
			Number:    t.Number,
			Title:     t.Title,
			Total:     len(t.Steps),
			Completed: done,
			Percent:   taskdoc.Percent(done, len(t.Steps)),
		})
	}
	return r
}

// Validate checks text and logs its warnings.
func (s *Service) Validate(text string) taskdoc.Result {
	res := taskdoc.Validate(text)
	for _, w := range res.Warnings {
		s.logger.Warn("validation warning", "warning", w)
	}
	return res
}

// ValidateDocument validates a stored document.
func (s *Service) ValidateDocument(name string) (taskdoc.Result, error) {
	text, err := s.load(name)
	if err != nil {
		return taskdoc.Result{}, err
	}
	return s.Validate(text), nil
}

// CreateDocument stores a new document. Invalid text is rejected with a
// *taskdoc.ValidationError.
func (s *Service) CreateDocument(name, text string) error {
	if err := s.Validate(text).Err(); err != nil {
		return err
	}
	if err := docstore.CheckName(name); err != nil {
		return err
	}
	unlock, err := s.lock(name)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.docs.Create(name, text); err != nil {
		return s.docErr(name, err)
	}
	s.pdr.Record(audit.ActionCreate, map[string]string{"name": name, "text": text}, "success", name, "")
	s.logger.Info("document created", "document", name)
	return nil
}

// UpdateDocument replaces the text of an existing document after a backup.
func (s *Service) UpdateDocument(name, text string) error {
	if err := s.Validate(text).Err(); err != nil {
		return err
	}
	_, err := s.mutate(name, func(string) (string, error) {
		return text, nil
	})
	if err != nil {
		return err
	}
	s.pdr.Record(audit.ActionUpdate, map[string]string{"name": name, "text": text}, "success", name, "")
	return nil
}

// DeleteDocument removes a document after backing it up.
func (s *Service) DeleteDocument(name string) error {
	unlock, err := s.lock(name)
	if err != nil {
		return err
	}
	defer unlock()

	backup, err := s.docs.Delete(name)
	if err != nil {
		return s.docErr(name, err)
	}
	s.recordBackup(backup)
	s.pdr.Record(audit.ActionDelete, map[string]string{"name": name}, "success", name, backup.Path)
	s.logger.Info("document deleted", "document", name, "backup", backup.Path)
	return nil
}

// Backups returns the backup index of a document, newest first.
func (s *Service) Backups(name string) ([]models.BackupRecord, error) {
	if err := docstore.CheckName(name); err != nil {
		return nil, s.docErr(name, err)
	}
	return s.store.ListBackups(name)
}

// History returns the audit trail of a document.
func (s *Service) History(name string) ([]models.PDREntry, error) {
	if err := docstore.CheckName(name); err != nil {
		return nil, s.docErr(name, err)
	}
	return s.store.ListPDR(name)
}

// --- Step Operations ---

// StepExecution is the outcome of running one step.
type StepExecution struct {
	Document string                 `json:"document"`
	Step     taskdoc.Step           `json:"step"`
	Result   *connectors.ExecResult `json:"execution"`
	Run      *models.Run            `json:"run,omitempty"`
	Applied  bool                   `json:"applied"`
	Progress taskdoc.Progress       `json:"progress"`
}

// ExecuteStep runs a step's code without touching the document.
func (s *Service) ExecuteStep(ctx context.Context, name string, num int) (*StepExecution, error) {
	text, err := s.load(name)
	if err != nil {
		return nil, err
	}
	doc := taskdoc.Parse(text)
	st, err := findStep(doc, num)
	if err != nil {
		return nil, err
	}
	if !st.HasCode() {
		return nil, fmt.Errorf("%w: step %d", ErrNoCode, num)
	}
	res, run, err := s.execute(ctx, name, st)
	if err != nil {
		return nil, err
	}
	return &StepExecution{Document: name, Step: st, Result: res, Run: run, Progress: doc.Progress}, nil
}

// RunStep executes a pending step and writes the outcome into the
// document. Languages the sandbox cannot run yield a manual result and
// leave the document unchanged.
func (s *Service) RunStep(ctx context.Context, name string, num int) (*StepExecution, error) {
	var out *StepExecution
	_, err := s.mutate(name, func(text string) (string, error) {
		doc := taskdoc.Parse(text)
		st, err := pendingStep(doc, num)
		if err != nil {
			return text, err
		}
		if !st.HasCode() {
			return text, fmt.Errorf("%w: step %d", ErrNoCode, num)
		}
		res, run, err := s.execute(ctx, name, st)
		if err != nil {
			return text, err
		}
		out = &StepExecution{Document: name, Step: st, Result: res, Run: run, Progress: doc.Progress}
		if res.Manual() {
			return text, nil
		}

		patch, err := s.mutator.ApplyAll(text, []taskdoc.Mutation{{Step: st, Outcome: taskdoc.Executed(res)}})
		if err != nil {
			return text, err
		}
		out.Step = patch.Steps[0]
		out.Applied = true
		out.Progress = patch.Progress
		return patch.Text, nil
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.markApplied(out.Run)
	}
	s.pdr.Record(audit.ActionRun, map[string]interface{}{"name": name, "step": num}, string(out.Result.Status), name, out.Result.Error)
	return out, nil
}

// StepChange is the outcome of completing or skipping a step by hand.
type StepChange struct {
	Document string           `json:"document"`
	Step     taskdoc.Step     `json:"step"`
	Result   string           `json:"result"`
	Progress taskdoc.Progress `json:"progress"`
}

// CompleteStep marks a step done with an optional note.
func (s *Service) CompleteStep(name string, num int, note string) (*StepChange, error) {
	ch, err := s.settle(name, num, taskdoc.ManuallyCompleted(note), models.RunStatusManual)
	if err != nil {
		return nil, err
	}
	s.pdr.Record(audit.ActionComplete, map[string]interface{}{"name": name, "step": num, "note": note}, "success", name, "")
	return ch, nil
}

// SkipStep marks a step done with a skip reason.
func (s *Service) SkipStep(name string, num int, reason string) (*StepChange, error) {
	ch, err := s.settle(name, num, taskdoc.Skipped(reason), models.RunStatusSkipped)
	if err != nil {
		return nil, err
	}
	s.pdr.Record(audit.ActionSkip, map[string]interface{}{"name": name, "step": num, "reason": reason}, "success", name, "")
	return ch, nil
}

func (s *Service) settle(name string, num int, o taskdoc.Outcome, status models.RunStatus) (*StepChange, error) {
	var out *StepChange
	_, err := s.mutate(name, func(text string) (string, error) {
		st, err := pendingStep(taskdoc.Parse(text), num)
		if err != nil {
			return text, err
		}
		patch, err := s.mutator.ApplyAll(text, []taskdoc.Mutation{{Step: st, Outcome: o}})
		if err != nil {
			return text, err
		}
		out = &StepChange{Document: name, Step: patch.Steps[0], Result: o.Text(), Progress: patch.Progress}
		return patch.Text, nil
	})
	if err != nil {
		return nil, err
	}

	var lang, code string
	if out.Step.Code != nil {
		lang, code = out.Step.Code.Language, out.Step.Code.Source
	}
	if run, err := s.store.CreateRun(name, num, lang, code); err == nil {
		s.store.FinishRun(run.ID, status, out.Result, "")
		s.markApplied(run)
	} else {
		s.logger.Warn("record run failed", "document", name, "step", num, "err", err)
	}
	s.logger.Info("step settled", "document", name, "step", num, "status", status)
	return out, nil
}

// StepRuns returns the run history of one step, newest first.
func (s *Service) StepRuns(name string, num int) ([]models.Run, error) {
	if err := docstore.CheckName(name); err != nil {
		return nil, s.docErr(name, err)
	}
	return s.store.GetRuns(name, num)
}

// --- Batch Runs ---

// RunOptions controls RunPending.
type RunOptions struct {
	// SkipValidation runs the document even when it has structural errors.
	SkipValidation bool
	// DryRun executes the steps but leaves the document untouched.
	DryRun bool
	// OnStep is called after each execution, before anything is written.
	OnStep func(StepExecution)
}

// BatchReport summarizes a RunPending pass.
type BatchReport struct {
	Document    string           `json:"document"`
	DryRun      bool             `json:"dry_run"`
	Executed    []StepExecution  `json:"executed"`
	Failed      int              `json:"failed"`
	Manual      []taskdoc.Step   `json:"manual"`
	Warnings    []string         `json:"warnings,omitempty"`
	Interrupted bool             `json:"interrupted,omitempty"`
	Progress    taskdoc.Progress `json:"progress"`
}

// RunPending executes every pending step that has sandbox-runnable code
// in document order and applies all outcomes in a single pass. Failed
// steps do not stop the batch. Steps without code or in other languages
// are reported as manual and stay pending.
func (s *Service) RunPending(ctx context.Context, name string, opts RunOptions) (*BatchReport, error) {
	report := &BatchReport{Document: name, DryRun: opts.DryRun, Executed: []StepExecution{}, Manual: []taskdoc.Step{}}

	_, err := s.mutate(name, func(text string) (string, error) {
		if !opts.SkipValidation {
			res := s.Validate(text)
			report.Warnings = res.Warnings
			if err := res.Err(); err != nil {
				return text, err
			}
		}

		doc := taskdoc.Parse(text)
		report.Progress = doc.Progress
		var muts []taskdoc.Mutation
		for _, st := range doc.PendingSteps() {
			if !st.HasCode() || !s.connector.IsAllowed(st.Code.Language) {
				report.Manual = append(report.Manual, st)
				continue
			}
			if ctx.Err() != nil {
				report.Interrupted = true
				break
			}
			res, run, err := s.execute(ctx, name, st)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				report.Interrupted = true
				break
			}
			if err != nil {
				return text, err
			}
			if !res.Succeeded() {
				report.Failed++
			}
			exec := StepExecution{Document: name, Step: st, Result: res, Run: run, Progress: doc.Progress}
			report.Executed = append(report.Executed, exec)
			muts = append(muts, taskdoc.Mutation{Step: st, Outcome: taskdoc.Executed(res)})
			if opts.OnStep != nil {
				opts.OnStep(exec)
			}
		}
		if opts.DryRun || len(muts) == 0 {
			return text, nil
		}

		patch, err := s.mutator.ApplyAll(text, muts)
		if err != nil {
			return text, err
		}
		for i := range report.Executed {
			report.Executed[i].Step = patch.Steps[i]
			report.Executed[i].Applied = true
			report.Executed[i].Progress = patch.Progress
		}
		report.Progress = patch.Progress
		return patch.Text, nil
	})
	if err != nil {
		return nil, err
	}

	for _, e := range report.Executed {
		if e.Applied {
			s.markApplied(e.Run)
		}
	}
	outcome := "success"
	if report.Failed > 0 || report.Interrupted {
		outcome = "partial"
	}
	s.pdr.Record(audit.ActionBatch, map[string]interface{}{"name": name, "dry_run": opts.DryRun}, outcome, name,
		fmt.Sprintf("executed=%d failed=%d manual=%d", len(report.Executed), report.Failed, len(report.Manual)))
	s.logger.Info("batch run finished", "document", name, "executed", len(report.Executed),
		"failed", report.Failed, "manual", len(report.Manual), "progress", report.Progress.Percent)
	return report, nil
}

// --- Generation ---

// GenerateRequest asks the text generator for a new document.
type GenerateRequest struct {
	Prompt  string       `json:"prompt"`
	Answers []llm.Answer `json:"answers,omitempty"`
	// Name of the new document. Derived from the generated title when empty.
	Name string `json:"name,omitempty"`
	// DryRun returns the generated text without storing it.
	DryRun bool `json:"dry_run,omitempty"`
}

// GenerateResult is a generated document.
type GenerateResult struct {
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	Validation taskdoc.Result `json:"validation"`
	Saved      bool           `json:"saved"`
}

// Questions asks the text generator for clarifying questions about prompt.
func (s *Service) Questions(ctx context.Context, prompt string) ([]string, error) {
	if s.generator == nil {
		return nil, ErrGeneratorDisabled
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	return llm.Questions(ctx, s.generator, prompt)
}

// GenerateDocument asks the text generator for a document and stores it.
// A reply that fails validation is returned together with an error
// wrapping ErrGeneratedInvalid and is not stored.
func (s *Service) GenerateDocument(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if s.generator == nil {
		return nil, ErrGeneratorDisabled
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if req.Name != "" {
		if err := docstore.CheckName(req.Name); err != nil {
			return nil, s.docErr(req.Name, err)
		}
	}

	reply, err := s.generator.Generate(ctx, llm.GenerationMessages(req.Prompt, req.Answers, s.now()))
	if err != nil {
		s.store.RecordGeneration(s.generator.Model(), req.Prompt, "", err.Error(), "")
		return nil, fmt.Errorf("generate document: %w", err)
	}

	text := llm.ExtractDocument(reply)
	name := req.Name
	if name == "" {
		name = llm.FileName(text, s.now())
	}
	result := &GenerateResult{Name: name, Content: text, Validation: s.Validate(text)}

	recorded := ""
	if result.Validation.Valid && !req.DryRun {
		recorded = name
	}
	if _, err := s.store.RecordGeneration(s.generator.Model(), req.Prompt, reply, "", recorded); err != nil {
		s.logger.Warn("record generation failed", "err", err)
	}

	if err := result.Validation.Err(); err != nil {
		return result, fmt.Errorf("%w: %w", ErrGeneratedInvalid, err)
	}
	if req.DryRun {
		return result, nil
	}
	if err := s.CreateDocument(name, text); err != nil {
		return result, err
	}
	result.Saved = true
	s.pdr.Record(audit.ActionGenerate, req, "success", name, s.generator.Model())
	return result, nil
}

// Generations returns the most recent generator calls, newest first.
func (s *Service) Generations(limit int) ([]models.Generation, error) {
	return s.store.ListGenerations(limit)
}

// --- internals ---

// lock serializes access to a document within the process and, through
// the locks table, across processes sharing the database.
func (s *Service) lock(name string) (func(), error) {
	unlock := s.locks.Lock(name)
	l, err := s.store.AcquireLock(name, s.holderID, s.lockTTL)
	if err != nil {
		unlock()
		if errors.Is(err, store.ErrResourceLocked) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentLocked, name)
		}
		return nil, err
	}
	return func() {
		if err := s.store.ReleaseLock(l.ID); err != nil {
			s.logger.Warn("release lock failed", "document", name, "err", err)
		}
		unlock()
	}, nil
}

// mutate runs a locked read-modify-write cycle. fn returning its input
// unchanged skips the write.
func (s *Service) mutate(name string, fn func(text string) (string, error)) (string, error) {
	unlock, err := s.lock(name)
	if err != nil {
		return "", err
	}
	defer unlock()

	text, err := s.load(name)
	if err != nil {
		return "", err
	}
	out, err := fn(text)
	if err != nil {
		return "", err
	}
	if out == text {
		return text, nil
	}
	backup, err := s.docs.Save(name, out)
	if err != nil {
		return "", s.docErr(name, err)
	}
	s.recordBackup(backup)
	s.logger.Debug("document written", "document", name, "backup", backup.Path)
	return out, nil
}

func (s *Service) recordBackup(b *docstore.Backup) {
	if b == nil {
		return
	}
	if _, err := s.pdr.RecordBackup(b.Document, b.Path, b.Content); err != nil {
		s.logger.Warn("record backup failed", "document", b.Document, "err", err)
	}
}

func (s *Service) execute(ctx context.Context, name string, st taskdoc.Step) (*connectors.ExecResult, *models.Run, error) {
	run, err := s.store.CreateRun(name, st.Number, st.Code.Language, st.Code.Source)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.connector.Execute(ctx, st.Code.Source, st.Code.Language)
	if err != nil {
		s.store.FinishRun(run.ID, models.RunStatusFailed, "", err.Error())
		return nil, run, fmt.Errorf("execute step %d: %w", st.Number, err)
	}

	run.Status = runStatus(res.Status)
	run.Output = res.Output
	run.Error = res.Error
	run.EndedAt = time.Now().UTC()
	if err := s.store.FinishRun(run.ID, run.Status, run.Output, run.Error); err != nil {
		s.logger.Warn("record run failed", "document", name, "step", st.Number, "err", err)
	}

	logf := s.logger.Info
	if res.Status == connectors.ExecFailed {
		logf = s.logger.Warn
	}
	logf("step executed", "document", name, "step", st.Number, "status", res.Status, "duration", res.Duration)
	return res, run, nil
}

func (s *Service) markApplied(run *models.Run) {
	if run == nil {
		return
	}
	run.Applied = true
	if err := s.store.MarkRunApplied(run.ID); err != nil {
		s.logger.Warn("mark run applied failed", "run", run.ID, "err", err)
	}
}

func (s *Service) load(name string) (string, error) {
	text, err := s.docs.Load(name)
	if err != nil {
		return "", s.docErr(name, err)
	}
	return text, nil
}

// docErr maps docstore errors onto control plane sentinels.
func (s *Service) docErr(name string, err error) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, name)
	case errors.Is(err, docstore.ErrExists):
		return fmt.Errorf("%w: %s", ErrDocumentExists, name)
	}
	return err
}

func runStatus(st connectors.ExecStatus) models.RunStatus {
	switch st {
	case connectors.ExecSuccess:
		return models.RunStatusSuccess
	case connectors.ExecManual:
		return models.RunStatusManual
	}
	return models.RunStatusFailed
}

func findStep(doc *taskdoc.Document, num int) (taskdoc.Step, error) {
	st, ok := doc.Step(num)
	if !ok {
		return st, fmt.Errorf("%w: step %d", ErrStepNotFound, num)
	}
	return st, nil
}

func pendingStep(doc *taskdoc.Document, num int) (taskdoc.Step, error) {
	st, err := findStep(doc, num)
	if err != nil {
		return st, err
	}
	if st.Completed {
		return st, fmt.Errorf("%w: step %d", ErrStepCompleted, num)
	}
	return st, nil
}
