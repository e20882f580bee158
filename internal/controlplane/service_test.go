package controlplane

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/kosmos/internal/connectors"
	"github.com/fentz26/kosmos/internal/docstore"
	"github.com/fentz26/kosmos/internal/models"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

func TestCreateDocument(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	got, err := env.svc.GetDocument(docName)
	if err != nil || got != releaseDoc {
		t.Fatalf("GetDocument = %q, %v", got, err)
	}

	if err := env.svc.CreateDocument(docName, releaseDoc); !errors.Is(err, ErrDocumentExists) {
		t.Errorf("Expected ErrDocumentExists, got %v", err)
	}

	err = env.svc.CreateDocument("bad.kosmos.md", "# nothing\n")
	var verr *taskdoc.ValidationError
	if !errors.As(err, &verr) || len(verr.Errors) == 0 {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if env.docs.Exists("bad.kosmos.md") {
		t.Error("Invalid document should not be stored")
	}

	if err := env.svc.CreateDocument("../x.kosmos.md", releaseDoc); !errors.Is(err, docstore.ErrInvalidName) {
		t.Errorf("Expected ErrInvalidName, got %v", err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.svc.GetDocument("missing.kosmos.md"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("Expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := env.svc.GetProgress("missing.kosmos.md"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("Expected ErrDocumentNotFound, got %v", err)
	}
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	list, err := env.svc.ListDocuments()
	if err != nil {
		t.Fatalf("ListDocuments failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 document, got %d", len(list))
	}
	d := list[0]
	if d.Name != docName || d.Title != "Release" || d.Status != taskdoc.StatusInProgress {
		t.Errorf("Unexpected summary %+v", d)
	}
	if d.Progress.Total != 5 || d.Progress.Completed != 1 || d.Progress.Percent != 20 {
		t.Errorf("Unexpected progress %+v", d.Progress)
	}
}

func TestGetProgress(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	r, err := env.svc.GetProgress(docName)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if r.Percent != 20 || r.Pending != 4 {
		t.Errorf("Unexpected totals %+v", r.Progress)
	}
	if len(r.Tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(r.Tasks))
	}
	if r.Tasks[0].Total != 4 || r.Tasks[0].Percent != 0 {
		t.Errorf("Unexpected task 1 %+v", r.Tasks[0])
	}
	if r.Tasks[1].Completed != 1 || r.Tasks[1].Percent != 100 {
		t.Errorf("Unexpected task 2 %+v", r.Tasks[1])
	}
}

func TestRunStep(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	exec, err := env.svc.RunStep(context.Background(), docName, 1)
	if err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}
	if !exec.Applied || !exec.Result.Succeeded() || exec.Result.Output != "3" {
		t.Errorf("Unexpected execution %+v / %+v", exec, exec.Result)
	}
	if !exec.Step.Completed || exec.Step.ActualResult != "3" {
		t.Errorf("Returned step not updated: %+v", exec.Step)
	}
	if exec.Progress.Percent != 40 {
		t.Errorf("Expected 40%%, got %d", exec.Progress.Percent)
	}

	text := env.text(t)
	if !strings.Contains(text, "**Progress:** 40%") || !strings.Contains(text, "**Last update:** 2025-03-09") {
		t.Errorf("Header not refreshed:\n%s", text)
	}
	st, _ := taskdoc.Parse(text).Step(1)
	if !st.Completed {
		t.Error("Step 1 should be completed on disk")
	}

	runs, err := env.svc.StepRuns(docName, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("StepRuns = %v, %v", runs, err)
	}
	if runs[0].Status != models.RunStatusSuccess || !runs[0].Applied || runs[0].Output != "3" {
		t.Errorf("Unexpected run %+v", runs[0])
	}

	backups, err := env.svc.Backups(docName)
	if err != nil || len(backups) != 1 {
		t.Fatalf("Backups = %v, %v", backups, err)
	}
	data, err := os.ReadFile(backups[0].Path)
	if err != nil || string(data) != releaseDoc {
		t.Errorf("Backup should hold the previous text, err=%v", err)
	}
}

func TestRunStepErrors(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)
	ctx := context.Background()

	tests := []struct {
		name string
		doc  string
		step int
		want error
	}{
		{"missing step", docName, 99, ErrStepNotFound},
		{"completed step", docName, 5, ErrStepCompleted},
		{"no code", docName, 4, ErrNoCode},
		{"missing document", "nope.kosmos.md", 1, ErrDocumentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.RunStep(ctx, tt.doc, tt.step); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
	if env.text(t) != releaseDoc {
		t.Error("Failed runs must not change the document")
	}
}

func TestRunStepManualLanguage(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	exec, err := env.svc.RunStep(context.Background(), docName, 3)
	if err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}
	if exec.Applied || exec.Result.Status != connectors.ExecManual {
		t.Errorf("Expected unapplied manual result, got %+v", exec.Result)
	}
	if env.text(t) != releaseDoc {
		t.Error("Manual result must not change the document")
	}
}

func TestExecuteStepIsDryRun(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	exec, err := env.svc.ExecuteStep(context.Background(), docName, 2)
	if err != nil {
		t.Fatalf("ExecuteStep failed: %v", err)
	}
	if exec.Applied || exec.Result.Status != connectors.ExecFailed || !strings.Contains(exec.Result.Error, "boom") {
		t.Errorf("Unexpected execution %+v", exec.Result)
	}
	if env.text(t) != releaseDoc {
		t.Error("ExecuteStep must not change the document")
	}

	runs, _ := env.svc.StepRuns(docName, 2)
	if len(runs) != 1 || runs[0].Applied || runs[0].Status != models.RunStatusFailed {
		t.Errorf("Unexpected runs %+v", runs)
	}

	if _, err := env.svc.ExecuteStep(context.Background(), docName, 5); !errors.Is(err, ErrNoCode) {
		t.Errorf("Expected ErrNoCode for step 5, got %v", err)
	}
}

func TestCompleteAndSkipStep(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	ch, err := env.svc.CompleteStep(docName, 4, "checked by hand")
	if err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	if ch.Progress.Percent != 40 || ch.Step.ActualResult != "checked by hand" {
		t.Errorf("Unexpected change %+v", ch)
	}

	ch, err = env.svc.SkipStep(docName, 3, "no shell here")
	if err != nil {
		t.Fatalf("SkipStep failed: %v", err)
	}
	if ch.Progress.Percent != 60 || ch.Result != "(Skipped: no shell here)" {
		t.Errorf("Unexpected change %+v", ch)
	}

	text := env.text(t)
	if !strings.Contains(text, "(Skipped: no shell here)") || !strings.Contains(text, "**Progress:** 60%") {
		t.Errorf("Unexpected document:\n%s", text)
	}

	if _, err := env.svc.CompleteStep(docName, 4, ""); !errors.Is(err, ErrStepCompleted) {
		t.Errorf("Expected ErrStepCompleted, got %v", err)
	}

	runs, _ := env.svc.StepRuns(docName, 3)
	if len(runs) != 1 || runs[0].Status != models.RunStatusSkipped {
		t.Errorf("Unexpected runs %+v", runs)
	}
}

func TestRunPending(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	var seen []int
	report, err := env.svc.RunPending(context.Background(), docName, RunOptions{
		OnStep: func(e StepExecution) { seen = append(seen, e.Step.Number) },
	})
	if err != nil {
		t.Fatalf("RunPending failed: %v", err)
	}

	if len(report.Executed) != 2 || report.Failed != 1 || len(report.Manual) != 2 {
		t.Fatalf("Unexpected report %+v", report)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Steps should run in document order, got %v", seen)
	}
	if report.Manual[0].Number != 3 || report.Manual[1].Number != 4 {
		t.Errorf("Unexpected manual steps %+v", report.Manual)
	}
	if report.Progress.Percent != 60 {
		t.Errorf("Expected 60%%, got %d", report.Progress.Percent)
	}
	for _, e := range report.Executed {
		if !e.Applied || !e.Step.Completed {
			t.Errorf("Step %d not applied: %+v", e.Step.Number, e.Step)
		}
	}

	doc := taskdoc.Parse(env.text(t))
	failed, _ := doc.Step(2)
	if !failed.Completed || !strings.Contains(failed.ActualResult, "Exception:") {
		t.Errorf("Failed step should be recorded, got %+v", failed)
	}
	if doc.Metadata.ProgressPercent != 60 {
		t.Errorf("Header progress = %d", doc.Metadata.ProgressPercent)
	}

	backups, _ := env.svc.Backups(docName)
	if len(backups) != 1 {
		t.Errorf("A batch should write once, got %d backups", len(backups))
	}
}

func TestRunPendingDryRun(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	report, err := env.svc.RunPending(context.Background(), docName, RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("RunPending failed: %v", err)
	}
	if len(report.Executed) != 2 || report.Executed[0].Applied {
		t.Errorf("Unexpected report %+v", report)
	}
	if env.text(t) != releaseDoc {
		t.Error("Dry run must not change the document")
	}
}

func TestRunPendingValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	broken := strings.Replace(releaseDoc, "**Status:** in progress\n", "", 1)
	if err := env.docs.Create(docName, broken); err != nil {
		t.Fatal(err)
	}

	_, err := env.svc.RunPending(context.Background(), docName, RunOptions{})
	var verr *taskdoc.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}

	report, err := env.svc.RunPending(context.Background(), docName, RunOptions{SkipValidation: true})
	if err != nil || len(report.Executed) != 2 {
		t.Errorf("SkipValidation run = %+v, %v", report, err)
	}
}

func TestRunPendingCancelled(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.svc.RunPending(ctx, docName, RunOptions{})
	if err != nil {
		t.Fatalf("RunPending failed: %v", err)
	}
	if !report.Interrupted || len(report.Executed) != 0 {
		t.Errorf("Unexpected report %+v", report)
	}
	if env.text(t) != releaseDoc {
		t.Error("Nothing ran, nothing should be written")
	}
}

func TestUpdateAndDeleteDocument(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	updated := strings.Replace(releaseDoc, "Ship it.", "Ship it today.", 1)
	if err := env.svc.UpdateDocument(docName, updated); err != nil {
		t.Fatalf("UpdateDocument failed: %v", err)
	}
	if env.text(t) != updated {
		t.Error("Document not updated")
	}
	if err := env.svc.UpdateDocument(docName, "garbage"); !errors.Is(err, taskdoc.ErrInvalidDocument) {
		t.Errorf("Expected ErrInvalidDocument, got %v", err)
	}
	if err := env.svc.UpdateDocument("new.kosmos.md", updated); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("Expected ErrDocumentNotFound, got %v", err)
	}

	if err := env.svc.DeleteDocument(docName); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if _, err := env.svc.GetDocument(docName); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("Expected ErrDocumentNotFound after delete, got %v", err)
	}
	backups, _ := env.svc.Backups(docName)
	if len(backups) != 2 {
		t.Errorf("Expected update and delete backups, got %d", len(backups))
	}

	history, err := env.svc.History(docName)
	if err != nil || len(history) != 3 {
		t.Errorf("Expected create, update and delete records, got %d (%v)", len(history), err)
	}
}

func TestDocumentLockedElsewhere(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	if _, err := env.store.AcquireLock(docName, "other-process", time.Minute); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if _, err := env.svc.CompleteStep(docName, 4, ""); !errors.Is(err, ErrDocumentLocked) {
		t.Errorf("Expected ErrDocumentLocked, got %v", err)
	}
	if env.svc.locks.size() != 0 {
		t.Error("In-process lock should be released after a failed acquire")
	}
}

func TestCreateDocumentLockedElsewhere(t *testing.T) {
	env := newTestEnv(t, Options{})

	if _, err := env.store.AcquireLock(docName, "other-process", time.Minute); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := env.svc.CreateDocument(docName, releaseDoc); !errors.Is(err, ErrDocumentLocked) {
		t.Errorf("Expected ErrDocumentLocked, got %v", err)
	}
	if env.docs.Exists(docName) {
		t.Error("Document should not be created while another process holds the lock")
	}
}

func TestConcurrentMutations(t *testing.T) {
	env := newTestEnv(t, Options{}).withDoc(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, n := range []int{3, 4} {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.svc.CompleteStep(docName, n, "")
			errs <- err
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("CompleteStep failed: %v", err)
		}
	}

	p := taskdoc.ParseProgress(env.text(t))
	if p.Completed != 3 || p.Percent != 60 {
		t.Errorf("Both completions should land, got %+v", p)
	}
	if env.svc.locks.size() != 0 {
		t.Errorf("Idle lock entries should be dropped, got %d", env.svc.locks.size())
	}
}

func TestGenerateDocument(t *testing.T) {
	gen := &fakeGenerator{reply: "```markdown\n" + releaseDoc + "```"}
	env := newTestEnv(t, Options{Generator: gen})

	res, err := env.svc.GenerateDocument(context.Background(), GenerateRequest{Prompt: "ship the release"})
	if err != nil {
		t.Fatalf("GenerateDocument failed: %v", err)
	}
	if res.Name != "release.kosmos.md" || !res.Saved || res.Content != releaseDoc {
		t.Errorf("Unexpected result %+v", res)
	}
	if !env.docs.Exists("release.kosmos.md") {
		t.Error("Generated document should be stored")
	}

	if _, err := env.svc.GenerateDocument(context.Background(), GenerateRequest{Prompt: "again"}); !errors.Is(err, ErrDocumentExists) {
		t.Errorf("Expected ErrDocumentExists, got %v", err)
	}

	gens, err := env.store.ListGenerations(10)
	if err != nil || len(gens) != 2 {
		t.Fatalf("ListGenerations = %v, %v", gens, err)
	}
}

func TestGenerateDocumentInvalid(t *testing.T) {
	gen := &fakeGenerator{reply: "# Plan\n\nno header"}
	env := newTestEnv(t, Options{Generator: gen})

	res, err := env.svc.GenerateDocument(context.Background(), GenerateRequest{Prompt: "plan", Name: "plan.kosmos.md"})
	if !errors.Is(err, ErrGeneratedInvalid) {
		t.Fatalf("Expected ErrGeneratedInvalid, got %v", err)
	}
	var verr *taskdoc.ValidationError
	if !errors.As(err, &verr) || res == nil || res.Saved {
		t.Errorf("Expected unsaved result with validation errors, got %+v, %v", res, err)
	}
	if env.docs.Exists("plan.kosmos.md") {
		t.Error("Invalid document should not be stored")
	}
}

func TestGenerateDocumentPreconditions(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.svc.GenerateDocument(context.Background(), GenerateRequest{Prompt: "x"}); !errors.Is(err, ErrGeneratorDisabled) {
		t.Errorf("Expected ErrGeneratorDisabled, got %v", err)
	}

	gen := &fakeGenerator{err: errors.New("down")}
	env = newTestEnv(t, Options{Generator: gen})
	if _, err := env.svc.GenerateDocument(context.Background(), GenerateRequest{Prompt: "  "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("Expected ErrEmptyPrompt, got %v", err)
	}
	if gen.calls != 0 {
		t.Error("Generator should not be called for an empty prompt")
	}
	if _, err := env.svc.GenerateDocument(context.Background(), GenerateRequest{Prompt: "x"}); err == nil {
		t.Error("Expected generator error")
	}
	gens, _ := env.store.ListGenerations(10)
	if len(gens) != 1 || gens[0].Error != "down" {
		t.Errorf("Failed generation should be recorded, got %+v", gens)
	}
}

func TestQuestions(t *testing.T) {
	gen := &fakeGenerator{reply: "1. Which region?\n2. Which version?"}
	env := newTestEnv(t, Options{Generator: gen})

	qs, err := env.svc.Questions(context.Background(), "deploy")
	if err != nil || len(qs) != 2 || qs[0] != "Which region?" {
		t.Errorf("Questions = %v, %v", qs, err)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	if k.size() != 2 {
		t.Errorf("Expected 2 entries, got %d", k.size())
	}

	done := make(chan struct{})
	go func() {
		k.Lock("a")()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Second Lock on a held key should block")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-done
	unlockB()
	if k.size() != 0 {
		t.Errorf("Expected no entries, got %d", k.size())
	}
}
