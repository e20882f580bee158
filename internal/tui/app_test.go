package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/kosmos/internal/connectors"
	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

const runnerDoc = `# Runner

**Status:** in progress
**Progress:** 33%
**Last update:** 2024-01-01

## Goal

Try the runner.

## Task 1: Only

### Step 1: Log

  - [ ] Done

  ` + "```js executable" + `
  console.log("ok")
  ` + "```" + `

  Expected result: ok

  Result:
  (empty)

### Step 2: Review

  - [ ] Done

  Expected result: reviewed

  Result:
  (empty)

### Step 3: Old

  - [x] Done

  Expected result: fine

  Result:
  fine
`

type fakeBackend struct {
	ran       []int
	dry       []int
	completed map[int]string
	skipped   map[int]string
	err       error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{completed: map[int]string{}, skipped: map[int]string{}}
}

func (f *fakeBackend) ParseDocument(string) (*taskdoc.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return taskdoc.Parse(runnerDoc), nil
}

func (f *fakeBackend) exec(num int, applied bool) *controlplane.StepExecution {
	st, _ := taskdoc.Parse(runnerDoc).Step(num)
	return &controlplane.StepExecution{
		Step:    st,
		Result:  &connectors.ExecResult{Status: connectors.ExecSuccess, Output: "ok"},
		Applied: applied,
	}
}

func (f *fakeBackend) ExecuteStep(_ context.Context, _ string, num int) (*controlplane.StepExecution, error) {
	f.dry = append(f.dry, num)
	return f.exec(num, false), nil
}

func (f *fakeBackend) RunStep(_ context.Context, _ string, num int) (*controlplane.StepExecution, error) {
	f.ran = append(f.ran, num)
	return f.exec(num, true), nil
}

func (f *fakeBackend) CompleteStep(_ string, num int, note string) (*controlplane.StepChange, error) {
	f.completed[num] = note
	st, _ := taskdoc.Parse(runnerDoc).Step(num)
	return &controlplane.StepChange{Step: st, Result: note}, nil
}

func (f *fakeBackend) SkipStep(_ string, num int, reason string) (*controlplane.StepChange, error) {
	f.skipped[num] = reason
	st, _ := taskdoc.Parse(runnerDoc).Step(num)
	return &controlplane.StepChange{Step: st, Result: reason}, nil
}

// collect runs cmd and any batched commands, returning the produced messages.
func collect(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, collect(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

// feed sends msg and then every message its commands produce, except
// spinner ticks and reloads, which are applied once.
func feed(a *App, msg tea.Msg) {
	_, cmd := a.Update(msg)
	for _, m := range collect(cmd) {
		switch m.(type) {
		case docLoadedMsg, execDoneMsg, changeDoneMsg, errMsg:
			_, next := a.Update(m)
			for _, n := range collect(next) {
				if _, ok := n.(docLoadedMsg); ok {
					a.Update(n)
				}
			}
		}
	}
}

func keyRune(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func loadedApp(t *testing.T, b Backend) *App {
	t.Helper()
	a := New(context.Background(), b, "runner.kosmos.md")
	for _, m := range collect(a.Init()) {
		a.Update(m)
	}
	if a.doc == nil {
		t.Fatal("Document not loaded")
	}
	return a
}

func TestLoadAndView(t *testing.T) {
	a := loadedApp(t, newFakeBackend())
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	view := a.View()
	for _, want := range []string{"Runner", "Task 1: Only", "1. Log", "3. Old", "33%"} {
		if !strings.Contains(view, want) {
			t.Errorf("View missing %q", want)
		}
	}
	if !strings.Contains(a.viewport.View(), "Step 1: Log") {
		t.Error("Detail panel should show the selected step")
	}
}

func TestNavigation(t *testing.T) {
	a := loadedApp(t, newFakeBackend())

	a.Update(tea.KeyMsg{Type: tea.KeyUp})
	if a.cursor != 0 {
		t.Errorf("Cursor should stay at 0, got %d", a.cursor)
	}
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	a.Update(keyRune('j'))
	a.Update(keyRune('j'))
	if a.cursor != 2 {
		t.Errorf("Cursor should stop at the last step, got %d", a.cursor)
	}
	a.Update(keyRune('k'))
	if st, _ := a.selected(); st.Number != 2 {
		t.Errorf("Expected step 2 selected, got %d", st.Number)
	}
}

func TestRunSelectedStep(t *testing.T) {
	b := newFakeBackend()
	a := loadedApp(t, b)

	feed(a, keyRune('x'))
	if len(b.ran) != 1 || b.ran[0] != 1 {
		t.Fatalf("Expected step 1 to run, got %v", b.ran)
	}
	if a.busy {
		t.Error("Runner should be idle after the result arrives")
	}
	if a.results[1] == nil || a.results[1].Output != "ok" {
		t.Errorf("Result not kept: %+v", a.results[1])
	}
	if !strings.Contains(a.message, "Step 1 done") {
		t.Errorf("Unexpected message %q", a.message)
	}

	feed(a, keyRune('d'))
	if len(b.dry) != 1 || !strings.Contains(a.message, "not recorded") {
		t.Errorf("Dry run not performed: %v %q", b.dry, a.message)
	}
}

func TestRunCompletedStepRefused(t *testing.T) {
	b := newFakeBackend()
	a := loadedApp(t, b)
	a.cursor = 2

	feed(a, keyRune('x'))
	if len(b.ran) != 0 || !a.isErr || !strings.Contains(a.message, "already completed") {
		t.Errorf("Completed step should be refused, ran=%v msg=%q", b.ran, a.message)
	}
}

func TestCompleteWithNote(t *testing.T) {
	b := newFakeBackend()
	a := loadedApp(t, b)
	a.cursor = 1

	a.Update(keyRune('c'))
	if !a.cmdbar.Focused() {
		t.Fatal("Prompt should open")
	}
	for _, r := range "all good" {
		a.Update(keyRune(r))
	}
	feed(a, tea.KeyMsg{Type: tea.KeyEnter})

	if note, ok := b.completed[2]; !ok || note != "all good" {
		t.Errorf("Expected completion with note, got %v", b.completed)
	}
	if a.cmdbar.Focused() {
		t.Error("Prompt should close after submit")
	}
	if !strings.Contains(a.message, "Step 2 completed") {
		t.Errorf("Unexpected message %q", a.message)
	}
}

func TestSkipCancelled(t *testing.T) {
	b := newFakeBackend()
	a := loadedApp(t, b)

	a.Update(keyRune('s'))
	a.Update(keyRune('n'))
	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if a.cmdbar.Focused() || len(b.skipped) != 0 {
		t.Errorf("Esc should cancel the skip, skipped=%v", b.skipped)
	}

	a.Update(keyRune('s'))
	feed(a, tea.KeyMsg{Type: tea.KeyEnter})
	if reason, ok := b.skipped[1]; !ok || reason != "" {
		t.Errorf("Expected skip without reason, got %v", b.skipped)
	}
}

func TestErrorMessage(t *testing.T) {
	b := newFakeBackend()
	a := loadedApp(t, b)

	a.Update(errMsg{errors.New("daemon down")})
	if !a.isErr || a.message != "Error: daemon down" {
		t.Errorf("Unexpected message %q", a.message)
	}
}

func TestQuit(t *testing.T) {
	a := loadedApp(t, newFakeBackend())
	_, cmd := a.Update(keyRune('q'))
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg")
	}
}
