// Package tui provides the interactive step runner for kosmos documents.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/kosmos/internal/connectors"
	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

// Backend is what the runner needs from the control plane. Both
// *controlplane.Service and *Client satisfy it.
type Backend interface {
	ParseDocument(name string) (*taskdoc.Document, error)
	ExecuteStep(ctx context.Context, name string, num int) (*controlplane.StepExecution, error)
	RunStep(ctx context.Context, name string, num int) (*controlplane.StepExecution, error)
	CompleteStep(name string, num int, note string) (*controlplane.StepChange, error)
	SkipStep(name string, num int, reason string) (*controlplane.StepChange, error)
}

type docLoadedMsg struct {
	doc *taskdoc.Document
}

type execDoneMsg struct {
	exec *controlplane.StepExecution
	dry  bool
}

type changeDoneMsg struct {
	change *controlplane.StepChange
	verb   string
}

type errMsg struct {
	err error
}

// App is the main TUI application model.
type App struct {
	ctx      context.Context
	backend  Backend
	name     string
	doc      *taskdoc.Document
	cursor   int
	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	viewport viewport.Model
	cmdbar   *CmdBarModel
	busy     bool
	results  map[int]*connectors.ExecResult
	message  string
	isErr    bool
	width    int
	height   int
}

// New creates a runner for the document name.
func New(ctx context.Context, backend Backend, name string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &App{
		ctx:      ctx,
		backend:  backend,
		name:     name,
		keys:     defaultKeys,
		help:     help.New(),
		spinner:  sp,
		viewport: viewport.New(60, 20),
		cmdbar:   NewCmdBarModel(),
		results:  make(map[int]*connectors.ExecResult),
		width:    100,
		height:   30,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen(), tea.WithContext(a.ctx))
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return a.load()
}

func (a *App) load() tea.Cmd {
	return func() tea.Msg {
		doc, err := a.backend.ParseDocument(a.name)
		if err != nil {
			return errMsg{err}
		}
		return docLoadedMsg{doc}
	}
}

// selected returns the step under the cursor.
func (a *App) selected() (taskdoc.Step, bool) {
	if a.doc == nil || a.cursor < 0 || a.cursor >= len(a.doc.Steps) {
		return taskdoc.Step{}, false
	}
	return a.doc.Steps[a.cursor], true
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		a.cmdbar.Width(msg.Width - 30)
		a.resize()
		return a, nil

	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			return a, a.updatePrompt(msg)
		}
		return a, a.handleKey(msg)

	case spinner.TickMsg:
		if !a.busy {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case docLoadedMsg:
		a.doc = msg.doc
		if a.cursor >= len(a.doc.Steps) {
			a.cursor = max(0, len(a.doc.Steps)-1)
		}
		a.refreshDetail()
		return a, nil

	case execDoneMsg:
		a.busy = false
		res := msg.exec.Result
		a.results[msg.exec.Step.Number] = res
		a.setMessage(describeExec(msg.exec, msg.dry), res.Status == connectors.ExecFailed)
		if msg.exec.Applied {
			return a, a.load()
		}
		a.refreshDetail()
		return a, nil

	case changeDoneMsg:
		a.busy = false
		a.setMessage(fmt.Sprintf("✓ Step %d %s (%d%%)", msg.change.Step.Number, msg.verb, msg.change.Progress.Percent), false)
		return a, a.load()

	case errMsg:
		a.busy = false
		a.setMessage("Error: "+msg.err.Error(), true)
		return a, nil
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, a.keys.Quit):
		return tea.Quit
	case key.Matches(msg, a.keys.Help):
		a.help.ShowAll = !a.help.ShowAll
		a.resize()
		return nil
	case key.Matches(msg, a.keys.Up):
		if a.cursor > 0 {
			a.cursor--
			a.refreshDetail()
		}
		return nil
	case key.Matches(msg, a.keys.Down):
		if a.doc != nil && a.cursor < len(a.doc.Steps)-1 {
			a.cursor++
			a.refreshDetail()
		}
		return nil
	case key.Matches(msg, a.keys.Reload):
		return a.load()
	}

	if a.busy {
		return nil
	}
	st, ok := a.selected()
	if !ok {
		return nil
	}

	switch {
	case key.Matches(msg, a.keys.Run):
		if st.Completed {
			a.setMessage(fmt.Sprintf("Step %d is already completed", st.Number), true)
			return nil
		}
		return a.execute(st.Number, false)
	case key.Matches(msg, a.keys.DryRun):
		return a.execute(st.Number, true)
	case key.Matches(msg, a.keys.Complete), key.Matches(msg, a.keys.Skip):
		if st.Completed {
			a.setMessage(fmt.Sprintf("Step %d is already completed", st.Number), true)
			return nil
		}
		kind := promptNote
		if key.Matches(msg, a.keys.Skip) {
			kind = promptReason
		}
		return a.cmdbar.Open(kind, st.Number)
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return cmd
}

func (a *App) updatePrompt(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		a.cmdbar.Close()
		return nil
	case tea.KeyEnter:
		kind, step, text := a.cmdbar.Submit()
		a.busy = true
		return tea.Batch(a.spinner.Tick, a.settle(kind, step, strings.TrimSpace(text)))
	}
	return a.cmdbar.Update(msg)
}

func (a *App) execute(num int, dry bool) tea.Cmd {
	a.busy = true
	a.message = ""
	run := func() tea.Msg {
		var (
			exec *controlplane.StepExecution
			err  error
		)
		if dry {
			exec, err = a.backend.ExecuteStep(a.ctx, a.name, num)
		} else {
			exec, err = a.backend.RunStep(a.ctx, a.name, num)
		}
		if err != nil {
			return errMsg{err}
		}
		return execDoneMsg{exec: exec, dry: dry}
	}
	return tea.Batch(a.spinner.Tick, run)
}

func (a *App) settle(kind promptKind, num int, text string) tea.Cmd {
	return func() tea.Msg {
		var (
			ch   *controlplane.StepChange
			err  error
			verb = "completed"
		)
		if kind == promptReason {
			ch, err = a.backend.SkipStep(a.name, num, text)
			verb = "skipped"
		} else {
			ch, err = a.backend.CompleteStep(a.name, num, text)
		}
		if err != nil {
			return errMsg{err}
		}
		return changeDoneMsg{change: ch, verb: verb}
	}
}

func (a *App) setMessage(msg string, isErr bool) {
	a.message = msg
	a.isErr = isErr
}

func describeExec(e *controlplane.StepExecution, dry bool) string {
	res := e.Result
	switch {
	case res.Manual():
		return fmt.Sprintf("Step %d: %s", e.Step.Number, res.Output)
	case res.Status == connectors.ExecFailed:
		return fmt.Sprintf("✗ Step %d failed: %s", e.Step.Number, res.Error)
	case dry:
		return fmt.Sprintf("✓ Step %d ran in %s (not recorded)", e.Step.Number, res.Duration)
	}
	return fmt.Sprintf("✓ Step %d done (%d%%)", e.Step.Number, e.Progress.Percent)
}

func (a *App) listWidth() int {
	return max(28, a.width/3)
}

func (a *App) resize() {
	helpHeight := lipgloss.Height(a.help.View(a.keys))
	a.viewport.Width = max(20, a.width-a.listWidth()-4)
	a.viewport.Height = max(5, a.height-6-helpHeight)
	a.refreshDetail()
}

func (a *App) refreshDetail() {
	st, ok := a.selected()
	if !ok {
		a.viewport.SetContent("No steps in this document.")
		return
	}
	a.viewport.SetContent(renderStepDetail(st, a.results[st.Number], a.viewport.Width))
	a.viewport.GotoTop()
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	title := a.name
	var progress taskdoc.Progress
	if a.doc != nil {
		progress = a.doc.Progress
		if a.doc.Metadata.Title != "" {
			title = a.doc.Metadata.Title
		}
	}
	header := titleStyle.Render("kosmos · "+title) + "  " + progressBar(progress, 20)
	if a.busy {
		header += "  " + a.spinner.View() + " running"
	}
	b.WriteString(header + "\n")
	b.WriteString(mutedStyle.Render(strings.Repeat("─", max(0, a.width))) + "\n")

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(a.listWidth()).Render(a.renderStepList(a.viewport.Height)),
		panelStyle.Render(a.viewport.View()),
	)
	b.WriteString(body + "\n")

	switch {
	case a.cmdbar.Focused():
		b.WriteString(a.cmdbar.View())
	case a.message != "":
		style := doneStyle
		if a.isErr {
			style = failedStyle
		}
		b.WriteString(style.Render(a.message))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" %s | %d/%d steps | %d%%", a.name, progress.Completed, progress.Total, progress.Percent)
	b.WriteString(statusBarStyle.Width(a.width).Render(status) + "\n")
	b.WriteString(a.help.View(a.keys))
	return b.String()
}

func progressBar(p taskdoc.Progress, width int) string {
	filled := width * p.Percent / 100
	bar := doneStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, p.Percent)
}
