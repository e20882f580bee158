package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// promptKind says what the typed text is used for.
type promptKind int

const (
	promptNone promptKind = iota
	promptNote
	promptReason
)

// CmdBarModel reads the optional note or skip reason for a step.
type CmdBarModel struct {
	input textinput.Model
	kind  promptKind
	step  int
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.CharLimit = 256
	return &CmdBarModel{
		input: ti,
	}
}

// Focused reports whether the bar is collecting input.
func (m *CmdBarModel) Focused() bool {
	return m.kind != promptNone
}

// Open starts collecting input of kind for step.
func (m *CmdBarModel) Open(kind promptKind, step int) tea.Cmd {
	m.kind = kind
	m.step = step
	m.input.SetValue("")
	if kind == promptNote {
		m.input.Placeholder = "note (optional, enter to confirm)"
	} else {
		m.input.Placeholder = "reason (optional, enter to confirm)"
	}
	return m.input.Focus()
}

// Close discards the input.
func (m *CmdBarModel) Close() {
	m.kind = promptNone
	m.input.Blur()
	m.input.SetValue("")
}

// Submit returns the prompt kind, step and typed text, then closes the bar.
func (m *CmdBarModel) Submit() (promptKind, int, string) {
	kind, step, val := m.kind, m.step, m.input.Value()
	m.Close()
	return kind, step, val
}

// Update forwards key input to the text field.
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// Width sets the input width.
func (m *CmdBarModel) Width(w int) {
	m.input.Width = w
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	label := "complete"
	if m.kind == promptReason {
		label = "skip"
	}
	prompt := promptStyle.Render(fmt.Sprintf("%s step %d: ", label, m.step))
	return cmdBarStyle.Render(prompt + m.input.View())
}
