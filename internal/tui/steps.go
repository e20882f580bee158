package tui

import (
	"fmt"
	"strings"

	"github.com/fentz26/kosmos/internal/connectors"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

// renderStepList draws the steps grouped under their tasks, keeping the
// cursor in view.
func (a *App) renderStepList(height int) string {
	if a.doc == nil {
		return "\n  Loading document...\n"
	}
	if len(a.doc.Steps) == 0 {
		return "\n  No steps found.\n"
	}

	titles := make(map[int]string, len(a.doc.Tasks))
	for _, t := range a.doc.Tasks {
		titles[t.Number] = t.Title
	}

	var lines []string
	cursorLine := 0
	lastTask := -1
	for i, st := range a.doc.Steps {
		task := 0
		if st.TaskNumber != nil {
			task = *st.TaskNumber
		}
		if task != lastTask && task != 0 {
			lines = append(lines, taskHeadingStyle.Render(fmt.Sprintf("Task %d: %s", task, titles[task])))
		}
		lastTask = task

		label := checkMark(st) + " " + truncate(fmt.Sprintf("%d. %s%s", st.Number, st.Title, codeMark(st)), a.listWidth()-6)
		if i == a.cursor {
			cursorLine = len(lines)
			lines = append(lines, selectedStyle.Render("▶ "+label))
		} else {
			lines = append(lines, stepItemStyle.Render("  "+label))
		}
	}

	if height > 0 && len(lines) > height {
		start := cursorLine - height/2
		if start < 0 {
			start = 0
		}
		if start+height > len(lines) {
			start = len(lines) - height
		}
		lines = lines[start : start+height]
	}
	return strings.Join(lines, "\n")
}

func checkMark(st taskdoc.Step) string {
	if st.Completed {
		return doneStyle.Render("✓")
	}
	return pendingStyle.Render("○")
}

func codeMark(st taskdoc.Step) string {
	if st.HasCode() {
		return " ⚡"
	}
	return ""
}

// renderStepDetail draws one step with the result of its last execution
// in this session.
func renderStepDetail(st taskdoc.Step, last *connectors.ExecResult, width int) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Step %d: %s", st.Number, st.Title)))
	b.WriteString("\n\n")

	status := pendingStyle.Render("pending")
	if st.Completed {
		status = doneStyle.Render("completed")
	}
	b.WriteString(renderField("Status", status))
	if st.Completed {
		verified := "no"
		if st.VerificationPassed {
			verified = "yes"
		}
		b.WriteString(renderField("Verified", verified))
	}

	if st.Code != nil {
		lang := st.Code.Language
		if lang == "" {
			lang = "js"
		}
		if st.Code.Optional {
			lang += " (optional)"
		}
		b.WriteString(sectionStyle.Render("Code · " + lang))
		b.WriteString("\n")
		b.WriteString(codeStyle.Width(width).Render(st.Code.Source))
		b.WriteString("\n")
	}

	if st.ExpectedResult != "" {
		b.WriteString(sectionStyle.Render("Expected result"))
		b.WriteString("\n  " + st.ExpectedResult + "\n")
	}
	if st.ActualResult != "" {
		b.WriteString(sectionStyle.Render("Result"))
		b.WriteString("\n" + indent(st.ActualResult) + "\n")
	}

	if last != nil {
		b.WriteString(sectionStyle.Render("Last run"))
		b.WriteString("\n")
		var state string
		switch last.Status {
		case connectors.ExecSuccess:
			state = doneStyle.Render("success")
		case connectors.ExecManual:
			state = pendingStyle.Render("manual")
		default:
			state = failedStyle.Render("failed")
		}
		b.WriteString(renderField("Outcome", fmt.Sprintf("%s in %s", state, last.Duration)))
		if last.Output != "" {
			b.WriteString(indent(last.Output) + "\n")
		}
		if last.Error != "" {
			b.WriteString(failedStyle.Render(indent(last.Error)) + "\n")
		}
	}
	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), value)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
