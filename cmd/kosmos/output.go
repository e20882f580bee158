package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/kosmos/internal/connectors"
	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
)

func printValidation(w io.Writer, name string, res taskdoc.Result) {
	if res.Valid {
		fmt.Fprintf(w, "%s %s is valid\n", okStyle.Render("✓"), name)
	} else {
		fmt.Fprintf(w, "%s %s has %d error(s):\n", errorStyle.Render("✗"), name, len(res.Errors))
		for i, e := range res.Errors {
			fmt.Fprintf(w, "  %d. %s\n", i+1, e)
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("warning:"), warn)
	}
}

func progressBar(percent, width int) string {
	filled := width * percent / 100
	return okStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
}

func printProgress(w io.Writer, r *controlplane.ProgressReport) {
	title := r.Title
	if title == "" {
		title = r.Document
	}
	fmt.Fprintf(w, "%s  %s\n", titleStyle.Render(title), dimStyle.Render(string(r.Status)))
	fmt.Fprintf(w, "%s %3d%%  %d/%d steps\n", progressBar(r.Percent, 30), r.Percent, r.Completed, r.Total)
	for _, t := range r.Tasks {
		fmt.Fprintf(w, "  Task %d: %-30s %3d%%  (%d/%d)\n", t.Number, t.Title, t.Percent, t.Completed, t.Total)
	}
}

func printDocument(w io.Writer, doc *taskdoc.Document) {
	printProgress(w, controlplane.ReportProgress("", doc))
	if doc.Metadata.LastUpdate != "" {
		fmt.Fprintf(w, "%s\n", dimStyle.Render("updated "+doc.Metadata.LastUpdate))
	}
	fmt.Fprintln(w)

	titles := make(map[int]string, len(doc.Tasks))
	for _, t := range doc.Tasks {
		titles[t.Number] = t.Title
	}
	last := -1
	for _, st := range doc.Steps {
		task := 0
		if st.TaskNumber != nil {
			task = *st.TaskNumber
		}
		if task != last && task != 0 {
			fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Task %d: %s", task, titles[task])))
		}
		last = task

		mark := dimStyle.Render("○")
		if st.Completed {
			mark = okStyle.Render("✓")
		}
		code := ""
		if st.Code != nil {
			lang := st.Code.Language
			if lang == "" {
				lang = "js"
			}
			code = dimStyle.Render(" [" + lang + "]")
		}
		fmt.Fprintf(w, "  %s %d. %s%s\n", mark, st.Number, st.Title, code)
	}
}

func printExecution(w io.Writer, e controlplane.StepExecution) {
	res := e.Result
	head := fmt.Sprintf("Step %d: %s", e.Step.Number, e.Step.Title)
	switch res.Status {
	case connectors.ExecSuccess:
		fmt.Fprintf(w, "%s %s %s\n", okStyle.Render("✓"), head, dimStyle.Render(res.Duration.String()))
	case connectors.ExecManual:
		fmt.Fprintf(w, "%s %s %s\n", warnStyle.Render("…"), head, dimStyle.Render("manual"))
	default:
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("✗"), head)
	}
	if res.Output != "" {
		fmt.Fprintln(w, indent(res.Output))
	}
	if res.Error != "" {
		fmt.Fprintln(w, errorStyle.Render(indent(res.Error)))
	}
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}
