package taskdoc

import (
	"fmt"
	"strings"
)

// Render writes doc out in the canonical layout. Parsing the output yields
// the same metadata, tasks and steps (spans aside).
func Render(doc *Document) string {
	var b strings.Builder

	title := doc.Metadata.Title
	if title == "" {
		title = "Untitled"
	}
	status := doc.Metadata.Status
	if !status.Valid() {
		status = StatusInProgress
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Status:** %s\n", status)
	fmt.Fprintf(&b, "**Progress:** %d%%\n", doc.Metadata.ProgressPercent)
	fmt.Fprintf(&b, "**Last update:** %s\n\n", doc.Metadata.LastUpdate)
	b.WriteString("## Goal\n\n")
	if g := strings.TrimSpace(doc.Metadata.Goal); g != "" {
		b.WriteString(g)
		b.WriteString("\n")
	}

	for _, st := range doc.OrphanSteps() {
		b.WriteString("\n")
		renderStep(&b, st)
	}
	for _, t := range doc.Tasks {
		fmt.Fprintf(&b, "\n## Task %d: %s\n", t.Number, t.Title)
		for _, st := range t.Steps {
			b.WriteString("\n")
			renderStep(&b, st)
		}
	}
	return b.String()
}

func renderStep(b *strings.Builder, st Step) {
	mark := " "
	if st.Completed {
		mark = "x"
	}
	fmt.Fprintf(b, "### Step %d: %s\n\n", st.Number, st.Title)
	fmt.Fprintf(b, "  - [%s] Done\n\n", mark)

	if st.Code != nil {
		opt := ""
		if st.Code.Optional {
			opt = " optional"
		}
		fmt.Fprintf(b, "  ```%s executable%s\n", st.Code.Language, opt)
		for _, ln := range strings.Split(st.Code.Source, "\n") {
			if ln == "" {
				b.WriteString("\n")
				continue
			}
			b.WriteString("  " + ln + "\n")
		}
		b.WriteString("  ```\n\n")
	}

	b.WriteString("  Expected result: ")
	b.WriteString(indentRest(st.ExpectedResult, "  "))
	b.WriteString("\n\n")

	result := st.ActualResult
	if result == "" {
		result = emptyPlaceholder
	}
	b.WriteString("  Result:\n  ")
	b.WriteString(indentRest(result, "  "))
	b.WriteString("\n\n")

	passed := " "
	if st.VerificationPassed {
		passed = "x"
	}
	fmt.Fprintf(b, "  Verification:\n    - [%s] passed.\n", passed)
}
