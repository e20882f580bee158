package taskdoc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/kosmos/internal/connectors"
)

// Rendered result texts.
const (
	NoOutput        = "(no output)"
	CompletedByHand = "(Completed manually)"
)

// OutcomeKind says how a step was completed.
type OutcomeKind string

const (
	OutcomeExecuted OutcomeKind = "executed"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeManual   OutcomeKind = "manual"
)

// Outcome is what gets written into a step when it is marked done.
type Outcome struct {
	Kind   OutcomeKind
	Result *connectors.ExecResult
	Reason string
	Note   string
}

// Executed records the result of running the step's code block.
func Executed(res *connectors.ExecResult) Outcome {
	return Outcome{Kind: OutcomeExecuted, Result: res}
}

// Skipped records a skip with an optional reason.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: strings.TrimSpace(reason)}
}

// ManuallyCompleted records a step finished by hand.
func ManuallyCompleted(note string) Outcome {
	return Outcome{Kind: OutcomeManual, Note: strings.TrimSpace(note)}
}

// Text renders the outcome as the value of the step's Result field.
func (o Outcome) Text() string {
	switch o.Kind {
	case OutcomeSkipped:
		if o.Reason == "" {
			return "(Skipped)"
		}
		return "(Skipped: " + o.Reason + ")"
	case OutcomeManual:
		if o.Note == "" {
			return CompletedByHand
		}
		return o.Note
	}
	if o.Result == nil {
		return NoOutput
	}
	out := strings.TrimSpace(o.Result.Output)
	if o.Result.Status == connectors.ExecFailed && o.Result.Error != "" {
		if out != "" {
			out += "\n"
		}
		out += "Exception: " + o.Result.Error
	}
	if out == "" {
		return NoOutput
	}
	return out
}

// Mutation pairs a step, as parsed from the current text, with the outcome
// to record for it.
type Mutation struct {
	Step    Step
	Outcome Outcome
}

// Patch is the result of ApplyAll.
type Patch struct {
	Text     string
	Steps    []Step // mutated steps with spans valid in Text, in document order
	Progress Progress
}

// Mutator writes step outcomes back into document text. Only the bytes of
// the targeted steps and the header progress and date values change.
type Mutator struct {
	Now func() time.Time
}

// NewMutator returns a Mutator stamping dates from the wall clock.
func NewMutator() *Mutator {
	return &Mutator{Now: time.Now}
}

func (m *Mutator) now() time.Time {
	if m == nil || m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Apply marks one step done and records outcome in its Result field.
func (m *Mutator) Apply(text string, step Step, outcome Outcome) (string, error) {
	p, err := m.ApplyAll(text, []Mutation{{Step: step, Outcome: outcome}})
	if err != nil {
		return "", err
	}
	return p.Text, nil
}

// ApplyAll applies several mutations against the same text in one pass.
// Every span refers to text as given; the patch carries the shifted spans.
func (m *Mutator) ApplyAll(text string, muts []Mutation) (*Patch, error) {
	ordered := make([]Mutation, len(muts))
	copy(ordered, muts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Step.Span.Start < ordered[j].Step.Span.Start
	})

	edits := make([]edit, 0, len(ordered))
	for i, mu := range ordered {
		if err := checkSpan(text, mu.Step); err != nil {
			return nil, err
		}
		if i > 0 && mu.Step.Span.Start < ordered[i-1].Step.Span.End {
			return nil, fmt.Errorf("%w: step %d and step %d", ErrOverlappingSpans, ordered[i-1].Step.Number, mu.Step.Number)
		}
		body, err := rewriteStep(text[mu.Step.Span.Start:mu.Step.Span.End], mu.Outcome)
		if err != nil {
			return nil, fmt.Errorf("rewrite step %d: %w", mu.Step.Number, err)
		}
		edits = append(edits, edit{span: mu.Step.Span, text: body})
	}

	stepped, err := splice(text, edits)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(edits))
	delta := 0
	for i, e := range edits {
		old := ordered[i].Step
		start := e.span.Start + delta
		span := Span{Start: start, End: start + len(e.text)}
		delta += e.delta()

		st := parseStep(stepped, heading{num: old.Number, title: old.Title, start: start}, span)
		st.TaskNumber = old.TaskNumber
		steps = append(steps, st)
	}

	header := m.headerEdits(stepped)
	final, err := splice(stepped, header)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		steps[i].Span = steps[i].Span.Shift(shiftAfter(steps[i].Span.Start, header))
	}

	return &Patch{Text: final, Steps: steps, Progress: ParseProgress(final)}, nil
}

// RefreshHeader recomputes the Progress percentage from the Done markers
// and stamps Last update with today's date.
func (m *Mutator) RefreshHeader(text string) string {
	out, err := splice(text, m.headerEdits(text))
	if err != nil {
		return text
	}
	return out
}

func (m *Mutator) headerEdits(text string) []edit {
	var edits []edit
	if loc := progressRe.FindStringSubmatchIndex(text); loc != nil {
		pct := strconv.Itoa(ParseProgress(text).Percent)
		edits = append(edits, edit{span: Span{Start: loc[2], End: loc[3]}, text: pct})
	}
	if loc := dateRe.FindStringSubmatchIndex(text); loc != nil {
		edits = append(edits, edit{span: Span{Start: loc[2], End: loc[3]}, text: m.now().Format(DateLayout)})
	}
	return edits
}

func checkSpan(text string, st Step) error {
	sp := st.Span
	if sp.Start < 0 || sp.End > len(text) || sp.End <= sp.Start {
		return fmt.Errorf("%w: step %d span [%d,%d) outside %d bytes", ErrStaleSpan, st.Number, sp.Start, sp.End, len(text))
	}
	loc := stepRe.FindStringSubmatchIndex(text[sp.Start:sp.End])
	if loc == nil || loc[0] != 0 {
		return fmt.Errorf("%w: step %d span does not start at its heading", ErrStaleSpan, st.Number)
	}
	n, err := strconv.Atoi(text[sp.Start+loc[2] : sp.Start+loc[3]])
	if err != nil || n != st.Number {
		return fmt.Errorf("%w: expected step %d at offset %d", ErrStaleSpan, st.Number, sp.Start)
	}
	return nil
}

// rewriteStep flips the Done checkbox and fills the Result field of one
// step body.
func rewriteStep(body string, o Outcome) (string, error) {
	l := scanStep(body)
	var edits []edit

	switch {
	case l.checkbox < 0:
		edits = append(edits, edit{span: Span{Start: l.headingEnd, End: l.headingEnd}, text: "\n\n  - [x] Done"})
	case !l.checked:
		edits = append(edits, edit{span: Span{Start: l.checkbox, End: l.checkbox + 1}, text: "x"})
	}

	value := sanitize(o.Text())
	r := l.result
	switch {
	case r.present && r.valueStart >= 0:
		edits = append(edits, edit{
			span: Span{Start: r.valueStart, End: r.valueEnd},
			text: indentRest(value, r.indent),
		})
	case r.present:
		ind := r.labelIndent
		edits = append(edits, edit{
			span: Span{Start: r.labelEnd, End: r.labelEnd},
			text: "\n" + ind + indentRest(value, ind),
		})
	case l.verification >= 0:
		ind := "  "
		edits = append(edits, edit{
			span: Span{Start: l.verification, End: l.verification},
			text: ind + "Result:\n" + ind + indentRest(value, ind) + "\n\n",
		})
	default:
		pos := len(strings.TrimRight(body, "\r\n"))
		edits = append(edits, edit{
			span: Span{Start: pos, End: pos},
			text: "\n\n  Result:\n  " + indentRest(value, "  "),
		})
	}

	return splice(body, edits)
}

// indentRest prefixes every line after the first with indent. The first
// line is placed where the old value started, which is already indented.
func indentRest(s, indent string) string {
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = indent + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

// sanitize escapes output lines that would otherwise read as document
// structure: headings, fences, checkboxes and field labels. Blank lines
// are dropped since a blank line ends the Result value.
func sanitize(s string) string {
	var out []string
	for _, ln := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		t := strings.TrimLeft(ln, " \t")
		switch {
		case strings.TrimSpace(t) == "":
			continue
		case structural(t):
			ln = leadingSpace(ln) + `\` + t
		}
		out = append(out, ln)
	}
	if len(out) == 0 {
		return NoOutput
	}
	return strings.Join(out, "\n")
}

func structural(t string) bool {
	if strings.HasPrefix(t, "#") || strings.HasPrefix(t, "```") || strings.HasPrefix(t, "---") {
		return true
	}
	if checkboxRe.MatchString(t) {
		return true
	}
	for _, label := range []string{"Expected result:", "Actual result:", "Result:", "Verification:", "**"} {
		if _, ok := hasLabel(t, label); ok {
			return true
		}
	}
	return false
}
