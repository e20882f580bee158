// Package taskdoc parses, validates, renders and patches .kosmos.md task
// documents.
//
// A task document is plain markdown with a fixed header block, a goal
// section, "## Task N:" headings and "### Step N:" headings. Everything in
// this package is a pure function of the document text: callers load text,
// hand it in, and get new text back.
package taskdoc

import "time"

// DateLayout is the calendar date format used by the "Last update" header.
const DateLayout = "2006-01-02"

// FileSuffix is the file name suffix of task documents.
const FileSuffix = ".kosmos.md"

// Status is the document-level status from the "**Status:**" header.
type Status string

const (
	StatusInProgress Status = "in progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is one of the three permitted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Span is a half-open [Start, End) byte range into a document's text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Shift moves the span by delta bytes.
func (s Span) Shift(delta int) Span {
	return Span{Start: s.Start + delta, End: s.End + delta}
}

// Metadata is the document header: title, status, progress, date and goal.
// Fields that are missing from the text are left at their zero value.
type Metadata struct {
	Title           string `json:"title,omitempty"`
	Status          Status `json:"status,omitempty"`
	ProgressPercent int    `json:"progress"`
	LastUpdate      string `json:"last_update,omitempty"`
	Goal            string `json:"goal,omitempty"`
}

// LastUpdateTime parses LastUpdate as a calendar date.
func (m Metadata) LastUpdateTime() (time.Time, bool) {
	t, err := time.Parse(DateLayout, m.LastUpdate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CodeBlock is a fenced block tagged "executable" inside a step.
type CodeBlock struct {
	Language string `json:"language"`
	Source   string `json:"source"`
	Optional bool   `json:"optional,omitempty"`
}

// Step is one unit of work. Steps are only ever produced by Parse; Span
// locates the step inside the text it was parsed from.
type Step struct {
	Number             int        `json:"num"`
	TaskNumber         *int       `json:"task_num"`
	Title              string     `json:"title"`
	Completed          bool       `json:"completed"`
	Code               *CodeBlock `json:"code,omitempty"`
	ExpectedResult     string     `json:"expected"`
	ActualResult       string     `json:"result,omitempty"`
	VerificationPassed bool       `json:"verification_passed"`
	Span               Span       `json:"span"`
}

// HasCode reports whether the step carries an executable block.
func (s Step) HasCode() bool {
	return s.Code != nil
}

// Task groups the steps between one "## Task N:" heading and the next.
type Task struct {
	Number int    `json:"num"`
	Title  string `json:"title"`
	Steps  []Step `json:"steps"`
	Span   Span   `json:"span"`
}

// CompletedSteps counts the task's completed steps.
func (t Task) CompletedSteps() int {
	n := 0
	for _, s := range t.Steps {
		if s.Completed {
			n++
		}
	}
	return n
}

// Progress is the aggregate completion state of a document, derived from
// its "Done" checkboxes.
type Progress struct {
	Total     int `json:"total_steps"`
	Completed int `json:"completed_steps"`
	Pending   int `json:"pending_steps"`
	Percent   int `json:"progress"`
}

// Document is the parsed form of a task document.
type Document struct {
	Metadata Metadata `json:"metadata"`
	Tasks    []Task   `json:"tasks"`
	Steps    []Step   `json:"steps"`
	Progress Progress `json:"progress"`
}

// Step returns the step with the given number. When a document repeats a
// number (which Validate reports) the first occurrence wins.
func (d *Document) Step(num int) (Step, bool) {
	for _, s := range d.Steps {
		if s.Number == num {
			return s, true
		}
	}
	return Step{}, false
}

// PendingSteps returns the steps that are not yet completed, in document order.
func (d *Document) PendingSteps() []Step {
	var out []Step
	for _, s := range d.Steps {
		if !s.Completed {
			out = append(out, s)
		}
	}
	return out
}

// OrphanSteps returns steps that appear before the first task heading.
func (d *Document) OrphanSteps() []Step {
	var out []Step
	for _, s := range d.Steps {
		if s.TaskNumber == nil {
			out = append(out, s)
		}
	}
	return out
}
