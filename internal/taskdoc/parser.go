package taskdoc

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	statusRe     = regexp.MustCompile(`(?mi)^[ \t]*\*\*Status:\*\*[ \t]+(in progress|done|blocked)\b`)
	progressRe   = regexp.MustCompile(`(?m)^[ \t]*\*\*Progress:\*\*[ \t]+(\d+)%`)
	dateRe       = regexp.MustCompile(`(?m)^[ \t]*\*\*Last update:\*\*[ \t]+(\d{4}-\d{2}-\d{2})`)
	titleRe      = regexp.MustCompile(`(?m)^# (.+?)[ \t]*\r?$`)
	goalRe       = regexp.MustCompile(`(?m)^## Goal[ \t]*\r?$`)
	sectionEndRe = regexp.MustCompile(`(?m)^(?:## |---)`)
	taskRe       = regexp.MustCompile(`(?m)^## Task (\d+):[ \t]*(.*?)[ \t]*\r?$`)
	stepRe       = regexp.MustCompile(`(?m)^### Step (\d+):[ \t]*(.*?)[ \t]*\r?$`)
	doneRe       = regexp.MustCompile(`(?mi)^[ \t]*- \[([ x])\] Done\b`)
	codeRe       = regexp.MustCompile("(?m)^[ \\t]*```([\\w+#.-]*)[ \\t]+executable(?:[ \\t]+(optional))?[ \\t]*\\r?\\n((?s:.*?))\\r?\\n[ \\t]*```")
	execFenceRe  = regexp.MustCompile("^```[\\w+#.-]*[ \\t]+executable\\b")
	checkboxRe   = regexp.MustCompile(`^- \[([ xX])\][ \t]*(.*)$`)
)

// emptyPlaceholder marks a Result field that has not been filled in yet.
const emptyPlaceholder = "(empty)"

// Parse extracts the full document model from text. Parse never fails:
// fields it cannot find are left empty and Validate is responsible for
// reporting them. Identical input always yields an identical model.
func Parse(text string) *Document {
	doc := &Document{
		Metadata: ParseMetadata(text),
		Progress: ParseProgress(text),
		Tasks:    []Task{},
		Steps:    []Step{},
	}

	fences := fencedRanges(text)
	tasks := findHeadings(taskRe, text, fences)
	steps := findHeadings(stepRe, text, fences)

	bounds := make([]int, 0, len(tasks)+len(steps))
	for _, h := range tasks {
		bounds = append(bounds, h.start)
	}
	for _, h := range steps {
		bounds = append(bounds, h.start)
	}
	sort.Ints(bounds)

	for _, h := range steps {
		end := len(text)
		if i := sort.SearchInts(bounds, h.start+1); i < len(bounds) {
			end = bounds[i]
		}
		st := parseStep(text, h, Span{Start: h.start, End: end})
		st.TaskNumber = taskBefore(tasks, h.start)
		doc.Steps = append(doc.Steps, st)
	}

	for i, h := range tasks {
		end := len(text)
		if i+1 < len(tasks) {
			end = tasks[i+1].start
		}
		task := Task{
			Number: h.num,
			Title:  h.title,
			Span:   Span{Start: h.start, End: end},
			Steps:  []Step{},
		}
		for _, st := range doc.Steps {
			if st.Span.Start > task.Span.Start && st.Span.Start < task.Span.End {
				task.Steps = append(task.Steps, st)
			}
		}
		doc.Tasks = append(doc.Tasks, task)
	}

	return doc
}

// ParseMetadata extracts only the header fields and the goal section.
func ParseMetadata(text string) Metadata {
	var m Metadata
	if g := statusRe.FindStringSubmatch(text); g != nil {
		m.Status = Status(strings.ToLower(g[1]))
	}
	if g := progressRe.FindStringSubmatch(text); g != nil {
		if n, err := strconv.Atoi(g[1]); err == nil {
			m.ProgressPercent = n
		}
	}
	if g := dateRe.FindStringSubmatch(text); g != nil {
		m.LastUpdate = g[1]
	}
	if g := titleRe.FindStringSubmatch(text); g != nil {
		m.Title = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(g[1]), FileSuffix))
	}
	m.Goal = parseGoal(text)
	return m
}

// ParseProgress counts "Done" checkboxes across the whole document,
// ignoring fenced blocks. The Mutator recomputes the header percentage
// with this same function.
func ParseProgress(text string) Progress {
	var p Progress
	fences := fencedRanges(text)
	for _, m := range doneRe.FindAllStringSubmatchIndex(text, -1) {
		if inRanges(fences, m[0]) {
			continue
		}
		p.Total++
		if text[m[2]:m[3]] != " " {
			p.Completed++
		}
	}
	p.Pending = p.Total - p.Completed
	p.Percent = Percent(p.Completed, p.Total)
	return p
}

// Percent returns round(100*done/total), or 0 when total is 0.
func Percent(done, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

func parseGoal(text string) string {
	loc := goalRe.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[1]:]
	if e := sectionEndRe.FindStringIndex(rest); e != nil {
		rest = rest[:e[0]]
	}
	return strings.TrimSpace(rest)
}

type heading struct {
	num   int
	title string
	start int
}

// findHeadings returns the matches of re that start outside fences.
func findHeadings(re *regexp.Regexp, text string, fences []Span) []heading {
	var out []heading
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		if inRanges(fences, m[0]) {
			continue
		}
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			continue
		}
		out = append(out, heading{
			num:   n,
			title: strings.TrimSpace(text[m[4]:m[5]]),
			start: m[0],
		})
	}
	return out
}

// fencedRanges returns the byte ranges of fenced blocks, fence lines
// included. An unclosed fence runs to the end of text.
func fencedRanges(text string) []Span {
	var out []Span
	open := -1
	for _, ln := range splitLines(text) {
		if !strings.HasPrefix(strings.TrimSpace(ln.text), "```") {
			continue
		}
		if open < 0 {
			open = ln.start
			continue
		}
		out = append(out, Span{Start: open, End: ln.start + len(ln.text)})
		open = -1
	}
	if open >= 0 {
		out = append(out, Span{Start: open, End: len(text)})
	}
	return out
}

func inRanges(rs []Span, pos int) bool {
	for _, r := range rs {
		if pos >= r.Start && pos < r.End {
			return true
		}
	}
	return false
}

func taskBefore(tasks []heading, pos int) *int {
	var found *int
	for _, t := range tasks {
		if t.start >= pos {
			break
		}
		n := t.num
		found = &n
	}
	return found
}

func parseStep(text string, h heading, span Span) Step {
	body := text[span.Start:span.End]
	layout := scanStep(body)

	st := Step{
		Number:             h.num,
		Title:              h.title,
		Completed:          layout.checked,
		Code:               layout.code,
		ExpectedResult:     joinField(layout.expected),
		VerificationPassed: layout.passed,
		Span:               span,
	}
	if actual := joinField(layout.result.lines); !layout.result.placeholder && actual != emptyPlaceholder {
		st.ActualResult = actual
	}
	return st
}

type fieldKind int

const (
	fieldNone fieldKind = iota
	fieldExpected
	fieldResult
	fieldVerification
)

// resultField records where the Result value sits inside a step body so
// the Mutator can rewrite it in place. The value ends at the first blank
// line after its content, or right after an "(empty)" placeholder.
type resultField struct {
	present     bool
	placeholder bool
	labelIndent string
	labelEnd    int // offset of the end of the label line, before the newline
	valueStart  int // -1 when the field has no content
	valueEnd    int
	indent      string
	lines       []string
}

// stepLayout is the line-level structure of one step body. All offsets are
// relative to the body.
type stepLayout struct {
	headingEnd   int
	checkbox     int // offset of the mark inside "[ ]", -1 when missing
	checked      bool
	code         *CodeBlock
	expected     []string
	result       resultField
	verification int // start of the "Verification:" line, -1 when missing
	passed       bool
}

type line struct {
	start int
	text  string // without the line terminator
}

func splitLines(s string) []line {
	var out []line
	for i := 0; i < len(s); {
		j := strings.IndexByte(s[i:], '\n')
		end := len(s)
		next := len(s)
		if j >= 0 {
			end = i + j
			next = end + 1
		}
		out = append(out, line{start: i, text: strings.TrimSuffix(s[i:end], "\r")})
		i = next
	}
	return out
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func hasLabel(trimmed, label string) (string, bool) {
	if len(trimmed) < len(label) || !strings.EqualFold(trimmed[:len(label)], label) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(label):]), true
}

func scanStep(body string) stepLayout {
	l := stepLayout{checkbox: -1, verification: -1}
	l.result.valueStart = -1

	if m := codeRe.FindStringSubmatch(body); m != nil {
		l.code = &CodeBlock{
			Language: strings.ToLower(m[1]),
			Source:   dedent(m[3]),
			Optional: m[2] != "",
		}
	}

	lines := splitLines(body)
	if len(lines) == 0 {
		return l
	}
	l.headingEnd = len(lines[0].text)

	field := fieldNone
	inFence, execFence := false, false

	addResult := func(ln line, content string, offset int, indent string) {
		value := strings.TrimSpace(content)
		if value == "" {
			if l.result.valueStart >= 0 {
				field = fieldNone
			}
			return
		}
		if l.result.valueStart < 0 {
			l.result.valueStart = offset
			l.result.indent = indent
			if value == emptyPlaceholder {
				l.result.placeholder = true
				l.result.valueEnd = offset + len(emptyPlaceholder)
				l.result.lines = []string{value}
				field = fieldNone
				return
			}
		}
		l.result.valueEnd = ln.start + len(strings.TrimRight(ln.text, " \t"))
		l.result.lines = append(l.result.lines, value)
	}
	appendLine := func(ln line) {
		ind := leadingSpace(ln.text)
		switch field {
		case fieldExpected:
			l.expected = append(l.expected, strings.TrimSpace(ln.text))
		case fieldResult:
			addResult(ln, ln.text, ln.start+len(ind), ind)
		}
	}

	for _, ln := range lines[1:] {
		trimmed := strings.TrimSpace(ln.text)
		if inFence {
			if strings.HasPrefix(trimmed, "```") {
				inFence = false
				if execFence {
					execFence = false
					continue
				}
			}
			if !execFence {
				appendLine(ln)
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") {
			inFence = true
			execFence = execFenceRe.MatchString(trimmed)
			if execFence {
				field = fieldNone
			} else {
				appendLine(ln)
			}
			continue
		}

		ind := leadingSpace(ln.text)
		if rest, ok := hasLabel(trimmed, "Expected result:"); ok {
			field = fieldExpected
			if rest != "" {
				l.expected = append(l.expected, rest)
			}
			continue
		}
		rest, ok := hasLabel(trimmed, "Actual result:")
		if !ok {
			rest, ok = hasLabel(trimmed, "Result:")
		}
		if ok {
			if l.result.present {
				field = fieldNone
				continue
			}
			field = fieldResult
			l.result.present = true
			l.result.labelIndent = ind
			l.result.labelEnd = ln.start + len(ln.text)
			if rest != "" {
				off := ln.start + strings.Index(ln.text, rest)
				addResult(ln, rest, off, ind)
			}
			continue
		}
		if _, ok := hasLabel(trimmed, "Verification:"); ok {
			field = fieldVerification
			l.verification = ln.start
			continue
		}
		if m := checkboxRe.FindStringSubmatch(trimmed); m != nil {
			checked := m[1] != " "
			label := strings.ToLower(m[2])
			switch {
			case strings.HasPrefix(label, "done") && l.checkbox < 0:
				l.checkbox = ln.start + len(ind) + len("- [")
				l.checked = checked
			case strings.HasPrefix(label, "passed.") && checked:
				l.passed = true
			}
			if field != fieldVerification {
				field = fieldNone
			}
			continue
		}
		appendLine(ln)
	}
	return l
}

// joinField drops leading and trailing blank lines and joins the rest.
func joinField(lines []string) string {
	start, end := 0, len(lines)
	for start < end && lines[start] == "" {
		start++
	}
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// dedent strips the indentation shared by every non-blank line and trims
// surrounding blank lines.
func dedent(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	prefix := ""
	first := true
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		ind := leadingSpace(ln)
		if first {
			prefix, first = ind, false
			continue
		}
		for !strings.HasPrefix(ind, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	for i, ln := range lines {
		lines[i] = strings.TrimPrefix(ln, prefix)
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
