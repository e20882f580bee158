package taskdoc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ExpectedResultWindow is how many lines after a step heading Validate
// searches for the "Expected result:" field.
const ExpectedResultWindow = 15

var (
	statusLineRe   = regexp.MustCompile(`(?m)^[ \t]*\*\*Status:\*\*(.*)$`)
	progressLineRe = regexp.MustCompile(`(?m)^[ \t]*\*\*Progress:\*\*(.*)$`)
	dateLineRe     = regexp.MustCompile(`(?m)^[ \t]*\*\*Last update:\*\*(.*)$`)
	progressValRe  = regexp.MustCompile(`^(\d{1,3})%$`)
	dateValRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	checkboxLineRe = regexp.MustCompile(`^([ \t]*)- \[[ xX]\]\s`)
	stepLineRe     = regexp.MustCompile(`^### Step (\d+):`)
	taskLineRe     = regexp.MustCompile(`^## Task \d+:`)
)

// restrictedOps are substrings that hint at I/O or process access inside an
// executable block. The sandbox never exposes these; Validate only warns.
var restrictedOps = []string{
	"child_process",
	"require(",
	"process.",
	"import(",
	"fs.read",
	"fs.write",
	"fetch(",
	"XMLHttpRequest",
}

// Result is the outcome of Validate.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate checks text against the task document layout. Every rule runs
// independently and appends to the same list.
func Validate(text string) Result {
	res := Result{Errors: []string{}}

	res.Errors = append(res.Errors, checkHeader(text)...)
	if !goalRe.MatchString(text) {
		res.Errors = append(res.Errors, "missing ## Goal section")
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	res.Errors = append(res.Errors, checkCheckboxIndent(lines)...)
	res.Errors = append(res.Errors, checkExpectedResults(lines)...)
	res.Errors = append(res.Errors, checkStepNumbers(lines)...)
	res.Warnings = checkExecutableBlocks(lines)

	res.Valid = len(res.Errors) == 0
	return res
}

func checkHeader(text string) []string {
	var errs []string

	if m := statusLineRe.FindStringSubmatch(text); m == nil {
		errs = append(errs, "missing **Status:** line (allowed: in progress, done, blocked)")
	} else if v := strings.ToLower(strings.TrimSpace(m[1])); !Status(v).Valid() {
		errs = append(errs, fmt.Sprintf("invalid **Status:** value %q (allowed: in progress, done, blocked)", strings.TrimSpace(m[1])))
	}

	if m := progressLineRe.FindStringSubmatch(text); m == nil {
		errs = append(errs, "missing **Progress:** line (format: N%)")
	} else {
		v := strings.TrimSpace(m[1])
		g := progressValRe.FindStringSubmatch(v)
		ok := g != nil
		if ok {
			n, _ := strconv.Atoi(g[1])
			ok = n <= 100
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("invalid **Progress:** value %q (format: N%% with N from 0 to 100)", v))
		}
	}

	if m := dateLineRe.FindStringSubmatch(text); m == nil {
		errs = append(errs, "missing **Last update:** line (format: YYYY-MM-DD)")
	} else {
		v := strings.TrimSpace(m[1])
		ok := dateValRe.MatchString(v)
		if ok {
			_, err := time.Parse(DateLayout, v)
			ok = err == nil
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("invalid **Last update:** date %q (format: YYYY-MM-DD)", v))
		}
	}

	return errs
}

// fenced reports, for every line, whether it sits inside a fenced block
// (fence lines themselves count as fenced).
func fenced(lines []string) []bool {
	out := make([]bool, len(lines))
	in := false
	for i, ln := range lines {
		isFence := strings.HasPrefix(strings.TrimSpace(ln), "```")
		out[i] = in || isFence
		if isFence {
			in = !in
		}
	}
	return out
}

func checkCheckboxIndent(lines []string) []string {
	var errs []string
	inFence := fenced(lines)
	for i, ln := range lines {
		if inFence[i] {
			continue
		}
		m := checkboxLineRe.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		if n := len(m[1]); n != 2 && n != 4 {
			errs = append(errs, fmt.Sprintf("line %d: checkbox indented by %d spaces (must be 2 or 4)", i+1, n))
		}
	}
	return errs
}

func checkExpectedResults(lines []string) []string {
	var errs []string
	inFence := fenced(lines)
	for i, ln := range lines {
		if inFence[i] {
			continue
		}
		m := stepLineRe.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		found := false
		for j := i + 1; j < len(lines) && j <= i+ExpectedResultWindow; j++ {
			if !inFence[j] && (stepLineRe.MatchString(lines[j]) || taskLineRe.MatchString(lines[j])) {
				break
			}
			if _, ok := hasLabel(strings.TrimSpace(lines[j]), "Expected result:"); ok {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("line %d: step %s has no \"Expected result:\" within %d lines", i+1, m[1], ExpectedResultWindow))
		}
	}
	return errs
}

func checkStepNumbers(lines []string) []string {
	var errs []string
	seen := make(map[string]int)
	inFence := fenced(lines)
	for i, ln := range lines {
		if inFence[i] {
			continue
		}
		m := stepLineRe.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		num := strings.TrimLeft(m[1], "0")
		if first, ok := seen[num]; ok {
			errs = append(errs, fmt.Sprintf("line %d: duplicate step number %s (first defined on line %d)", i+1, m[1], first))
			continue
		}
		seen[num] = i + 1
	}
	return errs
}

func checkExecutableBlocks(lines []string) []string {
	var warns []string
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !execFenceRe.MatchString(trimmed) {
			continue
		}
		start := i + 1
		var body strings.Builder
		for i++; i < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i]), "```"); i++ {
			body.WriteString(lines[i])
			body.WriteByte('\n')
		}
		code := body.String()
		for _, op := range restrictedOps {
			if strings.Contains(code, op) {
				warns = append(warns, fmt.Sprintf("line %d: executable block uses %q, which is not available in the sandbox", start, op))
			}
		}
	}
	return warns
}
