package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/kosmos/internal/taskdoc"
)

// QuestionsPrompt asks the model for clarifying questions about a goal.
const QuestionsPrompt = `You help plan multi-step technical tasks.
Given a one-sentence goal, ask up to five short clarifying questions that
would change how the work is broken into steps. Reply with a numbered list
only ("1. ...", "2. ..."), no preamble.`

// GeneratorPrompt asks the model for a complete task document.
const GeneratorPrompt = `You write task documents in the .kosmos.md format.
Reply with the document only, no commentary and no surrounding code fence.

Layout:

# <Title>

**Status:** in progress
**Progress:** 0%
**Last update:** <YYYY-MM-DD>

## Goal

<one paragraph>

## Task 1: <title>

### Step 1: <title>

  - [ ] Done

  ` + "```js executable" + `
  console.log("checks that can run in a sandbox without I/O")
  ` + "```" + `

  Expected result: <what success looks like>

  Result:
  (empty)

  Verification:
    - [ ] passed.

Rules: step numbers are unique across the whole document; every step has
"Expected result:"; checkboxes are indented by exactly two spaces (four
under Verification); only JavaScript blocks may be tagged executable and
they must not use require, process, fs or network access. Steps that need
a shell or human action use a plain fence or prose.`

// Answer is a clarifying question and the user's reply.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

var questionRe = regexp.MustCompile(`^\s*\d+[.)]\s*(.+?)\s*$`)

// ParseQuestions extracts the numbered questions from a model reply.
func ParseQuestions(reply string) []string {
	var out []string
	for _, ln := range strings.Split(reply, "\n") {
		if m := questionRe.FindStringSubmatch(ln); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}

// Questions asks gen for clarifying questions about goal.
func Questions(ctx context.Context, gen Generator, goal string) ([]string, error) {
	reply, err := gen.Generate(ctx, []Message{System(QuestionsPrompt), User(goal)})
	if err != nil {
		return nil, err
	}
	return ParseQuestions(reply), nil
}

// GenerationMessages builds the conversation that produces a document.
// Unanswered questions are left out.
func GenerationMessages(goal string, answers []Answer, today time.Time) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", strings.TrimSpace(goal))
	n := 0
	for _, a := range answers {
		if strings.TrimSpace(a.Answer) == "" {
			continue
		}
		if n == 0 {
			b.WriteString("\nClarifications:\n")
		}
		n++
		fmt.Fprintf(&b, "%d. %s: %s\n", n, a.Question, strings.TrimSpace(a.Answer))
	}
	fmt.Fprintf(&b, "\nToday: %s\n\nWrite the .kosmos.md document.", today.Format(taskdoc.DateLayout))
	return []Message{System(GeneratorPrompt), User(b.String())}
}

var outerFenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n(.*)\\n```\\s*$")

// ExtractDocument strips a code fence wrapped around the whole reply.
func ExtractDocument(reply string) string {
	reply = strings.TrimSpace(strings.ReplaceAll(reply, "\r\n", "\n"))
	if m := outerFenceRe.FindStringSubmatch(reply); m != nil {
		reply = strings.TrimSpace(m[1])
	}
	return reply + "\n"
}

var slugRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// FileName derives a document file name from the title of text, falling
// back to task-<unix-ms>.kosmos.md.
func FileName(text string, now time.Time) string {
	title := taskdoc.ParseMetadata(text).Title
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		slug = "task-" + strconv.FormatInt(now.UnixMilli(), 10)
	}
	return slug + taskdoc.FileSuffix
}
