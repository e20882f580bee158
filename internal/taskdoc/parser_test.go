package taskdoc

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseMetadata(t *testing.T) {
	m := ParseMetadata(sampleDoc)

	if m.Title != "Deploy checklist" {
		t.Errorf("Expected title 'Deploy checklist', got %q", m.Title)
	}
	if m.Status != StatusInProgress {
		t.Errorf("Expected status in progress, got %q", m.Status)
	}
	if m.ProgressPercent != 0 {
		t.Errorf("Expected progress 0, got %d", m.ProgressPercent)
	}
	if m.LastUpdate != "2024-01-01" {
		t.Errorf("Expected last update 2024-01-01, got %q", m.LastUpdate)
	}
	if m.Goal != "Ship the release." {
		t.Errorf("Expected goal 'Ship the release.', got %q", m.Goal)
	}
	if _, ok := m.LastUpdateTime(); !ok {
		t.Error("Expected LastUpdateTime to parse")
	}
}

func TestParseStructure(t *testing.T) {
	doc := Parse(sampleDoc)

	if len(doc.Tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(doc.Tasks))
	}
	if len(doc.Steps) != 4 {
		t.Fatalf("Expected 4 steps, got %d", len(doc.Steps))
	}
	if len(doc.Tasks[0].Steps) != 2 || len(doc.Tasks[1].Steps) != 2 {
		t.Errorf("Expected 2 steps per task, got %d and %d", len(doc.Tasks[0].Steps), len(doc.Tasks[1].Steps))
	}
	if doc.Tasks[1].Title != "Release" {
		t.Errorf("Expected task title 'Release', got %q", doc.Tasks[1].Title)
	}

	s1, ok := doc.Step(1)
	if !ok {
		t.Fatal("Step 1 not found")
	}
	if s1.Completed {
		t.Error("Step 1 should not be completed")
	}
	if s1.Code == nil || s1.Code.Language != "js" || s1.Code.Source != `console.log("hi")` {
		t.Errorf("Unexpected code block: %+v", s1.Code)
	}
	if s1.ExpectedResult != "prints hi" {
		t.Errorf("Expected 'prints hi', got %q", s1.ExpectedResult)
	}
	if s1.ActualResult != "" {
		t.Errorf("Placeholder should parse as empty result, got %q", s1.ActualResult)
	}
	if s1.TaskNumber == nil || *s1.TaskNumber != 1 {
		t.Errorf("Expected step 1 in task 1, got %v", s1.TaskNumber)
	}

	s2, _ := doc.Step(2)
	if s2.HasCode() {
		t.Error("Step 2 should have no code")
	}

	s3, _ := doc.Step(3)
	if !s3.Completed || !s3.VerificationPassed {
		t.Errorf("Step 3 should be completed and verified: %+v", s3)
	}
	if s3.Code == nil || !s3.Code.Optional || s3.Code.Language != "bash" {
		t.Errorf("Expected optional bash block, got %+v", s3.Code)
	}
	if s3.ActualResult != "tagged" {
		t.Errorf("Expected result 'tagged', got %q", s3.ActualResult)
	}
}

func TestParseSpansCoverStepText(t *testing.T) {
	doc := Parse(sampleDoc)
	for i, st := range doc.Steps {
		body := sampleDoc[st.Span.Start:st.Span.End]
		if !strings.HasPrefix(body, "### Step ") {
			t.Errorf("Step %d span does not start at its heading: %q", st.Number, body[:20])
		}
		if i+1 < len(doc.Steps) && st.Span.End > doc.Steps[i+1].Span.Start {
			t.Errorf("Step %d span overlaps next step", st.Number)
		}
		if strings.Contains(body, "## Task") {
			t.Errorf("Step %d span crosses a task heading", st.Number)
		}
	}
}

func TestParseProgress(t *testing.T) {
	p := ParseProgress(sampleDoc)
	if p.Total != 4 || p.Completed != 1 || p.Pending != 3 {
		t.Errorf("Unexpected progress %+v", p)
	}
	if p.Percent != 25 {
		t.Errorf("Expected 25%%, got %d", p.Percent)
	}

	if got := ParseProgress("# empty\n").Percent; got != 0 {
		t.Errorf("Expected 0%% with no steps, got %d", got)
	}
}

func TestParseIgnoresHeadingsInFences(t *testing.T) {
	doc := Parse(fencedHeadingDoc)
	if len(doc.Tasks) != 1 || len(doc.Steps) != 1 {
		t.Fatalf("Expected 1 task and 1 step, got %d and %d", len(doc.Tasks), len(doc.Steps))
	}
	st := doc.Steps[0]
	if st.Span.End != len(fencedHeadingDoc) {
		t.Errorf("Step span should run to the end, got %+v", st.Span)
	}
	for _, want := range []string{"the outline reads", "### Step 9: example", "## Task 3: x"} {
		if !strings.Contains(st.ExpectedResult, want) {
			t.Errorf("Expected result missing %q: %q", want, st.ExpectedResult)
		}
	}
	if st.ActualResult != "" {
		t.Errorf("Placeholder followed by prose should parse as empty, got %q", st.ActualResult)
	}

	fencedBox := "  - [ ] Done\n```\n- [x] Done\n```\n"
	if p := ParseProgress(fencedBox); p.Total != 1 || p.Completed != 0 {
		t.Errorf("Checkbox inside a fence was counted: %+v", p)
	}
}

func TestParseResultEndsAtBlankLine(t *testing.T) {
	text := strings.Replace(sampleDoc, "  Result:\n  tagged\n", "  Result:\n  tagged\n  v1\n\n  Reviewed by the release team.\n", 1)
	st, _ := Parse(text).Step(3)
	if st.ActualResult != "tagged\nv1" {
		t.Errorf("Unexpected result %q", st.ActualResult)
	}
}

func TestParseProgressRounds(t *testing.T) {
	text := "  - [x] Done\n  - [ ] Done\n  - [ ] Done\n"
	if got := ParseProgress(text).Percent; got != 33 {
		t.Errorf("Expected 33%%, got %d", got)
	}
	text = "  - [x] Done\n  - [x] Done\n  - [ ] Done\n"
	if got := ParseProgress(text).Percent; got != 67 {
		t.Errorf("Expected 67%%, got %d", got)
	}
}

func TestParseIsDeterministic(t *testing.T) {
	a := Parse(sampleDoc)
	b := Parse(sampleDoc)
	if !reflect.DeepEqual(a, b) {
		t.Error("Parse returned different models for identical input")
	}
}

func TestParseNeverFails(t *testing.T) {
	for _, text := range []string{"", "garbage", "### Step x: nope", "### Step 1:", "```js executable\nunterminated"} {
		doc := Parse(text)
		if doc == nil || doc.Tasks == nil || doc.Steps == nil {
			t.Errorf("Parse(%q) returned incomplete model", text)
		}
	}
}

func TestParseOrphanSteps(t *testing.T) {
	text := "## Goal\n\nx\n\n### Step 7: Loose\n\n  - [ ] Done\n\n## Task 1: T\n\n### Step 8: In\n\n  - [ ] Done\n"
	doc := Parse(text)
	orphans := doc.OrphanSteps()
	if len(orphans) != 1 || orphans[0].Number != 7 {
		t.Fatalf("Expected step 7 as orphan, got %+v", orphans)
	}
	if orphans[0].TaskNumber != nil {
		t.Error("Orphan step should have no task number")
	}
	if len(doc.PendingSteps()) != 2 {
		t.Errorf("Expected 2 pending steps, got %d", len(doc.PendingSteps()))
	}
}

func TestParseDuplicateStepFirstWins(t *testing.T) {
	text := "### Step 1: First\n\n  - [ ] Done\n\n### Step 1: Second\n\n  - [x] Done\n"
	doc := Parse(text)
	if got, ok := doc.Step(1); !ok || got.Title != "First" {
		t.Errorf("Expected first definition to win, got %+v", got)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	doc := Parse(sampleDoc)
	again := Parse(Render(doc))

	if again.Metadata != doc.Metadata {
		t.Errorf("Metadata changed: %+v vs %+v", again.Metadata, doc.Metadata)
	}
	if len(again.Steps) != len(doc.Steps) {
		t.Fatalf("Expected %d steps, got %d", len(doc.Steps), len(again.Steps))
	}
	for i := range doc.Steps {
		a, b := doc.Steps[i], again.Steps[i]
		a.Span, b.Span = Span{}, Span{}
		if !reflect.DeepEqual(a, b) {
			t.Errorf("Step %d changed:\n%+v\n%+v", a.Number, a, b)
		}
	}
	if res := Validate(Render(doc)); !res.Valid {
		t.Errorf("Rendered document is invalid: %v", res.Errors)
	}
}
