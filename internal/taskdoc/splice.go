package taskdoc

import (
	"fmt"
	"sort"
	"strings"
)

// edit replaces span of a text with text. An empty span is an insertion.
type edit struct {
	span Span
	text string
}

func (e edit) delta() int {
	return len(e.text) - e.span.Len()
}

// splice rebuilds s from its untouched segments and the edit replacements,
// applying edits in ascending offset order. Edits must not overlap; two
// insertions at the same offset keep their relative order.
func splice(s string, edits []edit) (string, error) {
	ordered := make([]edit, len(edits))
	copy(ordered, edits)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].span.Start < ordered[j].span.Start
	})

	var b strings.Builder
	b.Grow(len(s))
	cursor := 0
	for _, e := range ordered {
		if e.span.Start < cursor || e.span.End < e.span.Start || e.span.End > len(s) {
			return "", fmt.Errorf("%w: [%d,%d) in %d bytes", ErrBadEdit, e.span.Start, e.span.End, len(s))
		}
		b.WriteString(s[cursor:e.span.Start])
		b.WriteString(e.text)
		cursor = e.span.End
	}
	b.WriteString(s[cursor:])
	return b.String(), nil
}

// shiftAfter returns how far offset pos moves once edits are applied: the
// summed delta of every edit that ends at or before pos.
func shiftAfter(pos int, edits []edit) int {
	d := 0
	for _, e := range edits {
		if e.span.End <= pos && e.span.Start < pos {
			d += e.delta()
		}
	}
	return d
}

// ShiftSpans moves every step starting at or after offset by delta. It is
// the bookkeeping a caller needs when it replaces text at offset itself and
// still holds steps parsed from the old text.
func ShiftSpans(steps []Step, offset, delta int) {
	for i := range steps {
		if steps[i].Span.Start >= offset {
			steps[i].Span = steps[i].Span.Shift(delta)
		}
	}
}
