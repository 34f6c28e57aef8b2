// Package diff computes unified diffs for files touched during a turn and
// aggregates them into the per-turn session diff emitted near turn end.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// contextLines is the number of unchanged lines shown around each hunk.
	contextLines = 3
	// summaryThreshold switches to a summary hunk; line-mode diffing a
	// generated bundle burns CPU for output nobody reads.
	summaryThreshold = 2000
	// maxOutputLines caps the rendered diff per file.
	maxOutputLines = 200

	noNewlineMarker = `\ No newline at end of file`
	truncationLine  = "... (diff truncated at 200 lines)"
)

// GenerateUnified returns a unified diff from before to after with three
// lines of context. New files diff against /dev/null, deletions against
// /dev/null on the right. Identical contents yield the empty string. Output
// longer than 200 lines is cut with a truncation marker, and files beyond
// 2000 lines on either side collapse to a summary hunk.
func GenerateUnified(path, before, after string) string {
	if before == after {
		return ""
	}

	oldLines := splitLines(before)
	newLines := splitLines(after)

	var b strings.Builder
	writeHeader(&b, path, before == "", after == "")

	if len(oldLines) > summaryThreshold || len(newLines) > summaryThreshold {
		fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n", len(oldLines), len(newLines))
		fmt.Fprintf(&b, " (file too large to diff: %d -> %d lines)\n", len(oldLines), len(newLines))
		return b.String()
	}

	edits := lineEdits(before, after)
	for _, h := range buildHunks(edits, contextLines) {
		b.WriteString(h.header())
		b.WriteByte('\n')
		for _, line := range h.lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	return truncate(b.String(), maxOutputLines)
}

// Colorize applies terminal colors to a rendered diff for CLI display.
func Colorize(diffText string) string {
	if diffText == "" {
		return ""
	}
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	lines := strings.Split(diffText, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			lines[i] = header.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = added.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = removed.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

func writeHeader(b *strings.Builder, path string, isNew, isDeleted bool) {
	switch {
	case isNew:
		b.WriteString("--- /dev/null\n")
		fmt.Fprintf(b, "+++ b/%s\n", path)
	case isDeleted:
		fmt.Fprintf(b, "--- a/%s\n", path)
		b.WriteString("+++ /dev/null\n")
	default:
		fmt.Fprintf(b, "--- a/%s\n", path)
		fmt.Fprintf(b, "+++ b/%s\n", path)
	}
}

// lineEdit is one line of the edit script. Text keeps its trailing newline
// except for a document-final line that lacks one.
type lineEdit struct {
	op   diffmatchpatch.Operation
	text string
}

// lineEdits computes a line-granularity edit script using go-diff's
// chars-to-lines trick.
func lineEdits(before, after string) []lineEdit {
	dmp := diffmatchpatch.New()
	oldChars, newChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(oldChars, newChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var edits []lineEdit
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			edits = append(edits, lineEdit{op: d.Type, text: line})
		}
	}
	return edits
}

// splitLines splits content into lines that keep their "\n" terminator.
// Empty content has zero lines; a final line without a newline keeps none.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	lines              []string
}

func (h hunk) header() string {
	return fmt.Sprintf("@@ -%s +%s @@", hunkRange(h.oldStart, h.oldCount), hunkRange(h.newStart, h.newCount))
}

func hunkRange(start, count int) string {
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// buildHunks groups the edit script into hunks with ctx lines of context,
// merging hunks whose context would overlap.
func buildHunks(edits []lineEdit, ctx int) []hunk {
	changed := make([]bool, len(edits))
	any := false
	for i, e := range edits {
		if e.op != diffmatchpatch.DiffEqual {
			changed[i] = true
			any = true
		}
	}
	if !any {
		return nil
	}

	// include[i] marks lines belonging to some hunk: every change plus up
	// to ctx equal lines on both sides.
	include := make([]bool, len(edits))
	for i := range edits {
		if !changed[i] {
			continue
		}
		lo := i - ctx
		if lo < 0 {
			lo = 0
		}
		hi := i + ctx
		if hi > len(edits)-1 {
			hi = len(edits) - 1
		}
		for j := lo; j <= hi; j++ {
			include[j] = true
		}
	}

	// Line numbers before consuming edit i.
	oldNo, newNo := 1, 1
	oldAt := make([]int, len(edits))
	newAt := make([]int, len(edits))
	for i, e := range edits {
		oldAt[i] = oldNo
		newAt[i] = newNo
		switch e.op {
		case diffmatchpatch.DiffEqual:
			oldNo++
			newNo++
		case diffmatchpatch.DiffDelete:
			oldNo++
		case diffmatchpatch.DiffInsert:
			newNo++
		}
	}

	var hunks []hunk
	for i := 0; i < len(edits); {
		if !include[i] {
			i++
			continue
		}
		j := i
		for j < len(edits) && include[j] {
			j++
		}

		h := hunk{oldStart: oldAt[i], newStart: newAt[i]}
		for k := i; k < j; k++ {
			e := edits[k]
			switch e.op {
			case diffmatchpatch.DiffEqual:
				h.oldCount++
				h.newCount++
				h.lines = append(h.lines, renderLine(" ", e.text)...)
			case diffmatchpatch.DiffDelete:
				h.oldCount++
				h.lines = append(h.lines, renderLine("-", e.text)...)
			case diffmatchpatch.DiffInsert:
				h.newCount++
				h.lines = append(h.lines, renderLine("+", e.text)...)
			}
		}
		// Zero-count sides anchor on the line before the hunk, matching
		// the convention patch tools expect.
		if h.oldCount == 0 {
			h.oldStart--
		}
		if h.newCount == 0 {
			h.newStart--
		}
		hunks = append(hunks, h)
		i = j
	}
	return hunks
}

// renderLine prefixes one edit-script line for display. A line without a
// trailing newline gains the no-newline marker git uses, so Apply can
// reconstruct the exact bytes.
func renderLine(prefix, text string) []string {
	if strings.HasSuffix(text, "\n") {
		return []string{prefix + strings.TrimSuffix(text, "\n")}
	}
	return []string{prefix + text, noNewlineMarker}
}

func truncate(diffText string, limit int) string {
	if diffText == "" {
		return ""
	}
	trimmed := strings.TrimSuffix(diffText, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= limit {
		return diffText
	}
	return strings.Join(lines[:limit], "\n") + "\n" + truncationLine + "\n"
}
