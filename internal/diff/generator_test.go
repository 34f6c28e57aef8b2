package diff

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnified_IdenticalContentIsEmpty(t *testing.T) {
	assert.Empty(t, GenerateUnified("main.go", "same\n", "same\n"))
	assert.Empty(t, GenerateUnified("main.go", "", ""))
}

func TestGenerateUnified_SimpleEdit(t *testing.T) {
	before := "one\ntwo\nthree\n"
	after := "one\nTWO\nthree\n"

	out := GenerateUnified("src/app.js", before, after)

	require.NotEmpty(t, out)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	assert.Equal(t, "--- a/src/app.js", lines[0])
	assert.Equal(t, "+++ b/src/app.js", lines[1])
	assert.Equal(t, "@@ -1,3 +1,3 @@", lines[2])
	assert.Contains(t, lines, "-two")
	assert.Contains(t, lines, "+TWO")
	assert.Contains(t, lines, " one")
	assert.Contains(t, lines, " three")
}

func TestGenerateUnified_NewFileDiffsAgainstDevNull(t *testing.T) {
	out := GenerateUnified("notes.txt", "", "hello\nworld\n")

	assert.True(t, strings.HasPrefix(out, "--- /dev/null\n+++ b/notes.txt\n"))
	assert.Contains(t, out, "@@ -0,0 +1,2 @@")
	assert.Contains(t, out, "+hello")
	assert.Contains(t, out, "+world")
	assert.NotContains(t, out, "\n-")
}

func TestGenerateUnified_DeletedFileDiffsAgainstDevNull(t *testing.T) {
	out := GenerateUnified("old.txt", "gone\n", "")

	assert.True(t, strings.HasPrefix(out, "--- a/old.txt\n+++ /dev/null\n"))
	assert.Contains(t, out, "@@ -1 +0,0 @@")
	assert.Contains(t, out, "-gone")
}

func TestGenerateUnified_ContextLimitedToThreeLines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString(strings.Repeat("x", i+1))
		sb.WriteByte('\n')
	}
	before := sb.String()
	after := strings.Replace(before, "xxxxxxxxxx\n", "CHANGED\n", 1) // line 10

	out := GenerateUnified("wide.txt", before, after)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	// 2 file headers + hunk header + 3 context + delete + insert + 3 context.
	assert.Len(t, lines, 11)
	assert.Contains(t, out, "@@ -7,7 +7,7 @@")
}

func TestGenerateUnified_DistantEditsSplitIntoHunks(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 40; i++ {
		sb.WriteString(strings.Repeat("l", i))
		sb.WriteByte('\n')
	}
	before := sb.String()
	after := strings.Replace(before, "ll\n", "TOP\n", 1)                        // line 2
	after = strings.Replace(after, strings.Repeat("l", 38)+"\n", "BOTTOM\n", 1) // line 38

	out := GenerateUnified("split.txt", before, after)

	assert.Equal(t, 2, strings.Count(out, "@@ -"))
	assert.Contains(t, out, "+TOP")
	assert.Contains(t, out, "+BOTTOM")
}

func TestGenerateUnified_NoTrailingNewlineMarker(t *testing.T) {
	out := GenerateUnified("f.txt", "a\nb", "a\nc")

	assert.Contains(t, out, `\ No newline at end of file`)

	applied, err := Apply(out, "a\nb")
	require.NoError(t, err)
	assert.Equal(t, "a\nc", applied)
}

func TestGenerateUnified_LargeFileSummaryHunk(t *testing.T) {
	before := strings.Repeat("line\n", 2500)
	after := before + "tail\n"

	out := GenerateUnified("big.txt", before, after)

	assert.Contains(t, out, "@@ -1,2500 +1,2501 @@")
	assert.Contains(t, out, "(file too large to diff: 2500 -> 2501 lines)")
	assert.Less(t, strings.Count(out, "\n"), 10)
}

func TestGenerateUnified_TruncatesAt200Lines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 400; i++ {
		sb.WriteString("added line\n")
	}

	out := GenerateUnified("gen.txt", "", sb.String())

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 201)
	assert.Equal(t, truncationLine, lines[200])
}

func TestColorize_MarksAddsAndRemoves(t *testing.T) {
	rendered := GenerateUnified("f.txt", "a\n", "b\n")

	colored := Colorize(rendered)

	assert.NotEmpty(t, colored)
	assert.Empty(t, Colorize(""))
}

func TestApply_RoundTripsEdits(t *testing.T) {
	cases := []struct {
		name   string
		before string
		after  string
	}{
		{"modify middle", "a\nb\nc\nd\ne\n", "a\nb\nC\nd\ne\n"},
		{"create", "", "fresh\nfile\n"},
		{"delete", "doomed\ncontent\n", ""},
		{"append", "head\n", "head\ntail\n"},
		{"prepend", "body\n", "intro\nbody\n"},
		{"blank lines", "a\n\n\nb\n", "a\n\nmid\n\nb\n"},
		{"dashes in content", "--- odd\n+++ er\n", "--- odd\nchanged\n+++ er\n"},
		{"lose trailing newline", "x\ny\n", "x\ny"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rendered := GenerateUnified("f.txt", tc.before, tc.after)
			applied, err := Apply(rendered, tc.before)
			require.NoError(t, err)
			assert.Equal(t, tc.after, applied)
		})
	}
}

func TestApply_MismatchedContentFails(t *testing.T) {
	rendered := GenerateUnified("f.txt", "a\nb\nc\n", "a\nB\nc\n")

	_, err := Apply(rendered, "a\nx\nc\n")
	assert.Error(t, err)
}

func TestApply_RejectsTruncatedDiff(t *testing.T) {
	out := GenerateUnified("gen.txt", "", strings.Repeat("added\n", 400))

	_, err := Apply(out, "")
	assert.Error(t, err)
}

func TestGenerateUnified_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Small line alphabet so generated contents share lines and diffs get
	// real context runs instead of full rewrites.
	genContent := gen.SliceOfN(12, gen.OneConstOf(
		"alpha", "beta", "gamma", "delta", "", "alpha",
	)).Map(func(lines []string) string {
		return strings.Join(lines, "\n") + "\n"
	})

	properties.Property("apply(generate(x,y), x) == y", prop.ForAll(
		func(before, after string) bool {
			rendered := GenerateUnified("p.txt", before, after)
			if strings.Contains(rendered, truncationLine) {
				return true
			}
			applied, err := Apply(rendered, before)
			return err == nil && applied == after
		},
		genContent, genContent,
	))

	properties.Property("generate(x,x) is empty", prop.ForAll(
		func(content string) bool {
			return GenerateUnified("p.txt", content, content) == ""
		},
		genContent,
	))

	properties.TestingRun(t)
}
