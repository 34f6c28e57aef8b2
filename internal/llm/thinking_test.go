package llm

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestStripThinkBlocks(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"no markers":         {"plain text", "plain text"},
		"empty":              {"", ""},
		"think span":         {"a<think>x</think>b", "ab"},
		"thinking span":      {"<thinking>x</thinking>ok", "ok"},
		"reasoning span":     {"pre<reasoning>hidden</reasoning>post", "prepost"},
		"pipe toggle":        {"<|think|>hidden<|think|>visible", "visible"},
		"only span":          {"<think>x</think>", ""},
		"unterminated":       {"keep<think>drop forever", "keep"},
		"unterminated pipe":  {"keep<|think|>drop", "keep"},
		"mixed case":         {"a<THINK>x</ThInK>b", "ab"},
		"longest marker win": {"<thinking>x</thinking>y", "y"},
		"stray closer":       {"no span </think> here", "no span </think> here"},
		"multiple spans":     {"a<think>1</think>b<reasoning>2</reasoning>c", "abc"},
		"partial tail":       {"almost <th", "almost <th"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := StripThinkBlocks(tc.in)
			if got != tc.want {
				t.Errorf("StripThinkBlocks(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestThinkStripper_HoldsMarkersAcrossDeltas(t *testing.T) {
	chunks := []string{"Hello <t", "hink>se", "cret</thi", "nk> world"}

	var stripper ThinkStripper
	var out strings.Builder
	for _, chunk := range chunks {
		visible := stripper.Feed(chunk)
		if strings.Contains(visible, "secret") {
			t.Errorf("Feed(%q) leaked reasoning text: %q", chunk, visible)
		}
		out.WriteString(visible)
	}
	out.WriteString(stripper.Flush())

	if got := out.String(); got != "Hello  world" {
		t.Errorf("streamed output = %q, want %q", got, "Hello  world")
	}
}

func TestThinkStripper_FlushReleasesHeldPrefix(t *testing.T) {
	var stripper ThinkStripper
	first := stripper.Feed("count < 10 and <thi")
	if first != "count < 10 and " {
		t.Errorf("Feed = %q, want %q", first, "count < 10 and ")
	}
	if rest := stripper.Flush(); rest != "<thi" {
		t.Errorf("Flush = %q, want %q", rest, "<thi")
	}
}

func TestThinkStripper_UnterminatedSpanDropsTail(t *testing.T) {
	var stripper ThinkStripper
	var out strings.Builder
	out.WriteString(stripper.Feed("answer<reasoning>step one"))
	out.WriteString(stripper.Feed(" step two"))
	out.WriteString(stripper.Flush())

	if got := out.String(); got != "answer" {
		t.Errorf("output = %q, want %q", got, "answer")
	}
}

func TestStripThinkBlocks_ReassembledMarkerReachesFixpoint(t *testing.T) {
	// Removing the inner span glues "<t" to "hink>y</think>", forming a new
	// span that a single pass would miss.
	in := "<t<think>x</think>hink>y</think>"
	got := StripThinkBlocks(in)
	if got != "" {
		t.Errorf("StripThinkBlocks(%q) = %q, want empty", in, got)
	}
}

type streamSegment struct {
	Plain  string
	Inner  string
	Marker int
	IsSpan bool
}

func (s streamSegment) wire() string {
	if !s.IsSpan {
		return s.Plain
	}
	m := thinkMarkers[s.Marker]
	return m.open + s.Inner + m.close
}

func (s streamSegment) visible() string {
	if s.IsSpan {
		return ""
	}
	return s.Plain
}

func genStreamSegment() gopter.Gen {
	return gen.Struct(reflect.TypeOf(streamSegment{}), map[string]gopter.Gen{
		"Plain":  gen.AlphaString(),
		"Inner":  gen.AlphaString(),
		"Marker": gen.IntRange(0, len(thinkMarkers)-1),
		"IsSpan": gen.Bool(),
	})
}

func genMarkerSoup() gopter.Gen {
	fragment := gen.OneConstOf(
		"<think>", "</think>", "<thinking>", "</thinking>",
		"<reasoning>", "</reasoning>", "<|think|>",
		"plain ", "text", "<", ">", "th", "ink>",
	)
	return gen.SliceOf(fragment).Map(func(parts []string) string {
		return strings.Join(parts, "")
	})
}

func TestThinkStripper_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stripping a stripped string is a no-op", prop.ForAll(
		func(s string) bool {
			once := StripThinkBlocks(s)
			return StripThinkBlocks(once) == once
		},
		genMarkerSoup(),
	))

	properties.Property("output contains no complete markers", prop.ForAll(
		func(s string) bool {
			out := asciiLower(StripThinkBlocks(s))
			for _, m := range thinkMarkers {
				if strings.Contains(out, m.open) {
					return false
				}
			}
			return true
		},
		genMarkerSoup(),
	))

	properties.Property("byte-at-a-time streaming matches whole-string strip", prop.ForAll(
		func(segments []streamSegment) bool {
			var whole, want strings.Builder
			for _, seg := range segments {
				whole.WriteString(seg.wire())
				want.WriteString(seg.visible())
			}

			var stripper ThinkStripper
			var streamed strings.Builder
			for _, b := range []byte(whole.String()) {
				streamed.WriteString(stripper.Feed(string(b)))
			}
			streamed.WriteString(stripper.Flush())

			return streamed.String() == want.String() &&
				StripThinkBlocks(whole.String()) == want.String()
		},
		gen.SliceOf(genStreamSegment()),
	))

	properties.TestingRun(t)
}
