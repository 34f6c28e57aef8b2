package llm

import "strings"

// Reasoning span delimiters, longest open marker first so that at the same
// offset <thinking> wins over <think>. The <|think|> form toggles: the same
// token opens and closes the span.
var thinkMarkers = []struct{ open, close string }{
	{"<reasoning>", "</reasoning>"},
	{"<thinking>", "</thinking>"},
	{"<|think|>", "<|think|>"},
	{"<think>", "</think>"},
}

// stripLookahead bounds how many trailing bytes Feed may withhold while a
// marker could still be completing across a delta boundary. The longest
// marker, </reasoning>, is 12 bytes.
const stripLookahead = 12

// ThinkStripper removes reasoning spans from streamed content. It is
// emit-on-safe: Feed returns only text that can no longer become part of a
// marker, holding back up to stripLookahead bytes across delta boundaries.
// Span text inside an unterminated marker is dropped at Flush. The zero
// value is ready to use.
type ThinkStripper struct {
	pending string
	closer  string // non-empty while inside a span
}

// Feed consumes the next content delta and returns the visible text it
// releases. The returned text may cover bytes from earlier deltas that were
// held back as potential marker prefixes.
func (s *ThinkStripper) Feed(delta string) string {
	s.pending += delta
	if s.pending == "" {
		return ""
	}

	var out strings.Builder
	for {
		lower := asciiLower(s.pending)

		if s.closer != "" {
			idx := strings.Index(lower, s.closer)
			if idx < 0 {
				keep := holdCloserPrefix(lower, s.closer)
				s.pending = s.pending[len(s.pending)-keep:]
				return out.String()
			}
			s.pending = s.pending[idx+len(s.closer):]
			s.closer = ""
			continue
		}

		idx, marker := earliestOpener(lower)
		if idx < 0 {
			keep := holdOpenerPrefix(lower)
			out.WriteString(s.pending[:len(s.pending)-keep])
			s.pending = s.pending[len(s.pending)-keep:]
			return out.String()
		}
		out.WriteString(s.pending[:idx])
		s.pending = s.pending[idx+len(marker.open):]
		s.closer = marker.close
	}
}

// Flush ends the stream. Held-back text outside a span is released; an
// unterminated span drops its tail.
func (s *ThinkStripper) Flush() string {
	rest := s.pending
	s.pending = ""
	if s.closer != "" {
		s.closer = ""
		return ""
	}
	return rest
}

// StripThinkBlocks removes reasoning spans from a complete string. It
// iterates to a fixpoint so that fragments joined by a removal cannot
// reassemble into a new marker.
func StripThinkBlocks(s string) string {
	for {
		var stripper ThinkStripper
		out := stripper.Feed(s) + stripper.Flush()
		if out == s {
			return out
		}
		s = out
	}
}

// earliestOpener finds the leftmost opening marker in lower. Markers are
// tried longest first, so ties at the same offset resolve to the longer one.
func earliestOpener(lower string) (int, *struct{ open, close string }) {
	best := -1
	var bestMarker *struct{ open, close string }
	for i := range thinkMarkers {
		idx := strings.Index(lower, thinkMarkers[i].open)
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestMarker = &thinkMarkers[i]
		}
	}
	return best, bestMarker
}

// holdOpenerPrefix returns the length of the longest suffix of lower that is
// a proper prefix of any opening marker, capped at stripLookahead.
func holdOpenerPrefix(lower string) int {
	max := len(lower)
	if max > stripLookahead {
		max = stripLookahead
	}
	for h := max; h > 0; h-- {
		tail := lower[len(lower)-h:]
		for i := range thinkMarkers {
			open := thinkMarkers[i].open
			if h < len(open) && open[:h] == tail {
				return h
			}
		}
	}
	return 0
}

// holdCloserPrefix returns the length of the longest suffix of lower that is
// a proper prefix of closer.
func holdCloserPrefix(lower, closer string) int {
	max := len(lower)
	if max > len(closer)-1 {
		max = len(closer) - 1
	}
	for h := max; h > 0; h-- {
		if closer[:h] == lower[len(lower)-h:] {
			return h
		}
	}
	return 0
}

// asciiLower lowercases A-Z bytes only, keeping indices aligned with the
// original string. Markers are plain ASCII.
func asciiLower(s string) string {
	upper := false
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			upper = true
			break
		}
	}
	if !upper {
		return s
	}
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
