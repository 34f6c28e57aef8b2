package diff

import (
	"fmt"
	"strconv"
	"strings"
)

// Apply replays a unified diff produced by GenerateUnified onto before and
// returns the patched content. Context and deletion lines are verified
// against before; a mismatch means the diff does not belong to this content.
func Apply(diffText, before string) (string, error) {
	if diffText == "" {
		return before, nil
	}

	oldLines := splitLines(before)
	var out []string
	oldIdx := 0 // next unconsumed line of before

	lines := strings.Split(strings.TrimSuffix(diffText, "\n"), "\n")
	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			i++
		case strings.HasPrefix(line, "@@"):
			oldStart, oldCount, newCount, err := parseHunkHeader(line)
			if err != nil {
				return "", err
			}
			// Copy untouched lines up to the hunk. A zero-count old side
			// anchors after oldStart instead of on it.
			target := oldStart - 1
			if oldCount == 0 {
				target = oldStart
			}
			if target < oldIdx || target > len(oldLines) {
				return "", fmt.Errorf("hunk starts at line %d beyond content", oldStart)
			}
			out = append(out, oldLines[oldIdx:target]...)
			oldIdx = target

			i++
			consumed, appended, used, err := applyHunkBody(lines[i:], oldLines[oldIdx:], oldCount, newCount)
			if err != nil {
				return "", err
			}
			out = append(out, appended...)
			oldIdx += used
			i += consumed
		default:
			return "", fmt.Errorf("unexpected diff line %q", line)
		}
	}

	out = append(out, oldLines[oldIdx:]...)
	return strings.Join(out, ""), nil
}

// applyHunkBody consumes one hunk's body, driven by the header counts so
// content lines that resemble headers cannot derail parsing. It returns how
// many diff lines it consumed, the lines appended to the output, and how
// many old lines it used up.
func applyHunkBody(body, old []string, oldCount, newCount int) (consumed int, appended []string, used int, err error) {
	oldLeft, newLeft := oldCount, newCount
	for oldLeft > 0 || newLeft > 0 {
		if consumed >= len(body) {
			return 0, nil, 0, fmt.Errorf("hunk ends early, %d/%d lines unaccounted", oldLeft, newLeft)
		}
		line := body[consumed]
		if line == truncationLine {
			return 0, nil, 0, fmt.Errorf("cannot apply truncated diff")
		}
		if line == noNewlineMarker {
			consumed++
			continue
		}
		if line == "" {
			// Some transports strip the single space off blank context lines.
			line = " "
		}

		text := line[1:] + "\n"
		if consumed+1 < len(body) && body[consumed+1] == noNewlineMarker {
			text = line[1:]
		}

		switch line[0] {
		case ' ':
			if used >= len(old) || old[used] != text {
				return 0, nil, 0, fmt.Errorf("context mismatch at %q", line[1:])
			}
			appended = append(appended, text)
			used++
			oldLeft--
			newLeft--
		case '-':
			if used >= len(old) || old[used] != text {
				return 0, nil, 0, fmt.Errorf("deletion mismatch at %q", line[1:])
			}
			used++
			oldLeft--
		case '+':
			appended = append(appended, text)
			newLeft--
		default:
			return 0, nil, 0, fmt.Errorf("unexpected hunk line %q", line)
		}
		consumed++
	}
	// A trailing no-newline marker belongs to this hunk's final line.
	if consumed < len(body) && body[consumed] == noNewlineMarker {
		consumed++
	}
	return consumed, appended, used, nil
}

// parseHunkHeader reads "@@ -l[,s] +l[,s] @@"; a missing count means 1.
func parseHunkHeader(line string) (oldStart, oldCount, newCount int, err error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "@@" {
		return 0, 0, 0, fmt.Errorf("malformed hunk header %q", line)
	}
	oldStart, oldCount, err = parseRange(strings.TrimPrefix(fields[1], "-"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	_, newCount, err = parseRange(strings.TrimPrefix(fields[2], "+"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	return oldStart, oldCount, newCount, nil
}

func parseRange(s string) (start, count int, err error) {
	count = 1
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		count, err = strconv.Atoi(s[idx+1:])
		if err != nil {
			return 0, 0, err
		}
		s = s[:idx]
	}
	start, err = strconv.Atoi(s)
	return start, count, err
}
