package genai

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)(?:```|$)")

const maxRepairCuts = 16

// ParseJSON decodes model output into v. It tolerates prose around the
// payload, markdown fences and output truncated mid-document; truncated
// documents are closed and, if still invalid, cut back to the last complete
// element.
func ParseJSON(raw string, v any) error {
	text := strings.TrimSpace(raw)
	if text == "" {
		return &ParseError{Err: errors.New("empty output")}
	}

	var lastErr error
	try := func(candidate string) bool {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return false
		}
		if err := json.Unmarshal([]byte(candidate), v); err != nil {
			lastErr = err
			return false
		}
		return true
	}

	if try(text) {
		return nil
	}
	fenced := ""
	if m := fencePattern.FindStringSubmatch(text); len(m) == 2 {
		fenced = strings.TrimSpace(m[1])
		if try(fenced) {
			return nil
		}
	}
	source := text
	if fenced != "" {
		source = fenced
	}
	if fragment := extractFragment(source); fragment != "" && try(fragment) {
		return nil
	}

	start := strings.IndexAny(source, "{[")
	if start >= 0 {
		if repaired, ok := repairJSON(source[start:]); ok && try(repaired) {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no json document found")
	}
	return &ParseError{Snippet: snippet(text), Err: lastErr}
}

func extractFragment(text string) string {
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "}]")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// repairJSON closes a truncated document. When closing alone does not yield
// valid JSON the tail is cut back to the previous top-level-safe comma and
// the closing is retried.
func repairJSON(s string) (string, bool) {
	for i := 0; i < maxRepairCuts; i++ {
		candidate := closeJSON(s)
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
		cut := lastCommaOutsideStrings(s)
		if cut < 0 {
			return "", false
		}
		s = s[:cut]
	}
	return "", false
}

func closeJSON(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	out := s
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}
	out = strings.TrimRight(out, " \t\r\n")
	for strings.HasSuffix(out, ",") || strings.HasSuffix(out, ":") {
		out = strings.TrimRight(out[:len(out)-1], " \t\r\n")
	}
	var sb strings.Builder
	sb.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(stack[i])
	}
	return sb.String()
}

func lastCommaOutsideStrings(s string) int {
	last := -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			last = i
		}
	}
	return last
}

func snippet(text string) string {
	const limit = 120
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
