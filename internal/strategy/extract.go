package strategy

import (
	"regexp"
	"strings"
)

// unquotedKeyRegex fixes unquoted property names, which are invalid JSON
// but common in model output.
var unquotedKeyRegex = regexp.MustCompile(`([{,])\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)

// trailingCommaRegex removes commas dangling before a closing brace or
// bracket, whatever whitespace sits between them.
var trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)

// extractJSONBlock pulls the first JSON object out of a response that may
// surround it with prose or markdown fences. Returns the candidate block
// and whether one was found at all; the block may still fail to parse.
func extractJSONBlock(raw string) (string, bool) {
	text := raw

	// Prefer a fenced block when present.
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			// Unterminated fence: take everything after it. A truncated
			// block still yields whatever scores survive repair.
			text = rest
		}
	}

	// Narrow to the first balanced object.
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	// Unbalanced: return the tail anyway so repair can try to close it.
	return text[start:], true
}

// repairJSON applies one-shot conservative repairs for typical model output
// problems: markdown fences, trailing commas, unquoted keys, single quotes.
// Returns the input unchanged when no repair applies.
func repairJSON(jsonStr string) string {
	repaired := strings.TrimSpace(jsonStr)

	repaired = strings.TrimPrefix(repaired, "```json")
	repaired = strings.TrimPrefix(repaired, "```")
	repaired = strings.TrimSuffix(repaired, "```")

	repaired = trailingCommaRegex.ReplaceAllString(repaired, "$1")

	repaired = unquotedKeyRegex.ReplaceAllString(repaired, `$1"$2":`)

	if !strings.Contains(repaired, `"`) && strings.Contains(repaired, `'`) {
		repaired = strings.ReplaceAll(repaired, `'`, `"`)
	}

	// Close delimiters left open by truncation. Tracking a stack outside
	// strings keeps this from mangling valid payloads.
	var open []byte
	inString, escaped := false, false
	for i := 0; i < len(repaired); i++ {
		c := repaired[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && (c == '{' || c == '['):
			open = append(open, c)
		case !inString && (c == '}' || c == ']'):
			if len(open) > 0 {
				open = open[:len(open)-1]
			}
		}
	}
	if len(open) > 0 {
		repaired = strings.TrimRight(repaired, ", \n\t")
		for i := len(open) - 1; i >= 0; i-- {
			if open[i] == '{' {
				repaired += "}"
			} else {
				repaired += "]"
			}
		}
	}

	return strings.TrimSpace(repaired)
}

// bulletList renders items as a prompt bullet list.
func bulletList(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}
