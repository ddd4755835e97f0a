// Package util holds small helpers shared across packages, mostly for
// coping with JSON embedded in LLM responses.
package util

import (
	"regexp"
	"strings"
)

var jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON extracts JSON content from a response that may wrap it in a
// markdown code block or surround it with prose. Handles both arrays and
// objects; truncated arrays are closed so a best-effort parse can follow.
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	arrayStart := strings.Index(s, "[")
	if arrayStart != -1 {
		arrayEnd := findMatchingBracket(s, arrayStart, '[', ']')
		if arrayEnd != -1 {
			return s[arrayStart : arrayEnd+1]
		}
		lastQuote := strings.LastIndex(s, "\"")
		if lastQuote > arrayStart {
			trimmed := strings.TrimRight(s[arrayStart:], " \n\t,")
			return trimmed + "]"
		}
	}

	objectStart := strings.Index(s, "{")
	if objectStart != -1 {
		objectEnd := findMatchingBracket(s, objectStart, '{', '}')
		if objectEnd != -1 {
			return s[objectStart : objectEnd+1]
		}
	}

	return s
}

// findMatchingBracket finds the matching closing bracket, skipping over
// string literals and escape sequences. Returns -1 if unbalanced.
func findMatchingBracket(s string, startPos int, openChar, closeChar byte) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}
	return -1
}

// SanitizeJSON escapes literal newlines inside string values, a common
// defect in LLM-produced JSON.
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}
		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}
		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}
		result.WriteByte(ch)
	}
	return result.String()
}

// TruncateString truncates a string to maxLen runes (Unicode-safe).
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
