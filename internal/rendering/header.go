package rendering

import "strings"

// SanitizeHeader makes text safe for a single-line mail header: line breaks
// and control characters become spaces and runs of whitespace collapse.
func SanitizeHeader(text string) string {
	if text == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(text))

	space := false
	for _, r := range text {
		if r < 0x20 || r == 0x7f || r == ' ' || r == '\u2028' || r == '\u2029' {
			space = true
			continue
		}
		if space && result.Len() > 0 {
			result.WriteByte(' ')
		}
		space = false
		result.WriteRune(r)
	}

	return result.String()
}
