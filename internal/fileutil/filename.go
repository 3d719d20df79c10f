package fileutil

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	separators   = regexp.MustCompile(`[\s_]+`)
)

// SanitizeForFilename turns a free-form title into a safe filename part.
// Empty results fall back to "Session".
func SanitizeForFilename(input string) string {
	sanitized := illegalChars.ReplaceAllString(input, "_")
	sanitized = separators.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
		for !utf8.ValidString(sanitized) {
			sanitized = sanitized[:len(sanitized)-1]
		}
		sanitized = strings.TrimRight(sanitized, "-")
	}

	if sanitized == "" {
		return "Session"
	}
	return sanitized
}
