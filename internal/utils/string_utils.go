package utils

import (
	"strings"
)

// maskVisibleRunes is how many characters of the original key survive at
// each end of a masked value; anything shorter than twice that plus one
// separator character is returned unmasked rather than exposed piecemeal.
const maskVisibleRunes = 3

// MaskAPIKey redacts the middle of key for logging, leaving enough of the
// prefix and suffix for an operator to recognise which key a log line is
// about without the raw token ever reaching the log stream.
// Example: "sk-1234567890abcdef" -> "sk-...def"
func MaskAPIKey(key string) string {
	if len(key) <= maskVisibleRunes*2 {
		return key
	}
	prefix := key[:maskVisibleRunes]
	suffix := key[len(key)-maskVisibleRunes:]
	return prefix + "..." + suffix
}

// TruncateString cuts s down to maxLength bytes, leaving it untouched if it
// already fits.
func TruncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength]
}

// SplitAndTrim splits s on sep, trims surrounding whitespace from each
// piece, and drops any piece that trims down to nothing.
func SplitAndTrim(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	var out []string
	for _, piece := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(piece); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// StringToSet builds a membership set from a separator-delimited string,
// reusing SplitAndTrim's trimming/blank-dropping rules.
func StringToSet(s, sep string) map[string]struct{} {
	pieces := SplitAndTrim(s, sep)
	if len(pieces) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(pieces))
	for _, piece := range pieces {
		set[piece] = struct{}{}
	}
	return set
}
