package dedup

import (
	"regexp"
	"strings"
)

// normalizeRules run in order. Order matters: bare times run after full
// ISO timestamps so the date half of a timestamp is not left behind, and
// IP addresses run after byte sizes so "10.5 MB" cannot masquerade as an
// address fragment.
var normalizeRules = []struct {
	re          *regexp.Regexp
	placeholder string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T\s]\d{2}:\d{2}:\d{2}`), "[TIMESTAMP]"},
	{regexp.MustCompile(`\d{2}:\d{2}:\d{2}`), "[TIME]"},
	{regexp.MustCompile(`\b\d+\.\d+%`), "[PERCENTAGE]"},
	{regexp.MustCompile(`\b\d+\s*(?:MB|GB|KB|bytes?)`), "[SIZE]"},
	{regexp.MustCompile(`\b\d+\s*ms`), "[DURATION]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d+)?\b`), "[IP]"},
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize rewrites an alert message into a canonical form robust to
// incidental variation: timestamps, percentages, byte sizes, durations,
// and IP addresses become placeholder tokens, whitespace runs collapse to
// a single space, and the result is lowercased. Absent patterns are
// no-ops; the output is empty only for empty or whitespace input.
func Normalize(message string) string {
	for _, rule := range normalizeRules {
		message = rule.re.ReplaceAllString(message, rule.placeholder)
	}
	message = strings.TrimSpace(whitespaceRe.ReplaceAllString(message, " "))
	return strings.ToLower(message)
}
