package audit

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Patterns with a "secret" group keep their surrounding text and only the
// group is masked; the others are masked whole.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:api[_-]?key|access[_-]?token|auth[_-]?token|secret|password|passwd|pwd)["']?\s*[:=]\s*["']?(?P<secret>[a-zA-Z0-9_\-\.+/]{8,})`),
	regexp.MustCompile(`(?i)Bearer\s+(?P<secret>[a-zA-Z0-9_\-\.]{10,256})`),
	regexp.MustCompile(`(?i)Authorization:\s*Basic\s+(?P<secret>[A-Za-z0-9+/]{20,}={0,2})`),
	regexp.MustCompile(`(?i)(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:/@\s]*:(?P<secret>[^@\s]+)@`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`sk_(?:live|test)_[0-9a-zA-Z]{24,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
	regexp.MustCompile(`xox[baprs]-[0-9]{10,}-[0-9]{10,}-[a-zA-Z0-9]{24}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.(?:eyJ[a-zA-Z0-9_-]+)?\.[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]+?-----END [A-Z ]*PRIVATE KEY-----`),
}

// placeholders are never masked even where a pattern matches.
var placeholders = []string{"example", "changeme", "placeholder", "xxxxxxxx", "your_"}

// RedactSecrets masks credentials found in free text.
func RedactSecrets(text string) string {
	if text == "" {
		return text
	}
	for _, re := range secretPatterns {
		text = redactPattern(text, re)
	}
	return text
}

func redactPattern(text string, re *regexp.Regexp) string {
	group := re.SubexpIndex("secret")
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if group > 0 && m[2*group] >= 0 {
			start, end = m[2*group], m[2*group+1]
		}
		if isPlaceholder(text[start:end]) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(redacted)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, p := range placeholders {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// redactValue masks secrets inside string values of nested arguments.
func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return RedactSecrets(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}
