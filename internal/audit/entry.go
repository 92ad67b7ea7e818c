package audit

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Entry is one completed tool call.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	AppID     string         `json:"app_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Result    string         `json:"result"`
	Success   bool           `json:"success"`
}

// QueryFilter selects entries. Zero fields match everything.
type QueryFilter struct {
	AppID   string
	Tool    string
	Success *bool
	Since   time.Time
	Limit   int
}

// Matches checks if the entry matches the filter criteria.
func (e *Entry) Matches(filter QueryFilter) bool {
	if filter.AppID != "" && e.AppID != filter.AppID {
		return false
	}
	if filter.Tool != "" && e.Tool != filter.Tool {
		return false
	}
	if filter.Success != nil && e.Success != *filter.Success {
		return false
	}
	if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}

var sensitiveKeys = []string{"password", "secret", "token", "api_key", "apikey", "credential", "auth"}

// SanitizeArgs returns a copy of args with sensitive values redacted.
// Keys match case-insensitively on substrings, so "accessToken" is redacted;
// other string values are scanned for embedded credentials.
func SanitizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}

	sanitized := make(map[string]any, len(args))
	for k, v := range args {
		if isSensitive(k) {
			sanitized[k] = redacted
			continue
		}
		sanitized[k] = redactValue(v)
	}
	return sanitized
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// TruncateResult cuts result to at most maxLen bytes without splitting a rune.
func TruncateResult(result string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 1000
	}
	if len(result) <= maxLen {
		return result
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(result[cut]) {
		cut--
	}
	return result[:cut] + "...[truncated]"
}
