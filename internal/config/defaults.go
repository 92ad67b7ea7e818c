package config

import "time"

// Default configuration values.
const (
	DefaultMaxTokens = 2048

	// Retry settings
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultHTTPTimeout = 120 * time.Second

	// Collaborator call bounds
	DefaultProtocolTimeout = 30 * time.Second
	DefaultModelTimeout    = 120 * time.Second

	DefaultEventBuffer  = 64
	DefaultHistoryLimit = 40

	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second

	// Model request pacing
	DefaultRequestsPerMinute = 60
	DefaultTokensPerMinute   = 1000000
	DefaultRateBurst         = 10

	DefaultAuditResultLen     = 1000
	DefaultAuditRetentionDays = 30
)
