package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ollama/ollama/api"
	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// APIError represents a provider error with HTTP status code.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// statusCode extracts an HTTP status from typed provider errors.
func statusCode(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code, true
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, true
	}
	var statusErrPtr *api.StatusError
	if errors.As(err, &statusErrPtr) {
		return statusErrPtr.StatusCode, true
	}
	return 0, false
}

// IsRetryableError reports whether a model call should be attempted again.
// Cancellation and deadline errors are never retried: they belong to the caller.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if code, ok := statusCode(err); ok {
		return retryableStatus(code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Untyped errors from the genai SDK only expose their text.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit",
		"resource_exhausted",
		"unavailable",
		"connection refused",
		"connection reset",
		"no such host",
		"tls handshake",
		"eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
