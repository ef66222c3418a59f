package resilience

import (
	"errors"
	"strings"

	"github.com/slopmasterai/maestro/core"
)

// TransientConfig pins the retryable exit codes, message patterns and HTTP
// status codes in configuration rather than hard-coding them in call sites.
type TransientConfig struct {
	// ExitCodes that indicate a transient child-process failure
	ExitCodes []int
	// MessagePatterns matched case-insensitively against error text
	MessagePatterns []string
	// StatusCodes of server responses considered retryable
	StatusCodes []int
}

// DefaultTransientConfig covers generic failures, temporary failures,
// connection refusal, timeouts, network errors, rate limiting and 5xx-class
// server responses.
func DefaultTransientConfig() *TransientConfig {
	return &TransientConfig{
		ExitCodes: []int{1, 75, 111, 124},
		MessagePatterns: []string{
			"network",
			"connection reset",
			"connection refused",
			"rate limit",
			"timed out",
			"timeout",
			"temporarily unavailable",
			"econnreset",
			"econnrefused",
			"etimedout",
			"socket hang up",
			"500",
			"502",
			"503",
			"429",
		},
		StatusCodes: []int{429, 500, 502, 503},
	}
}

// IsTransientExitCode reports whether a child-process exit code is retryable
func (c *TransientConfig) IsTransientExitCode(code int) bool {
	for _, ec := range c.ExitCodes {
		if ec == code {
			return true
		}
	}
	return false
}

// IsTransientStatus reports whether an HTTP-style status code is retryable
func (c *TransientConfig) IsTransientStatus(status int) bool {
	for _, sc := range c.StatusCodes {
		if sc == status {
			return true
		}
	}
	return false
}

// IsTransient classifies an error as transient. Sentinel classification wins;
// otherwise the error text is matched against the configured patterns.
func (c *TransientConfig) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if core.IsRetryable(err) {
		return true
	}
	if errors.Is(err, core.ErrCancelled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range c.MessagePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
