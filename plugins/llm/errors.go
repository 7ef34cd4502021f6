package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/elspeth-engine/elspeth/engine/landscape"
)

// ProviderError is a classified API failure. Retryable errors are
// transient (rate limits, server errors, timeouts) and re-attempted
// under the pipeline's retry policy; the rest are terminal (bad keys,
// exhausted quota, malformed requests).
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: %s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classify maps a raw provider SDK error onto a ProviderError. The
// SDKs expose failures as opaque errors, so classification matches on
// status codes and well-known substrings.
func classify(provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{
			Provider: provider, Code: "timeout",
			Message: "request timed out", Retryable: true, Err: err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &ProviderError{
			Provider: provider, Code: "canceled",
			Message: "request canceled", Retryable: false, Err: err,
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests"):
		return &ProviderError{
			Provider: provider, Code: "rate_limited",
			Message: "rate limit exceeded", Retryable: true, Err: err,
		}
	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "api key") ||
		strings.Contains(msg, "api_key"):
		return &ProviderError{
			Provider: provider, Code: "invalid_api_key",
			Message: "API key invalid or expired", Retryable: false, Err: err,
		}
	case strings.Contains(msg, "quota") ||
		strings.Contains(msg, "billing"):
		return &ProviderError{
			Provider: provider, Code: "quota_exceeded",
			Message: "quota exceeded", Retryable: false, Err: err,
		}
	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded"):
		return &ProviderError{
			Provider: provider, Code: "server_error",
			Message: "provider server error", Retryable: true, Err: err,
		}
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "network"):
		return &ProviderError{
			Provider: provider, Code: "network_error",
			Message: "network failure", Retryable: true, Err: err,
		}
	}
	return &ProviderError{
		Provider: provider, Code: "api_error",
		Message: err.Error(), Retryable: false, Err: err,
	}
}

// isRetryable reports whether err is a transient provider failure.
func isRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// providerErrorInfo normalizes err into the structured form the audit
// trail stores.
func providerErrorInfo(provider string, err error) *landscape.ErrorInfo {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		pe = classify(provider, err)
	}
	return &landscape.ErrorInfo{
		Kind:    "llm_" + pe.Code,
		Message: pe.Message,
		Details: map[string]any{"provider": pe.Provider},
	}
}
