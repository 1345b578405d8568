package llm

import (
	"errors"
	"fmt"
)

// Closed set of provider error kinds. InvalidModel, AuthFailed and
// BadResponse are fatal; RateLimited and Transport are retriable with
// backoff.
var (
	ErrInvalidModel = errors.New("invalid model")
	ErrAuthFailed   = errors.New("authentication failed")
	ErrRateLimited  = errors.New("rate limited")
	ErrTransport    = errors.New("transport error")
	ErrBadResponse  = errors.New("bad response")
)

// ProviderError wraps a vendor error with its classified kind.
type ProviderError struct {
	Kind     error
	Provider string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// IsRetriable reports whether the error is worth retrying with backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport)
}

// classifyStatus maps an HTTP status code from a vendor API to an error kind.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuthFailed
	case status == 404:
		return ErrInvalidModel
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrTransport
	default:
		return ErrBadResponse
	}
}
