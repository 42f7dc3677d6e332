package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crimson-sun/tributary/internal/connector/httpclient"
)

// CredentialMissingError reports a connector that cannot run because a
// required credential or setting is not configured. It is never retried.
type CredentialMissingError struct {
	Provider string
	Key      string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("%s connector: missing required credential %q", e.Provider, e.Key)
}

// RequireCredentials returns a *CredentialMissingError for the first empty
// value in pairs (key, value, key, value, ...).
func RequireCredentials(provider string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return &CredentialMissingError{Provider: provider, Key: pairs[i]}
		}
	}
	return nil
}

// FetchError reports a failed page fetch. Transport failures, timeouts,
// 408, 429 and 5xx responses are temporary; other 4xx responses and
// undecodable pages are permanent.
type FetchError struct {
	Provider   string
	Page       int
	StatusCode int
	Permanent  bool
	Err        error

	retryAfter time.Duration
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s connector: page %d: HTTP %d: %v", e.Provider, e.Page, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s connector: page %d: %v", e.Provider, e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the fetch may succeed.
func (e *FetchError) Temporary() bool { return !e.Permanent }

// RetryAfter returns the delay the source asked for, or zero.
func (e *FetchError) RetryAfter() time.Duration { return e.retryAfter }

func newFetchError(provider string, page int, err error) *FetchError {
	fe := &FetchError{Provider: provider, Page: page, Err: err}

	var apiErr *httpclient.APIError
	switch {
	case errors.As(err, &apiErr):
		fe.StatusCode = apiErr.StatusCode
		fe.retryAfter = apiErr.RetryAfter
		fe.Permanent = permanentStatus(apiErr.StatusCode)
	case errors.Is(err, context.Canceled):
		fe.Permanent = true
	}
	return fe
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
