package common

import "errors"

var (
	// repository specific errors
	ErrorNotFound = errors.New("not found")

	// ErrInvalidCredentials reports a rejected login. It never triggers a
	// renewal or a session-wide logout.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrExpiredSession reports that the renewal token was rejected or is
	// missing; the session has been cleared.
	ErrExpiredSession = errors.New("session expired")

	// ErrNotAuthenticated is returned when no credential is held.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrTransientNetwork covers timeouts, connection failures and 5xx
	// responses that survived the retry budget.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrRateLimited is a 429 that survived the retry budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrClient is a non-retryable 4xx response.
	ErrClient = errors.New("request rejected")

	// ErrCorrupted marks a stored envelope that failed decryption,
	// integrity or scheme checks. It does not leave the secure store.
	ErrCorrupted = errors.New("corrupted envelope")

	// ErrKeyUnavailable is returned by key providers that cannot produce
	// an encryption key.
	ErrKeyUnavailable = errors.New("encryption key unavailable")
)
