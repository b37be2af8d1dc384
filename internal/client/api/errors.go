package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/fleetsession/internal/common"
)

// Error is the failure of a pipeline call. Kind is one of the common
// sentinels, so errors.Is(err, common.ErrTransientNetwork) and friends
// work on it.
type Error struct {
	Status  int
	Message string
	Kind    error
	Cause   error

	retryable bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("api")
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func kindForStatus(status int, login bool) error {
	switch {
	case status == http.StatusUnauthorized && login:
		return common.ErrInvalidCredentials
	case status == http.StatusUnauthorized:
		return common.ErrNotAuthenticated
	case status == http.StatusTooManyRequests:
		return common.ErrRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return common.ErrTransientNetwork
	default:
		return common.ErrClient
	}
}

func isRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.retryable
}

// asError turns anything a chain produced into an *Error.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, common.ErrNotAuthenticated), errors.Is(err, common.ErrExpiredSession):
		kind := common.ErrNotAuthenticated
		if errors.Is(err, common.ErrExpiredSession) {
			kind = common.ErrExpiredSession
		}
		return &Error{Status: http.StatusUnauthorized, Message: "not authenticated", Kind: kind, Cause: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Message: "request cancelled", Kind: common.ErrTransientNetwork, Cause: err}
	default:
		return &Error{Message: err.Error(), Kind: common.ErrClient, Cause: err}
	}
}

// Failure renders err in the uniform envelope shape.
func Failure(err error) *Envelope {
	e := asError(err)
	env := &Envelope{Success: false, Message: e.Message, Status: e.Status}
	if e.Kind != nil {
		env.Error = e.Kind.Error()
	}
	return env
}
