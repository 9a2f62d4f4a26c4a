package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorCode string

const (
	CodeConfiguration   ErrorCode = "CONFIGURATION"
	CodeConnection      ErrorCode = "CONNECTION"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	CodeUnavailable     ErrorCode = "UNAVAILABLE"
	CodeInternal        ErrorCode = "INTERNAL"
)

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrNoSourceAvailable = errors.New("no source available")
	ErrFallbackBlocked   = errors.New("fallback blocked by health cooldown")
	ErrPoolUnavailable   = errors.New("mirror pool unavailable")
)

type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
		}
	}
	return E(code, op, "", err)
}

// RateLimitError reports an exhausted external-call budget together with a
// suggested wait before retrying.
type RateLimitError struct {
	SourceID   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.SourceID, e.RetryAfter.Round(time.Millisecond))
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return CodeRateLimited, true
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return CodeToolNotFound, true
	case errors.Is(err, ErrNoSourceAvailable), errors.Is(err, ErrPoolUnavailable):
		return CodeConnection, true
	case errors.Is(err, ErrFallbackBlocked):
		return CodeUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, true
	case errors.Is(err, context.Canceled):
		return CodeTimeout, true
	default:
		return "", false
	}
}
