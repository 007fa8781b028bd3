package model

import (
	"context"
	"errors"
	"fmt"
)

// Class partitions invocation failures by how callers should react.
type Class int

const (
	// ClassTransient failures are retried with standard backoff.
	ClassTransient Class = iota
	// ClassPermanent failures are fatal for the invocation.
	ClassPermanent
	// ClassQuota failures are retried with a longer backoff.
	ClassQuota
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassQuota:
		return "quota"
	}
	return "unknown"
}

// Error wraps a provider failure with its class.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("model %s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &Error{Class: ClassTransient, Err: err} }

// Permanent wraps err as a fatal failure.
func Permanent(err error) error { return &Error{Class: ClassPermanent, Err: err} }

// Quota wraps err as a rate-limit failure.
func Quota(err error) error { return &Error{Class: ClassQuota, Err: err} }

// ClassOf classifies any error returned by a Client. Deadline and
// cancellation errors count as transient; unclassified errors are treated
// as permanent so unknown failure modes don't burn the retry budget.
func ClassOf(err error) Class {
	var me *Error
	if errors.As(err, &me) {
		return me.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsRetryable reports whether the error class permits another attempt.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassQuota:
		return true
	}
	return false
}

// classifyHTTPStatus maps a provider HTTP status to an error class. Shared
// by the SDK adapters.
func classifyHTTPStatus(status int) Class {
	switch {
	case status == 429:
		return ClassQuota
	case status == 408 || status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}
