// Package errclass classifies backend errors as transient (retryable) or
// permanent (not retryable). The retry policy consults this classification
// before every attempt.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class partitions backend failures for retry decisions.
type Class int

const (
	// ClassTransient marks network/timeout failures worth retrying.
	ClassTransient Class = iota
	// ClassPermanent marks malformed-data/authorization failures that must
	// propagate immediately.
	ClassPermanent
)

type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string {
	if c.class == ClassPermanent {
		return "permanent: " + c.err.Error()
	}
	return "transient: " + c.err.Error()
}

func (c *classified) Unwrap() error { return c.err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, err: err}
}

// Transientf wraps a formatted error as retryable.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf wraps a formatted error as non-retryable.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was explicitly marked non-retryable.
func IsPermanent(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.class == ClassPermanent
	}
	return false
}

// IsTransient reports whether err should be retried. Net timeouts, context
// deadlines and explicitly wrapped transient errors qualify; unclassified
// errors default to transient because delivery is at-least-once and event
// identifiers are idempotency-friendly.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class == ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}
