// Package idgen provides event ID generation implementations.
package idgen

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lazzyms/token-usage-metrics/ports"
)

// UUID generates time-ordered UUIDv7 identifiers. Time ordering keeps the
// (timestamp, id) pagination cursor stable for events created in the same
// nanosecond.
type UUID struct{}

// New generates a new UUIDv7, falling back to v4 if the monotonic clock
// source is unavailable.
func (UUID) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + uitoa(n)
}

// Reset resets the counter (for testing).
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Ensure interface compliance.
var _ ports.IDGenerator = (*Sequential)(nil)
