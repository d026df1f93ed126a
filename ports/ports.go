// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/lazzyms/token-usage-metrics/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique, time-ordered event identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Storage Port
// -----------------------------------------------------------------------------

// Backend is the capability set implemented once per storage engine.
// A backend handle is a shared, thread-safe resource; the core may call it
// concurrently. Backends manage their own connection pooling.
//
// All backends must produce identical aggregate values for the same
// underlying events. This cross-backend equivalence is a correctness
// requirement, not an implementation detail.
type Backend interface {
	// WriteBatch persists an ordered sequence of events. Writes are atomic
	// per event; batch-level atomicity is not required. On partial success
	// it returns the count of events made durable along with the error.
	WriteBatch(ctx context.Context, events []usage.Event) (int, error)

	// FetchRaw returns events matching the filter, ordered by timestamp
	// descending (newest first), honoring the filter's limit. The returned
	// cursor is non-empty iff more results exist; it encodes a (timestamp,
	// id) position so pages stay stable under concurrent inserts.
	FetchRaw(ctx context.Context, f usage.Filter) ([]usage.Event, string, error)

	// Aggregate returns one bucket per UTC day in the filter's range,
	// ordered by start ascending. Days with zero events are reported as
	// all-zero buckets, never omitted. Unaligned bounds are clamped to the
	// enclosing day range.
	Aggregate(ctx context.Context, f usage.Filter, metrics []usage.Metric) ([]usage.Bucket, error)

	// GroupTotals returns totals grouped by project or request type for
	// events matching the filter, ordered by key ascending.
	GroupTotals(ctx context.Context, f usage.Filter, by usage.GroupBy, metrics []usage.Metric) ([]usage.GroupTotal, error)

	// Delete removes a project's events in the options range and, when
	// requested, its aggregate records. With Simulate set it computes the
	// same counts without mutating storage. Aggregate buckets partially
	// overlapping the deleted range are recomputed from remaining events,
	// never left stale.
	Delete(ctx context.Context, opts usage.DeleteOptions) (usage.DeleteResult, error)

	// HealthCheck is a cheap liveness probe.
	HealthCheck(ctx context.Context) error

	// Close releases the backend's connections.
	Close() error
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// Recorder accepts usage events for asynchronous delivery to a Backend.
type Recorder interface {
	// Enqueue buffers an event for delivery. It never performs I/O; it may
	// block briefly when the buffer is full and then fail with a capacity
	// error rather than drop silently.
	Enqueue(e usage.Event) error

	// EnqueueMany buffers events preserving their order.
	EnqueueMany(events []usage.Event) error

	// Flush delivers buffered events, returning the count made durable
	// before ctx expired. Events not yet durable remain queued.
	Flush(ctx context.Context) (int, error)

	// Close stops the flush loop, attempts a final bounded flush, and
	// reports how many buffered events could not be delivered.
	Close() (int, error)
}
