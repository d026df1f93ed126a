// Package memory provides an in-memory Backend implementation, used by
// tests and as a development backend.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lazzyms/token-usage-metrics/domain/usage"
	"github.com/lazzyms/token-usage-metrics/pkg/cursor"
	"github.com/lazzyms/token-usage-metrics/ports"
)

// Store is an in-memory implementation of ports.Backend.
type Store struct {
	mu     sync.RWMutex
	events []usage.Event
	byID   map[string]struct{}
}

// NewStore creates an empty in-memory backend.
func NewStore() *Store {
	return &Store{byID: make(map[string]struct{})}
}

// WriteBatch stores events. Duplicate IDs are overwritten-free no-ops so
// redelivered batches stay idempotent.
func (s *Store) WriteBatch(ctx context.Context, events []usage.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.byID[e.ID]; ok {
			continue
		}
		s.byID[e.ID] = struct{}{}
		s.events = append(s.events, e)
	}
	return len(events), nil
}

// FetchRaw returns matching events newest first with cursor pagination.
func (s *Store) FetchRaw(ctx context.Context, f usage.Filter) ([]usage.Event, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var after *cursor.Position
	if f.Cursor != "" {
		pos, err := cursor.Decode(f.Cursor)
		if err != nil {
			return nil, "", &usage.ValidationError{Field: "cursor", Reason: "malformed token"}
		}
		after = &pos
	}

	matching := make([]usage.Event, 0)
	for _, e := range s.events {
		if f.Matches(e) {
			matching = append(matching, e)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].Timestamp.Equal(matching[j].Timestamp) {
			return matching[i].Timestamp.After(matching[j].Timestamp)
		}
		return matching[i].ID > matching[j].ID
	})

	// Resume strictly after the cursor position.
	if after != nil {
		idx := sort.Search(len(matching), func(i int) bool {
			e := matching[i]
			if !e.Timestamp.Equal(after.Timestamp) {
				return e.Timestamp.Before(after.Timestamp)
			}
			return e.ID < after.ID
		})
		matching = matching[idx:]
	}

	limit := f.EffectiveLimit()
	next := ""
	if len(matching) > limit {
		matching = matching[:limit]
		last := matching[len(matching)-1]
		next = cursor.Encode(cursor.Position{Timestamp: last.Timestamp, ID: last.ID})
	}
	return matching, next, nil
}

// Aggregate buckets matching events into UTC days. Missing range bounds
// default to the span of the matching data.
func (s *Store) Aggregate(ctx context.Context, f usage.Filter, metrics []usage.Metric) ([]usage.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope := f
	scope.From, scope.To = usage.DayRange(f.From, f.To)

	var matching []usage.Event
	for _, e := range s.events {
		if scope.Matches(e) {
			matching = append(matching, e)
		}
	}
	if len(matching) == 0 {
		return usage.BucketEvents(nil, scope.From, scope.To, metrics), nil
	}
	if scope.From.IsZero() || scope.To.IsZero() {
		min, max := matching[0].Timestamp, matching[0].Timestamp
		for _, e := range matching[1:] {
			if e.Timestamp.Before(min) {
				min = e.Timestamp
			}
			if e.Timestamp.After(max) {
				max = e.Timestamp
			}
		}
		if scope.From.IsZero() {
			scope.From = usage.DayStart(min)
		}
		if scope.To.IsZero() {
			scope.To = usage.DayStart(max).AddDate(0, 0, 1)
		}
	}
	return usage.BucketEvents(matching, scope.From, scope.To, metrics), nil
}

// GroupTotals aggregates matching events per project or request type.
func (s *Store) GroupTotals(ctx context.Context, f usage.Filter, by usage.GroupBy, metrics []usage.Metric) ([]usage.GroupTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []usage.Event
	for _, e := range s.events {
		if f.Matches(e) {
			matching = append(matching, e)
		}
	}
	return usage.GroupEvents(matching, by, metrics), nil
}

// Delete removes a project's events in the options range. The in-memory
// store keeps no separate aggregate records; AggregatesDeleted counts the
// distinct (request_type, day) partitions the deletion emptied when
// IncludeAggregates is set.
func (s *Store) Delete(ctx context.Context, opts usage.DeleteOptions) (usage.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := opts.Range()
	partitions := make(map[string]struct{})
	var deleted int64

	kept := s.events[:0:0]
	for _, e := range s.events {
		if scope.Matches(e) {
			deleted++
			partitions[partitionKey(e)] = struct{}{}
			continue
		}
		kept = append(kept, e)
	}
	// A partition survives when remaining events still fall in it; those
	// would be recomputed, not removed, by aggregate-keeping backends.
	for _, e := range kept {
		if e.Project == opts.Project {
			delete(partitions, partitionKey(e))
		}
	}

	res := usage.DeleteResult{EventsDeleted: deleted}
	if opts.IncludeAggregates {
		res.AggregatesDeleted = int64(len(partitions))
	}
	if opts.Simulate {
		return res, nil
	}

	s.events = kept
	s.byID = make(map[string]struct{}, len(kept))
	for _, e := range kept {
		s.byID[e.ID] = struct{}{}
	}
	return res, nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func partitionKey(e usage.Event) string {
	return e.RequestType + "|" + usage.DayStart(e.Timestamp).Format("2006-01-02")
}

// All returns a copy of every stored event (for testing).
func (s *Store) All() []usage.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]usage.Event{}, s.events...)
}

// Ensure interface compliance.
var _ ports.Backend = (*Store)(nil)
