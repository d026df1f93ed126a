package usage

import "time"

// DefaultLimit is the page size used when a filter does not specify one.
const DefaultLimit = 100

// Filter selects events for queries and aggregation.
// Zero time bounds mean unbounded; the range is half-open [From, To).
type Filter struct {
	Project     string // exact match, empty = any
	RequestType string // exact match, empty = any
	From        time.Time
	To          time.Time
	Limit       int    // page size, DefaultLimit when <= 0
	Cursor      string // opaque pagination token from a previous page
}

// Validate checks filter invariants.
// This is a PURE function.
func (f Filter) Validate() error {
	if f.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must be positive"}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return &ValidationError{Field: "time_from", Reason: "must not be after time_to"}
	}
	return nil
}

// EffectiveLimit returns the page size to use for this filter.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

// Matches reports whether an event satisfies the filter's project, type and
// time constraints. Cursor and limit are pagination concerns, not match
// criteria. This is a PURE function.
func (f Filter) Matches(e Event) bool {
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if f.RequestType != "" && e.RequestType != f.RequestType {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// DeleteOptions bounds an auditable deletion of a project's data.
type DeleteOptions struct {
	Project           string
	From              time.Time // zero = unbounded
	To                time.Time // zero = unbounded
	IncludeAggregates bool      // also purge derived aggregate records
	Simulate          bool      // report counts without mutating storage
}

// Validate checks delete option invariants.
// This is a PURE function.
func (o DeleteOptions) Validate() error {
	if o.Project == "" {
		return &ValidationError{Field: "project", Reason: "must not be empty"}
	}
	if !o.From.IsZero() && !o.To.IsZero() && o.From.After(o.To) {
		return &ValidationError{Field: "time_from", Reason: "must not be after time_to"}
	}
	return nil
}

// Range returns the delete range as an event filter.
func (o DeleteOptions) Range() Filter {
	return Filter{Project: o.Project, From: o.From, To: o.To}
}

// DeleteResult reports what a deletion removed (or would remove when simulated).
type DeleteResult struct {
	EventsDeleted     int64
	AggregatesDeleted int64
}
