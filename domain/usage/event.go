// Package usage provides token usage event types and aggregation functions.
// All functions are pure - no side effects.
package usage

import "time"

// Event represents a single token usage event (immutable value type).
// Events are created by producers, owned by the queue until flushed, and
// owned by the backend thereafter. They are never mutated after creation.
type Event struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	RequestType  string         `json:"request_type"` // free-form category: "chat", "embedding", ...
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	Timestamp    time.Time      `json:"timestamp"` // always UTC
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TotalTokens returns the derived total token count.
func (e Event) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}

// New creates an event with the given identity and timestamp.
// A zero timestamp defaults to now; timestamps are normalized to UTC.
func New(id, project, requestType string, inputTokens, outputTokens int64, timestamp time.Time, metadata map[string]any) Event {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return Event{
		ID:           id,
		Project:      project,
		RequestType:  requestType,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Timestamp:    timestamp.UTC(),
		Metadata:     metadata,
	}
}

// Validate checks event invariants.
// This is a PURE function.
func (e Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if e.Project == "" {
		return &ValidationError{Field: "project", Reason: "must not be empty"}
	}
	if e.RequestType == "" {
		return &ValidationError{Field: "request_type", Reason: "must not be empty"}
	}
	if e.InputTokens < 0 {
		return &ValidationError{Field: "input_tokens", Reason: "must not be negative"}
	}
	if e.OutputTokens < 0 {
		return &ValidationError{Field: "output_tokens", Reason: "must not be negative"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}
