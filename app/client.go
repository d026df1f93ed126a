package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lazzyms/token-usage-metrics/domain/breaker"
	"github.com/lazzyms/token-usage-metrics/domain/usage"
	"github.com/lazzyms/token-usage-metrics/ports"
)

// Client is the facade applications use to report and query token usage.
// Log calls go through the async queue and never observe backend failures
// synchronously; query and delete calls hit the backend directly and
// surface errors to the caller.
type Client struct {
	backend ports.Backend
	queue   *EventQueue
	breaker *breaker.Breaker
	ids     ports.IDGenerator
	clock   ports.Clock
	log     zerolog.Logger
}

// NewClient wires a client around an already-constructed queue and backend.
func NewClient(backend ports.Backend, queue *EventQueue, b *breaker.Breaker, ids ports.IDGenerator, clk ports.Clock, logger zerolog.Logger) *Client {
	return &Client{
		backend: backend,
		queue:   queue,
		breaker: b,
		ids:     ids,
		clock:   clk,
		log:     logger,
	}
}

// Log records one usage event with a generated ID and the current time.
// It returns after buffering; persistence happens in the background.
func (c *Client) Log(project, requestType string, inputTokens, outputTokens int64, metadata map[string]any) error {
	e := usage.New(c.ids.New(), project, requestType, inputTokens, outputTokens, c.clock.Now(), metadata)
	if err := e.Validate(); err != nil {
		return err
	}
	return c.queue.Enqueue(e)
}

// LogEvent records a caller-built event, filling in a missing ID or
// timestamp. Validation failures surface immediately and are never buffered.
func (c *Client) LogEvent(e usage.Event) error {
	if e.ID == "" {
		e.ID = c.ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.clock.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if err := e.Validate(); err != nil {
		return err
	}
	return c.queue.Enqueue(e)
}

// LogEvents records a batch of caller-built events in order.
func (c *Client) LogEvents(events []usage.Event) error {
	prepared := make([]usage.Event, len(events))
	for i, e := range events {
		if e.ID == "" {
			e.ID = c.ids.New()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = c.clock.Now()
		}
		e.Timestamp = e.Timestamp.UTC()
		if err := e.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		prepared[i] = e
	}
	return c.queue.EnqueueMany(prepared)
}

// Query returns raw events matching the filter, newest first, with a cursor
// for the next page when more results exist. Queries read committed state;
// call Flush first when just-logged events must be visible.
func (c *Client) Query(ctx context.Context, f usage.Filter) ([]usage.Event, string, error) {
	if err := f.Validate(); err != nil {
		return nil, "", err
	}
	return c.backend.FetchRaw(ctx, f)
}

// SummaryByDay returns one aggregate bucket per UTC day in the filter's
// range. A nil metrics slice requests every metric.
func (c *Client) SummaryByDay(ctx context.Context, f usage.Filter, metrics []usage.Metric) ([]usage.Bucket, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	metrics, err := resolveMetrics(metrics)
	if err != nil {
		return nil, err
	}
	return c.backend.Aggregate(ctx, f, metrics)
}

// GroupTotals returns totals grouped by project or request type.
func (c *Client) GroupTotals(ctx context.Context, f usage.Filter, by usage.GroupBy, metrics []usage.Metric) ([]usage.GroupTotal, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if by != usage.GroupByProject && by != usage.GroupByType {
		return nil, &usage.ValidationError{Field: "group_by", Reason: "must be project or request_type"}
	}
	metrics, err := resolveMetrics(metrics)
	if err != nil {
		return nil, err
	}
	return c.backend.GroupTotals(ctx, f, by, metrics)
}

// DeleteProject removes a project's events (and optionally aggregates) in
// the options range, or reports what would be removed when simulating.
func (c *Client) DeleteProject(ctx context.Context, opts usage.DeleteOptions) (usage.DeleteResult, error) {
	if err := opts.Validate(); err != nil {
		return usage.DeleteResult{}, err
	}
	res, err := c.backend.Delete(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("delete project %s: %w", opts.Project, err)
	}
	c.log.Info().
		Str("project", opts.Project).
		Bool("simulate", opts.Simulate).
		Int64("events", res.EventsDeleted).
		Int64("aggregates", res.AggregatesDeleted).
		Msg("project data deletion")
	return res, nil
}

// Flush delivers buffered events, returning the count persisted before ctx
// expired.
func (c *Client) Flush(ctx context.Context) (int, error) {
	return c.queue.Flush(ctx)
}

// HealthCheck probes the backend.
func (c *Client) HealthCheck(ctx context.Context) bool {
	return c.backend.HealthCheck(ctx) == nil
}

// ClientStats is a point-in-time snapshot of pipeline state.
type ClientStats struct {
	QueueDepth   int
	Dropped      int64
	BreakerState breaker.State
}

// Stats reports queue depth, dropped event count and breaker state.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		QueueDepth:   c.queue.Depth(),
		Dropped:      c.queue.Dropped(),
		BreakerState: c.breaker.State(),
	}
}

// Close flushes the queue with a bounded timeout and closes the backend.
// It returns an error naming the number of undelivered events, if any.
func (c *Client) Close() error {
	lost, _ := c.queue.Close()
	err := c.backend.Close()
	if lost > 0 {
		return fmt.Errorf("closed with %d undelivered events", lost)
	}
	return err
}

func resolveMetrics(metrics []usage.Metric) ([]usage.Metric, error) {
	if len(metrics) == 0 {
		return usage.AllMetrics(), nil
	}
	for _, m := range metrics {
		if !usage.ValidMetric(m) {
			return nil, &usage.ValidationError{Field: "metrics", Reason: fmt.Sprintf("unknown metric %q", m)}
		}
	}
	return metrics, nil
}
