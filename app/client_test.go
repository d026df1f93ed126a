package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazzyms/token-usage-metrics/adapters/clock"
	"github.com/lazzyms/token-usage-metrics/adapters/idgen"
	"github.com/lazzyms/token-usage-metrics/adapters/memory"
	"github.com/lazzyms/token-usage-metrics/domain/breaker"
	"github.com/lazzyms/token-usage-metrics/domain/usage"
)

type clientFixture struct {
	client *Client
	store  *memory.Store
	clk    *clock.Fake
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewFake(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	b := breaker.New(5, 30*time.Second, clk)
	q := NewEventQueue(store, newTestPolicy(b, 1), QueueOptions{
		Config: QueueConfig{FlushBatchSize: 100, FlushInterval: time.Hour},
		Logger: zerolog.Nop(),
	})
	c := NewClient(store, q, b, idgen.NewSequential("ev-"), clk, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	return &clientFixture{client: c, store: store, clk: clk}
}

func TestClient_LogFlushQueryRoundTrip(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		if err := fx.client.Log("proj-a", "chat", 10, 5, nil); err != nil {
			t.Fatalf("log %d failed: %v", i, err)
		}
		fx.clk.Advance(time.Second)
	}

	// The 100th event already tripped a size-based flush in the background;
	// the manual flush drains whatever remains.
	if _, err := fx.client.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if depth := fx.client.Stats().QueueDepth; depth != 0 {
		t.Errorf("flush should drain the buffer, depth=%d", depth)
	}

	// Two pages at the default limit of 100.
	var all []usage.Event
	f := usage.Filter{Project: "proj-a"}
	for {
		events, next, err := fx.client.Query(ctx, f)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		all = append(all, events...)
		if next == "" {
			break
		}
		f.Cursor = next
	}
	if len(all) != 150 {
		t.Fatalf("query should return all 150 events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("events out of newest-first order at %d", i)
		}
	}

	buckets, err := fx.client.SummaryByDay(ctx, usage.Filter{Project: "proj-a"}, nil)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	var count, sumTotal float64
	for _, b := range buckets {
		count += b.Metrics[usage.MetricCount]
		sumTotal += b.Metrics[usage.MetricSumTotal]
	}
	if count != 150 {
		t.Errorf("summary count should be 150, got %v", count)
	}
	if sumTotal != 150*15 {
		t.Errorf("summary sum_total should be %d, got %v", 150*15, sumTotal)
	}
}

func TestClient_LogEventFillsIDAndTimestamp(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	if err := fx.client.LogEvent(usage.Event{Project: "p1", RequestType: "embedding", InputTokens: 7}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	fx.client.Flush(ctx)

	events, _, err := fx.client.Query(ctx, usage.Filter{Project: "p1"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID == "" {
		t.Error("missing ID should be generated")
	}
	if !events[0].Timestamp.Equal(fx.clk.Now()) {
		t.Errorf("missing timestamp should default to now, got %v", events[0].Timestamp)
	}
}

func TestClient_InvalidEventNeverBuffered(t *testing.T) {
	fx := newClientFixture(t)

	if err := fx.client.Log("", "chat", 10, 5, nil); err == nil {
		t.Error("empty project should be rejected")
	}
	if err := fx.client.Log("p1", "chat", -1, 5, nil); err == nil {
		t.Error("negative token count should be rejected")
	}
	if fx.client.Stats().QueueDepth != 0 {
		t.Errorf("rejected events must not be buffered, depth=%d", fx.client.Stats().QueueDepth)
	}
}

func TestClient_LogEventsRejectsBatchOnFirstInvalid(t *testing.T) {
	fx := newClientFixture(t)

	batch := []usage.Event{
		{Project: "p1", RequestType: "chat", InputTokens: 1},
		{Project: "", RequestType: "chat", InputTokens: 2},
	}
	if err := fx.client.LogEvents(batch); err == nil {
		t.Fatal("batch with an invalid event should be rejected")
	}
	if fx.client.Stats().QueueDepth != 0 {
		t.Error("no part of a rejected batch should be buffered")
	}
}

func TestClient_SummaryRejectsUnknownMetric(t *testing.T) {
	fx := newClientFixture(t)

	_, err := fx.client.SummaryByDay(context.Background(), usage.Filter{Project: "p1"}, []usage.Metric{"p99_latency"})
	if err == nil {
		t.Error("unknown metric should be rejected")
	}
}

func TestClient_GroupTotals(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	fx.client.Log("p1", "chat", 100, 50, nil)
	fx.client.Log("p1", "embedding", 30, 0, nil)
	fx.client.Log("p2", "chat", 10, 5, nil)
	fx.client.Flush(ctx)

	totals, err := fx.client.GroupTotals(ctx, usage.Filter{}, usage.GroupByType, nil)
	if err != nil {
		t.Fatalf("group totals failed: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 request-type groups, got %d", len(totals))
	}

	if _, err := fx.client.GroupTotals(ctx, usage.Filter{}, usage.GroupBy("region"), nil); err == nil {
		t.Error("unknown group_by should be rejected")
	}
}

func TestClient_DeleteSimulateMatchesReal(t *testing.T) {
	fx := newClientFixture(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		fx.client.Log("doomed", "chat", 5, 5, nil)
		fx.clk.Advance(time.Minute)
	}
	fx.client.Log("kept", "chat", 5, 5, nil)
	fx.client.Flush(ctx)

	sim, err := fx.client.DeleteProject(ctx, usage.DeleteOptions{Project: "doomed", Simulate: true, IncludeAggregates: true})
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	real, err := fx.client.DeleteProject(ctx, usage.DeleteOptions{Project: "doomed", IncludeAggregates: true})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if sim != real {
		t.Errorf("simulate %+v should match real %+v", sim, real)
	}
	if real.EventsDeleted != 12 {
		t.Errorf("expected 12 events deleted, got %d", real.EventsDeleted)
	}

	events, _, _ := fx.client.Query(ctx, usage.Filter{Project: "kept"})
	if len(events) != 1 {
		t.Errorf("other projects must survive, got %d events", len(events))
	}

	if _, err := fx.client.DeleteProject(ctx, usage.DeleteOptions{}); err == nil {
		t.Error("delete without a project should be rejected")
	}
}

func TestClient_StatsAndHealth(t *testing.T) {
	fx := newClientFixture(t)

	fx.client.Log("p1", "chat", 1, 1, nil)
	stats := fx.client.Stats()
	if stats.QueueDepth != 1 {
		t.Errorf("expected queue depth 1, got %d", stats.QueueDepth)
	}
	if stats.BreakerState != breaker.StateClosed {
		t.Errorf("breaker should start closed, got %v", stats.BreakerState)
	}
	if !fx.client.HealthCheck(context.Background()) {
		t.Error("memory backend should report healthy")
	}
}
