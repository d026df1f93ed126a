package usage

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDayRange(t *testing.T) {
	from := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	to := time.Date(2025, 3, 12, 9, 15, 0, 0, time.UTC)

	start, end := DayRange(from, to)
	if !start.Equal(day(2025, 3, 10)) {
		t.Errorf("start should floor to day, got %v", start)
	}
	if !end.Equal(day(2025, 3, 13)) {
		t.Errorf("end should ceil to next day boundary, got %v", end)
	}

	// Aligned bounds pass through unchanged.
	start, end = DayRange(day(2025, 3, 10), day(2025, 3, 12))
	if !start.Equal(day(2025, 3, 10)) || !end.Equal(day(2025, 3, 12)) {
		t.Errorf("aligned range should not be extended, got [%v, %v)", start, end)
	}
}

func TestBucketEvents_ZeroFill(t *testing.T) {
	// Events on the first and last of a 3-day range; middle day empty.
	events := []Event{
		New("e1", "p1", "chat", 100, 50, day(2025, 3, 10).Add(8*time.Hour), nil),
		New("e2", "p1", "chat", 20, 10, day(2025, 3, 10).Add(9*time.Hour), nil),
		New("e3", "p1", "embedding", 40, 0, day(2025, 3, 12).Add(1*time.Hour), nil),
	}

	buckets := BucketEvents(events, day(2025, 3, 10), day(2025, 3, 13), AllMetrics())
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}

	for i := 1; i < len(buckets); i++ {
		if !buckets[i].Start.After(buckets[i-1].Start) {
			t.Error("buckets should be ordered by start ascending")
		}
	}

	first := buckets[0]
	if first.Metrics[MetricSumTotal] != 180 {
		t.Errorf("day 1 sum_total should be 180, got %v", first.Metrics[MetricSumTotal])
	}
	if first.Metrics[MetricCount] != 2 {
		t.Errorf("day 1 count should be 2, got %v", first.Metrics[MetricCount])
	}
	if first.Metrics[MetricAvgTotal] != 90 {
		t.Errorf("day 1 avg should be 90, got %v", first.Metrics[MetricAvgTotal])
	}

	middle := buckets[1]
	for m, v := range middle.Metrics {
		if v != 0 {
			t.Errorf("empty day metric %s should be 0, got %v", m, v)
		}
	}
	if middle.Metrics[MetricAvgTotal] != 0 {
		t.Error("avg over zero requests should be 0")
	}

	last := buckets[2]
	if last.Metrics[MetricSumInput] != 40 || last.Metrics[MetricSumOutput] != 0 {
		t.Errorf("day 3 sums wrong: %v", last.Metrics)
	}
}

func TestBucketEvents_ExcludesOutsideRange(t *testing.T) {
	events := []Event{
		New("e1", "p1", "chat", 10, 0, day(2025, 3, 9).Add(23*time.Hour), nil),
		New("e2", "p1", "chat", 20, 0, day(2025, 3, 10), nil),
		New("e3", "p1", "chat", 30, 0, day(2025, 3, 11), nil),
	}

	buckets := BucketEvents(events, day(2025, 3, 10), day(2025, 3, 11), []Metric{MetricSumTotal})
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	if buckets[0].Metrics[MetricSumTotal] != 20 {
		t.Errorf("only in-range events should count, got %v", buckets[0].Metrics[MetricSumTotal])
	}
}

func TestTotalsMetrics_DerivedAverage(t *testing.T) {
	tot := Totals{SumInput: 300, SumOutput: 100, SumTotal: 400, Count: 8}

	m := tot.Metrics(AllMetrics())
	if m[MetricAvgTotal] != 50 {
		t.Errorf("avg should be sum_total/count = 50, got %v", m[MetricAvgTotal])
	}

	empty := Totals{}
	if got := empty.Metrics([]Metric{MetricAvgTotal})[MetricAvgTotal]; got != 0 {
		t.Errorf("avg with zero count should be 0, got %v", got)
	}
}

func TestGroupEvents(t *testing.T) {
	events := []Event{
		New("e1", "chatbot", "chat", 100, 50, day(2025, 3, 10), nil),
		New("e2", "chatbot", "completion", 200, 150, day(2025, 3, 10), nil),
		New("e3", "search", "embedding", 50, 0, day(2025, 3, 10), nil),
	}

	byProject := GroupEvents(events, GroupByProject, []Metric{MetricSumTotal, MetricCount})
	if len(byProject) != 2 {
		t.Fatalf("expected 2 project groups, got %d", len(byProject))
	}
	if byProject[0].Key != "chatbot" || byProject[1].Key != "search" {
		t.Errorf("groups should be sorted by key: %v, %v", byProject[0].Key, byProject[1].Key)
	}
	if byProject[0].Metrics[MetricSumTotal] != 500 {
		t.Errorf("chatbot sum_total should be 500, got %v", byProject[0].Metrics[MetricSumTotal])
	}

	byType := GroupEvents(events, GroupByType, []Metric{MetricCount})
	if len(byType) != 3 {
		t.Fatalf("expected 3 type groups, got %d", len(byType))
	}
}

func TestValidMetric(t *testing.T) {
	for _, m := range AllMetrics() {
		if !ValidMetric(m) {
			t.Errorf("%s should be valid", m)
		}
	}
	if ValidMetric("p99_latency") {
		t.Error("unknown metric should be invalid")
	}
}
