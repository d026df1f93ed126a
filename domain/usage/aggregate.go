package usage

import (
	"sort"
	"time"
)

// Metric identifies one aggregate value. The enumeration is closed.
type Metric string

const (
	MetricSumTotal  Metric = "sum_total"
	MetricSumInput  Metric = "sum_input_tokens"
	MetricSumOutput Metric = "sum_output_tokens"
	MetricCount     Metric = "count_requests"
	MetricAvgTotal  Metric = "avg_total_per_request" // always derived, never stored
)

// AllMetrics returns every metric in the enumeration.
func AllMetrics() []Metric {
	return []Metric{MetricSumTotal, MetricSumInput, MetricSumOutput, MetricCount, MetricAvgTotal}
}

// ValidMetric reports whether m belongs to the enumeration.
func ValidMetric(m Metric) bool {
	switch m {
	case MetricSumTotal, MetricSumInput, MetricSumOutput, MetricCount, MetricAvgTotal:
		return true
	}
	return false
}

// Bucket is an aggregated summary over a half-open UTC interval.
type Bucket struct {
	Start   time.Time
	End     time.Time
	Metrics map[Metric]float64
}

// GroupBy selects a grouping dimension for totals.
type GroupBy string

const (
	GroupByProject GroupBy = "project"
	GroupByType    GroupBy = "request_type"
)

// GroupTotal is an aggregated summary for one project or request type.
type GroupTotal struct {
	Key     string
	Metrics map[Metric]float64
}

// Totals accumulates the stored sums a backend maintains per partition.
// The average metric is derived from these, never accumulated itself.
type Totals struct {
	SumInput  int64
	SumOutput int64
	SumTotal  int64
	Count     int64
}

// Add folds one event into the totals.
func (t *Totals) Add(e Event) {
	t.SumInput += e.InputTokens
	t.SumOutput += e.OutputTokens
	t.SumTotal += e.TotalTokens()
	t.Count++
}

// Merge folds another totals value into the totals.
func (t *Totals) Merge(o Totals) {
	t.SumInput += o.SumInput
	t.SumOutput += o.SumOutput
	t.SumTotal += o.SumTotal
	t.Count += o.Count
}

// Metrics renders the requested metrics from the stored sums.
// avg_total_per_request = sum_total / count_requests, 0 when count is 0.
// This is a PURE function.
func (t Totals) Metrics(metrics []Metric) map[Metric]float64 {
	out := make(map[Metric]float64, len(metrics))
	for _, m := range metrics {
		switch m {
		case MetricSumTotal:
			out[m] = float64(t.SumTotal)
		case MetricSumInput:
			out[m] = float64(t.SumInput)
		case MetricSumOutput:
			out[m] = float64(t.SumOutput)
		case MetricCount:
			out[m] = float64(t.Count)
		case MetricAvgTotal:
			if t.Count > 0 {
				out[m] = float64(t.SumTotal) / float64(t.Count)
			} else {
				out[m] = 0
			}
		}
	}
	return out
}

// DayStart truncates t to the start of its UTC calendar day.
// This is a PURE function.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayRange clamps [from, to) to the enclosing UTC day range: from is floored
// to its day start, to is ceiled to the next day boundary unless already
// aligned. Zero bounds are returned unchanged.
// This is a PURE function.
func DayRange(from, to time.Time) (time.Time, time.Time) {
	if !from.IsZero() {
		from = DayStart(from)
	}
	if !to.IsZero() {
		day := DayStart(to)
		if day.Equal(to.UTC()) {
			to = day
		} else {
			to = day.AddDate(0, 0, 1)
		}
	}
	return from, to
}

// BucketEvents aggregates events into one bucket per UTC day in [from, to),
// ordered by start ascending. Days with no events produce all-zero buckets so
// downstream charting never has to fill gaps.
// This is a PURE function.
func BucketEvents(events []Event, from, to time.Time, metrics []Metric) []Bucket {
	from, to = DayRange(from, to)
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil
	}

	byDay := make(map[time.Time]*Totals)
	for _, e := range events {
		ts := e.Timestamp.UTC()
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		day := DayStart(ts)
		t := byDay[day]
		if t == nil {
			t = &Totals{}
			byDay[day] = t
		}
		t.Add(e)
	}

	var buckets []Bucket
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		var t Totals
		if agg := byDay[day]; agg != nil {
			t = *agg
		}
		buckets = append(buckets, Bucket{
			Start:   day,
			End:     day.AddDate(0, 0, 1),
			Metrics: t.Metrics(metrics),
		})
	}
	return buckets
}

// GroupEvents aggregates events into one total per project or request type,
// ordered by key ascending.
// This is a PURE function.
func GroupEvents(events []Event, by GroupBy, metrics []Metric) []GroupTotal {
	byKey := make(map[string]*Totals)
	for _, e := range events {
		key := e.Project
		if by == GroupByType {
			key = e.RequestType
		}
		t := byKey[key]
		if t == nil {
			t = &Totals{}
			byKey[key] = t
		}
		t.Add(e)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	totals := make([]GroupTotal, 0, len(keys))
	for _, k := range keys {
		totals = append(totals, GroupTotal{Key: k, Metrics: byKey[k].Metrics(metrics)})
	}
	return totals
}
