// Package redis provides a Redis implementation of ports.Backend.
//
// Layout: each event is a JSON record at usage:event:<id>; per (project, day)
// a sorted-by-time index usage:index:<project>:<day> holds event IDs; per
// (project, request_type, day) a hash usage:agg:<project>:<type>:<day> is
// incremented on write. Membership keys usage:projects, usage:days:<project>
// and usage:types:<project> let unfiltered queries walk the keyspace without
// SCAN.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lazzyms/token-usage-metrics/domain/usage"
	"github.com/lazzyms/token-usage-metrics/pkg/cursor"
	"github.com/lazzyms/token-usage-metrics/ports"
)

const (
	keyProjects = "usage:projects"
	dayFormat   = "2006-01-02"
)

func keyEvent(id string) string             { return "usage:event:" + id }
func keyIndex(project, day string) string   { return "usage:index:" + project + ":" + day }
func keyAgg(project, typ, day string) string {
	return "usage:agg:" + project + ":" + typ + ":" + day
}
func keyDays(project string) string  { return "usage:days:" + project }
func keyTypes(project string) string { return "usage:types:" + project }

// Store implements ports.Backend on Redis.
type Store struct {
	client *redis.Client
}

// Open connects a client and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// WriteBatch stores events, stopping at the first failure and reporting how
// many were persisted. SETNX on the event record makes redelivery a no-op so
// the aggregate hashes never double-count.
func (s *Store) WriteBatch(ctx context.Context, events []usage.Event) (int, error) {
	written := 0
	for _, e := range events {
		if err := s.writeOne(ctx, e); err != nil {
			return written, fmt.Errorf("write event %s: %w", e.ID, err)
		}
		written++
	}
	return written, nil
}

func (s *Store) writeOne(ctx context.Context, e usage.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	inserted, err := s.client.SetNX(ctx, keyEvent(e.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	ts := e.Timestamp.UTC()
	dayStart := usage.DayStart(ts)
	day := dayStart.Format(dayFormat)
	agg := keyAgg(e.Project, e.RequestType, day)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, keyIndex(e.Project, day), redis.Z{Score: float64(ts.UnixMilli()), Member: e.ID})
	pipe.HIncrBy(ctx, agg, "sum_input", e.InputTokens)
	pipe.HIncrBy(ctx, agg, "sum_output", e.OutputTokens)
	pipe.HIncrBy(ctx, agg, "sum_total", e.TotalTokens())
	pipe.HIncrBy(ctx, agg, "count_requests", 1)
	pipe.SAdd(ctx, keyProjects, e.Project)
	pipe.ZAdd(ctx, keyDays(e.Project), redis.Z{Score: float64(dayStart.Unix()), Member: day})
	pipe.SAdd(ctx, keyTypes(e.Project), e.RequestType)
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll the record back so a retried delivery reindexes cleanly.
		s.client.Del(ctx, keyEvent(e.ID))
		return err
	}
	return nil
}

// FetchRaw returns matching events newest first with cursor pagination.
func (s *Store) FetchRaw(ctx context.Context, f usage.Filter) ([]usage.Event, string, error) {
	var after *cursor.Position
	if f.Cursor != "" {
		pos, err := cursor.Decode(f.Cursor)
		if err != nil {
			return nil, "", &usage.ValidationError{Field: "cursor", Reason: "malformed token"}
		}
		after = &pos
	}

	matching, err := s.matchingEvents(ctx, f)
	if err != nil {
		return nil, "", err
	}
	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].Timestamp.Equal(matching[j].Timestamp) {
			return matching[i].Timestamp.After(matching[j].Timestamp)
		}
		return matching[i].ID > matching[j].ID
	})
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

// Aggregate serves day buckets from the increment-on-write hashes. Missing
// range bounds default to the span of the indexed days.
func (s *Store) Aggregate(ctx context.Context, f usage.Filter, metrics []usage.Metric) ([]usage.Bucket, error) {
	projects, err := s.projectsFor(ctx, f.Project)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, nil
	}

	from, to := usage.DayRange(f.From, f.To)
	if from.IsZero() || to.IsZero() {
		min, max, err := s.daySpan(ctx, projects)
		if err != nil {
			return nil, err
		}
		if min.IsZero() {
			return nil, nil
		}
		if from.IsZero() {
			from = min
		}
		if to.IsZero() {
			to = max.AddDate(0, 0, 1)
		}
	}

	// One HGETALL per (project, type, day), pipelined.
	type slot struct {
		day time.Time
		cmd *redis.MapStringStringCmd
	}
	var slots []slot
	pipe := s.client.Pipeline()
	for _, p := range projects {
		types := []string{f.RequestType}
		if f.RequestType == "" {
			types, err = s.client.SMembers(ctx, keyTypes(p)).Result()
			if err != nil {
				return nil, fmt.Errorf("list request types: %w", err)
			}
		}
		for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
			for _, typ := range types {
				slots = append(slots, slot{
					day: day,
					cmd: pipe.HGetAll(ctx, keyAgg(p, typ, day.Format(dayFormat))),
				})
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read aggregates: %w", err)
	}

	byDay := make(map[time.Time]*usage.Totals)
	for _, sl := range slots {
		fields, err := sl.cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		t := byDay[sl.day]
		if t == nil {
			t = &usage.Totals{}
			byDay[sl.day] = t
		}
		t.Merge(parseTotals(fields))
	}

	var buckets []usage.Bucket
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		var t usage.Totals
		if agg := byDay[day]; agg != nil {
			t = *agg
		}
		buckets = append(buckets, usage.Bucket{
			Start:   day,
			End:     day.AddDate(0, 0, 1),
			Metrics: t.Metrics(metrics),
		})
	}
	return buckets, nil
}

// GroupTotals aggregates matching raw events per project or request type.
func (s *Store) GroupTotals(ctx context.Context, f usage.Filter, by usage.GroupBy, metrics []usage.Metric) ([]usage.GroupTotal, error) {
	matching, err := s.matchingEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	return usage.GroupEvents(matching, by, metrics), nil
}

// Delete removes a project's events in the options range. With
// IncludeAggregates, aggregate hashes whose whole day was removed are
// deleted and boundary days are rewritten from the surviving events.
func (s *Store) Delete(ctx context.Context, opts usage.DeleteOptions) (usage.DeleteResult, error) {
	scope := opts.Range()
	matching, err := s.matchingEvents(ctx, scope)
	if err != nil {
		return usage.DeleteResult{}, err
	}

	res := usage.DeleteResult{EventsDeleted: int64(len(matching))}
	deleted := make(map[string]bool, len(matching))
	days := make(map[string]bool)
	for _, e := range matching {
		deleted[e.ID] = true
		days[usage.DayStart(e.Timestamp).Format(dayFormat)] = true
	}

	// Recompute every touched (type, day) partition from its survivors.
	type rewrite struct {
		typ, day string
		totals   usage.Totals
	}
	var rewrites []rewrite
	if opts.IncludeAggregates {
		touched := make(map[[2]string]bool)
		for _, e := range matching {
			touched[[2]string{e.RequestType, usage.DayStart(e.Timestamp).Format(dayFormat)}] = true
		}
		survivors := make(map[[2]string]*usage.Totals)
		for day := range days {
			events, err := s.dayEvents(ctx, opts.Project, day)
			if err != nil {
				return usage.DeleteResult{}, err
			}
			for _, e := range events {
				if deleted[e.ID] {
					continue
				}
				key := [2]string{e.RequestType, day}
				if !touched[key] {
					continue
				}
				t := survivors[key]
				if t == nil {
					t = &usage.Totals{}
					survivors[key] = t
				}
				t.Add(e)
			}
		}
		for key := range touched {
			rw := rewrite{typ: key[0], day: key[1]}
			if t := survivors[key]; t != nil {
				rw.totals = *t
			} else {
				res.AggregatesDeleted++
			}
			rewrites = append(rewrites, rw)
		}
	}

	if opts.Simulate {
		return res, nil
	}

	pipe := s.client.TxPipeline()
	for _, e := range matching {
		day := usage.DayStart(e.Timestamp).Format(dayFormat)
		pipe.Del(ctx, keyEvent(e.ID))
		pipe.ZRem(ctx, keyIndex(opts.Project, day), e.ID)
	}
	for _, rw := range rewrites {
		agg := keyAgg(opts.Project, rw.typ, rw.day)
		if rw.totals.Count == 0 {
			pipe.Del(ctx, agg)
		} else {
			pipe.HSet(ctx, agg,
				"sum_input", rw.totals.SumInput,
				"sum_output", rw.totals.SumOutput,
				"sum_total", rw.totals.SumTotal,
				"count_requests", rw.totals.Count)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("delete events: %w", err)
	}

	// Drop emptied day indexes from the membership keys.
	for day := range days {
		n, err := s.client.ZCard(ctx, keyIndex(opts.Project, day)).Result()
		if err != nil {
			return res, fmt.Errorf("cleanup day index: %w", err)
		}
		if n == 0 {
			if err := s.client.ZRem(ctx, keyDays(opts.Project), day).Err(); err != nil {
				return res, fmt.Errorf("cleanup day index: %w", err)
			}
		}
	}
	remaining, err := s.client.ZCard(ctx, keyDays(opts.Project)).Result()
	if err != nil {
		return res, fmt.Errorf("cleanup project: %w", err)
	}
	if remaining == 0 {
		pipe := s.client.TxPipeline()
		pipe.SRem(ctx, keyProjects, opts.Project)
		pipe.Del(ctx, keyDays(opts.Project), keyTypes(opts.Project))
		if _, err := pipe.Exec(ctx); err != nil {
			return res, fmt.Errorf("cleanup project: %w", err)
		}
	}
	return res, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) projectsFor(ctx context.Context, project string) ([]string, error) {
	if project != "" {
		return []string{project}, nil
	}
	projects, err := s.client.SMembers(ctx, keyProjects).Result()
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// daysFor lists a project's indexed days overlapping [from, to).
func (s *Store) daysFor(ctx context.Context, project string, from, to time.Time) ([]string, error) {
	min, max := "-inf", "+inf"
	if !from.IsZero() {
		min = strconv.FormatInt(usage.DayStart(from).Unix(), 10)
	}
	if !to.IsZero() {
		max = "(" + strconv.FormatInt(to.UTC().Unix(), 10)
	}
	days, err := s.client.ZRangeByScore(ctx, keyDays(project), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("list days: %w", err)
	}
	return days, nil
}

func (s *Store) daySpan(ctx context.Context, projects []string) (time.Time, time.Time, error) {
	var min, max time.Time
	for _, p := range projects {
		first, err := s.client.ZRangeWithScores(ctx, keyDays(p), 0, 0).Result()
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("day span: %w", err)
		}
		last, err := s.client.ZRangeWithScores(ctx, keyDays(p), -1, -1).Result()
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("day span: %w", err)
		}
		if len(first) == 0 {
			continue
		}
		lo := time.Unix(int64(first[0].Score), 0).UTC()
		hi := time.Unix(int64(last[0].Score), 0).UTC()
		if min.IsZero() || lo.Before(min) {
			min = lo
		}
		if max.IsZero() || hi.After(max) {
			max = hi
		}
	}
	return min, max, nil
}

// dayEvents loads every event in one project day index.
func (s *Store) dayEvents(ctx context.Context, project, day string) ([]usage.Event, error) {
	ids, err := s.client.ZRange(ctx, keyIndex(project, day), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read day index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyEvent(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	events := make([]usage.Event, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // index entry with no record, skip
		}
		var e usage.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *Store) matchingEvents(ctx context.Context, f usage.Filter) ([]usage.Event, error) {
	projects, err := s.projectsFor(ctx, f.Project)
	if err != nil {
		return nil, err
	}

	var matching []usage.Event
	for _, p := range projects {
		days, err := s.daysFor(ctx, p, f.From, f.To)
		if err != nil {
			return nil, err
		}
		for _, day := range days {
			events, err := s.dayEvents(ctx, p, day)
			if err != nil {
				return nil, err
			}
			for _, e := range events {
				if f.Matches(e) {
					matching = append(matching, e)
				}
			}
		}
	}
	return matching, nil
}

func parseTotals(fields map[string]string) usage.Totals {
	var t usage.Totals
	t.SumInput, _ = strconv.ParseInt(fields["sum_input"], 10, 64)
	t.SumOutput, _ = strconv.ParseInt(fields["sum_output"], 10, 64)
	t.SumTotal, _ = strconv.ParseInt(fields["sum_total"], 10, 64)
	t.Count, _ = strconv.ParseInt(fields["count_requests"], 10, 64)
	return t
}

// Ensure interface compliance.
var _ ports.Backend = (*Store)(nil)
