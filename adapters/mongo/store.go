// Package mongo provides a MongoDB implementation of ports.Backend.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lazzyms/token-usage-metrics/domain/usage"
	"github.com/lazzyms/token-usage-metrics/pkg/cursor"
	"github.com/lazzyms/token-usage-metrics/ports"
)

const (
	nsPerDay  = int64(24 * time.Hour)
	dayFormat = "2006-01-02"
)

// eventDoc mirrors the relational schema. Timestamps are unix nanoseconds so
// cursor comparisons keep full precision.
type eventDoc struct {
	ID           string         `bson:"_id"`
	Project      string         `bson:"project"`
	RequestType  string         `bson:"request_type"`
	InputTokens  int64          `bson:"input_tokens"`
	OutputTokens int64          `bson:"output_tokens"`
	Timestamp    int64          `bson:"timestamp"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
}

func (d eventDoc) event() usage.Event {
	return usage.Event{
		ID:           d.ID,
		Project:      d.Project,
		RequestType:  d.RequestType,
		InputTokens:  d.InputTokens,
		OutputTokens: d.OutputTokens,
		Timestamp:    time.Unix(0, d.Timestamp).UTC(),
		Metadata:     d.Metadata,
	}
}

// Store implements ports.Backend on MongoDB. usage_events holds one document
// per event; daily_aggregates is maintained by $inc upserts on write.
type Store struct {
	client     *mongo.Client
	events     *mongo.Collection
	aggregates *mongo.Collection
}

// Open connects a client, verifies the connection and ensures indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:     client,
		events:     db.Collection("usage_events"),
		aggregates: db.Collection("daily_aggregates"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "project", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "request_type", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}
	_, err = s.aggregates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "project", Value: 1}, {Key: "request_type", Value: 1}, {Key: "day", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create aggregate index: %w", err)
	}
	return nil
}

// WriteBatch inserts events, stopping at the first failure and reporting how
// many were persisted. A duplicate _id marks a redelivery: it counts as
// written but never re-increments the rollup.
func (s *Store) WriteBatch(ctx context.Context, events []usage.Event) (int, error) {
	written := 0
	for _, e := range events {
		doc := eventDoc{
			ID:           e.ID,
			Project:      e.Project,
			RequestType:  e.RequestType,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			Timestamp:    e.Timestamp.UTC().UnixNano(),
			Metadata:     e.Metadata,
		}
		_, err := s.events.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			written++
			continue
		}
		if err != nil {
			return written, fmt.Errorf("write event %s: %w", e.ID, err)
		}

		day := usage.DayStart(e.Timestamp).Format(dayFormat)
		_, err = s.aggregates.UpdateOne(ctx,
			bson.M{"project": e.Project, "request_type": e.RequestType, "day": day},
			bson.M{"$inc": bson.M{
				"sum_input":      e.InputTokens,
				"sum_output":     e.OutputTokens,
				"sum_total":      e.TotalTokens(),
				"count_requests": int64(1),
			}},
			options.Update().SetUpsert(true))
		if err != nil {
			return written, fmt.Errorf("update rollup for %s: %w", e.ID, err)
		}
		written++
	}
	return written, nil
}

// FetchRaw returns matching events newest first with cursor pagination.
func (s *Store) FetchRaw(ctx context.Context, f usage.Filter) ([]usage.Event, string, error) {
	match := filterDoc(f)
	if f.Cursor != "" {
		pos, err := cursor.Decode(f.Cursor)
		if err != nil {
			return nil, "", &usage.ValidationError{Field: "cursor", Reason: "malformed token"}
		}
		ns := pos.Timestamp.UnixNano()
		match = bson.M{"$and": bson.A{match, bson.M{"$or": bson.A{
			bson.M{"timestamp": bson.M{"$lt": ns}},
			bson.M{"timestamp": ns, "_id": bson.M{"$lt": pos.ID}},
		}}}}
	}

	limit := f.EffectiveLimit()
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))
	cur, err := s.events.Find(ctx, match, opts)
	if err != nil {
		return nil, "", fmt.Errorf("fetch events: %w", err)
	}
	defer cur.Close(ctx)

	var events []usage.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, "", fmt.Errorf("decode event: %w", err)
		}
		events = append(events, doc.event())
	}
	if err := cur.Err(); err != nil {
		return nil, "", fmt.Errorf("fetch events: %w", err)
	}

	next := ""
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		next = cursor.Encode(cursor.Position{Timestamp: last.Timestamp, ID: last.ID})
	}
	return events, next, nil
}

// Aggregate serves day buckets from the daily_aggregates collection. Missing
// range bounds default to the span of the matching rollup documents.
func (s *Store) Aggregate(ctx context.Context, f usage.Filter, metrics []usage.Metric) ([]usage.Bucket, error) {
	match := bson.M{}
	if f.Project != "" {
		match["project"] = f.Project
	}
	if f.RequestType != "" {
		match["request_type"] = f.RequestType
	}

	from, to := usage.DayRange(f.From, f.To)
	if from.IsZero() || to.IsZero() {
		minDay, maxDay, err := s.daySpan(ctx, match)
		if err != nil {
			return nil, err
		}
		if minDay == "" {
			return nil, nil
		}
		if from.IsZero() {
			from, _ = time.ParseInLocation(dayFormat, minDay, time.UTC)
		}
		if to.IsZero() {
			last, _ := time.ParseInLocation(dayFormat, maxDay, time.UTC)
			to = last.AddDate(0, 0, 1)
		}
	}
	// Day strings compare lexicographically in date order.
	match["day"] = bson.M{"$gte": from.Format(dayFormat), "$lt": to.Format(dayFormat)}

	cur, err := s.aggregates.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":            "$day",
			"sum_input":      bson.M{"$sum": "$sum_input"},
			"sum_output":     bson.M{"$sum": "$sum_output"},
			"sum_total":      bson.M{"$sum": "$sum_total"},
			"count_requests": bson.M{"$sum": "$count_requests"},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	defer cur.Close(ctx)

	byDay := make(map[string]usage.Totals)
	for cur.Next(ctx) {
		var row struct {
			Day       string `bson:"_id"`
			SumInput  int64  `bson:"sum_input"`
			SumOutput int64  `bson:"sum_output"`
			SumTotal  int64  `bson:"sum_total"`
			Count     int64  `bson:"count_requests"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("aggregate: %w", err)
		}
		byDay[row.Day] = usage.Totals{SumInput: row.SumInput, SumOutput: row.SumOutput, SumTotal: row.SumTotal, Count: row.Count}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	var buckets []usage.Bucket
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		t := byDay[day.Format(dayFormat)]
		buckets = append(buckets, usage.Bucket{
			Start:   day,
			End:     day.AddDate(0, 0, 1),
			Metrics: t.Metrics(metrics),
		})
	}
	return buckets, nil
}

func (s *Store) daySpan(ctx context.Context, match bson.M) (string, string, error) {
	cur, err := s.aggregates.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id": nil,
			"min": bson.M{"$min": "$day"},
			"max": bson.M{"$max": "$day"},
		}}},
	})
	if err != nil {
		return "", "", fmt.Errorf("aggregate span: %w", err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return "", "", cur.Err()
	}
	var row struct {
		Min string `bson:"min"`
		Max string `bson:"max"`
	}
	if err := cur.Decode(&row); err != nil {
		return "", "", fmt.Errorf("aggregate span: %w", err)
	}
	return row.Min, row.Max, nil
}

// GroupTotals sums raw events per project or request type.
func (s *Store) GroupTotals(ctx context.Context, f usage.Filter, by usage.GroupBy, metrics []usage.Metric) ([]usage.GroupTotal, error) {
	key := "$project"
	if by == usage.GroupByType {
		key = "$request_type"
	}

	cur, err := s.events.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: filterDoc(f)}},
		{{Key: "$group", Value: bson.M{
			"_id":        key,
			"sum_input":  bson.M{"$sum": "$input_tokens"},
			"sum_output": bson.M{"$sum": "$output_tokens"},
			"sum_total":  bson.M{"$sum": bson.M{"$add": bson.A{"$input_tokens", "$output_tokens"}}},
			"count":      bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("group totals: %w", err)
	}
	defer cur.Close(ctx)

	var totals []usage.GroupTotal
	for cur.Next(ctx) {
		var row struct {
			Key       string `bson:"_id"`
			SumInput  int64  `bson:"sum_input"`
			SumOutput int64  `bson:"sum_output"`
			SumTotal  int64  `bson:"sum_total"`
			Count     int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("group totals: %w", err)
		}
		t := usage.Totals{SumInput: row.SumInput, SumOutput: row.SumOutput, SumTotal: row.SumTotal, Count: row.Count}
		totals = append(totals, usage.GroupTotal{Key: row.Key, Metrics: t.Metrics(metrics)})
	}
	return totals, cur.Err()
}

// Delete removes a project's events in the options range. With
// IncludeAggregates, rollup documents whose whole day was removed are
// deleted and boundary days are rewritten from the surviving events.
func (s *Store) Delete(ctx context.Context, opts usage.DeleteOptions) (usage.DeleteResult, error) {
	scope := filterDoc(opts.Range())

	var res usage.DeleteResult
	count, err := s.events.CountDocuments(ctx, scope)
	if err != nil {
		return usage.DeleteResult{}, fmt.Errorf("count events: %w", err)
	}
	res.EventsDeleted = count

	type partition struct {
		RequestType string `bson:"type"`
		DayIdx      int64  `bson:"day"`
	}
	type rewrite struct {
		p      partition
		totals usage.Totals
		remove bool
	}
	var rewrites []rewrite
	if opts.IncludeAggregates {
		cur, err := s.events.Aggregate(ctx, mongo.Pipeline{
			{{Key: "$match", Value: scope}},
			{{Key: "$group", Value: bson.M{"_id": bson.M{
				"type": "$request_type",
				"day":  bson.M{"$floor": bson.M{"$divide": bson.A{"$timestamp", nsPerDay}}},
			}}}},
		})
		if err != nil {
			return usage.DeleteResult{}, fmt.Errorf("list partitions: %w", err)
		}
		var parts []partition
		for cur.Next(ctx) {
			var row struct {
				ID partition `bson:"_id"`
			}
			if err := cur.Decode(&row); err != nil {
				cur.Close(ctx)
				return usage.DeleteResult{}, fmt.Errorf("list partitions: %w", err)
			}
			parts = append(parts, row.ID)
		}
		cur.Close(ctx)
		if err := cur.Err(); err != nil {
			return usage.DeleteResult{}, fmt.Errorf("list partitions: %w", err)
		}

		for _, p := range parts {
			t, err := s.survivorTotals(ctx, opts, p.RequestType, p.DayIdx)
			if err != nil {
				return usage.DeleteResult{}, err
			}
			rw := rewrite{p: p, totals: t, remove: t.Count == 0}
			if rw.remove {
				res.AggregatesDeleted++
			}
			rewrites = append(rewrites, rw)
		}
	}

	if opts.Simulate {
		return res, nil
	}

	if _, err := s.events.DeleteMany(ctx, scope); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("delete events: %w", err)
	}

	for _, rw := range rewrites {
		day := time.Unix(0, rw.p.DayIdx*nsPerDay).UTC().Format(dayFormat)
		sel := bson.M{"project": opts.Project, "request_type": rw.p.RequestType, "day": day}
		if rw.remove {
			_, err = s.aggregates.DeleteOne(ctx, sel)
		} else {
			_, err = s.aggregates.UpdateOne(ctx, sel, bson.M{"$set": bson.M{
				"sum_input":      rw.totals.SumInput,
				"sum_output":     rw.totals.SumOutput,
				"sum_total":      rw.totals.SumTotal,
				"count_requests": rw.totals.Count,
			}})
		}
		if err != nil {
			return usage.DeleteResult{}, fmt.Errorf("rewrite aggregate: %w", err)
		}
	}
	return res, nil
}

// survivorTotals sums the partition's events outside the delete range. An
// unbounded range has no survivors by definition.
func (s *Store) survivorTotals(ctx context.Context, opts usage.DeleteOptions, requestType string, dayIdx int64) (usage.Totals, error) {
	if opts.From.IsZero() && opts.To.IsZero() {
		return usage.Totals{}, nil
	}

	var outside bson.A
	if !opts.From.IsZero() {
		outside = append(outside, bson.M{"timestamp": bson.M{"$lt": opts.From.UTC().UnixNano()}})
	}
	if !opts.To.IsZero() {
		outside = append(outside, bson.M{"timestamp": bson.M{"$gte": opts.To.UTC().UnixNano()}})
	}

	match := bson.M{
		"$and": bson.A{
			bson.M{
				"project":      opts.Project,
				"request_type": requestType,
				"timestamp":    bson.M{"$gte": dayIdx * nsPerDay, "$lt": (dayIdx + 1) * nsPerDay},
			},
			bson.M{"$or": outside},
		},
	}
	cur, err := s.events.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":        nil,
			"sum_input":  bson.M{"$sum": "$input_tokens"},
			"sum_output": bson.M{"$sum": "$output_tokens"},
			"sum_total":  bson.M{"$sum": bson.M{"$add": bson.A{"$input_tokens", "$output_tokens"}}},
			"count":      bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return usage.Totals{}, fmt.Errorf("survivor totals: %w", err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return usage.Totals{}, cur.Err()
	}
	var row struct {
		SumInput  int64 `bson:"sum_input"`
		SumOutput int64 `bson:"sum_output"`
		SumTotal  int64 `bson:"sum_total"`
		Count     int64 `bson:"count"`
	}
	if err := cur.Decode(&row); err != nil {
		return usage.Totals{}, fmt.Errorf("survivor totals: %w", err)
	}
	return usage.Totals{SumInput: row.SumInput, SumOutput: row.SumOutput, SumTotal: row.SumTotal, Count: row.Count}, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo health check: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func filterDoc(f usage.Filter) bson.M {
	match := bson.M{}
	if f.Project != "" {
		match["project"] = f.Project
	}
	if f.RequestType != "" {
		match["request_type"] = f.RequestType
	}
	ts := bson.M{}
	if !f.From.IsZero() {
		ts["$gte"] = f.From.UTC().UnixNano()
	}
	if !f.To.IsZero() {
		ts["$lt"] = f.To.UTC().UnixNano()
	}
	if len(ts) > 0 {
		match["timestamp"] = ts
	}
	return match
}

// Ensure interface compliance.
var _ ports.Backend = (*Store)(nil)
