// Package postgres provides a PostgreSQL implementation of ports.Backend
// backed by a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lazzyms/token-usage-metrics/domain/usage"
	"github.com/lazzyms/token-usage-metrics/pkg/cursor"
	"github.com/lazzyms/token-usage-metrics/ports"
)

const nsPerDay = int64(24 * time.Hour)

// Store implements ports.Backend on PostgreSQL. The schema matches the
// sqlite adapter: one row per event plus an upsert-maintained daily rollup.
// Timestamps are stored as unix nanoseconds so cursor comparisons keep full
// precision.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool, verifies the connection and ensures the schema.
func Open(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS usage_events (
			id            TEXT PRIMARY KEY,
			project       TEXT NOT NULL,
			request_type  TEXT NOT NULL,
			input_tokens  BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			timestamp     BIGINT NOT NULL,
			metadata      JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_project_time ON usage_events(project, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_type_time ON usage_events(request_type, timestamp)`,
		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			project        TEXT NOT NULL,
			request_type   TEXT NOT NULL,
			day            DATE NOT NULL,
			sum_input      BIGINT NOT NULL DEFAULT 0,
			sum_output     BIGINT NOT NULL DEFAULT 0,
			sum_total      BIGINT NOT NULL DEFAULT 0,
			count_requests BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (project, request_type, day)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// writeEventSQL inserts the event and increments its daily rollup in one
// atomic statement. The CTE produces no rows for a redelivered ID, so the
// rollup is never double-counted.
const writeEventSQL = `
WITH ins AS (
	INSERT INTO usage_events (id, project, request_type, input_tokens, output_tokens, timestamp, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
	RETURNING input_tokens, output_tokens
)
INSERT INTO daily_aggregates (project, request_type, day, sum_input, sum_output, sum_total, count_requests)
SELECT $2, $3, $8::date, input_tokens, output_tokens, input_tokens + output_tokens, 1 FROM ins
ON CONFLICT (project, request_type, day) DO UPDATE SET
	sum_input = daily_aggregates.sum_input + EXCLUDED.sum_input,
	sum_output = daily_aggregates.sum_output + EXCLUDED.sum_output,
	sum_total = daily_aggregates.sum_total + EXCLUDED.sum_total,
	count_requests = daily_aggregates.count_requests + 1
`

// WriteBatch inserts events, stopping at the first failure and reporting how
// many were persisted. Each event commits independently so a mid-batch
// failure never rolls back already-reported writes.
func (s *Store) WriteBatch(ctx context.Context, events []usage.Event) (int, error) {
	written := 0
	for _, e := range events {
		meta, err := encodeMetadata(e.Metadata)
		if err != nil {
			return written, fmt.Errorf("write event %s: %w", e.ID, err)
		}
		_, err = s.pool.Exec(ctx, writeEventSQL,
			e.ID, e.Project, e.RequestType, e.InputTokens, e.OutputTokens,
			e.Timestamp.UTC().UnixNano(), meta,
			usage.DayStart(e.Timestamp).Format("2006-01-02"))
		if err != nil {
			return written, fmt.Errorf("write event %s: %w", e.ID, err)
		}
		written++
	}
	return written, nil
}

// FetchRaw returns matching events newest first with cursor pagination.
func (s *Store) FetchRaw(ctx context.Context, f usage.Filter) ([]usage.Event, string, error) {
	conds, args := filterConds(f)
	if f.Cursor != "" {
		pos, err := cursor.Decode(f.Cursor)
		if err != nil {
			return nil, "", &usage.ValidationError{Field: "cursor", Reason: "malformed token"}
		}
		ns := pos.Timestamp.UnixNano()
		conds = append(conds, fmt.Sprintf("(timestamp < $%d OR (timestamp = $%d AND id < $%d))",
			len(args)+1, len(args)+2, len(args)+3))
		args = append(args, ns, ns, pos.ID)
	}

	limit := f.EffectiveLimit()
	query := `SELECT id, project, request_type, input_tokens, output_tokens, timestamp, metadata FROM usage_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var e usage.Event
		var ns int64
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Project, &e.RequestType, &e.InputTokens, &e.OutputTokens, &ns, &meta); err != nil {
			return nil, "", fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ns).UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, "", fmt.Errorf("decode metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
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

// Aggregate serves day buckets from the daily_aggregates rollup. Missing
// range bounds default to the span of the matching rollup rows.
func (s *Store) Aggregate(ctx context.Context, f usage.Filter, metrics []usage.Metric) ([]usage.Bucket, error) {
	from, to := usage.DayRange(f.From, f.To)

	var conds []string
	var args []any
	if f.Project != "" {
		args = append(args, f.Project)
		conds = append(conds, fmt.Sprintf("project = $%d", len(args)))
	}
	if f.RequestType != "" {
		args = append(args, f.RequestType)
		conds = append(conds, fmt.Sprintf("request_type = $%d", len(args)))
	}

	if from.IsZero() || to.IsZero() {
		spanQuery := "SELECT MIN(day), MAX(day) FROM daily_aggregates"
		if len(conds) > 0 {
			spanQuery += " WHERE " + strings.Join(conds, " AND ")
		}
		var minDay, maxDay *time.Time
		if err := s.pool.QueryRow(ctx, spanQuery, args...).Scan(&minDay, &maxDay); err != nil {
			return nil, fmt.Errorf("aggregate span: %w", err)
		}
		if minDay == nil {
			return nil, nil
		}
		if from.IsZero() {
			from = usage.DayStart(*minDay)
		}
		if to.IsZero() {
			to = usage.DayStart(*maxDay).AddDate(0, 0, 1)
		}
	}

	dayConds := append([]string{}, conds...)
	dayArgs := append([]any{}, args...)
	dayArgs = append(dayArgs, from.Format("2006-01-02"))
	dayConds = append(dayConds, fmt.Sprintf("day >= $%d::date", len(dayArgs)))
	dayArgs = append(dayArgs, to.Format("2006-01-02"))
	dayConds = append(dayConds, fmt.Sprintf("day < $%d::date", len(dayArgs)))

	query := `
		SELECT day, SUM(sum_input), SUM(sum_output), SUM(sum_total), SUM(count_requests)
		FROM daily_aggregates
		WHERE ` + strings.Join(dayConds, " AND ") + `
		GROUP BY day
	`
	rows, err := s.pool.Query(ctx, query, dayArgs...)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	defer rows.Close()

	byDay := make(map[time.Time]usage.Totals)
	for rows.Next() {
		var day time.Time
		var t usage.Totals
		if err := rows.Scan(&day, &t.SumInput, &t.SumOutput, &t.SumTotal, &t.Count); err != nil {
			return nil, fmt.Errorf("aggregate: %w", err)
		}
		byDay[usage.DayStart(day)] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	var buckets []usage.Bucket
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		t := byDay[day]
		buckets = append(buckets, usage.Bucket{
			Start:   day,
			End:     day.AddDate(0, 0, 1),
			Metrics: t.Metrics(metrics),
		})
	}
	return buckets, nil
}

// GroupTotals sums raw events per project or request type.
func (s *Store) GroupTotals(ctx context.Context, f usage.Filter, by usage.GroupBy, metrics []usage.Metric) ([]usage.GroupTotal, error) {
	key := "project"
	if by == usage.GroupByType {
		key = "request_type"
	}

	conds, args := filterConds(f)
	query := `
		SELECT ` + key + `,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COUNT(*)
		FROM usage_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " GROUP BY " + key + " ORDER BY " + key

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group totals: %w", err)
	}
	defer rows.Close()

	var totals []usage.GroupTotal
	for rows.Next() {
		var k string
		var t usage.Totals
		if err := rows.Scan(&k, &t.SumInput, &t.SumOutput, &t.SumTotal, &t.Count); err != nil {
			return nil, fmt.Errorf("group totals: %w", err)
		}
		totals = append(totals, usage.GroupTotal{Key: k, Metrics: t.Metrics(metrics)})
	}
	return totals, rows.Err()
}

// Delete removes a project's events in the options range inside one
// transaction. Rollup rows whose whole day falls in the range are removed
// and boundary days are recomputed from surviving events.
func (s *Store) Delete(ctx context.Context, opts usage.DeleteOptions) (usage.DeleteResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return usage.DeleteResult{}, err
	}
	defer tx.Rollback(ctx)

	conds, args := filterConds(opts.Range())
	where := " WHERE " + strings.Join(conds, " AND ")

	var res usage.DeleteResult
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM usage_events"+where, args...).Scan(&res.EventsDeleted); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("count events: %w", err)
	}

	type partition struct {
		requestType string
		dayIdx      int64
	}
	type rewrite struct {
		p      partition
		totals usage.Totals
		remove bool
	}
	var rewrites []rewrite
	if opts.IncludeAggregates {
		partQuery := fmt.Sprintf("SELECT DISTINCT request_type, timestamp / $%d FROM usage_events", len(args)+1) + where
		rows, err := tx.Query(ctx, partQuery, append(append([]any{}, args...), nsPerDay)...)
		if err != nil {
			return usage.DeleteResult{}, fmt.Errorf("list partitions: %w", err)
		}
		var parts []partition
		for rows.Next() {
			var p partition
			if err := rows.Scan(&p.requestType, &p.dayIdx); err != nil {
				rows.Close()
				return usage.DeleteResult{}, fmt.Errorf("list partitions: %w", err)
			}
			parts = append(parts, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return usage.DeleteResult{}, fmt.Errorf("list partitions: %w", err)
		}

		for _, p := range parts {
			t, err := survivorTotals(ctx, tx, opts, p.requestType, p.dayIdx)
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

	if _, err := tx.Exec(ctx, "DELETE FROM usage_events"+where, args...); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("delete events: %w", err)
	}

	for _, rw := range rewrites {
		day := time.Unix(0, rw.p.dayIdx*nsPerDay).UTC().Format("2006-01-02")
		if rw.remove {
			_, err = tx.Exec(ctx,
				"DELETE FROM daily_aggregates WHERE project = $1 AND request_type = $2 AND day = $3::date",
				opts.Project, rw.p.requestType, day)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE daily_aggregates
				SET sum_input = $1, sum_output = $2, sum_total = $3, count_requests = $4
				WHERE project = $5 AND request_type = $6 AND day = $7::date
			`, rw.totals.SumInput, rw.totals.SumOutput, rw.totals.SumTotal, rw.totals.Count,
				opts.Project, rw.p.requestType, day)
		}
		if err != nil {
			return usage.DeleteResult{}, fmt.Errorf("rewrite aggregate: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("commit delete: %w", err)
	}
	return res, nil
}

func survivorTotals(ctx context.Context, tx pgx.Tx, opts usage.DeleteOptions, requestType string, dayIdx int64) (usage.Totals, error) {
	if opts.From.IsZero() && opts.To.IsZero() {
		return usage.Totals{}, nil
	}

	args := []any{opts.Project, requestType, dayIdx * nsPerDay, (dayIdx + 1) * nsPerDay}
	var outside []string
	if !opts.From.IsZero() {
		args = append(args, opts.From.UTC().UnixNano())
		outside = append(outside, fmt.Sprintf("timestamp < $%d", len(args)))
	}
	if !opts.To.IsZero() {
		args = append(args, opts.To.UTC().UnixNano())
		outside = append(outside, fmt.Sprintf("timestamp >= $%d", len(args)))
	}

	var t usage.Totals
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COUNT(*)
		FROM usage_events
		WHERE project = $1 AND request_type = $2 AND timestamp >= $3 AND timestamp < $4
			AND (`+strings.Join(outside, " OR ")+`)
	`, args...).Scan(&t.SumInput, &t.SumOutput, &t.SumTotal, &t.Count)
	if err != nil {
		return usage.Totals{}, fmt.Errorf("survivor totals: %w", err)
	}
	return t, nil
}

// HealthCheck pings the pool.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func filterConds(f usage.Filter) ([]string, []any) {
	var conds []string
	var args []any
	if f.Project != "" {
		args = append(args, f.Project)
		conds = append(conds, fmt.Sprintf("project = $%d", len(args)))
	}
	if f.RequestType != "" {
		args = append(args, f.RequestType)
		conds = append(conds, fmt.Sprintf("request_type = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC().UnixNano())
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC().UnixNano())
		conds = append(conds, fmt.Sprintf("timestamp < $%d", len(args)))
	}
	return conds, args
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, nil
}

// Ensure interface compliance.
var _ ports.Backend = (*Store)(nil)
