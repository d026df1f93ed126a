package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lazzyms/token-usage-metrics/domain/usage"
	"github.com/lazzyms/token-usage-metrics/pkg/cursor"
	"github.com/lazzyms/token-usage-metrics/ports"
)

const (
	nsPerDay  = int64(24 * time.Hour)
	dayFormat = "2006-01-02"
)

// Store implements ports.Backend on SQLite. Events live one-per-row in
// usage_events; daily_aggregates is refreshed by upsert-with-increment on
// every write so aggregation queries never scan raw rows.
type Store struct {
	db *DB
}

// NewStore creates a backend over an opened, migrated database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// WriteBatch inserts events one transaction each, stopping at the first
// failure and reporting how many were persisted. Redelivered IDs are no-ops
// so the rollups never double-count.
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
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_events (
			id, project, request_type, input_tokens, output_tokens, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Project, e.RequestType, e.InputTokens, e.OutputTokens, e.Timestamp.UTC().UnixNano(), meta)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		// Already stored; the aggregate row was incremented then.
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (
			project, request_type, day, sum_input, sum_output, sum_total, count_requests
		) VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(project, request_type, day) DO UPDATE SET
			sum_input = sum_input + excluded.sum_input,
			sum_output = sum_output + excluded.sum_output,
			sum_total = sum_total + excluded.sum_total,
			count_requests = count_requests + 1
	`, e.Project, e.RequestType, usage.DayStart(e.Timestamp).Format(dayFormat),
		e.InputTokens, e.OutputTokens, e.TotalTokens())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// FetchRaw returns matching events newest first with cursor pagination.
// The (timestamp, id) sort key keeps pages stable while newer events arrive.
func (s *Store) FetchRaw(ctx context.Context, f usage.Filter) ([]usage.Event, string, error) {
	conds, args := filterConds(f)
	if f.Cursor != "" {
		pos, err := cursor.Decode(f.Cursor)
		if err != nil {
			return nil, "", &usage.ValidationError{Field: "cursor", Reason: "malformed token"}
		}
		conds = append(conds, "(timestamp < ? OR (timestamp = ? AND id < ?))")
		ns := pos.Timestamp.UnixNano()
		args = append(args, ns, ns, pos.ID)
	}

	limit := f.EffectiveLimit()
	query := `SELECT id, project, request_type, input_tokens, output_tokens, timestamp, metadata FROM usage_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, "", err
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

	conds := []string{}
	args := []any{}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	if f.RequestType != "" {
		conds = append(conds, "request_type = ?")
		args = append(args, f.RequestType)
	}

	if from.IsZero() || to.IsZero() {
		minDay, maxDay, err := s.daySpan(ctx, conds, args)
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

	dayConds := append(append([]string{}, conds...), "day >= ?", "day < ?")
	dayArgs := append(append([]any{}, args...), from.Format(dayFormat), to.Format(dayFormat))

	query := `
		SELECT day, SUM(sum_input), SUM(sum_output), SUM(sum_total), SUM(count_requests)
		FROM daily_aggregates
		WHERE ` + strings.Join(dayConds, " AND ") + `
		GROUP BY day
	`
	rows, err := s.db.QueryContext(ctx, query, dayArgs...)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]usage.Totals)
	for rows.Next() {
		var day string
		var t usage.Totals
		if err := rows.Scan(&day, &t.SumInput, &t.SumOutput, &t.SumTotal, &t.Count); err != nil {
			return nil, fmt.Errorf("aggregate: %w", err)
		}
		byDay[day] = t
	}
	if err := rows.Err(); err != nil {
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

func (s *Store) daySpan(ctx context.Context, conds []string, args []any) (string, string, error) {
	query := "SELECT COALESCE(MIN(day), ''), COALESCE(MAX(day), '') FROM daily_aggregates"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	var minDay, maxDay string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&minDay, &maxDay); err != nil {
		return "", "", fmt.Errorf("aggregate span: %w", err)
	}
	return minDay, maxDay, nil
}

// GroupTotals sums raw events per project or request type. Raw rows are used
// here because the filter range is not day-clamped for grouped totals.
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

	rows, err := s.db.QueryContext(ctx, query, args...)
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
// transaction. With IncludeAggregates, rollup rows whose whole day falls in
// the range are removed and boundary days are recomputed from survivors, so
// aggregates never reference deleted events.
func (s *Store) Delete(ctx context.Context, opts usage.DeleteOptions) (usage.DeleteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.DeleteResult{}, err
	}
	defer tx.Rollback()

	conds, args := filterConds(opts.Range())
	where := " WHERE " + strings.Join(conds, " AND ")

	var res usage.DeleteResult
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM usage_events"+where, args...).Scan(&res.EventsDeleted); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("count events: %w", err)
	}

	type partition struct {
		requestType string
		dayIdx      int64
	}
	var parts []partition
	if opts.IncludeAggregates {
		rows, err := tx.QueryContext(ctx,
			"SELECT DISTINCT request_type, timestamp / ? FROM usage_events"+where,
			append([]any{nsPerDay}, args...)...)
		if err != nil {
			return usage.DeleteResult{}, fmt.Errorf("list partitions: %w", err)
		}
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
	}

	// Survivors per touched partition decide removal vs recompute.
	type rewrite struct {
		p      partition
		totals usage.Totals
		remove bool
	}
	var rewrites []rewrite
	for _, p := range parts {
		t, err := s.survivorTotals(ctx, tx, opts, p.requestType, p.dayIdx)
		if err != nil {
			return usage.DeleteResult{}, err
		}
		rw := rewrite{p: p, totals: t, remove: t.Count == 0}
		if rw.remove {
			res.AggregatesDeleted++
		}
		rewrites = append(rewrites, rw)
	}

	if opts.Simulate {
		return res, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM usage_events"+where, args...); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("delete events: %w", err)
	}

	for _, rw := range rewrites {
		day := time.Unix(0, rw.p.dayIdx*nsPerDay).UTC().Format(dayFormat)
		if rw.remove {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM daily_aggregates WHERE project = ? AND request_type = ? AND day = ?",
				opts.Project, rw.p.requestType, day)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE daily_aggregates
				SET sum_input = ?, sum_output = ?, sum_total = ?, count_requests = ?
				WHERE project = ? AND request_type = ? AND day = ?
			`, rw.totals.SumInput, rw.totals.SumOutput, rw.totals.SumTotal, rw.totals.Count,
				opts.Project, rw.p.requestType, day)
		}
		if err != nil {
			return usage.DeleteResult{}, fmt.Errorf("rewrite aggregate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return usage.DeleteResult{}, fmt.Errorf("commit delete: %w", err)
	}
	return res, nil
}

// survivorTotals sums the partition's events that fall outside the delete
// range. An unbounded range has no survivors by definition.
func (s *Store) survivorTotals(ctx context.Context, tx *sql.Tx, opts usage.DeleteOptions, requestType string, dayIdx int64) (usage.Totals, error) {
	if opts.From.IsZero() && opts.To.IsZero() {
		return usage.Totals{}, nil
	}

	var outside []string
	args := []any{opts.Project, requestType, dayIdx * nsPerDay, (dayIdx + 1) * nsPerDay}
	if !opts.From.IsZero() {
		outside = append(outside, "timestamp < ?")
		args = append(args, opts.From.UTC().UnixNano())
	}
	if !opts.To.IsZero() {
		outside = append(outside, "timestamp >= ?")
		args = append(args, opts.To.UTC().UnixNano())
	}

	var t usage.Totals
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COUNT(*)
		FROM usage_events
		WHERE project = ? AND request_type = ? AND timestamp >= ? AND timestamp < ?
			AND (`+strings.Join(outside, " OR ")+`)
	`, args...).Scan(&t.SumInput, &t.SumOutput, &t.SumTotal, &t.Count)
	if err != nil {
		return usage.Totals{}, fmt.Errorf("survivor totals: %w", err)
	}
	return t, nil
}

// HealthCheck verifies the connection with a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("sqlite health check: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func filterConds(f usage.Filter) ([]string, []any) {
	var conds []string
	var args []any
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	if f.RequestType != "" {
		conds = append(conds, "request_type = ?")
		args = append(args, f.RequestType)
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC().UnixNano())
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.To.UTC().UnixNano())
	}
	return conds, args
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func scanEvent(rows *sql.Rows) (usage.Event, error) {
	var e usage.Event
	var ns int64
	var meta sql.NullString
	if err := rows.Scan(&e.ID, &e.Project, &e.RequestType, &e.InputTokens, &e.OutputTokens, &ns, &meta); err != nil {
		return usage.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Timestamp = time.Unix(0, ns).UTC()
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return usage.Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// Ensure interface compliance.
var _ ports.Backend = (*Store)(nil)
