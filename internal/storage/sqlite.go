package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore is the single-file backend used for local runs and tests.
// Times are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path, or an in-memory database for "" and ":memory:",
// and creates the schema if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "sqlite://")
	memory := path == "" || path == ":memory:"
	if memory {
		path = ":memory:"
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000;"}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL;")
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	for _, raw := range strings.Split(sqliteSchema, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w (statement=%q)", err, stmt)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg Message) (bool, error) {
	processed := msg.ProcessedAt
	if processed.IsZero() {
		processed = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (message_id, stream_name, timestamp, data, processed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (stream_name, message_id) DO NOTHING`,
		msg.ID, msg.Stream, msg.Timestamp.UnixMilli(), string(msg.Data), processed.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert message %s/%s: %w", msg.Stream, msg.ID, err)
	}
	return affected(res) == 1, nil
}

func (s *SQLiteStore) InsertPendingRequest(ctx context.Context, rec RequestRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO requests (request_id, correlation_id, user_id, action, status, request_time, request_data)
VALUES (?, ?, NULLIF(?, ''), ?, 'pending', ?, ?)
ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.CorrelationID, rec.UserID, rec.Action, rec.RequestTime.UnixMilli(), nullableText(rec.RequestData))
	if err != nil {
		return false, fmt.Errorf("insert request %s: %w", rec.RequestID, err)
	}
	return affected(res) == 1, nil
}

func (s *SQLiteStore) CompleteRequest(ctx context.Context, c Completion) (CompletionOutcome, error) {
	if err := validateCompletion(c); err != nil {
		return "", err
	}
	if c.RequestID != "" {
		outcome, err := s.completeBy(ctx, "request_id", c.RequestID, c)
		if err != nil || outcome != CompletionUnknown {
			return outcome, err
		}
	}
	if c.CorrelationID != "" {
		return s.completeBy(ctx, "correlation_id", c.CorrelationID, c)
	}
	return CompletionUnknown, nil
}

func (s *SQLiteStore) completeBy(ctx context.Context, column, key string, c Completion) (CompletionOutcome, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE requests
SET status = ?, response_time = ?, duration_ms = ?, error_message = NULLIF(?, ''), response_data = ?
WHERE request_id = (
    SELECT request_id FROM requests
    WHERE %s = ? AND status = 'pending'
    ORDER BY request_time
    LIMIT 1
) AND status = 'pending'`, column),
		c.Status, c.ResponseTime.UnixMilli(), c.DurationMs, c.ErrorMessage, nullableText(c.ResponseData), key)
	if err != nil {
		return "", fmt.Errorf("complete request by %s %s: %w", column, key, err)
	}
	if affected(res) > 0 {
		return CompletionApplied, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM requests WHERE %s = ?)`, column), key).Scan(&exists); err != nil {
		return "", fmt.Errorf("lookup request by %s %s: %w", column, key, err)
	}
	if exists == 1 {
		return CompletionRejected, nil
	}
	return CompletionUnknown, nil
}

func (s *SQLiteStore) RecordActivity(ctx context.Context, a Activity) error {
	ts := a.Timestamp.UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_activity (agent_id, action, timestamp, metadata, date, hour)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.Action, ts.UnixMilli(), nullableText(a.Metadata), DayKey(ts), ts.Hour())
	if err != nil {
		return fmt.Errorf("insert activity for %s: %w", a.AgentID, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementStatistic(ctx context.Context, stream string, at time.Time, bytes int64) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stream_statistics (stream_name, date, hour, message_count, total_bytes)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (stream_name, date, hour) DO UPDATE
SET message_count = message_count + 1,
    total_bytes = total_bytes + excluded.total_bytes`,
		stream, DayKey(at), at.Hour(), bytes)
	if err != nil {
		return fmt.Errorf("increment statistics for %s: %w", stream, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, stream string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stream_name, message_id, timestamp, data, processed_at
FROM messages
WHERE stream_name = ?
ORDER BY timestamp DESC, id DESC
LIMIT ?`, stream, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", stream, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var ts, processed int64
		var data string
		if err := rows.Scan(&msg.Stream, &msg.ID, &ts, &data, &processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ts).UTC()
		msg.ProcessedAt = time.UnixMilli(processed).UTC()
		msg.Data = []byte(data)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Request(ctx context.Context, requestID string) (RequestRecord, error) {
	var rec RequestRecord
	var userID, errMsg, reqData, respData sql.NullString
	var requestTime int64
	var responseTime, duration sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT request_id, correlation_id, user_id, action, status, request_time, response_time,
       duration_ms, error_message, request_data, response_data
FROM requests WHERE request_id = ?`, requestID).Scan(
		&rec.RequestID, &rec.CorrelationID, &userID, &rec.Action, &rec.Status, &requestTime,
		&responseTime, &duration, &errMsg, &reqData, &respData)
	if errors.Is(err, sql.ErrNoRows) {
		return RequestRecord{}, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return RequestRecord{}, fmt.Errorf("load request %s: %w", requestID, err)
	}
	rec.RequestTime = time.UnixMilli(requestTime).UTC()
	if responseTime.Valid {
		t := time.UnixMilli(responseTime.Int64).UTC()
		rec.ResponseTime = &t
	}
	if duration.Valid {
		d := duration.Int64
		rec.DurationMs = &d
	}
	rec.UserID = userID.String
	rec.ErrorMessage = errMsg.String
	if reqData.Valid {
		rec.RequestData = []byte(reqData.String)
	}
	if respData.Valid {
		rec.ResponseData = []byte(respData.String)
	}
	return rec, nil
}

func (s *SQLiteStore) DailyReport(ctx context.Context, day time.Time) (DailyReport, error) {
	start, end := dayBounds(day)
	report := DailyReport{Date: DayKey(start)}

	rows, err := s.db.QueryContext(ctx, `
SELECT stream_name, SUM(message_count), SUM(total_bytes)
FROM stream_statistics WHERE date = ?
GROUP BY stream_name ORDER BY stream_name`, report.Date)
	if err != nil {
		return DailyReport{}, fmt.Errorf("report streams: %w", err)
	}
	for rows.Next() {
		var t StreamTotals
		if err := rows.Scan(&t.Stream, &t.Messages, &t.Bytes); err != nil {
			rows.Close()
			return DailyReport{}, fmt.Errorf("scan stream totals: %w", err)
		}
		report.Streams = append(report.Streams, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DailyReport{}, fmt.Errorf("report streams: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT agent_id, action, COUNT(*)
FROM agent_activity WHERE date = ?
GROUP BY agent_id, action ORDER BY agent_id, action`, report.Date)
	if err != nil {
		return DailyReport{}, fmt.Errorf("report agents: %w", err)
	}
	for rows.Next() {
		var t AgentTotals
		if err := rows.Scan(&t.AgentID, &t.Action, &t.Count); err != nil {
			rows.Close()
			return DailyReport{}, fmt.Errorf("scan agent totals: %w", err)
		}
		report.Agents = append(report.Agents, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DailyReport{}, fmt.Errorf("report agents: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT action,
       SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
       COALESCE(AVG(CASE WHEN status <> 'pending' THEN duration_ms END), 0.0)
FROM requests WHERE request_time >= ? AND request_time < ?
GROUP BY action ORDER BY action`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return DailyReport{}, fmt.Errorf("report actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t ActionTotals
		if err := rows.Scan(&t.Action, &t.Success, &t.Error, &t.Pending, &t.AvgDurationMs); err != nil {
			return DailyReport{}, fmt.Errorf("scan action totals: %w", err)
		}
		report.Actions = append(report.Actions, t)
	}
	if err := rows.Err(); err != nil {
		return DailyReport{}, fmt.Errorf("report actions: %w", err)
	}
	return report, nil
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func nullableText(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
