package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const schemaVersionTable = "bridge_schema_version"

// PostgresStore is the production backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and migrates the schema to the latest version.
func OpenPostgres(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres database url required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	migrator, err := migrate.NewMigrator(ctx, conn.Conn(), schemaVersionTable)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	if err := migrator.LoadMigrations(sub); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool, giving up when ctx expires first.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (bool, error) {
	processed := msg.ProcessedAt
	if processed.IsZero() {
		processed = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO messages (message_id, stream_name, timestamp, data, processed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (stream_name, message_id) DO NOTHING`,
		msg.ID, msg.Stream, msg.Timestamp, []byte(msg.Data), processed)
	if err != nil {
		return false, fmt.Errorf("insert message %s/%s: %w", msg.Stream, msg.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertPendingRequest(ctx context.Context, rec RequestRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO requests (request_id, correlation_id, user_id, action, status, request_time, request_data)
VALUES ($1, $2, NULLIF($3, ''), $4, 'pending', $5, $6)
ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.CorrelationID, rec.UserID, rec.Action, rec.RequestTime, nullableJSON(rec.RequestData))
	if err != nil {
		return false, fmt.Errorf("insert request %s: %w", rec.RequestID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteRequest(ctx context.Context, c Completion) (CompletionOutcome, error) {
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

// completeBy applies c to the oldest pending request whose column matches
// key. column is always one of the literal names above.
func (s *PostgresStore) completeBy(ctx context.Context, column, key string, c Completion) (CompletionOutcome, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE requests
SET status = $2, response_time = $3, duration_ms = $4, error_message = NULLIF($5, ''), response_data = $6
WHERE request_id = (
    SELECT request_id FROM requests
    WHERE %s = $1 AND status = 'pending'
    ORDER BY request_time
    LIMIT 1
) AND status = 'pending'`, column),
		key, c.Status, c.ResponseTime, c.DurationMs, c.ErrorMessage, nullableJSON(c.ResponseData))
	if err != nil {
		return "", fmt.Errorf("complete request by %s %s: %w", column, key, err)
	}
	if tag.RowsAffected() > 0 {
		return CompletionApplied, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM requests WHERE %s = $1)`, column), key).Scan(&exists); err != nil {
		return "", fmt.Errorf("lookup request by %s %s: %w", column, key, err)
	}
	if exists {
		return CompletionRejected, nil
	}
	return CompletionUnknown, nil
}

func (s *PostgresStore) RecordActivity(ctx context.Context, a Activity) error {
	ts := a.Timestamp.UTC()
	_, err := s.pool.Exec(ctx, `
INSERT INTO agent_activity (agent_id, action, timestamp, metadata, date, hour)
VALUES ($1, $2, $3, $4, $5::date, $6)`,
		a.AgentID, a.Action, ts, nullableJSON(a.Metadata), DayKey(ts), ts.Hour())
	if err != nil {
		return fmt.Errorf("insert activity for %s: %w", a.AgentID, err)
	}
	return nil
}

func (s *PostgresStore) IncrementStatistic(ctx context.Context, stream string, at time.Time, bytes int64) error {
	at = at.UTC()
	_, err := s.pool.Exec(ctx, `
INSERT INTO stream_statistics (stream_name, date, hour, message_count, total_bytes)
VALUES ($1, $2::date, $3, 1, $4)
ON CONFLICT (stream_name, date, hour) DO UPDATE
SET message_count = stream_statistics.message_count + 1,
    total_bytes = stream_statistics.total_bytes + EXCLUDED.total_bytes`,
		stream, DayKey(at), at.Hour(), bytes)
	if err != nil {
		return fmt.Errorf("increment statistics for %s: %w", stream, err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, stream string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT stream_name, message_id, timestamp, data, processed_at
FROM messages
WHERE stream_name = $1
ORDER BY timestamp DESC, id DESC
LIMIT $2`, stream, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", stream, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var data []byte
		if err := rows.Scan(&msg.Stream, &msg.ID, &msg.Timestamp, &data, &msg.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Data = data
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Request(ctx context.Context, requestID string) (RequestRecord, error) {
	var rec RequestRecord
	var userID, errMsg *string
	var reqData, respData []byte
	err := s.pool.QueryRow(ctx, `
SELECT request_id, correlation_id, user_id, action, status, request_time, response_time,
       duration_ms, error_message, request_data, response_data
FROM requests WHERE request_id = $1`, requestID).Scan(
		&rec.RequestID, &rec.CorrelationID, &userID, &rec.Action, &rec.Status, &rec.RequestTime,
		&rec.ResponseTime, &rec.DurationMs, &errMsg, &reqData, &respData)
	if errors.Is(err, pgx.ErrNoRows) {
		return RequestRecord{}, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return RequestRecord{}, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if userID != nil {
		rec.UserID = *userID
	}
	if errMsg != nil {
		rec.ErrorMessage = *errMsg
	}
	rec.RequestData = reqData
	rec.ResponseData = respData
	return rec, nil
}

func (s *PostgresStore) DailyReport(ctx context.Context, day time.Time) (DailyReport, error) {
	start, end := dayBounds(day)
	report := DailyReport{Date: DayKey(start)}

	rows, err := s.pool.Query(ctx, `
SELECT stream_name, SUM(message_count)::bigint, SUM(total_bytes)::bigint
FROM stream_statistics WHERE date = $1::date
GROUP BY stream_name ORDER BY stream_name`, report.Date)
	if err != nil {
		return DailyReport{}, fmt.Errorf("report streams: %w", err)
	}
	report.Streams, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (StreamTotals, error) {
		var t StreamTotals
		err := row.Scan(&t.Stream, &t.Messages, &t.Bytes)
		return t, err
	})
	if err != nil {
		return DailyReport{}, fmt.Errorf("report streams: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
SELECT agent_id, action, COUNT(*)
FROM agent_activity WHERE date = $1::date
GROUP BY agent_id, action ORDER BY agent_id, action`, report.Date)
	if err != nil {
		return DailyReport{}, fmt.Errorf("report agents: %w", err)
	}
	report.Agents, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (AgentTotals, error) {
		var t AgentTotals
		err := row.Scan(&t.AgentID, &t.Action, &t.Count)
		return t, err
	})
	if err != nil {
		return DailyReport{}, fmt.Errorf("report agents: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
SELECT action,
       COUNT(*) FILTER (WHERE status = 'success'),
       COUNT(*) FILTER (WHERE status = 'error'),
       COUNT(*) FILTER (WHERE status = 'pending'),
       COALESCE(AVG(duration_ms) FILTER (WHERE status <> 'pending'), 0)::float8
FROM requests WHERE request_time >= $1 AND request_time < $2
GROUP BY action ORDER BY action`, start, end)
	if err != nil {
		return DailyReport{}, fmt.Errorf("report actions: %w", err)
	}
	report.Actions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ActionTotals, error) {
		var t ActionTotals
		err := row.Scan(&t.Action, &t.Success, &t.Error, &t.Pending, &t.AvgDurationMs)
		return t, err
	})
	if err != nil {
		return DailyReport{}, fmt.Errorf("report actions: %w", err)
	}
	return report, nil
}
