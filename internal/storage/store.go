// Package storage persists the stream logger's audit trail and projections
// in Postgres or SQLite.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown database driver")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// Request lifecycle states.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Message is one audit row, unique on (Stream, ID).
type Message struct {
	Stream      string          `json:"stream"`
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
	ProcessedAt time.Time       `json:"processedAt"`
}

// RequestRecord tracks a bridged request from enqueue to terminal response.
type RequestRecord struct {
	RequestID     string          `json:"requestId"`
	CorrelationID string          `json:"correlationId"`
	UserID        string          `json:"userId,omitempty"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	RequestTime   time.Time       `json:"requestTime"`
	ResponseTime  *time.Time      `json:"responseTime,omitempty"`
	DurationMs    *int64          `json:"durationMs,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	RequestData   json.RawMessage `json:"requestData,omitempty"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// Completion is the terminal update applied when a response is observed. The
// request is matched by RequestID, then by CorrelationID.
type Completion struct {
	RequestID     string
	CorrelationID string
	Status        string
	ResponseTime  time.Time
	DurationMs    int64
	ErrorMessage  string
	ResponseData  json.RawMessage
}

// CompletionOutcome reports what CompleteRequest did.
type CompletionOutcome string

const (
	CompletionApplied  CompletionOutcome = "applied"
	CompletionUnknown  CompletionOutcome = "unknown"
	CompletionRejected CompletionOutcome = "rejected"
)

// Activity is one agent activity row.
type Activity struct {
	AgentID   string
	Action    string
	Timestamp time.Time
	Metadata  json.RawMessage
}

// StreamTotals aggregates stream_statistics for one stream and day.
type StreamTotals struct {
	Stream   string `json:"stream"`
	Messages int64  `json:"messages"`
	Bytes    int64  `json:"bytes"`
}

// AgentTotals counts one agent's actions for a day.
type AgentTotals struct {
	AgentID string `json:"agentId"`
	Action  string `json:"action"`
	Count   int64  `json:"count"`
}

// ActionTotals summarises bridged requests for one action and day.
type ActionTotals struct {
	Action        string  `json:"action"`
	Success       int64   `json:"success"`
	Error         int64   `json:"error"`
	Pending       int64   `json:"pending"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// DailyReport is the read-only rollup for one UTC day.
type DailyReport struct {
	Date    string         `json:"date"`
	Streams []StreamTotals `json:"streams"`
	Agents  []AgentTotals  `json:"agents"`
	Actions []ActionTotals `json:"actions"`
}

// Store is implemented by the Postgres and SQLite backends.
type Store interface {
	Ping(ctx context.Context) error
	// InsertMessage reports false when (stream, id) already exists.
	InsertMessage(ctx context.Context, msg Message) (bool, error)
	// InsertPendingRequest reports false when the request id already exists.
	InsertPendingRequest(ctx context.Context, rec RequestRecord) (bool, error)
	// CompleteRequest moves a pending request to a terminal state. Terminal
	// states are final: later completions are rejected.
	CompleteRequest(ctx context.Context, c Completion) (CompletionOutcome, error)
	RecordActivity(ctx context.Context, a Activity) error
	IncrementStatistic(ctx context.Context, stream string, at time.Time, bytes int64) error
	ListMessages(ctx context.Context, stream string, limit int) ([]Message, error)
	Request(ctx context.Context, requestID string) (RequestRecord, error)
	DailyReport(ctx context.Context, day time.Time) (DailyReport, error)
	Close(ctx context.Context) error
}

// Config selects and tunes a backend.
type Config struct {
	Driver string
	URL    string
	// MaxConnections applies to Postgres only.
	MaxConnections  int32
	ApplicationName string
}

// Open connects to the configured backend and applies its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverPostgres, "postgresql", "pgx":
		return OpenPostgres(ctx, cfg)
	case DriverSQLite, "sqlite3":
		return OpenSQLite(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// DayKey formats t as the UTC date used by statistics and activity rows.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func validateCompletion(c Completion) error {
	if c.RequestID == "" && c.CorrelationID == "" {
		return errors.New("completion needs a request id or correlation id")
	}
	if c.Status != StatusSuccess && c.Status != StatusError {
		return fmt.Errorf("completion status %q is not terminal", c.Status)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
