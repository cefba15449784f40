// Package auditlog tails the traffic streams into a durable audit trail and
// derives the request, agent activity and hourly statistics projections.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"practice-bridge/internal/envelope"
	"practice-bridge/internal/health"
	"practice-bridge/internal/observability/logging"
	"practice-bridge/internal/observability/metrics"
	"practice-bridge/internal/storage"
	"practice-bridge/internal/streams"
)

const maxBackoff = 30 * time.Second

// Source delivers batches of entries across the tailed streams.
type Source interface {
	Read(ctx context.Context) ([]streams.Entry, error)
}

// Pinger checks that a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Roles maps stream names to the projection applied to their entries.
// Streams without a role are audited and counted only.
type Roles struct {
	Request  string
	Response string
	Status   string
	Activity []string
}

type role int

const (
	roleOther role = iota
	roleRequest
	roleResponse
	roleStatus
	roleActivity
)

func (r Roles) of(stream string) role {
	switch stream {
	case "":
		return roleOther
	case r.Request:
		return roleRequest
	case r.Response:
		return roleResponse
	case r.Status:
		return roleStatus
	}
	for _, name := range r.Activity {
		if name == stream {
			return roleActivity
		}
	}
	return roleOther
}

// Config configures a Logger.
type Config struct {
	Roles       Roles
	StreamStore Pinger
	Hub         *Hub
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Logger persists every entry read from its Source. Construct with New.
type Logger struct {
	source      Source
	store       storage.Store
	streamStore Pinger
	roles       Roles
	hub         *Hub
	logger      *slog.Logger
	metrics     *metrics.Recorder

	started   atomic.Int64
	running   atomic.Bool
	connected atomic.Bool
	processed atomic.Uint64
	failures  atomic.Uint64
}

// storeError marks failures writing the audit row, which pause the loop.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// New builds a logger reading from source into store.
func New(cfg Config, source Source, store storage.Store) (*Logger, error) {
	if source == nil || store == nil {
		return nil, errors.New("source and store are required")
	}
	l := &Logger{
		source:      source,
		store:       store,
		streamStore: cfg.StreamStore,
		roles:       cfg.Roles,
		hub:         cfg.Hub,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = logging.WithComponent(l.logger, "stream_logger")
	if l.metrics == nil {
		l.metrics = metrics.Default()
	}
	return l, nil
}

// Initialize verifies both stores are reachable. The relational schema is
// applied when the store is opened.
func (l *Logger) Initialize(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return fmt.Errorf("relational store: %w", err)
	}
	if l.streamStore != nil {
		if err := l.streamStore.Ping(ctx); err != nil {
			return fmt.Errorf("stream store: %w", err)
		}
	}
	l.connected.Store(true)
	return nil
}

// Run processes batches until ctx is cancelled. A failed entry is logged and
// skipped; a failed read or audit write backs off and retries.
func (l *Logger) Run(ctx context.Context) error {
	l.started.Store(time.Now().UnixNano())
	l.running.Store(true)
	defer l.running.Store(false)
	l.connected.Store(true)

	l.logger.Info("stream logger started")
	backoff := time.Duration(0)
	for ctx.Err() == nil {
		entries, err := l.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.connected.Store(false)
			l.metrics.ObserveReadError("stream_logger")
			backoff = nextBackoff(backoff)
			l.logger.Error("read streams", "error", err, "retry_in", backoff.String())
			sleep(ctx, backoff)
			continue
		}
		l.connected.Store(true)
		backoff = 0

		for _, entry := range entries {
			err := l.processEntry(ctx, entry)
			var se *storeError
			if errors.As(err, &se) && ctx.Err() == nil {
				l.awaitStore(ctx)
				err = l.processEntry(ctx, entry)
			}
			if err != nil {
				l.failures.Add(1)
				l.logger.Warn("process stream entry", "stream", entry.Stream, "entry_id", entry.ID, "error", err)
			}
		}
	}
	l.logger.Info("stream logger stopped", "processed", l.processed.Load(), "errors", l.failures.Load())
	return nil
}

// awaitStore blocks until the relational store answers a ping.
func (l *Logger) awaitStore(ctx context.Context) {
	backoff := time.Duration(0)
	for ctx.Err() == nil {
		err := l.store.Ping(ctx)
		if err == nil {
			return
		}
		backoff = nextBackoff(backoff)
		l.logger.Error("relational store unavailable", "error", err, "retry_in", backoff.String())
		sleep(ctx, backoff)
	}
}

// processEntry writes the audit row and applies projections. Re-delivered
// entries re-apply only the idempotent request projections.
func (l *Logger) processEntry(ctx context.Context, entry streams.Entry) error {
	ts, err := envelope.TimeFromID(entry.ID)
	if err != nil {
		ts = time.Now().UTC()
	}
	fields := envelope.ParseFields(entry.Values)
	data, err := fields.Encode()
	if err != nil {
		l.metrics.ObserveStreamEntry(entry.Stream, "failed")
		return fmt.Errorf("encode entry: %w", err)
	}

	inserted, err := l.store.InsertMessage(ctx, storage.Message{
		Stream:    entry.Stream,
		ID:        entry.ID,
		Timestamp: ts,
		Data:      data,
	})
	if err != nil {
		l.metrics.ObserveStreamEntry(entry.Stream, "failed")
		return &storeError{err: err}
	}
	l.processed.Add(1)
	if inserted {
		l.metrics.ObserveStreamEntry(entry.Stream, "persisted")
	} else {
		l.metrics.ObserveStreamEntry(entry.Stream, "duplicate")
	}

	var projectionErr error
	switch l.roles.of(entry.Stream) {
	case roleRequest:
		projectionErr = l.projectRequest(ctx, entry, fields, ts)
	case roleResponse:
		projectionErr = l.projectResponse(ctx, entry, fields, ts)
	case roleActivity:
		if inserted {
			projectionErr = l.projectActivity(ctx, fields, ts)
		}
	}
	if projectionErr != nil {
		l.metrics.ObserveStreamEntry(entry.Stream, "projection_failed")
	}

	if !inserted {
		return projectionErr
	}
	if err := l.store.IncrementStatistic(ctx, entry.Stream, ts, int64(len(data))); err != nil {
		projectionErr = errors.Join(projectionErr, err)
	}
	if l.hub != nil {
		l.hub.Publish(Event{Stream: entry.Stream, ID: entry.ID, Timestamp: ts, Fields: fields})
	}
	return projectionErr
}

func (l *Logger) projectRequest(ctx context.Context, entry streams.Entry, fields envelope.Fields, ts time.Time) error {
	req, err := envelope.ParseRequest(entry.Stream, entry.ID, fields)
	if err != nil {
		return err
	}
	_, err = l.store.InsertPendingRequest(ctx, storage.RequestRecord{
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		Action:        req.Action,
		RequestTime:   ts,
		RequestData:   req.Params,
	})
	return err
}

func (l *Logger) projectResponse(ctx context.Context, entry streams.Entry, fields envelope.Fields, ts time.Time) error {
	resp, err := envelope.ParseResponse(entry.Stream, entry.ID, fields)
	if err != nil {
		return err
	}
	outcome, err := l.store.CompleteRequest(ctx, storage.Completion{
		RequestID:     resp.RequestID,
		CorrelationID: resp.CorrelationID,
		Status:        string(resp.Status),
		ResponseTime:  ts,
		DurationMs:    resp.DurationMs,
		ErrorMessage:  resp.Error,
		ResponseData:  resp.Data,
	})
	if err != nil {
		return err
	}
	switch outcome {
	case storage.CompletionUnknown:
		l.logger.Debug("response for unseen request", "request_id", resp.RequestID, "correlation_id", resp.CorrelationID)
	case storage.CompletionRejected:
		l.logger.Info("ignoring response for completed request", "request_id", resp.RequestID, "correlation_id", resp.CorrelationID, "status", resp.Status)
	}
	return nil
}

func (l *Logger) projectActivity(ctx context.Context, fields envelope.Fields, ts time.Time) error {
	agent := fields.FirstString("agentId", "agent_id", "sender")
	if agent == "" {
		agent = "unknown"
	}
	action := fields.String("action")
	if action == "" {
		action = "unknown"
	}
	metadata := fields.Document("payload")
	if metadata == nil {
		metadata = fields.Document("metadata")
	}
	return l.store.RecordActivity(ctx, storage.Activity{
		AgentID:   agent,
		Action:    action,
		Timestamp: ts,
		Metadata:  metadata,
	})
}

// GenerateDailyReport aggregates the projections for the UTC day holding day.
func (l *Logger) GenerateDailyReport(ctx context.Context, day time.Time) (storage.DailyReport, error) {
	return l.store.DailyReport(ctx, day)
}

// HealthSnapshot implements health.Reporter.
func (l *Logger) HealthSnapshot() health.Snapshot {
	connected := l.running.Load() && l.connected.Load()
	var uptime float64
	if started := l.started.Load(); started > 0 {
		uptime = time.Since(time.Unix(0, started)).Seconds()
	}
	return health.Snapshot{
		Uptime:          uptime,
		StreamConnected: connected,
		Processed:       l.processed.Load(),
		Errors:          l.failures.Load(),
		Ready:           connected,
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return 500 * time.Millisecond
	}
	current *= 2
	if current > maxBackoff {
		return maxBackoff
	}
	return current
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
