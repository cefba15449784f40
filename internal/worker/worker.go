// Package worker drains the request stream, calls the practice API once per
// request and publishes exactly one correlated terminal response.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"practice-bridge/internal/envelope"
	"practice-bridge/internal/health"
	"practice-bridge/internal/observability/logging"
	"practice-bridge/internal/observability/metrics"
	"practice-bridge/internal/practiceapi"
	"practice-bridge/internal/streams"
)

const (
	DefaultResponseStream = "responses"
	DefaultStatusStream   = "status"
	DefaultMaxInFlight    = 64
	DefaultResponseMaxLen = 10000

	publishAttempts = 3
	publishTimeout  = 5 * time.Second
	maxReadBackoff  = 30 * time.Second
)

// Reader delivers batches of request-stream entries. Implementations block
// for a bounded time and return an empty batch when nothing arrived.
type Reader interface {
	Read(ctx context.Context) ([]streams.Entry, error)
}

// Acker is implemented by readers that track delivery, such as consumer groups.
type Acker interface {
	Ack(ctx context.Context, ids ...string) error
}

// Publisher appends entries to a stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error)
}

// Caller performs one outbound practice API call.
type Caller interface {
	Call(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error)
}

// Config configures a Worker.
type Config struct {
	ResponseStream string
	StatusStream   string
	// Timeout bounds each call; the response is published once it elapses
	// even if the caller has not returned.
	Timeout        time.Duration
	MaxInFlight    int64
	ResponseMaxLen int64
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Worker is the request stream consumer. Construct with New.
type Worker struct {
	reader    Reader
	acker     Acker
	publisher Publisher
	caller    Caller

	responseStream string
	statusStream   string
	timeout        time.Duration
	responseMaxLen int64
	logger         *slog.Logger
	metrics        *metrics.Recorder

	sem      *semaphore.Weighted
	inFlight sync.WaitGroup

	started   atomic.Int64
	running   atomic.Bool
	connected atomic.Bool
	processed atomic.Uint64
	failures  atomic.Uint64

	activeMu sync.Mutex
	active   map[string]ActiveRequest
}

// ActiveRequest is a request entry awaiting its response.
type ActiveRequest struct {
	CorrelationID string
	Started       time.Time
}

// New builds a worker. The reader is acked through when it implements Acker.
func New(cfg Config, reader Reader, publisher Publisher, caller Caller) (*Worker, error) {
	if reader == nil || publisher == nil || caller == nil {
		return nil, errors.New("reader, publisher and caller are required")
	}
	w := &Worker{
		reader:         reader,
		publisher:      publisher,
		caller:         caller,
		responseStream: cfg.ResponseStream,
		statusStream:   cfg.StatusStream,
		timeout:        cfg.Timeout,
		responseMaxLen: cfg.ResponseMaxLen,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		active:         make(map[string]ActiveRequest),
	}
	if acker, ok := reader.(Acker); ok {
		w.acker = acker
	}
	if w.responseStream == "" {
		w.responseStream = DefaultResponseStream
	}
	if w.statusStream == "" {
		w.statusStream = DefaultStatusStream
	}
	if w.timeout <= 0 {
		w.timeout = practiceapi.DefaultTimeout
	}
	if w.responseMaxLen < 0 {
		w.responseMaxLen = 0
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	w.sem = semaphore.NewWeighted(maxInFlight)
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = logging.WithComponent(w.logger, "request_worker")
	if w.metrics == nil {
		w.metrics = metrics.Default()
	}
	return w, nil
}

// Run reads until ctx is cancelled, then waits for dispatched requests to
// publish their responses. The stream store is assumed reachable on entry;
// read failures mark it disconnected and back off.
func (w *Worker) Run(ctx context.Context) error {
	w.started.Store(time.Now().UnixNano())
	w.running.Store(true)
	w.connected.Store(true)
	defer w.running.Store(false)

	w.logger.Info("request worker started", "response_stream", w.responseStream, "timeout", w.timeout.String())

	backoff := time.Duration(0)
	for ctx.Err() == nil {
		entries, err := w.reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.connected.Store(false)
			w.metrics.ObserveReadError("request_worker")
			backoff = nextBackoff(backoff)
			w.logger.Error("read request stream", "error", err, "retry_in", backoff.String())
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		w.connected.Store(true)
		backoff = 0
		for _, entry := range entries {
			w.dispatch(entry)
		}
	}

	w.logger.Info("request worker draining", "active", w.activeCount())
	w.inFlight.Wait()
	w.logger.Info("request worker stopped", "processed", w.processed.Load(), "errors", w.failures.Load())
	return nil
}

// dispatch waits for a free slot and processes entry on its own goroutine.
// The slot wait ignores shutdown so an entry already read is never dropped.
func (w *Worker) dispatch(entry streams.Entry) {
	_ = w.sem.Acquire(context.Background(), 1)
	w.inFlight.Add(1)
	go func() {
		defer w.inFlight.Done()
		defer w.sem.Release(1)
		w.processRequest(entry)
	}()
}

type callResult struct {
	data json.RawMessage
	err  error
}

func (w *Worker) processRequest(entry streams.Entry) {
	req, err := envelope.ParseRequest(entry.Stream, entry.ID, envelope.ParseFields(entry.Values))
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("skipping malformed request", "entry_id", entry.ID, "error", err)
		w.ack(entry.ID)
		return
	}

	ctx := logging.ContextWithCorrelationID(context.Background(), req.CorrelationID)
	ctx = logging.ContextWithAction(ctx, req.Action)
	logger := logging.WithContext(ctx, w.logger)

	start := time.Now()
	w.track(entry.ID, req.CorrelationID, start)
	w.metrics.BridgeCallStarted()
	defer w.untrack(entry.ID)

	w.publishStatus(ctx, logger, req, envelope.ProgressProcessing, map[string]interface{}{
		"action":    req.Action,
		"requestId": req.ID,
		"entryId":   entry.ID,
	})

	result := w.call(req)
	duration := time.Since(start)

	resp := envelope.Response{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
		DurationMs:    duration.Milliseconds(),
	}
	if result.err != nil {
		resp.Status = envelope.StatusError
		resp.Error = result.err.Error()
		logger.Warn("practice api call failed", "error", result.err, "duration_ms", resp.DurationMs)
	} else {
		resp.Status = envelope.StatusSuccess
		resp.Data = result.data
		logger.Debug("practice api call completed", "duration_ms", resp.DurationMs)
	}

	failed := resp.Status == envelope.StatusError
	if err := w.publishResponse(ctx, resp); err != nil {
		failed = true
		logger.Error("publish response", "error", err)
	}
	if failed {
		w.failures.Add(1)
	}

	final := envelope.ProgressCompleted
	metadata := map[string]interface{}{"durationMs": resp.DurationMs}
	if resp.Status == envelope.StatusError {
		final = envelope.ProgressFailed
		metadata["error"] = resp.Error
	}
	w.publishStatus(ctx, logger, req, final, metadata)

	w.processed.Add(1)
	w.metrics.BridgeCallFinished(req.Action, string(resp.Status), duration)
	w.ack(entry.ID)
}

// call runs the outbound request and gives up once the timeout elapses, even
// if the caller ignores its context.
func (w *Worker) call(req envelope.Request) callResult {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		data, err := w.caller.Call(ctx, req.Action, req.Params)
		done <- callResult{data: data, err: err}
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		select {
		case result := <-done:
			return result
		default:
		}
		return callResult{err: &practiceapi.TimeoutError{Action: req.Action, Timeout: w.timeout}}
	}
}

func (w *Worker) publishResponse(ctx context.Context, resp envelope.Response) error {
	values, err := resp.Values()
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		_, lastErr = w.publisher.Publish(pubCtx, w.responseStream, values, w.responseMaxLen)
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("publish response after %d attempts: %w", publishAttempts, lastErr)
}

func (w *Worker) publishStatus(ctx context.Context, logger *slog.Logger, req envelope.Request, status string, metadata map[string]interface{}) {
	values, err := envelope.StatusEvent{
		CorrelationID: req.CorrelationID,
		Status:        status,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	}.Values()
	if err != nil {
		logger.Warn("encode status event", "status", status, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := w.publisher.Publish(pubCtx, w.statusStream, values, 0); err != nil {
		logger.Warn("publish status event", "status", status, "error", err)
	}
}

func (w *Worker) ack(id string) {
	if w.acker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := w.acker.Ack(ctx, id); err != nil {
		w.logger.Warn("ack request entry", "entry_id", id, "error", err)
	}
}

func (w *Worker) track(entryID, correlationID string, start time.Time) {
	w.activeMu.Lock()
	w.active[entryID] = ActiveRequest{CorrelationID: correlationID, Started: start}
	w.activeMu.Unlock()
}

func (w *Worker) untrack(entryID string) {
	w.activeMu.Lock()
	delete(w.active, entryID)
	w.activeMu.Unlock()
}

func (w *Worker) activeCount() int {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return len(w.active)
}

// Active returns the requests awaiting a response, keyed by stream entry id.
func (w *Worker) Active() map[string]ActiveRequest {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	out := make(map[string]ActiveRequest, len(w.active))
	for id, req := range w.active {
		out[id] = req
	}
	return out
}

// HealthSnapshot implements health.Reporter.
func (w *Worker) HealthSnapshot() health.Snapshot {
	running := w.running.Load()
	connected := running && w.connected.Load()
	var uptime float64
	if started := w.started.Load(); started > 0 {
		uptime = time.Since(time.Unix(0, started)).Seconds()
	}
	return health.Snapshot{
		Uptime:          uptime,
		StreamConnected: connected,
		Processed:       w.processed.Load(),
		Errors:          w.failures.Load(),
		ActiveRequests:  w.activeCount(),
		Ready:           connected,
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return 500 * time.Millisecond
	}
	current *= 2
	if current > maxReadBackoff {
		return maxReadBackoff
	}
	return current
}
