package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"practice-bridge/internal/envelope"
	"practice-bridge/internal/observability/metrics"
	"practice-bridge/internal/practiceapi"
	"practice-bridge/internal/streams"
	"practice-bridge/internal/testsupport/redisstub"
)

const requestStream = "requests"

type callerFunc func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error)

func (f callerFunc) Call(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, action, params)
}

type harness struct {
	srv    *redisstub.Server
	client *streams.Client
	worker *Worker
	cancel context.CancelFunc
	done   chan error
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config, caller Caller, group string) *harness {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	client, err := streams.New(streams.Config{Addr: srv.Addr(), PoolSize: 16})
	if err != nil {
		t.Fatalf("new stream client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var reader Reader
	if group != "" {
		reader, err = client.Group(streams.GroupConfig{Stream: requestStream, Group: group, StartID: "0", Block: 20 * time.Millisecond})
	} else {
		reader, err = client.Tail(streams.TailConfig{Streams: []string{requestStream}, StartFrom: streams.StartBeginning, Block: 20 * time.Millisecond})
	}
	if err != nil {
		t.Fatalf("reader: %v", err)
	}

	cfg.Logger = quietLogger()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	w, err := New(cfg, reader, client, caller)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{srv: srv, client: client, worker: w, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- w.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

func (h *harness) enqueue(fields map[string]string) string {
	return h.srv.Add(requestStream, fields)
}

func (h *harness) responses(t *testing.T) []envelope.Response {
	t.Helper()
	var out []envelope.Response
	for _, entry := range h.srv.Entries(DefaultResponseStream) {
		resp, err := envelope.ParseResponse(DefaultResponseStream, entry.ID, envelope.ParseFields(entry.Values))
		if err != nil {
			t.Fatalf("parse response %s: %v", entry.ID, err)
		}
		out = append(out, resp)
	}
	return out
}

func (h *harness) waitResponses(t *testing.T, n int, timeout time.Duration) []envelope.Response {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := h.responses(t); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d responses, got %d", n, len(h.responses(t)))
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func practiceServer(t *testing.T, handler http.HandlerFunc) Caller {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := practiceapi.New(practiceapi.Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("practice client: %v", err)
	}
	return client
}

func TestSuccessfulRequestPublishesResponseAndStatuses(t *testing.T) {
	caller := practiceServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"connected":true}}`))
	})
	h := newHarness(t, Config{Timeout: time.Second}, caller, "")

	h.enqueue(map[string]string{"action": "testConnection", "params": "{}", "correlationId": "c1"})
	resp := h.waitResponses(t, 1, 2*time.Second)[0]

	if resp.CorrelationID != "c1" || resp.Status != envelope.StatusSuccess {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.Contains(string(resp.Data), `"connected":true`) {
		t.Fatalf("data = %s", resp.Data)
	}

	waitFor(t, time.Second, func() bool { return len(h.srv.Entries(DefaultStatusStream)) >= 2 })
	statuses := h.srv.Entries(DefaultStatusStream)
	if statuses[0].Values["status"] != envelope.ProgressProcessing || statuses[1].Values["status"] != envelope.ProgressCompleted {
		t.Fatalf("status order = %q, %q", statuses[0].Values["status"], statuses[1].Values["status"])
	}
	for _, status := range statuses {
		if status.Values["correlationId"] != "c1" {
			t.Fatalf("status for wrong correlation: %+v", status.Values)
		}
	}

	snap := h.worker.HealthSnapshot()
	if snap.Processed != 1 || snap.Errors != 0 || !snap.StreamConnected || !snap.Ready {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestUnreachableServiceYieldsErrorResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	caller, err := practiceapi.New(practiceapi.Config{BaseURL: "http://" + addr, APIKey: "k", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("practice client: %v", err)
	}
	h := newHarness(t, Config{Timeout: time.Second}, caller, "")

	h.enqueue(map[string]string{"action": "getPatient", "params": `{"id":"p1"}`, "correlationId": "c-down"})
	resp := h.waitResponses(t, 1, 3*time.Second)[0]
	if resp.Status != envelope.StatusError || resp.Error == "" {
		t.Fatalf("expected error response with message, got %+v", resp)
	}

	raw := h.srv.Entries(DefaultResponseStream)[0].Values["data"]
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := doc["durationMs"]; !ok {
		t.Fatalf("durationMs missing from %s", raw)
	}

	waitFor(t, time.Second, func() bool { return h.worker.HealthSnapshot().Errors == 1 })
	statuses := h.srv.Entries(DefaultStatusStream)
	if got := statuses[len(statuses)-1].Values["status"]; got != envelope.ProgressFailed {
		t.Fatalf("final status = %q", got)
	}
}

func TestTimeoutPublishedWithinWindow(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	})
	timeout := 100 * time.Millisecond
	h := newHarness(t, Config{Timeout: timeout}, caller, "")

	start := time.Now()
	h.enqueue(map[string]string{"action": "slowReport", "correlationId": "c-slow"})
	resp := h.waitResponses(t, 1, 2*time.Second)[0]
	elapsed := time.Since(start)

	if resp.Status != envelope.StatusError || !strings.Contains(resp.Error, "timeout") {
		t.Fatalf("expected timeout error, got %+v", resp)
	}
	if elapsed > timeout+time.Second {
		t.Fatalf("timeout response took %v", elapsed)
	}
}

func TestApplicationErrorIsSuccessfulTransport(t *testing.T) {
	caller := practiceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"patient not found"}`))
	})
	h := newHarness(t, Config{Timeout: time.Second}, caller, "")

	h.enqueue(map[string]string{"action": "getPatient", "id": "req-9"})
	resp := h.waitResponses(t, 1, 2*time.Second)[0]
	if resp.Status != envelope.StatusSuccess || !strings.Contains(string(resp.Data), "patient not found") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.RequestID != "req-9" || resp.CorrelationID != "req-9" {
		t.Fatalf("correlation should fall back to request id: %+v", resp)
	}
}

func TestConcurrentRequestsEachGetOneResponse(t *testing.T) {
	var current, peak atomic.Int64
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return params, nil
	})
	h := newHarness(t, Config{Timeout: time.Second, MaxInFlight: 8}, caller, "")

	const total = 100
	for i := 0; i < total; i++ {
		h.enqueue(map[string]string{
			"action":        "getAppointments",
			"params":        fmt.Sprintf(`{"n":%d}`, i),
			"correlationId": fmt.Sprintf("corr-%03d", i),
		})
	}
	responses := h.waitResponses(t, total, 10*time.Second)

	seen := make(map[string]bool, total)
	for _, resp := range responses {
		if seen[resp.CorrelationID] {
			t.Fatalf("duplicate response for %s", resp.CorrelationID)
		}
		seen[resp.CorrelationID] = true
		if resp.Status != envelope.StatusSuccess {
			t.Fatalf("unexpected failure %+v", resp)
		}
	}
	for i := 0; i < total; i++ {
		if id := fmt.Sprintf("corr-%03d", i); !seen[id] {
			t.Fatalf("missing response for %s", id)
		}
	}
	if got := peak.Load(); got > 8 {
		t.Fatalf("in-flight calls peaked at %d, ceiling is 8", got)
	}
}

func TestMalformedEntryIsSkipped(t *testing.T) {
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	h := newHarness(t, Config{Timeout: time.Second}, caller, "")

	h.enqueue(map[string]string{"params": "{}", "correlationId": "c-bad"})
	h.enqueue(map[string]string{"action": "testConnection", "correlationId": "c-good"})

	responses := h.waitResponses(t, 1, 2*time.Second)
	waitFor(t, time.Second, func() bool { return h.worker.HealthSnapshot().Processed == 1 })
	if len(h.responses(t)) != 1 || responses[0].CorrelationID != "c-good" {
		t.Fatalf("unexpected responses %+v", h.responses(t))
	}
	if snap := h.worker.HealthSnapshot(); snap.Errors != 1 {
		t.Fatalf("malformed entry should count as an error, got %d", snap.Errors)
	}
}

func TestConsumerGroupAcksAfterResponse(t *testing.T) {
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	h := newHarness(t, Config{Timeout: time.Second}, caller, "bridge-workers")

	h.enqueue(map[string]string{"action": "testConnection", "correlationId": "g1"})
	h.enqueue(map[string]string{"correlationId": "g-bad"})
	h.enqueue(map[string]string{"action": "testConnection", "correlationId": "g2"})

	h.waitResponses(t, 2, 2*time.Second)
	waitFor(t, 2*time.Second, func() bool { return h.srv.Pending(requestStream, "bridge-workers") == 0 })
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		time.Sleep(150 * time.Millisecond)
		return json.RawMessage(`{"late":true}`), nil
	})
	h := newHarness(t, Config{Timeout: time.Second}, caller, "")
	h.enqueue(map[string]string{"action": "exportChart", "correlationId": "c-drain"})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request was never dispatched")
	}
	if active := h.worker.Active(); len(active) != 1 {
		t.Fatalf("active = %v", active)
	}
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}

	responses := h.responses(t)
	if len(responses) != 1 || responses[0].CorrelationID != "c-drain" {
		t.Fatalf("in-flight request lost on shutdown: %+v", responses)
	}
	if snap := h.worker.HealthSnapshot(); snap.StreamConnected || snap.Ready {
		t.Fatalf("stopped worker must report disconnected: %+v", snap)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, nil, nil, nil); err == nil {
		t.Fatal("expected error without collaborators")
	}
}

func TestNextBackoffIsCapped(t *testing.T) {
	d := time.Duration(0)
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != maxReadBackoff {
		t.Fatalf("backoff = %v", d)
	}
}

func TestActiveTracksEntriesSharingCorrelationID(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`{}`), nil
	})
	h := newHarness(t, Config{Timeout: 5 * time.Second}, caller, "")
	first := h.enqueue(map[string]string{"action": "testConnection", "correlationId": "shared"})
	second := h.enqueue(map[string]string{"action": "testConnection", "correlationId": "shared"})

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 2 })
	active := h.worker.Active()
	if len(active) != 2 || h.worker.HealthSnapshot().ActiveRequests != 2 {
		t.Fatalf("active = %+v", active)
	}
	for _, id := range []string{first, second} {
		if active[id].CorrelationID != "shared" {
			t.Fatalf("entry %s tracked as %+v", id, active[id])
		}
	}
	close(release)
	h.waitResponses(t, 2, 2*time.Second)
	waitFor(t, time.Second, func() bool { return len(h.worker.Active()) == 0 })
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	return "", fmt.Errorf("stream store unavailable")
}

type idleReader struct{}

func (idleReader) Read(ctx context.Context) ([]streams.Entry, error) {
	return nil, nil
}

func TestFailedCallWithUnpublishedResponseCountsOnce(t *testing.T) {
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		return nil, &practiceapi.TransportError{Err: fmt.Errorf("connection refused")}
	})
	w, err := New(Config{Timeout: time.Second, Logger: quietLogger(), Metrics: metrics.New()}, idleReader{}, failingPublisher{}, caller)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.processRequest(streams.Entry{
		Stream: requestStream,
		ID:     "1760779800000-0",
		Values: map[string]string{"action": "testConnection", "correlationId": "c-lost"},
	})
	if snap := w.HealthSnapshot(); snap.Errors != 1 || snap.Processed != 1 {
		t.Fatalf("errors = %d processed = %d, want 1 and 1", snap.Errors, snap.Processed)
	}
}

func TestRestartAnswersEntriesLeftPending(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	client, err := streams.New(streams.Config{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("new stream client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	groupCfg := streams.GroupConfig{Stream: requestStream, Group: "bridge-workers", Consumer: "worker-1", StartID: "0", Block: 20 * time.Millisecond}
	crashed, err := client.Group(groupCfg)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	srv.Add(requestStream, map[string]string{"action": "testConnection", "correlationId": "c-stranded"})
	if entries, err := crashed.Read(context.Background()); err != nil || len(entries) != 1 {
		t.Fatalf("read = %d entries, err=%v", len(entries), err)
	}

	restarted, err := client.Group(groupCfg)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	caller := callerFunc(func(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	w, err := New(Config{Timeout: time.Second, Logger: quietLogger(), Metrics: metrics.New()}, restarted, client, caller)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, 2*time.Second, func() bool { return len(srv.Entries(DefaultResponseStream)) == 1 })
	waitFor(t, 2*time.Second, func() bool { return srv.Pending(requestStream, "bridge-workers") == 0 })
	resp, err := envelope.ParseResponse(DefaultResponseStream, "", envelope.ParseFields(srv.Entries(DefaultResponseStream)[0].Values))
	if err != nil || resp.CorrelationID != "c-stranded" {
		t.Fatalf("response = %+v, err=%v", resp, err)
	}
}
