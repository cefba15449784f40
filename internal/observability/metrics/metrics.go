package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type outcomeLabel struct {
	name    string
	outcome string
}

// Recorder aggregates in-memory counters and gauges for the health HTTP
// surface, bridged practice API calls, and stream logger throughput. Writers
// coordinate through a RWMutex; the in-flight gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	bridgeCalls     map[outcomeLabel]uint64
	bridgeDuration  map[string]time.Duration
	streamEntries   map[outcomeLabel]uint64
	readErrors      map[string]uint64
	inFlight        atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		bridgeCalls:     make(map[outcomeLabel]uint64),
		bridgeDuration:  make(map[string]time.Duration),
		streamEntries:   make(map[outcomeLabel]uint64),
		readErrors:      make(map[string]uint64),
	}
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder; nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest accumulates HTTP request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// BridgeCallStarted increments the in-flight gauge.
func (r *Recorder) BridgeCallStarted() {
	r.inFlight.Add(1)
}

// BridgeCallFinished records the terminal outcome of a bridged call and
// decrements the in-flight gauge.
func (r *Recorder) BridgeCallFinished(action, outcome string, duration time.Duration) {
	name := normalizeName(action)
	label := outcomeLabel{name: name, outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.bridgeCalls[label]++
	r.bridgeDuration[name] += duration
	r.mu.Unlock()
	r.decrementGauge(&r.inFlight)
}

// InFlight returns the number of bridged calls currently running.
func (r *Recorder) InFlight() int64 {
	return r.inFlight.Load()
}

// ObserveStreamEntry counts an entry handled by the stream logger, keyed by
// stream and outcome ("persisted", "duplicate", "failed").
func (r *Recorder) ObserveStreamEntry(stream, outcome string) {
	label := outcomeLabel{name: strings.TrimSpace(stream), outcome: normalizeName(outcome)}
	if label.name == "" {
		label.name = "unknown"
	}
	r.mu.Lock()
	r.streamEntries[label]++
	r.mu.Unlock()
}

// ObserveReadError counts a failed blocking read for a component.
func (r *Recorder) ObserveReadError(component string) {
	name := normalizeName(component)
	r.mu.Lock()
	r.readErrors[name]++
	r.mu.Unlock()
}

// BridgeCallCount returns the number of finished calls for action and outcome.
func (r *Recorder) BridgeCallCount(action, outcome string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridgeCalls[outcomeLabel{name: normalizeName(action), outcome: normalizeName(outcome)}]
}

// StreamEntryCount returns the number of logger entries for stream and outcome.
func (r *Recorder) StreamEntryCount(stream, outcome string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamEntries[outcomeLabel{name: stream, outcome: normalizeName(outcome)}]
}

// Reset clears every metric.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.bridgeCalls = make(map[outcomeLabel]uint64)
	r.bridgeDuration = make(map[string]time.Duration)
	r.streamEntries = make(map[outcomeLabel]uint64)
	r.readErrors = make(map[string]uint64)
	r.mu.Unlock()
	r.inFlight.Store(0)
}

// Handler exposes the Recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	fmt.Fprintln(w, "# HELP bridge_http_requests_total Total number of HTTP requests served")
	fmt.Fprintln(w, "# TYPE bridge_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bridge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}
	fmt.Fprintln(w, "# HELP bridge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE bridge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "bridge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP bridge_calls_total Bridged practice API calls by action and terminal outcome")
	fmt.Fprintln(w, "# TYPE bridge_calls_total counter")
	for _, label := range sortedOutcomeLabels(r.bridgeCalls) {
		fmt.Fprintf(w, "bridge_calls_total{action=\"%s\",outcome=\"%s\"} %d\n", label.name, label.outcome, r.bridgeCalls[label])
	}
	fmt.Fprintln(w, "# HELP bridge_call_duration_seconds_sum Cumulative duration of bridged calls by action")
	fmt.Fprintln(w, "# TYPE bridge_call_duration_seconds_sum counter")
	for _, action := range sortedKeys(r.bridgeDuration) {
		fmt.Fprintf(w, "bridge_call_duration_seconds_sum{action=\"%s\"} %f\n", action, r.bridgeDuration[action].Seconds())
	}
	fmt.Fprintln(w, "# HELP bridge_calls_in_flight Bridged calls currently awaiting the practice API")
	fmt.Fprintln(w, "# TYPE bridge_calls_in_flight gauge")
	fmt.Fprintf(w, "bridge_calls_in_flight %d\n", r.inFlight.Load())

	fmt.Fprintln(w, "# HELP bridge_stream_entries_total Stream entries handled by the logger by stream and outcome")
	fmt.Fprintln(w, "# TYPE bridge_stream_entries_total counter")
	for _, label := range sortedOutcomeLabels(r.streamEntries) {
		fmt.Fprintf(w, "bridge_stream_entries_total{stream=\"%s\",outcome=\"%s\"} %d\n", label.name, label.outcome, r.streamEntries[label])
	}

	fmt.Fprintln(w, "# HELP bridge_stream_read_errors_total Failed blocking reads by component")
	fmt.Fprintln(w, "# TYPE bridge_stream_read_errors_total counter")
	for _, component := range sortedKeys(r.readErrors) {
		fmt.Fprintf(w, "bridge_stream_read_errors_total{component=\"%s\"} %d\n", component, r.readErrors[component])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedOutcomeLabels(m map[outcomeLabel]uint64) []outcomeLabel {
	labels := make([]outcomeLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].name != labels[j].name {
			return labels[i].name < labels[j].name
		}
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier reports segments that vary per resource: numbers,
// stream ids and dates, UUIDs and ULIDs.
func looksLikeIdentifier(segment string) bool {
	if numericID(segment) {
		return true
	}
	if len(segment) == 36 {
		if _, err := uuid.Parse(segment); err == nil {
			return true
		}
	}
	if len(segment) == ulid.EncodedSize {
		if _, err := ulid.ParseStrict(segment); err == nil {
			return true
		}
	}
	return false
}

func numericID(segment string) bool {
	digits := 0
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '-':
		default:
			return false
		}
	}
	return digits > 0
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.TrimSpace(name)
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
