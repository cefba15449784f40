package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"practice-bridge/internal/storage"
)

// HTTPConfig configures the read-only audit endpoints.
type HTTPConfig struct {
	Store  storage.Store
	Hub    *Hub
	Logger *slog.Logger
	// QueryTimeout bounds each store query.
	QueryTimeout time.Duration
}

type httpHandlers struct {
	store   storage.Store
	hub     *Hub
	logger  *slog.Logger
	timeout time.Duration
}

// Register mounts GET /messages, GET /requests/{id}, GET /reports/{date} and
// the /tail websocket on mux.
func Register(mux *http.ServeMux, cfg HTTPConfig) {
	h := &httpHandlers{store: cfg.Store, hub: cfg.Hub, logger: cfg.Logger, timeout: cfg.QueryTimeout}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.timeout <= 0 {
		h.timeout = 5 * time.Second
	}
	mux.HandleFunc("GET /messages", h.messages)
	mux.HandleFunc("GET /requests/{id}", h.request)
	mux.HandleFunc("GET /reports/{date}", h.report)
	mux.HandleFunc("GET /tail", h.tail)
}

func (h *httpHandlers) messages(w http.ResponseWriter, r *http.Request) {
	stream := strings.TrimSpace(r.URL.Query().Get("stream"))
	if stream == "" {
		writeError(w, http.StatusBadRequest, "stream is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	msgs, err := h.store.ListMessages(ctx, stream, limit)
	if err != nil {
		h.logger.Error("list messages", "stream", stream, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *httpHandlers) request(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	rec, err := h.store.Request(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		h.logger.Error("load request", "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *httpHandlers) report(w http.ResponseWriter, r *http.Request) {
	day, err := ParseReportDate(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report, err := h.store.DailyReport(ctx, day)
	if err != nil {
		h.logger.Error("daily report", "date", storage.DayKey(day), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// tail streams newly persisted entries as JSON text frames. The optional
// filter query parameter holds a CEL expression; see CompileFilter.
func (h *httpHandlers) tail(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live tail disabled")
		return
	}
	filter, err := CompileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	streamList := splitComma(r.URL.Query().Get("streams"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := conn.CloseRead(r.Context())
	sub := h.hub.Subscribe(streamList, filter)
	defer sub.Close()

	if err := streamEvents(ctx, sub.C, conn); err != nil {
		if ctx.Err() == nil {
			h.logger.Debug("tail client dropped", "error", err)
		}
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func streamEvents(ctx context.Context, events <-chan Event, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = writer.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func splitComma(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
