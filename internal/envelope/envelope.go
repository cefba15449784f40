// Package envelope defines the contract types exchanged over the request,
// response and status streams, and the parse step that turns loosely typed
// stream fields into them.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the terminal outcome carried by a Response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Progress values published on the status stream.
const (
	ProgressProcessing = "processing"
	ProgressCompleted  = "completed"
	ProgressFailed     = "failed"
)

// MalformedEntryError reports a stream entry missing a required field.
type MalformedEntryError struct {
	Stream  string
	EntryID string
	Field   string
}

func (e *MalformedEntryError) Error() string {
	if e.Stream == "" {
		return fmt.Sprintf("malformed entry %s: missing %s", e.EntryID, e.Field)
	}
	return fmt.Sprintf("malformed entry %s/%s: missing %s", e.Stream, e.EntryID, e.Field)
}

// Request is a unit of work enqueued by a browser-facing producer.
type Request struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	UserID        string          `json:"userId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	CorrelationID string          `json:"correlationId"`
}

// ParseRequest builds a Request from a request-stream entry. The correlation
// id is reused when present, otherwise derived from the request id and finally
// from the stream entry id.
func ParseRequest(stream, entryID string, fields Fields) (Request, error) {
	action := fields.String("action")
	if action == "" {
		return Request{}, &MalformedEntryError{Stream: stream, EntryID: entryID, Field: "action"}
	}
	req := Request{
		ID:        fields.String("id"),
		Action:    action,
		Params:    fields.Document("params"),
		UserID:    fields.FirstString("userId", "user_id"),
		Timestamp: fields.String("timestamp"),
	}
	if req.ID == "" {
		req.ID = entryID
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage("{}")
	}
	req.CorrelationID = fields.FirstString("correlationId", "correlation_id")
	if req.CorrelationID == "" {
		req.CorrelationID = req.ID
	}
	return req, nil
}

// Values renders the request as stream fields.
func (r Request) Values() map[string]interface{} {
	params := r.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	values := map[string]interface{}{
		"id":            r.ID,
		"action":        r.Action,
		"params":        string(params),
		"correlationId": r.CorrelationID,
	}
	if r.UserID != "" {
		values["userId"] = r.UserID
	}
	if r.Timestamp != "" {
		values["timestamp"] = r.Timestamp
	}
	return values
}

// Response is the single terminal message ending a request's lifecycle.
type Response struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"requestId"`
	CorrelationID string          `json:"correlationId"`
	Status        Status          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	DurationMs    int64           `json:"durationMs"`
}

// Terminal reports whether the response carries a recognised outcome.
func (r Response) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusError
}

// Values renders the response as stream fields: the whole envelope is stored
// JSON-encoded under "data".
func (r Response) Values() (map[string]interface{}, error) {
	encoded, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return map[string]interface{}{"data": string(encoded)}, nil
}

// ParseResponse decodes a response-stream entry.
func ParseResponse(stream, entryID string, fields Fields) (Response, error) {
	data, ok := fields["data"]
	if !ok || strings.TrimSpace(data.Raw) == "" {
		return Response{}, &MalformedEntryError{Stream: stream, EntryID: entryID, Field: "data"}
	}
	if !data.IsJSON() {
		return Response{}, fmt.Errorf("response %s: data is not JSON", entryID)
	}
	var resp Response
	if err := json.Unmarshal(data.JSON, &resp); err != nil {
		return Response{}, fmt.Errorf("response %s: %w", entryID, err)
	}
	if resp.RequestID == "" && resp.CorrelationID == "" {
		return Response{}, &MalformedEntryError{Stream: stream, EntryID: entryID, Field: "requestId"}
	}
	if !resp.Terminal() {
		return Response{}, fmt.Errorf("response %s: unknown status %q", entryID, resp.Status)
	}
	return resp, nil
}

// StatusEvent is an observability-only progress update.
type StatusEvent struct {
	CorrelationID string
	Status        string
	Timestamp     time.Time
	Metadata      map[string]interface{}
}

// Values renders the event as stream fields.
func (e StatusEvent) Values() (map[string]interface{}, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode status metadata: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]interface{}{
		"correlationId": e.CorrelationID,
		"status":        e.Status,
		"timestamp":     ts.UTC().Format(time.RFC3339Nano),
		"metadata":      string(encoded),
	}, nil
}
