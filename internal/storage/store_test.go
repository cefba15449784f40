package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	day := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

	t.Run("messages are unique per stream and id", func(t *testing.T) {
		msg := Message{Stream: "requests", ID: "1760779800000-0", Timestamp: day, Data: json.RawMessage(`{"action":"testConnection"}`)}
		inserted, err := store.InsertMessage(ctx, msg)
		if err != nil || !inserted {
			t.Fatalf("first insert = %v, %v", inserted, err)
		}
		inserted, err = store.InsertMessage(ctx, msg)
		if err != nil || inserted {
			t.Fatalf("replayed insert = %v, %v", inserted, err)
		}
		other := msg
		other.Stream = "status"
		if inserted, err := store.InsertMessage(ctx, other); err != nil || !inserted {
			t.Fatalf("same id on another stream = %v, %v", inserted, err)
		}

		msgs, err := store.ListMessages(ctx, "requests", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 1 || msgs[0].ID != msg.ID || !msgs[0].Timestamp.Equal(day) {
			t.Fatalf("unexpected messages %+v", msgs)
		}
		var doc map[string]string
		if err := json.Unmarshal(msgs[0].Data, &doc); err != nil || doc["action"] != "testConnection" {
			t.Fatalf("data round trip = %s (%v)", msgs[0].Data, err)
		}
	})

	t.Run("pending request completes once", func(t *testing.T) {
		rec := RequestRecord{
			RequestID:     "req-1",
			CorrelationID: "corr-1",
			UserID:        "user-7",
			Action:        "getPatient",
			RequestTime:   day,
			RequestData:   json.RawMessage(`{"id":"p1"}`),
		}
		if inserted, err := store.InsertPendingRequest(ctx, rec); err != nil || !inserted {
			t.Fatalf("insert pending = %v, %v", inserted, err)
		}
		if inserted, err := store.InsertPendingRequest(ctx, rec); err != nil || inserted {
			t.Fatalf("duplicate pending = %v, %v", inserted, err)
		}

		outcome, err := store.CompleteRequest(ctx, Completion{
			RequestID:    "req-1",
			Status:       StatusSuccess,
			ResponseTime: day.Add(250 * time.Millisecond),
			DurationMs:   250,
			ResponseData: json.RawMessage(`{"name":"Ada"}`),
		})
		if err != nil || outcome != CompletionApplied {
			t.Fatalf("complete = %v, %v", outcome, err)
		}

		outcome, err = store.CompleteRequest(ctx, Completion{
			RequestID:    "req-1",
			Status:       StatusError,
			ResponseTime: day.Add(time.Second),
			DurationMs:   1000,
			ErrorMessage: "late duplicate",
		})
		if err != nil || outcome != CompletionRejected {
			t.Fatalf("second completion = %v, %v", outcome, err)
		}

		got, err := store.Request(ctx, "req-1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Status != StatusSuccess || got.ErrorMessage != "" || got.UserID != "user-7" {
			t.Fatalf("terminal state regressed: %+v", got)
		}
		if got.DurationMs == nil || *got.DurationMs != 250 || got.ResponseTime == nil {
			t.Fatalf("completion fields missing: %+v", got)
		}
	})

	t.Run("completion falls back to correlation id", func(t *testing.T) {
		rec := RequestRecord{RequestID: "1760779800001-0", CorrelationID: "corr-2", Action: "getPatient", RequestTime: day}
		if _, err := store.InsertPendingRequest(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		outcome, err := store.CompleteRequest(ctx, Completion{
			RequestID:     "unrelated",
			CorrelationID: "corr-2",
			Status:        StatusError,
			ResponseTime:  day.Add(time.Second),
			DurationMs:    1000,
			ErrorMessage:  "request timeout after 1s",
		})
		if err != nil || outcome != CompletionApplied {
			t.Fatalf("complete = %v, %v", outcome, err)
		}
		got, err := store.Request(ctx, rec.RequestID)
		if err != nil || got.Status != StatusError || got.ErrorMessage != "request timeout after 1s" {
			t.Fatalf("got %+v, %v", got, err)
		}
	})

	t.Run("unknown request is a no-op", func(t *testing.T) {
		outcome, err := store.CompleteRequest(ctx, Completion{RequestID: "never-seen", CorrelationID: "nope", Status: StatusSuccess, ResponseTime: day})
		if err != nil || outcome != CompletionUnknown {
			t.Fatalf("complete unknown = %v, %v", outcome, err)
		}
		if _, err := store.Request(ctx, "never-seen"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := store.CompleteRequest(ctx, Completion{RequestID: "x", Status: StatusPending}); err == nil {
			t.Fatal("pending is not a terminal completion")
		}
	})

	t.Run("daily report aggregates projections", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := store.IncrementStatistic(ctx, "agent_updates", day, 100); err != nil {
				t.Fatalf("increment: %v", err)
			}
		}
		if err := store.IncrementStatistic(ctx, "agent_updates", day.Add(time.Hour), 50); err != nil {
			t.Fatalf("increment: %v", err)
		}
		if err := store.IncrementStatistic(ctx, "agent_updates", day.AddDate(0, 0, 1), 999); err != nil {
			t.Fatalf("increment: %v", err)
		}
		for _, a := range []Activity{
			{AgentID: "cursor", Action: "hello_world", Timestamp: day},
			{AgentID: "cursor", Action: "hello_world", Timestamp: day.Add(time.Minute)},
			{AgentID: "claude", Action: "lock_shell", Timestamp: day, Metadata: json.RawMessage(`{"shell":"zsh"}`)},
		} {
			if err := store.RecordActivity(ctx, a); err != nil {
				t.Fatalf("activity: %v", err)
			}
		}

		report, err := store.DailyReport(ctx, day)
		if err != nil {
			t.Fatalf("report: %v", err)
		}
		if report.Date != "2026-10-18" {
			t.Fatalf("date = %s", report.Date)
		}
		if len(report.Streams) != 1 || report.Streams[0].Messages != 4 || report.Streams[0].Bytes != 350 {
			t.Fatalf("streams = %+v", report.Streams)
		}
		if len(report.Agents) != 2 || report.Agents[0].AgentID != "claude" || report.Agents[1].Count != 2 {
			t.Fatalf("agents = %+v", report.Agents)
		}
		if len(report.Actions) != 1 {
			t.Fatalf("actions = %+v", report.Actions)
		}
		action := report.Actions[0]
		if action.Action != "getPatient" || action.Success != 1 || action.Error != 1 || action.Pending != 0 {
			t.Fatalf("action totals = %+v", action)
		}
		if action.AvgDurationMs != 625 {
			t.Fatalf("avg duration = %v", action.AvgDurationMs)
		}
	})

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestDayKeyUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	if got := DayKey(time.Date(2026, 10, 19, 5, 0, 0, 0, loc)); got != "2026-10-18" {
		t.Fatalf("DayKey = %s", got)
	}
}
