package auditlog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"

	"practice-bridge/internal/storage"
)

func TestParseReportDate(t *testing.T) {
	day, err := ParseReportDate("2025-10-18")
	if err != nil || !day.Equal(time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("explicit date = %v, %v", day, err)
	}
	today := time.Now().UTC()
	if day, err := ParseReportDate(""); err != nil || storage.DayKey(day) != storage.DayKey(today) {
		t.Fatalf("empty date = %v, %v", day, err)
	}
	if day, err := ParseReportDate("Yesterday"); err != nil || storage.DayKey(day) != storage.DayKey(today.AddDate(0, 0, -1)) {
		t.Fatalf("yesterday = %v, %v", day, err)
	}
	if _, err := ParseReportDate("18/10/2025"); err == nil {
		t.Fatalf("expected error for malformed date")
	}
}

func TestRenderReportGroupsNumbers(t *testing.T) {
	report := storage.DailyReport{
		Date:    "2025-10-18",
		Streams: []storage.StreamTotals{{Stream: "requests", Messages: 1200, Bytes: 2500000}},
		Actions: []storage.ActionTotals{{Action: "getPatient", Success: 3, Error: 1, AvgDurationMs: 625}},
	}
	var buf bytes.Buffer
	if err := RenderReport(&buf, report, language.English); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Daily report for 2025-10-18", "1,200", "2,500,000", "getPatient", "625.0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}
