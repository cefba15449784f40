package auditlog

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"practice-bridge/internal/storage"
)

// ParseReportDate accepts YYYY-MM-DD, "today" or "yesterday". An empty value
// means today. Days are UTC.
func ParseReportDate(raw string) (time.Time, error) {
	now := time.Now().UTC()
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "today":
		return now, nil
	case "yesterday":
		return now.AddDate(0, 0, -1), nil
	}
	day, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid report date %q: want YYYY-MM-DD", raw)
	}
	return day, nil
}

// RenderReport writes report as aligned text tables with numbers grouped for
// tag.
func RenderReport(w io.Writer, report storage.DailyReport, tag language.Tag) error {
	p := message.NewPrinter(tag)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	p.Fprintf(tw, "Daily report for %s\n\n", report.Date)

	p.Fprintf(tw, "STREAM\tMESSAGES\tBYTES\n")
	var messages, bytes int64
	for _, s := range report.Streams {
		p.Fprintf(tw, "%s\t%d\t%d\n", s.Stream, s.Messages, s.Bytes)
		messages += s.Messages
		bytes += s.Bytes
	}
	p.Fprintf(tw, "total\t%d\t%d\n\n", messages, bytes)

	p.Fprintf(tw, "AGENT\tACTION\tCOUNT\n")
	if len(report.Agents) == 0 {
		p.Fprintf(tw, "-\t-\t0\n")
	}
	for _, a := range report.Agents {
		p.Fprintf(tw, "%s\t%s\t%d\n", a.AgentID, a.Action, a.Count)
	}
	p.Fprintf(tw, "\n")

	p.Fprintf(tw, "ACTION\tSUCCESS\tERROR\tPENDING\tAVG MS\n")
	if len(report.Actions) == 0 {
		p.Fprintf(tw, "-\t0\t0\t0\t0\n")
	}
	for _, a := range report.Actions {
		p.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\n", a.Action, a.Success, a.Error, a.Pending, a.AvgDurationMs)
	}
	return tw.Flush()
}
