package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"genflow/internal/domain"
)

func renderJobsTable(table *tview.Table, jobs []domain.Job, selectedJobID string) {
	table.Clear()
	headers := []string{"Job", "Mode", "Status", "Stage", "Updated", "N"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, j := range jobs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(j.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(j.Mode)))
		table.SetCell(row, 2, tview.NewTableCell(string(j.Status)).SetTextColor(statusColor(j.Status)))
		table.SetCell(row, 3, tview.NewTableCell(j.Stage))
		table.SetCell(row, 4, tview.NewTableCell(j.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%d", j.N)))
		if j.ID == selectedJobID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.JobStatus) tcell.Color {
	switch s {
	case domain.JobStatusRunning:
		return tcell.ColorYellow
	case domain.JobStatusCompleted:
		return tcell.ColorGreen
	case domain.JobStatusFailed:
		return tcell.ColorRed
	default:
		return tview.Styles.PrimaryTextColor
	}
}

// renderJob summarizes one job: status line, then ranked variants or the
// chain result, then the failure reason if any.
func renderJob(job domain.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s  mode=%s status=%s", job.ID, job.Mode, job.Status)
	if job.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", job.Stage)
	}
	b.WriteString("\n")
	if job.Error != "" {
		b.WriteString("  error: " + trimLine(job.Error, 160) + "\n")
	}
	if len(job.Variants) > 0 {
		b.WriteString("\n")
		for _, v := range job.Variants {
			fmt.Fprintf(&b, "#%-3d %-14s composite=%.3f  %s\n", v.Rank, v.Label, v.Composite(), trimLine(metadataSummary(v.Metadata), 90))
		}
	}
	if len(job.Result) > 0 {
		b.WriteString("\nresult: " + trimLine(payloadSummary(job.Result), 200) + "\n")
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func metadataSummary(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, " ")
}

func payloadSummary(p domain.Payload) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, ", ")
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		return payloadSummary(kv)
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
