package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
)

// theme keeps every CLI color in one place.
type theme struct {
	ok      lipgloss.Style
	running lipgloss.Style
	failed  lipgloss.Style
	queued  lipgloss.Style
	warn    lipgloss.Style
	header  lipgloss.Style
	dim     lipgloss.Style
	border  lipgloss.Style
}

var styles = theme{
	ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	running: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
	failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	queued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")).Padding(0, 1),
	dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	border:  lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD")),
}

func (t theme) forDisplay(display string) lipgloss.Style {
	switch {
	case display == "completed":
		return t.ok
	case strings.HasPrefix(display, "completed"):
		return t.warn
	case display == "running":
		return t.running
	case display == "failed" || display == "aborted" || display == "paused":
		return t.failed
	default:
		return t.queued
	}
}

func writeTable(w io.Writer, statusCol int, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.header
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return styles.forDisplay(rows[row][col]).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(w, t.Render())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func renderJobs(w io.Writer, jobs []*queue.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, styles.dim.Render("no jobs"))
		return
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		created := j.CreatedAt
		rows = append(rows, []string{
			shortID(j.ID),
			j.Plugin,
			queue.DisplayStatus(j.Status, j.Outcome),
			fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts),
			humanize.Comma(j.RowsOK),
			humanize.Comma(j.RowsQuarantined),
			ago(&created, now),
		})
	}
	writeTable(w, 2, []string{"ID", "PLUGIN", "STATUS", "ATTEMPT", "ROWS", "QUARANTINED", "CREATED"}, rows)
}

func renderJobDetail(w io.Writer, j *queue.Job, attempts []queue.Attempt, records []quarantine.Record, now time.Time) {
	display := queue.DisplayStatus(j.Status, j.Outcome)
	field := func(k, v string) {
		fmt.Fprintf(w, "%s %s\n", styles.dim.Render(fmt.Sprintf("%-16s", k)), v)
	}
	created := j.CreatedAt
	field("id", j.ID)
	field("plugin", j.Plugin)
	field("version", deref(j.PluginVersion))
	field("payload", j.PayloadRef)
	field("status", styles.forDisplay(display).Render(display))
	field("attempt", fmt.Sprintf("%d of %d", j.Attempt, j.MaxAttempts))
	field("rows", fmt.Sprintf("%s ok, %s quarantined", humanize.Comma(j.RowsOK), humanize.Comma(j.RowsQuarantined)))
	field("created", ago(&created, now))
	field("started", ago(j.StartedAt, now))
	field("completed", ago(j.CompletedAt, now))
	if j.LastError != nil {
		field("last error", *j.LastError)
	}

	if len(attempts) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(attempts))
		for _, a := range attempts {
			completed := a.CompletedAt
			rows = append(rows, []string{
				strconv.Itoa(a.Attempt),
				deref(a.PluginVersion),
				string(a.Outcome),
				a.Termination,
				ago(&completed, now),
				truncate(deref(a.Error), 60),
			})
		}
		writeTable(w, 2, []string{"ATTEMPT", "VERSION", "OUTCOME", "TERMINATION", "FINISHED", "ERROR"}, rows)
	}

	if len(records) > 0 {
		counts := map[quarantine.Category]int{}
		for _, r := range records {
			counts[r.Category]++
		}
		parts := make([]string, 0, len(counts))
		for _, c := range []quarantine.Category{quarantine.CategoryTypeMismatch, quarantine.CategorySchemaViolation, quarantine.CategoryPluginReported} {
			if n := counts[c]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", c, n))
			}
		}
		fmt.Fprintln(w)
		field("quarantine", strings.Join(parts, " "))
	}
}

func renderBreakers(w io.Writer, states []breaker.State, now time.Time) {
	if len(states) == 0 {
		fmt.Fprintln(w, styles.dim.Render("no breaker state recorded"))
		return
	}
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		resume := "-"
		if st.ResumeAt != nil {
			resume = humanize.RelTime(*st.ResumeAt, now, "ago", "from now")
		}
		rows = append(rows, []string{
			st.Plugin,
			string(st.Mode),
			strconv.Itoa(st.ConsecutiveFailures),
			fmt.Sprintf("%.0f%% of %d", st.FailureRate()*100, len(st.Window)),
			strconv.Itoa(st.TripCount),
			resume,
		})
	}
	writeTable(w, 1, []string{"PLUGIN", "MODE", "STREAK", "FAILURE RATE", "TRIPS", "RESUME"}, rows)
}

func renderManifests(w io.Writer, entries []*plugin.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, styles.dim.Render("no registered versions"))
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		created := e.CreatedAt
		rows = append(rows, []string{
			e.ID,
			e.Version,
			string(e.Status),
			shortID(e.ContentHash),
			ago(&created, now),
			deref(e.Reason),
		})
	}
	writeTable(w, -1, []string{"ID", "VERSION", "STATUS", "HASH", "REGISTERED", "REASON"}, rows)
}

func renderQuarantine(w io.Writer, records []quarantine.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, styles.dim.Render("no quarantined rows"))
		return
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		offset := "-"
		if r.RowOffset != nil {
			offset = strconv.FormatInt(*r.RowOffset, 10)
		}
		rows = append(rows, []string{
			strconv.Itoa(r.Attempt),
			r.Source,
			offset,
			string(r.Category),
			truncate(r.Message, 60),
		})
	}
	writeTable(w, -1, []string{"ATTEMPT", "SOURCE", "OFFSET", "CATEGORY", "MESSAGE"}, rows)
	fmt.Fprintf(w, "%s quarantined rows\n", humanize.Comma(int64(len(records))))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
