package app

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"layersync/internal/etl"
	"layersync/internal/service"
)

// ── Output ─────────────────────────────────────────────────
// Human output is rendered with lipgloss against the command's writer, so
// colors are dropped automatically when the writer is not a terminal.

const maxKeysShown = 20

type styles struct {
	title  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	muted  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title:  r.NewStyle().Bold(true),
		header: r.NewStyle().Bold(true).Padding(0, 1),
		cell:   r.NewStyle().Padding(0, 1),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("#8BC34A")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("#FFC107")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("#e53935")),
	}
}

func (s styles) status(st etl.Status) string {
	switch st {
	case etl.StatusSuccess, etl.StatusNoop:
		return s.ok.Render(string(st))
	case etl.StatusPartial, etl.StatusDryRun:
		return s.warn.Render(string(st))
	default:
		return s.bad.Render(string(st))
	}
}

// table renders rows under headers with columns padded to the widest cell.
type table struct {
	headers []string
	rows    [][]string
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) render(s styles) string {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var sb strings.Builder
	line := func(cells []string, style lipgloss.Style) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		sb.WriteString(strings.TrimRight(strings.Join(parts, s.muted.Render("│")), " "))
		sb.WriteString("\n")
	}
	line(t.headers, s.header)
	for _, row := range t.rows {
		line(row, s.cell)
	}
	return sb.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes a run summary.
func printResult(w io.Writer, res *etl.SyncResult) {
	s := newStyles(w)
	fmt.Fprintf(w, "%s %s  %s\n", s.title.Render("Run"), res.RunID, s.status(res.Status))
	fmt.Fprintf(w, "  job          %s\n", res.JobName)
	if res.Message != "" {
		fmt.Fprintf(w, "  message      %s\n", res.Message)
	}
	fmt.Fprintf(w, "  read         source %d, destination %d\n", res.SourceRead, res.DestinationRead)
	if res.Filtered > 0 {
		fmt.Fprintf(w, "  filtered     %d\n", res.Filtered)
	}
	fmt.Fprintf(w, "  diff         matched %d, source-only %d, destination-only %d\n",
		res.Matched, res.SourceOnly, res.DestinationOnly)
	if res.Status != etl.StatusDryRun {
		fmt.Fprintf(w, "  delivered    %d of %d accepted, %d rejected, %d failed chunks\n",
			res.Accepted, res.Submitted, res.Rejected, res.FailedChunks)
	}
	fmt.Fprintf(w, "  duration     %s\n", res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(w, "  error        %s\n", s.bad.Render(res.Error))
	}

	if len(res.NormalizationFailures) > 0 {
		fmt.Fprintf(w, "\n%s\n", s.title.Render("Skipped records"))
		t := &table{headers: []string{"#", "KEY", "FIELD", "ERROR"}}
		for _, f := range res.NormalizationFailures {
			t.add(fmt.Sprint(f.Index), f.Key, f.Field, f.Err.Error())
		}
		fmt.Fprint(w, t.render(s))
	}

	var failed []etl.BatchResult
	for _, b := range res.Batches {
		if b.Err != nil || b.Error != "" || len(b.Failures) > 0 {
			failed = append(failed, b)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(w, "\n%s\n", s.title.Render("Chunk failures"))
		t := &table{headers: []string{"CHUNK", "OFFSET", "ACCEPTED", "ATTEMPTS", "DETAIL"}}
		for _, b := range failed {
			t.add(fmt.Sprint(b.Index), fmt.Sprint(b.Offset),
				fmt.Sprintf("%d/%d", b.Accepted, b.Submitted), fmt.Sprint(b.Attempts), chunkDetail(b))
		}
		fmt.Fprint(w, t.render(s))
	}

	if keys := res.DestinationOnlyKeys; len(keys) > 0 {
		fmt.Fprintf(w, "\n%s %s\n", s.title.Render("Destination-only keys"),
			s.muted.Render("(reported, never deleted)"))
		shown := keys[:min(len(keys), maxKeysShown)]
		for _, k := range shown {
			fmt.Fprintf(w, "  %s\n", k)
		}
		if more := res.DestinationOnly - len(shown); more > 0 {
			fmt.Fprintln(w, s.muted.Render(fmt.Sprintf("  ... and %d more", more)))
		}
	}
}

func chunkDetail(b etl.BatchResult) string {
	if b.Err != nil {
		return b.Err.Error()
	}
	if b.Error != "" {
		return b.Error
	}
	msgs := make([]string, 0, len(b.Failures))
	for _, f := range b.Failures {
		msgs = append(msgs, fmt.Sprintf("record %d: %s", b.Offset+f.Index, f.Message))
	}
	return strings.Join(msgs, "; ")
}

// printPreview writes the summary of a preview and the first records of the
// delivery set.
func printPreview(w io.Writer, p *service.PreviewResult) {
	printResult(w, p.Summary)
	if len(p.Records) == 0 {
		return
	}
	s := newStyles(w)
	fmt.Fprintf(w, "\n%s %s\n", s.title.Render("Would deliver"),
		s.muted.Render(fmt.Sprintf("(first %d of %d)", len(p.Records), p.Summary.SourceOnly)))

	columns := recordColumns(p.Records)
	t := &table{headers: columns}
	for _, r := range p.Records {
		cells := make([]string, len(columns))
		for i, c := range columns {
			cells[i] = truncate(fmt.Sprint(r.Data[c]), 40)
		}
		t.add(cells...)
	}
	fmt.Fprint(w, t.render(s))
}

// recordColumns returns the union of the records' columns, each record's
// columns taken in sorted order.
func recordColumns(records []etl.Record) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range records {
		for _, k := range slices.Sorted(maps.Keys(r.Data)) {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printRunLogs(w io.Writer, logs []etl.SyncRunLog) {
	s := newStyles(w)
	if len(logs) == 0 {
		fmt.Fprintln(w, s.muted.Render("no runs recorded"))
		return
	}
	t := &table{headers: []string{"RUN", "JOB", "STARTED", "STATUS", "READ", "MATCHED", "ACCEPTED", "SKIPPED"}}
	for _, l := range logs {
		t.add(l.ID, l.JobName, l.StartedAt.Local().Format(time.DateTime), s.status(etl.Status(l.Status)),
			fmt.Sprintf("%d/%d", l.SourceRead, l.DestinationRead),
			fmt.Sprint(l.Matched),
			fmt.Sprintf("%d/%d", l.Accepted, l.Submitted),
			fmt.Sprint(l.SkippedRecords))
	}
	fmt.Fprint(w, t.render(s))
}

func printJobs(w io.Writer, jobs []etl.SyncJob) {
	s := newStyles(w)
	if len(jobs) == 0 {
		fmt.Fprintln(w, s.muted.Render("no jobs configured"))
		return
	}
	t := &table{headers: []string{"JOB", "SOURCE", "DESTINATION", "KEYS", "SCHEDULE"}}
	for _, j := range jobs {
		schedule := j.Schedule
		if schedule == "" {
			schedule = "-"
		}
		if j.DryRun {
			schedule += " (dry run)"
		}
		t.add(j.Name, j.Source.Identity(), j.Destination.Identity(), strings.Join(j.Keys, ","), schedule)
	}
	fmt.Fprint(w, t.render(s))
}
