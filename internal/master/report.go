package master

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-runewidth"

	"yqhp/crossval/pkg/types"
)

// JSONSuffix is appended to the results path for the machine-readable copy.
const JSONSuffix = ".json"

// RunReport is everything a run produced.
type RunReport struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Summary    *Aggregation       `json:"summary"`
	Outcomes   []types.JobOutcome `json:"outcomes"`
	Workers    []WorkerStatus     `json:"workers"`
	// Interrupted is set when the run stopped before the queue drained.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Save writes the text report to path and the JSON report next to it.
func (r *RunReport) Save(path string) error {
	var result *multierror.Error
	if err := writeAtomic(path, r.WriteText); err != nil {
		result = multierror.Append(result, err)
	}
	if err := writeAtomic(path+JSONSuffix, r.WriteJSON); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// WriteJSON writes the report as indented JSON.
func (r *RunReport) WriteJSON(w io.Writer) error {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// WriteText writes the human-readable report.
func (r *RunReport) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	s := r.Summary

	fmt.Fprintf(bw, "run %s\n", r.RunID)
	fmt.Fprintf(bw, "started  %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(bw, "finished %s (%s)\n", r.FinishedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Interrupted {
		fmt.Fprintln(bw, "run interrupted before all jobs finished")
	}
	fmt.Fprintf(bw, "jobs: %d total, %d completed, %d failed, %d pending\n\n", s.Total, s.Completed, s.Failed, s.Pending)

	scores := &table{header: []string{"PARAMS", "CLASS", "PRECISION", "RECALL", "F1", "JOBS", "P50", "P95", "MAX"}}
	for _, g := range s.Groups {
		jobs := fmt.Sprintf("%d/%d", g.Completed, g.Total)
		if g.NoData {
			scores.add(displayParams(g.Params), "-", g.Message, "", "", jobs, "", "", "")
			continue
		}
		for i, label := range g.Labels() {
			c := g.Classes[label]
			row := []string{"", label, ratio(c.Precision), ratio(c.Recall), ratio(c.F1), "", "", "", ""}
			if i == 0 {
				row[0] = displayParams(g.Params)
				row[5] = jobs
				row[6] = g.DurationP50.String()
				row[7] = g.DurationP95.String()
				row[8] = g.DurationMax.String()
			}
			scores.add(row...)
		}
	}
	scores.render(bw)

	jobs := &table{header: []string{"STATUS", "JOB", "WORKER", "DURATION", "DETAIL"}}
	for _, o := range r.Outcomes {
		detail := o.Error
		if o.Status == types.JobCompleted && o.Report != nil {
			detail = summarizeReport(o.Report)
		}
		jobs.add(string(o.Status), o.Job.Key(), o.Worker, o.Duration().Round(time.Millisecond).String(), detail)
	}
	fmt.Fprintln(bw)
	jobs.render(bw)

	if len(r.Workers) > 0 {
		workers := &table{header: []string{"WORKER", "STATE", "COMPLETED", "FAILED", "ERROR"}}
		for _, ws := range r.Workers {
			workers.add(ws.Name, string(ws.State), fmt.Sprint(ws.Completed), fmt.Sprint(ws.Failed), ws.Error)
		}
		fmt.Fprintln(bw)
		workers.render(bw)
	}
	return bw.Flush()
}

func displayParams(p string) string {
	if p == "" {
		return "(default)"
	}
	return p
}

func ratio(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func summarizeReport(r *types.ScoreReport) string {
	parts := make([]string, 0, len(r.Classes))
	for _, label := range r.Labels() {
		parts = append(parts, fmt.Sprintf("%s f1=%.4f", label, r.Classes[label].F1))
	}
	return strings.Join(parts, " ")
}

// table aligns columns by display width so wide characters in parameter
// strings or labels do not skew the layout.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for _, row := range append([][]string{t.header}, t.rows...) {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	for _, row := range append([][]string{t.header}, t.rows...) {
		var b strings.Builder
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
			b.WriteString("  ")
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
