package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// JobStatus is the lifecycle state of a job in the result collector.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AllClasses is the class label used when the helper reports metrics at the top level.
const AllClasses = "all"

var (
	// ErrEmptyOutput is returned when the helper printed nothing on stdout.
	ErrEmptyOutput = errors.New("helper produced no output")
	// ErrNoMetrics is returned when the output holds no precision/recall/f1 fields.
	ErrNoMetrics = errors.New("helper output contains no metrics")
)

// ClassScore holds the metrics of one class label.
type ClassScore struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Add returns the element-wise sum of two scores.
func (c ClassScore) Add(o ClassScore) ClassScore {
	return ClassScore{
		Precision: c.Precision + o.Precision,
		Recall:    c.Recall + o.Recall,
		F1:        c.F1 + o.F1,
	}
}

// Scale returns the score multiplied by f.
func (c ClassScore) Scale(f float64) ClassScore {
	return ClassScore{
		Precision: c.Precision * f,
		Recall:    c.Recall * f,
		F1:        c.F1 * f,
	}
}

// ScoreReport is the parsed stdout of one helper invocation.
type ScoreReport struct {
	Classes map[string]ClassScore `json:"classes"`
}

// Labels returns the class labels in sorted order.
func (r *ScoreReport) Labels() []string {
	labels := make([]string, 0, len(r.Classes))
	for l := range r.Classes {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

var metricKeys = []string{"precision", "recall", "f1"}

// ParseScoreReport parses a helper's JSON output. Metrics may sit at the top
// level or be nested one level per class label. Non-numeric metric values
// such as "ZeroDivisionError" count as 0.
func ParseScoreReport(data []byte) (*ScoreReport, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyOutput
	}

	var raw map[string]interface{}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unparseable helper output: %w", err)
	}

	report := &ScoreReport{Classes: make(map[string]ClassScore)}
	if hasMetrics(raw) {
		report.Classes[AllClasses] = toClassScore(raw)
		return report, nil
	}

	for label, v := range raw {
		nested, ok := v.(map[string]interface{})
		if !ok || !hasMetrics(nested) {
			continue
		}
		report.Classes[label] = toClassScore(nested)
	}
	if len(report.Classes) == 0 {
		return nil, ErrNoMetrics
	}
	return report, nil
}

func hasMetrics(m map[string]interface{}) bool {
	for _, k := range metricKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func toClassScore(m map[string]interface{}) ClassScore {
	return ClassScore{
		Precision: toFloat(m["precision"]),
		Recall:    toFloat(m["recall"]),
		F1:        toFloat(m["f1"]),
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// JobOutcome is the terminal (or pending) record of one job.
type JobOutcome struct {
	Job       Job          `json:"job"`
	Status    JobStatus    `json:"status"`
	Worker    string       `json:"worker,omitempty"`
	Report    *ScoreReport `json:"report,omitempty"`
	Error     string       `json:"error,omitempty"`
	Stderr    string       `json:"stderr,omitempty"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
}

// Duration returns the wall-clock time the job ran.
func (o *JobOutcome) Duration() time.Duration {
	if o.StartTime.IsZero() || o.EndTime.IsZero() {
		return 0
	}
	return o.EndTime.Sub(o.StartTime)
}

// NewFailedOutcome creates a Failed outcome from an error.
func NewFailedOutcome(job Job, worker string, err error) *JobOutcome {
	o := &JobOutcome{Job: job, Status: JobFailed, Worker: worker}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}
