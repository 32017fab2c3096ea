package master

import (
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/duke-git/lancet/v2/maputil"

	"yqhp/crossval/pkg/types"
)

// NoDataMessage is reported for a parameter string none of whose jobs completed.
const NoDataMessage = "no completed experiments for this configuration"

// histogram bounds in milliseconds: 1ms to one day, 3 significant figures.
const (
	histMinMillis = 1
	histMaxMillis = int64(24 * time.Hour / time.Millisecond)
	histSigFigs   = 3
)

// ParamSummary is the aggregate of every job run with one parameter string.
type ParamSummary struct {
	Params    string `json:"params"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`

	NoData  bool   `json:"no_data"`
	Message string `json:"message,omitempty"`
	// Classes holds per-class metrics averaged over the completed jobs.
	Classes map[string]types.ClassScore `json:"classes,omitempty"`

	DurationP50 time.Duration `json:"duration_p50"`
	DurationP95 time.Duration `json:"duration_p95"`
	DurationMax time.Duration `json:"duration_max"`
}

// Labels returns the class labels in sorted order.
func (s *ParamSummary) Labels() []string {
	labels := maputil.Keys(s.Classes)
	sort.Strings(labels)
	return labels
}

// Aggregation is the result of a run grouped by parameter string.
type Aggregation struct {
	Groups    []*ParamSummary `json:"groups"`
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Pending   int             `json:"pending"`
}

// Aggregate groups outcomes by parameter string and averages the per-class
// metrics of completed jobs. Failed and pending jobs count toward the group
// totals only. Groups are ordered by parameter string.
func Aggregate(outcomes []types.JobOutcome) *Aggregation {
	type acc struct {
		summary *ParamSummary
		sums    map[string]types.ClassScore
		hist    *hdrhistogram.Histogram
	}
	groups := make(map[string]*acc)
	agg := &Aggregation{}

	for i := range outcomes {
		o := &outcomes[i]
		g, ok := groups[o.Job.Params]
		if !ok {
			g = &acc{
				summary: &ParamSummary{Params: o.Job.Params},
				sums:    make(map[string]types.ClassScore),
				hist:    hdrhistogram.New(histMinMillis, histMaxMillis, histSigFigs),
			}
			groups[o.Job.Params] = g
		}

		g.summary.Total++
		agg.Total++
		switch o.Status {
		case types.JobCompleted:
			g.summary.Completed++
			agg.Completed++
			if o.Report != nil {
				for label, score := range o.Report.Classes {
					g.sums[label] = g.sums[label].Add(score)
				}
			}
		case types.JobFailed:
			g.summary.Failed++
			agg.Failed++
		default:
			g.summary.Pending++
			agg.Pending++
		}

		if d := o.Duration(); d > 0 {
			_ = g.hist.RecordValue(clampMillis(d))
		}
	}

	params := maputil.Keys(groups)
	sort.Strings(params)
	for _, p := range params {
		g := groups[p]
		s := g.summary
		if s.Completed == 0 {
			s.NoData = true
			s.Message = NoDataMessage
		} else {
			s.Classes = make(map[string]types.ClassScore, len(g.sums))
			for label, sum := range g.sums {
				s.Classes[label] = sum.Scale(1 / float64(s.Completed))
			}
		}
		if g.hist.TotalCount() > 0 {
			s.DurationP50 = millis(g.hist.ValueAtQuantile(50))
			s.DurationP95 = millis(g.hist.ValueAtQuantile(95))
			s.DurationMax = millis(g.hist.Max())
		}
		agg.Groups = append(agg.Groups, s)
	}
	return agg
}

// Group returns the summary for params, or nil.
func (a *Aggregation) Group(params string) *ParamSummary {
	for _, g := range a.Groups {
		if g.Params == params {
			return g
		}
	}
	return nil
}

func clampMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < histMinMillis {
		return histMinMillis
	}
	if ms > histMaxMillis {
		return histMaxMillis
	}
	return ms
}

func millis(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
