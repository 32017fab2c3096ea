package master

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"yqhp/crossval/pkg/types"
)

// TestAggregateProperties checks the aggregate against a direct computation
// over random mixes of completed and failed jobs.
func TestAggregateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	build := func(scores []float64, failures int) []types.JobOutcome {
		outcomes := make([]types.JobOutcome, 0, len(scores)+failures)
		for i, s := range scores {
			outcomes = append(outcomes, completed(fmt.Sprintf("exp/d_model_%d", i), "-c 1", s, time.Duration(i+1)*time.Millisecond))
		}
		for i := 0; i < failures; i++ {
			outcomes = append(outcomes, failed(fmt.Sprintf("exp/d_model_%d", len(scores)+i), "-c 1"))
		}
		return outcomes
	}

	properties.Property("mean f1 equals the mean of completed jobs", prop.ForAll(
		func(scores []float64, failures int) bool {
			g := Aggregate(build(scores, failures)).Group("-c 1")
			if g == nil {
				return len(scores)+failures == 0
			}
			if len(scores) == 0 {
				return g.NoData && g.Message == NoDataMessage
			}
			var sum float64
			for _, s := range scores {
				sum += s
			}
			return math.Abs(g.Classes["spam"].F1-sum/float64(len(scores))) < 1e-9
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.IntRange(0, 5),
	))

	properties.Property("counts add up to the total", prop.ForAll(
		func(scores []float64, failures int) bool {
			agg := Aggregate(build(scores, failures))
			g := agg.Group("-c 1")
			if g == nil {
				return len(scores)+failures == 0
			}
			return g.Total == len(scores)+failures &&
				g.Completed+g.Failed+g.Pending == g.Total &&
				agg.Total == g.Total
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.IntRange(0, 5),
	))

	properties.Property("mean stays within the score range", prop.ForAll(
		func(scores []float64) bool {
			g := Aggregate(build(scores, 0)).Group("-c 1")
			if g == nil {
				return false
			}
			f1 := g.Classes["spam"].F1
			return f1 >= -1e-9 && f1 <= 1+1e-9
		},
		gen.SliceOfN(10, gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}
