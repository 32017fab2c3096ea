package folds

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"

	"yqhp/crossval/internal/dataset"
)

func syntheticDataset(labels []int) *dataset.Dataset {
	ds := &dataset.Dataset{Name: "synthetic", Format: dataset.FormatSVMLight}
	for i, l := range labels {
		ds.Examples = append(ds.Examples, dataset.Example{
			LineNumber: i + 1,
			ID:         strconv.Itoa(i),
			Label:      strconv.Itoa(l),
			Line:       strconv.Itoa(l) + " 1:1",
		})
	}
	return ds
}

// TestStratifyBalanceProperty checks that fold sizes sum to the dataset size
// and that each class is spread over folds to within one example.
func TestStratifyBalanceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("per-class spread is at most one", prop.ForAll(
		func(labels []int, k int, seed int64) bool {
			if len(labels) == 0 {
				return true
			}
			ds := syntheticDataset(labels)
			a, err := Stratify(ds, k, rand.New(rand.NewSource(seed)))
			if err != nil {
				return false
			}

			total := 0
			for _, s := range a.FoldSizes() {
				total += s
			}
			if total != len(labels) {
				return false
			}
			for _, sizes := range a.ClassFoldSizes(ds) {
				if spread(sizes) > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.IntRange(2, 12),
		gen.Int64(),
	))

	properties.Property("every fold id is in range", prop.ForAll(
		func(labels []int, k int) bool {
			if len(labels) == 0 {
				return true
			}
			a, err := Stratify(syntheticDataset(labels), k, rand.New(rand.NewSource(1)))
			if err != nil {
				return false
			}
			for _, f := range a.Folds {
				if f < 1 || f > k {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 9)),
		gen.IntRange(2, 20),
	))

	properties.TestingRun(t)
}

// TestStratifyDeterministicProperty checks that a seed fully determines the assignment.
func TestStratifyDeterministicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		labels := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 200).Draw(t, "labels")
		k := rapid.IntRange(2, 10).Draw(t, "k")
		seed := rapid.Int64().Draw(t, "seed")

		ds := syntheticDataset(labels)
		a, err := Stratify(ds, k, rand.New(rand.NewSource(seed)))
		if err != nil {
			t.Fatalf("stratify: %v", err)
		}
		b, err := Stratify(ds, k, rand.New(rand.NewSource(seed)))
		if err != nil {
			t.Fatalf("stratify: %v", err)
		}
		for i := range a.Folds {
			if a.Folds[i] != b.Folds[i] {
				t.Fatalf("example %d: fold %d vs %d", i, a.Folds[i], b.Folds[i])
			}
		}
	})
}
