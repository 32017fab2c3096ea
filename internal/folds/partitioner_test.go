package folds

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/crossval/internal/dataset"
	"yqhp/crossval/pkg/types"
)

// writeDataset writes an svmlight dataset with the given labels and loads it.
func writeDataset(t *testing.T, dir, name string, labels []string) *dataset.Dataset {
	t.Helper()
	var b strings.Builder
	for i, l := range labels {
		fmt.Fprintf(&b, "%s %d:1\n", l, i+1)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))

	ds, err := dataset.Load(path, dataset.Options{Format: dataset.FormatSVMLight})
	require.NoError(t, err)
	return ds
}

func spread(sizes []int) int {
	lo, hi := sizes[0], sizes[0]
	for _, s := range sizes {
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return hi - lo
}

func TestStratifyBalanced(t *testing.T) {
	labels := make([]string, 0, 10)
	for i := 0; i < 5; i++ {
		labels = append(labels, "+1", "-1")
	}
	ds := writeDataset(t, t.TempDir(), "toy", labels)

	a, err := Stratify(ds, 5, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 2, 2, 2}, a.FoldSizes())
	for label, sizes := range a.ClassFoldSizes(ds) {
		assert.Equal(t, []int{1, 1, 1, 1, 1}, sizes, label)
	}
}

func TestStratifyCounterCarriesAcrossClasses(t *testing.T) {
	ds := writeDataset(t, t.TempDir(), "skew", []string{"a", "a", "a", "b", "b", "b"})

	a, err := Stratify(ds, 5, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	// class a gets folds 1..3, class b continues with 4, 5, 1
	assert.Equal(t, []int{2, 1, 1, 1, 1}, a.FoldSizes())
}

func TestStratifyRejectsSmallK(t *testing.T) {
	ds := writeDataset(t, t.TempDir(), "toy", []string{"a", "b"})
	_, err := Stratify(ds, 1, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInput))
}

func TestPartitionReproducible(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, "toy", []string{"a", "b", "a", "b", "c", "a", "b", "c", "a"})

	first, loaded, err := NewPartitioner(1).Partition(ds, 3)
	require.NoError(t, err)
	assert.False(t, loaded)

	path := filepath.Join(dir, "toy.3_folds")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// a different seed must not matter once the side file exists
	second, loaded, err := NewPartitioner(99).Partition(ds, 3)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, first.Folds, second.Folds)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPartitionFileFormat(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, "toy", []string{"a", "b", "a", "b"})

	a, _, err := NewPartitioner(3).Partition(ds, 2)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, FileName("toy", 2)))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("%d\t%d", i, a.Folds[i]), line)
	}
}

func TestPartitionRejectsMismatchedFile(t *testing.T) {
	dir := t.TempDir()
	ds := writeDataset(t, dir, "toy", []string{"a", "b", "a"})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "toy.2_folds"), []byte("0\t1\n1\t2\n"), 0644))
	_, _, err := NewPartitioner(1).Partition(ds, 2)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInput))
	assert.Contains(t, err.Error(), "3 examples")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "toy.2_folds"), []byte("0\t1\n1\t3\n2\t1\n"), 0644))
	_, _, err = NewPartitioner(1).Partition(ds, 2)
	assert.ErrorContains(t, err, "outside [1, 2]")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "toy.2_folds"), []byte("0\t1\nx\t2\n2\t1\n"), 0644))
	_, _, err = NewPartitioner(1).Partition(ds, 2)
	assert.ErrorContains(t, err, `id "x"`)
}

func TestWriteFileNeverReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toy.2_folds")
	require.NoError(t, os.WriteFile(path, []byte("keep\t1\n"), 0644))

	created, err := WriteFile(path, &Assignment{NumFolds: 2, IDs: []string{"0"}, Folds: []int{2}})
	require.NoError(t, err)
	assert.False(t, created)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep\t1\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be removed")
}

func TestMembers(t *testing.T) {
	a := &Assignment{NumFolds: 2, IDs: []string{"0", "1", "2"}, Folds: []int{2, 1, 2}}
	assert.Equal(t, []int{0, 2}, a.Members(2))
	assert.Equal(t, []int{1}, a.Members(1))
}
