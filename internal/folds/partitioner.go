// Package folds assigns dataset examples to stratified cross-validation
// folds and persists the assignment next to the dataset.
//
// An assignment is computed once per (dataset name, fold count). When the
// side file already exists it is loaded verbatim, so every later run sees
// the same folds regardless of seed.
package folds

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/duke-git/lancet/v2/maputil"
	"go.uber.org/zap"

	"yqhp/crossval/internal/dataset"
	"yqhp/crossval/pkg/logger"
	"yqhp/crossval/pkg/types"
)

// Assignment maps every example (by dataset position) to a fold in [1, NumFolds].
type Assignment struct {
	NumFolds int
	IDs      []string
	Folds    []int
}

// FileName returns the side file name for a dataset and fold count.
func FileName(datasetName string, k int) string {
	return fmt.Sprintf("%s.%d_folds", datasetName, k)
}

// Members returns the dataset positions assigned to fold, in dataset order.
func (a *Assignment) Members(fold int) []int {
	var out []int
	for i, f := range a.Folds {
		if f == fold {
			out = append(out, i)
		}
	}
	return out
}

// FoldSizes returns the number of examples per fold; index 0 is fold 1.
func (a *Assignment) FoldSizes() []int {
	sizes := make([]int, a.NumFolds)
	for _, f := range a.Folds {
		sizes[f-1]++
	}
	return sizes
}

// ClassFoldSizes returns, per class label, the number of examples per fold.
func (a *Assignment) ClassFoldSizes(ds *dataset.Dataset) map[string][]int {
	out := make(map[string][]int)
	for i, ex := range ds.Examples {
		sizes, ok := out[ex.Label]
		if !ok {
			sizes = make([]int, a.NumFolds)
			out[ex.Label] = sizes
		}
		sizes[a.Folds[i]-1]++
	}
	return out
}

// Stratify shuffles each class independently and deals its examples
// round-robin onto folds 1..k. Classes are taken in sorted label order and
// the round-robin counter carries over from one class to the next.
func Stratify(ds *dataset.Dataset, k int, rng *rand.Rand) (*Assignment, error) {
	if k < 2 {
		return nil, types.NewInputError(ds.Path, fmt.Sprintf("fold count must be at least 2, got %d", k), nil)
	}
	if len(ds.Examples) == 0 {
		return nil, types.NewInputError(ds.Path, "dataset has no examples", nil)
	}

	a := &Assignment{
		NumFolds: k,
		IDs:      make([]string, len(ds.Examples)),
		Folds:    make([]int, len(ds.Examples)),
	}
	for i, ex := range ds.Examples {
		a.IDs[i] = ex.ID
	}

	groups := ds.ByLabel()
	labels := maputil.Keys(groups)
	sort.Strings(labels)

	counter := 0
	for _, label := range labels {
		members := append([]int(nil), groups[label]...)
		rng.Shuffle(len(members), func(i, j int) {
			members[i], members[j] = members[j], members[i]
		})
		for _, idx := range members {
			a.Folds[idx] = counter%k + 1
			counter++
		}
	}
	return a, nil
}

// Partitioner produces assignments and owns their side files.
type Partitioner struct {
	seed   int64
	logger *zap.Logger
}

// NewPartitioner creates a partitioner seeded for reproducible first runs.
func NewPartitioner(seed int64) *Partitioner {
	return &Partitioner{
		seed:   seed,
		logger: logger.Named("folds"),
	}
}

// Partition returns the assignment for ds and k, loading the side file if it
// exists and otherwise computing and persisting a new one. The boolean
// reports whether the assignment was loaded.
func (p *Partitioner) Partition(ds *dataset.Dataset, k int) (*Assignment, bool, error) {
	path := filepath.Join(filepath.Dir(ds.Path), FileName(ds.Name, k))

	a, err := ReadFile(path, ds, k)
	if err == nil {
		p.logger.Info("reusing fold assignment", zap.String("path", path), zap.Int("folds", k))
		return a, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	a, err = Stratify(ds, k, rand.New(rand.NewSource(p.seed)))
	if err != nil {
		return nil, false, err
	}

	created, err := WriteFile(path, a)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// lost a race with another writer; its file wins
		a, err = ReadFile(path, ds, k)
		if err != nil {
			return nil, false, err
		}
		return a, true, nil
	}

	p.logger.Info("wrote fold assignment",
		zap.String("path", path),
		zap.Int("folds", k),
		zap.Int("examples", len(a.Folds)),
		zap.Ints("fold_sizes", a.FoldSizes()),
	)
	return a, false, nil
}

// Encode writes the assignment as "<id>\t<fold>" lines in dataset order.
func (a *Assignment) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, id := range a.IDs {
		if _, err := fmt.Fprintf(bw, "%s\t%d\n", id, a.Folds[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile persists the assignment without ever replacing an existing file.
// It reports false when path already existed.
func WriteFile(path string, a *Assignment) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return false, types.NewInputError(path, "cannot create fold assignment", err)
	}
	defer os.Remove(tmp.Name())

	err = a.Encode(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, types.NewInputError(path, "cannot write fold assignment", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, types.NewInputError(path, "cannot publish fold assignment", err)
	}
	return true, nil
}

// ReadFile loads and validates an assignment against ds. A missing file is
// reported with an error wrapping os.ErrNotExist.
func ReadFile(path string, ds *dataset.Dataset, k int) (*Assignment, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, types.NewInputError(path, "cannot open fold assignment", err)
	}
	defer f.Close()

	a, err := Decode(f, k)
	if err != nil {
		return nil, types.NewInputError(path, "invalid fold assignment", err)
	}
	if err := a.Check(ds); err != nil {
		return nil, types.NewInputError(path, "fold assignment does not match dataset", err)
	}
	return a, nil
}

// Decode parses "<id>\t<fold>" lines.
func Decode(r io.Reader, k int) (*Assignment, error) {
	a := &Assignment{NumFolds: k}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"<id>\\t<fold>\", got %q", lineNo, line)
		}
		fold, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad fold %q", lineNo, fields[1])
		}
		if fold < 1 || fold > k {
			return nil, fmt.Errorf("line %d: fold %d outside [1, %d]", lineNo, fold, k)
		}
		a.IDs = append(a.IDs, fields[0])
		a.Folds = append(a.Folds, fold)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// Check verifies that the assignment covers exactly the dataset's examples.
func (a *Assignment) Check(ds *dataset.Dataset) error {
	if len(a.IDs) != len(ds.Examples) {
		return fmt.Errorf("assignment has %d entries, dataset has %d examples", len(a.IDs), len(ds.Examples))
	}
	for i, ex := range ds.Examples {
		if a.IDs[i] != ex.ID {
			return fmt.Errorf("entry %d has id %q, dataset line %d has id %q", i+1, a.IDs[i], ex.LineNumber, ex.ID)
		}
	}
	return nil
}
