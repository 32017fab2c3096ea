// Package matrix materializes every train/test combination of a fold
// assignment as a self-contained experiment directory.
package matrix

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"yqhp/crossval/internal/dataset"
	"yqhp/crossval/internal/folds"
	"yqhp/crossval/pkg/logger"
	"yqhp/crossval/pkg/types"
)

// Artifact file names inside an experiment directory.
const (
	TrainFile      = "train"
	TestFile       = "test"
	ARFFTrainFile  = "train.arff"
	ARFFTestFile   = "test.arff"
	ARFFHeaderFile = "header.arff"
)

var dirPattern = regexp.MustCompile(`_model((?:_\d+)+)$`)

// DirName returns the directory name for a training-fold set.
func DirName(datasetName string, trainFolds []int) string {
	ids := make([]string, len(trainFolds))
	for i, f := range trainFolds {
		ids[i] = strconv.Itoa(f)
	}
	return datasetName + "_model_" + strings.Join(ids, "_")
}

// ParseDirName extracts the training folds from a directory name.
func ParseDirName(name string) ([]int, bool) {
	m := dirPattern.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	var out []int
	for _, s := range strings.Split(strings.TrimPrefix(m[1], "_"), "_") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// FoldRange returns [1..k].
func FoldRange(k int) []int {
	out := make([]int, k)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// Builder writes experiment directories under a root directory.
type Builder struct {
	root   string
	logger *zap.Logger
}

// NewBuilder creates a builder writing into root.
func NewBuilder(root string) *Builder {
	return &Builder{
		root:   root,
		logger: logger.Named("matrix"),
	}
}

// BuildResult reports what a Build call did.
type BuildResult struct {
	Directories []types.ExperimentDirectory
	Created     int
	Skipped     int
}

// Build materializes all C(k, t) combinations for a and ds with t test folds.
// Existing directories are left untouched.
func (b *Builder) Build(ds *dataset.Dataset, a *folds.Assignment, t int) (*BuildResult, error) {
	k := a.NumFolds
	if t < 1 || t >= k {
		return nil, types.NewUsageError(fmt.Sprintf("test folds must satisfy 1 <= t < %d, got %d", k, t), nil)
	}
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return nil, types.NewInputError(b.root, "cannot create experiment root", err)
	}

	shards, err := b.writeShards(ds, a)
	defer func() {
		if rerr := removeAll(shards); rerr != nil {
			b.logger.Warn("failed to remove fold shards", zap.Error(rerr))
		}
	}()
	if err != nil {
		return nil, err
	}

	res := &BuildResult{}
	all := FoldRange(k)
	for _, train := range Combinations(k, k-t) {
		dir := b.describe(ds, train, slice.Difference(all, train))

		created, err := b.materialize(ds, dir, shards)
		if err != nil {
			return nil, err
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
			b.logger.Debug("experiment directory exists", zap.String("path", dir.Path))
		}
		res.Directories = append(res.Directories, dir)
	}

	b.logger.Info("experiment matrix ready",
		zap.String("root", b.root),
		zap.Int("folds", k),
		zap.Int("test_folds", t),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (b *Builder) describe(ds *dataset.Dataset, train, test []int) types.ExperimentDirectory {
	path := filepath.Join(b.root, DirName(ds.Name, train))
	dir := types.ExperimentDirectory{
		Path:       path,
		TrainFolds: train,
		TestFolds:  test,
		TrainFile:  filepath.Join(path, TrainFile),
		TestFile:   filepath.Join(path, TestFile),
	}
	if ds.Format == dataset.FormatARFF {
		dir.TrainFile = filepath.Join(path, ARFFTrainFile)
		dir.TestFile = filepath.Join(path, ARFFTestFile)
		dir.HeaderFile = filepath.Join(path, ARFFHeaderFile)
	}
	return dir
}

// shardPath returns the scratch file holding fold's rows.
func (b *Builder) shardPath(ds *dataset.Dataset, fold int) string {
	return filepath.Join(b.root, fmt.Sprintf("%s.fold_%d", ds.Name, fold))
}

func (b *Builder) writeShards(ds *dataset.Dataset, a *folds.Assignment) (map[int]string, error) {
	shards := make(map[int]string, a.NumFolds)
	for fold := 1; fold <= a.NumFolds; fold++ {
		path := b.shardPath(ds, fold)
		shards[fold] = path

		lines := make([]string, 0)
		for _, idx := range a.Members(fold) {
			lines = append(lines, ds.Examples[idx].Line)
		}
		if err := writeLines(path, nil, [][]string{lines}); err != nil {
			return shards, types.NewInputError(path, "cannot write fold shard", err)
		}
	}
	return shards, nil
}

// materialize assembles dir in a temporary sibling and renames it into place.
// It reports false when the directory already existed.
func (b *Builder) materialize(ds *dataset.Dataset, dir types.ExperimentDirectory, shards map[int]string) (bool, error) {
	if _, err := os.Stat(dir.Path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, types.NewInputError(dir.Path, "cannot stat experiment directory", err)
	}

	tmp := filepath.Join(b.root, "."+filepath.Base(dir.Path)+".tmp-"+uuid.NewString()[:8])
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return false, types.NewInputError(tmp, "cannot create experiment directory", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmp)
		}
	}()

	var header []string
	if dir.HeaderFile != "" {
		header = ds.Header
		if err := writeLines(filepath.Join(tmp, filepath.Base(dir.HeaderFile)), header, nil); err != nil {
			return false, types.NewInputError(dir.HeaderFile, "cannot write header", err)
		}
	}
	if err := concatShards(filepath.Join(tmp, filepath.Base(dir.TrainFile)), header, shards, dir.TrainFolds); err != nil {
		return false, types.NewInputError(dir.TrainFile, "cannot write training set", err)
	}
	if err := concatShards(filepath.Join(tmp, filepath.Base(dir.TestFile)), header, shards, dir.TestFolds); err != nil {
		return false, types.NewInputError(dir.TestFile, "cannot write test set", err)
	}

	if err := os.Rename(tmp, dir.Path); err != nil {
		if isExist(err) {
			// another builder won the race
			return false, nil
		}
		return false, types.NewInputError(dir.Path, "cannot publish experiment directory", err)
	}
	cleanup = false
	return true, nil
}

// isExist matches both errors rename(2) reports for a non-empty target directory.
func isExist(err error) bool {
	return errors.Is(err, os.ErrExist) || errors.Is(err, syscall.ENOTEMPTY)
}

func concatShards(path string, header []string, shards map[int]string, foldIDs []int) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)

	err = func() error {
		for _, h := range header {
			if _, err := w.WriteString(h + "\n"); err != nil {
				return err
			}
		}
		for _, fold := range foldIDs {
			data, err := os.ReadFile(shards[fold])
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func writeLines(path string, header []string, groups [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, h := range header {
		w.WriteString(h)
		w.WriteByte('\n')
	}
	for _, g := range groups {
		for _, l := range g {
			w.WriteString(l)
			w.WriteByte('\n')
		}
	}
	err = w.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func removeAll(paths map[int]string) error {
	var result *multierror.Error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Discover lists the experiment directories under root, sorted by name.
// Directories are grouped by the dataset name before "_model"; each group's
// fold count is the largest fold id seen in its directory names.
func Discover(root string) ([]types.ExperimentDirectory, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, types.NewInputError(root, "cannot read experiment root", err)
	}

	type found struct {
		name    string
		dataset string
		train   []int
	}
	var dirs []found
	k := make(map[string]int)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		train, ok := ParseDirName(e.Name())
		if !ok {
			continue
		}
		dataset := e.Name()[:dirPattern.FindStringIndex(e.Name())[0]]
		for _, f := range train {
			k[dataset] = max(k[dataset], f)
		}
		dirs = append(dirs, found{name: e.Name(), dataset: dataset, train: train})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].name < dirs[j].name })

	out := make([]types.ExperimentDirectory, 0, len(dirs))
	for _, d := range dirs {
		all := FoldRange(k[d.dataset])
		path := filepath.Join(root, d.name)
		dir := types.ExperimentDirectory{
			Path:       path,
			TrainFolds: d.train,
			TestFolds:  slice.Difference(all, d.train),
			TrainFile:  filepath.Join(path, TrainFile),
			TestFile:   filepath.Join(path, TestFile),
		}
		if _, err := os.Stat(filepath.Join(path, ARFFTrainFile)); err == nil {
			dir.TrainFile = filepath.Join(path, ARFFTrainFile)
			dir.TestFile = filepath.Join(path, ARFFTestFile)
			dir.HeaderFile = filepath.Join(path, ARFFHeaderFile)
		}
		out = append(out, dir)
	}
	return out, nil
}
