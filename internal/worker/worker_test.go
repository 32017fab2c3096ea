package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/crossval/internal/remote"
	"yqhp/crossval/internal/remote/remotetest"
	"yqhp/crossval/pkg/types"
)

func experimentDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "toy_model_1_2")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train"), []byte("+1 1:1\n-1 1:2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test"), []byte("+1 1:3\n"), 0o644))
	return dir
}

func writeHelper(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "train_and_test")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func TestPhaseMachine(t *testing.T) {
	m := NewPhaseMachine()
	for _, p := range []Phase{PhaseConnecting, PhaseConnected, PhaseBootstrapped, PhaseTransferring, PhaseExecuting, PhaseCleaning, PhaseDisconnected} {
		require.NoError(t, m.Transition(p))
	}
	assert.Len(t, m.History(), 8)

	m.Reset()
	assert.Equal(t, []Phase{PhaseDisconnected}, m.History())
	assert.Error(t, m.Transition(PhaseExecuting))
	assert.Equal(t, PhaseDisconnected, m.Current())

	require.NoError(t, m.Transition(PhaseConnecting))
	assert.Error(t, m.Transition(PhaseBootstrapped))
}

func TestSettle(t *testing.T) {
	o := &types.JobOutcome{}
	settle(o, 0, []byte(`{"f1": 0.5, "precision": 0.5, "recall": 0.5}`), nil)
	assert.Equal(t, types.JobCompleted, o.Status)
	require.NotNil(t, o.Report)

	o = &types.JobOutcome{}
	settle(o, 2, nil, []byte("Traceback\nValueError: bad input\n"))
	assert.Equal(t, types.JobFailed, o.Status)
	assert.Equal(t, "helper exited with status 2: ValueError: bad input", o.Error)
	assert.Contains(t, o.Stderr, "Traceback")

	o = &types.JobOutcome{}
	settle(o, 0, []byte("  \n"), nil)
	assert.Equal(t, types.JobFailed, o.Status)
	assert.Nil(t, o.Report)

	o = &types.JobOutcome{}
	settle(o, 0, nil, []byte("warning: scaling\nsvm_learn: not found\n"))
	assert.Equal(t, types.JobFailed, o.Status)
	assert.True(t, strings.HasSuffix(o.Error, ": svm_learn: not found"), o.Error)
}

func TestLocalWorkerPassesParams(t *testing.T) {
	dir := experimentDir(t)
	helper := writeHelper(t, `test -f train || exit 3
printf '{"%s": {"precision": 1, "recall": 0.5, "f1": 0.75}}' "$1"
`)
	w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost}, helper)

	job := types.NewJob(dir, "-c  1 -t 0")
	outcome, err := w.RunJob(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, outcome.Status, outcome.Error)
	assert.Equal(t, job, outcome.Job)
	assert.Equal(t, "localhost:", outcome.Worker)

	score, ok := outcome.Report.Classes["-c 1 -t 0"]
	require.True(t, ok, "params arrive as one argument")
	assert.InDelta(t, 0.75, score.F1, 1e-9)
	assert.False(t, outcome.EndTime.Before(outcome.StartTime))
}

func TestLocalWorkerInPlace(t *testing.T) {
	dir := experimentDir(t)
	helper := writeHelper(t, `touch model
echo '{"f1": 1, "precision": 1, "recall": 1}'
`)
	w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost}, helper)

	outcome, err := w.RunJob(context.Background(), types.NewJob(dir, ""))
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, outcome.Status, outcome.Error)
	assert.FileExists(t, filepath.Join(dir, "model"))
	assert.NoFileExists(t, filepath.Join(dir, ParamsFile))
}

func TestLocalWorkerParamsFile(t *testing.T) {
	helper := writeHelper(t, `params=$(cat svm_params) || exit 3
printf '{"%s": {"precision": 1, "recall": 1, "f1": 1}}' "$params"
`)

	for _, scratch := range []string{"", filepath.Join(t.TempDir(), "scratch")} {
		w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost, Directory: scratch}, helper)
		for _, params := range []string{"-c 1", "-c 100"} {
			dir := experimentDir(t)
			outcome, err := w.RunJob(context.Background(), types.NewJob(dir, params))
			require.NoError(t, err)
			require.Equal(t, types.JobCompleted, outcome.Status, outcome.Error)
			assert.Contains(t, outcome.Report.Classes, params, "scratch=%q", scratch)
			assert.NoFileExists(t, filepath.Join(dir, ParamsFile), "source directory stays untouched")
		}
	}
}

func TestLocalWorkerScratchCopy(t *testing.T) {
	dir := experimentDir(t)
	scratchRoot := filepath.Join(t.TempDir(), "scratch")
	helper := writeHelper(t, `test -f train || exit 3
touch model
echo '{"f1": 1, "precision": 1, "recall": 1}'
`)
	w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost, Directory: scratchRoot}, helper)

	outcome, err := w.RunJob(context.Background(), types.NewJob(dir, ""))
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, outcome.Status, outcome.Error)

	_, err = os.Stat(filepath.Join(dir, "model"))
	assert.True(t, os.IsNotExist(err), "helper must not write into the source directory")

	entries, err := os.ReadDir(scratchRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalWorkerFailures(t *testing.T) {
	dir := experimentDir(t)

	t.Run("non-zero exit", func(t *testing.T) {
		w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost}, writeHelper(t, "echo oops >&2\nexit 3\n"))
		outcome, err := w.RunJob(context.Background(), types.NewJob(dir, ""))
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, outcome.Status)
		assert.Contains(t, outcome.Error, "status 3")
		assert.Equal(t, "oops", outcome.Stderr)
	})

	t.Run("unparseable output", func(t *testing.T) {
		w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost}, writeHelper(t, "echo not json\n"))
		outcome, err := w.RunJob(context.Background(), types.NewJob(dir, ""))
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, outcome.Status)
		assert.Contains(t, outcome.Error, "unparseable")
	})

	t.Run("missing helper is fatal", func(t *testing.T) {
		w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost}, filepath.Join(t.TempDir(), "absent"))
		outcome, err := w.RunJob(context.Background(), types.NewJob(dir, ""))
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.KindSetup))
		assert.Equal(t, types.JobFailed, outcome.Status)
	})

	t.Run("missing experiment directory", func(t *testing.T) {
		scratch := filepath.Join(t.TempDir(), "scratch")
		w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost, Directory: scratch}, writeHelper(t, "exit 0\n"))
		outcome, err := w.RunJob(context.Background(), types.NewJob(filepath.Join(dir, "gone"), ""))
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, outcome.Status)
	})
}

func TestLocalWorkerCancelled(t *testing.T) {
	dir := experimentDir(t)
	w := NewLocalWorker(types.ServerSpec{Host: types.LocalHost}, writeHelper(t, "exec sleep 5\n"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome, err := w.RunJob(ctx, types.NewJob(dir, ""))
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "interrupted")
}

func newRemoteWorker(t *testing.T, host *remotetest.Host) *RemoteWorker {
	t.Helper()
	helper := writeHelper(t, "exit 0\n")
	w := New(types.ServerSpec{Host: "bob@node2", Directory: "cv"}, Settings{
		Dialer: host,
		Remote: remote.Options{
			ConnectAttempts:       1,
			BinDir:                "bin",
			ClassifierURL:         "http://example.invalid/c.tar.gz",
			ClassifierExecutables: []string{"svm_learn", "svm_classify"},
			HelperName:            "train_and_test",
			HelperPath:            helper,
		},
		Clock: clockwork.NewFakeClock(),
	})
	rw, ok := w.(*RemoteWorker)
	require.True(t, ok)
	return rw
}

func scoringHelper(call remotetest.HelperCall) (string, string, int) {
	hasTrain := false
	for _, f := range call.Files {
		if f == "train" {
			hasTrain = true
		}
	}
	if !hasTrain {
		return "", "train: No such file", 2
	}
	label := "all"
	if len(call.Args) == 1 {
		label = call.Args[0]
	}
	return fmt.Sprintf(`{"%s": {"precision": 0.5, "recall": 0.5, "f1": 0.5}}`, label), "", 0
}

func TestRemoteWorkerRunJob(t *testing.T) {
	host := remotetest.NewHost("/home/bob")
	var seen remotetest.HelperCall
	host.Helper = func(call remotetest.HelperCall) (string, string, int) {
		seen = call
		return scoringHelper(call)
	}
	w := newRemoteWorker(t, host)
	ctx := context.Background()

	dir := experimentDir(t)
	job := types.NewJob(dir, "-c 10")
	outcome, err := w.RunJob(ctx, job)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, outcome.Status, outcome.Error)
	assert.Equal(t, "bob@node2:cv", outcome.Worker)
	assert.Contains(t, outcome.Report.Classes, "-c 10")
	assert.Equal(t, "-c 10\n", seen.Content[ParamsFile])

	assert.Equal(t, []Phase{
		PhaseDisconnected, PhaseConnecting, PhaseConnected, PhaseBootstrapped,
		PhaseTransferring, PhaseExecuting, PhaseCleaning, PhaseDisconnected,
	}, w.Phases().History())

	// remote copy removed, connection torn down
	assert.Empty(t, host.List("/home/bob/cv"))
	assert.Equal(t, 1, host.Closes)

	// second job reconnects without bootstrapping again
	outcome, err = w.RunJob(ctx, types.NewJob(dir, ""))
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, outcome.Status)
	assert.NotContains(t, w.Phases().History(), PhaseBootstrapped)
	assert.Contains(t, seen.Files, ParamsFile)
	assert.Empty(t, seen.Content[ParamsFile])
	assert.Equal(t, 2, host.Dials)
	assert.Equal(t, 1, host.CountCommands("pwd"))
	assert.Equal(t, 2, host.Closes)
}

func TestRemoteWorkerJobFailureCleansUp(t *testing.T) {
	host := remotetest.NewHost("/home/bob")
	host.Helper = func(remotetest.HelperCall) (string, string, int) {
		return "", "Traceback (most recent call last)\nZeroDivisionError", 1
	}
	w := newRemoteWorker(t, host)

	outcome, err := w.RunJob(context.Background(), types.NewJob(experimentDir(t), ""))
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "ZeroDivisionError")
	assert.Empty(t, host.List("/home/bob/cv"))
	assert.Equal(t, PhaseDisconnected, w.Phases().Current())
}

func TestRemoteWorkerTransportDropDuringExecute(t *testing.T) {
	host := remotetest.NewHost("/home/bob")
	host.Helper = scoringHelper
	host.DropOn = "cd "
	w := newRemoteWorker(t, host)

	outcome, err := w.RunJob(context.Background(), types.NewJob(experimentDir(t), ""))
	require.NoError(t, err, "a dropped session fails the job, not the worker")
	assert.Equal(t, types.JobFailed, outcome.Status)

	// cleanup reconnected to remove the copy
	assert.Empty(t, host.List("/home/bob/cv"))
	assert.Equal(t, 2, host.Dials)
}

func TestRemoteWorkerBootstrapFailureIsFatal(t *testing.T) {
	host := remotetest.NewHost("/home/bob")
	host.FailInstall = true
	w := newRemoteWorker(t, host)

	outcome, err := w.RunJob(context.Background(), types.NewJob(experimentDir(t), ""))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindSetup))
	assert.Equal(t, types.JobFailed, outcome.Status)
	assert.Equal(t, []Phase{PhaseDisconnected, PhaseConnecting, PhaseDisconnected}, w.Phases().History())
	assert.Zero(t, host.Uploads)
}

func TestRemoteWorkerUnreachableIsFatal(t *testing.T) {
	host := remotetest.NewHost("/home/bob")
	host.FailDials = 1
	w := newRemoteWorker(t, host)

	_, err := w.RunJob(context.Background(), types.NewJob(experimentDir(t), ""))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport))
	assert.True(t, strings.Contains(err.Error(), "bob@node2"))
}

func TestNewPicksBackend(t *testing.T) {
	local := New(types.ServerSpec{Host: types.LocalHost}, Settings{LocalHelper: "train_and_test"})
	_, ok := local.(*LocalWorker)
	assert.True(t, ok)
	assert.NoError(t, local.Close())
}
