package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/crossval/internal/archive"
	"yqhp/crossval/pkg/logger"
	"yqhp/crossval/pkg/types"
)

// waitDelay bounds how long a killed helper's children may hold its output open.
const waitDelay = 5 * time.Second

// LocalWorker runs the helper as a child process on this machine.
type LocalWorker struct {
	name   string
	dir    string
	helper string
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewLocalWorker creates a worker for a localhost server line. When the line
// names a directory each job runs in a private copy under it. Otherwise jobs
// with parameters get a private copy under the system temp directory and
// jobs without run in place.
func NewLocalWorker(spec types.ServerSpec, helper string) *LocalWorker {
	return &LocalWorker{
		name:   spec.String(),
		dir:    expandHome(spec.Directory),
		helper: helper,
		clock:  clockwork.NewRealClock(),
		logger: logger.Named("worker").With(zap.String("worker", spec.String())),
	}
}

// WithClock replaces the clock used for outcome timestamps.
func (w *LocalWorker) WithClock(clock clockwork.Clock) *LocalWorker {
	w.clock = clock
	return w
}

// Name implements Worker.
func (w *LocalWorker) Name() string {
	return w.name
}

// RunJob implements Worker.
func (w *LocalWorker) RunJob(ctx context.Context, job types.Job) (*types.JobOutcome, error) {
	outcome := &types.JobOutcome{Job: job, Worker: w.name, StartTime: w.clock.Now()}
	defer func() { outcome.EndTime = w.clock.Now() }()

	workDir := job.Directory
	if w.dir != "" || job.Params != "" {
		base := w.dir
		if base == "" {
			base = os.TempDir()
		}
		if err := os.MkdirAll(base, 0o755); err != nil {
			err = types.NewSetupError(w.name, "create working directory "+base, err)
			return fail(outcome, err), err
		}
		scratch, err := os.MkdirTemp(base, "run-"+uuid.NewString()[:8]+"-")
		if err != nil {
			err = types.NewSetupError(w.name, "create scratch directory", err)
			return fail(outcome, err), err
		}
		defer func() {
			if err := os.RemoveAll(scratch); err != nil {
				w.logger.Warn("remove scratch directory", zap.String("path", scratch), zap.Error(err))
			}
		}()

		copied, err := archive.CopyDir(ctx, job.Directory, scratch)
		if err != nil {
			return fail(outcome, types.NewJobError(job.Key(), "copy experiment directory", err)), nil
		}
		workDir = copied
		if err := os.WriteFile(filepath.Join(workDir, ParamsFile), paramsContent(job.Params), 0o644); err != nil {
			return fail(outcome, types.NewJobError(job.Key(), "write "+ParamsFile, err)), nil
		}
	}

	cmd := exec.CommandContext(ctx, w.helper, helperArgs(job.Params)...)
	cmd.Dir = workDir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	w.logger.Debug("running helper",
		zap.String("job", job.Key()),
		zap.String("dir", workDir),
	)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			outcome.Stderr = strings.TrimSpace(stderr.String())
			return fail(outcome, types.NewJobError(job.Key(), "helper interrupted", ctx.Err())), nil
		case errors.As(err, &exitErr):
			settle(outcome, exitErr.ExitCode(), stdout.Bytes(), stderr.Bytes())
			return outcome, nil
		default:
			err = types.NewSetupError(w.name, fmt.Sprintf("start helper %q", w.helper), err)
			return fail(outcome, err), err
		}
	}
	settle(outcome, 0, stdout.Bytes(), stderr.Bytes())
	return outcome, nil
}

// Close implements Worker.
func (w *LocalWorker) Close() error {
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
}
