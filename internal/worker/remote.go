package worker

import (
	"context"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/crossval/internal/remote"
	"yqhp/crossval/pkg/logger"
	"yqhp/crossval/pkg/types"
)

// cleanupTimeout bounds remote cleanup, which runs even after the job's
// context has been cancelled.
const cleanupTimeout = 30 * time.Second

// RemoteWorker runs jobs on one host through a remote.Connection. Every job
// connects, copies its experiment directory over, runs the helper there,
// removes the copy and disconnects.
type RemoteWorker struct {
	conn   *remote.Connection
	helper string
	phases *PhaseMachine
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewRemoteWorker creates a worker driving conn.
func NewRemoteWorker(conn *remote.Connection, helper string) *RemoteWorker {
	return &RemoteWorker{
		conn:   conn,
		helper: helper,
		phases: NewPhaseMachine(),
		clock:  clockwork.NewRealClock(),
		logger: logger.Named("worker").With(zap.String("worker", conn.Server().String())),
	}
}

// WithClock replaces the clock used for outcome timestamps.
func (w *RemoteWorker) WithClock(clock clockwork.Clock) *RemoteWorker {
	w.clock = clock
	return w
}

// Name implements Worker.
func (w *RemoteWorker) Name() string {
	return w.conn.Server().String()
}

// Phases returns the phase machine, whose history covers the latest job.
func (w *RemoteWorker) Phases() *PhaseMachine {
	return w.phases
}

// RunJob implements Worker.
func (w *RemoteWorker) RunJob(ctx context.Context, job types.Job) (*types.JobOutcome, error) {
	outcome := &types.JobOutcome{Job: job, Worker: w.Name(), StartTime: w.clock.Now()}
	defer func() { outcome.EndTime = w.clock.Now() }()
	w.phases.Reset()
	log := w.logger.With(zap.String("job", job.Key()))

	w.move(PhaseConnecting)
	ran, err := w.conn.EnsureConnected(ctx)
	if err != nil {
		w.move(PhaseDisconnected)
		if ctx.Err() != nil {
			return fail(outcome, types.NewJobError(job.Key(), "interrupted while connecting", ctx.Err())), nil
		}
		return fail(outcome, err), err
	}
	w.move(PhaseConnected)
	if ran {
		w.move(PhaseBootstrapped)
	}

	w.move(PhaseTransferring)
	remoteDir, err := w.conn.Copy(ctx, job.Directory, w.conn.WorkDir())
	if err != nil {
		msg := "transfer experiment directory"
		if ctx.Err() != nil {
			msg = "interrupted during transfer"
		}
		fail(outcome, types.NewJobError(job.Key(), msg, err))
		// the archive may have been partly unpacked
		remoteDir = path.Join(w.conn.WorkDir(), path.Base(job.Directory))
	} else {
		w.move(PhaseExecuting)
		w.execute(ctx, outcome, remoteDir)
	}

	w.move(PhaseCleaning)
	if err := w.cleanup(remoteDir); err != nil {
		log.Warn("remote cleanup failed", zap.Error(err))
	}
	w.move(PhaseDisconnected)

	log.Debug("job finished",
		zap.String("status", string(outcome.Status)),
		zap.Any("phases", w.phases.History()),
	)
	return outcome, nil
}

func (w *RemoteWorker) execute(ctx context.Context, outcome *types.JobOutcome, remoteDir string) {
	job := outcome.Job
	if err := w.conn.WriteFile(ctx, path.Join(remoteDir, ParamsFile), paramsContent(job.Params), 0o644); err != nil {
		fail(outcome, types.NewJobError(job.Key(), "write "+ParamsFile, err))
		return
	}
	res, err := w.conn.Run(ctx, remote.RunInDir(remoteDir, w.helper, helperArgs(job.Params)...))
	if err != nil {
		msg := "run helper"
		if ctx.Err() != nil {
			msg = "helper interrupted"
		}
		fail(outcome, types.NewJobError(job.Key(), msg, err))
		return
	}
	settle(outcome, res.ExitCode, res.Stdout, res.Stderr)
}

// cleanup removes the remote copy and closes the connection. It uses its
// own context so that a cancelled job still leaves the host clean.
func (w *RemoteWorker) cleanup(remoteDir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var result *multierror.Error
	if remoteDir != "" && remoteDir != "." && remoteDir != "/" {
		if err := w.conn.Remove(ctx, remoteDir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := w.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (w *RemoteWorker) move(to Phase) {
	if err := w.phases.Transition(to); err != nil {
		w.logger.Error("phase machine out of step", zap.Error(err))
	}
}

// Close implements Worker.
func (w *RemoteWorker) Close() error {
	return w.conn.Close()
}
