// Package worker runs single cross-validation jobs against one compute
// backend: the local machine or a remote host reached over SSH.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"yqhp/crossval/internal/remote"
	"yqhp/crossval/pkg/types"
)

// Worker executes jobs one at a time.
type Worker interface {
	// Name identifies the worker in logs and outcomes.
	Name() string
	// RunJob runs one job. The outcome is always non-nil. A non-nil error
	// means the worker's environment is broken and it must not be given
	// further jobs.
	RunJob(ctx context.Context, job types.Job) (*types.JobOutcome, error)
	Close() error
}

// Settings carries what New needs to build either kind of worker.
type Settings struct {
	// LocalHelper is the helper command for localhost workers.
	LocalHelper string
	Remote      remote.Options
	Dialer      remote.Dialer
	Clock       clockwork.Clock
}

// New returns a LocalWorker for localhost server lines and a RemoteWorker
// for everything else.
func New(spec types.ServerSpec, s Settings) Worker {
	clock := s.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if spec.IsLocal() {
		return NewLocalWorker(spec, s.LocalHelper).WithClock(clock)
	}
	conn := remote.NewConnection(spec, s.Dialer, s.Remote)
	return NewRemoteWorker(conn, s.Remote.HelperName).WithClock(clock)
}

// ParamsFile is written into each job's private working copy with the job's
// parameter string, for helpers that read their parameters from a file.
const ParamsFile = "svm_params"

func paramsContent(params string) []byte {
	if params == "" {
		return nil
	}
	return []byte(params + "\n")
}

// helperArgs passes the parameter string as one argument, or nothing when empty.
func helperArgs(params string) []string {
	if params == "" {
		return nil
	}
	return []string{params}
}

// settle turns the helper's exit status and output into a terminal outcome.
func settle(o *types.JobOutcome, exitCode int, stdout, stderr []byte) {
	o.Stderr = strings.TrimSpace(string(stderr))
	if exitCode != 0 {
		o.Status = types.JobFailed
		o.Error = fmt.Sprintf("helper exited with status %d", exitCode)
		if o.Stderr != "" {
			o.Error += ": " + lastLine(o.Stderr)
		}
		return
	}
	report, err := types.ParseScoreReport(stdout)
	if err != nil {
		o.Status = types.JobFailed
		o.Error = err.Error()
		if o.Stderr != "" {
			o.Error += ": " + lastLine(o.Stderr)
		}
		return
	}
	o.Status = types.JobCompleted
	o.Report = report
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func fail(o *types.JobOutcome, err error) *types.JobOutcome {
	o.Status = types.JobFailed
	o.Error = err.Error()
	return o
}
