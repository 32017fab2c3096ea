package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a RunError by how far it is allowed to propagate.
type ErrorKind string

const (
	// KindInput covers malformed datasets and unreadable configuration. Fatal before dispatch.
	KindInput ErrorKind = "INPUT"
	// KindUsage covers invalid arguments to an operation. Fatal immediately.
	KindUsage ErrorKind = "USAGE"
	// KindSetup covers remote bootstrap failures. Fatal for one worker.
	KindSetup ErrorKind = "SETUP"
	// KindTransport covers dial and session failures.
	KindTransport ErrorKind = "TRANSPORT"
	// KindJob covers helper crashes and unparseable output. Fatal for one job.
	KindJob ErrorKind = "JOB"
	// KindAggregation covers groups that cannot be averaged.
	KindAggregation ErrorKind = "AGGREGATION"
)

// RunError is an error carrying enough context to diagnose without re-running.
type RunError struct {
	Kind    ErrorKind
	Message string
	Host    string
	Job     string
	Path    string
	Cause   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	var ctx []string
	if e.Host != "" {
		ctx = append(ctx, "host="+e.Host)
	}
	if e.Job != "" {
		ctx = append(ctx, "job="+e.Job)
	}
	if e.Path != "" {
		ctx = append(ctx, "path="+e.Path)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Cause
}

// WithHost returns a copy of the error annotated with a host.
func (e *RunError) WithHost(host string) *RunError {
	c := *e
	c.Host = host
	return &c
}

// WithJob returns a copy of the error annotated with a job key.
func (e *RunError) WithJob(job string) *RunError {
	c := *e
	c.Job = job
	return &c
}

// WithPath returns a copy of the error annotated with a filesystem path.
func (e *RunError) WithPath(path string) *RunError {
	c := *e
	c.Path = path
	return &c
}

// NewRunError creates a new RunError.
func NewRunError(kind ErrorKind, message string, cause error) *RunError {
	return &RunError{Kind: kind, Message: message, Cause: cause}
}

// NewInputError creates an error for malformed input.
func NewInputError(path, message string, cause error) *RunError {
	return &RunError{Kind: KindInput, Message: message, Path: path, Cause: cause}
}

// NewUsageError creates an error for invalid arguments.
func NewUsageError(message string, cause error) *RunError {
	return &RunError{Kind: KindUsage, Message: message, Cause: cause}
}

// NewSetupError creates an error for a failed bootstrap step.
func NewSetupError(host, message string, cause error) *RunError {
	return &RunError{Kind: KindSetup, Message: message, Host: host, Cause: cause}
}

// NewTransportError creates an error for a failed connection or session.
func NewTransportError(host, message string, cause error) *RunError {
	return &RunError{Kind: KindTransport, Message: message, Host: host, Cause: cause}
}

// NewJobError creates an error for a failed job.
func NewJobError(job, message string, cause error) *RunError {
	return &RunError{Kind: KindJob, Message: message, Job: job, Cause: cause}
}

// IsKind reports whether any RunError in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RunError
	for err != nil {
		if !errors.As(err, &re) {
			return false
		}
		if re.Kind == kind {
			return true
		}
		err = re.Cause
	}
	return false
}
