// Package remote manages the SSH session a remote worker uses to reach one
// compute host: lazy connect with retry, one-time environment bootstrap,
// file transfer and command execution.
package remote

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/pkg/sftp"
)

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// OK reports whether the command exited with status 0.
func (r *CommandResult) OK() bool {
	return r.ExitCode == 0
}

// StdoutString returns stdout without surrounding whitespace.
func (r *CommandResult) StdoutString() string {
	return strings.TrimSpace(string(r.Stdout))
}

// StderrString returns stderr without surrounding whitespace.
func (r *CommandResult) StderrString() string {
	return strings.TrimSpace(string(r.Stderr))
}

// Session is a live transport to one host.
type Session interface {
	// Run executes command through the remote shell. A non-zero exit status
	// is reported in the result, not as an error; err is reserved for
	// transport failures and cancellation.
	Run(ctx context.Context, command string) (*CommandResult, error)
	// Upload writes r to remotePath with the given mode, replacing any existing file.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error
	Close() error
}

// IsFileError reports whether an Upload error was raised by the remote file
// system, such as a permission or missing-directory error, rather than by
// the transport. The session stays usable after one.
func IsFileError(err error) bool {
	var status *sftp.StatusError
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) || errors.As(err, &status)
}

// Dialer opens sessions. host is "user@hostname".
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}
