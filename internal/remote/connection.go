package remote

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/crossval/pkg/logger"
	"yqhp/crossval/pkg/types"
)

// State is the transport state of a Connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

// Options controls connect retries and the bootstrap steps.
type Options struct {
	ConnectAttempts int
	RetryInterval   time.Duration

	// BinDir is the private executable directory, relative to the remote home
	// unless absolute.
	BinDir                string
	ClassifierURL         string
	ClassifierExecutables []string
	// HelperName is the executable name the helper is probed and installed as.
	HelperName string
	// HelperPath is the local copy of the helper uploaded during bootstrap.
	HelperPath string
}

// Connection is the session to one compute host. It connects lazily,
// bootstraps the host once for its whole lifetime and may be closed and
// reopened between jobs. A Connection is owned by one worker.
type Connection struct {
	server types.ServerSpec
	dialer Dialer
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	session Session
	state   State

	bootstrapped bool
	report       *BootstrapReport
	helper       []byte
	helperDigest string
	env          []EnvVar
	home         string
	binDir       string
	workDir      string
}

// NewConnection creates a disconnected Connection for server.
func NewConnection(server types.ServerSpec, dialer Dialer, opts Options) *Connection {
	if opts.ConnectAttempts < 1 {
		opts.ConnectAttempts = 1
	}
	return &Connection{
		server: server,
		dialer: dialer,
		opts:   opts,
		clock:  clockwork.NewRealClock(),
		state:  StateDisconnected,
		logger: logger.Named("remote").With(zap.String("host", server.Host)),
	}
}

// WithClock replaces the clock used between connect attempts.
func (c *Connection) WithClock(clock clockwork.Clock) *Connection {
	c.clock = clock
	return c
}

// Server returns the server line this connection was built from.
func (c *Connection) Server() types.ServerSpec {
	return c.server
}

// Host returns the "user@hostname" this connection targets.
func (c *Connection) Host() string {
	return c.server.Host
}

// State returns the current transport state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Bootstrapped reports whether bootstrap has completed on this connection.
func (c *Connection) Bootstrapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrapped
}

// Report returns what the bootstrap did, or nil before it has run.
func (c *Connection) Report() *BootstrapReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// Env returns a copy of the environment overrides prefixed to every command.
func (c *Connection) Env() []EnvVar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EnvVar(nil), c.env...)
}

// WorkDir returns the resolved remote working directory. It is empty until
// bootstrap has run.
func (c *Connection) WorkDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workDir
}

// EnsureConnected opens the session if needed and bootstraps the host the
// first time. It returns true when this call ran the bootstrap.
func (c *Connection) EnsureConnected(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

func (c *Connection) ensureConnectedLocked(ctx context.Context) (bool, error) {
	if c.state == StateConnected {
		return false, nil
	}
	if !c.bootstrapped && c.helper == nil {
		if err := c.loadHelper(); err != nil {
			return false, err
		}
	}

	session, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	c.session = session
	c.state = StateConnected

	if c.bootstrapped {
		return false, nil
	}
	report, err := c.bootstrap(ctx)
	if err != nil {
		c.closeLocked()
		return false, err
	}
	c.report = report
	c.bootstrapped = true
	c.logger.Info("host bootstrapped",
		zap.String("home", report.Home),
		zap.String("work_dir", report.WorkDir),
		zap.Bool("path_exported", report.PathExported),
		zap.Bool("classifier_installed", report.ClassifierInstalled),
		zap.Bool("helper_installed", report.HelperInstalled),
		zap.Bool("helper_updated", report.HelperUpdated),
	)
	return true, nil
}

func (c *Connection) dial(ctx context.Context) (Session, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(c.opts.RetryInterval):
			}
		}
		session, err := c.dialer.Dial(ctx, c.server.Host)
		if err == nil {
			c.logger.Debug("connected", zap.Int("attempt", attempt))
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("connect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.ConnectAttempts),
			zap.Error(err),
		)
	}
	return nil, types.NewTransportError(c.server.Host,
		fmt.Sprintf("connect failed after %d attempts", c.opts.ConnectAttempts), lastErr)
}

// Run executes command with the environment overrides, connecting first if
// needed. A transport failure closes the connection.
func (c *Connection) Run(ctx context.Context, command string) (*CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}
	return c.runLocked(ctx, command)
}

func (c *Connection) runLocked(ctx context.Context, command string) (*CommandResult, error) {
	full := exportPrefix(c.env) + command
	c.logger.Debug("run", zap.String("command", full))
	res, err := c.session.Run(ctx, full)
	if err != nil {
		c.closeLocked()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewTransportError(c.server.Host, "remote command failed", err)
	}
	return res, nil
}

// Remove deletes a remote path recursively.
func (c *Connection) Remove(ctx context.Context, remotePath string) error {
	if !path.IsAbs(remotePath) || path.Clean(remotePath) == "/" {
		return types.NewUsageError(fmt.Sprintf("refusing to remove %q", remotePath), nil)
	}
	res, err := c.Run(ctx, cmdRemove(remotePath))
	if err != nil {
		return err
	}
	if !res.OK() {
		return types.NewTransportError(c.server.Host,
			fmt.Sprintf("remove %s: exit %d: %s", remotePath, res.ExitCode, res.StderrString()), nil)
	}
	return nil
}

// Close tears down the session. The bootstrap state survives so the next
// connect skips it.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.session == nil {
		c.state = StateDisconnected
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.state = StateDisconnected
	return err
}

// resolve interprets p relative to the remote home.
func resolve(home, p string) string {
	switch {
	case p == "" || p == "~":
		return home
	case strings.HasPrefix(p, "~/"):
		return path.Join(home, p[2:])
	case path.IsAbs(p):
		return path.Clean(p)
	default:
		return path.Join(home, p)
	}
}
