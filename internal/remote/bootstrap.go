package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/duke-git/lancet/v2/cryptor"
	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/crossval/pkg/types"
)

// BootstrapReport records which bootstrap actions ran on a host.
type BootstrapReport struct {
	Home                string
	BinDir              string
	WorkDir             string
	PathExported        bool
	ClassifierInstalled bool
	HelperInstalled     bool
	HelperUpdated       bool
}

// bootstrap prepares the host: home and bin directory, PATH override,
// classifier binaries, helper script and a fresh working directory. Every
// step checks before acting so it is safe on an already prepared host.
func (c *Connection) bootstrap(ctx context.Context) (*BootstrapReport, error) {
	report := &BootstrapReport{}
	steps := []struct {
		name string
		fn   func(context.Context, *BootstrapReport) error
	}{
		{"home", c.stepHome},
		{"path", c.stepPath},
		{"classifier", c.stepClassifier},
		{"helper", c.stepHelper},
		{"workdir", c.stepWorkDir},
	}
	for _, s := range steps {
		if err := s.fn(ctx, report); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if types.IsKind(err, types.KindTransport) {
				return nil, err
			}
			return nil, types.NewSetupError(c.server.Host, "bootstrap step "+s.name+" failed", err)
		}
		c.logger.Debug("bootstrap step done", zap.String("step", s.name))
	}
	return report, nil
}

// loadHelper reads and hashes the local helper. It runs before the host is
// dialled so a missing helper never leaves a half-prepared host behind.
func (c *Connection) loadHelper() error {
	content, err := os.ReadFile(c.opts.HelperPath)
	if err != nil {
		return types.NewSetupError(c.server.Host, "read local helper", err)
	}
	c.helper = content
	c.helperDigest = cryptor.Sha256(string(content))
	return nil
}

func (c *Connection) stepHome(ctx context.Context, r *BootstrapReport) error {
	res, err := c.runLocked(ctx, cmdHome)
	if err != nil {
		return err
	}
	home := res.StdoutString()
	if !res.OK() || home == "" {
		return fmt.Errorf("could not determine home directory: exit %d: %s", res.ExitCode, res.StderrString())
	}
	c.home = home
	c.binDir = resolve(home, c.opts.BinDir)
	r.Home = home
	r.BinDir = c.binDir
	return nil
}

func (c *Connection) stepPath(ctx context.Context, r *BootstrapReport) error {
	res, err := c.runLocked(ctx, cmdEchoPath)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("read PATH: exit %d: %s", res.ExitCode, res.StderrString())
	}
	if !slice.Contain(strings.Split(res.StdoutString(), ":"), c.binDir) {
		c.env = []EnvVar{{Name: "PATH", Value: q(c.binDir) + ":$PATH"}}
		r.PathExported = true
	}
	return c.mustSucceed(ctx, cmdMkdir(c.binDir))
}

func (c *Connection) stepClassifier(ctx context.Context, r *BootstrapReport) error {
	missing, err := c.missingExecutables(ctx, c.opts.ClassifierExecutables)
	if err != nil || len(missing) == 0 {
		return err
	}
	c.logger.Info("installing classifier",
		zap.Strings("missing", missing),
		zap.String("url", c.opts.ClassifierURL),
	)
	if err := c.mustSucceed(ctx, cmdInstallClassifier(c.opts.ClassifierURL, c.binDir, c.opts.ClassifierExecutables)); err != nil {
		return fmt.Errorf("install classifier: %w", err)
	}
	missing, err = c.missingExecutables(ctx, c.opts.ClassifierExecutables)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("classifier executables still missing after install: %s", strings.Join(missing, ", "))
	}
	r.ClassifierInstalled = true
	return nil
}

func (c *Connection) stepHelper(ctx context.Context, r *BootstrapReport) error {
	content, localDigest := c.helper, c.helperDigest
	remotePath, err := c.lookup(ctx, c.opts.HelperName)
	if err != nil {
		return err
	}
	if remotePath == "" {
		remotePath = path.Join(c.binDir, c.opts.HelperName)
		if err := c.installHelper(ctx, content, remotePath); err != nil {
			return err
		}
		r.HelperInstalled = true
		return nil
	}

	res, err := c.runLocked(ctx, cmdDigest(remotePath))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("digest %s: exit %d: %s", remotePath, res.ExitCode, res.StderrString())
	}
	remoteDigest, _, _ := strings.Cut(res.StdoutString(), " ")
	if strings.EqualFold(remoteDigest, localDigest) {
		return nil
	}
	c.logger.Info("helper out of date",
		zap.String("path", remotePath),
		zap.String("remote_sha256", remoteDigest),
		zap.String("local_sha256", localDigest),
	)
	if err := c.installHelper(ctx, content, remotePath); err != nil {
		return err
	}
	r.HelperUpdated = true
	return nil
}

func (c *Connection) installHelper(ctx context.Context, content []byte, remotePath string) error {
	if err := c.session.Upload(ctx, bytes.NewReader(content), remotePath, 0o755); err != nil {
		if IsFileError(err) {
			return fmt.Errorf("upload helper to %s: %w", remotePath, err)
		}
		c.closeLocked()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewTransportError(c.server.Host, "upload helper", err)
	}
	return c.mustSucceed(ctx, cmdMarkExecutable(remotePath))
}

func (c *Connection) stepWorkDir(ctx context.Context, r *BootstrapReport) error {
	wd := resolve(c.home, c.server.Directory)
	if wd == "/" || wd == c.home {
		return fmt.Errorf("refusing to recreate working directory %q", wd)
	}
	if err := c.mustSucceed(ctx, cmdFreshDir(wd)); err != nil {
		return err
	}
	c.workDir = wd
	r.WorkDir = wd
	return nil
}

// lookup returns the absolute path of an executable on the effective PATH,
// or "" when there is none.
func (c *Connection) lookup(ctx context.Context, name string) (string, error) {
	res, err := c.runLocked(ctx, cmdProbe(name))
	if err != nil {
		return "", err
	}
	p := res.StdoutString()
	if !res.OK() || !path.IsAbs(p) {
		return "", nil
	}
	return p, nil
}

func (c *Connection) missingExecutables(ctx context.Context, names []string) ([]string, error) {
	var missing []string
	for _, name := range names {
		p, err := c.lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		if p == "" {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (c *Connection) mustSucceed(ctx context.Context, command string) error {
	res, err := c.runLocked(ctx, command)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%q exited %d: %s", command, res.ExitCode, res.StderrString())
	}
	return nil
}
