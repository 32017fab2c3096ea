package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"yqhp/crossval/pkg/logger"
)

// SSHConfig configures SSHDialer.
type SSHConfig struct {
	// Port is used when the host carries no explicit port.
	Port int
	// User is used when the host carries no "user@" part.
	User string
	// KnownHostsFile defaults to ~/.ssh/known_hosts.
	KnownHostsFile string
	// IdentityFiles are private keys offered in order. When empty and no
	// agent is available the usual ~/.ssh/id_* keys are tried.
	IdentityFiles []string
	// UseAgent enables keys from the agent at SSH_AUTH_SOCK.
	UseAgent bool

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
}

// DefaultSSHConfig returns the settings used when none are given.
func DefaultSSHConfig() SSHConfig {
	return SSHConfig{
		Port:              22,
		UseAgent:          true,
		ConnectTimeout:    15 * time.Second,
		KeepAliveInterval: 30 * time.Second,
	}
}

// SSHDialer opens sessions over SSH, verifying host keys against the
// system known_hosts file.
type SSHDialer struct {
	cfg    SSHConfig
	logger *zap.Logger
}

// NewSSHDialer creates an SSHDialer.
func NewSSHDialer(cfg SSHConfig) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSHDialer{cfg: cfg, logger: logger.Named("ssh")}
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Session, error) {
	user, addr := d.splitHost(host)
	if user == "" {
		return nil, fmt.Errorf("no ssh user for host %q", host)
	}

	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	auth, closeAgent, err := d.authMethods()
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if d.cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	s := &sshSession{
		host:   host,
		client: ssh.NewClient(c, chans, reqs),
		stop:   make(chan struct{}),
		logger: d.logger.With(zap.String("host", host)),
	}
	if d.cfg.KeepAliveInterval > 0 {
		go s.keepAlive(d.cfg.KeepAliveInterval)
	}
	d.logger.Debug("ssh connected", zap.String("host", host), zap.String("addr", addr))
	return s, nil
}

func (d *SSHDialer) splitHost(host string) (user, addr string) {
	user = d.cfg.User
	if u, h, ok := strings.Cut(host, "@"); ok {
		user, host = u, h
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return user, host
	}
	return user, net.JoinHostPort(host, strconv.Itoa(d.cfg.Port))
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := d.cfg.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

func (d *SSHDialer) authMethods() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closeAgent := func() {}

	if d.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				d.logger.Warn("ssh agent unavailable", zap.String("socket", sock), zap.Error(err))
			} else {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				closeAgent = func() { _ = conn.Close() }
			}
		}
	}

	files := d.cfg.IdentityFiles
	explicit := len(files) > 0
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				files = append(files, filepath.Join(home, ".ssh", name))
			}
		}
	}

	var signers []ssh.Signer
	for _, f := range files {
		pem, err := os.ReadFile(expandHome(f))
		if err != nil {
			if explicit {
				closeAgent()
				return nil, nil, fmt.Errorf("read identity %s: %w", f, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				d.logger.Warn("skipping passphrase protected identity", zap.String("file", f))
				continue
			}
			closeAgent()
			return nil, nil, fmt.Errorf("parse identity %s: %w", f, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, nil, errors.New("no ssh credentials available (agent or identity file)")
	}
	return methods, closeAgent, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

type sshSession struct {
	host   string
	client *ssh.Client
	logger *zap.Logger

	mu   sync.Mutex
	sftp *sftp.Client

	stop     chan struct{}
	stopOnce sync.Once
}

func (s *sshSession) Run(ctx context.Context, command string) (*CommandResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return nil, ctx.Err()
	}

	res := &CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return nil, fmt.Errorf("run %q: %w", command, err)
}

func (s *sshSession) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	sc, err := s.sftpClient()
	if err != nil {
		return err
	}
	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return fmt.Errorf("chmod %s: %w", remotePath, err)
	}
	return f.Close()
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		return s.sftp, nil
	}
	sc, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	s.sftp = sc
	return sc, nil
}

func (s *sshSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.logger.Debug("keepalive failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *sshSession) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	s.mu.Unlock()
	return s.client.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
