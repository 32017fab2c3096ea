package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"yqhp/crossval/internal/archive"
	"yqhp/crossval/pkg/types"
)

// Copy transfers localPath into remoteDir and returns the remote path of the
// copy. Files are uploaded as is; directories travel as one tar.gz archive
// unpacked on the host.
func (c *Connection) Copy(ctx context.Context, localPath, remoteDir string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", types.NewUsageError("cannot transfer "+localPath, err)
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return "", types.NewUsageError(fmt.Sprintf("cannot transfer %s: unsupported file type %s", localPath, info.Mode().Type()), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureConnectedLocked(ctx); err != nil {
		return "", err
	}

	target := path.Join(remoteDir, filepath.Base(localPath))
	if info.Mode().IsRegular() {
		if err := c.upload(ctx, localPath, target, info.Mode().Perm()); err != nil {
			return "", err
		}
		c.logger.Debug("file uploaded",
			zap.String("local", localPath),
			zap.String("remote", target),
			zap.String("size", humanize.Bytes(uint64(info.Size()))),
		)
		return target, nil
	}

	archivePath, stats, err := archive.TarGzFile(ctx, localPath, "")
	if err != nil {
		return "", types.NewUsageError("archive "+localPath, err)
	}
	defer os.Remove(archivePath)

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", err
	}
	remoteArchive := target + ".tar.gz"
	if err := c.upload(ctx, archivePath, remoteArchive, 0o600); err != nil {
		return "", err
	}

	res, err := c.runLocked(ctx, cmdUnpack(remoteArchive, remoteDir))
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", types.NewTransportError(c.server.Host,
			fmt.Sprintf("unpack %s: exit %d: %s", remoteArchive, res.ExitCode, res.StderrString()), nil)
	}
	c.logger.Debug("directory uploaded",
		zap.String("local", localPath),
		zap.String("remote", target),
		zap.Int("files", stats.Files),
		zap.String("content", humanize.Bytes(uint64(stats.Bytes))),
		zap.String("archive", humanize.Bytes(uint64(archiveInfo.Size()))),
	)
	return target, nil
}

func (c *Connection) upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	f, err := os.Open(localPath)
	if err != nil {
		return types.NewUsageError("open "+localPath, err)
	}
	defer f.Close()
	return c.send(ctx, f, remotePath, mode)
}

// WriteFile writes data to remotePath on the host, replacing any existing file.
func (c *Connection) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	return c.send(ctx, bytes.NewReader(data), remotePath, mode)
}

func (c *Connection) send(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	if err := c.session.Upload(ctx, r, remotePath, mode); err != nil {
		c.closeLocked()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewTransportError(c.server.Host, "upload "+remotePath, err)
	}
	return nil
}
