// Package archive packs experiment directories into tar.gz streams and
// unpacks them again.
//
// Entry names are relative to the parent of the archived directory, so an
// archive of /a/b/exp_model_1_2 unpacks into <dest>/exp_model_1_2, the same
// layout `tar xzf` produces on a remote host.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsafePath is returned when an archive entry would land outside the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Stats summarizes a packed or unpacked archive.
type Stats struct {
	Files int
	Dirs  int
	// Bytes is the raw (uncompressed) size of regular files.
	Bytes int64
}

// TarGz writes root, a directory, as a gzip-compressed tar stream to dest.
func TarGz(ctx context.Context, root string, dest io.Writer) (Stats, error) {
	var stats Stats

	absroot, err := filepath.Abs(root)
	if err != nil {
		return stats, err
	}
	info, err := os.Stat(absroot)
	if err != nil {
		return stats, err
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("%s is not a directory", root)
	}
	parent := filepath.Dir(absroot)

	gz := gzip.NewWriter(dest)
	tw := tar.NewWriter(gz)

	err = walk(absroot, func(fullpath string, fi fs.FileInfo) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relpath, err := filepath.Rel(parent, fullpath)
		if err != nil {
			return err
		}

		linkname := ""
		if fi.Mode()&os.ModeSymlink != 0 {
			if linkname, err = os.Readlink(fullpath); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(fi, linkname)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(relpath)
		if fi.IsDir() {
			hdr.Name += "/"
			stats.Dirs++
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		fp, err := os.Open(fullpath)
		if err != nil {
			return err
		}
		defer fp.Close()

		n, err := io.Copy(tw, &ctxReader{ctx: ctx, r: fp})
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	if err != nil {
		return stats, err
	}

	if err := tw.Close(); err != nil {
		return stats, err
	}
	if err := gz.Close(); err != nil {
		return stats, err
	}
	return stats, nil
}

// TarGzFile archives root into a new temporary file in dir (os.TempDir when
// empty) and returns its path. The caller owns the file.
func TarGzFile(ctx context.Context, root, dir string) (string, Stats, error) {
	f, err := os.CreateTemp(dir, filepath.Base(root)+"-*.tar.gz")
	if err != nil {
		return "", Stats{}, err
	}

	stats, err := TarGz(ctx, root, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", stats, err
	}
	return f.Name(), stats, nil
}

// UntarGz unpacks a gzip-compressed tar stream into dest.
func UntarGz(ctx context.Context, src io.Reader, dest string) (Stats, error) {
	var stats Stats

	gz, err := gzip.NewReader(src)
	if err != nil {
		return stats, err
	}
	defer gz.Close()

	absdest, err := filepath.Abs(dest)
	if err != nil {
		return stats, err
	}

	tr := tar.NewReader(gz)
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		if hdr.Name == "" {
			continue
		}

		fullpath := filepath.Join(absdest, filepath.FromSlash(hdr.Name))
		if fullpath != absdest && !strings.HasPrefix(fullpath, absdest+string(os.PathSeparator)) {
			return stats, fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fullpath, 0o755); err != nil {
				return stats, err
			}
			stats.Dirs++
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(fullpath), 0o755); err != nil {
				return stats, err
			}
			if err := os.Symlink(hdr.Linkname, fullpath); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(fullpath), 0o755); err != nil {
				return stats, err
			}
			n, err := writeFile(fullpath, os.FileMode(hdr.Mode).Perm(), &ctxReader{ctx: ctx, r: tr})
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += n
		}
	}
}

// CopyDir copies the directory src into destParent through an in-memory
// tar.gz pipe and returns the path of the copy.
func CopyDir(ctx context.Context, src, destParent string) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := TarGz(ctx, src, pw)
		pw.CloseWithError(err)
	}()

	_, err := UntarGz(ctx, pr, destParent)
	pr.CloseWithError(err)
	if err != nil {
		return "", err
	}
	return filepath.Join(destParent, filepath.Base(filepath.Clean(src))), nil
}

func writeFile(path string, mode os.FileMode, r io.Reader) (int64, error) {
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(fp, r)
	if cerr := fp.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// walk visits root and everything below it in lexical order, without
// following symlinks.
func walk(root string, fn func(string, fs.FileInfo) error) error {
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if err := fn(root, info); err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if err := walk(filepath.Join(root, entry.Name()), fn); err != nil {
			return err
		}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
	}
	return c.r.Read(p)
}
