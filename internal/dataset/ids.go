package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"yqhp/crossval/pkg/types"
)

// NumberedSuffix is appended to a dataset path by AssignIDsFile.
const NumberedSuffix = ".numbered"

// AssignIDs prefixes every non-blank line of a line-oriented dataset with
// "<prefix>_<n> ", n counting from 0. Blank lines are dropped. It returns
// the number of rows written.
func AssignIDs(r io.Reader, w io.Writer, prefix string) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	bw := bufio.NewWriter(w)

	n := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s_%d %s\n", prefix, n, line); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// AssignIDsFile writes <path>.numbered with ids derived from the file's base name.
func AssignIDsFile(path string) (string, int, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, types.NewInputError(path, "cannot open dataset", err)
	}
	defer in.Close()

	outPath := path + NumberedSuffix
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(outPath)+".*")
	if err != nil {
		return "", 0, types.NewInputError(outPath, "cannot create output", err)
	}
	defer os.Remove(tmp.Name())

	n, err := AssignIDs(in, tmp, filepath.Base(path))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, types.NewInputError(outPath, "cannot write numbered dataset", err)
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return "", 0, types.NewInputError(outPath, "cannot write numbered dataset", err)
	}
	return outPath, n, nil
}
