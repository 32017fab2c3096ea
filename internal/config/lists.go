package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/duke-git/lancet/v2/strutil"

	"yqhp/crossval/pkg/types"
)

// ReadServerList reads a server list file. Each non-blank line is either a
// '#' comment or host:directory, where host is "localhost" or user@hostname.
func ReadServerList(path string) ([]types.ServerSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewInputError(path, "cannot open server list", err)
	}
	defer f.Close()

	servers, err := ParseServerList(f)
	if err != nil {
		var re *types.RunError
		if errors.As(err, &re) {
			return nil, re.WithPath(path)
		}
		return nil, types.NewInputError(path, "cannot read server list", err)
	}
	if len(servers) == 0 {
		return nil, types.NewInputError(path, "server list has no servers", nil)
	}
	return servers, nil
}

// ParseServerList parses server list content.
func ParseServerList(r io.Reader) ([]types.ServerSpec, error) {
	var servers []types.ServerSpec
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if strutil.IsBlank(line) || strings.HasPrefix(line, "#") {
			continue
		}

		host, dir, ok := strings.Cut(line, ":")
		host = strings.TrimSpace(host)
		dir = strings.TrimSpace(dir)
		if !ok || host == "" {
			return nil, types.NewInputError("", fmt.Sprintf("line %d: expected host:directory, got %q", lineNo, line), nil)
		}
		if host != types.LocalHost && !strings.Contains(host, "@") {
			return nil, types.NewInputError("", fmt.Sprintf("line %d: remote host %q must be user@hostname", lineNo, host), nil)
		}
		if host != types.LocalHost && dir == "" {
			return nil, types.NewInputError("", fmt.Sprintf("line %d: remote host %q needs a working directory", lineNo, host), nil)
		}

		servers = append(servers, types.ServerSpec{Host: host, Directory: dir, Line: lineNo})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return servers, nil
}

// ReadParamList reads the optional parameter list. A missing or empty file
// yields a single empty parameter string.
func ReadParamList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{""}, nil
		}
		return nil, types.NewInputError(path, "cannot open parameter list", err)
	}
	defer f.Close()

	params, err := ParseParamList(f)
	if err != nil {
		return nil, types.NewInputError(path, "cannot read parameter list", err)
	}
	return params, nil
}

// ParseParamList parses parameter list content. Params are normalized and
// duplicates after normalization are dropped.
func ParseParamList(r io.Reader) ([]string, error) {
	var params []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strutil.IsBlank(scanner.Text()) {
			continue
		}
		p := types.NormalizeParams(scanner.Text())
		if seen[p] {
			continue
		}
		seen[p] = true
		params = append(params, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return []string{""}, nil
	}
	return params, nil
}
