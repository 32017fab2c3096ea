package remote

import (
	"fmt"
	"path"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// EnvVar is one environment override exported before every remote command.
// Value is inserted verbatim so it may reference other variables.
type EnvVar struct {
	Name  string
	Value string
}

func exportPrefix(env []EnvVar) string {
	if len(env) == 0 {
		return ""
	}
	parts := make([]string, len(env))
	for i, e := range env {
		parts[i] = e.Name + "=" + e.Value
	}
	return "export " + strings.Join(parts, " ") + "; "
}

const (
	cmdHome     = "pwd"
	cmdEchoPath = "echo $PATH"
)

func q(s string) string {
	return shellescape.Quote(s)
}

func cmdProbe(name string) string {
	return "command -v " + q(name)
}

func cmdDigest(p string) string {
	return "sha256sum " + q(p)
}

func cmdMarkExecutable(paths ...string) string {
	return "chmod u+x " + shellescape.QuoteCommand(paths)
}

func cmdMkdir(dir string) string {
	return "mkdir -p " + q(dir)
}

func cmdFreshDir(dir string) string {
	return "rm -rf " + q(dir) + " && mkdir -p " + q(dir)
}

func cmdRemove(p string) string {
	return "rm -rf " + q(p)
}

// cmdUnpack extracts archive into dir and removes the archive whatever the
// outcome, exiting with tar's status.
func cmdUnpack(archive, dir string) string {
	return "tar xzf " + q(archive) + " -C " + q(dir) + "; rc=$?; rm -f " + q(archive) + "; exit $rc"
}

// cmdInstallClassifier downloads the classifier tarball into a scratch
// directory, moves the named executables into binDir and removes the scratch
// directory whatever the outcome.
func cmdInstallClassifier(url, binDir string, executables []string) string {
	srcs := make([]string, len(executables))
	dsts := make([]string, len(executables))
	for i, e := range executables {
		srcs[i] = `"$tmp"/` + q(e)
		dsts[i] = path.Join(binDir, e)
	}
	archive := `"$tmp"/classifier.tar.gz`
	return fmt.Sprintf(
		`tmp=$(mktemp -d) && { { wget -q -O %[1]s %[2]s || curl -fsSL -o %[1]s %[2]s; } && tar xzf %[1]s -C "$tmp" && mv %[3]s %[4]s && %[5]s; rc=$?; rm -rf "$tmp"; exit $rc; }`,
		archive, q(url), strings.Join(srcs, " "), q(binDir), cmdMarkExecutable(dsts...),
	)
}

// RunInDir builds "cd <dir> && <command> [<args>...]" with every argument quoted.
func RunInDir(dir, command string, args ...string) string {
	cmd := "cd " + q(dir) + " && " + q(command)
	if len(args) > 0 {
		cmd += " " + shellescape.QuoteCommand(args)
	}
	return cmd
}
