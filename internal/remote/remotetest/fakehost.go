// Package remotetest provides an in-memory compute host for tests of code
// built on remote.Dialer. It understands the small shell vocabulary the
// remote package emits.
package remotetest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"yqhp/crossval/internal/remote"
)

// ErrConnectionReset is returned by sessions when a command matches DropOn.
var ErrConnectionReset = errors.New("connection reset by peer")

// HelperCall describes one invocation of the helper program.
type HelperCall struct {
	Dir  string
	Args []string
	// Files lists the files under Dir, relative to it and sorted.
	Files []string
	// Content maps each entry of Files to the file's data.
	Content map[string]string
}

// HelperFunc emulates the helper program.
type HelperFunc func(call HelperCall) (stdout, stderr string, exitCode int)

type file struct {
	data []byte
	mode os.FileMode
}

// Host is a fake compute host. Zero counters and an empty filesystem apart
// from the home directory.
type Host struct {
	mu sync.Mutex

	Home string
	// LoginPath is the PATH a fresh shell sees.
	LoginPath []string
	// HelperName is the executable name dispatched to Helper.
	HelperName string
	Helper     HelperFunc
	// ClassifierExecutables are created by the classifier install script.
	ClassifierExecutables []string
	// FailInstall makes the classifier install script exit non-zero.
	FailInstall bool
	// FailDials makes the next n dials fail.
	FailDials int
	// DropOn resets the connection when a command contains this text.
	DropOn string
	// ReadOnlyDirs refuses uploads into these directories with a permission error.
	ReadOnlyDirs []string
	// FailUnpack makes every tar extraction fail.
	FailUnpack bool

	files map[string]*file
	dirs  map[string]bool

	Dials              int
	Closes             int
	Uploads            int
	ClassifierInstalls int
	commands           []string
}

// NewHost creates a host whose home directory is home.
func NewHost(home string) *Host {
	h := &Host{
		Home:                  home,
		LoginPath:             []string{"/usr/local/bin", "/usr/bin", "/bin"},
		HelperName:            "train_and_test",
		ClassifierExecutables: []string{"svm_learn", "svm_classify"},
		files:                 make(map[string]*file),
		dirs:                  make(map[string]bool),
	}
	h.mkdirAll(home)
	return h
}

// PutFile creates or replaces a file, creating parent directories.
func (h *Host) PutFile(p string, data []byte, mode os.FileMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(path.Dir(p))
	h.files[p] = &file{data: append([]byte(nil), data...), mode: mode}
}

// File returns the content of a file.
func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Mode returns the mode of a file.
func (h *Host) Mode(p string) (os.FileMode, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok {
		return 0, false
	}
	return f.mode, true
}

// Exists reports whether p is a file or directory.
func (h *Host) Exists(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.files[p]
	return ok || h.dirs[p]
}

// List returns every file path under dir, sorted.
func (h *Host) List(dir string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, rel := range h.listLocked(dir) {
		out = append(out, path.Join(dir, rel))
	}
	return out
}

func (h *Host) listLocked(dir string) []string {
	var out []string
	for p := range h.files {
		if strings.HasPrefix(p, dir+"/") {
			out = append(out, strings.TrimPrefix(p, dir+"/"))
		}
	}
	sort.Strings(out)
	return out
}

// Commands returns every command run so far with the export prefix removed.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// CountCommands returns how many commands started with prefix.
func (h *Host) CountCommands(prefix string) int {
	n := 0
	for _, c := range h.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Dial implements remote.Dialer.
func (h *Host) Dial(ctx context.Context, host string) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Dials++
	if h.FailDials > 0 {
		h.FailDials--
		return nil, fmt.Errorf("dial %s: connection refused", host)
	}
	return &session{host: h}, nil
}

func (h *Host) mkdirAll(p string) {
	for p != "/" && p != "." && p != "" {
		h.dirs[p] = true
		p = path.Dir(p)
	}
}

func (h *Host) removeAll(p string) {
	delete(h.files, p)
	delete(h.dirs, p)
	for f := range h.files {
		if strings.HasPrefix(f, p+"/") {
			delete(h.files, f)
		}
	}
	for d := range h.dirs {
		if strings.HasPrefix(d, p+"/") {
			delete(h.dirs, d)
		}
	}
}

type session struct {
	host   *Host
	closed bool
}

func (s *session) Run(ctx context.Context, command string) (*remote.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}

	env := shell{host: h, path: h.LoginPath, cwd: h.Home}
	command = env.applyExport(command)
	h.commands = append(h.commands, command)
	if h.DropOn != "" && strings.Contains(command, h.DropOn) {
		return nil, ErrConnectionReset
	}
	return env.run(command), nil
}

func (s *session) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if !h.dirs[path.Dir(remotePath)] {
		return &fs.PathError{Op: "open", Path: remotePath, Err: fs.ErrNotExist}
	}
	for _, d := range h.ReadOnlyDirs {
		if path.Dir(remotePath) == d {
			return &fs.PathError{Op: "open", Path: remotePath, Err: fs.ErrPermission}
		}
	}
	h.files[remotePath] = &file{data: data, mode: mode}
	h.Uploads++
	return nil
}

func (s *session) Close() error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.host.Closes++
	}
	return nil
}

type shell struct {
	host   *Host
	path   []string
	cwd    string
	stdout strings.Builder
	stderr strings.Builder
}

func (sh *shell) applyExport(command string) string {
	if !strings.HasPrefix(command, "export ") {
		return command
	}
	assign, rest, ok := strings.Cut(strings.TrimPrefix(command, "export "), "; ")
	if !ok {
		return command
	}
	if name, val, ok := strings.Cut(assign, "="); ok && name == "PATH" {
		val = strings.TrimSuffix(val, ":$PATH")
		words := splitWords(val)
		if len(words) == 1 {
			sh.path = append([]string{words[0]}, sh.path...)
		}
	}
	return rest
}

func (sh *shell) run(command string) *remote.CommandResult {
	code := 0
	if strings.Contains(command, "mktemp -d") {
		code = sh.installClassifier(command)
	} else {
		code = sh.sequence(command)
	}
	return &remote.CommandResult{
		Stdout:   []byte(sh.stdout.String()),
		Stderr:   []byte(sh.stderr.String()),
		ExitCode: code,
	}
}

// sequence runs a "; " separated list of && chains. It understands the
// "rc=$?" and "exit $rc" forms used to keep a status across cleanup.
func (sh *shell) sequence(command string) int {
	code, saved := 0, 0
	for _, part := range strings.Split(command, "; ") {
		switch part = strings.TrimSpace(part); part {
		case "rc=$?":
			saved = code
		case "exit $rc":
			return saved
		default:
			code = sh.chain(part)
		}
	}
	return code
}

func (sh *shell) chain(command string) int {
	for _, simple := range splitAnd(splitWords(command)) {
		if code := sh.exec(simple); code != 0 {
			return code
		}
	}
	return 0
}

func (sh *shell) installClassifier(command string) int {
	h := sh.host
	h.ClassifierInstalls++
	if h.FailInstall {
		sh.stderr.WriteString("wget: unable to resolve host address\n")
		return 4
	}
	bin := ""
	for _, w := range splitWords(installTarget(command)) {
		bin = w
	}
	if bin == "" || !h.dirs[bin] {
		sh.stderr.WriteString("mv: target is not a directory\n")
		return 1
	}
	for _, e := range h.ClassifierExecutables {
		h.files[path.Join(bin, e)] = &file{data: []byte("#!classifier " + e), mode: 0o755}
	}
	return 0
}

// installTarget extracts the mv arguments of the install script.
func installTarget(command string) string {
	i := strings.Index(command, " && mv ")
	if i < 0 {
		return ""
	}
	rest := command[i+len(" && mv "):]
	if j := strings.Index(rest, " && "); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func (sh *shell) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(sh.cwd, p)
}

func (sh *shell) lookPath(name string) string {
	if strings.Contains(name, "/") {
		if f, ok := sh.host.files[sh.abs(name)]; ok && f.mode&0o100 != 0 {
			return sh.abs(name)
		}
		return ""
	}
	for _, dir := range sh.path {
		p := path.Join(dir, name)
		if f, ok := sh.host.files[p]; ok && f.mode&0o100 != 0 {
			return p
		}
	}
	return ""
}

func (sh *shell) exec(args []string) int {
	h := sh.host
	if len(args) == 0 {
		return 0
	}
	switch args[0] {
	case "pwd":
		fmt.Fprintln(&sh.stdout, sh.cwd)
	case "echo":
		if len(args) == 2 && args[1] == "$PATH" {
			fmt.Fprintln(&sh.stdout, strings.Join(sh.path, ":"))
		} else {
			fmt.Fprintln(&sh.stdout, strings.Join(args[1:], " "))
		}
	case "command":
		if len(args) != 3 || args[1] != "-v" {
			return sh.fail(2, "command: usage")
		}
		p := sh.lookPath(args[2])
		if p == "" {
			return 1
		}
		fmt.Fprintln(&sh.stdout, p)
	case "sha256sum":
		for _, a := range args[1:] {
			f, ok := h.files[sh.abs(a)]
			if !ok {
				return sh.fail(1, "sha256sum: "+a+": No such file or directory")
			}
			fmt.Fprintf(&sh.stdout, "%x  %s\n", sha256.Sum256(f.data), a)
		}
	case "chmod":
		for _, a := range args[2:] {
			f, ok := h.files[sh.abs(a)]
			if !ok {
				return sh.fail(1, "chmod: cannot access '"+a+"'")
			}
			f.mode |= 0o100
		}
	case "mkdir":
		for _, a := range args[1:] {
			if a != "-p" {
				h.mkdirAll(sh.abs(a))
			}
		}
	case "rm":
		for _, a := range args[1:] {
			if !strings.HasPrefix(a, "-") {
				h.removeAll(sh.abs(a))
			}
		}
	case "cd":
		if len(args) != 2 || !h.dirs[sh.abs(args[1])] {
			return sh.fail(1, "cd: no such directory")
		}
		sh.cwd = sh.abs(args[1])
	case "tar":
		return sh.untar(args)
	default:
		p := sh.lookPath(args[0])
		if p == "" {
			return sh.fail(127, args[0]+": command not found")
		}
		if path.Base(p) != h.HelperName || h.Helper == nil {
			return sh.fail(126, args[0]+": cannot execute")
		}
		call := HelperCall{Dir: sh.cwd, Args: args[1:], Files: h.listLocked(sh.cwd), Content: make(map[string]string)}
		for _, rel := range call.Files {
			call.Content[rel] = string(h.files[path.Join(sh.cwd, rel)].data)
		}
		stdout, stderr, code := h.Helper(call)
		sh.stdout.WriteString(stdout)
		sh.stderr.WriteString(stderr)
		return code
	}
	return 0
}

func (sh *shell) untar(args []string) int {
	if len(args) != 5 || args[1] != "xzf" || args[3] != "-C" {
		return sh.fail(2, "tar: unsupported invocation")
	}
	h := sh.host
	if h.FailUnpack {
		return sh.fail(2, "tar: write error: No space left on device")
	}
	src, ok := h.files[sh.abs(args[2])]
	if !ok {
		return sh.fail(2, "tar: "+args[2]+": Cannot open")
	}
	dest := sh.abs(args[4])
	if !h.dirs[dest] {
		return sh.fail(2, "tar: "+args[4]+": Cannot open")
	}
	gz, err := gzip.NewReader(bytes.NewReader(src.data))
	if err != nil {
		return sh.fail(2, "gzip: "+err.Error())
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return 0
		}
		if err != nil {
			return sh.fail(2, "tar: "+err.Error())
		}
		target := path.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			h.mkdirAll(target)
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return sh.fail(2, "tar: "+err.Error())
			}
			h.mkdirAll(path.Dir(target))
			h.files[target] = &file{data: data, mode: os.FileMode(hdr.Mode).Perm()}
		}
	}
}

func (sh *shell) fail(code int, msg string) int {
	sh.stderr.WriteString(msg + "\n")
	return code
}

// splitWords splits a command line into words, honoring single quotes,
// double quotes and backslash escapes outside quotes.
func splitWords(s string) []string {
	var words []string
	var cur strings.Builder
	inWord := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inWord = true
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				cur.WriteString(s[i+1:])
				i = len(s)
			} else {
				cur.WriteString(s[i+1 : i+1+j])
				i += j + 1
			}
		case c == '"':
			inWord = true
			j := strings.IndexByte(s[i+1:], '"')
			if j < 0 {
				cur.WriteString(s[i+1:])
				i = len(s)
			} else {
				cur.WriteString(s[i+1 : i+1+j])
				i += j + 1
			}
		case c == '\\' && i+1 < len(s):
			inWord = true
			i++
			cur.WriteByte(s[i])
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			inWord = true
			cur.WriteByte(c)
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}

func splitAnd(words []string) [][]string {
	var out [][]string
	start := 0
	for i, w := range words {
		if w == "&&" {
			out = append(out, words[start:i])
			start = i + 1
		}
	}
	return append(out, words[start:])
}
