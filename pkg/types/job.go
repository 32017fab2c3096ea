package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Job is one unit of work: an experiment directory plus an optional
// parameter string. Job is comparable and is used directly as a map key.
type Job struct {
	Directory string `json:"directory"`
	Params    string `json:"params"`
}

// NewJob creates a Job with a cleaned directory path and normalized params.
func NewJob(directory, params string) Job {
	return Job{
		Directory: filepath.Clean(directory),
		Params:    NormalizeParams(params),
	}
}

// NormalizeParams collapses whitespace runs to single spaces and trims the
// ends. Flag order is kept as given.
func NormalizeParams(params string) string {
	return strings.Join(strings.Fields(params), " ")
}

// Name returns the experiment directory's base name.
func (j Job) Name() string {
	return filepath.Base(j.Directory)
}

// Key returns the human-readable identity of the job.
func (j Job) Key() string {
	if j.Params == "" {
		return j.Directory
	}
	return fmt.Sprintf("%s [%s]", j.Directory, j.Params)
}

// String implements fmt.Stringer.
func (j Job) String() string {
	return j.Key()
}

// ExperimentDirectory is one materialized train/test combination.
type ExperimentDirectory struct {
	Path       string `json:"path"`
	TrainFolds []int  `json:"train_folds"`
	TestFolds  []int  `json:"test_folds"`
	TrainFile  string `json:"train_file"`
	TestFile   string `json:"test_file"`
	HeaderFile string `json:"header_file,omitempty"`
}

// ServerSpec is one parsed line of the server list.
type ServerSpec struct {
	// Host is "localhost" for local execution or "user@hostname".
	Host      string `json:"host"`
	Directory string `json:"directory"`
	Line      int    `json:"line"`
}

// LocalHost is the server list literal that selects local execution.
const LocalHost = "localhost"

// IsLocal reports whether the server runs jobs on this machine.
func (s ServerSpec) IsLocal() bool {
	return s.Host == LocalHost
}

// User returns the user part of a remote host, or "" when none was given.
func (s ServerSpec) User() string {
	if i := strings.Index(s.Host, "@"); i >= 0 {
		return s.Host[:i]
	}
	return ""
}

// Hostname returns the host part without the user.
func (s ServerSpec) Hostname() string {
	if i := strings.Index(s.Host, "@"); i >= 0 {
		return s.Host[i+1:]
	}
	return s.Host
}

// String implements fmt.Stringer.
func (s ServerSpec) String() string {
	return s.Host + ":" + s.Directory
}
