package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/crossval/pkg/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Partition.Folds)
	assert.Equal(t, 1, cfg.Partition.TestFolds)
	assert.Equal(t, "svmlight", cfg.Partition.Format)
	assert.Equal(t, 22, cfg.Remote.Port)
	assert.Equal(t, []string{"svm_learn", "svm_classify"}, cfg.Remote.ClassifierExecutables)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "crossval.yaml")

	configContent := `
partition:
  folds: 10
  test_folds: 2
  format: arff
  seed: 42

run:
  job_timeout: 2h

remote:
  port: 2222
  identity_files:
    - ~/.ssh/id_ed25519
  connect_attempts: 5

logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Partition.Folds)
	assert.Equal(t, 2, cfg.Partition.TestFolds)
	assert.Equal(t, "arff", cfg.Partition.Format)
	assert.Equal(t, int64(42), cfg.Partition.Seed)
	assert.Equal(t, 2*time.Hour, cfg.Run.JobTimeout)
	assert.Equal(t, 2222, cfg.Remote.Port)
	assert.Equal(t, []string{"~/.ssh/id_ed25519"}, cfg.Remote.IdentityFiles)
	assert.Equal(t, 5, cfg.Remote.ConnectAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched sections keep defaults
	assert.Equal(t, "bin", cfg.Remote.BinDir)
	assert.Equal(t, "train_and_test", cfg.Local.HelperCommand)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CV_PARTITION_FOLDS", "7")
	t.Setenv("CV_REMOTE_CONNECT_TIMEOUT", "3s")
	t.Setenv("CV_REMOTE_CLASSIFIER_EXECUTABLES", "svm_learn, svm_classify, svm_perf")
	t.Setenv("CV_PARTITION_HAS_IDS", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Partition.Folds)
	assert.True(t, cfg.Partition.HasIDs)
	assert.Equal(t, 3*time.Second, cfg.Remote.ConnectTimeout)
	assert.Equal(t, []string{"svm_learn", "svm_classify", "svm_perf"}, cfg.Remote.ClassifierExecutables)
}

func TestEnvPrefix(t *testing.T) {
	t.Setenv("XV_PARTITION_FOLDS", "4")

	cfg, err := NewLoader().WithEnvPrefix("XV_").Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Partition.Folds)
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("CV_PARTITION_FOLDS", "many")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestOverridesWinOverEnv(t *testing.T) {
	t.Setenv("CV_PARTITION_FOLDS", "7")

	cfg, err := NewLoader().WithOverrides(map[string]string{
		"partition.folds":  "3",
		"run.results_file": "/tmp/out",
		"remote.bin_dir":   ".crossval/bin",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Partition.Folds)
	assert.Equal(t, "/tmp/out", cfg.Run.ResultsFile)
	assert.Equal(t, ".crossval/bin", cfg.Remote.BinDir)
}

func TestUnknownOverride(t *testing.T) {
	_, err := NewLoader().WithOverrides(map[string]string{"partition.nope": "1"}).Load()
	assert.Error(t, err)
}

func TestResolvePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.ResultsFile = "/elsewhere/results"
	cfg.ResolvePaths("/data/exp")

	assert.Equal(t, filepath.Join("/data/exp", "servers_list"), cfg.Run.ServersFile)
	assert.Equal(t, filepath.Join("/data/exp", "svm_params"), cfg.Run.ParamsFile)
	assert.Equal(t, "/elsewhere/results", cfg.Run.ResultsFile)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partition.Folds = 3
	cfg.Partition.TestFolds = 3
	cfg.Partition.Format = "csv"
	cfg.Remote.ConnectAttempts = 0
	cfg.Remote.HelperName = "bin/helper"
	cfg.Logging.Output = "file"

	err := cfg.Validate()
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"partition.test_folds",
		"partition.format",
		"remote.connect_attempts",
		"remote.helper_name",
		"logging.file_path",
	}, fields)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestParseServerList(t *testing.T) {
	content := `# compute nodes
localhost:/tmp/cv_local

alice@node1:/scratch/alice/cv
  bob@node2 : /tmp/cv
`
	servers, err := ParseServerList(strings.NewReader(content))
	require.NoError(t, err)
	require.Len(t, servers, 3)

	assert.True(t, servers[0].IsLocal())
	assert.Equal(t, "/tmp/cv_local", servers[0].Directory)
	assert.Equal(t, 2, servers[0].Line)
	assert.Equal(t, "alice@node1", servers[1].Host)
	assert.Equal(t, "/scratch/alice/cv", servers[1].Directory)
	assert.Equal(t, "bob", servers[2].User())
	assert.Equal(t, "/tmp/cv", servers[2].Directory)
}

func TestParseServerListErrors(t *testing.T) {
	for _, content := range []string{
		"node1:/tmp/cv",
		"alice@node1",
		"alice@node1:",
		":/tmp",
	} {
		_, err := ParseServerList(strings.NewReader(content))
		assert.Error(t, err, content)
		assert.True(t, types.IsKind(err, types.KindInput), content)
	}
}

func TestReadServerList(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadServerList(filepath.Join(dir, "servers_list"))
	assert.True(t, types.IsKind(err, types.KindInput))

	path := filepath.Join(dir, "servers_list")
	require.NoError(t, os.WriteFile(path, []byte("# nothing here\n"), 0644))
	_, err = ReadServerList(path)
	assert.ErrorContains(t, err, "no servers")

	require.NoError(t, os.WriteFile(path, []byte("bad line\n"), 0644))
	_, err = ReadServerList(path)
	assert.ErrorContains(t, err, "path="+path)
}

func TestParamList(t *testing.T) {
	params, err := ParseParamList(strings.NewReader("-c 1\n\n-c  1\n-t 2 -c 1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"-c 1", "-t 2 -c 1"}, params)

	params, err = ParseParamList(strings.NewReader("\n  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, params)

	params, err = ReadParamList(filepath.Join(t.TempDir(), "svm_params"))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, params)
}

func TestRemoteConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.User = "bob"
	cfg.Remote.IdentityFiles = []string{"~/.ssh/cv_key"}

	ssh := cfg.Remote.ToSSH()
	assert.Equal(t, 22, ssh.Port)
	assert.Equal(t, "bob", ssh.User)
	assert.Equal(t, []string{"~/.ssh/cv_key"}, ssh.IdentityFiles)
	assert.True(t, ssh.UseAgent)

	opts := cfg.Remote.ToOptions()
	assert.Equal(t, 3, opts.ConnectAttempts)
	assert.Equal(t, "bin", opts.BinDir)
	assert.Equal(t, []string{"svm_learn", "svm_classify"}, opts.ClassifierExecutables)
	assert.Equal(t, "train_and_test", opts.HelperName)
}
