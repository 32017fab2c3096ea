package config

import (
	"fmt"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/duke-git/lancet/v2/strutil"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validatePartitionConfig(&cfg.Partition)
	v.validateRunConfig(&cfg.Run)
	v.validateLocalConfig(&cfg.Local)
	v.validateRemoteConfig(&cfg.Remote)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

var validFormats = []string{"svmlight", "arff"}

func (v *Validator) validatePartitionConfig(cfg *PartitionConfig) {
	if cfg.Folds < 2 {
		v.addError("partition.folds", "at least 2 folds are required")
	}
	if cfg.TestFolds < 1 {
		v.addError("partition.test_folds", "at least 1 test fold is required")
	} else if cfg.Folds >= 2 && cfg.TestFolds >= cfg.Folds {
		v.addError("partition.test_folds", fmt.Sprintf("test folds must be less than folds (%d)", cfg.Folds))
	}
	if !slice.Contain(validFormats, strings.ToLower(cfg.Format)) {
		v.addError("partition.format", fmt.Sprintf("invalid format '%s', must be one of: %s", cfg.Format, strings.Join(validFormats, ", ")))
	}
}

func (v *Validator) validateRunConfig(cfg *RunConfig) {
	if cfg.JobTimeout < 0 {
		v.addError("run.job_timeout", "job timeout must be non-negative")
	}
}

func (v *Validator) validateLocalConfig(cfg *LocalConfig) {
	if strutil.IsBlank(cfg.HelperCommand) {
		v.addError("local.helper_command", "helper command is required")
	}
}

func (v *Validator) validateRemoteConfig(cfg *RemoteConfig) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("remote.port", fmt.Sprintf("invalid port %d", cfg.Port))
	}
	if cfg.ConnectTimeout < 0 {
		v.addError("remote.connect_timeout", "connect timeout must be non-negative")
	}
	if cfg.KeepAliveInterval < 0 {
		v.addError("remote.keepalive_interval", "keepalive interval must be non-negative")
	}
	if cfg.ConnectAttempts < 1 {
		v.addError("remote.connect_attempts", "at least 1 connect attempt is required")
	}
	if cfg.RetryInterval < 0 {
		v.addError("remote.retry_interval", "retry interval must be non-negative")
	}
	if strutil.IsBlank(cfg.BinDir) {
		v.addError("remote.bin_dir", "bin dir is required")
	}
	if strutil.IsBlank(cfg.HelperName) {
		v.addError("remote.helper_name", "helper name is required")
	} else if strings.ContainsAny(cfg.HelperName, "/ \t") {
		v.addError("remote.helper_name", "helper name must be a bare command name")
	}
	if strutil.IsBlank(cfg.HelperPath) {
		v.addError("remote.helper_path", "helper path is required")
	}
	if strutil.IsBlank(cfg.ClassifierURL) {
		v.addError("remote.classifier_url", "classifier url is required")
	}
	if len(cfg.ClassifierExecutables) == 0 {
		v.addError("remote.classifier_executables", "at least one classifier executable is required")
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !slice.Contain(validLevels, strings.ToLower(cfg.Level)) {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	if !slice.Contain([]string{"json", "console"}, strings.ToLower(cfg.Format)) {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch strings.ToLower(cfg.Output) {
	case "console":
	case "file", "both":
		if strutil.IsBlank(cfg.FilePath) {
			v.addError("logging.file_path", "file path is required when output includes file")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: console, file, both", cfg.Output))
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
