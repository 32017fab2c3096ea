package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/crossval/internal/remote"
	"yqhp/crossval/pkg/logger"
)

// Config represents the complete configuration for crossval.
type Config struct {
	Partition PartitionConfig `yaml:"partition"`
	Run       RunConfig       `yaml:"run"`
	Local     LocalConfig     `yaml:"local"`
	Remote    RemoteConfig    `yaml:"remote"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PartitionConfig controls fold assignment and matrix construction.
type PartitionConfig struct {
	Folds     int    `yaml:"folds" env:"CV_PARTITION_FOLDS"`
	TestFolds int    `yaml:"test_folds" env:"CV_PARTITION_TEST_FOLDS"`
	Format    string `yaml:"format" env:"CV_PARTITION_FORMAT"`
	HasIDs    bool   `yaml:"has_ids" env:"CV_PARTITION_HAS_IDS"`
	Seed      int64  `yaml:"seed" env:"CV_PARTITION_SEED"`
}

// RunConfig controls job dispatch. Empty file paths are resolved against the
// experiment root by ResolvePaths.
type RunConfig struct {
	ServersFile string        `yaml:"servers_file" env:"CV_RUN_SERVERS_FILE"`
	ParamsFile  string        `yaml:"params_file" env:"CV_RUN_PARAMS_FILE"`
	ResultsFile string        `yaml:"results_file" env:"CV_RUN_RESULTS_FILE"`
	JobTimeout  time.Duration `yaml:"job_timeout" env:"CV_RUN_JOB_TIMEOUT"`
}

// LocalConfig controls the in-process worker.
type LocalConfig struct {
	HelperCommand string `yaml:"helper_command" env:"CV_LOCAL_HELPER_COMMAND"`
}

// RemoteConfig controls SSH workers and remote bootstrap.
type RemoteConfig struct {
	Port                  int           `yaml:"port" env:"CV_REMOTE_PORT"`
	User                  string        `yaml:"user" env:"CV_REMOTE_USER"`
	KnownHostsFile        string        `yaml:"known_hosts_file" env:"CV_REMOTE_KNOWN_HOSTS_FILE"`
	IdentityFiles         []string      `yaml:"identity_files" env:"CV_REMOTE_IDENTITY_FILES"`
	UseAgent              bool          `yaml:"use_agent" env:"CV_REMOTE_USE_AGENT"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" env:"CV_REMOTE_CONNECT_TIMEOUT"`
	KeepAliveInterval     time.Duration `yaml:"keepalive_interval" env:"CV_REMOTE_KEEPALIVE_INTERVAL"`
	ConnectAttempts       int           `yaml:"connect_attempts" env:"CV_REMOTE_CONNECT_ATTEMPTS"`
	RetryInterval         time.Duration `yaml:"retry_interval" env:"CV_REMOTE_RETRY_INTERVAL"`
	BinDir                string        `yaml:"bin_dir" env:"CV_REMOTE_BIN_DIR"`
	ClassifierURL         string        `yaml:"classifier_url" env:"CV_REMOTE_CLASSIFIER_URL"`
	ClassifierExecutables []string      `yaml:"classifier_executables" env:"CV_REMOTE_CLASSIFIER_EXECUTABLES"`
	HelperName            string        `yaml:"helper_name" env:"CV_REMOTE_HELPER_NAME"`
	HelperPath            string        `yaml:"helper_path" env:"CV_REMOTE_HELPER_PATH"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"CV_LOG_LEVEL"`
	Format     string `yaml:"format" env:"CV_LOG_FORMAT"`
	Output     string `yaml:"output" env:"CV_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"CV_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"CV_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"CV_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"CV_LOG_MAX_AGE"`
	Compress   bool   `yaml:"compress" env:"CV_LOG_COMPRESS"`
}

// ToLogger converts the logging section into a logger.Config.
func (c LoggingConfig) ToLogger() *logger.Config {
	return &logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

// ToSSH converts the remote section into dialer settings.
func (c RemoteConfig) ToSSH() remote.SSHConfig {
	return remote.SSHConfig{
		Port:              c.Port,
		User:              c.User,
		KnownHostsFile:    c.KnownHostsFile,
		IdentityFiles:     c.IdentityFiles,
		UseAgent:          c.UseAgent,
		ConnectTimeout:    c.ConnectTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
	}
}

// ToOptions converts the remote section into connection options.
func (c RemoteConfig) ToOptions() remote.Options {
	return remote.Options{
		ConnectAttempts:       c.ConnectAttempts,
		RetryInterval:         c.RetryInterval,
		BinDir:                c.BinDir,
		ClassifierURL:         c.ClassifierURL,
		ClassifierExecutables: c.ClassifierExecutables,
		HelperName:            c.HelperName,
		HelperPath:            c.HelperPath,
	}
}

// DefaultClassifierURL is the versioned download location of the classifier binaries.
const DefaultClassifierURL = "http://download.joachims.org/svm_light/current/svm_light_linux64.tar.gz"

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Partition: PartitionConfig{
			Folds:     5,
			TestFolds: 1,
			Format:    "svmlight",
			HasIDs:    false,
			Seed:      1,
		},
		Run: RunConfig{
			JobTimeout: 0,
		},
		Local: LocalConfig{
			HelperCommand: "train_and_test",
		},
		Remote: RemoteConfig{
			Port:                  22,
			UseAgent:              true,
			ConnectTimeout:        15 * time.Second,
			KeepAliveInterval:     30 * time.Second,
			ConnectAttempts:       3,
			RetryInterval:         2 * time.Second,
			BinDir:                "bin",
			ClassifierURL:         DefaultClassifierURL,
			ClassifierExecutables: []string{"svm_learn", "svm_classify"},
			HelperName:            "train_and_test",
			HelperPath:            "scripts/train_and_test",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "console",
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     14,
		},
	}
}

// ResolvePaths fills empty run file paths with their defaults under root.
func (c *Config) ResolvePaths(root string) {
	if c.Run.ServersFile == "" {
		c.Run.ServersFile = filepath.Join(root, "servers_list")
	}
	if c.Run.ParamsFile == "" {
		c.Run.ParamsFile = filepath.Join(root, "svm_params")
	}
	if c.Run.ResultsFile == "" {
		c.Run.ResultsFile = filepath.Join(root, "results")
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	overrides  map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "CV_",
		overrides: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables. Tags are written
// with the default "CV_" prefix; a different prefix replaces it.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithOverrides sets dot-path overrides such as "partition.folds" => "10".
func (l *Loader) WithOverrides(overrides map[string]string) *Loader {
	l.overrides = overrides
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < overrides
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.overrides {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. An explicitly named
// file that does not exist is an error.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		if l.envPrefix != "CV_" {
			envTag = l.envPrefix + strings.TrimPrefix(envTag, "CV_")
		}

		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path, matching
// yaml tag names.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
