package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kirsle/configdir"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	RPC        RPCConfig        `yaml:"rpc"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Format string `yaml:"format"` // json | text
	Level  string `yaml:"level"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite
	URL    string `yaml:"url"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // local | s3
	LocalDir    string `yaml:"local_dir"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	AWSRegion   string `yaml:"aws_region"`
}

// RuntimeConfig covers model environments and their worker processes
type RuntimeConfig struct {
	Root         string        `yaml:"root"`
	PythonBin    string        `yaml:"python_bin"`
	BasePackages []string      `yaml:"base_packages"`
	StopGrace    time.Duration `yaml:"stop_grace"`
}

type DispatcherConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

type RPCConfig struct {
	Attempts    int           `yaml:"attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Load loads configuration from defaults, an optional YAML file named by
// AISERVING_CONFIG and environment variables, in increasing precedence.
// A .env file in the working directory is read into the environment first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := defaults()

	if path := os.Getenv("AISERVING_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Paths left empty follow the runtime root
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = filepath.Join(cfg.Runtime.Root, "objects")
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "file:" + filepath.Join(cfg.Runtime.Root, "aiserving.db") +
			"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Storage: StorageConfig{
			Backend:   "local",
			AWSRegion: "us-east-1",
		},
		Runtime: RuntimeConfig{
			Root:         configdir.LocalCache("aiserving"),
			PythonBin:    "python3",
			BasePackages: []string{"numpy"},
			StopGrace:    5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Workers:     4,
			MaxAttempts: 1,
		},
		RPC: RPCConfig{
			Attempts:    3,
			BaseDelay:   time.Second,
			DialTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval: 3 * time.Second,
		},
	}
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getEnv("STORAGE_DIR", c.Storage.LocalDir)
	c.Storage.S3Bucket = getEnv("S3_BUCKET", c.Storage.S3Bucket)
	c.Storage.S3Endpoint = getEnv("S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.AWSRegion = getEnv("AWS_REGION", c.Storage.AWSRegion)
	c.Runtime.Root = getEnv("AISERVING_RUNTIME_ROOT", c.Runtime.Root)
	c.Runtime.PythonBin = getEnv("PYTHON_BIN", c.Runtime.PythonBin)
	if v := os.Getenv("BASE_PACKAGES"); v != "" {
		c.Runtime.BasePackages = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}

	var err error
	if c.Storage.S3PathStyle, err = getEnvBool("S3_PATH_STYLE", c.Storage.S3PathStyle); err != nil {
		return err
	}
	if c.Dispatcher.Workers, err = getEnvInt("DISPATCHER_WORKERS", c.Dispatcher.Workers); err != nil {
		return err
	}
	if c.Dispatcher.MaxAttempts, err = getEnvInt("DISPATCHER_MAX_ATTEMPTS", c.Dispatcher.MaxAttempts); err != nil {
		return err
	}
	if c.RPC.Attempts, err = getEnvInt("RPC_ATTEMPTS", c.RPC.Attempts); err != nil {
		return err
	}
	if c.RPC.BaseDelay, err = getEnvDuration("RPC_BASE_DELAY", c.RPC.BaseDelay); err != nil {
		return err
	}
	if c.Monitor.Interval, err = getEnvDuration("MONITOR_INTERVAL", c.Monitor.Interval); err != nil {
		return err
	}
	if c.Runtime.StopGrace, err = getEnvDuration("WORKER_STOP_GRACE", c.Runtime.StopGrace); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required for driver %s", c.Database.Driver)
	}

	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	if c.Runtime.Root == "" {
		return fmt.Errorf("runtime root is required")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher workers must be positive")
	}
	if c.RPC.Attempts < 1 {
		return fmt.Errorf("rpc attempts must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger from the log settings
func (c *Config) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
