package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"AISERVING_CONFIG", "SERVER_PORT", "LOG_FORMAT", "LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_URL",
	"STORAGE_BACKEND", "STORAGE_DIR", "S3_BUCKET", "S3_ENDPOINT", "S3_PATH_STYLE", "AWS_REGION",
	"AISERVING_RUNTIME_ROOT", "PYTHON_BIN", "BASE_PACKAGES", "DISPATCHER_WORKERS", "DISPATCHER_MAX_ATTEMPTS",
	"RPC_ATTEMPTS", "RPC_BASE_DELAY", "MONITOR_INTERVAL", "WORKER_STOP_GRACE",
}

// cleanEnv isolates Load from the host environment and any .env file
func cleanEnv(t *testing.T) string {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)
	root := filepath.Join(t.TempDir(), "runtime")
	t.Setenv("AISERVING_RUNTIME_ROOT", root)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Contains(t, cfg.Database.URL, filepath.Join(root, "aiserving.db"))
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(root, "objects"), cfg.Storage.LocalDir)
	assert.Equal(t, "python3", cfg.Runtime.PythonBin)
	assert.Equal(t, []string{"numpy"}, cfg.Runtime.BasePackages)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 1, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 3, cfg.RPC.Attempts)
	assert.Equal(t, time.Second, cfg.RPC.BaseDelay)
	assert.Equal(t, 3*time.Second, cfg.Monitor.Interval)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := cleanEnv(t)
	path := filepath.Join(dir, "aiserving.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
log:
  format: text
  level: debug
database:
  driver: postgres
  url: postgres://localhost/aiserving?sslmode=disable
runtime:
  root: /var/lib/aiserving
  base_packages: [numpy, pillow]
dispatcher:
  workers: 8
monitor:
  interval: 1s
`), 0644))
	t.Setenv("AISERVING_CONFIG", path)
	t.Setenv("DISPATCHER_WORKERS", "2")
	t.Setenv("RPC_BASE_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/aiserving?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, []string{"numpy", "pillow"}, cfg.Runtime.BasePackages)
	assert.Equal(t, "/var/lib/aiserving/objects", cfg.Storage.LocalDir)
	assert.Equal(t, 2, cfg.Dispatcher.Workers, "env overrides the file")
	assert.Equal(t, 250*time.Millisecond, cfg.RPC.BaseDelay)
	assert.Equal(t, time.Second, cfg.Monitor.Interval)
	assert.True(t, cfg.NewLogger().Enabled(context.Background(), slog.LevelDebug))
}

func TestLoadDotEnv(t *testing.T) {
	dir := cleanEnv(t)
	t.Setenv("AISERVING_RUNTIME_ROOT", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PYTHON_BIN=python3.11\n"), 0644))
	// godotenv never overrides a variable that is set, even to ""
	require.NoError(t, os.Unsetenv("PYTHON_BIN"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "python3.11", cfg.Runtime.PythonBin)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "unsupported database driver"},
		{"postgres without url", map[string]string{"DATABASE_DRIVER": "postgres"}, "database url is required"},
		{"s3 without bucket", map[string]string{"STORAGE_BACKEND": "s3"}, "S3_BUCKET is required"},
		{"backend", map[string]string{"STORAGE_BACKEND": "ftp"}, "unsupported storage backend"},
		{"workers", map[string]string{"DISPATCHER_WORKERS": "0"}, "dispatcher workers"},
		{"bad int", map[string]string{"RPC_ATTEMPTS": "three"}, "invalid RPC_ATTEMPTS"},
		{"bad duration", map[string]string{"MONITOR_INTERVAL": "soon"}, "invalid MONITOR_INTERVAL"},
		{"level", map[string]string{"LOG_LEVEL": "loud"}, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv("AISERVING_RUNTIME_ROOT", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
