package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxInstances)
	assert.Equal(t, 70, cfg.Accounts.MinHealthThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Worker.UploadTimeout)
	assert.Equal(t, 3, cfg.Tasks.MaxAttempts)
	assert.Greater(t, cfg.Pool.LockTTL, cfg.Worker.UploadTimeout)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POOL_MAX_INSTANCES", "8")
	t.Setenv("WORKER_UPLOAD_TIMEOUT", "10m")
	t.Setenv("POOL_PERSISTENT_BINDINGS", "profile-a,profile-b")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.MaxInstances)
	assert.Equal(t, 10*time.Minute, cfg.Worker.UploadTimeout)
	assert.Equal(t, []string{"profile-a", "profile-b"}, cfg.Pool.PersistentBindings)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatcher.yaml")
	content := []byte("pool:\n  min_instances: 1\n  max_instances: 2\nworker:\n  concurrency: 6\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Pool.MinInstances)
	assert.Equal(t, 2, cfg.Pool.MaxInstances)
	assert.Equal(t, 6, cfg.Worker.Concurrency)
}

func TestValidateRejectsShortLockTTL(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POOL_LOCK_TTL", "5m")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_ttl")
}

func TestValidateRejectsMinAboveMax(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POOL_MIN_INSTANCES", "5")
	t.Setenv("POOL_MAX_INSTANCES", "2")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_instances")
}

func TestValidateRejectsReservationShorterThanRun(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WORKER_UPLOAD_TIMEOUT", "60m")
	t.Setenv("POOL_LOCK_TTL", "70m")
	t.Setenv("ACCOUNTS_RESERVATION_TTL", "45m")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reservation_ttl")

	t.Setenv("ACCOUNTS_RESERVATION_TTL", "75m")
	_, err = Load("")
	assert.NoError(t, err)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
