package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "cadence.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 3, cfg.Engine.DefaultMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Engine.BackoffBase())
	assert.Equal(t, time.Second, cfg.Engine.PollInterval())
	assert.Equal(t, 20*time.Second, cfg.Notify.Keepalive())
	assert.True(t, cfg.Notify.Inbox)
	assert.Empty(t, cfg.Notify.RedisAddr)
}

func TestValidate_ZeroValues(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "zero config is valid",
			config:  Config{},
			wantErr: false,
		},
		{
			name:    "negative workers is invalid",
			config:  Config{Engine: EngineConfig{Workers: -1}},
			wantErr: true,
		},
		{
			name:    "workers without poll interval is invalid",
			config:  Config{Engine: EngineConfig{Workers: 2}},
			wantErr: true,
		},
		{
			name:    "negative max retries is invalid",
			config:  Config{Engine: EngineConfig{DefaultMaxRetries: -1}},
			wantErr: true,
		},
		{
			name:    "zero reconcile interval is valid (startup only)",
			config:  Config{Engine: EngineConfig{ReconcileIntervalSeconds: 0}},
			wantErr: false,
		},
		{
			name:    "redis without channel is invalid",
			config:  Config{Notify: NotifyConfig{RedisAddr: "localhost:6379"}},
			wantErr: true,
		},
		{
			name:    "negative http rate is invalid",
			config:  Config{Handlers: HandlersConfig{HTTPRequestsPerSecond: -1}},
			wantErr: true,
		},
		{
			name:    "port out of range is invalid",
			config:  Config{Server: ServerConfig{Port: 70000}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	content := `
[database]
path = "/var/lib/cadence/jobs.db"

[engine]
workers = 8
backoff_base_ms = 250

[notify]
keepalive_seconds = 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cadence/jobs.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.BackoffBase())
	assert.Equal(t, 10*time.Second, cfg.Notify.Keepalive())
	// Untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Engine.DefaultMaxRetries)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nworkers = -3\n"), DefaultFilePermissions))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.workers")
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", ConfigFileName)

	require.NoError(t, WriteDefaultConfig(path, false))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cadence.db", cfg.Database.Path)

	// Refuses to overwrite without force
	err = WriteDefaultConfig(path, false)
	require.Error(t, err)

	// Force keeps a backup
	require.NoError(t, WriteDefaultConfig(path, true))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nworkers = 2\n"), DefaultFilePermissions))

	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	Reset()
	t.Cleanup(Reset)

	watcher, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	watcher.debouncePeriod = 10 * time.Millisecond

	reloaded := make(chan *Config, 1)
	watcher.OnReload(func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	watcher.Start()
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[engine]\nworkers = 6\n"), DefaultFilePermissions))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 6, cfg.Engine.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher did not reload")
	}
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/etc/cadence/cadence.toml.back1"))
	assert.True(t, isBackupFile("cadence.toml.back3"))
	assert.False(t, isBackupFile("cadence.toml"))
}
