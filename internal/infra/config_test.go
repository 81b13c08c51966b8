package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlatform(t *testing.T) PlatformPaths {
	p := PlatformFor("linux")
	p.ConfigDirs = []string{t.TempDir()}
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	platform := testPlatform(t)

	cfg, err := LoadConfig("", platform)
	require.NoError(t, err)

	assert.Equal(t, platform.LogPath, cfg.Log.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/var/log/appblock.out.log", cfg.Log.StdoutPath)
	assert.Equal(t, "/var/log/appblock.err.log", cfg.Log.StderrPath)
	assert.NotEqual(t, cfg.Log.Path, cfg.Log.StdoutPath)
	assert.NotEqual(t, cfg.Log.Path, cfg.Log.StderrPath)
	assert.Equal(t, DefaultEventLogPath, cfg.Events.Path)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, platform.DataDir, cfg.History.Dir)
	assert.Equal(t, 90*24*time.Hour, cfg.History.Retention)
	assert.Equal(t, "0 3 * * *", cfg.History.PruneSchedule)
	assert.Equal(t, platform.PolicyDirs, cfg.Policy.Dirs)
	assert.Equal(t, 30*time.Second, cfg.Policy.MaxAge)
	assert.Equal(t, platform.InstallPath, cfg.Service.InstallPath)
	assert.Equal(t, SupervisorAuto, cfg.Service.Supervisor)
	assert.Equal(t, SourceAuto, cfg.Engine.Source)
	assert.Equal(t, DefaultScanInterval, cfg.Engine.ScanInterval)
	assert.Equal(t, 10*time.Second, cfg.Engine.ActionTimeout)
	assert.Empty(t, cfg.Metrics.Listen)
	assert.Equal(t, uint32(3), cfg.Notify.MaxFailures)
	assert.Equal(t, time.Minute, cfg.Notify.OpenTimeout)
	assert.Equal(t, DefaultLaunchGrace, cfg.Notify.LaunchGrace)
}

func TestLoadConfig_FileInConfigDir(t *testing.T) {
	platform := testPlatform(t)
	content := `
log:
  level: debug
engine:
  source: scan
  scan_interval: 2s
history:
  enabled: false
policy:
  dirs: ["/opt/policies"]
`
	require.NoError(t, os.WriteFile(filepath.Join(platform.ConfigDirs[0], "config.yaml"), []byte(content), 0644))

	cfg, err := LoadConfig("", platform)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, SourceScan, cfg.Engine.Source)
	assert.Equal(t, 2*time.Second, cfg.Engine.ScanInterval)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, []string{"/opt/policies"}, cfg.Policy.Dirs)
	assert.Equal(t, 10*time.Second, cfg.Engine.ActionTimeout, "unset keys keep defaults")
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("APPBLOCK_ENGINE_SOURCE", "scan")
	t.Setenv("APPBLOCK_METRICS_LISTEN", "127.0.0.1:9464")
	t.Setenv("APPBLOCK_NOTIFY_OPEN_TIMEOUT", "5m")

	cfg, err := LoadConfig("", testPlatform(t))
	require.NoError(t, err)

	assert.Equal(t, SourceScan, cfg.Engine.Source)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
	assert.Equal(t, 5*time.Minute, cfg.Notify.OpenTimeout)
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.yaml"), testPlatform(t))
		assert.Error(t, err)
	})

	t.Run("explicit file is read", func(t *testing.T) {
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("events:\n  path: /tmp/events.log\n"), 0644))

		cfg, err := LoadConfig(path, testPlatform(t))
		require.NoError(t, err)
		assert.Equal(t, "/tmp/events.log", cfg.Events.Path)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log: [unterminated\n"), 0644))

		_, err := LoadConfig(path, testPlatform(t))
		assert.Error(t, err)
	})
}
