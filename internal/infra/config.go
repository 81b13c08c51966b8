package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. APPBLOCK_ENGINE_SOURCE=scan.
const EnvPrefix = "APPBLOCK"

// Config is the service configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Events  EventsConfig  `mapstructure:"events"`
	History HistoryConfig `mapstructure:"history"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Service ServiceConfig `mapstructure:"service"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// LogConfig configures the zap logger and the supervisor's output captures.
// The captures must not point at Path or raw output interleaves with JSON.
type LogConfig struct {
	Path       string `mapstructure:"path"`
	Level      string `mapstructure:"level"` // debug, info, warn, error
	StdoutPath string `mapstructure:"stdout_path"`
	StderrPath string `mapstructure:"stderr_path"`
}

// EventsConfig locates the enforcement event log.
type EventsConfig struct {
	Path string `mapstructure:"path"`
}

// HistoryConfig controls the encrypted enforcement history.
type HistoryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Dir           string        `mapstructure:"dir"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

// PolicyConfig controls where block policies are read from.
type PolicyConfig struct {
	Dirs   []string      `mapstructure:"dirs"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// ServiceConfig controls installation.
type ServiceConfig struct {
	InstallPath   string `mapstructure:"install_path"`
	Supervisor    string `mapstructure:"supervisor"` // auto, launchd, systemd
	DescriptorDir string `mapstructure:"descriptor_dir"`
}

// EngineConfig tunes the enforcement loop.
type EngineConfig struct {
	Source        string        `mapstructure:"source"` // auto, fanotify, scan
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// NotifyConfig configures the notifier circuit breaker.
type NotifyConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	LaunchGrace time.Duration `mapstructure:"launch_grace"`
}

// LoadConfig merges defaults, an optional config.yaml and APPBLOCK_* env vars.
// An explicit path must exist; otherwise the platform config dirs are searched.
func LoadConfig(path string, platform PlatformPaths) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range platform.ConfigDirs {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v, platform)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, platform PlatformPaths) {
	v.SetDefault("log.path", platform.LogPath)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout_path", platform.StdoutPath)
	v.SetDefault("log.stderr_path", platform.StderrPath)
	v.SetDefault("events.path", DefaultEventLogPath)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dir", platform.DataDir)
	v.SetDefault("history.retention", 90*24*time.Hour)
	v.SetDefault("history.prune_schedule", "0 3 * * *")
	v.SetDefault("policy.dirs", platform.PolicyDirs)
	v.SetDefault("policy.max_age", 30*time.Second)
	v.SetDefault("service.install_path", platform.InstallPath)
	v.SetDefault("service.supervisor", SupervisorAuto)
	v.SetDefault("service.descriptor_dir", "")
	v.SetDefault("engine.source", SourceAuto)
	v.SetDefault("engine.scan_interval", DefaultScanInterval)
	v.SetDefault("engine.action_timeout", 10*time.Second)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("notify.max_failures", 3)
	v.SetDefault("notify.open_timeout", time.Minute)
	v.SetDefault("notify.launch_grace", DefaultLaunchGrace)
}
