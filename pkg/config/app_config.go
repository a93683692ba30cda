// Package config handles application and user configuration. Adapted from
// the teacher's pkg/config: same XDG-backed discovery, default-then-merge
// YAML loading, and atomic round-trip write, with the GUI/keybinding/theme
// trees replaced by the knobs this control plane actually exposes.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// PortBandConfig is the inclusive [Low, High] port range reserved for a
// stack, per spec.md's Band glossary entry.
type PortBandConfig struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// PortsConfig holds the band partitioning and system-reserved range.
type PortsConfig struct {
	SystemReserved PortBandConfig            `yaml:"systemReserved"`
	Bands          map[string]PortBandConfig `yaml:"bands"`
}

// ContainerConfig holds the resource limits and image map used when
// creating containers.
type ContainerConfig struct {
	NetworkName     string            `yaml:"networkName"`
	MemoryLimitMiB  int64             `yaml:"memoryLimitMiB"`
	CPUQuotaCores   float64           `yaml:"cpuQuotaCores"`
	StopGraceSec    int               `yaml:"stopGraceSec"`
	Images          map[string]string `yaml:"images"`
	WorkspaceTarget string            `yaml:"workspaceTarget"`
}

// MetricsConfig holds the sampler rates and retention windows.
type MetricsConfig struct {
	FastInterval      time.Duration `yaml:"fastInterval"`
	MediumInterval    time.Duration `yaml:"mediumInterval"`
	SlowInterval      time.Duration `yaml:"slowInterval"`
	AggregationPeriod time.Duration `yaml:"aggregationPeriod"`
	RetentionSweep    time.Duration `yaml:"retentionSweep"`
	HighResRetention  time.Duration `yaml:"highResRetention"`
	AggregateRetain   time.Duration `yaml:"aggregateRetention"`
}

// LogsConfig holds the log pipeline's buffer and index settings.
type LogsConfig struct {
	RingBufferLines int           `yaml:"ringBufferLines"`
	IndexRefresh    time.Duration `yaml:"indexRefresh"`
	QueryCacheSize  int           `yaml:"queryCacheSize"`
	QueryCacheTTL   time.Duration `yaml:"queryCacheTTL"`
}

// FallbackConfig holds the ordered list of fallback alternatives the
// FALLBACK strategy tries before giving up and flagging a component as
// requiring manual intervention.
type FallbackConfig struct {
	Actions []string `yaml:"actions"`
}

// RestartConfig holds the RESTART strategy's timing.
type RestartConfig struct {
	GracePeriod time.Duration `yaml:"gracePeriod"`
}

// DegradeConfig holds the DEGRADE strategy's effect: which mode to report
// and which features to switch off while a component stays unhealthy.
type DegradeConfig struct {
	Mode            string   `yaml:"mode"`
	DisableFeatures []string `yaml:"disableFeatures"`
}

// HealthConfig holds the health engine's probe interval and recovery
// thresholds.
type HealthConfig struct {
	ProbeInterval         time.Duration  `yaml:"probeInterval"`
	ConsecutiveFailures   int            `yaml:"consecutiveFailures"`
	ErrorRateThreshold    float64        `yaml:"errorRateThreshold"`
	ResponseTimeThreshold time.Duration  `yaml:"responseTimeThreshold"`
	RetryMaxAttempts      int            `yaml:"retryMaxAttempts"`
	RetryInitialDelay     time.Duration  `yaml:"retryInitialDelay"`
	RetryMultiplier       float64        `yaml:"retryMultiplier"`
	RetryJitter           float64        `yaml:"retryJitter"`
	Fallback              FallbackConfig `yaml:"fallback"`
	Restart               RestartConfig  `yaml:"restart"`
	Degrade               DegradeConfig  `yaml:"degrade"`
}

// SubscriptionConfig holds the defaults shared by log and metrics streams.
type SubscriptionConfig struct {
	QueueSize          int           `yaml:"queueSize"`
	InactivityTimeout  time.Duration `yaml:"inactivityTimeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	HistoryChunkSize   int           `yaml:"historyChunkSize"`
	HistoryChunkDelay  time.Duration `yaml:"historyChunkDelay"`
}

// UserConfig holds all of the user-configurable options.
type UserConfig struct {
	BindAddress   string              `yaml:"bindAddress,omitempty"`
	Port          int                 `yaml:"port,omitempty"`
	DataDir       string              `yaml:"dataDir,omitempty"`
	NativeMode    bool                `yaml:"nativeMode,omitempty"`
	Ports         PortsConfig         `yaml:"ports,omitempty"`
	Container     ContainerConfig     `yaml:"container,omitempty"`
	Metrics       MetricsConfig       `yaml:"metrics,omitempty"`
	Logs          LogsConfig          `yaml:"logs,omitempty"`
	Health        HealthConfig        `yaml:"health,omitempty"`
	Subscriptions SubscriptionConfig  `yaml:"subscriptions,omitempty"`
	BatchParallel int                 `yaml:"batchParallelism,omitempty"`
}

// GetDefaultConfig returns the application default configuration. As in
// the teacher's own note: do not default a bool to true, since false is
// the zero value and would be silently dropped by the omitempty merge.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		BindAddress: "127.0.0.1",
		Port:        2601,
		NativeMode:  false,
		Ports: PortsConfig{
			SystemReserved: PortBandConfig{Low: 2601, High: 2699},
			Bands: map[string]PortBandConfig{
				"node":   {Low: 3000, High: 3999},
				"vite":   {Low: 3000, High: 3999},
				"static": {Low: 4000, High: 4999},
				"python": {Low: 5000, High: 5999},
				"php":    {Low: 8080, High: 8980},
				"go":     {Low: 4000, High: 4999},
				"rust":   {Low: 4000, High: 4999},
				"java":   {Low: 4000, High: 4999},
				"ruby":   {Low: 4000, High: 4999},
				"dotnet": {Low: 4000, High: 4999},
			},
		},
		Container: ContainerConfig{
			NetworkName:     "debug-host-network",
			MemoryLimitMiB:  2048,
			CPUQuotaCores:   2.0,
			StopGraceSec:    10,
			WorkspaceTarget: "/app",
			Images: map[string]string{
				"node":   "debug-host/node:latest",
				"vite":   "debug-host/node:latest",
				"python": "debug-host/python:latest",
				"php":    "debug-host/php:latest",
				"static": "debug-host/static:latest",
				"go":     "debug-host/go:latest",
				"rust":   "debug-host/rust:latest",
				"java":   "debug-host/java:latest",
				"ruby":   "debug-host/ruby:latest",
				"dotnet": "debug-host/dotnet:latest",
			},
		},
		Metrics: MetricsConfig{
			FastInterval:      time.Second,
			MediumInterval:    5 * time.Second,
			SlowInterval:      30 * time.Second,
			AggregationPeriod: 5 * time.Minute,
			RetentionSweep:    10 * time.Minute,
			HighResRetention:  7 * 24 * time.Hour,
			AggregateRetain:   30 * 24 * time.Hour,
		},
		Logs: LogsConfig{
			RingBufferLines: 2000,
			IndexRefresh:    time.Minute,
			QueryCacheSize:  100,
			QueryCacheTTL:   5 * time.Minute,
		},
		Health: HealthConfig{
			ProbeInterval:         30 * time.Second,
			ConsecutiveFailures:   3,
			ErrorRateThreshold:    0.10,
			ResponseTimeThreshold: 5 * time.Second,
			RetryMaxAttempts:      3,
			RetryInitialDelay:     100 * time.Millisecond,
			RetryMultiplier:       2.0,
			RetryJitter:           0.10,
			Fallback: FallbackConfig{
				Actions: []string{"cache", "default", "manual"},
			},
			Restart: RestartConfig{
				GracePeriod: 2 * time.Second,
			},
			Degrade: DegradeConfig{
				Mode:            "reduced",
				DisableFeatures: []string{"metrics-fast-interval", "log-search-index"},
			},
		},
		Subscriptions: SubscriptionConfig{
			QueueSize:         256,
			InactivityTimeout: 5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			HistoryChunkSize:  10,
			HistoryChunkDelay: 50 * time.Millisecond,
		},
		BatchParallel: 4,
	}
}

// AppConfig contains the base configuration fields for the control plane.
type AppConfig struct {
	Debug      bool `long:"debug" env:"DEBUG" default:"false"`
	Version    string
	Commit     string
	BuildDate  string
	Name       string
	UserConfig *UserConfig
	ConfigDir  string
}

// NewAppConfig builds the application config, loading and merging any
// on-disk user config found under the XDG config directory.
func NewAppConfig(name, version, commit, date string, debug bool) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		Name:       name,
		Version:    version,
		Commit:     commit,
		BuildDate:  date,
		Debug:      debug || os.Getenv("DEBUG") == "TRUE",
		UserConfig: userConfig,
		ConfigDir:  configDir,
	}, nil
}

func configDir(projectName string) string {
	if envConfigDir := os.Getenv("DEBUG_HOST_CONFIG_DIR"); envConfigDir != "" {
		return envConfigDir
	}
	dirs := xdg.New("", projectName)
	return dirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	config := GetDefaultConfig()
	return loadUserConfig(configDir, &config)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig lets you mutate and persist the user config. Zero
// values may be dropped by the omitempty yaml directive, matching the
// teacher's own caveat.
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the filename of the current config file.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}

// DataDir returns the directory in which persisted state (ports, projects,
// metrics, logs) is stored, overridable by DEBUG_HOST_DATA_DIR.
func (c *AppConfig) DataDir() string {
	if env := os.Getenv("DEBUG_HOST_DATA_DIR"); env != "" {
		return env
	}
	if c.UserConfig.DataDir != "" {
		return c.UserConfig.DataDir
	}
	return filepath.Join(c.ConfigDir, "data")
}
