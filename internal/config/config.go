package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Direct-update modes. AtInstall and OnLaunch are accepted but behave like
// Never until first-launch tracking lands.
const (
	DirectUpdateNever     = "false"
	DirectUpdateTrue      = "true"
	DirectUpdateAlways    = "always"
	DirectUpdateAtInstall = "atInstall"
	DirectUpdateOnLaunch  = "onLaunch"
)

// Config holds all updater configuration.
type Config struct {
	// Host identity
	AppID         string `mapstructure:"app-id"`
	PluginVersion string `mapstructure:"plugin-version"`

	// Native application versions reported to the update service
	VersionBuild string `mapstructure:"version-build"`
	VersionCode  string `mapstructure:"version-code"`
	VersionName  string `mapstructure:"version-name"`
	VersionOS    string `mapstructure:"version-os"`

	// Paths
	UserDataDir string `mapstructure:"user-data-dir"`
	BuiltinPath string `mapstructure:"builtin-path"`

	// Endpoints
	UpdateURL      string `mapstructure:"update-url"`
	ChannelURL     string `mapstructure:"channel-url"`
	StatsURL       string `mapstructure:"stats-url"`
	DefaultChannel string `mapstructure:"default-channel"`

	// Update behaviour
	AppReadyTimeout  int    `mapstructure:"app-ready-timeout"` // milliseconds
	ResponseTimeout  int    `mapstructure:"response-timeout"`  // seconds
	AutoUpdate       bool   `mapstructure:"auto-update"`
	PeriodCheckDelay int    `mapstructure:"period-check-delay"` // seconds
	DirectUpdate     string `mapstructure:"direct-update"`

	// Pruning
	AutoDeleteFailed   bool `mapstructure:"auto-delete-failed"`
	AutoDeletePrevious bool `mapstructure:"auto-delete-previous"`
	ResetWhenUpdate    bool `mapstructure:"reset-when-update"`

	// Security and policy
	PublicKey              string `mapstructure:"public-key"`
	AllowManualBundleError bool   `mapstructure:"allow-manual-bundle-error"`
	PersistCustomID        bool   `mapstructure:"persist-custom-id"`
	PersistModifyURL       bool   `mapstructure:"persist-modify-url"`
	AllowModifyURL         bool   `mapstructure:"allow-modify-url"`
	AllowModifyAppID       bool   `mapstructure:"allow-modify-app-id"`
	IsProd                 bool   `mapstructure:"is-prod"`

	// Extraction limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Download workflow
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// MinPeriodCheckDelay is the lowest effective periodic-check interval in
// seconds; smaller configured values disable scheduling.
const MinPeriodCheckDelay = 600

// Load reads configuration from environment, config file, and defaults.
func Load() (*Config, error) {
	viper.SetDefault("plugin-version", "1.0.0")
	viper.SetDefault("version-build", "1.0.0")
	viper.SetDefault("version-code", "1")
	viper.SetDefault("version-name", "1.0.0")
	viper.SetDefault("version-os", "")
	viper.SetDefault("user-data-dir", ".")
	viper.SetDefault("builtin-path", "")
	viper.SetDefault("update-url", "https://plugin.capgo.app/updates")
	viper.SetDefault("channel-url", "https://plugin.capgo.app/channel_self")
	viper.SetDefault("stats-url", "https://plugin.capgo.app/stats")
	viper.SetDefault("default-channel", "")
	viper.SetDefault("app-ready-timeout", 10_000)
	viper.SetDefault("response-timeout", 20)
	viper.SetDefault("auto-update", true)
	viper.SetDefault("period-check-delay", 0)
	viper.SetDefault("direct-update", DirectUpdateNever)
	viper.SetDefault("auto-delete-failed", true)
	viper.SetDefault("auto-delete-previous", true)
	viper.SetDefault("reset-when-update", true)
	viper.SetDefault("is-prod", true)
	viper.SetDefault("max-file-size", 2*1024*1024*1024)
	viper.SetDefault("max-total-size", 20*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("fsm-max-retries", 5)

	viper.SetEnvPrefix("ELECTRON_UPDATER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetConfigName("updater")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.electron-updater")

	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.UserDataDir == "" {
		return fmt.Errorf("user-data-dir cannot be empty")
	}
	if c.UpdateURL == "" {
		return fmt.Errorf("update-url cannot be empty")
	}
	if c.AppReadyTimeout <= 0 {
		return fmt.Errorf("app-ready-timeout must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("response-timeout must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	switch c.DirectUpdate {
	case DirectUpdateNever, DirectUpdateTrue, DirectUpdateAlways, DirectUpdateAtInstall, DirectUpdateOnLaunch:
	default:
		return fmt.Errorf("direct-update must be one of false, true, always, atInstall, onLaunch")
	}
	return nil
}

// DirectUpdateImmediate reports whether a downloaded bundle should be set
// current immediately instead of staged as next. The atInstall and onLaunch
// modes stay conservative until first-launch tracking is implemented.
func (c *Config) DirectUpdateImmediate() bool {
	return c.DirectUpdate == DirectUpdateTrue || c.DirectUpdate == DirectUpdateAlways
}
