package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/validator"
)

// ErrConfiguration marks failures that must abort a run before any network I/O
var ErrConfiguration = errors.New("configuration error")

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. EDSSYNC_DESTINATION_PASSWORD. Credentials of a source group in the
// file can be overridden as EDSSYNC_SOURCES_<GROUP>_PASSWORD (also _USERNAME
// and _BASE_URL); groups only present in the environment are not discovered.
const EnvPrefix = "EDSSYNC"

// Config is the application configuration
type Config struct {
	Sources     map[string]SourceConfig `mapstructure:"sources" validate:"required,min=1,dive"`
	Destination DestinationConfig       `mapstructure:"destination"`
	Sync        SyncConfig              `mapstructure:"sync"`
	Conversions map[string]Conversion   `mapstructure:"conversions" validate:"dive"`
	Storage     StorageConfig           `mapstructure:"storage"`
	MQTT        MQTTConfig              `mapstructure:"mqtt"`
	Logger      LoggerConfig            `mapstructure:"logger"`
	Metrics     MetricsConfig           `mapstructure:"metrics"`
}

// SourceConfig describes one EDS server. The map key in Config.Sources is the
// source group name used in the point registry (e.g. a plant name).
type SourceConfig struct {
	BaseURL  string `mapstructure:"base_url" validate:"required,url"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password"`
	// Timeout bounds a single HTTP call
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	// PollInterval and RequestTimeout bound AwaitCompletion
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
	// Step is the trend sampling step
	Step      time.Duration `mapstructure:"step" validate:"gte=0"`
	Function  string        `mapstructure:"function" validate:"omitempty,oneof=AVG MIN MAX RAW"`
	MaxPages  int           `mapstructure:"max_pages" validate:"gte=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gte=0"`
	// AllowedQuality overrides Destination.AllowedQuality for this group's stream
	AllowedQuality []string `mapstructure:"allowed_quality" validate:"dive,oneof=GOOD UNCERTAIN QUESTIONABLE SUBSTITUTED NO_DATA BAD ALL"`
	InsecureTLS    bool     `mapstructure:"insecure_tls"`
}

// DestinationConfig describes the RJN Clarity API
type DestinationConfig struct {
	Name     string        `mapstructure:"name" validate:"required"`
	BaseURL  string        `mapstructure:"base_url" validate:"required,url"`
	ClientID string        `mapstructure:"client_id" validate:"required"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Interval int           `mapstructure:"interval" validate:"gte=0"`
	// TimeZone is the Windows zone name RJN reads timestamps in
	TimeZone string `mapstructure:"time_zone"`
	// Location is the IANA zone timestamps are written in. It defaults to the
	// location of TimeZone and must agree with it.
	Location       string   `mapstructure:"location" validate:"timezone"`
	Precision      int      `mapstructure:"precision" validate:"gte=0,lte=10"`
	Comments       string   `mapstructure:"comments"`
	AllowedQuality []string `mapstructure:"allowed_quality" validate:"dive,oneof=GOOD UNCERTAIN QUESTIONABLE SUBSTITUTED NO_DATA BAD ALL"`
	// BreakerFailures is the number of consecutive transport failures that opens the breaker
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gte=0"`
}

// SyncConfig controls the cycle and the checkpoint store
type SyncConfig struct {
	RegistryPath    string        `mapstructure:"registry_path" validate:"required"`
	CheckpointPath  string        `mapstructure:"checkpoint_path" validate:"required"`
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	Offset          time.Duration `mapstructure:"offset" validate:"gte=0,ltfield=Interval"`
	DefaultLookback time.Duration `mapstructure:"default_lookback" validate:"gt=0"`
	MaxLookback     time.Duration `mapstructure:"max_lookback" validate:"gte=0"`
	Granularity     time.Duration `mapstructure:"granularity" validate:"gt=0"`
}

// Conversion is a goja script defining `function convert(v)`
type Conversion struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig is the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=json console"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	Console    bool   `mapstructure:"console"`
}

// MQTTConfig configures the live sample feed
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker" validate:"required_if=Enabled true"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos" validate:"lte=2"`
	Retained    bool   `mapstructure:"retained"`
}

// MetricsConfig configures the Prometheus endpoint served in daemon mode
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

// StorageConfig configures the local sample archive
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig is the file archive configuration
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// DatabaseStorageConfig is the database archive configuration
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type" validate:"required_if=Enabled true,omitempty,oneof=mysql postgresql"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Enabled true"`
}

// ConfigChangeCallback is called with the new configuration after the file changed
type ConfigChangeCallback func(cfg *Config) error

func setDefaults(v *viper.Viper) {
	v.SetDefault("destination.name", "RJN")
	v.SetDefault("destination.client_id", "")
	v.SetDefault("destination.password", "")
	v.SetDefault("destination.timeout", 30*time.Second)
	v.SetDefault("destination.interval", 60)
	v.SetDefault("destination.time_zone", "Central Standard Time")
	v.SetDefault("destination.precision", 4)
	v.SetDefault("destination.comments", "eds-sync")
	v.SetDefault("destination.allowed_quality", []string{"GOOD"})
	v.SetDefault("destination.breaker_failures", 5)
	v.SetDefault("destination.breaker_timeout", 2*time.Minute)

	v.SetDefault("sync.registry_path", "points.csv")
	v.SetDefault("sync.checkpoint_path", "state/checkpoints.json")
	v.SetDefault("sync.interval", time.Hour)
	v.SetDefault("sync.default_lookback", time.Hour)
	v.SetDefault("sync.granularity", 5*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("mqtt.topic_prefix", "eds")
	v.SetDefault("metrics.listen", ":9108")
}

// applySourceDefaults fills per-group values viper cannot default inside a map
func (c *Config) applySourceDefaults() {
	for name, src := range c.Sources {
		if src.Timeout == 0 {
			src.Timeout = 30 * time.Second
		}
		if src.PollInterval == 0 {
			src.PollInterval = time.Second
		}
		if src.RequestTimeout == 0 {
			src.RequestTimeout = 2 * time.Minute
		}
		if src.Step == 0 {
			src.Step = 5 * time.Minute
		}
		if src.Function == "" {
			src.Function = "AVG"
		}
		if src.MaxPages == 0 {
			src.MaxPages = 1000
		}
		c.Sources[name] = src
	}
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// sourceEnvKeys are the per-group keys bound to environment variables
var sourceEnvKeys = []string{"username", "password", "base_url"}

// bindSourceEnv binds the credentials of every group in the file. AutomaticEnv
// only reaches keys viper already knows, which excludes map entries.
func bindSourceEnv(v *viper.Viper) error {
	for group := range v.GetStringMap("sources") {
		for _, key := range sourceEnvKeys {
			if err := v.BindEnv("sources." + group + "." + key); err != nil {
				return err
			}
		}
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	if err := bindSourceEnv(v); err != nil {
		return nil, fmt.Errorf("%w: bind env: %w", ErrConfiguration, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrConfiguration, err)
	}
	cfg.applySourceDefaults()
	if cfg.Destination.Location == "" {
		cfg.Destination.Location = ZoneLocation(cfg.Destination.TimeZone)
	}
	if err := validator.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := CheckTimeZone(cfg.Destination.TimeZone, cfg.Destination.Location); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration file at configPath
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfiguration, configPath, err)
	}
	return decode(v)
}

// WatchConfig watches the configuration file and calls callback with every
// valid new version. Invalid versions are logged and ignored.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrConfiguration, absPath, err)
	}

	// editors often emit several writes per save
	var (
		mu               sync.Mutex
		lastChangeTime   time.Time
		debounceInterval = 2 * time.Second
	)

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		newCfg, err := decode(v)
		if err != nil {
			logger.Error("ignoring invalid config change: %v", err)
			return
		}

		if err := callback(newCfg); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config reloaded")
	})
	v.WatchConfig()

	return nil
}
