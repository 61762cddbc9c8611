package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envPrefix = "NOWPLAYD_"

	defaultBindAddress     = "127.0.0.1:32100"
	defaultMinDelay        = 1 * time.Second
	defaultMaxDelay        = 4 * time.Second
	defaultPollInterval    = 1 * time.Second
	defaultMaxArtworkBytes = 10 * 1024 * 1024 // 10 MB
	defaultLogLevel        = "info"
)

// Args are the command-line arguments, without the program name
type Args []string

// Values is the raw configuration as loaded from defaults, file, environment and flags
type Values struct {
	IP              string        `koanf:"ip"`
	MinDelay        time.Duration `koanf:"min_delay"`
	MaxDelay        time.Duration `koanf:"max_delay"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	AppNames        []string      `koanf:"app_names"`
	MaxArtworkSize  int           `koanf:"max_artwork_size"`
	MaxArtworkBytes int64         `koanf:"max_artwork_bytes"`
	LogLevel        string        `koanf:"log_level"`
	Metrics         bool          `koanf:"metrics"`
	ConfigFile      string        `koanf:"config"`
}

// DefaultValues returns the built-in defaults
func DefaultValues() Values {
	return Values{
		IP:              defaultBindAddress,
		MinDelay:        defaultMinDelay,
		MaxDelay:        defaultMaxDelay,
		PollInterval:    defaultPollInterval,
		MaxArtworkBytes: defaultMaxArtworkBytes,
		LogLevel:        defaultLogLevel,
		Metrics:         true,
	}
}

// AppConfig holds application configuration
type AppConfig struct {
	logger   *zap.Logger
	values   Values
	appNames []*regexp.Regexp
	level    zapcore.Level
}

// NewAppConfig loads the configuration and applies its log level to level
func NewAppConfig(logger *zap.Logger, level zap.AtomicLevel, args Args) (*AppConfig, error) {
	values, err := Load(args)
	if err != nil {
		return nil, err
	}

	cfg := FromValues(logger, values)
	level.SetLevel(cfg.level)

	logger.Info("Configuration loaded",
		zap.String("ip", cfg.values.IP),
		zap.Duration("minDelay", cfg.values.MinDelay),
		zap.Duration("maxDelay", cfg.values.MaxDelay),
		zap.Duration("pollInterval", cfg.values.PollInterval),
		zap.Strings("appNames", cfg.values.AppNames),
		zap.Int("maxArtworkSize", cfg.values.MaxArtworkSize),
		zap.String("logLevel", cfg.level.String()),
		zap.Bool("metrics", cfg.values.Metrics))

	return cfg, nil
}

// newFlagSet declares the command-line flags. Flag defaults mirror DefaultValues
// so --help is accurate; unchanged flags never override file or env values.
func newFlagSet() *pflag.FlagSet {
	d := DefaultValues()
	fs := pflag.NewFlagSet("nowplayd", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("ip", d.IP, "address the websocket server binds to")
	fs.Duration("min-delay", d.MinDelay, "starting time between bus connection attempts")
	fs.Duration("max-delay", d.MaxDelay, "maximum time between bus connection attempts")
	fs.DurationP("interval", "i", d.PollInterval, "how often player positions are re-read")
	fs.StringSliceP("app-names", "a", nil, "regexes for player names to follow; empty follows any player")
	fs.Int("max-artwork-size", d.MaxArtworkSize, "longest edge in pixels for local artwork, 0 sends files as-is")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.Bool("metrics", d.Metrics, "expose Prometheus metrics on /metrics")
	return fs
}

// flagKeys maps flag names to configuration keys where they differ
var flagKeys = map[string]string{
	"min-delay":        "min_delay",
	"max-delay":        "max_delay",
	"interval":         "poll_interval",
	"app-names":        "app_names",
	"max-artwork-size": "max_artwork_size",
	"log-level":        "log_level",
}

// Load reads configuration with increasing precedence from defaults,
// an optional YAML file, NOWPLAYD_* environment variables and flags.
func Load(args []string) (Values, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return Values{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultValues(), "koanf"), nil); err != nil {
		return Values{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Values{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		if key == "app_names" {
			return key, strings.Split(value, ",")
		}
		return key, value
	}), nil); err != nil {
		return Values{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
		key := f.Name
		if mapped, ok := flagKeys[key]; ok {
			key = mapped
		}
		return key, posflag.FlagVal(fs, f)
	}), nil); err != nil {
		return Values{}, fmt.Errorf("failed to load flags: %w", err)
	}

	var values Values
	if err := k.UnmarshalWithConf("", &values, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Values{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return values, nil
}

// FromValues validates raw values, falling back to defaults where they are unusable
func FromValues(logger *zap.Logger, v Values) *AppConfig {
	d := DefaultValues()

	if v.IP == "" {
		v.IP = d.IP
	}

	if v.MinDelay <= 0 {
		logger.Error("min_delay cannot be less than or equal to zero, setting back to default",
			zap.Duration("value", v.MinDelay))
		v.MinDelay = d.MinDelay
	}
	if v.MaxDelay <= 0 {
		logger.Error("max_delay cannot be less than or equal to zero, setting back to default",
			zap.Duration("value", v.MaxDelay))
		v.MaxDelay = d.MaxDelay
	}
	if v.PollInterval <= 0 {
		logger.Error("poll_interval cannot be less than or equal to zero, setting back to default",
			zap.Duration("value", v.PollInterval))
		v.PollInterval = d.PollInterval
	}
	if v.MaxDelay < v.MinDelay {
		logger.Warn("max_delay is smaller than min_delay, swapping the two",
			zap.Duration("minDelay", v.MinDelay),
			zap.Duration("maxDelay", v.MaxDelay))
		v.MinDelay, v.MaxDelay = v.MaxDelay, v.MinDelay
	}

	if v.MaxArtworkSize < 0 {
		v.MaxArtworkSize = 0
	}
	if v.MaxArtworkBytes <= 0 {
		v.MaxArtworkBytes = d.MaxArtworkBytes
	}

	var filters []*regexp.Regexp
	var names []string
	for _, name := range v.AppNames {
		if name == "" {
			continue
		}
		re, err := regexp.Compile(name)
		if err != nil {
			logger.Error("Could not parse app name regex, ignoring it",
				zap.String("pattern", name),
				zap.Error(err))
			continue
		}
		filters = append(filters, re)
		names = append(names, name)
	}
	v.AppNames = names

	level, err := zapcore.ParseLevel(v.LogLevel)
	if err != nil {
		logger.Warn("Unknown log level, using info", zap.String("value", v.LogLevel))
		level = zapcore.InfoLevel
	}

	return &AppConfig{
		logger:   logger,
		values:   v,
		appNames: filters,
		level:    level,
	}
}

// Default returns a validated configuration built from the defaults alone
func Default() *AppConfig {
	return FromValues(zap.NewNop(), DefaultValues())
}

// GetBindAddress returns the host:port the viewer server listens on
func (c *AppConfig) GetBindAddress() string {
	return c.values.IP
}

// GetMinDelay returns the first bus reconnect delay
func (c *AppConfig) GetMinDelay() time.Duration {
	return c.values.MinDelay
}

// GetMaxDelay returns the cap for bus reconnect delays
func (c *AppConfig) GetMaxDelay() time.Duration {
	return c.values.MaxDelay
}

// GetPollInterval returns how often player positions are re-read
func (c *AppConfig) GetPollInterval() time.Duration {
	return c.values.PollInterval
}

// GetAppNameFilters returns the compiled player name filters
func (c *AppConfig) GetAppNameFilters() []*regexp.Regexp {
	return c.appNames
}

// GetMaxArtworkSize returns the longest edge for local artwork, 0 for no resizing
func (c *AppConfig) GetMaxArtworkSize() int {
	return c.values.MaxArtworkSize
}

// GetMaxArtworkBytes returns the read cap for local artwork files
func (c *AppConfig) GetMaxArtworkBytes() int64 {
	return c.values.MaxArtworkBytes
}

// MetricsEnabled reports whether /metrics is served
func (c *AppConfig) MetricsEnabled() bool {
	return c.values.Metrics
}

// LogLevel returns the configured log level
func (c *AppConfig) LogLevel() zapcore.Level {
	return c.level
}
