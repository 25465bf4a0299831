// Package config loads the node configuration from defaults, an optional
// file, RDCSYNC_* environment variables and command line flags.
package config

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: RDCSYNC_DATA_DIR, RDCSYNC_LOG_LEVEL...
const EnvPrefix = "RDCSYNC"

// Signature cache kinds.
const (
	CacheDisk   = "disk"
	CacheMemory = "memory"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type Config struct {
	DataDir string `mapstructure:"data-dir"`
	Listen  string `mapstructure:"listen"`
	// ServerURL is how peers reach this node.
	ServerURL string `mapstructure:"server-url"`
	// ServerID defaults to an id generated once and kept in the data dir.
	ServerID string `mapstructure:"server-id"`

	PageCacheSize  int           `mapstructure:"page-cache-size"`
	SignatureCache string        `mapstructure:"signature-cache"`
	LockTimeout    time.Duration `mapstructure:"lock-timeout"`
	MaxTries       int           `mapstructure:"max-tries"`

	PeerRetries    int           `mapstructure:"peer-retries"`
	PeerRetryDelay time.Duration `mapstructure:"peer-retry-delay"`
	PeerTimeout    time.Duration `mapstructure:"peer-timeout"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`

	Log LogConfig `mapstructure:"log"`
}

func Default() Config {
	return Config{
		DataDir:         "./rdcsync-data",
		Listen:          ":8080",
		ServerURL:       "http://localhost:8080",
		PageCacheSize:   256,
		SignatureCache:  CacheDisk,
		LockTimeout:     10 * time.Minute,
		MaxTries:        128,
		PeerRetries:     3,
		PeerRetryDelay:  200 * time.Millisecond,
		PeerTimeout:     5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.ServerURL, validation.Required, is.URL),
		validation.Field(&c.PageCacheSize, validation.Min(1)),
		validation.Field(&c.SignatureCache, validation.In(CacheDisk, CacheMemory)),
		validation.Field(&c.LockTimeout, validation.Min(time.Second)),
		validation.Field(&c.MaxTries, validation.Min(1)),
		validation.Field(&c.PeerRetries, validation.Min(0)),
		validation.Field(&c.Log, validation.By(func(value interface{}) error {
			l := value.(LogConfig)
			return validation.ValidateStruct(&l,
				validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
				validation.Field(&l.Format, validation.In("json", "console")),
			)
		})),
	)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("server-url", d.ServerURL)
	v.SetDefault("server-id", d.ServerID)
	v.SetDefault("page-cache-size", d.PageCacheSize)
	v.SetDefault("signature-cache", d.SignatureCache)
	v.SetDefault("lock-timeout", d.LockTimeout)
	v.SetDefault("max-tries", d.MaxTries)
	v.SetDefault("peer-retries", d.PeerRetries)
	v.SetDefault("peer-retry-delay", d.PeerRetryDelay)
	v.SetDefault("peer-timeout", d.PeerTimeout)
	v.SetDefault("shutdown-timeout", d.ShutdownTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
}

// Load reads the configuration. path may be empty; flags may be nil. Flags
// override the environment, which overrides the file.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}
