package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultPort           = 21117
	DefaultRendezvousPort = 21116
	DefaultKey            = "-"
	DefaultDataDir        = "."
	DefaultDBFile         = "db_v2.sqlite3"
	DefaultLogLevel       = "info"

	// DefaultEnvFile is read from the working directory when present.
	DefaultEnvFile = ".env"

	minPort = 3
	maxPort = 65535 - 2
)

// Config is the resolved server configuration. Keys match the environment
// variable names.
type Config struct {
	Port           int    `mapstructure:"PORT"`
	RendezvousPort int    `mapstructure:"RENDEZVOUS_PORT"`
	Key            string `mapstructure:"KEY"`
	DataDir        string `mapstructure:"DATA_DIR"`
	DBFile         string `mapstructure:"DB_FILE"`
	MetricsAddr    string `mapstructure:"METRICS_ADDR"`
	MDNS           bool   `mapstructure:"MDNS"`
	Compress       bool   `mapstructure:"COMPRESS"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"port":         "PORT",
	"key":          "KEY",
	"data-dir":     "DATA_DIR",
	"metrics-addr": "METRICS_ADDR",
	"mdns":         "MDNS",
}

// New returns a viper instance with defaults and environment lookup.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("RENDEZVOUS_PORT", DefaultRendezvousPort)
	v.SetDefault("KEY", DefaultKey)
	v.SetDefault("DATA_DIR", DefaultDataDir)
	v.SetDefault("DB_FILE", DefaultDBFile)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("MDNS", false)
	v.SetDefault("COMPRESS", true)
	v.SetDefault("LOG_LEVEL", DefaultLogLevel)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// AddFlags registers the server flags.
func AddFlags(flags *pflag.FlagSet) {
	flags.IntP("port", "p", DefaultPort, "relay port; WebSocket listens on port+2")
	flags.StringP("key", "k", DefaultKey, "licence key, or - to use the generated server key")
	flags.String("data-dir", DefaultDataDir, "directory holding the key pair and database")
	flags.String("metrics-addr", "", "Prometheus listen address, empty to disable")
	flags.Bool("mdns", false, "advertise the relay over mDNS")
}

// BindFlags makes flags set on the command line override every other source.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads envFile when it exists, then resolves and validates the
// configuration.
func Load(v *viper.Viper, envFile string) (*Config, error) {
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks port ranges and the log level.
func (c *Config) Validate() error {
	if c.Port < minPort || c.Port > maxPort {
		return fmt.Errorf("invalid port %d: must be in [%d, %d]", c.Port, minPort, maxPort)
	}
	if c.RendezvousPort < 0 || c.RendezvousPort > 65535 {
		return fmt.Errorf("invalid rendezvous port %d", c.RendezvousPort)
	}
	if c.RendezvousPort != 0 && (c.RendezvousPort == c.Port || c.RendezvousPort == c.Port+2) {
		return fmt.Errorf("rendezvous port %d collides with relay ports", c.RendezvousPort)
	}
	if strings.TrimSpace(c.DBFile) == "" {
		return errors.New("db file name is required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", c.DataDir, err)
	}
	return nil
}
