package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/classpulse/chatspace/globals"
)

const (
	defaultHeartbeatInterval = 5
	defaultHeartbeatTimeout  = 60
	defaultPollTimeout       = 5
	defaultRateCapacity      = 10.0
	defaultRateFillRate      = 2.0
)

// Config is the global configuration object, filled from the TOML
// configuration file(s), environment (prefix CHATSPACE_) and flags.
type Config struct {
	SessionConfig     SessionConfig     `mapstructure:"session"`
	RateLimitConfig   RateLimitConfig   `mapstructure:"ratelimit"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	ClusterConfig     ClusterConfig     `mapstructure:"cluster"`
	LogLevel          string            `mapstructure:"log_level"`
	ListenAddress     string            `mapstructure:"listen_address"`
}

// SessionConfig holds the heartbeat timings handed to clients during
// the handshake and used to expire stale sessions. All values are in
// seconds.
type SessionConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  int `mapstructure:"heartbeat_timeout"`
	PollTimeout       int `mapstructure:"poll_timeout"`
}

// RateLimitConfig configures the per-session posting token bucket.
// Disable turns enforcement off for test setups.
type RateLimitConfig struct {
	Capacity float64 `mapstructure:"capacity"`
	FillRate float64 `mapstructure:"fill_rate"`
	Disable  bool    `mapstructure:"disable"`
}

// PersistenceConfig selects the storage backend: "buntdb" with a file
// path DSN, or "sqlite"/"postgres" with the corresponding driver DSN.
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// ClusterConfig selects the cross-node message bus. Type "postgres"
// uses LISTEN/NOTIFY on the given DSN; empty means single-node
// loopback.
type ClusterConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("listen-address", "l", "localhost:8000", "address to listen on")
	flagSet.String("log-level", "INFO", "log level")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.Replace(name, "-", "_", -1))
}

// ReadConfiguration reads and parses the configuration located at
// configPath, which can either point to a single TOML file or to a
// directory, in which case all *.toml files in this directory are
// concatenated. It returns a Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("session.heartbeat_interval", defaultHeartbeatInterval)
	viper.SetDefault("session.heartbeat_timeout", defaultHeartbeatTimeout)
	viper.SetDefault("session.poll_timeout", defaultPollTimeout)
	viper.SetDefault("ratelimit.capacity", defaultRateCapacity)
	viper.SetDefault("ratelimit.fill_rate", defaultRateFillRate)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("CHATSPACE")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	globals.AppLogger.Info("config", "cfg", cfg, "all", viper.AllSettings())
	return &cfg, nil
}
