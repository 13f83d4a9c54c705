// Package config provides process bootstrap configuration (spf13/viper,
// env/file overrides) and a live, mutable key/value store backed by
// sqlite that lets an operator change gate thresholds and evolution
// parameters at runtime without a restart.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Bootstrap holds the values needed before anything else can start:
// where the registry database lives, which port the control surface
// binds, and metrics/logging settings. The live config table is seeded
// from DefaultValues, not from here.
type Bootstrap struct {
	Server struct {
		Port         int           `mapstructure:"port"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// Load reads bootstrap configuration from an optional file plus
// environment overrides. With no configPath, a missing engine.yaml in
// the search paths is tolerated; a configPath that cannot be read, like
// any other read error, is fatal.
func Load(configPath string) (*Bootstrap, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("engine")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("EVOSTRAT")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var b Bootstrap
	if err := v.Unmarshal(&b); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &b, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.path", "./engine.db")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("logging.level", "info")
}
