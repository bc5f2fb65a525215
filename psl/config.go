// File: psl/config.go
// Package psl
// License: Apache-2.0

package psl

import (
	"time"

	"github.com/helenaps/pslse/afu"
	"github.com/helenaps/pslse/internal/tags"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the simulator settings.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"` // TCP bind address, e.g. ":16384"
	Major      uint8  `mapstructure:"major"`       // accelerator position served
	Minor      uint8  `mapstructure:"minor"`
	Descriptor string `mapstructure:"descriptor"` // descriptor file; empty uses descriptor.Default
	ResetDelay int    `mapstructure:"reset_delay"`
	Credits    int    `mapstructure:"credits"`
	Parity     bool   `mapstructure:"parity"`

	// Tick is the longest the session waits for a client frame before
	// advancing the accelerator by one cycle.
	Tick  time.Duration `mapstructure:"tick"`
	Debug bool          `mapstructure:"debug"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":16384",
		ResetDelay: afu.DefaultResetDelay,
		Credits:    tags.DefaultCredits,
		Tick:       time.Millisecond,
	}
}

// LoadConfig reads the simulator configuration. An empty path searches for
// pslse.{yaml,json,toml} in ., $HOME/.pslse and /etc/pslse; a missing file
// leaves the defaults. PSLSE_* environment variables override file values.
func LoadConfig(path string) (*Config, error) {
	d := DefaultConfig()
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pslse")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pslse")
		v.AddConfigPath("/etc/pslse")
	}
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("major", d.Major)
	v.SetDefault("minor", d.Minor)
	v.SetDefault("descriptor", d.Descriptor)
	v.SetDefault("reset_delay", d.ResetDelay)
	v.SetDefault("credits", d.Credits)
	v.SetDefault("parity", d.Parity)
	v.SetDefault("tick", d.Tick)
	v.SetDefault("debug", d.Debug)
	v.SetEnvPrefix("PSLSE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read simulator config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode simulator config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Major > 3 || c.Minor > 3 {
		return errors.Errorf("accelerator afu%d.%d out of range", c.Major, c.Minor)
	}
	if c.Credits <= 0 || c.Credits > tags.MaxTag+1 {
		return errors.Errorf("credits %d out of range", c.Credits)
	}
	if c.Tick <= 0 {
		c.Tick = time.Millisecond
	}
	return nil
}
