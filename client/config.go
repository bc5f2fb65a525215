// File: client/config.go
// Package client
// License: Apache-2.0
//
// Client configuration: where the simulator listens and how the session
// polls it. Loaded with viper from a pslse_server config file, from the
// environment (PSLSE_*), or from a legacy one-line host:port file.

package client

import (
	"context"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/helenaps/pslse/api"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// LegacyConfigFile is the one-line host:port file looked up when no config
// file is found.
const LegacyConfigFile = "pslse_server.dat"

// Config holds the client session settings.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// PollInterval is the background poller cadence.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RequestTimeout bounds every blocking wait. Zero waits forever.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Debug bool `mapstructure:"debug"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         16384,
		PollInterval: time.Millisecond,
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadConfig reads the client configuration. An empty path searches for
// pslse_server.{yaml,json,toml} in ., $HOME/.pslse and /etc/pslse, then
// falls back to LegacyConfigFile in the working directory. Paths ending in
// .dat are read as legacy files.
func LoadConfig(path string) (Config, error) {
	if strings.HasSuffix(path, ".dat") {
		return loadLegacy(path)
	}

	d := DefaultConfig()
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pslse_server")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pslse")
		v.AddConfigPath("/etc/pslse")
	}
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("debug", d.Debug)
	v.SetEnvPrefix("PSLSE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return d, errors.Wrap(err, "read client config")
		}
		if _, err := os.Stat(LegacyConfigFile); err == nil {
			return loadLegacy(LegacyConfigFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return d, errors.Wrap(err, "decode client config")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	return cfg, nil
}

func loadLegacy(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read %s", path)
	}
	line := strings.TrimSpace(strings.SplitN(string(b), "\n", 2)[0])
	host, port, err := net.SplitHostPort(line)
	if err != nil {
		return cfg, errors.Wrapf(api.ErrInvalidArgument, "invalid format in %s: %q", path, line)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return cfg, errors.Wrapf(api.ErrInvalidArgument, "invalid port in %s: %q", path, port)
	}
	cfg.Host, cfg.Port = host, p
	return cfg, nil
}

// Option customizes Open.
type Option func(*options)

type options struct {
	cfg        *Config
	configPath string
	dial       func(ctx context.Context, addr string) (net.Conn, error)
	mem        api.Memory
	logger     *log.Logger
}

// WithConfig uses cfg instead of loading a config file.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

// WithConfigFile loads the config from path.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.dial = dial }
}

// WithMemory sets the memory target served to the accelerator.
func WithMemory(m api.Memory) Option {
	return func(o *options) { o.mem = m }
}

// WithLogger sets the session logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}
