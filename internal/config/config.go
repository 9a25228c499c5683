// Package config loads cmdsock client and server settings from a TOML file.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Zereker/cmdsock"
)

// Config holds the settings of the cmdsock command.
type Config struct {
	// Client side.
	Address      string
	Port         int
	BufferSize   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// Server side.
	Listen       string
	MaxFrameSize int
	Heartbeat    time.Duration

	MetricsAddr string
	LogLevel    slog.Level
}

// fileConfig is the config.toml key mapping.
type fileConfig struct {
	Address      string `toml:"address"`
	Port         int    `toml:"port"`
	BufferSize   int    `toml:"buffer_size"`
	DialTimeout  string `toml:"dial_timeout"`
	ReadTimeout  string `toml:"read_timeout"`
	IdleTimeout  string `toml:"idle_timeout"`
	WriteTimeout string `toml:"write_timeout"`
	Listen       string `toml:"listen"`
	MaxFrameSize int    `toml:"max_frame_size"`
	Heartbeat    string `toml:"heartbeat"`
	MetricsAddr  string `toml:"metrics_addr"`
	LogLevel     string `toml:"log_level"`
}

// Default returns the settings used when no file overrides them.
func Default() Config {
	return Config{
		Address:      "127.0.0.1",
		Port:         12345,
		BufferSize:   16 * 1024,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		Listen:       "127.0.0.1:12345",
		MaxFrameSize: 1024 * 1024,
		Heartbeat:    30 * time.Second,
		LogLevel:     slog.LevelInfo,
	}
}

// Load reads path and overlays the keys it defines on Default.
// An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"heartbeat", raw.Heartbeat, &cfg.Heartbeat},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, errors.Wrapf(err, "load config: %s", d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return Config{}, errors.Wrap(err, "load config: log_level")
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("load config: port %d out of range", c.Port)
	}
	if c.BufferSize <= 0 {
		return errors.New("load config: buffer_size must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("load config: max_frame_size must be positive")
	}
	if c.IdleTimeout < 0 {
		return errors.New("load config: idle_timeout must not be negative")
	}
	return nil
}

// ClientOptions converts the client settings to cmdsock options.
func (c Config) ClientOptions() []cmdsock.Option {
	return []cmdsock.Option{
		cmdsock.BufferSizeOption(c.BufferSize),
		cmdsock.DialTimeoutOption(c.DialTimeout),
		cmdsock.ReadTimeoutOption(c.ReadTimeout),
		cmdsock.IdleTimeoutOption(c.IdleTimeout),
		cmdsock.WriteTimeoutOption(c.WriteTimeout),
	}
}

// ConnOptions converts the server settings to cmdsock peer options.
func (c Config) ConnOptions() []cmdsock.ConnOption {
	return []cmdsock.ConnOption{
		cmdsock.MaxFrameSizeOption(c.MaxFrameSize),
		cmdsock.HeartbeatOption(c.Heartbeat),
	}
}
