// Package config handles loading, defaulting, and validation of the bridge
// TOML configuration file. Every section maps to a typed struct so the rest
// of the codebase gets strong typing without manual key lookups. A handful of
// environment variables override the file so the bridge can be relocated
// without editing it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Environment overrides, applied after the file.
const (
	EnvPort    = "BLE_BRIDGE_PORT"
	EnvBind    = "BLE_BRIDGE_BIND"
	EnvRadio   = "BLE_BRIDGE_RADIO"
	EnvLogFile = "BLE_BRIDGE_LOG_FILE"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Server    ServerConfig    `toml:"server"    json:"server"`
	Logging   LoggingConfig   `toml:"logging"   json:"logging"`
	Radio     RadioConfig     `toml:"radio"     json:"radio"`
	Device    DeviceConfig    `toml:"device"    json:"device"`
	Session   SessionConfig   `toml:"session"   json:"session"`
	Breaker   BreakerConfig   `toml:"breaker"   json:"breaker"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
	Sim       SimConfig       `toml:"sim"       json:"sim"`
}

type ServerConfig struct {
	Bind                string `toml:"bind"                  json:"bind"`
	Port                int    `toml:"port"                  json:"port"`
	ReadLimitBytes      int64  `toml:"read_limit_bytes"      json:"read_limit_bytes"`
	PingIntervalSeconds int    `toml:"ping_interval_seconds" json:"ping_interval_seconds"`
}

type LoggingConfig struct {
	Level      string `toml:"level"       json:"level"`
	File       string `toml:"file"        json:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
}

type RadioConfig struct {
	Backend      string `toml:"backend"        json:"backend"`
	Adapter      string `toml:"adapter"        json:"adapter"`
	ScanSeconds  int    `toml:"scan_seconds"   json:"scan_seconds"`
	ChunkSize    int    `toml:"chunk_size"     json:"chunk_size"`
	ChunkDelayMS int    `toml:"chunk_delay_ms" json:"chunk_delay_ms"`
}

type DeviceConfig struct {
	DefaultName           string `toml:"default_name"            json:"default_name"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds" json:"connect_timeout_seconds"`
	WriteTimeoutSeconds   int    `toml:"write_timeout_seconds"   json:"write_timeout_seconds"`
	RescanOnConnect       bool   `toml:"rescan_on_connect"       json:"rescan_on_connect"`
}

type SessionConfig struct {
	CommandsPerSecond float64 `toml:"commands_per_second" json:"commands_per_second"`
	Burst             int     `toml:"burst"               json:"burst"`
	OutboundQueue     int     `toml:"outbound_queue"      json:"outbound_queue"`
}

type BreakerConfig struct {
	MaxFailures int `toml:"max_failures" json:"max_failures"`
	OpenSeconds int `toml:"open_seconds" json:"open_seconds"`
}

type TelemetryConfig struct {
	CSVPath    string `toml:"csv_path"    json:"csv_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
}

type SimConfig struct {
	Names               []string `toml:"names"                 json:"names"`
	TelemetryIntervalMS int      `toml:"telemetry_interval_ms" json:"telemetry_interval_ms"`
	ConnectDelayMS      int      `toml:"connect_delay_ms"      json:"connect_delay_ms"`
	ScanDelayMS         int      `toml:"scan_delay_ms"         json:"scan_delay_ms"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:                "127.0.0.1",
			Port:                8765,
			ReadLimitBytes:      64 << 10,
			PingIntervalSeconds: 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Radio: RadioConfig{
			Backend:      "bluez",
			Adapter:      "hci0",
			ScanSeconds:  5,
			ChunkSize:    20,
			ChunkDelayMS: 20,
		},
		Device: DeviceConfig{
			DefaultName:           "SLS_ESP32",
			ConnectTimeoutSeconds: 10,
			WriteTimeoutSeconds:   5,
		},
		Session: SessionConfig{
			CommandsPerSecond: 5,
			Burst:             10,
			OutboundQueue:     64,
		},
		Breaker: BreakerConfig{
			MaxFailures: 3,
			OpenSeconds: 15,
		},
		Telemetry: TelemetryConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Sim: SimConfig{
			Names:               []string{"SLS_ESP32", "Sentinel-Lab"},
			TelemetryIntervalMS: 1000,
			ConnectDelayMS:      300,
			ScanDelayMS:         500,
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults,
// applies environment overrides, and validates the result. A missing file
// is not an error: the defaults are used. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvBind); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv(EnvRadio); v != "" {
		cfg.Radio.Backend = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		cfg.Logging.File = v
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Server.ReadLimitBytes < 512 {
		return errors.New("server.read_limit_bytes must be >= 512")
	}
	if cfg.Server.PingIntervalSeconds < 1 {
		return errors.New("server.ping_interval_seconds must be >= 1")
	}
	switch cfg.Logging.Level {
	case "debug", "info":
	default:
		return fmt.Errorf("logging.level must be debug or info, got %q", cfg.Logging.Level)
	}
	switch cfg.Radio.Backend {
	case "bluez", "sim":
	default:
		return fmt.Errorf("radio.backend must be bluez or sim, got %q", cfg.Radio.Backend)
	}
	if cfg.Radio.ScanSeconds < 1 {
		return errors.New("radio.scan_seconds must be >= 1")
	}
	if cfg.Radio.ChunkSize < 1 || cfg.Radio.ChunkSize > 512 {
		return errors.New("radio.chunk_size must be between 1 and 512")
	}
	if cfg.Radio.ChunkDelayMS < 0 {
		return errors.New("radio.chunk_delay_ms must be >= 0")
	}
	if cfg.Device.DefaultName == "" {
		return errors.New("device.default_name must not be empty")
	}
	if cfg.Device.ConnectTimeoutSeconds < 1 {
		return errors.New("device.connect_timeout_seconds must be >= 1")
	}
	if cfg.Device.WriteTimeoutSeconds < 1 {
		return errors.New("device.write_timeout_seconds must be >= 1")
	}
	if cfg.Session.CommandsPerSecond <= 0 {
		return errors.New("session.commands_per_second must be > 0")
	}
	if cfg.Session.Burst < 1 {
		return errors.New("session.burst must be >= 1")
	}
	if cfg.Session.OutboundQueue < 1 {
		return errors.New("session.outbound_queue must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Breaker.OpenSeconds < 1 {
		return errors.New("breaker.open_seconds must be >= 1")
	}
	if cfg.Sim.TelemetryIntervalMS < 0 || cfg.Sim.ConnectDelayMS < 0 || cfg.Sim.ScanDelayMS < 0 {
		return errors.New("sim timings must be >= 0")
	}
	return nil
}

// Addr is the listen address for the control channel.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Bind, strconv.Itoa(c.Server.Port))
}

func (c RadioConfig) ScanWindow() time.Duration { return time.Duration(c.ScanSeconds) * time.Second }
func (c RadioConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}

func (c DeviceConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c DeviceConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c BreakerConfig) OpenFor() time.Duration { return time.Duration(c.OpenSeconds) * time.Second }

func (c ServerConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}
