// Package config loads and validates the YAML configuration for both
// the bridge daemon and the device process. Values may reference
// environment variables with ${VAR}, and secret fields support
// encrypted-at-rest values with the "enc:" prefix (see secrets.go).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shelfsync/internal/infra/logger"
)

// Config is the top-level configuration.
type Config struct {
	Logger logger.Config `yaml:"logger"`
	Tracer TracerConfig  `yaml:"tracer"`
	Bridge BridgeConfig  `yaml:"bridge"`
	Device DeviceConfig  `yaml:"device"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// BridgeConfig holds bridge daemon settings.
type BridgeConfig struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Session   SessionConfig   `yaml:"session"`
	Backend   BackendConfig   `yaml:"backend"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// DiscoveryConfig controls how the bridge finds shelf devices.
type DiscoveryConfig struct {
	MDNS         bool          `yaml:"mdns"`
	Service      string        `yaml:"service"`       // DNS-SD service type
	NamePrefix   string        `yaml:"name_prefix"`   // instance name filter
	ScanInterval time.Duration `yaml:"scan_interval"` // pause between scan sweeps
	ScanTimeout  time.Duration `yaml:"scan_timeout"`  // duration of one browse
	SerialPorts  []string      `yaml:"serial_ports"`  // static serial links, e.g. /dev/ttyUSB0
}

// SessionConfig controls per-device session behavior.
type SessionConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	SendRate          float64       `yaml:"send_rate"`  // outbound frames per second
	SendBurst         int           `yaml:"send_burst"` // rate limiter burst
}

// BackendConfig points the coordinator at the REST persistence service.
type BackendConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIToken    string        `yaml:"api_token"` // supports "enc:" values
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures uint32        `yaml:"max_failures"` // breaker trip threshold
	BreakerWait time.Duration `yaml:"breaker_wait"` // open-state duration
}

// GatewayConfig holds the status HTTP/WebSocket surface settings.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// JobsConfig holds the cron schedules for periodic bridge work.
type JobsConfig struct {
	ConfigRefresh string        `yaml:"config_refresh"` // cron expression or duration
	StaleReap     string        `yaml:"stale_reap"`
	StaleAfter    time.Duration `yaml:"stale_after"` // how long a silent device stays in the roster
}

// DeviceConfig holds device process settings.
type DeviceConfig struct {
	ID              string        `yaml:"id"`   // link identity; defaults to hostname
	Name            string        `yaml:"name"` // advertised instance name
	DataDir         string        `yaml:"data_dir"`
	ListenAddr      string        `yaml:"listen_addr"` // TCP stream the bridge connects to
	AdvertisePort   int           `yaml:"advertise_port"`
	Debounce        time.Duration `yaml:"debounce"`
	Inactivity      time.Duration `yaml:"inactivity"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	FirmwareVersion uint32        `yaml:"firmware_version"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Logger: logger.Config{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Bridge: BridgeConfig{
			Discovery: DiscoveryConfig{
				MDNS:         true,
				Service:      "_shelfsync._tcp",
				NamePrefix:   "shelf-display",
				ScanInterval: 5 * time.Second,
				ScanTimeout:  5 * time.Second,
			},
			Session: SessionConfig{
				ConnectTimeout:    20 * time.Second,
				HeartbeatInterval: 15 * time.Second,
				HeartbeatTimeout:  45 * time.Second,
				BackoffInitial:    time.Second,
				BackoffMax:        2 * time.Minute,
				SendRate:          20,
				SendBurst:         5,
			},
			Backend: BackendConfig{
				BaseURL:     "http://127.0.0.1:8000",
				Timeout:     10 * time.Second,
				MaxFailures: 5,
				BreakerWait: 30 * time.Second,
			},
			Gateway: GatewayConfig{Enabled: true, Addr: "127.0.0.1:8484"},
			Jobs: JobsConfig{
				ConfigRefresh: "30s",
				StaleReap:     "5m",
				StaleAfter:    24 * time.Hour,
			},
		},
		Device: DeviceConfig{
			ID:              hostname,
			Name:            "shelf-display",
			DataDir:         "./data",
			ListenAddr:      "0.0.0.0:0",
			AdvertisePort:   8585,
			Debounce:        10 * time.Second,
			Inactivity:      90 * time.Second,
			SyncTimeout:     5 * time.Second,
			FirmwareVersion: 1,
		},
	}
}

// Load reads the config file at path, expands ${ENV} references,
// decrypts "enc:" secrets when SHELFSYNC_CONFIG_KEY is set, and
// validates the result. A missing file yields validated defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if passphrase := os.Getenv("SHELFSYNC_CONFIG_KEY"); passphrase != "" {
		if strings.HasPrefix(cfg.Bridge.Backend.APIToken, "enc:") {
			token, err := DecryptValue(strings.TrimPrefix(cfg.Bridge.Backend.APIToken, "enc:"), passphrase)
			if err != nil {
				return nil, fmt.Errorf("decrypt backend api_token: %w", err)
			}
			cfg.Bridge.Backend.APIToken = token
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would break the
// daemons at runtime. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Bridge.Discovery.MDNS && cfg.Bridge.Discovery.Service == "" {
		errs = append(errs, errors.New("bridge.discovery.service must not be empty when mdns is enabled"))
	}
	if cfg.Bridge.Discovery.ScanInterval <= 0 {
		errs = append(errs, errors.New("bridge.discovery.scan_interval must be > 0"))
	}
	if cfg.Bridge.Session.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("bridge.session.heartbeat_interval must be > 0"))
	}
	if cfg.Bridge.Session.HeartbeatTimeout <= cfg.Bridge.Session.HeartbeatInterval {
		errs = append(errs, errors.New("bridge.session.heartbeat_timeout must exceed heartbeat_interval"))
	}
	if cfg.Bridge.Session.BackoffInitial <= 0 || cfg.Bridge.Session.BackoffMax < cfg.Bridge.Session.BackoffInitial {
		errs = append(errs, errors.New("bridge.session backoff bounds invalid"))
	}
	if cfg.Bridge.Backend.BaseURL == "" {
		errs = append(errs, errors.New("bridge.backend.base_url must not be empty"))
	}
	if cfg.Bridge.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("bridge.backend.timeout must be > 0"))
	}
	if cfg.Bridge.Gateway.Enabled && cfg.Bridge.Gateway.Addr == "" {
		errs = append(errs, errors.New("bridge.gateway.addr must not be empty when enabled"))
	}
	if cfg.Device.Debounce <= 0 {
		errs = append(errs, errors.New("device.debounce must be > 0"))
	}
	if cfg.Device.Inactivity <= cfg.Device.Debounce {
		errs = append(errs, errors.New("device.inactivity must exceed device.debounce"))
	}
	if cfg.Device.SyncTimeout <= 0 {
		errs = append(errs, errors.New("device.sync_timeout must be > 0"))
	}
	if cfg.Device.DataDir == "" {
		errs = append(errs, errors.New("device.data_dir must not be empty"))
	}

	return errors.Join(errs...)
}
