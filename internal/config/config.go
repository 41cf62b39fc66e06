package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	BLE       BLEConfig       `yaml:"ble"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig controls the client-facing socket.
type ServiceConfig struct {
	Name   string `yaml:"name"`   // advertised service name
	Listen string `yaml:"listen"` // ":0" picks a free port
}

// BLEConfig holds gateway radio settings.
type BLEConfig struct {
	Enabled            bool          `yaml:"enabled"`
	DeviceMAC          string        `yaml:"device_mac"` // connect on start; empty uses the saved device
	ScanDuration       time.Duration `yaml:"scan_duration"`
	ReconnectMax       int           `yaml:"reconnect_max"` // max backoff in seconds
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	OperationTimeout   time.Duration `yaml:"operation_timeout"`
	DisconnectWhenIdle bool          `yaml:"disconnect_when_idle"`
}

// CatalogConfig selects where switches are stored.
type CatalogConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`
}

// DiscoveryConfig controls how the service is advertised and resolved.
type DiscoveryConfig struct {
	Backend     string         `yaml:"backend"` // "none" or "mqtt"
	Host        string         `yaml:"host"`    // advertised host; empty uses the hostname
	TopicPrefix string         `yaml:"topic_prefix"`
	QoS         int            `yaml:"qos"`
	Broker      MQTTBroker     `yaml:"broker"`
	Auth        MQTTAuthConfig `yaml:"auth"`
}

// MQTTBroker locates the MQTT broker.
type MQTTBroker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	TLS      bool   `yaml:"tls"`
}

// MQTTAuthConfig holds broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// InfluxDBConfig controls the radio operation sink.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stdout or stderr
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rf433-gateway")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	catalogPath := filepath.Join(home, ".local", "share", "rf433-gateway", "switches.json")

	return &Config{
		Service: ServiceConfig{
			Name:   "rf433-gateway",
			Listen: ":0",
		},
		BLE: BLEConfig{
			Enabled:          true,
			ScanDuration:     5 * time.Second,
			ReconnectMax:     30,
			ConnectTimeout:   10 * time.Second,
			OperationTimeout: 5 * time.Second,
		},
		Catalog: CatalogConfig{
			Backend: "file",
			Path:    catalogPath,
		},
		Discovery: DiscoveryConfig{
			Backend:     "none",
			TopicPrefix: "rf433",
			QoS:         1,
			Broker: MQTTBroker{
				Host:     "127.0.0.1",
				Port:     1883,
				ClientID: "rf433-gateway",
			},
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9433",
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://127.0.0.1:8086",
			Bucket: "rf433",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, then RF433_* environment variables are applied. Tilde (~)
// in catalog.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides settings from the environment and expands paths.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RF433_SERVICE_NAME"); v != "" {
		c.Service.Name = v
	}
	if v := os.Getenv("RF433_SERVICE_LISTEN"); v != "" {
		c.Service.Listen = v
	}
	if v := os.Getenv("RF433_BLE_DEVICE_MAC"); v != "" {
		c.BLE.DeviceMAC = v
	}
	if v := os.Getenv("RF433_CATALOG_PATH"); v != "" {
		c.Catalog.Path = v
	}

	// MQTT
	if v := os.Getenv("RF433_DISCOVERY_BROKER_HOST"); v != "" {
		c.Discovery.Broker.Host = v
	}
	if v := os.Getenv("RF433_DISCOVERY_USERNAME"); v != "" {
		c.Discovery.Auth.Username = v
	}
	if v := os.Getenv("RF433_DISCOVERY_PASSWORD"); v != "" {
		c.Discovery.Auth.Password = v
	}

	if v := os.Getenv("RF433_INFLUXDB_TOKEN"); v != "" {
		c.InfluxDB.Token = v
	}

	c.Catalog.Path = expandTilde(c.Catalog.Path)
}

// Validate checks the config for invalid values. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.Name == "" {
		errs = append(errs, "service.name must not be empty")
	}
	if c.Service.Listen == "" {
		errs = append(errs, "service.listen must not be empty")
	}

	if c.BLE.Enabled {
		if c.BLE.ScanDuration <= 0 {
			errs = append(errs, "ble.scan_duration must be > 0")
		}
		if c.BLE.ReconnectMax < 0 {
			errs = append(errs, "ble.reconnect_max must be >= 0")
		}
		if c.BLE.OperationTimeout < 0 {
			errs = append(errs, "ble.operation_timeout must be >= 0")
		}
	}

	switch c.Catalog.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("catalog.backend must be \"file\" or \"sqlite\", got %q", c.Catalog.Backend))
	}
	if c.Catalog.Path == "" {
		errs = append(errs, "catalog.path must not be empty")
	}

	switch c.Discovery.Backend {
	case "none":
	case "mqtt":
		if c.Discovery.Broker.Host == "" {
			errs = append(errs, "discovery.broker.host is required for mqtt")
		}
		if c.Discovery.Broker.Port < 1 || c.Discovery.Broker.Port > 65535 {
			errs = append(errs, "discovery.broker.port must be between 1 and 65535")
		}
		if c.Discovery.TopicPrefix == "" {
			errs = append(errs, "discovery.topic_prefix must not be empty")
		}
		if c.Discovery.QoS < 0 || c.Discovery.QoS > 2 {
			errs = append(errs, "discovery.qos must be 0, 1, or 2")
		}
	default:
		errs = append(errs, fmt.Sprintf("discovery.backend must be \"none\" or \"mqtt\", got %q", c.Discovery.Backend))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseLogLevel converts a level name to slog.Level. Unknown names map to
// info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# rf433-gateway configuration
#
# Every value below is the built-in default. Environment variables
# RF433_SERVICE_NAME, RF433_SERVICE_LISTEN, RF433_BLE_DEVICE_MAC,
# RF433_CATALOG_PATH, RF433_DISCOVERY_BROKER_HOST, RF433_DISCOVERY_USERNAME,
# RF433_DISCOVERY_PASSWORD and RF433_INFLUXDB_TOKEN override the file.

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" when a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
