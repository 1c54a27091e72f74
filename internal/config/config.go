package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Feature toggle names consumed by the alarm engine.
const (
	FeatureRemoteSync     = "msp_sync_alarm"
	FeatureAutoBlock      = "cyber_security.autoBlock"
	FeatureNewDeviceBlock = "new_device_block"
)

// AlarmsConfig holds the per-type apply overlays. Keys of Apply are type
// aliases (or "default"); values are attribute overlays merged onto a new
// alarm before arbitration. The "default" overlay's "timeout" entry doubles
// as the pending sweep timeout in seconds.
type AlarmsConfig struct {
	Apply map[string]map[string]string `yaml:"apply"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "postgres"
	DSN    string `yaml:"dsn"`
}

// HTTPConfig configures the query API listener.
type HTTPConfig struct {
	Addr             string `yaml:"addr"`
	JWTSecret        string `yaml:"jwt_secret"`
	IngestSecret     string `yaml:"ingest_secret"`
	IngestSkewSecond int    `yaml:"ingest_skew_seconds"`
}

// Config is the appliance control-plane configuration.
type Config struct {
	Store      StoreConfig     `yaml:"store"`
	HTTP       HTTPConfig      `yaml:"http"`
	Features   map[string]bool `yaml:"features"`
	Alarms     AlarmsConfig    `yaml:"alarms"`
	AutoBlock  bool            `yaml:"auto_block"`
	WebhookURL string          `yaml:"webhook_url"`
	LogLevel   string          `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver: getenvDefault("NETSHIELD_STORE_DRIVER", "memory"),
			DSN:    os.Getenv("NETSHIELD_STORE_DSN"),
		},
		HTTP: HTTPConfig{
			Addr:             getenvDefault("NETSHIELD_HTTP_ADDR", ":8087"),
			JWTSecret:        os.Getenv("NETSHIELD_JWT_SECRET"),
			IngestSecret:     os.Getenv("NETSHIELD_INGEST_SECRET"),
			IngestSkewSecond: 300,
		},
		Features: map[string]bool{},
		Alarms: AlarmsConfig{
			Apply: map[string]map[string]string{
				"default": {"timeout": "600"},
			},
		},
		WebhookURL: os.Getenv("NETSHIELD_WEBHOOK_URL"),
		LogLevel:   getenvDefault("NETSHIELD_LOG_LEVEL", "info"),
	}
}

// Load reads configuration from the yaml file at path, layered over the
// defaults. An empty path falls back to the NETSHIELD_CONFIG env var; no
// file at all returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("NETSHIELD_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Alarms.Apply == nil {
		cfg.Alarms.Apply = Default().Alarms.Apply
	}
	return cfg, nil
}

// PendingTimeoutSeconds returns the configured pending-alarm timeout from
// the default apply overlay, 600 when unset or unparsable.
func (c Config) PendingTimeoutSeconds() float64 {
	overlay, ok := c.Alarms.Apply["default"]
	if !ok {
		return 600
	}
	timeout, err := strconv.ParseFloat(overlay["timeout"], 64)
	if err != nil || timeout <= 0 {
		return 600
	}
	return timeout
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
