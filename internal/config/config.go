// internal/config/config.go
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/saferun/internal/detector"
)

// Environment variables
const (
	EnvAPIKey      = "SAFERUN_API_KEY"
	EnvEndpointURL = "SAFERUN_ML_API_URL"
	EnvDBPath      = "SAFERUN_DB_PATH"
)

// DetectorConfig for the anomaly detector
type DetectorConfig struct {
	Enabled        *bool  `yaml:"enabled"` // nil means default (true)
	EndpointURL    string `yaml:"endpoint_url"`
	MaxFailures    int    `yaml:"max_failures"`
	CacheSize      int    `yaml:"cache_size"`
	SequenceLength int    `yaml:"sequence_length"`
	MaxSubjects    int    `yaml:"max_subjects"`

	// EndpointFromEnv is set when SAFERUN_ML_API_URL supplied EndpointURL
	EndpointFromEnv bool `yaml:"-"`
}

// Detector converts to detector.Config, filling in defaults
func (c DetectorConfig) Detector() detector.Config {
	cfg := detector.DefaultConfig()
	if c.Enabled != nil {
		cfg.Enabled = *c.Enabled
	}
	if c.EndpointURL != "" {
		cfg.EndpointURL = c.EndpointURL
	}
	if c.MaxFailures > 0 {
		cfg.MaxFailures = c.MaxFailures
	}
	if c.CacheSize > 0 {
		cfg.CacheSize = c.CacheSize
	}
	if c.SequenceLength > 0 {
		cfg.SequenceLength = c.SequenceLength
	}
	if c.MaxSubjects > 0 {
		cfg.MaxSubjects = c.MaxSubjects
	}
	return cfg
}

// ServerConfig for the detection control API
type ServerConfig struct {
	ListenAddr      string         `yaml:"listen_addr"`
	DBPath          string         `yaml:"db_path"`
	TLSCert         string         `yaml:"tls_cert"`
	TLSKey          string         `yaml:"tls_key"`
	MaxPayloadBytes int64          `yaml:"max_payload_bytes"`
	Detector        DetectorConfig `yaml:"detector"`
	APIKey          string         `yaml:"-"` // from env only
}

// MonitorConfig for the telemetry monitor
type MonitorConfig struct {
	ServerURL     string         `yaml:"server_url"` // empty means detect in-process
	TelemetryFile string         `yaml:"telemetry_file"`
	PollInterval  time.Duration  `yaml:"poll_interval"`
	StateFile     string         `yaml:"state_file"`
	DBPath        string         `yaml:"db_path"`
	TLSSkipVerify bool           `yaml:"tls_skip_verify"`
	Detector      DetectorConfig `yaml:"detector"`
	APIKey        string         `yaml:"-"` // from env only
}

// LoadDotEnv loads a .env file into the environment if one exists.
// Variables already set are not overridden.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadServerConfig loads server config from YAML file with env overrides
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Env overrides
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.APIKey = key
	}
	if url := os.Getenv(EnvEndpointURL); url != "" {
		cfg.Detector.EndpointURL = url
		cfg.Detector.EndpointFromEnv = true
	}
	if dbPath := os.Getenv(EnvDBPath); dbPath != "" {
		cfg.DBPath = dbPath
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8443"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "saferun.db"
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}

	return &cfg, nil
}

// LoadMonitorConfig loads monitor config from YAML file with env overrides
func LoadMonitorConfig(path string) (*MonitorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg MonitorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Env overrides
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.APIKey = key
	}
	if url := os.Getenv(EnvEndpointURL); url != "" {
		cfg.Detector.EndpointURL = url
		cfg.Detector.EndpointFromEnv = true
	}
	if dbPath := os.Getenv(EnvDBPath); dbPath != "" {
		cfg.DBPath = dbPath
	}

	// Defaults
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "saferun-monitor.state"
	}
	if cfg.TelemetryFile == "" {
		return nil, errors.New("telemetry_file is required")
	}

	return &cfg, nil
}
