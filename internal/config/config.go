// Package config provides configuration for the run orchestrator.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort     int `yaml:"http_port"`
	InternalPort int `yaml:"internal_port"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Sandbox settings
	DesktopAPI      string `yaml:"desktop_api"`
	DesktopNoVNC    string `yaml:"desktop_novnc"`
	BackendInternal string `yaml:"backend_internal"`

	// Relay and lifecycle tunables
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	DisconnectGrace  time.Duration `yaml:"-"`
	GateTimeout      time.Duration `yaml:"-"`
	RunTimeout       time.Duration `yaml:"-"`
	RetentionWindow  time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`
	SSEHeartbeat     time.Duration `yaml:"-"`

	DisconnectGraceRaw string `yaml:"disconnect_grace"`
	GateTimeoutRaw     string `yaml:"gate_timeout"`
	RunTimeoutRaw      string `yaml:"run_timeout"`
	RetentionWindowRaw string `yaml:"retention_window"`
	SweepIntervalRaw   string `yaml:"sweep_interval"`
	SSEHeartbeatRaw    string `yaml:"sse_heartbeat"`

	PolicyFile   string `yaml:"policy_file"`
	FixturesFile string `yaml:"fixtures_file"`

	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ArtifactsConfig points at the S3-compatible store holding resumes.
type ArtifactsConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	Secure    bool          `yaml:"secure"`
	URLTTL    time.Duration `yaml:"-"`
	URLTTLRaw string        `yaml:"url_ttl"`
}

// Enabled reports whether an artifact store is configured.
func (a ArtifactsConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:         8000,
		InternalPort:     8001,
		DatabaseURL:      "file:applyrun.db?cache=shared&mode=rwc",
		DesktopNoVNC:     "http://localhost:6080/vnc.html?autoconnect=true",
		BackendInternal:  "http://localhost:8000",
		SubscriberBuffer: 64,
		DisconnectGrace:  15 * time.Second,
		GateTimeout:      10 * time.Minute,
		RunTimeout:       30 * time.Minute,
		RetentionWindow:  time.Hour,
		SweepInterval:    500 * time.Millisecond,
		SSEHeartbeat:     15 * time.Second,
		Artifacts: ArtifactsConfig{
			Region: "us-east-1",
			URLTTL: 15 * time.Minute,
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then environment variables. ${VAR} references in the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.InternalPort = getEnvInt("INTERNAL_PORT", cfg.InternalPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DesktopAPI = getEnv("DESKTOP_API", cfg.DesktopAPI)
	cfg.DesktopNoVNC = getEnv("DESKTOP_NOVNC", cfg.DesktopNoVNC)
	cfg.BackendInternal = getEnv("BACKEND_INTERNAL", cfg.BackendInternal)
	cfg.SubscriberBuffer = getEnvInt("SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	cfg.DisconnectGrace = getEnvDuration("DISCONNECT_GRACE", cfg.DisconnectGrace)
	cfg.GateTimeout = getEnvDuration("GATE_TIMEOUT", cfg.GateTimeout)
	cfg.RunTimeout = getEnvDuration("RUN_TIMEOUT", cfg.RunTimeout)
	cfg.RetentionWindow = getEnvDuration("RETENTION_WINDOW", cfg.RetentionWindow)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SSEHeartbeat = getEnvDuration("SSE_HEARTBEAT", cfg.SSEHeartbeat)
	cfg.PolicyFile = getEnv("POLICY_FILE", cfg.PolicyFile)
	cfg.FixturesFile = getEnv("FIXTURES_FILE", cfg.FixturesFile)
	cfg.Artifacts.Endpoint = getEnv("ARTIFACTS_ENDPOINT", cfg.Artifacts.Endpoint)
	cfg.Artifacts.AccessKey = getEnv("ARTIFACTS_ACCESS_KEY", cfg.Artifacts.AccessKey)
	cfg.Artifacts.SecretKey = getEnv("ARTIFACTS_SECRET_KEY", cfg.Artifacts.SecretKey)
	cfg.Artifacts.Bucket = getEnv("ARTIFACTS_BUCKET", cfg.Artifacts.Bucket)
	cfg.Artifacts.Region = getEnv("ARTIFACTS_REGION", cfg.Artifacts.Region)
	cfg.Artifacts.Secure = getEnvBool("ARTIFACTS_SECURE", cfg.Artifacts.Secure)
	cfg.Artifacts.URLTTL = getEnvDuration("ARTIFACTS_URL_TTL", cfg.Artifacts.URLTTL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
}

// Validate checks the tunables that must be positive.
func (c *Config) Validate() error {
	if c.SubscriberBuffer < 2 {
		return fmt.Errorf("subscriber_buffer must be at least 2, got %d", c.SubscriberBuffer)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("disconnect_grace must be positive")
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"disconnect_grace", cfg.DisconnectGraceRaw, &cfg.DisconnectGrace},
		{"gate_timeout", cfg.GateTimeoutRaw, &cfg.GateTimeout},
		{"run_timeout", cfg.RunTimeoutRaw, &cfg.RunTimeout},
		{"retention_window", cfg.RetentionWindowRaw, &cfg.RetentionWindow},
		{"sweep_interval", cfg.SweepIntervalRaw, &cfg.SweepInterval},
		{"sse_heartbeat", cfg.SSEHeartbeatRaw, &cfg.SSEHeartbeat},
		{"artifacts.url_ttl", cfg.Artifacts.URLTTLRaw, &cfg.Artifacts.URLTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts a Go duration string ("15s") or bare milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
