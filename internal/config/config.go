package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Mode     string         `yaml:"mode"` // production, sandbox
	Storage  StorageConfig  `yaml:"storage"`
	Relay    RelayConfig    `yaml:"relay"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Quota    QuotaConfig    `yaml:"quota"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	DKIM     DKIMConfig     `yaml:"dkim"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

const (
	ModeProduction = "production"
	ModeSandbox    = "sandbox"
)

const (
	TLSImplicit = "implicit" // TLS from the first byte, usually port 465
	TLSStartTLS = "starttls" // plain connect, then mandatory STARTTLS
	TLSNone     = "none"     // no encryption, local relays only
)

// StorageConfig contains database locations
type StorageConfig struct {
	Path      string `yaml:"path"`       // SQLite CRM database
	StatePath string `yaml:"state_path"` // bbolt file for quota counters and sandbox
}

// RelayConfig describes the outbound SMTP relay
type RelayConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"`
	TLSMode            string        `yaml:"tls_mode"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Hostname           string        `yaml:"hostname"` // EHLO name
}

// Configured reports whether enough is known to talk to the relay
func (r RelayConfig) Configured() bool {
	return r.Host != "" && r.Username != "" && r.Password != ""
}

// DispatchConfig controls batch pacing
type DispatchConfig struct {
	MaxRowsPerBatch  int           `yaml:"max_rows_per_batch"`
	MinBatchInterval time.Duration `yaml:"min_batch_interval"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	EnqueueBatchSize int           `yaml:"enqueue_batch_size"`
	Concurrency      int           `yaml:"concurrency"`
}

// QuotaConfig is the relay-wide sending allowance
type QuotaConfig struct {
	Enabled         bool `yaml:"enabled"`
	MessagesPerHour int  `yaml:"messages_per_hour"`
	MessagesPerDay  int  `yaml:"messages_per_day"`
}

// SandboxConfig tunes the capture gateway used in sandbox mode
type SandboxConfig struct {
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"` // 0.0 to 1.0
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	TLS          TLSConfig     `yaml:"tls"`
}

// TLSConfig contains HTTPS settings of the API. Empty means plain HTTP.
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt ACME settings
type ACMEConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Email         string   `yaml:"email"`
	Domains       []string `yaml:"domains"`
	CacheDir      string   `yaml:"cache_dir"`
	ChallengeAddr string   `yaml:"challenge_addr"` // HTTP-01 listener, default :80
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. A .env file next to it and
// the process environment override relay credentials and the database path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv reads the EMAIL_* variables used by the CRM deployment
func (c *Config) applyEnv() error {
	if v := os.Getenv("EMAIL_HOST"); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv("EMAIL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EMAIL_PORT %q: %w", v, err)
		}
		c.Relay.Port = port
	}
	if v := os.Getenv("EMAIL_USER"); v != "" {
		c.Relay.Username = v
	}
	if v := os.Getenv("EMAIL_PASS"); v != "" {
		c.Relay.Password = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		c.Relay.From = v
	}
	if v := os.Getenv("CRMDISPATCH_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeProduction
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/crmdispatch/crm.db"
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = filepath.Join(filepath.Dir(c.Storage.Path), "state.db")
	}

	if c.Relay.Port == 0 {
		c.Relay.Port = 465
	}
	if c.Relay.TLSMode == "" {
		if c.Relay.Port == 465 {
			c.Relay.TLSMode = TLSImplicit
		} else {
			c.Relay.TLSMode = TLSStartTLS
		}
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 30 * time.Second
	}
	if c.Relay.From == "" {
		c.Relay.From = c.Relay.Username
	}
	if c.Relay.Hostname == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "localhost"
		}
		c.Relay.Hostname = hostname
	}

	if c.Dispatch.MaxRowsPerBatch == 0 {
		c.Dispatch.MaxRowsPerBatch = 380
	}
	if c.Dispatch.MinBatchInterval == 0 {
		c.Dispatch.MinBatchInterval = time.Hour
	}
	if c.Dispatch.TickInterval == 0 {
		c.Dispatch.TickInterval = time.Minute
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}
	if c.Dispatch.EnqueueBatchSize == 0 {
		c.Dispatch.EnqueueBatchSize = 500
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 1
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 60 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.TLS.ACME.CacheDir == "" {
		c.API.TLS.ACME.CacheDir = filepath.Join(filepath.Dir(c.Storage.Path), "certs")
	}
	if c.API.TLS.ACME.ChallengeAddr == "" {
		c.API.TLS.ACME.ChallengeAddr = ":80"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mode != ModeProduction && c.Mode != ModeSandbox {
		return fmt.Errorf("invalid mode: %s (must be production or sandbox)", c.Mode)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	validTLSModes := map[string]bool{TLSImplicit: true, TLSStartTLS: true, TLSNone: true}
	if !validTLSModes[c.Relay.TLSMode] {
		return fmt.Errorf("invalid relay.tls_mode: %s (must be implicit, starttls, or none)", c.Relay.TLSMode)
	}
	if c.Sandbox.ErrorProbability < 0 || c.Sandbox.ErrorProbability > 1 {
		return fmt.Errorf("invalid sandbox.error_probability: %v (must be between 0 and 1)", c.Sandbox.ErrorProbability)
	}

	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("invalid relay.port: %d", c.Relay.Port)
	}
	if c.Relay.Configured() && c.Relay.From == "" {
		return fmt.Errorf("relay.from is required when the relay is configured")
	}

	if err := c.validateDispatch(); err != nil {
		return err
	}

	if c.Quota.Enabled && c.Quota.MessagesPerHour <= 0 && c.Quota.MessagesPerDay <= 0 {
		return fmt.Errorf("quota.messages_per_hour or quota.messages_per_day is required when quota is enabled")
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	return c.validateDKIM()
}

func (c *Config) validateDispatch() error {
	d := c.Dispatch
	if d.MaxRowsPerBatch < 0 {
		return fmt.Errorf("dispatch.max_rows_per_batch must be positive")
	}
	if d.MinBatchInterval < 0 {
		return fmt.Errorf("dispatch.min_batch_interval must not be negative")
	}
	if d.TickInterval < time.Second {
		return fmt.Errorf("dispatch.tick_interval must be at least 1s")
	}
	if d.SendTimeout < 0 {
		return fmt.Errorf("dispatch.send_timeout must not be negative")
	}
	if d.EnqueueBatchSize < 0 {
		return fmt.Errorf("dispatch.enqueue_batch_size must be positive")
	}
	if d.Concurrency < 0 || d.Concurrency > d.MaxRowsPerBatch {
		return fmt.Errorf("dispatch.concurrency must be between 1 and max_rows_per_batch")
	}
	return nil
}

// validateTLS validates API TLS configuration
func (c *Config) validateTLS() error {
	tls := c.API.TLS
	hasCerts := tls.CertFile != "" || tls.KeyFile != ""
	hasACME := tls.ACME.Enabled

	if hasCerts && hasACME {
		return fmt.Errorf("cannot use both manual certificates and ACME")
	}

	if hasCerts {
		if tls.CertFile == "" {
			return fmt.Errorf("api.tls.cert_file is required when using manual certificates")
		}
		if tls.KeyFile == "" {
			return fmt.Errorf("api.tls.key_file is required when using manual certificates")
		}
	}

	if hasACME {
		if tls.ACME.Email == "" {
			return fmt.Errorf("api.tls.acme.email is required when ACME is enabled")
		}
		if len(tls.ACME.Domains) == 0 {
			return fmt.Errorf("api.tls.acme.domains must not be empty when ACME is enabled")
		}
	}

	return nil
}

// HasTLS reports whether the API is served over HTTPS
func (c *APIConfig) HasTLS() bool {
	return (c.TLS.CertFile != "" && c.TLS.KeyFile != "") || c.TLS.ACME.Enabled
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}

	return nil
}

// IsSandbox reports whether mail is captured instead of relayed
func (c *Config) IsSandbox() bool {
	return c.Mode == ModeSandbox
}
