package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Admission policies.
const (
	PolicyWait   = "wait"
	PolicyReject = "reject"
)

// Credential store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

const envPrefix = "GATEWAY_"

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Auth        AuthConfig        `yaml:"auth"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Translation TranslationConfig `yaml:"translation"`
	Models      []ModelConfig     `yaml:"models"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// UpstreamConfig describes the canonical chat-completions provider. Timeout
// bounds a whole non-streaming call. HeaderTimeout bounds only the wait for
// response headers on a streaming call; the stream body runs until the
// request context ends.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Headers       Headers       `yaml:"headers"`
	Timeout       time.Duration `yaml:"timeout"`
	HeaderTimeout time.Duration `yaml:"header_timeout"`
}

// Headers contains additional HTTP headers to send with an upstream request.
type Headers map[string]string

// AuthConfig drives the device flow, the bearer exchange and persistence.
type AuthConfig struct {
	ClientID        string        `yaml:"client_id"`
	Scopes          []string      `yaml:"scopes"`
	DeviceCodeURL   string        `yaml:"device_code_url"`
	TokenURL        string        `yaml:"token_url"`
	ExchangeURL     string        `yaml:"exchange_url"`
	GitHubToken     string        `yaml:"github_token"`
	Store           string        `yaml:"store"`
	StorePath       string        `yaml:"store_path"`
	RefreshMargin   time.Duration `yaml:"refresh_margin"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// AdmissionConfig configures the minimum spacing between upstream calls.
type AdmissionConfig struct {
	Interval time.Duration `yaml:"interval"`
	Policy   string        `yaml:"policy"`
}

// TranslationConfig tunes request translation.
type TranslationConfig struct {
	Preamble string `yaml:"preamble"`
}

// ModelConfig describes a model in the capability catalog.
type ModelConfig struct {
	ID              string   `yaml:"id"`
	Vendor          string   `yaml:"vendor"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Aliases         []string `yaml:"aliases"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads YAML configuration from disk, applies defaults and GATEWAY_*
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	return Parse(data, os.LookupEnv)
}

// Parse decodes YAML bytes and resolves overrides through lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4141
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 32 << 20
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.githubcopilot.com"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 5 * time.Minute
	}
	if c.Upstream.HeaderTimeout == 0 {
		c.Upstream.HeaderTimeout = time.Minute
	}
	if c.Upstream.Headers == nil {
		c.Upstream.Headers = Headers{
			"Editor-Version":         "vscode/1.85.1",
			"Editor-Plugin-Version":  "copilot-chat/0.12.1",
			"Copilot-Integration-Id": "vscode-chat",
		}
	}

	if c.Auth.ClientID == "" {
		c.Auth.ClientID = "01ab8ac9400c4e429b23"
	}

	// An explicit empty list keeps the catalog empty.
	if c.Models == nil {
		c.Models = defaultModels()
	}
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = []string{"read:user"}
	}
	if c.Auth.DeviceCodeURL == "" {
		c.Auth.DeviceCodeURL = "https://github.com/login/device/code"
	}
	if c.Auth.TokenURL == "" {
		c.Auth.TokenURL = "https://github.com/login/oauth/access_token"
	}
	if c.Auth.ExchangeURL == "" {
		c.Auth.ExchangeURL = "https://api.github.com/copilot_internal/v2/token"
	}
	if c.Auth.Store == "" {
		c.Auth.Store = StoreFile
	}
	if c.Auth.StorePath == "" {
		c.Auth.StorePath = defaultStorePath(c.Auth.Store)
	}
	if c.Auth.RefreshMargin == 0 {
		c.Auth.RefreshMargin = 60 * time.Second
	}
	if c.Auth.RefreshInterval == 0 {
		c.Auth.RefreshInterval = 30 * time.Second
	}

	if c.Admission.Policy == "" {
		c.Admission.Policy = PolicyWait
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// defaultModels is the starter catalog for the Copilot chat models most
// clients ask for. Dialect B clients send dated model names, so those are
// aliased onto the Copilot ids.
func defaultModels() []ModelConfig {
	return []ModelConfig{
		{ID: "gpt-4.1", Vendor: "openai", MaxOutputTokens: 16384},
		{ID: "gpt-4o", Vendor: "openai", MaxOutputTokens: 4096},
		{ID: "claude-sonnet-4", Vendor: "anthropic", MaxOutputTokens: 16000, Aliases: []string{"claude-sonnet-4-20250514"}},
		{ID: "claude-3.7-sonnet", Vendor: "anthropic", MaxOutputTokens: 16384, Aliases: []string{"claude-3-7-sonnet-20250219", "claude-3-7-sonnet-latest"}},
		{ID: "gemini-2.5-pro", Vendor: "google", MaxOutputTokens: 64000},
	}
}

func defaultStorePath(store string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	name := "credential.json"
	if store == StoreSQLite {
		name = "credential.db"
	}
	return filepath.Join(dir, "copilot-gateway", name)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, target *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*target = v
		}
	}
	str("HOST", &c.Server.Host)
	str("UPSTREAM_BASE_URL", &c.Upstream.BaseURL)
	str("GITHUB_TOKEN", &c.Auth.GitHubToken)
	str("AUTH_STORE", &c.Auth.Store)
	str("AUTH_STORE_PATH", &c.Auth.StorePath)
	str("ADMISSION_POLICY", &c.Admission.Policy)
	str("PREAMBLE", &c.Translation.Preamble)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_FILE", &c.Logging.File)

	if v, ok := lookup(envPrefix + "PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(envPrefix + "ADMISSION_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sADMISSION_INTERVAL: %w", envPrefix, err)
		}
		c.Admission.Interval = d
	}
	if v, ok := lookup(envPrefix + "METRICS_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS_ENABLED: %w", envPrefix, err)
		}
		c.Metrics.Enabled = enabled
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url must be provided")
	}
	if c.Upstream.Timeout < 0 || c.Upstream.HeaderTimeout < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}
	for headerKey := range c.Upstream.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("upstream: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	switch c.Auth.Store {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("auth.store must be one of %q or %q, got %q", StoreFile, StoreSQLite, c.Auth.Store)
	}
	if c.Auth.RefreshMargin < 0 {
		return fmt.Errorf("auth.refresh_margin must not be negative")
	}

	switch c.Admission.Policy {
	case PolicyWait, PolicyReject:
	default:
		return fmt.Errorf("admission.policy must be one of %q or %q, got %q", PolicyWait, PolicyReject, c.Admission.Policy)
	}
	if c.Admission.Interval < 0 {
		return fmt.Errorf("admission.interval must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Models))
	for _, model := range c.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("models: model id must not be empty")
		}
		if model.MaxOutputTokens < 0 {
			return fmt.Errorf("models: %s max_output_tokens must not be negative", model.ID)
		}
		names := append([]string{model.ID}, model.Aliases...)
		for _, name := range names {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("models: %s alias must not be empty", model.ID)
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("models: %q is declared more than once", name)
			}
			seen[name] = struct{}{}
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
