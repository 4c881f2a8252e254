package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`server: {port: 8080}`), env(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "https://api.githubcopilot.com", cfg.Upstream.BaseURL)
	assert.Equal(t, PolicyWait, cfg.Admission.Policy)
	assert.Equal(t, StoreFile, cfg.Auth.Store)
	assert.Equal(t, time.Minute, cfg.Auth.RefreshMargin)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Contains(t, cfg.Upstream.Headers, "Editor-Version")
	assert.Equal(t, 5*time.Minute, cfg.Upstream.Timeout)
	assert.Equal(t, time.Minute, cfg.Upstream.HeaderTimeout)
}

func TestParseSeedsModelCatalog(t *testing.T) {
	cfg, err := Parse(nil, env(nil))
	require.NoError(t, err)

	byID := map[string]ModelConfig{}
	for _, model := range cfg.Models {
		byID[model.ID] = model
	}
	require.Contains(t, byID, "claude-sonnet-4")
	assert.Equal(t, 16000, byID["claude-sonnet-4"].MaxOutputTokens)
	assert.Contains(t, byID["claude-sonnet-4"].Aliases, "claude-sonnet-4-20250514")
	require.Contains(t, byID, "gpt-4.1")
	assert.Positive(t, byID["gpt-4.1"].MaxOutputTokens)

	cfg, err = Parse([]byte("models: []"), env(nil))
	require.NoError(t, err)
	assert.Empty(t, cfg.Models)
}

func TestParseFullDocument(t *testing.T) {
	doc := `
server:
  port: 9000
upstream:
  base_url: http://localhost:1234
  timeout: 30s
  headers:
    X-Custom: "1"
auth:
  store: sqlite
  store_path: /tmp/creds.db
  refresh_margin: 2m
admission:
  interval: 1500ms
  policy: reject
translation:
  preamble: "You are terse."
models:
  - id: gpt-4.1
    vendor: openai
    max_output_tokens: 16384
    aliases: [gpt-4.1-latest]
logging:
  level: debug
  format: json
`
	cfg, err := Parse([]byte(doc), env(nil))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, Headers{"X-Custom": "1"}, cfg.Upstream.Headers)
	assert.Equal(t, StoreSQLite, cfg.Auth.Store)
	assert.Equal(t, 2*time.Minute, cfg.Auth.RefreshMargin)
	assert.Equal(t, 1500*time.Millisecond, cfg.Admission.Interval)
	assert.Equal(t, PolicyReject, cfg.Admission.Policy)
	assert.Equal(t, "You are terse.", cfg.Translation.Preamble)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, []string{"gpt-4.1-latest"}, cfg.Models[0].Aliases)
}

func TestParseEnvOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`admission: {interval: 1s}`), env(map[string]string{
		"GATEWAY_PORT":               "7000",
		"GATEWAY_ADMISSION_INTERVAL": "250ms",
		"GATEWAY_ADMISSION_POLICY":   "reject",
		"GATEWAY_GITHUB_TOKEN":       "gho_abc",
		"GATEWAY_METRICS_ENABLED":    "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Admission.Interval)
	assert.Equal(t, PolicyReject, cfg.Admission.Policy)
	assert.Equal(t, "gho_abc", cfg.Auth.GitHubToken)
	assert.True(t, cfg.Metrics.Enabled)

	_, err = Parse(nil, env(map[string]string{"GATEWAY_PORT": "abc"}))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"port":                    `server: {port: 70000}`,
		"policy":                  `admission: {policy: sometimes}`,
		"store":                   `auth: {store: redis}`,
		"header":                  "upstream:\n  headers:\n    \"Bad Header\": x",
		"duplicate":               "models:\n  - id: a\n  - id: b\n    aliases: [a]",
		"empty model":             "models:\n  - vendor: x",
		"log format":              `logging: {format: xml}`,
		"negative wait":           `admission: {interval: -1s}`,
		"negative header timeout": `upstream: {header_timeout: -1s}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), env(nil))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 5555\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
