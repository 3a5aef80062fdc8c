package mcp_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/Vesias/AIaaS-Boilerplate-Framework-sub002"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFleetConfig(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: alpha
    endpoint: http://localhost:9000/sse
    auth:
      kind: bearer
      token: secret
  - name: beta
    endpoint: https://beta.example.com/sse
    transport: sse
    retry:
      max_retries: 5
      base_delay: 2s
      multiplier: 1.5
    timeout: 10s
    capabilities:
      tools: true
      resources: true
`)

	cfg, err := mcp.LoadFleetConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	alpha := cfg.Servers[0]
	assert.Equal(t, "alpha", alpha.Name)
	assert.Equal(t, mcp.TransportSSE, alpha.Transport)
	assert.Equal(t, mcp.AuthBearer, alpha.Auth.Kind)
	assert.Equal(t, "secret", alpha.Auth.Token)
	assert.Equal(t, 3, alpha.Retry.MaxRetries)
	assert.Equal(t, time.Second, alpha.Retry.BaseDelay)
	assert.Equal(t, 2.0, alpha.Retry.Multiplier)
	assert.Equal(t, 30*time.Second, alpha.Timeout)

	beta := cfg.Servers[1]
	assert.Equal(t, 5, beta.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, beta.Retry.BaseDelay)
	assert.Equal(t, 1.5, beta.Retry.Multiplier)
	assert.Equal(t, 10*time.Second, beta.Timeout)
	assert.True(t, beta.Capabilities.Tools)
	assert.True(t, beta.Capabilities.Resources)
	assert.False(t, beta.Capabilities.Prompts)
}

func TestLoadFleetConfigDuplicateName(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: alpha
    endpoint: http://localhost:9000/sse
  - name: alpha
    endpoint: http://localhost:9001/sse
`)

	_, err := mcp.LoadFleetConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate server name")
}

func TestLoadFleetConfigBadDuration(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: alpha
    endpoint: http://localhost:9000/sse
    timeout: soon
`)

	_, err := mcp.LoadFleetConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestLoadFleetConfigMissingFile(t *testing.T) {
	_, err := mcp.LoadFleetConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestServerConfigValidate(t *testing.T) {
	valid := mcp.ServerConfig{
		Name:      "alpha",
		Endpoint:  "http://localhost:9000/sse",
		Transport: mcp.TransportSSE,
		Retry:     mcp.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2},
		Timeout:   30 * time.Second,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(c *mcp.ServerConfig)
	}{
		{"empty name", func(c *mcp.ServerConfig) { c.Name = "" }},
		{"empty endpoint", func(c *mcp.ServerConfig) { c.Endpoint = "" }},
		{"endpoint without scheme", func(c *mcp.ServerConfig) { c.Endpoint = "localhost/sse" }},
		{"unsupported transport", func(c *mcp.ServerConfig) { c.Transport = "stdio" }},
		{"negative retries", func(c *mcp.ServerConfig) { c.Retry.MaxRetries = -1 }},
		{"zero base delay", func(c *mcp.ServerConfig) { c.Retry.BaseDelay = 0 }},
		{"multiplier below one", func(c *mcp.ServerConfig) { c.Retry.Multiplier = 0.5 }},
		{"zero timeout", func(c *mcp.ServerConfig) { c.Timeout = 0 }},
		{"bearer without token", func(c *mcp.ServerConfig) { c.Auth = mcp.AuthConfig{Kind: mcp.AuthBearer} }},
		{"api key without token", func(c *mcp.ServerConfig) { c.Auth = mcp.AuthConfig{Kind: mcp.AuthAPIKey} }},
		{"unknown auth kind", func(c *mcp.ServerConfig) { c.Auth = mcp.AuthConfig{Kind: "oauth", Token: "x"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
