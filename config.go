package mcp

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig carries the identity and policy for one remote tool server.
// It is immutable once a ConnManager is constructed from it; to change policy,
// replace the server entry.
type ServerConfig struct {
	// Name uniquely identifies the server within a ServerManager.
	Name string `yaml:"name" json:"name"`

	// Endpoint is the URL the transport connects to.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Transport selects the wire mechanism. Defaults to TransportSSE.
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Auth describes the credentials attached to outbound requests.
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Capabilities declares what the server is expected to support.
	Capabilities CapabilityFlags `yaml:"capabilities" json:"capabilities"`

	// Retry governs automatic reconnection after handshake failures.
	Retry RetryPolicy `yaml:"retry" json:"retry"`

	// Timeout bounds the handshake and every protocol request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// CapabilityFlags declares the protocol features a server supports.
type CapabilityFlags struct {
	Tools     bool `yaml:"tools" json:"tools"`
	Resources bool `yaml:"resources" json:"resources"`
	Prompts   bool `yaml:"prompts" json:"prompts"`
	Roots     bool `yaml:"roots" json:"roots"`
	Sampling  bool `yaml:"sampling" json:"sampling"`
}

// RetryPolicy bounds automatic reconnection. The delay before retry attempt k
// is BaseDelay * Multiplier^(k-1); with MaxRetries = N a failing connection is
// attempted N+1 times in total.
type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries" json:"maxRetries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"baseDelay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
}

// FleetConfig is the on-disk description of a server fleet.
type FleetConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// Default server policy values, applied where a config leaves fields zero.
const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMultiplier = 2.0
	defaultTimeout    = 30 * time.Second
)

// UnmarshalYAML decodes a server entry, accepting durations in the usual
// "2s"/"500ms" notation.
func (c *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawRetry struct {
		MaxRetries int     `yaml:"max_retries"`
		BaseDelay  string  `yaml:"base_delay"`
		Multiplier float64 `yaml:"multiplier"`
	}
	type rawServer struct {
		Name         string          `yaml:"name"`
		Endpoint     string          `yaml:"endpoint"`
		Transport    TransportKind   `yaml:"transport"`
		Auth         AuthConfig      `yaml:"auth"`
		Capabilities CapabilityFlags `yaml:"capabilities"`
		Retry        rawRetry        `yaml:"retry"`
		Timeout      string          `yaml:"timeout"`
	}

	var raw rawServer
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parse := func(field, s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
		}
		return d, nil
	}

	baseDelay, err := parse("base_delay", raw.Retry.BaseDelay)
	if err != nil {
		return err
	}
	timeout, err := parse("timeout", raw.Timeout)
	if err != nil {
		return err
	}

	*c = ServerConfig{
		Name:         raw.Name,
		Endpoint:     raw.Endpoint,
		Transport:    raw.Transport,
		Auth:         raw.Auth,
		Capabilities: raw.Capabilities,
		Retry: RetryPolicy{
			MaxRetries: raw.Retry.MaxRetries,
			BaseDelay:  baseDelay,
			Multiplier: raw.Retry.Multiplier,
		},
		Timeout: timeout,
	}
	return nil
}

// LoadFleetConfig reads and validates a YAML fleet configuration file,
// applying policy defaults to each server entry.
func LoadFleetConfig(path string) (FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FleetConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FleetConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FleetConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Servers))
	for i, sc := range cfg.Servers {
		sc = sc.withDefaults()
		if err := sc.Validate(); err != nil {
			return FleetConfig{}, fmt.Errorf("server %d: %w", i, err)
		}
		if _, ok := seen[sc.Name]; ok {
			return FleetConfig{}, fmt.Errorf("duplicate server name %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		cfg.Servers[i] = sc
	}

	return cfg, nil
}

// Validate checks the config for structural problems. It does not contact the
// endpoint.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("server name is required")
	}
	if c.Endpoint == "" {
		return errors.New("server endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q: scheme and host are required", c.Endpoint)
	}
	if c.Transport != TransportSSE {
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return errors.New("base_delay must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	switch c.Auth.Kind {
	case AuthNone:
	case AuthBearer, AuthAPIKey:
		if c.Auth.Token == "" {
			return fmt.Errorf("auth kind %q requires a token", c.Auth.Kind)
		}
	default:
		return fmt.Errorf("unsupported auth kind %q", c.Auth.Kind)
	}
	return nil
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Transport == "" {
		c.Transport = TransportSSE
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = RetryPolicy{
			MaxRetries: defaultMaxRetries,
			BaseDelay:  defaultBaseDelay,
			Multiplier: defaultMultiplier,
		}
	} else {
		if c.Retry.BaseDelay == 0 {
			c.Retry.BaseDelay = defaultBaseDelay
		}
		if c.Retry.Multiplier == 0 {
			c.Retry.Multiplier = defaultMultiplier
		}
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}
