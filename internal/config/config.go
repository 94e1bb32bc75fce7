package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"provline/internal/csp"
)

// Config models provline.yml.
type Config struct {
	CSP   csp.Config `yaml:"csp"`
	Claim struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"claim"`
	Worker struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"worker"`
	Tenant struct {
		DomainSuffix          string `yaml:"domain_suffix"`
		CountryCode           string `yaml:"country_code"`
		PasswordRecoveryEmail string `yaml:"password_recovery_email"`
	} `yaml:"tenant"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.CSP.Provider {
	case "", "mock":
	case "azure":
		if c.CSP.BaseURL == "" {
			return fmt.Errorf("config.csp.base_url is required for the azure provider")
		}
	default:
		return fmt.Errorf("config.csp.provider must be 'mock' or 'azure'")
	}
	if c.Claim.TTLMinutes < 0 {
		return fmt.Errorf("config.claim.ttl_minutes must not be negative")
	}
	if c.Worker.IntervalSeconds < 0 {
		return fmt.Errorf("config.worker.interval_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "provline.yml")
}

// Default returns the built-in configuration: mock provider, 30 minute
// claims, 60 second worker passes.
func Default() *Config {
	var cfg Config
	cfg.CSP.Provider = "mock"
	cfg.Claim.TTLMinutes = 30
	cfg.Worker.IntervalSeconds = 60
	cfg.Tenant.DomainSuffix = ".onmicrosoft.com"
	cfg.Tenant.CountryCode = "US"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted claim
// and worker settings fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `csp:
  provider: mock
  # base_url: https://provisioning-gateway.example.com
  # client_id: ""
  # client_secret: ""

claim:
  ttl_minutes: 30

worker:
  interval_seconds: 60

tenant:
  domain_suffix: .onmicrosoft.com
  country_code: US
  password_recovery_email: ""

webhooks: []
`
