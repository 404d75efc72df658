package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bakeoff.yml.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		PublicURL   string   `yaml:"public_url"`
		TrustProxy  bool     `yaml:"trust_proxy"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Database struct {
		Path        string        `yaml:"path"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret    string        `yaml:"jwt_secret"`
		SessionTTL   time.Duration `yaml:"session_ttl"`
		SecureCookie bool          `yaml:"secure_cookie"`
	} `yaml:"auth"`
	Ledger struct {
		RegistrationBonus int64 `yaml:"registration_bonus"`
		MinBounty         int64 `yaml:"min_bounty"`
	} `yaml:"ledger"`
	Limits struct {
		Store              string        `yaml:"store"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
		Registration       RateLimit     `yaml:"registration"`
		AgentAPI           RateLimit     `yaml:"agent_api"`
		UploadInterval     time.Duration `yaml:"upload_interval"`
		BakeCreateInterval time.Duration `yaml:"bake_create_interval"`
		MaxUploadBytes     int64         `yaml:"max_upload_bytes"`
	} `yaml:"limits"`
	Payment struct {
		Provider      string `yaml:"provider"`
		APIBase       string `yaml:"api_base"`
		SecretKey     string `yaml:"secret_key"`
		WebhookSecret string `yaml:"webhook_secret"`
		Currency      string `yaml:"currency"`
		SuccessURL    string `yaml:"success_url"`
		CancelURL     string `yaml:"cancel_url"`
	} `yaml:"payment"`
	Mail struct {
		Provider     string        `yaml:"provider"`
		Endpoint     string        `yaml:"endpoint"`
		APIKey       string        `yaml:"api_key"`
		From         string        `yaml:"from"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"mail"`
	Storage struct {
		Dir           string `yaml:"dir"`
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"storage"`
	Research struct {
		Enabled   bool          `yaml:"enabled"`
		ParserURL string        `yaml:"parser_url"`
		SearchURL string        `yaml:"search_url"`
		LLMURL    string        `yaml:"llm_url"`
		APIKey    string        `yaml:"api_key"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"research"`
}

// RateLimit is one fixed-window quota.
type RateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Ledger.MinBounty <= 0 {
		return fmt.Errorf("config.ledger.min_bounty must be positive")
	}
	if c.Ledger.RegistrationBonus < 0 {
		return fmt.Errorf("config.ledger.registration_bonus must not be negative")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("config.auth.session_ttl must be positive")
	}
	for name, rl := range map[string]RateLimit{"registration": c.Limits.Registration, "agent_api": c.Limits.AgentAPI} {
		if rl.Limit <= 0 || rl.Window <= 0 {
			return fmt.Errorf("config.limits.%s needs positive limit and window", name)
		}
	}
	switch c.Limits.Store {
	case "memory", "sql":
	default:
		return fmt.Errorf("config.limits.store must be 'memory' or 'sql'")
	}
	if c.Limits.MaxUploadBytes <= 0 {
		return fmt.Errorf("config.limits.max_upload_bytes must be positive")
	}
	switch c.Payment.Provider {
	case "none":
	case "stripe":
		if c.Payment.SecretKey == "" || c.Payment.WebhookSecret == "" {
			return fmt.Errorf("config.payment: stripe requires secret_key and webhook_secret")
		}
	default:
		return fmt.Errorf("config.payment.provider %q not supported", c.Payment.Provider)
	}
	switch c.Mail.Provider {
	case "none", "log":
	case "http":
		if c.Mail.Endpoint == "" {
			return fmt.Errorf("config.mail.endpoint is required for provider http")
		}
	default:
		return fmt.Errorf("config.mail.provider %q not supported", c.Mail.Provider)
	}
	if c.Research.Enabled && c.Research.LLMURL == "" {
		return fmt.Errorf("config.research.llm_url is required when research is enabled")
	}
	return nil
}

// Path returns the config file path inside a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "bakeoff.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load reads the file at path over the defaults. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses raw YAML over the defaults without validating, so callers
// can apply overrides first.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: ":8080"
  public_url: "http://localhost:8080"
  trust_proxy: false
  cors_origins: ["http://localhost:3000"]

database:
  path: "./data/bakeoff.db"
  busy_timeout: 10s

auth:
  jwt_secret: "change-me"
  session_ttl: 168h
  secure_cookie: false

ledger:
  registration_bonus: 1000
  min_bounty: 100

limits:
  store: memory
  sweep_interval: 5m
  registration:
    limit: 3
    window: 1h
  agent_api:
    limit: 60
    window: 1m
  upload_interval: 10s
  bake_create_interval: 1m
  max_upload_bytes: 10485760

payment:
  provider: none
  api_base: "https://api.stripe.com"
  currency: usd
  success_url: "http://localhost:3000/bakes/{task_id}?paid=1"
  cancel_url: "http://localhost:3000/bakes/{task_id}"

mail:
  provider: log
  from: "Bakeoff <noreply@bakeoff.local>"
  poll_interval: 2s

storage:
  dir: "./data/uploads"
  public_base_url: "http://localhost:8080/files"

research:
  enabled: false
  timeout: 30s
`
