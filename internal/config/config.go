package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"fixline/internal/artifacts"
	"fixline/internal/logging"
)

const FileName = "fixline.yml"

// Config models fixline.yml.
type Config struct {
	Workspace struct {
		Path    string `yaml:"path"`
		TempDir string `yaml:"temp_dir"`
	} `yaml:"workspace"`
	Mod struct {
		Binary string `yaml:"binary"`
	} `yaml:"mod"`
	Recipes struct {
		CatalogPath string `yaml:"catalog_path"`
	} `yaml:"recipes"`
	Git struct {
		Remote      string   `yaml:"remote"`
		UserName    string   `yaml:"user_name"`
		UserEmail   string   `yaml:"user_email"`
		TokenEnv    string   `yaml:"token_env"`
		Excludes    []string `yaml:"excludes"`
		SummaryFile string   `yaml:"summary_file"`
	} `yaml:"git"`
	LLM struct {
		Model     string `yaml:"model"`
		BaseURL   string `yaml:"base_url"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"llm"`
	Jobs struct {
		Store         string `yaml:"store"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"jobs"`
	DB struct {
		Path string `yaml:"path"`
	} `yaml:"db"`
	Server struct {
		Addr string `yaml:"addr"`
		Auth struct {
			JWTSecretEnv string `yaml:"jwt_secret_env"`
			Issuer       string `yaml:"issuer"`
			Audience     string `yaml:"audience"`
		} `yaml:"auth"`
		Webhooks []Webhook `yaml:"webhooks"`
	} `yaml:"server"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Artifacts artifacts.Config `yaml:"artifacts"`
	Log       struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Webhook receives job events as JSON POSTs. An empty Events list subscribes to everything.
type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace.Path) == "" {
		return fmt.Errorf("config.workspace.path is required")
	}
	if c.Mod.Binary == "" {
		return fmt.Errorf("config.mod.binary is required")
	}
	switch c.Jobs.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config.jobs.store must be 'memory' or 'sqlite'")
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("config.jobs.max_concurrent must be at least 1")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	seen := map[string]bool{}
	for i, hook := range c.Server.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("config.server.webhooks[%d].id is required", i)
		}
		if seen[hook.ID] {
			return fmt.Errorf("duplicate webhook id %s", hook.ID)
		}
		seen[hook.ID] = true
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook %s has invalid url %q", hook.ID, hook.URL)
		}
	}
	if c.Artifacts.Endpoint != "" {
		if err := c.Artifacts.Validate(); err != nil {
			return fmt.Errorf("config.artifacts: %w", err)
		}
	}
	return nil
}

// GitToken reads the push token from the configured environment variable.
func (c *Config) GitToken() string { return os.Getenv(c.Git.TokenEnv) }

// LLMAPIKey reads the model API key from the configured environment variable.
func (c *Config) LLMAPIKey() string { return os.Getenv(c.LLM.APIKeyEnv) }

// JWTSecret reads the bearer token signing secret from the configured environment variable.
func (c *Config) JWTSecret() string { return os.Getenv(c.Server.Auth.JWTSecretEnv) }

// RolePermissions flattens the RBAC section into role -> permissions.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = append([]string(nil), role.Permissions...)
	}
	return out
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// Load reads and validates config from dir.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses raw YAML over the defaults and validates the result.
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

const defaultTemplate = `workspace:
  path: ./moderne-workspace
  temp_dir: ""

mod:
  binary: mod

recipes:
  catalog_path: recipes.json

git:
  remote: origin
  user_name: Fixline Automation
  user_email: automation@fixline.dev
  token_env: FIXLINE_GIT_TOKEN
  excludes: [target/, build/, .idea/, .vscode/, .moderne/]
  summary_file: FIXLINE_SUMMARY.md

llm:
  model: gpt-4o
  base_url: ""
  api_key_env: OPENAI_API_KEY

jobs:
  store: memory
  max_concurrent: 2

db:
  path: ""

server:
  addr: 127.0.0.1:8080
  auth:
    jwt_secret_env: FIXLINE_JWT_SECRET
    issuer: ""
    audience: ""
  webhooks: []

rbac:
  roles:
    admin:
      description: "Full access"
      permissions: [jobs.submit, jobs.read, recipes.read, workspace.clear]
    operator:
      description: "Submit and inspect jobs"
      permissions: [jobs.submit, jobs.read, recipes.read]
    viewer:
      description: "Read-only"
      permissions: [jobs.read, recipes.read]

artifacts:
  endpoint: ""
  bucket: fixline-runs
  prefix: runs
  use_ssl: true

log:
  level: info
`
