package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models briefline.yml.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Asana struct {
		AccessToken  string `yaml:"access_token"`
		WorkspaceGID string `yaml:"workspace_gid"`
		BaseURL      string `yaml:"base_url"`
		ProjectGID   string `yaml:"project_gid"`
		SectionGID   string `yaml:"section_gid"`
	} `yaml:"asana"`
	Gemini struct {
		APIKey          string `yaml:"api_key"`
		Model           string `yaml:"model"`
		BaseURL         string `yaml:"base_url"`
		MaxOutputTokens int    `yaml:"max_output_tokens"`
	} `yaml:"gemini"`
	GDocs struct {
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"gdocs"`
	Resolver struct {
		// MinConfidence drops model-proposed field mappings below the
		// threshold. Zero keeps every validated mapping.
		MinConfidence float64 `yaml:"min_confidence"`
	} `yaml:"resolver"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Asana.ProjectGID == "" {
		return fmt.Errorf("config.asana.project_gid is required")
	}
	if c.Gemini.Model == "" {
		return fmt.Errorf("config.gemini.model is required")
	}
	if c.Resolver.MinConfidence < 0 || c.Resolver.MinConfidence > 1 {
		return fmt.Errorf("config.resolver.min_confidence must be within [0,1]")
	}
	if c.Gemini.MaxOutputTokens < 0 {
		return fmt.Errorf("config.gemini.max_output_tokens must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "briefline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectGID string) string {
	return fmt.Sprintf(defaultTemplate, projectGID)
}

// Default returns the default Config struct for a target project.
func Default(projectGID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(projectGID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8787"

auth:
  jwt_secret: ""

asana:
  access_token: ""
  workspace_gid: ""
  base_url: "https://app.asana.com/api/1.0"
  project_gid: %q
  section_gid: ""

gemini:
  api_key: ""
  model: "gemini-2.0-flash"
  base_url: "https://generativelanguage.googleapis.com/v1beta"
  max_output_tokens: 8192

gdocs:
  token: ""
  base_url: "https://docs.googleapis.com"

resolver:
  min_confidence: 0
`
