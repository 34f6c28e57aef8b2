// Package config loads and saves the milo runtime configuration.
//
// Values come from three layers, lowest precedence first: built-in
// defaults, the config file (~/.milo/config.yaml by default), and
// MILO_* environment variables. Command flags override on top via the
// setters on Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"milo/internal/agent/ports"
)

const (
	envPrefix       = "MILO"
	defaultFileName = "config"
	defaultFileType = "yaml"
)

// Config is the persisted milo configuration.
type Config struct {
	// Endpoint is the OpenAI-compatible API root, typically ending in /v1.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey   string `yaml:"api_key,omitempty" mapstructure:"api_key"`

	Model            string  `yaml:"model" mapstructure:"model"`
	Mode             string  `yaml:"mode" mapstructure:"mode"`
	MaxTokens        int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float64 `yaml:"temperature" mapstructure:"temperature"`
	DualModelEnabled bool    `yaml:"dual_model_enabled" mapstructure:"dual_model_enabled"`
	PlannerModel     string  `yaml:"planner_model,omitempty" mapstructure:"planner_model"`
	CoderModel       string  `yaml:"coder_model,omitempty" mapstructure:"coder_model"`

	// ProjectsDir is the parent directory of per-project working dirs.
	ProjectsDir string `yaml:"projects_dir" mapstructure:"projects_dir"`
	// DataDir holds milo's own state (sqlite database, logs).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	ServerHost  string `yaml:"server_host" mapstructure:"server_host"`
	ServerPort  int    `yaml:"server_port" mapstructure:"server_port"`
	ServerToken string `yaml:"server_token,omitempty" mapstructure:"server_token"`

	// OTLPEndpoint enables trace export when set (host:port of an OTLP
	// HTTP collector).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`

	LogLevel string `yaml:"log_level" mapstructure:"log_level"`

	path string
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".milo")
	return &Config{
		Endpoint:    "http://localhost:11434/v1",
		Model:       "qwen2.5-coder:14b",
		Mode:        ports.ModeBuild,
		MaxTokens:   4096,
		Temperature: 0.7,
		ProjectsDir: filepath.Join(base, "projects"),
		DataDir:     base,
		ServerHost:  "127.0.0.1",
		ServerPort:  8790,
		LogLevel:    "info",
	}
}

// Load reads the configuration from path, or from ~/.milo/config.yaml when
// path is empty. A missing file is not an error; defaults plus environment
// overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType(defaultFileType)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultFileName)
		v.AddConfigPath(cfg.DataDir)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	seedDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.path = v.ConfigFileUsed()
	if cfg.path == "" {
		cfg.path = filepath.Join(cfg.DataDir, defaultFileName+"."+defaultFileType)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the configuration as YAML to the path it was loaded from,
// creating parent directories as needed.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = filepath.Join(c.DataDir, defaultFileName+"."+defaultFileType)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", c.path, err)
	}
	return nil
}

// Path returns the file the configuration was loaded from or will be saved
// to.
func (c *Config) Path() string {
	return c.path
}

// Settings converts the file configuration into the runtime settings row
// used to seed a fresh persistence store.
func (c *Config) Settings() *ports.Settings {
	return &ports.Settings{
		EndpointURL:      c.Endpoint,
		APIKey:           c.APIKey,
		ModelName:        c.Model,
		Mode:             c.Mode,
		MaxTokens:        c.MaxTokens,
		Temperature:      c.Temperature,
		DualModelEnabled: c.DualModelEnabled,
		PlannerModelName: c.PlannerModel,
		CoderModelName:   c.CoderModel,
	}
}

// Validate reports configuration that cannot produce a working engine.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("config: endpoint is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("config: model is required")
	}
	if c.Mode != ports.ModePlan && c.Mode != ports.ModeBuild {
		return fmt.Errorf("config: mode must be %q or %q, got %q", ports.ModePlan, ports.ModeBuild, c.Mode)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: server_port %d out of range", c.ServerPort)
	}
	if c.DualModelEnabled && c.PlannerModel == "" {
		return fmt.Errorf("config: planner_model is required when dual_model_enabled")
	}
	return nil
}

func (c *Config) normalize() {
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	c.Model = strings.TrimSpace(c.Model)
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ports.ModeBuild
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature < 0 {
		c.Temperature = 0
	}
	if c.DualModelEnabled && c.CoderModel == "" {
		c.CoderModel = c.Model
	}
	if c.ProjectsDir != "" {
		c.ProjectsDir = expandHome(c.ProjectsDir)
	}
	if c.DataDir != "" {
		c.DataDir = expandHome(c.DataDir)
	}
}

func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("endpoint", cfg.Endpoint)
	v.SetDefault("api_key", cfg.APIKey)
	v.SetDefault("model", cfg.Model)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("max_tokens", cfg.MaxTokens)
	v.SetDefault("temperature", cfg.Temperature)
	v.SetDefault("dual_model_enabled", cfg.DualModelEnabled)
	v.SetDefault("planner_model", cfg.PlannerModel)
	v.SetDefault("coder_model", cfg.CoderModel)
	v.SetDefault("projects_dir", cfg.ProjectsDir)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("server_host", cfg.ServerHost)
	v.SetDefault("server_port", cfg.ServerPort)
	v.SetDefault("server_token", cfg.ServerToken)
	v.SetDefault("otlp_endpoint", cfg.OTLPEndpoint)
	v.SetDefault("log_level", cfg.LogLevel)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
