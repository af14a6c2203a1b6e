package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models ecgdesk.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Uploads struct {
		Dir          string   `yaml:"dir"`
		MaxFileSize  int64    `yaml:"max_file_size"`
		AllowedMIMEs []string `yaml:"allowed_mimes"`
	} `yaml:"uploads"`
	Capabilities Capabilities `yaml:"capabilities"`
	Debug        bool         `yaml:"debug"`
}

// Capabilities is resolved once at startup and injected into the engine.
// It replaces per-request schema sniffing: when a capability is off, the
// dependent behavior becomes a no-op instead of an error.
type Capabilities struct {
	DutyFlag      bool `yaml:"duty_flag"`
	DutyRoster    bool `yaml:"duty_roster"`
	PatientStatus bool `yaml:"patient_status"`
}

// Default returns the configuration used when no ecgdesk.yml exists.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v1"
	cfg.Uploads.MaxFileSize = 20 << 20
	cfg.Uploads.AllowedMIMEs = []string{"image/jpeg", "image/jpg", "image/png", "image/gif"}
	cfg.Capabilities = Capabilities{DutyFlag: true, DutyRoster: true, PatientStatus: true}
	return cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".ecgdesk", "ecgdesk.yml")
}

// Load reads config from the workspace, falling back to Default when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Uploads.MaxFileSize <= 0 {
		return fmt.Errorf("config.uploads.max_file_size must be positive")
	}
	if len(c.Uploads.AllowedMIMEs) == 0 {
		return fmt.Errorf("config.uploads.allowed_mimes is required")
	}
	for _, m := range c.Uploads.AllowedMIMEs {
		if !strings.HasPrefix(m, "image/") {
			return fmt.Errorf("config.uploads.allowed_mimes: %q is not an image type", m)
		}
	}
	return nil
}

// ToYAML serializes the config for writing back to the workspace.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
