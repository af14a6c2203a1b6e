package config

import (
	"strings"
	"testing"
)

func TestFromYAMLOverridesDefaults(t *testing.T) {
	doc := `
server:
  addr: ":9090"
  base_path: /api
capabilities:
  duty_flag: false
debug: true
`
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.BasePath != "/api" {
		t.Fatalf("server overrides not applied: %+v", cfg.Server)
	}
	if cfg.Capabilities.DutyFlag {
		t.Fatalf("duty_flag override not applied")
	}
	if !cfg.Debug {
		t.Fatalf("debug override not applied")
	}
	// Untouched sections keep defaults.
	if cfg.Uploads.MaxFileSize != 20<<20 {
		t.Fatalf("default max_file_size lost: %d", cfg.Uploads.MaxFileSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "addr"},
		{"relative base path", func(c *Config) { c.Server.BasePath = "v1" }, "base_path"},
		{"zero max size", func(c *Config) { c.Uploads.MaxFileSize = 0 }, "max_file_size"},
		{"no mimes", func(c *Config) { c.Uploads.AllowedMIMEs = nil }, "allowed_mimes"},
		{"non-image mime", func(c *Config) { c.Uploads.AllowedMIMEs = []string{"application/pdf"} }, "allowed_mimes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
