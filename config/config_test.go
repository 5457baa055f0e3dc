package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.SaveDir = "out"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid url format",
			mutate: func(cfg *Config) {
				cfg.BaseURL = "http://"
			},
			wantErr: "base URL",
		},
		{
			name: "zero group size",
			mutate: func(cfg *Config) {
				cfg.GroupSize = 0
			},
			wantErr: "group size",
		},
		{
			name: "negative download timeout",
			mutate: func(cfg *Config) {
				cfg.DownloadTimeout = -1 * time.Second
			},
			wantErr: "download timeout",
		},
		{
			name: "negative restart delay",
			mutate: func(cfg *Config) {
				cfg.RestartDelay = -time.Second
			},
			wantErr: "restart delay",
		},
		{
			name: "zero transport error budget",
			mutate: func(cfg *Config) {
				cfg.MaxTransportErrors = 0
			},
			wantErr: "transport errors",
		},
		{
			name: "unknown manifest format",
			mutate: func(cfg *Config) {
				cfg.ManifestFormat = "xml"
			},
			wantErr: "manifest format",
		},
		{
			name: "empty save dir",
			mutate: func(cfg *Config) {
				cfg.SaveDir = ""
			},
			wantErr: "save dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("config should validate, got %v", err)
	}
}

func TestDefaultConfigNeedsBaseURL(t *testing.T) {
	if err := DefaultConfig().Validate(); err == nil {
		t.Fatalf("default config without base URL should not validate")
	}
}

func TestURLHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.QueryURL = "/search?q=big cats&sort=new"

	if got, want := cfg.QueryEndpoint(), "http://example.test/search?q=big%20cats&sort=new"; got != want {
		t.Fatalf("QueryEndpoint() = %q, want %q", got, want)
	}
	if got, want := cfg.ListingURL("&page=2"), "http://example.test/search?q=big%20cats&sort=new&page=2"; got != want {
		t.Fatalf("ListingURL() = %q, want %q", got, want)
	}
	if got, want := cfg.ItemURL("/manga/42"), "http://example.test/manga/42"; got != want {
		t.Fatalf("ItemURL() = %q, want %q", got, want)
	}
}

func TestEncodeURIKeepsEscapes(t *testing.T) {
	tests := map[string]string{
		"http://a.test/x y":     "http://a.test/x%20y",
		"http://a.test/%20":     "http://a.test/%20",
		"http://a.test/é":       "http://a.test/%C3%A9",
		"http://a.test/?a=1&b=2": "http://a.test/?a=1&b=2",
		"http://a.test/100%":    "http://a.test/100%25",
	}
	for in, want := range tests {
		if got := encodeURI(in); got != want {
			t.Errorf("encodeURI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLoginForm(t *testing.T) {
	form, err := ParseLoginForm(`{"login":"neo","password":"zion","remember":1}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if form["login"] != "neo" || form["password"] != "zion" || form["remember"] != "1" {
		t.Fatalf("unexpected form %v", form)
	}

	if _, err := ParseLoginForm(`{"login":`); err == nil {
		t.Fatalf("expected error for malformed json")
	}

	empty, err := ParseLoginForm("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty form = %v, %v", empty, err)
	}
}

func TestLoadFromEnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := strings.Join([]string{
		"BASE_URL=http://from-file.test",
		"QUERY_URL=/list",
		`LOGIN_FORM='{"login":"neo"}'`,
		"SAVE_TO_DIR=/tmp/from-file",
		"GROUP_SIZE=4",
		"DOWNLOAD_TIMEOUT=2s",
	}, "\n")
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("SAVE_TO_DIR", "/tmp/from-env")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "http://from-file.test" {
		t.Fatalf("base url = %q", cfg.BaseURL)
	}
	if cfg.SaveDir != "/tmp/from-env" {
		t.Fatalf("save dir = %q, want env to override file", cfg.SaveDir)
	}
	if cfg.GroupSize != 4 {
		t.Fatalf("group size = %d, want 4", cfg.GroupSize)
	}
	if cfg.DownloadTimeout != 2*time.Second {
		t.Fatalf("download timeout = %v, want 2s", cfg.DownloadTimeout)
	}
	if cfg.LoginForm["login"] != "neo" {
		t.Fatalf("login form = %v", cfg.LoginForm)
	}
	if cfg.RestartDelay != 3*time.Second || cfg.SessionFile != "session.tmp" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadMissingEnvFileUsesEnvironment(t *testing.T) {
	t.Setenv("BASE_URL", "http://env-only.test")
	t.Setenv("SAVE_TO_DIR", "/tmp/env-only")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.GroupSize != 16 || cfg.DownloadTimeout != 8*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
