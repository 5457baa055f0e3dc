package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/viper"
)

// Load builds a Config from the process environment, optionally seeded by a
// dotenv file. Environment variables win over the file; a missing file is not
// an error.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read env file %s: %w", envFile, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat env file %s: %w", envFile, err)
		}
	}

	form, err := ParseLoginForm(v.GetString("login_form"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseURL:            v.GetString("base_url"),
		QueryURL:           v.GetString("query_url"),
		LoginForm:          form,
		SaveDir:            v.GetString("save_to_dir"),
		SessionFile:        v.GetString("session_file"),
		GroupSize:          v.GetInt("group_size"),
		RequestTimeout:     v.GetDuration("request_timeout"),
		DownloadTimeout:    v.GetDuration("download_timeout"),
		RestartDelay:       v.GetDuration("restart_delay"),
		MaxTransportErrors: v.GetInt("max_transport_errors"),
		MaxRestarts:        v.GetInt("max_restarts"),
		DedupeMaxSize:      v.GetInt("dedupe_max_size"),
		UserAgent:          v.GetString("user_agent"),
		ManifestFile:       v.GetString("manifest_file"),
		ManifestFormat:     v.GetString("manifest_format"),
		MetricsAddr:        v.GetString("metrics_addr"),
		Verbose:            v.GetBool("verbose"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("query_url", d.QueryURL)
	v.SetDefault("login_form", "")
	v.SetDefault("save_to_dir", d.SaveDir)
	v.SetDefault("session_file", d.SessionFile)
	v.SetDefault("group_size", d.GroupSize)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("download_timeout", d.DownloadTimeout)
	v.SetDefault("restart_delay", d.RestartDelay)
	v.SetDefault("max_transport_errors", d.MaxTransportErrors)
	v.SetDefault("max_restarts", d.MaxRestarts)
	v.SetDefault("dedupe_max_size", d.DedupeMaxSize)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("manifest_file", d.ManifestFile)
	v.SetDefault("manifest_format", d.ManifestFormat)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("verbose", d.Verbose)
}
