package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds crawler configuration.
type Config struct {
	BaseURL            string
	QueryURL           string
	LoginForm          map[string]string
	SaveDir            string
	SessionFile        string
	GroupSize          int
	RequestTimeout     time.Duration
	DownloadTimeout    time.Duration
	RestartDelay       time.Duration
	MaxTransportErrors int
	MaxRestarts        int
	DedupeMaxSize      int
	UserAgent          string
	ManifestFile       string
	ManifestFormat     string // csv, json, or dual
	MetricsAddr        string
	Verbose            bool
}

// DefaultConfig returns the defaults used when the environment leaves a key unset.
// BaseURL has no sensible default and must be provided.
func DefaultConfig() *Config {
	return &Config{
		LoginForm:          map[string]string{},
		SaveDir:            "downloads",
		SessionFile:        "session.tmp",
		GroupSize:          16,
		RequestTimeout:     30 * time.Second,
		DownloadTimeout:    8 * time.Second,
		RestartDelay:       3 * time.Second,
		MaxTransportErrors: 5,
		MaxRestarts:        0,
		DedupeMaxSize:      100000,
		UserAgent:          "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_13_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/63.0.3239.52 Safari/537.36",
		ManifestFormat:     "json",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.SaveDir == "" {
		return fmt.Errorf("save dir cannot be empty")
	}
	if c.SessionFile == "" {
		return fmt.Errorf("session file cannot be empty")
	}
	if c.GroupSize <= 0 {
		return fmt.Errorf("group size must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("download timeout must be positive")
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart delay cannot be negative")
	}
	if c.MaxTransportErrors <= 0 {
		return fmt.Errorf("max transport errors must be positive")
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max restarts cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.ManifestFormat != "csv" && c.ManifestFormat != "json" && c.ManifestFormat != "dual" {
		return fmt.Errorf("manifest format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// QueryEndpoint is the front page: the base URL followed by the query suffix,
// escaped the way a browser escapes a typed address.
func (c *Config) QueryEndpoint() string {
	return encodeURI(c.BaseURL + c.QueryURL)
}

// ListingURL turns a pagination href into a fully-qualified listing page URL.
func (c *Config) ListingURL(href string) string {
	return c.QueryEndpoint() + href
}

// ItemURL turns a root-relative item href into a fully-qualified URL.
func (c *Config) ItemURL(href string) string {
	return c.BaseURL + href
}

// ParseLoginForm decodes a JSON object into form fields. Non-string values
// are rendered with their JSON text.
func ParseLoginForm(raw string) (map[string]string, error) {
	form := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return form, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode login form: %w", err)
	}
	for key, value := range fields {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			form[key] = s
			continue
		}
		form[key] = string(value)
	}
	return form, nil
}

// encodeURI leaves URI reserved and unreserved characters alone and
// percent-encodes everything else, byte by byte. Existing escapes are kept.
func encodeURI(s string) string {
	const keep = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.!~*'();/?:@&=+$,#"
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if strings.IndexByte(keep, ch) >= 0 {
			b.WriteByte(ch)
			continue
		}
		if ch == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0f])
	}
	return b.String()
}

func isHex(ch byte) bool {
	return ('0' <= ch && ch <= '9') || ('a' <= ch && ch <= 'f') || ('A' <= ch && ch <= 'F')
}
