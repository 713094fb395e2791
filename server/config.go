package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and cache defaults.
const (
	DefaultSessionTTL  = 7 * 24 * time.Hour
	DefaultKeyCacheTTL = 24 * time.Hour
	DefaultHTTPTimeout = 10 * time.Second
	DefaultStateTTL    = 10 * time.Minute
	DefaultPostLogin   = "/chat"
	DefaultListenAddr  = "127.0.0.1:3000"
)

// Duration wraps time.Duration so YAML values like "24h" parse directly.
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Directory DirectoryConfig `yaml:"directory"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	BaseURL         string    `yaml:"base_url"`
	ListenAddr      string    `yaml:"listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	Environment     string    `yaml:"environment"`
	HTTPTimeout     Duration  `yaml:"http_timeout"`
	PostLoginPath   string    `yaml:"post_login_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production serving.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// ProviderConfig identifies the upstream identity provider and our registration with it.
type ProviderConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Audience     string   `yaml:"audience"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
	KeyCacheTTL  Duration `yaml:"key_cache_ttl"`
}

// SessionConfig controls the browser session cookie.
type SessionConfig struct {
	TTL          Duration `yaml:"ttl"`
	CookieDomain string   `yaml:"cookie_domain"`
	CookieSecret string   `yaml:"cookie_secret"`
}

// DirectoryConfig points at the external directory/embeddings service.
type DirectoryConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(strings.NewReader(string(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:         "http://127.0.0.1:3000",
			ListenAddr:      DefaultListenAddr,
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			Environment:     "development",
			HTTPTimeout:     Duration(DefaultHTTPTimeout),
			PostLoginPath:   DefaultPostLogin,
		},
		Provider: ProviderConfig{
			Scopes:      []string{"openid", "profile", "email"},
			KeyCacheTTL: Duration(DefaultKeyCacheTTL),
		},
		Session: SessionConfig{
			TTL: Duration(DefaultSessionTTL),
		},
		Directory: DirectoryConfig{
			Timeout: Duration(DefaultHTTPTimeout),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGW_SERVER_BASE_URL":        func(v string) { cfg.Server.BaseURL = v },
		"AUTHGW_SERVER_LISTEN_ADDR":     func(v string) { cfg.Server.ListenAddr = v },
		"AUTHGW_SERVER_ENVIRONMENT":     func(v string) { cfg.Server.Environment = v },
		"AUTHGW_SERVER_TLS_DOMAINS":     func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHGW_SERVER_TLS_EMAIL":       func(v string) { cfg.Server.TLS.Email = v },
		"AUTHGW_PROVIDER_ISSUER":        func(v string) { cfg.Provider.Issuer = v },
		"AUTHGW_PROVIDER_CLIENT_ID":     func(v string) { cfg.Provider.ClientID = v },
		"AUTHGW_PROVIDER_CLIENT_SECRET": func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHGW_PROVIDER_AUDIENCE":      func(v string) { cfg.Provider.Audience = v },
		"AUTHGW_PROVIDER_REDIRECT_URI":  func(v string) { cfg.Provider.RedirectURI = v },
		"AUTHGW_SESSION_COOKIE_SECRET":  func(v string) { cfg.Session.CookieSecret = v },
		"AUTHGW_SESSION_COOKIE_DOMAIN":  func(v string) { cfg.Session.CookieDomain = v },
		"AUTHGW_DIRECTORY_BASE_URL":     func(v string) { cfg.Directory.BaseURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Provider.Issuer == "" {
		return errors.New("provider.issuer is required")
	}
	if !strings.HasPrefix(c.Provider.Issuer, "http://") && !strings.HasPrefix(c.Provider.Issuer, "https://") {
		return fmt.Errorf("provider.issuer must start with http:// or https://, got: %s", c.Provider.Issuer)
	}
	if c.Provider.ClientID == "" {
		return errors.New("provider.client_id is required")
	}
	if c.Provider.ClientSecret == "" {
		return errors.New("provider.client_secret is required")
	}
	if c.Provider.Audience == "" {
		return errors.New("provider.audience is required")
	}

	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server.base_url must start with http:// or https://, got: %s", c.Server.BaseURL)
	}

	switch c.Server.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("server.environment must be 'development' or 'production', got: %s", c.Server.Environment)
	}

	if c.Production() && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	// Cookie domain must cover the base URL host.
	if c.Session.CookieDomain != "" {
		host := hostOnly(c.Server.BaseURL)
		domain := strings.TrimPrefix(c.Session.CookieDomain, ".")
		if !strings.HasSuffix(host, domain) {
			return fmt.Errorf("session.cookie_domain '%s' does not match server.base_url host '%s'", c.Session.CookieDomain, host)
		}
	}

	if c.Directory.BaseURL != "" {
		if !strings.HasPrefix(c.Directory.BaseURL, "http://") && !strings.HasPrefix(c.Directory.BaseURL, "https://") {
			return fmt.Errorf("directory.base_url must start with http:// or https://, got: %s", c.Directory.BaseURL)
		}
	}

	return nil
}

// Production reports whether the secure-cookie and TLS serving path applies.
func (c Config) Production() bool {
	return c.Server.Environment == "production"
}

// IssuerURL returns the provider issuer without a trailing slash.
func (c Config) IssuerURL() string {
	return strings.TrimSuffix(c.Provider.Issuer, "/")
}

// RedirectURI returns the registered callback, derived from the base URL when unset.
func (c Config) RedirectURI() string {
	if c.Provider.RedirectURI != "" {
		return c.Provider.RedirectURI
	}
	return strings.TrimSuffix(c.Server.BaseURL, "/") + "/callback"
}

func hostOnly(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
