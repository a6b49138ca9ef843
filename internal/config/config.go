package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// WindowOpenMode controls how payment and link surfaces are opened.
type WindowOpenMode string

const (
	WindowOpenAuto     WindowOpenMode = "auto"
	WindowOpenRedirect WindowOpenMode = "redirect"
)

// AnalyticsMode toggles forwarding of analytics events.
type AnalyticsMode string

const (
	AnalyticsDefault     AnalyticsMode = "default"
	AnalyticsImpressions AnalyticsMode = "impressions"
	AnalyticsOff         AnalyticsMode = "off"
)

const (
	DefaultFrontendURL  = "https://news.google.com"
	DefaultSigninIssuer = "https://accounts.google.com"
)

// Config holds runtime settings sourced from the environment.
type Config struct {
	LogLevel  string
	LogFormat string

	// FrontendURL is the base for remote surface URLs.
	FrontendURL string
	// SurfaceURL is the websocket base used by the CLI surface transport.
	SurfaceURL string
	Lang       string

	// Experiments is a comma separated list of id[:fraction[c]] specs.
	Experiments string
	// SessionDB is a SQLite path for session storage; empty keeps it in memory.
	SessionDB string

	AllowedOrigins []string

	SigninIssuer   string
	SigninClientID string

	WindowOpenMode WindowOpenMode
	Analytics      AnalyticsMode

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "auto",
		FrontendURL:    DefaultFrontendURL,
		Lang:           "en",
		AllowedOrigins: []string{"https://news.google.com"},
		SigninIssuer:   DefaultSigninIssuer,
		WindowOpenMode: WindowOpenAuto,
		Analytics:      AnalyticsDefault,
		EnvOverrides:   make(map[string]bool),
	}
}

// Load reads an optional .env file followed by PAYGATE_* environment
// variables. An empty envFile tries ".env" in the working directory.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err != nil {
			return nil, fmt.Errorf("stat env file %s: %w", envFile, err)
		}
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
		log.Info().Str("file", envFile).Msg("Loaded configuration overrides")
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
			c.EnvOverrides[key] = true
		}
	}

	str("PAYGATE_LOG_LEVEL", &c.LogLevel)
	str("PAYGATE_LOG_FORMAT", &c.LogFormat)
	str("PAYGATE_FRONTEND_URL", &c.FrontendURL)
	str("PAYGATE_SURFACE_URL", &c.SurfaceURL)
	str("PAYGATE_LANG", &c.Lang)
	str("PAYGATE_EXPERIMENTS", &c.Experiments)
	str("PAYGATE_SESSION_DB", &c.SessionDB)
	str("PAYGATE_SIGNIN_ISSUER", &c.SigninIssuer)
	str("PAYGATE_SIGNIN_CLIENT_ID", &c.SigninClientID)

	if v := strings.TrimSpace(os.Getenv("PAYGATE_ALLOWED_ORIGINS")); v != "" {
		c.AllowedOrigins = splitList(v)
		c.EnvOverrides["PAYGATE_ALLOWED_ORIGINS"] = true
	}
	if v := strings.TrimSpace(os.Getenv("PAYGATE_WINDOW_OPEN_MODE")); v != "" {
		c.WindowOpenMode = WindowOpenMode(strings.ToLower(v))
		c.EnvOverrides["PAYGATE_WINDOW_OPEN_MODE"] = true
	}
	if v := strings.TrimSpace(os.Getenv("PAYGATE_ANALYTICS")); v != "" {
		c.Analytics = AnalyticsMode(strings.ToLower(v))
		c.EnvOverrides["PAYGATE_ANALYTICS"] = true
	}
}

// Validate checks URL and enum settings.
func (c *Config) Validate() error {
	if err := validateURL("frontend URL", c.FrontendURL, "https", "http"); err != nil {
		return err
	}
	if c.SurfaceURL != "" {
		if err := validateURL("surface URL", c.SurfaceURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.SigninIssuer != "" {
		if err := validateURL("sign-in issuer", c.SigninIssuer, "https"); err != nil {
			return err
		}
	}
	for _, origin := range c.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("invalid allowed origin %q", origin)
		}
	}
	switch c.WindowOpenMode {
	case WindowOpenAuto, WindowOpenRedirect:
	default:
		return fmt.Errorf("invalid window open mode %q", c.WindowOpenMode)
	}
	switch c.Analytics {
	case AnalyticsDefault, AnalyticsImpressions, AnalyticsOff:
	default:
		return fmt.Errorf("invalid analytics mode %q", c.Analytics)
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q: missing host", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: scheme must be one of %s", name, raw, strings.Join(schemes, ", "))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.TrimRight(part, "/"))
		}
	}
	return out
}
