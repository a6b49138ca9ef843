// Package remoteconfig fetches a publication's client configuration.
package remoteconfig

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/paygate/internal/flows"
)

// DefaultServiceURL is the base of the provider's publication API.
const DefaultServiceURL = "https://news.google.com/swg/_/api/v1"

// Config holds configuration for the client config fetcher.
type Config struct {
	ServiceURL    string
	PublicationID string
	// SkipAccountCreationScreen is a publisher option; the server never sets it.
	SkipAccountCreationScreen bool
	InsecureSkipVerify        bool
	HTTPClient                *http.Client
	Logger                    zerolog.Logger
}

// Client fetches the client configuration once and serves the cached result.
// It implements flows.ConfigSource.
type Client struct {
	cfg        Config
	httpClient *http.Client
	configErr  error

	group  singleflight.Group
	mu     sync.Mutex
	cached *flows.ClientConfig
}

// Response is the JSON document served by the configuration endpoint.
type Response struct {
	PaySwgVersion        string `json:"paySwgVersion,omitempty"`
	UseUpdatedOfferFlows bool   `json:"useUpdatedOfferFlows"`
	UIPredicates         *struct {
		CanDisplayAutoPrompt      bool `json:"canDisplayAutoPrompt"`
		CanDisplayButton          bool `json:"canDisplayButton"`
		PurchaseUnavailableRegion bool `json:"purchaseUnavailableRegion"`
	} `json:"uiPredicates,omitempty"`
	AttributionParams *struct {
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	} `json:"attributionParams,omitempty"`
}

const maxHTTPErrorBodyBytes = 4096

// New creates a new client config fetcher.
func New(cfg Config) *Client {
	cfg, cfgErr := normalizeConfig(cfg)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.InsecureSkipVerify {
			//nolint:gosec // Insecure mode is explicitly user-controlled.
			tlsConfig.InsecureSkipVerify = true
		}
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsConfig,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return fmt.Errorf("server returned redirect to %s", req.URL)
			},
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		configErr:  cfgErr,
	}
}

// Default is the configuration used before, or instead of, a fetch.
func (c *Client) Default() flows.ClientConfig {
	return flows.ClientConfig{SkipAccountCreationScreen: c.cfg.SkipAccountCreationScreen}
}

// ClientConfig returns the publication's configuration, fetching it on the
// first call. Concurrent callers share one request. A failed fetch is not
// cached.
func (c *Client) ClientConfig(ctx context.Context) (flows.ClientConfig, error) {
	c.mu.Lock()
	if c.cached != nil {
		cfg := *c.cached
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("config", func() (any, error) {
		cfg, err := c.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cached = &cfg
		c.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return c.Default(), err
	}
	return v.(flows.ClientConfig), nil
}

// Fetch retrieves the client configuration without consulting the cache.
func (c *Client) Fetch(ctx context.Context) (flows.ClientConfig, error) {
	if c.configErr != nil {
		return c.Default(), fmt.Errorf("invalid client config fetcher configuration: %w", c.configErr)
	}
	if c.cfg.PublicationID == "" {
		return c.Default(), errors.New("fetchClientConfig requires publicationId")
	}

	endpointURL := fmt.Sprintf("%s/publication/%s/clientconfiguration", c.cfg.ServiceURL, url.PathEscape(c.cfg.PublicationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return c.Default(), fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "paygate-client-config")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.Default(), fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.cfg.Logger.Warn().Err(closeErr).Msg("Failed to close client config response body")
		}
	}()

	if resp.StatusCode >= 300 {
		return c.Default(), formatHTTPStatusError(resp, "fetch client config")
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return c.Default(), fmt.Errorf("decode response: %w", err)
	}
	return c.parse(body), nil
}

func (c *Client) parse(body Response) flows.ClientConfig {
	out := flows.ClientConfig{
		PaySwgVersion:             body.PaySwgVersion,
		UseUpdatedOfferFlows:      body.UseUpdatedOfferFlows,
		SkipAccountCreationScreen: c.cfg.SkipAccountCreationScreen,
	}
	if p := body.UIPredicates; p != nil {
		out.UIPredicates = flows.UIPredicates{
			CanDisplayAutoPrompt:      p.CanDisplayAutoPrompt,
			CanDisplayButton:          p.CanDisplayButton,
			PurchaseUnavailableRegion: p.PurchaseUnavailableRegion,
		}
	}
	if a := body.AttributionParams; a != nil {
		out.AttributionParams = map[string]any{"displayName": a.DisplayName, "avatarUrl": a.AvatarURL}
	}
	return out
}

func normalizeConfig(cfg Config) (Config, error) {
	cfg.ServiceURL = strings.TrimSpace(cfg.ServiceURL)
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = DefaultServiceURL
	}
	cfg.PublicationID = strings.TrimSpace(cfg.PublicationID)

	normalized, err := normalizeServiceURL(cfg.ServiceURL)
	if err != nil {
		return cfg, err
	}
	cfg.ServiceURL = normalized
	return cfg, nil
}

func normalizeServiceURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid service URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid service URL scheme %q: must be http or https", parsed.Scheme)
	}

	if parsed.Hostname() == "" {
		return "", errors.New("invalid service URL: missing host")
	}
	if parsed.User != nil {
		return "", errors.New("invalid service URL: userinfo is not allowed")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", errors.New("invalid service URL: query and fragment are not allowed")
	}

	return strings.TrimRight(parsed.String(), "/"), nil
}

func formatHTTPStatusError(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyBytes))
	if readErr != nil {
		return fmt.Errorf("%s responded with status %s (failed to read response body: %w)", operation, resp.Status, readErr)
	}

	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return fmt.Errorf("%s responded with status %s", operation, resp.Status)
	}

	return fmt.Errorf("%s responded with status %s: %s", operation, resp.Status, detail)
}
