package propensity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultAdsURL is the base of the scoring endpoints.
const DefaultAdsURL = "https://pubads.g.doubleclick.net"

const (
	apiVersion            = 1
	timezoneOffset        = "240"
	clientIDCookie        = "__gads"
	maxHTTPErrorBodyBytes = 4096
)

// ServerConfig configures HTTPServer.
type ServerConfig struct {
	AdsURL        string
	PublicationID string
	// Hostname is the publisher domain reported with every request.
	Hostname string
	// Cookie is the reader's cookie header. The ads client id is read from it.
	Cookie     string
	HTTPClient *http.Client
}

// HTTPServer talks to the scoring endpoints over HTTP.
type HTTPServer struct {
	cfg        ServerConfig
	clientID   string
	httpClient *http.Client
}

// NewHTTPServer returns a server client for cfg.
func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	cfg.AdsURL = strings.TrimRight(strings.TrimSpace(cfg.AdsURL), "/")
	if cfg.AdsURL == "" {
		cfg.AdsURL = DefaultAdsURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPServer{cfg: cfg, clientID: clientIDFrom(cfg.Cookie), httpClient: httpClient}
}

func clientIDFrom(header string) string {
	if header == "" {
		return ""
	}
	cookies, err := http.ParseCookie(header)
	if err != nil {
		return ""
	}
	for _, c := range cookies {
		if c.Name == clientIDCookie && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func (s *HTTPServer) endpoint(path string, q url.Values) string {
	q.Set("u_tz", timezoneOffset)
	q.Set("v", strconv.Itoa(apiVersion))
	if s.clientID != "" {
		q.Set("cookie", s.clientID)
	}
	q.Set("cdm", s.cfg.Hostname)
	return s.cfg.AdsURL + path + "?" + q.Encode()
}

// SendSubscriptionState reports the reader's subscription state.
// productsOrSkus is an optional JSON document.
func (s *HTTPServer) SendSubscriptionState(ctx context.Context, state, productsOrSkus string) error {
	q := url.Values{"states": {s.cfg.PublicationID + ":" + state}}
	if productsOrSkus != "" {
		q.Set("extrainfo", productsOrSkus)
	}
	return s.ping(ctx, s.endpoint("/subopt/data", q))
}

// SendEvent reports a publisher event with optional JSON context.
func (s *HTTPServer) SendEvent(ctx context.Context, event, extra string) error {
	q := url.Values{"events": {s.cfg.PublicationID + ":" + event}}
	if extra != "" {
		q.Set("extrainfo", extra)
	}
	return s.ping(ctx, s.endpoint("/subopt/data", q))
}

// Propensity fetches the reader's scores for the publication.
func (s *HTTPServer) Propensity(ctx context.Context, referrer string, t Type) (*Score, error) {
	q := url.Values{
		"products": {s.cfg.PublicationID},
		"type":     {string(t)},
		"ref":      {referrer},
	}
	resp, err := s.get(ctx, s.endpoint("/subopt/pts", q))
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode propensity response: %w", err)
	}
	return body.score(), nil
}

func (s *HTTPServer) ping(ctx context.Context, endpoint string) error {
	resp, err := s.get(ctx, endpoint)
	if err != nil {
		return err
	}
	closeBody(resp)
	return nil
}

func (s *HTTPServer) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "paygate-propensity-client")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer closeBody(resp)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyBytes))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return nil, fmt.Errorf("propensity server returned HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("propensity server returned HTTP %d: %s", resp.StatusCode, msg)
	}
	return resp, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close propensity response body")
	}
}

type response struct {
	Header *struct {
		OK bool `json:"ok"`
	} `json:"header"`
	Scores []struct {
		Product      string  `json:"product"`
		ScoreType    int     `json:"score_type"`
		Score        float64 `json:"score"`
		ErrorMessage string  `json:"error_message"`
	} `json:"scores"`
	Error string `json:"error"`
}

// score converts the wire response. A missing header is reported as a
// failed score rather than an error.
func (r response) score() *Score {
	if r.Header == nil {
		return &Score{OK: false, Error: "No valid response"}
	}
	if !r.Header.OK {
		return &Score{OK: false, Error: r.Error}
	}
	out := &Score{OK: true, Details: make([]ScoreDetail, 0, len(r.Scores))}
	for _, s := range r.Scores {
		d := ScoreDetail{Product: s.Product}
		if s.Score != 0 {
			d.Value = &Value{Value: s.Score, Bucketed: s.ScoreType == 2}
		} else {
			d.Error = s.ErrorMessage
		}
		out.Details = append(out.Details, d)
	}
	return out
}
