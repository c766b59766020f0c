// Package client provides the authenticated REST client for the Client
// Portal API. It signs every request through the oauth core and owns rate
// limiting, decoding and error mapping.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/ibkr-portal/internal/cache"
	"github.com/tathienbao/ibkr-portal/internal/metrics"
	"github.com/tathienbao/ibkr-portal/internal/oauth"
	"golang.org/x/time/rate"
)

// API endpoint paths.
const (
	pathTickle       = "/v1/api/tickle"
	pathSSODHInit    = "/v1/api/iserver/auth/ssodh/init"
	pathAccounts     = "/v1/api/portfolio/accounts"
	pathSummary      = "/v1/api/portfolio/%s/summary"
	pathPositions    = "/v1/api/portfolio/%s/positions/%d"
	pathTransactions = "/v1/api/pa/transactions"
)

// Config holds REST client configuration.
type Config struct {
	BaseURL            string
	Timeout            time.Duration
	RateLimitPerSecond int
	CacheTTL           time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://api.ibkr.com",
		Timeout:            30 * time.Second,
		RateLimitPerSecond: 10,
		CacheTTL:           5 * time.Second,
	}
}

// Client is the authenticated REST client.
type Client struct {
	cfg     Config
	auth    *oauth.Authenticator
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Recorder

	summaries *cache.Cache[AccountSummary]
	positions *cache.Cache[[]Position]
}

// New creates a client around an authenticator.
func New(cfg Config, auth *oauth.Authenticator, recorder *metrics.Recorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	auth.SetMetrics(recorder)

	return &Client{
		cfg:       cfg,
		auth:      auth,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond),
		logger:    logger,
		metrics:   recorder,
		summaries: cache.New[AccountSummary](cfg.CacheTTL),
		positions: cache.New[[]Position](cfg.CacheTTL),
	}
}

// Authenticator returns the underlying authenticator.
func (c *Client) Authenticator() *oauth.Authenticator {
	return c.auth
}

// InvalidateCache drops all cached account data.
func (c *Client) InvalidateCache() {
	c.summaries.Clear()
	c.positions.Clear()
}

// do issues one signed request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query, body map[string]any, out any) error {
	reqID := uuid.New().String()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	// Refresh-on-access: make sure a live token is held before signing.
	if _, err := c.auth.Token(ctx); err != nil {
		return err
	}

	signURL := c.cfg.BaseURL + path
	header, err := c.auth.OAuthHeaderForAPIRequest(method, signURL, query, body)
	if err != nil {
		return err
	}

	reqURL := signURL
	if len(query) > 0 {
		reqURL += "?" + encodeQuery(query)
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("request failed", "request_id", reqID, "endpoint", path, "err", err)
		return err
	}
	defer resp.Body.Close()

	c.metrics.RecordRequest(path, method, resp.StatusCode, time.Since(start))
	c.logger.Debug("request completed",
		"request_id", reqID,
		"endpoint", path,
		"method", method,
		"status", resp.StatusCode,
	)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapStatusError(path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
	}
	return nil
}

// mapStatusError translates a non-2xx response into an oauth error kind.
func mapStatusError(endpoint string, status int, body []byte) error {
	kind := oauth.KindAPI
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = oauth.KindNotAuthenticated
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &oauth.Error{
		Kind:       kind,
		Op:         "api_request",
		Endpoint:   endpoint,
		StatusCode: status,
		Message:    msg,
	}
}

// encodeQuery renders query parameters in sorted order. Scalars stringify the
// same way the signing base string does, so the wire query always matches the
// signed values.
func encodeQuery(query map[string]any) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb []byte
	for i, k := range keys {
		if i > 0 {
			sb = append(sb, '&')
		}
		sb = append(sb, url.QueryEscape(k)...)
		sb = append(sb, '=')
		sb = append(sb, url.QueryEscape(stringify(query[k]))...)
	}
	return string(sb)
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
