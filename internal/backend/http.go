package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixkwasisarpong/sentinel/internal/net/ssrf"
)

const (
	defaultHTTPCallTimeout      = 5 * time.Second
	defaultHTTPDiscoveryTimeout = 10 * time.Second
)

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	Name             string
	BaseURL          string
	CallTimeout      time.Duration
	DiscoveryTimeout time.Duration
	RateLimit        rate.Limit
	Burst            int
	// AuthHeader and AuthToken, if both set, are sent as a header on
	// every outbound request so this backend can authenticate to a
	// tool server that requires it.
	AuthHeader string
	AuthToken  string
}

// HTTPBackend calls a tool server over plain HTTP, posting
// {"tool": name, "args": args} to the server's /tools endpoint,
// mirroring the original gateway's mcp_client.call_tool.
type HTTPBackend struct {
	name             string
	baseURL          string
	callURL          string
	callTimeout      time.Duration
	discoveryTimeout time.Duration
	limiter          *rate.Limiter
	client           *http.Client
	logger           *slog.Logger
	authHeader       string
	authToken        string
}

// resolveCallURL returns the endpoint CallTool should POST to: baseURL
// unchanged if it already terminates in "/tools" or names an "/mcp"
// path, otherwise baseURL with "/tools" appended.
func resolveCallURL(baseURL string) string {
	if strings.HasSuffix(baseURL, "/tools") || strings.Contains(baseURL, "/mcp") {
		return baseURL
	}
	return strings.TrimSuffix(baseURL, "/") + "/tools"
}

// NewHTTPBackend requires an http or https cfg.BaseURL, checks its host
// with the SSRF guard (internal/net/ssrf), and returns a ready-to-use
// backend. There is no configurable allow-list of schemes or hosts.
func NewHTTPBackend(cfg HTTPConfig) (*HTTPBackend, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: invalid base url: %w", cfg.Name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("backend %s: base url must be http or https", cfg.Name)
	}
	if err := ssrf.ValidatePublicHostname(parsed.Hostname()); err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 || callTimeout > defaultHTTPCallTimeout {
		callTimeout = defaultHTTPCallTimeout
	}
	discoveryTimeout := cfg.DiscoveryTimeout
	if discoveryTimeout <= 0 || discoveryTimeout > defaultHTTPDiscoveryTimeout {
		discoveryTimeout = defaultHTTPDiscoveryTimeout
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPBackend{
		name:             cfg.Name,
		baseURL:          cfg.BaseURL,
		callURL:          resolveCallURL(cfg.BaseURL),
		callTimeout:      callTimeout,
		discoveryTimeout: discoveryTimeout,
		limiter:          rate.NewLimiter(limit, burst),
		client:           &http.Client{},
		logger:           slog.Default().With("component", "backend.http", "backend", cfg.Name),
		authHeader:       cfg.AuthHeader,
		authToken:        cfg.AuthToken,
	}, nil
}

// setAuth adds the backend's configured auth header, if any, to req.
func (b *HTTPBackend) setAuth(req *http.Request) {
	if b.authHeader != "" && b.authToken != "" {
		req.Header.Set(b.authHeader, b.authToken)
	}
}

type httpCallBody struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// CallTool posts {tool, args} to the server's /tools endpoint (or the
// base URL itself if it already names one).
func (b *HTTPBackend) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Backend: b.name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	payload, err := json.Marshal(httpCallBody{Tool: name, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshal call body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.callURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Backend: b.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	b.setAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &TransportError{Backend: b.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DomainError{Backend: b.name, Detail: extractHTTPErrorDetail(resp)}
	}

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

// ListTools GETs the backend's tool catalog from <base>/list (so
// <base>/tools/list only when the base URL ends in /tools).
func (b *HTTPBackend) ListTools(ctx context.Context) ([]ToolContract, error) {
	ctx, cancel := context.WithTimeout(ctx, b.discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/list", nil)
	if err != nil {
		return nil, &TransportError{Backend: b.name, Err: err}
	}
	b.setAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &TransportError{Backend: b.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DomainError{Backend: b.name, Detail: extractHTTPErrorDetail(resp)}
	}

	var result toolsListResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return result.Tools, nil
}

// Close releases the backend's HTTP client resources. http.Client has
// no explicit close; this exists to satisfy the Backend interface.
func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
