// Package collector implements the HTTP client that delivers finished traces
// to a collector backend.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/agenttrace/internal/correlation"
	"github.com/ongoingai/agenttrace/internal/pathutil"
	"github.com/ongoingai/agenttrace/internal/version"
	"github.com/ongoingai/agenttrace/trace"
	"golang.org/x/time/rate"
)

// WireMode selects how a trace is laid out on the wire.
type WireMode string

const (
	// WireModeBatch sends one POST per trace with the span tree embedded.
	WireModeBatch WireMode = "batch"
	// WireModeIncremental opens the trace, opens and closes each span, then
	// closes the trace.
	WireModeIncremental WireMode = "incremental"
)

const (
	DefaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 512
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Username    string
	Password    string
	WorkspaceID string
	Timeout     time.Duration
	WireMode    WireMode
	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64
	// Transport is the round tripper used for requests. Nil selects
	// http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
	UserAgent string
}

// Client sends traces to a collector over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL     *url.URL
	apiKey      string
	username    string
	password    string
	workspaceID string
	wireMode    WireMode
	userAgent   string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu    sync.Mutex
	token string
}

// New validates opts and builds a Client. Configuration problems are
// reported as *trace.ConfigError.
func New(opts Options) (*Client, error) {
	baseURL, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(opts.APIKey)
	username := strings.TrimSpace(opts.Username)
	switch {
	case apiKey != "" && (username != "" || opts.Password != ""):
		return nil, &trace.ConfigError{Field: "collector.api_key", Reason: "api_key and username/password are mutually exclusive"}
	case apiKey == "" && username == "" && opts.Password == "":
		return nil, &trace.ConfigError{Field: "collector.api_key", Reason: "either api_key or username/password is required"}
	case apiKey == "" && (username == "" || opts.Password == ""):
		return nil, &trace.ConfigError{Field: "collector.username", Reason: "username and password must both be set"}
	}

	workspaceID := strings.TrimSpace(opts.WorkspaceID)
	if workspaceID == "" {
		return nil, &trace.ConfigError{Field: "collector.workspace_id", Reason: "must not be empty"}
	}

	mode := WireMode(strings.ToLower(strings.TrimSpace(string(opts.WireMode))))
	switch mode {
	case "":
		mode = WireModeBatch
	case WireModeBatch, WireModeIncremental:
	default:
		return nil, &trace.ConfigError{Field: "collector.wire_mode", Reason: fmt.Sprintf("unsupported mode %q", opts.WireMode)}
	}

	if opts.RateLimit < 0 {
		return nil, &trace.ConfigError{Field: "collector.rate_limit_per_second", Reason: "must be >= 0"}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	c := &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		username:    username,
		password:    opts.Password,
		workspaceID: workspaceID,
		wireMode:    mode,
		userAgent:   userAgent,
		httpClient:  &http.Client{Timeout: timeout, Transport: transport},
		logger:      logger,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &trace.ConfigError{Field: "collector.url", Reason: "must not be empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &trace.ConfigError{Field: "collector.url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &trace.ConfigError{Field: "collector.url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &trace.ConfigError{Field: "collector.url", Reason: "missing host"}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// WireMode reports the configured wire mode.
func (c *Client) WireMode() WireMode {
	return c.wireMode
}

// Initialize checks that the collector is reachable and, in session mode,
// logs in. Failures are returned as *trace.ConnectionError.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.Health(ctx); err != nil {
		return &trace.ConnectionError{URL: c.baseURL.String(), Err: err}
	}
	if c.apiKey == "" {
		if err := c.login(ctx); err != nil {
			return &trace.ConnectionError{URL: c.baseURL.String(), Err: err}
		}
	}
	return nil
}

// Health calls the collector health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, PathHealth, nil, nil, false)
}

// SendTrace implements trace.Sender.
func (c *Client) SendTrace(ctx context.Context, t *trace.Trace) error {
	return c.SendData(ctx, t.Snapshot())
}

// SendData delivers one trace document.
func (c *Client) SendData(ctx context.Context, data trace.TraceData) error {
	if c.wireMode == WireModeIncremental {
		return c.sendIncremental(ctx, data)
	}
	var created CreatedResponse
	if err := c.do(ctx, http.MethodPost, PathTraces, NewTraceCreate(data, true), &created, true); err != nil {
		if isConflict(err) {
			return nil
		}
		return err
	}
	c.logger.Debug("trace delivered", "trace_id", data.ID, "spans", len(data.Spans), "spans_created", created.SpansCreated)
	return nil
}

// sendIncremental replays the trace lifecycle. A 409 on a create means an
// earlier attempt already stored the record, so retries stay idempotent.
func (c *Client) sendIncremental(ctx context.Context, data trace.TraceData) error {
	if err := c.create(ctx, PathTraces, NewTraceCreate(data, false)); err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	for _, span := range data.Spans {
		if span.TraceID == "" {
			span.TraceID = data.ID
		}
		if err := c.create(ctx, PathSpans, NewSpanCreate(span)); err != nil {
			return fmt.Errorf("open span %s: %w", span.ID, err)
		}
		if err := c.do(ctx, http.MethodPut, PathSpans, NewSpanUpdate(span), nil, true); err != nil {
			return fmt.Errorf("close span %s: %w", span.ID, err)
		}
	}
	if err := c.do(ctx, http.MethodPut, PathTraces, NewTraceUpdate(data), nil, true); err != nil {
		return fmt.Errorf("close trace: %w", err)
	}
	return nil
}

func (c *Client) create(ctx context.Context, path string, body any) error {
	err := c.do(ctx, http.MethodPost, path, body, nil, true)
	if isConflict(err) {
		return nil
	}
	return err
}

func isConflict(err error) bool {
	var statusErr *trace.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict
}

func (c *Client) login(ctx context.Context) error {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, PathLogin, LoginRequest{Username: c.username, Password: c.password}, &resp, false); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	token := strings.TrimSpace(resp.Data.Token)
	if token == "" {
		return errors.New("login: empty session token")
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := c.login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *Client) clearSession(stale string) {
	c.mu.Lock()
	if c.token == stale {
		c.token = ""
	}
	c.mu.Unlock()
}

// do sends one JSON request. With authenticated set, the request carries
// credentials and a session rejected with 401 is renewed once.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authenticated bool) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return trace.NewSerializationError(err)
		}
		payload = encoded
	}

	err := c.roundTrip(ctx, method, path, payload, out, authenticated)
	var statusErr *trace.HTTPStatusError
	if authenticated && c.apiKey == "" && errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		c.logger.Debug("collector session rejected, logging in again", "path", path)
		err = c.roundTrip(ctx, method, path, payload, out, authenticated)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out any, authenticated bool) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var token string
	if authenticated {
		if c.apiKey != "" {
			token = c.apiKey
		} else {
			sessionToken, err := c.sessionToken(ctx)
			if err != nil {
				return err
			}
			token = sessionToken
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Workspace-ID", c.workspaceID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	requestID := correlation.Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		if resp.StatusCode == http.StatusUnauthorized && token != "" && c.apiKey == "" {
			c.clearSession(token)
		}
		c.logger.Debug("collector request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"request_id", requestID,
		)
		return &trace.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	// The status already confirms the write. Response bodies are informational.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		c.logger.Debug("collector response not decoded",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"request_id", requestID,
			"error", err,
		)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = pathutil.JoinPath(c.baseURL.Path, path)
	u.RawPath = ""
	return u.String()
}

var _ trace.Sender = (*Client)(nil)
