// Package dashscope streams completions from a DashScope application endpoint.
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBaseURL     = "https://dashscope.aliyuncs.com"
	defaultIdleTimeout = 60 * time.Second
	credentialsParam   = "/dashscope"
)

var (
	// ErrMissingCredentials means neither static nor parameter store
	// credentials produced an API key and app id.
	ErrMissingCredentials = errors.New("dashscope: missing api key or app id")

	// ErrIdleTimeout is returned by the stream when no bytes arrive for the
	// configured idle period.
	ErrIdleTimeout = errors.New("dashscope: upstream idle timeout")
)

type completionRequest struct {
	Input      completionInput      `json:"input"`
	Parameters completionParameters `json:"parameters"`
	Debug      struct{}             `json:"debug"`
}

type completionInput struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

type completionParameters struct {
	IncrementalOutput bool `json:"incremental_output"`
}

// credentialsPayload is the JSON shape stored in SSM for the application.
type credentialsPayload struct {
	APIKey string `json:"api_key"`
	AppID  string `json:"app_id"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dashscope: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client opens streaming completions against one DashScope application.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration

	apiKey string
	appID  string

	getter      Getter
	paramPrefix string

	mu     sync.Mutex
	cached *credentialsPayload
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient sets the transport client. Its Timeout should be zero; a
// whole-request timeout would cut long answers short.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithCredentials sets static credentials. When both are non-empty the
// parameter store is never consulted.
func WithCredentials(apiKey, appID string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(apiKey)
		c.appID = strings.TrimSpace(appID)
	}
}

// WithParamStore loads credentials from the JSON parameter
// "<paramPrefix>/dashscope". A successful load is cached for the life of the
// client; a failed one is retried on the next call.
func WithParamStore(getter Getter, paramPrefix string) Option {
	return func(c *Client) {
		c.getter = getter
		c.paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	}
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{},
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter != nil && c.paramPrefix == "" {
		return nil, errors.New("dashscope: parameter prefix must not be empty")
	}
	return c, nil
}

// CheckCredentials reports whether a request could be authenticated right now.
func (c *Client) CheckCredentials(ctx context.Context) error {
	_, err := c.resolveCredentials(ctx)
	return err
}

func (c *Client) resolveCredentials(ctx context.Context) (credentialsPayload, error) {
	if c.apiKey != "" && c.appID != "" {
		return credentialsPayload{APIKey: c.apiKey, AppID: c.appID}, nil
	}
	if c.getter == nil {
		return credentialsPayload{}, ErrMissingCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return *c.cached, nil
	}
	creds, err := fetchCredentials(ctx, c.getter, c.paramPrefix+credentialsParam)
	if err != nil {
		return credentialsPayload{}, err
	}
	c.cached = &creds
	return creds, nil
}

func fetchCredentials(ctx context.Context, getter Getter, name string) (credentialsPayload, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return credentialsPayload{}, fmt.Errorf("%w: fetch from paramstore: %v", ErrMissingCredentials, err)
	}
	var p credentialsPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return credentialsPayload{}, fmt.Errorf("%w: unmarshal paramstore value as JSON: %v", ErrMissingCredentials, err)
	}
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.AppID = strings.TrimSpace(p.AppID)
	if p.APIKey == "" || p.AppID == "" {
		return credentialsPayload{}, ErrMissingCredentials
	}
	return p, nil
}

func completionURL(baseURL, appID string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/api/v1/apps/" + appID + "/completion"
}

// StreamCompletion starts an incremental completion for prompt. sessionID,
// when set, continues an earlier upstream session. The caller must Close the
// returned body. Reads fail with ErrIdleTimeout when the upstream stalls.
func (c *Client) StreamCompletion(ctx context.Context, prompt, sessionID string) (io.ReadCloser, error) {
	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(completionRequest{
		Input:      completionInput{Prompt: prompt, SessionID: sessionID},
		Parameters: completionParameters{IncrementalOutput: true},
	})
	if err != nil {
		return nil, fmt.Errorf("dashscope: marshal request: %w", err)
	}

	url := completionURL(c.baseURL, creds.AppID)
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dashscope: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("X-DashScope-SSE", "enable")

	// The idle timer also bounds the wait for response headers.
	idle := newIdleGuard(c.idleTimeout, cancel)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		idle.stop()
		cancel()
		if idle.fired() {
			return nil, ErrIdleTimeout
		}
		return nil, fmt.Errorf("dashscope: request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		idle.stop()
		cancel()
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	return &idleReader{body: res.Body, guard: idle, cancel: cancel}, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

type idleGuard struct {
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleGuard(timeout time.Duration, cancel context.CancelFunc) *idleGuard {
	g := &idleGuard{timeout: timeout}
	g.timer = time.AfterFunc(timeout, func() {
		g.expired.Store(true)
		cancel()
	})
	return g
}

func (g *idleGuard) touch()      { g.timer.Reset(g.timeout) }
func (g *idleGuard) stop()       { g.timer.Stop() }
func (g *idleGuard) fired() bool { return g.expired.Load() }

// idleReader resets the idle timer on every byte received.
type idleReader struct {
	body   io.ReadCloser
	guard  *idleGuard
	cancel context.CancelFunc
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 && !r.guard.fired() {
		r.guard.touch()
	}
	if err != nil && !errors.Is(err, io.EOF) && r.guard.fired() {
		return n, ErrIdleTimeout
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.guard.stop()
	r.cancel()
	return r.body.Close()
}
