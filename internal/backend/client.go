// Package backend talks to the HTTP control endpoints of the voice backend:
// GET /prewarm wakes the model containers and GET /status reports which of
// them are loaded. It also derives the websocket URL of the pipeline
// endpoint from the same base URL.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voxloop/internal/resilience"
)

// ErrBackendUnready is returned by [Client.Ready] while at least one backend
// model is still loading.
var ErrBackendUnready = errors.New("backend: not ready")

// DefaultPipelinePath is the websocket path of the conversation pipeline.
const DefaultPipelinePath = "/pipeline"

// maxStatusBody bounds the /status response that is read into memory.
const maxStatusBody = 64 << 10

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Default: a client with a 10s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBreaker guards every request with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithPipelinePath overrides [DefaultPipelinePath].
func WithPipelinePath(p string) Option {
	return func(cl *Client) {
		if p != "" {
			cl.pipelinePath = p
		}
	}
}

// Client is the backend control client. It is safe for concurrent use.
type Client struct {
	base         *url.URL
	http         *http.Client
	breaker      *resilience.CircuitBreaker
	pipelinePath string
}

// New creates a Client for the backend at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend: url %q has no host", baseURL)
	}
	c := &Client{
		base:         u,
		http:         &http.Client{Timeout: 10 * time.Second},
		breaker:      resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "backend"}),
		pipelinePath: DefaultPipelinePath,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// PipelineURL returns the websocket URL of the pipeline endpoint.
func (c *Client) PipelineURL() string {
	u := c.endpoint(c.pipelinePath)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// Prewarm asks the backend to start its model containers. It is idempotent.
func (c *Client) Prewarm(ctx context.Context) error {
	_, err := c.get(ctx, "/prewarm")
	if err != nil {
		return fmt.Errorf("backend: prewarm: %w", err)
	}
	return nil
}

// Status returns the per-model readiness reported by the backend. A backend
// that answers with an empty body reports no models.
func (c *Client) Status(ctx context.Context) (map[string]bool, error) {
	body, err := c.get(ctx, "/status")
	if err != nil {
		return nil, fmt.Errorf("backend: status: %w", err)
	}
	status := map[string]bool{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return status, nil
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("backend: status: decode: %w", err)
	}
	return status, nil
}

// Ready returns nil when every model reported by /status is loaded, and an
// error wrapping [ErrBackendUnready] naming the missing ones otherwise.
func (c *Client) Ready(ctx context.Context) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	var pending []string
	for name, ok := range status {
		if !ok {
			pending = append(pending, name)
		}
	}
	if len(pending) > 0 {
		slices.Sort(pending)
		return fmt.Errorf("%w: waiting for %s", ErrBackendUnready, strings.Join(pending, ", "))
	}
	return nil
}

// WaitReady polls [Client.Ready] every interval until the backend is ready
// or ctx is done. Unready and transport errors are retried; only ctx ends
// the wait early.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := c.Ready(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("backend ready", "attempts", attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("backend: wait ready: %w", ctx.Err())
		}
		slog.Debug("backend not ready yet", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("backend: wait ready: %w (last: %w)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (c *Client) endpoint(p string) *url.URL {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(p, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

func (c *Client) get(ctx context.Context, p string) ([]byte, error) {
	var body []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(p).String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxStatusBody))
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
		return err
	})
	return body, err
}
