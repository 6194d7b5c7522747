// Package httpapi is the HTTP collaborator used for direct sends, queue
// replay, health probes and full refreshes.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
)

// IdempotencyHeader carries the operation ID so the server can drop
// duplicate deliveries of the same mutation.
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

// Config holds client configuration.
type Config struct {
	BaseURL      string
	Timeout      time.Duration // per request, on top of the caller's context
	HealthPath   string
	SnapshotPath string // GET returning every entity, used by RefreshAll
	UserAgent    string
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      15 * time.Second,
		HealthPath:   "/api/health",
		SnapshotPath: "/api/entities",
		UserAgent:    "shiftsync/1",
	}
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches key to requests made with ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// Client is a JSON HTTP client bound to one API base URL.
type Client struct {
	base *url.URL
	cfg  Config
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = def.SnapshotPath
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("invalid API base URL %q", cfg.BaseURL), err)
	}

	c := &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Get issues a GET and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do sends one request. body may be nil, a json.RawMessage or any value
// encodable as JSON; out may be nil. Transport failures are returned as
// TRANSIENT_IO errors and non-2xx responses as *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, ok := body.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(body); err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "encode request body", err)
			}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key, ok := ctx.Value(idempotencyKey{}).(string); ok && key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientIO, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	logging.Debug("HTTP request", map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrTransientIO, fmt.Sprintf("decode %s %s response", method, path), err)
	}
	return nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.Get(ctx, c.cfg.HealthPath, nil)
}

// FetchAll loads every entity visible to the user.
func (c *Client) FetchAll(ctx context.Context) ([]models.Entity, error) {
	var entities []models.Entity
	if err := c.Get(ctx, c.cfg.SnapshotPath, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}
