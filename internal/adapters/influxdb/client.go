// Package influxdb is the backend HTTP adapter: it speaks the /query
// endpoint, converts responses to the internal tabular form and retries
// transient connection failures on fresh connections
package influxdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/grafana/dskit/backoff"

	"fluxgate/internal/core/tabular"
	perr "fluxgate/internal/platform/errors"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/metrics"
)

// Config locates the backend and sets the retry policy. User and Password
// are fallback credentials for requests that carry none, catalog discovery
// in particular
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
	Retries  int
}

// Client is safe for concurrent use
type Client struct {
	cfg    Config
	base   string
	client *http.Client
	log    *logger.Logger
}

// New builds a backend client. A zero Timeout defaults to 60s, zero Retries
// to 3
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	return &Client{
		cfg:    cfg,
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.Named("influxdb"),
	}
}

// BaseURL returns the backend root, for the passthrough proxy
func (c *Client) BaseURL() string { return c.base }

// Query runs one statement at nanosecond precision and decodes the envelope
func (c *Client) Query(ctx context.Context, user, password, schema, query string) ([]*tabular.Result, error) {
	defer metrics.ObserveStage("backend_query", time.Now())

	body, err := c.rawQuery(ctx, user, password, schema, query, url.Values{"epoch": {"ns"}})
	if err != nil {
		return nil, err
	}
	return tabular.DecodeEnvelope(body)
}

// SeriesCount reports how many series a query touches. Callers pass a
// LIMIT 1 variant so the backend does not materialize the full result
func (c *Client) SeriesCount(ctx context.Context, user, password, schema, query string) (int, error) {
	results, err := c.Query(ctx, user, password, schema, query)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, res := range results {
		n += res.NumSeries()
	}
	return n, nil
}

// rawQuery issues GET /query with retries. Connection-level failures retry
// on a fresh connection; HTTP status errors never retry
func (c *Client) rawQuery(ctx context.Context, user, password, schema, query string, extra url.Values) ([]byte, error) {
	params := url.Values{}
	params.Set("q", query)
	if schema != "" {
		params.Set("db", schema)
	}
	if user == "" {
		user, password = c.cfg.User, c.cfg.Password
	}
	if user != "" {
		params.Set("u", user)
		params.Set("p", password)
	}
	for k, vs := range extra {
		for _, v := range vs {
			params.Set(k, v)
		}
	}
	target := c.base + "/query?" + params.Encode()

	var lastErr error
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: c.cfg.Retries,
	})
	for boff.Ongoing() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "build backend request")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			// broken or half-closed connections poison the pool, start clean
			c.client.CloseIdleConnections()
			metrics.BackendError("transient")
			c.log.Warn().Err(err).Msg("backend connection failed, retrying with a fresh session")
			lastErr = err
			boff.Wait()
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			c.client.CloseIdleConnections()
			metrics.BackendError("transient")
			c.log.Warn().Err(readErr).Msg("backend response truncated, retrying with a fresh session")
			lastErr = readErr
			boff.Wait()
			continue
		}
		switch {
		case resp.StatusCode >= 500:
			metrics.BackendError("server")
			return nil, perr.BackendServerf("backend returned %d: %s", resp.StatusCode, body)
		case resp.StatusCode >= 400:
			metrics.BackendError("client")
			return nil, perr.BackendClientf(resp.StatusCode, "%s", body)
		}
		return body, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeBackendTransient, "backend request cancelled")
	}
	return nil, perr.Wrapf(lastErr, perr.ErrorCodeBackendTransient,
		"backend unreachable after %d attempts", c.cfg.Retries)
}
