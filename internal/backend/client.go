package backend

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
	"time"

	"github.com/sony/gobreaker"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/models"
)

// BreakerConfig tunes the client's circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Breaker BreakerConfig
}

// DefaultBreakerConfig trips after five requests with 60% failing.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      2,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithLogger(l *slog.Logger) ClientOption { return func(c *Client) { c.log = l } }

func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

// Client implements Backend over the reference server's JSON API.
type Client struct {
	base  string
	token string
	http  *http.Client
	cb    *gobreaker.CircuitBreaker
	log   *slog.Logger
}

var _ Backend = (*Client)(nil)

func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	bc := cfg.Breaker
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("backend: breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c
}

// statusError is a non-2xx response that did not count against the breaker.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.code, e.msg) }

func (c *Client) Structure(ctx context.Context) (models.StructureSnapshot, error) {
	var snap models.StructureSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/structure", nil, &snap); err != nil {
		return models.StructureSnapshot{}, fmt.Errorf("backend: structure: %w", err)
	}
	return snap, nil
}

func (c *Client) Enrich(ctx context.Context, ids []string) ([]models.EnrichedNode, error) {
	var resp EnrichResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/enrich", IDsRequest{IDs: ids}, &resp); err != nil {
		return nil, fmt.Errorf("backend: enrich: %w", err)
	}
	return resp.Nodes, nil
}

func (c *Client) CrossRef(ctx context.Context, ids []string) ([]models.CrossRefRecord, error) {
	var resp CrossRefResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/xref", IDsRequest{IDs: ids}, &resp); err != nil {
		return nil, fmt.Errorf("backend: xref: %w", err)
	}
	return resp.Records, nil
}

func (c *Client) Asset(ctx context.Context, ref string, bucket models.Bucket) ([]byte, error) {
	path := "/api/assets/" + url.PathEscape(string(bucket)) + "/" + url.PathEscape(ref)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: asset %s/%s: %w", bucket, ref, err)
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do runs one request through the breaker. Transport failures, 5xx
// responses and an open breaker all surface as ErrNetworkUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("server error: %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return &statusError{code: resp.StatusCode, msg: errorMessage(data)}, nil
		}
		return data, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrNetworkUnavailable, err)
	}
	switch v := res.(type) {
	case *statusError:
		switch v.code {
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, v.msg)
		case http.StatusConflict:
			return nil, fmt.Errorf("%w: %s", apperr.ErrConflict, v.msg)
		}
		return nil, v
	case []byte:
		return v, nil
	}
	return nil, fmt.Errorf("unexpected breaker result %T", res)
}

func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
