package translog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultAppendTimeout = 5 * time.Second
	DefaultQueryTimeout  = 30 * time.Second
	DefaultMaxTries      = 3
	maxResponseBody      = 8 << 20
)

// Client talks to a remote log service over HTTP.
type Client struct {
	base          *url.URL
	token         string
	http          *http.Client
	appendTimeout time.Duration
	queryTimeout  time.Duration
	maxTries      uint
	initialDelay  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeouts sets the per-call budgets for appends and for reads.
func WithTimeouts(appendTimeout, queryTimeout time.Duration) ClientOption {
	return func(c *Client) {
		if appendTimeout > 0 {
			c.appendTimeout = appendTimeout
		}
		if queryTimeout > 0 {
			c.queryTimeout = queryTimeout
		}
	}
}

// WithRetry sets how many times a transient failure is attempted and the
// first backoff delay.
func WithRetry(maxTries uint, initialDelay time.Duration) ClientOption {
	return func(c *Client) {
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if initialDelay > 0 {
			c.initialDelay = initialDelay
		}
	}
}

// NewClient returns a Client for the log at baseURL authenticating with token.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing log URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("log URL must be http or https, got %q", baseURL)
	}
	c := &Client{
		base:          u,
		token:         token,
		http:          &http.Client{},
		appendTimeout: DefaultAppendTimeout,
		queryTimeout:  DefaultQueryTimeout,
		maxTries:      DefaultMaxTries,
		initialDelay:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Append submits e. Appends are idempotent on fingerprint so retries are safe.
func (c *Client) Append(ctx context.Context, e Entry) (Ack, error) {
	var ack Ack
	err := c.do(ctx, c.appendTimeout, http.MethodPost, "/api/v1/entries", nil, e, &ack)
	return ack, err
}

// Query fetches one page of records.
func (c *Client) Query(ctx context.Context, f Filter) (*Page, error) {
	q := url.Values{}
	if f.Subject != "" {
		q.Set("subject", f.Subject)
	}
	if f.Fingerprint != "" {
		q.Set("fingerprint", f.Fingerprint)
	}
	if f.RevokedOnly {
		q.Set("revoked", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var page Page
	if err := c.do(ctx, c.queryTimeout, http.MethodGet, "/api/v1/entries", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Get fetches the record for fingerprint.
func (c *Client) Get(ctx context.Context, fingerprint string) (*Record, error) {
	var r Record
	if err := c.do(ctx, c.queryTimeout, http.MethodGet, "/api/v1/entries/"+url.PathEscape(fingerprint), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// MarkRevoked asks the log to flag fingerprint as revoked.
func (c *Client) MarkRevoked(ctx context.Context, fingerprint string, rev Revocation) (*Record, error) {
	var r Record
	path := "/api/v1/entries/" + url.PathEscape(fingerprint) + "/revoke"
	if err := c.do(ctx, c.appendTimeout, http.MethodPost, path, nil, rev, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Verify asks the log to walk its chain.
func (c *Client) Verify(ctx context.Context) (Verification, error) {
	var v Verification
	err := c.do(ctx, c.queryTimeout, http.MethodGet, "/api/v1/verify", nil, nil, &v)
	return v, err
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = b
	}
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.attempt(ctx, method, u.String(), payload, out)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(c.maxTries))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decoding response: %w", ErrUnavailable, err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, eb.Error))
	}
}
