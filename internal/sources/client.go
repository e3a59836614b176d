package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"

	log "github.com/sirupsen/logrus"
)

// authFunc returns the value for the Authorization header, or "" when
// the request should go out unauthenticated.
type authFunc func(ctx context.Context) (string, error)

// refreshFunc forces a credential refresh after the provider rejected a
// token. nil for sources with static or no credentials.
type refreshFunc func(ctx context.Context) error

// Client is the throttled HTTP client shared by every adapter. All
// provider traffic (discovery, resolution, downloads) goes through it so
// rate limiting and auth-retry behavior are uniform.
type Client struct {
	source  string
	http    *http.Client
	limiter *ratelimit.Registry
	auth    authFunc
	refresh refreshFunc
	headers map[string]string
}

// NewClient builds a Client for one source. httpClient must have a
// timeout set by the caller; auth and refresh may be nil.
func NewClient(source string, httpClient *http.Client, limiter *ratelimit.Registry, auth authFunc, refresh refreshFunc, headers map[string]string) *Client {
	return &Client{
		source:  source,
		http:    httpClient,
		limiter: limiter,
		auth:    auth,
		refresh: refresh,
		headers: headers,
	}
}

// GetJSON performs a throttled GET and decodes the response body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v interface{}) error {
	body, _, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %v", ErrFetch, url, err)
	}
	return nil
}

// PostJSON performs a throttled POST with a JSON body and decodes the
// response into v (which may be nil).
func (c *Client) PostJSON(ctx context.Context, url string, payload []byte, v interface{}) error {
	body, _, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %v", ErrFetch, url, err)
	}
	return nil
}

// FetchBytes performs a throttled GET and returns the raw payload.
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, int64, error) {
	body, size, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	return body, size, nil
}

// do issues one request through the rate limiter, mapping status codes
// onto the shared error taxonomy. A 401/403 triggers exactly one
// refresh-and-retry before ErrAuth surfaces.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, int64, error) {
	body, size, err := c.doOnce(ctx, method, url, payload)
	if err == nil || c.refresh == nil || !isAuthErr(err) {
		return body, size, err
	}

	log.WithField("source", c.source).Warn("Request unauthorized, refreshing credential and retrying once")
	if refreshErr := c.refresh(ctx); refreshErr != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrAuth, refreshErr)
	}
	return c.doOnce(ctx, method, url, payload)
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte) ([]byte, int64, error) {
	if err := c.limiter.Acquire(ctx, c.source); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: creating request for %s: %v", ErrFetch, url, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.auth != nil {
		header, err := c.auth(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		if header != "" {
			req.Header.Set("Authorization", header)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: performing request for %s: %v", ErrFetch, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, 0, fmt.Errorf("%w: %s", ErrRateLimited, url)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, 0, fmt.Errorf("%w: status %d from %s", ErrAuth, resp.StatusCode, url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, 0, fmt.Errorf("%w: status %d from %s", ErrFetch, resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response body from %s: %v", ErrFetch, url, err)
	}
	return body, int64(len(body)), nil
}

func isAuthErr(err error) bool {
	return errors.Is(err, ErrAuth)
}
