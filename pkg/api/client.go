package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/ah2048/electron-updater/pkg/errors"
)

// maxRedirects bounds 3xx following on every request.
const maxRedirects = 10

// Client is the HTTP client shared by the update, channel, and stats
// endpoints. Every request carries the plugin user agent and a hard
// deadline.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient creates a client with the given response timeout. The user
// agent identifies the plugin version and app id to the update service.
func NewClient(timeout time.Duration, pluginVersion, appID, osRelease string) *Client {
	if appID == "" {
		appID = "missing-app-id"
	}
	if osRelease == "" {
		osRelease = runtime.GOOS
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: fmt.Sprintf("CapacitorUpdater/%s (%s) electron/%s", pluginVersion, appID, osRelease),
	}
}

// UserAgent returns the user agent sent on every request.
func (c *Client) UserAgent() string {
	return c.userAgent
}

// PostJSON sends body as JSON to endpoint and decodes the reply into out
// when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	return c.do(req, out)
}

// GetJSON sends a GET with the given query values and decodes the reply
// into out when out is non-nil.
func (c *Client) GetJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrap(err, "invalid endpoint url")
	}
	if query != nil {
		merged := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("http_non_2xx", "url", req.URL.String(), "status", resp.StatusCode)
		// Endpoints report application errors in the JSON body even on
		// non-2xx; decode when possible so callers see the server message.
		if out != nil && json.Unmarshal(body, out) == nil {
			return nil
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

// progressWriter reports bytes written so far against the total announced
// by the server. total is -1 when the response carries no Content-Length.
type progressWriter struct {
	w       io.Writer
	written int64
	total   int64
	fn      func(written, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.written, p.total)
	}
	return n, err
}

// FetchToFile streams a GET of endpoint into dest, following bounded
// redirects, and returns the byte count. progress, when non-nil, is called
// as bytes land with the running count and the Content-Length total (-1
// when the server does not announce one).
func (c *Client) FetchToFile(ctx context.Context, endpoint, dest string, progress func(written, total int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "download request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create download file")
	}
	defer f.Close()

	pw := &progressWriter{w: f, total: resp.ContentLength, fn: progress}
	n, err := io.Copy(pw, resp.Body)
	if err != nil {
		return n, errors.Wrap(err, "download interrupted")
	}
	return n, nil
}

// FetchBytes performs a GET of endpoint and returns the body.
func (c *Client) FetchBytes(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
