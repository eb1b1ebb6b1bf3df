package mailbox

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

	"github.com/ehrlich-b/wingbridge/internal/auth"
	"github.com/ehrlich-b/wingbridge/internal/ws"
	"golang.org/x/time/rate"
)

// Authenticator supplies access credentials. ForceRefresh is called at most
// once per rejected request.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Options configures a Client. Zero values pick sensible defaults.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	Transport    string        // "poll" or "stream"
	StreamURL    string        // websocket watch endpoint for the stream transport
	PollInterval time.Duration // poll transport interval

	RateLimit rate.Limit // requests per second
	Burst     int
}

// Client talks to the mailbox: a JSON tree addressed by slash paths,
// {base}/{path}.json?auth={token}. It only ever sees ciphertext.
type Client struct {
	baseURL string
	auth    Authenticator
	http    *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter

	transport    string
	streamURL    string
	pollInterval time.Duration

	retryBase time.Duration
	retryMax  time.Duration
}

func New(baseURL string, a Authenticator, opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		auth:         a,
		http:         opts.HTTPClient,
		logger:       opts.Logger,
		transport:    opts.Transport,
		streamURL:    opts.StreamURL,
		pollInterval: opts.PollInterval,
		retryBase:    time.Second,
		retryMax:     30 * time.Second,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.transport == "" {
		c.transport = "poll"
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	limit, burst := opts.RateLimit, opts.Burst
	if limit <= 0 {
		limit = 10
	}
	if burst <= 0 {
		burst = 20
	}
	c.limiter = rate.NewLimiter(limit, burst)
	return c
}

// Publish writes value at path, replacing whatever was there. Connectivity
// failures are retried with backoff until ctx ends.
func (c *Client) Publish(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return c.retry(ctx, func() error {
		_, err := c.authed(ctx, http.MethodPut, path, data)
		return err
	})
}

// Delete removes the subtree at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.retry(ctx, func() error {
		_, err := c.authed(ctx, http.MethodDelete, path, nil)
		return err
	})
}

// Get reads the value at path into out. A missing path decodes as JSON null.
// Unlike Publish it makes a single attempt (plus the auth retry).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	raw, err := c.authed(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := ws.NewBackoff(c.retryBase, c.retryMax)
	for {
		err := op()
		if !transient(err) {
			return err
		}
		delay := bo.Next()
		c.logger.Warn("mailbox unreachable, retrying", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// authed runs one request, and on an authorization denial refreshes the
// credential once and retries once. A second denial is a fatal AuthError.
func (c *Client) authed(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, method, path, body, token)
	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		return raw, err
	}

	c.logger.Info("mailbox rejected credential, refreshing", "path", path)
	token, err = c.auth.ForceRefresh(ctx)
	if err != nil {
		return nil, err
	}
	raw, err = c.do(ctx, method, path, body, token)
	if errors.As(err, &ue) {
		return nil, &auth.AuthError{Op: "mailbox", Status: ue.Status, Message: "credential rejected after refresh"}
	}
	return raw, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, token string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.baseURL + "/" + strings.Trim(path, "/") + ".json?auth=" + url.QueryEscape(token)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectivityError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectivityError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &UnauthorizedError{Status: resp.StatusCode}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ConnectivityError{Op: method + " " + path, Status: resp.StatusCode}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("mailbox %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(raw))
	}
	return raw, nil
}
