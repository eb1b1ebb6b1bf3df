package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthRejected is returned when the watch endpoint rejects the credential
// twice in a row, once before and once after a refresh.
var ErrAuthRejected = errors.New("mailbox rejected authentication (401)")

const (
	pingInterval      = 30 * time.Second
	pingTimeout       = 10 * time.Second
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
	readLimit         = 4 << 20
)

// Client is an outbound websocket watch on one mailbox prefix.
type Client struct {
	URL    string // watch endpoint, e.g. "wss://mailbox.example/watch"
	Prefix string // subtree to watch, e.g. "sessions/uid123"

	// Token returns the current access credential. Refresh forces a new one
	// and is called at most once per rejected handshake.
	Token   func(ctx context.Context) (string, error)
	Refresh func(ctx context.Context) (string, error)

	// Fatal reports credential errors from Token or Refresh that end the
	// watch. Everything else is retried with backoff.
	Fatal func(error) bool

	OnEvent       func(Event)
	OnStateChange func(state string, err error) // called on connection state transitions

	Logger *slog.Logger
}

// Run watches the prefix until ctx is cancelled. Reconnects with exponential
// backoff; every successful connect starts with a full snapshot frame.
// Returns ErrAuthRejected if the credential is still refused after a refresh,
// or the credential error itself when Fatal says so.
func (c *Client) Run(ctx context.Context) error {
	bo := NewBackoff(minReconnectDelay, maxReconnectDelay)
	refreshed := false

	c.notifyState("connecting", nil)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if connected {
			// Was connected successfully — reset backoff
			bo.Reset()
			refreshed = false
		}
		if c.fatal(err) {
			c.notifyState("auth_failed", err)
			return err
		}
		if isAuthError(err) {
			if refreshed || c.Refresh == nil {
				c.notifyState("auth_failed", err)
				return ErrAuthRejected
			}
			refreshed = true
			_, rerr := c.Refresh(ctx)
			switch {
			case rerr == nil:
				c.notifyState("connecting", nil)
				continue
			case ctx.Err() != nil:
				c.notifyState("disconnected", ctx.Err())
				return ctx.Err()
			case c.fatal(rerr):
				c.notifyState("auth_failed", rerr)
				return fmt.Errorf("refresh after rejected watch: %w", rerr)
			}
			// Provider unreachable: the next rejection gets a fresh refresh.
			refreshed = false
			err = fmt.Errorf("refresh after rejected watch: %w", rerr)
		}

		delay := bo.Next()
		c.notifyState("disconnected", err)
		c.logger().Warn("mailbox watch disconnected", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) fatal(err error) bool {
	return err != nil && c.Fatal != nil && c.Fatal(err)
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

// authError marks a handshake refused with 401/403 or a connection closed
// with StatusAuthRevoked.
type authError struct{ cause error }

func (e *authError) Error() string { return "unauthorized: " + e.cause.Error() }
func (e *authError) Unwrap() error { return e.cause }

func isAuthError(err error) bool {
	var ae *authError
	return errors.As(err, &ae)
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse watch url: %w", err)
	}
	q := u.Query()
	q.Set("path", c.Prefix)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	token, err := c.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("token: %w", err)
	}
	target, err := c.dialURL()
	if err != nil {
		return false, err
	}

	opts := &websocket.DialOptions{HTTPHeader: make(http.Header)}
	opts.HTTPHeader.Set("Authorization", "Bearer "+token)

	conn, resp, dialErr := websocket.Dial(ctx, target, opts)
	if dialErr != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, &authError{cause: fmt.Errorf("dial: %w", dialErr)}
		}
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()
	connected = true
	c.notifyState("connected", nil)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, conn)

	// Read loop
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == StatusAuthRevoked {
				return connected, &authError{cause: err}
			}
			return connected, fmt.Errorf("read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger().Warn("bad watch frame", "err", err)
			continue
		}

		switch env.Type {
		case TypePut:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger().Warn("bad put frame", "err", err)
				continue
			}
			if ev.Path == "" {
				ev.Path = "/"
			}
			if c.OnEvent != nil {
				c.OnEvent(ev)
			}
		case TypeKeepAlive:
		case TypeAuthRevoked:
			return connected, &authError{cause: errors.New("auth revoked by mailbox")}
		case TypeCancel:
			return connected, errors.New("watch cancelled by mailbox")
		default:
			c.logger().Debug("unknown watch frame", "type", env.Type)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				conn.CloseNow()
				return
			}
		}
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
