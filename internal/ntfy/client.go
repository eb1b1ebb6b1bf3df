package ntfy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client sends push notifications via ntfy.sh (or a self-hosted ntfy server).
// Notifications carry the session id and the outcome, never request or
// response text.
type Client struct {
	url    string // full URL: https://ntfy.sh/{topic}
	token  string // optional bearer token for reserved topics
	http   *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a new ntfy client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}) or a full URL (https://ntfy.example.com/mytopic).
func New(topic, token string, logger *slog.Logger) *Client {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, token: token, http: &http.Client{Timeout: 10 * time.Second}, logger: logger}
}

// JobFinished sends a job outcome notification in the background.
func (c *Client) JobFinished(sessionID string, ok bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.SendJobFinished(sessionID, ok)
	}()
}

// SendJobFinished sends a job outcome notification synchronously.
func (c *Client) SendJobFinished(sessionID string, ok bool) error {
	if ok {
		return c.post("Claude finished", "session "+sessionID, "default", "white_check_mark")
	}
	return c.post("Claude failed", "session "+sessionID, "high", "x")
}

// SendTest sends a test notification synchronously and returns any error.
func (c *Client) SendTest() error {
	return c.post("wingbridge test", "Push notifications are working!", "default", "test_tube")
}

// Wait blocks until background notifications have been sent or given up.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) post(title, body, priority, tags string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBufferString(body))
	if err != nil {
		c.logger.Warn("ntfy: build request", "err", err)
		return err
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ntfy: post failed", "err", err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
		c.logger.Warn("ntfy: rejected", "status", resp.StatusCode)
		return err
	}
	return nil
}
