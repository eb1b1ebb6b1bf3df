package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ehrlich-b/wingbridge/internal/auth"
	"github.com/ehrlich-b/wingbridge/internal/ws"
)

// Change is one notification under a subscribed prefix. Path is relative to
// the prefix; "/" carries the whole subtree. Data is null for deletions.
type Change struct {
	Path string
	Data json.RawMessage
}

// IsSnapshot reports whether the change replaces the whole subtree.
func (c Change) IsSnapshot() bool { return c.Path == "/" }

// Subscribe delivers changes under prefix until ctx ends or authentication
// is rejected for good. Delivery is at-least-once and may reorder; every
// (re)connect starts with a full snapshot. onChange runs on the subscription
// goroutine and must not block for long.
func (c *Client) Subscribe(ctx context.Context, prefix string, onChange func(Change)) error {
	if c.transport == "stream" {
		return c.subscribeStream(ctx, prefix, onChange)
	}
	return c.subscribePoll(ctx, prefix, onChange)
}

func (c *Client) subscribeStream(ctx context.Context, prefix string, onChange func(Change)) error {
	wc := &ws.Client{
		URL:     c.streamURL,
		Prefix:  prefix,
		Token:   c.auth.Token,
		Refresh: c.auth.ForceRefresh,
		Fatal:   IsFatal,
		OnEvent: func(ev ws.Event) {
			onChange(Change{Path: ev.Path, Data: ev.Data})
		},
		OnStateChange: func(state string, err error) {
			c.logger.Debug("mailbox watch", "state", state, "err", err)
		},
		Logger: c.logger,
	}
	err := wc.Run(ctx)
	if errors.Is(err, ws.ErrAuthRejected) {
		return &auth.AuthError{Op: "mailbox watch", Message: "credential rejected after refresh", Err: err}
	}
	return err
}

// subscribePoll reads the whole prefix every poll interval and delivers it as
// a snapshot whenever it differs from the last one delivered.
func (c *Client) subscribePoll(ctx context.Context, prefix string, onChange func(Change)) error {
	bo := ws.NewBackoff(c.retryBase, c.retryMax)
	var last []byte
	delay := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		var raw json.RawMessage
		err := c.Get(ctx, prefix, &raw)
		switch {
		case err == nil:
			if bo.Attempt() > 0 {
				c.logger.Info("mailbox reachable again", "prefix", prefix)
				bo.Reset()
			}
			if !bytes.Equal(raw, last) {
				last = bytes.Clone(raw)
				onChange(Change{Path: "/", Data: raw})
			}
			delay = c.pollInterval
		case ctx.Err() != nil:
			return ctx.Err()
		case IsFatal(err):
			return err
		default:
			delay = bo.Next()
			// Force a full snapshot after the outage.
			last = nil
			c.logger.Warn("mailbox poll failed", "err", err, "retry_in", delay)
		}
	}
}
