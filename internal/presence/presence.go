// Package presence publishes the daemon's heartbeat so clients can tell
// whether anyone is listening.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	StatusIdle    = "idle"
	StatusBusy    = "busy"
	StatusStopped = "stopped"
)

// Heartbeat is the record at presence/{uid}.
type Heartbeat struct {
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
	Version  string `json:"version"`
	Status   string `json:"status"`
	Hostname string `json:"hostname"`
	Instance string `json:"instance"`
}

// Publisher writes a value at a mailbox path.
type Publisher interface {
	Publish(ctx context.Context, path string, value any) error
}

// Path is where a user's heartbeat lives.
func Path(uid string) string { return "presence/" + uid }

// Reporter publishes a heartbeat every Interval until its context ends, then
// a final stopped record.
type Reporter struct {
	UID      string
	Version  string
	Hostname string
	Mailbox  Publisher
	Status   func() string // idle or busy; nil reports idle
	Logger   *slog.Logger

	Interval    time.Duration // default 30s
	FirstBeat   time.Duration // default 2s
	StopTimeout time.Duration // default 5s

	instance string
	now      func() time.Time
}

// Run blocks until ctx is cancelled. Publish failures are logged and never
// end the loop.
func (r *Reporter) Run(ctx context.Context) {
	r.defaults()
	r.Logger.Debug("presence reporter started", "uid", r.UID, "instance", r.instance, "interval", r.Interval)

	timer := time.NewTimer(r.FirstBeat)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stop()
			return
		case <-timer.C:
			status := StatusIdle
			if r.Status != nil {
				status = r.Status()
			}
			if err := r.publish(ctx, true, status); err != nil && ctx.Err() == nil {
				r.Logger.Warn("heartbeat failed", "err", err)
			}
			timer.Reset(r.Interval)
		}
	}
}

func (r *Reporter) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), r.StopTimeout)
	defer cancel()
	if err := r.publish(ctx, false, StatusStopped); err != nil {
		r.Logger.Warn("final heartbeat failed", "err", err)
		return
	}
	r.Logger.Debug("presence stopped", "uid", r.UID)
}

func (r *Reporter) publish(ctx context.Context, online bool, status string) error {
	return r.Mailbox.Publish(ctx, Path(r.UID), r.heartbeat(online, status))
}

func (r *Reporter) heartbeat(online bool, status string) Heartbeat {
	return Heartbeat{
		Online:   online,
		LastSeen: r.now().UnixMilli(),
		Version:  r.Version,
		Status:   status,
		Hostname: r.Hostname,
		Instance: r.instance,
	}
}

func (r *Reporter) defaults() {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Interval <= 0 {
		r.Interval = 30 * time.Second
	}
	if r.FirstBeat <= 0 {
		r.FirstBeat = 2 * time.Second
	}
	if r.StopTimeout <= 0 {
		r.StopTimeout = 5 * time.Second
	}
	if r.instance == "" {
		r.instance = uuid.NewString()
	}
	if r.now == nil {
		r.now = time.Now
	}
}
