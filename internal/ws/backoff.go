package ws

import "time"

// Backoff is the retry delay state machine shared by reconnects, publish
// retries and credential refresh: Base doubled per attempt, capped at Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Max
	// Past 30 doublings any sane Base exceeds Max; avoid shift overflow.
	if b.attempt < 30 {
		if s := b.Base << b.attempt; s > 0 && s < b.Max {
			d = s
		}
	}
	b.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
