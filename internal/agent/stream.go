package agent

import (
	"context"
	"strings"
	"sync"
)

// Chunk is one piece of runner output, in order.
type Chunk struct {
	Text string
}

// Stream is the lazy, single-use output of one run. Next yields chunks until
// the channel closes; Err then holds the run's final error (nil on success).
type Stream struct {
	ctx    context.Context
	ch     chan Chunk
	err    error
	mu     sync.Mutex
	chunks []Chunk
	done   bool
}

func newStream(ctx context.Context) *Stream {
	return &Stream{
		ctx: ctx,
		ch:  make(chan Chunk, 64),
	}
}

func (s *Stream) send(c Chunk) {
	select {
	case s.ch <- c:
	case <-s.ctx.Done():
	}
}

func (s *Stream) close(err error) {
	s.mu.Lock()
	s.err = err
	s.done = true
	s.mu.Unlock()
	close(s.ch)
}

// Next blocks for the next chunk. ok is false once the run has ended.
func (s *Stream) Next() (Chunk, bool) {
	c, ok := <-s.ch
	if ok {
		s.mu.Lock()
		s.chunks = append(s.chunks, c)
		s.mu.Unlock()
	}
	return c, ok
}

// Text is everything consumed through Next so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done reports whether the run has ended.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Drain consumes the rest of the stream and returns the full text and the
// final error.
func (s *Stream) Drain() (string, error) {
	for {
		if _, ok := s.Next(); !ok {
			break
		}
	}
	return s.Text(), s.Err()
}
