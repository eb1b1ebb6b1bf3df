package agent

import "context"

// NewTestStream creates a finished Stream with the given chunks and final
// error, for tests of code that consumes runner output.
func NewTestStream(err error, chunks ...string) *Stream {
	s := newStream(context.Background())
	s.ch = make(chan Chunk, len(chunks)+1)
	for _, c := range chunks {
		s.send(Chunk{Text: c})
	}
	s.close(err)
	return s
}
