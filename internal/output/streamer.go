// Package output provides replayable byte streams for command output and
// reassembly of raw output chunks into lines. Multiple readers can
// subscribe to a Streamer and each receive the retained output from its
// oldest byte.
package output

import (
	"io"
	"sync"
)

const (
	// initialBufferCapacity is the starting size for the output buffer.
	// 4KB aligns with typical pipe buffer sizes.
	initialBufferCapacity = 4096

	// DefaultLimit is the number of trailing bytes a Streamer retains.
	DefaultLimit = 1 << 20
)

// Streamer stores the most recent chunks written to it and serves them to any
// number of readers. Writers are typically the supervisor's message loop;
// readers are line splitters and console echo.
//
// At most limit bytes are retained. Older bytes are dropped, and a reader
// that has fallen further behind than that resumes at the oldest retained
// byte.
type Streamer struct {
	buffer []byte

	// base is the stream offset of buffer[0].
	base  int
	limit int

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	cond      sync.Cond
}

// NewStreamer creates an open Streamer that retains DefaultLimit bytes.
func NewStreamer() *Streamer {
	return NewLimitedStreamer(DefaultLimit)
}

// NewLimitedStreamer creates an open Streamer that retains at most limit
// bytes.
func NewLimitedStreamer(limit int) *Streamer {
	if limit <= 0 {
		limit = DefaultLimit
	}

	s := &Streamer{
		buffer: make([]byte, 0, min(initialBufferCapacity, limit)),
		limit:  limit,
		done:   make(chan struct{}),
	}

	s.cond.L = &s.mu

	return s
}

// Write appends p to the stream and wakes blocked readers. Writing to a
// closed Streamer returns io.ErrClosedPipe.
func (s *Streamer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDone() {
		return 0, io.ErrClosedPipe
	}

	s.buffer = append(s.buffer, p...)

	if over := len(s.buffer) - s.limit; over > 0 {
		// append moves the tail to a fresh array once capacity runs out.
		s.buffer = s.buffer[over:]
		s.base += over
	}

	s.cond.Broadcast()

	return len(p), nil
}

// Close finalises the stream. Readers drain the remaining buffer and then
// receive io.EOF. Close is idempotent.
func (s *Streamer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		close(s.done)

		s.cond.Broadcast()
	})

	return nil
}

// Subscribe returns a io.ReadCloser for reading data from the Streamer.
// Close cancels the subscription.
func (s *Streamer) Subscribe() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &reader{s: s, position: s.base}
}

// Done returns a channel that is closed when the Streamer is closed.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

// Len returns the number of bytes retained.
func (s *Streamer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buffer)
}

// end is the stream offset after the last byte written.
func (s *Streamer) end() int {
	return s.base + len(s.buffer)
}

func (s *Streamer) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
