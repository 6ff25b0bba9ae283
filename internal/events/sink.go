// Package events buffers operator-facing log lines until the admin API drains them.
package events

import (
	"fmt"
	"sync"
	"time"
)

// timeLayout prefixes lines written with Pushf.
const timeLayout = "2006-01-02 15:04:05"

// Sink is a FIFO of log lines with many producers and one draining consumer.
// With a positive capacity the oldest line is dropped when the buffer is full,
// so producers never wait on the consumer.
type Sink struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	dropped  uint64

	now func() time.Time
}

// NewSink creates a Sink. A capacity of zero or less means unbounded.
func NewSink(capacity int) *Sink {
	return &Sink{capacity: capacity, now: time.Now}
}

// Push appends line as-is.
func (s *Sink) Push(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && len(s.lines) >= s.capacity {
		s.lines = s.lines[1:]
		s.dropped++
	}
	s.lines = append(s.lines, line)
}

// Pushf formats a line and prefixes it with the current time.
func (s *Sink) Pushf(format string, args ...any) {
	s.Push(fmt.Sprintf("[%s] %s", s.now().Format(timeLayout), fmt.Sprintf(format, args...)))
}

// Drain returns every buffered line in push order and empties the buffer.
// It returns nil when nothing is buffered.
func (s *Sink) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.lines
	s.lines = nil
	return lines
}

// Len returns the number of buffered lines.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// Dropped returns how many lines were discarded because the buffer was full.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
