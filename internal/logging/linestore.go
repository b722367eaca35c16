package logging

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// LineStore keeps the last N log lines in memory.
//
// It backs the admin server's GET /logs endpoint and is not a replacement for
// durable log shipping.
//
// Concurrency: safe for concurrent use.
// Memory: bounded by the configured line capacity.
type LineStore struct {
	size int

	mu    sync.Mutex
	lines []string
	next  int
	count int
	buf   []byte // partial line buffer

	dropped atomic.Uint64
}

func NewLineStore(size int) *LineStore {
	if size < 0 {
		size = 0
	}
	ls := &LineStore{size: size}
	if size > 0 {
		ls.lines = make([]string, size)
	}
	return ls
}

// Write implements io.Writer and stores complete lines delimited by '\n'.
// Carriage returns ('\r') at the end of a line are trimmed.
func (s *LineStore) Write(p []byte) (int, error) {
	if s == nil || s.size == 0 {
		return len(p), nil
	}
	origN := len(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			// No newline: buffer and return.
			s.buf = append(s.buf, p...)
			break
		}

		chunk := p[:i]
		p = p[i+1:]

		line := append(s.buf, chunk...)
		s.buf = s.buf[:0]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		s.addLineLocked(string(line))
	}

	return origN, nil
}

func (s *LineStore) addLineLocked(line string) {
	if s.count == s.size {
		s.dropped.Add(1)
	} else {
		s.count++
	}
	s.lines[s.next] = line
	s.next = (s.next + 1) % s.size
}

// Tail returns up to limit most recent lines, ordered oldest to newest.
// If limit <= 0, all buffered lines are returned.
func (s *LineStore) Tail(limit int) []string {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	n := s.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]string, 0, n)
	// Oldest kept line lives at next-count (mod size); skip ahead to the
	// newest n of them.
	idx := s.next - n
	for idx < 0 {
		idx += s.size
	}
	for i := 0; i < n; i++ {
		out = append(out, s.lines[idx])
		idx = (idx + 1) % s.size
	}
	return out
}

func (s *LineStore) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}
