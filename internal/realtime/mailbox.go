package realtime

import "sync"

// frameSlot is a single-slot mailbox between a connection's read pump and its
// scoring goroutine. A new frame overwrites an unconsumed one, so a slow scorer
// always works on the latest still and never builds a backlog.
type frameSlot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  string
	full   bool
	closed bool

	seq   uint64
	drops uint64
}

func newFrameSlot() *frameSlot {
	s := &frameSlot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// put stores a frame without blocking.
func (s *frameSlot) put(image string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.full {
		s.drops++
	}
	s.frame = image
	s.full = true
	s.seq++
	s.cond.Signal()
}

// take blocks for the next frame. ok is false once the slot is closed.
func (s *frameSlot) take() (image string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.full && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return "", false
	}
	image = s.frame
	s.frame = ""
	s.full = false
	return image, true
}

func (s *frameSlot) close() {
	s.mu.Lock()
	s.closed = true
	s.frame = ""
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *frameSlot) stats() (received, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.drops
}
