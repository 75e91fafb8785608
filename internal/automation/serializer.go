package automation

import (
	"sync"
)

// Serializer runs functions FIFO per key while keys stay independent of each
// other. One conversation never executes two flow instances at once, and its
// events run in arrival order; unrelated conversations proceed in parallel.
type Serializer struct {
	mu     sync.Mutex
	queues map[string][]func()
	active map[string]bool
}

func NewSerializer() *Serializer {
	return &Serializer{
		queues: make(map[string][]func()),
		active: make(map[string]bool),
	}
}

// Do enqueues fn behind any work pending for key and returns immediately.
func (s *Serializer) Do(key string, fn func()) {
	s.mu.Lock()
	s.queues[key] = append(s.queues[key], fn)
	if !s.active[key] {
		s.active[key] = true
		go s.drain(key)
	}
	s.mu.Unlock()
}

func (s *Serializer) drain(key string) {
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			s.active[key] = false
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()
		fn()
	}
}
