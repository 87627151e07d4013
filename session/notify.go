package session

import "sync"

// subscribers fans committed session transitions out to host observers.
// Callbacks receive a snapshot copy and run on the mutating goroutine, so
// they should be quick and must not call back into the Manager's mutating
// operations.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Session)
}

func (s *subscribers) add(fn func(Session)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(Session))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

func (s *subscribers) notify(sess Session) {
	s.mu.Lock()
	fns := make([]func(Session), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(sess.clone())
	}
}

// Subscribe registers fn to be called after every committed session
// transition (sign-in, sign-out, renewal). The returned function removes
// the subscription.
func (m *Manager) Subscribe(fn func(Session)) (cancel func()) {
	return m.subs.add(fn)
}
