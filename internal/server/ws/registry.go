package ws

import "sync"

// connSet is a lock-protected set of connections.
type connSet struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func newConnSet() *connSet { return &connSet{conns: make(map[*conn]struct{})} }

func (s *connSet) add(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *connSet) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// send queues msg on every member and returns the ones that could not take it.
func (s *connSet) send(msg []byte) []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var failed []*conn
	for c := range s.conns {
		if !c.enqueue(msg) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (s *connSet) snapshot() []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// keyedRegistry maps each connection to at most one key. It backs both the
// single-container and the user registries.
type keyedRegistry struct {
	mu   sync.Mutex
	subs map[string]map[*conn]struct{}
	of   map[*conn]string
}

func newKeyedRegistry() *keyedRegistry {
	return &keyedRegistry{
		subs: make(map[string]map[*conn]struct{}),
		of:   make(map[*conn]string),
	}
}

// switchTo moves c to key and runs then while still holding the lock, so
// nothing broadcast to key can overtake what then queues. A connection
// already torn down is not registered and switchTo reports false; teardown
// closes done before taking this lock.
func (r *keyedRegistry) switchTo(c *conn, key string, then func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed() {
		return false
	}
	r.removeLocked(c)
	set, ok := r.subs[key]
	if !ok {
		set = make(map[*conn]struct{})
		r.subs[key] = set
	}
	set[c] = struct{}{}
	r.of[c] = key
	if then != nil {
		then()
	}
	return true
}

// remove drops c and returns the key it held. Removing an absent connection
// is a no-op.
func (r *keyedRegistry) remove(c *conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(c)
}

func (r *keyedRegistry) removeLocked(c *conn) string {
	key, ok := r.of[c]
	if !ok {
		return ""
	}
	delete(r.of, c)
	if set := r.subs[key]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.subs, key)
		}
	}
	return key
}

func (r *keyedRegistry) keyOf(c *conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.of[c]
	return k, ok
}

// withKey runs fn while holding the lock. fn must not call back into r.
func (r *keyedRegistry) withKey(c *conn, fn func(key string, ok bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.of[c]
	fn(k, ok)
}

func (r *keyedRegistry) send(key string, msg []byte) []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []*conn
	for c := range r.subs[key] {
		if !c.enqueue(msg) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (r *keyedRegistry) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

// interestRegistry is an inverse index from instrument to connections.
type interestRegistry struct {
	mu   sync.Mutex
	subs map[string]map[*conn]struct{}
	of   map[*conn]map[string]struct{}
}

func newInterestRegistry() *interestRegistry {
	return &interestRegistry{
		subs: make(map[string]map[*conn]struct{}),
		of:   make(map[*conn]map[string]struct{}),
	}
}

// add registers ids for c. It reports false, registering nothing, when c
// has been torn down.
func (r *interestRegistry) add(c *conn, ids []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed() {
		return false
	}
	mine, ok := r.of[c]
	if !ok {
		mine = make(map[string]struct{})
		r.of[c] = mine
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		mine[id] = struct{}{}
		set, ok := r.subs[id]
		if !ok {
			set = make(map[*conn]struct{})
			r.subs[id] = set
		}
		set[c] = struct{}{}
	}
	if len(mine) == 0 {
		delete(r.of, c)
	}
	return true
}

// drop removes ids from c, or every id when ids is empty.
func (r *interestRegistry) drop(c *conn, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mine, ok := r.of[c]
	if !ok {
		return
	}
	if len(ids) == 0 {
		for id := range mine {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(mine, id)
		if set := r.subs[id]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(r.subs, id)
			}
		}
	}
	if len(mine) == 0 {
		delete(r.of, c)
	}
}

func (r *interestRegistry) has(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.of[c]) > 0
}

// route groups items by the connections interested in their instrument.
func route[T any](r *interestRegistry, items []T, instrument func(T) string) map[*conn][]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[*conn][]T)
	for _, it := range items {
		for c := range r.subs[instrument(it)] {
			out[c] = append(out[c], it)
		}
	}
	return out
}
