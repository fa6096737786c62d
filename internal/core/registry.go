package core

import "sync"

// registry holds channels in subscribe order. Only the client goroutine and
// the Subscribe/Unsubscribe entry points mutate it.
type registry struct {
	mu     sync.RWMutex
	byName map[string]*Channel
	order  []*Channel
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]*Channel)}
}

func (r *registry) get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byName[name]
	return ch, ok
}

// contains reports whether ch is the registered channel for its name.
func (r *registry) contains(ch *Channel) bool {
	cur, ok := r.get(ch.name)
	return ok && cur == ch
}

// getOrAdd returns the channel for name, creating it with newFn if absent.
func (r *registry) getOrAdd(name string, newFn func() *Channel) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.byName[name]; ok {
		return ch, false
	}
	ch := newFn()
	r.byName[name] = ch
	r.order = append(r.order, ch)
	return ch, true
}

// remove deletes ch if it is still the registered channel for its name.
func (r *registry) remove(ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byName[ch.name]; !ok || cur != ch {
		return false
	}
	delete(r.byName, ch.name)
	for i, c := range r.order {
		if c == ch {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) list() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Channel(nil), r.order...)
}
