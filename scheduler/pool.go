package scheduler

import "sync"

// Pool holds the active workers of one kind, keyed by unit id. At most one
// worker exists per unit.
type Pool[W any] struct {
	mu      sync.Mutex
	entries map[string]W
}

func NewPool[W any]() *Pool[W] {
	return &Pool[W]{entries: make(map[string]W)}
}

// TryAdd inserts w under id unless id is already present. It reports
// whether w was inserted; false means another worker owns the unit.
func (p *Pool[W]) TryAdd(id string, w W) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; ok {
		return false
	}
	p.entries[id] = w
	return true
}

func (p *Pool[W]) Remove(id string) (W, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.entries[id]
	delete(p.entries, id)
	return w, ok
}

func (p *Pool[W]) Get(id string) (W, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.entries[id]
	return w, ok
}

func (p *Pool[W]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Count returns the number of entries for which pred is true.
func (p *Pool[W]) Count(pred func(id string, w W) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, w := range p.entries {
		if pred(id, w) {
			n++
		}
	}
	return n
}

// Entries returns a copy of the pool contents.
func (p *Pool[W]) Entries() map[string]W {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]W, len(p.entries))
	for id, w := range p.entries {
		out[id] = w
	}
	return out
}
