package proc

import "sync"

// Registry maps an owner key (vod id, or the stream slot) to its one
// active subprocess, so that pause/stop/skip arriving from the API can
// signal a subprocess spawned on another goroutine.
type Registry struct {
	mu      sync.Mutex
	procs   map[string]*Handle
	waiters map[string][]chan *Handle
}

func NewRegistry() *Registry {
	return &Registry{
		procs:   map[string]*Handle{},
		waiters: map[string][]chan *Handle{},
	}
}

// Put registers the active subprocess for key and resolves anyone
// blocked in Await on it.
func (r *Registry) Put(key string, h *Handle) {
	r.mu.Lock()
	r.procs[key] = h
	waiters := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, w := range waiters {
		w <- h
	}
}

func (r *Registry) Get(key string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[key]
}

func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, key)
}

// Kill signals the subprocess registered under key, if any.
func (r *Registry) Kill(key string) bool {
	r.mu.Lock()
	h := r.procs[key]
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.Kill()
	return true
}

// Await returns a channel that delivers the handle for key as soon as
// one is registered (immediately if one already is). One-shot: the
// channel receives exactly one handle.
func (r *Registry) Await(key string) <-chan *Handle {
	ch := make(chan *Handle, 1)
	r.mu.Lock()
	if h, ok := r.procs[key]; ok {
		r.mu.Unlock()
		ch <- h
		return ch
	}
	r.waiters[key] = append(r.waiters[key], ch)
	r.mu.Unlock()
	return ch
}
