package source

import "sync"

// DefaultWindow is the number of update ids a Window remembers.
const DefaultWindow = 10000

// Window is a bounded set of recently seen update ids. Once full, the
// oldest id is evicted for each new one.
type Window struct {
	mu    sync.Mutex
	size  int
	seen  map[int64]struct{}
	order []int64
}

// NewWindow creates a window remembering up to size ids.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{
		size: size,
		seen: make(map[int64]struct{}, size),
	}
}

// Observe records id and reports whether it was not seen before.
func (w *Window) Observe(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[id]; dup {
		return false
	}

	for len(w.seen) >= w.size && len(w.order) > 0 {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}

	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	return true
}

// Forget removes id so a redelivery is accepted again.
func (w *Window) Forget(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[id]; !ok {
		return
	}
	delete(w.seen, id)
	// The forgotten id is almost always the newest.
	for i := len(w.order) - 1; i >= 0; i-- {
		if w.order[i] == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of remembered ids.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
