package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HandlerEntry binds an action to match filters within one category.
type HandlerEntry struct {
	ID       string
	Name     string
	Category Category
	Filters  []Filter
	// Priority orders entries within a category, higher first. Equal
	// priorities keep registration order.
	Priority int
	Action   HandlerFunc

	seq     uint64
	enabled atomic.Bool
}

// Enabled reports whether the entry takes part in resolution.
func (e *HandlerEntry) Enabled() bool { return e.enabled.Load() }

// Seq is the registration sequence number of the entry.
func (e *HandlerEntry) Seq() uint64 { return e.seq }

// Handle identifies a registration and removes or toggles it.
type Handle struct {
	ID     string
	remove func(id string) bool
	toggle func(id string, on bool) bool
}

// Remove unregisters the entry. It reports whether it was still present.
func (h Handle) Remove() bool {
	if h.remove == nil {
		return false
	}
	return h.remove(h.ID)
}

// Enable turns a disabled handler back on.
func (h Handle) Enable() bool {
	if h.toggle == nil {
		return false
	}
	return h.toggle(h.ID, true)
}

// Disable keeps a handler registered but skips it during resolution.
func (h Handle) Disable() bool {
	if h.toggle == nil {
		return false
	}
	return h.toggle(h.ID, false)
}

// Resolution is the result of matching one update against the registry.
type Resolution struct {
	Entry  *HandlerEntry
	Faults []error
	// Tested holds the filter evaluation time of every entry tried, in
	// evaluation order.
	Tested []time.Duration
}

// Registry stores handler entries grouped by category.
//
// Each group is an immutable sorted slice replaced on every change, so
// Resolve reads a snapshot without holding the lock during evaluation.
type Registry struct {
	mu     sync.RWMutex
	groups map[Category][]*HandlerEntry
	byID   map[string]*HandlerEntry
	seq    uint64
	faults atomic.Int64
	logger *slog.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		groups: make(map[Category][]*HandlerEntry),
		byID:   make(map[string]*HandlerEntry),
		logger: logger,
	}
}

// Add registers an entry. The entry's ID is generated when empty.
func (r *Registry) Add(e HandlerEntry) (Handle, error) {
	if e.Action == nil {
		return Handle{}, fmt.Errorf("handler %q has no action", e.Name)
	}
	if e.Category == CategoryUnknown {
		return Handle{}, fmt.Errorf("handler %q has no category", e.Name)
	}
	for _, f := range e.Filters {
		if f.Kind == FilterFunc && f.Func == nil {
			return Handle{}, fmt.Errorf("handler %q has a nil func filter", e.Name)
		}
		if f.Kind == FilterRegexp && f.Pattern == nil {
			return Handle{}, fmt.Errorf("handler %q has a nil regexp filter", e.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, exists := r.byID[e.ID]; exists {
		return Handle{}, fmt.Errorf("handler already registered: %s", e.ID)
	}

	r.seq++
	entry := &HandlerEntry{
		ID:       e.ID,
		Name:     e.Name,
		Category: e.Category,
		Filters:  append([]Filter(nil), e.Filters...),
		Priority: e.Priority,
		Action:   e.Action,
		seq:      r.seq,
	}
	if entry.Name == "" {
		entry.Name = fmt.Sprintf("%s#%d", entry.Category, entry.seq)
	}
	entry.enabled.Store(true)

	group := r.groups[entry.Category]
	// First position whose priority is strictly lower keeps ties in
	// registration order.
	idx := sort.Search(len(group), func(i int) bool {
		return group[i].Priority < entry.Priority
	})
	next := make([]*HandlerEntry, 0, len(group)+1)
	next = append(next, group[:idx]...)
	next = append(next, entry)
	next = append(next, group[idx:]...)
	r.groups[entry.Category] = next
	r.byID[entry.ID] = entry

	return Handle{ID: entry.ID, remove: r.Remove, toggle: r.SetEnabled}, nil
}

// On registers action for category and panics on an invalid registration.
func (r *Registry) On(category Category, name string, action HandlerFunc, filters ...Filter) Handle {
	h, err := r.Add(HandlerEntry{Name: name, Category: category, Action: action, Filters: filters})
	if err != nil {
		panic(err)
	}
	return h
}

func (r *Registry) OnMessage(name string, action HandlerFunc, filters ...Filter) Handle {
	return r.On(CategoryMessage, name, action, filters...)
}

func (r *Registry) OnEditedMessage(name string, action HandlerFunc, filters ...Filter) Handle {
	return r.On(CategoryEditedMessage, name, action, filters...)
}

func (r *Registry) OnCallbackQuery(name string, action HandlerFunc, filters ...Filter) Handle {
	return r.On(CategoryCallbackQuery, name, action, filters...)
}

func (r *Registry) OnInlineQuery(name string, action HandlerFunc, filters ...Filter) Handle {
	return r.On(CategoryInlineQuery, name, action, filters...)
}

// Remove unregisters the entry with the given id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	group := r.groups[entry.Category]
	next := make([]*HandlerEntry, 0, len(group))
	for _, e := range group {
		if e != entry {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(r.groups, entry.Category)
	} else {
		r.groups[entry.Category] = next
	}
	return true
}

// SetEnabled toggles the entry with the given id.
func (r *Registry) SetEnabled(id string, on bool) bool {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	entry.enabled.Store(on)
	return true
}

// Entries returns the entries of a category in evaluation order.
func (r *Registry) Entries(category Category) []*HandlerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*HandlerEntry(nil), r.groups[category]...)
}

// All returns every entry, grouped by category name and in evaluation
// order within a category.
func (r *Registry) All() []*HandlerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cats := make([]Category, 0, len(r.groups))
	for c := range r.groups {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	out := make([]*HandlerEntry, 0, len(r.byID))
	for _, c := range cats {
		out = append(out, r.groups[c]...)
	}
	return out
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Faults returns how many filter faults Resolve has recorded.
func (r *Registry) Faults() int64 {
	return r.faults.Load()
}

// Resolve returns the first enabled entry of the update's category whose
// filters all match. Evaluation stops at the first match. A faulting
// filter counts as a non-match for its entry.
func (r *Registry) Resolve(ctx context.Context, req *Request) Resolution {
	r.mu.RLock()
	group := r.groups[req.Update.Category()]
	r.mu.RUnlock()

	var res Resolution
	for _, e := range group {
		if !e.enabled.Load() {
			continue
		}

		start := time.Now()
		ok, err := e.test(ctx, req)
		res.Tested = append(res.Tested, time.Since(start))

		if err != nil {
			fault := &RegistryFault{Handler: e.Name, Err: err}
			res.Faults = append(res.Faults, fault)
			r.faults.Add(1)
			r.logger.Error("filter fault", "handler", e.Name, "update_id", req.Update.ID, "error", err)
			continue
		}
		if ok {
			res.Entry = e
			return res
		}
	}
	return res
}

func (e *HandlerEntry) test(ctx context.Context, req *Request) (bool, error) {
	for _, f := range e.Filters {
		ok, err := matchSafely(ctx, f, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchSafely(ctx context.Context, f Filter, req *Request) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, recoverPanic(r)
		}
	}()
	return f.Match(ctx, req)
}
