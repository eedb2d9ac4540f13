package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jdelaire/openbot/core/state"
)

// APICaller invokes a remote API method.
type APICaller interface {
	Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

// Transport is the remote API boundary consumed by the engine.
type Transport interface {
	APICaller
	// FetchUpdates long-polls for updates with id >= offset, waiting up to
	// timeout seconds when none are pending.
	FetchUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
}

// Sink accepts one update into the dispatcher's intake. It blocks while
// the worker pool is saturated and fails only when ctx is done.
type Sink func(ctx context.Context, u Update) error

// Source produces updates until ctx is cancelled. It returns nil on
// cancellation and a *FatalError when ingestion cannot continue.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// HandlerFunc is a handler action.
type HandlerFunc func(ctx context.Context, req *Request) error

// Request is the per-update context object handed to filters, middleware
// and handlers.
type Request struct {
	Update Update
	Key    ConversationKey
	API    APICaller
	State  StateScope
	Logger *slog.Logger

	mu      sync.Mutex
	values  map[string]any
	metrics map[string]any
}

// NewRequest builds a Request for u. store may be nil.
func NewRequest(u Update, api APICaller, store state.Store, logger *slog.Logger) *Request {
	key := KeyOf(u)
	return &Request{
		Update: u,
		Key:    key,
		API:    api,
		State:  newStateScope(store, key),
		Logger: logger,
	}
}

// Set stores a value for later middleware or the handler.
func (r *Request) Set(key string, val any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string]any)
	}
	r.values[key] = val
}

// Get retrieves a value stored with Set.
func (r *Request) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// AddMetric attaches a value to the metrics record of this update.
func (r *Request) AddMetric(key string, val any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics == nil {
		r.metrics = make(map[string]any)
	}
	r.metrics[key] = val
}

// Metrics returns a copy of the values added with AddMetric, or nil.
func (r *Request) Metrics() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.metrics) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.metrics))
	for k, v := range r.metrics {
		out[k] = v
	}
	return out
}

// StateScope is the state store bound to one conversation key. Updates
// without a conversation (the zero key) have no state: Get reports not
// found and writes fail with ErrNoConversation.
type StateScope struct {
	store state.Store
	key   string
}

func newStateScope(store state.Store, key ConversationKey) StateScope {
	if key.IsZero() {
		return StateScope{store: store}
	}
	return StateScope{store: store, key: key.String()}
}

func (s StateScope) Get(ctx context.Context) (string, bool, error) {
	if s.store == nil || s.key == "" {
		return "", false, nil
	}
	return s.store.Get(ctx, s.key)
}

func (s StateScope) Set(ctx context.Context, value string) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.store.Set(ctx, s.key, value)
}

func (s StateScope) Delete(ctx context.Context) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.key)
}

func (s StateScope) writable() error {
	switch {
	case s.store == nil:
		return errNoStateStore
	case s.key == "":
		return ErrNoConversation
	}
	return nil
}
