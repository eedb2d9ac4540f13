package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Verdict is returned by a pre-process hook.
type Verdict int

const (
	Continue Verdict = iota
	Halt
)

// Outcome classifies how dispatch of one update ended.
type Outcome int

const (
	OutcomeHandled Outcome = iota
	OutcomeHandledWithFault
	OutcomeNoHandler
	OutcomeHalted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeHandledWithFault:
		return "handled-with-fault"
	case OutcomeNoHandler:
		return "no-handler"
	case OutcomeHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Result is what post-process hooks observe.
type Result struct {
	Outcome Outcome
	// Handler is the name of the resolved handler, empty when none ran.
	Handler string
	// HaltedBy names the middleware that stopped pre-processing.
	HaltedBy string
	// Err is the HandlerFault or MiddlewareFault behind the outcome.
	Err error
}

// PreFunc runs before the handler. Returning an error halts like Halt and
// is reported as a MiddlewareFault.
type PreFunc func(ctx context.Context, req *Request) (Verdict, error)

// PostFunc runs after the handler, or after a halt.
type PostFunc func(ctx context.Context, req *Request, res Result)

// Middleware is a pre/post hook pair. Either hook may be nil.
type Middleware struct {
	Name string
	Pre  PreFunc
	Post PostFunc
}

type middlewareEntry struct {
	id string
	m  Middleware
}

// Pipeline runs middleware around dispatch of a single update.
type Pipeline struct {
	mu      sync.RWMutex
	entries []middlewareEntry
	logger  *slog.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger}
}

// Use appends m to the chain.
func (p *Pipeline) Use(m Middleware) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.New().String()
	if m.Name == "" {
		m.Name = "middleware-" + id[:8]
	}
	next := make([]middlewareEntry, 0, len(p.entries)+1)
	next = append(next, p.entries...)
	p.entries = append(next, middlewareEntry{id: id, m: m})
	return Handle{ID: id, remove: p.Remove}
}

// Remove drops the middleware with the given id.
func (p *Pipeline) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.id == id {
			next := make([]middlewareEntry, 0, len(p.entries)-1)
			next = append(next, p.entries[:i]...)
			p.entries = append(next, p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of middlewares.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Run executes pre hooks in order, then inner unless a hook halted, then
// the post hooks of every middleware whose pre hook ran, last first.
func (p *Pipeline) Run(ctx context.Context, req *Request, inner func(context.Context, *Request) Result) Result {
	p.mu.RLock()
	chain := p.entries
	p.mu.RUnlock()

	ran := 0
	var res Result
	halted := false

	for _, e := range chain {
		ran++
		verdict, err := p.pre(ctx, e.m, req)
		if err != nil {
			fault := &MiddlewareFault{Middleware: e.m.Name, Stage: "pre", Err: err}
			p.logger.Error("middleware fault", "middleware", e.m.Name, "stage", "pre", "update_id", req.Update.ID, "error", err)
			res = Result{Outcome: OutcomeHalted, HaltedBy: e.m.Name, Err: fault}
			halted = true
			break
		}
		if verdict == Halt {
			res = Result{Outcome: OutcomeHalted, HaltedBy: e.m.Name}
			halted = true
			break
		}
	}

	if !halted {
		res = inner(ctx, req)
	}

	for i := ran - 1; i >= 0; i-- {
		m := chain[i].m
		if err := p.post(ctx, m, req, res); err != nil {
			p.logger.Error("middleware fault", "middleware", m.Name, "stage", "post", "update_id", req.Update.ID, "error", err)
		}
	}
	return res
}

func (p *Pipeline) pre(ctx context.Context, m Middleware, req *Request) (v Verdict, err error) {
	if m.Pre == nil {
		return Continue, nil
	}
	defer func() {
		if r := recover(); r != nil {
			v, err = Halt, recoverPanic(r)
		}
	}()
	return m.Pre(ctx, req)
}

func (p *Pipeline) post(ctx context.Context, m Middleware, req *Request, res Result) (err error) {
	if m.Post == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = recoverPanic(r)
		}
	}()
	m.Post(ctx, req, res)
	return nil
}

// IsHandlerFault reports whether res carries a handler fault.
func (res Result) IsHandlerFault() bool {
	var hf *HandlerFault
	return errors.As(res.Err, &hf)
}
