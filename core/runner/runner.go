// Package runner runs the dispatcher alongside background jobs and holds
// shutdown until every registered condition allows it.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCheckInterval   = 500 * time.Millisecond
	defaultShutdownTimeout = 30 * time.Second
)

// Job is a background task. It must return once ctx is done.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Condition delays shutdown while Ready reports false.
type Condition interface {
	Ready() bool
	Description() string
}

// Guard is a Condition held while a job does work that must not be cut
// short. It may be held by several goroutines at once.
type Guard struct {
	reason string
	held   atomic.Int64
}

func NewGuard(reason string) *Guard {
	return &Guard{reason: reason}
}

// Hold marks the guard busy until release is called. Calling release more
// than once has no further effect.
func (g *Guard) Hold() (release func()) {
	g.held.Add(1)
	var once sync.Once
	return func() { once.Do(func() { g.held.Add(-1) }) }
}

// Do runs fn while holding the guard.
func (g *Guard) Do(fn func() error) error {
	defer g.Hold()()
	return fn()
}

func (g *Guard) Ready() bool { return g.held.Load() == 0 }

func (g *Guard) Description() string { return "preventing shutdown, " + g.reason }

// Option configures a Runner.
type Option func(*Runner)

// WithCheckInterval sets how often conditions are polled during shutdown.
func WithCheckInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.checkInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long Run waits for conditions.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// Runner owns the background jobs of one bot.
type Runner struct {
	logger          *slog.Logger
	checkInterval   time.Duration
	shutdownTimeout time.Duration
	shuttingDown    atomic.Bool

	mu         sync.Mutex
	jobs       []Job
	conditions []Condition
}

func New(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		logger:          logger,
		checkInterval:   defaultCheckInterval,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go registers a job started by Run.
func (r *Runner) Go(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

// Guard creates a Guard and registers it as a shutdown condition.
func (r *Runner) Guard(reason string) *Guard {
	g := NewGuard(reason)
	r.AddCondition(g)
	return g
}

func (r *Runner) AddCondition(c Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions = append(r.conditions, c)
}

// ShuttingDown reports whether shutdown was requested. Jobs may check it
// before starting new work.
func (r *Runner) ShuttingDown() bool { return r.shuttingDown.Load() }

// Run starts the jobs, then runs main with ctx. main is expected to return
// once ctx is done. After ctx is cancelled Run waits until every condition
// is ready, or the shutdown timeout passes, before cancelling the jobs.
// If main returns while ctx is still live, the jobs are cancelled at once.
// Run returns main's error after every job has returned.
func (r *Runner) Run(ctx context.Context, main func(context.Context) error) error {
	r.mu.Lock()
	jobs := append([]Job(nil), r.jobs...)
	r.mu.Unlock()

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.runJob(jobCtx, job)
		}(job)
	}
	r.logger.Info("background jobs started", "jobs", len(jobs))

	mainErr := make(chan error, 1)
	go func() { mainErr <- main(ctx) }()

	var err error
	mainDone := false
	select {
	case err = <-mainErr:
		mainDone = true
	case <-ctx.Done():
	}

	if ctx.Err() != nil {
		r.shuttingDown.Store(true)
		r.logger.Info("shutdown requested, checking shutdown conditions")
		r.awaitConditions()
	}
	if !mainDone {
		err = <-mainErr
	}

	cancelJobs()
	wg.Wait()
	r.logger.Info("background jobs stopped")
	return err
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	logger := r.logger.With("job", job.Name)
	defer func() {
		if v := recover(); v != nil {
			logger.Error("background job panicked", "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
		}
	}()
	if err := job.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("background job failed", "error", err)
		return
	}
	logger.Debug("background job returned")
}

func (r *Runner) awaitConditions() {
	deadline := time.NewTimer(r.shutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		blocking := r.blocking()
		if blocking == nil {
			r.logger.Info("all shutdown conditions satisfied")
			return
		}
		r.logger.Info("shutdown condition not satisfied yet, waiting", "condition", blocking.Description())

		select {
		case <-deadline.C:
			r.logger.Warn("shutdown timeout exceeded, stopping anyway",
				"timeout", r.shutdownTimeout, "condition", blocking.Description())
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) blocking() Condition {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conditions {
		if !c.Ready() {
			return c
		}
	}
	return nil
}
