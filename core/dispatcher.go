package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jdelaire/openbot/core/state"
)

const (
	defaultWorkers       = 8
	defaultDrainTimeout  = 10 * time.Second
	metricsRecordTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by Run when the dispatcher is running.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// Task is the unit of dispatch for one update.
type Task struct {
	ID         string
	Update     Update
	Key        ConversationKey
	ReceivedAt time.Time
	Handler    *HandlerEntry
	Result     Result
}

// lane is the FIFO of tasks sharing one conversation key. At most one
// goroutine drains a lane at a time.
type lane struct {
	queue []*Task
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithPipeline(p *Pipeline) Option { return func(d *Dispatcher) { d.pipeline = p } }

func WithAPI(api APICaller) Option { return func(d *Dispatcher) { d.api = api } }

func WithStateStore(s state.Store) Option { return func(d *Dispatcher) { d.store = s } }

func WithMetrics(m MetricsSink) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithBotPrefix(prefix string) Option { return func(d *Dispatcher) { d.prefix = prefix } }

// WithDrainTimeout bounds how long Run waits for in-flight tasks on stop.
func WithDrainTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.drainTimeout = t
		}
	}
}

// WithWorkers bounds how many conversation lanes run concurrently.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// Dispatcher pulls updates from a Source and runs each through the
// middleware pipeline and the resolved handler.
type Dispatcher struct {
	source       Source
	registry     *Registry
	pipeline     *Pipeline
	api          APICaller
	store        state.Store
	metrics      MetricsSink
	logger       *slog.Logger
	prefix       string
	workers      int
	drainTimeout time.Duration
	now          func() time.Time
	stats        counters

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
}

// run is the lane state of one Run call. Lanes abandoned by a timed-out
// drain keep their own run and cannot affect the next one.
type run struct {
	sem        chan struct{}
	wg         sync.WaitGroup
	lanesMu    sync.Mutex
	lanes      map[string]*lane
	abandoning atomic.Bool
	handlerCtx context.Context
	abort      context.CancelFunc
}

func newRun(ctx context.Context, workers int) *run {
	r := &run{
		sem:   make(chan struct{}, workers),
		lanes: make(map[string]*lane),
	}
	r.handlerCtx, r.abort = context.WithCancel(context.WithoutCancel(ctx))
	return r
}

// NewDispatcher creates a Dispatcher reading from src and resolving
// handlers in reg.
func NewDispatcher(src Source, reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:       src,
		registry:     reg,
		workers:      defaultWorkers,
		drainTimeout: defaultDrainTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.pipeline == nil {
		d.pipeline = NewPipeline(d.logger)
	}
	if d.store == nil {
		d.store = state.NewMemory()
	}
	return d
}

// Store returns the conversation state store.
func (d *Dispatcher) Store() state.Store { return d.store }

// Run ingests and dispatches updates. It blocks until Stop is called, ctx
// is cancelled, or the source fails fatally; the fatal error is returned.
// In-flight tasks are drained before Run returns. A Dispatcher may be run
// again after Run returns, unless it was stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.logger.Info("dispatcher started", "workers", d.workers, "handlers", d.registry.Len(), "middlewares", d.pipeline.Len())

	r := newRun(ctx, d.workers)
	err := d.source.Run(runCtx, func(ctx context.Context, u Update) error {
		return d.intake(ctx, r, u)
	})
	d.drain(r)

	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("update source failed", "error", err)
		return fmt.Errorf("update source: %w", err)
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// Stop ends ingestion. Run drains in-flight tasks and returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	}
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:         d.stats.received.Load(),
		Handled:          d.stats.handled.Load(),
		HandledWithFault: d.stats.handledWithFault.Load(),
		NoHandler:        d.stats.noHandler.Load(),
		Halted:           d.stats.halted.Load(),
		MiddlewareFaults: d.stats.middlewareFaults.Load(),
		RegistryFaults:   d.registry.Faults(),
		Abandoned:        d.stats.abandoned.Load(),
	}
}

// intake is the Sink handed to the source. It queues u behind earlier
// updates of the same conversation, or starts a new lane once a worker
// slot is free.
func (d *Dispatcher) intake(ctx context.Context, r *run, u Update) error {
	task := &Task{
		ID:         uuid.New().String(),
		Update:     u,
		Key:        KeyOf(u),
		ReceivedAt: d.now(),
	}
	laneKey := task.Key.String()
	if task.Key.IsZero() {
		laneKey = "update:" + strconv.FormatInt(u.ID, 10)
	}

	if d.enqueue(r, laneKey, task) {
		return nil
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.lanesMu.Lock()
	if l, ok := r.lanes[laneKey]; ok {
		l.queue = append(l.queue, task)
		r.lanesMu.Unlock()
		<-r.sem
		d.stats.received.Add(1)
		return nil
	}
	l := &lane{queue: []*Task{task}}
	r.lanes[laneKey] = l
	r.wg.Add(1)
	r.lanesMu.Unlock()
	d.stats.received.Add(1)

	go d.runLane(r, laneKey, l)
	return nil
}

func (d *Dispatcher) enqueue(r *run, laneKey string, task *Task) bool {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()
	l, ok := r.lanes[laneKey]
	if !ok {
		return false
	}
	l.queue = append(l.queue, task)
	d.stats.received.Add(1)
	return true
}

func (d *Dispatcher) runLane(r *run, key string, l *lane) {
	defer r.wg.Done()
	defer func() { <-r.sem }()

	for {
		r.lanesMu.Lock()
		if len(l.queue) == 0 {
			delete(r.lanes, key)
			r.lanesMu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		r.lanesMu.Unlock()

		if r.abandoning.Load() {
			d.stats.abandoned.Add(1)
			d.logger.Warn("task abandoned", "task_id", task.ID, "update_id", task.Update.ID)
			continue
		}
		d.process(r.handlerCtx, task)
	}
}

// drain waits for running lanes. After the drain timeout the handler
// context is cancelled and queued tasks are abandoned.
func (d *Dispatcher) drain(r *run) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		r.abort()
		return
	case <-timer.C:
	}

	lanes, queued := r.pending()
	d.logger.Warn("drain timeout exceeded, abandoning tasks",
		"timeout", d.drainTimeout, "active_lanes", lanes, "queued", queued)
	r.abandoning.Store(true)
	r.abort()
}

func (r *run) pending() (lanes, queued int) {
	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()
	for _, l := range r.lanes {
		queued += len(l.queue)
	}
	return len(r.lanes), queued
}

func (d *Dispatcher) process(ctx context.Context, task *Task) {
	start := d.now()
	logger := d.logger.With("task_id", task.ID, "update_id", task.Update.ID)
	req := NewRequest(task.Update, d.api, d.store, logger)

	var tested []time.Duration
	res := d.pipeline.Run(ctx, req, func(ctx context.Context, req *Request) Result {
		resolution := d.registry.Resolve(ctx, req)
		tested = resolution.Tested
		entry := resolution.Entry
		if entry == nil {
			return Result{Outcome: OutcomeNoHandler}
		}
		task.Handler = entry

		if err := callSafely(ctx, entry.Action, req); err != nil {
			return Result{
				Outcome: OutcomeHandledWithFault,
				Handler: entry.Name,
				Err:     &HandlerFault{Handler: entry.Name, UpdateID: task.Update.ID, Err: err},
			}
		}
		return Result{Outcome: OutcomeHandled, Handler: entry.Name}
	})
	task.Result = res
	d.stats.observe(res)
	elapsed := d.now().Sub(start)

	switch res.Outcome {
	case OutcomeHandledWithFault:
		logger.Error("handler fault", "handler", res.Handler, "error", res.Err)
	case OutcomeHalted:
		logger.Debug("update halted", "middleware", res.HaltedBy)
	case OutcomeNoHandler:
		logger.Debug("no handler matched", "category", task.Update.Category())
	default:
		logger.Debug("update handled", "handler", res.Handler, "elapsed", elapsed)
	}

	d.record(ctx, task, req, tested, elapsed)
}

func (d *Dispatcher) record(ctx context.Context, task *Task, req *Request, tested []time.Duration, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	m := UpdateMetrics{
		TaskID:               task.ID,
		BotPrefix:            d.prefix,
		UpdateID:             task.Update.ID,
		ReceivedAt:           task.ReceivedAt,
		Category:             task.Update.Category(),
		User:                 userInfo(task.Update),
		Message:              messageInfo(task.Update),
		HandlerTestDurations: tested,
		ProcessingDuration:   elapsed,
		Outcome:              task.Result.Outcome.String(),
		HandlerMetrics:       req.Metrics(),
		Fault:                faultInfo(task.Result.Err),
	}
	if task.Handler != nil {
		m.MatchedHandler = task.Handler.Name
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsRecordTimeout)
	defer cancel()
	if err := d.metrics.Record(ctx, m); err != nil {
		d.logger.Warn("metrics record failed", "task_id", task.ID, "error", err)
	}
}

func callSafely(ctx context.Context, fn HandlerFunc, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverPanic(r)
		}
	}()
	return fn(ctx, req)
}
