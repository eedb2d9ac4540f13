package source

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jdelaire/openbot/core"
)

// DefaultPollTimeout is the long-poll timeout in seconds.
const DefaultPollTimeout = 30

// Fetcher is the part of the transport the poller needs.
type Fetcher interface {
	FetchUpdates(ctx context.Context, offset int64, timeout int) ([]core.Update, error)
}

// PollerConfig configures a Poller. Zero values select the defaults.
type PollerConfig struct {
	// Timeout is the long-poll timeout in seconds.
	Timeout int
	Backoff Backoff
	// Cursor, when set, restores the offset on start and saves it after
	// every batch.
	Cursor CursorStore
	// Offset is the initial offset when no cursor is saved.
	Offset int64
}

// Poller is the long-polling update source.
type Poller struct {
	fetcher Fetcher
	timeout int
	backoff Backoff
	cursor  CursorStore
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	offset   atomic.Int64
	attempts int
}

// NewPoller creates a Poller reading from f.
func NewPoller(f Fetcher, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		fetcher: f,
		timeout: cfg.Timeout,
		backoff: cfg.Backoff,
		cursor:  cfg.Cursor,
		logger:  logger,
		sleep:   sleepContext,
	}
	p.offset.Store(cfg.Offset)
	return p
}

// Offset returns the next offset to request: one past the last update
// handed to the sink.
func (p *Poller) Offset() int64 {
	return p.offset.Load()
}

// Run long-polls until ctx is cancelled. Updates are handed to sink in
// ascending id order and the offset advances past each one only once the
// sink accepted it. A non-retryable error is returned as *core.FatalError.
func (p *Poller) Run(ctx context.Context, sink core.Sink) error {
	if p.cursor != nil {
		saved, err := p.cursor.Load()
		if err != nil {
			p.logger.Warn("cursor load failed, starting from configured offset", "error", err)
		} else if saved > p.Offset() {
			p.offset.Store(saved)
		}
	}

	p.logger.Info("polling started", "offset", p.Offset(), "timeout", p.timeout)
	for {
		if ctx.Err() != nil {
			p.logger.Info("polling stopped", "offset", p.Offset())
			return nil
		}

		updates, err := p.fetcher.FetchUpdates(ctx, p.Offset(), p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("polling stopped", "offset", p.Offset())
				return nil
			}
			if err := p.retry(ctx, err); err != nil {
				var fatal *core.FatalError
				if errors.As(err, &fatal) {
					return err
				}
			}
			continue
		}

		p.attempts = 0
		if len(updates) == 0 {
			continue
		}
		p.deliver(ctx, updates, sink)
	}
}

func (p *Poller) deliver(ctx context.Context, updates []core.Update, sink core.Sink) {
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })

	start := p.Offset()
	for _, u := range updates {
		if u.ID < p.Offset() {
			p.logger.Debug("dropping already delivered update", "update_id", u.ID, "offset", p.Offset())
			continue
		}
		if err := sink(ctx, u); err != nil {
			p.logger.Debug("sink refused update", "update_id", u.ID, "error", err)
			break
		}
		p.offset.Store(u.ID + 1)
	}

	if p.cursor != nil && p.Offset() != start {
		if err := p.cursor.Save(p.Offset()); err != nil {
			p.logger.Warn("cursor save failed", "offset", p.Offset(), "error", err)
		}
	}
}

// retry waits according to the class of err. It returns a *core.FatalError
// when polling must stop, or the context error if ctx ends while waiting.
func (p *Poller) retry(ctx context.Context, err error) error {
	class, retryAfter := core.Classify(err)
	switch class {
	case core.ClassTimeout:
		p.logger.Debug("poll timed out, retrying", "error", err)
		return nil

	case core.ClassRateLimit:
		d := retryAfter
		if d <= 0 {
			d = p.backoff.Delay(p.attempts, false)
			p.attempts++
		}
		p.logger.Warn("rate limited", "retry_after", d, "error", err)
		return p.sleep(ctx, d)

	case core.ClassFatal:
		p.logger.Error("polling failed permanently", "error", err)
		return &core.FatalError{Err: err}

	default:
		d := p.backoff.Delay(p.attempts, true)
		p.attempts++
		p.logger.Warn("poll error, backing off", "delay", d, "attempt", p.attempts, "error", err)
		return p.sleep(ctx, d)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
