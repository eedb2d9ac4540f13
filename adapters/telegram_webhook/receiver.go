package telegram_webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"github.com/jdelaire/openbot/core"
	"github.com/jdelaire/openbot/core/source"
)

const (
	// SecretHeader carries the secret token Telegram echoes on every call.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	DefaultRoute     = "main"
	defaultQueueSize = 256
	bodyLimit        = "1M"
	shutdownTimeout  = 5 * time.Second
)

// Config configures a Receiver.
type Config struct {
	// Addr is the listen address. When empty Run does not listen and the
	// endpoint is served only through Handler.
	Addr string
	// BaseURL is the public https origin Telegram calls, used to register
	// the webhook. Empty skips registration.
	BaseURL string
	// Route is the path segment under /webhook/. See RouteFor.
	Route          string
	Secret         string
	AllowedUpdates []string
	QueueSize      int
	DedupWindow    int
}

// Stats counts webhook deliveries.
type Stats struct {
	Accepted   int64
	Duplicates int64
	Rejected   int64
	Overflowed int64
	Closed     int64
}

// Receiver is the webhook update source. Each POST carries one update;
// it is acknowledged immediately and queued for Run to hand to the sink.
// Updates acknowledged before Run returns are always handed to the sink.
type Receiver struct {
	cfg    Config
	api    core.APICaller
	logger *slog.Logger
	mux    *Mux
	window *source.Window
	queue  chan core.Update

	// closeMu orders queue writes against the final flush in Run.
	closeMu sync.RWMutex
	closed  bool

	accepted   atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	overflowed atomic.Int64
	refused    atomic.Int64
}

// New creates a webhook receiver. api is used to register the webhook and
// may be nil.
func New(cfg Config, api core.APICaller, logger *slog.Logger) *Receiver {
	if cfg.Route == "" {
		cfg.Route = DefaultRoute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Receiver{
		cfg:    cfg,
		api:    api,
		logger: logger,
		window: source.NewWindow(cfg.DedupWindow),
		queue:  make(chan core.Update, cfg.QueueSize),
	}

	r.mux = NewMux(logger)
	r.mux.mount(r)
	return r
}

// Handler exposes the HTTP endpoint of this receiver alone. Use a Mux to
// serve several bots on one listener.
func (r *Receiver) Handler() http.Handler {
	return r.mux.Handler()
}

// Route is the path segment this receiver answers on.
func (r *Receiver) Route() string { return r.cfg.Route }

// URL is the public webhook URL registered with Telegram.
func (r *Receiver) URL() string {
	return strings.TrimRight(r.cfg.BaseURL, "/") + "/webhook/" + url.PathEscape(r.cfg.Route) + "/"
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Accepted:   r.accepted.Load(),
		Duplicates: r.duplicates.Load(),
		Rejected:   r.rejected.Load(),
		Overflowed: r.overflowed.Load(),
		Closed:     r.refused.Load(),
	}
}

// Run registers the webhook if needed, serves the endpoint when Addr is
// set and feeds queued updates to sink until ctx is cancelled. On stop the
// receiver refuses new deliveries, then hands every queued update to sink
// before returning.
func (r *Receiver) Run(ctx context.Context, sink core.Sink) error {
	r.setClosed(false)
	var held []core.Update
	defer func() { r.flush(ctx, sink, held) }()

	if err := r.bootstrap(ctx); err != nil {
		if class, _ := core.Classify(err); class == core.ClassFatal {
			return &core.FatalError{Err: err}
		}
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("webhook registration failed, serving anyway", "error", err)
	}

	errCh := make(chan error, 1)
	if r.cfg.Addr != "" {
		go func() {
			if err := r.mux.Start(r.cfg.Addr); err != nil {
				errCh <- err
			}
		}()
		defer r.mux.Shutdown()
		r.logger.Info("webhook listening", "addr", r.cfg.Addr, "route", r.cfg.Route)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return &core.FatalError{Err: fmt.Errorf("webhook server: %w", err)}
		case u := <-r.queue:
			if err := sink(ctx, u); err != nil {
				held = append(held, u)
				return nil
			}
		}
	}
}

func (r *Receiver) setClosed(closed bool) {
	r.closeMu.Lock()
	r.closed = closed
	r.closeMu.Unlock()
}

// flush closes the receiver and hands held, then the queue, to sink.
// Deferred functions run in reverse, so the listener is already shut down.
func (r *Receiver) flush(ctx context.Context, sink core.Sink, held []core.Update) {
	r.setClosed(true)

	ctx = context.WithoutCancel(ctx)
	n := 0
	deliver := func(u core.Update) {
		if err := sink(ctx, u); err != nil {
			r.logger.Error("acknowledged update dropped", "update_id", u.ID, "error", err)
			return
		}
		n++
	}
	for _, u := range held {
		deliver(u)
	}
	for {
		select {
		case u := <-r.queue:
			deliver(u)
		default:
			r.logger.Info("webhook receiver stopped", "flushed", n)
			return
		}
	}
}

// bootstrap calls setWebhook only when the registered url differs.
func (r *Receiver) bootstrap(ctx context.Context) error {
	if r.api == nil || r.cfg.BaseURL == "" {
		return nil
	}

	raw, err := r.api.Call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return fmt.Errorf("get webhook info: %w", err)
	}
	want := r.URL()
	if current := gjson.GetBytes(raw, "url").String(); current == want {
		r.logger.Info("webhook already registered", "url", want)
		return nil
	}

	params := map[string]any{"url": want}
	if r.cfg.Secret != "" {
		params["secret_token"] = r.cfg.Secret
	}
	if r.cfg.AllowedUpdates != nil {
		params["allowed_updates"] = r.cfg.AllowedUpdates
	}
	if _, err := r.api.Call(ctx, "setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	r.logger.Info("webhook registered", "url", want)
	return nil
}

func (r *Receiver) handleUpdate(c echo.Context) error {
	if r.cfg.Secret != "" {
		got := c.Request().Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(r.cfg.Secret)) != 1 {
			r.rejected.Add(1)
			r.logger.Warn("webhook secret mismatch", "remote", c.RealIP())
			return c.NoContent(http.StatusForbidden)
		}
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "update_id").Exists() {
		r.rejected.Add(1)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid update")
	}

	var u core.Update
	if err := json.Unmarshal(body, &u); err != nil {
		r.rejected.Add(1)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid update")
	}

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		// Telegram redelivers until some instance accepts it.
		r.refused.Add(1)
		return c.NoContent(http.StatusServiceUnavailable)
	}

	if !r.window.Observe(u.ID) {
		r.duplicates.Add(1)
		r.logger.Debug("duplicate update dropped", "update_id", u.ID)
		return c.NoContent(http.StatusOK)
	}

	select {
	case r.queue <- u:
		r.accepted.Add(1)
		return c.NoContent(http.StatusOK)
	default:
		// Forget the id so Telegram's redelivery is accepted.
		r.window.Forget(u.ID)
		r.overflowed.Add(1)
		r.logger.Warn("webhook queue full", "update_id", u.ID)
		return c.NoContent(http.StatusServiceUnavailable)
	}
}
