package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jdelaire/openbot/adapters/kafka_metrics"
	"github.com/jdelaire/openbot/adapters/nats_state"
	"github.com/jdelaire/openbot/adapters/telegram_transport"
	"github.com/jdelaire/openbot/adapters/telegram_webhook"
	"github.com/jdelaire/openbot/core"
	"github.com/jdelaire/openbot/core/configwatch"
	"github.com/jdelaire/openbot/core/control"
	"github.com/jdelaire/openbot/core/policy"
	"github.com/jdelaire/openbot/core/ratelimit"
	"github.com/jdelaire/openbot/core/runner"
	"github.com/jdelaire/openbot/core/source"
	"github.com/jdelaire/openbot/internal/config"
	"github.com/jdelaire/openbot/internal/logging"
)

const (
	watchInterval = 2 * time.Second
	pruneInterval = time.Minute
)

func main() {
	// Values from a local .env file override the environment.
	if err := godotenv.Overload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, ".env load warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bot stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client := telegram_transport.New(cfg.Token, logger).
		WithBaseURL(cfg.APIURL).
		WithLimit(cfg.Poll.Limit).
		WithAllowedUpdates(cfg.Poll.AllowedUpdates)

	me, err := client.GetMe(ctx)
	if err != nil {
		if class, _ := core.Classify(err); class == core.ClassFatal {
			return fmt.Errorf("getMe: %w", err)
		}
		logger.Warn("getMe failed, continuing", "error", err)
	} else {
		logger.Info("bot identified", "username", me.Username, "id", me.ID)
	}

	registry := core.NewRegistry(logger)
	registerHandlers(registry)

	jobs := runner.New(logger, runner.WithShutdownTimeout(cfg.Dispatch.ShutdownTimeout))

	pipeline, err := buildPipeline(cfg, jobs, logger)
	if err != nil {
		return err
	}

	src, err := buildSource(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	opts := []core.Option{
		core.WithPipeline(pipeline),
		core.WithAPI(client),
		core.WithLogger(logger),
		core.WithBotPrefix(cfg.Prefix),
		core.WithWorkers(cfg.Dispatch.Workers),
		core.WithDrainTimeout(cfg.Dispatch.DrainTimeout),
	}

	if cfg.NATS.URL != "" {
		store, err := nats_state.Open(ctx, cfg.NATS.URL, cfg.NATS.Bucket, cfg.NATS.TTL)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, core.WithStateStore(store))
		logger.Info("conversation state in nats", "bucket", cfg.NATS.Bucket)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafka_metrics.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("close metrics sink", "error", err)
			}
		}()
		opts = append(opts, core.WithMetrics(sink))
		logger.Info("update metrics to kafka", "topic", cfg.Kafka.Topic)
	}

	d := core.NewDispatcher(src, registry, opts...)

	if cfg.ControlSocket != "" {
		srv := control.NewServer(cfg.ControlSocket, control.NewBackend(d, registry), logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		defer srv.Shutdown()
	}

	return jobs.Run(ctx, d.Run)
}

func buildPipeline(cfg *config.Config, jobs *runner.Runner, logger *slog.Logger) (*core.Pipeline, error) {
	p := core.NewPipeline(logger)
	p.Use(core.LoggingMiddleware(logger))

	pol := policy.New(cfg.Policy.AllowedChats, cfg.Policy.Freshness)
	if path := cfg.Policy.AllowlistFile; path != "" {
		if err := pol.Reload(path); err != nil {
			return nil, err
		}
		// A reload in progress finishes before the process exits.
		reloading := jobs.Guard("reloading allowlist")
		w := configwatch.New(watchInterval, logger)
		w.Watch(path, func(path string) error {
			return reloading.Do(func() error { return pol.Reload(path) })
		})
		jobs.Go(runner.Job{Name: "allowlist-watch", Run: func(ctx context.Context) error {
			w.Run(ctx)
			return nil
		}})
	}
	p.Use(core.PolicyGate(pol, logger))

	if cfg.Flood.Limit > 0 {
		limiter := ratelimit.New(cfg.Flood.Limit, cfg.Flood.Window)
		p.Use(core.ThrottleGate(limiter, logger))
		jobs.Go(runner.Job{Name: "flood-prune", Run: func(ctx context.Context) error {
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					limiter.Prune()
				}
			}
		}})
	}
	return p, nil
}

func buildSource(ctx context.Context, cfg *config.Config, client *telegram_transport.Client, logger *slog.Logger) (core.Source, error) {
	if cfg.Mode == config.ModeWebhook {
		route := cfg.Webhook.Route
		if route == "" {
			route = telegram_webhook.RouteFor(cfg.Prefix, cfg.Token)
		}
		return telegram_webhook.New(telegram_webhook.Config{
			Addr:           cfg.Webhook.Addr,
			BaseURL:        cfg.Webhook.BaseURL,
			Route:          route,
			Secret:         cfg.Webhook.Secret,
			AllowedUpdates: cfg.Poll.AllowedUpdates,
			QueueSize:      cfg.Webhook.QueueSize,
			DedupWindow:    cfg.Webhook.DedupWindow,
		}, client, logger), nil
	}

	// getUpdates is refused while a webhook is registered.
	info, err := client.GetWebhookInfo(ctx)
	switch {
	case err != nil:
		logger.Warn("getWebhookInfo failed", "error", err)
	case info.URL != "":
		logger.Info("removing webhook for polling", "url", info.URL, "pending", info.PendingUpdateCount)
		if err := client.DeleteWebhook(ctx, false); err != nil {
			return nil, fmt.Errorf("delete webhook: %w", err)
		}
	}

	pc := source.PollerConfig{
		Timeout: cfg.Poll.Timeout,
		Backoff: source.Backoff{
			Floor:   cfg.Backoff.Floor,
			Ceiling: cfg.Backoff.Ceiling,
			Jitter:  cfg.Backoff.Jitter,
		},
	}
	if cfg.Poll.CursorFile != "" {
		pc.Cursor = source.NewFileCursor(cfg.Poll.CursorFile)
	}
	return source.NewPoller(client, pc, logger), nil
}
