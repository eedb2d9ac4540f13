package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdelaire/openbot/core/policy"
	"github.com/jdelaire/openbot/core/ratelimit"
)

const startedAtKey = "openbot.started_at"

// LoggingMiddleware logs one line per update with its outcome and duration.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return Middleware{
		Name: "logging",
		Pre: func(_ context.Context, req *Request) (Verdict, error) {
			req.Set(startedAtKey, time.Now())
			return Continue, nil
		},
		Post: func(_ context.Context, req *Request, res Result) {
			var elapsed time.Duration
			if v, ok := req.Get(startedAtKey); ok {
				elapsed = time.Since(v.(time.Time))
			}
			attrs := []any{
				"update_id", req.Update.ID,
				"category", req.Update.Category(),
				"chat_id", req.Key.ChatID,
				"user_id", req.Key.UserID,
				"outcome", res.Outcome.String(),
				"elapsed", elapsed,
			}
			if res.Handler != "" {
				attrs = append(attrs, "handler", res.Handler)
			}
			if res.HaltedBy != "" {
				attrs = append(attrs, "halted_by", res.HaltedBy)
			}
			logger.Info("update processed", attrs...)
		},
	}
}

// PolicyGate halts updates from chats outside the allowlist and updates
// older than the policy's freshness window. Updates without a chat are
// checked against the sender's id.
func PolicyGate(p *policy.Policy, logger *slog.Logger) Middleware {
	return Middleware{
		Name: "policy",
		Pre: func(_ context.Context, req *Request) (Verdict, error) {
			id := req.Key.ChatID
			if id == 0 {
				id = req.Key.UserID
			}
			if err := p.Authorize(id, req.Update.SentAt()); err != nil {
				logger.Warn("update rejected", "update_id", req.Update.ID, "reason", err)
				return Halt, nil
			}
			return Continue, nil
		},
	}
}

// ThrottleGate halts updates from conversations that exceed the flood
// limit. Updates without a conversation key pass.
func ThrottleGate(l *ratelimit.Limiter, logger *slog.Logger) Middleware {
	return Middleware{
		Name: "throttle",
		Pre: func(_ context.Context, req *Request) (Verdict, error) {
			if req.Key.IsZero() {
				return Continue, nil
			}
			if err := l.Allow(req.Key.String()); err != nil {
				logger.Warn("update throttled", "update_id", req.Update.ID, "key", req.Key.String(), "reason", err)
				return Halt, nil
			}
			return Continue, nil
		},
	}
}
