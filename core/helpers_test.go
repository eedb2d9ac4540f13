package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jdelaire/openbot/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textUpdate(id, chatID, userID int64, text string) Update {
	return Update{
		ID: id,
		Message: &Message{
			MessageID: id,
			Chat:      Chat{ID: chatID, Type: "private"},
			From:      &User{ID: userID, FirstName: "T"},
			Date:      time.Now().Unix(),
			Text:      text,
		},
	}
}

func callbackUpdate(id, chatID, userID int64, data string) Update {
	return Update{
		ID: id,
		CallbackQuery: &CallbackQuery{
			ID:      "cb",
			From:    User{ID: userID},
			Message: &Message{Chat: Chat{ID: chatID, Type: "private"}},
			Data:    data,
		},
	}
}

func newRequest(u Update) *Request {
	return NewRequest(u, nil, state.NewMemory(), testLogger())
}

// sliceSource hands its updates to the sink, then returns err.
type sliceSource struct {
	updates []Update
	err     error
	calls   int
}

func (s *sliceSource) Run(ctx context.Context, sink Sink) error {
	s.calls++
	for _, u := range s.updates {
		if err := sink(ctx, u); err != nil {
			return nil
		}
	}
	return s.err
}

// batchSource hands the next batch to the sink on every Run.
type batchSource struct {
	batches [][]Update
	calls   int
}

func (s *batchSource) Run(ctx context.Context, sink Sink) error {
	if s.calls >= len(s.batches) {
		return nil
	}
	batch := s.batches[s.calls]
	s.calls++
	for _, u := range batch {
		if err := sink(ctx, u); err != nil {
			return nil
		}
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// levelRecorder is a slog.Handler that keeps the level and message of
// every record.
type levelRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *levelRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (h *levelRecorder) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *levelRecorder) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *levelRecorder) WithGroup(string) slog.Handler      { return h }

func (h *levelRecorder) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}
