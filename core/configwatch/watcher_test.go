package configwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jdelaire/openbot/core/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// touch rewrites path with a modification time distinct from the last one.
func touch(t *testing.T, path, content string, at time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	base := time.Now().Add(-time.Hour)
	touch(t, path, `[1]`, base)

	var calls int
	w := New(time.Hour, testLogger())
	w.Watch(path, func(string) error {
		calls++
		return nil
	})

	w.poll()
	if calls != 0 {
		t.Fatalf("callback fired %d times without file change", calls)
	}

	touch(t, path, `[2]`, base.Add(time.Minute))
	w.poll()
	w.poll()
	if calls != 1 {
		t.Errorf("expected exactly one reload, got %d", calls)
	}
}

func TestWatcherRetriesFailedReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	base := time.Now().Add(-time.Hour)
	touch(t, path, `[1]`, base)

	fail := true
	var calls int
	w := New(time.Hour, testLogger())
	w.Watch(path, func(string) error {
		calls++
		if fail {
			return errors.New("half written")
		}
		return nil
	})

	touch(t, path, `[1,`, base.Add(time.Minute))
	w.poll()
	fail = false
	w.poll()
	w.poll()
	if calls != 2 {
		t.Errorf("expected the failed reload to be retried once, got %d calls", calls)
	}
}

func TestWatcherIgnoresDeletedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	touch(t, path, `[1]`, time.Now().Add(-time.Hour))

	var calls int
	w := New(time.Hour, testLogger())
	w.Watch(path, func(string) error {
		calls++
		return nil
	})

	os.Remove(path)
	w.poll()
	if calls != 0 {
		t.Errorf("callback fired %d times for deleted file", calls)
	}
}

func TestWatcherPicksUpNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	var calls int
	w := New(time.Hour, testLogger())
	w.Watch(path, func(string) error {
		calls++
		return nil
	})

	touch(t, path, `[1]`, time.Now())
	w.poll()
	if calls != 1 {
		t.Errorf("expected reload when the file appears, got %d", calls)
	}
}

func TestWatcherReloadsPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	base := time.Now().Add(-time.Hour)
	touch(t, path, `[1]`, base)

	pol := policy.New([]int64{1}, 0)
	w := New(time.Hour, testLogger())
	w.Watch(path, pol.Reload)

	touch(t, path, `[2]`, base.Add(time.Minute))
	w.poll()

	if err := pol.Authorize(2, time.Time{}); err != nil {
		t.Errorf("chat 2 should be allowed after reload: %v", err)
	}
	if err := pol.Authorize(1, time.Time{}); !errors.Is(err, policy.ErrUnauthorizedChat) {
		t.Errorf("chat 1 should be denied after reload, got %v", err)
	}
}

func TestWatcherStopsOnContextCancel(t *testing.T) {
	w := New(50*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancel")
	}
}
