package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// untilDone is a main that behaves like the dispatcher: it returns once
// ctx is cancelled.
func untilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestRunnerWaitsForGuardedWork(t *testing.T) {
	r := New(testLogger(), WithCheckInterval(5*time.Millisecond))
	guard := r.Guard("flushing report")

	holding := make(chan struct{})
	var completed, ticksAfterStop atomic.Bool
	r.Go(Job{Name: "report", Run: func(ctx context.Context) error {
		release := guard.Hold()
		close(holding)
		time.Sleep(100 * time.Millisecond)
		completed.Store(true)
		release()
		<-ctx.Done()
		return ctx.Err()
	}})

	var ticks atomic.Int32
	r.Go(Job{Name: "ticker", Run: func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
				ticks.Add(1)
				if r.ShuttingDown() {
					ticksAfterStop.Store(true)
				}
			}
		}
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, untilDone) }()

	<-holding
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if !completed.Load() {
		t.Error("shutdown did not wait for the guarded work")
	}
	if !ticksAfterStop.Load() {
		t.Error("background jobs should keep running until conditions are met")
	}
	if !r.ShuttingDown() {
		t.Error("ShuttingDown() = false after cancellation")
	}
}

func TestRunnerShutdownTimeout(t *testing.T) {
	r := New(testLogger(), WithCheckInterval(5*time.Millisecond), WithShutdownTimeout(50*time.Millisecond))
	release := r.Guard("never finishes").Hold()
	defer release()

	var stopped atomic.Bool
	r.Go(Job{Name: "idle", Run: func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := r.Run(ctx, untilDone); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("Run returned after %v, want about the shutdown timeout", elapsed)
	}
	if !stopped.Load() {
		t.Error("job was not cancelled after the timeout")
	}
}

func TestRunnerMainFailureStopsJobs(t *testing.T) {
	r := New(testLogger())
	release := r.Guard("not consulted").Hold()
	defer release()

	var stopped atomic.Bool
	r.Go(Job{Name: "idle", Run: func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	}})

	cause := errors.New("unauthorized")
	start := time.Now()
	err := r.Run(context.Background(), func(context.Context) error { return cause })
	if !errors.Is(err, cause) {
		t.Fatalf("Run error = %v, want %v", err, cause)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("conditions must not delay a failed run")
	}
	if !stopped.Load() {
		t.Error("job still running after main failed")
	}
	if r.ShuttingDown() {
		t.Error("ShuttingDown() = true without a shutdown request")
	}
}

func TestRunnerIsolatesJobFaults(t *testing.T) {
	r := New(testLogger())
	r.Go(Job{Name: "panics", Run: func(context.Context) error {
		var m map[string]int
		m["boom"]++
		return nil
	}})
	r.Go(Job{Name: "fails", Run: func(context.Context) error { return errors.New("lost connection") }})

	var ran atomic.Bool
	r.Go(Job{Name: "healthy", Run: func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx, untilDone); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran.Load() {
		t.Error("healthy job did not run")
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard("saving")
	if !g.Ready() {
		t.Fatal("new guard should be ready")
	}

	first := g.Hold()
	second := g.Hold()
	first()
	first()
	if g.Ready() {
		t.Fatal("guard ready while still held once")
	}
	second()
	if !g.Ready() {
		t.Fatal("guard not ready after every hold was released")
	}

	err := g.Do(func() error {
		if g.Ready() {
			t.Error("guard ready inside Do")
		}
		return errors.New("failed")
	})
	if err == nil || !g.Ready() {
		t.Errorf("Do = %v, ready %v", err, g.Ready())
	}
	if g.Description() != "preventing shutdown, saving" {
		t.Errorf("Description() = %q", g.Description())
	}
}
