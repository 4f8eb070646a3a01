package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestRunner_InitStartsLoopAndShutdownStopsIt(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	r := NewRunner("test-runner", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run loop never started")
	}
	if r.State() != StateRunning {
		t.Errorf("expected Running, got %v", r.State())
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Error("expected run loop to have observed cancellation")
	}
	if r.State() != StateStopped {
		t.Errorf("expected Stopped, got %v", r.State())
	}
}
