package lifecycle

import (
	"context"
	"errors"
	"testing"
)

type fakeComponent struct {
	Base
	initErr     error
	shutdownErr error
	initCalled  bool
}

func newFake(name string) *fakeComponent {
	return &fakeComponent{Base: NewBase(name)}
}

func (f *fakeComponent) Init(ctx context.Context) error {
	f.initCalled = true
	if f.initErr != nil {
		f.SetState(StateFailed)
		return f.initErr
	}
	f.SetState(StateRunning)
	return nil
}

func (f *fakeComponent) Shutdown(ctx context.Context) error {
	f.SetState(StateStopped)
	return f.shutdownErr
}

func TestInit_StartsAllRegisteredComponents(t *testing.T) {
	a := newFake("a")
	b := newFake("b")
	r := New()
	r.Register(a)
	r.Register(b)

	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if a.State() != StateRunning || b.State() != StateRunning {
		t.Errorf("expected both components Running, got a=%v b=%v", a.State(), b.State())
	}
}

func TestInit_StopsAtFirstFailureWithoutStartingLater(t *testing.T) {
	a := newFake("a")
	failing := newFake("failing")
	failing.initErr = errors.New("boom")
	c := newFake("c")

	r := New()
	r.Register(a)
	r.Register(failing)
	r.Register(c)

	err := r.Init(context.Background())
	if err == nil {
		t.Fatal("expected Init to fail")
	}
	if c.initCalled {
		t.Error("component after the failing one should never have been started")
	}
}

func TestShutdown_StopsStartedComponents(t *testing.T) {
	a := newFake("a")
	b := newFake("b")
	r := New()
	r.Register(a)
	r.Register(b)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.State() != StateStopped || b.State() != StateStopped {
		t.Errorf("expected both stopped, got a=%v b=%v", a.State(), b.State())
	}
}

func TestHealthy_FalseWhenAnyComponentUnhealthy(t *testing.T) {
	a := newFake("a")
	b := newFake("b")
	r := New()
	r.Register(a)
	r.Register(b)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !r.Healthy() {
		t.Fatal("expected registry healthy after successful init")
	}

	b.SetState(StateFailed)
	if r.Healthy() {
		t.Error("expected registry unhealthy once a component fails")
	}
}

func TestHealthReport_ReflectsStartedComponentsOnly(t *testing.T) {
	a := newFake("a")
	failing := newFake("failing")
	failing.initErr = errors.New("boom")

	r := New()
	r.Register(a)
	r.Register(failing)
	_ = r.Init(context.Background())

	report := r.HealthReport()
	if len(report) != 1 || report[0].Name != "a" {
		t.Fatalf("expected report to only include the started component, got %+v", report)
	}
}
