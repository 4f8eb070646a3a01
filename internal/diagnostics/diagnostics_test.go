package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/localbridge/bridged/internal/events"
	"github.com/localbridge/bridged/internal/lifecycle"
)

type fakeHealth struct {
	healthy bool
	report  []lifecycle.Health
}

func (f fakeHealth) Healthy() bool                    { return f.healthy }
func (f fakeHealth) HealthReport() []lifecycle.Health { return f.report }

type fakePinger struct {
	err error
}

func (f fakePinger) Get(ctx context.Context, path string) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

type fakeSocketStater struct {
	state events.SocketState
}

func (f fakeSocketStater) State() events.SocketState { return f.state }

type fakeIntegrityChecker struct {
	err error
}

func (f fakeIntegrityChecker) IntegrityCheck(ctx context.Context) error { return f.err }

type fakeContactCoverage struct {
	total, withContact int
	err                error
}

func (f fakeContactCoverage) CountHandles(ctx context.Context) (int, int, error) {
	return f.total, f.withContact, f.err
}

func newTestRouter(h HealthReporter, counters *Counters) http.Handler {
	return Router(h, counters, fakePinger{}, fakeSocketStater{state: events.SocketConnected}, fakeIntegrityChecker{}, fakeContactCoverage{total: 10, withContact: 8})
}

func TestHealthz_ReportsOKWhenHealthy(t *testing.T) {
	h := fakeHealth{healthy: true, report: []lifecycle.Health{{Name: "store", State: lifecycle.StateRunning, Healthy: true}}}
	srv := httptest.NewServer(newTestRouter(h, NewCounters()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true {
		t.Errorf("expected healthy=true, got %+v", body)
	}
}

func TestHealthz_ReportsUnavailableWhenUnhealthy(t *testing.T) {
	h := fakeHealth{healthy: false}
	srv := httptest.NewServer(newTestRouter(h, NewCounters()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestMetrics_ReflectsCounterUpdates(t *testing.T) {
	counters := NewCounters()
	counters.IncMessagesIngested()
	counters.IncMessagesIngested()
	counters.IncReconnects()
	counters.SetQueueDepth(3)

	srv := httptest.NewServer(newTestRouter(fakeHealth{healthy: true}, counters))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["messages_ingested"] != 2 || body["reconnects"] != 1 || body["queue_depth"] != 3 {
		t.Errorf("unexpected metrics snapshot: %+v", body)
	}
}

func TestSelfTestEndpoint_ReportsAllFourChecks(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(fakeHealth{healthy: true}, NewCounters()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/selftest")
	if err != nil {
		t.Fatalf("GET /selftest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result SelfTestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.ServerReachable {
		t.Error("expected server_reachable=true")
	}
	if result.SocketState != string(events.SocketConnected) {
		t.Errorf("expected socket_state=%q, got %q", events.SocketConnected, result.SocketState)
	}
	if !result.DatabaseOK {
		t.Error("expected database_ok=true")
	}
	if result.HandlesTotal != 10 || result.HandlesLinked != 8 {
		t.Errorf("unexpected handle counts: total=%d linked=%d", result.HandlesTotal, result.HandlesLinked)
	}
	if result.ContactLinkCoveragePct != 80 {
		t.Errorf("expected 80%% coverage, got %v", result.ContactLinkCoveragePct)
	}
}

func TestRunSelfTest_ReportsServerError(t *testing.T) {
	result := RunSelfTest(context.Background(), fakePinger{err: errors.New("dial tcp: connection refused")},
		fakeSocketStater{state: events.SocketDisconnected}, fakeIntegrityChecker{}, fakeContactCoverage{})
	if result.ServerReachable {
		t.Error("expected server_reachable=false")
	}
	if result.ServerError == "" {
		t.Error("expected server_error to be populated")
	}
}
