package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/httpclient"
	"github.com/localbridge/bridged/internal/sendpipeline"
	"github.com/localbridge/bridged/internal/store"
)

func newTestQueue(t *testing.T, mux *http.ServeMux) *Queue {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "bridged.db")
	db, err := store.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.UpsertChat(context.Background(), &store.Chat{GUID: "c-1", ChatIdentifier: "c-1"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	client := httpclient.New(srv.URL, httpclient.Options{AuthKey: "k", MaxRetries: 0})
	bus := eventbus.New()
	return New(sendpipeline.New(db, client, bus))
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": 200, "data": data})
}

func TestRetryDelay_ExponentialWithCap(t *testing.T) {
	cases := map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		6: 64 * time.Second,
	}
	for attempts, want := range cases {
		if got := retryDelay(attempts); got != want {
			t.Errorf("retryDelay(%d) = %v, want %v", attempts, got, want)
		}
	}
	if got := retryDelay(20); got != DefaultMaxDelay {
		t.Errorf("retryDelay(20) = %v, want cap %v", got, DefaultMaxDelay)
	}
}

func TestEnqueue_TracksDepthAndPendingStatus(t *testing.T) {
	q := newTestQueue(t, http.NewServeMux())
	text := "hi"
	item := q.Enqueue("temp-1", "c-1", &text, nil)
	if item.OriginalTempGUID != "temp-1" {
		t.Errorf("expected item to retain original temp guid, got %q", item.OriginalTempGUID)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}
	if _, ok := q.Status("temp-1"); !ok {
		t.Error("expected a pending status entry right after enqueue")
	}
}

func TestDrain_SuccessResolvesStatusAndEmptiesQueue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/message/text", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]any{"guid": "real-1", "text": "hi", "isFromMe": true})
	})
	q := newTestQueue(t, mux)

	text := "hi"
	q.Enqueue("temp-1", "c-1", &text, nil)
	q.drain(context.Background())

	if q.Depth() != 0 {
		t.Fatalf("expected queue to drain to empty, got depth %d", q.Depth())
	}
	status, ok := q.Status("temp-1")
	if !ok {
		t.Fatal("expected a resolved status for temp-1")
	}
	if status.Failed || status.RealGUID != "real-1" {
		t.Errorf("unexpected status after successful drain: %+v", status)
	}
}

func TestDrain_ExhaustedAttemptsMarksFailedAndRemoves(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/message/text", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":500,"message":"boom"}`))
	})
	q := newTestQueue(t, mux)

	text := "hi"
	item := q.Enqueue("temp-1", "c-1", &text, nil)
	item.MaxAttempts = 1

	q.drain(context.Background())

	if q.Depth() != 0 {
		t.Fatalf("expected exhausted item to be removed, depth %d", q.Depth())
	}
	status, ok := q.Status("temp-1")
	if !ok || !status.Failed {
		t.Errorf("expected a failed status after exhausting attempts, got %+v (ok=%v)", status, ok)
	}
}

func TestDrain_RetryEligibleLeavesItemQueuedForNextPass(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/message/text", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":500,"message":"boom"}`))
	})
	q := newTestQueue(t, mux)

	text := "hi"
	q.Enqueue("temp-1", "c-1", &text, nil)
	q.drain(context.Background())

	if q.Depth() != 1 {
		t.Fatalf("expected retry-eligible failure to stay queued, depth %d", q.Depth())
	}
	if status, ok := q.Status("temp-1"); !ok || status.Failed {
		t.Errorf("status should still be pending until attempts exhaust, got %+v (ok=%v)", status, ok)
	}
}

func TestDrain_SkipsItemsNotYetDueForRetry(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/message/text", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":500,"message":"boom"}`))
	})
	q := newTestQueue(t, mux)

	text := "hi"
	item := q.Enqueue("temp-1", "c-1", &text, nil)
	item.Attempts = 1
	item.LastAttempt = time.Now()

	q.drain(context.Background())
	if calls != 0 {
		t.Errorf("expected backoff to skip the retry, got %d calls", calls)
	}
}
