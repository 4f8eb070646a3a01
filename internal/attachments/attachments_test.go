package attachments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/events"
	"github.com/localbridge/bridged/internal/httpclient"
	"github.com/localbridge/bridged/internal/store"
)

func newTestService(t *testing.T, mux *http.ServeMux) (*Service, *store.Store, string) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "bridged.db")
	db, err := store.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cacheDir := filepath.Join(t.TempDir(), "cache")
	client := httpclient.New(srv.URL, httpclient.Options{AuthKey: "k", MaxRetries: 0})
	bus := eventbus.New()
	return New(db, client, bus, cacheDir, 2), db, cacheDir
}

func TestSanitizeFilename_ReplacesUnsafeCharacters(t *testing.T) {
	got := sanitizeFilename(`a/b\c:d*e?f"g<h>i|j`)
	want := "a_b_c_d_e_f_g_h_i_j"
	if got != want {
		t.Errorf("sanitizeFilename = %q, want %q", got, want)
	}
}

func TestQueue_DedupsByAttachmentGUIDAndPromotes(t *testing.T) {
	q := newRequestQueue()
	q.upsert(&DownloadRequest{AttachmentGUID: "a-1", Priority: PriorityLow})
	q.upsert(&DownloadRequest{AttachmentGUID: "a-2", Priority: PriorityNormal})
	q.upsert(&DownloadRequest{AttachmentGUID: "a-1", Priority: PriorityHigh})

	if q.Len() != 2 {
		t.Fatalf("expected dedup to collapse to 2 entries, got %d", q.Len())
	}
	first, ok := q.popNext()
	if !ok || first.AttachmentGUID != "a-1" || first.Priority != PriorityHigh {
		t.Errorf("expected a-1 at High priority first, got %+v", first)
	}
}

func TestQueue_PopOrdersByPriorityThenInsertOrder(t *testing.T) {
	q := newRequestQueue()
	q.upsert(&DownloadRequest{AttachmentGUID: "low-1", Priority: PriorityLow})
	q.upsert(&DownloadRequest{AttachmentGUID: "normal-1", Priority: PriorityNormal})
	q.upsert(&DownloadRequest{AttachmentGUID: "normal-2", Priority: PriorityNormal})
	q.upsert(&DownloadRequest{AttachmentGUID: "high-1", Priority: PriorityHigh})

	order := []string{}
	for q.Len() > 0 {
		r, _ := q.popNext()
		order = append(order, r.AttachmentGUID)
	}
	want := []string{"high-1", "normal-1", "normal-2", "low-1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", order, want)
		}
	}
}

func TestEnqueue_PromotesToHighForActiveChat(t *testing.T) {
	s, db, _ := newTestService(t, http.NewServeMux())
	ctx := context.Background()
	if _, err := db.UpsertAttachment(ctx, &store.Attachment{GUID: "a-1", MessageLocalID: 1}); err != nil {
		t.Fatalf("seed attachment: %v", err)
	}

	s.SetActiveChat("c-1")
	s.Enqueue(DownloadRequest{AttachmentGUID: "a-1", ChatGUID: "c-1", Priority: PriorityLow})

	req, ok := s.queue.popNext()
	if !ok || req.Priority != PriorityHigh {
		t.Errorf("expected active-chat request promoted to High, got %+v (ok=%v)", req, ok)
	}
}

func TestRun_DownloadsAndEmitsEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/attachment/a-1/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("file contents"))
	})
	s, db, cacheDir := newTestService(t, mux)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := db.UpsertAttachment(ctx, &store.Attachment{GUID: "a-1", MessageLocalID: 1}); err != nil {
		t.Fatalf("seed attachment: %v", err)
	}

	sub := s.bus.Subscribe()
	defer sub.Close()

	go s.Run(ctx)
	s.Enqueue(DownloadRequest{AttachmentGUID: "a-1", Priority: PriorityNormal})

	select {
	case ev := <-sub.Events():
		dl, ok := ev.(events.AttachmentDownloaded)
		if !ok || dl.AttachmentGUID != "a-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		data, err := os.ReadFile(dl.LocalPath)
		if err != nil {
			t.Fatalf("read downloaded file: %v", err)
		}
		if string(data) != "file contents" {
			t.Errorf("unexpected file contents: %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AttachmentDownloaded event")
	}

	_ = cacheDir
}

func TestCleanupOlderThan_RemovesStaleFilesOnly(t *testing.T) {
	s, _, cacheDir := newTestService(t, http.NewServeMux())
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("mkdir cache dir: %v", err)
	}

	oldPath := filepath.Join(cacheDir, "old.bin")
	newPath := filepath.Join(cacheDir, "new.bin")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write old: %v", err)
	}
	if err := os.WriteFile(newPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write new: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := s.CleanupOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expected old file to be removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("expected new file to survive cleanup")
	}
}

func TestEnforceQuota_EvictsOldestFirstUntilUnderBudget(t *testing.T) {
	s, _, cacheDir := newTestService(t, http.NewServeMux())
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("mkdir cache dir: %v", err)
	}

	names := []string{"a.bin", "b.bin", "c.bin"}
	base := time.Now().Add(-time.Hour)
	for i, name := range names {
		path := filepath.Join(cacheDir, name)
		if err := os.WriteFile(path, make([]byte, 10), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mtime := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	removed, err := s.EnforceQuota(15)
	if err != nil {
		t.Fatalf("EnforceQuota: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 files evicted to reach budget, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "a.bin")); !os.IsNotExist(err) {
		t.Error("expected oldest file a.bin to be evicted first")
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "b.bin")); !os.IsNotExist(err) {
		t.Error("expected second-oldest file b.bin to be evicted")
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "c.bin")); err != nil {
		t.Error("expected newest file c.bin to survive")
	}
}

func TestEnforceQuota_ZeroBudgetIsNoOp(t *testing.T) {
	s, _, cacheDir := newTestService(t, http.NewServeMux())
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("mkdir cache dir: %v", err)
	}
	path := filepath.Join(cacheDir, "a.bin")
	if err := os.WriteFile(path, make([]byte, 10), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	removed, err := s.EnforceQuota(0)
	if err != nil {
		t.Fatalf("EnforceQuota: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected no-op for non-positive budget, got %d removed", removed)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("expected file to survive when quota disabled")
	}
}
