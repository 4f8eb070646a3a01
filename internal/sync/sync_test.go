package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/localbridge/bridged/internal/config"
	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/httpclient"
	"github.com/localbridge/bridged/internal/store"
)

func newTestSyncer(t *testing.T, mux *http.ServeMux) (*Syncer, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "bridged.db")
	db, err := store.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := httpclient.New(srv.URL, httpclient.Options{AuthKey: "k"})
	bus := eventbus.New()
	cfg := config.SyncSection{ChatPageSize: 100, MessagesPerPage: 25, SkipChatsNoMessage: true}
	return New(db, client, bus, cfg), db
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": 200, "data": data})
}

func TestFull_BootstrapsChatsMessagesAndContacts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/server/info", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]string{"serverVersion": "1.9.0"})
	})
	mux.HandleFunc("/api/v1/fcm/client", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]string{"projectId": "abc"})
	})
	chatPage := 0
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		chatPage++
		if chatPage == 1 {
			writeEnvelope(w, []map[string]any{
				{
					"guid": "c-1", "chatIdentifier": "c-1",
					"participants": []map[string]string{{"address": "+15551234567", "service": "iMessage"}},
					"lastMessage":  map[string]string{"guid": "m-1"},
				},
				{"guid": "c-2", "chatIdentifier": "c-2"}, // no lastMessage: skipped
			})
			return
		}
		writeEnvelope(w, []map[string]any{})
	})
	mux.HandleFunc("/api/v1/message/query", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{
			{"guid": "m-1", "text": "hi", "isFromMe": false, "dateCreated": 1700000000000},
		})
	})
	mux.HandleFunc("/api/v1/contact", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{
			{"id": "ct-1", "displayName": "Alice", "phoneNumbers": []map[string]string{{"address": "+15551234567"}}},
		})
	})

	y, db := newTestSyncer(t, mux)
	ctx := context.Background()
	if err := y.Full(ctx); err != nil {
		t.Fatalf("Full: %v", err)
	}

	if _, err := db.GetChatByGUID(ctx, "c-1"); err != nil {
		t.Errorf("chat c-1 should exist: %v", err)
	}
	if _, err := db.GetChatByGUID(ctx, "c-2"); err == nil {
		t.Error("chat c-2 has no last message and should have been skipped")
	}
	if _, err := db.GetMessageByGUID(ctx, "m-1"); err != nil {
		t.Errorf("message m-1 should exist: %v", err)
	}

	contacts, err := db.AllContacts(ctx)
	if err != nil {
		t.Fatalf("all contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].DisplayName != "Alice" {
		t.Errorf("unexpected contacts: %+v", contacts)
	}

	version := db.GetSettingString(ctx, settingServerVersion, "")
	if version != "1.9.0" {
		t.Errorf("server version not persisted: %q", version)
	}
}

func TestIncremental_RowIDModeTracksMax(t *testing.T) {
	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/message/query", func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = buf
		writeEnvelope(w, []map[string]any{
			{
				"guid": "m-10", "rowId": 10, "isFromMe": false,
				"chats": []map[string]any{{"guid": "c-1", "chatIdentifier": "c-1"}},
			},
			{
				"guid": "m-11", "rowId": 11, "isFromMe": false,
				"chats": []map[string]any{{"guid": "c-1", "chatIdentifier": "c-1"}},
			},
		})
	})

	y, db := newTestSyncer(t, mux)
	ctx := context.Background()
	if err := db.SetSettingInt64(ctx, settingLastIncrementalSyncRowID, 5); err != nil {
		t.Fatalf("seed row id: %v", err)
	}

	if err := y.Incremental(ctx); err != nil {
		t.Fatalf("Incremental: %v", err)
	}

	if got := db.GetSettingInt64(ctx, settingLastIncrementalSyncRowID, 0); got != 11 {
		t.Errorf("last_incremental_sync_row_id = %d, want 11", got)
	}
	if _, err := db.GetMessageByGUID(ctx, "m-11"); err != nil {
		t.Errorf("message m-11 should exist: %v", err)
	}
	if len(gotBody) == 0 {
		t.Error("expected a request body to have been sent")
	}
}

func TestIncremental_TimestampFallbackWhenNoRowID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/message/count", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]int{"total": 1})
	})
	mux.HandleFunc("/api/v1/message/query", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{
			{
				"guid": "m-ts-1", "isFromMe": false,
				"chats": []map[string]any{{"guid": "c-2", "chatIdentifier": "c-2"}},
			},
		})
	})

	y, db := newTestSyncer(t, mux)
	ctx := context.Background()

	if err := y.Incremental(ctx); err != nil {
		t.Fatalf("Incremental: %v", err)
	}

	if _, err := db.GetMessageByGUID(ctx, "m-ts-1"); err != nil {
		t.Errorf("message m-ts-1 should exist: %v", err)
	}
	if got := db.GetSettingInt64(ctx, settingLastIncrementalSync, 0); got == 0 {
		t.Error("last_incremental_sync should have been updated")
	}
}

func TestIncremental_ZeroCountSkipsQuery(t *testing.T) {
	queried := false
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/message/count", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]int{"total": 0})
	})
	mux.HandleFunc("/api/v1/message/query", func(w http.ResponseWriter, r *http.Request) {
		queried = true
		writeEnvelope(w, []map[string]any{})
	})

	y, _ := newTestSyncer(t, mux)
	if err := y.Incremental(context.Background()); err != nil {
		t.Fatalf("Incremental: %v", err)
	}
	if queried {
		t.Error("message/query should not be called when count is 0")
	}
}

func TestSync_ReentrantCallReturnsBusyError(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/server/info", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeEnvelope(w, map[string]string{})
	})
	mux.HandleFunc("/api/v1/fcm/client", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]string{})
	})
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{})
	})
	mux.HandleFunc("/api/v1/contact", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{})
	})

	y, _ := newTestSyncer(t, mux)
	done := make(chan error, 1)
	go func() { done <- y.Full(context.Background()) }()

	<-entered // first call is now blocked mid-phase, holding y.busy

	if err := y.Full(context.Background()); err != errSyncInFlight {
		t.Errorf("expected errSyncInFlight for reentrant call, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Full() call failed: %v", err)
	}
}
