package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/events"
	"github.com/localbridge/bridged/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *store.Store, *eventbus.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridged.db")
	db, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := eventbus.New()
	return New(db, bus), db, bus
}

func waitForEvent(t *testing.T, sub *eventbus.Subscription, timeout time.Duration) eventbus.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRouter_NewMessage_PersistsAndEmits(t *testing.T) {
	r, db, bus := newTestRouter(t)
	sub := bus.Subscribe()
	defer sub.Close()

	payload := []byte(`{
		"guid": "m-1",
		"text": "hello",
		"isFromMe": false,
		"dateCreated": 1700000000000,
		"chats": [{"guid": "c-1", "chatIdentifier": "c-1", "participants": [{"address": "+15551234567", "service": "iMessage"}]}],
		"handle": {"address": "+15551234567", "service": "iMessage"}
	}`)
	r.dispatch(context.Background(), "new-message", payload)

	ev := waitForEvent(t, sub, time.Second)
	received, ok := ev.(events.MessageReceived)
	if !ok {
		t.Fatalf("unexpected event type %T", ev)
	}
	if received.MessageGUID != "m-1" || received.ChatGUID != "c-1" {
		t.Errorf("unexpected event: %+v", received)
	}

	msg, err := db.GetMessageByGUID(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Text == nil || *msg.Text != "hello" {
		t.Errorf("unexpected message text: %+v", msg.Text)
	}
}

func TestRouter_NewMessage_Dedup(t *testing.T) {
	r, db, bus := newTestRouter(t)
	sub := bus.Subscribe()
	defer sub.Close()

	payload := []byte(`{
		"guid": "m-dup-1",
		"isFromMe": false,
		"chats": [{"guid": "c-1", "chatIdentifier": "c-1"}]
	}`)
	r.dispatch(context.Background(), "new-message", payload)
	waitForEvent(t, sub, time.Second)

	r.dispatch(context.Background(), "new-message", payload)

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no second event, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	var count int
	row := db.DB().QueryRow(`SELECT COUNT(*) FROM messages WHERE guid = ?`, "m-dup-1")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one persisted row, got %d", count)
	}
}

func TestRouter_ChatReadStatusChanged(t *testing.T) {
	r, db, bus := newTestRouter(t)
	ctx := context.Background()

	if _, err := db.UpsertChat(ctx, &store.Chat{GUID: "c-1", ChatIdentifier: "c-1", HasUnreadMessage: true}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	sub := bus.Subscribe()
	defer sub.Close()

	r.dispatch(ctx, "chat-read-status-changed", []byte(`{"chatGuid":"c-1","read":true}`))

	ev := waitForEvent(t, sub, time.Second)
	if _, ok := ev.(events.ChatUpdated); !ok {
		t.Fatalf("unexpected event type %T", ev)
	}

	got, err := db.GetChatByGUID(ctx, "c-1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.HasUnreadMessage {
		t.Error("has_unread_message should be cleared")
	}
}

func TestRouter_TypingIndicator_SuppressedWhenEmpty(t *testing.T) {
	r, _, bus := newTestRouter(t)
	sub := bus.Subscribe()
	defer sub.Close()

	r.dispatch(context.Background(), "typing-indicator", []byte(`{"guid":"","display":true}`))

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event for empty chat guid, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouter_IncomingFaceTime_DroppedWhenUUIDEmpty(t *testing.T) {
	r, _, bus := newTestRouter(t)
	sub := bus.Subscribe()
	defer sub.Close()

	r.dispatch(context.Background(), "incoming-facetime", []byte(`{"uuid":"","isAudio":true}`))

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
