package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridged.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func TestUpsertChat_PreservesDisplayNameWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.UpsertChat(ctx, &Chat{GUID: "c1", ChatIdentifier: "c1", DisplayName: strPtr("Original")})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := s.UpsertChat(ctx, &Chat{GUID: "c1", ChatIdentifier: "c1", DisplayName: nil}); err != nil {
		t.Fatalf("upsert absent: %v", err)
	}

	got, err := s.GetChatByGUID(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LocalID != id {
		t.Fatalf("local id changed across upsert: %d != %d", got.LocalID, id)
	}
	if got.DisplayName == nil || *got.DisplayName != "Original" {
		t.Errorf("display name was nulled out: %+v", got.DisplayName)
	}
}

func TestUpsertMessage_CoalesceNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	chatID, err := s.UpsertChat(ctx, &Chat{GUID: "c1", ChatIdentifier: "c1"})
	if err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	if _, err := s.UpsertMessage(ctx, &Message{
		GUID: "m1", ChatLocalID: chatID, Text: strPtr("hello"),
		DateCreatedMs: i64Ptr(1000),
	}); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}

	// Second upsert carries date_delivered but no date_read — date_read must
	// stay nil until it actually arrives, and text/date_created must be
	// untouched since later payloads in this flow never resend them.
	if _, err := s.UpsertMessage(ctx, &Message{
		GUID: "m1", ChatLocalID: chatID, DateDeliveredMs: i64Ptr(2000),
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetMessageByGUID(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text == nil || *got.Text != "hello" {
		t.Errorf("text was regressed to null: %+v", got.Text)
	}
	if got.DateDeliveredMs == nil || *got.DateDeliveredMs != 2000 {
		t.Errorf("date_delivered not applied: %+v", got.DateDeliveredMs)
	}
	if got.DateReadMs != nil {
		t.Errorf("date_read should remain nil, got %+v", got.DateReadMs)
	}

	// A third upsert with date_read set must never un-set date_delivered.
	if _, err := s.UpsertMessage(ctx, &Message{
		GUID: "m1", ChatLocalID: chatID, DateReadMs: i64Ptr(3000),
	}); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	got, err = s.GetMessageByGUID(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DateDeliveredMs == nil || *got.DateDeliveredMs != 2000 {
		t.Errorf("date_delivered regressed: %+v", got.DateDeliveredMs)
	}
	if got.DateReadMs == nil || *got.DateReadMs != 3000 {
		t.Errorf("date_read not applied: %+v", got.DateReadMs)
	}
}

func TestUpsertMessage_MessageSummaryInfoNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	chatID, err := s.UpsertChat(ctx, &Chat{GUID: "c1", ChatIdentifier: "c1"})
	if err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	if _, err := s.UpsertMessage(ctx, &Message{
		GUID: "m1", ChatLocalID: chatID, MessageSummaryInfo: strPtr(`{"edited":true}`),
	}); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}

	if _, err := s.UpsertMessage(ctx, &Message{GUID: "m1", ChatLocalID: chatID}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetMessageByGUID(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MessageSummaryInfo == nil || *got.MessageSummaryInfo != `{"edited":true}` {
		t.Errorf("message_summary_info regressed to null: %+v", got.MessageSummaryInfo)
	}
}

func TestPageMessages_CursorOrderAndTieBreak(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	chatID, err := s.UpsertChat(ctx, &Chat{GUID: "c1", ChatIdentifier: "c1"})
	if err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	// Two messages share the same date_created_ms; local_id must break the tie.
	for i, guid := range []string{"m1", "m2", "m3"} {
		ms := int64(1000)
		if i == 2 {
			ms = 2000
		}
		if _, err := s.UpsertMessage(ctx, &Message{GUID: guid, ChatLocalID: chatID, DateCreatedMs: i64Ptr(ms)}); err != nil {
			t.Fatalf("upsert %s: %v", guid, err)
		}
	}

	page, err := s.PageMessages(ctx, chatID, Cursor{}, 10, Descending)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("got %d messages, want 3", len(page))
	}
	gotOrder := []string{page[0].GUID, page[1].GUID, page[2].GUID}
	want := []string{"m3", "m2", "m1"}
	for i := range want {
		if gotOrder[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (full: %v)", i, gotOrder[i], want[i], gotOrder)
		}
	}
}

func TestParticipantsByChat_BatchedJoin(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	chatID, err := s.UpsertChat(ctx, &Chat{GUID: "c1", ChatIdentifier: "c1"})
	if err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	h1, _ := s.UpsertHandle(ctx, "+15551234567", "iMessage")
	h2, _ := s.UpsertHandle(ctx, "+15557654321", "iMessage")
	if err := s.SetChatParticipants(ctx, chatID, []int64{h1, h2}); err != nil {
		t.Fatalf("set participants: %v", err)
	}

	byChat, err := s.ParticipantsByChat(ctx, []int64{chatID})
	if err != nil {
		t.Fatalf("participants by chat: %v", err)
	}
	if len(byChat[chatID]) != 2 {
		t.Fatalf("got %d participants, want 2", len(byChat[chatID]))
	}
}

func TestReconcileSend_ExactlyOnePersistedRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	chatID, err := s.UpsertChat(ctx, &Chat{GUID: "c1", ChatIdentifier: "c1"})
	if err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	if _, err := s.UpsertMessage(ctx, &Message{GUID: "temp-1", ChatLocalID: chatID, Text: strPtr("hi"), IsFromMe: true}); err != nil {
		t.Fatalf("insert temp: %v", err)
	}

	if _, err := s.ReconcileSend(ctx, "temp-1", &Message{GUID: "real-1", ChatLocalID: chatID, Text: strPtr("hi"), IsFromMe: true}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, err := s.GetMessageByGUID(ctx, "temp-1"); err == nil {
		t.Error("temp row should no longer exist")
	}
	real, err := s.GetMessageByGUID(ctx, "real-1")
	if err != nil {
		t.Fatalf("real row should exist: %v", err)
	}
	if real.Text == nil || *real.Text != "hi" {
		t.Errorf("unexpected real message: %+v", real)
	}
}
