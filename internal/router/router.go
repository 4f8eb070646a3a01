package router

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/localbridge/bridged/internal/bridgeerr"
	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/events"
	"github.com/localbridge/bridged/internal/store"
)

// Router subscribes to S's broadcast channel and dispatches by event type
// (component R). It is logically single-threaded per event — one event is
// handled to completion before the next (spec §5).
type Router struct {
	db    *store.Store
	bus   *eventbus.Bus
	dedup *dedupFIFO
}

// New builds a Router over db, publishing derived domain events on bus.
func New(db *store.Store, bus *eventbus.Bus) *Router {
	return &Router{db: db, bus: bus, dedup: newDedupFIFO(256)}
}

// Run subscribes to bus and dispatches events.InboundRealtimeEvent values
// until ctx is cancelled. Intended to run as one goroutine managed by the
// lifecycle registry (X).
func (r *Router) Run(ctx context.Context) error {
	sub := r.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			inbound, ok := ev.(events.InboundRealtimeEvent)
			if !ok {
				continue
			}
			r.dispatch(ctx, inbound.Name, inbound.Data)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, name string, data json.RawMessage) {
	switch name {
	case "new-message":
		r.handleNewMessage(ctx, data)
	case "updated-message":
		r.handleUpdatedMessage(ctx, data)
	case "typing-indicator":
		r.handleTypingIndicator(data)
	case "chat-read-status-changed":
		r.handleChatReadStatus(ctx, data)
	case "group-name-change":
		r.handleGroupNameChange(ctx, data)
	case "participant-added":
		r.handleParticipantChange(data, true)
	case "participant-removed", "participant-left":
		r.handleParticipantChange(data, false)
	case "incoming-facetime":
		r.handleIncomingFaceTime(data)
	case "ft-call-status-changed":
		r.handleFaceTimeStatus(data)
	case "imessage-aliases-removed":
		r.handleAliasesRemoved(data)
	default:
		log.Debug().Str("event", name).Msg("router: unhandled event type")
	}
}

func (r *Router) handleNewMessage(ctx context.Context, data json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.GUID == "" {
		log.Warn().Err(err).Msg("router: malformed new-message payload")
		return
	}
	if r.dedup.SeenOrAdd("new-message:" + p.GUID) {
		return
	}

	var chatGUID string
	var chatLocalID int64
	if len(p.Chats) > 0 {
		chatGUID = p.Chats[0].GUID
		id, err := r.upsertChat(ctx, p.Chats[0])
		if err != nil {
			log.Warn().Err(err).Str("chat_guid", chatGUID).Msg("router: failed to save chat from new-message")
		} else {
			chatLocalID = id
		}
	}
	if chatLocalID == 0 {
		log.Warn().Str("msg_guid", p.GUID).Msg("router: new-message has no resolvable chat, dropping")
		return
	}

	var handleLocalID *int64
	if p.Handle != nil && p.Handle.Address != "" {
		id, err := r.db.UpsertHandle(ctx, p.Handle.Address, p.Handle.Service)
		if err != nil {
			log.Warn().Err(err).Msg("router: failed to save handle from new-message")
		} else {
			handleLocalID = &id
		}
	}

	msg := toStoreMessage(p, chatLocalID, handleLocalID)
	msgLocalID, err := r.db.UpsertMessage(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Str("guid", p.GUID).Msg("router: failed to save message")
		return
	}

	for _, ap := range p.Attachments {
		if ap.GUID == "" {
			continue
		}
		if _, err := r.db.UpsertAttachment(ctx, &store.Attachment{
			GUID:           ap.GUID,
			MessageLocalID: msgLocalID,
			MimeType:       ap.MimeType,
			TransferName:   ap.TransferName,
			TotalBytes:     ap.TotalBytes,
		}); err != nil {
			log.Warn().Err(err).Str("guid", ap.GUID).Msg("router: failed to save attachment")
		}
	}

	r.bus.Publish(events.MessageReceived{MessageGUID: p.GUID, ChatGUID: chatGUID, IsFromMe: p.IsFromMe})
}

func (r *Router) handleUpdatedMessage(ctx context.Context, data json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.GUID == "" {
		return
	}
	if r.dedup.SeenOrAdd("updated-message:" + p.GUID) {
		return
	}

	var chatGUID string
	if len(p.Chats) > 0 {
		chatGUID = p.Chats[0].GUID
	}

	chatLocalID := int64(0)
	if existing, err := r.db.GetMessageByGUID(ctx, p.GUID); err == nil {
		chatLocalID = existing.ChatLocalID
	} else if len(p.Chats) > 0 {
		if id, err := r.upsertChat(ctx, p.Chats[0]); err == nil {
			chatLocalID = id
		}
	}
	if chatLocalID == 0 {
		log.Warn().Str("guid", p.GUID).Msg("router: updated-message has no resolvable chat, dropping")
		return
	}

	var handleLocalID *int64
	if p.Handle != nil && p.Handle.Address != "" {
		id, err := r.db.UpsertHandle(ctx, p.Handle.Address, p.Handle.Service)
		if err == nil {
			handleLocalID = &id
		}
	}

	msg := toStoreMessage(p, chatLocalID, handleLocalID)
	if _, err := r.db.UpsertMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Str("guid", p.GUID).Msg("router: failed to update message")
		return
	}

	r.bus.Publish(events.MessageUpdated{MessageGUID: p.GUID, ChatGUID: chatGUID})
}

func (r *Router) handleTypingIndicator(data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.GUID == "" {
		return
	}
	r.bus.Publish(events.TypingChanged{ChatGUID: p.GUID, IsTyping: p.Display})
}

func (r *Router) handleChatReadStatus(ctx context.Context, data json.RawMessage) {
	var p chatReadStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatGUID == "" || !p.Read {
		return
	}
	if err := r.db.MarkChatReadState(ctx, p.ChatGUID, false); err != nil {
		log.Warn().Err(err).Str("chat_guid", p.ChatGUID).Msg("router: failed to mark chat read")
		return
	}
	r.bus.Publish(events.ChatUpdated{ChatGUID: p.ChatGUID})
}

func (r *Router) handleGroupNameChange(ctx context.Context, data json.RawMessage) {
	var p groupNameChangePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatGUID == "" {
		return
	}
	name := p.resolvedName()
	if err := r.db.UpdateChatDisplayName(ctx, p.ChatGUID, name); err != nil {
		log.Warn().Err(err).Str("chat_guid", p.ChatGUID).Msg("router: failed to update chat display name")
		return
	}
	r.bus.Publish(events.GroupNameChanged{ChatGUID: p.ChatGUID, NewName: name})
}

func (r *Router) handleParticipantChange(data json.RawMessage, added bool) {
	var p participantChangePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChatGUID == "" {
		return
	}
	address := p.resolvedAddress()
	if added {
		r.bus.Publish(events.ParticipantAdded{ChatGUID: p.ChatGUID, Address: address})
	} else {
		r.bus.Publish(events.ParticipantRemoved{ChatGUID: p.ChatGUID, Address: address})
	}
}

func (r *Router) handleIncomingFaceTime(data json.RawMessage) {
	var p incomingFaceTimePayload
	if err := json.Unmarshal(data, &p); err != nil || p.UUID == "" {
		return
	}
	r.bus.Publish(events.IncomingFaceTime{UUID: p.UUID, Caller: p.resolvedCaller(), IsAudio: p.IsAudio})
}

func (r *Router) handleFaceTimeStatus(data json.RawMessage) {
	var p facetimeStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UUID == "" {
		return
	}
	r.bus.Publish(events.FaceTimeStatusChanged{UUID: p.UUID, Status: p.Status})
}

func (r *Router) handleAliasesRemoved(data json.RawMessage) {
	var p aliasesRemovedPayload
	if err := json.Unmarshal(data, &p); err != nil || len(p.Aliases) == 0 {
		return
	}
	r.bus.Publish(events.AliasesRemoved{Aliases: p.Aliases})
}

// upsertChat persists a chat (and its participant membership) from an
// embedded chat payload, returning its local id.
func (r *Router) upsertChat(ctx context.Context, cp chatPayload) (int64, error) {
	style := store.StyleDirect
	if cp.Style == "group" || len(cp.Participants) > 1 {
		style = store.StyleGroup
	}

	chatLocalID, err := r.db.UpsertChat(ctx, &store.Chat{
		GUID:           cp.GUID,
		ChatIdentifier: cp.ChatIdentifier,
		DisplayName:    cp.DisplayName,
		Style:          style,
	})
	if err != nil {
		return 0, bridgeerr.New("router.upsertChat", bridgeerr.Database, err)
	}

	if len(cp.Participants) > 0 {
		handleIDs := make([]int64, 0, len(cp.Participants))
		for _, hp := range cp.Participants {
			if hp.Address == "" {
				continue
			}
			id, err := r.db.UpsertHandle(ctx, hp.Address, hp.Service)
			if err != nil {
				continue
			}
			handleIDs = append(handleIDs, id)
		}
		if err := r.db.SetChatParticipants(ctx, chatLocalID, handleIDs); err != nil {
			log.Warn().Err(err).Str("chat_guid", cp.GUID).Msg("router: failed to set chat participants")
		}
	}

	return chatLocalID, nil
}

func toStoreMessage(p messagePayload, chatLocalID int64, handleLocalID *int64) *store.Message {
	return &store.Message{
		GUID:                  p.GUID,
		ChatLocalID:           chatLocalID,
		HandleLocalID:         handleLocalID,
		Text:                  p.Text,
		Subject:               p.Subject,
		IsFromMe:              p.IsFromMe,
		DateCreatedMs:         decodeTimestamp(p.DateCreated),
		DateReadMs:            decodeTimestamp(p.DateRead),
		DateDeliveredMs:       decodeTimestamp(p.DateDelivered),
		DateEditedMs:          decodeTimestamp(p.DateEdited),
		DateDeletedMs:         decodeTimestamp(p.DateDeleted),
		ErrorCode:             p.Error,
		AssociatedMessageGUID: p.AssociatedMessageGUID,
		AssociatedMessageType: p.AssociatedMessageType,
		ThreadOriginatorGUID:  p.ThreadOriginatorGUID,
		ItemType:              p.ItemType,
		HasAttachments:        p.HasAttachments,
		HasReactions:          p.HasReactions,
		IsBookmarked:          p.IsBookmarked,
		BalloonBundleID:       p.BalloonBundleID,
		MessageSummaryInfo:    p.MessageSummaryInfo,
	}
}

// decodeTimestamp unmarshals a raw wire timestamp (string or number) into
// `any` and hands it to store.NormalizeTimestamp.
func decodeTimestamp(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return store.NormalizeTimestamp(v)
}
