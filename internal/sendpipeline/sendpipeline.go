// Package sendpipeline implements the optimistic send flow (component P in
// spec §4.7): write an optimistic Message row, call H, and transactionally
// reconcile the temp row with the server's response — or rewrite its guid
// to mark the send as failed. Reaction/edit/unsend write-then-project flows
// live here too since they share P's write-through-L shape.
package sendpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/localbridge/bridged/internal/bridgeerr"
	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/events"
	"github.com/localbridge/bridged/internal/httpclient"
	"github.com/localbridge/bridged/internal/store"
)

const tempGUIDPrefix = "temp-"

// Pipeline is the send surface (component P). Concurrently callable for
// different messages; L's connection pool serializes the writes (spec §5).
type Pipeline struct {
	db   *store.Store
	http *httpclient.Client
	bus  *eventbus.Bus
}

// New builds a Pipeline over db and http, publishing MessageSent/
// MessageFailed on bus.
func New(db *store.Store, client *httpclient.Client, bus *eventbus.Bus) *Pipeline {
	return &Pipeline{db: db, http: client, bus: bus}
}

// SendText implements spec §4.7 steps 1-5 for a plain text message.
// tempGUID is returned on every path, failures included, so callers (and
// Q, on retry) can track the send by temp id. SendText returns only after
// the HTTP round trip has finished. realGUID is populated once the send
// has reconciled successfully, empty otherwise.
func (p *Pipeline) SendText(ctx context.Context, chatGUID, text string) (tempGUID, realGUID string, err error) {
	tempGUID = tempGUIDPrefix + uuid.NewString()

	chatLocalID, err := p.resolveChat(ctx, chatGUID)
	if err != nil {
		return tempGUID, "", err
	}

	now := time.Now().UnixMilli()
	if _, err := p.db.UpsertMessage(ctx, &store.Message{
		GUID:          tempGUID,
		ChatLocalID:   chatLocalID,
		Text:          &text,
		IsFromMe:      true,
		DateCreatedMs: &now,
	}); err != nil {
		return tempGUID, "", bridgeerr.New("sendpipeline.SendText", bridgeerr.Database, err)
	}

	body, _ := json.Marshal(map[string]string{"chatGuid": chatGUID, "message": text, "tempGuid": tempGUID})
	resp, sendErr := p.http.PostJSON(ctx, "/message/text", body)
	if sendErr != nil {
		p.fail(ctx, tempGUID, chatGUID, sendErr)
		return tempGUID, "", sendErr
	}
	defer resp.Body.Close()

	real, decodeErr := decodeMessagePayload(resp.Body)
	if decodeErr != nil {
		sendFailedErr := bridgeerr.New("sendpipeline.SendText", bridgeerr.SendFailed, decodeErr)
		p.fail(ctx, tempGUID, chatGUID, sendFailedErr)
		return tempGUID, "", sendFailedErr
	}

	if _, err := p.reconcile(ctx, tempGUID, real, chatGUID); err != nil {
		return tempGUID, "", err
	}
	return tempGUID, real.GUID, nil
}

// SendAttachment implements the attachment-send analog of SendText: the
// multipart endpoint (no transport-level retry, per spec §4.7) followed by
// the same reconciliation.
func (p *Pipeline) SendAttachment(ctx context.Context, chatGUID, fileName string, content io.Reader) (tempGUID, realGUID string, err error) {
	tempGUID = tempGUIDPrefix + uuid.NewString()

	chatLocalID, err := p.resolveChat(ctx, chatGUID)
	if err != nil {
		return tempGUID, "", err
	}

	now := time.Now().UnixMilli()
	if _, err := p.db.UpsertMessage(ctx, &store.Message{
		GUID:           tempGUID,
		ChatLocalID:    chatLocalID,
		IsFromMe:       true,
		DateCreatedMs:  &now,
		HasAttachments: true,
	}); err != nil {
		return tempGUID, "", bridgeerr.New("sendpipeline.SendAttachment", bridgeerr.Database, err)
	}

	resp, sendErr := p.http.PostMultipart(ctx, "/message/multipart", "attachment", fileName, content)
	if sendErr != nil {
		p.fail(ctx, tempGUID, chatGUID, sendErr)
		return tempGUID, "", sendErr
	}
	defer resp.Body.Close()

	real, decodeErr := decodeMessagePayload(resp.Body)
	if decodeErr != nil {
		sendFailedErr := bridgeerr.New("sendpipeline.SendAttachment", bridgeerr.SendFailed, decodeErr)
		p.fail(ctx, tempGUID, chatGUID, sendFailedErr)
		return tempGUID, "", sendFailedErr
	}

	if _, err := p.reconcile(ctx, tempGUID, real, chatGUID); err != nil {
		return tempGUID, "", err
	}
	return tempGUID, real.GUID, nil
}

// Unsend writes to the server first, then projects the result locally by
// setting date_deleted (spec §4.7: "write to the server first, then
// project the server's response back into L").
func (p *Pipeline) Unsend(ctx context.Context, messageGUID string) error {
	resp, err := p.http.PostJSON(ctx, fmt.Sprintf("/message/%s/unsend", messageGUID), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	return p.db.SoftDeleteMessage(ctx, messageGUID, time.Now().UnixMilli())
}

// Edit writes the new text to the server, then projects it back into L.
func (p *Pipeline) Edit(ctx context.Context, messageGUID, newText string) error {
	body, _ := json.Marshal(map[string]string{"text": newText})
	resp, err := p.http.PostJSON(ctx, fmt.Sprintf("/message/%s/edit", messageGUID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	real, err := decodeMessagePayload(resp.Body)
	if err != nil {
		return bridgeerr.New("sendpipeline.Edit", bridgeerr.SendFailed, err)
	}

	msg, err := p.db.GetMessageByGUID(ctx, messageGUID)
	if err != nil {
		return err
	}
	_, err = p.db.UpsertMessage(ctx, toStoreMessage(real, msg.ChatLocalID, msg.HandleLocalID))
	return err
}

// React sends a tapback/reaction, then projects the server's response for
// the reaction's own synthetic message row back into L.
func (p *Pipeline) React(ctx context.Context, chatGUID, targetGUID, reactionType string) error {
	chatLocalID, err := p.resolveChat(ctx, chatGUID)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"chatGuid": chatGUID, "selectedMessageGuid": targetGUID, "reaction": reactionType})
	resp, err := p.http.PostJSON(ctx, "/message/react", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	real, err := decodeMessagePayload(resp.Body)
	if err != nil {
		return bridgeerr.New("sendpipeline.React", bridgeerr.SendFailed, err)
	}

	_, err = p.db.UpsertMessage(ctx, toStoreMessage(real, chatLocalID, nil))
	return err
}

func (p *Pipeline) resolveChat(ctx context.Context, chatGUID string) (int64, error) {
	chat, err := p.db.GetChatByGUID(ctx, chatGUID)
	if err != nil {
		return 0, bridgeerr.New("sendpipeline.resolveChat", bridgeerr.NotFound, err)
	}
	return chat.LocalID, nil
}

// reconcile re-resolves the chat by guid (the server's response may carry a
// different canonical chat than the one the caller named, e.g. after a
// group merge) and transactionally reconciles the temp row.
func (p *Pipeline) reconcile(ctx context.Context, tempGUID string, real messagePayload, fallbackChatGUID string) (int64, error) {
	chatGUID := fallbackChatGUID
	if len(real.Chats) > 0 {
		chatGUID = real.Chats[0].GUID
	}
	chatLocalID, err := p.resolveChat(ctx, chatGUID)
	if err != nil {
		return 0, err
	}

	var handleLocalID *int64
	if real.Handle != nil && real.Handle.Address != "" {
		id, err := p.db.UpsertHandle(ctx, real.Handle.Address, real.Handle.Service)
		if err == nil {
			handleLocalID = &id
		}
	}

	msgLocalID, err := p.db.ReconcileSend(ctx, tempGUID, toStoreMessage(real, chatLocalID, handleLocalID))
	if err != nil {
		return 0, bridgeerr.New("sendpipeline.reconcile", bridgeerr.Database, err)
	}

	p.bus.Publish(events.MessageSent{TempGUID: tempGUID, RealGUID: real.GUID, ChatGUID: chatGUID})
	return msgLocalID, nil
}

// fail rewrites the optimistic row's guid to "error-<temp>" and emits
// MessageFailed (spec §4.7 step 5). It returns nothing; SendText and
// SendAttachment return the classified error to their caller unchanged so
// Q can decide retry eligibility.
func (p *Pipeline) fail(ctx context.Context, tempGUID, chatGUID string, sendErr error) {
	if err := p.db.MarkSendFailed(ctx, tempGUID); err != nil {
		log.Warn().Err(err).Str("temp_guid", tempGUID).Msg("sendpipeline: failed to mark send failed")
	}
	p.bus.Publish(events.MessageFailed{TempGUID: tempGUID, ChatGUID: chatGUID, Error: sendErr.Error()})
}

// RetryEligible reports whether a failed send's classified error is worth
// enqueueing into Q (spec §7's fixed retry-eligible set).
func RetryEligible(err error) bool {
	var be *bridgeerr.Error
	if bridgeerr.As(err, &be) {
		return bridgeerr.RetryEligible(be.Kind)
	}
	return false
}
