package sendpipeline

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/localbridge/bridged/internal/store"
)

type handlePayload struct {
	Address string `json:"address"`
	Service string `json:"service"`
}

type chatPayload struct {
	GUID string `json:"guid"`
}

type messagePayload struct {
	GUID                  string          `json:"guid"`
	Text                  *string         `json:"text"`
	Subject               *string         `json:"subject"`
	IsFromMe              bool            `json:"isFromMe"`
	DateCreated           json.RawMessage `json:"dateCreated"`
	DateRead              json.RawMessage `json:"dateRead"`
	DateDelivered         json.RawMessage `json:"dateDelivered"`
	DateEdited            json.RawMessage `json:"dateEdited"`
	DateDeleted           json.RawMessage `json:"dateDeleted"`
	Error                 *int            `json:"error"`
	AssociatedMessageGUID *string         `json:"associatedMessageGuid"`
	AssociatedMessageType *string         `json:"associatedMessageType"`
	ThreadOriginatorGUID  *string         `json:"threadOriginatorGuid"`
	ItemType              *int            `json:"itemType"`
	HasAttachments        bool            `json:"hasAttachments"`
	HasReactions          bool            `json:"hasReactions"`
	IsBookmarked          bool            `json:"isBookmarked"`
	BalloonBundleID       *string         `json:"balloonBundleId"`
	MessageSummaryInfo    *string         `json:"messageSummaryInfo"`
	Handle                *handlePayload  `json:"handle"`
	Chats                 []chatPayload   `json:"chats"`
}

type envelope struct {
	Status int             `json:"status"`
	Data   messagePayload  `json:"data"`
}

// decodeMessagePayload reads the server's uniform {status, data} envelope
// off r and returns its message payload. A non-200 status or an empty guid
// means the server reported success with no usable data — spec §7's
// SendFailed case.
func decodeMessagePayload(r io.Reader) (messagePayload, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return messagePayload{}, fmt.Errorf("decode message response: %w", err)
	}
	if env.Status != 200 || env.Data.GUID == "" {
		return messagePayload{}, fmt.Errorf("server reported success with no usable message data")
	}
	return env.Data, nil
}

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
