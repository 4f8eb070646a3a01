// Package sync implements the bootstrap and incremental sync engine
// (component Y in spec §4.6). It speaks to H for transport and writes
// through to L using the same upsert primitives R uses, so a chat or
// message synced here and later pushed over the realtime socket converge
// on the same row.
package sync

import "encoding/json"

// envelope is the bridge server's uniform response shape (spec §6):
// {status, message?, data?, metadata?}. Success is status == 200.
type envelope[T any] struct {
	Status   int             `json:"status"`
	Message  string          `json:"message"`
	Data     T               `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
}

type serverInfoPayload struct {
	ServerVersion string `json:"serverVersion"`
	OSVersion     string `json:"osVersion"`
	MacOSVersion  string `json:"macosVersion"`
}

type handlePayload struct {
	Address string `json:"address"`
	Service string `json:"service"`
}

type lastMessagePayload struct {
	GUID        string          `json:"guid"`
	DateCreated json.RawMessage `json:"dateCreated"`
}

type chatPayload struct {
	GUID           string              `json:"guid"`
	ChatIdentifier string              `json:"chatIdentifier"`
	DisplayName    *string             `json:"displayName"`
	Style          string              `json:"style"`
	Participants   []handlePayload     `json:"participants"`
	LastMessage    *lastMessagePayload `json:"lastMessage"`
}

type attachmentPayload struct {
	GUID         string  `json:"guid"`
	MimeType     *string `json:"mimeType"`
	TransferName *string `json:"transferName"`
	TotalBytes   *int64  `json:"totalBytes"`
}

type messagePayload struct {
	GUID                  string              `json:"guid"`
	RowID                 *int64              `json:"rowId"`
	Text                  *string             `json:"text"`
	Subject               *string             `json:"subject"`
	IsFromMe              bool                `json:"isFromMe"`
	DateCreated           json.RawMessage     `json:"dateCreated"`
	DateRead              json.RawMessage     `json:"dateRead"`
	DateDelivered         json.RawMessage     `json:"dateDelivered"`
	DateEdited            json.RawMessage     `json:"dateEdited"`
	DateDeleted           json.RawMessage     `json:"dateDeleted"`
	Error                 *int                `json:"error"`
	AssociatedMessageGUID *string             `json:"associatedMessageGuid"`
	AssociatedMessageType *string             `json:"associatedMessageType"`
	ThreadOriginatorGUID  *string             `json:"threadOriginatorGuid"`
	ItemType              *int                `json:"itemType"`
	HasAttachments        bool                `json:"hasAttachments"`
	HasReactions          bool                `json:"hasReactions"`
	IsBookmarked          bool                `json:"isBookmarked"`
	BalloonBundleID       *string             `json:"balloonBundleId"`
	MessageSummaryInfo    *string             `json:"messageSummaryInfo"`
	Handle                *handlePayload      `json:"handle"`
	Chats                 []chatPayload       `json:"chats"`
	Attachments           []attachmentPayload `json:"attachments"`
}

type contactPayload struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	PhoneNumbers []struct {
		Address string `json:"address"`
	} `json:"phoneNumbers"`
	Emails []struct {
		Address string `json:"address"`
	} `json:"emails"`
	Avatar string `json:"avatar"` // base64, optional
}

type messageQueryRequest struct {
	ChatGUID string   `json:"chatGuid,omitempty"`
	With     []string `json:"with"`
	Sort     string   `json:"sort"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset,omitempty"`
	After    int64    `json:"after,omitempty"`
	AfterID  int64    `json:"afterId,omitempty"`
}

var messageQueryWith = []string{"chats", "attachments", "attributedBody"}
