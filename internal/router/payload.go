// Package router turns S's decoded-but-unrouted realtime events into L
// writes and domain events on the bus (component R). Wire field names below
// are camelCase, matching the bridge server's REST/socket payload shape.
package router

import "encoding/json"

type chatPayload struct {
	GUID           string           `json:"guid"`
	ChatIdentifier string           `json:"chatIdentifier"`
	DisplayName    *string          `json:"displayName"`
	Style          string           `json:"style"`
	Participants   []handlePayload  `json:"participants"`
}

type handlePayload struct {
	Address string `json:"address"`
	Service string `json:"service"`
}

type attachmentPayload struct {
	GUID          string  `json:"guid"`
	MimeType      *string `json:"mimeType"`
	TransferName  *string `json:"transferName"`
	TotalBytes    *int64  `json:"totalBytes"`
}

type messagePayload struct {
	GUID                  string              `json:"guid"`
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

type typingPayload struct {
	GUID    string `json:"guid"`
	Display bool   `json:"display"`
}

type chatReadStatusPayload struct {
	ChatGUID string `json:"chatGuid"`
	Read     bool   `json:"read"`
}

type groupNameChangePayload struct {
	ChatGUID    string  `json:"chatGuid"`
	NewName     *string `json:"newName"`
	DisplayName *string `json:"displayName"`
}

func (p groupNameChangePayload) resolvedName() string {
	if p.NewName != nil && *p.NewName != "" {
		return *p.NewName
	}
	if p.DisplayName != nil {
		return *p.DisplayName
	}
	return ""
}

type participantChangePayload struct {
	ChatGUID string  `json:"chatGuid"`
	Handle   *string `json:"handle"`
	Address  *string `json:"address"`
}

func (p participantChangePayload) resolvedAddress() string {
	if p.Handle != nil && *p.Handle != "" {
		return *p.Handle
	}
	if p.Address != nil {
		return *p.Address
	}
	return ""
}

type facetimeHandlePayload struct {
	Address string `json:"address"`
}

type incomingFaceTimePayload struct {
	UUID    string                 `json:"uuid"`
	Handle  *facetimeHandlePayload `json:"handle"`
	Address *string                `json:"address"`
	IsAudio bool                   `json:"isAudio"`
}

func (p incomingFaceTimePayload) resolvedCaller() string {
	if p.Handle != nil && p.Handle.Address != "" {
		return p.Handle.Address
	}
	if p.Address != nil {
		return *p.Address
	}
	return "Unknown"
}

type facetimeStatusPayload struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

type aliasesRemovedPayload struct {
	Aliases []string `json:"aliases"`
}
