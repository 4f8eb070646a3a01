// Package store is the local embedded relational mirror of the remote
// conversation database (component L in spec §4.1). It owns every
// persisted row; entities returned to callers carry view-only projections
// (participants, attachments, sender handle) materialized on read via join,
// never stored as owning references (spec §9 "Back-references").
package store

// MessageStatus is the derived send/delivery status of a Message (spec §3).
type MessageStatus string

const (
	StatusNone      MessageStatus = "none"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// ChatStyle distinguishes direct messages from group chats.
type ChatStyle string

const (
	StyleDirect ChatStyle = "direct"
	StyleGroup  ChatStyle = "group"
)

// Chat is a conversation (spec §3 "Chat").
type Chat struct {
	LocalID            int64
	GUID               string
	ChatIdentifier      string
	DisplayName        *string
	IsArchived         bool
	IsPinned           bool
	MuteType           *string
	MuteArgs           *string
	HasUnreadMessage   bool
	LatestMessageDateMs *int64
	DateDeletedMs      *int64
	Style              ChatStyle

	// Participants is populated on read via join; never persisted directly.
	Participants []Handle `json:"participants,omitempty"`
}

// Title derives the chat's display title per spec §3:
// explicit display_name wins, else participant contact names (only if at
// least one resolved), else chat_identifier, else "Unknown".
func (c *Chat) Title() string {
	if c.DisplayName != nil && *c.DisplayName != "" {
		return *c.DisplayName
	}
	var names []string
	for _, h := range c.Participants {
		if h.Contact != nil && h.Contact.DisplayName != "" {
			names = append(names, h.Contact.DisplayName)
		}
	}
	if len(names) > 0 {
		return joinNames(names)
	}
	if c.ChatIdentifier != "" {
		return c.ChatIdentifier
	}
	return "Unknown"
}

func joinNames(names []string) string {
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}

// AssociatedMessageType enumerates tapback/reaction kinds attached to a
// target message via Message.AssociatedMessageType.
type AssociatedMessageType int

// Message is a single utterance (spec §3 "Message").
type Message struct {
	LocalID                int64
	GUID                   string // may be "temp-…" or "error-…" pre-reconciliation
	ChatLocalID            int64
	HandleLocalID          *int64 // sender; nil for is_from_me with no resolved handle
	Text                   *string
	Subject                *string
	IsFromMe               bool
	DateCreatedMs          *int64
	DateReadMs             *int64
	DateDeliveredMs        *int64
	DateEditedMs           *int64
	DateDeletedMs          *int64
	ErrorCode              *int
	AssociatedMessageGUID  *string
	AssociatedMessageType  *string
	ThreadOriginatorGUID   *string
	ItemType               *int
	HasAttachments         bool
	HasReactions           bool
	IsBookmarked           bool
	BalloonBundleID        *string
	MessageSummaryInfo     *string

	// View-only projections populated on read.
	Attachments []Attachment `json:"attachments,omitempty"`
	Sender      *Handle      `json:"sender,omitempty"`
}

// Status derives the message's send/delivery state per spec §3.
func (m *Message) Status() MessageStatus {
	switch {
	case m.DateReadMs != nil:
		return StatusRead
	case m.DateDeliveredMs != nil:
		return StatusDelivered
	case m.DateCreatedMs != nil:
		return StatusSent
	default:
		return StatusNone
	}
}

const (
	tempGUIDPrefix  = "temp-"
	errorGUIDPrefix = "error-"
)

// IsTemp reports whether guid marks an unreconciled optimistic row.
func IsTemp(guid string) bool { return hasPrefix(guid, tempGUIDPrefix) }

// IsError reports whether guid marks a failed optimistic row.
func IsError(guid string) bool { return hasPrefix(guid, errorGUIDPrefix) }

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

// Handle is one participant identity (spec §3 "Handle").
type Handle struct {
	LocalID   int64
	Address   string
	Service   string
	ContactID *int64

	// Contact is populated on read via join when resolvable.
	Contact *Contact `json:"contact,omitempty"`
}

// Attachment is a file referenced by a Message (spec §3 "Attachment").
type Attachment struct {
	LocalID         int64
	GUID            string
	MessageLocalID  int64
	MimeType        *string
	TransferName    *string
	TotalBytes      *int64
	FileExtension   *string
}

// Contact is an address-book entry (spec §3 "Contact").
type Contact struct {
	LocalID     int64
	ExternalID  string
	DisplayName string
	Phones      []string
	Emails      []string
	Avatar      []byte
}

// Setting is a process-wide key/string row with typed accessors (spec §3
// "Setting"), persisted in L — distinct from the file-backed config in
// internal/config (spec §9 "Global state" / SPEC_FULL §4.0).
type Setting struct {
	Key   string
	Value string
}

// Theme is a seeded UI preset row (spec §4.1 "seed the two preset themes").
// Rendering is UI-side and out of scope; the core only owns the rows.
type Theme struct {
	LocalID int64
	Name    string
	IsDark  bool
	JSON    string
}
