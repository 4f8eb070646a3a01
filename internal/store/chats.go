package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// UpsertChat inserts or updates a Chat keyed by guid. Per spec §4.1, the
// upsert always replaces the bounded mutable field set (here:
// chat_identifier, display_name, is_archived, is_pinned, mute_type,
// mute_args, has_unread_message, latest_message_date_ms, style). The
// pointer fields (display_name, mute_type, mute_args,
// latest_message_date_ms) use COALESCE(incoming, existing) semantics — a
// nil pointer in c means "absent from payload, preserve existing", never
// "set to null"; the others are overwritten with c's values. guid itself
// is immutable once assigned.
func (s *Store) UpsertChat(ctx context.Context, c *Chat) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (guid, chat_identifier, display_name, is_archived, is_pinned,
			mute_type, mute_args, has_unread_message, latest_message_date_ms, style)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			chat_identifier       = excluded.chat_identifier,
			display_name          = COALESCE(excluded.display_name, chats.display_name),
			is_archived           = excluded.is_archived,
			is_pinned             = excluded.is_pinned,
			mute_type             = COALESCE(excluded.mute_type, chats.mute_type),
			mute_args             = COALESCE(excluded.mute_args, chats.mute_args),
			has_unread_message    = excluded.has_unread_message,
			latest_message_date_ms = COALESCE(excluded.latest_message_date_ms, chats.latest_message_date_ms),
			style                 = excluded.style
	`, c.GUID, c.ChatIdentifier, c.DisplayName, boolInt(c.IsArchived), boolInt(c.IsPinned),
		c.MuteType, c.MuteArgs, boolInt(c.HasUnreadMessage), c.LatestMessageDateMs, string(c.Style))
	if err != nil {
		return 0, fmt.Errorf("store: upsert chat %s: %w", c.GUID, err)
	}

	localID, err := s.chatLocalID(ctx, c.GUID)
	if err != nil {
		return 0, err
	}
	_ = res
	return localID, nil
}

func (s *Store) chatLocalID(ctx context.Context, guid string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT local_id FROM chats WHERE guid = ?`, guid)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("store: chat local id for %s: %w", guid, err)
	}
	return id, nil
}

// GetChatByGUID loads a chat by its server guid, with participants attached
// via join.
func (s *Store) GetChatByGUID(ctx context.Context, guid string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, guid, chat_identifier, display_name, is_archived, is_pinned,
			mute_type, mute_args, has_unread_message, latest_message_date_ms, date_deleted_ms, style
		FROM chats WHERE guid = ?
	`, guid)
	c, err := scanChat(row)
	if err != nil {
		return nil, err
	}
	participants, err := s.participantsForChat(ctx, c.LocalID)
	if err != nil {
		return nil, err
	}
	c.Participants = participants
	return c, nil
}

func scanChat(row *sql.Row) (*Chat, error) {
	var c Chat
	var isArchived, isPinned, hasUnread int
	var style string
	if err := row.Scan(&c.LocalID, &c.GUID, &c.ChatIdentifier, &c.DisplayName,
		&isArchived, &isPinned, &c.MuteType, &c.MuteArgs, &hasUnread,
		&c.LatestMessageDateMs, &c.DateDeletedMs, &style); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan chat: %w", err)
	}
	c.IsArchived = isArchived != 0
	c.IsPinned = isPinned != 0
	c.HasUnreadMessage = hasUnread != 0
	c.Style = ChatStyle(style)
	return &c, nil
}

// SetChatParticipants replaces the membership join rows for a chat. Called
// by R/Y on chat creation or membership sync; participant add/remove
// notifications (spec §4.4) are not persisted beyond this join table.
func (s *Store) SetChatParticipants(ctx context.Context, chatLocalID int64, handleLocalIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_handles WHERE chat_local_id = ?`, chatLocalID); err != nil {
		return err
	}
	for _, hid := range handleLocalIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_handles (chat_local_id, handle_local_id) VALUES (?, ?)`,
			chatLocalID, hid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkChatReadState clears or sets has_unread_message, grounded on the
// chat-read-status-changed handler in spec §4.4.
func (s *Store) MarkChatReadState(ctx context.Context, guid string, hasUnread bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET has_unread_message = ? WHERE guid = ?`, boolInt(hasUnread), guid)
	if err != nil {
		return fmt.Errorf("store: mark chat read state %s: %w", guid, err)
	}
	return nil
}

// UpdateChatDisplayName implements the group-name-change handler.
func (s *Store) UpdateChatDisplayName(ctx context.Context, guid, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET display_name = ? WHERE guid = ?`, name, guid)
	if err != nil {
		return fmt.Errorf("store: update chat display name %s: %w", guid, err)
	}
	return nil
}

// SoftDeleteChat marks a chat locally deleted. Chats are only ever
// soft-deleted (spec §4.1).
func (s *Store) SoftDeleteChat(ctx context.Context, guid string, atMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET date_deleted_ms = ? WHERE guid = ?`, atMs, guid)
	if err != nil {
		return fmt.Errorf("store: soft delete chat %s: %w", guid, err)
	}
	return nil
}

// ListChats returns non-deleted chats ordered by latest_message_date_ms
// descending, with participants attached.
func (s *Store) ListChats(ctx context.Context, limit int) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, guid, chat_identifier, display_name, is_archived, is_pinned,
			mute_type, mute_args, has_unread_message, latest_message_date_ms, date_deleted_ms, style
		FROM chats
		WHERE date_deleted_ms IS NULL
		ORDER BY latest_message_date_ms DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chatIDs []int64
	var chats []*Chat
	for rows.Next() {
		var c Chat
		var isArchived, isPinned, hasUnread int
		var style string
		if err := rows.Scan(&c.LocalID, &c.GUID, &c.ChatIdentifier, &c.DisplayName,
			&isArchived, &isPinned, &c.MuteType, &c.MuteArgs, &hasUnread,
			&c.LatestMessageDateMs, &c.DateDeletedMs, &style); err != nil {
			return nil, err
		}
		c.IsArchived = isArchived != 0
		c.IsPinned = isPinned != 0
		c.HasUnreadMessage = hasUnread != 0
		c.Style = ChatStyle(style)
		chats = append(chats, &c)
		chatIDs = append(chatIDs, c.LocalID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byChat, err := s.ParticipantsByChat(ctx, chatIDs)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		c.Participants = byChat[c.LocalID]
	}
	return chats, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
