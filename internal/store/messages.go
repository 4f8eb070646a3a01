package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// upsertMessageSQL replaces only the bounded set of mutable Message fields
// on conflict (spec §4.1, invariant 1 in §8).
// Every other field (chat_local_id, handle_local_id, is_from_me,
// date_created_ms, associated_message_*, item_type, balloon_bundle_id) is
// set only on insert and left untouched on conflict, since those describe
// what a message *is* rather than its mutable lifecycle state.
const upsertMessageSQL = `
	INSERT INTO messages (guid, chat_local_id, handle_local_id, text, subject, is_from_me,
		date_created_ms, date_read_ms, date_delivered_ms, date_edited_ms, date_deleted_ms,
		error_code, associated_message_guid, associated_message_type, thread_originator_guid,
		item_type, has_attachments, has_reactions, is_bookmarked, balloon_bundle_id,
		message_summary_info)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(guid) DO UPDATE SET
		text                 = COALESCE(excluded.text, messages.text),
		date_read_ms         = COALESCE(excluded.date_read_ms, messages.date_read_ms),
		date_delivered_ms    = COALESCE(excluded.date_delivered_ms, messages.date_delivered_ms),
		date_edited_ms       = COALESCE(excluded.date_edited_ms, messages.date_edited_ms),
		date_deleted_ms      = COALESCE(excluded.date_deleted_ms, messages.date_deleted_ms),
		error_code           = COALESCE(excluded.error_code, messages.error_code),
		has_reactions        = excluded.has_reactions OR messages.has_reactions,
		is_bookmarked        = excluded.is_bookmarked,
		message_summary_info = COALESCE(excluded.message_summary_info, messages.message_summary_info)
`

// UpsertMessage applies the spec's never-regress-to-null upsert policy: a
// nil pointer field in m means "absent from the incoming payload, preserve
// existing"; explicit-null-on-the-wire must be normalized to a real
// pointer-to-zero-value by the caller before calling this (spec §9
// "Optional fields with never regress to null semantics").
func (s *Store) UpsertMessage(ctx context.Context, m *Message) (int64, error) {
	_, err := s.db.ExecContext(ctx, upsertMessageSQL,
		m.GUID, m.ChatLocalID, m.HandleLocalID, m.Text, m.Subject, boolInt(m.IsFromMe),
		m.DateCreatedMs, m.DateReadMs, m.DateDeliveredMs, m.DateEditedMs, m.DateDeletedMs,
		m.ErrorCode, m.AssociatedMessageGUID, m.AssociatedMessageType, m.ThreadOriginatorGUID,
		m.ItemType, boolInt(m.HasAttachments), boolInt(m.HasReactions), boolInt(m.IsBookmarked), m.BalloonBundleID,
		m.MessageSummaryInfo,
	)
	if err != nil {
		return 0, fmt.Errorf("store: upsert message %s: %w", m.GUID, err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT local_id FROM messages WHERE guid = ?`, m.GUID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("store: message local id %s: %w", m.GUID, err)
	}
	return id, nil
}

// ReconcileSend implements spec §4.7 step 4: transactionally delete the
// optimistic temp-guid row and upsert the server's real row, preserving
// the same logical send (invariant 5 in spec §8: exactly one persisted
// Message afterwards).
func (s *Store) ReconcileSend(ctx context.Context, tempGUID string, real *Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE guid = ?`, tempGUID); err != nil {
		return 0, fmt.Errorf("store: delete temp message %s: %w", tempGUID, err)
	}

	if _, err := tx.ExecContext(ctx, upsertMessageSQL,
		real.GUID, real.ChatLocalID, real.HandleLocalID, real.Text, real.Subject, boolInt(real.IsFromMe),
		real.DateCreatedMs, real.DateReadMs, real.DateDeliveredMs, real.DateEditedMs, real.DateDeletedMs,
		real.ErrorCode, real.AssociatedMessageGUID, real.AssociatedMessageType, real.ThreadOriginatorGUID,
		real.ItemType, boolInt(real.HasAttachments), boolInt(real.HasReactions), boolInt(real.IsBookmarked), real.BalloonBundleID,
		real.MessageSummaryInfo,
	); err != nil {
		return 0, fmt.Errorf("store: upsert real message %s: %w", real.GUID, err)
	}

	row := tx.QueryRowContext(ctx, `SELECT local_id FROM messages WHERE guid = ?`, real.GUID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// MarkSendFailed implements spec §4.7 step 5: rename the optimistic row's
// guid to "error-<temp>" so UIs can surface the failure.
func (s *Store) MarkSendFailed(ctx context.Context, tempGUID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET guid = ? WHERE guid = ?`, errorGUIDPrefix+tempGUID, tempGUID)
	if err != nil {
		return fmt.Errorf("store: mark send failed %s: %w", tempGUID, err)
	}
	return nil
}

// SoftDeleteMessage implements unsend: sets date_deleted_ms locally.
func (s *Store) SoftDeleteMessage(ctx context.Context, guid string, atMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET date_deleted_ms = ? WHERE guid = ?`, atMs, guid)
	return err
}

// GetMessageByGUID loads one message by server (or temp/error) guid.
func (s *Store) GetMessageByGUID(ctx context.Context, guid string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessageSQL+` WHERE guid = ?`, guid)
	return scanMessage(row)
}

const selectMessageSQL = `
	SELECT local_id, guid, chat_local_id, handle_local_id, text, subject, is_from_me,
		date_created_ms, date_read_ms, date_delivered_ms, date_edited_ms, date_deleted_ms,
		error_code, associated_message_guid, associated_message_type, thread_originator_guid,
		item_type, has_attachments, has_reactions, is_bookmarked, balloon_bundle_id,
		message_summary_info
	FROM messages
`

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var isFromMe, hasAttachments, hasReactions, isBookmarked int
	if err := row.Scan(&m.LocalID, &m.GUID, &m.ChatLocalID, &m.HandleLocalID, &m.Text, &m.Subject, &isFromMe,
		&m.DateCreatedMs, &m.DateReadMs, &m.DateDeliveredMs, &m.DateEditedMs, &m.DateDeletedMs,
		&m.ErrorCode, &m.AssociatedMessageGUID, &m.AssociatedMessageType, &m.ThreadOriginatorGUID,
		&m.ItemType, &hasAttachments, &hasReactions, &isBookmarked, &m.BalloonBundleID,
		&m.MessageSummaryInfo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.IsFromMe = isFromMe != 0
	m.HasAttachments = hasAttachments != 0
	m.HasReactions = hasReactions != 0
	m.IsBookmarked = isBookmarked != 0
	return &m, nil
}

func scanMessageRows(rows *sql.Rows) (*Message, error) {
	var m Message
	var isFromMe, hasAttachments, hasReactions, isBookmarked int
	if err := rows.Scan(&m.LocalID, &m.GUID, &m.ChatLocalID, &m.HandleLocalID, &m.Text, &m.Subject, &isFromMe,
		&m.DateCreatedMs, &m.DateReadMs, &m.DateDeliveredMs, &m.DateEditedMs, &m.DateDeletedMs,
		&m.ErrorCode, &m.AssociatedMessageGUID, &m.AssociatedMessageType, &m.ThreadOriginatorGUID,
		&m.ItemType, &hasAttachments, &hasReactions, &isBookmarked, &m.BalloonBundleID,
		&m.MessageSummaryInfo); err != nil {
		return nil, err
	}
	m.IsFromMe = isFromMe != 0
	m.HasAttachments = hasAttachments != 0
	m.HasReactions = hasReactions != 0
	m.IsBookmarked = isBookmarked != 0
	return &m, nil
}

// PageMessages implements cursor-mode pagination (spec §4.5): up to limit
// rows for chatLocalID where date_created <op> cursor (op is < for
// Descending, > for Ascending), date_deleted_ms IS NULL, ordered by
// (date_created_ms, local_id) in the requested direction. The initial call
// passes the zero Cursor to anchor at the newest/oldest tail.
func (s *Store) PageMessages(ctx context.Context, chatLocalID int64, cursor Cursor, limit int, dir Direction) ([]*Message, error) {
	var op, order string
	if dir == Descending {
		op, order = "<", "DESC"
	} else {
		op, order = ">", "ASC"
	}

	var rows *sql.Rows
	var err error
	if cursor.Zero() {
		rows, err = s.db.QueryContext(ctx, selectMessageSQL+fmt.Sprintf(`
			WHERE chat_local_id = ? AND date_deleted_ms IS NULL
			ORDER BY date_created_ms %s, local_id %s
			LIMIT ?
		`, order, order), chatLocalID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectMessageSQL+fmt.Sprintf(`
			WHERE chat_local_id = ? AND date_deleted_ms IS NULL
				AND (date_created_ms, local_id) %s (?, ?)
			ORDER BY date_created_ms %s, local_id %s
			LIMIT ?
		`, op, order, order), chatLocalID, cursor.Ms, cursor.LocalID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: page messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessagesAround implements spec §4.5's bidirectional pagination: up to n
// messages before (inclusive) and n after the given timestamp, glued
// oldest-first.
func (s *Store) MessagesAround(ctx context.Context, chatLocalID int64, atMs int64, n int) ([]*Message, error) {
	before, err := s.PageMessages(ctx, chatLocalID, Cursor{Ms: atMs, LocalID: 1 << 62}, n, Descending)
	if err != nil {
		return nil, err
	}
	after, err := s.PageMessages(ctx, chatLocalID, Cursor{Ms: atMs, LocalID: 1 << 62}, n, Ascending)
	if err != nil {
		return nil, err
	}

	// before is newest-first; reverse it so the glued result is oldest-first.
	reversed := make([]*Message, len(before))
	for i, m := range before {
		reversed[len(before)-1-i] = m
	}
	return append(reversed, after...), nil
}

// PageMessagesOffset is the legacy, random-access offset-mode query (spec
// §4.5). O(offset) server-side; callers should prefer PageMessages for deep
// paging.
func (s *Store) PageMessagesOffset(ctx context.Context, chatLocalID int64, limit, offset int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessageSQL+`
		WHERE chat_local_id = ? AND date_deleted_ms IS NULL
		ORDER BY date_created_ms DESC, local_id DESC
		LIMIT ? OFFSET ?
	`, chatLocalID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
