package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertAttachment inserts or updates an Attachment keyed by guid (spec
// §3 "Attachment"). Metadata fields are replaced wholesale on conflict —
// unlike Message/Chat, attachment metadata never partially arrives, so
// there is no COALESCE-preserve concern here.
func (s *Store) UpsertAttachment(ctx context.Context, a *Attachment) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (guid, message_local_id, mime_type, transfer_name, total_bytes, file_extension)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			mime_type      = excluded.mime_type,
			transfer_name  = excluded.transfer_name,
			total_bytes    = excluded.total_bytes,
			file_extension = excluded.file_extension
	`, a.GUID, a.MessageLocalID, a.MimeType, a.TransferName, a.TotalBytes, a.FileExtension); err != nil {
		return 0, fmt.Errorf("store: upsert attachment %s: %w", a.GUID, err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT local_id FROM attachments WHERE guid = ?`, a.GUID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("store: attachment local id %s: %w", a.GUID, err)
	}
	return id, nil
}

// GetAttachment loads one attachment by local id.
func (s *Store) GetAttachment(ctx context.Context, localID int64) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, guid, message_local_id, mime_type, transfer_name, total_bytes, file_extension
		FROM attachments WHERE local_id = ?
	`, localID)
	return scanAttachment(row)
}

// GetAttachmentByGUID loads one attachment by guid.
func (s *Store) GetAttachmentByGUID(ctx context.Context, guid string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, guid, message_local_id, mime_type, transfer_name, total_bytes, file_extension
		FROM attachments WHERE guid = ?
	`, guid)
	return scanAttachment(row)
}

func scanAttachment(row *sql.Row) (*Attachment, error) {
	var a Attachment
	if err := row.Scan(&a.LocalID, &a.GUID, &a.MessageLocalID, &a.MimeType, &a.TransferName, &a.TotalBytes, &a.FileExtension); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// AttachmentsByMessage attaches a message's Attachment rows, used when
// materializing the view-only Message.Attachments projection.
func (s *Store) AttachmentsByMessage(ctx context.Context, messageLocalIDs []int64) (map[int64][]Attachment, error) {
	out := make(map[int64][]Attachment, len(messageLocalIDs))
	if len(messageLocalIDs) == 0 {
		return out, nil
	}

	query, args := inClauseQuery(`
		SELECT local_id, guid, message_local_id, mime_type, transfer_name, total_bytes, file_extension
		FROM attachments WHERE message_local_id IN (%s)
	`, messageLocalIDs)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: attachments by message: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.LocalID, &a.GUID, &a.MessageLocalID, &a.MimeType, &a.TransferName, &a.TotalBytes, &a.FileExtension); err != nil {
			return nil, err
		}
		out[a.MessageLocalID] = append(out[a.MessageLocalID], a)
	}
	return out, rows.Err()
}
