package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertHandle inserts a handle keyed by (address, service) if it does not
// already exist; contact_id is left untouched on conflict (it is filled in
// separately by the contact resolver, N).
func (s *Store) UpsertHandle(ctx context.Context, address, service string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO handles (address, service) VALUES (?, ?)
		ON CONFLICT(address, service) DO NOTHING
	`, address, service); err != nil {
		return 0, fmt.Errorf("store: upsert handle %s/%s: %w", address, service, err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT local_id FROM handles WHERE address = ? AND service = ?`, address, service)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("store: handle local id %s/%s: %w", address, service, err)
	}
	return id, nil
}

// GetHandle loads a handle by local id, with its contact attached if
// resolvable.
func (s *Store) GetHandle(ctx context.Context, localID int64) (*Handle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT local_id, address, service, contact_id FROM handles WHERE local_id = ?`, localID)
	var h Handle
	if err := row.Scan(&h.LocalID, &h.Address, &h.Service, &h.ContactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if h.ContactID != nil {
		c, err := s.GetContact(ctx, *h.ContactID)
		if err == nil {
			h.Contact = c
		}
	}
	return &h, nil
}

// SetHandleContact links a handle to a resolved contact (called by N).
func (s *Store) SetHandleContact(ctx context.Context, handleLocalID, contactLocalID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE handles SET contact_id = ? WHERE local_id = ?`, contactLocalID, handleLocalID)
	return err
}

// HandlesWithoutContact returns every handle whose contact_id is null, for
// N's full-resync pass (spec §4.9 link_contacts_to_handles).
func (s *Store) HandlesWithoutContact(ctx context.Context) ([]Handle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT local_id, address, service FROM handles WHERE contact_id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Handle
	for rows.Next() {
		var h Handle
		if err := rows.Scan(&h.LocalID, &h.Address, &h.Service); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountHandles returns the total number of handles and how many of them
// have a resolved contact_id, for self-test's contact-link coverage report.
func (s *Store) CountHandles(ctx context.Context) (total, withContact int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(contact_id) FROM handles
	`)
	if err := row.Scan(&total, &withContact); err != nil {
		return 0, 0, fmt.Errorf("store: count handles: %w", err)
	}
	return total, withContact, nil
}

// ParticipantsByChat implements the batched participant resolution from
// spec §4.1: given a set of chat local ids, return chat_id -> []Handle with
// contact attached when resolvable, via one join query
// (chat_handles ⋈ handles ⋈ contacts on contact_id).
func (s *Store) ParticipantsByChat(ctx context.Context, chatLocalIDs []int64) (map[int64][]Handle, error) {
	out := make(map[int64][]Handle, len(chatLocalIDs))
	if len(chatLocalIDs) == 0 {
		return out, nil
	}

	query, args := inClauseQuery(`
		SELECT ch.chat_local_id, h.local_id, h.address, h.service, h.contact_id,
			c.local_id, c.external_id, c.display_name, c.phones_json, c.emails_json
		FROM chat_handles ch
		JOIN handles h ON h.local_id = ch.handle_local_id
		LEFT JOIN contacts c ON c.local_id = h.contact_id
		WHERE ch.chat_local_id IN (%s)
	`, chatLocalIDs)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: participants by chat: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chatID int64
		var h Handle
		var cLocalID sql.NullInt64
		var cExternalID, cDisplayName, cPhonesJSON, cEmailsJSON sql.NullString

		if err := rows.Scan(&chatID, &h.LocalID, &h.Address, &h.Service, &h.ContactID,
			&cLocalID, &cExternalID, &cDisplayName, &cPhonesJSON, &cEmailsJSON); err != nil {
			return nil, err
		}

		if cLocalID.Valid {
			c := &Contact{
				LocalID:     cLocalID.Int64,
				ExternalID:  cExternalID.String,
				DisplayName: cDisplayName.String,
			}
			c.Phones = decodeStringList(cPhonesJSON.String)
			c.Emails = decodeStringList(cEmailsJSON.String)
			h.Contact = c
		}

		out[chatID] = append(out[chatID], h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Second pass: a handle that lacks contact_id may still be resolvable
	// by address matching against N's in-memory contact index. The index
	// itself lives in package contacts; s.contactFallback is wired to its
	// Resolve method so this read path can use it without an import cycle.
	if s.contactFallback != nil {
		contactCache := make(map[int64]*Contact)
		for chatID, handles := range out {
			for i := range handles {
				h := &handles[i]
				if h.Contact != nil || h.ContactID != nil {
					continue
				}
				contactID, ok := s.contactFallback(h.Address)
				if !ok {
					continue
				}
				c, cached := contactCache[contactID]
				if !cached {
					loaded, err := s.GetContact(ctx, contactID)
					if err != nil {
						continue
					}
					c = loaded
					contactCache[contactID] = c
				}
				h.Contact = c
			}
			out[chatID] = handles
		}
	}

	return out, nil
}

func (s *Store) participantsForChat(ctx context.Context, chatLocalID int64) ([]Handle, error) {
	byChat, err := s.ParticipantsByChat(ctx, []int64{chatLocalID})
	if err != nil {
		return nil, err
	}
	return byChat[chatLocalID], nil
}

// inClauseQuery builds a "col IN (?, ?, ...)" fragment for a slice of int64
// ids, substituted into format via %s, and returns the matching args.
func inClauseQuery(format string, ids []int64) (string, []any) {
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return fmt.Sprintf(format, placeholders), args
}
