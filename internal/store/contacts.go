package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetContact loads a contact by local id.
func (s *Store) GetContact(ctx context.Context, localID int64) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, external_id, display_name, phones_json, emails_json, avatar
		FROM contacts WHERE local_id = ?
	`, localID)
	var c Contact
	var phonesJSON, emailsJSON string
	if err := row.Scan(&c.LocalID, &c.ExternalID, &c.DisplayName, &phonesJSON, &emailsJSON, &c.Avatar); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Phones = decodeStringList(phonesJSON)
	c.Emails = decodeStringList(emailsJSON)
	return &c, nil
}

// ReplaceAllContacts implements the "full dump; replaces local contacts
// wholesale" lifecycle from spec §3. It runs inside a single transaction:
// every handle's contact_id is cleared, every existing contact row is
// deleted, then the new set is inserted. Handles are not re-linked here;
// cmd/bridged runs contacts.Resolver.LinkAll after each sync pass so
// handles re-resolve against the fresh contact set.
func (s *Store) ReplaceAllContacts(ctx context.Context, contacts []Contact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE handles SET contact_id = NULL`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return err
	}

	for _, c := range contacts {
		phonesJSON, err := json.Marshal(c.Phones)
		if err != nil {
			return fmt.Errorf("store: marshal phones for %s: %w", c.ExternalID, err)
		}
		emailsJSON, err := json.Marshal(c.Emails)
		if err != nil {
			return fmt.Errorf("store: marshal emails for %s: %w", c.ExternalID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (external_id, display_name, phones_json, emails_json, avatar)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				display_name = excluded.display_name,
				phones_json  = excluded.phones_json,
				emails_json  = excluded.emails_json,
				avatar       = excluded.avatar
		`, c.ExternalID, c.DisplayName, string(phonesJSON), string(emailsJSON), c.Avatar); err != nil {
			return fmt.Errorf("store: upsert contact %s: %w", c.ExternalID, err)
		}
	}

	return tx.Commit()
}

// AllContacts returns every contact row, used by the resolver to rebuild
// its in-memory address index.
func (s *Store) AllContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT local_id, external_id, display_name, phones_json, emails_json FROM contacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var phonesJSON, emailsJSON string
		if err := rows.Scan(&c.LocalID, &c.ExternalID, &c.DisplayName, &phonesJSON, &emailsJSON); err != nil {
			return nil, err
		}
		c.Phones = decodeStringList(phonesJSON)
		c.Emails = decodeStringList(emailsJSON)
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
