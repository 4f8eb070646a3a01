// Package contacts builds and maintains the address -> contact index used
// to resolve a Handle's Contact (component N in spec §4.9). It is a
// read-mostly in-memory structure rebuilt from L; R, Y and the
// presentation layer all consult it through Resolve.
package contacts

import (
	"context"
	"strings"
	"sync"

	"github.com/localbridge/bridged/internal/store"
)

// Resolver is the in-memory normalized_address -> Contact index.
type Resolver struct {
	db *store.Store

	mu    sync.RWMutex
	index map[string]int64 // normalized key -> contact local id
}

// New builds an empty Resolver over db. Call Build before first use.
func New(db *store.Store) *Resolver {
	return &Resolver{db: db, index: make(map[string]int64)}
}

// Build reloads the index from every Contact currently in L, replacing
// whatever was indexed before. Safe to call repeatedly (spec §8 invariant
// 6: running the link step twice is idempotent).
func (r *Resolver) Build(ctx context.Context) error {
	contacts, err := r.db.AllContacts(ctx)
	if err != nil {
		return err
	}

	index := make(map[string]int64, len(contacts)*2)
	for _, c := range contacts {
		for _, phone := range c.Phones {
			for _, key := range phoneKeys(phone) {
				index[key] = c.LocalID
			}
		}
		for _, email := range c.Emails {
			for _, key := range emailKeys(email) {
				index[key] = c.LocalID
			}
		}
	}

	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return nil
}

// Resolve looks up address (spec §4.9's handle resolution order, steps 2-3;
// step 1 — trusting an existing Handle.ContactID — is the caller's job,
// since it requires reading the Handle itself, not just the index).
func (r *Resolver) Resolve(address string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	if isEmail(address) {
		candidates = emailKeys(address)
	} else {
		candidates = phoneKeys(address)
	}
	for _, key := range candidates {
		if id, ok := r.index[key]; ok {
			return id, true
		}
	}
	return 0, false
}

// LinkAll implements link_contacts_to_handles: rebuilds the index, then
// resolves and persists a contact_id for every Handle that doesn't already
// have one. Returns the number of handles newly linked.
func (r *Resolver) LinkAll(ctx context.Context) (int, error) {
	if err := r.Build(ctx); err != nil {
		return 0, err
	}

	unresolved, err := r.db.HandlesWithoutContact(ctx)
	if err != nil {
		return 0, err
	}

	linked := 0
	for _, h := range unresolved {
		contactID, ok := r.Resolve(h.Address)
		if !ok {
			continue
		}
		if err := r.db.SetHandleContact(ctx, h.LocalID, contactID); err != nil {
			return linked, err
		}
		linked++
	}
	return linked, nil
}

func isEmail(address string) bool {
	return strings.Contains(address, "@")
}

// emailKeys returns an email's index keys: lowercase exact, and lowercase
// with any "mailto:" prefix stripped (spec §4.9).
func emailKeys(address string) []string {
	lower := strings.ToLower(strings.TrimSpace(address))
	stripped := strings.TrimPrefix(lower, "mailto:")
	if stripped == lower {
		return []string{lower}
	}
	return []string{lower, stripped}
}

// phoneKeys returns a phone's index keys in resolution order: normalized
// (digits-only with a leading "+" if present/inferable), digits-only, and
// for 11-digit US numbers, the 10-digit form with the leading 1 stripped
// (spec §4.9, steps 1-3).
func phoneKeys(address string) []string {
	hadPlus := strings.HasPrefix(strings.TrimSpace(address), "+")
	digits := digitsOnly(address)
	if digits == "" {
		return nil
	}

	normalized := digits
	if hadPlus {
		normalized = "+" + digits
	}

	keys := []string{normalized, digits}
	if len(digits) == 11 && digits[0] == '1' {
		keys = append(keys, digits[1:])
	}
	return keys
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
