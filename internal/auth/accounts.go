// Package auth links iMessage contacts (phone numbers or emails) to app
// user ids.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/aimessages/aimessages/internal/store"
)

// Accounts reads and writes iMessageAccounts/<uid> {contact}.
type Accounts struct {
	store store.Store
}

func NewAccounts(s store.Store) *Accounts {
	return &Accounts{store: s}
}

// UIDForContact returns the user linked to contact, or "" when none is.
func (a *Accounts) UIDForContact(contact string) (string, error) {
	if contact == "" {
		return "", nil
	}
	uid, _, err := a.store.Find(store.IMessageAccounts, "contact", contact)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finding account for %s: %w", contact, err)
	}
	return uid, nil
}

// ContactForUID returns the contact linked to uid. It fails with
// store.ErrNotFound when the user has no linked account.
func (a *Accounts) ContactForUID(uid string) (string, error) {
	doc, err := a.store.Get(store.IMessageAccounts, uid)
	if err != nil {
		return "", fmt.Errorf("reading account %s: %w", uid, err)
	}
	contact, _ := doc["contact"].(string)
	if contact == "" {
		return "", fmt.Errorf("account %s has no contact: %w", uid, store.ErrNotFound)
	}
	return contact, nil
}

// Link points uid at contact. A contact belongs to one user at a time, so
// any previous owner is unlinked.
func (a *Accounts) Link(uid, contact string) error {
	prev, err := a.UIDForContact(contact)
	if err != nil {
		return err
	}
	if prev != "" && prev != uid {
		if err := a.store.Delete(store.IMessageAccounts, prev); err != nil {
			return fmt.Errorf("unlinking %s from %s: %w", contact, prev, err)
		}
	}
	return a.store.Set(store.IMessageAccounts, uid, store.Doc{
		"contact":  contact,
		"linkedAt": time.Now().UTC(),
	}, true)
}
