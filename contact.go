package chatmail

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Origin ranks how a contact became known; higher origins are more
// trustworthy and are never lowered.
type Origin int

const (
	OriginUnknown          Origin = 0
	OriginIncomingTo       Origin = 0x100
	OriginIncomingCc       Origin = 0x200
	OriginIncomingFrom     Origin = 0x800
	OriginOutgoingTo       Origin = 0x4000
	OriginSecurejoinInvited Origin = 0x1000000
	OriginSecurejoinJoined  Origin = 0x2000000
	OriginManuallyCreated   Origin = 0x4000000
)

// ContactIDSelf is the reserved contact id of the account owner.
const ContactIDSelf int64 = 1

// lastSpecialContactID bounds the reserved id range; real contacts
// start above it.
const lastSpecialContactID int64 = 9

// Contact is one known peer address.
type Contact struct {
	ID      int64
	Name    string
	Addr    string
	Origin  Origin
	Blocked bool
}

// IsSpecial reports whether the id is in the reserved range.
func (c *Contact) IsSpecial() bool {
	return c.ID <= lastSpecialContactID
}

// GetContact loads a contact by id. The self contact is synthesized
// from the configured address.
func (c *Context) GetContact(contactID int64) (*Contact, error) {
	if contactID == ContactIDSelf {
		addr, err := c.SelfAddr()
		if err != nil {
			return nil, err
		}
		return &Contact{ID: ContactIDSelf, Addr: addr, Name: "Me"}, nil
	}

	contact := &Contact{}
	err := c.db.QueryRow(
		"SELECT id, name, addr, origin, blocked FROM contacts WHERE id = ?", contactID,
	).Scan(&contact.ID, &contact.Name, &contact.Addr, &contact.Origin, &contact.Blocked)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contact %d not found", contactID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %d: %w", contactID, err)
	}
	return contact, nil
}

// LookupContactIDByAddr returns the contact id for an address, or 0.
func (c *Context) LookupContactIDByAddr(addr string) (int64, error) {
	if selfAddr, err := c.SelfAddr(); err == nil && addrEqual(addr, selfAddr) {
		return ContactIDSelf, nil
	}
	var id int64
	err := c.db.QueryRow("SELECT id FROM contacts WHERE addr = ?", strings.ToLower(addr)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up contact by addr: %w", err)
	}
	return id, nil
}

// AddOrLookupContact finds or creates a contact for the address and
// raises its origin if the given one ranks higher.
func (c *Context) AddOrLookupContact(name, addr string, origin Origin) (int64, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return 0, fmt.Errorf("cannot add contact without address")
	}
	if id, err := c.LookupContactIDByAddr(addr); err != nil {
		return 0, err
	} else if id != 0 {
		if id != ContactIDSelf {
			if _, err := c.db.Exec(
				"UPDATE contacts SET origin = MAX(origin, ?), name = CASE WHEN name = '' THEN ? ELSE name END WHERE id = ?",
				origin, name, id,
			); err != nil {
				return 0, fmt.Errorf("failed to update contact: %w", err)
			}
		}
		return id, nil
	}

	res, err := c.db.Exec(
		"INSERT INTO contacts (name, addr, origin, created_at) VALUES (?, ?, ?, ?)",
		name, addr, origin, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create contact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.emit(contactsChangedEvent(id))
	return id, nil
}

// ScaleUpOrigin raises the contact's origin; lower origins never
// overwrite higher ones.
func (c *Context) ScaleUpOrigin(contactID int64, origin Origin) error {
	_, err := c.db.Exec(
		"UPDATE contacts SET origin = MAX(origin, ?) WHERE id = ?", origin, contactID,
	)
	if err != nil {
		return fmt.Errorf("failed to scale contact origin: %w", err)
	}
	return nil
}

// IsContactVerified reports whether a Secure-Join completion left a
// verified key for the contact.
func (c *Context) IsContactVerified(contactID int64) (bool, error) {
	contact, err := c.GetContact(contactID)
	if err != nil {
		return false, err
	}
	ps, err := c.peerstates.FromAddr(contact.Addr)
	if err != nil {
		return false, err
	}
	return ps != nil && ps.VerifiedKey != nil, nil
}

func addrEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
