package chatmail

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChatType discriminates the kinds of chats.
type ChatType int

const (
	ChatTypeSingle      ChatType = 100
	ChatTypeGroup       ChatType = 120
	ChatTypeMailinglist ChatType = 140
	ChatTypeBroadcast   ChatType = 160
)

// Blocked is the blocked state of a chat.
type Blocked int

const (
	BlockedNot     Blocked = 0
	BlockedYes     Blocked = 1
	BlockedRequest Blocked = 2
)

// MutedForever is the muted-until value meaning "muted with no expiry".
const MutedForever int64 = -1

// Chat is one conversation.
type Chat struct {
	ID         int64
	Type       ChatType
	Name       string
	GrpID      string
	Blocked    Blocked
	Protected  bool
	MutedUntil int64
}

// IsMuted reports whether notifications for the chat are suppressed
// right now.
func (ch *Chat) IsMuted() bool {
	return ch.MutedUntil == MutedForever || ch.MutedUntil > time.Now().Unix()
}

// GetChat loads a chat by id.
func (c *Context) GetChat(chatID int64) (*Chat, error) {
	ch := &Chat{}
	err := c.db.QueryRow(
		"SELECT id, type, name, grpid, blocked, protected, muted_until FROM chats WHERE id = ?",
		chatID,
	).Scan(&ch.ID, &ch.Type, &ch.Name, &ch.GrpID, &ch.Blocked, &ch.Protected, &ch.MutedUntil)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chat %d not found", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat %d: %w", chatID, err)
	}
	return ch, nil
}

// GetChatIDByGrpid resolves a group id string to the local chat id,
// or 0 if the group is unknown.
func (c *Context) GetChatIDByGrpid(grpid string) (int64, error) {
	var id int64
	err := c.db.QueryRow("SELECT id FROM chats WHERE grpid = ?", grpid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up chat by grpid: %w", err)
	}
	return id, nil
}

// ChatIDForContact returns the 1:1 chat with the contact, creating it
// with the given blocked state if it does not exist. An existing chat
// is unblocked when blocked is BlockedNot.
func (c *Context) ChatIDForContact(contactID int64, blocked Blocked) (int64, error) {
	var chatID int64
	err := c.db.QueryRow(`
		SELECT c.id FROM chats c
		JOIN chats_contacts cc ON cc.chat_id = c.id
		WHERE c.type = ? AND cc.contact_id = ?
	`, ChatTypeSingle, contactID).Scan(&chatID)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up 1:1 chat: %w", err)
	}
	if chatID != 0 {
		if blocked == BlockedNot {
			if _, err := c.db.Exec(
				"UPDATE chats SET blocked = ? WHERE id = ? AND blocked != ?",
				BlockedNot, chatID, BlockedNot,
			); err != nil {
				return 0, fmt.Errorf("failed to unblock chat: %w", err)
			}
		}
		return chatID, nil
	}

	contact, err := c.GetContact(contactID)
	if err != nil {
		return 0, err
	}

	tx, err := c.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO chats (type, name, blocked, created_at) VALUES (?, ?, ?, ?)",
		ChatTypeSingle, contact.DisplayName(), blocked, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}
	chatID, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"INSERT INTO chats_contacts (chat_id, contact_id) VALUES (?, ?)", chatID, contactID,
	); err != nil {
		return 0, fmt.Errorf("failed to add chat member: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	c.emit(msgsChangedEvent(chatID, 0))
	return chatID, nil
}

// DisplayName returns the name to show for a contact.
func (ct *Contact) DisplayName() string {
	if ct.Name != "" {
		return ct.Name
	}
	return ct.Addr
}

// CreateGroupChat creates a new group chat with self as a member.
// With protected set, only verified contacts may be added later.
func (c *Context) CreateGroupChat(name string, protected bool) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("group name must not be empty")
	}
	grpid := uuid.NewString()

	tx, err := c.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO chats (type, name, grpid, protected, created_at) VALUES (?, ?, ?, ?, ?)",
		ChatTypeGroup, name, grpid, protected, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create group chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"INSERT INTO chats_contacts (chat_id, contact_id) VALUES (?, ?)", chatID, ContactIDSelf,
	); err != nil {
		return 0, fmt.Errorf("failed to add self to group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	c.emit(msgsChangedEvent(chatID, 0))
	return chatID, nil
}

// IsContactInChat reports group membership.
func (c *Context) IsContactInChat(chatID, contactID int64) (bool, error) {
	var n int
	err := c.db.QueryRow(
		"SELECT COUNT(*) FROM chats_contacts WHERE chat_id = ? AND contact_id = ?",
		chatID, contactID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check chat membership: %w", err)
	}
	return n > 0, nil
}

// AddContactToChat adds a contact to a group chat and posts the
// member-added system message. In protected chats the contact must be
// verified.
func (c *Context) AddContactToChat(chatID, contactID int64) error {
	chat, err := c.GetChat(chatID)
	if err != nil {
		return err
	}
	if chat.Type != ChatTypeGroup && chat.Type != ChatTypeBroadcast {
		return fmt.Errorf("chat %d is not a group", chatID)
	}
	if chat.Protected {
		verified, err := c.IsContactVerified(contactID)
		if err != nil {
			return err
		}
		if !verified {
			return fmt.Errorf("contact %d is not verified, cannot add to protected chat", contactID)
		}
	}

	added, err := c.addContactToChatRaw(chatID, contactID)
	if err != nil || !added {
		return err
	}

	contact, err := c.GetContact(contactID)
	if err != nil {
		return err
	}
	msg := NewMessage(ViewtypeText)
	msg.Text = c.stockStringRepl(StockSecurejoinGroupJoined, contact.DisplayName())
	msg.Params.SetCmd(SystemMessageMemberAdded)
	msg.Params.Set(ParamArg, contact.Addr)
	if _, err := c.SendMsg(chatID, msg); err != nil {
		return err
	}

	c.emit(chatModifiedEvent(chatID))
	return nil
}

// addContactToChatRaw inserts the membership row only. Returns false
// if the contact already is a member.
func (c *Context) addContactToChatRaw(chatID, contactID int64) (bool, error) {
	if member, err := c.IsContactInChat(chatID, contactID); err != nil {
		return false, err
	} else if member {
		return false, nil
	}
	if _, err := c.db.Exec(
		"INSERT INTO chats_contacts (chat_id, contact_id) VALUES (?, ?)", chatID, contactID,
	); err != nil {
		return false, fmt.Errorf("failed to add chat member: %w", err)
	}
	return true, nil
}

// ChatMembers returns the contact ids of all chat members.
func (c *Context) ChatMembers(chatID int64) ([]int64, error) {
	rows, err := c.db.Query(
		"SELECT contact_id FROM chats_contacts WHERE chat_id = ? ORDER BY contact_id", chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chat member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// SetChatMutedUntil mutes or unmutes a chat. MutedForever mutes with
// no expiry; 0 unmutes.
func (c *Context) SetChatMutedUntil(chatID, mutedUntil int64) error {
	if _, err := c.db.Exec(
		"UPDATE chats SET muted_until = ? WHERE id = ?", mutedUntil, chatID,
	); err != nil {
		return fmt.Errorf("failed to mute chat: %w", err)
	}
	c.emit(chatModifiedEvent(chatID))
	return nil
}

// SetChatProtection toggles the verified-only flag of a group chat.
func (c *Context) SetChatProtection(chatID int64, protected bool) error {
	if _, err := c.db.Exec(
		"UPDATE chats SET protected = ? WHERE id = ?", protected, chatID,
	); err != nil {
		return fmt.Errorf("failed to set chat protection: %w", err)
	}
	c.emit(chatModifiedEvent(chatID))
	return nil
}
