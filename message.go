package chatmail

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Viewtype is the presentation kind of a message.
type Viewtype int

const (
	ViewtypeText     Viewtype = 10
	ViewtypeImage    Viewtype = 20
	ViewtypeSticker  Viewtype = 23
	ViewtypeAudio    Viewtype = 40
	ViewtypeVoice    Viewtype = 41
	ViewtypeVideo    Viewtype = 50
	ViewtypeFile     Viewtype = 60
	ViewtypeLocation Viewtype = 90
)

// MsgState is the delivery state of a message.
type MsgState int

const (
	StateUndefined    MsgState = 0
	StateInFresh      MsgState = 10
	StateInNoticed    MsgState = 13
	StateInSeen       MsgState = 16
	StateOutPreparing MsgState = 18
	StateOutPending   MsgState = 20
	StateOutFailed    MsgState = 24
	StateOutDelivered MsgState = 26
)

// Message is one chat message.
type Message struct {
	ID         int64
	Rfc724Mid  string
	ChatID     int64
	FromID     int64
	Timestamp  int64
	Viewtype   Viewtype
	State      MsgState
	Text       string
	Params     Params
	Hidden     bool
	LocationID int64
}

// NewMessage creates an empty outgoing message of the given view type.
func NewMessage(viewtype Viewtype) *Message {
	return &Message{
		Viewtype: viewtype,
		Params:   Params{},
	}
}

// IsSystemMessage reports whether the message carries a Cmd subtype.
func (m *Message) IsSystemMessage() bool {
	return m.Params.Cmd() != SystemMessageUnknown
}

// GetMessage loads a message by id.
func (c *Context) GetMessage(msgID int64) (*Message, error) {
	m := &Message{}
	var params string
	err := c.db.QueryRow(`
		SELECT id, rfc724_mid, chat_id, from_id, timestamp, type, state, txt, param, hidden, location_id
		FROM msgs WHERE id = ?
	`, msgID).Scan(&m.ID, &m.Rfc724Mid, &m.ChatID, &m.FromID, &m.Timestamp,
		&m.Viewtype, &m.State, &m.Text, &params, &m.Hidden, &m.LocationID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %d not found", msgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", msgID, err)
	}
	m.Params = ParseParams(params)
	return m, nil
}

// MsgIDByRfc724Mid resolves a wire Message-ID to the local message id,
// or 0. The inbound pipeline uses this to deduplicate deliveries that
// arrive on several folders.
func (c *Context) MsgIDByRfc724Mid(rfc724Mid string) (int64, error) {
	var id int64
	err := c.db.QueryRow("SELECT id FROM msgs WHERE rfc724_mid = ?", rfc724Mid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up message by Message-ID: %w", err)
	}
	return id, nil
}

func (c *Context) insertMessage(m *Message) error {
	res, err := c.db.Exec(`
		INSERT INTO msgs (rfc724_mid, chat_id, from_id, timestamp, type, state, txt, param, hidden, location_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Rfc724Mid, m.ChatID, m.FromID, m.Timestamp, m.Viewtype, m.State,
		m.Text, m.Params.Encode(), m.Hidden, m.LocationID)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// SendMsg queues a message for delivery in the given chat.
//
// The message is stored OutPending and handed to the SMTP worker via
// the job queue; the timestamp is smeared to stay strictly monotonic
// within the context.
func (c *Context) SendMsg(chatID int64, m *Message) (int64, error) {
	if _, err := c.GetChat(chatID); err != nil {
		return 0, err
	}

	m.ChatID = chatID
	m.FromID = ContactIDSelf
	m.State = StateOutPending
	m.Timestamp = c.SmearedTimestamp()
	if m.Rfc724Mid == "" {
		m.Rfc724Mid = createRfc724Mid()
	}
	if m.Params == nil {
		m.Params = Params{}
	}

	if err := c.insertMessage(m); err != nil {
		return 0, err
	}

	// User-initiated sends are never blocked by the limiter but still
	// count against it, postponing the next automatic send.
	c.ratelimitMu.Lock()
	c.ratelimit.Send()
	c.ratelimitMu.Unlock()

	if err := c.jobs.Add(jobActionSendMsgToSmtp, m.ID, "", 0); err != nil {
		return 0, err
	}
	c.InterruptSmtp()

	c.emit(msgsChangedEvent(chatID, m.ID))
	return m.ID, nil
}

// AddInfoMsg inserts a local system notice into a chat. Info messages
// are never transmitted.
func (c *Context) AddInfoMsg(chatID int64, text string, timestamp int64) (int64, error) {
	m := NewMessage(ViewtypeText)
	m.ChatID = chatID
	m.FromID = ContactIDSelf
	m.Timestamp = timestamp
	m.State = StateInNoticed
	m.Text = text
	m.Rfc724Mid = createRfc724Mid()
	if err := c.insertMessage(m); err != nil {
		return 0, err
	}
	c.emit(msgsChangedEvent(chatID, m.ID))
	return m.ID, nil
}

// GetFreshMsgs returns the ids of all unseen incoming messages in
// unmuted, unblocked chats, newest first.
func (c *Context) GetFreshMsgs() ([]int64, error) {
	rows, err := c.db.Query(`
		SELECT m.id FROM msgs m
		JOIN chats ch ON ch.id = m.chat_id
		WHERE m.state = ? AND m.hidden = 0
		AND ch.blocked = 0
		AND (ch.muted_until = 0 OR (ch.muted_until != ? AND ch.muted_until <= ?))
		ORDER BY m.timestamp DESC, m.id DESC
	`, StateInFresh, MutedForever, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query fresh messages: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// SearchMsgs searches message texts. With chatID 0 all chats are
// searched and the result is capped at 1000 entries; a per-chat search
// is unlimited.
func (c *Context) SearchMsgs(chatID int64, query string) ([]int64, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	pattern := "%" + query + "%"

	var rows *sql.Rows
	var err error
	if chatID != 0 {
		rows, err = c.db.Query(`
			SELECT id FROM msgs
			WHERE chat_id = ? AND hidden = 0 AND txt LIKE ?
			ORDER BY timestamp, id
		`, chatID, pattern)
	} else {
		rows, err = c.db.Query(`
			SELECT m.id FROM msgs m
			JOIN chats ch ON ch.id = m.chat_id
			WHERE m.hidden = 0 AND ch.blocked = 0 AND m.txt LIKE ?
			ORDER BY m.timestamp DESC, m.id DESC
			LIMIT 1000
		`, pattern)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// MarkseenMsgs advances incoming messages to seen and queues the
// server-side flag update.
func (c *Context) MarkseenMsgs(msgIDs []int64) error {
	for _, msgID := range msgIDs {
		m, err := c.GetMessage(msgID)
		if err != nil {
			return err
		}
		if m.State != StateInFresh && m.State != StateInNoticed {
			continue
		}
		if _, err := c.db.Exec(
			"UPDATE msgs SET state = ? WHERE id = ?", StateInSeen, msgID,
		); err != nil {
			return fmt.Errorf("failed to mark message seen: %w", err)
		}
		if err := c.jobs.Add(jobActionMarkseenMsgOnImap, msgID, "", 0); err != nil {
			return err
		}
		c.emit(msgsChangedEvent(m.ChatID, msgID))
	}
	c.InterruptInbox()
	return nil
}

// DeleteMsgs removes messages locally and queues server-side deletion.
func (c *Context) DeleteMsgs(msgIDs []int64) error {
	for _, msgID := range msgIDs {
		m, err := c.GetMessage(msgID)
		if err != nil {
			continue
		}
		if err := c.jobs.Add(jobActionDeleteMsgOnImap, msgID, m.Rfc724Mid, 0); err != nil {
			return err
		}
		if _, err := c.db.Exec("DELETE FROM msgs WHERE id = ?", msgID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		c.emit(msgsChangedEvent(m.ChatID, 0))
	}
	c.InterruptInbox()
	return nil
}

// updateMsgState advances the delivery state of a stored message.
func (c *Context) updateMsgState(msgID int64, state MsgState) error {
	if _, err := c.db.Exec("UPDATE msgs SET state = ? WHERE id = ?", state, msgID); err != nil {
		return fmt.Errorf("failed to update message state: %w", err)
	}
	return nil
}

// SmearedTimestamp returns the current time, pushed forward by one
// second per collision so outbound timestamps are strictly monotonic
// within a context.
func (c *Context) SmearedTimestamp() int64 {
	now := time.Now().Unix()
	c.smearMu.Lock()
	defer c.smearMu.Unlock()
	if now <= c.lastSmearedTimestamp {
		now = c.lastSmearedTimestamp + 1
	}
	c.lastSmearedTimestamp = now
	return now
}

func createRfc724Mid() string {
	return fmt.Sprintf("Mr.%s@localhost", uuid.NewString())
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
