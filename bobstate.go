package chatmail

import (
	"database/sql"
	"fmt"
	"time"
)

// bobStep is the next handshake message the joiner expects.
type bobStep int

const (
	bobExpectAuthRequired bobStep = iota + 1
	bobExpectContactConfirm
)

// bobState is the persisted joiner-side Secure-Join state. At most one
// row exists; a new scan supersedes a pending one without error.
type bobState struct {
	ID       int64
	Invite   *QrCode
	NextStep bobStep
	ChatID   int64
}

func (c *Context) loadBobState() (*bobState, error) {
	var invite string
	state := &bobState{}
	err := c.db.QueryRow(
		"SELECT id, invite, next_step, chat_id FROM bobstate ORDER BY id DESC LIMIT 1",
	).Scan(&state.ID, &invite, &state.NextStep, &state.ChatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load joiner state: %w", err)
	}
	state.Invite, err = ParseSecurejoinQr(invite)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored invite: %w", err)
	}
	return state, nil
}

// saveBobState replaces any pending joiner state with the new one.
func (c *Context) saveBobState(invite string, nextStep bobStep, chatID int64) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM bobstate"); err != nil {
		return fmt.Errorf("failed to supersede joiner state: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO bobstate (invite, next_step, chat_id) VALUES (?, ?, ?)",
		invite, nextStep, chatID,
	); err != nil {
		return fmt.Errorf("failed to store joiner state: %w", err)
	}
	return tx.Commit()
}

func (c *Context) deleteBobState() error {
	if _, err := c.db.Exec("DELETE FROM bobstate"); err != nil {
		return fmt.Errorf("failed to delete joiner state: %w", err)
	}
	return nil
}

// JoinSecurejoin takes a scanned QR code and starts the handshake as
// the joiner. The handshake continues in the background as handshake
// messages arrive; the returned chat id is the conversation the join
// happens in.
func (c *Context) JoinSecurejoin(qr string) (int64, error) {
	chatID, err := c.joinSecurejoin(qr)
	if err != nil {
		// The user just scanned this QR code and has context on what
		// failed.
		c.emitError(fmt.Sprintf("QR process failed: %v", err))
		return 0, err
	}
	return chatID, nil
}

func (c *Context) joinSecurejoin(qr string) (int64, error) {
	c.log.Info().Msg("requesting secure-join")

	if _, err := c.EnsureSecretKeyExists(); err != nil {
		return 0, err
	}

	invite, err := ParseSecurejoinQr(qr)
	if err != nil {
		return 0, err
	}

	contactID, err := c.AddOrLookupContact(invite.Name, invite.Addr, OriginSecurejoinJoined)
	if err != nil {
		return 0, err
	}

	var chatID int64
	if invite.IsGroup() {
		// The group chat is created right away; membership arrives
		// with vg-member-added.
		chatID, err = c.GetChatIDByGrpid(invite.GroupID)
		if err != nil {
			return 0, err
		}
		if chatID == 0 {
			res, err := c.db.Exec(
				"INSERT INTO chats (type, name, grpid, protected, created_at) VALUES (?, ?, ?, 1, ?)",
				ChatTypeGroup, invite.GroupName, invite.GroupID, time.Now().Unix(),
			)
			if err != nil {
				return 0, fmt.Errorf("failed to create group chat: %w", err)
			}
			if chatID, err = res.LastInsertId(); err != nil {
				return 0, err
			}
		}
	} else {
		chatID, err = c.ChatIDForContact(contactID, BlockedNot)
		if err != nil {
			return 0, err
		}
	}

	prefix := "vc"
	if invite.IsGroup() {
		prefix = "vg"
	}

	// A joiner that already knows the inviter's key skips the request
	// round-trip and authenticates directly.
	ps, err := c.peerstates.FromFingerprint(invite.Fingerprint)
	if err != nil {
		return 0, err
	}
	if ps != nil && ps.PublicKeyFingerprint == invite.Fingerprint {
		if err := c.saveBobState(qr, bobExpectContactConfirm, chatID); err != nil {
			return 0, err
		}
		c.emitJoinerProgress(contactID, 400)
		if err := c.sendRequestWithAuth(contactID, prefix, invite); err != nil {
			return 0, err
		}
		return chatID, nil
	}

	if err := c.saveBobState(qr, bobExpectAuthRequired, chatID); err != nil {
		return 0, err
	}
	if err := c.sendHandshakeMsg(contactID, prefix+"-request", invite.InviteNumber, "", ""); err != nil {
		return 0, err
	}
	return chatID, nil
}

func (c *Context) sendRequestWithAuth(contactID int64, prefix string, invite *QrCode) error {
	selfFingerprint, err := c.SelfFingerprint()
	if err != nil {
		return err
	}
	grpid := ""
	if invite.IsGroup() {
		grpid = invite.GroupID
	}
	return c.sendHandshakeMsg(contactID, prefix+"-request-with-auth", invite.AuthToken, selfFingerprint, grpid)
}

// bobHandleAuthRequired processes {vc,vg}-auth-required: the first
// encrypted message from the inviter. The signature must match the
// fingerprint scanned from the QR code.
func (c *Context) bobHandleAuthRequired(msg *MimeMessage) (HandshakeMessage, error) {
	state, err := c.loadBobState()
	if err != nil {
		return HandshakeIgnore, err
	}
	if state == nil || state.NextStep != bobExpectAuthRequired {
		// Probably another device holds the joiner state.
		return HandshakeIgnore, nil
	}

	contactID, err := c.LookupContactIDByAddr(state.Invite.Addr)
	if err != nil || contactID == 0 {
		return HandshakeIgnore, err
	}

	if !c.encryptedAndSigned(msg, state.Invite.Fingerprint) {
		c.couldNotEstablishSecureConnection(contactID, "auth-required message not encrypted correctly")
		c.deleteBobState()
		c.emitJoinerProgress(contactID, 0)
		return HandshakeIgnore, nil
	}

	c.log.Info().Msg("inviter fingerprint verified against QR code")
	c.emitJoinerProgress(contactID, 400)

	prefix := "vc"
	if state.Invite.IsGroup() {
		prefix = "vg"
	}
	if err := c.saveBobState(stateInviteString(state), bobExpectContactConfirm, state.ChatID); err != nil {
		return HandshakeIgnore, err
	}
	if err := c.sendRequestWithAuth(contactID, prefix, state.Invite); err != nil {
		return HandshakeIgnore, err
	}
	return HandshakeDone, nil
}

// bobHandleContactConfirm processes vc-contact-confirm or
// vg-member-added, the final inviter message. On success the peer is
// verified and an acknowledgement (vc-contact-confirm-received or
// vg-member-added-received) is sent so the inviter's other devices can
// conclude as well.
func (c *Context) bobHandleContactConfirm(state *bobState, msg *MimeMessage) (HandshakeMessage, error) {
	if state.NextStep != bobExpectContactConfirm {
		return HandshakeIgnore, nil
	}

	contactID, err := c.LookupContactIDByAddr(state.Invite.Addr)
	if err != nil || contactID == 0 {
		return HandshakeIgnore, err
	}

	if !c.encryptedAndSigned(msg, state.Invite.Fingerprint) {
		c.couldNotEstablishSecureConnection(contactID, "contact-confirm message not encrypted correctly")
		c.deleteBobState()
		c.emitJoinerProgress(contactID, 0)
		return HandshakeIgnore, nil
	}

	if err := c.markPeerAsVerified(state.Invite.Fingerprint); err != nil {
		c.couldNotEstablishSecureConnection(contactID, "cannot verify inviter key")
		c.deleteBobState()
		c.emitJoinerProgress(contactID, 0)
		return HandshakeIgnore, nil
	}
	if err := c.ScaleUpOrigin(contactID, OriginSecurejoinJoined); err != nil {
		return HandshakeIgnore, err
	}
	c.emit(contactsChangedEvent(contactID))

	joinVg := state.Invite.IsGroup()
	if !joinVg {
		if err := c.secureConnectionEstablished(contactID, state.ChatID); err != nil {
			return HandshakeIgnore, err
		}
		if err := c.sendHandshakeMsg(contactID, "vc-contact-confirm-received", "", state.Invite.Fingerprint, ""); err != nil {
			return HandshakeIgnore, err
		}
	} else {
		if err := c.secureConnectionEstablished(contactID, state.ChatID); err != nil {
			return HandshakeIgnore, err
		}
		if err := c.sendHandshakeMsg(contactID, "vg-member-added-received", "", state.Invite.Fingerprint, state.Invite.GroupID); err != nil {
			return HandshakeIgnore, err
		}
	}

	c.emitJoinerProgress(contactID, 1000)
	if err := c.deleteBobState(); err != nil {
		return HandshakeIgnore, err
	}

	if joinVg {
		// The member-added message is also a normal group message.
		return HandshakePropagate, nil
	}
	return HandshakeIgnore, nil
}

func stateInviteString(state *bobState) string {
	// Re-serialize the invite for persistence.
	invite := state.Invite
	if invite.IsGroup() {
		return fmt.Sprintf("%s%s#a=%s&g=%s&x=%s&i=%s&s=%s",
			qrScheme, invite.Fingerprint, escapeQrValue(invite.Addr, true),
			escapeQrValue(invite.GroupName, false), invite.GroupID,
			invite.InviteNumber, invite.AuthToken)
	}
	return fmt.Sprintf("%s%s#a=%s&n=%s&i=%s&s=%s",
		qrScheme, invite.Fingerprint, escapeQrValue(invite.Addr, true),
		escapeQrValue(invite.Name, false), invite.InviteNumber, invite.AuthToken)
}
