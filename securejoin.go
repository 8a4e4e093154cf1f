package chatmail

// Verified contact protocol, as specified by the countermitm project:
// an out-of-band QR code bootstraps a handshake that leaves both sides
// bidirectionally verified.

import (
	"fmt"
	"strings"
	"time"

	"github.com/hkdb/chatmail/internal/aheader"
	"github.com/hkdb/chatmail/internal/event"
	"github.com/hkdb/chatmail/internal/peerstate"
	"github.com/hkdb/chatmail/internal/token"
)

// HandshakeMessage tells the receive pipeline what to do with a
// handled Secure-Join handshake message.
type HandshakeMessage int

const (
	// HandshakeDone removes the message locally and on the server.
	HandshakeDone HandshakeMessage = iota

	// HandshakeIgnore hides the message but leaves it on the server,
	// so other devices on the account can process it as well.
	HandshakeIgnore

	// HandshakePropagate hands the message on to normal processing,
	// e.g. a member-added message that also carries a handshake step.
	HandshakePropagate
)

func (c *Context) emitInviterProgress(contactID int64, progress int) {
	// 0=error, 1..999=progress, 1000=success
	c.emit(event.SecurejoinInviterProgress{ContactID: contactID, Progress: progress})
}

func (c *Context) emitJoinerProgress(contactID int64, progress int) {
	c.emit(event.SecurejoinJoinerProgress{ContactID: contactID, Progress: progress})
}

// sendHandshakeMsg sends one handshake step into the hidden 1:1 chat
// with the contact. Bob's steps with auth carry the token, Alice's
// confirm steps the fingerprint.
func (c *Context) sendHandshakeMsg(contactID int64, step, authToken, fingerprint, grpid string) error {
	chatID, err := c.ChatIDForContact(contactID, BlockedYes)
	if err != nil {
		return err
	}

	msg := NewMessage(ViewtypeText)
	msg.Text = "Secure-Join: " + step
	msg.Hidden = true
	msg.Params.SetCmd(SystemMessageSecurejoinMessage)
	msg.Params.Set(ParamArg, step)
	msg.Params.Set(ParamArg2, authToken)
	msg.Params.Set(ParamArg3, fingerprint)
	msg.Params.Set(ParamArg4, grpid)
	switch step {
	case "vg-request", "vc-request":
		// The very first message may go out unencrypted; Bob does not
		// have Alice's key yet. Its Autocrypt header delivers it.
	default:
		msg.Params.SetInt(ParamGuaranteeE2ee, 1)
	}

	_, err = c.SendMsg(chatID, msg)
	return err
}

// infoChatID returns the unblocked 1:1 chat used for user-visible
// handshake notices.
func (c *Context) infoChatID(contactID int64) (int64, error) {
	return c.ChatIDForContact(contactID, BlockedNot)
}

func (c *Context) fingerprintEqualsSender(fingerprint string, contactID int64) (bool, error) {
	contact, err := c.GetContact(contactID)
	if err != nil {
		return false, err
	}
	ps, err := c.peerstates.FromAddr(contact.Addr)
	if err != nil || ps == nil {
		return false, err
	}
	return ps.PublicKeyFingerprint == fingerprint, nil
}

// encryptedAndSigned checks that a handshake message arrived encrypted
// and carries a valid signature of the expected fingerprint.
func (c *Context) encryptedAndSigned(msg *MimeMessage, expectedFingerprint string) bool {
	if !msg.WasEncrypted() {
		c.log.Warn().Msg("message not encrypted")
		return false
	}
	if expectedFingerprint == "" {
		c.log.Warn().Msg("fingerprint for comparison missing")
		return false
	}
	if !msg.Signatures[expectedFingerprint] {
		c.log.Warn().Str("fingerprint", expectedFingerprint).Msg("message does not match expected fingerprint")
		return false
	}
	return true
}

// markPeerAsVerified promotes the peer with the given fingerprint to
// bidirectional verification.
func (c *Context) markPeerAsVerified(fingerprint string) error {
	ps, err := c.peerstates.FromFingerprint(fingerprint)
	if err != nil {
		return err
	}
	if ps == nil || !ps.SetVerified(peerstate.KeyTypePublic, fingerprint) {
		return fmt.Errorf("could not mark peer as verified for fingerprint %s", fingerprint)
	}
	ps.PreferEncrypt = aheader.PreferMutual
	ps.ToSave = peerstate.SaveAll
	return c.peerstates.Save(ps, false)
}

func (c *Context) secureConnectionEstablished(contactID, chatID int64) error {
	contact, err := c.GetContact(contactID)
	if err != nil {
		return err
	}
	text := c.stockStringRepl(StockContactVerified, contact.DisplayName())
	if _, err := c.AddInfoMsg(chatID, text, time.Now().Unix()); err != nil {
		return err
	}
	c.emit(chatModifiedEvent(chatID))
	return nil
}

// couldNotEstablishSecureConnection posts the "cannot verify" notice.
// The offending message is left on the server so other devices may
// still complete the flow.
func (c *Context) couldNotEstablishSecureConnection(contactID int64, details string) error {
	chatID, err := c.infoChatID(contactID)
	if err != nil {
		return err
	}
	contact, err := c.GetContact(contactID)
	if err != nil {
		return err
	}
	text := c.stockStringRepl(StockContactNotVerified, contact.DisplayName())
	if _, err := c.AddInfoMsg(chatID, text, time.Now().Unix()); err != nil {
		return err
	}
	c.log.Warn().Str("details", details).Msg("contact-not-verified notice posted to 1:1 chat")
	return nil
}

// addVerifiedMemberToChat adds the freshly verified joiner to the
// group and announces it with a member-added message that doubles as
// the vg-member-added handshake step.
func (c *Context) addVerifiedMemberToChat(chatID, contactID int64, fingerprint, grpid string) error {
	added, err := c.addContactToChatRaw(chatID, contactID)
	if err != nil {
		return err
	}
	contact, err := c.GetContact(contactID)
	if err != nil {
		return err
	}

	msg := NewMessage(ViewtypeText)
	msg.Text = c.stockStringRepl(StockSecurejoinGroupJoined, contact.DisplayName())
	msg.Params.SetCmd(SystemMessageSecurejoinMessage)
	msg.Params.Set(ParamArg, "vg-member-added")
	msg.Params.Set(ParamArg3, fingerprint)
	msg.Params.Set(ParamArg4, grpid)
	msg.Params.SetInt(ParamGuaranteeE2ee, 1)
	if _, err := c.SendMsg(chatID, msg); err != nil {
		return err
	}

	if added {
		c.emit(chatModifiedEvent(chatID))
	}
	return nil
}

// HandleSecurejoinHandshake processes an incoming handshake message.
// The message is not yet filed in the database; the receive pipeline
// does that afterwards as needed, depending on the disposition.
func (c *Context) HandleSecurejoinHandshake(msg *MimeMessage, contactID int64) (HandshakeMessage, error) {
	if contactID <= lastSpecialContactID {
		return HandshakeIgnore, fmt.Errorf("cannot be called with a special contact id")
	}
	step := msg.GetHeader(headerSecureJoin)
	if step == "" {
		return HandshakeIgnore, fmt.Errorf("not a Secure-Join message")
	}
	c.log.Info().Str("step", step).Msg("secure-join message received")

	joinVg := strings.HasPrefix(step, "vg-")

	switch step {
	case "vg-request", "vc-request":
		// Alice, the inviter side. The message may be unencrypted; it
		// just ensures Bob's key is known. Verify the invite number
		// against the tokens minted into the QR code.
		inviteNumber := msg.GetHeader(headerSecureJoinInvitenumber)
		if inviteNumber == "" {
			c.emitWarning("secure-join denied (invitenumber missing)")
			return HandshakeIgnore, nil
		}
		if ok, err := c.tokens.Exists(token.InviteNumber, inviteNumber); err != nil {
			return HandshakeIgnore, err
		} else if !ok {
			c.emitWarning("secure-join denied (bad invitenumber)")
			return HandshakeIgnore, nil
		}
		c.log.Info().Msg("secure-join requested")

		c.emitInviterProgress(contactID, 300)

		// For setup-contact, make Alice's 1:1 chat with Bob visible.
		if !joinVg {
			if _, err := c.ChatIDForContact(contactID, BlockedNot); err != nil {
				return HandshakeIgnore, err
			}
		}

		if err := c.sendHandshakeMsg(contactID, step[:2]+"-auth-required", "", "", ""); err != nil {
			return HandshakeIgnore, fmt.Errorf("failed sending auth-required handshake message: %w", err)
		}
		return HandshakeDone, nil

	case "vg-auth-required", "vc-auth-required":
		// Bob, the joiner side.
		return c.bobHandleAuthRequired(msg)

	case "vg-request-with-auth", "vc-request-with-auth":
		// Alice again. Checks, in order: fingerprint header, encryption
		// and signature by that fingerprint, fingerprint equal to the
		// sender's key, auth token, and peer verifiability. The auth token
		// is looked at only after the fingerprint checks have passed.
		fingerprint := msg.GetHeader(headerSecureJoinFingerprint)
		if fingerprint == "" {
			c.couldNotEstablishSecureConnection(contactID, "fingerprint not provided")
			return HandshakeIgnore, nil
		}
		if !c.encryptedAndSigned(msg, fingerprint) {
			c.couldNotEstablishSecureConnection(contactID, "auth not encrypted")
			return HandshakeIgnore, nil
		}
		if ok, err := c.fingerprintEqualsSender(fingerprint, contactID); err != nil {
			return HandshakeIgnore, err
		} else if !ok {
			c.couldNotEstablishSecureConnection(contactID, "fingerprint mismatch on inviter-side")
			return HandshakeIgnore, nil
		}
		c.log.Info().Msg("fingerprint verified")

		auth := msg.GetHeader(headerSecureJoinAuth)
		if auth == "" {
			c.couldNotEstablishSecureConnection(contactID, "auth not provided")
			return HandshakeIgnore, nil
		}
		if ok, err := c.tokens.Exists(token.Auth, auth); err != nil {
			return HandshakeIgnore, err
		} else if !ok {
			c.couldNotEstablishSecureConnection(contactID, "auth invalid")
			return HandshakeIgnore, nil
		}
		if err := c.markPeerAsVerified(fingerprint); err != nil {
			c.couldNotEstablishSecureConnection(contactID, "fingerprint mismatch on inviter-side")
			return HandshakeIgnore, nil
		}
		if err := c.ScaleUpOrigin(contactID, OriginSecurejoinInvited); err != nil {
			return HandshakeIgnore, err
		}
		c.log.Info().Msg("auth verified")
		c.emit(contactsChangedEvent(contactID))
		c.emitInviterProgress(contactID, 600)

		if joinVg {
			// The vg-member-added message is a normal group
			// member-added message with an additional Secure-Join
			// header.
			grpid := msg.GetHeader(headerSecureJoinGroup)
			if grpid == "" {
				c.emitWarning("missing Secure-Join-Group header")
				return HandshakeIgnore, nil
			}
			groupChatID, err := c.GetChatIDByGrpid(grpid)
			if err != nil {
				return HandshakeIgnore, err
			}
			if groupChatID == 0 {
				return HandshakeIgnore, fmt.Errorf("chat %s not found", grpid)
			}
			if err := c.secureConnectionEstablished(contactID, groupChatID); err != nil {
				return HandshakeIgnore, err
			}
			if err := c.addVerifiedMemberToChat(groupChatID, contactID, fingerprint, grpid); err != nil {
				c.emitError(fmt.Sprintf("failed to add contact: %v", err))
			}
			c.emitInviterProgress(contactID, 800)
			c.emitInviterProgress(contactID, 1000)
		} else {
			infoChatID, err := c.infoChatID(contactID)
			if err != nil {
				return HandshakeIgnore, err
			}
			if err := c.secureConnectionEstablished(contactID, infoChatID); err != nil {
				return HandshakeIgnore, err
			}
			if err := c.sendHandshakeMsg(contactID, "vc-contact-confirm", "", fingerprint, ""); err != nil {
				return HandshakeIgnore, fmt.Errorf("failed sending vc-contact-confirm message: %w", err)
			}
			c.emitInviterProgress(contactID, 1000)
		}
		// "Done" would delete the message and break multi-device; the
		// key from the Autocrypt header is still needed there.
		return HandshakeIgnore, nil

	case "vg-member-added", "vc-contact-confirm":
		// Bob again, completing the protocol.
		state, err := c.loadBobState()
		if err != nil {
			return HandshakeIgnore, err
		}
		if state == nil {
			if joinVg {
				return HandshakePropagate, nil
			}
			return HandshakeIgnore, nil
		}
		return c.bobHandleContactConfirm(state, msg)

	case "vg-member-added-received", "vc-contact-confirm-received":
		// Alice's device observing Bob's final acknowledgement.
		verified, err := c.IsContactVerified(contactID)
		if err != nil || !verified {
			c.emitWarning(step + " invalid")
			return HandshakeIgnore, nil
		}
		if joinVg {
			c.emitInviterProgress(contactID, 800)
			c.emitInviterProgress(contactID, 1000)
			grpid := msg.GetHeader(headerSecureJoinGroup)
			if chatID, err := c.GetChatIDByGrpid(grpid); err != nil || chatID == 0 {
				c.emitWarning("failed to look up chat for group " + grpid)
				return HandshakeIgnore, fmt.Errorf("chat for group %s not found", grpid)
			}
		}
		return HandshakeIgnore, nil

	default:
		c.emitWarning("invalid secure-join step: " + step)
		return HandshakeIgnore, nil
	}
}

// ObserveSecurejoinOnOtherDevice handles self-sent handshake messages
// seen in a multi-device setup.
//
// Seeing a correctly encrypted and signed self-sent vg-member-added or
// vc-contact-confirm means another of our devices verified the peer as
// inviter; vc-contact-confirm-received means it did so as joiner. The
// observing device can mark the peer verified without further network
// traffic.
func (c *Context) ObserveSecurejoinOnOtherDevice(msg *MimeMessage, contactID int64) (HandshakeMessage, error) {
	if contactID <= lastSpecialContactID {
		return HandshakeIgnore, fmt.Errorf("cannot be called with a special contact id")
	}
	step := msg.GetHeader(headerSecureJoin)
	if step == "" {
		return HandshakeIgnore, fmt.Errorf("not a Secure-Join message")
	}
	c.log.Info().Str("step", step).Msg("observing secure-join message")

	switch step {
	case "vg-member-added", "vc-contact-confirm",
		"vg-member-added-received", "vc-contact-confirm-received":
		selfFingerprint, err := c.SelfFingerprint()
		if err != nil {
			return HandshakeIgnore, err
		}
		if !c.encryptedAndSigned(msg, selfFingerprint) {
			c.couldNotEstablishSecureConnection(contactID, "message not encrypted correctly")
			return HandshakeIgnore, nil
		}
		fingerprint := msg.GetHeader(headerSecureJoinFingerprint)
		if fingerprint == "" {
			c.couldNotEstablishSecureConnection(contactID, "fingerprint not provided")
			return HandshakeIgnore, nil
		}
		if err := c.markPeerAsVerified(fingerprint); err != nil {
			c.couldNotEstablishSecureConnection(contactID, "fingerprint mismatch on observing "+step)
			return HandshakeIgnore, nil
		}
		if step == "vg-member-added" {
			return HandshakePropagate, nil
		}
		return HandshakeIgnore, nil
	default:
		return HandshakeIgnore, nil
	}
}
