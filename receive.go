package chatmail

import (
	"fmt"

	"github.com/hkdb/chatmail/internal/location"
)

// ReceiveIMF processes one raw inbound message from an IMAP folder:
// decryption, deduplication, Secure-Join dispatch, threading into a
// chat and location extraction.
func (c *Context) ReceiveIMF(raw []byte, seen bool) error {
	msg, err := c.parseMimeMessage(raw)
	if err != nil {
		return err
	}
	if msg.From == "" {
		return fmt.Errorf("message without From address")
	}

	// Deliveries may race across folders and devices; the wire
	// Message-ID deduplicates them.
	if msg.Rfc724Mid != "" {
		if existing, err := c.MsgIDByRfc724Mid(msg.Rfc724Mid); err != nil {
			return err
		} else if existing != 0 {
			c.log.Debug().Str("rfc724_mid", msg.Rfc724Mid).Msg("message already seen, skipping")
			return nil
		}
	}

	selfAddr, err := c.SelfAddr()
	if err != nil {
		return err
	}
	fromSelf := addrEqual(msg.From, selfAddr)

	var contactID int64
	if fromSelf {
		// For self-sent messages the peer is the recipient.
		if msg.To != "" && !addrEqual(msg.To, selfAddr) {
			contactID, err = c.AddOrLookupContact("", msg.To, OriginOutgoingTo)
			if err != nil {
				return err
			}
		} else {
			contactID = ContactIDSelf
		}
	} else {
		origin := OriginIncomingFrom
		if msg.ChatVersion == "" {
			origin = OriginIncomingTo
		}
		contactID, err = c.AddOrLookupContact(msg.FromName, msg.From, origin)
		if err != nil {
			return err
		}
	}

	hidden := false
	if msg.GetHeader(headerSecureJoin) != "" && contactID > lastSpecialContactID {
		var disposition HandshakeMessage
		if fromSelf {
			disposition, err = c.ObserveSecurejoinOnOtherDevice(msg, contactID)
		} else {
			disposition, err = c.HandleSecurejoinHandshake(msg, contactID)
		}
		if err != nil {
			c.emitWarning(fmt.Sprintf("secure-join handling failed: %v", err))
			return nil
		}
		switch disposition {
		case HandshakeDone:
			// Fully handled; remove from the server and do not store.
			if msg.Rfc724Mid != "" {
				if err := c.jobs.Add(jobActionDeleteMsgOnImap, 0, msg.Rfc724Mid, 0); err != nil {
					return err
				}
				c.InterruptInbox()
			}
			return nil
		case HandshakeIgnore:
			// Hidden locally, left on the server for other devices.
			hidden = true
		case HandshakePropagate:
			// Continue normal processing.
		}
	}

	chatID, err := c.chatForInbound(msg, contactID, fromSelf, hidden)
	if err != nil {
		return err
	}

	stored := NewMessage(ViewtypeText)
	stored.Rfc724Mid = msg.Rfc724Mid
	stored.ChatID = chatID
	stored.FromID = contactID
	if fromSelf {
		stored.FromID = ContactIDSelf
	}
	stored.Timestamp = msg.Timestamp
	stored.Text = msg.Text()
	stored.Hidden = hidden
	if fromSelf {
		stored.State = StateOutDelivered
	} else if seen {
		stored.State = StateInSeen
	} else {
		stored.State = StateInFresh
	}

	if err := c.saveInboundLocations(msg, stored, chatID, contactID); err != nil {
		c.emitWarning(fmt.Sprintf("failed to store locations: %v", err))
	}

	// A pure location trace carries no visible content.
	if stored.LocationID != 0 && stored.Text == "" {
		stored.Hidden = true
		stored.Params.SetCmd(SystemMessageLocationOnly)
	}

	if err := c.insertMessage(stored); err != nil {
		return err
	}

	// Chat messages are moved out of the inbox when a move-box is
	// configured, keeping the inbox clean for classic MUAs.
	if msg.ChatVersion != "" && msg.Rfc724Mid != "" {
		if mvbox, _ := c.GetConfig(ConfigMvboxFolder); mvbox != "" {
			if err := c.jobs.Add(jobActionMoveMsg, stored.ID, msg.Rfc724Mid, 0); err != nil {
				return err
			}
		}
	}

	if !stored.Hidden {
		if fromSelf {
			c.emit(msgsChangedEvent(chatID, stored.ID))
		} else {
			c.emit(incomingMsgEvent(chatID, stored.ID))
		}
	}
	return nil
}

// chatForInbound threads a message into its chat: the group referenced
// by the chat-group header, or the 1:1 chat with the sender. Non-chat
// mail lands in a contact-request chat; hidden handshake traffic never
// unblocks a chat.
func (c *Context) chatForInbound(msg *MimeMessage, contactID int64, fromSelf, hidden bool) (int64, error) {
	if grpid := msg.GetHeader(headerChatGroupID); grpid != "" {
		chatID, err := c.GetChatIDByGrpid(grpid)
		if err != nil {
			return 0, err
		}
		if chatID != 0 {
			return chatID, nil
		}
	}

	blocked := BlockedNot
	switch {
	case hidden:
		blocked = BlockedYes
	case !fromSelf && msg.ChatVersion == "":
		blocked = BlockedRequest
	}
	return c.ChatIDForContact(contactID, blocked)
}

// saveInboundLocations extracts KML traces attached to the message.
// location.kml carries streamed positions, message.kml an independent
// point-of-interest.
func (c *Context) saveInboundLocations(msg *MimeMessage, stored *Message, chatID, contactID int64) error {
	if data := msg.findAttachment("location.kml"); data != nil {
		kml, err := location.ParseKml(data)
		if err != nil {
			return err
		}
		if !addrEqual(kml.Addr, msg.From) {
			c.emitWarning(fmt.Sprintf("location KML addr %q does not match sender %q", kml.Addr, msg.From))
		} else {
			newestID, err := c.locations.Save(chatID, contactID, kml.Locations, false)
			if err != nil {
				return err
			}
			if newestID != 0 {
				stored.LocationID = newestID
				c.emit(locationChangedEvent(contactID))
			}
		}
	}

	if data := msg.findAttachment("message.kml"); data != nil {
		kml, err := location.ParseKml(data)
		if err != nil {
			return err
		}
		newestID, err := c.locations.Save(chatID, contactID, kml.Locations, true)
		if err != nil {
			return err
		}
		if newestID != 0 {
			stored.LocationID = newestID
			c.emit(locationChangedEvent(contactID))
		}
	}
	return nil
}
