package chatmail

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hkdb/chatmail/internal/aheader"
	"github.com/hkdb/chatmail/internal/peerstate"
)

// renderedMessage is an outgoing message ready for SMTP submission.
type renderedMessage struct {
	From       string
	Recipients []string
	Raw        []byte
	Encrypted  bool
}

// renderMessage builds the RFC 822 representation of a stored outgoing
// message, deciding encryption per the Autocrypt rules.
func (c *Context) renderMessage(m *Message) (*renderedMessage, error) {
	chat, err := c.GetChat(m.ChatID)
	if err != nil {
		return nil, err
	}

	helper, err := c.NewEncryptHelper()
	if err != nil {
		return nil, err
	}

	members, err := c.ChatMembers(m.ChatID)
	if err != nil {
		return nil, err
	}
	var recipients []string
	for _, contactID := range members {
		if contactID == ContactIDSelf {
			continue
		}
		contact, err := c.GetContact(contactID)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, contact.Addr)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("chat %d has no recipients", m.ChatID)
	}

	peerstates := make([]*peerstate.Peerstate, len(recipients))
	for i, addr := range recipients {
		ps, err := c.peerstates.FromAddr(addr)
		if err != nil {
			return nil, err
		}
		peerstates[i] = ps
	}

	guaranteed := m.Params.GetInt(ParamGuaranteeE2ee) != 0
	encrypt, err := helper.ShouldEncrypt(guaranteed, peerstates, recipients)
	if err != nil {
		return nil, err
	}

	inner := c.renderInnerMime(m, chat)

	var buf bytes.Buffer
	writeCommonHeaders(&buf, helper.Addr, recipients, m, chat, encrypt)
	if !m.Params.Exists(ParamSkipAutocrypt) {
		if value, err := helper.Aheader().String(); err == nil {
			writeFoldedHeader(&buf, aheader.Name, value)
		}
	}

	if encrypt {
		ciphertext, err := helper.Encrypt(inner, chat.Protected, peerstates, recipients)
		if err != nil {
			return nil, err
		}
		writeEncryptedBody(&buf, ciphertext)
	} else {
		buf.Write(inner)
	}

	return &renderedMessage{
		From:       helper.Addr,
		Recipients: recipients,
		Raw:        buf.Bytes(),
		Encrypted:  encrypt,
	}, nil
}

// renderInnerMime builds the content part: protocol headers, the text
// body and any location trace attachment.
func (c *Context) renderInnerMime(m *Message, chat *Chat) []byte {
	var kml string
	if chat != nil {
		if streaming, err := c.locations.IsStreaming(chat.ID); err == nil && streaming {
			kml, _ = c.pendingLocationsKml(chat.ID)
		}
	}
	var messageKml string
	if m.Params.Exists(ParamSetLatitude) {
		messageKml = locationMessageKml(
			m.Timestamp, m.Params.GetFloat(ParamSetLatitude), m.Params.GetFloat(ParamSetLongitude))
	}

	var buf bytes.Buffer
	if chat != nil && chat.GrpID != "" {
		writeHeader(&buf, headerChatGroupID, chat.GrpID)
	}
	if m.Params.Cmd() == SystemMessageSecurejoinMessage {
		step := m.Params.Get(ParamArg)
		writeHeader(&buf, headerSecureJoin, step)
		if auth := m.Params.Get(ParamArg2); auth != "" {
			switch step {
			case "vg-request", "vc-request":
				writeHeader(&buf, headerSecureJoinInvitenumber, auth)
			default:
				writeHeader(&buf, headerSecureJoinAuth, auth)
			}
		}
		if fingerprint := m.Params.Get(ParamArg3); fingerprint != "" {
			writeHeader(&buf, headerSecureJoinFingerprint, fingerprint)
		}
		if grpid := m.Params.Get(ParamArg4); grpid != "" {
			writeHeader(&buf, headerSecureJoinGroup, grpid)
		}
	}

	if kml == "" && messageKml == "" {
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(m.Text)
		buf.WriteString("\r\n")
		return buf.Bytes()
	}

	boundary := newBoundary()
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	buf.WriteString("\r\n")

	buf.WriteString("--" + boundary + "\r\n")
	writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
	buf.WriteString("\r\n")
	buf.WriteString(m.Text)
	buf.WriteString("\r\n")

	if messageKml != "" {
		buf.WriteString("--" + boundary + "\r\n")
		writeHeader(&buf, "Content-Type", "application/vnd.google-earth.kml+xml")
		writeHeader(&buf, "Content-Disposition", `attachment; filename="message.kml"`)
		buf.WriteString("\r\n")
		buf.WriteString(messageKml)
		buf.WriteString("\r\n")
	}
	if kml != "" {
		buf.WriteString("--" + boundary + "\r\n")
		writeHeader(&buf, "Content-Type", "application/vnd.google-earth.kml+xml")
		writeHeader(&buf, "Content-Disposition", `attachment; filename="location.kml"`)
		buf.WriteString("\r\n")
		buf.WriteString(kml)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes()
}

// writeEncryptedBody wraps armored ciphertext into the PGP/MIME
// multipart-encrypted layout of RFC 3156.
func writeEncryptedBody(buf *bytes.Buffer, ciphertext string) {
	boundary := newBoundary()

	writeHeader(buf, "Content-Type",
		fmt.Sprintf("multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=%q", boundary))
	buf.WriteString("\r\n")

	buf.WriteString("--" + boundary + "\r\n")
	writeHeader(buf, "Content-Type", "application/pgp-encrypted")
	writeHeader(buf, "Content-Description", "PGP/MIME version identification")
	buf.WriteString("\r\nVersion: 1\r\n\r\n")

	buf.WriteString("--" + boundary + "\r\n")
	writeHeader(buf, "Content-Type", `application/octet-stream; name="encrypted.asc"`)
	writeHeader(buf, "Content-Disposition", `inline; filename="encrypted.asc"`)
	writeHeader(buf, "Content-Description", "OpenPGP encrypted message")
	buf.WriteString("\r\n")
	buf.WriteString(ciphertext)
	buf.WriteString("\r\n")

	buf.WriteString("--" + boundary + "--\r\n")
}

func writeCommonHeaders(buf *bytes.Buffer, from string, recipients []string, m *Message, chat *Chat, encrypted bool) {
	writeHeader(buf, "From", "<"+from+">")
	writeHeader(buf, "To", "<"+strings.Join(recipients, ">, <")+">")
	// The subject of encrypted messages must not leak content.
	subject := "..."
	if !encrypted {
		subject = "Chat: " + truncate(m.Text, 32)
		if chat != nil && chat.GrpID != "" {
			subject = "Chat: " + chat.Name + ": " + truncate(m.Text, 32)
		}
	}
	writeHeader(buf, "Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader(buf, "Date", time.Unix(m.Timestamp, 0).UTC().Format(time.RFC1123Z))
	writeHeader(buf, "Message-ID", "<"+m.Rfc724Mid+">")
	writeHeader(buf, headerChatVersion, chatVersionValue)
	writeHeader(buf, "MIME-Version", "1.0")
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// writeFoldedHeader folds long values, as needed for Autocrypt keydata.
func writeFoldedHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	const width = 76
	for len(value) > width {
		buf.WriteString(value[:width])
		buf.WriteString("\r\n ")
		value = value[width:]
	}
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func newBoundary() string {
	return "------" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
