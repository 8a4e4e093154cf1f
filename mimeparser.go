package chatmail

import (
	"bytes"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"github.com/hkdb/chatmail/internal/aheader"
)

// Wire header names used by the chat protocol.
const (
	headerChatVersion            = "Chat-Version"
	headerChatGroupID            = "Chat-Group-ID"
	headerSecureJoin             = "Secure-Join"
	headerSecureJoinInvitenumber = "Secure-Join-Invitenumber"
	headerSecureJoinAuth         = "Secure-Join-Auth"
	headerSecureJoinFingerprint  = "Secure-Join-Fingerprint"
	headerSecureJoinGroup        = "Secure-Join-Group"
)

// chatVersionValue is stamped on every outgoing chat message.
const chatVersionValue = "1.0"

// MimeMessage is one parsed inbound message after decryption.
type MimeMessage struct {
	// Root is the outer MIME tree; DecryptedRoot replaces it for
	// content access once decryption succeeded.
	Root          *mimePart
	DecryptedRoot *mimePart

	From      string
	FromName  string
	To        string
	Rfc724Mid string
	Subject   string
	Timestamp int64

	// Autocrypt is the parsed Autocrypt header, if any.
	Autocrypt *aheader.Header

	// ChatVersion is non-empty on messages sent by a chat client.
	ChatVersion string

	// headers merges the outer headers with the protected headers of
	// the decrypted inner message, inner winning.
	headers map[string]string

	// Encrypted reports whether the message arrived encrypted.
	Encrypted bool

	// Signatures holds the fingerprints with a valid signature.
	Signatures map[string]bool
}

// GetHeader returns a header value, preferring protected (encrypted)
// headers over outer ones.
func (m *MimeMessage) GetHeader(name string) string {
	return m.headers[strings.ToLower(name)]
}

// WasEncrypted reports whether the payload arrived encrypted.
func (m *MimeMessage) WasEncrypted() bool {
	return m.Encrypted
}

// ContentRoot returns the MIME tree of the effective content.
func (m *MimeMessage) ContentRoot() *mimePart {
	if m.DecryptedRoot != nil {
		return m.DecryptedRoot
	}
	return m.Root
}

// Text returns the first text/plain body of the effective content.
func (m *MimeMessage) Text() string {
	var find func(p *mimePart) string
	find = func(p *mimePart) string {
		if strings.HasPrefix(p.contentType, "text/plain") && len(p.parts) == 0 {
			return strings.TrimSpace(string(p.body))
		}
		for _, sub := range p.parts {
			if text := find(sub); text != "" {
				return text
			}
		}
		return ""
	}
	return find(m.ContentRoot())
}

// findAttachment returns the body of the first leaf part with the
// given filename suffix, e.g. a location KML trace.
func (m *MimeMessage) findAttachment(suffix string) []byte {
	var find func(p *mimePart) []byte
	find = func(p *mimePart) []byte {
		for _, sub := range p.parts {
			if b := find(sub); b != nil {
				return b
			}
		}
		if strings.HasSuffix(p.filename, suffix) {
			return p.body
		}
		return nil
	}
	return find(m.ContentRoot())
}

// parseMimeMessage parses a raw inbound message and runs the
// decryption pipeline, including all peerstate side effects.
func (c *Context) parseMimeMessage(raw []byte) (*MimeMessage, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &MimeMessage{headers: map[string]string{}}
	collectHeaders(msg.headers, entity.Header)

	mailHeader := gomail.Header{Header: entity.Header}
	if addrs, err := mailHeader.AddressList("From"); err == nil && len(addrs) == 1 {
		msg.From = strings.ToLower(addrs[0].Address)
		msg.FromName = addrs[0].Name
	}
	if addrs, err := mailHeader.AddressList("To"); err == nil && len(addrs) > 0 {
		msg.To = strings.ToLower(addrs[0].Address)
	}
	if date, err := mailHeader.Date(); err == nil && !date.IsZero() {
		msg.Timestamp = date.Unix()
	} else {
		msg.Timestamp = time.Now().Unix()
	}
	msg.Rfc724Mid = strings.Trim(entity.Header.Get("Message-ID"), "<> \t")
	msg.Subject = entity.Header.Get("Subject")

	if value := entity.Header.Get(aheader.Name); value != "" {
		header, err := aheader.Parse(value)
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to parse Autocrypt header")
		} else if addrEqual(header.Addr, msg.From) {
			msg.Autocrypt = header
		}
	}
	msg.ChatVersion = entity.Header.Get(headerChatVersion)

	msg.Root, err = materializePart(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIME tree: %w", err)
	}

	plaintext, signatures, err := c.TryDecrypt(msg, msg.Timestamp)
	if err != nil {
		return nil, err
	}
	msg.Signatures = signatures
	if plaintext != nil {
		msg.Encrypted = true
		inner, err := gomessage.Read(bytes.NewReader(plaintext))
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to parse decrypted message: %w", err)
		}
		// Protected headers of the inner message win over outer ones.
		collectHeaders(msg.headers, inner.Header)
		if v := inner.Header.Get(headerChatVersion); v != "" {
			msg.ChatVersion = v
		}
		msg.DecryptedRoot, err = materializePart(inner)
		if err != nil {
			return nil, fmt.Errorf("failed to parse decrypted MIME tree: %w", err)
		}
	}

	return msg, nil
}

func collectHeaders(dst map[string]string, header gomessage.Header) {
	fields := header.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if value, err := fields.Text(); err == nil {
			dst[key] = value
		} else {
			dst[key] = fields.Value()
		}
	}
}

// lookupChatByAddr resolves an address to its contact and 1:1 chat
// without creating either.
func (c *Context) lookupChatByAddr(addr string) (chatID, contactID int64, err error) {
	contactID, err = c.LookupContactIDByAddr(addr)
	if err != nil || contactID == 0 {
		return 0, contactID, err
	}
	err = c.db.QueryRow(`
		SELECT c.id FROM chats c
		JOIN chats_contacts cc ON cc.chat_id = c.id
		WHERE c.type = ? AND cc.contact_id = ?
	`, ChatTypeSingle, contactID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return 0, contactID, nil
	}
	if err != nil {
		return 0, contactID, fmt.Errorf("failed to look up chat by addr: %w", err)
	}
	return chatID, contactID, nil
}
