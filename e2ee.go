package chatmail

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	gomessage "github.com/emersion/go-message"

	"github.com/hkdb/chatmail/internal/aheader"
	"github.com/hkdb/chatmail/internal/peerstate"
	"github.com/hkdb/chatmail/internal/pgp"
)

func init() {
	// Handshake and chat traffic is always UTF-8; return raw bytes for
	// anything else instead of failing on exotic charsets.
	gomessage.CharsetReader = func(charset string, r io.Reader) (io.Reader, error) {
		return r, nil
	}
}

// EncryptHelper decides whether to encrypt an outgoing message and
// builds the encrypted payload.
type EncryptHelper struct {
	PreferEncrypt aheader.EncryptPreference
	Addr          string
	SelfKey       *openpgp.Entity
}

// NewEncryptHelper loads the self key and encryption preference.
func (c *Context) NewEncryptHelper() (*EncryptHelper, error) {
	addr, err := c.EnsureSecretKeyExists()
	if err != nil {
		return nil, err
	}
	selfKey, err := c.loadSelfKey()
	if err != nil {
		return nil, err
	}

	prefer := aheader.PreferNoPreference
	if v, err := c.GetConfig(ConfigE2eeEnabled); err == nil && v != "0" {
		prefer = aheader.PreferMutual
	}

	return &EncryptHelper{
		PreferEncrypt: prefer,
		Addr:          addr,
		SelfKey:       selfKey,
	}, nil
}

// Aheader returns the Autocrypt header announcing the self key.
func (h *EncryptHelper) Aheader() *aheader.Header {
	return &aheader.Header{
		Addr:          h.Addr,
		PreferEncrypt: h.PreferEncrypt,
		PublicKey:     h.SelfKey,
	}
}

// ShouldEncrypt determines whether an outgoing message is encrypted.
//
// Encryption is enabled if guaranteed is set, or if strictly more than
// half of the recipients including self prefer it. A missing peerstate
// disables encryption, or errors when encryption is guaranteed; a peer
// that reset its preference disables opportunistic encryption.
func (h *EncryptHelper) ShouldEncrypt(guaranteed bool, peerstates []*peerstate.Peerstate, addrs []string) (bool, error) {
	preferCount := 0
	if h.PreferEncrypt == aheader.PreferMutual {
		preferCount++
	}

	for i, ps := range peerstates {
		if ps == nil {
			if guaranteed {
				return false, fmt.Errorf("key missing for %q, cannot encrypt", addrs[i])
			}
			return false, nil
		}
		switch ps.PreferEncrypt {
		case aheader.PreferMutual:
			preferCount++
		case aheader.PreferReset:
			if !guaranteed {
				return false, nil
			}
		}
	}

	// Count recipients including self, whether or not a copy goes to
	// self.
	recipientsCount := len(peerstates) + 1

	return guaranteed || 2*preferCount > recipientsCount, nil
}

// Encrypt signs the inner MIME part with the self key and encrypts it
// to all peers at the requested verification level plus self. The
// result is ASCII armored.
func (h *EncryptHelper) Encrypt(innerMime []byte, verifiedOnly bool, peerstates []*peerstate.Peerstate, addrs []string) (string, error) {
	recipients := openpgp.EntityList{}
	for i, ps := range peerstates {
		if ps == nil {
			return "", fmt.Errorf("peerstate for %q missing, cannot encrypt", addrs[i])
		}
		key := ps.TakeKey(verifiedOnly)
		if key == nil {
			return "", fmt.Errorf("proper enc-key for %q missing, cannot encrypt", addrs[i])
		}
		recipients = append(recipients, key)
	}
	recipients = append(recipients, h.SelfKey)

	return pgp.EncryptAndSign(innerMime, recipients, h.SelfKey)
}

// mimePart is a materialized node of the parsed MIME tree.
type mimePart struct {
	contentType string
	filename    string
	body        []byte
	parts       []*mimePart
}

const maxMimePartBytes = 50 * 1024 * 1024

func materializePart(entity *gomessage.Entity) (*mimePart, error) {
	contentType, ctParams, err := entity.Header.ContentType()
	if err != nil {
		contentType = "text/plain"
	}
	part := &mimePart{contentType: strings.ToLower(contentType)}
	if _, dispParams, err := entity.Header.ContentDisposition(); err == nil {
		part.filename = dispParams["filename"]
	}
	if part.filename == "" {
		part.filename = ctParams["name"]
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			sub, err := materializePart(child)
			if err != nil {
				return nil, err
			}
			part.parts = append(part.parts, sub)
		}
		return part, nil
	}

	part.body, err = io.ReadAll(io.LimitReader(entity.Body, maxMimePartBytes))
	if err != nil {
		return nil, err
	}
	return part, nil
}

// getAutocryptMime returns the encrypted payload of a standard
// PGP/MIME message (RFC 3156): multipart/encrypted with a version part
// and an octet-stream part.
func getAutocryptMime(root *mimePart) *mimePart {
	if root.contentType != "multipart/encrypted" || len(root.parts) != 2 {
		return nil
	}
	if root.parts[0].contentType == "application/pgp-encrypted" &&
		root.parts[1].contentType == "application/octet-stream" {
		return root.parts[1]
	}
	return nil
}

// getMixedUpMime returns the encrypted payload of a "Mixed Up"
// message. Microsoft Exchange and the ProtonMail bridge are known to
// change multipart/encrypted to multipart/mixed and prepend an empty
// text part.
func getMixedUpMime(root *mimePart) *mimePart {
	if root.contentType != "multipart/mixed" || len(root.parts) != 3 {
		return nil
	}
	if root.parts[0].contentType == "text/plain" &&
		root.parts[1].contentType == "application/pgp-encrypted" &&
		root.parts[2].contentType == "application/octet-stream" {
		return root.parts[2]
	}
	return nil
}

// getAttachmentMime returns the encrypted payload of a message turned
// into an attachment. Footer-appending relays wrap the original
// encrypted message into multipart/mixed behind a plaintext footer
// part.
func getAttachmentMime(root *mimePart) *mimePart {
	if root.contentType != "multipart/mixed" || len(root.parts) != 2 {
		return nil
	}
	if root.parts[0].contentType == "text/plain" &&
		root.parts[1].contentType == "multipart/encrypted" {
		return getAutocryptMime(root.parts[1])
	}
	return nil
}

// hasDecryptedPgpArmor accepts a payload only if, after leading
// whitespace, it opens with a PGP message armor header.
func hasDecryptedPgpArmor(input []byte) bool {
	start := 0
	for start < len(input) && input[start] <= ' ' {
		start++
	}
	const marker = "-----BEGIN PGP MESSAGE-----"
	if len(input)-start < len(marker) {
		return false
	}
	return string(input[start:start+len(marker)]) == marker
}

// containsReport reports whether the MIME tree is a multipart/report.
// Reports are often unencrypted by MUAs, so they never degrade the
// peer's encryption preference.
func containsReport(root *mimePart) bool {
	return root.contentType == "multipart/report"
}

// TryDecrypt tries to decrypt a message, but only if it is structured
// as an Autocrypt message in one of the known layouts.
//
// Returns the decrypted body and the set of valid signature
// fingerprints. A wrongly signed message still yields the decrypted
// body with an empty signature set. Peerstate bookkeeping (Autocrypt
// header application, AEAP, encryption degradation) happens here as a
// side effect.
func (c *Context) TryDecrypt(msg *MimeMessage, messageTime int64) ([]byte, map[string]bool, error) {
	from := msg.From
	header := msg.Autocrypt

	var ps *peerstate.Peerstate
	var err error
	if header != nil {
		ps, err = c.peerstates.FromNongossipedFingerprintOrAddr(pgp.Fingerprint(header.PublicKey), from)
		if err != nil {
			return nil, nil, err
		}
		if ps != nil {
			if addrEqual(ps.Addr, from) {
				ps.ApplyHeader(header, messageTime)
				if err := c.peerstates.Save(ps, false); err != nil {
					return nil, nil, err
				}
			}
			// If the peerstate address and From differ, the sender may
			// have made an AEAP transition. That is only trusted after
			// the signatures were validated, so any write waits until
			// then.
		} else {
			ps = peerstate.FromHeader(header, messageTime)
			if err := c.peerstates.Save(ps, true); err != nil {
				return nil, nil, err
			}
		}
	} else {
		ps, err = c.peerstates.FromAddr(from)
		if err != nil {
			return nil, nil, err
		}
	}

	var peerKeys openpgp.EntityList
	if ps != nil {
		if ps.PublicKey != nil {
			peerKeys = append(peerKeys, ps.PublicKey)
		} else if ps.GossipKey != nil {
			peerKeys = append(peerKeys, ps.GossipKey)
		}
	}

	plaintext, signatures, err := c.decryptIfAutocryptMessage(msg.Root, peerKeys)
	if err != nil {
		// Robustness: a mangled payload is treated as cleartext.
		c.log.Warn().Err(err).Str("from", from).Msg("decryption failed, treating message as cleartext")
		plaintext, signatures = nil, nil
	}

	if ps != nil {
		// The same key on a different address means an AEAP transition,
		// trusted only on a correctly signed chat message strictly newer
		// than the previous sighting.
		if !addrEqual(ps.Addr, from) && len(signatures) > 0 && msg.ChatVersion != "" && messageTime > ps.LastSeen {
			if err := c.handleAddressChange(ps, from, header, messageTime); err != nil {
				return nil, nil, err
			}
		}

		if ps.FingerprintChanged {
			chatID, _, err := c.lookupChatByAddr(ps.Addr)
			if err == nil && chatID != 0 {
				c.AddInfoMsg(chatID, "Changed setup for "+ps.Addr, messageTime)
			}
			ps.FingerprintChanged = false
			ps.ToSave = peerstate.SaveAll
			if err := c.peerstates.Save(ps, false); err != nil {
				return nil, nil, err
			}
		}

		// An unencrypted message that is not a delivery report degrades
		// the peer's preference.
		if plaintext == nil && messageTime > ps.LastSeenAutocrypt && !containsReport(msg.Root) {
			ps.DegradeEncryption(messageTime)
			if err := c.peerstates.Save(ps, false); err != nil {
				return nil, nil, err
			}
		}
	}

	return plaintext, signatures, nil
}

// handleAddressChange performs the AEAP transition: the peerstate row
// is re-keyed to the new address with a single upsert.
func (c *Context) handleAddressChange(ps *peerstate.Peerstate, newAddr string, header *aheader.Header, messageTime int64) error {
	if header == nil {
		return fmt.Errorf("address change without autocrypt header")
	}
	oldAddr := ps.Addr
	c.log.Info().Str("old", oldAddr).Str("new", newAddr).Msg("peer changed address")

	if err := c.peerstates.RenameAddr(oldAddr, newAddr); err != nil {
		return err
	}
	ps.HandleAddressChange(newAddr)
	ps.ApplyHeader(header, messageTime)
	ps.ToSave = peerstate.SaveAll
	if err := c.peerstates.Save(ps, true); err != nil {
		return err
	}
	c.emit(contactsChangedEvent(0))
	return nil
}

func (c *Context) decryptIfAutocryptMessage(root *mimePart, peerKeys openpgp.EntityList) ([]byte, map[string]bool, error) {
	encPart := getAutocryptMime(root)
	if encPart == nil {
		encPart = getMixedUpMime(root)
	}
	if encPart == nil {
		encPart = getAttachmentMime(root)
	}
	if encPart == nil {
		// Not an Autocrypt MIME message.
		return nil, nil, nil
	}

	if !hasDecryptedPgpArmor(encPart.body) {
		return nil, nil, fmt.Errorf("encrypted part carries no PGP armor")
	}

	selfKey, err := c.loadSelfKey()
	if err != nil {
		return nil, nil, err
	}
	if selfKey == nil {
		return nil, nil, fmt.Errorf("no secret key to decrypt with")
	}

	plaintext, signatures, err := pgp.DecryptAndVerify(encPart.body, openpgp.EntityList{selfKey}, peerKeys)
	if err != nil {
		return nil, nil, err
	}

	// A decrypted multipart/signed means a detached signature; prefer
	// it over the inline one.
	if content, detached, ok := validateDetachedSignature(plaintext, peerKeys); ok {
		return content, detached, nil
	}

	return plaintext, signatures, nil
}

// validateDetachedSignature unwraps a decrypted multipart/signed part
// as defined in RFC 1847. Detached signatures are verified over the
// exact raw bytes of the first body part.
func validateDetachedSignature(plain []byte, peerKeys openpgp.EntityList) (content []byte, signatures map[string]bool, ok bool) {
	headers, body, found := splitHeaderBlock(plain)
	if !found {
		return nil, nil, false
	}
	contentType := extractHeaderValue(headers, "Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "multipart/signed") {
		return nil, nil, false
	}
	boundary := extractMimeParam(contentType, "boundary")
	if boundary == "" {
		return nil, nil, false
	}

	content, sig, found := splitSignedParts(body, boundary)
	if !found {
		return nil, nil, false
	}

	return content, pgp.VerifyDetached(content, sig, peerKeys), true
}

// splitSignedParts extracts the raw first part and the signature body
// of a two-part multipart. RFC 2046 §5.1: the signed content is the
// exact bytes between the opening boundary's trailing CRLF and the
// CRLF introducing the next delimiter.
func splitSignedParts(body []byte, boundary string) (content, sig []byte, ok bool) {
	boundaryLine := []byte("--" + boundary)

	firstIdx := bytes.Index(body, boundaryLine)
	if firstIdx == -1 {
		return nil, nil, false
	}
	contentStart := firstIdx + len(boundaryLine)
	if contentStart+2 <= len(body) && body[contentStart] == '\r' && body[contentStart+1] == '\n' {
		contentStart += 2
	} else if contentStart < len(body) && body[contentStart] == '\n' {
		contentStart++
	}

	rest := body[contentStart:]
	delim := []byte("\r\n--" + boundary)
	endIdx := bytes.Index(rest, delim)
	if endIdx == -1 {
		delim = []byte("\n--" + boundary)
		endIdx = bytes.Index(rest, delim)
		if endIdx == -1 {
			return nil, nil, false
		}
	}
	content = rest[:endIdx]

	// The second part carries the armored signature after its own
	// header block.
	sigRegion := rest[endIdx+len(delim):]
	if i := bytes.IndexByte(sigRegion, '\n'); i != -1 {
		sigRegion = sigRegion[i+1:]
	}
	_, sigBody, found := splitHeaderBlock(sigRegion)
	if !found {
		return nil, nil, false
	}
	if closing := bytes.Index(sigBody, []byte("--"+boundary)); closing != -1 {
		sigBody = sigBody[:closing]
	}
	return content, bytes.TrimSpace(sigBody), true
}

// splitHeaderBlock separates an RFC 822 header block from the body.
func splitHeaderBlock(raw []byte) (headers, body []byte, ok bool) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx != -1 {
		return raw[:idx], raw[idx+4:], true
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx != -1 {
		return raw[:idx], raw[idx+2:], true
	}
	return nil, nil, false
}

// extractHeaderValue extracts a header value from raw headers,
// case-insensitive, joining continuation lines.
func extractHeaderValue(headers []byte, name string) string {
	lines := strings.Split(string(headers), "\n")
	lowerName := strings.ToLower(name)

	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(line[:colonIdx])) != lowerName {
			continue
		}
		value := strings.TrimSpace(line[colonIdx+1:])
		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimRight(lines[j], "\r")
			if len(next) == 0 || (next[0] != ' ' && next[0] != '\t') {
				break
			}
			value += " " + strings.TrimSpace(next)
		}
		return value
	}
	return ""
}

// extractMimeParam pulls a single parameter out of a Content-Type
// value.
func extractMimeParam(contentType, param string) string {
	for _, field := range strings.Split(contentType, ";") {
		name, value, found := strings.Cut(strings.TrimSpace(field), "=")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), param) {
			return strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return ""
}
