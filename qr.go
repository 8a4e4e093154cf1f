package chatmail

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hkdb/chatmail/internal/token"
)

// qrScheme prefixes Secure-Join QR payloads.
const qrScheme = "OPENPGP4FPR:"

// QrCode is a decoded Secure-Join QR payload. GroupName and GroupID
// are set for join-group codes only.
type QrCode struct {
	Fingerprint  string
	Addr         string
	Name         string
	GroupName    string
	GroupID      string
	InviteNumber string
	AuthToken    string
}

// IsGroup reports whether the code invites into a group.
func (q *QrCode) IsGroup() bool {
	return q.GroupID != ""
}

// GetSecurejoinQr generates a Secure-Join QR code. With groupChatID 0
// a setup-contact code is generated, otherwise a join-group code for
// the given chat.
//
// The invite number allows starting the handshake; the auth token
// authenticates its completion. Both are reused while pending for the
// same chat.
func (c *Context) GetSecurejoinQr(groupChatID int64) (string, error) {
	if _, err := c.EnsureSecretKeyExists(); err != nil {
		return "", err
	}

	inviteNumber, err := c.tokens.LookupOrNew(token.InviteNumber, groupChatID)
	if err != nil {
		return "", err
	}
	auth, err := c.tokens.LookupOrNew(token.Auth, groupChatID)
	if err != nil {
		return "", err
	}

	selfAddr, err := c.SelfAddr()
	if err != nil {
		return "", err
	}
	selfName, _ := c.GetConfig(ConfigDisplayname)

	fingerprint, err := c.SelfFingerprint()
	if err != nil {
		return "", err
	}
	if fingerprint == "" {
		return "", fmt.Errorf("no fingerprint, cannot generate QR code")
	}

	if groupChatID != 0 {
		chat, err := c.GetChat(groupChatID)
		if err != nil {
			return "", err
		}
		if chat.GrpID == "" {
			return "", fmt.Errorf("cannot generate QR code for ad-hoc chat %d", groupChatID)
		}
		return fmt.Sprintf("%s%s#a=%s&g=%s&x=%s&i=%s&s=%s",
			qrScheme, fingerprint,
			escapeQrValue(selfAddr, true),
			escapeQrValue(chat.Name, false),
			chat.GrpID, inviteNumber, auth), nil
	}

	return fmt.Sprintf("%s%s#a=%s&n=%s&i=%s&s=%s",
		qrScheme, fingerprint,
		escapeQrValue(selfAddr, true),
		escapeQrValue(selfName, false),
		inviteNumber, auth), nil
}

// ParseSecurejoinQr decodes an OPENPGP4FPR QR payload.
func ParseSecurejoinQr(qr string) (*QrCode, error) {
	if len(qr) < len(qrScheme) || !strings.EqualFold(qr[:len(qrScheme)], qrScheme) {
		return nil, fmt.Errorf("not an OPENPGP4FPR code")
	}
	payload := qr[len(qrScheme):]

	fingerprint, fragment, _ := strings.Cut(payload, "#")
	fingerprint = strings.ToUpper(strings.TrimSpace(fingerprint))
	if len(fingerprint) != 40 {
		return nil, fmt.Errorf("malformed fingerprint in QR code")
	}

	code := &QrCode{Fingerprint: fingerprint}
	if fragment == "" {
		return code, nil
	}

	for _, pair := range strings.Split(fragment, "&") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		decoded, err := url.PathUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("malformed QR parameter %q: %w", key, err)
		}
		switch key {
		case "a":
			code.Addr = strings.ToLower(decoded)
		case "n":
			code.Name = decoded
		case "g":
			code.GroupName = decoded
		case "x":
			code.GroupID = decoded
		case "i":
			code.InviteNumber = decoded
		case "s":
			code.AuthToken = decoded
		}
	}

	if code.Addr == "" {
		return nil, fmt.Errorf("QR code carries no address")
	}
	if code.InviteNumber == "" || code.AuthToken == "" {
		return nil, fmt.Errorf("QR code carries no invite secrets")
	}
	if code.GroupName != "" && code.GroupID == "" {
		return nil, fmt.Errorf("QR code carries a group name but no group id")
	}
	return code, nil
}

// escapeQrValue percent-encodes everything outside the alphanumerics;
// keepDot additionally passes '.' through, as used for addresses.
func escapeQrValue(s string, keepDot bool) string {
	var sb strings.Builder
	for _, b := range []byte(s) {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
			sb.WriteByte(b)
		case b == '.' && keepDot:
			sb.WriteByte(b)
		default:
			fmt.Fprintf(&sb, "%%%02X", b)
		}
	}
	return sb.String()
}
