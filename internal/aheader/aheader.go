// Package aheader implements the Autocrypt header codec
package aheader

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/hkdb/chatmail/internal/pgp"
)

// EncryptPreference is the prefer-encrypt attribute of an Autocrypt
// header and of a peerstate.
type EncryptPreference int

const (
	// PreferNoPreference means the peer expressed no preference.
	PreferNoPreference EncryptPreference = 0

	// PreferMutual means the peer asks for encryption when all parties
	// agree.
	PreferMutual EncryptPreference = 1

	// PreferReset is a local-only state entered after receiving an
	// unencrypted message from a peer that previously sent Autocrypt
	// headers. It is never emitted on the wire.
	PreferReset EncryptPreference = 20
)

func (p EncryptPreference) String() string {
	switch p {
	case PreferMutual:
		return "mutual"
	case PreferReset:
		return "reset"
	default:
		return "nopreference"
	}
}

// Header is a parsed Autocrypt header.
type Header struct {
	Addr          string
	PreferEncrypt EncryptPreference
	PublicKey     *openpgp.Entity
}

// Name is the wire name of the header.
const Name = "Autocrypt"

// Parse decodes an Autocrypt header value.
//
// Headers with unknown critical attributes (names not prefixed with "_")
// are invalid per the Autocrypt Level 1 spec and rejected.
func Parse(value string) (*Header, error) {
	h := &Header{PreferEncrypt: PreferNoPreference}
	var keydata string

	for _, attr := range strings.Split(value, ";") {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		name, val, found := strings.Cut(attr, "=")
		if !found {
			return nil, fmt.Errorf("malformed autocrypt attribute %q", attr)
		}
		name = strings.TrimSpace(name)
		val = strings.TrimSpace(val)
		switch name {
		case "addr":
			h.Addr = strings.ToLower(val)
		case "prefer-encrypt":
			switch val {
			case "mutual":
				h.PreferEncrypt = PreferMutual
			case "nopreference":
				h.PreferEncrypt = PreferNoPreference
			default:
				return nil, fmt.Errorf("unknown prefer-encrypt value %q", val)
			}
		case "keydata":
			keydata = val
		default:
			if !strings.HasPrefix(name, "_") {
				return nil, fmt.Errorf("unknown critical autocrypt attribute %q", name)
			}
		}
	}

	if h.Addr == "" {
		return nil, fmt.Errorf("autocrypt header without addr")
	}
	if keydata == "" {
		return nil, fmt.Errorf("autocrypt header without keydata")
	}

	// Whitespace inside base64 is allowed for folded headers.
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(keydata), ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode keydata: %w", err)
	}
	entities, err := pgp.ParseBinaryKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keydata: %w", err)
	}
	h.PublicKey = entities[0]

	return h, nil
}

// String encodes the header value for the wire. PreferReset is local
// only and encoded as absence of the prefer-encrypt attribute.
func (h *Header) String() (string, error) {
	raw, err := pgp.SerializePublicBinary(h.PublicKey)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "addr=%s; ", h.Addr)
	if h.PreferEncrypt == PreferMutual {
		sb.WriteString("prefer-encrypt=mutual; ")
	}
	fmt.Fprintf(&sb, "keydata=%s", base64.StdEncoding.EncodeToString(raw))
	return sb.String(), nil
}
