// Package pgp wraps the OpenPGP primitives used by the encryption pipeline
package pgp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// ParseArmoredKey parses an ASCII-armored PGP key (public or private)
func ParseArmoredKey(armored string) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("failed to parse armored key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys found in armored data")
	}
	return entities, nil
}

// ParseBinaryKey parses a binary (non-armored) PGP key
func ParseBinaryKey(data []byte) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse binary key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys found in binary data")
	}
	return entities, nil
}

// ParseKeyAuto auto-detects format and parses a PGP key from raw bytes
func ParseKeyAuto(data []byte) (openpgp.EntityList, error) {
	// Try armored first
	entities, err := ParseArmoredKey(string(data))
	if err == nil {
		return entities, nil
	}

	// Fall back to binary
	return ParseBinaryKey(data)
}

// Fingerprint returns the uppercase hex fingerprint of the entity's
// primary key. For OpenPGP v4 keys this is the SHA-1 over the key data.
func Fingerprint(entity *openpgp.Entity) string {
	return fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint)
}

// SerializePublicBinary returns the binary serialization of the public
// parts of the entity, as carried in Autocrypt keydata.
func SerializePublicBinary(entity *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	if err := entity.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	return buf.Bytes(), nil
}

// ArmorPublicKey returns the ASCII-armored public key of the entity
func ArmorPublicKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create armor writer: %w", err)
	}
	if err := entity.Serialize(w); err != nil {
		return "", fmt.Errorf("failed to serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close armor writer: %w", err)
	}
	return buf.String(), nil
}

// ArmorPrivateKey returns the ASCII-armored private key of the entity
func ArmorPrivateKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create armor writer: %w", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return "", fmt.Errorf("failed to serialize private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close armor writer: %w", err)
	}
	return buf.String(), nil
}

// GenerateKeyPair creates a fresh Ed25519/Curve25519 key pair bound to addr
func GenerateKeyPair(addr string) (*openpgp.Entity, error) {
	cfg := &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	}
	entity, err := openpgp.NewEntity(addr, "", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return entity, nil
}
