package pgp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// EncryptAndSign encrypts plaintext to all recipient entities and signs
// with the given secret key. The result is ASCII armored.
func EncryptAndSign(plaintext []byte, recipients openpgp.EntityList, signer *openpgp.Entity) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("no recipient keys")
	}

	var buf bytes.Buffer
	armorWriter, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create armor writer: %w", err)
	}

	w, err := openpgp.Encrypt(armorWriter, recipients, signer, nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create encryption writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("failed to write encrypted data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close encryption writer: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("failed to close armor writer: %w", err)
	}

	return buf.String(), nil
}

// DecryptAndVerify decrypts an armored or binary PGP message with the
// private keyring and validates any inline signature against the public
// keyring. Returns the plaintext and the set of fingerprints with a valid
// signature; the set is empty if the message was unsigned or wrongly
// signed.
func DecryptAndVerify(data []byte, private openpgp.EntityList, public openpgp.EntityList) ([]byte, map[string]bool, error) {
	// Try to read as armored first, then binary
	var reader io.Reader
	block, err := armor.Decode(bytes.NewReader(data))
	if err == nil {
		reader = block.Body
	} else {
		reader = bytes.NewReader(data)
	}

	// Signature verification needs the signer's public key in the same
	// keyring that decrypts.
	keyring := make(openpgp.EntityList, 0, len(private)+len(public))
	keyring = append(keyring, private...)
	keyring = append(keyring, public...)

	md, err := openpgp.ReadMessage(reader, keyring, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt message: %w", err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read decrypted message: %w", err)
	}

	signatures := make(map[string]bool)
	// SignatureError is only meaningful after UnverifiedBody is drained.
	if md.IsSigned && md.SignatureError == nil && md.SignedBy != nil {
		signatures[fmt.Sprintf("%X", md.SignedBy.PublicKey.Fingerprint)] = true
	}

	return plaintext, signatures, nil
}

// VerifyDetached validates an armored detached signature over content.
// Returns the set of fingerprints with a valid signature; empty on
// failure.
func VerifyDetached(content, signature []byte, public openpgp.EntityList) map[string]bool {
	signatures := make(map[string]bool)
	signer, err := openpgp.CheckArmoredDetachedSignature(public, bytes.NewReader(content), bytes.NewReader(signature), nil)
	if err != nil || signer == nil {
		return signatures
	}
	signatures[Fingerprint(signer)] = true
	return signatures
}
