package chatmail

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/hkdb/chatmail/internal/pgp"
)

// loadSelfKey returns the default key pair of the account, or nil if
// none was generated yet.
func (c *Context) loadSelfKey() (*openpgp.Entity, error) {
	var private []byte
	err := c.db.QueryRow(
		"SELECT private_key FROM keypairs WHERE is_default = 1 ORDER BY id LIMIT 1",
	).Scan(&private)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load self key: %w", err)
	}
	entities, err := pgp.ParseKeyAuto(private)
	if err != nil {
		return nil, fmt.Errorf("failed to parse self key: %w", err)
	}
	return entities[0], nil
}

// EnsureSecretKeyExists generates the account key pair if missing and
// returns the configured address. Generation is serialized so the key
// is created at most once.
func (c *Context) EnsureSecretKeyExists() (string, error) {
	addr, err := c.SelfAddr()
	if err != nil {
		return "", err
	}

	c.generatingKeyMu.Lock()
	defer c.generatingKeyMu.Unlock()

	existing, err := c.loadSelfKey()
	if err != nil {
		return "", err
	}
	if existing != nil {
		return addr, nil
	}

	c.log.Info().Str("addr", addr).Msg("generating key pair")
	entity, err := pgp.GenerateKeyPair(addr)
	if err != nil {
		return "", err
	}

	public, err := pgp.ArmorPublicKey(entity)
	if err != nil {
		return "", err
	}
	private, err := pgp.ArmorPrivateKey(entity)
	if err != nil {
		return "", err
	}

	if _, err := c.db.Exec(`
		INSERT INTO keypairs (addr, is_default, public_key, private_key, created_at)
		VALUES (?, 1, ?, ?, ?)
	`, strings.ToLower(addr), []byte(public), []byte(private), time.Now().Unix()); err != nil {
		return "", fmt.Errorf("failed to store key pair: %w", err)
	}

	return addr, nil
}

// SelfFingerprint returns the fingerprint of the account key, or "" if
// no key exists yet.
func (c *Context) SelfFingerprint() (string, error) {
	entity, err := c.loadSelfKey()
	if err != nil {
		return "", err
	}
	if entity == nil {
		return "", nil
	}
	return pgp.Fingerprint(entity), nil
}
