// Package token stores the single-use secrets minted for Secure-Join QR codes
package token

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hkdb/chatmail/internal/database"
)

// Namespace partitions the tokens table by purpose.
type Namespace int

const (
	// InviteNumber authorizes starting a Secure-Join handshake.
	InviteNumber Namespace = 100

	// Auth authenticates the completion of a Secure-Join handshake.
	Auth Namespace = 110
)

// Store provides token persistence operations
type Store struct {
	db *database.DB
}

// NewStore creates a new token store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Lookup returns the stored token for (namespace, chat), or "" if none
// was issued yet. chatID 0 addresses setup-contact tokens.
func (s *Store) Lookup(namespace Namespace, chatID int64) (string, error) {
	var token string
	err := s.db.QueryRow(
		"SELECT token FROM tokens WHERE namespc = ? AND foreign_id = ? ORDER BY timestamp DESC LIMIT 1",
		namespace, chatID,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	return token, nil
}

// LookupOrNew returns the stored token for (namespace, chat), minting
// and persisting a fresh one if none exists.
func (s *Store) LookupOrNew(namespace Namespace, chatID int64) (string, error) {
	token, err := s.Lookup(namespace, chatID)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}

	token = uuid.NewString()
	_, err = s.db.Exec(
		"INSERT INTO tokens (namespc, foreign_id, token, timestamp) VALUES (?, ?, ?, ?)",
		namespace, chatID, token, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// Exists reports whether the token is valid in the given namespace,
// regardless of the chat it was issued for.
func (s *Store) Exists(namespace Namespace, token string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM tokens WHERE namespc = ? AND token = ?",
		namespace, token,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return n > 0, nil
}

// ChatForToken returns the chat a token was issued for, or 0.
func (s *Store) ChatForToken(namespace Namespace, token string) (int64, error) {
	var chatID int64
	err := s.db.QueryRow(
		"SELECT foreign_id FROM tokens WHERE namespc = ? AND token = ?",
		namespace, token,
	).Scan(&chatID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve token chat: %w", err)
	}
	return chatID, nil
}
