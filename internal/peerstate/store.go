package peerstate

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/rs/zerolog"

	"github.com/hkdb/chatmail/internal/database"
	"github.com/hkdb/chatmail/internal/logging"
	"github.com/hkdb/chatmail/internal/pgp"
)

// Store provides peerstate persistence operations
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new peerstate store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("peerstate-store"),
	}
}

const peerstateColumns = `id, addr, last_seen, last_seen_autocrypt, prefer_encrypted,
	public_key, public_key_fingerprint, gossip_key, gossip_key_fingerprint,
	gossip_timestamp, verified_key, verified_key_fingerprint, fingerprint_changed`

// FromAddr looks up the peerstate by exact address match.
// Returns nil if the peer is unknown.
func (s *Store) FromAddr(addr string) (*Peerstate, error) {
	return s.queryOne(
		fmt.Sprintf("SELECT %s FROM acpeerstates WHERE addr = ?", peerstateColumns),
		strings.ToLower(addr),
	)
}

// FromFingerprint looks up any peerstate whose public or gossip key
// matches the fingerprint. Returns nil if none matches.
func (s *Store) FromFingerprint(fingerprint string) (*Peerstate, error) {
	return s.queryOne(
		fmt.Sprintf("SELECT %s FROM acpeerstates WHERE public_key_fingerprint = ? OR gossip_key_fingerprint = ? ORDER BY public_key_fingerprint = ? DESC", peerstateColumns),
		fingerprint, fingerprint, fingerprint,
	)
}

// FromNongossipedFingerprintOrAddr prefers a match on the main key
// fingerprint and falls back to the address. Returns nil if neither
// matches.
func (s *Store) FromNongossipedFingerprintOrAddr(fingerprint, addr string) (*Peerstate, error) {
	ps, err := s.queryOne(
		fmt.Sprintf("SELECT %s FROM acpeerstates WHERE public_key_fingerprint = ?", peerstateColumns),
		fingerprint,
	)
	if err != nil {
		return nil, err
	}
	if ps != nil {
		return ps, nil
	}
	return s.FromAddr(addr)
}

// Save writes the dirty fields of the peerstate. With create set, a row
// is inserted or replaced keyed on the address; otherwise an existing
// row is updated in place.
func (s *Store) Save(ps *Peerstate, create bool) error {
	switch ps.ToSave {
	case SaveNothing:
		return nil
	case SaveTimestamps:
		if create {
			return fmt.Errorf("cannot create peerstate from timestamps-only update")
		}
		_, err := s.db.Exec(`
			UPDATE acpeerstates
			SET last_seen = ?, last_seen_autocrypt = ?, gossip_timestamp = ?
			WHERE addr = ?
		`, ps.LastSeen, ps.LastSeenAutocrypt, ps.GossipTimestamp, ps.Addr)
		if err != nil {
			return fmt.Errorf("failed to save peerstate timestamps: %w", err)
		}
		ps.ToSave = SaveNothing
		return nil
	}

	publicKey, err := serializeKey(ps.PublicKey)
	if err != nil {
		return err
	}
	gossipKey, err := serializeKey(ps.GossipKey)
	if err != nil {
		return err
	}
	verifiedKey, err := serializeKey(ps.VerifiedKey)
	if err != nil {
		return err
	}

	if create {
		// Single upsert keyed on address: the row may or may not exist,
		// e.g. after an AEAP transition onto a known address.
		_, err = s.db.Exec(`
			INSERT INTO acpeerstates (addr, last_seen, last_seen_autocrypt, prefer_encrypted,
				public_key, public_key_fingerprint, gossip_key, gossip_key_fingerprint,
				gossip_timestamp, verified_key, verified_key_fingerprint, fingerprint_changed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(addr) DO UPDATE SET
				last_seen = excluded.last_seen,
				last_seen_autocrypt = excluded.last_seen_autocrypt,
				prefer_encrypted = excluded.prefer_encrypted,
				public_key = excluded.public_key,
				public_key_fingerprint = excluded.public_key_fingerprint,
				gossip_key = excluded.gossip_key,
				gossip_key_fingerprint = excluded.gossip_key_fingerprint,
				gossip_timestamp = excluded.gossip_timestamp,
				verified_key = excluded.verified_key,
				verified_key_fingerprint = excluded.verified_key_fingerprint,
				fingerprint_changed = excluded.fingerprint_changed
		`, strings.ToLower(ps.Addr), ps.LastSeen, ps.LastSeenAutocrypt, ps.PreferEncrypt,
			publicKey, ps.PublicKeyFingerprint, gossipKey, ps.GossipKeyFingerprint,
			ps.GossipTimestamp, verifiedKey, ps.VerifiedKeyFingerprint, ps.FingerprintChanged)
	} else {
		_, err = s.db.Exec(`
			UPDATE acpeerstates
			SET addr = ?, last_seen = ?, last_seen_autocrypt = ?, prefer_encrypted = ?,
				public_key = ?, public_key_fingerprint = ?, gossip_key = ?, gossip_key_fingerprint = ?,
				gossip_timestamp = ?, verified_key = ?, verified_key_fingerprint = ?, fingerprint_changed = ?
			WHERE id = ?
		`, strings.ToLower(ps.Addr), ps.LastSeen, ps.LastSeenAutocrypt, ps.PreferEncrypt,
			publicKey, ps.PublicKeyFingerprint, gossipKey, ps.GossipKeyFingerprint,
			ps.GossipTimestamp, verifiedKey, ps.VerifiedKeyFingerprint, ps.FingerprintChanged,
			ps.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save peerstate for %s: %w", ps.Addr, err)
	}
	ps.ToSave = SaveNothing
	return nil
}

// RenameAddr rewrites the address key of a peerstate row after an AEAP
// transition. An existing row for the new address is replaced.
func (s *Store) RenameAddr(oldAddr, newAddr string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM acpeerstates WHERE addr = ? AND addr != ?",
		strings.ToLower(newAddr), strings.ToLower(oldAddr)); err != nil {
		return fmt.Errorf("failed to drop stale peerstate for %s: %w", newAddr, err)
	}
	if _, err := tx.Exec("UPDATE acpeerstates SET addr = ? WHERE addr = ?",
		strings.ToLower(newAddr), strings.ToLower(oldAddr)); err != nil {
		return fmt.Errorf("failed to rename peerstate %s -> %s: %w", oldAddr, newAddr, err)
	}
	return tx.Commit()
}

func (s *Store) queryOne(query string, args ...any) (*Peerstate, error) {
	row := s.db.QueryRow(query, args...)

	ps := &Peerstate{}
	var publicKey, gossipKey, verifiedKey []byte
	err := row.Scan(
		&ps.ID, &ps.Addr, &ps.LastSeen, &ps.LastSeenAutocrypt, &ps.PreferEncrypt,
		&publicKey, &ps.PublicKeyFingerprint, &gossipKey, &ps.GossipKeyFingerprint,
		&ps.GossipTimestamp, &verifiedKey, &ps.VerifiedKeyFingerprint, &ps.FingerprintChanged,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peerstate: %w", err)
	}

	if ps.PublicKey, err = deserializeKey(publicKey); err != nil {
		s.log.Warn().Err(err).Str("addr", ps.Addr).Msg("Failed to parse stored public key")
	}
	if ps.GossipKey, err = deserializeKey(gossipKey); err != nil {
		s.log.Warn().Err(err).Str("addr", ps.Addr).Msg("Failed to parse stored gossip key")
	}
	if ps.VerifiedKey, err = deserializeKey(verifiedKey); err != nil {
		s.log.Warn().Err(err).Str("addr", ps.Addr).Msg("Failed to parse stored verified key")
	}

	return ps, nil
}

func serializeKey(entity *openpgp.Entity) ([]byte, error) {
	if entity == nil {
		return nil, nil
	}
	raw, err := pgp.SerializePublicBinary(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize peer key: %w", err)
	}
	return raw, nil
}

func deserializeKey(raw []byte) (*openpgp.Entity, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	entities, err := pgp.ParseBinaryKey(raw)
	if err != nil {
		return nil, err
	}
	return entities[0], nil
}
