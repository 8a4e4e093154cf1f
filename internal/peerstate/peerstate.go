// Package peerstate keeps the per-peer Autocrypt state machine
package peerstate

import (
	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/hkdb/chatmail/internal/aheader"
	"github.com/hkdb/chatmail/internal/pgp"
)

// ToSave is the dirty marker distinguishing timestamp-only updates from
// full writes.
type ToSave int

const (
	SaveNothing ToSave = iota
	SaveTimestamps
	SaveAll
)

// KeyType selects which of the peer's keys an operation refers to.
type KeyType int

const (
	KeyTypePublic KeyType = iota
	KeyTypeGossip
)

// Peerstate is the durable record of one remote peer's key material,
// preferences and verification state.
//
// If VerifiedKey is present, verification is bidirectional and was set
// via a Secure-Join completion.
type Peerstate struct {
	ID                     int64
	Addr                   string
	LastSeen               int64
	LastSeenAutocrypt      int64
	PreferEncrypt          aheader.EncryptPreference
	PublicKey              *openpgp.Entity
	PublicKeyFingerprint   string
	GossipKey              *openpgp.Entity
	GossipKeyFingerprint   string
	GossipTimestamp        int64
	VerifiedKey            *openpgp.Entity
	VerifiedKeyFingerprint string

	// FingerprintChanged is surfaced to the UI when the peer's key
	// changed while a different key was verified.
	FingerprintChanged bool

	ToSave ToSave
}

// FromHeader creates a fresh peerstate from the first seen Autocrypt
// header.
func FromHeader(header *aheader.Header, messageTime int64) *Peerstate {
	ps := &Peerstate{
		Addr:              header.Addr,
		LastSeen:          messageTime,
		LastSeenAutocrypt: messageTime,
		PreferEncrypt:     header.PreferEncrypt,
		ToSave:            SaveAll,
	}
	ps.setPublicKey(header.PublicKey)
	return ps
}

// ApplyHeader updates the peerstate from an Autocrypt header, but only
// if the message is newer than the last seen Autocrypt header.
func (ps *Peerstate) ApplyHeader(header *aheader.Header, messageTime int64) {
	if messageTime <= ps.LastSeenAutocrypt {
		return
	}

	ps.LastSeen = messageTime
	ps.LastSeenAutocrypt = messageTime
	ps.PreferEncrypt = header.PreferEncrypt
	ps.ToSave = SaveAll
	ps.setPublicKey(header.PublicKey)
}

// ApplyGossipHeader records a gossiped key, but only if the message is
// newer than the last recorded gossip.
func (ps *Peerstate) ApplyGossipHeader(header *aheader.Header, messageTime int64) {
	if messageTime <= ps.GossipTimestamp {
		return
	}

	ps.GossipKey = header.PublicKey
	ps.GossipKeyFingerprint = pgp.Fingerprint(header.PublicKey)
	ps.GossipTimestamp = messageTime
	ps.ToSave = SaveAll
}

func (ps *Peerstate) setPublicKey(key *openpgp.Entity) {
	fingerprint := pgp.Fingerprint(key)
	if fingerprint == ps.PublicKeyFingerprint {
		return
	}

	// A verified key bound to the old fingerprint no longer matches;
	// drop it and raise the flag for the UI.
	if ps.VerifiedKeyFingerprint != "" && ps.VerifiedKeyFingerprint != fingerprint {
		ps.FingerprintChanged = true
		ps.VerifiedKey = nil
		ps.VerifiedKeyFingerprint = ""
	}

	ps.PublicKey = key
	ps.PublicKeyFingerprint = fingerprint
}

// DegradeEncryption resets the encryption preference after an
// unencrypted, non-report message newer than the last Autocrypt header.
func (ps *Peerstate) DegradeEncryption(messageTime int64) {
	ps.PreferEncrypt = aheader.PreferReset
	ps.LastSeen = messageTime
	ps.ToSave = SaveAll
}

// HandleAddressChange rewrites the peer's address after a validly signed
// AEAP transition message.
func (ps *Peerstate) HandleAddressChange(newAddr string) {
	ps.Addr = newAddr
	ps.ToSave = SaveAll
}

// SetVerified promotes the peer to bidirectional verification if the
// given fingerprint matches the selected key. Returns false when the
// fingerprint does not match.
func (ps *Peerstate) SetVerified(which KeyType, fingerprint string) bool {
	switch which {
	case KeyTypePublic:
		if ps.PublicKeyFingerprint == "" || ps.PublicKeyFingerprint != fingerprint {
			return false
		}
		ps.VerifiedKey = ps.PublicKey
		ps.VerifiedKeyFingerprint = ps.PublicKeyFingerprint
	case KeyTypeGossip:
		if ps.GossipKeyFingerprint == "" || ps.GossipKeyFingerprint != fingerprint {
			return false
		}
		ps.VerifiedKey = ps.GossipKey
		ps.VerifiedKeyFingerprint = ps.GossipKeyFingerprint
	default:
		return false
	}
	ps.ToSave = SaveAll
	return true
}

// TakeKey returns the key to encrypt to. With verifiedOnly set, only a
// verified key qualifies; otherwise the public key is preferred with the
// gossip key as fallback.
func (ps *Peerstate) TakeKey(verifiedOnly bool) *openpgp.Entity {
	if verifiedOnly {
		return ps.VerifiedKey
	}
	if ps.PublicKey != nil {
		return ps.PublicKey
	}
	return ps.GossipKey
}
