package peerstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkdb/chatmail/internal/aheader"
	"github.com/hkdb/chatmail/internal/database"
	"github.com/hkdb/chatmail/internal/pgp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func testHeader(t *testing.T, addr string, pref aheader.EncryptPreference) *aheader.Header {
	t.Helper()
	entity, err := pgp.GenerateKeyPair(addr)
	require.NoError(t, err)
	return &aheader.Header{Addr: addr, PreferEncrypt: pref, PublicKey: entity}
}

func TestFirstHeaderCreatesPeerstate(t *testing.T) {
	store := newTestStore(t)
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)

	ps := FromHeader(header, 100)
	require.NoError(t, store.Save(ps, true))

	loaded, err := store.FromAddr("bob@example.net")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.EqualValues(t, 100, loaded.LastSeen)
	assert.EqualValues(t, 100, loaded.LastSeenAutocrypt)
	assert.Equal(t, aheader.PreferMutual, loaded.PreferEncrypt)
	assert.Equal(t, pgp.Fingerprint(header.PublicKey), loaded.PublicKeyFingerprint)
}

func TestApplyHeaderIgnoresOldMessages(t *testing.T) {
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps := FromHeader(header, 100)

	newKey := testHeader(t, "bob@example.net", aheader.PreferNoPreference)
	ps.ApplyHeader(newKey, 50)

	assert.Equal(t, aheader.PreferMutual, ps.PreferEncrypt)
	assert.Equal(t, pgp.Fingerprint(header.PublicKey), ps.PublicKeyFingerprint)
}

func TestDegradeEncryption(t *testing.T) {
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps := FromHeader(header, 100)

	ps.DegradeEncryption(101)
	assert.Equal(t, aheader.PreferReset, ps.PreferEncrypt)
	assert.Equal(t, SaveAll, ps.ToSave)
}

func TestFingerprintChangeDropsVerification(t *testing.T) {
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps := FromHeader(header, 100)
	require.True(t, ps.SetVerified(KeyTypePublic, ps.PublicKeyFingerprint))
	require.NotNil(t, ps.VerifiedKey)

	rotated := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps.ApplyHeader(rotated, 200)

	assert.True(t, ps.FingerprintChanged)
	assert.Nil(t, ps.VerifiedKey)
	assert.Empty(t, ps.VerifiedKeyFingerprint)
	assert.Equal(t, pgp.Fingerprint(rotated.PublicKey), ps.PublicKeyFingerprint)
}

func TestSetVerifiedRequiresMatchingFingerprint(t *testing.T) {
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps := FromHeader(header, 100)

	assert.False(t, ps.SetVerified(KeyTypePublic, "CAFEBABE"))
	assert.Nil(t, ps.VerifiedKey)
}

func TestFromFingerprint(t *testing.T) {
	store := newTestStore(t)
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps := FromHeader(header, 100)
	require.NoError(t, store.Save(ps, true))

	loaded, err := store.FromFingerprint(pgp.Fingerprint(header.PublicKey))
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "bob@example.net", loaded.Addr)

	missing, err := store.FromFingerprint("0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRenameAddr(t *testing.T) {
	store := newTestStore(t)
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps := FromHeader(header, 100)
	require.NoError(t, store.Save(ps, true))

	require.NoError(t, store.RenameAddr("bob@example.net", "bob@new.example"))

	loaded, err := store.FromAddr("bob@new.example")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	old, err := store.FromAddr("bob@example.net")
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestTimestampOnlySave(t *testing.T) {
	store := newTestStore(t)
	header := testHeader(t, "bob@example.net", aheader.PreferMutual)
	ps := FromHeader(header, 100)
	require.NoError(t, store.Save(ps, true))

	ps.LastSeen = 300
	ps.ToSave = SaveTimestamps
	require.NoError(t, store.Save(ps, false))

	loaded, err := store.FromAddr("bob@example.net")
	require.NoError(t, err)
	assert.EqualValues(t, 300, loaded.LastSeen)
}
