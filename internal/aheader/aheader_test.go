package aheader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkdb/chatmail/internal/pgp"
)

func TestRoundTrip(t *testing.T) {
	entity, err := pgp.GenerateKeyPair("alice@example.org")
	require.NoError(t, err)

	h := &Header{
		Addr:          "alice@example.org",
		PreferEncrypt: PreferMutual,
		PublicKey:     entity,
	}
	value, err := h.String()
	require.NoError(t, err)

	parsed, err := Parse(value)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", parsed.Addr)
	assert.Equal(t, PreferMutual, parsed.PreferEncrypt)
	assert.Equal(t, pgp.Fingerprint(entity), pgp.Fingerprint(parsed.PublicKey))
}

func TestParseNoPreferEncrypt(t *testing.T) {
	entity, err := pgp.GenerateKeyPair("bob@example.net")
	require.NoError(t, err)

	h := &Header{Addr: "bob@example.net", PublicKey: entity}
	value, err := h.String()
	require.NoError(t, err)
	assert.NotContains(t, value, "prefer-encrypt")

	parsed, err := Parse(value)
	require.NoError(t, err)
	assert.Equal(t, PreferNoPreference, parsed.PreferEncrypt)
}

func TestParseRejectsCriticalAttributes(t *testing.T) {
	_, err := Parse("addr=a@b.c; evil=1; keydata=QUJD")
	assert.Error(t, err)
}

func TestParseRejectsMissingFields(t *testing.T) {
	_, err := Parse("prefer-encrypt=mutual")
	assert.Error(t, err)

	_, err = Parse("addr=a@b.c")
	assert.Error(t, err)
}
