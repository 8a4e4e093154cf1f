package chatmail

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkdb/chatmail/internal/aheader"
	"github.com/hkdb/chatmail/internal/peerstate"
	"github.com/hkdb/chatmail/internal/pgp"
)

func peerWithPreference(t *testing.T, addr string, pref aheader.EncryptPreference) *peerstate.Peerstate {
	t.Helper()
	entity, err := pgp.GenerateKeyPair(addr)
	require.NoError(t, err)
	return peerstate.FromHeader(&aheader.Header{Addr: addr, PreferEncrypt: pref, PublicKey: entity}, 100)
}

func TestShouldEncrypt(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	helper, err := ctx.NewEncryptHelper()
	require.NoError(t, err)
	require.Equal(t, aheader.PreferMutual, helper.PreferEncrypt)

	mutual := peerWithPreference(t, "bob@example.net", aheader.PreferMutual)
	nopref := peerWithPreference(t, "claire@example.net", aheader.PreferNoPreference)
	reset := peerWithPreference(t, "dave@example.net", aheader.PreferReset)

	// One Mutual peer, self Mutual: 2 votes of 2 -> encrypt.
	ok, err := helper.ShouldEncrypt(false, []*peerstate.Peerstate{mutual}, []string{"bob@example.net"})
	require.NoError(t, err)
	assert.True(t, ok)

	// One NoPreference peer: 1 vote of 2 -> do not encrypt.
	ok, err = helper.ShouldEncrypt(false, []*peerstate.Peerstate{nopref}, []string{"claire@example.net"})
	require.NoError(t, err)
	assert.False(t, ok)

	// A Reset peer refuses opportunistic encryption.
	ok, err = helper.ShouldEncrypt(false, []*peerstate.Peerstate{mutual, reset},
		[]string{"bob@example.net", "dave@example.net"})
	require.NoError(t, err)
	assert.False(t, ok)

	// Guaranteed overrides Reset.
	ok, err = helper.ShouldEncrypt(true, []*peerstate.Peerstate{reset}, []string{"dave@example.net"})
	require.NoError(t, err)
	assert.True(t, ok)

	// A missing peerstate disables encryption...
	ok, err = helper.ShouldEncrypt(false, []*peerstate.Peerstate{nil}, []string{"eve@example.net"})
	require.NoError(t, err)
	assert.False(t, ok)

	// ...and errors when encryption is guaranteed.
	_, err = helper.ShouldEncrypt(true, []*peerstate.Peerstate{nil}, []string{"eve@example.net"})
	assert.Error(t, err)
}

func TestHasDecryptedPgpArmor(t *testing.T) {
	assert.True(t, hasDecryptedPgpArmor([]byte("-----BEGIN PGP MESSAGE-----")))
	assert.True(t, hasDecryptedPgpArmor([]byte("\n \t-----BEGIN PGP MESSAGE-----\n...")))
	assert.False(t, hasDecryptedPgpArmor([]byte("-----BEGIN PGP SIGNATURE-----")))
	assert.False(t, hasDecryptedPgpArmor([]byte("hello")))
	assert.False(t, hasDecryptedPgpArmor([]byte("")))
}

// buildEncrypted produces the armored ciphertext of an inner text part
// from sender to recipient.
func buildEncrypted(t *testing.T, sender, recipient *openpgp.Entity, text string) string {
	t.Helper()
	inner := "Content-Type: text/plain; charset=utf-8\r\n\r\n" + text + "\r\n"
	ciphertext, err := pgp.EncryptAndSign([]byte(inner), openpgp.EntityList{recipient, sender}, sender)
	require.NoError(t, err)
	return ciphertext
}

const testBoundary = "testboundary"

func standardLayout(headers, ciphertext string) []byte {
	return []byte(headers +
		"Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=\"" + testBoundary + "\"\r\n" +
		"\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: application/pgp-encrypted\r\n\r\nVersion: 1\r\n\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		ciphertext + "\r\n" +
		"--" + testBoundary + "--\r\n")
}

func mixedUpLayout(headers, ciphertext string) []byte {
	return []byte(headers +
		"Content-Type: multipart/mixed; boundary=\"" + testBoundary + "\"\r\n" +
		"\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: text/plain\r\n\r\nEmpty Message\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: application/pgp-encrypted\r\n\r\nVersion: 1\r\n\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		ciphertext + "\r\n" +
		"--" + testBoundary + "--\r\n")
}

func attachmentLayout(headers, ciphertext string) []byte {
	outer := "outerboundary"
	return []byte(headers +
		"Content-Type: multipart/mixed; boundary=\"" + outer + "\"\r\n" +
		"\r\n" +
		"--" + outer + "\r\n" +
		"Content-Type: text/plain\r\n\r\nCompany footer\r\n" +
		"--" + outer + "\r\n" +
		"Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=\"" + testBoundary + "\"\r\n" +
		"\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: application/pgp-encrypted\r\n\r\nVersion: 1\r\n\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		ciphertext + "\r\n" +
		"--" + testBoundary + "--\r\n" +
		"\r\n--" + outer + "--\r\n")
}

func TestDecryptMangledLayouts(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	_, err := ctx.EnsureSecretKeyExists()
	require.NoError(t, err)
	selfKey, err := ctx.loadSelfKey()
	require.NoError(t, err)

	bobKey, err := pgp.GenerateKeyPair("bob@example.net")
	require.NoError(t, err)

	// Alice knows Bob's key so the signature can be validated.
	ps := peerstate.FromHeader(&aheader.Header{
		Addr: "bob@example.net", PreferEncrypt: aheader.PreferMutual, PublicKey: bobKey,
	}, 100)
	require.NoError(t, ctx.peerstates.Save(ps, true))

	ciphertext := buildEncrypted(t, bobKey, selfKey, "hello from bob")
	date := time.Now().UTC().Format(time.RFC1123Z)
	headers := "From: <bob@example.net>\r\nTo: <alice@example.org>\r\n" +
		"Date: " + date + "\r\nChat-Version: 1.0\r\n" +
		"Message-ID: <layout.%d@example.net>\r\n"

	layouts := [][]byte{
		standardLayout(fmt.Sprintf(headers, 1), ciphertext),
		mixedUpLayout(fmt.Sprintf(headers, 2), ciphertext),
		attachmentLayout(fmt.Sprintf(headers, 3), ciphertext),
	}

	for i, raw := range layouts {
		msg, err := ctx.parseMimeMessage(raw)
		require.NoError(t, err, "layout %d", i)
		assert.True(t, msg.WasEncrypted(), "layout %d", i)
		assert.Equal(t, "hello from bob", msg.Text(), "layout %d", i)
		assert.True(t, msg.Signatures[pgp.Fingerprint(bobKey)], "layout %d", i)
	}
}

func TestEncryptedRoundTripBetweenContexts(t *testing.T) {
	alice, _ := newTestContext(t, "alice@example.org")
	bob, _ := newTestContext(t, "bob@example.net")

	// Bob writes to Alice first: unencrypted, but his Autocrypt header
	// creates a peerstate on Alice's side.
	aliceID, err := bob.AddOrLookupContact("Alice", "alice@example.org", OriginManuallyCreated)
	require.NoError(t, err)
	chatWithAlice, err := bob.ChatIDForContact(aliceID, BlockedNot)
	require.NoError(t, err)
	first := NewMessage(ViewtypeText)
	first.Text = "hi alice"
	_, err = bob.SendMsg(chatWithAlice, first)
	require.NoError(t, err)
	require.Equal(t, 1, pumpMessages(t, bob, alice))

	ps, err := alice.peerstates.FromAddr("bob@example.net")
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, aheader.PreferMutual, ps.PreferEncrypt)

	// Alice replies; both sides are Mutual now, so the reply is
	// encrypted and Bob can read it.
	bobID, err := alice.LookupContactIDByAddr("bob@example.net")
	require.NoError(t, err)
	require.NotZero(t, bobID)
	chatWithBob, err := alice.ChatIDForContact(bobID, BlockedNot)
	require.NoError(t, err)

	reply := NewMessage(ViewtypeText)
	reply.Text = "hi bob, secretly"
	msgID, err := alice.SendMsg(chatWithBob, reply)
	require.NoError(t, err)

	m, err := alice.GetMessage(msgID)
	require.NoError(t, err)
	rendered, err := alice.renderMessage(m)
	require.NoError(t, err)
	assert.True(t, rendered.Encrypted)
	assert.NotContains(t, string(rendered.Raw), "secretly")

	require.Equal(t, 1, pumpMessages(t, alice, bob))
	texts := chatTexts(t, bob, chatWithAlice)
	assert.Contains(t, texts, "hi bob, secretly")
}

func TestUnencryptedMessageDegradesPreference(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	_, err := ctx.EnsureSecretKeyExists()
	require.NoError(t, err)

	bobKey, err := pgp.GenerateKeyPair("bob@example.net")
	require.NoError(t, err)
	header := &aheader.Header{Addr: "bob@example.net", PreferEncrypt: aheader.PreferMutual, PublicKey: bobKey}

	seen := time.Now().Add(-time.Hour)
	ps := peerstate.FromHeader(header, seen.Unix())
	require.NoError(t, ctx.peerstates.Save(ps, true))

	// An unencrypted non-report message newer than the last Autocrypt
	// header resets the preference.
	raw := []byte("From: <bob@example.net>\r\nTo: <alice@example.org>\r\n" +
		"Date: " + seen.Add(time.Minute).UTC().Format(time.RFC1123Z) + "\r\n" +
		"Message-ID: <degrade.1@example.net>\r\n" +
		"Content-Type: text/plain\r\n\r\nplain mail\r\n")
	require.NoError(t, ctx.ReceiveIMF(raw, false))

	ps, err = ctx.peerstates.FromAddr("bob@example.net")
	require.NoError(t, err)
	assert.Equal(t, aheader.PreferReset, ps.PreferEncrypt)

	// An older message leaves the preference unchanged.
	ps.PreferEncrypt = aheader.PreferMutual
	ps.ToSave = peerstate.SaveAll
	require.NoError(t, ctx.peerstates.Save(ps, false))

	raw = bytes.Replace(raw, []byte("degrade.1"), []byte("degrade.2"), 1)
	raw = bytes.Replace(raw,
		[]byte("Date: "+seen.Add(time.Minute).UTC().Format(time.RFC1123Z)),
		[]byte("Date: "+seen.Add(-time.Minute).UTC().Format(time.RFC1123Z)), 1)
	require.NoError(t, ctx.ReceiveIMF(raw, false))

	ps, err = ctx.peerstates.FromAddr("bob@example.net")
	require.NoError(t, err)
	assert.Equal(t, aheader.PreferMutual, ps.PreferEncrypt)
}

func TestAutocryptHeaderCreatesPeerstate(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")

	bobKey, err := pgp.GenerateKeyPair("bob@example.net")
	require.NoError(t, err)
	header := &aheader.Header{Addr: "bob@example.net", PreferEncrypt: aheader.PreferMutual, PublicKey: bobKey}
	value, err := header.String()
	require.NoError(t, err)

	msgTime := time.Now().Add(-time.Minute).Truncate(time.Second)
	raw := []byte("From: <bob@example.net>\r\nTo: <alice@example.org>\r\n" +
		"Date: " + msgTime.UTC().Format(time.RFC1123Z) + "\r\n" +
		"Message-ID: <autocrypt.1@example.net>\r\n" +
		"Autocrypt: " + value + "\r\n" +
		"Content-Type: text/plain\r\n\r\nhello\r\n")
	require.NoError(t, ctx.ReceiveIMF(raw, false))

	ps, err := ctx.peerstates.FromAddr("bob@example.net")
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, msgTime.Unix(), ps.LastSeen)
	assert.Equal(t, msgTime.Unix(), ps.LastSeenAutocrypt)
	assert.Equal(t, aheader.PreferMutual, ps.PreferEncrypt)
	assert.Equal(t, pgp.Fingerprint(bobKey), ps.PublicKeyFingerprint)
}
