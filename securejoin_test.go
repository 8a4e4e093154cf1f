package chatmail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkdb/chatmail/internal/event"
	"github.com/hkdb/chatmail/internal/job"
)

func TestQrRoundTrip(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")

	qr, err := ctx.GetSecurejoinQr(0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(qr, "OPENPGP4FPR:"))

	code, err := ParseSecurejoinQr(qr)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", code.Addr)
	assert.NotEmpty(t, code.InviteNumber)
	assert.NotEmpty(t, code.AuthToken)
	assert.False(t, code.IsGroup())

	fingerprint, err := ctx.SelfFingerprint()
	require.NoError(t, err)
	assert.Equal(t, fingerprint, code.Fingerprint)

	// Tokens are reused while the invite is pending.
	qr2, err := ctx.GetSecurejoinQr(0)
	require.NoError(t, err)
	assert.Equal(t, qr, qr2)
}

func TestQrGroupRoundTrip(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	require.NoError(t, ctx.SetConfig(ConfigDisplayname, "Alice"))

	chatID, err := ctx.CreateGroupChat("Provisioning & Friends", true)
	require.NoError(t, err)

	qr, err := ctx.GetSecurejoinQr(chatID)
	require.NoError(t, err)

	code, err := ParseSecurejoinQr(qr)
	require.NoError(t, err)
	assert.True(t, code.IsGroup())
	assert.Equal(t, "Provisioning & Friends", code.GroupName)
	assert.NotEmpty(t, code.GroupID)
}

func TestParseQrRejectsGarbage(t *testing.T) {
	for _, qr := range []string{
		"",
		"https://example.org",
		"OPENPGP4FPR:tooshort",
		"OPENPGP4FPR:0123456789ABCDEF0123456789ABCDEF01234567#a=alice%40example.org",
	} {
		_, err := ParseSecurejoinQr(qr)
		assert.Error(t, err, "qr %q", qr)
	}
}

func TestSetupContactHappyPath(t *testing.T) {
	alice, aliceEvents := newTestContext(t, "alice@example.org")
	bob, bobEvents := newTestContext(t, "bob@example.net")

	qr, err := alice.GetSecurejoinQr(0)
	require.NoError(t, err)

	chatID, err := bob.JoinSecurejoin(qr)
	require.NoError(t, err)
	require.NotZero(t, chatID)

	pumpUntilIdle(t, bob, alice)

	// Both sides end up verified.
	bobID, err := alice.LookupContactIDByAddr("bob@example.net")
	require.NoError(t, err)
	require.NotZero(t, bobID)
	verified, err := alice.IsContactVerified(bobID)
	require.NoError(t, err)
	assert.True(t, verified, "alice must see bob as verified")

	aliceID, err := bob.LookupContactIDByAddr("alice@example.org")
	require.NoError(t, err)
	verified, err = bob.IsContactVerified(aliceID)
	require.NoError(t, err)
	assert.True(t, verified, "bob must see alice as verified")

	// The joiner state is consumed.
	state, err := bob.loadBobState()
	require.NoError(t, err)
	assert.Nil(t, state)

	// Both 1:1 chats carry the "verified" info message.
	aliceChat, _, err := alice.lookupChatByAddr("bob@example.net")
	require.NoError(t, err)
	assert.Contains(t, chatTexts(t, alice, aliceChat), alice.stockStringRepl(StockContactVerified, "bob@example.net"))
	assert.Contains(t, chatTexts(t, bob, chatID), bob.stockStringRepl(StockContactVerified, "alice@example.org"))

	// Progress events reached 1000 on both sides.
	assertProgressReached(t, aliceEvents, true, 1000)
	assertProgressReached(t, bobEvents, false, 1000)
}

func TestSecurejoinGroupHappyPath(t *testing.T) {
	alice, _ := newTestContext(t, "alice@example.org")
	bob, _ := newTestContext(t, "bob@example.net")

	groupID, err := alice.CreateGroupChat("holiday", true)
	require.NoError(t, err)
	qr, err := alice.GetSecurejoinQr(groupID)
	require.NoError(t, err)

	bobGroupID, err := bob.JoinSecurejoin(qr)
	require.NoError(t, err)
	require.NotZero(t, bobGroupID)

	pumpUntilIdle(t, bob, alice)

	bobID, err := alice.LookupContactIDByAddr("bob@example.net")
	require.NoError(t, err)
	member, err := alice.IsContactInChat(groupID, bobID)
	require.NoError(t, err)
	assert.True(t, member, "bob must be a member of alice's group")

	verified, err := alice.IsContactVerified(bobID)
	require.NoError(t, err)
	assert.True(t, verified)

	aliceID, err := bob.LookupContactIDByAddr("alice@example.org")
	require.NoError(t, err)
	verified, err = bob.IsContactVerified(aliceID)
	require.NoError(t, err)
	assert.True(t, verified)

	// The 1:1 handshake chats stay hidden.
	chatID, _, err := alice.lookupChatByAddr("bob@example.net")
	require.NoError(t, err)
	if chatID != 0 {
		chat, err := alice.GetChat(chatID)
		require.NoError(t, err)
		assert.NotEqual(t, BlockedNot, chat.Blocked)
	}
}

func TestRescanSupersedesPendingJoin(t *testing.T) {
	alice, _ := newTestContext(t, "alice@example.org")
	claire, _ := newTestContext(t, "claire@example.com")
	bob, _ := newTestContext(t, "bob@example.net")

	qrAlice, err := alice.GetSecurejoinQr(0)
	require.NoError(t, err)
	qrClaire, err := claire.GetSecurejoinQr(0)
	require.NoError(t, err)

	_, err = bob.JoinSecurejoin(qrAlice)
	require.NoError(t, err)

	// A second scan while the first join is pending succeeds and
	// replaces the joiner state.
	_, err = bob.JoinSecurejoin(qrClaire)
	require.NoError(t, err)

	state, err := bob.loadBobState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "claire@example.com", state.Invite.Addr)
}

func TestInviterRejectsTamperedFingerprint(t *testing.T) {
	alice, _ := newTestContext(t, "alice@example.org")
	bob, _ := newTestContext(t, "bob@example.net")

	qr, err := alice.GetSecurejoinQr(0)
	require.NoError(t, err)
	code, err := ParseSecurejoinQr(qr)
	require.NoError(t, err)

	// Run the handshake up to the point where Alice expects
	// vc-request-with-auth.
	_, err = bob.JoinSecurejoin(qr)
	require.NoError(t, err)
	pumpMessages(t, bob, alice)
	pumpMessages(t, alice, bob)

	bobID, err := alice.LookupContactIDByAddr("bob@example.net")
	require.NoError(t, err)

	// A request-with-auth whose fingerprint header does not match the
	// sender's key must be ignored.
	tampered := &MimeMessage{
		headers: map[string]string{
			strings.ToLower(headerSecureJoin):            "vc-request-with-auth",
			strings.ToLower(headerSecureJoinFingerprint): strings.Repeat("0", 40),
			strings.ToLower(headerSecureJoinAuth):        code.AuthToken,
		},
		From:      "bob@example.net",
		Encrypted: true,
		Signatures: map[string]bool{
			strings.Repeat("0", 40): true,
		},
	}
	disposition, err := alice.HandleSecurejoinHandshake(tampered, bobID)
	require.NoError(t, err)
	assert.Equal(t, HandshakeIgnore, disposition)

	verified, err := alice.IsContactVerified(bobID)
	require.NoError(t, err)
	assert.False(t, verified)

	// The "cannot verify" notice lands in the 1:1 chat.
	chatID, _, err := alice.lookupChatByAddr("bob@example.net")
	require.NoError(t, err)
	require.NotZero(t, chatID)
	assert.Contains(t, chatTexts(t, alice, chatID),
		alice.stockStringRepl(StockContactNotVerified, "bob@example.net"))
}

func TestJoinerWithKnownKeySkipsRequest(t *testing.T) {
	alice, _ := newTestContext(t, "alice@example.org")
	bob, _ := newTestContext(t, "bob@example.net")

	// Bob learns Alice's key from a normal message first.
	bobsAlice, err := alice.AddOrLookupContact("Bob", "bob@example.net", OriginManuallyCreated)
	require.NoError(t, err)
	chatID, err := alice.ChatIDForContact(bobsAlice, BlockedNot)
	require.NoError(t, err)
	hello := NewMessage(ViewtypeText)
	hello.Text = "hello bob"
	_, err = alice.SendMsg(chatID, hello)
	require.NoError(t, err)
	require.Equal(t, 1, pumpMessages(t, alice, bob))

	qr, err := alice.GetSecurejoinQr(0)
	require.NoError(t, err)
	_, err = bob.JoinSecurejoin(qr)
	require.NoError(t, err)

	// The first message out of Bob is request-with-auth, not request.
	j, err := bob.jobs.LoadNext(job.ChannelSmtp)
	require.NoError(t, err)
	require.NotNil(t, j)
	m, err := bob.GetMessage(j.ForeignID)
	require.NoError(t, err)
	assert.Equal(t, "vc-request-with-auth", m.Params.Get(ParamArg))

	state, err := bob.loadBobState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, bobExpectContactConfirm, state.NextStep)
}

func TestObserverMarksPeerVerified(t *testing.T) {
	// Two Alice devices and Bob: after device 1 completes the
	// handshake, device 2 sees the self-sent vc-contact-confirm and
	// marks Bob verified without further traffic.
	alice1, _ := newTestContext(t, "alice@example.org")
	alice2, _ := newTestContext(t, "alice@example.org")
	bob, _ := newTestContext(t, "bob@example.net")

	// Both Alice devices share the account key.
	_, err := alice1.EnsureSecretKeyExists()
	require.NoError(t, err)
	var public, private []byte
	require.NoError(t, alice1.db.QueryRow(
		"SELECT public_key, private_key FROM keypairs WHERE is_default = 1").Scan(&public, &private))
	_, err = alice2.db.Exec(
		"INSERT INTO keypairs (addr, is_default, public_key, private_key, created_at) VALUES (?, 1, ?, ?, 0)",
		"alice@example.org", public, private)
	require.NoError(t, err)

	qr, err := alice1.GetSecurejoinQr(0)
	require.NoError(t, err)
	_, err = bob.JoinSecurejoin(qr)
	require.NoError(t, err)

	// Drive the handshake; both Alice devices fetch the same inbox, so
	// Bob's messages and Alice's self-sent copies reach device 2 too.
	drain := func(from *Context, receivers ...*Context) int {
		n := 0
		for {
			j, err := from.jobs.LoadNext(job.ChannelSmtp)
			require.NoError(t, err)
			if j == nil {
				return n
			}
			m, err := from.GetMessage(j.ForeignID)
			require.NoError(t, err)
			rendered, err := from.renderMessage(m)
			require.NoError(t, err)
			for _, to := range receivers {
				require.NoError(t, to.ReceiveIMF(rendered.Raw, false))
			}
			_, err = from.jobs.Finish(j, job.Success)
			require.NoError(t, err)
			n++
		}
	}
	for round := 0; round < 8; round++ {
		n := drain(bob, alice1, alice2)
		n += drain(alice1, bob, alice2)
		if n == 0 {
			break
		}
	}

	bobID, err := alice2.LookupContactIDByAddr("bob@example.net")
	require.NoError(t, err)
	require.NotZero(t, bobID)
	verified, err := alice2.IsContactVerified(bobID)
	require.NoError(t, err)
	assert.True(t, verified, "observer device must mark bob verified")
}

func assertProgressReached(t *testing.T, rec *eventRecorder, inviter bool, want int) {
	t.Helper()
	for _, ev := range rec.all() {
		if inviter {
			if p, ok := ev.(event.SecurejoinInviterProgress); ok && p.Progress == want {
				return
			}
		} else {
			if p, ok := ev.(event.SecurejoinJoinerProgress); ok && p.Progress == want {
				return
			}
		}
	}
	t.Fatalf("progress %d not reached (inviter=%v)", want, inviter)
}
