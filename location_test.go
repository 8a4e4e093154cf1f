package chatmail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkdb/chatmail/internal/event"
	"github.com/hkdb/chatmail/internal/job"
)

func newStreamingChat(t *testing.T, ctx *Context) int64 {
	t.Helper()
	bobID, err := ctx.AddOrLookupContact("Bob", "bob@example.net", OriginManuallyCreated)
	require.NoError(t, err)
	chatID, err := ctx.ChatIDForContact(bobID, BlockedNot)
	require.NoError(t, err)
	return chatID
}

func TestSendLocationsToChatTogglesStreaming(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	chatID := newStreamingChat(t, ctx)

	// Enabling streaming on a non-streaming chat sends the "enabled"
	// system message.
	require.NoError(t, ctx.SendLocationsToChat(chatID, 3600))
	streaming, err := ctx.IsSendingLocationsToChat(chatID)
	require.NoError(t, err)
	assert.True(t, streaming)
	assert.Contains(t, chatTexts(t, ctx, chatID), ctx.stockString(StockMsgLocationEnabled))

	// Enabling again does not repeat the message.
	require.NoError(t, ctx.SendLocationsToChat(chatID, 7200))
	texts := chatTexts(t, ctx, chatID)
	enabled := 0
	for _, text := range texts {
		if text == ctx.stockString(StockMsgLocationEnabled) {
			enabled++
		}
	}
	assert.Equal(t, 1, enabled)

	// Disabling emits the "disabled" notice.
	require.NoError(t, ctx.SendLocationsToChat(chatID, 0))
	streaming, err = ctx.IsSendingLocationsToChat(chatID)
	require.NoError(t, err)
	assert.False(t, streaming)
	assert.Contains(t, chatTexts(t, ctx, chatID), ctx.stockString(StockMsgLocationDisabled))

	// Disabling a non-streaming chat is silent.
	before := len(chatTexts(t, ctx, chatID))
	require.NoError(t, ctx.SendLocationsToChat(chatID, 0))
	assert.Len(t, chatTexts(t, ctx, chatID), before)
}

func TestSetLocation(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	chatID := newStreamingChat(t, ctx)

	// Without any streaming chat, sampling may stop.
	cont, err := ctx.SetLocation(48.2, 16.4, 10)
	require.NoError(t, err)
	assert.False(t, cont)

	require.NoError(t, ctx.SendLocationsToChat(chatID, 3600))

	cont, err = ctx.SetLocation(48.2, 16.4, 10)
	require.NoError(t, err)
	assert.True(t, cont)

	locations, err := ctx.GetLocations(chatID, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.InDelta(t, 48.2, locations[0].Latitude, 1e-9)

	// The origin is ignored but keeps the stream alive.
	cont, err = ctx.SetLocation(0, 0, 0)
	require.NoError(t, err)
	assert.True(t, cont)
	locations, err = ctx.GetLocations(chatID, 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, locations, 1)
}

func TestLocationLoopSchedulesSend(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	chatID := newStreamingChat(t, ctx)

	require.NoError(t, ctx.SendLocationsToChat(chatID, 3600))
	// Drop the "enabled" system message from the queue to isolate the
	// loop's own send.
	for {
		j, err := ctx.jobs.LoadNext(job.ChannelSmtp)
		require.NoError(t, err)
		if j == nil {
			break
		}
		_, err = ctx.jobs.Finish(j, job.Success)
		require.NoError(t, err)
	}

	_, err := ctx.SetLocation(48.2, 16.4, 10)
	require.NoError(t, err)

	// A pending location on a fresh window is sent immediately as a
	// hidden location-only message.
	wait, err := ctx.maybeSendLocations()
	require.NoError(t, err)
	assert.LessOrEqual(t, wait, time.Hour)

	j, err := ctx.jobs.LoadNext(job.ChannelSmtp)
	require.NoError(t, err)
	require.NotNil(t, j)
	m, err := ctx.GetMessage(j.ForeignID)
	require.NoError(t, err)
	assert.True(t, m.Hidden)
	assert.Equal(t, SystemMessageLocationOnly, m.Params.Cmd())

	// Rendering the hidden message attaches the pending trace.
	rendered, err := ctx.renderMessage(m)
	require.NoError(t, err)
	assert.Contains(t, string(rendered.Raw), "location.kml")

	// A sample arriving shortly after a sent trace must wait out the
	// 60 s spacing.
	_, err = ctx.db.Exec(
		"UPDATE chats SET locations_last_sent = ? WHERE id = ?",
		time.Now().Unix()-30, chatID,
	)
	require.NoError(t, err)
	_, err = ctx.SetLocation(48.3, 16.5, 10)
	require.NoError(t, err)
	wait, err = ctx.maybeSendLocations()
	require.NoError(t, err)
	assert.LessOrEqual(t, wait, 61*time.Second)
	assert.Greater(t, wait, time.Duration(0))
}

func TestExpiredWindowEmitsDisabled(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	chatID := newStreamingChat(t, ctx)

	require.NoError(t, ctx.SendLocationsToChat(chatID, 3600))

	// Force the window into the past.
	_, err := ctx.db.Exec(
		"UPDATE chats SET locations_send_until = ? WHERE id = ?",
		time.Now().Unix()-10, chatID,
	)
	require.NoError(t, err)

	_, err = ctx.maybeSendLocations()
	require.NoError(t, err)

	streaming, err := ctx.IsSendingLocationsToChat(chatID)
	require.NoError(t, err)
	assert.False(t, streaming)
	assert.Contains(t, chatTexts(t, ctx, chatID), ctx.stockString(StockMsgLocationDisabled))
}

func TestReceiveLocationKml(t *testing.T) {
	alice, aliceEvents := newTestContext(t, "alice@example.org")
	bob, _ := newTestContext(t, "bob@example.net")

	bobChat := newStreamingChatWith(t, bob, "alice@example.org")
	require.NoError(t, bob.SendLocationsToChat(bobChat, 3600))
	_, err := bob.SetLocation(52.5, 13.4, 5)
	require.NoError(t, err)

	// The hidden location-only message carries the trace to Alice.
	_, err = bob.maybeSendLocations()
	require.NoError(t, err)
	pumpMessages(t, bob, alice)

	bobID, err := alice.LookupContactIDByAddr("bob@example.net")
	require.NoError(t, err)
	require.NotZero(t, bobID)
	locations, err := alice.GetLocations(0, bobID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, locations)
	assert.InDelta(t, 52.5, locations[0].Latitude, 1e-6)

	found := false
	for _, ev := range aliceEvents.all() {
		if _, ok := ev.(event.LocationChanged); ok {
			found = true
		}
	}
	assert.True(t, found, "LocationChanged must be emitted")
}

func newStreamingChatWith(t *testing.T, ctx *Context, peer string) int64 {
	t.Helper()
	id, err := ctx.AddOrLookupContact("", peer, OriginManuallyCreated)
	require.NoError(t, err)
	chatID, err := ctx.ChatIDForContact(id, BlockedNot)
	require.NoError(t, err)
	return chatID
}
