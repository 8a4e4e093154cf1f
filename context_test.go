package chatmail

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder captures emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestContext(t *testing.T, addr string) (*Context, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	ctx, err := New(filepath.Join(t.TempDir(), "account.sqlite"), 1, rec.sink)
	require.NoError(t, err)
	require.NoError(t, ctx.SetConfig(ConfigAddr, addr))
	t.Cleanup(func() { ctx.Close() })
	return ctx, rec
}

func TestOngoingAllocation(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")

	cancel, err := ctx.AllocOngoing()
	require.NoError(t, err)
	assert.False(t, ctx.ShallStopOngoing())

	// Only one ongoing operation may exist at a time.
	_, err = ctx.AllocOngoing()
	assert.Error(t, err)

	ctx.StopOngoing()
	select {
	case <-cancel:
	default:
		t.Fatal("cancel channel did not fire")
	}
	assert.True(t, ctx.ShallStopOngoing())

	// Still allocated until freed.
	_, err = ctx.AllocOngoing()
	assert.Error(t, err)

	ctx.FreeOngoing()
	_, err = ctx.AllocOngoing()
	require.NoError(t, err)
	ctx.FreeOngoing()
}

func TestStartStopIO(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")

	// Two concurrent starts leave exactly one scheduler instance.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx.StartIO()
		}()
	}
	wg.Wait()
	assert.True(t, ctx.IsIORunning())

	ctx.StopIO()
	assert.False(t, ctx.IsIORunning())

	// Stopping again is a no-op.
	ctx.StopIO()
}

func TestStartIORequiresConfiguration(t *testing.T) {
	rec := &eventRecorder{}
	ctx, err := New(filepath.Join(t.TempDir(), "account.sqlite"), 1, rec.sink)
	require.NoError(t, err)
	defer ctx.Close()

	ctx.StartIO()
	assert.False(t, ctx.IsIORunning())
}

func TestPassphraseRoundTrip(t *testing.T) {
	dbfile := filepath.Join(t.TempDir(), "locked.sqlite")

	ctx, err := NewClosed(dbfile, 1, nil)
	require.NoError(t, err)
	ok, err := ctx.Open("secret")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ctx.Close())

	// Wrong passphrase is rejected.
	ctx2, err := NewClosed(dbfile, 2, nil)
	require.NoError(t, err)
	ok, err = ctx2.Open("wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ctx2.Open("secret")
	require.NoError(t, err)
	assert.True(t, ok)
	ctx2.Close()
}

func TestSmearedTimestampsAreMonotonic(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")

	prev := int64(0)
	for i := 0; i < 5; i++ {
		ts := ctx.SmearedTimestamp()
		assert.Greater(t, ts, prev)
		prev = ts
	}
}

func TestGetFreshMsgsHonorsMutedChats(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")

	bobID, err := ctx.AddOrLookupContact("Bob", "bob@example.net", OriginManuallyCreated)
	require.NoError(t, err)
	chatID, err := ctx.ChatIDForContact(bobID, BlockedNot)
	require.NoError(t, err)

	m := NewMessage(ViewtypeText)
	m.ChatID = chatID
	m.FromID = bobID
	m.Timestamp = time.Now().Unix()
	m.Text = "hi"
	m.State = StateInFresh
	m.Rfc724Mid = createRfc724Mid()
	require.NoError(t, ctx.insertMessage(m))

	fresh, err := ctx.GetFreshMsgs()
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	// Muted forever hides the chat from the fresh list.
	require.NoError(t, ctx.SetChatMutedUntil(chatID, MutedForever))
	fresh, err = ctx.GetFreshMsgs()
	require.NoError(t, err)
	assert.Empty(t, fresh)

	// A mute in the past does not.
	require.NoError(t, ctx.SetChatMutedUntil(chatID, time.Now().Unix()-100))
	fresh, err = ctx.GetFreshMsgs()
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	// A mute in the future does.
	require.NoError(t, ctx.SetChatMutedUntil(chatID, time.Now().Unix()+100))
	fresh, err = ctx.GetFreshMsgs()
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestSearchMsgs(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")

	bobID, err := ctx.AddOrLookupContact("Bob", "bob@example.net", OriginManuallyCreated)
	require.NoError(t, err)
	chatID, err := ctx.ChatIDForContact(bobID, BlockedNot)
	require.NoError(t, err)

	for _, text := range []string{"hello world", "foobar", "hello again"} {
		m := NewMessage(ViewtypeText)
		m.ChatID = chatID
		m.FromID = bobID
		m.Timestamp = ctx.SmearedTimestamp()
		m.Text = text
		m.State = StateInSeen
		m.Rfc724Mid = createRfc724Mid()
		require.NoError(t, ctx.insertMessage(m))
	}

	ids, err := ctx.SearchMsgs(chatID, "hello")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = ctx.SearchMsgs(0, "foobar")
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ids, err = ctx.SearchMsgs(0, "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetInfo(t *testing.T) {
	ctx, _ := newTestContext(t, "alice@example.org")
	info, err := ctx.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, "1", info["database_open"])
	assert.Equal(t, "alice@example.org", info["addr"])
	assert.Contains(t, info, "msgs_count")
}
