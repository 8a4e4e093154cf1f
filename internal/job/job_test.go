package job

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkdb/chatmail/internal/database"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewQueue(db)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 60*time.Second, Backoff(0))
	assert.Equal(t, 120*time.Second, Backoff(1))
	assert.Equal(t, 240*time.Second, Backoff(2))
	assert.Equal(t, time.Hour, Backoff(10))
	assert.Equal(t, time.Hour, Backoff(100))
}

func TestQueueOrder(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Add(ActionMarkseenMsgOnImap, 1, "", 0))
	require.NoError(t, q.Add(ActionDeleteMsgOnImap, 2, "", 0))

	j, err := q.LoadNext(ChannelImap)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, ActionMarkseenMsgOnImap, j.Action)

	_, err = q.Finish(j, Success)
	require.NoError(t, err)

	j, err = q.LoadNext(ChannelImap)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, ActionDeleteMsgOnImap, j.Action)
}

func TestQueueChannelSeparation(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Add(ActionSendMsgToSmtp, 7, "", 0))

	j, err := q.LoadNext(ChannelImap)
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = q.LoadNext(ChannelSmtp)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.EqualValues(t, 7, j.ForeignID)
}

func TestQueueRetrySchedulesBackoff(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Add(ActionSendMsgToSmtp, 7, "", 0))

	j, err := q.LoadNext(ChannelSmtp)
	require.NoError(t, err)
	require.NotNil(t, j)

	result, err := q.Finish(j, Retry)
	require.NoError(t, err)
	assert.Equal(t, Retry, result)

	// Not due anymore.
	j, err = q.LoadNext(ChannelSmtp)
	require.NoError(t, err)
	assert.Nil(t, j)

	wait, ok, err := q.NextRunIn(ChannelSmtp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, wait, 50*time.Second)
}

func TestQueueRetryExhaustionIsFatal(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Add(ActionSendMsgToSmtp, 7, "", 0))
	j, err := q.LoadNext(ChannelSmtp)
	require.NoError(t, err)
	j.Tries = maxTries - 1

	result, err := q.Finish(j, Retry)
	require.NoError(t, err)
	assert.Equal(t, Fatal, result)

	n, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}
