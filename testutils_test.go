package chatmail

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hkdb/chatmail/internal/job"
)

// pumpMessages renders every queued outgoing message of from and
// delivers it into to, simulating the SMTP/IMAP round trip. Returns
// the number of delivered messages.
func pumpMessages(t *testing.T, from, to *Context) int {
	t.Helper()
	delivered := 0
	for {
		j, err := from.jobs.LoadNext(job.ChannelSmtp)
		require.NoError(t, err)
		if j == nil {
			return delivered
		}
		m, err := from.GetMessage(j.ForeignID)
		require.NoError(t, err)
		rendered, err := from.renderMessage(m)
		require.NoError(t, err)

		require.NoError(t, to.ReceiveIMF(rendered.Raw, false))

		require.NoError(t, from.updateMsgState(m.ID, StateOutDelivered))
		_, err = from.jobs.Finish(j, job.Success)
		require.NoError(t, err)
		delivered++
	}
}

// pumpUntilIdle alternates deliveries between two contexts until both
// queues drain.
func pumpUntilIdle(t *testing.T, a, b *Context) {
	t.Helper()
	for {
		n := pumpMessages(t, a, b)
		n += pumpMessages(t, b, a)
		if n == 0 {
			return
		}
	}
}

// chatTexts returns the visible texts of a chat in timestamp order.
func chatTexts(t *testing.T, c *Context, chatID int64) []string {
	t.Helper()
	rows, err := c.db.Query(
		"SELECT txt FROM msgs WHERE chat_id = ? AND hidden = 0 ORDER BY timestamp, id", chatID,
	)
	require.NoError(t, err)
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		require.NoError(t, rows.Scan(&text))
		texts = append(texts, text)
	}
	require.NoError(t, rows.Err())
	return texts
}
