// Package job implements the persistent queue for deferred IMAP/SMTP work
package job

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkdb/chatmail/internal/database"
	"github.com/hkdb/chatmail/internal/logging"
)

// Action identifies the deferred operation of a queue entry.
type Action int

const (
	// ActionSendMsgToSmtp delivers an outgoing message; foreign_id is
	// the message id. Runs on the SMTP channel.
	ActionSendMsgToSmtp Action = 5901

	// ActionDeleteMsgOnImap removes a message from the server, e.g. a
	// fully handled Secure-Join handshake message.
	ActionDeleteMsgOnImap Action = 110

	// ActionMarkseenMsgOnImap flags a message as seen on the server.
	ActionMarkseenMsgOnImap Action = 130

	// ActionMoveMsg moves a chat message to the move-box folder.
	ActionMoveMsg Action = 200
)

// Channel returns the worker channel an action runs on.
func (a Action) Channel() Channel {
	if a == ActionSendMsgToSmtp {
		return ChannelSmtp
	}
	return ChannelImap
}

// Channel separates IMAP jobs from SMTP jobs.
type Channel int

const (
	ChannelImap Channel = iota
	ChannelSmtp
)

// Job is one persistent queue entry.
type Job struct {
	ID        int64
	Action    Action
	ForeignID int64
	Param     string
	Tries     int
	AddedAt   int64
	NextRun   int64
}

// Result is the outcome of running a job.
type Result int

const (
	// Success deletes the queue entry.
	Success Result = iota

	// Retry reschedules the entry with exponential backoff.
	Retry

	// Fatal deletes the entry; the caller emits a failure event.
	Fatal
)

// Retry policy. The backoff schedule is not fixed by the protocol; we
// use 60s doubling per try, capped at one hour.
const (
	backoffBase = 60 * time.Second
	backoffCap  = time.Hour
	maxTries    = 17
)

// Backoff returns the delay before the next attempt of a job that has
// now failed tries+1 times.
func Backoff(tries int) time.Duration {
	d := backoffBase
	for i := 0; i < tries; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Queue provides job persistence operations
type Queue struct {
	db  *database.DB
	log zerolog.Logger
}

// NewQueue creates a new job queue over the given database
func NewQueue(db *database.DB) *Queue {
	return &Queue{
		db:  db,
		log: logging.WithComponent("job-queue"),
	}
}

// Add appends a job, to run no earlier than delay from now.
func (q *Queue) Add(action Action, foreignID int64, param string, delay time.Duration) error {
	now := time.Now().Unix()
	_, err := q.db.Exec(`
		INSERT INTO jobs (action, foreign_id, param, tries, added_at, next_run)
		VALUES (?, ?, ?, 0, ?, ?)
	`, action, foreignID, param, now, now+int64(delay.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to add job: %w", err)
	}
	return nil
}

// LoadNext claims the next due job for the given channel, in
// (next_run, id) order. Returns nil if nothing is due.
func (q *Queue) LoadNext(channel Channel) (*Job, error) {
	rows, err := q.db.Query(`
		SELECT id, action, foreign_id, param, tries, added_at, next_run
		FROM jobs
		WHERE next_run <= ?
		ORDER BY next_run, id
	`, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		j := &Job{}
		if err := rows.Scan(&j.ID, &j.Action, &j.ForeignID, &j.Param, &j.Tries, &j.AddedAt, &j.NextRun); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if j.Action.Channel() == channel {
			return j, nil
		}
	}
	return nil, rows.Err()
}

// NextRunIn returns the duration until the earliest pending job of the
// channel becomes due, or false if the queue is empty for that channel.
func (q *Queue) NextRunIn(channel Channel) (time.Duration, bool, error) {
	rows, err := q.db.Query("SELECT action, next_run FROM jobs ORDER BY next_run, id")
	if err != nil {
		return 0, false, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action Action
		var nextRun int64
		if err := rows.Scan(&action, &nextRun); err != nil {
			return 0, false, fmt.Errorf("failed to scan job: %w", err)
		}
		if action.Channel() != channel {
			continue
		}
		wait := time.Duration(nextRun-time.Now().Unix()) * time.Second
		if wait < 0 {
			wait = 0
		}
		return wait, true, nil
	}
	return 0, false, rows.Err()
}

// Finish applies the outcome of a run to the queue entry.
// Returns Fatal as final result when a retried job ran out of attempts.
func (q *Queue) Finish(j *Job, result Result) (Result, error) {
	switch result {
	case Retry:
		if j.Tries+1 >= maxTries {
			q.log.Warn().Int64("job", j.ID).Int("tries", j.Tries+1).Msg("Job ran out of retries")
			if err := q.delete(j.ID); err != nil {
				return Fatal, err
			}
			return Fatal, nil
		}
		nextRun := time.Now().Add(Backoff(j.Tries)).Unix()
		_, err := q.db.Exec("UPDATE jobs SET tries = tries + 1, next_run = ? WHERE id = ?", nextRun, j.ID)
		if err != nil {
			return Retry, fmt.Errorf("failed to reschedule job: %w", err)
		}
		return Retry, nil
	default:
		if err := q.delete(j.ID); err != nil {
			return result, err
		}
		return result, nil
	}
}

// PendingCount returns the number of queued jobs.
func (q *Queue) PendingCount() (int, error) {
	var n int
	err := q.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) delete(id int64) error {
	if _, err := q.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
