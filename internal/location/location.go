// Package location implements per-chat location streaming storage and
// the KML trace codec
package location

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkdb/chatmail/internal/database"
	"github.com/hkdb/chatmail/internal/logging"
)

// Location is one recorded position. Independent marks a user-pinned
// point unrelated to streaming.
type Location struct {
	ID          int64
	Latitude    float64
	Longitude   float64
	Accuracy    float64
	Timestamp   int64
	ChatID      int64
	FromID      int64
	MsgID       int64
	Marker      string
	Independent bool
}

// StreamingChat is one chat with a live or stale streaming window.
type StreamingChat struct {
	ChatID    int64
	SendBegin int64
	SendUntil int64
	LastSent  int64
}

// Store provides location persistence operations
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new location store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("location-store"),
	}
}

// SetWindow opens or clears the streaming window of a chat.
// seconds 0 clears the window.
func (s *Store) SetWindow(chatID int64, seconds int64) error {
	now := time.Now().Unix()
	var begin, until int64
	if seconds != 0 {
		begin = now
		until = now + seconds
	}
	_, err := s.db.Exec(
		"UPDATE chats SET locations_send_begin = ?, locations_send_until = ? WHERE id = ?",
		begin, until, chatID,
	)
	if err != nil {
		return fmt.Errorf("failed to set streaming window: %w", err)
	}
	return nil
}

// ClearWindow disables streaming for a chat.
func (s *Store) ClearWindow(chatID int64) error {
	_, err := s.db.Exec(
		"UPDATE chats SET locations_send_begin = 0, locations_send_until = 0 WHERE id = ?",
		chatID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear streaming window: %w", err)
	}
	return nil
}

// IsStreaming reports whether the chat has a live streaming window.
// chatID 0 asks whether any chat is streaming.
func (s *Store) IsStreaming(chatID int64) (bool, error) {
	var n int
	var err error
	now := time.Now().Unix()
	if chatID != 0 {
		err = s.db.QueryRow(
			"SELECT COUNT(id) FROM chats WHERE id = ? AND locations_send_until > ?",
			chatID, now,
		).Scan(&n)
	} else {
		err = s.db.QueryRow(
			"SELECT COUNT(id) FROM chats WHERE locations_send_until > ?", now,
		).Scan(&n)
	}
	if err != nil {
		return false, fmt.Errorf("failed to check streaming state: %w", err)
	}
	return n > 0, nil
}

// LiveChats returns the ids of all chats with a live streaming window.
func (s *Store) LiveChats() ([]int64, error) {
	rows, err := s.db.Query(
		"SELECT id FROM chats WHERE locations_send_until > ?", time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query streaming chats: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WindowChats returns every chat whose window is set, live or expired.
// The location loop uses this to send pending traces and to expire
// stale windows.
func (s *Store) WindowChats() ([]StreamingChat, error) {
	rows, err := s.db.Query(`
		SELECT id, locations_send_begin, locations_send_until, locations_last_sent
		FROM chats
		WHERE locations_send_until > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query window chats: %w", err)
	}
	defer rows.Close()

	var chats []StreamingChat
	for rows.Next() {
		var c StreamingChat
		if err := rows.Scan(&c.ChatID, &c.SendBegin, &c.SendUntil, &c.LastSent); err != nil {
			return nil, fmt.Errorf("failed to scan window chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// SetLastSent records the time the last streaming trace left for a
// chat.
func (s *Store) SetLastSent(chatID, timestamp int64) error {
	_, err := s.db.Exec(
		"UPDATE chats SET locations_last_sent = ? WHERE id = ?", timestamp, chatID,
	)
	if err != nil {
		return fmt.Errorf("failed to set last sent: %w", err)
	}
	return nil
}

// Insert records one position sample for a chat.
func (s *Store) Insert(chatID, fromID int64, latitude, longitude, accuracy float64, timestamp int64) error {
	_, err := s.db.Exec(`
		INSERT INTO locations (latitude, longitude, accuracy, timestamp, chat_id, from_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, latitude, longitude, accuracy, timestamp, chatID, fromID)
	if err != nil {
		return fmt.Errorf("failed to store location: %w", err)
	}
	return nil
}

// Save stores locations parsed from a received trace. Non-independent
// duplicates on (timestamp, from_id) are skipped. Returns the row id of
// the newest inserted location, or 0.
func (s *Store) Save(chatID, fromID int64, locations []Location, independent bool) (int64, error) {
	var newestTimestamp int64
	var newestLocationID int64

	for _, loc := range locations {
		if !independent {
			var n int
			err := s.db.QueryRow(
				"SELECT COUNT(id) FROM locations WHERE timestamp = ? AND from_id = ?",
				loc.Timestamp, fromID,
			).Scan(&n)
			if err != nil {
				return 0, fmt.Errorf("failed to check location dedup: %w", err)
			}
			if n > 0 {
				continue
			}
		}
		res, err := s.db.Exec(`
			INSERT INTO locations (latitude, longitude, accuracy, timestamp, chat_id, from_id, independent, marker)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, loc.Latitude, loc.Longitude, loc.Accuracy, loc.Timestamp, chatID, fromID, independent, nullable(loc.Marker))
		if err != nil {
			return 0, fmt.Errorf("failed to save location: %w", err)
		}
		if loc.Timestamp > newestTimestamp {
			newestTimestamp = loc.Timestamp
			newestLocationID, _ = res.LastInsertId()
		}
	}

	return newestLocationID, nil
}

// HasPending reports whether unsent streaming locations exist for the
// window beginning at sendBegin with the given last-sent time.
func (s *Store) HasPending(fromID, sendBegin, lastSent int64) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(id) FROM locations
		WHERE from_id = ? AND timestamp >= ? AND timestamp > ? AND independent = 0
	`, fromID, sendBegin, lastSent).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending locations: %w", err)
	}
	return n > 0, nil
}

// Pending returns the unsent streaming locations for a window, oldest
// first, deduplicated by timestamp. The final stored position is always
// included so a receiver can show the current spot.
func (s *Store) Pending(fromID, sendBegin, lastSent int64) ([]Location, error) {
	rows, err := s.db.Query(`
		SELECT id, latitude, longitude, accuracy, timestamp
		FROM locations
		WHERE from_id = ?
		AND timestamp >= ?
		AND (timestamp > ? OR timestamp = (SELECT MAX(timestamp) FROM locations WHERE from_id = ?))
		AND independent = 0
		GROUP BY timestamp
		ORDER BY timestamp
	`, fromID, sendBegin, lastSent, fromID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending locations: %w", err)
	}
	defer rows.Close()
	return scanLocations(rows)
}

// Range returns recorded locations filtered by chat and/or contact in
// the time range, both ends inclusive, newest first, capped at 1000 entries.
func (s *Store) Range(chatID, contactID, timestampFrom, timestampTo int64) ([]Location, error) {
	if timestampTo == 0 {
		timestampTo = time.Now().Unix() + 10
	}

	var rows *sql.Rows
	var err error
	switch {
	case chatID != 0 && contactID != 0:
		rows, err = s.db.Query(`
			SELECT id, latitude, longitude, accuracy, timestamp, chat_id, from_id, independent, marker
			FROM locations
			WHERE chat_id = ? AND from_id = ? AND timestamp >= ? AND timestamp <= ?
			ORDER BY timestamp DESC, id DESC LIMIT 1000
		`, chatID, contactID, timestampFrom, timestampTo)
	case chatID != 0:
		rows, err = s.db.Query(`
			SELECT id, latitude, longitude, accuracy, timestamp, chat_id, from_id, independent, marker
			FROM locations
			WHERE chat_id = ? AND timestamp >= ? AND timestamp <= ?
			ORDER BY timestamp DESC, id DESC LIMIT 1000
		`, chatID, timestampFrom, timestampTo)
	default:
		rows, err = s.db.Query(`
			SELECT id, latitude, longitude, accuracy, timestamp, chat_id, from_id, independent, marker
			FROM locations
			WHERE from_id = ? AND timestamp >= ? AND timestamp <= ?
			ORDER BY timestamp DESC, id DESC LIMIT 1000
		`, contactID, timestampFrom, timestampTo)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query location range: %w", err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var loc Location
		var marker sql.NullString
		if err := rows.Scan(&loc.ID, &loc.Latitude, &loc.Longitude, &loc.Accuracy,
			&loc.Timestamp, &loc.ChatID, &loc.FromID, &loc.Independent, &marker); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		loc.Marker = marker.String
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// DeleteAll removes all recorded locations.
func (s *Store) DeleteAll() error {
	if _, err := s.db.Exec("DELETE FROM locations"); err != nil {
		return fmt.Errorf("failed to delete locations: %w", err)
	}
	return nil
}

func scanLocations(rows *sql.Rows) ([]Location, error) {
	var locations []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.ID, &loc.Latitude, &loc.Longitude, &loc.Accuracy, &loc.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
