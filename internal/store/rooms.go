package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/roomsync/internal/room"
)

// ReplaceRooms overwrites the stored list for one category.
func (db *DB) ReplaceRooms(cat room.Category, rooms []room.ChatRoom) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM rooms WHERE category = ?`, string(cat)); err != nil {
		return fmt.Errorf("clear %s rooms: %w", cat, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO rooms (category, room_num, display_name, avatar_ref, topic, last_message_content,
			last_message_at, unread_count, last_read_sequence, latest_sequence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, room_num) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			topic = excluded.topic,
			last_message_content = excluded.last_message_content,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			last_read_sequence = excluded.last_read_sequence,
			latest_sequence = excluded.latest_sequence,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, r := range rooms {
		if _, err := stmt.Exec(string(cat), r.ID.Num, r.DisplayName, r.AvatarRef, r.Topic, r.LastMessageContent,
			toMillis(r.LastMessageAt), r.UnreadCount, r.LastReadSequence, r.LatestSequence, now); err != nil {
			return fmt.Errorf("insert room %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rooms: %w", err)
	}
	return nil
}

// ListRooms returns the stored rooms of a category, most recent first.
func (db *DB) ListRooms(cat room.Category) ([]room.ChatRoom, error) {
	rows, err := db.Query(`
		SELECT room_num, display_name, avatar_ref, topic, last_message_content, last_message_at,
			unread_count, last_read_sequence, latest_sequence
		FROM rooms
		WHERE category = ?
		ORDER BY last_message_at = 0, last_message_at DESC, room_num`, string(cat))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []room.ChatRoom
	for rows.Next() {
		r := room.ChatRoom{ID: room.ID{Category: cat}}
		var at int64
		if err := rows.Scan(&r.ID.Num, &r.DisplayName, &r.AvatarRef, &r.Topic, &r.LastMessageContent, &at,
			&r.UnreadCount, &r.LastReadSequence, &r.LatestSequence); err != nil {
			return nil, err
		}
		r.LastMessageAt = fromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRooms returns the number of stored rooms across all categories.
func (db *DB) CountRooms() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&n)
	return n, err
}

// Reset deletes every stored room and checkpoint.
func (db *DB) Reset() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{`DELETE FROM rooms`, `DELETE FROM sync_state`} {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
