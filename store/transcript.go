package store

import (
	"github.com/AlphafromZion/matrix-agent-room/transport"
)

// RecordEvent appends evt to persona's transcript. Replayed events are
// ignored rather than duplicated.
func (s *Store) RecordEvent(persona string, evt transport.RoomEvent) error {
	_, err := s.Exec(`
		INSERT OR IGNORE INTO transcript
			(persona, event_id, room_id, seq, sender, sender_name, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, persona, evt.ID, evt.RoomID, evt.Seq, evt.Sender, evt.SenderName, evt.Body, evt.Timestamp.UTC())
	return err
}

// RecentEvents returns up to limit transcript entries for the pair, oldest
// first, suitable for priming a conversation window.
func (s *Store) RecentEvents(persona, roomID string, limit int) ([]transport.RoomEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.Query(`
		SELECT event_id, room_id, seq, sender, sender_name, body, created_at
		FROM transcript WHERE persona = ? AND room_id = ?
		ORDER BY seq DESC LIMIT ?
	`, persona, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []transport.RoomEvent
	for rows.Next() {
		var e transport.RoomEvent
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Seq, &e.Sender, &e.SenderName, &e.Body, &e.Timestamp); err != nil {
			continue
		}
		events = append(events, e)
	}

	// Reverse to chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, rows.Err()
}

// Rooms lists every room persona has transcript entries for.
func (s *Store) Rooms(persona string) ([]string, error) {
	rows, err := s.Query("SELECT DISTINCT room_id FROM transcript WHERE persona = ?", persona)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}
