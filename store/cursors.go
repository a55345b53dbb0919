package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetCursor returns the last acknowledged stream position for persona,
// or 0 if the persona has never synced.
func (s *Store) GetCursor(persona string) (int64, error) {
	var seq int64
	err := s.QueryRow("SELECT seq FROM cursors WHERE persona = ?", persona).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SetCursor records seq as the last processed stream position for persona.
func (s *Store) SetCursor(persona string, seq int64) error {
	_, err := s.Exec(`
		INSERT INTO cursors (persona, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(persona) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at
	`, persona, seq, time.Now().UTC())
	return err
}
