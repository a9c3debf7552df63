// ABOUTME: Session state persistence, one row per device while a session runs
// ABOUTME: The device primary key is the database-level "one active session" guarantee

package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const sessionColumns = `
	device_id, queue_entry_id, user_id, phase, phase_entered_at,
	timer_started_at, timer_expires_at, duration_seconds, start_lap, updated_at`

func scanSession(row rowScanner) (*SessionState, error) {
	var s SessionState
	var phase, entered, updated string
	var timerStarted, timerExpires sql.NullString

	err := row.Scan(&s.DeviceID, &s.QueueEntryID, &s.UserID, &phase, &entered,
		&timerStarted, &timerExpires, &s.DurationSeconds, &s.StartLap, &updated)
	if err != nil {
		return nil, err
	}
	s.Phase = Phase(phase)

	if s.PhaseEnteredAt, err = parseTime(entered); err != nil {
		return nil, fmt.Errorf("parsing phase_entered_at: %w", err)
	}
	if s.TimerStartedAt, err = parseNullTime(timerStarted); err != nil {
		return nil, fmt.Errorf("parsing timer_started_at: %w", err)
	}
	if s.TimerExpiresAt, err = parseNullTime(timerExpires); err != nil {
		return nil, fmt.Errorf("parsing timer_expires_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &s, nil
}

// InsertSession creates the session state for a device.
// Returns ErrDuplicate if the device already has a session.
func (t *Tx) InsertSession(s *SessionState) error {
	_, err := t.tx.Exec(`
		INSERT INTO session_states (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.DeviceID, s.QueueEntryID, s.UserID, string(s.Phase), formatTime(s.PhaseEnteredAt),
		nullTime(s.TimerStartedAt), nullTime(s.TimerExpiresAt), s.DurationSeconds, s.StartLap,
		formatTime(s.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session state: %w", err)
	}
	return nil
}

// GetSession returns the running session of a device.
// Returns ErrNotFound if the device is idle.
func (t *Tx) GetSession(deviceID string) (*SessionState, error) {
	row := t.tx.QueryRow(`SELECT `+sessionColumns+` FROM session_states WHERE device_id = ?`, deviceID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session state: %w", err)
	}
	return s, nil
}

// ListSessions returns every running session.
func (t *Tx) ListSessions() ([]*SessionState, error) {
	rows, err := t.tx.Query(`SELECT ` + sessionColumns + ` FROM session_states ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("querying session states: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionState
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session state: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session states: %w", err)
	}
	return sessions, nil
}

// UpdateSessionPhase rewrites the phase and timer fields of a session, but
// only while it is still in the expected phase.
// Returns ErrConflict if another writer moved the session first.
func (t *Tx) UpdateSessionPhase(s *SessionState, from Phase) error {
	result, err := t.tx.Exec(`
		UPDATE session_states
		SET phase = ?, phase_entered_at = ?, timer_started_at = ?, timer_expires_at = ?,
		    start_lap = ?, updated_at = ?
		WHERE device_id = ? AND queue_entry_id = ? AND phase = ?
	`, string(s.Phase), formatTime(s.PhaseEnteredAt), nullTime(s.TimerStartedAt),
		nullTime(s.TimerExpiresAt), s.StartLap, formatTime(s.UpdatedAt),
		s.DeviceID, s.QueueEntryID, string(from))
	if err != nil {
		return fmt.Errorf("updating session phase: %w", err)
	}
	return expectOneRow(result, ErrConflict)
}
