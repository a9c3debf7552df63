// ABOUTME: Queue entry persistence with dense per-device waiting positions
// ABOUTME: Position compaction goes through negative values so UNIQUE(device, position) never trips

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queueColumns = `
	entry_id, device_id, user_id, status, position, joined_at,
	became_head_at, started_at, completed_at`

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	var status, joinedAt string
	var becameHead, started, completed sql.NullString

	err := row.Scan(&e.ID, &e.DeviceID, &e.UserID, &status, &e.Position, &joinedAt,
		&becameHead, &started, &completed)
	if err != nil {
		return nil, err
	}
	e.Status = QueueStatus(status)

	if e.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, fmt.Errorf("parsing joined_at: %w", err)
	}
	if e.BecameHeadAt, err = parseNullTime(becameHead); err != nil {
		return nil, fmt.Errorf("parsing became_head_at: %w", err)
	}
	if e.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if e.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &e, nil
}

func (t *Tx) queryQueueEntries(query string, args ...any) ([]*QueueEntry, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue entries: %w", err)
	}
	return entries, nil
}

// InsertQueueEntry inserts a new entry. Returns ErrDuplicate when the user
// already holds a waiting or active entry for the device, or the position is taken.
func (t *Tx) InsertQueueEntry(e *QueueEntry) error {
	_, err := t.tx.Exec(`
		INSERT INTO queue_entries (entry_id, device_id, user_id, status, position, joined_at, became_head_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.DeviceID, e.UserID, string(e.Status), e.Position, formatTime(e.JoinedAt), nullTime(e.BecameHeadAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting queue entry: %w", err)
	}
	return nil
}

// GetQueueEntry retrieves an entry by ID.
// Returns ErrNotFound if the entry doesn't exist.
func (t *Tx) GetQueueEntry(id string) (*QueueEntry, error) {
	row := t.tx.QueryRow(`SELECT `+queueColumns+` FROM queue_entries WHERE entry_id = ?`, id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue entry: %w", err)
	}
	return e, nil
}

// FindOpenEntry returns the user's waiting or active entry for a device.
// Returns ErrNotFound if the user holds none.
func (t *Tx) FindOpenEntry(deviceID, userID string) (*QueueEntry, error) {
	row := t.tx.QueryRow(`
		SELECT `+queueColumns+` FROM queue_entries
		WHERE device_id = ? AND user_id = ? AND status IN ('waiting', 'active')
	`, deviceID, userID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open queue entry: %w", err)
	}
	return e, nil
}

// ListWaiting returns the waiting entries of a device in position order.
func (t *Tx) ListWaiting(deviceID string) ([]*QueueEntry, error) {
	return t.queryQueueEntries(`
		SELECT `+queueColumns+` FROM queue_entries
		WHERE device_id = ? AND status = 'waiting'
		ORDER BY position
	`, deviceID)
}

// ListUserEntries returns a user's most recent entries across devices.
func (t *Tx) ListUserEntries(userID string, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.queryQueueEntries(`
		SELECT `+queueColumns+` FROM queue_entries
		WHERE user_id = ?
		ORDER BY joined_at DESC
		LIMIT ?
	`, userID, limit)
}

// MaxWaitingPosition returns the highest waiting position of a device, 0 when empty.
func (t *Tx) MaxWaitingPosition(deviceID string) (int, error) {
	var max int
	err := t.tx.QueryRow(`
		SELECT COALESCE(MAX(position), 0) FROM queue_entries
		WHERE device_id = ? AND status = 'waiting'
	`, deviceID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("querying max position: %w", err)
	}
	return max, nil
}

// DeleteQueueEntry physically removes a waiting entry. Active and finished
// entries are retained for history and cannot be deleted.
func (t *Tx) DeleteQueueEntry(id string) error {
	result, err := t.tx.Exec(`DELETE FROM queue_entries WHERE entry_id = ? AND status = 'waiting'`, id)
	if err != nil {
		return fmt.Errorf("deleting queue entry: %w", err)
	}
	return expectOneRow(result, ErrConflict)
}

// CompactAfter moves every waiting entry above position down by one.
func (t *Tx) CompactAfter(deviceID string, position int) error {
	if _, err := t.tx.Exec(`
		UPDATE queue_entries SET position = -position
		WHERE device_id = ? AND status = 'waiting' AND position > ?
	`, deviceID, position); err != nil {
		return fmt.Errorf("compacting positions: %w", err)
	}
	if _, err := t.tx.Exec(`
		UPDATE queue_entries SET position = -position - 1
		WHERE device_id = ? AND status = 'waiting' AND position < 0
	`, deviceID); err != nil {
		return fmt.Errorf("compacting positions: %w", err)
	}
	return nil
}

// ActivateEntry moves a waiting entry to active.
// Returns ErrConflict if the entry is no longer waiting.
func (t *Tx) ActivateEntry(id string, at time.Time) error {
	result, err := t.tx.Exec(`
		UPDATE queue_entries SET status = 'active', started_at = ?
		WHERE entry_id = ? AND status = 'waiting'
	`, formatTime(at), id)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("activating queue entry: %w", err)
	}
	return expectOneRow(result, ErrConflict)
}

// FinalizeEntry moves a waiting or active entry to a terminal status and
// clears any session state that references it. Session state is only ever
// cleared through here.
func (t *Tx) FinalizeEntry(id string, status QueueStatus, at time.Time) error {
	if status != QueueCompleted && status != QueueCancelled {
		return fmt.Errorf("finalizing queue entry: %q is not a terminal status", status)
	}

	result, err := t.tx.Exec(`
		UPDATE queue_entries SET status = ?, completed_at = ?
		WHERE entry_id = ? AND status IN ('waiting', 'active')
	`, string(status), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("finalizing queue entry: %w", err)
	}
	if err := expectOneRow(result, ErrConflict); err != nil {
		return err
	}

	if _, err := t.tx.Exec(`DELETE FROM session_states WHERE queue_entry_id = ?`, id); err != nil {
		return fmt.Errorf("clearing session state: %w", err)
	}
	return nil
}

// MarkHead stamps became_head_at on a device's head entry if it has not
// been stamped and the device has no running session. A head only starts
// its timeout once the device is free for it.
func (t *Tx) MarkHead(deviceID string, at time.Time) error {
	_, err := t.tx.Exec(`
		UPDATE queue_entries SET became_head_at = ?
		WHERE device_id = ? AND status = 'waiting' AND position = 1
		  AND became_head_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM session_states WHERE device_id = ?)
	`, formatTime(at), deviceID, deviceID)
	if err != nil {
		return fmt.Errorf("marking queue head: %w", err)
	}
	return nil
}

// ListStaleHeads returns head entries that became head at or before cutoff on
// devices with no running session.
func (t *Tx) ListStaleHeads(cutoff time.Time) ([]*QueueEntry, error) {
	return t.queryQueueEntries(`
		SELECT `+queueColumns+` FROM queue_entries q
		WHERE status = 'waiting' AND position = 1
		  AND became_head_at IS NOT NULL AND became_head_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM session_states s WHERE s.device_id = q.device_id)
		ORDER BY became_head_at
	`, formatTime(cutoff))
}
