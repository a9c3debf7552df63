// ABOUTME: Command mailbox persistence, append-only from the coordinator side
// ABOUTME: Status transitions are conditional so completion is idempotent

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const commandColumns = `
	seq, command_id, device_id, type, action, params_json, status, queue_entry_id,
	correlation_id, created_at, started_at, completed_at, result_json`

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var status, createdAt string
	var params, entryID, correlationID, started, completed, result sql.NullString

	err := row.Scan(&c.Seq, &c.ID, &c.DeviceID, &c.Type, &c.Action, &params, &status,
		&entryID, &correlationID, &createdAt, &started, &completed, &result)
	if err != nil {
		return nil, err
	}

	c.Status = CommandStatus(status)
	c.QueueEntryID = entryID.String
	c.CorrelationID = correlationID.String
	if params.Valid && params.String != "" {
		c.Params = json.RawMessage(params.String)
	}
	if result.Valid && result.String != "" {
		c.Result = json.RawMessage(result.String)
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if c.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &c, nil
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// InsertCommand appends a pending command and fills in its Seq.
func (t *Tx) InsertCommand(c *Command) error {
	result, err := t.tx.Exec(`
		INSERT INTO commands (command_id, device_id, type, action, params_json, status,
			queue_entry_id, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.DeviceID, c.Type, c.Action, rawOrNull(c.Params), string(c.Status),
		nullString(c.QueueEntryID), nullString(c.CorrelationID), formatTime(c.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting command: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading command seq: %w", err)
	}
	c.Seq = seq
	return nil
}

// GetCommand retrieves a command by ID.
// Returns ErrNotFound if the command doesn't exist.
func (t *Tx) GetCommand(id string) (*Command, error) {
	row := t.tx.QueryRow(`SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

// GetOfferByCorrelation returns the webrtc_offer command for a correlation id.
// Returns ErrNotFound if no such offer was dispatched.
func (t *Tx) GetOfferByCorrelation(correlationID string) (*Command, error) {
	row := t.tx.QueryRow(`
		SELECT `+commandColumns+` FROM commands
		WHERE correlation_id = ? AND action = 'webrtc_offer'
	`, correlationID)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying offer: %w", err)
	}
	return c, nil
}

// ListPendingCommands returns a device's pending commands in FIFO order.
func (t *Tx) ListPendingCommands(deviceID string, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := t.tx.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ? AND status = 'pending'
		ORDER BY seq
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}

// CountPendingCommands returns how many pending commands a device has.
func (t *Tx) CountPendingCommands(deviceID string) (int, error) {
	var n int
	err := t.tx.QueryRow(`
		SELECT COUNT(*) FROM commands WHERE device_id = ? AND status = 'pending'
	`, deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending commands: %w", err)
	}
	return n, nil
}

// MarkCommandProcessing moves a pending command to processing.
// Returns ErrConflict if the command is no longer pending.
func (t *Tx) MarkCommandProcessing(id string, at time.Time) error {
	result, err := t.tx.Exec(`
		UPDATE commands SET status = 'processing', started_at = ?
		WHERE command_id = ? AND status = 'pending'
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking command processing: %w", err)
	}
	return expectOneRow(result, ErrConflict)
}

// FinishCommand moves a pending or processing command to a terminal status.
// Returns ErrConflict if the command had already finished; its stored
// result is left untouched.
func (t *Tx) FinishCommand(id string, status CommandStatus, result json.RawMessage, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finishing command: %q is not a terminal status", status)
	}

	res, err := t.tx.Exec(`
		UPDATE commands SET status = ?, result_json = ?, completed_at = ?
		WHERE command_id = ? AND status IN ('pending', 'processing')
	`, string(status), rawOrNull(result), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("finishing command: %w", err)
	}
	return expectOneRow(res, ErrConflict)
}

// ListOverdueCommands returns pending commands created at or before
// pendingCutoff and processing commands started at or before
// processingCutoff, oldest first. The caller finishes each one with
// FinishCommand so completion hooks observe the dead-letter.
func (t *Tx) ListOverdueCommands(pendingCutoff, processingCutoff time.Time, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := t.tx.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE (status = 'pending' AND created_at <= ?)
		   OR (status = 'processing' AND started_at <= ?)
		ORDER BY seq
		LIMIT ?
	`, formatTime(pendingCutoff), formatTime(processingCutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("querying overdue commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}

// PruneCommands deletes finished commands completed at or before cutoff.
func (t *Tx) PruneCommands(cutoff time.Time) (int64, error) {
	res, err := t.tx.Exec(`
		DELETE FROM commands
		WHERE status IN ('completed', 'failed') AND completed_at <= ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning commands: %w", err)
	}
	return res.RowsAffected()
}
