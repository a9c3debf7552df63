// ABOUTME: User records and the credit balance ledger
// ABOUTME: Credits only change through AdjustCredits, which refuses to go negative

package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateUser inserts a new user. Returns ErrDuplicate if the id is taken.
func (t *Tx) CreateUser(u *User) error {
	_, err := t.tx.Exec(`
		INSERT INTO users (user_id, display_name, credits, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.DisplayName, u.Credits, boolToInt(u.IsAdmin), formatTime(u.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (t *Tx) GetUser(id string) (*User, error) {
	row := t.tx.QueryRow(`
		SELECT user_id, display_name, credits, is_admin, created_at
		FROM users WHERE user_id = ?
	`, id)

	var u User
	var isAdmin int
	var createdAt string
	err := row.Scan(&u.ID, &u.DisplayName, &u.Credits, &isAdmin, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// AdjustCredits adds delta (which may be negative) to a user's balance.
// Returns ErrInsufficientCredits if the result would be negative, or
// ErrNotFound if the user doesn't exist.
func (t *Tx) AdjustCredits(userID string, delta int) error {
	result, err := t.tx.Exec(`
		UPDATE users SET credits = credits + ?
		WHERE user_id = ? AND credits + ? >= 0
	`, delta, userID, delta)
	if err != nil {
		return fmt.Errorf("adjusting credits: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := t.GetUser(userID); err != nil {
		return err
	}
	return ErrInsufficientCredits
}
