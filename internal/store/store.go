// ABOUTME: Data types and sentinel errors for rig-gateway persistence
// ABOUTME: Defines devices, queue entries, session state, commands, users and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a UNIQUE constraint
var ErrDuplicate = errors.New("already exists")

// ErrConflict is returned when a conditional update matched no rows because
// the row is no longer in the expected state
var ErrConflict = errors.New("state conflict")

// ErrInsufficientCredits is returned when a debit would take a balance below zero
var ErrInsufficientCredits = errors.New("insufficient credits")

// Telemetry is the advisory sensor snapshot reported for a device.
// It is never authoritative for control decisions.
type Telemetry struct {
	SpeedKMH   float64   `json:"speed_kmh"`
	InCar      bool      `json:"in_car"`
	Ignition   bool      `json:"ignition"`
	Lap        int       `json:"lap"`
	ReceivedAt time.Time `json:"received_at"`
}

// Device is a physical rig with a stable identity derived from its hardware fingerprint
type Device struct {
	ID           string
	Fingerprint  string
	Name         string
	Claimed      bool
	OwnerID      string
	Active       bool // false once deactivated; devices are never deleted
	LastSeen     *time.Time
	AppReachable bool
	Telemetry    *Telemetry
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueStatus is the lifecycle status of a queue entry
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueActive    QueueStatus = "active"
	QueueCompleted QueueStatus = "completed"
	QueueCancelled QueueStatus = "cancelled"
)

// QueueEntry is one user's place in a device's admission queue
type QueueEntry struct {
	ID           string
	DeviceID     string
	UserID       string
	Status       QueueStatus
	Position     int // dense 1..N among waiting entries of a device
	JoinedAt     time.Time
	BecameHeadAt *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Phase is a step of the session lifecycle
type Phase string

const (
	PhaseEnteringCar        Phase = "entering_car"
	PhaseWaitingForMovement Phase = "waiting_for_movement"
	PhaseRacing             Phase = "racing"
	PhaseCompletingLap      Phase = "completing_lap"
	PhaseStopping           Phase = "stopping"
	PhaseExitingCar         Phase = "exiting_car"
	PhaseCompleted          Phase = "completed"
	PhaseCancelled          Phase = "cancelled"
)

// Terminal reports whether no further transitions leave this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// SessionState is the singleton control grant of a device. A row exists only
// while the session is active; clearing the session deletes the row.
type SessionState struct {
	DeviceID        string
	QueueEntryID    string
	UserID          string
	Phase           Phase
	PhaseEnteredAt  time.Time
	TimerStartedAt  *time.Time
	TimerExpiresAt  *time.Time
	DurationSeconds int
	StartLap        int // telemetry lap baseline for the lap-completion check
	UpdatedAt       time.Time
}

// CommandStatus is the delivery status of a command. Only the agent moves a
// command out of pending.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
)

// Terminal reports whether the command has finished.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// Command is one directive in a device mailbox
type Command struct {
	ID            string
	Seq           int64 // per-store insertion order, used for FIFO polling
	DeviceID      string
	Type          string // authorization classification: control, signaling, maintenance
	Action        string
	Params        json.RawMessage
	Status        CommandStatus
	QueueEntryID  string // owning session's queue entry, empty for sessionless commands
	CorrelationID string // signaling correlation id, empty otherwise
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Result        json.RawMessage
}

// User is a platform user holding a credit balance
type User struct {
	ID          string
	DisplayName string
	Credits     int
	IsAdmin     bool
	CreatedAt   time.Time
}

// Store is the durable record store. All multi-row work runs inside Update so
// that it commits or rolls back as a unit.
type Store interface {
	// Update runs fn in a read-write transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(tx *Tx) error) error

	// View runs fn in a transaction that is always rolled back.
	View(ctx context.Context, fn func(tx *Tx) error) error

	// Ping reports whether the database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
