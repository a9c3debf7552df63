// ABOUTME: Device registry persistence: upsert by fingerprint, claim, deactivate
// ABOUTME: last_seen is written only by TouchLastSeen, which heartbeats alone call

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const deviceColumns = `
	device_id, fingerprint, name, claimed, owner_id, active, last_seen,
	app_reachable, telemetry_json, created_at, updated_at`

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var claimed, active, reachable int
	var ownerID, lastSeen, telemetry sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&d.ID, &d.Fingerprint, &d.Name, &claimed, &ownerID, &active, &lastSeen,
		&reachable, &telemetry, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Claimed = claimed != 0
	d.Active = active != 0
	d.AppReachable = reachable != 0
	d.OwnerID = ownerID.String

	if d.LastSeen, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if telemetry.Valid && telemetry.String != "" {
		var tm Telemetry
		if err := json.Unmarshal([]byte(telemetry.String), &tm); err != nil {
			return nil, fmt.Errorf("decoding telemetry: %w", err)
		}
		d.Telemetry = &tm
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// UpsertDevice registers a device keyed by its fingerprint. An existing
// registration keeps its device_id, claim and last_seen; only the name is
// refreshed and the device is reactivated.
func (t *Tx) UpsertDevice(id, fingerprint, name string, now time.Time) (*Device, error) {
	_, err := t.tx.Exec(`
		INSERT INTO devices (device_id, fingerprint, name, claimed, active, created_at, updated_at)
		VALUES (?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			name = excluded.name,
			active = 1,
			updated_at = excluded.updated_at
	`, id, fingerprint, name, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("upserting device: %w", err)
	}

	row := t.tx.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE fingerprint = ?`, fingerprint)
	d, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("reading registered device: %w", err)
	}
	return d, nil
}

// GetDevice retrieves a device by ID.
// Returns ErrNotFound if the device doesn't exist.
func (t *Tx) GetDevice(id string) (*Device, error) {
	row := t.tx.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices ordered by name.
func (t *Tx) ListDevices() ([]*Device, error) {
	rows, err := t.tx.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// SetDeviceClaim claims a device for ownerID, or releases it when ownerID is empty.
func (t *Tx) SetDeviceClaim(id, ownerID string, now time.Time) error {
	result, err := t.tx.Exec(`
		UPDATE devices SET claimed = ?, owner_id = ?, updated_at = ?
		WHERE device_id = ?
	`, boolToInt(ownerID != ""), nullString(ownerID), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("updating device claim: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

// SetDeviceActive activates or deactivates a device.
func (t *Tx) SetDeviceActive(id string, active bool, now time.Time) error {
	result, err := t.tx.Exec(`
		UPDATE devices SET active = ?, updated_at = ? WHERE device_id = ?
	`, boolToInt(active), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("updating device active flag: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

// TouchLastSeen records an agent heartbeat. It is the only write path for last_seen.
func (t *Tx) TouchLastSeen(id string, at time.Time, appReachable bool) error {
	result, err := t.tx.Exec(`
		UPDATE devices SET last_seen = ?, app_reachable = ? WHERE device_id = ?
	`, formatTime(at), boolToInt(appReachable), id)
	if err != nil {
		return fmt.Errorf("updating last_seen: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

// SetTelemetry stores the advisory telemetry snapshot for a device.
func (t *Tx) SetTelemetry(id string, tm *Telemetry) error {
	data, err := json.Marshal(tm)
	if err != nil {
		return fmt.Errorf("encoding telemetry: %w", err)
	}
	result, err := t.tx.Exec(`UPDATE devices SET telemetry_json = ? WHERE device_id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("updating telemetry: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}
