// ABOUTME: Audit log entity and store methods for tracking queue and session actions
// ABOUTME: Records who did what to which device or entry, written in the same transaction

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRegisterDevice   AuditAction = "register_device"
	AuditClaimDevice      AuditAction = "claim_device"
	AuditReleaseDevice    AuditAction = "release_device"
	AuditDeactivateDevice AuditAction = "deactivate_device"
	AuditJoinQueue        AuditAction = "join_queue"
	AuditLeaveQueue       AuditAction = "leave_queue"
	AuditEvictHead        AuditAction = "evict_head"
	AuditActivateSession  AuditAction = "activate_session"
	AuditCancelSession    AuditAction = "cancel_session"
	AuditCompleteSession  AuditAction = "complete_session"
	AuditGrantCredits     AuditAction = "grant_credits"
)

// AuditActorSystem is the actor recorded for sweeper-driven actions.
const AuditActorSystem = "system"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	ActorID    string         // user, device, or "system"
	Action     AuditAction    // what action was performed
	TargetType string         // "device", "queue_entry", "user"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time   // entries after this time
	ActorID    *string      // filter by actor
	Action     *AuditAction // filter by action type
	TargetType *string      // filter by target type
	TargetID   *string      // filter by target ID
	Limit      int          // max results (default 100, max 1000)
}

// AppendAudit appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (t *Tx) AppendAudit(e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := t.tx.Exec(`
		INSERT INTO audit_log (audit_id, actor_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorID, string(e.Action), e.TargetType, e.TargetID, formatTime(e.Timestamp), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	t.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, actor_id, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAudit returns audit entries matching the filter, newest first.
func (t *Tx) ListAudit(f AuditFilter) ([]AuditEntry, error) {
	var since, action *string
	if f.Since != nil {
		s := formatTime(*f.Since)
		since = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		action = &a
	}

	rows, err := t.tx.Query(auditLogQuery,
		since, since,
		f.ActorID, f.ActorID,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actionStr, tsStr string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.ActorID, &actionStr, &e.TargetType, &e.TargetID, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(actionStr)
		if e.Timestamp, err = parseTime(tsStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
