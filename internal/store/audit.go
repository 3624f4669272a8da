// ABOUTME: Audit log entity and store methods for tracking enrollment, job and operator actions
// ABOUTME: Records which agent or operator did what to which resource

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditEnrollAgent      AuditAction = "enroll_agent"
	AuditRotateAgentToken AuditAction = "rotate_agent_token"
	AuditRevokeAgent      AuditAction = "revoke_agent"
	AuditCreateJob        AuditAction = "create_job"
	AuditFinishJob        AuditAction = "finish_job"
	AuditCreateOperator   AuditAction = "create_operator"
	AuditCreateToken      AuditAction = "create_token"
)

// Actor types recorded on audit entries.
const (
	ActorAgent    = "agent"
	ActorOperator = "operator"
	ActorSystem   = "system"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	ActorType  string         // agent, operator, or system
	ActorID    string         // who performed the action
	Action     AuditAction    // what action was performed
	TargetType string         // "agent", "job", "operator"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time   // entries at or after this time
	Until      *time.Time   // entries at or before this time
	ActorID    *string      // filter by actor
	Action     *AuditAction // filter by action type
	TargetType *string      // filter by target type
	TargetID   *string      // filter by target ID
	Limit      int          // max results (default 100, max 1000)
}

const auditColumns = "audit_id, actor_type, actor_id, action, target_type, target_id, ts, detail_json"

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON sql.NullString
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		detailJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_log ("+auditColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.ActorType, e.ActorID, string(e.Action), e.TargetType, e.TargetID, formatTime(e.Timestamp), detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorType+"/"+e.ActorID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner rowScanner) (AuditEntry, error) {
	var (
		e      AuditEntry
		ts     string
		detail sql.NullString
	)
	err := scanner.Scan(&e.ID, &e.ActorType, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &ts, &detail)
	if err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, err
	}
	if detail.Valid {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return e, fmt.Errorf("decoding audit detail: %w", err)
		}
	}
	return e, nil
}

// ListAuditLog returns audit entries matching the filter criteria, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var where []string
	var args []any
	match := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.Since != nil {
		match("ts >= ?", formatTime(*f.Since))
	}
	if f.Until != nil {
		match("ts <= ?", formatTime(*f.Until))
	}
	if f.ActorID != nil {
		match("actor_id = ?", *f.ActorID)
	}
	if f.Action != nil {
		match("action = ?", string(*f.Action))
	}
	if f.TargetType != nil {
		match("target_type = ?", *f.TargetType)
	}
	if f.TargetID != nil {
		match("target_id = ?", *f.TargetID)
	}

	query := "SELECT " + auditColumns + " FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
