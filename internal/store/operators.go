// ABOUTME: Operator entity and store methods for the people and automations that create jobs
// ABOUTME: Operators authenticate with JWTs whose subject is the operator id

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OperatorRole controls what an operator may do.
type OperatorRole string

const (
	OperatorRoleAdmin  OperatorRole = "admin"
	OperatorRoleViewer OperatorRole = "viewer"
)

// OperatorStatus is whether an operator's tokens are honored.
type OperatorStatus string

const (
	OperatorStatusActive   OperatorStatus = "active"
	OperatorStatusDisabled OperatorStatus = "disabled"
)

// Operator is a human or automation allowed to use the operator API.
type Operator struct {
	ID          string
	DisplayName string
	Role        OperatorRole
	Status      OperatorStatus
	CreatedAt   time.Time
}

// CreateOperator inserts a new operator.
func (s *SQLiteStore) CreateOperator(ctx context.Context, op *Operator) error {
	if op.Status == "" {
		op.Status = OperatorStatusActive
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, display_name, role, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, op.ID, op.DisplayName, string(op.Role), string(op.Status), formatTime(op.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting operator: %w", err)
	}
	return nil
}

// GetOperator retrieves an operator by ID.
func (s *SQLiteStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	var role, status, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, role, status, created_at FROM operators WHERE id = ?`, id,
	).Scan(&op.ID, &op.DisplayName, &role, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operator: %w", err)
	}
	op.Role = OperatorRole(role)
	op.Status = OperatorStatus(status)
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &op, nil
}

// CountOperators returns how many operators exist.
func (s *SQLiteStore) CountOperators(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting operators: %w", err)
	}
	return n, nil
}
