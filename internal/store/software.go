// ABOUTME: Installed software inventory reported by agents
// ABOUTME: Each report replaces the agent's previous inventory wholesale

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SoftwareItem is one installed package on an agent's host.
type SoftwareItem struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	InstallDate string `json:"installDate,omitempty"`
}

// ReplaceAgentSoftware deletes the agent's inventory and inserts items in one transaction.
func (s *SQLiteStore) ReplaceAgentSoftware(ctx context.Context, agentID string, items []SoftwareItem) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_software WHERE agent_id = ?`, agentID); err != nil {
			return fmt.Errorf("clearing agent software: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO agent_software (agent_id, name, version, publisher, install_date)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing software insert: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			if _, err := stmt.ExecContext(ctx, agentID, item.Name, item.Version, item.Publisher, item.InstallDate); err != nil {
				if isForeignKeyViolation(err) {
					return ErrNotFound
				}
				return fmt.Errorf("inserting software %q: %w", item.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("replaced agent software", "agent_id", agentID, "count", len(items))
	return nil
}

// ListAgentSoftware returns the agent's inventory sorted by name.
func (s *SQLiteStore) ListAgentSoftware(ctx context.Context, agentID string) ([]SoftwareItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, publisher, install_date
		FROM agent_software
		WHERE agent_id = ?
		ORDER BY name, version
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent software: %w", err)
	}
	defer rows.Close()

	items := []SoftwareItem{}
	for rows.Next() {
		var item SoftwareItem
		if err := rows.Scan(&item.Name, &item.Version, &item.Publisher, &item.InstallDate); err != nil {
			return nil, fmt.Errorf("scanning software: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating software: %w", err)
	}
	return items, nil
}
