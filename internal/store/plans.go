package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SavePlanVersion stores a new revision of a plan's task graph. Versions are
// monotonically increasing per plan id; writing an existing (plan, version)
// pair is a conflict, never an overwrite.
func (s *Store) SavePlanVersion(p PlanVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.PlanID == "" {
		return fmt.Errorf("%w: plan id is required", ErrValidation)
	}
	if p.Version <= 0 {
		return fmt.Errorf("%w: plan version must be positive, got %d", ErrValidation, p.Version)
	}

	var latest sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM plan_versions WHERE plan_id = ?`,
		p.PlanID).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest plan version: %w", err)
	}
	if latest.Valid && p.Version <= int(latest.Int64) {
		return fmt.Errorf("%w: plan %s already at version %d, refusing to write version %d",
			ErrConflict, p.PlanID, latest.Int64, p.Version)
	}

	if p.CreatedAt == "" {
		p.CreatedAt = nowISO()
	}
	_, err := s.db.Exec(`INSERT INTO plan_versions
		(plan_id, version, task_graph_yaml, feedback_used, planning_cost_usd, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		p.PlanID, p.Version, p.TaskGraphYAML, p.FeedbackUsed, p.PlanningCostUSD, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert plan version: %w", err)
	}
	return nil
}

// GetPlanVersion returns one stored plan revision.
func (s *Store) GetPlanVersion(planID string, version int) (*PlanVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT plan_id, version, task_graph_yaml,
		COALESCE(feedback_used, ''), planning_cost_usd, created_at
		FROM plan_versions WHERE plan_id = ? AND version = ?`, planID, version)
	return scanPlanVersion(row, planID)
}

// GetLatestPlanVersion returns the highest-numbered revision of a plan.
func (s *Store) GetLatestPlanVersion(planID string) (*PlanVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT plan_id, version, task_graph_yaml,
		COALESCE(feedback_used, ''), planning_cost_usd, created_at
		FROM plan_versions WHERE plan_id = ?
		ORDER BY version DESC LIMIT 1`, planID)
	return scanPlanVersion(row, planID)
}

// ListPlanVersions returns all revisions of a plan, oldest first.
func (s *Store) ListPlanVersions(planID string) ([]PlanVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT plan_id, version, task_graph_yaml,
		COALESCE(feedback_used, ''), planning_cost_usd, created_at
		FROM plan_versions WHERE plan_id = ? ORDER BY version ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan versions: %w", err)
	}
	defer rows.Close()
	var out []PlanVersion
	for rows.Next() {
		var p PlanVersion
		if err := rows.Scan(&p.PlanID, &p.Version, &p.TaskGraphYAML,
			&p.FeedbackUsed, &p.PlanningCostUSD, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlanVersion(row rowScanner, planID string) (*PlanVersion, error) {
	var p PlanVersion
	err := row.Scan(&p.PlanID, &p.Version, &p.TaskGraphYAML,
		&p.FeedbackUsed, &p.PlanningCostUSD, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan version: %w", err)
	}
	return &p, nil
}
