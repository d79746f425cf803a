package store

import (
	"fmt"

	"github.com/google/uuid"
)

// CreateRequirement records a tracked obligation for a run.
func (s *Store) CreateRequirement(runID, source, reqType, description, priority string) (*Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if description == "" {
		return nil, fmt.Errorf("%w: requirement description is required", ErrValidation)
	}

	r := &Requirement{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		Source:        source,
		Type:          reqType,
		Description:   description,
		Priority:      priority,
		Status:        RequirementActive,
		CreatedAt:     nowISO(),
	}
	_, err := s.db.Exec(`INSERT INTO requirements
		(id, pipeline_run_id, source, type, description, priority, status, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PipelineRunID, r.Source, r.Type, r.Description, r.Priority, r.Status, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert requirement: %w", err)
	}
	return r, nil
}

// UpdateRequirementStatus transitions a requirement's lifecycle state.
func (s *Store) UpdateRequirementStatus(id string, status RequirementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case RequirementActive, RequirementSatisfied, RequirementDropped:
	default:
		return fmt.Errorf("%w: invalid requirement status %q", ErrValidation, status)
	}
	res, err := s.db.Exec(`UPDATE requirements SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update requirement: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: requirement %s", ErrNotFound, id)
	}
	return nil
}

// ListRequirements returns a run's requirements ordered created_at ASC.
func (s *Store) ListRequirements(runID string) ([]Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, COALESCE(pipeline_run_id, ''), source, type,
		description, priority, status, created_at
		FROM requirements WHERE COALESCE(pipeline_run_id, '') = ?
		ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requirements: %w", err)
	}
	defer rows.Close()
	var out []Requirement
	for rows.Next() {
		var r Requirement
		if err := rows.Scan(&r.ID, &r.PipelineRunID, &r.Source, &r.Type,
			&r.Description, &r.Priority, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateConstraint records a limitation on the solution space.
func (s *Store) CreateConstraint(runID, category, description, source string) (*Constraint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if description == "" {
		return nil, fmt.Errorf("%w: constraint description is required", ErrValidation)
	}

	c := &Constraint{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		Category:      category,
		Description:   description,
		Source:        source,
		CreatedAt:     nowISO(),
	}
	_, err := s.db.Exec(`INSERT INTO constraints
		(id, pipeline_run_id, category, description, source, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)`,
		c.ID, c.PipelineRunID, c.Category, c.Description, c.Source, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert constraint: %w", err)
	}
	return c, nil
}

// ListConstraints returns a run's constraints ordered created_at ASC.
func (s *Store) ListConstraints(runID string) ([]Constraint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, COALESCE(pipeline_run_id, ''), category,
		description, source, created_at
		FROM constraints WHERE COALESCE(pipeline_run_id, '') = ?
		ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints: %w", err)
	}
	defer rows.Close()
	var out []Constraint
	for rows.Next() {
		var c Constraint
		if err := rows.Scan(&c.ID, &c.PipelineRunID, &c.Category,
			&c.Description, &c.Source, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
