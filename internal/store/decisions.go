package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

const decisionColumns = `id, COALESCE(pipeline_run_id, ''), phase, category, key,
	value, COALESCE(rationale, ''), COALESCE(superseded_by, ''), created_at, updated_at`

// UpsertDecision inserts or updates a decision keyed on
// (pipeline_run_id, category, key). An empty runID is its own bucket and
// never collides with any real run. On update the value and rationale are
// replaced and updated_at is bumped; the id and created_at are preserved.
func (s *Store) UpsertDecision(runID, phase, category, key, value, rationale string) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if category == "" {
		return nil, fmt.Errorf("%w: decision category is required", ErrValidation)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: decision key is required", ErrValidation)
	}

	existing, err := s.findDecisionLocked(runID, category, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := nowISO()
	if existing != nil {
		_, err := s.db.Exec(`UPDATE decisions SET value = ?, rationale = NULLIF(?, ''),
			phase = ?, updated_at = ? WHERE id = ?`,
			value, rationale, phase, now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update decision: %w", err)
		}
		existing.Value = value
		existing.Rationale = rationale
		existing.Phase = phase
		existing.UpdatedAt = now
		logging.StoreDebug("Updated decision %s (%s/%s)", existing.ID, category, key)
		return existing, nil
	}

	d := &Decision{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		Phase:         phase,
		Category:      category,
		Key:           key,
		Value:         value,
		Rationale:     rationale,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.db.Exec(`INSERT INTO decisions
		(id, pipeline_run_id, phase, category, key, value, rationale, created_at, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		d.ID, d.PipelineRunID, d.Phase, d.Category, d.Key, d.Value, d.Rationale,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert decision: %w", err)
	}
	logging.StoreDebug("Created decision %s (%s/%s)", d.ID, category, key)
	return d, nil
}

func (s *Store) findDecisionLocked(runID, category, key string) (*Decision, error) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions
		WHERE COALESCE(pipeline_run_id, '') = ? AND category = ? AND key = ?`,
		runID, category, key)
	return scanDecision(row)
}

// GetDecision returns the decision with the given id.
func (s *Store) GetDecision(id string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: decision %s", ErrNotFound, id)
	}
	return d, err
}

// SupersedeDecision marks originalID as replaced by supersedingID.
// Supersession is append-only: a decision already superseded cannot be
// superseded again, and the pointer is never cleared. The superseding row
// is not mutated.
func (s *Store) SupersedeDecision(originalID, supersedingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT COALESCE(superseded_by, '') FROM decisions WHERE id = ?`, originalID)
	var current string
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: decision %s", ErrNotFound, originalID)
		}
		return fmt.Errorf("failed to read decision: %w", err)
	}
	if current != "" {
		return fmt.Errorf("%w: decision %s already superseded by %s",
			ErrConflict, originalID, current)
	}

	var exists string
	if err := s.db.QueryRow(`SELECT id FROM decisions WHERE id = ?`, supersedingID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: superseding decision %s", ErrNotFound, supersedingID)
		}
		return fmt.Errorf("failed to read superseding decision: %w", err)
	}

	// Guard against a lost race between the read above and this write.
	res, err := s.db.Exec(`UPDATE decisions SET superseded_by = ?, updated_at = ?
		WHERE id = ? AND superseded_by IS NULL`,
		supersedingID, nowISO(), originalID)
	if err != nil {
		return fmt.Errorf("failed to supersede decision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: decision %s already superseded", ErrConflict, originalID)
	}
	logging.StoreDebug("Decision %s superseded by %s", originalID, supersedingID)
	return nil
}

// LoadParentRunDecisions returns only the non-superseded decisions for the
// given run, ordered created_at ASC.
func (s *Store) LoadParentRunDecisions(parentRunID string) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions
		WHERE COALESCE(pipeline_run_id, '') = ? AND superseded_by IS NULL
		ORDER BY created_at ASC, rowid ASC`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent run decisions: %w", err)
	}
	return collectDecisions(rows)
}

// GetDecisionsByPhaseForRun returns the active decisions for one phase of a
// run, ordered created_at ASC.
func (s *Store) GetDecisionsByPhaseForRun(runID, phase string) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions
		WHERE COALESCE(pipeline_run_id, '') = ? AND phase = ? AND superseded_by IS NULL
		ORDER BY created_at ASC, rowid ASC`, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase decisions: %w", err)
	}
	return collectDecisions(rows)
}

// ListDecisions returns every decision for a run (active or not), ordered
// created_at ASC.
func (s *Store) ListDecisions(runID string) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions
		WHERE COALESCE(pipeline_run_id, '') = ?
		ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return collectDecisions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*Decision, error) {
	var d Decision
	err := row.Scan(&d.ID, &d.PipelineRunID, &d.Phase, &d.Category, &d.Key,
		&d.Value, &d.Rationale, &d.SupersededBy, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan decision: %w", err)
	}
	return &d, nil
}

func collectDecisions(rows *sql.Rows) ([]Decision, error) {
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
