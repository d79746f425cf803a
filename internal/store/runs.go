package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// CreatePipelineRun inserts a new run in status running. When parentRunID is
// non-empty the parent must exist, be completed, and sit in a chain shorter
// than DefaultMaxAmendmentDepth.
func (s *Store) CreatePipelineRun(methodology, configJSON, parentRunID string) (*PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if methodology == "" {
		return nil, fmt.Errorf("%w: methodology is required", ErrValidation)
	}

	if parentRunID != "" {
		parent, err := s.getRunLocked(parentRunID)
		if err != nil {
			return nil, err
		}
		if parent.Status != RunCompleted {
			return nil, fmt.Errorf("%w: parent run %s has status %s, want completed",
				ErrValidation, parentRunID, parent.Status)
		}
		chain, err := s.amendmentChainLocked(parentRunID, DefaultMaxAmendmentDepth)
		if err != nil {
			return nil, err
		}
		// A chain of depth DefaultMaxAmendmentDepth (depth+1 entries) is
		// the deepest allowed; creating a child past it is rejected.
		if len(chain) > DefaultMaxAmendmentDepth {
			return nil, fmt.Errorf("%w: parent chain already at depth %d",
				ErrChainTooDeep, len(chain)-1)
		}
	}

	now := nowISO()
	run := &PipelineRun{
		ID:          uuid.NewString(),
		Methodology: methodology,
		Status:      RunRunning,
		ConfigJSON:  configJSON,
		ParentRunID: parentRunID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(`INSERT INTO pipeline_runs
		(id, methodology, status, config_json, parent_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		run.ID, run.Methodology, run.Status, nullable(run.ConfigJSON),
		run.ParentRunID, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	logging.Store("Created pipeline run %s (methodology=%s, parent=%q)",
		run.ID, methodology, parentRunID)
	return run, nil
}

// GetPipelineRun returns the run with the given id.
func (s *Store) GetPipelineRun(id string) (*PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRunLocked(id)
}

func (s *Store) getRunLocked(id string) (*PipelineRun, error) {
	row := s.db.QueryRow(`SELECT id, methodology, COALESCE(current_phase, ''),
		status, COALESCE(config_json, ''), COALESCE(token_usage_json, ''),
		COALESCE(parent_run_id, ''), created_at, updated_at
		FROM pipeline_runs WHERE id = ?`, id)
	var r PipelineRun
	err := row.Scan(&r.ID, &r.Methodology, &r.CurrentPhase, &r.Status,
		&r.ConfigJSON, &r.TokenUsageJSON, &r.ParentRunID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline run: %w", err)
	}
	return &r, nil
}

// UpdateRunStatus transitions a run's status and bumps updated_at.
func (s *Store) UpdateRunStatus(id string, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case RunRunning, RunCompleted, RunFailed, RunPaused:
	default:
		return fmt.Errorf("%w: invalid run status %q", ErrValidation, status)
	}
	res, err := s.db.Exec(`UPDATE pipeline_runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowISO(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: pipeline run %s", ErrNotFound, id)
	}
	logging.StoreDebug("Run %s -> %s", id, status)
	return nil
}

// UpdateRunPhase records the run's current phase.
func (s *Store) UpdateRunPhase(id, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE pipeline_runs SET current_phase = ?, updated_at = ? WHERE id = ?`,
		phase, nowISO(), id)
	if err != nil {
		return fmt.Errorf("failed to update run phase: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: pipeline run %s", ErrNotFound, id)
	}
	return nil
}

// UpdateRunTokenUsage stores the aggregated token-usage JSON on the run row.
func (s *Store) UpdateRunTokenUsage(id, tokenUsageJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE pipeline_runs SET token_usage_json = ?, updated_at = ? WHERE id = ?`,
		tokenUsageJSON, nowISO(), id)
	if err != nil {
		return fmt.Errorf("failed to update run token usage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: pipeline run %s", ErrNotFound, id)
	}
	return nil
}

// ListPipelineRuns returns runs ordered newest first.
func (s *Store) ListPipelineRuns(limit int) ([]PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, methodology, COALESCE(current_phase, ''),
		status, COALESCE(config_json, ''), COALESCE(token_usage_json, ''),
		COALESCE(parent_run_id, ''), created_at, updated_at
		FROM pipeline_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()
	var out []PipelineRun
	for rows.Next() {
		var r PipelineRun
		if err := rows.Scan(&r.ID, &r.Methodology, &r.CurrentPhase, &r.Status,
			&r.ConfigJSON, &r.TokenUsageJSON, &r.ParentRunID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAmendmentRunChain walks parent_run_id pointers from runID to the root.
// It returns the chain root-first with Depth equal to the entry's index, and
// fails with ErrChainTooDeep if the walk exceeds maxDepth links.
func (s *Store) GetAmendmentRunChain(runID string, maxDepth int) ([]AmendmentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if maxDepth <= 0 {
		maxDepth = DefaultMaxAmendmentDepth
	}
	return s.amendmentChainLocked(runID, maxDepth)
}

func (s *Store) amendmentChainLocked(runID string, maxDepth int) ([]AmendmentEntry, error) {
	var leafToRoot []PipelineRun
	id := runID
	for id != "" {
		if len(leafToRoot) > maxDepth {
			return nil, fmt.Errorf("%w: exceeded max depth %d walking from %s",
				ErrChainTooDeep, maxDepth, runID)
		}
		run, err := s.getRunLocked(id)
		if err != nil {
			return nil, err
		}
		leafToRoot = append(leafToRoot, *run)
		id = run.ParentRunID
	}

	chain := make([]AmendmentEntry, len(leafToRoot))
	for i := range leafToRoot {
		chain[i] = AmendmentEntry{
			Run:   leafToRoot[len(leafToRoot)-1-i],
			Depth: i,
		}
	}
	return chain, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
