package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// RecordTaskResult upserts the persisted state of one graph task within a
// run. Repeated writes for the same (run, task) keep the original created_at
// and overwrite status, error, and agent, so the row always reflects the
// latest transition.
func (s *Store) RecordTaskResult(r TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.PipelineRunID == "" || r.TaskID == "" {
		return fmt.Errorf("%w: task result requires a pipeline run id and task id", ErrValidation)
	}
	now := nowISO()
	_, err := s.db.Exec(`INSERT INTO task_results
		(pipeline_run_id, task_id, agent, status, error, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT (pipeline_run_id, task_id) DO UPDATE SET
			agent = COALESCE(excluded.agent, task_results.agent),
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		r.PipelineRunID, r.TaskID, r.Agent, r.Status, r.Error, now, now)
	if err != nil {
		return fmt.Errorf("failed to record task result: %w", err)
	}
	return nil
}

// GetTaskResult returns the persisted state of one task in a run.
func (s *Store) GetTaskResult(runID, taskID string) (*TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT pipeline_run_id, task_id, COALESCE(agent, ''),
		status, COALESCE(error, ''), created_at, updated_at
		FROM task_results WHERE pipeline_run_id = ? AND task_id = ?`, runID, taskID)
	var r TaskResult
	err := row.Scan(&r.PipelineRunID, &r.TaskID, &r.Agent, &r.Status,
		&r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s in run %s", ErrNotFound, taskID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task result: %w", err)
	}
	return &r, nil
}

// ListTaskResults returns a run's task rows ordered by task id.
func (s *Store) ListTaskResults(runID string) ([]TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT pipeline_run_id, task_id, COALESCE(agent, ''),
		status, COALESCE(error, ''), created_at, updated_at
		FROM task_results WHERE pipeline_run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()
	var out []TaskResult
	for rows.Next() {
		var r TaskResult
		if err := rows.Scan(&r.PipelineRunID, &r.TaskID, &r.Agent, &r.Status,
			&r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
