package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RegisterArtifact records an addressable phase output.
func (s *Store) RegisterArtifact(runID, phase, artifactType, path, contentHash, summary string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if phase == "" || artifactType == "" || path == "" {
		return nil, fmt.Errorf("%w: artifact phase, type, and path are required", ErrValidation)
	}

	a := &Artifact{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		Phase:         phase,
		Type:          artifactType,
		Path:          path,
		ContentHash:   contentHash,
		Summary:       summary,
		CreatedAt:     nowISO(),
	}
	_, err := s.db.Exec(`INSERT INTO artifacts
		(id, pipeline_run_id, phase, type, path, content_hash, summary, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		a.ID, a.PipelineRunID, a.Phase, a.Type, a.Path, a.ContentHash, a.Summary, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert artifact: %w", err)
	}
	return a, nil
}

// GetLatestArtifact returns the newest artifact for (phase, type), ordered
// created_at DESC with rowid as the tiebreak.
func (s *Store) GetLatestArtifact(runID, phase, artifactType string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT id, COALESCE(pipeline_run_id, ''), phase, type, path,
		COALESCE(content_hash, ''), COALESCE(summary, ''), created_at
		FROM artifacts
		WHERE COALESCE(pipeline_run_id, '') = ? AND phase = ? AND type = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, runID, phase, artifactType)
	var a Artifact
	err := row.Scan(&a.ID, &a.PipelineRunID, &a.Phase, &a.Type, &a.Path,
		&a.ContentHash, &a.Summary, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %s/%s for run %q", ErrNotFound, phase, artifactType, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return &a, nil
}

// ListArtifacts returns a run's artifacts ordered created_at ASC.
func (s *Store) ListArtifacts(runID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, COALESCE(pipeline_run_id, ''), phase, type, path,
		COALESCE(content_hash, ''), COALESCE(summary, ''), created_at
		FROM artifacts WHERE COALESCE(pipeline_run_id, '') = ?
		ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.PipelineRunID, &a.Phase, &a.Type, &a.Path,
			&a.ContentHash, &a.Summary, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
