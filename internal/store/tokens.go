package store

import (
	"fmt"
)

// RecordTokenUsage appends one agent invocation's token and cost accounting.
func (s *Store) RecordTokenUsage(u TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.PipelineRunID == "" {
		return fmt.Errorf("%w: token usage requires a pipeline run id", ErrValidation)
	}
	if u.CreatedAt == "" {
		u.CreatedAt = nowISO()
	}
	_, err := s.db.Exec(`INSERT INTO token_usage
		(pipeline_run_id, phase, agent, input_tokens, output_tokens, cost_usd, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		u.PipelineRunID, u.Phase, u.Agent, u.InputTokens, u.OutputTokens,
		u.CostUSD, u.Metadata, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record token usage: %w", err)
	}
	return nil
}

// GetTokenUsageSummary aggregates a run's token usage grouped by
// (phase, agent). Aggregation is associative, so row order never affects
// the summary.
func (s *Store) GetTokenUsageSummary(runID string) ([]TokenUsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT phase, agent,
		SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM token_usage WHERE pipeline_run_id = ?
		GROUP BY phase, agent ORDER BY phase, agent`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize token usage: %w", err)
	}
	defer rows.Close()
	var out []TokenUsageSummary
	for rows.Next() {
		var t TokenUsageSummary
		if err := rows.Scan(&t.Phase, &t.Agent, &t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetRunTotalCost returns the summed cost_usd across a run.
func (s *Store) GetRunTotalCost(runID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(cost_usd), 0) FROM token_usage
		WHERE pipeline_run_id = ?`, runID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total run cost: %w", err)
	}
	return total, nil
}
