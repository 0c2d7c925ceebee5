package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"
)

const metricsSchema = `
CREATE TABLE IF NOT EXISTS session_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name  TEXT NOT NULL,
	capability  TEXT NOT NULL,
	run_id      TEXT,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER NOT NULL,
	final_state TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_cents  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metrics_run ON session_metrics(run_id);
`

// SessionMetric is one row recorded when a session reaches terminal state.
type SessionMetric struct {
	AgentName  string
	Capability string
	RunID      string
	StartedAt  time.Time
	EndedAt    time.Time
	FinalState string
	Reason     string
	TokensUsed int64
	CostCents  int64
}

// MetricsStore records one row per terminated session.
type MetricsStore struct {
	db *sql.DB
}

// OpenMetricsStore opens the metrics store under the given state directory.
func OpenMetricsStore(stateDir string) (*MetricsStore, error) {
	db, err := openDB(filepath.Join(stateDir, "metrics", "metrics.db"), metricsSchema)
	if err != nil {
		return nil, err
	}
	return &MetricsStore{db: db}, nil
}

// Close releases the database handle.
func (s *MetricsStore) Close() error {
	return s.db.Close()
}

// Record inserts a terminated-session row.
func (s *MetricsStore) Record(m SessionMetric) error {
	_, err := s.db.Exec(
		`INSERT INTO session_metrics
			(agent_name, capability, run_id, started_at, ended_at, final_state, reason, tokens_used, cost_cents)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AgentName, m.Capability, nullableStr(m.RunID),
		m.StartedAt.UnixMilli(), m.EndedAt.UnixMilli(),
		m.FinalState, m.Reason, m.TokensUsed, m.CostCents,
	)
	if err != nil {
		return fmt.Errorf("recording metric for %s: %w", m.AgentName, err)
	}
	return nil
}

// ListByRun returns metric rows for one run in ended_at order.
func (s *MetricsStore) ListByRun(runID string) ([]SessionMetric, error) {
	rows, err := s.db.Query(
		`SELECT agent_name, capability, COALESCE(run_id, ''), started_at, ended_at,
			final_state, reason, tokens_used, cost_cents
		 FROM session_metrics WHERE run_id = ? ORDER BY ended_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing metrics for run %s: %w", runID, err)
	}
	return collectMetrics(rows)
}

// List returns the most recent metric rows, newest first.
func (s *MetricsStore) List(limit int) ([]SessionMetric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT agent_name, capability, COALESCE(run_id, ''), started_at, ended_at,
			final_state, reason, tokens_used, cost_cents
		 FROM session_metrics ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}
	return collectMetrics(rows)
}

func collectMetrics(rows *sql.Rows) ([]SessionMetric, error) {
	defer func() { _ = rows.Close() }()

	var metrics []SessionMetric
	for rows.Next() {
		var m SessionMetric
		var startedAt, endedAt int64
		if err := rows.Scan(&m.AgentName, &m.Capability, &m.RunID, &startedAt, &endedAt,
			&m.FinalState, &m.Reason, &m.TokensUsed, &m.CostCents); err != nil {
			return nil, fmt.Errorf("scanning metric row: %w", err)
		}
		m.StartedAt = time.UnixMilli(startedAt)
		m.EndedAt = time.UnixMilli(endedAt)
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metric rows: %w", err)
	}
	return metrics, nil
}
