package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrEntryNotFound indicates no merge-queue row matched the lookup.
var ErrEntryNotFound = errors.New("merge-queue entry not found")

// Merge-queue entry statuses.
const (
	MergeStatusQueued   = "queued"
	MergeStatusMerging  = "merging"
	MergeStatusMerged   = "merged"
	MergeStatusFailed   = "failed"
	MergeStatusConflict = "conflict"
)

const mergeQueueSchema = `
CREATE TABLE IF NOT EXISTS merge_queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	branch     TEXT NOT NULL,
	agent_name TEXT NOT NULL DEFAULT '',
	bead_id    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'queued',
	tier       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mq_status ON merge_queue(status);
`

// MergeEntry is one branch awaiting (or through) merge.
type MergeEntry struct {
	ID        int64     `json:"id"`
	Branch    string    `json:"branch"`
	AgentName string    `json:"agent_name"`
	BeadID    string    `json:"bead_id,omitempty"`
	Status    string    `json:"status"`
	Tier      int       `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeQueueStore tracks branches submitted by workers for merging.
type MergeQueueStore struct {
	db *sql.DB
}

// OpenMergeQueueStore opens the merge-queue store under the state directory.
func OpenMergeQueueStore(stateDir string) (*MergeQueueStore, error) {
	db, err := openDB(filepath.Join(stateDir, "merge-queue", "merge-queue.db"), mergeQueueSchema)
	if err != nil {
		return nil, err
	}
	return &MergeQueueStore{db: db}, nil
}

// Close releases the database handle.
func (s *MergeQueueStore) Close() error {
	return s.db.Close()
}

// Enqueue adds a branch in queued status and returns its id.
func (s *MergeQueueStore) Enqueue(branch, agentName, beadID string, tier int) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO merge_queue (branch, agent_name, bead_id, status, tier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		branch, agentName, beadID, MergeStatusQueued, tier, now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueueing branch %s: %w", branch, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading merge-queue id: %w", err)
	}
	return id, nil
}

// UpdateStatus moves an entry to a new status.
func (s *MergeQueueStore) UpdateStatus(id int64, status string) error {
	res, err := s.db.Exec(`UPDATE merge_queue SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("updating merge-queue entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// UpdateStatusByBranch resolves the newest unresolved entry for a branch.
// The merge protocol identifies work by branch, not queue id.
func (s *MergeQueueStore) UpdateStatusByBranch(branch, status string) error {
	res, err := s.db.Exec(
		`UPDATE merge_queue SET status = ?, updated_at = ?
		 WHERE id = (SELECT id FROM merge_queue
		             WHERE branch = ? AND status IN (?, ?)
		             ORDER BY created_at DESC, id DESC LIMIT 1)`,
		status, time.Now().UnixMilli(), branch, MergeStatusQueued, MergeStatusMerging)
	if err != nil {
		return fmt.Errorf("updating merge-queue branch %s: %w", branch, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// List returns entries, optionally filtered by status, oldest first.
func (s *MergeQueueStore) List(status string) ([]MergeEntry, error) {
	q := `SELECT id, branch, agent_name, bead_id, status, tier, created_at, updated_at FROM merge_queue`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing merge queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []MergeEntry
	for rows.Next() {
		var e MergeEntry
		var createdAt, updatedAt int64
		if err := rows.Scan(&e.ID, &e.Branch, &e.AgentName, &e.BeadID, &e.Status, &e.Tier,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning merge-queue row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.UpdatedAt = time.UnixMilli(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating merge-queue rows: %w", err)
	}
	return entries, nil
}
