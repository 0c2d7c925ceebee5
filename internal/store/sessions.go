package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/overstory-ai/overstory/internal/session"
)

// ErrSessionNotFound indicates no session row matched the lookup.
var ErrSessionNotFound = errors.New("session not found")

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT NOT NULL,
	agent_name       TEXT PRIMARY KEY,
	capability       TEXT NOT NULL,
	worktree_path    TEXT NOT NULL DEFAULT '',
	branch_name      TEXT NOT NULL DEFAULT '',
	bead_id          TEXT NOT NULL DEFAULT '',
	tmux_session     TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	pid              INTEGER,
	parent_agent     TEXT,
	depth            INTEGER NOT NULL DEFAULT 0,
	run_id           TEXT,
	started_at       INTEGER NOT NULL,
	last_activity    INTEGER NOT NULL,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	stalled_since    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`

const sessionColumns = `id, agent_name, capability, worktree_path, branch_name, bead_id,
	tmux_session, state, pid, parent_agent, depth, run_id, started_at, last_activity,
	escalation_level, stalled_since`

// SessionStore is the durable keyed record of all agent sessions.
// Concurrent callers from separate processes are serialized by SQLite.
type SessionStore struct {
	db *sql.DB
}

// OpenSessionStore opens the session store under the given state directory.
func OpenSessionStore(stateDir string) (*SessionStore, error) {
	db, err := openDB(filepath.Join(stateDir, "sessions", "sessions.db"), sessionSchema)
	if err != nil {
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

// Close releases the database handle.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces a session keyed by agent name. A missing ID
// is assigned.
func (s *SessionStore) Upsert(sess *session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentName, string(sess.Capability), sess.WorktreePath, sess.BranchName,
		sess.BeadID, sess.TmuxSession, string(sess.State), nullableInt(sess.PID),
		nullableStr(sess.ParentAgent), sess.Depth, nullableStr(sess.RunID),
		sess.StartedAt.UnixMilli(), sess.LastActivity.UnixMilli(),
		sess.EscalationLevel, nullableTime(sess.StalledSince),
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", sess.AgentName, err)
	}
	return nil
}

// GetByName returns the session for an agent, or ErrSessionNotFound.
func (s *SessionStore) GetByName(name string) (*session.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE agent_name = ?`, name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", name, err)
	}
	return sess, nil
}

// GetByRun returns all sessions tagged with the run id.
func (s *SessionStore) GetByRun(runID string) ([]*session.Session, error) {
	return s.query(`SELECT `+sessionColumns+` FROM sessions WHERE run_id = ? ORDER BY started_at`, runID)
}

// GetAll returns every session.
func (s *SessionStore) GetAll() ([]*session.Session, error) {
	return s.query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at`)
}

// GetActive returns sessions in a non-terminal state, per session.ActiveStates.
func (s *SessionStore) GetActive() ([]*session.Session, error) {
	placeholders := make([]string, len(session.ActiveStates))
	args := make([]any, len(session.ActiveStates))
	for i, st := range session.ActiveStates {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE state IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY started_at`
	return s.query(q, args...)
}

// UpdateState sets the session state in a single statement. Transitions into
// a terminal state clear escalation residue in the same write so the
// invariant can never be observed violated between statements.
func (s *SessionStore) UpdateState(name string, state session.State) error {
	var err error
	if state.IsTerminal() {
		_, err = s.db.Exec(
			`UPDATE sessions SET state = ?, escalation_level = 0, stalled_since = NULL WHERE agent_name = ?`,
			string(state), name)
	} else {
		_, err = s.db.Exec(`UPDATE sessions SET state = ? WHERE agent_name = ?`, string(state), name)
	}
	if err != nil {
		return fmt.Errorf("updating state for %s: %w", name, err)
	}
	return nil
}

// UpdateLastActivity records observed activity for an agent.
func (s *SessionStore) UpdateLastActivity(name string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE agent_name = ?`,
		now.UnixMilli(), name)
	if err != nil {
		return fmt.Errorf("touching activity for %s: %w", name, err)
	}
	return nil
}

// TouchActivity records activity and promotes booting/stalled sessions to
// working, clearing escalation residue, all in one statement. This is the
// mail-side heartbeat: any send, check, or reply counts as observable
// activity from the agent.
func (s *SessionStore) TouchActivity(name string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET
			last_activity = ?,
			escalation_level = CASE WHEN state IN ('booting','stalled') THEN 0 ELSE escalation_level END,
			stalled_since = CASE WHEN state IN ('booting','stalled') THEN NULL ELSE stalled_since END,
			state = CASE WHEN state IN ('booting','stalled') THEN 'working' ELSE state END
		 WHERE agent_name = ?`,
		now.UnixMilli(), name)
	if err != nil {
		return fmt.Errorf("heartbeat for %s: %w", name, err)
	}
	return nil
}

// UpdateEscalation persists the escalation ladder position.
func (s *SessionStore) UpdateEscalation(name string, level int, stalledSince *time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET escalation_level = ?, stalled_since = ? WHERE agent_name = ?`,
		level, nullableTime(stalledSince), name)
	if err != nil {
		return fmt.Errorf("updating escalation for %s: %w", name, err)
	}
	return nil
}

func (s *SessionStore) query(q string, args ...any) ([]*session.Session, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanSession(scanner interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		sess         session.Session
		capability   string
		state        string
		pid          sql.NullInt64
		parent       sql.NullString
		runID        sql.NullString
		startedAt    int64
		lastActivity int64
		stalledSince sql.NullInt64
	)
	err := scanner.Scan(
		&sess.ID, &sess.AgentName, &capability, &sess.WorktreePath, &sess.BranchName,
		&sess.BeadID, &sess.TmuxSession, &state, &pid, &parent, &sess.Depth, &runID,
		&startedAt, &lastActivity, &sess.EscalationLevel, &stalledSince,
	)
	if err != nil {
		return nil, err
	}
	sess.Capability = session.Capability(capability)
	sess.State = session.State(state)
	if pid.Valid {
		p := int(pid.Int64)
		sess.PID = &p
	}
	if parent.Valid {
		sess.ParentAgent = parent.String
	}
	if runID.Valid {
		sess.RunID = runID.String
	}
	sess.StartedAt = time.UnixMilli(startedAt)
	sess.LastActivity = time.UnixMilli(lastActivity)
	if stalledSince.Valid {
		t := time.UnixMilli(stalledSince.Int64)
		sess.StalledSince = &t
	}
	return &sess, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
