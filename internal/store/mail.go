package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/mail"
)

// ErrMessageNotFound indicates no mail row matched the lookup.
var ErrMessageNotFound = errors.New("message not found")

const mailSchema = `
CREATE TABLE IF NOT EXISTS mail (
	id         TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent   TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	priority   TEXT NOT NULL DEFAULT 'normal',
	type       TEXT NOT NULL DEFAULT 'status',
	thread_id  TEXT,
	payload    TEXT,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mail_inbox ON mail(to_agent, read, created_at);
CREATE INDEX IF NOT EXISTS idx_mail_from ON mail(from_agent);
`

const mailColumns = `id, from_agent, to_agent, subject, body, priority, type, thread_id, payload, read, created_at`

// MailStore persists messages. Delivery order is created_at per recipient;
// Check marks messages read atomically with fetch so a message is returned
// by exactly one Check.
type MailStore struct {
	db *sql.DB
}

// OpenMailStore opens the mail store under the given state directory.
func OpenMailStore(stateDir string) (*MailStore, error) {
	db, err := openDB(filepath.Join(stateDir, "mail", "mail.db"), mailSchema)
	if err != nil {
		return nil, err
	}
	return &MailStore{db: db}, nil
}

// Close releases the database handle.
func (s *MailStore) Close() error {
	return s.db.Close()
}

// Insert stores a new message row.
func (s *MailStore) Insert(m *mail.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO mail (`+mailColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, m.To, m.Subject, m.Body, string(m.Priority), string(m.Type),
		nullableStr(m.ThreadID), nullableStr(m.Payload), boolToInt(m.Read), m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	return nil
}

// CheckInbox returns the agent's unread messages in created_at order and
// marks them read in the same transaction.
func (s *MailStore) CheckInbox(agent string) ([]*mail.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning inbox check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(
		`SELECT `+mailColumns+` FROM mail WHERE to_agent = ? AND read = 0 ORDER BY created_at, id`,
		agent)
	if err != nil {
		return nil, fmt.Errorf("querying inbox for %s: %w", agent, err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		ids[i] = "?"
		args[i] = m.ID
	}
	if _, err := tx.Exec(`UPDATE mail SET read = 1 WHERE id IN (`+strings.Join(ids, ",")+`)`, args...); err != nil {
		return nil, fmt.Errorf("marking inbox read for %s: %w", agent, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing inbox check: %w", err)
	}
	for _, m := range msgs {
		m.Read = true
	}
	return msgs, nil
}

// GetUnread returns unread messages without marking them read.
func (s *MailStore) GetUnread(agent string) ([]*mail.Message, error) {
	rows, err := s.db.Query(
		`SELECT `+mailColumns+` FROM mail WHERE to_agent = ? AND read = 0 ORDER BY created_at, id`,
		agent)
	if err != nil {
		return nil, fmt.Errorf("querying unread for %s: %w", agent, err)
	}
	return collectMessages(rows)
}

// CountUnread returns the number of unread messages for an agent.
func (s *MailStore) CountUnread(agent string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM mail WHERE to_agent = ? AND read = 0`, agent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread for %s: %w", agent, err)
	}
	return n, nil
}

// ListFilter narrows a List call. Zero values mean no constraint.
type ListFilter struct {
	From       string
	To         string
	Agent      string // matches either endpoint
	UnreadOnly bool
	Limit      int
}

// List returns a read-only filtered view in created_at order.
func (s *MailStore) List(f ListFilter) ([]*mail.Message, error) {
	q := `SELECT ` + mailColumns + ` FROM mail WHERE 1=1`
	var args []any
	if f.From != "" {
		q += ` AND from_agent = ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		q += ` AND to_agent = ?`
		args = append(args, f.To)
	}
	if f.Agent != "" {
		q += ` AND (from_agent = ? OR to_agent = ?)`
		args = append(args, f.Agent, f.Agent)
	}
	if f.UnreadOnly {
		q += ` AND read = 0`
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mail: %w", err)
	}
	return collectMessages(rows)
}

// Get returns one message by id, or ErrMessageNotFound.
func (s *MailStore) Get(id string) (*mail.Message, error) {
	row := s.db.QueryRow(`SELECT `+mailColumns+` FROM mail WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", id, err)
	}
	return m, nil
}

// MarkRead marks one message read. Idempotent: the return reports whether
// it was already read. ErrMessageNotFound if the id is unknown.
func (s *MailStore) MarkRead(id string) (alreadyRead bool, err error) {
	var read int
	err = s.db.QueryRow(`SELECT read FROM mail WHERE id = ?`, id).Scan(&read)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrMessageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("loading read flag for %s: %w", id, err)
	}
	if read != 0 {
		return true, nil
	}
	if _, err := s.db.Exec(`UPDATE mail SET read = 1 WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("marking %s read: %w", id, err)
	}
	return false, nil
}

// PurgeOptions selects messages to delete. All deletes read AND unread rows;
// OlderThan removes rows created before the cutoff; Agent removes rows where
// the agent is either endpoint. Constraints combine with AND.
type PurgeOptions struct {
	All       bool
	OlderThan *time.Time
	Agent     string
}

// Purge deletes messages matching the options and returns the count removed.
func (s *MailStore) Purge(opts PurgeOptions) (int64, error) {
	if !opts.All && opts.OlderThan == nil && opts.Agent == "" {
		return 0, fmt.Errorf("purge: no selector given (use all, older-than, or agent)")
	}
	q := `DELETE FROM mail WHERE 1=1`
	var args []any
	if opts.OlderThan != nil {
		q += ` AND created_at < ?`
		args = append(args, opts.OlderThan.UnixMilli())
	}
	if opts.Agent != "" {
		q += ` AND (from_agent = ? OR to_agent = ?)`
		args = append(args, opts.Agent, opts.Agent)
	}
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return 0, fmt.Errorf("purging mail: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectMessages(rows *sql.Rows) ([]*mail.Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []*mail.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mail row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mail rows: %w", err)
	}
	return msgs, nil
}

func scanMessage(scanner interface{ Scan(...any) error }) (*mail.Message, error) {
	var (
		m         mail.Message
		priority  string
		msgType   string
		threadID  sql.NullString
		payload   sql.NullString
		read      int
		createdAt int64
	)
	err := scanner.Scan(&m.ID, &m.From, &m.To, &m.Subject, &m.Body, &priority, &msgType,
		&threadID, &payload, &read, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Priority = mail.Priority(priority)
	m.Type = mail.Type(msgType)
	if threadID.Valid {
		m.ThreadID = threadID.String
	}
	if payload.Valid {
		m.Payload = payload.String
	}
	m.Read = read != 0
	m.CreatedAt = time.UnixMilli(createdAt)
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
