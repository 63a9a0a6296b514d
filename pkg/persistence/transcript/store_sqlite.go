package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: open")
	}
	s := &SQLiteStore{db: db, log: log.With().Str("component", "transcript").Logger()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			client_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (client_id, session_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_client ON messages(client_id, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS messages_by_session ON messages(session_id, created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if strings.TrimSpace(e.ClientID) == "" || strings.TrimSpace(e.SessionID) == "" || strings.TrimSpace(e.MessageID) == "" {
		return errors.New("sqlite transcript store: client, session and message ids are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (client_id, session_id, message_id, role, name, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, session_id, message_id) DO UPDATE SET
			role = excluded.role,
			name = excluded.name,
			content = excluded.content,
			created_at_ms = excluded.created_at_ms
	`, e.ClientID, e.SessionID, e.MessageID, e.Role, e.Name, e.Content, e.CreatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: insert")
	}
	return nil
}

// List returns the newest q.Limit matching entries, oldest first.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(q.ClientID); v != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.SessionID); v != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, v)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT client_id, session_id, message_id, role, name, content, created_at_ms
		FROM (
			SELECT *, rowid AS seq FROM messages
			%s
			ORDER BY created_at_ms DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at_ms ASC, seq ASC
	`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query")
	}
	defer func() { _ = rows.Close() }()

	items := []Entry{}
	for rows.Next() {
		var (
			e           Entry
			createdAtMs int64
		)
		if err := rows.Scan(&e.ClientID, &e.SessionID, &e.MessageID, &e.Role, &e.Name, &e.Content, &createdAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan")
		}
		e.CreatedAt = time.UnixMilli(createdAtMs)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: rows")
	}
	return items, nil
}

// Record saves m and logs failures; it matches the relay history recorder shape.
func (s *SQLiteStore) Record(clientID, sessionID string, m history.Message) {
	if err := s.Save(context.Background(), EntryFromMessage(clientID, sessionID, m)); err != nil {
		s.log.Warn().Err(err).Str("client_id", clientID).Str("session_id", sessionID).Msg("transcript save failed")
	}
}

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
