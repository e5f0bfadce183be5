package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteDocumentStore struct {
	db *sql.DB
}

var _ DocumentStore = &SQLiteDocumentStore{}

func NewSQLiteDocumentStore(dsn string) (*SQLiteDocumentStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite document store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteDocumentStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDocumentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteDocumentStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite document store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
		  id TEXT PRIMARY KEY,
		  user_id TEXT NOT NULL DEFAULT '',
		  mode_id TEXT NOT NULL,
		  title TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_user
		  ON conversations(user_id, updated_at_ms DESC, id ASC);`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
		  conv_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		  ord INTEGER NOT NULL,
		  message_id TEXT NOT NULL,
		  role TEXT NOT NULL,
		  content TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (conv_id, ord)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite document store: migrate")
		}
	}
	return nil
}

func (s *SQLiteDocumentStore) CreateConversation(ctx context.Context, doc ConversationDocument) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("sqlite document store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	doc = normalizeDocument(doc, nowMs())
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.ModeID == "" {
		return "", errors.New("sqlite document store: mode id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "sqlite document store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, mode_id, title, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.UserID, doc.ModeID, doc.Title, doc.CreatedAtMs, doc.UpdatedAtMs)
	if err != nil {
		return "", errors.Wrap(err, "sqlite document store: insert conversation")
	}
	if err := insertMessages(ctx, tx, doc.ID, doc.Messages); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "sqlite document store: commit")
	}
	return doc.ID, nil
}

func (s *SQLiteDocumentStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite document store: db is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("sqlite document store: id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	updated := patch.UpdatedAtMs
	if updated <= 0 {
		updated = nowMs()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite document store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			title = ?,
			updated_at_ms = CASE
				WHEN ? > updated_at_ms THEN ?
				ELSE updated_at_ms
			END
		WHERE id = ?
	`, patch.Title, updated, updated, id)
	if err != nil {
		return errors.Wrap(err, "sqlite document store: update conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite document store: rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrDocumentNotFound, "sqlite document store: %q", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conv_id = ?`, id); err != nil {
		return errors.Wrap(err, "sqlite document store: clear messages")
	}
	if err := insertMessages(ctx, tx, id, patch.Messages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite document store: commit")
	}
	return nil
}

func (s *SQLiteDocumentStore) DeleteConversation(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite document store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, strings.TrimSpace(id)); err != nil {
		return errors.Wrap(err, "sqlite document store: delete conversation")
	}
	return nil
}

func (s *SQLiteDocumentStore) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationDocument, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite document store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, mode_id, title, created_at_ms, updated_at_ms
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at_ms DESC, id ASC
	`, strings.TrimSpace(userID))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite document store: list conversations")
	}
	var docs []ConversationDocument
	for rows.Next() {
		var d ConversationDocument
		if err := rows.Scan(&d.ID, &d.UserID, &d.ModeID, &d.Title, &d.CreatedAtMs, &d.UpdatedAtMs); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "sqlite document store: scan conversation")
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errors.Wrap(err, "sqlite document store: list rows")
	}
	_ = rows.Close()

	for i := range docs {
		msgs, err := s.loadMessages(ctx, docs[i].ID)
		if err != nil {
			return nil, err
		}
		docs[i].Messages = msgs
	}
	return docs, nil
}

func (s *SQLiteDocumentStore) loadMessages(ctx context.Context, convID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, role, content, created_at_ms
		FROM conversation_messages
		WHERE conv_id = ?
		ORDER BY ord ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite document store: load messages")
	}
	defer func() { _ = rows.Close() }()

	out := []MessageRecord{}
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite document store: scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite document store: message rows")
	}
	return out, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, convID string, msgs []MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_messages (conv_id, ord, message_id, role, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite document store: prepare message insert")
	}
	defer func() { _ = stmt.Close() }()
	for i, m := range msgs {
		if _, err := stmt.ExecContext(ctx, convID, i, m.ID, m.Role, m.Content, m.CreatedAtMs); err != nil {
			return errors.Wrap(err, "sqlite document store: insert message")
		}
	}
	return nil
}

func SQLiteDocumentDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite document store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
