// Package store implements the local-first session store: a durable local
// key-value record of sessions and messages with best-effort sync to the
// remote session API. Local state is the source of truth for the client;
// remote storage is a sync target.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/verba-ai/verba/pkg/core/types"
)

const (
	metaKeyPrefix    = "session-meta-"
	historyKeyPrefix = "session-history-"
)

// LocalStore is the durable client-side record, backed by a single
// key-value table in SQLite.
type LocalStore struct {
	db *sql.DB
}

// OpenLocal opens (and if needed creates) the local store at path. Use
// ":memory:" for an ephemeral store in tests.
func OpenLocal(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store: %w", err)
	}
	return &LocalStore{db: db}, nil
}

// Close releases the underlying database handle.
func (l *LocalStore) Close() error { return l.db.Close() }

func (l *LocalStore) get(ctx context.Context, key string, v any) (bool, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("kv decode %q: %w", key, err)
	}
	return true, nil
}

func (l *LocalStore) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv encode %q: %w", key, err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, raw)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

func (l *LocalStore) delete(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// Sessions returns every locally recorded session summary, most recently
// modified first.
func (l *LocalStore) Sessions(ctx context.Context) ([]types.Session, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT value FROM kv WHERE key LIKE ?`, metaKeyPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		var s types.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// History returns the ordered messages of a session. Unknown sessions
// return an empty slice.
func (l *LocalStore) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	var msgs []types.Message
	if _, err := l.get(ctx, historyKeyPrefix+sessionID, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Append writes a message to the session history: update in place when the
// identifier already exists, append otherwise. The session summary is
// created or touched in the same call.
func (l *LocalStore) Append(ctx context.Context, sessionID string, msg types.Message, title string) error {
	msgs, err := l.History(ctx, sessionID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = append(msgs, msg)
	}
	if err := l.put(ctx, historyKeyPrefix+sessionID, msgs); err != nil {
		return err
	}
	return l.touch(ctx, sessionID, title)
}

// ReplaceHistory overwrites the stored history of a session wholesale,
// used when a remote refresh supersedes the local record. The session
// summary's recency is left untouched: a read is not a modification.
func (l *LocalStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []types.Message) error {
	return l.put(ctx, historyKeyPrefix+sessionID, msgs)
}

// DeleteMessage removes one message from the session history.
func (l *LocalStore) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	msgs, err := l.History(ctx, sessionID)
	if err != nil {
		return err
	}
	kept := msgs[:0]
	for _, m := range msgs {
		if m.ID != messageID {
			kept = append(kept, m)
		}
	}
	if err := l.put(ctx, historyKeyPrefix+sessionID, kept); err != nil {
		return err
	}
	return l.touch(ctx, sessionID, "")
}

// UpdateMessage replaces the content of a message and discards every
// message after it: the conversation forks at the edit point.
func (l *LocalStore) UpdateMessage(ctx context.Context, sessionID string, msg types.Message) error {
	msgs, err := l.History(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i].Content = msg.Content
			msgs[i].Attachments = msg.Attachments
			msgs = msgs[:i+1]
			if err := l.put(ctx, historyKeyPrefix+sessionID, msgs); err != nil {
				return err
			}
			return l.touch(ctx, sessionID, "")
		}
	}
	return fmt.Errorf("update message: %q not found in session %q", msg.ID, sessionID)
}

// RenameSession updates the session title.
func (l *LocalStore) RenameSession(ctx context.Context, sessionID, title string) error {
	return l.touch(ctx, sessionID, title)
}

// DeleteSession removes the session summary and its history.
func (l *LocalStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := l.delete(ctx, metaKeyPrefix+sessionID); err != nil {
		return err
	}
	return l.delete(ctx, historyKeyPrefix+sessionID)
}

// touch creates or refreshes the session summary. An empty title keeps the
// existing one (or derives a placeholder for a brand-new session).
func (l *LocalStore) touch(ctx context.Context, sessionID, title string) error {
	var s types.Session
	found, err := l.get(ctx, metaKeyPrefix+sessionID, &s)
	if err != nil {
		return err
	}
	if !found {
		s = types.Session{ID: sessionID, Title: "New chat"}
	}
	if t := strings.TrimSpace(title); t != "" {
		s.Title = t
	}
	s.UpdatedAt = time.Now()
	return l.put(ctx, metaKeyPrefix+sessionID, s)
}
