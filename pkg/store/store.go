package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verba-ai/verba/pkg/core"
	"github.com/verba-ai/verba/pkg/core/types"
)

// Remote is the remote session API surface the store syncs against.
// *RemoteClient implements it; tests substitute mocks.
type Remote interface {
	ListSessions(ctx context.Context) ([]types.Session, error)
	History(ctx context.Context, sessionID string) ([]types.Message, error)
	AppendMessage(ctx context.Context, sessionID string, msg types.Message, title string) error
	DeleteMessage(ctx context.Context, sessionID, messageID string) error
	UpdateMessage(ctx context.Context, sessionID string, msg types.Message) error
	RenameSession(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// syncPolicy says, per operation, what happens when the remote call fails.
// Keeping the whole policy in one table is deliberate: fallback behavior
// is a contract, not scattered recovery code.
type syncPolicy struct {
	// raiseLimit re-raises the distinguished usage-limit failure to the
	// caller. Every other remote failure is swallowed and logged.
	raiseLimit bool
}

var policies = map[string]syncPolicy{
	"append":         {raiseLimit: true},
	"delete_message": {},
	"update_message": {},
	"rename_session": {},
	"delete_session": {},
}

// Store is the local-first repository: writes land in the durable local
// store synchronously, then sync to the remote best-effort.
type Store struct {
	local  *LocalStore
	remote Remote
	logger *slog.Logger

	// OnSyncFailure, when set, observes every swallowed remote sync
	// failure by operation name.
	OnSyncFailure func(op string)
}

// New creates a Store. remote may be nil for a purely offline client.
func New(local *LocalStore, remote Remote, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{local: local, remote: remote, logger: logger}
}

// NewSessionID generates a session identifier locally: millisecond
// timestamp plus a random salt. No network round trip, so the first
// message can be appended before the backend knows the session exists.
func NewSessionID() string {
	salt := uuid.NewString()[:8]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), salt)
}

// ListSessions attempts the remote list first and falls back to the local
// record on any failure. The fallback never raises.
func (s *Store) ListSessions(ctx context.Context) ([]types.Session, error) {
	if s.remote != nil {
		sessions, err := s.remote.ListSessions(ctx)
		if err == nil {
			return sessions, nil
		}
		s.logger.Debug("remote session list failed, using local", "error", err)
	}
	return s.local.Sessions(ctx)
}

// History returns the ordered messages of a session. The sentinel "new"
// identifier returns empty immediately, without touching storage. A
// remote fetch runs opportunistically so a fresh device can open
// sessions it has never written; when the remote record is longer than
// the local one it refreshes the local copy, otherwise the local record
// stays authoritative (it may hold writes that have not synced yet).
// Remote failure falls back to local and never raises.
func (s *Store) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	if sessionID == types.NewSessionID {
		return nil, nil
	}
	local, err := s.local.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.remote == nil {
		return local, nil
	}
	remote, err := s.remote.History(ctx, sessionID)
	if err != nil {
		s.logger.Debug("remote history fetch failed", "session", sessionID, "error", err)
		return local, nil
	}
	if len(remote) <= len(local) {
		return local, nil
	}
	if err := s.local.ReplaceHistory(ctx, sessionID, remote); err != nil {
		s.logger.Error("local history refresh failed", "session", sessionID, "error", err)
	}
	return remote, nil
}

// AppendMessage writes locally first, then syncs. Remote failures are
// swallowed except the usage-limit kind, which propagates so the UI can
// gate further writes.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg types.Message, title string) error {
	if err := s.local.Append(ctx, sessionID, msg, title); err != nil {
		// Local persistence failures should not realistically occur and
		// must not crash the turn.
		s.logger.Error("local append failed", "session", sessionID, "error", err)
	}
	return s.sync("append", func() error {
		return s.remote.AppendMessage(ctx, sessionID, msg, title)
	})
}

// DeleteMessage removes a message locally and best-effort remotely.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	if err := s.local.DeleteMessage(ctx, sessionID, messageID); err != nil {
		s.logger.Error("local delete failed", "session", sessionID, "error", err)
	}
	return s.sync("delete_message", func() error {
		return s.remote.DeleteMessage(ctx, sessionID, messageID)
	})
}

// UpdateMessage edits a message locally (truncating everything after it)
// and best-effort remotely.
func (s *Store) UpdateMessage(ctx context.Context, sessionID string, msg types.Message) error {
	if err := s.local.UpdateMessage(ctx, sessionID, msg); err != nil {
		s.logger.Error("local update failed", "session", sessionID, "error", err)
	}
	return s.sync("update_message", func() error {
		return s.remote.UpdateMessage(ctx, sessionID, msg)
	})
}

// RenameSession renames locally and best-effort remotely.
func (s *Store) RenameSession(ctx context.Context, sessionID, title string) error {
	if err := s.local.RenameSession(ctx, sessionID, title); err != nil {
		s.logger.Error("local rename failed", "session", sessionID, "error", err)
	}
	return s.sync("rename_session", func() error {
		return s.remote.RenameSession(ctx, sessionID, title)
	})
}

// DeleteSession removes the session from both stores. This is the one
// explicit user action that hard-deletes.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.local.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Error("local session delete failed", "session", sessionID, "error", err)
	}
	return s.sync("delete_session", func() error {
		return s.remote.DeleteSession(ctx, sessionID)
	})
}

func (s *Store) sync(op string, call func() error) error {
	if s.remote == nil {
		return nil
	}
	err := call()
	if err == nil {
		return nil
	}
	if policies[op].raiseLimit && core.IsLimitReached(err) {
		return err
	}
	s.logger.Debug("remote sync failed", "op", op, "error", err)
	if s.OnSyncFailure != nil {
		s.OnSyncFailure(op)
	}
	return nil
}
