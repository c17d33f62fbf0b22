package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mercuryim/mercury/internal/job"
	"github.com/mercuryim/mercury/internal/store"
	"go.uber.org/zap"
)

// Directory resolves user ids to identity records against the remote
// service.
type Directory interface {
	LookupUsers(ctx context.Context, userIDs []string) ([]store.User, error)
}

// RefreshUserExecutor backs refresh_user jobs: it fetches identities from
// the directory, caches them, and promotes membership rows that were waiting
// on them.
type RefreshUserExecutor struct {
	db        *store.DB
	directory Directory
	logger    *zap.Logger
}

// NewRefreshUserExecutor wires a refresh executor.
func NewRefreshUserExecutor(db *store.DB, directory Directory, logger *zap.Logger) *RefreshUserExecutor {
	return &RefreshUserExecutor{db: db, directory: directory, logger: logger}
}

// Execute fetches and caches the identities named in the job payload.
func (e *RefreshUserExecutor) Execute(ctx context.Context, j job.Job) error {
	var payload job.RefreshUserPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return job.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	if len(payload.UserIDs) == 0 {
		return nil
	}

	users, err := e.directory.LookupUsers(ctx, payload.UserIDs)
	if err != nil {
		return fmt.Errorf("lookup %d users: %w", len(payload.UserIDs), err)
	}
	if err := e.db.BulkUpsertUsers(users); err != nil {
		return fmt.Errorf("cache users: %w", err)
	}
	for _, u := range users {
		if err := e.db.MarkParticipantsSynced(u.UserID); err != nil {
			return fmt.Errorf("promote participant %q: %w", u.UserID, err)
		}
	}
	e.logger.Debug("refreshed users", zap.Int("count", len(users)))
	return nil
}

// Announcer confirms a local exit with the remote authority.
type Announcer interface {
	ExitConversation(ctx context.Context, conversationID string) error
}

// ExitConversationExecutor backs exit_conversation jobs. Once the remote
// side confirms, the local rows are removed through the syncer so the usual
// cleanup and notification path runs.
type ExitConversationExecutor struct {
	syncer    *Syncer
	announcer Announcer
}

// NewExitConversationExecutor wires an exit executor.
func NewExitConversationExecutor(s *Syncer, announcer Announcer) *ExitConversationExecutor {
	return &ExitConversationExecutor{syncer: s, announcer: announcer}
}

// Execute announces the exit remotely, then drops the conversation locally.
func (e *ExitConversationExecutor) Execute(ctx context.Context, j job.Job) error {
	if err := e.announcer.ExitConversation(ctx, j.TargetID); err != nil {
		return fmt.Errorf("announce exit of %q: %w", j.TargetID, err)
	}
	return e.syncer.Clear(j.TargetID, true, true)
}
