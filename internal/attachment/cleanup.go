// Package attachment implements the local side of media jobs: removing
// files for cleared conversations and driving download/upload transfers
// against the store's media-status column.
package attachment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mercuryim/mercury/internal/job"
	"go.uber.org/zap"
)

// CleanUp removes the named attachment files from dir. Removal is best
// effort: a missing file is not an error, and one failure does not stop the
// rest. URLs are reduced to their base name so a crafted URL cannot escape
// the attachments directory.
func CleanUp(dir string, mediaURLs []string, logger *zap.Logger) {
	for _, u := range mediaURLs {
		name := filepath.Base(u)
		if name == "." || name == string(filepath.Separator) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove attachment", zap.String("path", path), zap.Error(err))
		}
	}
}

// CleanupExecutor backs attachment_cleanup jobs.
type CleanupExecutor struct {
	dir    string
	logger *zap.Logger
}

// NewCleanupExecutor wires a cleanup executor over the profile's
// attachments directory.
func NewCleanupExecutor(dir string, logger *zap.Logger) *CleanupExecutor {
	return &CleanupExecutor{dir: dir, logger: logger}
}

// Execute removes the files captured in the job payload.
func (e *CleanupExecutor) Execute(ctx context.Context, j job.Job) error {
	var payload job.AttachmentCleanupPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return job.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	CleanUp(e.dir, payload.MediaURLs, e.logger)
	e.logger.Debug("cleaned attachments",
		zap.String("conversation_id", j.TargetID), zap.Int("count", len(payload.MediaURLs)))
	return nil
}
