package attachment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mercuryim/mercury/internal/job"
	"github.com/mercuryim/mercury/internal/store"
	"go.uber.org/zap"
)

// Fetcher retrieves attachment bytes from the remote service.
type Fetcher interface {
	Fetch(ctx context.Context, mediaURL string) ([]byte, error)
}

// Uploader pushes attachment bytes to the remote service.
type Uploader interface {
	Upload(ctx context.Context, mediaURL string, data []byte) error
}

// DownloadExecutor backs attachment_download jobs. The media-status write
// is conditional on the row still being PENDING, so a cancellation that
// raced the transfer wins: a canceled download never lands as DONE.
type DownloadExecutor struct {
	db      *store.DB
	fetcher Fetcher
	dir     string
	logger  *zap.Logger
}

// NewDownloadExecutor wires a download executor over the profile's
// attachments directory.
func NewDownloadExecutor(db *store.DB, fetcher Fetcher, dir string, logger *zap.Logger) *DownloadExecutor {
	return &DownloadExecutor{db: db, fetcher: fetcher, dir: dir, logger: logger}
}

// Execute fetches the media, writes it under the attachments directory and
// flips the message's media status PENDING -> DONE. A context cancellation
// flips it to CANCELED instead.
func (e *DownloadExecutor) Execute(ctx context.Context, j job.Job) error {
	var payload job.AttachmentTransferPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return job.Terminal(fmt.Errorf("decode payload: %w", err))
	}

	m, err := e.db.GetMessage(payload.MessageID)
	if err != nil {
		return fmt.Errorf("load message %q: %w", payload.MessageID, err)
	}
	if m == nil {
		return job.Terminal(fmt.Errorf("message %q no longer exists", payload.MessageID))
	}
	if m.MediaStatus != store.MediaPending {
		// Already resolved by an earlier run or a cancellation.
		return nil
	}

	data, err := e.fetcher.Fetch(ctx, payload.MediaURL)
	if err != nil {
		if ctx.Err() != nil {
			if _, serr := e.db.UpdateMediaStatus(payload.MessageID, store.MediaPending, store.MediaCanceled); serr != nil {
				e.logger.Error("failed to mark media canceled", zap.String("message_id", payload.MessageID), zap.Error(serr))
			}
			return ctx.Err()
		}
		return fmt.Errorf("fetch %q: %w", payload.MediaURL, err)
	}

	path := filepath.Join(e.dir, filepath.Base(payload.MediaURL))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}

	ok, err := e.db.UpdateMediaStatus(payload.MessageID, store.MediaPending, store.MediaDone)
	if err != nil {
		return fmt.Errorf("mark media done: %w", err)
	}
	if !ok {
		// Lost the race against a cancellation; drop the file again.
		_ = os.Remove(path)
	}
	return nil
}

// UploadExecutor backs attachment_upload jobs: it reads the local file and
// pushes it out, then flips PENDING -> DONE under the same race rule as
// downloads.
type UploadExecutor struct {
	db       *store.DB
	uploader Uploader
	dir      string
	logger   *zap.Logger
}

// NewUploadExecutor wires an upload executor.
func NewUploadExecutor(db *store.DB, uploader Uploader, dir string, logger *zap.Logger) *UploadExecutor {
	return &UploadExecutor{db: db, uploader: uploader, dir: dir, logger: logger}
}

// Execute uploads the message's local media file.
func (e *UploadExecutor) Execute(ctx context.Context, j job.Job) error {
	var payload job.AttachmentTransferPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return job.Terminal(fmt.Errorf("decode payload: %w", err))
	}

	m, err := e.db.GetMessage(payload.MessageID)
	if err != nil {
		return fmt.Errorf("load message %q: %w", payload.MessageID, err)
	}
	if m == nil {
		return job.Terminal(fmt.Errorf("message %q no longer exists", payload.MessageID))
	}
	if m.MediaStatus != store.MediaPending {
		return nil
	}

	path := filepath.Join(e.dir, filepath.Base(payload.MediaURL))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return job.Terminal(fmt.Errorf("local media file missing: %w", err))
		}
		return fmt.Errorf("read attachment: %w", err)
	}

	if err := e.uploader.Upload(ctx, payload.MediaURL, data); err != nil {
		if ctx.Err() != nil {
			if _, serr := e.db.UpdateMediaStatus(payload.MessageID, store.MediaPending, store.MediaCanceled); serr != nil {
				e.logger.Error("failed to mark media canceled", zap.String("message_id", payload.MessageID), zap.Error(serr))
			}
			return ctx.Err()
		}
		return fmt.Errorf("upload %q: %w", payload.MediaURL, err)
	}

	_, err = e.db.UpdateMediaStatus(payload.MessageID, store.MediaPending, store.MediaDone)
	if err != nil {
		return fmt.Errorf("mark media done: %w", err)
	}
	return nil
}
