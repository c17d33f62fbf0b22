// Package job schedules background work against ids, never live records:
// an executor looks the current row state up at execution time, so store
// mutations and job lifecycles stay decoupled.
package job

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Job kinds.
const (
	KindRefreshUser        = "refresh_user"
	KindAttachmentDownload = "attachment_download"
	KindAttachmentUpload   = "attachment_upload"
	KindAttachmentCleanup  = "attachment_cleanup"
	KindExitConversation   = "exit_conversation"
)

// Priority classes. Higher drains first on recovery.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// idNamespace salts deterministic job ids so they cannot collide with
// conversation or message ids.
var idNamespace = uuid.MustParse("9bf2c4d6-31a8-47c9-8a94-61d7f03a2f55")

// NewID derives the deterministic identity of a job from its kind and
// target, so two submissions of the same work share one id.
func NewID(kind, targetID string) string {
	return uuid.NewSHA1(idNamespace, []byte(kind+":"+targetID)).String()
}

// Job is an opaque unit of background work. TargetID references a message
// or conversation by id only; the referenced record may be deleted
// independently of the job.
type Job struct {
	ID       string
	Kind     string
	TargetID string
	Priority int
	Payload  []byte
}

// State is a job's lifecycle position.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateCanceled State = "canceled"
	StateFailed   State = "failed"
)

// Snapshot is a point-in-time view of a job returned by FindByID.
type Snapshot struct {
	Job
	State    State
	Attempts int
}

// Report is the bus payload for job.finished / job.failed / job.canceled.
type Report struct {
	JobID    string
	Kind     string
	TargetID string
	Err      string
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the queue fails the job immediately instead of
// retrying, e.g. when the referenced record no longer exists.
func Terminal(err error) error {
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// RefreshUserPayload asks the directory executor to fetch identities.
type RefreshUserPayload struct {
	UserIDs []string `json:"user_ids"`
}

// AttachmentCleanupPayload carries the media URLs captured before a
// conversation's messages were deleted.
type AttachmentCleanupPayload struct {
	MediaURLs []string `json:"media_urls"`
}

// AttachmentTransferPayload drives a download or upload for one message.
type AttachmentTransferPayload struct {
	MessageID string `json:"message_id"`
	MediaURL  string `json:"media_url"`
}

// NewRefreshUser builds a refresh job targeting a stable key over the
// requested user set.
func NewRefreshUser(userIDs []string) Job {
	payload, _ := json.Marshal(RefreshUserPayload{UserIDs: userIDs})
	target := ""
	for _, id := range userIDs {
		target += id + ","
	}
	return Job{
		ID:       NewID(KindRefreshUser, target),
		Kind:     KindRefreshUser,
		TargetID: target,
		Priority: PriorityHigh,
		Payload:  payload,
	}
}

// NewAttachmentCleanup builds a cleanup job for a cleared conversation.
func NewAttachmentCleanup(conversationID string, mediaURLs []string) Job {
	payload, _ := json.Marshal(AttachmentCleanupPayload{MediaURLs: mediaURLs})
	return Job{
		ID:       NewID(KindAttachmentCleanup, conversationID),
		Kind:     KindAttachmentCleanup,
		TargetID: conversationID,
		Priority: PriorityLow,
		Payload:  payload,
	}
}

// NewAttachmentDownload builds a download job for one message's media.
func NewAttachmentDownload(messageID, mediaURL string) Job {
	payload, _ := json.Marshal(AttachmentTransferPayload{MessageID: messageID, MediaURL: mediaURL})
	return Job{
		ID:       NewID(KindAttachmentDownload, messageID),
		Kind:     KindAttachmentDownload,
		TargetID: messageID,
		Priority: PriorityNormal,
		Payload:  payload,
	}
}

// NewAttachmentUpload builds an upload job for one message's media.
func NewAttachmentUpload(messageID, mediaURL string) Job {
	payload, _ := json.Marshal(AttachmentTransferPayload{MessageID: messageID, MediaURL: mediaURL})
	return Job{
		ID:       NewID(KindAttachmentUpload, messageID),
		Kind:     KindAttachmentUpload,
		TargetID: messageID,
		Priority: PriorityNormal,
		Payload:  payload,
	}
}

// NewExitConversation builds a job announcing a local quit to the remote
// authority.
func NewExitConversation(conversationID string) Job {
	return Job{
		ID:       NewID(KindExitConversation, conversationID),
		Kind:     KindExitConversation,
		TargetID: conversationID,
		Priority: PriorityNormal,
	}
}
