package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mercuryim/mercury/internal/bus"
	"github.com/mercuryim/mercury/internal/job"
	"github.com/mercuryim/mercury/internal/store"
	"go.uber.org/zap"
)

const selfID = "self-user"

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mercury.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeQueue records submitted jobs instead of running them.
type fakeQueue struct {
	jobs []job.Job
}

func (q *fakeQueue) Submit(j job.Job) bool {
	q.jobs = append(q.jobs, j)
	return true
}

func (q *fakeQueue) byKind(kind string) []job.Job {
	var out []job.Job
	for _, j := range q.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func testSyncer(t *testing.T) (*Syncer, *store.DB, *fakeQueue, *bus.Bus) {
	t.Helper()
	db := testStore(t)
	q := &fakeQueue{}
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	return New(db, q, b, logger, selfID), db, q, b
}

func seedUser(t *testing.T, db *store.DB, id, name string) {
	t.Helper()
	if err := db.UpsertUser(&store.User{UserID: id, IdentityNumber: id, FullName: name}); err != nil {
		t.Fatal(err)
	}
}

func drainChanges(ch <-chan bus.Event) []bus.ConversationChange {
	var out []bus.ConversationChange
	for {
		select {
		case evt := <-ch:
			out = append(out, evt.Payload.(bus.ConversationChange))
		default:
			return out
		}
	}
}

func TestMakeConversationIDOrderIndependent(t *testing.T) {
	a := MakeConversationID("user-a", "user-b")
	b := MakeConversationID("user-b", "user-a")
	if a != b {
		t.Errorf("MakeConversationID not order-independent: %s vs %s", a, b)
	}
	if MakeConversationID("user-a", "user-c") == a {
		t.Error("different pairs must derive different ids")
	}
}

func TestDirectOwnerID(t *testing.T) {
	if got := DirectOwnerID([]string{selfID, "peer"}, selfID); got != "peer" {
		t.Errorf("owner = %q, want peer", got)
	}
	if got := DirectOwnerID([]string{"peer", selfID}, selfID); got != "peer" {
		t.Errorf("owner with reversed order = %q, want peer", got)
	}
	if got := DirectOwnerID([]string{selfID}, selfID); got != selfID {
		t.Errorf("self-conversation owner = %q, want viewer", got)
	}
}

func TestCreatePlaceholderIdempotent(t *testing.T) {
	s, db, _, _ := testSyncer(t)

	if err := s.CreatePlaceholder("c1", "peer"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePlaceholder("c1", "someone-else"); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("placeholder missing")
	}
	if c.OwnerID != "peer" {
		t.Errorf("owner = %q, second create must not overwrite", c.OwnerID)
	}
	if c.Category != "" || c.Status != store.StatusStart {
		t.Errorf("placeholder shape = %q/%d, want ''/START", c.Category, c.Status)
	}
}

func TestCreateGroupInsertsOwnerAndMembers(t *testing.T) {
	s, db, _, b := testSyncer(t)
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	if err := s.CreateGroup("g1", "Weekend Plans", []string{"peer-a", "peer-b", selfID}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("g1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Category != store.CategoryGroup || c.OwnerID != selfID || c.Status != store.StatusStart {
		t.Fatalf("group row = %+v", c)
	}

	ps, err := db.Participants("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 3 {
		t.Fatalf("got %d participants, want 3", len(ps))
	}
	for _, p := range ps {
		if p.UserID == selfID && p.Role != store.RoleOwner {
			t.Errorf("creator role = %q, want OWNER", p.Role)
		}
	}

	changes := drainChanges(ch)
	if len(changes) != 1 || changes[0].Action != bus.ActionReload {
		t.Errorf("changes = %v, want one reload", changes)
	}
}

// TestApplySnapshotNoOpWhenStatusUnchanged pins the idempotence rule: a
// snapshot targeting the already-stored status changes no rows and fires no
// events.
func TestApplySnapshotNoOpWhenStatusUnchanged(t *testing.T) {
	s, db, _, b := testSyncer(t)
	seedUser(t, db, "peer-a", "Alice")

	remote := &RemoteConversation{
		ConversationID: "g1",
		CreatorID:      "peer-a",
		Category:       store.CategoryGroup,
		Name:           "First Name",
		CreatedAt:      time.Now(),
		Participants:   []RemoteParticipant{{UserID: "peer-a"}, {UserID: selfID}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	remote.Name = "Renamed"
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("g1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "First Name" {
		t.Errorf("name = %q, no-op snapshot must not write", c.Name)
	}
	if changes := drainChanges(ch); len(changes) != 0 {
		t.Errorf("events = %v, want none", changes)
	}
}

func TestApplySnapshotGroup(t *testing.T) {
	s, db, q, b := testSyncer(t)
	seedUser(t, db, "peer-a", "Alice")
	// peer-b is unknown locally and must trigger a refresh.

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	remote := &RemoteConversation{
		ConversationID: "g1",
		CreatorID:      "peer-a",
		Category:       store.CategoryGroup,
		Name:           "Weekend Plans",
		CreatedAt:      time.Now(),
		Participants: []RemoteParticipant{
			{UserID: "peer-a", Role: store.RoleOwner, CreatedAt: time.Now()},
			{UserID: "peer-b", CreatedAt: time.Now()},
			{UserID: selfID, CreatedAt: time.Now()},
		},
		Sessions: []RemoteSession{{UserID: "peer-a", SessionID: "s1"}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	status, ok, err := db.GetConversationStatus("g1")
	if err != nil || !ok {
		t.Fatalf("status lookup: ok=%v err=%v", ok, err)
	}
	if status != store.StatusSuccess {
		t.Errorf("status = %d, want SUCCESS", status)
	}

	// Known users land promoted; peer-b waits for the refresh.
	ps, err := db.Participants("g1")
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]store.Participant{}
	for _, p := range ps {
		byID[p.UserID] = p
	}
	if len(byID) != 3 {
		t.Fatalf("got %d participants, want 3", len(byID))
	}
	if byID["peer-a"].Status != store.ParticipantSuccess {
		t.Error("known participant not promoted")
	}
	if byID["peer-b"].Status != store.ParticipantStart {
		t.Error("unknown participant promoted without identity")
	}

	ss, err := db.ParticipantSessions("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ss) != 1 || ss[0].SessionID != "s1" {
		t.Errorf("sessions = %v, want one s1", ss)
	}

	refreshes := q.byKind(job.KindRefreshUser)
	if len(refreshes) != 1 {
		t.Fatalf("got %d refresh jobs, want 1", len(refreshes))
	}
	var payload job.RefreshUserPayload
	if err := json.Unmarshal(refreshes[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.UserIDs) != 1 || payload.UserIDs[0] != "peer-b" {
		t.Errorf("refresh targets = %v, want [peer-b]", payload.UserIDs)
	}

	changes := drainChanges(ch)
	if len(changes) != 1 || changes[0].Action != bus.ActionUpdateSnapshot {
		t.Errorf("changes = %v, want one update_snapshot", changes)
	}
}

func TestApplySnapshotRefreshesAbsentCreator(t *testing.T) {
	s, _, q, _ := testSyncer(t)

	remote := &RemoteConversation{
		ConversationID: "g1",
		CreatorID:      "long-gone-founder",
		Category:       store.CategoryGroup,
		Name:           "Legacy Group",
		CreatedAt:      time.Now(),
		Participants:   []RemoteParticipant{{UserID: selfID}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	refreshes := q.byKind(job.KindRefreshUser)
	if len(refreshes) != 1 {
		t.Fatalf("got %d refresh jobs, want 1", len(refreshes))
	}
	var payload job.RefreshUserPayload
	if err := json.Unmarshal(refreshes[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range payload.UserIDs {
		if id == "long-gone-founder" {
			found = true
		}
	}
	if !found {
		t.Errorf("refresh targets = %v, want creator included", payload.UserIDs)
	}
}

func TestApplySnapshotContactOwner(t *testing.T) {
	s, db, _, _ := testSyncer(t)
	seedUser(t, db, "peer", "Bob")

	remote := &RemoteConversation{
		ConversationID: MakeConversationID(selfID, "peer"),
		CreatorID:      selfID,
		Category:       store.CategoryContact,
		CreatedAt:      time.Now(),
		Participants:   []RemoteParticipant{{UserID: selfID}, {UserID: "peer"}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation(remote.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if c.OwnerID != "peer" {
		t.Errorf("owner = %q, direct conversations are owned by the peer", c.OwnerID)
	}
}

func TestUpdateFlagsChangedAnnouncement(t *testing.T) {
	s, db, _, _ := testSyncer(t)
	seedUser(t, db, "peer-a", "Alice")

	remote := &RemoteConversation{
		ConversationID: "g1",
		CreatorID:      "peer-a",
		Category:       store.CategoryGroup,
		Name:           "Group",
		Announcement:   "welcome",
		CreatedAt:      time.Now(),
		Participants:   []RemoteParticipant{{UserID: "peer-a"}, {UserID: selfID}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	// Same announcement: no unread flag.
	if err := s.Update(remote); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetConversation("g1")
	if c.HasUnreadAnnouncement {
		t.Error("unchanged announcement flagged unread")
	}

	remote.Announcement = "rules changed"
	if err := s.Update(remote); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation("g1")
	if !c.HasUnreadAnnouncement {
		t.Error("changed announcement not flagged unread")
	}

	if err := db.MarkAnnouncementRead("g1"); err != nil {
		t.Fatal(err)
	}
	remote.Announcement = ""
	if err := s.Update(remote); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation("g1")
	if c.HasUnreadAnnouncement {
		t.Error("cleared announcement flagged unread")
	}
}

func TestUpdateReplacesMembership(t *testing.T) {
	s, db, _, _ := testSyncer(t)
	seedUser(t, db, "peer-a", "Alice")
	seedUser(t, db, "peer-b", "Bob")

	remote := &RemoteConversation{
		ConversationID: "g1",
		CreatorID:      "peer-a",
		Category:       store.CategoryGroup,
		Name:           "Group",
		CreatedAt:      time.Now(),
		Participants:   []RemoteParticipant{{UserID: "peer-a"}, {UserID: "peer-b"}, {UserID: selfID}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	// peer-b left; the remote list is authoritative.
	remote.Participants = []RemoteParticipant{{UserID: "peer-a"}, {UserID: selfID}}
	if err := s.Update(remote); err != nil {
		t.Fatal(err)
	}

	ps, err := db.Participants("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 {
		t.Fatalf("got %d participants after update, want 2", len(ps))
	}
	for _, p := range ps {
		if p.UserID == "peer-b" {
			t.Error("departed participant still present")
		}
	}
}

// TestClearCapturesMediaBeforeDelete pins the ordering rule: the cleanup job
// carries the URLs as they were before the messages were removed.
func TestClearCapturesMediaBeforeDelete(t *testing.T) {
	s, db, q, b := testSyncer(t)
	seedConversationWithMedia(t, db, "c1")

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	if err := s.Clear("c1", false, false); err != nil {
		t.Fatal(err)
	}

	n, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages remaining = %d, want 0", n)
	}
	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("conversation row removed by plain clear")
	}
	if c.UnseenMessageCount != 0 || c.LastMessageID != "" {
		t.Errorf("conversation not reset: %+v", c)
	}

	cleanups := q.byKind(job.KindAttachmentCleanup)
	if len(cleanups) != 1 {
		t.Fatalf("got %d cleanup jobs, want 1", len(cleanups))
	}
	var payload job.AttachmentCleanupPayload
	if err := json.Unmarshal(cleanups[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.MediaURLs) != 2 {
		t.Errorf("captured urls = %v, want the 2 pre-deletion urls", payload.MediaURLs)
	}

	changes := drainChanges(ch)
	if len(changes) != 1 || changes[0].Action != bus.ActionReload {
		t.Errorf("changes = %v, want one reload", changes)
	}
}

// TestClearWithoutMediaStillQueuesCleanup: the cleanup job is queued once
// per clear even when no message carried media.
func TestClearWithoutMediaStillQueuesCleanup(t *testing.T) {
	s, db, q, _ := testSyncer(t)
	if err := db.InsertConversation(&store.Conversation{
		ConversationID: "c1",
		OwnerID:        "peer",
		Category:       store.CategoryContact,
		Status:         store.StatusSuccess,
		CreatedAt:      store.UTCString(time.Now()),
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", UserID: "peer", Category: "PLAIN_TEXT",
		Content: "text only", Status: store.MessageRead, CreatedAt: store.UTCString(time.Now()),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear("c1", false, false); err != nil {
		t.Fatal(err)
	}

	cleanups := q.byKind(job.KindAttachmentCleanup)
	if len(cleanups) != 1 {
		t.Fatalf("got %d cleanup jobs, want 1", len(cleanups))
	}
	var payload job.AttachmentCleanupPayload
	if err := json.Unmarshal(cleanups[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.MediaURLs) != 0 {
		t.Errorf("captured urls = %v, want none", payload.MediaURLs)
	}
}

func TestClearWithExitRemovesMembership(t *testing.T) {
	s, db, _, b := testSyncer(t)
	seedConversationWithMedia(t, db, "c1")

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	if err := s.Clear("c1", false, true); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("conversation row present after exit")
	}
	ps, err := db.Participants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 0 {
		t.Errorf("participants remaining = %d, want 0", len(ps))
	}
	ss, err := db.ParticipantSessions("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ss) != 0 {
		t.Errorf("sessions remaining = %d, want 0", len(ss))
	}

	changes := drainChanges(ch)
	if len(changes) != 1 || changes[0].Action != bus.ActionDelete {
		t.Errorf("changes = %v, want one delete", changes)
	}
}

func TestQuitSchedulesExit(t *testing.T) {
	s, db, q, _ := testSyncer(t)
	seedConversationWithMedia(t, db, "c1")

	if err := s.Quit("c1"); err != nil {
		t.Fatal(err)
	}

	status, ok, err := db.GetConversationStatus("c1")
	if err != nil || !ok {
		t.Fatalf("status lookup: ok=%v err=%v", ok, err)
	}
	if status != store.StatusQuit {
		t.Errorf("status = %d, want QUIT", status)
	}
	if exits := q.byKind(job.KindExitConversation); len(exits) != 1 {
		t.Errorf("got %d exit jobs, want 1", len(exits))
	}
}

func TestSetMuteUntilMutesContactOwner(t *testing.T) {
	s, db, _, b := testSyncer(t)
	seedUser(t, db, "peer", "Bob")

	remote := &RemoteConversation{
		ConversationID: "c1",
		CreatorID:      selfID,
		Category:       store.CategoryContact,
		CreatedAt:      time.Now(),
		Participants:   []RemoteParticipant{{UserID: selfID}, {UserID: "peer"}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	until := store.UTCString(time.Now().Add(time.Hour))
	if err := s.SetMuteUntil("c1", until); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetConversation("c1")
	if c.MuteUntil != until {
		t.Errorf("conversation mute_until = %q, want %q", c.MuteUntil, until)
	}
	u, err := db.GetUser("peer")
	if err != nil {
		t.Fatal(err)
	}
	if u.MuteUntil != until {
		t.Errorf("owner mute_until = %q, direct mute must mirror onto the peer", u.MuteUntil)
	}

	changes := drainChanges(ch)
	if len(changes) != 1 || changes[0].Action != bus.ActionUpdate {
		t.Errorf("changes = %v, want one update", changes)
	}
}

func TestRefreshUserExecutorPromotesParticipants(t *testing.T) {
	db := testStore(t)
	logger, _ := zap.NewDevelopment()
	q := &fakeQueue{}
	b := bus.New()
	s := New(db, q, b, logger, selfID)

	remote := &RemoteConversation{
		ConversationID: "g1",
		CreatorID:      "peer-a",
		Category:       store.CategoryGroup,
		CreatedAt:      time.Now(),
		Participants:   []RemoteParticipant{{UserID: "peer-a"}, {UserID: selfID}},
	}
	if err := s.ApplySnapshot(remote, store.StatusSuccess); err != nil {
		t.Fatal(err)
	}

	directory := directoryFunc(func(ctx context.Context, ids []string) ([]store.User, error) {
		var users []store.User
		for _, id := range ids {
			users = append(users, store.User{UserID: id, IdentityNumber: id, FullName: "Fetched"})
		}
		return users, nil
	})
	exec := NewRefreshUserExecutor(db, directory, logger)

	refreshes := q.byKind(job.KindRefreshUser)
	if len(refreshes) != 1 {
		t.Fatalf("got %d refresh jobs, want 1", len(refreshes))
	}
	if err := exec.Execute(context.Background(), refreshes[0]); err != nil {
		t.Fatal(err)
	}

	ps, err := db.Participants("g1")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range ps {
		if p.Status != store.ParticipantSuccess {
			t.Errorf("participant %q status = %d, want SUCCESS", p.UserID, p.Status)
		}
	}
	u, err := db.GetUser("peer-a")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.FullName != "Fetched" {
		t.Errorf("user = %+v, want fetched identity", u)
	}
}

type directoryFunc func(ctx context.Context, userIDs []string) ([]store.User, error)

func (f directoryFunc) LookupUsers(ctx context.Context, userIDs []string) ([]store.User, error) {
	return f(ctx, userIDs)
}

func seedConversationWithMedia(t *testing.T, db *store.DB, conversationID string) {
	t.Helper()
	if err := db.InsertConversation(&store.Conversation{
		ConversationID:     conversationID,
		OwnerID:            "peer",
		Category:           store.CategoryGroup,
		Name:               "Media Group",
		Status:             store.StatusSuccess,
		UnseenMessageCount: 4,
		LastMessageID:      "m2",
		CreatedAt:          store.UTCString(time.Now()),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`
		INSERT INTO participants (conversation_id, user_id, role, status, created_at)
		VALUES (?, 'peer', '', 1, '2024-01-01T00:00:00Z')`, conversationID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`
		INSERT INTO participant_sessions (conversation_id, user_id, session_id, created_at)
		VALUES (?, 'peer', 's1', '2024-01-01T00:00:00Z')`, conversationID); err != nil {
		t.Fatal(err)
	}
	for i, m := range []store.Message{
		{ID: "m1", ConversationID: conversationID, UserID: "peer", Category: "IMAGE", MediaURL: "img-1.jpg", MediaStatus: store.MediaDone, Status: store.MessageRead},
		{ID: "m2", ConversationID: conversationID, UserID: "peer", Category: "VIDEO", MediaURL: "vid-1.mp4", MediaStatus: store.MediaDone, Status: store.MessageRead},
		{ID: "m3", ConversationID: conversationID, UserID: "peer", Category: "PLAIN_TEXT", Content: "hi", Status: store.MessageRead},
	} {
		m.CreatedAt = store.UTCString(time.Now().Add(time.Duration(i) * time.Second))
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}
}
