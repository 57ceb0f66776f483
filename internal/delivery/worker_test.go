package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
)

type queueCall struct {
	op           string
	retryCount   int
	scheduledFor time.Time
	lastError    string
}

type fakeQueue struct {
	entries []*db.QueueEntry
	calls   []queueCall
}

func (f *fakeQueue) ClaimBatch(ctx context.Context, limit int) ([]*db.QueueEntry, error) {
	out := f.entries
	f.entries = nil
	return out, nil
}

func (f *fakeQueue) MarkSent(ctx context.Context, id int64) error {
	f.calls = append(f.calls, queueCall{op: "sent"})
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error {
	f.calls = append(f.calls, queueCall{op: "failed", retryCount: retryCount, lastError: lastError})
	return nil
}

func (f *fakeQueue) Requeue(ctx context.Context, id int64, retryCount int, lastError string, scheduledFor time.Time) error {
	f.calls = append(f.calls, queueCall{op: "requeue", retryCount: retryCount, lastError: lastError, scheduledFor: scheduledFor})
	return nil
}

func (f *fakeQueue) Defer(ctx context.Context, id int64, until time.Time) error {
	f.calls = append(f.calls, queueCall{op: "defer", scheduledFor: until})
	return nil
}

func (f *fakeQueue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeQueue) Depth(ctx context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeQueue) last(t *testing.T) queueCall {
	t.Helper()
	if len(f.calls) == 0 {
		t.Fatal("no queue calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

type fakeNotifStore struct {
	notifs    map[uuid.UUID]*db.Notification
	sentToday int
	sent      []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeNotifStore) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := f.notifs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return n, nil
}

func (f *fakeNotifStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeNotifStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeNotifStore) CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	return f.sentToday, nil
}

type fakePrefStore struct {
	prefs *db.Preferences
}

func (f *fakePrefStore) Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	if f.prefs != nil {
		return f.prefs, nil
	}
	return db.DefaultPreferences(userID), nil
}

type fakeSender struct {
	err   error
	sends []*Outbound
}

func (f *fakeSender) Send(ctx context.Context, out *Outbound) error {
	f.sends = append(f.sends, out)
	return f.err
}

func (f *fakeSender) SupportsChannel(channel string) bool { return true }

type fakePublisher struct {
	published []*db.Notification
}

func (f *fakePublisher) Publish(userID uuid.UUID, n *db.Notification) {
	f.published = append(f.published, n)
}

type workerFixture struct {
	worker    *Worker
	queue     *fakeQueue
	notifs    *fakeNotifStore
	prefs     *fakePrefStore
	sender    *fakeSender
	publisher *fakePublisher
}

func newWorkerFixture(entry *db.QueueEntry, notif *db.Notification, prefs *db.Preferences) *workerFixture {
	f := &workerFixture{
		queue:     &fakeQueue{entries: []*db.QueueEntry{entry}},
		notifs:    &fakeNotifStore{notifs: map[uuid.UUID]*db.Notification{notif.ID: notif}},
		prefs:     &fakePrefStore{prefs: prefs},
		sender:    &fakeSender{},
		publisher: &fakePublisher{},
	}
	f.worker = New(f.queue, f.notifs, f.prefs, f.sender, f.publisher,
		Config{Workers: 1}, zap.NewNop())
	return f
}

func testNotification() *db.Notification {
	return &db.Notification{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Type:    db.TypeNewMatch,
		Status:  db.NotificationQueued,
		Title:   "New match: Volkswagen Golf",
		Message: "Volkswagen Golf for 18000 EUR matches your alert (95% match)",
	}
}

func testEntry(notifID uuid.UUID, priority int) *db.QueueEntry {
	return &db.QueueEntry{
		ID:             1,
		NotificationID: notifID,
		Priority:       priority,
		Status:         db.EntryProcessing,
		ScheduledFor:   time.Now().Add(-time.Minute),
		CreatedAt:      time.Now().Add(-time.Minute),
	}
}

func emailPrefs(userID uuid.UUID) *db.Preferences {
	p := db.DefaultPreferences(userID)
	p.EmailAddress = "user@example.com"
	return p
}

func TestDrainDeliversEntry(t *testing.T) {
	notif := testNotification()
	f := newWorkerFixture(testEntry(notif.ID, db.PriorityMedium), notif, emailPrefs(notif.UserID))

	f.worker.Drain(context.Background())

	if len(f.sender.sends) != 1 {
		t.Fatalf("sender called %d times, want 1", len(f.sender.sends))
	}
	if f.sender.sends[0].Channel != ChannelEmail {
		t.Errorf("channel = %s, want email", f.sender.sends[0].Channel)
	}
	if f.queue.last(t).op != "sent" {
		t.Errorf("final queue call = %s, want sent", f.queue.last(t).op)
	}
	if len(f.notifs.sent) != 1 {
		t.Error("notification not marked sent")
	}
	if len(f.publisher.published) != 1 {
		t.Error("delivered notification not published to realtime clients")
	}
	if f.publisher.published[0].Status != db.NotificationSent {
		t.Error("published notification should carry sent status")
	}
}

func TestQuietHoursDeferNonUrgent(t *testing.T) {
	notif := testNotification()
	prefs := emailPrefs(notif.UserID)
	// A window that ends where it starts spans the whole day.
	start, end := "00:00", "00:00"
	prefs.QuietHoursStart = &start
	prefs.QuietHoursEnd = &end

	f := newWorkerFixture(testEntry(notif.ID, db.PriorityMedium), notif, prefs)
	f.worker.Drain(context.Background())

	if len(f.sender.sends) != 0 {
		t.Fatal("sent during quiet hours")
	}
	call := f.queue.last(t)
	if call.op != "defer" {
		t.Fatalf("queue call = %s, want defer", call.op)
	}
	if !call.scheduledFor.After(time.Now()) {
		t.Error("deferred into the past")
	}
}

func TestQuietHoursSpareHighPriority(t *testing.T) {
	notif := testNotification()
	prefs := emailPrefs(notif.UserID)
	start, end := "00:00", "00:00"
	prefs.QuietHoursStart = &start
	prefs.QuietHoursEnd = &end

	f := newWorkerFixture(testEntry(notif.ID, db.PriorityHigh), notif, prefs)
	f.worker.Drain(context.Background())

	if len(f.sender.sends) != 1 {
		t.Fatal("high priority entry should ignore quiet hours")
	}
	if f.queue.last(t).op != "sent" {
		t.Errorf("queue call = %s, want sent", f.queue.last(t).op)
	}
}

func TestDailyLimitDefersToNextDay(t *testing.T) {
	notif := testNotification()
	prefs := emailPrefs(notif.UserID)
	prefs.MaxPerDay = 20

	f := newWorkerFixture(testEntry(notif.ID, db.PriorityMedium), notif, prefs)
	f.notifs.sentToday = 20

	f.worker.Drain(context.Background())

	if len(f.sender.sends) != 0 {
		t.Fatal("sent past the daily limit")
	}
	call := f.queue.last(t)
	if call.op != "defer" {
		t.Fatalf("queue call = %s, want defer", call.op)
	}
	if !call.scheduledFor.After(time.Now()) {
		t.Error("deferred into the past")
	}
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	notif := testNotification()
	f := newWorkerFixture(testEntry(notif.ID, db.PriorityMedium), notif, emailPrefs(notif.UserID))
	f.sender.err = errors.New("ses throttled")

	f.worker.Drain(context.Background())

	call := f.queue.last(t)
	if call.op != "requeue" {
		t.Fatalf("queue call = %s, want requeue", call.op)
	}
	if call.retryCount != 1 {
		t.Errorf("retry_count = %d, want 1", call.retryCount)
	}
	delay := time.Until(call.scheduledFor)
	if delay < 25*time.Second || delay > 35*time.Second {
		t.Errorf("first retry delay = %v, want ~30s", delay)
	}
	if len(f.notifs.failed) != 0 {
		t.Error("notification marked failed on a transient error")
	}
}

func TestRetriesExhaustToFailed(t *testing.T) {
	notif := testNotification()
	entry := testEntry(notif.ID, db.PriorityMedium)
	entry.RetryCount = 4

	f := newWorkerFixture(entry, notif, emailPrefs(notif.UserID))
	f.sender.err = errors.New("ses throttled")

	f.worker.Drain(context.Background())

	call := f.queue.last(t)
	if call.op != "failed" {
		t.Fatalf("queue call = %s, want failed", call.op)
	}
	if call.retryCount != 5 {
		t.Errorf("persisted retry_count = %d, want 5 (the final attempt counts)", call.retryCount)
	}
	if len(f.notifs.failed) != 1 {
		t.Error("notification not marked failed after exhausting retries")
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	notif := testNotification()
	f := newWorkerFixture(testEntry(notif.ID, db.PriorityMedium), notif, emailPrefs(notif.UserID))
	f.sender.err = fmt.Errorf("address rejected: %w", ErrPermanent)

	f.worker.Drain(context.Background())

	call := f.queue.last(t)
	if call.op != "failed" {
		t.Fatalf("queue call = %s, want failed (no retries)", call.op)
	}
	if call.retryCount != 1 {
		t.Errorf("persisted retry_count = %d, want 1 (the rejected attempt counts)", call.retryCount)
	}
	if len(f.notifs.failed) != 1 {
		t.Error("notification not marked failed")
	}
}

func TestDisabledUserKeepsInAppRecord(t *testing.T) {
	notif := testNotification()
	prefs := emailPrefs(notif.UserID)
	prefs.Enabled = false

	f := newWorkerFixture(testEntry(notif.ID, db.PriorityMedium), notif, prefs)
	f.worker.Drain(context.Background())

	if len(f.sender.sends) != 0 {
		t.Error("sender called for a user with notifications disabled")
	}
	if f.queue.last(t).op != "sent" {
		t.Errorf("queue call = %s, want sent", f.queue.last(t).op)
	}
}

func TestMissingNotificationFailsEntry(t *testing.T) {
	notif := testNotification()
	entry := testEntry(uuid.New(), db.PriorityMedium) // no such notification

	f := newWorkerFixture(entry, notif, emailPrefs(notif.UserID))
	f.worker.Drain(context.Background())

	if f.queue.last(t).op != "failed" {
		t.Errorf("queue call = %s, want failed", f.queue.last(t).op)
	}
}

func TestPushChannelDispatch(t *testing.T) {
	notif := testNotification()
	prefs := emailPrefs(notif.UserID)
	prefs.PushEnabled = true
	prefs.PushTarget = "arn:aws:sns:eu-south-1:123456789012:endpoint/GCM/app/abc"

	f := newWorkerFixture(testEntry(notif.ID, db.PriorityMedium), notif, prefs)
	f.worker.Drain(context.Background())

	if len(f.sender.sends) != 2 {
		t.Fatalf("sender called %d times, want 2 (email + push)", len(f.sender.sends))
	}
	channels := map[string]bool{}
	for _, out := range f.sender.sends {
		channels[out.Channel] = true
	}
	if !channels[ChannelEmail] || !channels[ChannelPush] {
		t.Errorf("channels = %v, want email and push", channels)
	}
}
