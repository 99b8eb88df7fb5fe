package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/storage/memory"
)

// 09:00 UTC, inside the window of every "09:00" preference below
var runAt = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type sentMail struct {
	to, subject, html, text string
}

type fakeMailer struct {
	mu    sync.Mutex
	fail  error
	block chan struct{}
	sent  []sentMail
	calls int32
}

func (m *fakeMailer) Send(_ context.Context, to, subject, html, text string) error {
	atomic.AddInt32(&m.calls, 1)
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentMail{to, subject, html, text})
	return nil
}

func (m *fakeMailer) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *fakeMailer) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.to)
	}
	return out
}

func addPreference(t *testing.T, store *memory.Storage, userID string, lastSent *time.Time) {
	t.Helper()
	require.NoError(t, store.SetDigestPreference(context.Background(), &billing.DigestPreference{
		UserID:        userID,
		Email:         userID + "@example.com",
		Enabled:       true,
		Frequency:     billing.FrequencyDaily,
		PreferredTime: "09:00",
	}))
	if lastSent != nil {
		require.NoError(t, store.UpdateDigestWatermark(context.Background(), userID, *lastSent))
	}
}

func addNotification(t *testing.T, store *memory.Storage, userID, id string, at time.Time) {
	t.Helper()
	require.NoError(t, store.CreateNotification(context.Background(), &billing.Notification{
		ID: id, TenantID: "t1", UserID: userID, Title: "Notice " + id,
		Type: billing.NotificationInfo, CreatedAt: at,
	}))
}

func watermark(t *testing.T, store *memory.Storage, userID string) *time.Time {
	t.Helper()
	pref, err := store.GetDigestPreference(context.Background(), userID)
	require.NoError(t, err)
	return pref.LastSentAt
}

func newScheduler(store Store, mailer Mailer, cfg Config) *Scheduler {
	return NewScheduler(store, mailer, NewTemplateRenderer("Test"), cfg)
}

func TestScheduler_SendsAndAdvancesWatermark(t *testing.T) {
	store := memory.New()
	addPreference(t, store, "u1", nil)
	addNotification(t, store, "u1", "n1", runAt.Add(-time.Hour))
	mailer := &fakeMailer{}

	report, err := newScheduler(store, mailer, Config{}).RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeSent))

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "u1@example.com", mailer.sent[0].to)
	assert.Equal(t, "[Test] 1 unread notification", mailer.sent[0].subject)
	assert.Contains(t, mailer.sent[0].text, "Notice n1")

	wm := watermark(t, store, "u1")
	require.NotNil(t, wm)
	assert.True(t, wm.Equal(runAt))
}

func TestScheduler_NoLossOnDeliveryFailure(t *testing.T) {
	store := memory.New()
	lastSent := runAt.Add(-48 * time.Hour)
	addPreference(t, store, "u1", &lastSent)
	addNotification(t, store, "u1", "n1", runAt.Add(-time.Hour))
	mailer := &fakeMailer{fail: errors.New("smtp: 451 try again")}
	s := newScheduler(store, mailer, Config{})

	report, err := s.RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeFailed))
	assert.True(t, watermark(t, store, "u1").Equal(lastSent), "watermark untouched")

	// The next eligible run includes the same notification
	mailer.setFail(nil)
	next := runAt.Add(30 * time.Minute)
	report, err = s.RunOnce(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeSent))
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].text, "Notice n1")
	assert.True(t, watermark(t, store, "u1").Equal(next))
}

func TestScheduler_NoAdvanceOnEmpty(t *testing.T) {
	store := memory.New()
	lastSent := runAt.Add(-48 * time.Hour)
	addPreference(t, store, "u1", &lastSent)
	addNotification(t, store, "u1", "old", lastSent.Add(-time.Minute))
	mailer := &fakeMailer{}
	s := newScheduler(store, mailer, Config{})

	report, err := s.RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeSkippedEmpty))
	assert.Zero(t, atomic.LoadInt32(&mailer.calls))
	assert.True(t, watermark(t, store, "u1").Equal(lastSent))

	// A notification created a second later is still picked up
	addNotification(t, store, "u1", "fresh", runAt.Add(time.Second))
	report, err = s.RunOnce(context.Background(), runAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeSent))
	assert.Contains(t, mailer.sent[0].text, "Notice fresh")
	assert.NotContains(t, mailer.sent[0].text, "Notice old")
}

func TestScheduler_SkipsThresholdAndWindow(t *testing.T) {
	store := memory.New()
	recent := runAt.Add(-2 * time.Hour)
	addPreference(t, store, "recent", &recent)
	addNotification(t, store, "recent", "n1", runAt.Add(-time.Minute))

	require.NoError(t, store.SetDigestPreference(context.Background(), &billing.DigestPreference{
		UserID: "evening", Email: "e@example.com", Enabled: true,
		Frequency: billing.FrequencyDaily, PreferredTime: "18:00",
	}))
	addNotification(t, store, "evening", "n2", runAt.Add(-time.Minute))

	require.NoError(t, store.SetDigestPreference(context.Background(), &billing.DigestPreference{
		UserID: "off", Email: "o@example.com", Enabled: false, PreferredTime: "09:00",
	}))
	addNotification(t, store, "off", "n3", runAt.Add(-time.Minute))

	mailer := &fakeMailer{}
	report, err := newScheduler(store, mailer, Config{}).RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Users)
	assert.Equal(t, 1, report.Count(OutcomeSkippedThreshold))
	assert.Equal(t, 1, report.Count(OutcomeSkippedWindow))
	assert.Empty(t, mailer.sent)
}

// failingMailer fails for one recipient only
type failingMailer struct {
	fakeMailer
	failFor string
}

func (m *failingMailer) Send(ctx context.Context, to, subject, html, text string) error {
	if to == m.failFor {
		return errors.New("mailbox unavailable")
	}
	return m.fakeMailer.Send(ctx, to, subject, html, text)
}

func TestScheduler_OneFailureDoesNotAbortPass(t *testing.T) {
	store := memory.New()
	for i := 0; i < 6; i++ {
		user := fmt.Sprintf("u%d", i)
		addPreference(t, store, user, nil)
		addNotification(t, store, user, "n-"+user, runAt.Add(-time.Hour))
	}
	mailer := &failingMailer{failFor: "u3@example.com"}

	report, err := newScheduler(store, mailer, Config{Concurrency: 2}).RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Count(OutcomeSent))
	assert.Equal(t, 1, report.Count(OutcomeFailed))
	assert.Len(t, mailer.sentTo(), 5)
	assert.Nil(t, watermark(t, store, "u3"))
}

func TestScheduler_OverlappingRunSkipsInFlightUsers(t *testing.T) {
	store := memory.New()
	addPreference(t, store, "u1", nil)
	addNotification(t, store, "u1", "n1", runAt.Add(-time.Hour))
	mailer := &fakeMailer{block: make(chan struct{})}
	s := newScheduler(store, mailer, Config{})

	done := make(chan RunReport)
	go func() {
		report, _ := s.RunOnce(context.Background(), runAt)
		done <- report
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&mailer.calls) == 1 }, time.Second, time.Millisecond)

	report, err := s.RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeSkippedInFlight))

	close(mailer.block)
	first := <-done
	assert.Equal(t, 1, first.Count(OutcomeSent))
	assert.Len(t, mailer.sent, 1)
}

type stubLocker struct {
	held     map[string]bool
	released []string
	mu       sync.Mutex
}

func (l *stubLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.mu.Lock()
		l.released = append(l.released, key)
		l.mu.Unlock()
		return nil
	}, true, nil
}

func TestScheduler_Locker(t *testing.T) {
	store := memory.New()
	addPreference(t, store, "u1", nil)
	addPreference(t, store, "u2", nil)
	addNotification(t, store, "u1", "n1", runAt.Add(-time.Hour))
	addNotification(t, store, "u2", "n2", runAt.Add(-time.Hour))
	locker := &stubLocker{held: map[string]bool{"digest:u2": true}}
	mailer := &fakeMailer{}

	report, err := newScheduler(store, mailer, Config{Locker: locker}).RunOnce(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeSent))
	assert.Equal(t, 1, report.Count(OutcomeSkippedLocked))
	assert.Equal(t, []string{"u1@example.com"}, mailer.sentTo())
	assert.Equal(t, []string{"digest:u1"}, locker.released)
}

func TestScheduler_MissingEmail(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SetDigestPreference(context.Background(), &billing.DigestPreference{
		UserID: "u1", Enabled: true, Frequency: billing.FrequencyDaily, PreferredTime: "09:00",
	}))
	addNotification(t, store, "u1", "n1", runAt.Add(-time.Hour))

	outcome, err := newScheduler(store, &fakeMailer{}, Config{}).Deliver(context.Background(),
		&billing.DigestPreference{UserID: "u1", Frequency: billing.FrequencyDaily, PreferredTime: "09:00"}, runAt)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestScheduler_CancelledContext(t *testing.T) {
	store := memory.New()
	addPreference(t, store, "u1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newScheduler(store, &fakeMailer{}, Config{}).RunOnce(ctx, runAt)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_StartStop(t *testing.T) {
	store := memory.New()
	addPreference(t, store, "u1", nil)
	addNotification(t, store, "u1", "n1", runAt.Add(-time.Hour))
	mailer := &fakeMailer{}

	s := newScheduler(store, mailer, Config{Interval: 10 * time.Millisecond, Now: func() time.Time { return runAt }})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(mailer.sentTo()) == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	// The watermark blocks repeat deliveries within the day
	assert.Len(t, mailer.sentTo(), 1)
}
