package digest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

const lockPrefix = "digest:"

// RunReport summarises one scheduler pass
type RunReport struct {
	Users    int
	Outcomes map[Outcome]int
}

// Count returns the number of users with outcome o
func (r RunReport) Count(o Outcome) int { return r.Outcomes[o] }

// Scheduler delivers notification digests on a fixed interval.
//
// Each user is handled independently: compute the batch, send it, then
// advance the watermark. The watermark only moves after the mailer accepted
// the message, so a failed delivery is retried on the next eligible run.
type Scheduler struct {
	store    Store
	mailer   Mailer
	renderer Renderer
	cfg      Config

	mu       sync.Mutex
	inFlight map[string]struct{}

	runMu    sync.Mutex
	stopped  bool
	runs     sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewScheduler creates a Scheduler
func NewScheduler(store Store, mailer Mailer, renderer Renderer, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		mailer:   mailer,
		renderer: renderer,
		cfg:      cfg.withDefaults(),
		inFlight: make(map[string]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start runs a pass on every interval tick until ctx is done or Stop is
// called. A tick does not wait for the previous pass; users still in flight
// are skipped by the newer pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.cfg.Logger.Info("starting digest scheduler",
		billing.F("interval", s.cfg.Interval.String()),
		billing.F("concurrency", s.cfg.Concurrency),
	)
	billing.SafeGo(s.cfg.Logger, "digest-scheduler", func() { s.loop(ctx) })
}

// Stop stops the ticker and waits for passes already started
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	s.stopped = true
	s.runMu.Unlock()
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.runs.Wait()
}

func (s *Scheduler) launch(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopped {
		return
	}
	s.runs.Add(1)
	billing.SafeGo(s.cfg.Logger, "digest-run", func() {
		defer s.runs.Done()
		if _, err := s.RunOnce(ctx, s.cfg.Now()); err != nil {
			s.cfg.Logger.Error("digest run failed", billing.ErrField(err))
		}
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("digest scheduler stopped due to context cancellation")
			return
		case <-s.stopChan:
			s.cfg.Logger.Info("digest scheduler stopped")
			return
		case <-ticker.C:
			s.launch(ctx)
		}
	}
}

// RunOnce performs one pass over every enabled preference as of now. Per-user
// failures are logged and counted, never returned; the error is reserved for
// failing to list preferences or ctx cancellation.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (RunReport, error) {
	start := time.Now()
	defer func() { s.cfg.Metrics.RecordDigestRunDuration(time.Since(start)) }()

	report := RunReport{Outcomes: make(map[Outcome]int)}

	prefs, err := s.store.ListEnabledDigestPreferences(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list digest preferences: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	record := func(o Outcome) {
		mu.Lock()
		report.Outcomes[o]++
		mu.Unlock()
		s.cfg.Metrics.RecordDigest(string(o))
	}

	var cancelled error
	for _, pref := range prefs {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		if pref == nil || !pref.Enabled {
			continue
		}
		report.Users++

		if !s.acquire(pref.UserID) {
			record(OutcomeSkippedInFlight)
			continue
		}
		pref := pref
		g.Go(func() error {
			defer s.release(pref.UserID)
			record(s.deliverSafely(ctx, pref, now))
			return nil
		})
	}
	_ = g.Wait()

	s.cfg.Logger.Info("digest run completed",
		billing.F("users", report.Users),
		billing.F("sent", report.Count(OutcomeSent)),
		billing.F("failed", report.Count(OutcomeFailed)),
	)
	return report, cancelled
}

func (s *Scheduler) acquire(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[userID]; busy {
		return false
	}
	s.inFlight[userID] = struct{}{}
	return true
}

func (s *Scheduler) release(userID string) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

func (s *Scheduler) deliverSafely(ctx context.Context, pref *billing.DigestPreference, now time.Time) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Error("digest delivery panicked",
				billing.F("user_id", pref.UserID),
				billing.F("panic", fmt.Sprintf("%v", r)),
			)
			outcome = OutcomeFailed
		}
	}()

	outcome, err := s.Deliver(ctx, pref, now)
	if err != nil {
		s.cfg.Logger.Error("digest delivery failed",
			billing.F("user_id", pref.UserID),
			billing.F("watermark", pref.LastSentAt),
			billing.ErrField(err),
		)
	}
	return outcome
}

// Deliver runs the eligibility checks and, when due, sends one user's digest
// and advances the watermark to now.
func (s *Scheduler) Deliver(ctx context.Context, pref *billing.DigestPreference, now time.Time) (Outcome, error) {
	if !Due(pref, now, s.cfg.Interval) {
		return OutcomeSkippedThreshold, nil
	}
	inWindow, err := InWindow(pref, now, s.cfg.Interval)
	if err != nil {
		return OutcomeFailed, err
	}
	if !inWindow {
		return OutcomeSkippedWindow, nil
	}

	if s.cfg.Locker != nil {
		unlock, ok, err := s.cfg.Locker.TryLock(ctx, lockPrefix+pref.UserID, s.cfg.LockTTL)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("failed to acquire digest lock: %w", err)
		}
		if !ok {
			return OutcomeSkippedLocked, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.cfg.Logger.Warn("failed to release digest lock", billing.F("user_id", pref.UserID), billing.ErrField(err))
			}
		}()
	}

	// Another pass may have delivered since the preference was listed.
	fresh, err := s.store.GetDigestPreference(ctx, pref.UserID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to reload digest preference: %w", err)
	}
	pref = fresh
	if !Due(pref, now, s.cfg.Interval) {
		return OutcomeSkippedThreshold, nil
	}

	notes, err := s.store.FindNotificationsSince(ctx, pref.UserID, pref.LastSentAt, now)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to load notifications: %w", err)
	}
	if len(notes) == 0 {
		return OutcomeSkippedEmpty, nil
	}
	if pref.Email == "" {
		return OutcomeFailed, ErrNoRecipient
	}

	d := Compose(pref, notes, now, s.cfg.MaxItemsPerGroup)
	rendered, err := s.renderer.Render(TemplateDigest, map[string]interface{}{"digest": d})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to render digest: %w", err)
	}

	if err := s.mailer.Send(ctx, pref.Email, rendered.Subject, rendered.HTML, rendered.Text); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to send digest: %w", err)
	}

	// Only a delivered digest moves the watermark.
	if err := s.store.UpdateDigestWatermark(ctx, pref.UserID, now); err != nil {
		return OutcomeFailed, fmt.Errorf("digest sent but watermark not advanced: %w", err)
	}

	s.cfg.Logger.Debug("digest sent",
		billing.F("user_id", pref.UserID),
		billing.F("notifications", d.Total),
		billing.F("tenants", len(d.Tenants)),
	)
	return OutcomeSent, nil
}
