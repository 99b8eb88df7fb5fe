// Package digest batches each user's unread notifications into a periodic
// summary email and advances the user's delivery watermark once the mail was
// accepted.
package digest

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

var (
	// ErrNoRecipient is returned when a preference has no email address
	ErrNoRecipient = errors.New("digest preference has no email address")

	// ErrInvalidPreferredTime is returned for a preferred time not in "15:04" format
	ErrInvalidPreferredTime = errors.New("invalid preferred time")

	// ErrUnknownTemplate is returned by a Renderer for an unregistered template id
	ErrUnknownTemplate = errors.New("unknown template")
)

// TemplateDigest is the template id rendered for a user digest
const TemplateDigest = "digest"

// Outcome of one user's digest attempt, also used as the metrics label
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeSkippedThreshold Outcome = "skipped_threshold"
	OutcomeSkippedWindow    Outcome = "skipped_window"
	OutcomeSkippedEmpty     Outcome = "skipped_empty"
	OutcomeSkippedInFlight  Outcome = "skipped_in_flight"
	OutcomeSkippedLocked    Outcome = "skipped_locked"
	OutcomeFailed           Outcome = "failed"
)

// Mailer delivers a rendered digest. A nil error means the message was
// accepted for delivery.
type Mailer interface {
	Send(ctx context.Context, to, subject, html, text string) error
}

// Rendered is the output of a Renderer
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer turns a template id and its variables into mail content
type Renderer interface {
	Render(templateID string, vars map[string]interface{}) (Rendered, error)
}

// Locker serialises digest delivery for one user across replicas.
// TryLock returns ok=false when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// Store is the persistence the scheduler needs
type Store interface {
	GetDigestPreference(ctx context.Context, userID string) (*billing.DigestPreference, error)
	ListEnabledDigestPreferences(ctx context.Context) ([]*billing.DigestPreference, error)
	FindNotificationsSince(ctx context.Context, userID string, since *time.Time, until time.Time) ([]*billing.Notification, error)
	UpdateDigestWatermark(ctx context.Context, userID string, sentAt time.Time) error
}

// Config configures the Scheduler
type Config struct {
	// Interval is the polling interval and the half-width of the preferred
	// time-of-day window.
	Interval time.Duration

	// Concurrency bounds how many users are digested at once.
	Concurrency int

	// MaxItemsPerGroup bounds the items listed per tenant and type group.
	MaxItemsPerGroup int

	// LockTTL is the lease taken on the Locker per user.
	LockTTL time.Duration

	// Locker is optional; without it only in-process overlap is prevented.
	Locker Locker

	Logger  billing.Logger
	Metrics billing.Metrics
	Now     func() time.Time
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Interval:         time.Hour,
		Concurrency:      8,
		MaxItemsPerGroup: 5,
		LockTTL:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxItemsPerGroup <= 0 {
		c.MaxItemsPerGroup = d.MaxItemsPerGroup
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.Logger == nil {
		c.Logger = &billing.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &billing.NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
