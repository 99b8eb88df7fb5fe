package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditSpec describes the audit entry of an emission
type AuditSpec struct {
	Action       string
	ResourceType string
	ResourceID   string
	Description  string
	Metadata     map[string]interface{}
}

// NotificationSpec describes the notification of an emission
type NotificationSpec struct {
	Title   string
	Message string
	Type    NotificationType
	// Recipients overrides recipient resolution from tenant membership
	Recipients []string
}

// Emission is one batch of side effects caused by a committed transition
type Emission struct {
	TenantID     string
	EventType    string
	Data         map[string]interface{}
	Audit        AuditSpec
	Notification *NotificationSpec
}

// Result is the outcome of a single side-effect write: Ok or Failed(reason)
type Result struct {
	Kind   string
	Target string
	Err    error
}

// Ok builds a successful result
func Ok(kind, target string) Result {
	return Result{Kind: kind, Target: target}
}

// Failed builds a failed result
func Failed(kind, target string, err error) Result {
	return Result{Kind: kind, Target: target, Err: err}
}

// Ok reports whether the write succeeded
func (r Result) Ok() bool { return r.Err == nil }

// Reason returns the failure reason, empty on success
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Outcome collects the results of an emission
type Outcome struct {
	Audit         Result
	Recipients    *Result
	Notifications []Result
}

// Failures returns every failed result
func (o Outcome) Failures() []Result {
	var out []Result
	if !o.Audit.Ok() {
		out = append(out, o.Audit)
	}
	if o.Recipients != nil && !o.Recipients.Ok() {
		out = append(out, *o.Recipients)
	}
	for _, n := range o.Notifications {
		if !n.Ok() {
			out = append(out, n)
		}
	}
	return out
}

// DispatcherConfig holds optional settings of the Dispatcher
type DispatcherConfig struct {
	Logger  Logger
	Metrics Metrics
	// CircuitBreaker guards every write when set
	CircuitBreaker CircuitBreaker
	// RecipientRoles selects which tenant members receive notifications.
	// Defaults to owners only.
	RecipientRoles []Role
	Now            func() time.Time
}

// Dispatcher writes audit entries and notifications as best-effort side
// effects. Emit never returns an error and never panics.
type Dispatcher struct {
	audit         AuditStore
	notifications NotificationStore
	members       MemberStore
	cb            CircuitBreaker
	roles         map[Role]bool
	logger        Logger
	metrics       Metrics
	now           func() time.Time
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(audit AuditStore, notifications NotificationStore, members MemberStore, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		audit:         audit,
		notifications: notifications,
		members:       members,
		cb:            cfg.CircuitBreaker,
		roles:         make(map[Role]bool),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
	roles := cfg.RecipientRoles
	if len(roles) == 0 {
		roles = []Role{RoleOwner}
	}
	for _, r := range roles {
		d.roles[r] = true
	}
	if d.logger == nil {
		d.logger = &NoopLogger{}
	}
	if d.metrics == nil {
		d.metrics = &NoopMetrics{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Emit writes one audit entry and, when e.Notification is set, one
// notification per recipient. Each write is isolated from the others.
func (d *Dispatcher) Emit(ctx context.Context, e Emission) Outcome {
	var out Outcome
	now := d.now().UTC()

	entry := &AuditEntry{
		ID:           uuid.NewString(),
		TenantID:     e.TenantID,
		Action:       e.Audit.Action,
		ResourceType: e.Audit.ResourceType,
		ResourceID:   e.Audit.ResourceID,
		Description:  e.Audit.Description,
		Metadata:     mergeMetadata(e.Audit.Metadata, e.Data, e.EventType),
		CreatedAt:    now,
	}
	out.Audit = d.try(ctx, "audit", entry.ID, func(ctx context.Context) error {
		return d.audit.CreateAuditEntry(ctx, entry)
	})
	d.report(e, out.Audit)

	if e.Notification == nil {
		return out
	}

	recipients := e.Notification.Recipients
	if len(recipients) == 0 {
		res := d.try(ctx, "recipients", e.TenantID, func(ctx context.Context) error {
			var err error
			recipients, err = d.resolveRecipients(ctx, e.TenantID)
			return err
		})
		if !res.Ok() {
			out.Recipients = &res
			d.report(e, res)
			return out
		}
	}
	if len(recipients) == 0 {
		d.logger.Warn("no notification recipients",
			F("tenant_id", e.TenantID),
			F("event_type", e.EventType),
		)
		return out
	}

	for _, userID := range recipients {
		n := &Notification{
			ID:        uuid.NewString(),
			TenantID:  e.TenantID,
			UserID:    userID,
			Title:     e.Notification.Title,
			Message:   e.Notification.Message,
			Type:      e.Notification.Type,
			CreatedAt: now,
		}
		if n.Type == "" {
			n.Type = NotificationInfo
		}
		res := d.try(ctx, "notification", userID, func(ctx context.Context) error {
			return d.notifications.CreateNotification(ctx, n)
		})
		d.report(e, res)
		out.Notifications = append(out.Notifications, res)
	}
	return out
}

func (d *Dispatcher) resolveRecipients(ctx context.Context, tenantID string) ([]string, error) {
	members, err := d.members.ListMembers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range members {
		if d.roles[m.Role] {
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}

// try runs fn behind the circuit breaker, converting panics into failures.
func (d *Dispatcher) try(ctx context.Context, kind, target string, fn func(context.Context) error) Result {
	guarded := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn(ctx)
	}

	var err error
	if d.cb != nil {
		err = d.cb.Execute(ctx, guarded)
	} else {
		err = guarded()
	}
	if err != nil {
		return Failed(kind, target, err)
	}
	return Ok(kind, target)
}

func (d *Dispatcher) report(e Emission, res Result) {
	d.metrics.RecordSideEffect(res.Kind, res.Ok())
	if res.Ok() {
		return
	}
	d.logger.Error("side effect failed",
		F("kind", res.Kind),
		F("target", res.Target),
		F("tenant_id", e.TenantID),
		F("event_type", e.EventType),
		F("action", e.Audit.Action),
		F("data", e.Data),
		ErrField(res.Err),
	)
}

func mergeMetadata(meta, data map[string]interface{}, eventType string) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	for k, v := range meta {
		out[k] = v
	}
	if eventType != "" {
		out["event_type"] = eventType
	}
	return out
}
