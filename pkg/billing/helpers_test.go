package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/storage/memory"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testCatalogConfig() billing.CatalogConfig {
	return billing.CatalogConfig{
		DefaultPlan: "free",
		Plans: []billing.PlanConfig{
			{ID: "free", Rank: 0, Effect: "subscription", Features: []string{"dashboard", "incidents"}},
			{ID: "hobby", Rank: 1, PriceIDs: []string{"price_hobby"}, Features: []string{"dashboard", "incidents", "exports"}},
			{ID: "pro", Rank: 2, PriceIDs: []string{"price_pro"}, ProductIDs: []string{"prod_pro"},
				Features: []string{"dashboard", "incidents", "exports", "api", "sso"}},
			{ID: "pro_annual", Rank: 2, PriceIDs: []string{"price_pro_annual"},
				Features: []string{"dashboard", "incidents", "exports", "api", "sso"}},
			{ID: "credits_100", Rank: 0, Effect: "credits:100", PriceIDs: []string{"price_credits_100"}},
		},
	}
}

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	c, err := billing.NewCatalog(testCatalogConfig())
	require.NoError(t, err)
	return c
}

// faultyStore wraps the memory store and fails selected side-effect writes.
type faultyStore struct {
	*memory.Storage

	mu                sync.Mutex
	historyErr        error
	auditErr          error
	notificationErr   error
	notificationPanic bool
	membersErr        error
	// updateErrAt fails the n-th UpdateSubscription call, counting from 1.
	updateErrAt int
	updateErr   error
	updates     int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Storage: memory.New()}
}

func (f *faultyStore) CreateHistoryEntry(ctx context.Context, e *billing.ConversionEntry) error {
	f.mu.Lock()
	err := f.historyErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Storage.CreateHistoryEntry(ctx, e)
}

func (f *faultyStore) CreateAuditEntry(ctx context.Context, e *billing.AuditEntry) error {
	f.mu.Lock()
	err := f.auditErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Storage.CreateAuditEntry(ctx, e)
}

func (f *faultyStore) CreateNotification(ctx context.Context, n *billing.Notification) error {
	f.mu.Lock()
	err, panics := f.notificationErr, f.notificationPanic
	f.mu.Unlock()
	if panics {
		panic("notification store exploded")
	}
	if err != nil {
		return err
	}
	return f.Storage.CreateNotification(ctx, n)
}

func (f *faultyStore) ListMembers(ctx context.Context, tenantID string) ([]*billing.Member, error) {
	f.mu.Lock()
	err := f.membersErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Storage.ListMembers(ctx, tenantID)
}

func (f *faultyStore) UpdateSubscription(ctx context.Context, ref string, mutate billing.MutateFunc) (*billing.Subscription, *billing.Subscription, error) {
	f.mu.Lock()
	f.updates++
	fail := f.updateErrAt > 0 && f.updates == f.updateErrAt
	err := f.updateErr
	f.mu.Unlock()
	if fail {
		return nil, nil, err
	}
	return f.Storage.UpdateSubscription(ctx, ref, mutate)
}

// recordingLogger keeps the messages logged at error level.
type recordingLogger struct {
	billing.NoopLogger

	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Error(msg string, fields ...billing.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// seedTenant links tenantID to ref on the given plan and status and adds an owner.
func seedTenant(t *testing.T, store billing.Storage, tenantID, ref, plan string, status billing.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateSubscription(ctx, &billing.Subscription{
		TenantID:    tenantID,
		ExternalRef: ref,
		PlanID:      plan,
		Status:      status,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}))
	require.NoError(t, store.AddMember(ctx, &billing.Member{TenantID: tenantID, UserID: tenantID + "-owner", Role: billing.RoleOwner}))
	require.NoError(t, store.AddMember(ctx, &billing.Member{TenantID: tenantID, UserID: tenantID + "-member", Role: billing.RoleMember}))
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func ptr[T any](v T) *T { return &v }

func meta(id, kind, customer string, at time.Time) billing.EventMeta {
	return billing.EventMeta{ID: id, Kind: kind, CreatedAt: at, CustomerRef: customer}
}
