package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/storage/memory"
)

// errorStorage fails every tenant lookup
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) FindByTenant(_ context.Context, _ string) (*billing.Subscription, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create an engine with a free and a pro plan
func setupTestEngine(t *testing.T, subs billing.SubscriptionStore) (*billing.EntitlementEngine, *memory.Storage) {
	t.Helper()

	store := memory.New()
	if subs == nil {
		subs = store
	}
	catalog, err := billing.NewCatalog(billing.CatalogConfig{
		DefaultPlan: "free",
		Plans: []billing.PlanConfig{
			{ID: "free", Features: []string{"dashboard"}},
			{ID: "pro", Rank: 1, PriceIDs: []string{"price_pro"}, Features: []string{"dashboard", "api"}},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	return billing.NewEntitlementEngine(subs, store, catalog, catalog.DefaultPlan(), billing.EntitlementConfig{}), store
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/tenants/:tenantID/api", Middleware(cfg), func(c *fiber.Ctx) error {
		plan, _ := c.Locals(PlanKey).(string)
		return c.SendString(plan)
	})
	return app
}

func do(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, http.NoBody))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestMiddleware_Allowed(t *testing.T) {
	engine, store := setupTestEngine(t, nil)
	err := store.CreateSubscription(context.Background(), &billing.Subscription{
		TenantID: "tenant1", ExternalRef: "cus_1", PlanID: "pro", Status: billing.StatusActive,
	})
	if err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}

	code, body := do(t, newApp(Config{Engine: engine, GetTenantID: FromParam("tenantID"), Feature: "api"}), "/tenants/tenant1/api")

	if code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if body != "pro" {
		t.Errorf("Expected 'pro', got %s", body)
	}
}

func TestMiddleware_Forbidden(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)

	code, body := do(t, newApp(Config{Engine: engine, GetTenantID: FromParam("tenantID"), Feature: "api"}), "/tenants/tenant1/api")

	if code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", code)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if out["feature"] != "api" || out["plan"] != "free" {
		t.Errorf("unexpected body: %v", out)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)

	code, _ := do(t, newApp(Config{Engine: engine, GetTenantID: FromHeader("X-Tenant-ID"), Feature: "api"}), "/tenants/tenant1/api")

	if code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	engine, _ := setupTestEngine(t, &errorStorage{Storage: memory.New()})

	code, body := do(t, newApp(Config{Engine: engine, GetTenantID: FromParam("tenantID"), Feature: "api"}), "/tenants/tenant1/api")

	if code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", code)
	}
	if body == "" {
		t.Error("Expected an error body")
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("TenantID", "tenant1")
		return c.Next()
	})
	app.Get("/dashboard", Middleware(Config{
		Engine:      engine,
		GetTenantID: FromContext("TenantID"),
		Feature:     "dashboard",
	}), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	code, _ := do(t, app, "/dashboard")
	if code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
}
