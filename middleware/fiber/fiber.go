// Package fiber provides Fiber middleware for plan feature gating
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// PlanKey is the Locals key under which the effective plan of an admitted
// request is stored
const PlanKey = "billing.plan"

// TenantIDExtractor extracts the tenant ID from a Fiber context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Engine resolves the tenant's current feature set (required)
	Engine *billing.EntitlementEngine

	// GetTenantID extracts tenant ID from context (required)
	GetTenantID TenantIDExtractor

	// Feature is the feature the route requires (required)
	Feature billing.FeatureKey

	// OnForbidden is called when the tenant's plan lacks Feature
	// If nil, returns 403 JSON with the plan and feature
	OnForbidden func(c *fiber.Ctx, plan string, feature billing.FeatureKey) error

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the feature set cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets tenants whose
// effective plan includes cfg.Feature through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Engine == nil {
		panic("billingsync/fiber: Config.Engine is required")
	}
	if cfg.GetTenantID == nil {
		panic("billingsync/fiber: Config.GetTenantID is required")
	}
	if cfg.Feature == "" {
		panic("billingsync/fiber: Config.Feature is required")
	}

	return func(c *fiber.Ctx) error {
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		plan, features, err := cfg.Engine.Features(c.UserContext(), tenantID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		for _, f := range features {
			if f == cfg.Feature {
				c.Locals(PlanKey, plan)
				return c.Next()
			}
		}

		if cfg.OnForbidden != nil {
			return cfg.OnForbidden(c, plan, cfg.Feature)
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "Feature not available on current plan",
			"feature": string(cfg.Feature),
			"plan":    plan,
		})
	}
}

// Convenience extractors for Tenant ID

// FromContext returns a TenantIDExtractor that gets tenant ID from Fiber
// locals set by an upstream auth middleware via c.Locals(key, tenantID)
func FromContext(key string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets tenant ID from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
