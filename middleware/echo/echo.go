// Package echo provides Echo middleware for plan feature gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// PlanKey is the context key under which the effective plan of an admitted
// request is stored
const PlanKey = "billing.plan"

// TenantIDExtractor extracts the tenant ID from an Echo context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c echo.Context) string

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
	OnForbidden func(c echo.Context, plan string, feature billing.FeatureKey) error

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the feature set cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets tenants whose
// effective plan includes cfg.Feature through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Engine == nil {
		panic("billingsync/echo: Config.Engine is required")
	}
	if cfg.GetTenantID == nil {
		panic("billingsync/echo: Config.GetTenantID is required")
	}
	if cfg.Feature == "" {
		panic("billingsync/echo: Config.Feature is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := cfg.GetTenantID(c)
			if tenantID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			plan, features, err := cfg.Engine.Features(c.Request().Context(), tenantID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			for _, f := range features {
				if f == cfg.Feature {
					c.Set(PlanKey, plan)
					return next(c)
				}
			}

			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c, plan, cfg.Feature)
			}
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Feature not available on current plan",
				"feature": string(cfg.Feature),
				"plan":    plan,
			})
		}
	}
}

// Convenience extractors for Tenant ID

// FromContext returns a TenantIDExtractor that gets tenant ID from Echo
// context values set via c.Set(key, tenantID)
func FromContext(key string) TenantIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets tenant ID from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
