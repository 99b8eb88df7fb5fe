// Package gin provides Gin middleware for plan feature gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// PlanKey is the context key under which the effective plan of an admitted
// request is stored
const PlanKey = "billing.plan"

// TenantIDExtractor extracts the tenant ID from a Gin context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c *gongin.Context) string

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
	OnForbidden func(c *gongin.Context, plan string, feature billing.FeatureKey)

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the feature set cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets tenants whose effective
// plan includes cfg.Feature through
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Engine == nil {
		panic("billingsync/gin: Config.Engine is required")
	}
	if cfg.GetTenantID == nil {
		panic("billingsync/gin: Config.GetTenantID is required")
	}
	if cfg.Feature == "" {
		panic("billingsync/gin: Config.Feature is required")
	}

	return func(c *gongin.Context) {
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		plan, features, err := cfg.Engine.Features(c.Request.Context(), tenantID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		for _, f := range features {
			if f == cfg.Feature {
				c.Set(PlanKey, plan)
				c.Next()
				return
			}
		}

		if cfg.OnForbidden != nil {
			cfg.OnForbidden(c, plan, cfg.Feature)
		} else {
			c.JSON(http.StatusForbidden, gongin.H{
				"error":   "Feature not available on current plan",
				"feature": cfg.Feature,
				"plan":    plan,
			})
		}
		c.Abort()
	}
}

// Convenience extractors for Tenant ID

// FromContext returns a TenantIDExtractor that gets tenant ID from Gin context values
// set by an upstream auth middleware via c.Set(key, tenantID)
func FromContext(key string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets tenant ID from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
