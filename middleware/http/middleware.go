// Package http provides HTTP middleware for plan feature gating
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// TenantIDExtractor extracts the tenant ID from an HTTP request
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Engine resolves the tenant's current feature set (required)
	Engine *billing.EntitlementEngine

	// GetTenantID extracts tenant ID from request (required)
	GetTenantID TenantIDExtractor

	// Feature is the feature the wrapped handler requires (required)
	Feature billing.FeatureKey

	// OnForbidden is called when the tenant's plan lacks Feature
	// If nil, returns 403 Forbidden JSON with the plan and feature
	OnForbidden func(w http.ResponseWriter, r *http.Request, plan string, feature billing.FeatureKey)

	// OnUnauthorized is called when no tenant could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the feature set cannot be loaded
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets tenants whose
// effective plan includes cfg.Feature through
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Engine == nil {
		panic("billingsync/http: Config.Engine is required")
	}
	if cfg.GetTenantID == nil {
		panic("billingsync/http: Config.GetTenantID is required")
	}
	if cfg.Feature == "" {
		panic("billingsync/http: Config.Feature is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := cfg.GetTenantID(r)
			if tenantID == "" {
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			plan, features, err := cfg.Engine.Features(r.Context(), tenantID)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
				return
			}

			if !contains(features, cfg.Feature) {
				if cfg.OnForbidden != nil {
					cfg.OnForbidden(w, r, plan, cfg.Feature)
				} else {
					writeJSON(w, http.StatusForbidden, map[string]string{
						"error":   "Feature not available on current plan",
						"feature": string(cfg.Feature),
						"plan":    plan,
					})
				}
				return
			}

			ctx := WithPlan(WithTenantID(r.Context(), tenantID), plan)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates a feature (HandlerFunc version)
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func contains(features []billing.FeatureKey, want billing.FeatureKey) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// TenantIDKey is the context key for tenant ID
	TenantIDKey ContextKey = "billing:tenantID"

	// PlanKey is the context key for the effective plan of an admitted request
	PlanKey ContextKey = "billing:plan"
)

// FromContext returns a TenantIDExtractor that gets tenant ID from request context
func FromContext(key ContextKey) TenantIDExtractor {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets tenant ID from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPathValue returns a TenantIDExtractor that reads a http.ServeMux
// pattern wildcard
func FromPathValue(name string) TenantIDExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// WithTenantID adds tenant ID to request context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithPlan adds the effective plan to request context
func WithPlan(ctx context.Context, plan string) context.Context {
	return context.WithValue(ctx, PlanKey, plan)
}

// PlanFromContext returns the effective plan set by Middleware
func PlanFromContext(ctx context.Context) string {
	plan, _ := ctx.Value(PlanKey).(string)
	return plan
}
