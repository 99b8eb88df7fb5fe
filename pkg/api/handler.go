package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

const (
	maxIDLen       = 255
	maxRequestBody = 16 * 1024
)

// Path parameter names used by Register
const (
	ParamTenantID       = "tenantID"
	ParamUserID         = "userID"
	ParamNotificationID = "notificationID"
)

// Handler provides HTTP endpoints for subscription inspection and
// notification preferences
type Handler struct {
	config   Config
	validate *validator.Validate
}

// Register mounts every endpoint on mux using http.ServeMux patterns
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /tenants/{tenantID}/subscription", h.GetSubscription)
	mux.HandleFunc("GET /tenants/{tenantID}/entitlements", h.GetEntitlements)
	mux.HandleFunc("GET /tenants/{tenantID}/history", h.GetHistory)
	mux.HandleFunc("GET /users/{userID}/notifications", h.ListNotifications)
	mux.HandleFunc("POST /users/{userID}/notifications/{notificationID}/read", h.MarkRead)
	mux.HandleFunc("GET /users/{userID}/digest-preference", h.GetDigestPreference)
	mux.HandleFunc("PUT /users/{userID}/digest-preference", h.PutDigestPreference)
}

// GetSubscription returns the tenant's subscription record
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.resource(w, r, "tenant", ParamTenantID)
	if !ok {
		return
	}

	sub, err := h.config.Store.FindByTenant(r.Context(), tenantID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSubscriptionResponse(sub, h.config.Engine.EffectivePlan(sub)))
}

// GetEntitlements returns the tenant's effective feature set. Tenants without
// a record get the default plan's features.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.resource(w, r, "tenant", ParamTenantID)
	if !ok {
		return
	}

	plan, features, err := h.config.Engine.Features(r.Context(), tenantID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	out := EntitlementsResponse{TenantID: tenantID, PlanID: plan, Features: make([]string, 0, len(features))}
	for _, f := range features {
		out.Features = append(out.Features, string(f))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetHistory returns the tenant's plan changes
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.resource(w, r, "tenant", ParamTenantID)
	if !ok {
		return
	}

	entries, err := h.config.Store.ListHistory(r.Context(), tenantID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{
			ID:        e.ID,
			FromPlan:  e.FromPlan,
			ToPlan:    e.ToPlan,
			Reason:    string(e.Reason),
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tenant_id": tenantID, "history": out})
}

// ListNotifications returns the user's unread notifications. The optional
// "since" query parameter (RFC 3339) excludes older ones.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resource(w, r, "user", ParamUserID)
	if !ok {
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid since parameter: %w", err), http.StatusBadRequest)
			return
		}
		since = &t
	}

	notes, err := h.config.Store.FindNotificationsSince(r.Context(), userID, since, time.Now().UTC())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	out := make([]NotificationResponse, 0, len(notes))
	for _, n := range notes {
		out = append(out, NotificationResponse{
			ID:        n.ID,
			TenantID:  n.TenantID,
			Title:     n.Title,
			Message:   n.Message,
			Type:      string(n.Type),
			CreatedAt: n.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "notifications": out})
}

// MarkRead flags one notification as read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resource(w, r, "user", ParamUserID)
	if !ok {
		return
	}
	notificationID := h.config.PathParam(r, ParamNotificationID)
	if !validID(notificationID) {
		h.handleError(w, r, fmt.Errorf("invalid notification ID"), http.StatusBadRequest)
		return
	}

	if err := h.config.Store.MarkNotificationRead(r.Context(), userID, notificationID); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDigestPreference returns the user's digest settings
func (h *Handler) GetDigestPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resource(w, r, "user", ParamUserID)
	if !ok {
		return
	}

	pref, err := h.config.Store.GetDigestPreference(r.Context(), userID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPreferenceResponse(pref))
}

// PutDigestPreference replaces the user's digest settings. The delivery
// watermark is owned by the scheduler and is never changed here.
func (h *Handler) PutDigestPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resource(w, r, "user", ParamUserID)
	if !ok {
		return
	}

	var req DigestPreferenceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, validationError(err), http.StatusUnprocessableEntity)
		return
	}

	pref := &billing.DigestPreference{
		UserID:        userID,
		Email:         req.Email,
		Enabled:       *req.Enabled,
		Frequency:     billing.Frequency(req.Frequency),
		PreferredTime: req.PreferredTime,
		Timezone:      req.Timezone,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := h.config.Store.SetDigestPreference(r.Context(), pref); err != nil {
		h.storeError(w, r, err)
		return
	}

	saved, err := h.config.Store.GetDigestPreference(r.Context(), userID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPreferenceResponse(saved))
}

// resource reads and authorizes the path id; it writes the error response
// itself and returns ok=false on failure.
func (h *Handler) resource(w http.ResponseWriter, r *http.Request, kind, param string) (string, bool) {
	id := h.config.PathParam(r, param)
	if !validID(id) {
		h.handleError(w, r, fmt.Errorf("invalid %s ID", kind), http.StatusBadRequest)
		return "", false
	}
	if h.config.Authorize != nil {
		if err := h.config.Authorize(r, Resource{Kind: kind, ID: id}); err != nil {
			h.handleError(w, r, err, http.StatusForbidden)
			return "", false
		}
	}
	return id, true
}

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && !strings.ContainsAny(id, "/\x00")
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrPreferenceNotFound),
		errors.Is(err, billing.ErrNotificationNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	default:
		h.config.Logger.Error("api storage error", billing.F("path", r.URL.Path), billing.ErrField(err))
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(fields, "; "))
}

func validateTimeOfDay(fl validator.FieldLevel) bool {
	_, err := time.Parse("15:04", fl.Field().String())
	return err == nil
}

func validateTimezone(fl validator.FieldLevel) bool {
	_, err := time.LoadLocation(fl.Field().String())
	return err == nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Log encoding error but response already sent
		h.config.Logger.Warn("failed to encode response", billing.ErrField(err))
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
