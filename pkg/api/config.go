package api

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Resource names what a request touches, for authorization
type Resource struct {
	// Kind is "tenant" or "user"
	Kind string
	ID   string
}

// Config holds configuration for the inspection and preference API handler
type Config struct {
	// Store is the pipeline storage (required)
	Store billing.Storage

	// Engine computes effective entitlements (required)
	Engine *billing.EntitlementEngine

	// PathParam extracts a named path parameter. Defaults to
	// (*http.Request).PathValue, which matches http.ServeMux patterns.
	PathParam func(r *http.Request, name string) string

	// Authorize optionally rejects requests for a resource. A non-nil error
	// yields 403.
	Authorize func(r *http.Request, res Resource) error

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.PathParam == nil {
		config.PathParam = func(r *http.Request, name string) string { return r.PathValue(name) }
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// FromHeader returns a PathParam-compatible extractor that ignores the path
// and reads a header instead. Useful behind gateways that pass ids as headers.
func FromHeader(headerName string) func(*http.Request, string) string {
	return func(r *http.Request, _ string) string {
		return r.Header.Get(headerName)
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("timeofday", validateTimeOfDay)
	_ = v.RegisterValidation("timezone_name", validateTimezone)
	return v
}
