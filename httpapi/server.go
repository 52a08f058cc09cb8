// Package httpapi exposes the orchestrator over HTTP. The surface is thin:
// handlers decode, delegate to the services, and encode. Caller identity
// arrives in headers from the authenticating gateway upstream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/smedrec/courier/alerting"
	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/delivery"
	"github.com/smedrec/courier/destination"
	"github.com/smedrec/courier/resilience"
	"github.com/smedrec/courier/scheduler"
)

// Identity headers set by the gateway.
const (
	HeaderOrganizationID = "X-Organization-Id"
	HeaderUserID         = "X-User-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderDepartmentID   = "X-Department-Id"
	HeaderTeamID         = "X-Team-Id"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Logger is optional and defaults to a no-op logger.
	Logger core.Logger
}

// Server wires the HTTP handlers over the service layer.
type Server struct {
	deliveries   *delivery.Service
	destinations *destination.Manager
	alerts       *alerting.Manager
	scheduler    *scheduler.Scheduler
	breaker      *resilience.CircuitBreaker
	logger       core.Logger
}

// NewServer creates the HTTP surface.
func NewServer(
	deliveries *delivery.Service,
	destinations *destination.Manager,
	alerts *alerting.Manager,
	sched *scheduler.Scheduler,
	breaker *resilience.CircuitBreaker,
	config *ServerConfig,
) *Server {
	s := &Server{
		deliveries:   deliveries,
		destinations: destinations,
		alerts:       alerts,
		scheduler:    sched,
		breaker:      breaker,
	}
	if config != nil {
		s.logger = config.Logger
	}
	if s.logger == nil {
		s.logger = &core.NoOpLogger{}
	} else if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("courier/httpapi")
	}
	return s
}

// Handler builds the route table wrapped with OTel instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /deliveries", s.handleDeliver)
	mux.HandleFunc("GET /deliveries", s.handleListDeliveries)
	mux.HandleFunc("GET /deliveries/{id}", s.handleGetDelivery)
	mux.HandleFunc("DELETE /deliveries/{id}", s.handleCancelDelivery)
	mux.HandleFunc("POST /deliveries/{action}", s.handleDeliveryAction)

	mux.HandleFunc("POST /destinations", s.handleCreateDestination)
	mux.HandleFunc("GET /destinations", s.handleListDestinations)
	mux.HandleFunc("GET /destinations/{id}", s.handleGetDestination)
	mux.HandleFunc("PATCH /destinations/{id}", s.handleUpdateDestination)
	mux.HandleFunc("DELETE /destinations/{id}", s.handleDeleteDestination)
	mux.HandleFunc("POST /destinations/{action}", s.handleDestinationAction)

	mux.HandleFunc("GET /alerts", s.handleListAlerts)
	mux.HandleFunc("POST /alerts/{action}", s.handleAlertAction)
	mux.HandleFunc("POST /alerts:suppress", s.handleSuppressAlerts)
	mux.HandleFunc("POST /alert-configs", s.handleConfigureAlerts)
	mux.HandleFunc("GET /alert-configs", s.handleGetAlertConfig)
	mux.HandleFunc("POST /maintenance-windows", s.handleAddMaintenanceWindow)
	mux.HandleFunc("GET /maintenance-windows", s.handleListMaintenanceWindows)
	mux.HandleFunc("DELETE /maintenance-windows/{id}", s.handleDeleteMaintenanceWindow)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return otelhttp.NewHandler(mux, "courier.httpapi")
}

// organizationID extracts the tenant header, or writes a 400 and returns "".
func (s *Server) organizationID(w http.ResponseWriter, r *http.Request) string {
	org := r.Header.Get(HeaderOrganizationID)
	if org == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "missing "+HeaderOrganizationID+" header")
	}
	return org
}

// userContext builds the caller identity for the alert API.
func userContext(r *http.Request) core.AlertUserContext {
	return core.AlertUserContext{
		UserID:         r.Header.Get(HeaderUserID),
		OrganizationID: r.Header.Get(HeaderOrganizationID),
		DepartmentID:   r.Header.Get(HeaderDepartmentID),
		TeamID:         r.Header.Get(HeaderTeamID),
		Role:           core.AlertRole(r.Header.Get(HeaderUserRole)),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("Request failed", map[string]interface{}{
			"operation": "http_request",
			"method":    r.Method,
			"path":      r.URL.Path,
			"error":     err.Error(),
		})
	}
	s.writeErrorMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case core.IsValidation(err):
		return http.StatusBadRequest
	case core.IsAccessDenied(err):
		return http.StatusForbidden
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrDeliveryNotRetryable),
		errors.Is(err, core.ErrDestinationDisabled),
		errors.Is(err, core.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &core.CourierError{
			Op:      "httpapi.decode",
			Kind:    "request",
			Message: "invalid request body: " + err.Error(),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return nil
}
