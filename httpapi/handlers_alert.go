package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smedrec/courier/core"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	user := userContext(r)
	if user.OrganizationID == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "missing "+HeaderOrganizationID+" header")
		return
	}

	filter := core.AlertFilter{
		Status:        core.AlertStatus(r.URL.Query().Get("status")),
		Severity:      core.AlertSeverity(r.URL.Query().Get("severity")),
		Type:          core.AlertType(r.URL.Query().Get("type")),
		DestinationID: r.URL.Query().Get("destination_id"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	alerts, err := s.alerts.GetAlertsForUser(r.Context(), user, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

// handleAlertAction dispatches colon verbs: POST /alerts/{id}:ack, {id}:resolve.
func (s *Server) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	id, verb, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok {
		s.writeErrorMessage(w, http.StatusNotFound, "unknown alert action")
		return
	}
	user := userContext(r)

	switch verb {
	case "ack":
		alert, err := s.alerts.AcknowledgeAlert(r.Context(), user, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, alert)
	case "resolve":
		var req resolveRequest
		if r.ContentLength > 0 {
			if err := decodeBody(r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		alert, err := s.alerts.ResolveAlert(r.Context(), user, id, req.Notes)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, alert)
	default:
		s.writeErrorMessage(w, http.StatusNotFound, "unknown alert action: "+verb)
	}
}

type suppressRequest struct {
	Type            core.AlertType `json:"type"`
	DestinationID   string         `json:"destination_id"`
	DurationMinutes int            `json:"duration_minutes"`
}

func (s *Server) handleSuppressAlerts(w http.ResponseWriter, r *http.Request) {
	var req suppressRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user := userContext(r)
	err := s.alerts.SuppressAlerts(r.Context(), user, req.Type, req.DestinationID,
		time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "suppressed"})
}

type alertConfigRequest struct {
	FailureRateThreshold        float64 `json:"failure_rate_threshold"`
	ConsecutiveFailureThreshold int     `json:"consecutive_failure_threshold"`
	QueueBacklogThreshold       int     `json:"queue_backlog_threshold"`
	ResponseTimeThresholdMS     int     `json:"response_time_threshold_ms"`
	DebounceWindowMinutes       int     `json:"debounce_window_minutes"`
	EscalationDelayMinutes      int     `json:"escalation_delay_minutes"`
}

func (s *Server) handleConfigureAlerts(w http.ResponseWriter, r *http.Request) {
	var req alertConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user := userContext(r)
	cfg := &core.AlertConfig{
		OrganizationID:              user.OrganizationID,
		FailureRateThreshold:        req.FailureRateThreshold,
		ConsecutiveFailureThreshold: req.ConsecutiveFailureThreshold,
		QueueBacklogThreshold:       req.QueueBacklogThreshold,
		ResponseTimeThreshold:       time.Duration(req.ResponseTimeThresholdMS) * time.Millisecond,
		DebounceWindow:              time.Duration(req.DebounceWindowMinutes) * time.Minute,
		EscalationDelay:             time.Duration(req.EscalationDelayMinutes) * time.Minute,
	}
	if err := s.alerts.ConfigureAlertThresholds(r.Context(), user, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.alerts.GetAlertConfig(r.Context(), userContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAddMaintenanceWindow(w http.ResponseWriter, r *http.Request) {
	var window core.MaintenanceWindow
	if err := decodeBody(r, &window); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.alerts.AddMaintenanceWindow(r.Context(), userContext(r), &window); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, window)
}

func (s *Server) handleListMaintenanceWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := s.alerts.ListMaintenanceWindows(r.Context(), userContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"maintenance_windows": windows,
		"count":               len(windows),
	})
}

func (s *Server) handleDeleteMaintenanceWindow(w http.ResponseWriter, r *http.Request) {
	err := s.alerts.DeleteMaintenanceWindow(r.Context(), userContext(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
