package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smedrec/courier/core"
)

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	var req core.DeliveryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// The header is authoritative: body organization ids are ignored so a
	// caller can never deliver on another tenant's behalf.
	req.OrganizationID = org

	resp, err := s.deliveries.Deliver(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if resp.Status == core.DeliveryFailed {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	resp, err := s.deliveries.GetDeliveryStatus(r.Context(), org, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	filter := core.DeliveryLogFilter{
		OrganizationID: org,
		Status:         core.DeliveryStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = at
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = at
		}
	}

	logs, err := s.deliveries.ListDeliveries(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": logs,
		"count":      len(logs),
	})
}

func (s *Server) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	if err := s.deliveries.CancelDelivery(r.Context(), org, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDeliveryAction dispatches colon verbs: POST /deliveries/{id}:retry.
func (s *Server) handleDeliveryAction(w http.ResponseWriter, r *http.Request) {
	id, verb, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok {
		s.writeErrorMessage(w, http.StatusNotFound, "unknown delivery action")
		return
	}

	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	switch verb {
	case "retry":
		resp, err := s.deliveries.RetryDelivery(r.Context(), org, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, resp)
	default:
		s.writeErrorMessage(w, http.StatusNotFound, "unknown delivery action: "+verb)
	}
}
