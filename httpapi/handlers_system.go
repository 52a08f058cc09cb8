package httpapi

import (
	"net/http"
	"time"

	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/delivery"
	"github.com/smedrec/courier/scheduler"
)

type healthResponse struct {
	Status       scheduler.HealthStatus       `json:"status"`
	Queue        *scheduler.QueueHealth       `json:"queue"`
	Destinations map[string]core.BreakerState `json:"destinations"`
}

// handleHealth rolls up queue health and per-destination breaker states.
// Open breakers do not degrade the overall grade; they are contained
// per-destination failures, not orchestrator failures.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	queueHealth, err := s.scheduler.GetQueueHealth(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	states, err := s.breaker.GetAllStates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if queueHealth.Status == scheduler.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, healthResponse{
		Status:       queueHealth.Status,
		Queue:        queueHealth,
		Destinations: states,
	})
}

type metricsResponse struct {
	Delivery *delivery.Metrics            `json:"delivery"`
	Queue    *core.QueueStats             `json:"queue"`
	Breakers map[string]core.BreakerState `json:"breakers"`
}

// handleMetrics aggregates delivery, queue, and breaker metrics for one
// tenant. The default window is the trailing 24 hours.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			from = at
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			to = at
		}
	}

	deliveryMetrics, err := s.deliveries.GetDeliveryMetrics(r.Context(), org, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	queueStats, err := s.scheduler.GetOrganizationStats(r.Context(), org)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	states, err := s.breaker.GetAllStates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, metricsResponse{
		Delivery: deliveryMetrics,
		Queue:    queueStats,
		Breakers: states,
	})
}
