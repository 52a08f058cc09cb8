package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/destination"
)

func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	var input destination.CreateInput
	if err := decodeBody(r, &input); err != nil {
		s.writeError(w, r, err)
		return
	}
	input.OrganizationID = org

	dest, err := s.destinations.Create(r.Context(), input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dest)
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	filter := core.DestinationFilter{
		OrganizationID: org,
		Type:           core.DestinationType(r.URL.Query().Get("type")),
		DefaultOnly:    r.URL.Query().Get("default_only") == "true",
	}
	if v := r.URL.Query().Get("disabled"); v != "" {
		disabled := v == "true"
		filter.Disabled = &disabled
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	dests, err := s.destinations.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"destinations": dests,
		"count":        len(dests),
	})
}

func (s *Server) handleGetDestination(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	dest, err := s.destinations.Get(r.Context(), org, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dest)
}

func (s *Server) handleUpdateDestination(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	var patch destination.Patch
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}

	dest, err := s.destinations.Update(r.Context(), org, r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dest)
}

func (s *Server) handleDeleteDestination(w http.ResponseWriter, r *http.Request) {
	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	if err := s.destinations.Delete(r.Context(), org, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// handleDestinationAction dispatches colon verbs:
// POST /destinations/{id}:test, {id}:disable, {id}:enable.
func (s *Server) handleDestinationAction(w http.ResponseWriter, r *http.Request) {
	id, verb, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok {
		s.writeErrorMessage(w, http.StatusNotFound, "unknown destination action")
		return
	}

	org := s.organizationID(w, r)
	if org == "" {
		return
	}

	switch verb {
	case "test":
		result, err := s.destinations.TestConnection(r.Context(), org, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	case "disable", "enable":
		actor := r.Header.Get(HeaderUserID)
		dest, err := s.destinations.SetDisabled(r.Context(), org, id, verb == "disable", actor)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, dest)
	default:
		s.writeErrorMessage(w, http.StatusNotFound, "unknown destination action: "+verb)
	}
}
