package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/poller"
)

// listResponse is the envelope for incident collections.
type listResponse struct {
	Data    []incident.Incident `json:"data"`
	Count   int                 `json:"count"`
	Total   int                 `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
	HasMore bool                `json:"has_more"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	h := s.health.Health()
	status := http.StatusOK
	if h.Status == poller.StatusStopped {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.health.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	q, ok := s.bind(w, r)
	if !ok {
		return
	}
	s.writeList(w, q)
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	q, ok := s.bind(w, r)
	if !ok {
		return
	}
	q.Status = string(incident.StatusActive)
	s.writeList(w, q)
}

func (s *Server) searchIncidents(w http.ResponseWriter, r *http.Request) {
	q, errs := bindQuery(r.URL.Query())
	if len(errs) > 0 {
		s.writeValidationError(w, errs)
		return
	}
	if err := s.validate.Struct(searchQuery{incidentQuery: q, Term: q.Q}); err != nil {
		s.writeValidationError(w, validationDetails(err))
		return
	}
	s.writeList(w, q)
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, ok := s.cache.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": inc})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"data": s.cache.Stats()})
}

func (s *Server) bind(w http.ResponseWriter, r *http.Request) (incidentQuery, bool) {
	q, errs := bindQuery(r.URL.Query())
	if len(errs) > 0 {
		s.writeValidationError(w, errs)
		return q, false
	}
	if err := s.validate.Struct(q); err != nil {
		s.writeValidationError(w, validationDetails(err))
		return q, false
	}
	return q, true
}

func (s *Server) writeList(w http.ResponseWriter, q incidentQuery) {
	page, total := s.cache.SearchPage(q.filters())
	s.writeJSON(w, http.StatusOK, listResponse{
		Data:    page,
		Count:   len(page),
		Total:   total,
		Limit:   q.Limit,
		Offset:  q.Offset,
		HasMore: q.Offset+len(page) < total,
	})
}
