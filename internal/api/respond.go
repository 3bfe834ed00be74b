package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

func (s *Server) writeValidationError(w http.ResponseWriter, details []fieldError) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"message": "validation error",
			"details": details,
		},
	})
}
