package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, gwerr.New(gwerr.Internal, "config store is not wired"))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.GetAll(true))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, gwerr.New(gwerr.Internal, "config store is not wired"))
		return
	}
	var partial config.Config
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	next, err := s.cfg.Update(partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}
