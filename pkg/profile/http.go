package profile

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/illmade-knight/go-socialgraph/pkg/cache"
)

// RegisterRoutes exposes profile lookups on mux:
//
//	GET /v1/profiles/{address}
//	GET /v1/profiles?address=a&address=b
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/profiles/{address}", s.handleGet)
	mux.HandleFunc("GET /v1/profiles", s.handleList)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetProfile(r.Context(), r.PathValue("address"))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			http.Error(w, "profile not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("address", r.PathValue("address")).Msg("Failed to resolve profile.")
		http.Error(w, "failed to resolve profile", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, p)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	addresses := r.URL.Query()["address"]
	if len(addresses) == 0 {
		http.Error(w, "at least one address query parameter is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.GetProfiles(r.Context(), addresses))
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response.")
	}
}
