package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"maflow/internal/universe"
	"maflow/logger"
)

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/tickers", s.handleTickers).Methods("GET")
	api.HandleFunc("/stocks", s.handleStocks).Methods("GET")
	api.HandleFunc("/statistics", s.handleStatistics).Methods("GET")
	api.HandleFunc("/stream", s.handleStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "healthy"}
	if s.state != nil {
		resp["pipeline_state"] = s.state()
	}
	if age, ok := s.cache.Age(); ok {
		resp["cache_age_seconds"] = int(age.Seconds())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTickers returns the resolved universe. Custom tickers are included
// unless include_custom=false.
func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	custom := s.cfg.Universe.Custom
	if r.URL.Query().Get("include_custom") == "false" {
		custom = nil
	}
	symbols := universe.Resolve(s.cfg.Universe.Base, custom)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tickers": symbols,
		"count":   len(symbols),
	})
}

func (s *Server) handleStocks(w http.ResponseWriter, r *http.Request) {
	rec, err := s.latest(r.Context())
	if err != nil {
		s.log.WithComponent("server").WithError(err).Error("snapshot read failed")
		http.Error(w, "snapshot unavailable", http.StatusBadGateway)
		return
	}
	if rec == nil {
		http.Error(w, "no snapshot published yet", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	rec, err := s.latest(r.Context())
	if err != nil {
		s.log.WithComponent("server").WithError(err).Error("snapshot read failed")
		http.Error(w, "snapshot unavailable", http.StatusBadGateway)
		return
	}
	if rec == nil {
		http.Error(w, "no snapshot published yet", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rec.Metadata)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.GetLogger().WithComponent("server").WithError(err).Error("response encode failed")
	}
}
