package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.NodeLatency())
}

func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetNodeLatency()
	w.WriteHeader(http.StatusNoContent)
}
