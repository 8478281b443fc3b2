package api

import "net/http"

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	runners := s.registry.List()
	s.writeJSON(w, http.StatusOK, runners)
}
