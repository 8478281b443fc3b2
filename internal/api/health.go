package api

import "net/http"

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

// handleHealthz reports liveness plus the current queue depth, so a health
// check can tell an idle engine from one that is falling behind.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		QueueDepth: s.engine.QueueDepth(),
	})
}
