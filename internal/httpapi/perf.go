package httpapi

import (
	"net/http"
	"strings"
)

// handlePerfLatency reports the rolling latency window. Optional ?stage=
// and ?label= filters narrow it to one stage or one tool, provider or step.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report := s.metrics.LatencyReport().Filter(
		strings.TrimSpace(q.Get("stage")),
		strings.TrimSpace(q.Get("label")),
	)
	respondJSON(w, http.StatusOK, report)
}
