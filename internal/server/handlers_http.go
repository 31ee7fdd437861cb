package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// healthResponse is the /health document.
type healthResponse struct {
	Status     string        `json:"status"`
	InstanceID string        `json:"instanceId"`
	Stats      StatsSnapshot `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "draining"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:     status,
		InstanceID: s.instanceID,
		Stats:      s.Stats(),
	}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}
