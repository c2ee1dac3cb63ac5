package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"LeoPrime-Chain/internal/task"
)

type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Runs    *task.RunStats    `json:"runs,omitempty"`
	Streams int               `json:"streams"`
	Time    time.Time         `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Time: time.Now().UTC()}
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	if s.deps.Runs != nil {
		if stats, err := s.deps.Runs.Stats(ctx, 200); err == nil {
			resp.Runs = &stats
		}
	}
	if s.deps.Hub != nil {
		resp.Streams = s.deps.Hub.Len()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
