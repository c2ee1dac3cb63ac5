package api

import "net/http"

// 项目即运行在 BUILD 阶段产出的制品。

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.deps.Records.ListArtifacts(r.Context(), r.URL.Query().Get("runId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": artifacts})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.deps.Records.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}
