package api

import (
	"net/http"
	"strings"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

type addMemoryRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

type searchMemoryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	memories, err := s.deps.Memories.List(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "text is required"))
		return
	}
	stored, err := s.deps.Memories.Add(r.Context(), []model.Memory{{Text: text, Metadata: req.Metadata}})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(stored) == 0 {
		s.writeError(w, r, xerrors.New(xerrors.CodeStorageFailure, "memory not stored"))
		return
	}
	writeJSON(w, http.StatusCreated, stored[0])
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "query is required"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}
	results, err := s.deps.Memories.Retrieve(r.Context(), query, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": results})
}

func (s *Server) handleCountMemories(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Memories.Count(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}
