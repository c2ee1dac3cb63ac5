package api

import (
	"net/http"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/paywall"
)

type subscribeRequest struct {
	Service string `json:"service"`
}

func (s *Server) handleListEntitlements(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Entitlements.ListEntitlements(r.Context(), r.URL.Query().Get("runId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitlements": views})
}

func (s *Server) handleEntitlementStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Entitlements.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": status})
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"currency": s.deps.Entitlements.Currency(),
		"prices":   s.deps.Entitlements.Prices(),
	})
}

// handleSubscribe 手动订阅服务，不关联任何运行。
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	svc := model.Service(req.Service)
	if !svc.Valid() {
		s.writeError(w, r, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown service %q", req.Service))
		return
	}
	result, err := s.deps.Entitlements.Subscribe(r.Context(), paywall.ManualRunID, svc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResetEntitlements(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Entitlements.Reset(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}
