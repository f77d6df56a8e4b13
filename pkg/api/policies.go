package api

import (
	"net/http"

	"github.com/Mindburn-Labs/opsgate/pkg/audit"
	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.svc.ListPolicies(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if policies == nil {
		policies = []contracts.ApprovalPolicy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": policies})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p contracts.ApprovalPolicy
	if !decodeBody(w, r, &p, false) {
		return
	}
	created, err := s.svc.CreatePolicy(r.Context(), p)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/ops/policies/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetPolicy(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p contracts.ApprovalPolicy
	if !decodeBody(w, r, &p, false) {
		return
	}
	updated, err := s.svc.UpdatePolicy(r.Context(), r.PathValue("id"), p)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePolicy(r.Context(), r.PathValue("id")); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEscalationSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.RunEscalationSweep(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAutoExecuteSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.RunAutoExecutePass(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type auditFailuresResponse struct {
	Total  int64           `json:"total"`
	Recent []audit.Failure `json:"recent"`
}

func (s *Server) handleAuditFailures(w http.ResponseWriter, r *http.Request) {
	recent, total := s.svc.AuditFailures().Recent()
	if recent == nil {
		recent = []audit.Failure{}
	}
	writeJSON(w, http.StatusOK, auditFailuresResponse{Total: total, Recent: recent})
}
