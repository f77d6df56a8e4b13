package api

import (
	"encoding/json"
	"net/http"

	"github.com/Mindburn-Labs/opsgate/pkg/approval"
	"github.com/Mindburn-Labs/opsgate/pkg/audit"
	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
)

type createActionRequest struct {
	IdempotencyKey string                  `json:"idempotency_key"`
	Origin         contracts.Origin        `json:"origin"`
	ActionType     string                  `json:"action_type"`
	Target         json.RawMessage         `json:"target"`
	Params         json.RawMessage         `json:"params"`
	RequiredQuorum *contracts.QuorumConfig `json:"required_quorum"`
	RequiredRatio  *float64                `json:"required_ratio"`
	TimeoutSeconds *int64                  `json:"timeout_seconds"`
	EscalationRole *string                 `json:"escalation_role"`
	AutoExecute    *bool                   `json:"auto_execute"`
	RejectOnVeto   *bool                   `json:"reject_on_veto"`
}

// handleCreateAction answers 201 for a new action and 200 when the
// idempotency key replays an existing one.
func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyKeyHeader)
	}

	a, created, err := s.svc.CreateAction(r.Context(), approval.CreateActionInput{
		IdempotencyKey: key,
		Origin:         req.Origin,
		ActionType:     req.ActionType,
		Target:         req.Target,
		Params:         req.Params,
		CreatedBy:      operator(r).ID,
		RequiredQuorum: req.RequiredQuorum,
		RequiredRatio:  req.RequiredRatio,
		TimeoutSeconds: req.TimeoutSeconds,
		EscalationRole: req.EscalationRole,
		AutoExecute:    req.AutoExecute,
		RejectOnVeto:   req.RejectOnVeto,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/ops/actions/"+a.ID)
	writeJSON(w, status, a)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAction(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type pendingResponse struct {
	Items  []contracts.ActionWithVotes `json:"items"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
}

// handleListPending shows the queue visible to the caller's roles.
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		WriteBadRequest(w, "limit must be an integer")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		WriteBadRequest(w, "offset must be an integer")
		return
	}
	items, err := s.svc.ListPending(r.Context(), operator(r).Roles, limit, offset)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pendingResponse{Items: items, Limit: store.ClampLimit(limit), Offset: offset})
}

type voteRequest struct {
	Vote      contracts.VoteChoice `json:"vote"`
	Comment   string               `json:"comment"`
	SignedJWT string               `json:"signed_jwt"`
}

type voteResponse struct {
	Vote   *contracts.Vote            `json:"vote"`
	Action *contracts.ActionWithVotes `json:"action"`
}

// handleVote records the caller's vote. Voter id and roles come from the
// gateway headers, never from the body.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	op := operator(r)
	v, a, err := s.svc.Vote(r.Context(), approval.VoteInput{
		ActionID:   r.PathValue("id"),
		VoterID:    op.ID,
		VoterRoles: op.Roles,
		Vote:       req.Vote,
		Comment:    req.Comment,
		SignedJWT:  req.SignedJWT,
		IPAddress:  remoteIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResponse{Vote: v, Action: a})
}

// handleExecute runs an approved action. A handler failure is a 200 with
// status failed; only precondition errors map to 4xx.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Execute(r.Context(), r.PathValue("id"), operator(r).ID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	a, err := s.svc.Reject(r.Context(), r.PathValue("id"), operator(r).ID, req.Reason)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type auditTrailResponse struct {
	ActionID      string                 `json:"action_id"`
	Events        []contracts.AuditEvent `json:"events"`
	ChainVerified bool                   `json:"chain_verified"`
	ChainError    string                 `json:"chain_error,omitempty"`
}

// handleAuditTrail returns the trail with the result of a chain check, so
// a reader can tell an intact trail from a tampered one.
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.svc.GetAuditTrail(r.Context(), id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []contracts.AuditEvent{}
	}
	resp := auditTrailResponse{ActionID: id, Events: events, ChainVerified: true}
	if err := audit.VerifyChain(events); err != nil {
		resp.ChainVerified = false
		resp.ChainError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
