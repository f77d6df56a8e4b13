package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/opsgate/pkg/approval"
	"github.com/Mindburn-Labs/opsgate/pkg/auth"
)

const maxBodyBytes = 1 << 20

// Server serves the ops approval API.
type Server struct {
	svc     *approval.Service
	limiter *RateLimiter
	replays ResponseCache
	origins []string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimiter limits requests per client.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithResponseCache enables Idempotency-Key replay on vote, execute and
// reject.
func WithResponseCache(c ResponseCache) ServerOption {
	return func(s *Server) { s.replays = c }
}

// WithCORSOrigins sets the origins allowed to call the API from a browser.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

func NewServer(svc *approval.Service, opts ...ServerOption) *Server {
	s := &Server{
		svc: svc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/ops/actions", s.handleCreateAction)
	mux.HandleFunc("GET /api/v1/ops/actions/pending", s.handleListPending)
	mux.HandleFunc("GET /api/v1/ops/actions/{id}", s.handleGetAction)
	mux.HandleFunc("POST /api/v1/ops/actions/{id}/votes", Idempotent(s.replays, s.handleVote))
	mux.HandleFunc("POST /api/v1/ops/actions/{id}/execute", Idempotent(s.replays, s.handleExecute))
	mux.HandleFunc("POST /api/v1/ops/actions/{id}/reject", Idempotent(s.replays, s.handleReject))
	mux.HandleFunc("GET /api/v1/ops/actions/{id}/audit", s.handleAuditTrail)

	mux.HandleFunc("GET /api/v1/ops/policies", s.handleListPolicies)
	mux.HandleFunc("POST /api/v1/ops/policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /api/v1/ops/policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("PUT /api/v1/ops/policies/{id}", s.handleUpdatePolicy)
	mux.HandleFunc("DELETE /api/v1/ops/policies/{id}", s.handleDeletePolicy)

	mux.HandleFunc("POST /api/v1/ops/sweeps/escalation", s.handleEscalationSweep)
	mux.HandleFunc("POST /api/v1/ops/sweeps/auto-execute", s.handleAutoExecuteSweep)
	mux.HandleFunc("GET /api/v1/ops/audit/failures", s.handleAuditFailures)
	return mux
}

// Handler is the full middleware chain around Routes.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Routes()
	h = s.limiter.Middleware(h)
	h = auth.NewMiddleware(WriteUnauthorized)(h)
	h = auth.CORSMiddleware(s.origins)(h)
	return auth.RequestIDMiddleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body of at most 1 MiB. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if allowEmpty && r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// operator is set by the identity middleware on every non-public route.
func operator(r *http.Request) auth.Operator {
	op, _ := auth.GetOperator(r.Context())
	return op
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
