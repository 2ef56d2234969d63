package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/optimizer"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/provider"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/router"
)

const maxBodyBytes = 1 << 20

// Server serves the pipeline over HTTP.
type Server struct {
	router    *router.Router
	auth      *Authenticator
	limiter   *RateLimiter
	schemas   validators
	logger    *slog.Logger
	version   string
	pageLimit int
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator enables bearer-token authentication.
func WithAuthenticator(a *Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithRateLimit enables per-client rate limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

func NewServer(r *router.Router, opts ...Option) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		router:    r,
		schemas:   schemas,
		logger:    slog.Default().With("component", "api"),
		version:   "dev",
		pageLimit: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/dispatch", s.requireScope(ScopeDispatch, s.handleDispatch))
	mux.HandleFunc("POST /v1/admit", s.requireScope(ScopeAdmit, s.handleAdmit))
	mux.HandleFunc("POST /v1/gate/evaluate", s.requireScope(ScopeRead, s.handleGateEvaluate))
	mux.HandleFunc("GET /v1/budget", s.requireScope(ScopeRead, s.handleBudget))
	mux.HandleFunc("GET /v1/providers", s.requireScope(ScopeRead, s.handleProviders))
	mux.HandleFunc("GET /v1/ledger/verify", s.requireScope(ScopeRead, s.handleLedgerVerify))
	mux.HandleFunc("GET /v1/ledger/entries", s.requireScope(ScopeRead, s.handleLedgerEntries))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	if s.auth != nil {
		h = s.auth.Middleware(h)
	}
	return requestIDMiddleware(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBody reads and schema-validates the request body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, r, "request body too large or unreadable")
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		WriteBadRequest(w, r, err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteBadRequest(w, r, err.Error())
		return false
	}
	return true
}

type dispatchBody struct {
	Model           string                    `json:"model"`
	Messages        []provider.Message        `json:"messages"`
	Options         *provider.SamplingOptions `json:"options"`
	Metadata        map[string]string         `json:"metadata"`
	Gate            *gate.Metrics             `json:"gate"`
	CacheTTLSeconds int64                     `json:"cache_ttl_seconds"`
}

type dispatchResponse struct {
	Fingerprint string           `json:"fingerprint"`
	Provider    string           `json:"provider"`
	Content     string           `json:"content"`
	Cost        float64          `json:"cost"`
	Usage       provider.Usage   `json:"usage"`
	LatencyMS   int64            `json:"latency_ms"`
	Cached      bool             `json:"cached"`
	Attempts    []router.Attempt `json:"attempts,omitempty"`
	LedgerSeq   uint64           `json:"ledger_seq,omitempty"`
	LedgerHash  string           `json:"ledger_hash,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if !s.readBody(w, r, "dispatch", &body) {
		return
	}
	req := router.Request{
		Request: provider.Request{
			Model: body.Model, Messages: body.Messages, Options: body.Options, Metadata: body.Metadata,
		},
		Gate:     body.Gate,
		CacheTTL: time.Duration(body.CacheTTLSeconds) * time.Second,
	}
	resp, err := s.router.Dispatch(r.Context(), req)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	out := dispatchResponse{
		Fingerprint: resp.Fingerprint, Provider: resp.Provider, Content: resp.Content, Cost: resp.Cost,
		Usage: resp.Usage, LatencyMS: resp.Latency.Milliseconds(), Cached: resp.Cached, Attempts: resp.Attempts,
	}
	if resp.Ledger != nil {
		out.LedgerSeq, out.LedgerHash = resp.Ledger.SequenceNo, resp.Ledger.ThisHash
	}
	writeJSON(w, http.StatusOK, out)
}

type admitBody struct {
	Action  string       `json:"action"`
	Metrics gate.Metrics `json:"metrics"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var body admitBody
	if !s.readBody(w, r, "admit", &body) {
		return
	}
	v, err := s.router.Admit(r.Context(), body.Action, body.Metrics)
	if err != nil {
		if errors.Is(err, gate.ErrRejected) {
			writeProblem(w, r, &ProblemDetail{
				Status: http.StatusUnprocessableEntity, Title: "Gate Rejected",
				Detail: err.Error(), FailedChecks: v.FailedChecks,
			})
			return
		}
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleGateEvaluate is a dry run: nothing is recorded.
func (s *Server) handleGateEvaluate(w http.ResponseWriter, r *http.Request) {
	var m gate.Metrics
	if !s.readBody(w, r, "metrics", &m) {
		return
	}
	writeJSON(w, http.StatusOK, s.router.Gate().Evaluate(m))
}

type budgetResponse struct {
	Limits  budget.Limits        `json:"limits"`
	Status  budget.Status        `json:"status"`
	Records []budget.SpendRecord `json:"records"`
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	t := s.router.Budget()
	writeJSON(w, http.StatusOK, budgetResponse{Limits: t.Limits(), Status: t.Check(""), Records: t.Records()})
}

type providersResponse struct {
	Providers []router.ProviderStatus `json:"providers"`
	Ranking   optimizer.Ranking       `json:"ranking"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, providersResponse{Providers: s.router.Providers(), Ranking: s.router.Rank()})
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := s.router.Ledger().VerifyChain(r.Context())
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type entriesResponse struct {
	Entries []ledger.Entry `json:"entries"`
	Head    string         `json:"head"`
	Total   uint64         `json:"total"`
}

func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	from, limit := uint64(1), 100
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			WriteBadRequest(w, r, "from must be a positive integer")
			return
		}
		from = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > s.pageLimit {
			WriteBadRequest(w, r, fmt.Sprintf("limit must be between 1 and %d", s.pageLimit))
			return
		}
		limit = n
	}
	l := s.router.Ledger()
	writeJSON(w, http.StatusOK, entriesResponse{Entries: l.Entries(from, limit), Head: l.Head(), Total: l.Len()})
}

type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	LedgerBroken bool   `json:"ledger_broken"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	broken := s.router.Ledger().Broken()
	status, code := "ok", http.StatusOK
	if broken {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Version: s.version, LedgerBroken: broken})
}
