// Package api exposes the dispatch pipeline over HTTP. Errors are RFC 7807
// problem documents.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/router"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Dispatch failures carry the reason and what was tried.
	Kind         router.Kind       `json:"kind,omitempty"`
	Retryable    *bool             `json:"retryable,omitempty"`
	Attempts     []router.Attempt  `json:"attempts,omitempty"`
	Excluded     map[string]string `json:"excluded,omitempty"`
	FailedChecks []string          `json:"failed_checks,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("urn:sigmaguard:problem:%d", status)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemType(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a plain problem document.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusForbidden, "Forbidden", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a generic 500; err is never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WritePipelineError maps pipeline errors onto problem documents:
// budget 402, no providers or exhausted 503, gate rejection 422, broken
// ledger chain 500.
func WritePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *router.DispatchError
	switch {
	case errors.Is(err, ledger.ErrChainBroken):
		writeProblem(w, r, &ProblemDetail{
			Status: http.StatusInternalServerError,
			Title:  "Audit Ledger Chain Broken",
			Detail: err.Error(),
		})
	case errors.As(err, &derr):
		retry := derr.Retryable()
		p := &ProblemDetail{
			Detail:    err.Error(),
			Kind:      derr.Kind,
			Retryable: &retry,
			Attempts:  derr.Attempts,
			Excluded:  derr.Excluded,
		}
		switch derr.Kind {
		case router.KindBudgetExhausted:
			p.Status, p.Title = http.StatusPaymentRequired, "Budget Exhausted"
		case router.KindGateRejected:
			p.Status, p.Title = http.StatusUnprocessableEntity, "Gate Rejected"
		case router.KindAllDegraded:
			p.Status, p.Title = http.StatusServiceUnavailable, "All Providers Degraded"
			w.Header().Set("Retry-After", "30")
		default:
			p.Status, p.Title = http.StatusServiceUnavailable, "No Providers Available"
		}
		writeProblem(w, r, p)
	case errors.Is(err, budget.ErrBudgetExceeded):
		WriteError(w, r, http.StatusPaymentRequired, "Budget Exhausted", err.Error())
	case errors.Is(err, gate.ErrRejected):
		WriteError(w, r, http.StatusUnprocessableEntity, "Gate Rejected", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteError(w, r, http.StatusServiceUnavailable, "Request Abandoned", err.Error())
	default:
		WriteInternal(w, r, err)
	}
}
