// Package api is the HTTP surface of the coordinator: producer ingest and the
// alert, recommendation, proactive action and learning memory reads.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const problemBase = "https://pulse.schemas.local/problems/"

// Problem is one class of API error. Code is stable and forms the last
// segment of the problem type URI.
type Problem struct {
	Code   string
	Status int
	Title  string
}

// Problems returned by the API.
var (
	ProblemInvalidEvent          = Problem{"invalid-event", http.StatusBadRequest, "Invalid event"}
	ProblemEventTooLarge         = Problem{"event-too-large", http.StatusRequestEntityTooLarge, "Event too large"}
	ProblemUnsupportedContract   = Problem{"unsupported-contract-version", http.StatusUnprocessableEntity, "Unsupported contract version"}
	ProblemProducerRateLimited   = Problem{"producer-rate-limited", http.StatusTooManyRequests, "Producer rate limit exceeded"}
	ProblemClientRateLimited     = Problem{"client-rate-limited", http.StatusTooManyRequests, "Client rate limit exceeded"}
	ProblemLookupMiss            = Problem{"lookup-miss", http.StatusNotFound, "No such item"}
	ProblemActionExecuted        = Problem{"proactive-action-executed", http.StatusConflict, "Proactive action already executed"}
	ProblemIdempotencyConflict   = Problem{"idempotency-key-reused", http.StatusConflict, "Idempotency key reused"}
	ProblemDependencyUnavailable = Problem{"dependency-unavailable", http.StatusServiceUnavailable, "Dependency unavailable"}
	ProblemCoordinatorStopped    = Problem{"coordinator-unavailable", http.StatusServiceUnavailable, "Coordinator unavailable"}
	ProblemInternal              = Problem{"internal", http.StatusInternalServerError, "Internal error"}
)

// TypeURI returns the RFC 7807 type for p.
func (p Problem) TypeURI() string { return problemBase + p.Code }

// ProblemDetail is the RFC 7807 body of every API error response.
type ProblemDetail struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Code, p.Detail)
}

// Write writes one occurrence of p. r may be nil, in which case the response
// carries no instance.
func (p Problem) Write(w http.ResponseWriter, r *http.Request, detail string) {
	body := &ProblemDetail{
		Type:    p.TypeURI(),
		Code:    p.Code,
		Title:   p.Title,
		Status:  p.Status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		body.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteRateLimited writes a rate-limit problem with a Retry-After header.
func WriteRateLimited(w http.ResponseWriter, r *http.Request, p Problem, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	p.Write(w, r, "Rate limit exceeded. Retry after "+strconv.Itoa(retryAfterSecs)+"s.")
}

// WriteInternal logs err and writes a sanitized 500. err never reaches the
// client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	ProblemInternal.Write(w, r, "An unexpected error occurred. Please try again later.")
}
