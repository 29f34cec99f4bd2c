package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/pulse/pkg/adapter"
	"github.com/Mindburn-Labs/pulse/pkg/bus"
	"github.com/Mindburn-Labs/pulse/pkg/contracts"
	"github.com/Mindburn-Labs/pulse/pkg/coordinator"
	"github.com/Mindburn-Labs/pulse/pkg/memory"
	"github.com/Mindburn-Labs/pulse/pkg/proactive"
	"github.com/Mindburn-Labs/pulse/pkg/ratelimit"
)

const maxEventBytes = 1 << 20

// Coordinator is the part of *coordinator.Coordinator the HTTP surface uses.
type Coordinator interface {
	Emit(ctx context.Context, env contracts.EventEnvelope) error
	GetAlerts(ctx context.Context) ([]contracts.Alert, error)
	DismissAlert(ctx context.Context, id string) error
	GetRecommendations(ctx context.Context) ([]contracts.Recommendation, error)
	ExecuteRecommendation(ctx context.Context, id string) (bool, error)
	GetProactiveActions(ctx context.Context) ([]contracts.ProactiveAction, error)
	ExecuteProactiveAction(ctx context.Context, id string) (contracts.ProactiveAction, error)
	RunProactiveCheck(ctx context.Context) ([]contracts.ProactiveAction, error)
	MonitorUser(ctx context.Context, userID string) error
	GetLearningMemory(ctx context.Context) (map[string]memory.Entry, error)
}

var _ Coordinator = (*coordinator.Coordinator)(nil)

// Server serves the coordinator over HTTP.
type Server struct {
	coord     Coordinator
	adapter   *adapter.Adapter
	validator *adapter.Validator
	limits    ratelimit.Store
	policy    ratelimit.Policy
	idem      IdempotencyStore
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithProducerLimit limits ingest per producer (the event's source).
func WithProducerLimit(store ratelimit.Store, policy ratelimit.Policy) ServerOption {
	return func(s *Server) {
		s.limits = store
		s.policy = policy
	}
}

// WithIdempotency honors Idempotency-Key on ingest.
func WithIdempotency(store IdempotencyStore) ServerOption {
	return func(s *Server) { s.idem = store }
}

// WithAdapter replaces the default producer taxonomy.
func WithAdapter(a *adapter.Adapter) ServerOption {
	return func(s *Server) { s.adapter = a }
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the HTTP surface for coord.
func NewServer(coord Coordinator, validator *adapter.Validator, opts ...ServerOption) *Server {
	s := &Server{
		coord:     coord,
		adapter:   adapter.New(),
		validator: validator,
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /v1/events", s.ingestHandler())
	mux.HandleFunc("GET /v1/alerts", s.handleAlerts)
	mux.HandleFunc("DELETE /v1/alerts/{id}", s.handleDismissAlert)
	mux.HandleFunc("GET /v1/recommendations", s.handleRecommendations)
	mux.HandleFunc("POST /v1/recommendations/{id}/execute", s.handleExecuteRecommendation)
	mux.HandleFunc("GET /v1/proactive-actions", s.handleProactiveActions)
	mux.HandleFunc("POST /v1/proactive-actions/{id}/execute", s.handleExecuteProactiveAction)
	mux.HandleFunc("POST /v1/proactive-check", s.handleProactiveCheck)
	mux.HandleFunc("PUT /v1/monitored-users/{id}", s.handleMonitorUser)
	mux.HandleFunc("GET /v1/learning-memory", s.handleLearningMemory)
	return mux
}

func (s *Server) ingestHandler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.handleIngest)
	if s.idem != nil {
		h = Idempotent(s.idem)(h)
	}
	return h
}

// IngestResponse acknowledges an accepted producer event.
type IngestResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Type          contracts.EventType `json:"type"`
	Priority      contracts.Priority  `json:"priority"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		ProblemEventTooLarge.Write(w, r, "Event body exceeds 1MB")
		return
	}

	ev, err := s.validator.Parse(body)
	switch {
	case errors.Is(err, adapter.ErrUnsupportedVersion):
		ProblemUnsupportedContract.Write(w, r, err.Error())
		return
	case err != nil:
		ProblemInvalidEvent.Write(w, r, err.Error())
		return
	}

	if s.limits != nil {
		err := ratelimit.Check(r.Context(), s.limits, "producer:"+ev.Source, s.policy)
		switch {
		case errors.Is(err, ratelimit.ErrLimited):
			WriteRateLimited(w, r, ProblemProducerRateLimited, retryAfter(s.policy))
			return
		case err != nil:
			s.logger.Warn("producer limit unavailable", "source", ev.Source, "error", err)
			ProblemDependencyUnavailable.Write(w, r, "Rate limiter unavailable")
			return
		}
	}

	env := s.adapter.Normalize(ev)
	if err := s.coord.Emit(r.Context(), env); err != nil {
		if errors.Is(err, bus.ErrInvalidEnvelope) {
			ProblemInvalidEvent.Write(w, r, err.Error())
			return
		}
		s.coordinatorError(w, r, err)
		return
	}

	s.logger.Debug("event accepted",
		"source", ev.Source, "external_type", ev.Type, "event_type", env.Type, "correlation_id", env.CorrelationID)
	writeJSON(w, http.StatusAccepted, IngestResponse{
		CorrelationID: env.CorrelationID,
		Type:          env.Type,
		Priority:      env.Priority,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.coord.GetAlerts(r.Context())
	if err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DismissAlert(r.Context(), r.PathValue("id")); err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.coord.GetRecommendations(r.Context())
	if err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) handleExecuteRecommendation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.coord.ExecuteRecommendation(r.Context(), id)
	if err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	if !ok {
		ProblemLookupMiss.Write(w, r, "No actionable recommendation "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "executed": true})
}

func (s *Server) handleProactiveActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.coord.GetProactiveActions(r.Context())
	if err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(actions))
}

func (s *Server) handleExecuteProactiveAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action, err := s.coord.ExecuteProactiveAction(r.Context(), id)
	switch {
	case errors.Is(err, proactive.ErrActionNotFound):
		ProblemLookupMiss.Write(w, r, "No proactive action "+id)
	case errors.Is(err, proactive.ErrAlreadyExecuted):
		ProblemActionExecuted.Write(w, r, "Proactive action "+id+" was already executed")
	case err != nil:
		s.coordinatorError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, action)
	}
}

func (s *Server) handleProactiveCheck(w http.ResponseWriter, r *http.Request) {
	actions, err := s.coord.RunProactiveCheck(r.Context())
	if err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(actions))
}

func (s *Server) handleMonitorUser(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.MonitorUser(r.Context(), r.PathValue("id")); err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLearningMemory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.coord.GetLearningMemory(r.Context())
	if err != nil {
		s.coordinatorError(w, r, err)
		return
	}
	if entries == nil {
		entries = map[string]memory.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// coordinatorError maps coordinator availability errors to 503 and
// everything else to a sanitized 500.
func (s *Server) coordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, coordinator.ErrStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		ProblemCoordinatorStopped.Write(w, r, "Coordinator is not accepting requests")
		return
	}
	WriteInternal(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
