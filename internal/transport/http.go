// Package transport exposes the core's request surface over HTTP: Health,
// GetSchema, UpsertSchemaType, InitializeUserGraph, UpsertGraphDelta,
// FindEntityCandidates. Every non-2xx response carries a JSON error
// envelope mapping errs.Kind to a status code.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
	"github.com/exobrain/knowledge-interface/internal/jsonx"
	"github.com/exobrain/knowledge-interface/internal/policy"
)

// SchemaService is the GetSchema/UpsertSchemaType port, satisfied by
// *schema.Service.
type SchemaService interface {
	GetSchema(ctx context.Context) (domain.FullSchema, error)
	UpsertSchemaType(ctx context.Context, cmd domain.UpsertSchemaTypeCommand) (domain.SchemaType, error)
}

// Bootstrapper is the InitializeUserGraph port, satisfied by
// *bootstrap.Bootstrap.
type Bootstrapper interface {
	InitializeUserGraph(ctx context.Context, userID, userName string) (domain.InitializeUserGraphResult, error)
}

// Coordinator is the UpsertGraphDelta port, satisfied by *ingest.Coordinator.
type Coordinator interface {
	Run(ctx context.Context, userID string, delta domain.GraphDelta) (domain.UpsertGraphDeltaResult, error)
}

// Scorer is the FindEntityCandidates port, satisfied by
// *candidates.Scorer.
type Scorer interface {
	Find(ctx context.Context, query domain.FindEntityCandidatesQuery) ([]domain.EntityCandidate, error)
}

// Server wires the six request-surface operations onto their handling
// components and exposes the resulting mux.Router.
type Server struct {
	schema      SchemaService
	bootstrap   Bootstrapper
	coordinator Coordinator
	scorer      Scorer
	rateLimiter *policy.RateLimiter
	logger      *zap.Logger
}

// NewServer wires a Server onto its already-connected dependencies.
// rateLimiter may be nil, in which case no request is throttled.
func NewServer(schema SchemaService, bootstrap Bootstrapper, coordinator Coordinator, scorer Scorer, rateLimiter *policy.RateLimiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{schema: schema, bootstrap: bootstrap, coordinator: coordinator, scorer: scorer, rateLimiter: rateLimiter, logger: logger.Named("http_transport")}
}

// Router builds the mux.Router exposing the full request surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/schema", s.handleGetSchema).Methods(http.MethodGet)
	r.HandleFunc("/v1/schema/types", s.handleUpsertSchemaType).Methods(http.MethodPost)
	r.HandleFunc("/v1/users/{user_id}/initialize", s.handleInitializeUserGraph).Methods(http.MethodPost)
	r.HandleFunc("/v1/deltas", s.rateLimited("upsert_graph_delta", s.handleUpsertGraphDelta)).Methods(http.MethodPost)
	r.HandleFunc("/v1/candidates", s.rateLimited("find_entity_candidates", s.handleFindEntityCandidates)).Methods(http.MethodPost)
	return r
}

// rateLimited wraps next with a per-user, per-endpoint check against the
// free tier when a RateLimiter is configured. The two RPCs gated here are
// the only ones that do meaningful store I/O on every call; GetSchema and
// Health are cheap reads and InitializeUserGraph is self-limiting via its
// own idempotence marker.
func (s *Server) rateLimited(endpoint string, next func(w http.ResponseWriter, r *http.Request)) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil {
			userID := r.URL.Query().Get("user_id")
			result, err := s.rateLimiter.Allow(r.Context(), userID, policy.TierFree, endpoint)
			if err == nil && !result.Allowed {
				w.Header().Set("Retry-After", result.RetryAfter.String())
				writeError(w, errs.New(errs.KindConflict, "rate limit exceeded"))
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.schema.GetSchema(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleUpsertSchemaType(w http.ResponseWriter, r *http.Request) {
	var cmd domain.UpsertSchemaTypeCommand
	if err := jsonx.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, errs.Invalid([]string{"malformed request body: " + err.Error()}))
		return
	}
	result, err := s.schema.UpsertSchemaType(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInitializeUserGraph(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	var body struct {
		UserName string `json:"user_name"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Invalid([]string{"malformed request body: " + err.Error()}))
		return
	}
	result, err := s.bootstrap.InitializeUserGraph(r.Context(), userID, body.UserName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpsertGraphDelta(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string            `json:"user_id"`
		Delta  domain.GraphDelta `json:"delta"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Invalid([]string{"malformed request body: " + err.Error()}))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	result, err := s.coordinator.Run(ctx, body.UserID, body.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFindEntityCandidates(w http.ResponseWriter, r *http.Request) {
	var query domain.FindEntityCandidatesQuery
	if err := jsonx.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, errs.Invalid([]string{"malformed request body: " + err.Error()}))
		return
	}
	candidates, err := s.scorer.Find(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := jsonx.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

// errorEnvelope is the JSON body returned for every non-2xx response.
type errorEnvelope struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := statusForKind(kind)

	var issues []string
	var e *errs.Error
	if asErr, ok := err.(*errs.Error); ok {
		e = asErr
		issues = e.Issues
	}

	writeJSON(w, status, errorEnvelope{Kind: string(kind), Message: errs.Sanitize(err.Error()), Issues: issues})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindCommit:
		return http.StatusInternalServerError
	case errs.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
