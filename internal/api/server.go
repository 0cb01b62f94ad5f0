package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/auth"
	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/observability/metrics"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/internal/task"
	"OpenGRC-Risk/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server exposes the REST interface.
type Server struct {
	addr    string
	repo    *store.Repository
	jobs    *task.Service
	agents  *agent.Registry
	metrics *metrics.Metrics
	auth    *auth.Service
	log     *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithRegistry exposes agent snapshots on /api/v1/agents.
func WithRegistry(r *agent.Registry) Option {
	return func(s *Server) { s.agents = r }
}

// WithMetrics instruments every route and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth protects every /api/ route; health and metrics stay open.
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// WithLogger overrides the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer builds the API server.
func NewServer(addr string, repo *store.Repository, jobs *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, repo: repo, jobs: jobs, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	s.route(mux, "GET /api/v1/frameworks", "frameworks", s.handleListFrameworks)
	s.route(mux, "GET /api/v1/frameworks/{id}/controls", "framework_controls", s.handleListControls)
	s.route(mux, "POST /api/v1/assessments", "assessments", s.handleCreateAssessment)
	s.route(mux, "GET /api/v1/assessments", "assessments", s.handleListAssessments)
	s.route(mux, "GET /api/v1/assessments/{id}", "assessment", s.handleGetAssessment)
	s.route(mux, "PUT /api/v1/assessments/{id}/responses", "assessment_responses", s.handlePutResponses)
	s.route(mux, "GET /api/v1/assessments/{id}/responses", "assessment_responses", s.handleListResponses)
	s.route(mux, "POST /api/v1/assessments/{id}/score", "assessment_score", s.handleScore)
	s.route(mux, "GET /api/v1/assessments/{id}/result", "assessment_result", s.handleLatestResult)
	s.route(mux, "GET /api/v1/assessments/{id}/results", "assessment_results", s.handleListResults)
	s.route(mux, "GET /api/v1/jobs", "jobs", s.handleListJobs)
	s.route(mux, "GET /api/v1/jobs/{id}", "job", s.handleGetJob)
	s.route(mux, "GET /api/v1/agents", "agents", s.handleAgents)
	s.route(mux, "GET /api/v1/agents/{name}/runs", "agent_runs", s.handleAgentRuns)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.auth != nil && strings.Contains(pattern, "/api/") {
		h = s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions, AuditEvent: name})(h)
	}
	if s.metrics != nil {
		h = instrument(s.metrics, name, h)
	}
	mux.Handle(pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListFrameworks(w http.ResponseWriter, r *http.Request) {
	fws, err := s.repo.ListFrameworks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fws)
}

func (s *Server) handleListControls(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.repo.GetFramework(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	controls, err := s.repo.ListControls(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controls)
}

type createAssessmentRequest struct {
	ID          string `json:"id"`
	FrameworkID string `json:"framework_id"`
	Name        string `json:"name"`
}

func (s *Server) handleCreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req createAssessmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FrameworkID) == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "framework_id is required"))
		return
	}
	created, err := s.repo.CreateAssessment(r.Context(), store.Assessment{
		ID:          strings.TrimSpace(req.ID),
		FrameworkID: strings.TrimSpace(req.FrameworkID),
		Name:        req.Name,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	status := store.AssessmentStatus(r.URL.Query().Get("status"))
	list, err := s.repo.ListAssessments(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := s.repo.GetAssessment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type responsesRequest struct {
	Responses []scoring.Response `json:"responses"`
}

type responsesReply struct {
	AssessmentID string `json:"assessment_id"`
	Accepted     int    `json:"accepted"`
}

func (s *Server) handlePutResponses(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.repo.GetAssessment(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req responsesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Responses) == 0 {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "responses must not be empty"))
		return
	}
	for _, resp := range req.Responses {
		resp.ControlID = strings.TrimSpace(resp.ControlID)
		if err := s.repo.PutResponse(r.Context(), id, resp); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, responsesReply{AssessmentID: id, Accepted: len(req.Responses)})
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.repo.GetAssessment(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	responses, err := s.repo.ListResponses(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job service not initialised", http.StatusServiceUnavailable)
		return
	}
	job, err := s.jobs.Submit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleLatestResult(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.LatestResult(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	recs, err := s.repo.ListResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job service not initialised", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job service not initialised", http.StatusServiceUnavailable)
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusOK, []agent.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.agents.Snapshot())
}

func (s *Server) handleAgentRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.repo.ListRuns(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body"))
		return false
	}
	return true
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
