package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/identity"
	"github.com/Noetic-Labs/meridian/core/pkg/kernel"
	"github.com/Noetic-Labs/meridian/core/pkg/observability"
	"github.com/Noetic-Labs/meridian/core/pkg/overlay"
	"github.com/Noetic-Labs/meridian/core/pkg/pipeline"
	"github.com/Noetic-Labs/meridian/core/pkg/store"
)

// Server is the kernel's HTTP admin surface. Runs are submitted and
// inspected here; everything else flows through the bus.
type Server struct {
	kernel    *kernel.Kernel
	runs      *store.SQLiteRunStore
	timeline  *observability.RunTimeline
	tokens    *identity.TokenManager
	directory identity.Directory
	logger    *slog.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithRunStore enables GET /v1/runs/{id} lookups against the archive.
func WithRunStore(s *store.SQLiteRunStore) ServerOption {
	return func(srv *Server) { srv.runs = s }
}

// WithTimeline enables GET /v1/timeline queries.
func WithTimeline(t *observability.RunTimeline) ServerOption {
	return func(srv *Server) { srv.timeline = t }
}

// WithTokenVerifier enables bearer-token authentication on POST /v1/runs.
// When set, every submission must carry a token minted by the same keyring;
// the token's claims are the actor's attributes and the request body's
// trust and capability fields are ignored.
func WithTokenVerifier(tm *identity.TokenManager) ServerOption {
	return func(srv *Server) { srv.tokens = tm }
}

// WithDirectory resolves submission actors through a directory instead of
// the request body. Unknown actors are rejected.
func WithDirectory(d identity.Directory) ServerOption {
	return func(srv *Server) { srv.directory = d }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// NewServer builds the admin surface over a kernel.
func NewServer(k *kernel.Kernel, opts ...ServerOption) *Server {
	srv := &Server{
		kernel: k,
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Handler returns the routed handler for the admin surface. Middleware
// (rate limiting, idempotency) is layered by the caller.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/overlays/{name}/health", s.handleOverlayHealth)
	mux.HandleFunc("POST /v1/overlays/{name}/breaker/reset", s.handleBreakerReset)
	mux.HandleFunc("GET /v1/timeline", s.handleTimeline)
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// SubmitRunRequest is the body of POST /v1/runs.
type SubmitRunRequest struct {
	Input map[string]interface{} `json:"input"`
	Actor ActorRef               `json:"actor"`
}

// ActorRef identifies the submitting actor. The trust and capability
// fields are honored only when the server resolves actors from the body;
// a configured token verifier or directory overrides them.
type ActorRef struct {
	ActorID      string   `json:"actor_id"`
	TenantID     string   `json:"tenant_id,omitempty"`
	TrustScore   float64  `json:"trust_score"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RunResponse summarizes a settled (or failed) run.
type RunResponse struct {
	RunID     string                            `json:"run_id"`
	Status    string                            `json:"status"`
	StartedAt time.Time                         `json:"started_at"`
	Results   map[string]interface{}            `json:"results,omitempty"`
	Outcomes  map[string]*pipeline.PhaseOutcome `json:"outcomes,omitempty"`
	Fuel      uint64                            `json:"fuel_consumed"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	actor, ok := s.resolveActor(w, r, req.Actor)
	if !ok {
		return
	}

	rc, err := s.kernel.SubmitRun(r.Context(), req.Input, actor)
	if err != nil {
		var bp *kernel.ErrBackpressure
		switch {
		case pipeline.IsValidation(err):
			WriteBadRequest(w, err.Error())
		case errors.As(err, &bp):
			WriteTooManyRequests(w, 5)
		case budget.IsBudgetError(err):
			// Tenant quota, not request rate: the window rolls daily.
			WriteTooManyRequests(w, 3600)
		default:
			// A non-nil run context means the pipeline ran and settled
			// unsuccessfully; report the terminal state, not a 500.
			if rc != nil {
				writeRunResponse(w, rc)
				return
			}
			WriteInternal(w, err)
		}
		return
	}

	writeRunResponse(w, rc)
}

// resolveActor determines the submitting actor's authorization attributes.
// With a token verifier configured the bearer token is the only attribute
// source. With a directory configured the body names the actor and the
// directory supplies its attributes. With neither, the body's attributes
// are taken as-is; that mode is for self-contained deployments and tests.
func (s *Server) resolveActor(w http.ResponseWriter, r *http.Request, ref ActorRef) (identity.Attributes, bool) {
	switch {
	case s.tokens != nil:
		token, ok := bearerToken(r)
		if !ok {
			WriteUnauthorized(w, "Missing bearer token")
			return identity.Attributes{}, false
		}
		attrs, err := s.tokens.Verify(token)
		if err != nil {
			s.logger.Warn("token rejected", "error", err)
			WriteUnauthorized(w, "Invalid bearer token")
			return identity.Attributes{}, false
		}
		return attrs, true
	case s.directory != nil:
		if ref.ActorID == "" {
			WriteBadRequest(w, "Missing required field: actor.actor_id")
			return identity.Attributes{}, false
		}
		attrs, err := s.directory.Lookup(r.Context(), ref.ActorID)
		if err != nil {
			if errors.Is(err, identity.ErrActorUnknown) {
				WriteForbidden(w, "Unknown actor: "+ref.ActorID)
			} else {
				WriteInternal(w, err)
			}
			return identity.Attributes{}, false
		}
		return attrs, true
	default:
		if ref.ActorID == "" {
			WriteBadRequest(w, "Missing required field: actor.actor_id")
			return identity.Attributes{}, false
		}
		return identity.Attributes{
			ActorID:      ref.ActorID,
			TenantID:     ref.TenantID,
			TrustScore:   ref.TrustScore,
			Capabilities: ref.Capabilities,
		}, true
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func writeRunResponse(w http.ResponseWriter, rc *pipeline.RunContext) {
	resp := RunResponse{
		RunID:     rc.RunID,
		Status:    string(rc.Status()),
		StartedAt: rc.StartedAt,
		Results:   rc.Results(),
		Outcomes:  rc.Outcomes(),
		Fuel:      rc.Meter.Usage().FuelConsumed,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		WriteNotFound(w, "Run archive is not configured")
		return
	}
	runID := r.PathValue("id")

	rec, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			WriteNotFound(w, "Unknown run: "+runID)
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleOverlayHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	health, err := s.kernel.OverlayHealth(name)
	if err != nil {
		if overlay.CodeOf(err) == overlay.ErrCodeNotFound {
			WriteNotFound(w, "Unknown overlay: "+name)
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.kernel.ResetCircuitBreaker(name); err != nil {
		if overlay.CodeOf(err) == overlay.ErrCodeNotFound {
			WriteNotFound(w, "Unknown overlay: "+name)
			return
		}
		WriteInternal(w, err)
		return
	}

	s.logger.Info("circuit breaker reset", "overlay", name)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"overlay": name, "breaker": "reset"})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.timeline == nil {
		WriteNotFound(w, "Timeline is not configured")
		return
	}

	q := observability.TimelineQuery{
		RunID: r.URL.Query().Get("run_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteBadRequest(w, "Invalid limit: "+raw)
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("entry_type"); raw != "" {
		et := observability.TimelineEntryType(raw)
		q.EntryType = &et
	}

	entries := s.timeline.Query(q)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"depth": s.kernel.QueueDepth()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
