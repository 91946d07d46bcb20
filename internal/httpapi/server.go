package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/cj/internal/boundary"
	"github.com/ent0n29/cj/internal/config"
	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/faults"
	"github.com/ent0n29/cj/internal/observability"
	"github.com/ent0n29/cj/internal/transcript"
	"github.com/ent0n29/cj/internal/turn"
	"github.com/ent0n29/cj/internal/workflow"
)

// Deps are the pipeline components the API serves. Transcript is optional.
type Deps struct {
	Orchestrator  *turn.Orchestrator
	Conversations *conversation.Manager
	Workflows     *workflow.Manager
	Verifier      *factcheck.Service
	Policies      *boundary.Registry
	Transcript    transcript.Store
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

type Server struct {
	cfg        config.Config
	orch       *turn.Orchestrator
	convs      *conversation.Manager
	workflows  *workflow.Manager
	verifier   *factcheck.Service
	policies   *boundary.Registry
	transcript transcript.Store
	metrics    *observability.Metrics
	logger     *zap.Logger
	validate   *validator.Validate
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		orch:       deps.Orchestrator,
		convs:      deps.Conversations,
		workflows:  deps.Workflows,
		verifier:   deps.Verifier,
		policies:   deps.Policies,
		transcript: deps.Transcript,
		metrics:    deps.Metrics,
		logger:     logger.With(zap.String("component", "httpapi")),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/conversations", func(r chi.Router) {
		r.Post("/", s.handleCreateConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Post("/end", s.handleEndConversation)
			r.Post("/turns", s.handleTurn)
			r.Get("/transcript", s.handleTranscript)
			r.Get("/ws", s.handleConversationWS)
			r.Post("/workflow/events", s.handleWorkflowEvent)
			r.Get("/workflow/next-milestone", s.handleNextMilestone)
			r.Post("/workflow/milestones", s.handleCompleteMilestone)
		})
	})
	r.Get("/v1/verifications/{key}", s.handleGetVerification)
	r.Get("/v1/policies", s.handlePolicies)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"active_conversations": s.convs.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orch == nil || s.verifier == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "turn pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"verification": s.verifier.Stats(),
		"transcript":   s.transcript != nil,
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, _ *http.Request) {
	if s.policies == nil {
		respondJSON(w, http.StatusOK, map[string]any{"versions": []string{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default_version": s.policies.DefaultVersion,
		"versions":        s.policies.Versions(),
		"hash":            s.policies.Hash(),
	})
}

type createConversationRequest struct {
	MerchantID string `json:"merchant_id" validate:"required,max=128"`
	CJVersion  string `json:"cj_version" validate:"omitempty,max=32"`
	TrustLevel string `json:"trust_level" validate:"omitempty,max=32"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.MerchantID) == "" {
		req.MerchantID = "anonymous"
	}
	if !s.validRequest(w, &req) {
		return
	}

	conv, err := s.orch.Open(req.MerchantID, req.CJVersion, req.TrustLevel)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conversation.CreateResponse{
		ConversationID: conv.ID,
		MerchantID:     conv.MerchantID,
		CJVersion:      conv.CJVersion,
		Status:         conv.Status,
		ActiveWorkflow: conv.ActiveWorkflow,
		StartedAt:      conv.StartedAt,
		IdleTTLMS:      s.convs.IdleTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.convs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.orch.End(chi.URLParam(r, "id"))
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	turns, err := s.transcript.History(r.Context(), id, 0)
	if err != nil {
		s.logger.Warn("transcript read failed", zap.String("conversation_id", id), zap.Error(err))
		respondError(w, http.StatusBadGateway, "transcript_unavailable", "transcript store unavailable")
		return
	}
	reports, err := s.transcript.Reports(r.Context(), id)
	if err != nil {
		s.logger.Warn("report read failed", zap.String("conversation_id", id), zap.Error(err))
		respondError(w, http.StatusBadGateway, "transcript_unavailable", "transcript store unavailable")
		return
	}
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	if reports == nil {
		reports = []transcript.ReportRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"turns":           turns,
		"reports":         reports,
	})
}

// respondPipelineError maps pipeline errors to responses without leaking
// internals to the caller.
func (s *Server) respondPipelineError(w http.ResponseWriter, err error) {
	var cfgErr *faults.ConfigError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		respondError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
	case errors.As(err, &cfgErr):
		respondError(w, http.StatusBadRequest, "unknown_"+cfgErr.Kind, cfgErr.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func (s *Server) validRequest(w http.ResponseWriter, v any) bool {
	err := s.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+" "+fe.Tag())
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid fields: "+strings.Join(fields, ", "))
		return false
	}
	respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	return false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
