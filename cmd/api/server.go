package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/splits-network/splits-sub027/assignment"
	"github.com/splits-network/splits-sub027/telemetry"
)

// workflow is the engine surface the HTTP layer drives.
type workflow interface {
	Submit(ctx context.Context, p assignment.SubmitParams) (assignment.Assignment, error)
	Get(ctx context.Context, id string) (assignment.Assignment, error)
	History(ctx context.Context, id string) ([]assignment.GateEvent, error)
	Permissions(ctx context.Context, id string, actor assignment.ActorContext) (assignment.Actions, error)
	Approve(ctx context.Context, p assignment.ApproveParams) (assignment.Assignment, error)
	Deny(ctx context.Context, p assignment.DenyParams) (assignment.Assignment, error)
	RequestInfo(ctx context.Context, p assignment.RequestInfoParams) (assignment.Assignment, error)
	ProvideInfo(ctx context.Context, p assignment.ProvideInfoParams) (assignment.Assignment, error)
	AddNote(ctx context.Context, p assignment.NoteParams) (assignment.Assignment, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (assignment.ActorContext, error)
}

// Server wires HTTP handlers for the assignment API.
type Server struct {
	workflow       workflow
	verifier       tokenVerifier
	logger         *slog.Logger
	requestTimeout time.Duration
}

func NewServer(wf workflow, verifier tokenVerifier, logger *slog.Logger, requestTimeout time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{workflow: wf, verifier: verifier, logger: logger, requestTimeout: requestTimeout}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/assignments", func(r chi.Router) {
		if s.requestTimeout > 0 {
			r.Use(middleware.Timeout(s.requestTimeout))
		}
		r.Use(s.authenticate)

		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/history", s.handleHistory)
		r.Get("/{id}/permissions", s.handlePermissions)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/deny", s.handleDeny)
		r.Post("/{id}/request-info", s.handleRequestInfo)
		r.Post("/{id}/provide-info", s.handleProvideInfo)
		r.Post("/{id}/notes", s.handleAddNote)
	})
	return r
}

type actorKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
			return
		}
		actor, err := s.verifier.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) assignment.ActorContext {
	actor, _ := r.Context().Value(actorKey{}).(assignment.ActorContext)
	return actor
}

type submitRequest struct {
	CandidateID string `json:"candidate_id"`
	JobID       string `json:"job_id"`
}

type mutationRequest struct {
	ExpectedVersion *int64   `json:"expected_version"`
	Notes           string   `json:"notes"`
	TargetStage     string   `json:"target_stage"`
	Salary          float64  `json:"salary"`
	DocumentRefs    []string `json:"document_refs"`
	Reason          string   `json:"reason"`
	Questions       string   `json:"questions"`
	Answers         string   `json:"answers"`
	Note            string   `json:"note"`
}

type payloadResponse struct {
	Text          string   `json:"text,omitempty"`
	TargetStage   string   `json:"target_stage,omitempty"`
	Salary        float64  `json:"salary,omitempty"`
	DocumentRefs  []string `json:"document_refs,omitempty"`
	DocumentBatch string   `json:"document_batch,omitempty"`
}

type eventResponse struct {
	Sequence  int             `json:"sequence"`
	ActorID   string          `json:"actor_id"`
	ActorRole string          `json:"actor_role"`
	Gate      string          `json:"gate"`
	Stage     string          `json:"stage"`
	Action    string          `json:"action"`
	Payload   payloadResponse `json:"payload"`
	Answered  bool            `json:"answered"`
	CreatedAt string          `json:"created_at"`
}

type assignmentResponse struct {
	ID          string          `json:"id"`
	CandidateID string          `json:"candidate_id"`
	JobID       string          `json:"job_id"`
	Gate        string          `json:"gate"`
	Stage       string          `json:"stage"`
	State       string          `json:"state"`
	Version     int64           `json:"version"`
	History     []eventResponse `json:"history"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

type historyResponse struct {
	Events []eventResponse `json:"events"`
}

type permissionsResponse struct {
	Actions []string `json:"actions"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, string(assignment.KindValidation), "invalid json")
		return
	}
	a, err := s.workflow.Submit(r.Context(), assignment.SubmitParams{
		Actor:       actorFrom(r),
		CandidateID: req.CandidateID,
		JobID:       req.JobID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentResponse(a))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.workflow.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: toEventResponses(events)})
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.workflow.Permissions(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := permissionsResponse{Actions: make([]string, len(actions))}
	for i, a := range actions {
		resp.Actions[i] = string(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, cmd assignment.Command, req mutationRequest) (assignment.Assignment, error) {
		return s.workflow.Approve(ctx, assignment.ApproveParams{
			Command:      cmd,
			Notes:        req.Notes,
			TargetStage:  assignment.Stage(req.TargetStage),
			Salary:       req.Salary,
			DocumentRefs: req.DocumentRefs,
		})
	})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, cmd assignment.Command, req mutationRequest) (assignment.Assignment, error) {
		return s.workflow.Deny(ctx, assignment.DenyParams{Command: cmd, Reason: req.Reason})
	})
}

func (s *Server) handleRequestInfo(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, cmd assignment.Command, req mutationRequest) (assignment.Assignment, error) {
		return s.workflow.RequestInfo(ctx, assignment.RequestInfoParams{Command: cmd, Questions: req.Questions})
	})
}

func (s *Server) handleProvideInfo(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, cmd assignment.Command, req mutationRequest) (assignment.Assignment, error) {
		return s.workflow.ProvideInfo(ctx, assignment.ProvideInfoParams{Command: cmd, Answers: req.Answers})
	})
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, cmd assignment.Command, req mutationRequest) (assignment.Assignment, error) {
		return s.workflow.AddNote(ctx, assignment.NoteParams{Command: cmd, Note: req.Note})
	})
}

type mutation func(ctx context.Context, cmd assignment.Command, req mutationRequest) (assignment.Assignment, error)

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, run mutation) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, string(assignment.KindValidation), "invalid json")
		return
	}
	if req.ExpectedVersion == nil {
		writeErrorCode(w, http.StatusBadRequest, string(assignment.KindValidation), "expected_version is required")
		return
	}
	cmd := assignment.Command{
		AssignmentID:    chi.URLParam(r, "id"),
		Actor:           actorFrom(r),
		ExpectedVersion: *req.ExpectedVersion,
	}
	a, err := run(r.Context(), cmd, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

func toAssignmentResponse(a assignment.Assignment) assignmentResponse {
	return assignmentResponse{
		ID:          a.ID,
		CandidateID: a.CandidateID,
		JobID:       a.JobID,
		Gate:        string(a.Gate),
		Stage:       string(a.Stage),
		State:       string(a.State),
		Version:     a.Version,
		History:     toEventResponses(a.History),
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toEventResponses(events []assignment.GateEvent) []eventResponse {
	out := make([]eventResponse, len(events))
	for i, ev := range events {
		out[i] = eventResponse{
			Sequence:  ev.Sequence,
			ActorID:   ev.ActorID,
			ActorRole: string(ev.ActorRole),
			Gate:      string(ev.Gate),
			Stage:     string(ev.Stage),
			Action:    string(ev.Kind),
			Payload: payloadResponse{
				Text:          ev.Payload.Text,
				TargetStage:   string(ev.Payload.TargetStage),
				Salary:        ev.Payload.Salary,
				DocumentRefs:  ev.Payload.DocumentRefs,
				DocumentBatch: ev.Payload.DocumentBatch,
			},
			Answered:  ev.Answered,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return out
}

func statusFor(kind assignment.Kind) int {
	switch kind {
	case assignment.KindValidation:
		return http.StatusBadRequest
	case assignment.KindAuthorization:
		return http.StatusForbidden
	case assignment.KindNotFound:
		return http.StatusNotFound
	case assignment.KindConflict, assignment.KindStaleState, assignment.KindTerminalState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := assignment.KindOf(err)
	if kind == assignment.KindInternal {
		if errors.Is(err, context.DeadlineExceeded) {
			writeErrorCode(w, http.StatusServiceUnavailable, "timeout", "request timed out")
			return
		}
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeErrorCode(w, http.StatusInternalServerError, string(kind), "internal error")
		return
	}
	writeErrorCode(w, statusFor(kind), string(kind), err.Error())
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
