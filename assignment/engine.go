package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/splits-network/splits-sub027/telemetry"
)

// Command identifies the assignment, the caller and the version the caller
// last observed. Every mutating operation takes one.
type Command struct {
	AssignmentID    string
	Actor           ActorContext
	ExpectedVersion int64
}

type ApproveParams struct {
	Command
	Notes       string
	TargetStage Stage
	Salary      float64
	// DocumentRefs are staged documents to commit when approving into interview.
	DocumentRefs []string
}

type DenyParams struct {
	Command
	Reason string
}

type RequestInfoParams struct {
	Command
	Questions string
}

type ProvideInfoParams struct {
	Command
	Answers string
}

type NoteParams struct {
	Command
	Note string
}

type SubmitParams struct {
	Actor       ActorContext
	CandidateID string
	JobID       string
}

// Engine is the gate workflow state machine. Each operation is one
// synchronous read-modify-write unit of work guarded by the assignment
// version.
type Engine struct {
	store       Store
	docs        DocumentStager
	effects     *Dispatcher
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	idGenerator func() string
	batchID     func() string
}

func NewEngine(store Store, docs DocumentStager) *Engine {
	return &Engine{
		store:       store,
		docs:        docs,
		effects:     NewDispatcher(),
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/splits-network/splits-sub027/assignment"),
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
		batchID:     func() string { return uuid.NewString() },
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

func (e *Engine) Approve(ctx context.Context, p ApproveParams) (Assignment, error) {
	return e.mutate(ctx, p.Command, request{
		action:       ActionApprove,
		actor:        p.Actor,
		text:         p.Notes,
		targetStage:  p.TargetStage,
		salary:       p.Salary,
		documentRefs: p.DocumentRefs,
	})
}

func (e *Engine) Deny(ctx context.Context, p DenyParams) (Assignment, error) {
	return e.mutate(ctx, p.Command, request{action: ActionDeny, actor: p.Actor, text: p.Reason})
}

func (e *Engine) RequestInfo(ctx context.Context, p RequestInfoParams) (Assignment, error) {
	return e.mutate(ctx, p.Command, request{action: ActionRequestInfo, actor: p.Actor, text: p.Questions})
}

func (e *Engine) ProvideInfo(ctx context.Context, p ProvideInfoParams) (Assignment, error) {
	return e.mutate(ctx, p.Command, request{action: ActionProvideInfo, actor: p.Actor, text: p.Answers})
}

func (e *Engine) AddNote(ctx context.Context, p NoteParams) (Assignment, error) {
	return e.mutate(ctx, p.Command, request{action: ActionAddNote, actor: p.Actor, text: p.Note})
}

// Submit opens a new assignment at the first gate. Only the candidate's
// recruiter submits.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (Assignment, error) {
	ctx, span := e.tracer.Start(ctx, "assignment.submit")
	defer span.End()

	a, err := e.submit(ctx, p)
	if err != nil {
		e.reject(span, "submit", "", err)
		return Assignment{}, err
	}
	telemetry.Transitions.WithLabelValues("submit").Inc()
	e.logger.InfoContext(ctx, "assignment submitted", "assignment_id", a.ID, "candidate_id", a.CandidateID, "job_id", a.JobID)
	return a, nil
}

func (e *Engine) submit(ctx context.Context, p SubmitParams) (Assignment, error) {
	if p.Actor.ID == "" || !p.Actor.HasRole(RoleCandidateRecruiter) {
		return Assignment{}, fmt.Errorf("%w: only the candidate's recruiter can submit", ErrAuthorization)
	}
	candidateID := cleanText(p.CandidateID)
	jobID := cleanText(p.JobID)
	if candidateID == "" || jobID == "" {
		return Assignment{}, fmt.Errorf("%w: candidate id and job id are required", ErrValidation)
	}

	now := e.now().UTC()
	a := Assignment{
		ID:          e.idGenerator(),
		CandidateID: candidateID,
		JobID:       jobID,
		Gate:        GateCandidateRecruiter,
		Stage:       StageScreen,
		State:       StateAwaitingReview,
		Version:     1,
		History:     []GateEvent{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.Create(ctx, a); err != nil {
		return Assignment{}, err
	}
	payload := map[string]any{
		"assignment_id": a.ID,
		"candidate_id":  a.CandidateID,
		"job_id":        a.JobID,
		"submitted_by":  p.Actor.ID,
	}
	if err := tx.Enqueue(ctx, TopicSubmitted, payload); err != nil {
		return Assignment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit submit: %w", err)
	}
	return a, nil
}

// Get returns the current assignment including its history.
func (e *Engine) Get(ctx context.Context, id string) (Assignment, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return tx.Load(ctx, id)
}

// History returns the events of an assignment in commit order.
func (e *Engine) History(ctx context.Context, id string) ([]GateEvent, error) {
	a, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.History, nil
}

// Permissions returns what actor can do to the assignment right now.
func (e *Engine) Permissions(ctx context.Context, id string, actor ActorContext) (Actions, error) {
	a, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	actions := Permitted(ViewOf(a), actor.Roles)
	if raisedBy(a, actor.ID) {
		kept := actions[:0]
		for _, action := range actions {
			if action != ActionProvideInfo {
				kept = append(kept, action)
			}
		}
		actions = kept
	}
	return actions, nil
}

func (e *Engine) mutate(ctx context.Context, cmd Command, req request) (Assignment, error) {
	ctx, span := e.tracer.Start(ctx, "assignment."+string(req.action), trace.WithAttributes(
		attribute.String("assignment.id", cmd.AssignmentID),
		attribute.Int64("assignment.expected_version", cmd.ExpectedVersion),
	))
	defer span.End()

	a, err := e.apply(ctx, cmd, req)
	if err != nil {
		e.reject(span, string(req.action), cmd.AssignmentID, err)
		return Assignment{}, err
	}

	telemetry.Transitions.WithLabelValues(string(req.action)).Inc()
	e.logger.InfoContext(ctx, "assignment transition committed",
		"assignment_id", a.ID,
		"action", req.action,
		"actor_id", req.actor.ID,
		"gate", a.Gate,
		"stage", a.Stage,
		"state", a.State,
		"version", a.Version,
	)
	return a, nil
}

func (e *Engine) reject(span trace.Span, op, id string, err error) {
	kind := KindOf(err)
	telemetry.Rejections.WithLabelValues(string(kind)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	if kind == KindInternal {
		e.logger.Error("assignment operation failed", "op", op, "assignment_id", id, "error", err)
	}
}

func (e *Engine) apply(ctx context.Context, cmd Command, req request) (result Assignment, err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := tx.Load(ctx, cmd.AssignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if current.Terminal() {
		return Assignment{}, fmt.Errorf("%w: assignment %s is %s", ErrTerminalState, current.ID, current.State)
	}
	if current.Version != cmd.ExpectedVersion {
		return Assignment{}, fmt.Errorf("%w: expected version %d, found %d", ErrStaleState, cmd.ExpectedVersion, current.Version)
	}

	out, err := decide(current, req)
	if err != nil {
		return Assignment{}, err
	}

	// Documents must be durable before the transition is written. If the
	// attempt fails for certain they are released again. A failed commit of
	// the transaction itself leaves them in place, since the write may have
	// landed.
	var (
		batch      string
		committing bool
	)
	if len(out.documents) > 0 {
		if e.docs == nil {
			return Assignment{}, fmt.Errorf("assignment: no document stager configured")
		}
		batch = e.batchID()
		if err := e.docs.Commit(ctx, current.ID, batch, out.documents); err != nil {
			if errors.Is(err, ErrValidation) {
				return Assignment{}, err
			}
			return Assignment{}, fmt.Errorf("assignment: commit documents: %w", err)
		}
		out.event.Payload.DocumentBatch = batch
		defer func() {
			if err == nil {
				return
			}
			if committing && KindOf(err) == KindInternal {
				e.logger.Warn("transaction outcome unknown; keeping committed documents",
					"assignment_id", current.ID, "batch", batch, "refs", out.documents, "error", err)
				return
			}
			if relErr := e.docs.Release(context.WithoutCancel(ctx), current.ID, batch, out.documents); relErr != nil {
				e.logger.Error("release committed documents", "assignment_id", current.ID, "batch", batch, "refs", out.documents, "error", relErr)
			}
		}()
	}

	now := e.now().UTC()
	next := out.next
	next.Version = current.Version + 1
	next.UpdatedAt = now

	if err = tx.CompareAndSave(ctx, next, current.Version); err != nil {
		return Assignment{}, err
	}

	history := current.Clone().History
	if out.answers > 0 {
		if err = tx.MarkAnswered(ctx, current.ID, out.answers); err != nil {
			return Assignment{}, err
		}
		for i := range history {
			if history[i].Sequence == out.answers {
				history[i].Answered = true
			}
		}
	}

	ev := out.event
	ev.Sequence = len(current.History) + 1
	ev.CreatedAt = now
	if err = tx.Append(ctx, current.ID, ev); err != nil {
		return Assignment{}, err
	}

	placement, err := e.effects.Dispatch(ctx, tx, Transition{Before: current, After: next, Event: ev})
	if err != nil {
		return Assignment{}, err
	}

	committing = true
	if err = tx.Commit(ctx); err != nil {
		if errors.Is(err, ErrStaleState) {
			return Assignment{}, err
		}
		return Assignment{}, fmt.Errorf("assignment: commit %s: %w", req.action, err)
	}

	if placement != nil {
		telemetry.Placements.Inc()
		e.logger.InfoContext(ctx, "placement created", "assignment_id", placement.AssignmentID, "salary", placement.Salary)
	}

	next.History = append(history, ev)
	return next, nil
}
