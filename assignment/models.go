package assignment

import (
	"strings"
	"time"
)

// Gate is a checkpoint an assignment must clear before moving on.
type Gate string

const (
	GateCandidateRecruiter Gate = "candidate_recruiter"
	GateCompanyRecruiter   Gate = "company_recruiter"
	GateCompany            Gate = "company"
)

func (g Gate) Valid() bool {
	switch g {
	case GateCandidateRecruiter, GateCompanyRecruiter, GateCompany:
		return true
	default:
		return false
	}
}

// Stage is the finer-grained pipeline step of an assignment.
type Stage string

const (
	StageScreen            Stage = "screen"
	StageSubmitted         Stage = "submitted"
	StageRecruiterReview   Stage = "recruiter_review"
	StageRecruiterProposed Stage = "recruiter_proposed"
	StageCompanyReview     Stage = "company_review"
	StageCompanyFeedback   Stage = "company_feedback"
	StageInterview         Stage = "interview"
	StageOffer             Stage = "offer"
	StageHired             Stage = "hired"
	StageRejected          Stage = "rejected"
)

// stageRank orders the forward pipeline. StageRejected is off the pipeline.
var stageRank = map[Stage]int{
	StageScreen:            0,
	StageSubmitted:         1,
	StageRecruiterReview:   2,
	StageRecruiterProposed: 3,
	StageCompanyReview:     4,
	StageCompanyFeedback:   5,
	StageInterview:         6,
	StageOffer:             7,
	StageHired:             8,
}

func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok || s == StageRejected
}

// Before reports whether s comes strictly earlier in the pipeline than other.
func (s Stage) Before(other Stage) bool {
	a, okA := stageRank[s]
	b, okB := stageRank[other]
	return okA && okB && a < b
}

// State is the review state of an assignment.
type State string

const (
	StateAwaitingReview   State = "awaiting_review"
	StateInfoRequested    State = "info_requested"
	StateTerminalHired    State = "terminal_hired"
	StateTerminalRejected State = "terminal_rejected"
)

func (s State) Valid() bool {
	switch s {
	case StateAwaitingReview, StateInfoRequested, StateTerminalHired, StateTerminalRejected:
		return true
	default:
		return false
	}
}

func (s State) Terminal() bool {
	return s == StateTerminalHired || s == StateTerminalRejected
}

// Role is the capacity in which an actor takes part in an assignment.
type Role string

const (
	RoleCandidateRecruiter Role = "candidate_recruiter"
	RoleCompanyRecruiter   Role = "company_recruiter"
	RoleCompany            Role = "company"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCandidateRecruiter, RoleCompanyRecruiter, RoleCompany:
		return true
	default:
		return false
	}
}

// ActorContext is the pre-validated identity of the caller. Roles are scoped
// to the assignment being acted on by the identity layer.
type ActorContext struct {
	ID    string
	Roles []Role
}

func (a ActorContext) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// EventKind is the action recorded by a GateEvent.
type EventKind string

const (
	EventApprove     EventKind = "approve"
	EventDeny        EventKind = "deny"
	EventRequestInfo EventKind = "request_info"
	EventProvideInfo EventKind = "provide_info"
	EventNote        EventKind = "note"
)

// Payload carries the free-form text of an event plus the structured fields
// some approvals need.
type Payload struct {
	Text         string   `json:"text,omitempty"`
	TargetStage  Stage    `json:"target_stage,omitempty"`
	Salary       float64  `json:"salary,omitempty"`
	DocumentRefs []string `json:"document_refs,omitempty"`
	// DocumentBatch names the stored copies of DocumentRefs.
	DocumentBatch string `json:"document_batch,omitempty"`
}

// GateEvent is one immutable audit entry. Only Answered may change, and only
// from false to true on a request_info event.
type GateEvent struct {
	Sequence  int
	ActorID   string
	ActorRole Role
	Gate      Gate
	Stage     Stage
	Kind      EventKind
	Payload   Payload
	Answered  bool
	CreatedAt time.Time
}

// Assignment is one candidate/job pairing under review.
type Assignment struct {
	ID          string
	CandidateID string
	JobID       string
	Gate        Gate
	Stage       Stage
	State       State
	Version     int64
	History     []GateEvent
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (a Assignment) Terminal() bool {
	return a.State.Terminal()
}

// OutstandingRequest returns the most recent unanswered request_info event.
func (a Assignment) OutstandingRequest() (GateEvent, bool) {
	for i := len(a.History) - 1; i >= 0; i-- {
		ev := a.History[i]
		if ev.Kind == EventRequestInfo && !ev.Answered {
			return ev, true
		}
	}
	return GateEvent{}, false
}

// Clone returns a copy whose history can be modified without touching a.
func (a Assignment) Clone() Assignment {
	out := a
	if a.History != nil {
		out.History = make([]GateEvent, len(a.History))
		for i, ev := range a.History {
			ev.Payload.DocumentRefs = append([]string(nil), ev.Payload.DocumentRefs...)
			out.History[i] = ev
		}
	}
	return out
}

// Placement is the durable record of a confirmed hire.
type Placement struct {
	AssignmentID string
	Salary       float64
	HiredAt      time.Time
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	OutboxStatusPending   = "pending"
	OutboxStatusProcessed = "processed"
	OutboxStatusDead      = "dead"
)

const (
	TopicSubmitted     = "assignment.submitted"
	TopicApproved      = "assignment.approved"
	TopicDenied        = "assignment.denied"
	TopicInfoRequested = "assignment.info_requested"
	TopicInfoProvided  = "assignment.info_provided"
	TopicNoteAdded     = "assignment.note_added"
	TopicHired         = "assignment.hired"
)

func cleanText(s string) string {
	return strings.TrimSpace(s)
}
