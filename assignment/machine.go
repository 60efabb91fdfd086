package assignment

import (
	"fmt"
	"math"
)

// request is one action as the state machine sees it.
type request struct {
	action       Action
	actor        ActorContext
	text         string
	targetStage  Stage
	salary       float64
	documentRefs []string
}

// outcome is what a valid request does to an assignment. It is computed
// before anything is written.
type outcome struct {
	next  Assignment
	event GateEvent
	// answers is the sequence of the request_info event being answered.
	answers   int
	hire      bool
	documents []string
}

// decide validates req against current and returns the resulting outcome.
// It performs no I/O. Terminal and version checks happen before it is called.
func decide(current Assignment, req request) (outcome, error) {
	if req.actor.ID == "" {
		return outcome{}, fmt.Errorf("%w: actor identity is required", ErrAuthorization)
	}

	view := ViewOf(current)
	next := current.Clone()
	next.History = nil

	if req.action == ActionProvideInfo {
		if _, ok := current.OutstandingRequest(); !ok {
			return outcome{}, fmt.Errorf("%w: no outstanding info request to answer", ErrConflict)
		}
	}

	role, ok := ActingRole(view, req.actor.Roles, req.action)
	if !ok {
		return outcome{}, fmt.Errorf("%w: %s may not %s at gate %s", ErrAuthorization, describeRoles(req.actor.Roles), req.action, current.Gate)
	}
	if req.action == ActionProvideInfo && raisedBy(current, req.actor.ID) {
		return outcome{}, fmt.Errorf("%w: %s raised the info request and cannot answer it", ErrAuthorization, req.actor.ID)
	}

	out := outcome{
		event: GateEvent{
			ActorID:   req.actor.ID,
			ActorRole: role,
			Gate:      current.Gate,
			Stage:     current.Stage,
		},
	}
	text := cleanText(req.text)

	switch req.action {
	case ActionApprove:
		if current.State == StateInfoRequested {
			return outcome{}, fmt.Errorf("%w: assignment is waiting on an answer to an info request", ErrConflict)
		}
		if err := planApproval(current, req, &next, &out); err != nil {
			return outcome{}, err
		}
		out.event.Kind = EventApprove
		out.event.Payload = Payload{
			Text:         text,
			TargetStage:  next.Stage,
			Salary:       req.salary,
			DocumentRefs: out.documents,
		}
		if next.Stage == current.Stage {
			out.event.Payload.TargetStage = ""
		}

	case ActionDeny:
		if text == "" {
			return outcome{}, fmt.Errorf("%w: a reason is required to deny", ErrValidation)
		}
		next.State = StateTerminalRejected
		next.Stage = StageRejected
		out.event.Kind = EventDeny
		out.event.Payload = Payload{Text: text}

	case ActionRequestInfo:
		if _, open := current.OutstandingRequest(); open {
			return outcome{}, fmt.Errorf("%w: an info request is already outstanding", ErrConflict)
		}
		if text == "" {
			return outcome{}, fmt.Errorf("%w: questions are required", ErrValidation)
		}
		next.State = StateInfoRequested
		out.event.Kind = EventRequestInfo
		out.event.Payload = Payload{Text: text}

	case ActionProvideInfo:
		if text == "" {
			return outcome{}, fmt.Errorf("%w: answers are required", ErrValidation)
		}
		open, _ := current.OutstandingRequest()
		next.State = StateAwaitingReview
		out.answers = open.Sequence
		out.event.Kind = EventProvideInfo
		out.event.Payload = Payload{Text: text}

	case ActionAddNote:
		if text == "" {
			return outcome{}, fmt.Errorf("%w: note text is required", ErrValidation)
		}
		out.event.Kind = EventNote
		out.event.Payload = Payload{Text: text}

	default:
		return outcome{}, fmt.Errorf("%w: unknown action %q", ErrValidation, req.action)
	}

	out.next = next
	return out, nil
}

// planApproval applies the approve column of the gate table to next.
func planApproval(current Assignment, req request, next *Assignment, out *outcome) error {
	target := req.targetStage
	if target != "" && !target.Valid() {
		return fmt.Errorf("%w: unknown target stage %q", ErrValidation, target)
	}

	switch current.Gate {
	case GateCompany:
		if target == "" && current.Stage == StageOffer {
			target = StageHired
		}
		switch target {
		case "":
			return fmt.Errorf("%w: approval at the company gate needs a target stage of %s or %s", ErrValidation, StageInterview, StageOffer)
		case StageInterview, StageOffer:
			if !current.Stage.Before(target) {
				return fmt.Errorf("%w: cannot move from %s to %s", ErrValidation, current.Stage, target)
			}
			next.Stage = target
			next.State = StateAwaitingReview
		case StageHired:
			if current.Stage != StageOffer {
				return fmt.Errorf("%w: a hire must be approved from the %s stage", ErrValidation, StageOffer)
			}
			if !validSalary(req.salary) {
				return fmt.Errorf("%w: hiring needs a positive salary below %.0f with at most two decimals", ErrValidation, float64(maxSalary))
			}
			next.Stage = StageHired
			next.State = StateTerminalHired
			out.hire = true
		default:
			return fmt.Errorf("%w: the company gate can only approve into %s, %s or %s", ErrValidation, StageInterview, StageOffer, StageHired)
		}

	default:
		rule := gateTable[current.Gate]
		if target != "" {
			if !current.Stage.Before(target) || !target.Before(StageInterview) {
				return fmt.Errorf("%w: cannot move from %s to %s at gate %s", ErrValidation, current.Stage, target, current.Gate)
			}
			next.Stage = target
		}
		next.Gate = rule.next
		next.State = StateAwaitingReview
	}

	if req.salary != 0 && !out.hire {
		return fmt.Errorf("%w: salary is only accepted on the hire approval", ErrValidation)
	}

	if len(req.documentRefs) > 0 {
		if next.Stage != StageInterview || current.Stage == StageInterview {
			return fmt.Errorf("%w: documents can only be attached when approving into %s", ErrValidation, StageInterview)
		}
		refs, err := normalizeRefs(req.documentRefs)
		if err != nil {
			return err
		}
		out.documents = refs
	}
	return nil
}

// raisedBy reports whether actorID raised the outstanding info request.
func raisedBy(a Assignment, actorID string) bool {
	open, ok := a.OutstandingRequest()
	return ok && open.ActorID == actorID
}

// maxSalary is the first value placements.salary NUMERIC(14, 2) cannot hold.
const maxSalary = 1e12

// validSalary accepts positive amounts in whole cents below maxSalary.
func validSalary(v float64) bool {
	if math.IsNaN(v) || v <= 0 || v >= maxSalary {
		return false
	}
	cents := v * 100
	return math.Abs(cents-math.Round(cents)) <= 1e-6+cents*1e-15
}

func normalizeRefs(refs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = cleanText(ref)
		if ref == "" {
			return nil, fmt.Errorf("%w: empty document reference", ErrValidation)
		}
		if _, dup := seen[ref]; dup {
			return nil, fmt.Errorf("%w: document %s referenced twice", ErrValidation, ref)
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

func describeRoles(roles []Role) string {
	if len(roles) == 0 {
		return "actor without roles"
	}
	if len(roles) == 1 {
		return string(roles[0])
	}
	return fmt.Sprintf("%v", roles)
}
