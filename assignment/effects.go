package assignment

import (
	"context"
	"fmt"
)

// Transition is a committed-to-be change handed to the dispatcher.
type Transition struct {
	Before Assignment
	After  Assignment
	Event  GateEvent
}

// Dispatcher runs the side effects of a transition inside the same unit of
// work as the state write, so they commit or roll back together.
type Dispatcher struct{}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Dispatch creates the placement for a hire and enqueues the notifications
// for the transition. The returned placement is nil unless the transition
// hired the candidate.
func (d *Dispatcher) Dispatch(ctx context.Context, tx Tx, t Transition) (*Placement, error) {
	var placement *Placement
	if t.After.State == StateTerminalHired {
		if t.Before.State == StateTerminalHired {
			return nil, fmt.Errorf("%w: assignment %s was already hired", ErrPlacementExists, t.After.ID)
		}
		p := Placement{
			AssignmentID: t.After.ID,
			Salary:       t.Event.Payload.Salary,
			HiredAt:      t.Event.CreatedAt,
		}
		if err := tx.CreatePlacement(ctx, p); err != nil {
			return nil, err
		}
		placement = &p
	}

	payload := map[string]any{
		"assignment_id": t.After.ID,
		"candidate_id":  t.After.CandidateID,
		"job_id":        t.After.JobID,
		"sequence":      t.Event.Sequence,
		"actor_id":      t.Event.ActorID,
		"actor_role":    t.Event.ActorRole,
		"gate":          t.After.Gate,
		"stage":         t.After.Stage,
		"state":         t.After.State,
		"version":       t.After.Version,
	}
	if err := tx.Enqueue(ctx, topicFor(t.Event.Kind), payload); err != nil {
		return nil, err
	}

	if placement != nil {
		hired := map[string]any{
			"assignment_id": placement.AssignmentID,
			"candidate_id":  t.After.CandidateID,
			"job_id":        t.After.JobID,
			"salary":        placement.Salary,
			"hired_at":      placement.HiredAt.UTC(),
		}
		if err := tx.Enqueue(ctx, TopicHired, hired); err != nil {
			return nil, err
		}
	}

	return placement, nil
}

func topicFor(kind EventKind) string {
	switch kind {
	case EventApprove:
		return TopicApproved
	case EventDeny:
		return TopicDenied
	case EventRequestInfo:
		return TopicInfoRequested
	case EventProvideInfo:
		return TopicInfoProvided
	default:
		return TopicNoteAdded
	}
}
