package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splits-network/splits-sub027/assignment"
)

// Cast is one single-role user per gate.
var Cast = []assignment.ActorContext{
	{ID: "cr-1", Roles: []assignment.Role{assignment.RoleCandidateRecruiter}},
	{ID: "cor-1", Roles: []assignment.Role{assignment.RoleCompanyRecruiter}},
	{ID: "co-1", Roles: []assignment.Role{assignment.RoleCompany}},
}

// Stats counts what the actors saw. Rejections are expected under
// contention; Internal counts store errors caused by chaos.
type Stats struct {
	Applied    atomic.Int64
	Rejections atomic.Int64
	Internal   atomic.Int64
}

// Pool is the set of assignment ids the actors fight over.
type Pool struct {
	ids atomic.Pointer[[]string]
}

func (p *Pool) Add(id string) {
	for {
		old := p.ids.Load()
		var next []string
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, id)
		if p.ids.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (p *Pool) Pick(rng *rand.Rand) (string, bool) {
	ids := p.ids.Load()
	if ids == nil || len(*ids) == 0 {
		return "", false
	}
	return (*ids)[rng.Intn(len(*ids))], true
}

// Submitter keeps adding fresh assignments to the pool.
func Submitter(ctx context.Context, engine *assignment.Engine, pool *Pool, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		a, err := engine.Submit(ctx, assignment.SubmitParams{
			Actor:       Cast[0],
			CandidateID: fmt.Sprintf("cand-%d-%d", seed, n),
			JobID:       fmt.Sprintf("job-%d", rng.Intn(5)),
		})
		if err := classify(err, stats); err != nil {
			return fmt.Errorf("submitter: %w", err)
		}
		if err == nil {
			pool.Add(a.ID)
		}
		time.Sleep(time.Duration(50+rng.Intn(100)) * time.Millisecond)
	}
}

// Reviewer loads a random assignment, picks a permitted action for a random
// cast member and races it against the other reviewers. Every engine
// rejection is counted; only unexpected failures stop the run.
func Reviewer(ctx context.Context, engine *assignment.Engine, pool *Pool, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := pool.Pick(rng)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		actor := Cast[rng.Intn(len(Cast))]
		a, err := engine.Get(ctx, id)
		if err != nil {
			if err := classify(err, stats); err != nil {
				return fmt.Errorf("reviewer get: %w", err)
			}
			continue
		}
		permitted := assignment.Permitted(assignment.ViewOf(a), actor.Roles)
		if len(permitted) == 0 {
			continue
		}
		// Versions go slightly stale on purpose.
		time.Sleep(time.Duration(rng.Intn(15)) * time.Millisecond)
		_, err = act(ctx, engine, rng, a, actor, permitted[rng.Intn(len(permitted))])
		if err := classify(err, stats); err != nil {
			return fmt.Errorf("reviewer %s: %w", actor.ID, err)
		}
	}
}

func act(ctx context.Context, engine *assignment.Engine, rng *rand.Rand, a assignment.Assignment, actor assignment.ActorContext, action assignment.Action) (assignment.Assignment, error) {
	cmd := assignment.Command{AssignmentID: a.ID, Actor: actor, ExpectedVersion: a.Version}
	switch action {
	case assignment.ActionApprove:
		p := assignment.ApproveParams{Command: cmd, Notes: "ok"}
		if a.Gate == assignment.GateCompany {
			switch a.Stage {
			case assignment.StageOffer:
				p.Salary = float64(80000 + rng.Intn(80000))
			case assignment.StageInterview:
				p.TargetStage = assignment.StageOffer
			default:
				p.TargetStage = assignment.StageInterview
			}
		}
		return engine.Approve(ctx, p)
	case assignment.ActionDeny:
		// Denials end the assignment, keep them rare.
		if rng.Intn(8) != 0 {
			return engine.AddNote(ctx, assignment.NoteParams{Command: cmd, Note: "thinking"})
		}
		return engine.Deny(ctx, assignment.DenyParams{Command: cmd, Reason: "not a fit"})
	case assignment.ActionRequestInfo:
		return engine.RequestInfo(ctx, assignment.RequestInfoParams{Command: cmd, Questions: "availability?"})
	case assignment.ActionProvideInfo:
		return engine.ProvideInfo(ctx, assignment.ProvideInfoParams{Command: cmd, Answers: "two weeks"})
	default:
		return engine.AddNote(ctx, assignment.NoteParams{Command: cmd, Note: "noted"})
	}
}

// OutboxWorker drains the outbox through the relay with a notifier that
// fails one delivery in ten.
func OutboxWorker(ctx context.Context, relay *assignment.Relay, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := relay.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.Internal.Add(1)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// FlakyNotifier fails deliveries at random.
type FlakyNotifier struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewFlakyNotifier(seed int64) *FlakyNotifier {
	return &FlakyNotifier{rng: rand.New(rand.NewSource(seed))}
}

func (n *FlakyNotifier) Notify(ctx context.Context, msg assignment.OutboxMessage) error {
	n.mu.Lock()
	fail := n.rng.Intn(10) == 0
	n.mu.Unlock()
	if fail {
		return errors.New("flaky: downstream unavailable")
	}
	return nil
}

// classify returns err only when it is neither an expected rejection nor a
// store failure.
func classify(err error, stats *Stats) error {
	if err == nil {
		stats.Applied.Add(1)
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch assignment.KindOf(err) {
	case assignment.KindInternal:
		stats.Internal.Add(1)
		return nil
	case assignment.KindStaleState, assignment.KindConflict, assignment.KindTerminalState, assignment.KindAuthorization:
		stats.Rejections.Add(1)
		return nil
	default:
		return err
	}
}
