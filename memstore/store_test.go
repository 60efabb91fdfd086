package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splits-network/splits-sub027/assignment"
)

func seed(t *testing.T, s *Store, id string) assignment.Assignment {
	t.Helper()
	ctx := context.Background()
	a := assignment.Assignment{
		ID:      id,
		Gate:    assignment.GateCandidateRecruiter,
		Stage:   assignment.StageScreen,
		State:   assignment.StateAwaitingReview,
		Version: 1,
	}
	tx, _ := s.Begin(ctx)
	if err := tx.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return a
}

func TestCommitIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := seed(t, s, "a1")

	first, _ := s.Begin(ctx)
	second, _ := s.Begin(ctx)

	for _, tx := range []assignment.Tx{first, second} {
		next := a
		next.Version = 2
		if err := tx.CompareAndSave(ctx, next, 1); err != nil {
			t.Fatalf("compare and save: %v", err)
		}
		if err := tx.Append(ctx, a.ID, assignment.GateEvent{Sequence: 1, Kind: assignment.EventNote}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Enqueue(ctx, assignment.TopicNoteAdded, map[string]any{"assignment_id": a.ID}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := first.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := second.Commit(ctx); !errors.Is(err, assignment.ErrStaleState) {
		t.Fatalf("expected stale state on second commit, got %v", err)
	}

	reader, _ := s.Begin(ctx)
	got, err := reader.Load(ctx, a.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 2 || len(got.History) != 1 {
		t.Fatalf("expected one committed write, got version %d with %d events", got.Version, len(got.History))
	}
	if len(s.Outbox()) != 1 {
		t.Fatalf("losing transaction must not leak outbox rows, got %d", len(s.Outbox()))
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := seed(t, s, "a1")

	tx, _ := s.Begin(ctx)
	_ = tx.CreatePlacement(ctx, assignment.Placement{AssignmentID: a.ID, Salary: 1})
	_ = tx.Rollback(ctx)
	if err := tx.Commit(ctx); err == nil {
		t.Fatalf("commit after rollback should fail")
	}
	if _, ok := s.Placement(a.ID); ok {
		t.Fatalf("placement should not exist")
	}
}

func TestSecondPlacementConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := seed(t, s, "a1")

	for i, want := range []error{nil, assignment.ErrPlacementExists} {
		tx, _ := s.Begin(ctx)
		_ = tx.CreatePlacement(ctx, assignment.Placement{AssignmentID: a.ID, Salary: 100})
		err := tx.Commit(ctx)
		if want == nil && err != nil {
			t.Fatalf("placement %d: %v", i, err)
		}
		if want != nil && !errors.Is(err, want) {
			t.Fatalf("placement %d: expected %v, got %v", i, want, err)
		}
	}
}

func TestMarkAnsweredOnlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := seed(t, s, "a1")

	tx, _ := s.Begin(ctx)
	_ = tx.Append(ctx, a.ID, assignment.GateEvent{Sequence: 1, Kind: assignment.EventRequestInfo})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for i := 0; i < 2; i++ {
		tx, _ := s.Begin(ctx)
		_ = tx.MarkAnswered(ctx, a.ID, 1)
		err := tx.Commit(ctx)
		if i == 0 && err != nil {
			t.Fatalf("mark answered: %v", err)
		}
		if i == 1 && !errors.Is(err, assignment.ErrConflict) {
			t.Fatalf("expected conflict on second answer, got %v", err)
		}
	}
}

func TestDrainMarksOutcomes(t *testing.T) {
	s := New().WithClock(func() time.Time { return time.Unix(0, 0) })
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	for _, topic := range []string{assignment.TopicApproved, assignment.TopicDenied} {
		_ = tx.Enqueue(ctx, topic, map[string]any{"k": "v"})
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	deliver := func(ctx context.Context, msg assignment.OutboxMessage) error {
		if msg.Topic == assignment.TopicDenied {
			return errors.New("unavailable")
		}
		return nil
	}

	res, err := s.Drain(ctx, 10, 2, deliver)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 {
		t.Fatalf("unexpected first pass %+v", res)
	}

	res, err = s.Drain(ctx, 10, 2, deliver)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 0 || res.Dead != 1 {
		t.Fatalf("unexpected second pass %+v", res)
	}

	statuses := map[string]string{}
	for _, msg := range s.Outbox() {
		statuses[msg.Topic] = msg.Status
	}
	if statuses[assignment.TopicApproved] != assignment.OutboxStatusProcessed || statuses[assignment.TopicDenied] != assignment.OutboxStatusDead {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}
