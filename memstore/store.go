// Package memstore is an in-process implementation of the assignment unit of
// work. Writes are buffered per transaction and applied at Commit under a
// single lock, after re-checking every version the transaction relied on.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splits-network/splits-sub027/assignment"
)

var errTxDone = errors.New("memstore: transaction already finished")

type Store struct {
	mu          sync.Mutex
	assignments map[string]assignment.Assignment
	placements  map[string]assignment.Placement
	outbox      []assignment.OutboxMessage
	now         func() time.Time
}

func New() *Store {
	return &Store{
		assignments: make(map[string]assignment.Assignment),
		placements:  make(map[string]assignment.Placement),
		now:         time.Now,
	}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Begin(ctx context.Context) (assignment.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{store: s}, nil
}

// Placement returns the placement recorded for an assignment.
func (s *Store) Placement(assignmentID string) (assignment.Placement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.placements[assignmentID]
	return p, ok
}

// Outbox returns a copy of all outbox messages in enqueue order.
func (s *Store) Outbox() []assignment.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]assignment.OutboxMessage, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// Drain delivers up to limit pending messages. The lock is not held while
// deliver runs; claimed messages are skipped by concurrent drains.
func (s *Store) Drain(ctx context.Context, limit, maxAttempts int, deliver assignment.DeliverFunc) (assignment.DrainResult, error) {
	var res assignment.DrainResult
	if limit <= 0 {
		return res, nil
	}

	s.mu.Lock()
	claimed := make([]int, 0, limit)
	for i := range s.outbox {
		if len(claimed) == limit {
			break
		}
		if s.outbox[i].Status == assignment.OutboxStatusPending {
			s.outbox[i].Status = statusClaimed
			claimed = append(claimed, i)
		}
	}
	msgs := make([]assignment.OutboxMessage, len(claimed))
	for n, i := range claimed {
		msgs[n] = s.outbox[i]
		msgs[n].Status = assignment.OutboxStatusPending
	}
	s.mu.Unlock()

	for n, i := range claimed {
		err := ctx.Err()
		if err == nil {
			err = deliver(ctx, msgs[n])
		}

		s.mu.Lock()
		msg := &s.outbox[i]
		switch {
		case ctx.Err() != nil:
			msg.Status = assignment.OutboxStatusPending
		case err == nil:
			msg.Status = assignment.OutboxStatusProcessed
			res.Processed++
		default:
			msg.Attempts++
			if msg.Attempts >= maxAttempts {
				msg.Status = assignment.OutboxStatusDead
				res.Dead++
			} else {
				msg.Status = assignment.OutboxStatusPending
				res.Failed++
			}
		}
		s.mu.Unlock()
	}
	return res, ctx.Err()
}

const statusClaimed = "claimed"

type casWrite struct {
	record   assignment.Assignment
	expected int64
}

type tx struct {
	store *Store
	done  bool

	creates    []assignment.Assignment
	saves      map[string]casWrite
	events     map[string][]assignment.GateEvent
	answered   map[string][]int
	placements []assignment.Placement
	outbox     []assignment.OutboxMessage
}

func (t *tx) Load(ctx context.Context, id string) (assignment.Assignment, error) {
	if t.done {
		return assignment.Assignment{}, errTxDone
	}
	t.store.mu.Lock()
	a, ok := t.store.assignments[id]
	t.store.mu.Unlock()
	if !ok {
		return assignment.Assignment{}, fmt.Errorf("%w: assignment %s", assignment.ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (t *tx) Create(ctx context.Context, a assignment.Assignment) error {
	if t.done {
		return errTxDone
	}
	t.creates = append(t.creates, a.Clone())
	return nil
}

func (t *tx) CompareAndSave(ctx context.Context, a assignment.Assignment, expectedVersion int64) error {
	if t.done {
		return errTxDone
	}
	t.store.mu.Lock()
	cur, ok := t.store.assignments[a.ID]
	t.store.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: assignment %s", assignment.ErrNotFound, a.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: expected version %d, found %d", assignment.ErrStaleState, expectedVersion, cur.Version)
	}
	if t.saves == nil {
		t.saves = make(map[string]casWrite)
	}
	rec := a
	rec.History = nil
	t.saves[a.ID] = casWrite{record: rec, expected: expectedVersion}
	return nil
}

func (t *tx) Append(ctx context.Context, assignmentID string, ev assignment.GateEvent) error {
	if t.done {
		return errTxDone
	}
	if t.events == nil {
		t.events = make(map[string][]assignment.GateEvent)
	}
	ev.Payload.DocumentRefs = append([]string(nil), ev.Payload.DocumentRefs...)
	t.events[assignmentID] = append(t.events[assignmentID], ev)
	return nil
}

func (t *tx) MarkAnswered(ctx context.Context, assignmentID string, seq int) error {
	if t.done {
		return errTxDone
	}
	if t.answered == nil {
		t.answered = make(map[string][]int)
	}
	t.answered[assignmentID] = append(t.answered[assignmentID], seq)
	return nil
}

func (t *tx) HistoryFor(ctx context.Context, assignmentID string) ([]assignment.GateEvent, error) {
	a, err := t.Load(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return a.History, nil
}

func (t *tx) CreatePlacement(ctx context.Context, p assignment.Placement) error {
	if t.done {
		return errTxDone
	}
	t.placements = append(t.placements, p)
	return nil
}

func (t *tx) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	if t.done {
		return errTxDone
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memstore: marshal outbox payload: %w", err)
	}
	t.outbox = append(t.outbox, assignment.OutboxMessage{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: body,
		Status:  assignment.OutboxStatusPending,
	})
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

// Commit validates every buffered write against the current state and
// applies all of them, or none.
func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]assignment.Assignment)
	get := func(id string) (assignment.Assignment, bool) {
		if a, ok := staged[id]; ok {
			return a, true
		}
		a, ok := s.assignments[id]
		if ok {
			a = a.Clone()
		}
		return a, ok
	}

	for _, a := range t.creates {
		if _, exists := s.assignments[a.ID]; exists {
			return fmt.Errorf("%w: assignment %s already exists", assignment.ErrConflict, a.ID)
		}
		staged[a.ID] = a
	}

	for _, id := range sortedKeys(t.saves) {
		w := t.saves[id]
		cur, ok := get(id)
		if !ok {
			return fmt.Errorf("%w: assignment %s", assignment.ErrNotFound, id)
		}
		if cur.Version != w.expected {
			return fmt.Errorf("%w: expected version %d, found %d", assignment.ErrStaleState, w.expected, cur.Version)
		}
		history := cur.History
		cur = w.record
		cur.History = history
		staged[id] = cur
	}

	for id, seqs := range t.answered {
		a, ok := get(id)
		if !ok {
			return fmt.Errorf("%w: assignment %s", assignment.ErrNotFound, id)
		}
		for _, seq := range seqs {
			if seq < 1 || seq > len(a.History) || a.History[seq-1].Kind != assignment.EventRequestInfo {
				return fmt.Errorf("memstore: event %d of %s is not an info request", seq, id)
			}
			if a.History[seq-1].Answered {
				return fmt.Errorf("%w: info request %d already answered", assignment.ErrConflict, seq)
			}
			a.History[seq-1].Answered = true
		}
		staged[id] = a
	}

	for id, evs := range t.events {
		a, ok := get(id)
		if !ok {
			return fmt.Errorf("%w: assignment %s", assignment.ErrNotFound, id)
		}
		for _, ev := range evs {
			if ev.Sequence != len(a.History)+1 {
				return fmt.Errorf("%w: event sequence %d out of order", assignment.ErrStaleState, ev.Sequence)
			}
			a.History = append(a.History, ev)
		}
		staged[id] = a
	}

	for _, p := range t.placements {
		if _, exists := s.placements[p.AssignmentID]; exists {
			return fmt.Errorf("%w: assignment %s", assignment.ErrPlacementExists, p.AssignmentID)
		}
	}

	for id, a := range staged {
		s.assignments[id] = a
	}
	for _, p := range t.placements {
		s.placements[p.AssignmentID] = p
	}
	now := s.now().UTC()
	for _, msg := range t.outbox {
		msg.CreatedAt = now
		s.outbox = append(s.outbox, msg)
	}
	return nil
}

func sortedKeys(m map[string]casWrite) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
