package assignment

import "context"

// AssignmentStore persists assignment records.
type AssignmentStore interface {
	// Load returns the assignment with its full history or ErrNotFound.
	Load(ctx context.Context, id string) (Assignment, error)
	Create(ctx context.Context, a Assignment) error
	// CompareAndSave writes gate, stage, state, version and updatedAt of a
	// only if the stored version still equals expectedVersion; otherwise it
	// returns ErrStaleState and writes nothing.
	CompareAndSave(ctx context.Context, a Assignment, expectedVersion int64) error
}

// AuditLog is the append-only event history of assignments.
type AuditLog interface {
	Append(ctx context.Context, assignmentID string, ev GateEvent) error
	// MarkAnswered flags the request_info event at seq as answered.
	MarkAnswered(ctx context.Context, assignmentID string, seq int) error
	HistoryFor(ctx context.Context, assignmentID string) ([]GateEvent, error)
}

// PlacementPort records hires.
type PlacementPort interface {
	CreatePlacement(ctx context.Context, p Placement) error
}

// OutboxWriter enqueues notifications for asynchronous delivery.
type OutboxWriter interface {
	Enqueue(ctx context.Context, topic string, payload map[string]any) error
}

// Tx is the unit of work a single engine operation runs in. Nothing written
// through it is visible to other readers until Commit succeeds.
type Tx interface {
	AssignmentStore
	AuditLog
	PlacementPort
	OutboxWriter
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens units of work.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// DocumentStager moves staged documents into durable storage for an
// assignment. Copies are grouped under a batch id unique to one approval
// attempt, so releasing a failed attempt never touches another attempt's
// copies. Commit is all-or-nothing; Release undoes a Commit whose transition
// was not recorded.
type DocumentStager interface {
	Commit(ctx context.Context, assignmentID, batch string, refs []string) error
	Release(ctx context.Context, assignmentID, batch string, refs []string) error
}

// Notifier delivers outbox messages to the outside world.
type Notifier interface {
	Notify(ctx context.Context, msg OutboxMessage) error
}
