package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the Postgres implementation of Store and OutboxQueue.
type Repository struct {
	pool TxBeginner
}

func NewRepository(pool TxBeginner) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (p *pgTx) Commit(ctx context.Context) error {
	return p.tx.Commit(ctx)
}

func (p *pgTx) Rollback(ctx context.Context) error {
	return p.tx.Rollback(ctx)
}

func (p *pgTx) Load(ctx context.Context, id string) (Assignment, error) {
	const query = `
		SELECT id, candidate_id, job_id, gate, stage, state, version, created_at, updated_at
		FROM assignments
		WHERE id = $1
	`

	var a Assignment
	err := p.tx.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.CandidateID,
		&a.JobID,
		&a.Gate,
		&a.Stage,
		&a.State,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("%w: assignment %s", ErrNotFound, id)
		}
		return Assignment{}, fmt.Errorf("assignment: load: %w", err)
	}

	history, err := p.HistoryFor(ctx, id)
	if err != nil {
		return Assignment{}, err
	}
	a.History = history
	return a, nil
}

func (p *pgTx) Create(ctx context.Context, a Assignment) error {
	const insertSQL = `
		INSERT INTO assignments (id, candidate_id, job_id, gate, stage, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := p.tx.Exec(ctx, insertSQL, a.ID, a.CandidateID, a.JobID, a.Gate, a.Stage, a.State, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: assignment %s already exists", ErrConflict, a.ID)
		}
		return fmt.Errorf("assignment: insert: %w", err)
	}
	return nil
}

func (p *pgTx) CompareAndSave(ctx context.Context, a Assignment, expectedVersion int64) error {
	const updateSQL = `
		UPDATE assignments
		SET gate = $3, stage = $4, state = $5, version = $6, updated_at = $7
		WHERE id = $1 AND version = $2
	`

	tag, err := p.tx.Exec(ctx, updateSQL, a.ID, expectedVersion, a.Gate, a.Stage, a.State, a.Version, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("assignment: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: assignment %s moved past version %d", ErrStaleState, a.ID, expectedVersion)
	}
	return nil
}

func (p *pgTx) Append(ctx context.Context, assignmentID string, ev GateEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("assignment: marshal event payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO gate_events (assignment_id, seq, actor_id, actor_role, gate, stage, kind, payload, answered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = p.tx.Exec(ctx, insertSQL, assignmentID, ev.Sequence, ev.ActorID, ev.ActorRole, ev.Gate, ev.Stage, ev.Kind, payload, ev.Answered, ev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event %d of %s already written", ErrStaleState, ev.Sequence, assignmentID)
		}
		return fmt.Errorf("assignment: insert event: %w", err)
	}
	return nil
}

func (p *pgTx) MarkAnswered(ctx context.Context, assignmentID string, seq int) error {
	const updateSQL = `
		UPDATE gate_events
		SET answered = TRUE
		WHERE assignment_id = $1 AND seq = $2 AND kind = 'request_info' AND answered = FALSE
	`

	tag, err := p.tx.Exec(ctx, updateSQL, assignmentID, seq)
	if err != nil {
		return fmt.Errorf("assignment: mark answered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: info request %d is not open", ErrConflict, seq)
	}
	return nil
}

func (p *pgTx) HistoryFor(ctx context.Context, assignmentID string) ([]GateEvent, error) {
	const query = `
		SELECT seq, actor_id, actor_role, gate, stage, kind, payload, answered, created_at
		FROM gate_events
		WHERE assignment_id = $1
		ORDER BY seq ASC
	`

	rows, err := p.tx.Query(ctx, query, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("assignment: query history: %w", err)
	}
	defer rows.Close()

	history := []GateEvent{}
	for rows.Next() {
		var (
			ev      GateEvent
			payload []byte
		)
		if err := rows.Scan(&ev.Sequence, &ev.ActorID, &ev.ActorRole, &ev.Gate, &ev.Stage, &ev.Kind, &payload, &ev.Answered, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("assignment: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("assignment: decode event payload: %w", err)
		}
		history = append(history, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assignment: iterate history: %w", err)
	}
	return history, nil
}

func (p *pgTx) CreatePlacement(ctx context.Context, pl Placement) error {
	const insertSQL = `
		INSERT INTO placements (assignment_id, salary, hired_at)
		VALUES ($1, $2, $3)
	`

	if _, err := p.tx.Exec(ctx, insertSQL, pl.AssignmentID, pl.Salary, pl.HiredAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: assignment %s", ErrPlacementExists, pl.AssignmentID)
		}
		return fmt.Errorf("assignment: insert placement: %w", err)
	}
	return nil
}

func (p *pgTx) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("assignment: marshal outbox payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO outbox (id, topic, payload)
		VALUES ($1, $2, $3)
	`

	if _, err := p.tx.Exec(ctx, insertSQL, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("assignment: insert outbox message: %w", err)
	}
	return nil
}

// Drain claims pending outbox rows with SKIP LOCKED, delivers them and
// records the outcome in the same transaction.
func (r *Repository) Drain(ctx context.Context, limit, maxAttempts int, deliver DeliverFunc) (DrainResult, error) {
	var res DrainResult
	if limit <= 0 {
		return res, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("assignment: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id::text, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`

	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return res, fmt.Errorf("assignment: claim outbox: %w", err)
	}
	msgs := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		msg := OutboxMessage{Status: OutboxStatusPending}
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			rows.Close()
			return res, fmt.Errorf("assignment: scan outbox: %w", err)
		}
		msgs = append(msgs, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("assignment: iterate outbox: %w", err)
	}

	for _, msg := range msgs {
		if err := deliver(ctx, msg); err != nil {
			status := OutboxStatusPending
			if msg.Attempts+1 >= maxAttempts {
				status = OutboxStatusDead
				res.Dead++
			} else {
				res.Failed++
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = NOW() WHERE id = $1`, msg.ID, status); err != nil {
				return DrainResult{}, fmt.Errorf("assignment: record outbox failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, msg.ID); err != nil {
			return DrainResult{}, fmt.Errorf("assignment: mark outbox processed: %w", err)
		}
		res.Processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return DrainResult{}, fmt.Errorf("assignment: commit drain: %w", err)
	}
	return res, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
