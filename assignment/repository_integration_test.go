package assignment_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splits-network/splits-sub027/assignment"
	"github.com/splits-network/splits-sub027/db"
)

// TestRepository_Integration runs the engine against a live PostgreSQL from
// DATABASE_URL, from submission to hire, and checks the persisted rows.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := assignment.NewRepository(pool)
	stager := newFakeStager()
	id := uuid.NewString()
	engine := assignment.NewEngine(repo, stager).WithIDGenerator(func() string { return id })

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM placements WHERE assignment_id = $1`, id)
		_, _ = pool.Exec(ctx2, `DELETE FROM gate_events WHERE assignment_id = $1`, id)
		_, _ = pool.Exec(ctx2, `DELETE FROM assignments WHERE id = $1`, id)
		_, _ = pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'assignment_id' = $1`, id)
	})

	a := atCompanyGate(t, engine)

	a, err = engine.RequestInfo(ctx, assignment.RequestInfoParams{Command: cmd(a, companyUser), Questions: "confirm work authorization"})
	if err != nil {
		t.Fatalf("request info: %v", err)
	}
	if _, err := engine.RequestInfo(ctx, assignment.RequestInfoParams{Command: cmd(a, companyUser), Questions: "again"}); !errors.Is(err, assignment.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	a, err = engine.ProvideInfo(ctx, assignment.ProvideInfoParams{Command: cmd(a, candidateRecruiter), Answers: "confirmed, H1B valid"})
	if err != nil {
		t.Fatalf("provide info: %v", err)
	}
	a, err = engine.Approve(ctx, assignment.ApproveParams{Command: cmd(a, companyUser), TargetStage: assignment.StageInterview, DocumentRefs: []string{"doc1", "doc2"}})
	if err != nil {
		t.Fatalf("approve interview: %v", err)
	}
	a, err = engine.Approve(ctx, assignment.ApproveParams{Command: cmd(a, companyUser), TargetStage: assignment.StageOffer})
	if err != nil {
		t.Fatalf("approve offer: %v", err)
	}

	stale := a
	stale.Version--
	if _, err := engine.Approve(ctx, assignment.ApproveParams{Command: cmd(stale, companyUser), Salary: 150000}); !errors.Is(err, assignment.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}

	a, err = engine.Approve(ctx, assignment.ApproveParams{Command: cmd(a, companyUser), Salary: 150000})
	if err != nil {
		t.Fatalf("approve hire: %v", err)
	}

	stored, err := engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != assignment.StateTerminalHired || stored.Version != a.Version {
		t.Fatalf("unexpected stored assignment %+v", stored)
	}
	if len(stored.History) != len(a.History) {
		t.Fatalf("expected %d events, got %d", len(a.History), len(stored.History))
	}
	if refs := stored.History[len(stored.History)-3].Payload.DocumentRefs; len(refs) != 2 {
		t.Fatalf("interview approval should reference two documents, got %v", refs)
	}

	var salary float64
	if err := pool.QueryRow(ctx, `SELECT salary FROM placements WHERE assignment_id = $1`, id).Scan(&salary); err != nil {
		t.Fatalf("query placement: %v", err)
	}
	if salary != 150000 {
		t.Fatalf("expected salary 150000, got %v", salary)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE payload->>'assignment_id' = $1`, id).Scan(&pending); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	// submit, two recruiter approvals, request, answer, interview, offer, hire and hired.
	if pending != 9 {
		t.Fatalf("expected 9 outbox rows, got %d", pending)
	}

	delivered := 0
	res, err := repo.Drain(ctx, 100, 3, func(ctx context.Context, msg assignment.OutboxMessage) error {
		delivered++
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed < 9 || delivered != res.Processed {
		t.Fatalf("expected our rows delivered, got %+v (%d)", res, delivered)
	}
}
