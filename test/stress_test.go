package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/splits-network/splits-sub027/assignment"
	"github.com/splits-network/splits-sub027/documents"
	"github.com/splits-network/splits-sub027/test/actors"
	"github.com/splits-network/splits-sub027/test/chaos"
	"github.com/splits-network/splits-sub027/test/infra"
	"github.com/splits-network/splits-sub027/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent reviewers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flStress      = flag.Bool("stress", false, "run the workflow stress test")
)

func TestWorkflowConcurrency(t *testing.T) {
	if !*flStress && os.Getenv(infra.DSNEnv) == "" {
		t.Skip("pass -stress or set " + infra.DSNEnv + " to run the stress test")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	var (
		pgC      *infra.PGContainer
		dsn      string
		err      error
		isolated bool
	)
	switch {
	case *flDSN != "" || os.Getenv(infra.DSNEnv) != "":
		pgC, dsn, err = infra.StartPostgres(ctx, *flDSN)
		isolated = true
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres(ctx, "")
	default:
		pgC = &infra.PGContainer{}
		dsn, err = infra.InitLocalDatabase(ctx)
	}
	if err != nil {
		t.Skipf("no database available: %v", err)
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, isolated)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	repo := assignment.NewRepository(pool)
	engine := assignment.NewEngine(repo, documents.NewMemoryStager())
	relay := assignment.NewRelay(repo, actors.NewFlakyNotifier(seed)).WithLimits(20, 3, 0)

	var (
		ids   actors.Pool
		stats actors.Stats
		stop  = make(chan struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return actors.Submitter(gctx, engine, &ids, &stats, seed, stop) })
	for i := 0; i < *flConcurrency; i++ {
		reviewerSeed := seed + int64(i) + 1
		g.Go(func() error { return actors.Reviewer(gctx, engine, &ids, &stats, reviewerSeed, stop) })
	}
	g.Go(func() error { return actors.OutboxWorker(gctx, relay, &stats, stop) })
	go chaos.TerminateRandomBackend(gctx, pool, seed, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	failure := ""
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(gctx, pool)
			if err != nil {
				if gctx.Err() != nil {
					break loop
				}
				// Chaos may kill the oracle's own connection.
				t.Logf("oracle %s skipped: %v", name, err)
				continue
			}
			if name != "" {
				failure = fmt.Sprintf("oracle %s failed, first row %s (seed=%d)", name, row, seed)
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && failure == "" {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	if failure != "" {
		dumpRecent(t, pool)
		t.Fatal(failure)
	}

	if name, row, err := oracles.Run(context.Background(), pool); err != nil || name != "" {
		dumpRecent(t, pool)
		t.Fatalf("final oracle %s: row %s err %v (seed=%d)", name, row, err, seed)
	}
	t.Logf("applied=%d rejected=%d internal=%d seed=%d",
		stats.Applied.Load(), stats.Rejections.Load(), stats.Internal.Load(), seed)
	if stats.Applied.Load() == 0 {
		t.Fatalf("no operation was applied")
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dumps := []struct {
		name string
		sql  string
	}{
		{"assignments", `SELECT id, gate, stage, state, version FROM assignments ORDER BY updated_at DESC LIMIT 20`},
		{"gate_events", `SELECT assignment_id, seq, kind, actor_role, answered FROM gate_events ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts FROM outbox ORDER BY created_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			line := make([]string, 0, len(vals))
			for i := range vals {
				line = append(line, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%v", line)
		}
		rows.Close()
	}
}
