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

	"clawtrust/test/actors"
	"clawtrust/test/chaos"
	"clawtrust/test/infra"
	"clawtrust/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of trading pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestMandateConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in short mode")
	}
	seed := *flSeed

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no postgres available: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	pairs := *flConcurrency
	stack, err := infra.NewStack(ctx, pool, 2*pairs)
	if err != nil {
		t.Fatalf("wire stack: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	var tally actors.Tally

	for i := 0; i < pairs; i++ {
		renter, provider := stack.Agents[2*i], stack.Agents[2*i+1]
		pairSeed := seed + int64(i)
		g.Go(func() error { return actors.Trader(ctx2, stack, renter, provider, pairSeed, &tally, stop) })
		// the same pair also trades in the other direction
		g.Go(func() error { return actors.Trader(ctx2, stack, provider, renter, -pairSeed, &tally, stop) })
	}
	g.Go(func() error { return actors.Racer(ctx2, stack, stop) })
	g.Go(func() error { return actors.Voter(ctx2, stack, &tally, stop) })
	g.Go(func() error { return actors.Reviewer(ctx2, stack, &tally, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, stack, stop) })
	g.Go(func() error { return actors.Relayer(ctx2, stack, stop) })
	g.Go(func() error { return actors.Relayer(ctx2, stack, stop) })

	go chaos.TerminateRandomBackend(ctx2, pool, stop)
	go chaos.FlakySettlement(ctx2, stack.Settlement, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	t.Logf("stress finished: %s", &tally)
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

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"mandates", `SELECT id, status, unit_price, version, updated_at FROM mandates ORDER BY updated_at DESC LIMIT 30`},
		{"escrow_accounts", `SELECT id, state, deposited, spent, released_to_provider, refunded_to_renter, tax_retained, pending FROM escrow_accounts ORDER BY updated_at DESC LIMIT 30`},
		{"disputes", `SELECT id, mandate_id, status, decision_outcome, decision_bps, fallback, applied FROM disputes ORDER BY opened_at DESC LIMIT 30`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 30`},
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
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
