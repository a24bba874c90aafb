package mandate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "clawtrust/errors"
	"clawtrust/events"
	"clawtrust/identity"
	"clawtrust/migrations"
)

// TestRepository_Integration runs against a live PostgreSQL named by
// DATABASE_URL and checks compare-and-set updates and outbox writes.
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

	if _, err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	suffix := uuid.NewString()[:8]
	agents := identity.NewRepository(pool)
	renter, provider := "renter-"+suffix, "provider-"+suffix
	for _, id := range []string{renter, provider} {
		if _, err := agents.Upsert(ctx, identity.Agent{ID: id, Stake: 500 * usdc}); err != nil {
			t.Fatalf("seed agent %s: %v", id, err)
		}
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	m := Mandate{
		ID:         uuid.NewString(),
		Renter:     renter,
		Provider:   provider,
		ProposedBy: renter,
		Terms: Terms{
			SkillCategory:   "translation",
			UnitPrice:       10 * usdc,
			Duration:        time.Hour,
			DeliverableSpec: "translate the changelog",
			SLADeadline:     now.Add(time.Hour),
		},
		Status:    StatusProposed,
		EscrowID:  uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(-time.Minute),
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'aggregate_id' = $1`, m.ID)
		_, _ = pool.Exec(ctx2, `DELETE FROM mandates WHERE id = $1`, m.ID)
		_, _ = pool.Exec(ctx2, `DELETE FROM agents WHERE id = ANY($1)`, []string{renter, provider})
	})

	repo := NewRepository(pool)
	created, err := repo.Create(ctx, m, events.MandateCreated(m.ID, m.EscrowID, renter, provider, m.Terms.UnitPrice, now))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 || created.Terms.Duration != time.Hour {
		t.Fatalf("unexpected created mandate: %+v", created)
	}

	var queued int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'aggregate_id' = $2`,
		string(events.TypeMandateCreated), m.ID).Scan(&queued); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected one outbox row, got %d", queued)
	}

	next := created
	next.Status = StatusAccepted
	next.AcceptedAt = &now
	accepted, err := repo.Update(ctx, next, created.Version)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if accepted.Version != 2 || accepted.Status != StatusAccepted {
		t.Fatalf("unexpected accepted mandate: %+v", accepted)
	}

	// a second writer holding the old version must lose
	if _, err := repo.Update(ctx, next, created.Version); xerrors.CodeOf(err) != xerrors.CodeConcurrentModification {
		t.Fatalf("expected concurrent modification, got %v", err)
	}

	overdue, err := repo.ListOverdue(ctx, time.Now())
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	found := false
	for _, o := range overdue {
		found = found || o.ID == m.ID
	}
	if !found {
		t.Fatalf("expected %s among overdue mandates", m.ID)
	}

	if _, err := repo.Get(ctx, uuid.NewString()); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
