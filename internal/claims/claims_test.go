package claims_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"provline/internal/claims"
	"provline/internal/db"
	"provline/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func seedStateMachines(t *testing.T, conn *sql.DB, ids ...string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		_, err := conn.Exec(
			`INSERT INTO portfolios (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			"p-"+id, "portfolio "+id, now, now)
		if err != nil {
			t.Fatalf("seed portfolio: %v", err)
		}
		_, err = conn.Exec(
			`INSERT INTO portfolio_state_machines (id, portfolio_id, state, created_at, updated_at) VALUES (?, ?, 'UNSTARTED', ?, ?)`,
			id, "p-"+id, now, now)
		if err != nil {
			t.Fatalf("seed state machine: %v", err)
		}
	}
}

func TestClaimBlocksSecondClaimer(t *testing.T) {
	conn := newTestDB(t)
	seedStateMachines(t, conn, "sm-1")
	m := claims.Manager{DB: conn}
	ctx := context.Background()

	hold, err := m.Claim(ctx, "portfolio_state_machines", "sm-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.Claim(ctx, "portfolio_state_machines", "sm-1", time.Minute); err != claims.ErrClaimFailed {
		t.Fatalf("second claim err = %v, want ErrClaimFailed", err)
	}
	if err := hold.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Claim(ctx, "portfolio_state_machines", "sm-1", time.Minute); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestClaimExpires(t *testing.T) {
	conn := newTestDB(t)
	seedStateMachines(t, conn, "sm-1")
	m := claims.Manager{DB: conn}
	ctx := context.Background()

	if _, err := m.Claim(ctx, "portfolio_state_machines", "sm-1", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(2100 * time.Millisecond)
	if _, err := m.Claim(ctx, "portfolio_state_machines", "sm-1", time.Minute); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	conn := newTestDB(t)
	seedStateMachines(t, conn, "sm-1")
	m := claims.Manager{DB: conn}
	ctx := context.Background()

	hold, err := m.Claim(ctx, "portfolio_state_machines", "sm-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := hold.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := hold.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestReleaseSurvivesCancelledContext(t *testing.T) {
	conn := newTestDB(t)
	seedStateMachines(t, conn, "sm-1")
	m := claims.Manager{DB: conn}

	hold, err := m.Claim(context.Background(), "portfolio_state_machines", "sm-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hold.Release(ctx); err != nil {
		t.Fatalf("release with cancelled context: %v", err)
	}
	// the row must be claimable again, not stuck until the TTL lapses
	if _, err := m.Claim(context.Background(), "portfolio_state_machines", "sm-1", time.Minute); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestConcurrentClaimersSingleWinner(t *testing.T) {
	conn := newTestDB(t)
	seedStateMachines(t, conn, "sm-1")
	m := claims.Manager{DB: conn}
	ctx := context.Background()

	const claimers = 8
	start := make(chan struct{})
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			<-start
			_, err := m.Claim(ctx, "portfolio_state_machines", "sm-1", time.Minute)
			results <- err
		}()
	}
	close(start)

	won, blocked := 0, 0
	for i := 0; i < claimers; i++ {
		switch err := <-results; err {
		case nil:
			won++
		case claims.ErrClaimFailed:
			blocked++
		default:
			t.Fatalf("claim: %v", err)
		}
	}
	if won != 1 || blocked != claimers-1 {
		t.Fatalf("winners = %d, blocked = %d, want 1 and %d", won, blocked, claimers-1)
	}
}

func TestClaimManyAllOrNothing(t *testing.T) {
	conn := newTestDB(t)
	seedStateMachines(t, conn, "sm-1", "sm-2", "sm-3")
	m := claims.Manager{DB: conn}
	ctx := context.Background()

	if _, err := m.Claim(ctx, "portfolio_state_machines", "sm-2", time.Minute); err != nil {
		t.Fatalf("claim sm-2: %v", err)
	}
	_, err := m.ClaimMany(ctx, "portfolio_state_machines", []string{"sm-1", "sm-2", "sm-3"}, time.Minute)
	if err != claims.ErrClaimFailed {
		t.Fatalf("batch claim err = %v, want ErrClaimFailed", err)
	}
	// sm-1 and sm-3 must not have been leased by the failed batch
	for _, id := range []string{"sm-1", "sm-3"} {
		if _, err := m.Claim(ctx, "portfolio_state_machines", id, time.Minute); err != nil {
			t.Fatalf("claim %s after failed batch: %v", id, err)
		}
	}
}

func TestClaimRejectsUnknownTable(t *testing.T) {
	conn := newTestDB(t)
	m := claims.Manager{DB: conn}
	if _, err := m.Claim(context.Background(), "portfolios", "p-1", time.Minute); err == nil {
		t.Fatalf("expected error for unclaimable table")
	}
}
