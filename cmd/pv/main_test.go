package main

import (
	"context"
	"testing"
	"time"

	"provline/internal/db"
	"provline/internal/engine"
	"provline/internal/migrate"
	"provline/internal/repo"
)

func TestStateForDistinguishesMissingFromBroken(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := conn.Exec(`INSERT INTO portfolios (id, name, created_at, updated_at) VALUES ('p-1', 'demo', ?, ?)`, now, now); err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
	e := engine.Engine{Repo: repo.Repo{DB: conn}}

	// no state machine row yet: provisioning simply has not started
	state, err := stateFor(context.Background(), e, "p-1")
	if err != nil {
		t.Fatalf("stateFor: %v", err)
	}
	if state != "UNSTARTED" {
		t.Fatalf("state = %q, want UNSTARTED", state)
	}

	// a real database failure must surface, not masquerade as UNSTARTED
	conn.Close()
	if _, err := stateFor(context.Background(), e, "p-1"); err == nil {
		t.Fatalf("expected error from closed database")
	}
}
