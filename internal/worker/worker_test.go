package worker_test

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"provline/internal/config"
	"provline/internal/csp"
	"provline/internal/db"
	"provline/internal/domain"
	"provline/internal/engine"
	"provline/internal/fsm"
	"provline/internal/migrate"
	"provline/internal/worker"
)

func newTestWorker(t *testing.T) (worker.Worker, *csp.MockCloud) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cloud := csp.NewMockCloud()
	eng := engine.New(conn, config.Default(), cloud)
	eng.Now = func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) }
	w := worker.New(eng)
	w.Logger = log.New(io.Discard, "", 0)
	return w, cloud
}

func seedProvisionable(t *testing.T, e engine.Engine, name string) domain.Portfolio {
	t.Helper()
	ctx := context.Background()
	p, err := e.CreatePortfolio(ctx, name, "", "tester")
	if err != nil {
		t.Fatalf("create portfolio: %v", err)
	}
	to, err := e.AddTaskOrder(ctx, p.ID, "HQ0034", true, "tester")
	if err != nil {
		t.Fatalf("add task order: %v", err)
	}
	if _, err := e.AddCLIN(ctx, to.ID, "0001", "2026-01-01T00:00:00Z", "2027-01-01T00:00:00Z", "tester"); err != nil {
		t.Fatalf("add clin: %v", err)
	}
	return p
}

func TestRunOnceCompletesEligiblePortfolio(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	p := seedProvisionable(t, w.Engine, "Mission Apps")

	advanced, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("advanced = %d, want 1", advanced)
	}
	sm, err := w.Engine.Repo.GetStateMachineByPortfolio(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sm.State != string(fsm.Completed) {
		t.Fatalf("state = %s, want COMPLETED", sm.State)
	}

	// completed portfolios drop out of the next pass
	advanced, err = w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("second pass advanced = %d, want 0", advanced)
	}
}

func TestRunOnceIgnoresIneligiblePortfolios(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	p, err := w.Engine.CreatePortfolio(ctx, "Unsigned", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Engine.AddTaskOrder(ctx, p.ID, "HQ0034", false, "tester"); err != nil {
		t.Fatal(err)
	}

	advanced, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("advanced = %d, want 0", advanced)
	}
	if _, err := w.Engine.Repo.GetStateMachineByPortfolio(ctx, p.ID); err == nil {
		t.Fatalf("ineligible portfolio should not get a state machine")
	}
}

func TestRunOnceSkipsClaimedPortfolio(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	p := seedProvisionable(t, w.Engine, "Claimed")

	sm, err := w.Engine.GetOrCreateStateMachine(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	hold, err := w.Engine.Claims.Claim(ctx, "portfolio_state_machines", sm.ID, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer hold.Release(ctx)

	advanced, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("advanced = %d, want 0 while claimed", advanced)
	}
	got, err := w.Engine.Repo.GetStateMachineByPortfolio(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != string(fsm.Unstarted) {
		t.Fatalf("claimed portfolio moved to %s", got.State)
	}
}

func TestRunOnceStopsAtFailedStage(t *testing.T) {
	w, cloud := newTestWorker(t)
	ctx := context.Background()
	p := seedProvisionable(t, w.Engine, "Broken")
	cloud.FailWith("CreateTenant", csp.AuthenticationError{Reason: "bad credentials"})

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	sm, err := w.Engine.Repo.GetStateMachineByPortfolio(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sm.State != string(fsm.StageTenant.Failed()) {
		t.Fatalf("state = %s, want %s", sm.State, fsm.StageTenant.Failed())
	}

	// failed stages stay put until an operator restarts them
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	sm, _ = w.Engine.Repo.GetStateMachineByPortfolio(ctx, p.ID)
	if sm.State != string(fsm.StageTenant.Failed()) {
		t.Fatalf("state moved to %s without restart", sm.State)
	}

	cloud.FailWith("CreateTenant", nil)
	if _, err := w.Engine.RestartStage(ctx, p.ID, "operator"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("pass after restart: %v", err)
	}
	sm, _ = w.Engine.Repo.GetStateMachineByPortfolio(ctx, p.ID)
	if sm.State != string(fsm.Completed) {
		t.Fatalf("state = %s after restart, want COMPLETED", sm.State)
	}
}

func TestRunOnceProvisionsApplications(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	p := seedProvisionable(t, w.Engine, "Apps")
	app, err := w.Engine.CreateApplication(ctx, p.ID, "logistics", "tester")
	if err != nil {
		t.Fatal(err)
	}

	// first pass provisions the portfolio through COMPLETED; the
	// application follows once the tenant exists
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got, err := w.Engine.Repo.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CloudID == nil || *got.CloudID == "" {
		t.Fatalf("application not provisioned after pass")
	}
}
