package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"provline/internal/db"
	"provline/internal/domain"
	"provline/internal/fsm"
	"provline/internal/migrate"
	"provline/internal/repo"
)

const testNow = "2026-06-15T12:00:00Z"

type fixture struct {
	Repo repo.Repo
	DB   *sql.DB
	Ctx  context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return fixture{Repo: repo.Repo{DB: conn}, DB: conn, Ctx: context.Background()}
}

func (f fixture) exec(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := f.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("exec: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// seedPortfolio creates a portfolio with one task order and one CLIN. The
// signed flag and window dates control provisioning eligibility.
func (f fixture) seedPortfolio(t *testing.T, id string, signed bool, start, end string) {
	t.Helper()
	f.exec(t, func(tx *sql.Tx) error {
		p := domain.Portfolio{ID: id, Name: "portfolio " + id, CreatedAt: testNow, UpdatedAt: testNow}
		if err := f.Repo.InsertPortfolio(f.Ctx, tx, p); err != nil {
			return err
		}
		to := domain.TaskOrder{ID: id + "-to", PortfolioID: id, Number: "HQ0034", CreatedAt: testNow}
		if signed {
			signedAt := testNow
			to.SignedAt = &signedAt
		}
		if err := f.Repo.InsertTaskOrder(f.Ctx, tx, to); err != nil {
			return err
		}
		c := domain.CLIN{ID: id + "-clin", TaskOrderID: to.ID, Number: "0001", StartDate: start, EndDate: end, CreatedAt: testNow}
		return f.Repo.InsertCLIN(f.Ctx, tx, c)
	})
}

func (f fixture) seedStateMachine(t *testing.T, portfolioID, state string) {
	t.Helper()
	f.exec(t, func(tx *sql.Tx) error {
		return f.Repo.InsertStateMachine(f.Ctx, tx, domain.StateMachine{
			ID:          portfolioID + "-sm",
			PortfolioID: portfolioID,
			State:       state,
			CreatedAt:   testNow,
			UpdatedAt:   testNow,
		})
	})
}

func TestPendingProvisioningEligibility(t *testing.T) {
	activeStart := "2026-01-01T00:00:00Z"
	activeEnd := "2027-01-01T00:00:00Z"

	cases := []struct {
		name     string
		signed   bool
		start    string
		end      string
		state    string // "" for no state machine row
		deleted  bool
		eligible bool
	}{
		{name: "no state machine", signed: true, start: activeStart, end: activeEnd, eligible: true},
		{name: "unsigned task order", signed: false, start: activeStart, end: activeEnd, eligible: false},
		{name: "window not started", signed: true, start: "2026-07-01T00:00:00Z", end: activeEnd, eligible: false},
		{name: "window expired", signed: true, start: activeStart, end: "2026-06-01T00:00:00Z", eligible: false},
		{name: "window end is exclusive", signed: true, start: activeStart, end: testNow, eligible: false},
		{name: "ready stage state", signed: true, start: activeStart, end: activeEnd, state: string(fsm.StageTenant.Created()), eligible: true},
		{name: "in progress", signed: true, start: activeStart, end: activeEnd, state: string(fsm.StageTenant.InProgress()), eligible: false},
		{name: "stage failed", signed: true, start: activeStart, end: activeEnd, state: string(fsm.StageTenant.Failed()), eligible: false},
		{name: "completed", signed: true, start: activeStart, end: activeEnd, state: string(fsm.Completed), eligible: false},
		{name: "deleted portfolio", signed: true, start: activeStart, end: activeEnd, deleted: true, eligible: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedPortfolio(t, "p-1", tc.signed, tc.start, tc.end)
			if tc.state != "" {
				f.seedStateMachine(t, "p-1", tc.state)
			}
			if tc.deleted {
				f.exec(t, func(tx *sql.Tx) error {
					return f.Repo.SoftDeletePortfolio(f.Ctx, tx, "p-1", testNow)
				})
			}
			ids, err := f.Repo.PendingProvisioning(f.Ctx, testNow)
			if err != nil {
				t.Fatalf("pending provisioning: %v", err)
			}
			got := len(ids) == 1 && ids[0] == "p-1"
			if got != tc.eligible {
				t.Fatalf("eligible = %v, want %v (ids %v)", got, tc.eligible, ids)
			}
		})
	}
}

func TestPendingProvisioningDeduplicatesTaskOrders(t *testing.T) {
	f := newFixture(t)
	f.seedPortfolio(t, "p-1", true, "2026-01-01T00:00:00Z", "2027-01-01T00:00:00Z")
	// second signed task order with its own active CLIN
	signedAt := testNow
	f.exec(t, func(tx *sql.Tx) error {
		if err := f.Repo.InsertTaskOrder(f.Ctx, tx, domain.TaskOrder{
			ID: "p-1-to2", PortfolioID: "p-1", Number: "HQ0035", SignedAt: &signedAt, CreatedAt: testNow,
		}); err != nil {
			return err
		}
		return f.Repo.InsertCLIN(f.Ctx, tx, domain.CLIN{
			ID: "p-1-clin2", TaskOrderID: "p-1-to2", Number: "0001",
			StartDate: "2026-01-01T00:00:00Z", EndDate: "2027-01-01T00:00:00Z", CreatedAt: testNow,
		})
	})
	ids, err := f.Repo.PendingProvisioning(f.Ctx, testNow)
	if err != nil {
		t.Fatalf("pending provisioning: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d ids, want 1: %v", len(ids), ids)
	}
}

func TestGetPortfolioNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.Repo.GetPortfolio(f.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSignTaskOrderOnce(t *testing.T) {
	f := newFixture(t)
	f.seedPortfolio(t, "p-1", false, "2026-01-01T00:00:00Z", "2027-01-01T00:00:00Z")

	f.exec(t, func(tx *sql.Tx) error {
		return f.Repo.SignTaskOrder(f.Ctx, tx, "p-1-to", testNow)
	})
	to, err := f.Repo.GetTaskOrder(f.Ctx, "p-1-to")
	if err != nil {
		t.Fatalf("get task order: %v", err)
	}
	if to.SignedAt == nil || *to.SignedAt != testNow {
		t.Fatalf("signed_at = %v, want %s", to.SignedAt, testNow)
	}

	tx, err := f.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := f.Repo.SignTaskOrder(f.Ctx, tx, "p-1-to", testNow); err == nil {
		t.Fatalf("expected error signing twice")
	}
}

func TestSoftDeleteHidesFromDefaultList(t *testing.T) {
	f := newFixture(t)
	f.seedPortfolio(t, "p-1", true, "2026-01-01T00:00:00Z", "2027-01-01T00:00:00Z")
	f.exec(t, func(tx *sql.Tx) error {
		return f.Repo.SoftDeletePortfolio(f.Ctx, tx, "p-1", testNow)
	})

	visible, err := f.Repo.ListPortfolios(f.Ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("deleted portfolio still listed")
	}
	all, err := f.Repo.ListPortfolios(f.Ctx, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("include_deleted list = %+v", all)
	}

	// deleting again is an error: the guard matches live rows only
	tx, err := f.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := f.Repo.SoftDeletePortfolio(f.Ctx, tx, "p-1", testNow); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestEventCursorPaging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.exec(t, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO events (ts, type, portfolio_id, entity_kind, entity_id, actor_id, payload_json)
				 VALUES (?, 'provisioning.transition', 'p-1', 'state_machine', 'sm-1', 'tester', '{}')`,
				time.Now().UTC().Format(time.RFC3339))
			return err
		})
	}
	first, err := f.Repo.ListEvents(f.Ctx, repo.EventFilters{Limit: 2})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(first) != 2 || first[0].ID <= first[1].ID {
		t.Fatalf("expected 2 events newest first, got %+v", first)
	}
	rest, err := f.Repo.ListEvents(f.Ctx, repo.EventFilters{Limit: 10, CursorID: first[1].ID})
	if err != nil {
		t.Fatalf("list events after cursor: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("got %d events after cursor, want 3", len(rest))
	}
	for _, evt := range rest {
		if evt.ID >= first[1].ID {
			t.Fatalf("event %d not older than cursor %d", evt.ID, first[1].ID)
		}
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	f := newFixture(t)
	key := domain.APIKey{
		ID:        "key-1",
		ActorID:   "robot",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey("s3cret"),
		CreatedAt: testNow,
	}
	if err := f.Repo.InsertAPIKey(f.Ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := f.Repo.GetAPIKeyByHash(f.Ctx, repo.HashAPIKey("s3cret"))
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ActorID != "robot" {
		t.Fatalf("actor = %s, want robot", got.ActorID)
	}
	if _, err := f.Repo.GetAPIKeyByHash(f.Ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("wrong key err = %v, want ErrNotFound", err)
	}
	if err := f.Repo.DeleteAPIKey(f.Ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.Repo.GetAPIKeyByHash(f.Ctx, repo.HashAPIKey("s3cret")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted key err = %v, want ErrNotFound", err)
	}
}
