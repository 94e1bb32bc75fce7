// Package engine implements portfolio lifecycle operations on top of the
// repo, events and claims layers. All writes go through transactions that
// pair the row change with its audit event.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"provline/internal/claims"
	"provline/internal/config"
	"provline/internal/csp"
	"provline/internal/domain"
	"provline/internal/events"
	"provline/internal/fsm"
	"provline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Claims claims.Manager
	Cloud  csp.CloudProvider
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, cloud csp.CloudProvider) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Claims: claims.Manager{DB: db},
		Cloud:  cloud,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ClaimTTL returns the configured claim duration.
func (e Engine) ClaimTTL() time.Duration {
	if e.Config != nil && e.Config.Claim.TTLMinutes > 0 {
		return time.Duration(e.Config.Claim.TTLMinutes) * time.Minute
	}
	return claims.DefaultTTL
}

func newID(parts ...string) string {
	seed := ""
	for _, p := range parts {
		seed += p + "|"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func (e Engine) CreatePortfolio(ctx context.Context, name, description, actorID string) (domain.Portfolio, error) {
	if name == "" {
		return domain.Portfolio{}, errors.New("name is required")
	}
	now := e.stamp()
	p := domain.Portfolio{
		ID:          newID("portfolio", name, now),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Portfolio{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPortfolio(ctx, tx, p); err != nil {
		return domain.Portfolio{}, fmt.Errorf("insert portfolio: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypePortfolioCreated, p.ID, "portfolio", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Portfolio{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Portfolio{}, err
	}
	return p, nil
}

func (e Engine) DeletePortfolio(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SoftDeletePortfolio(ctx, tx, id, e.stamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypePortfolioDeleted, id, "portfolio", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// AddTaskOrder attaches a task order to a portfolio. Signed is recorded as
// the current time when true; unsigned task orders never make the portfolio
// eligible for provisioning.
func (e Engine) AddTaskOrder(ctx context.Context, portfolioID, number string, signed bool, actorID string) (domain.TaskOrder, error) {
	if number == "" {
		return domain.TaskOrder{}, errors.New("number is required")
	}
	p, err := e.Repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return domain.TaskOrder{}, err
	}
	if p.Deleted {
		return domain.TaskOrder{}, fmt.Errorf("portfolio %s is deleted", portfolioID)
	}
	now := e.stamp()
	to := domain.TaskOrder{
		ID:          newID("taskorder", portfolioID, number, now),
		PortfolioID: portfolioID,
		Number:      number,
		CreatedAt:   now,
	}
	if signed {
		to.SignedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskOrder{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskOrder(ctx, tx, to); err != nil {
		return domain.TaskOrder{}, fmt.Errorf("insert task order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskOrderAdded, portfolioID, "task_order", to.ID, actorID, events.EventPayload{"number": number, "signed": signed}); err != nil {
		return domain.TaskOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskOrder{}, err
	}
	return to, nil
}

func (e Engine) SignTaskOrder(ctx context.Context, taskOrderID, actorID string) error {
	to, err := e.Repo.GetTaskOrder(ctx, taskOrderID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SignTaskOrder(ctx, tx, taskOrderID, e.stamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskOrderAdded, to.PortfolioID, "task_order", taskOrderID, actorID, events.EventPayload{"signed": true}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddCLIN attaches a funding line to a task order. The active window is
// [start, end): end must be strictly after start.
func (e Engine) AddCLIN(ctx context.Context, taskOrderID, number, startDate, endDate, actorID string) (domain.CLIN, error) {
	if number == "" {
		return domain.CLIN{}, errors.New("number is required")
	}
	start, err := time.Parse(time.RFC3339, startDate)
	if err != nil {
		return domain.CLIN{}, fmt.Errorf("invalid start_date: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endDate)
	if err != nil {
		return domain.CLIN{}, fmt.Errorf("invalid end_date: %w", err)
	}
	if !end.After(start) {
		return domain.CLIN{}, errors.New("end_date must be after start_date")
	}
	to, err := e.Repo.GetTaskOrder(ctx, taskOrderID)
	if err != nil {
		return domain.CLIN{}, err
	}
	now := e.stamp()
	c := domain.CLIN{
		ID:          newID("clin", taskOrderID, number, now),
		TaskOrderID: taskOrderID,
		Number:      number,
		StartDate:   start.UTC().Format(time.RFC3339),
		EndDate:     end.UTC().Format(time.RFC3339),
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CLIN{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCLIN(ctx, tx, c); err != nil {
		return domain.CLIN{}, fmt.Errorf("insert clin: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeCLINAdded, to.PortfolioID, "clin", c.ID, actorID, events.EventPayload{"number": number, "start_date": c.StartDate, "end_date": c.EndDate}); err != nil {
		return domain.CLIN{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CLIN{}, err
	}
	return c, nil
}

// GetOrCreateStateMachine returns the portfolio's provisioning record,
// creating it in UNSTARTED on first use. Creation races resolve through the
// unique portfolio_id constraint: the loser re-reads the winner's row.
func (e Engine) GetOrCreateStateMachine(ctx context.Context, portfolioID string) (domain.StateMachine, error) {
	sm, err := e.Repo.GetStateMachineByPortfolio(ctx, portfolioID)
	if err == nil {
		return sm, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.StateMachine{}, err
	}
	if _, err := e.Repo.GetPortfolio(ctx, portfolioID); err != nil {
		return domain.StateMachine{}, err
	}
	now := e.stamp()
	sm = domain.StateMachine{
		ID:          newID("psm", portfolioID),
		PortfolioID: portfolioID,
		State:       string(fsm.Unstarted),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StateMachine{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertStateMachine(ctx, tx, sm); err != nil {
		return e.Repo.GetStateMachineByPortfolio(ctx, portfolioID)
	}
	if err := tx.Commit(); err != nil {
		return domain.StateMachine{}, err
	}
	return sm, nil
}
