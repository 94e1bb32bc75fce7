package engine

import (
	"context"
	"errors"
	"fmt"

	"provline/internal/claims"
	"provline/internal/csp"
	"provline/internal/domain"
	"provline/internal/events"
)

// CreateApplication records an application under a portfolio. The cloud
// resource is created later by the worker once the portfolio's tenant
// exists.
func (e Engine) CreateApplication(ctx context.Context, portfolioID, name, actorID string) (domain.Application, error) {
	if name == "" {
		return domain.Application{}, errors.New("name is required")
	}
	p, err := e.Repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return domain.Application{}, err
	}
	if p.Deleted {
		return domain.Application{}, fmt.Errorf("portfolio %s is deleted", portfolioID)
	}
	now := e.stamp()
	app := domain.Application{
		ID:          newID("application", portfolioID, name, now),
		PortfolioID: portfolioID,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertApplication(ctx, tx, app); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeApplicationCreated, portfolioID, "application", app.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

// ProvisionPendingApplications claims every application without a cloud
// resource and creates them, one by one. Applications whose portfolio has no
// tenant yet are skipped and remain pending. Returns the number of
// applications provisioned.
func (e Engine) ProvisionPendingApplications(ctx context.Context, actorID string) (provisioned int, err error) {
	pending, err := e.Repo.PendingApplications(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	ids := make([]string, len(pending))
	for i, app := range pending {
		ids[i] = app.ID
	}
	hold, err := e.Claims.ClaimMany(ctx, "applications", ids, e.ClaimTTL())
	if err != nil {
		if errors.Is(err, claims.ErrClaimFailed) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if rerr := hold.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}()

	for _, app := range pending {
		p, err := e.Repo.GetPortfolio(ctx, app.PortfolioID)
		if err != nil {
			return provisioned, err
		}
		data, err := parseCSPData(p.CSPDataJSON)
		if err != nil {
			return provisioned, err
		}
		tenantID := data["tenant_id"]
		if tenantID == "" {
			continue
		}
		cloudID, err := e.Cloud.CreateApplication(ctx, csp.ApplicationPayload{
			TenantID:    tenantID,
			DisplayName: app.Name,
		})
		if err != nil {
			if csp.Transient(err) {
				continue
			}
			return provisioned, err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return provisioned, err
		}
		if err := e.Repo.UpdateApplicationCloudID(ctx, tx, app.ID, cloudID, e.stamp()); err != nil {
			tx.Rollback()
			return provisioned, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeApplicationCreated, app.PortfolioID, "application", app.ID, actorID, events.EventPayload{
			"name":     app.Name,
			"cloud_id": cloudID,
		}); err != nil {
			tx.Rollback()
			return provisioned, err
		}
		if err := tx.Commit(); err != nil {
			return provisioned, err
		}
		provisioned++
	}
	return provisioned, nil
}
