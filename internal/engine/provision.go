package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"provline/internal/csp"
	"provline/internal/domain"
	"provline/internal/events"
	"provline/internal/fsm"
)

// Advance performs one provisioning step for the portfolio. Bootstrap states
// transition without touching the cloud. Stage states are first marked
// IN_PROGRESS, then the stage's cloud operation runs, and the outcome
// decides the resting state:
//
//   - success or already-exists: the next stage's ready state (COMPLETED
//     after the last stage), with returned identifiers merged into the
//     portfolio's csp_data
//   - transient failure: back to the stage's ready state, so a later pass
//     retries
//   - any other failure: the stage's failure state, which holds until an
//     operator restarts the stage
//
// The returned error is the cloud error when one occurred; the state
// transition has already been persisted by then.
func (e Engine) Advance(ctx context.Context, portfolioID, actorID string) (domain.StateMachine, error) {
	sm, err := e.GetOrCreateStateMachine(ctx, portfolioID)
	if err != nil {
		return domain.StateMachine{}, err
	}
	state, err := fsm.Parse(sm.State)
	if err != nil {
		return sm, err
	}

	stage, hasStage := fsm.StageOf(state)
	if !hasStage {
		next, ok := fsm.Next(state)
		if !ok {
			return sm, fmt.Errorf("cannot advance portfolio %s from state %s", portfolioID, state)
		}
		if err := e.transition(ctx, sm, state, next, actorID, nil); err != nil {
			return sm, err
		}
		return e.Repo.GetStateMachine(ctx, sm.ID)
	}

	inProgress := stage.InProgress()
	if state != inProgress {
		if err := e.transition(ctx, sm, state, inProgress, actorID, nil); err != nil {
			return sm, err
		}
	}

	result, cloudErr := e.runStage(ctx, stage, portfolioID)
	switch {
	case cloudErr == nil || csp.AlreadyExists(cloudErr):
		next, _ := fsm.Next(inProgress)
		if err := e.completeStage(ctx, sm, inProgress, next, stage, result, actorID); err != nil {
			return sm, err
		}
	case csp.Transient(cloudErr):
		if err := e.transition(ctx, sm, inProgress, stage.Created(), actorID, events.EventPayload{
			"stage": string(stage),
			"error": cloudErr.Error(),
			"retry": true,
		}); err != nil {
			return sm, err
		}
	default:
		if err := e.transition(ctx, sm, inProgress, stage.Failed(), actorID, events.EventPayload{
			"stage": string(stage),
			"error": cloudErr.Error(),
		}); err != nil {
			return sm, err
		}
	}

	updated, err := e.Repo.GetStateMachine(ctx, sm.ID)
	if err != nil {
		return sm, err
	}
	return updated, cloudErr
}

// RestartStage resets a failed or stranded stage to its ready state so the
// worker picks the portfolio up again.
func (e Engine) RestartStage(ctx context.Context, portfolioID, actorID string) (domain.StateMachine, error) {
	sm, err := e.Repo.GetStateMachineByPortfolio(ctx, portfolioID)
	if err != nil {
		return domain.StateMachine{}, err
	}
	state, err := fsm.Parse(sm.State)
	if err != nil {
		return sm, err
	}
	target, ok := fsm.RestartTarget(state)
	if !ok {
		return sm, fmt.Errorf("state %s cannot be restarted", state)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sm, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStateMachineState(ctx, tx, sm.ID, string(target), e.stamp()); err != nil {
		return sm, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeStageRestarted, sm.PortfolioID, "state_machine", sm.ID, actorID, events.EventPayload{
		"from": string(state),
		"to":   string(target),
	}); err != nil {
		return sm, err
	}
	if err := tx.Commit(); err != nil {
		return sm, err
	}
	return e.Repo.GetStateMachine(ctx, sm.ID)
}

func (e Engine) transition(ctx context.Context, sm domain.StateMachine, from, to fsm.State, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStateMachineState(ctx, tx, sm.ID, string(to), e.stamp()); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = string(from)
	payload["to"] = string(to)
	if err := e.Events.Append(ctx, tx, events.TypeStateTransition, sm.PortfolioID, "state_machine", sm.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// completeStage persists the successful transition together with the
// provider identifiers in one transaction, so csp_data can never get ahead
// of or behind the state column.
func (e Engine) completeStage(ctx context.Context, sm domain.StateMachine, from, to fsm.State, stage fsm.Stage, result csp.StageResult, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.stamp()
	if err := e.Repo.UpdateStateMachineState(ctx, tx, sm.ID, string(to), now); err != nil {
		return err
	}
	if len(result.IDs) > 0 {
		data, err := e.mergedCSPData(ctx, sm.PortfolioID, result.IDs)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdatePortfolioCSPData(ctx, tx, sm.PortfolioID, data, now); err != nil {
			return err
		}
	}
	payload := events.EventPayload{
		"from":  string(from),
		"to":    string(to),
		"stage": string(stage),
	}
	if err := e.Events.Append(ctx, tx, events.TypeStateTransition, sm.PortfolioID, "state_machine", sm.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) mergedCSPData(ctx context.Context, portfolioID string, ids map[string]string) (string, error) {
	p, err := e.Repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return "", err
	}
	data, err := parseCSPData(p.CSPDataJSON)
	if err != nil {
		return "", err
	}
	for k, v := range ids {
		data[k] = v
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parseCSPData(raw *string) (map[string]string, error) {
	data := map[string]string{}
	if raw == nil || *raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(*raw), &data); err != nil {
		return nil, fmt.Errorf("corrupt csp_data: %w", err)
	}
	return data, nil
}

func (e Engine) runStage(ctx context.Context, stage fsm.Stage, portfolioID string) (csp.StageResult, error) {
	p, err := e.Repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return csp.StageResult{}, err
	}
	data, err := parseCSPData(p.CSPDataJSON)
	if err != nil {
		return csp.StageResult{}, err
	}

	switch stage {
	case fsm.StageTenant:
		countryCode := "US"
		recoveryEmail := ""
		if e.Config != nil {
			if e.Config.Tenant.CountryCode != "" {
				countryCode = e.Config.Tenant.CountryCode
			}
			recoveryEmail = e.Config.Tenant.PasswordRecoveryEmail
		}
		payload := csp.TenantPayload{
			UserID:                "portfolio-owner",
			Password:              uuid.NewString(),
			DomainName:            e.tenantDomain(p.Name),
			CountryCode:           countryCode,
			PasswordRecoveryEmail: recoveryEmail,
		}
		result, err := e.Cloud.CreateTenant(ctx, payload)
		if err != nil {
			return result, err
		}
		if tenantID := result.IDs["tenant_id"]; tenantID != "" {
			creds, err := json.Marshal(csp.Credentials{Username: payload.UserID, Password: payload.Password})
			if err != nil {
				return csp.StageResult{}, err
			}
			// owner credentials live only in the provider's secret store
			if err := e.Cloud.SetSecret(ctx, tenantCredsKey(tenantID), string(creds)); err != nil {
				return csp.StageResult{}, err
			}
		}
		return result, nil
	case fsm.StageBillingProfileCreation:
		to, err := signedTaskOrder(p)
		if err != nil {
			return csp.StageResult{}, err
		}
		return e.Cloud.CreateBillingProfile(ctx, csp.BillingProfilePayload{
			TenantID:    data["tenant_id"],
			DisplayName: p.Name,
			PONumber:    to.Number,
		})
	case fsm.StageBillingProfileVerification:
		return e.Cloud.VerifyBillingProfile(ctx, csp.VerificationPayload{TenantID: data["tenant_id"]})
	case fsm.StageBillingProfileTenantAccess:
		return e.Cloud.GrantBillingProfileTenantAccess(ctx, csp.TenantAccessPayload{
			TenantID:         data["tenant_id"],
			BillingProfileID: data["billing_profile_id"],
		})
	case fsm.StageTaskOrderBillingCreation:
		to, err := signedTaskOrder(p)
		if err != nil {
			return csp.StageResult{}, err
		}
		return e.Cloud.CreateTaskOrderBilling(ctx, csp.TaskOrderBillingPayload{
			TenantID:         data["tenant_id"],
			BillingProfileID: data["billing_profile_id"],
			TaskOrderNumber:  to.Number,
		})
	case fsm.StageTaskOrderBillingVerif:
		return e.Cloud.VerifyTaskOrderBilling(ctx, csp.VerificationPayload{TenantID: data["tenant_id"]})
	case fsm.StageBillingInstruction:
		to, err := signedTaskOrder(p)
		if err != nil {
			return csp.StageResult{}, err
		}
		if len(to.CLINs) == 0 {
			return csp.StageResult{}, fmt.Errorf("task order %s has no clins", to.Number)
		}
		return e.Cloud.CreateBillingInstruction(ctx, csp.BillingInstructionPayload{
			TenantID:         data["tenant_id"],
			BillingProfileID: data["billing_profile_id"],
			TaskOrderNumber:  to.Number,
			CLINNumber:       to.CLINs[0].Number,
		})
	}
	return csp.StageResult{}, fmt.Errorf("unknown stage %s", stage)
}

func tenantCredsKey(tenantID string) string {
	return "tenant-creds-" + tenantID
}

// TenantCredentials fetches the portfolio owner's credentials from the
// provider's secret store.
func (e Engine) TenantCredentials(ctx context.Context, portfolioID string) (csp.Credentials, error) {
	p, err := e.Repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return csp.Credentials{}, err
	}
	data, err := parseCSPData(p.CSPDataJSON)
	if err != nil {
		return csp.Credentials{}, err
	}
	tenantID := data["tenant_id"]
	if tenantID == "" {
		return csp.Credentials{}, fmt.Errorf("portfolio %s has no tenant", portfolioID)
	}
	raw, err := e.Cloud.GetSecret(ctx, tenantCredsKey(tenantID))
	if err != nil {
		return csp.Credentials{}, err
	}
	var creds csp.Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return csp.Credentials{}, fmt.Errorf("corrupt tenant credentials: %w", err)
	}
	return creds, nil
}

func signedTaskOrder(p domain.Portfolio) (domain.TaskOrder, error) {
	for _, to := range p.TaskOrders {
		if to.SignedAt != nil {
			return to, nil
		}
	}
	return domain.TaskOrder{}, errors.New("portfolio has no signed task order")
}

func (e Engine) tenantDomain(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	slug := b.String()
	if slug == "" {
		slug = "portfolio"
	}
	suffix := ".onmicrosoft.com"
	if e.Config != nil && e.Config.Tenant.DomainSuffix != "" {
		suffix = e.Config.Tenant.DomainSuffix
	}
	return slug + suffix
}
