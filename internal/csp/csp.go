// Package csp abstracts the cloud service provider behind a capability
// interface. The provisioning engine depends only on this contract and the
// normalized error taxonomy; concrete variants are selected once at
// startup from configuration.
package csp

import (
	"context"
	"fmt"
)

// StageResult carries the provider-assigned identifiers returned by a
// stage operation. IDs are merged into the portfolio's csp_data record.
type StageResult struct {
	IDs map[string]string
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TenantPayload struct {
	UserID                string `json:"user_id"`
	Password              string `json:"password"`
	DomainName            string `json:"domain_name"`
	FirstName             string `json:"first_name"`
	LastName              string `json:"last_name"`
	CountryCode           string `json:"country_code"`
	PasswordRecoveryEmail string `json:"password_recovery_email_address"`
}

type BillingProfilePayload struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	PONumber    string `json:"po_number"`
}

type VerificationPayload struct {
	TenantID  string `json:"tenant_id"`
	VerifyURL string `json:"verify_url,omitempty"`
}

type TenantAccessPayload struct {
	TenantID         string `json:"tenant_id"`
	BillingProfileID string `json:"billing_profile_id"`
}

type TaskOrderBillingPayload struct {
	TenantID         string `json:"tenant_id"`
	BillingProfileID string `json:"billing_profile_id"`
	TaskOrderNumber  string `json:"task_order_number"`
}

type BillingInstructionPayload struct {
	TenantID         string `json:"tenant_id"`
	BillingProfileID string `json:"billing_profile_id"`
	TaskOrderNumber  string `json:"task_order_number"`
	CLINNumber       string `json:"clin_number"`
	Amount           int64  `json:"amount"`
}

type EnvironmentPayload struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	ParentID    string `json:"parent_id"`
}

type UserPayload struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type ApplicationPayload struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	ParentID    string `json:"parent_id"`
}

// CloudProvider is the capability surface the provisioning engine drives.
// Stage operations correspond one-to-one with fsm stages; the remaining
// operations support application and user management jobs.
//
// Every operation returns provider-assigned identifiers on success or one
// of the taxonomy errors in errors.go.
type CloudProvider interface {
	CreateTenant(ctx context.Context, p TenantPayload) (StageResult, error)
	CreateBillingProfile(ctx context.Context, p BillingProfilePayload) (StageResult, error)
	VerifyBillingProfile(ctx context.Context, p VerificationPayload) (StageResult, error)
	GrantBillingProfileTenantAccess(ctx context.Context, p TenantAccessPayload) (StageResult, error)
	CreateTaskOrderBilling(ctx context.Context, p TaskOrderBillingPayload) (StageResult, error)
	VerifyTaskOrderBilling(ctx context.Context, p VerificationPayload) (StageResult, error)
	CreateBillingInstruction(ctx context.Context, p BillingInstructionPayload) (StageResult, error)

	SetSecret(ctx context.Context, key, value string) error
	GetSecret(ctx context.Context, key string) (string, error)
	RootCreds(ctx context.Context) (Credentials, error)
	CreateEnvironment(ctx context.Context, p EnvironmentPayload) (string, error)
	CreateOrUpdateUser(ctx context.Context, p UserPayload) (string, error)
	DisableUser(ctx context.Context, tenantID, roleAssignmentID string) (bool, error)
	CalculatorURL() string
	EnvironmentLoginURL(environmentID string) string
	CreateApplication(ctx context.Context, p ApplicationPayload) (string, error)
}

// Config selects and parameterizes the provider variant.
type Config struct {
	Provider     string `yaml:"provider"` // "mock" or "azure"
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Select returns the configured provider variant. The set of variants is
// closed; unrecognized names are a startup error.
func Select(cfg Config) (CloudProvider, error) {
	switch cfg.Provider {
	case "", "mock":
		return NewMockCloud(), nil
	case "azure":
		return NewAzureCloud(cfg), nil
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Provider)
	}
}
