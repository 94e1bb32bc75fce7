package csp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockCloud is the in-memory provider used in development and tests.
// Identifiers are deterministic so repeated calls for the same payload
// return the same ids, which keeps stage operations naturally idempotent.
// Failures can be injected per operation to exercise the error taxonomy.
type MockCloud struct {
	mu       sync.Mutex
	secrets  map[string]string
	tenants  map[string]bool
	failures map[string]error
}

func NewMockCloud() *MockCloud {
	return &MockCloud{
		secrets:  map[string]string{},
		tenants:  map[string]bool{},
		failures: map[string]error{},
	}
}

// FailWith makes the named operation return err until cleared with a nil
// err. Operation names match the CloudProvider method names.
func (m *MockCloud) FailWith(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, operation)
		return
	}
	m.failures[operation] = err
}

func (m *MockCloud) injected(operation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[operation]
}

func mockID(parts ...string) string {
	seed := ""
	for _, p := range parts {
		seed += p + "|"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func (m *MockCloud) CreateTenant(ctx context.Context, p TenantPayload) (StageResult, error) {
	if err := m.injected("CreateTenant"); err != nil {
		return StageResult{}, err
	}
	m.mu.Lock()
	exists := m.tenants[p.DomainName]
	m.tenants[p.DomainName] = true
	m.mu.Unlock()
	if exists {
		return StageResult{}, ResourceExistsError{Resource: "tenant " + p.DomainName}
	}
	return StageResult{IDs: map[string]string{
		"tenant_id":      mockID("tenant", p.DomainName),
		"user_id":        p.UserID,
		"user_object_id": mockID("user", p.DomainName, p.UserID),
	}}, nil
}

func (m *MockCloud) CreateBillingProfile(ctx context.Context, p BillingProfilePayload) (StageResult, error) {
	if err := m.injected("CreateBillingProfile"); err != nil {
		return StageResult{}, err
	}
	return StageResult{IDs: map[string]string{
		"billing_profile_id": mockID("billing-profile", p.TenantID, p.DisplayName),
	}}, nil
}

func (m *MockCloud) VerifyBillingProfile(ctx context.Context, p VerificationPayload) (StageResult, error) {
	if err := m.injected("VerifyBillingProfile"); err != nil {
		return StageResult{}, err
	}
	return StageResult{IDs: map[string]string{
		"billing_profile_verified": "true",
	}}, nil
}

func (m *MockCloud) GrantBillingProfileTenantAccess(ctx context.Context, p TenantAccessPayload) (StageResult, error) {
	if err := m.injected("GrantBillingProfileTenantAccess"); err != nil {
		return StageResult{}, err
	}
	return StageResult{IDs: map[string]string{
		"billing_role_assignment_id": mockID("billing-role", p.TenantID, p.BillingProfileID),
	}}, nil
}

func (m *MockCloud) CreateTaskOrderBilling(ctx context.Context, p TaskOrderBillingPayload) (StageResult, error) {
	if err := m.injected("CreateTaskOrderBilling"); err != nil {
		return StageResult{}, err
	}
	return StageResult{IDs: map[string]string{
		"task_order_billing_id": mockID("to-billing", p.BillingProfileID, p.TaskOrderNumber),
	}}, nil
}

func (m *MockCloud) VerifyTaskOrderBilling(ctx context.Context, p VerificationPayload) (StageResult, error) {
	if err := m.injected("VerifyTaskOrderBilling"); err != nil {
		return StageResult{}, err
	}
	return StageResult{IDs: map[string]string{
		"task_order_billing_verified": "true",
	}}, nil
}

func (m *MockCloud) CreateBillingInstruction(ctx context.Context, p BillingInstructionPayload) (StageResult, error) {
	if err := m.injected("CreateBillingInstruction"); err != nil {
		return StageResult{}, err
	}
	return StageResult{IDs: map[string]string{
		"billing_instruction_id": mockID("billing-instruction", p.BillingProfileID, p.TaskOrderNumber, p.CLINNumber),
	}}, nil
}

func (m *MockCloud) SetSecret(ctx context.Context, key, value string) error {
	if err := m.injected("SetSecret"); err != nil {
		return err
	}
	m.mu.Lock()
	m.secrets[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MockCloud) GetSecret(ctx context.Context, key string) (string, error) {
	if err := m.injected("GetSecret"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.secrets[key]
	if !ok {
		return "", UnknownServerError{StatusCode: 500, Reason: fmt.Sprintf("secret %s not set", key)}
	}
	return value, nil
}

func (m *MockCloud) RootCreds(ctx context.Context) (Credentials, error) {
	if err := m.injected("RootCreds"); err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: "mock-cloud", Password: "shh"}, nil
}

func (m *MockCloud) CreateEnvironment(ctx context.Context, p EnvironmentPayload) (string, error) {
	if err := m.injected("CreateEnvironment"); err != nil {
		return "", err
	}
	return mockID("environment", p.TenantID, p.DisplayName), nil
}

func (m *MockCloud) CreateOrUpdateUser(ctx context.Context, p UserPayload) (string, error) {
	if err := m.injected("CreateOrUpdateUser"); err != nil {
		return "", err
	}
	return mockID("user", p.TenantID, p.Email), nil
}

func (m *MockCloud) DisableUser(ctx context.Context, tenantID, roleAssignmentID string) (bool, error) {
	if err := m.injected("DisableUser"); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MockCloud) CalculatorURL() string {
	return "https://mock.cloud/calculator"
}

func (m *MockCloud) EnvironmentLoginURL(environmentID string) string {
	return "https://mock.cloud/environments/" + environmentID
}

func (m *MockCloud) CreateApplication(ctx context.Context, p ApplicationPayload) (string, error) {
	if err := m.injected("CreateApplication"); err != nil {
		return "", err
	}
	return mockID("application", p.TenantID, p.DisplayName), nil
}
