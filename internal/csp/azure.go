package csp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AzureCloud drives the Azure-facing provisioning gateway over HTTPS.
// Responses are normalized to the taxonomy in errors.go; callers never see
// raw HTTP status codes.
type AzureCloud struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewAzureCloud(cfg Config) *AzureCloud {
	return &AzureCloud{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

type idsResponse struct {
	IDs map[string]string `json:"ids"`
}

func (a *AzureCloud) stage(ctx context.Context, path string, payload any) (StageResult, error) {
	var resp idsResponse
	if err := a.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return StageResult{}, err
	}
	return StageResult{IDs: resp.IDs}, nil
}

func (a *AzureCloud) CreateTenant(ctx context.Context, p TenantPayload) (StageResult, error) {
	return a.stage(ctx, "tenants", p)
}

func (a *AzureCloud) CreateBillingProfile(ctx context.Context, p BillingProfilePayload) (StageResult, error) {
	return a.stage(ctx, "billing-profiles", p)
}

func (a *AzureCloud) VerifyBillingProfile(ctx context.Context, p VerificationPayload) (StageResult, error) {
	return a.stage(ctx, "billing-profiles/verify", p)
}

func (a *AzureCloud) GrantBillingProfileTenantAccess(ctx context.Context, p TenantAccessPayload) (StageResult, error) {
	return a.stage(ctx, "billing-profiles/tenant-access", p)
}

func (a *AzureCloud) CreateTaskOrderBilling(ctx context.Context, p TaskOrderBillingPayload) (StageResult, error) {
	return a.stage(ctx, "task-order-billing", p)
}

func (a *AzureCloud) VerifyTaskOrderBilling(ctx context.Context, p VerificationPayload) (StageResult, error) {
	return a.stage(ctx, "task-order-billing/verify", p)
}

func (a *AzureCloud) CreateBillingInstruction(ctx context.Context, p BillingInstructionPayload) (StageResult, error) {
	return a.stage(ctx, "billing-instructions", p)
}

func (a *AzureCloud) SetSecret(ctx context.Context, key, value string) error {
	body := map[string]string{"value": value}
	return a.do(ctx, http.MethodPut, "secrets/"+url.PathEscape(key), body, nil)
}

func (a *AzureCloud) GetSecret(ctx context.Context, key string) (string, error) {
	var resp struct {
		Value string `json:"value"`
	}
	if err := a.do(ctx, http.MethodGet, "secrets/"+url.PathEscape(key), nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (a *AzureCloud) RootCreds(ctx context.Context) (Credentials, error) {
	var resp Credentials
	err := a.do(ctx, http.MethodGet, "credentials/root", nil, &resp)
	return resp, err
}

func (a *AzureCloud) CreateEnvironment(ctx context.Context, p EnvironmentPayload) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "environments", p, &resp); err != nil {
		if AlreadyExists(err) {
			return "", EnvironmentExistsError{Name: p.DisplayName}
		}
		return "", err
	}
	return resp.ID, nil
}

func (a *AzureCloud) CreateOrUpdateUser(ctx context.Context, p UserPayload) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "users", p, &resp); err != nil {
		if Transient(err) {
			return "", err
		}
		return "", UserProvisioningError{Reason: err.Error()}
	}
	return resp.ID, nil
}

func (a *AzureCloud) DisableUser(ctx context.Context, tenantID, roleAssignmentID string) (bool, error) {
	path := fmt.Sprintf("tenants/%s/role-assignments/%s", url.PathEscape(tenantID), url.PathEscape(roleAssignmentID))
	if err := a.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if Transient(err) {
			return false, err
		}
		return false, UserRemovalError{UserCloudID: roleAssignmentID, Reason: err.Error()}
	}
	return true, nil
}

func (a *AzureCloud) CalculatorURL() string {
	return "https://azure.microsoft.com/en-us/pricing/calculator/"
}

func (a *AzureCloud) EnvironmentLoginURL(environmentID string) string {
	return "https://portal.azure.com/#@/resource/" + environmentID
}

func (a *AzureCloud) CreateApplication(ctx context.Context, p ApplicationPayload) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := a.do(ctx, http.MethodPost, "applications", p, &resp)
	return resp.ID, err
}

func (a *AzureCloud) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	endpoint := a.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(a.clientID, a.clientSecret)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return ConnectionError{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return classify(resp.StatusCode, string(b))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func classify(status int, body string) error {
	reason := strings.TrimSpace(body)
	if reason == "" {
		reason = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized:
		return AuthenticationError{Reason: reason}
	case http.StatusForbidden:
		return AuthorizationError{Reason: reason}
	case http.StatusConflict:
		return ResourceExistsError{Resource: reason}
	}
	if status >= 400 && status < 500 {
		return BadRequestError{StatusCode: status, Reason: reason}
	}
	return UnknownServerError{StatusCode: status, Reason: reason}
}
