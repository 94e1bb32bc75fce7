package provlinesdk

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

// Client is a minimal Provline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Portfolio represents the API portfolio model.
type Portfolio struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	CSPData     map[string]string `json:"csp_data,omitempty"`
	Deleted     bool              `json:"deleted"`
	TaskOrders  []TaskOrder       `json:"task_orders,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// TaskOrder represents a funding contract on a portfolio.
type TaskOrder struct {
	ID          string  `json:"id"`
	PortfolioID string  `json:"portfolio_id"`
	Number      string  `json:"number"`
	SignedAt    *string `json:"signed_at,omitempty"`
	CLINs       []CLIN  `json:"clins,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// CLIN represents a funding line with an active window.
type CLIN struct {
	ID          string `json:"id"`
	TaskOrderID string `json:"task_order_id"`
	Number      string `json:"number"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	CreatedAt   string `json:"created_at"`
}

// Application represents a workload under a portfolio.
type Application struct {
	ID          string  `json:"id"`
	PortfolioID string  `json:"portfolio_id"`
	Name        string  `json:"name"`
	CloudID     *string `json:"cloud_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Provisioning represents a portfolio's state machine.
type Provisioning struct {
	PortfolioID  string  `json:"portfolio_id"`
	State        string  `json:"state"`
	ClaimedUntil *string `json:"claimed_until,omitempty"`
	UpdatedAt    string  `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	PortfolioID string         `json:"portfolio_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreatePortfolio creates a portfolio.
func (c *Client) CreatePortfolio(ctx context.Context, name, description string) (Portfolio, error) {
	body := map[string]any{
		"name": name,
	}
	if description != "" {
		body["description"] = description
	}
	var resp Portfolio
	err := c.do(ctx, http.MethodPost, c.apiPath("portfolios"), body, &resp)
	return resp, err
}

// GetPortfolio fetches a portfolio by id.
func (c *Client) GetPortfolio(ctx context.Context, id string) (Portfolio, error) {
	var resp Portfolio
	endpoint := c.apiPath(fmt.Sprintf("portfolios/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListPortfolios lists portfolios.
func (c *Client) ListPortfolios(ctx context.Context) ([]Portfolio, error) {
	var resp []Portfolio
	err := c.do(ctx, http.MethodGet, c.apiPath("portfolios"), nil, &resp)
	return resp, err
}

// DeletePortfolio soft-deletes a portfolio.
func (c *Client) DeletePortfolio(ctx context.Context, id string) error {
	endpoint := c.apiPath(fmt.Sprintf("portfolios/%s", url.PathEscape(id)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// AddTaskOrder attaches a task order to a portfolio.
func (c *Client) AddTaskOrder(ctx context.Context, portfolioID, number string, signed bool) (TaskOrder, error) {
	body := map[string]any{
		"number": number,
		"signed": signed,
	}
	var resp TaskOrder
	endpoint := c.apiPath(fmt.Sprintf("portfolios/%s/task-orders", url.PathEscape(portfolioID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SignTaskOrder marks a task order as signed.
func (c *Client) SignTaskOrder(ctx context.Context, taskOrderID string) error {
	endpoint := c.apiPath(fmt.Sprintf("task-orders/%s/sign", url.PathEscape(taskOrderID)))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// AddCLIN attaches a funding line to a task order.
func (c *Client) AddCLIN(ctx context.Context, taskOrderID, number, startDate, endDate string) (CLIN, error) {
	body := map[string]any{
		"number":     number,
		"start_date": startDate,
		"end_date":   endDate,
	}
	var resp CLIN
	endpoint := c.apiPath(fmt.Sprintf("task-orders/%s/clins", url.PathEscape(taskOrderID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateApplication creates an application under a portfolio.
func (c *Client) CreateApplication(ctx context.Context, portfolioID, name string) (Application, error) {
	body := map[string]any{
		"name": name,
	}
	var resp Application
	endpoint := c.apiPath(fmt.Sprintf("portfolios/%s/applications", url.PathEscape(portfolioID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ProvisioningStatus returns the provisioning state for a portfolio.
func (c *Client) ProvisioningStatus(ctx context.Context, portfolioID string) (Provisioning, error) {
	var resp Provisioning
	endpoint := c.apiPath(fmt.Sprintf("portfolios/%s/provisioning", url.PathEscape(portfolioID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RestartProvisioning restarts a failed provisioning stage.
func (c *Client) RestartProvisioning(ctx context.Context, portfolioID string) (Provisioning, error) {
	var resp Provisioning
	endpoint := c.apiPath(fmt.Sprintf("portfolios/%s/provisioning/restart", url.PathEscape(portfolioID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
