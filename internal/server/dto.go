package server

import (
	"encoding/json"

	"provline/internal/domain"
)

type CreatePortfolioRequest struct {
	Name        string  `json:"name" example:"Mission Apps"`
	Description *string `json:"description,omitempty"`
}

type PortfolioResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	CSPData     map[string]string   `json:"csp_data,omitempty"`
	Deleted     bool                `json:"deleted"`
	TaskOrders  []TaskOrderResponse `json:"task_orders,omitempty"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
	UpdatedAt   string              `json:"updated_at" format:"date-time"`
}

type CreateTaskOrderRequest struct {
	Number string `json:"number" example:"HQ003421F0024"`
	Signed bool   `json:"signed,omitempty"`
}

type TaskOrderResponse struct {
	ID          string         `json:"id"`
	PortfolioID string         `json:"portfolio_id"`
	Number      string         `json:"number"`
	SignedAt    *string        `json:"signed_at,omitempty" format:"date-time"`
	CLINs       []CLINResponse `json:"clins,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type CreateCLINRequest struct {
	Number    string `json:"number" example:"0001"`
	StartDate string `json:"start_date" format:"date-time"`
	EndDate   string `json:"end_date" format:"date-time"`
}

type CLINResponse struct {
	ID          string `json:"id"`
	TaskOrderID string `json:"task_order_id"`
	Number      string `json:"number"`
	StartDate   string `json:"start_date" format:"date-time"`
	EndDate     string `json:"end_date" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CreateApplicationRequest struct {
	Name string `json:"name" example:"logistics"`
}

type ApplicationResponse struct {
	ID          string  `json:"id"`
	PortfolioID string  `json:"portfolio_id"`
	Name        string  `json:"name"`
	CloudID     *string `json:"cloud_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type ProvisioningResponse struct {
	PortfolioID  string  `json:"portfolio_id"`
	State        string  `json:"state"`
	ClaimedUntil *string `json:"claimed_until,omitempty" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	PortfolioID string         `json:"portfolio_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func portfolioResponse(p domain.Portfolio) PortfolioResponse {
	resp := PortfolioResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Deleted:     p.Deleted,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.CSPDataJSON != nil && *p.CSPDataJSON != "" {
		data := map[string]string{}
		if err := json.Unmarshal([]byte(*p.CSPDataJSON), &data); err == nil {
			resp.CSPData = data
		}
	}
	for _, to := range p.TaskOrders {
		resp.TaskOrders = append(resp.TaskOrders, taskOrderResponse(to))
	}
	return resp
}

func mapPortfolios(items []domain.Portfolio) []PortfolioResponse {
	res := []PortfolioResponse{}
	for _, p := range items {
		res = append(res, portfolioResponse(p))
	}
	return res
}

func taskOrderResponse(to domain.TaskOrder) TaskOrderResponse {
	resp := TaskOrderResponse{
		ID:          to.ID,
		PortfolioID: to.PortfolioID,
		Number:      to.Number,
		SignedAt:    to.SignedAt,
		CreatedAt:   to.CreatedAt,
	}
	for _, c := range to.CLINs {
		resp.CLINs = append(resp.CLINs, clinResponse(c))
	}
	return resp
}

func clinResponse(c domain.CLIN) CLINResponse {
	return CLINResponse{
		ID:          c.ID,
		TaskOrderID: c.TaskOrderID,
		Number:      c.Number,
		StartDate:   c.StartDate,
		EndDate:     c.EndDate,
		CreatedAt:   c.CreatedAt,
	}
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:          a.ID,
		PortfolioID: a.PortfolioID,
		Name:        a.Name,
		CloudID:     a.CloudID,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func mapApplications(items []domain.Application) []ApplicationResponse {
	res := []ApplicationResponse{}
	for _, a := range items {
		res = append(res, applicationResponse(a))
	}
	return res
}

func provisioningResponse(sm domain.StateMachine) ProvisioningResponse {
	return ProvisioningResponse{
		PortfolioID:  sm.PortfolioID,
		State:        sm.State,
		ClaimedUntil: sm.ClaimedUntil,
		UpdatedAt:    sm.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		PortfolioID: e.PortfolioID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     payload,
	}
}
