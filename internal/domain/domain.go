package domain

type Portfolio struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	CSPDataJSON *string     `json:"csp_data_json,omitempty"`
	Deleted     bool        `json:"deleted"`
	TaskOrders  []TaskOrder `json:"task_orders,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

type TaskOrder struct {
	ID          string  `json:"id"`
	PortfolioID string  `json:"portfolio_id"`
	Number      string  `json:"number"`
	SignedAt    *string `json:"signed_at,omitempty" format:"date-time"`
	CLINs       []CLIN  `json:"clins,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// CLIN is a funding line with an active window of [start_date, end_date).
type CLIN struct {
	ID          string `json:"id"`
	TaskOrderID string `json:"task_order_id"`
	Number      string `json:"number"`
	StartDate   string `json:"start_date" format:"date-time"`
	EndDate     string `json:"end_date" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// StateMachine is the durable provisioning record for a portfolio.
// ClaimedUntil nil or in the past means the row is unclaimed.
type StateMachine struct {
	ID           string  `json:"id"`
	PortfolioID  string  `json:"portfolio_id"`
	State        string  `json:"state"`
	ClaimedUntil *string `json:"claimed_until,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Application struct {
	ID           string  `json:"id"`
	PortfolioID  string  `json:"portfolio_id"`
	Name         string  `json:"name"`
	CloudID      *string `json:"cloud_id,omitempty"`
	ClaimedUntil *string `json:"claimed_until,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	PortfolioID string `json:"portfolio_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
