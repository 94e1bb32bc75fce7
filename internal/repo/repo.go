package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"provline/internal/domain"
	"provline/internal/fsm"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertPortfolio(ctx context.Context, tx *sql.Tx, p domain.Portfolio) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO portfolios(id,name,description,csp_data_json,deleted,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, nullableStringPtr(p.CSPDataJSON), boolInt(p.Deleted), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPortfolio(ctx context.Context, id string) (domain.Portfolio, error) {
	var p domain.Portfolio
	var description, cspData sql.NullString
	var deleted int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,csp_data_json,deleted,created_at,updated_at FROM portfolios WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &description, &cspData, &deleted, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if description.Valid {
		p.Description = description.String
	}
	if cspData.Valid {
		p.CSPDataJSON = &cspData.String
	}
	p.Deleted = deleted != 0
	orders, err := r.ListTaskOrders(ctx, p.ID)
	if err != nil {
		return p, err
	}
	p.TaskOrders = orders
	return p, nil
}

func (r Repo) ListPortfolios(ctx context.Context, includeDeleted bool) ([]domain.Portfolio, error) {
	query := `SELECT id,name,COALESCE(description,'') AS description,csp_data_json,deleted,created_at,updated_at FROM portfolios`
	if !includeDeleted {
		query += ` WHERE deleted=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		var cspData sql.NullString
		var deleted int
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &cspData, &deleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if cspData.Valid {
			p.CSPDataJSON = &cspData.String
		}
		p.Deleted = deleted != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// SoftDeletePortfolio marks the portfolio deleted without removing rows, so
// history and audit events stay resolvable.
func (r Repo) SoftDeletePortfolio(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE portfolios SET deleted=1, updated_at=? WHERE id=? AND deleted=0`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePortfolioCSPData replaces the stored provider identifier document.
func (r Repo) UpdatePortfolioCSPData(ctx context.Context, tx *sql.Tx, id, cspDataJSON, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE portfolios SET csp_data_json=?, updated_at=? WHERE id=?`, cspDataJSON, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTaskOrder(ctx context.Context, tx *sql.Tx, to domain.TaskOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_orders(id,portfolio_id,number,signed_at,created_at) VALUES (?,?,?,?,?)`,
		to.ID, to.PortfolioID, to.Number, nullableStringPtr(to.SignedAt), to.CreatedAt)
	return err
}

func (r Repo) GetTaskOrder(ctx context.Context, id string) (domain.TaskOrder, error) {
	var to domain.TaskOrder
	var signedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,portfolio_id,number,signed_at,created_at FROM task_orders WHERE id=?`, id).
		Scan(&to.ID, &to.PortfolioID, &to.Number, &signedAt, &to.CreatedAt)
	if err == sql.ErrNoRows {
		return to, ErrNotFound
	}
	if err != nil {
		return to, err
	}
	if signedAt.Valid {
		to.SignedAt = &signedAt.String
	}
	clins, err := r.ListCLINs(ctx, to.ID)
	if err != nil {
		return to, err
	}
	to.CLINs = clins
	return to, nil
}

func (r Repo) ListTaskOrders(ctx context.Context, portfolioID string) ([]domain.TaskOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,portfolio_id,number,signed_at,created_at FROM task_orders WHERE portfolio_id=? ORDER BY created_at, id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskOrder
	for rows.Next() {
		var to domain.TaskOrder
		var signedAt sql.NullString
		if err := rows.Scan(&to.ID, &to.PortfolioID, &to.Number, &signedAt, &to.CreatedAt); err != nil {
			return nil, err
		}
		if signedAt.Valid {
			to.SignedAt = &signedAt.String
		}
		res = append(res, to)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		clins, err := r.ListCLINs(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].CLINs = clins
	}
	return res, nil
}

// SignTaskOrder records the signature timestamp. Signing twice is an error.
func (r Repo) SignTaskOrder(ctx context.Context, tx *sql.Tx, id, signedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_orders SET signed_at=? WHERE id=? AND signed_at IS NULL`, signedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task order %s missing or already signed", id)
	}
	return nil
}

func (r Repo) InsertCLIN(ctx context.Context, tx *sql.Tx, c domain.CLIN) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clins(id,task_order_id,number,start_date,end_date,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.TaskOrderID, c.Number, c.StartDate, c.EndDate, c.CreatedAt)
	return err
}

func (r Repo) ListCLINs(ctx context.Context, taskOrderID string) ([]domain.CLIN, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_order_id,number,start_date,end_date,created_at FROM clins WHERE task_order_id=? ORDER BY number, id`, taskOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CLIN
	for rows.Next() {
		var c domain.CLIN
		if err := rows.Scan(&c.ID, &c.TaskOrderID, &c.Number, &c.StartDate, &c.EndDate, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanStateMachine(scan func(dest ...any) error) (domain.StateMachine, error) {
	var sm domain.StateMachine
	var claimedUntil sql.NullString
	err := scan(&sm.ID, &sm.PortfolioID, &sm.State, &claimedUntil, &sm.CreatedAt, &sm.UpdatedAt)
	if err == sql.ErrNoRows {
		return sm, ErrNotFound
	}
	if err != nil {
		return sm, err
	}
	if claimedUntil.Valid {
		sm.ClaimedUntil = &claimedUntil.String
	}
	return sm, nil
}

const stateMachineColumns = `id,portfolio_id,state,claimed_until,created_at,updated_at`

func (r Repo) InsertStateMachine(ctx context.Context, tx *sql.Tx, sm domain.StateMachine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO portfolio_state_machines(id,portfolio_id,state,claimed_until,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		sm.ID, sm.PortfolioID, sm.State, nullableStringPtr(sm.ClaimedUntil), sm.CreatedAt, sm.UpdatedAt)
	return err
}

func (r Repo) GetStateMachine(ctx context.Context, id string) (domain.StateMachine, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stateMachineColumns+` FROM portfolio_state_machines WHERE id=?`, id)
	return scanStateMachine(row.Scan)
}

func (r Repo) GetStateMachineByPortfolio(ctx context.Context, portfolioID string) (domain.StateMachine, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stateMachineColumns+` FROM portfolio_state_machines WHERE portfolio_id=?`, portfolioID)
	return scanStateMachine(row.Scan)
}

func (r Repo) GetStateMachineByPortfolioTx(ctx context.Context, tx *sql.Tx, portfolioID string) (domain.StateMachine, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stateMachineColumns+` FROM portfolio_state_machines WHERE portfolio_id=?`, portfolioID)
	return scanStateMachine(row.Scan)
}

func (r Repo) UpdateStateMachineState(ctx context.Context, tx *sql.Tx, id, state, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE portfolio_state_machines SET state=?, updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingProvisioning returns the ids of portfolios eligible for another
// provisioning pass as of now (RFC3339 UTC): not deleted, at least one
// signed task order with a CLIN whose [start_date, end_date) window covers
// now, and either no state machine yet or one resting in a ready state.
func (r Repo) PendingProvisioning(ctx context.Context, now string) ([]string, error) {
	readyStates := fsm.ReadyStates()
	placeholders := strings.TrimRight(strings.Repeat("?,", len(readyStates)), ",")
	query := fmt.Sprintf(`SELECT DISTINCT p.id
FROM portfolios p
JOIN task_orders t ON t.portfolio_id = p.id
JOIN clins c ON c.task_order_id = t.id
LEFT JOIN portfolio_state_machines sm ON sm.portfolio_id = p.id
WHERE p.deleted = 0
  AND t.signed_at IS NOT NULL
  AND c.start_date <= ?
  AND c.end_date > ?
  AND (sm.id IS NULL OR sm.state IN (%s))
ORDER BY p.id`, placeholders)
	args := []any{now, now}
	for _, s := range readyStates {
		args = append(args, string(s))
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanApplication(scan func(dest ...any) error) (domain.Application, error) {
	var a domain.Application
	var cloudID, claimedUntil sql.NullString
	err := scan(&a.ID, &a.PortfolioID, &a.Name, &cloudID, &claimedUntil, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if cloudID.Valid {
		a.CloudID = &cloudID.String
	}
	if claimedUntil.Valid {
		a.ClaimedUntil = &claimedUntil.String
	}
	return a, nil
}

const applicationColumns = `id,portfolio_id,name,cloud_id,claimed_until,created_at,updated_at`

func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(id,portfolio_id,name,cloud_id,claimed_until,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.PortfolioID, a.Name, nullableStringPtr(a.CloudID), nullableStringPtr(a.ClaimedUntil), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id)
	return scanApplication(row.Scan)
}

func (r Repo) ListApplications(ctx context.Context, portfolioID string) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE portfolio_id=? ORDER BY created_at, id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// PendingApplications returns applications that have no cloud resource yet.
func (r Repo) PendingApplications(ctx context.Context) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE cloud_id IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateApplicationCloudID(ctx context.Context, tx *sql.Tx, id, cloudID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET cloud_id=?, updated_at=? WHERE id=?`, cloudID, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
