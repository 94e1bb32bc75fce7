package repo

import (
	"context"
	"database/sql"

	"provline/internal/domain"
)

type EventFilters struct {
	PortfolioID string
	Type        string
	Limit       int
	CursorID    int64
}

// ListEvents returns events newest first. CursorID, when set, restricts the
// page to events older than that id.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(portfolio_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if f.PortfolioID != "" {
		clauses = append(clauses, "portfolio_id=?")
		args = append(args, f.PortfolioID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.CursorID)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PortfolioID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with an id greater than afterID,
// oldest first. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(portfolio_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PortfolioID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the newest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// GetEvent fetches one event by id.
func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	var e domain.Event
	err := r.DB.QueryRowContext(ctx, `SELECT id,ts,type,COALESCE(portfolio_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id=?`, id).
		Scan(&e.ID, &e.TS, &e.Type, &e.PortfolioID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}
