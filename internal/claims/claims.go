// Package claims provides time-bounded row leases over SQLite. A claim is a
// conditional UPDATE of the row's claimed_until column evaluated against the
// database clock, so concurrent workers race on a single statement and the
// loser simply sees zero rows updated. Expired claims need no cleanup: a row
// whose claimed_until is in the past is claimable again.
package claims

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL bounds how long a claim shields a row from other workers.
const DefaultTTL = 30 * time.Minute

// ErrClaimFailed reports that at least one requested row was already
// claimed. Nothing was claimed.
var ErrClaimFailed = errors.New("row already claimed")

// sqliteNow renders the database clock in the same RFC3339 UTC form the rest
// of the schema stores, so claimed_until comparisons are plain string
// comparisons.
const sqliteNow = `strftime('%Y-%m-%dT%H:%M:%SZ','now')`

var claimableTables = map[string]bool{
	"portfolio_state_machines": true,
	"applications":             true,
}

type Manager struct {
	DB *sql.DB
}

// Hold represents claimed rows. Release returns them early; otherwise the
// claim lapses on its own when the TTL passes.
type Hold struct {
	db    *sql.DB
	table string
	ids   []string
}

// Claim leases a single row for ttl. Returns ErrClaimFailed if the row is
// currently claimed by someone else.
func (m Manager) Claim(ctx context.Context, table, id string, ttl time.Duration) (*Hold, error) {
	return m.ClaimMany(ctx, table, []string{id}, ttl)
}

// ClaimMany leases all of ids atomically: if any row is already claimed the
// whole claim fails and no row is leased.
func (m Manager) ClaimMany(ctx context.Context, table string, ids []string, ttl time.Duration) (*Hold, error) {
	if !claimableTables[table] {
		return nil, fmt.Errorf("table %s does not support claims", table)
	}
	if len(ids) == 0 {
		return nil, errors.New("no rows to claim")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(
		`UPDATE %s SET claimed_until=strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ','now','+%d seconds')
		 WHERE id IN (%s) AND (claimed_until IS NULL OR claimed_until <= %s)`,
		table, int(ttl.Seconds()), placeholders, sqliteNow)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected != int64(len(ids)) {
		return nil, ErrClaimFailed
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Hold{db: m.DB, table: table, ids: ids}, nil
}

// Release clears the lease. Releasing an already-released or expired hold is
// a no-op.
func (h *Hold) Release(ctx context.Context) error {
	if h == nil || len(h.ids) == 0 {
		return nil
	}
	// Release must still run when the caller's context was cancelled,
	// otherwise the rows stay leased for the rest of the TTL.
	ctx = context.WithoutCancel(ctx)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(h.ids)), ",")
	query := fmt.Sprintf(
		`UPDATE %s SET claimed_until=NULL WHERE id IN (%s) AND claimed_until IS NOT NULL`,
		h.table, placeholders)
	args := make([]any, len(h.ids))
	for i, id := range h.ids {
		args[i] = id
	}
	_, err := h.db.ExecContext(ctx, query, args...)
	return err
}

// IDs returns the claimed row ids.
func (h *Hold) IDs() []string { return h.ids }
