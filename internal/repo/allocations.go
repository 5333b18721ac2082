package repo

import (
	"context"
	"database/sql"
	"strings"

	"leadline/internal/domain"
)

const allocationColumns = `id,team_id,order_ids_json,status,allocation_date,payment_given,created_at,updated_at`

func scanAllocation(scan func(...any) error) (domain.Allocation, error) {
	var a domain.Allocation
	var teamID, orderIDs, payment sql.NullString
	err := scan(&a.ID, &teamID, &orderIDs, &a.Status, &a.AllocationDate, &payment, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if teamID.Valid {
		a.TeamID = &teamID.String
	}
	a.OrderIDs = unmarshalStringSlice(orderIDs)
	if payment.Valid {
		a.PaymentGiven = &payment.String
	}
	return a, nil
}

func (r Repo) InsertAllocationTx(ctx context.Context, tx *sql.Tx, a domain.Allocation) error {
	ids, err := marshalStringSlice(a.OrderIDs)
	if err != nil {
		return err
	}
	idsJSON := "[]"
	if ids != nil {
		idsJSON = *ids
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO allocations(`+allocationColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.TeamID), idsJSON, a.Status, a.AllocationDate, nullableStringPtr(a.PaymentGiven), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateAllocationTx rewrites a batch's order list, payment and status.
func (r Repo) UpdateAllocationTx(ctx context.Context, tx *sql.Tx, a domain.Allocation) error {
	ids, err := marshalStringSlice(a.OrderIDs)
	if err != nil {
		return err
	}
	idsJSON := "[]"
	if ids != nil {
		idsJSON = *ids
	}
	res, err := tx.ExecContext(ctx, `UPDATE allocations SET order_ids_json=?, status=?, payment_given=?, updated_at=? WHERE id=?`,
		idsJSON, a.Status, nullableStringPtr(a.PaymentGiven), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LiveBatchTx returns the team's open Allocated batch for the date, the
// one repeated runs top up instead of duplicating.
func (r Repo) LiveBatchTx(ctx context.Context, tx *sql.Tx, teamID, date string) (domain.Allocation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations
WHERE team_id=? AND allocation_date=? AND status=? ORDER BY created_at ASC LIMIT 1`,
		teamID, date, domain.AllocationStatusAllocated)
	a, err := scanAllocation(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// PendingBucketTx returns the date's null-team pending bucket.
func (r Repo) PendingBucketTx(ctx context.Context, tx *sql.Tx, date string) (domain.Allocation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations
WHERE team_id IS NULL AND allocation_date=? AND status=? ORDER BY created_at ASC LIMIT 1`,
		date, domain.AllocationStatusPending)
	a, err := scanAllocation(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// AllocatedOrderIDsTx returns the union of order IDs over every batch
// recorded for the date, regardless of batch status. Pool selection
// excludes all of them so a superseded batch can never cause a re-issue
// of an order that some batch already references.
func (r Repo) AllocatedOrderIDsTx(ctx context.Context, tx *sql.Tx, date string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT order_ids_json FROM allocations WHERE allocation_date=?`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var idsJSON sql.NullString
		if err := rows.Scan(&idsJSON); err != nil {
			return nil, err
		}
		for _, id := range unmarshalStringSlice(idsJSON) {
			seen[id] = true
		}
	}
	return seen, rows.Err()
}

// ConsumedByTeamTx sums batch sizes per team for the date. Unsuccessful
// batches are superseded and do not consume capacity.
func (r Repo) ConsumedByTeamTx(ctx context.Context, tx *sql.Tx, date string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT team_id, order_ids_json FROM allocations
WHERE allocation_date=? AND team_id IS NOT NULL AND status<>?`, date, domain.AllocationStatusUnsuccessful)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	consumed := map[string]int{}
	for rows.Next() {
		var teamID string
		var idsJSON sql.NullString
		if err := rows.Scan(&teamID, &idsJSON); err != nil {
			return nil, err
		}
		consumed[teamID] += len(unmarshalStringSlice(idsJSON))
	}
	return consumed, rows.Err()
}

// TeamBatchesForDateTx returns a team's non-superseded batches for the
// date, for rollback.
func (r Repo) TeamBatchesForDateTx(ctx context.Context, tx *sql.Tx, teamID, date string) ([]domain.Allocation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+allocationColumns+` FROM allocations
WHERE team_id=? AND allocation_date=? AND status<>? ORDER BY created_at ASC`,
		teamID, date, domain.AllocationStatusUnsuccessful)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAllocationTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM allocations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleAllocationsTx supersedes Allocated batches carried over from
// dates other than the given one. Returns how many were marked.
func (r Repo) MarkStaleAllocationsTx(ctx context.Context, tx *sql.Tx, date, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE allocations SET status=?, updated_at=? WHERE allocation_date<>? AND status=?`,
		domain.AllocationStatusUnsuccessful, now, date, domain.AllocationStatusAllocated)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type AllocationFilters struct {
	TeamID      string
	PendingOnly bool
	FromDate    string
	ToDate      string
	Status      string
}

// ListAllocations returns batches matching the filters, oldest first.
func (r Repo) ListAllocations(ctx context.Context, f AllocationFilters) ([]domain.Allocation, error) {
	var clauses []string
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.PendingOnly {
		clauses = append(clauses, "team_id IS NULL")
	}
	if f.FromDate != "" {
		clauses = append(clauses, "allocation_date>=?")
		args = append(args, f.FromDate)
	}
	if f.ToDate != "" {
		clauses = append(clauses, "allocation_date<=?")
		args = append(args, f.ToDate)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+allocationColumns+` FROM allocations `+where+` ORDER BY allocation_date ASC, created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
