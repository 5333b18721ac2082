package repo

import (
	"context"
	"database/sql"
	"strings"

	"leadline/internal/domain"
)

const leadAllocationColumns = `id,team_id,member_id,lead_ids_json,allocated_time,date,status`

func scanLeadAllocation(scan func(...any) error) (domain.LeadAllocation, error) {
	var la domain.LeadAllocation
	var leadIDs sql.NullString
	err := scan(&la.ID, &la.TeamID, &la.MemberID, &leadIDs, &la.AllocatedTime, &la.Date, &la.Status)
	if err != nil {
		return la, err
	}
	la.LeadIDs = unmarshalStringSlice(leadIDs)
	return la, nil
}

func (r Repo) InsertLeadAllocationTx(ctx context.Context, tx *sql.Tx, la domain.LeadAllocation) error {
	ids, err := marshalStringSlice(la.LeadIDs)
	if err != nil {
		return err
	}
	idsJSON := "[]"
	if ids != nil {
		idsJSON = *ids
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO lead_allocations(`+leadAllocationColumns+`) VALUES (?,?,?,?,?,?,?)`,
		la.ID, la.TeamID, la.MemberID, idsJSON, la.AllocatedTime, la.Date, la.Status)
	return err
}

func (r Repo) UpdateLeadAllocationStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE lead_allocations SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeadAllocations returns member sub-assignments, optionally
// narrowed to a team and a date.
func (r Repo) ListLeadAllocations(ctx context.Context, teamID, date string) ([]domain.LeadAllocation, error) {
	return r.listLeadAllocations(ctx, r.DB.QueryContext, teamID, date)
}

func (r Repo) ListLeadAllocationsTx(ctx context.Context, tx *sql.Tx, teamID, date string) ([]domain.LeadAllocation, error) {
	return r.listLeadAllocations(ctx, tx.QueryContext, teamID, date)
}

func (r Repo) listLeadAllocations(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), teamID, date string) ([]domain.LeadAllocation, error) {
	var clauses []string
	var args []any
	if teamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, teamID)
	}
	if date != "" {
		clauses = append(clauses, "date=?")
		args = append(args, date)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := query(ctx, `SELECT `+leadAllocationColumns+` FROM lead_allocations `+where+` ORDER BY allocated_time ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LeadAllocation
	for rows.Next() {
		la, err := scanLeadAllocation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, la)
	}
	return res, rows.Err()
}

// DeleteLeadAllocationsTx removes a team's sub-assignments for a date.
// Returns how many rows were removed.
func (r Repo) DeleteLeadAllocationsTx(ctx context.Context, tx *sql.Tx, teamID, date string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM lead_allocations WHERE team_id=? AND date=?`, teamID, date)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const resultColumns = `id,order_id,team_id,member_name,payment_status,profit_behind_order,members_profit,completion_date,order_type`

func scanResult(scan func(...any) error) (domain.Result, error) {
	var res domain.Result
	var teamID, memberName, paymentStatus, completionDate sql.NullString
	var orderType sql.NullInt64
	err := scan(&res.ID, &res.OrderID, &teamID, &memberName, &paymentStatus,
		&res.ProfitBehindOrder, &res.MembersProfit, &completionDate, &orderType)
	if err != nil {
		return res, err
	}
	if teamID.Valid {
		res.TeamID = &teamID.String
	}
	res.MemberName = memberName.String
	res.PaymentStatus = paymentStatus.String
	if completionDate.Valid {
		res.CompletionDate = &completionDate.String
	}
	if orderType.Valid {
		v := int(orderType.Int64)
		res.OrderType = &v
	}
	return res, nil
}

func (r Repo) InsertResultTx(ctx context.Context, tx *sql.Tx, res domain.Result) error {
	var orderType any
	if res.OrderType != nil {
		orderType = *res.OrderType
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO results(`+resultColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		res.ID, res.OrderID, nullableStringPtr(res.TeamID), nullable(res.MemberName), nullable(res.PaymentStatus),
		res.ProfitBehindOrder, res.MembersProfit, nullableStringPtr(res.CompletionDate), orderType)
	return err
}

// ResultForOrderTx reports whether a result row already exists for the
// order, so recording the same payment twice stays a no-op.
func (r Repo) ResultForOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (domain.Result, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE order_id=? LIMIT 1`, orderID)
	res, err := scanResult(row.Scan)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

type ResultFilters struct {
	TeamID   string
	FromDate string
	ToDate   string
}

// ListResults returns profit rows matching the filters, oldest first.
func (r Repo) ListResults(ctx context.Context, f ResultFilters) ([]domain.Result, error) {
	var clauses []string
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.FromDate != "" {
		clauses = append(clauses, "substr(completion_date,1,10)>=?")
		args = append(args, f.FromDate)
	}
	if f.ToDate != "" {
		clauses = append(clauses, "substr(completion_date,1,10)<=?")
		args = append(args, f.ToDate)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resultColumns+` FROM results `+where+` ORDER BY completion_date ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Result
	for rows.Next() {
		item, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// DeleteResultsForOrdersTx removes profit rows tied to the given
// orders. Returns how many rows were removed.
func (r Repo) DeleteResultsForOrdersTx(ctx context.Context, tx *sql.Tx, orderIDs []string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orderIDs)), ",")
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM results WHERE order_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
