package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadline/internal/config"
	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const orderColumns = `id,customer_id,source,coupon,link,status,payment_status,payment_mode,state,team_id,created_at,updated_at`

func scanOrder(scan func(...any) error) (domain.Order, error) {
	var o domain.Order
	var customerID, source, coupon, link, teamID sql.NullString
	err := scan(&o.ID, &customerID, &source, &coupon, &link, &o.Status, &o.PaymentStatus, &o.PaymentMode, &o.State, &teamID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if customerID.Valid {
		o.CustomerID = customerID.String
	}
	if source.Valid {
		o.Source = source.String
	}
	if coupon.Valid {
		o.Coupon = coupon.String
	}
	if link.Valid {
		o.Link = link.String
	}
	if teamID.Valid {
		o.TeamID = &teamID.String
	}
	return o, nil
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, nullable(o.CustomerID), nullable(o.Source), nullable(o.Coupon), nullable(o.Link),
		o.Status, o.PaymentStatus, o.PaymentMode, o.State, nullableStringPtr(o.TeamID), o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

type OrderFilters struct {
	IDs   []string
	State string
	Page  int
	Limit int
}

// ListOrders returns a page of orders plus the total match count.
func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, int, error) {
	var clauses []string
	var args []any
	if len(f.IDs) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(f.IDs)), ",")
		clauses = append(clauses, "id IN ("+placeholders+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, (page-1)*f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, o)
	}
	return res, total, rows.Err()
}

// NewOrdersTx returns orders still in "new" state, oldest first. When
// createdOn is non-empty only orders created on that date are returned.
func (r Repo) NewOrdersTx(ctx context.Context, tx *sql.Tx, createdOn string) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE state=?`
	args := []any{domain.OrderStateNew}
	if createdOn != "" {
		query += ` AND substr(created_at,1,10)=?`
		args = append(args, createdOn)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// AssignOrderTx moves an order into a team's batch.
func (r Repo) AssignOrderTx(ctx context.Context, tx *sql.Tx, orderID, teamID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET state=?, status=?, team_id=?, updated_at=? WHERE id=?`,
		domain.OrderStateOld, domain.OrderStatusAllocated, teamID, now, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseOrdersTx resets orders to the unallocated state.
func (r Repo) ReleaseOrdersTx(ctx context.Context, tx *sql.Tx, orderIDs []string, now string) error {
	for _, id := range orderIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET state=?, status=?, team_id=NULL, updated_at=? WHERE id=?`,
			domain.OrderStateNew, domain.OrderStatusPending, now, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateOrderPaymentTx(ctx context.Context, tx *sql.Tx, orderID, paymentStatus, orderStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET payment_status=?, status=?, updated_at=? WHERE id=?`,
		paymentStatus, orderStatus, now, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPaidOrders counts orders from the given set with payment_status Paid.
func (r Repo) CountPaidOrders(ctx context.Context, orderIDs []string) (int, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(orderIDs)), ",")
	args := make([]any, 0, len(orderIDs)+1)
	for _, id := range orderIDs {
		args = append(args, id)
	}
	args = append(args, domain.PaymentStatusPaid)
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM orders WHERE id IN (`+placeholders+`) AND payment_status=?`, args...).Scan(&n)
	return n, err
}

func scanTeam(scan func(...any) error) (domain.Team, error) {
	var t domain.Team
	var leader, members sql.NullString
	err := scan(&t.ID, &t.TeamName, &leader, &members, &t.Capacity, &t.NumMembers, &t.PaymentReceived, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	if leader.Valid {
		t.TeamLeader = leader.String
	}
	if members.Valid {
		_ = json.Unmarshal([]byte(members.String), &t.MemberEmails)
	}
	return t, nil
}

const teamColumns = `id,team_name,team_leader,member_emails_json,capacity,num_members,payment_received,created_at`

func (r Repo) InsertTeamTx(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	members, err := marshalStringSlice(t.MemberEmails)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO teams(`+teamColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.TeamName, nullable(t.TeamLeader), nullableStringPtr(members), t.Capacity, t.NumMembers, t.PaymentReceived, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id=?`, id)
	t, err := scanTeam(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTeamTx(ctx context.Context, tx *sql.Tx, id string) (domain.Team, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id=?`, id)
	t, err := scanTeam(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ListTeams returns all teams in insertion order.
func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		t, err := scanTeam(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTeamsTx is ListTeams inside a transaction, so the allocation run
// reads teams from the same snapshot as everything else.
func (r Repo) ListTeamsTx(ctx context.Context, tx *sql.Tx) ([]domain.Team, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		t, err := scanTeam(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTeamTx(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	members, err := marshalStringSlice(t.MemberEmails)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE teams SET team_name=?, team_leader=?, member_emails_json=?, capacity=?, num_members=?, payment_received=? WHERE id=?`,
		t.TeamName, nullable(t.TeamLeader), nullableStringPtr(members), t.Capacity, t.NumMembers, t.PaymentReceived, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTeamTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertConfig stores the allocation config snapshot.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO allocation_configs(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM allocation_configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// LatestEvents returns recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalStringSlice(in sql.NullString) []string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in.String), &out)
	return out
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
