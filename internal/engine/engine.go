package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
)

// ErrNothingToAllocate reports an empty eligible pool. It is a no-op
// outcome, not a failure: callers surface it as an informational result.
var ErrNothingToAllocate = errors.New("nothing to allocate")

// ErrConflict reports a lost race against a concurrent writer. The
// caller should retry the whole operation.
var ErrConflict = errors.New("conflict: concurrent run in progress")

// maxImportBatch caps a single order import.
const maxImportBatch = 5000

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// normalizeDate accepts a calendar date, or a full timestamp which is
// truncated to its day. Date equality across the system is exact
// string equality on the YYYY-MM-DD form.
func normalizeDate(in string) (string, error) {
	if in == "" {
		return "", errors.New("allocation date is required")
	}
	if t, err := time.Parse("2006-01-02", in); err == nil {
		return t.Format("2006-01-02"), nil
	}
	if t, err := time.Parse(time.RFC3339, in); err == nil {
		return t.UTC().Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("invalid allocation date %q, want YYYY-MM-DD", in)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func wrapBusy(err error) error {
	if isBusy(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// QuotaEntry tightens one team's ceiling for a single run and may
// annotate the payment handed over with the batch. A nil
// RequestedOrders leaves the ceiling alone; an explicit zero closes
// the team for this run.
type QuotaEntry struct {
	TeamID          string
	RequestedOrders *int
	PaymentAmount   string
}

type AllocateOptions struct {
	Date    string
	Quotas  []QuotaEntry
	ActorID string
}

type AllocateResult struct {
	Date            string              `json:"date"`
	Batches         []domain.Allocation `json:"batches"`
	PendingOrderIDs []string            `json:"pending_order_ids,omitempty"`
	Assigned        int                 `json:"assigned"`
}

// AllocateOrders runs one allocation pass for a date. The whole run is
// a single transaction: pool selection, ledger computation and every
// write happen on one snapshot, so two concurrent runs for the same
// date serialize instead of double-allocating.
func (e Engine) AllocateOrders(ctx context.Context, opts AllocateOptions) (AllocateResult, error) {
	date, err := normalizeDate(opts.Date)
	if err != nil {
		return AllocateResult{}, err
	}

	quotas := map[string]int{}
	payments := map[string]decimal.Decimal{}
	for _, q := range opts.Quotas {
		if q.TeamID == "" {
			return AllocateResult{}, errors.New("invalid quota: team id is required")
		}
		if q.RequestedOrders != nil {
			if *q.RequestedOrders < 0 {
				return AllocateResult{}, fmt.Errorf("invalid quota for team %s: requested order count must not be negative", q.TeamID)
			}
			quotas[q.TeamID] = *q.RequestedOrders
		}
		if q.PaymentAmount != "" {
			amt, err := decimal.NewFromString(q.PaymentAmount)
			if err != nil {
				return AllocateResult{}, fmt.Errorf("invalid quota for team %s: payment amount: %v", q.TeamID, err)
			}
			if amt.IsNegative() {
				return AllocateResult{}, fmt.Errorf("invalid quota for team %s: payment amount must not be negative", q.TeamID)
			}
			payments[q.TeamID] = amt
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AllocateResult{}, wrapBusy(err)
	}
	defer tx.Rollback()

	teams, err := e.Repo.ListTeamsTx(ctx, tx)
	if err != nil {
		return AllocateResult{}, err
	}
	teamByID := map[string]domain.Team{}
	for _, t := range teams {
		teamByID[t.ID] = t
	}
	for _, q := range opts.Quotas {
		if _, ok := teamByID[q.TeamID]; !ok {
			return AllocateResult{}, fmt.Errorf("invalid quota: unknown team %s", q.TeamID)
		}
	}

	createdOn := ""
	if e.Config != nil && e.Config.Pool.RestrictToCreationDate {
		createdOn = date
	}
	candidates, err := e.Repo.NewOrdersTx(ctx, tx, createdOn)
	if err != nil {
		return AllocateResult{}, err
	}
	taken, err := e.Repo.AllocatedOrderIDsTx(ctx, tx, date)
	if err != nil {
		return AllocateResult{}, err
	}
	var pool []string
	for _, o := range candidates {
		if !taken[o.ID] {
			pool = append(pool, o.ID)
		}
	}
	if len(pool) == 0 {
		return AllocateResult{Date: date}, ErrNothingToAllocate
	}

	consumed, err := e.Repo.ConsumedByTeamTx(ctx, tx, date)
	if err != nil {
		return AllocateResult{}, err
	}
	assignments, pending := distribute(pool, buildLedger(teams, consumed, quotas))

	now := e.now().UTC().Format(time.RFC3339)
	res := AllocateResult{Date: date, PendingOrderIDs: pending}
	touched := map[string]*domain.Allocation{}
	for _, a := range assignments {
		for _, orderID := range a.OrderIDs {
			if err := e.Repo.AssignOrderTx(ctx, tx, orderID, a.TeamID, now); err != nil {
				return AllocateResult{}, fmt.Errorf("assign order %s: %w", orderID, err)
			}
		}
		batch, err := e.Repo.LiveBatchTx(ctx, tx, a.TeamID, date)
		switch {
		case err == nil:
			batch.OrderIDs = append(batch.OrderIDs, a.OrderIDs...)
			batch.UpdatedAt = now
			if err := e.Repo.UpdateAllocationTx(ctx, tx, batch); err != nil {
				return AllocateResult{}, err
			}
		case errors.Is(err, repo.ErrNotFound):
			teamID := a.TeamID
			batch = domain.Allocation{
				ID:             uuid.New().String(),
				TeamID:         &teamID,
				OrderIDs:       a.OrderIDs,
				Status:         domain.AllocationStatusAllocated,
				AllocationDate: date,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := e.Repo.InsertAllocationTx(ctx, tx, batch); err != nil {
				return AllocateResult{}, err
			}
		default:
			return AllocateResult{}, err
		}
		res.Assigned += len(a.OrderIDs)
		b := batch
		touched[a.TeamID] = &b
	}

	for teamID, amt := range payments {
		batch, err := e.Repo.LiveBatchTx(ctx, tx, teamID, date)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return AllocateResult{}, err
		}
		total := amt
		if batch.PaymentGiven != nil {
			if prev, err := decimal.NewFromString(*batch.PaymentGiven); err == nil {
				total = prev.Add(amt)
			}
		}
		s := total.String()
		batch.PaymentGiven = &s
		batch.UpdatedAt = now
		if err := e.Repo.UpdateAllocationTx(ctx, tx, batch); err != nil {
			return AllocateResult{}, err
		}
		team := teamByID[teamID]
		received, err := decimal.NewFromString(team.PaymentReceived)
		if err != nil {
			received = decimal.Zero
		}
		team.PaymentReceived = received.Add(amt).String()
		if err := e.Repo.UpdateTeamTx(ctx, tx, team); err != nil {
			return AllocateResult{}, err
		}
		if t, ok := touched[teamID]; ok {
			t.PaymentGiven = batch.PaymentGiven
		}
	}

	if len(pending) > 0 {
		bucket, err := e.Repo.PendingBucketTx(ctx, tx, date)
		switch {
		case err == nil:
			bucket.OrderIDs = append(bucket.OrderIDs, pending...)
			bucket.UpdatedAt = now
			if err := e.Repo.UpdateAllocationTx(ctx, tx, bucket); err != nil {
				return AllocateResult{}, err
			}
		case errors.Is(err, repo.ErrNotFound):
			bucket = domain.Allocation{
				ID:             uuid.New().String(),
				OrderIDs:       pending,
				Status:         domain.AllocationStatusPending,
				AllocationDate: date,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := e.Repo.InsertAllocationTx(ctx, tx, bucket); err != nil {
				return AllocateResult{}, err
			}
		default:
			return AllocateResult{}, err
		}
	}

	for _, a := range assignments {
		res.Batches = append(res.Batches, *touched[a.TeamID])
	}
	if err := e.Events.Append(ctx, tx, "allocation.run", "allocation", date, opts.ActorID, events.EventPayload{
		"date":     date,
		"assigned": res.Assigned,
		"pending":  len(pending),
		"teams":    len(assignments),
	}); err != nil {
		return AllocateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AllocateResult{}, wrapBusy(err)
	}
	return res, nil
}

type UnallocateResult struct {
	TeamID                 string   `json:"team_id"`
	Date                   string   `json:"date"`
	OrderIDs               []string `json:"order_ids"`
	BatchesDeleted         int      `json:"batches_deleted"`
	LeadAllocationsDeleted int64    `json:"lead_allocations_deleted"`
	ResultsDeleted         int64    `json:"results_deleted"`
}

// Unallocate rolls back a team's allocation for a date: the batches are
// deleted, every order in them goes back to the unallocated state, and
// dependent lead-allocation and result rows are removed. All of it in
// one transaction so a partial rollback can never be observed.
func (e Engine) Unallocate(ctx context.Context, teamID, rawDate, actorID string) (UnallocateResult, error) {
	date, err := normalizeDate(rawDate)
	if err != nil {
		return UnallocateResult{}, err
	}
	if teamID == "" {
		return UnallocateResult{}, errors.New("team id is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UnallocateResult{}, wrapBusy(err)
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeamTx(ctx, tx, teamID); err != nil {
		return UnallocateResult{}, fmt.Errorf("team %s: %w", teamID, err)
	}
	batches, err := e.Repo.TeamBatchesForDateTx(ctx, tx, teamID, date)
	if err != nil {
		return UnallocateResult{}, err
	}
	if len(batches) == 0 {
		return UnallocateResult{}, fmt.Errorf("allocation for team %s on %s: %w", teamID, date, repo.ErrNotFound)
	}

	res := UnallocateResult{TeamID: teamID, Date: date}
	for _, b := range batches {
		res.OrderIDs = append(res.OrderIDs, b.OrderIDs...)
		if err := e.Repo.DeleteAllocationTx(ctx, tx, b.ID); err != nil {
			return UnallocateResult{}, err
		}
		res.BatchesDeleted++
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.ReleaseOrdersTx(ctx, tx, res.OrderIDs, now); err != nil {
		return UnallocateResult{}, err
	}
	if res.LeadAllocationsDeleted, err = e.Repo.DeleteLeadAllocationsTx(ctx, tx, teamID, date); err != nil {
		return UnallocateResult{}, err
	}
	if res.ResultsDeleted, err = e.Repo.DeleteResultsForOrdersTx(ctx, tx, res.OrderIDs); err != nil {
		return UnallocateResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "allocation.rollback", "allocation", date, actorID, events.EventPayload{
		"team_id":  teamID,
		"date":     date,
		"released": len(res.OrderIDs),
	}); err != nil {
		return UnallocateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UnallocateResult{}, wrapBusy(err)
	}
	return res, nil
}

// MarkStaleAllocations supersedes Allocated batches left over from
// other dates, so capacity accounting for the given date only sees that
// date's live batches. An explicit maintenance step, never an implicit
// side effect of an allocation run.
func (e Engine) MarkStaleAllocations(ctx context.Context, rawDate, actorID string) (int64, error) {
	date, err := normalizeDate(rawDate)
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapBusy(err)
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	n, err := e.Repo.MarkStaleAllocationsTx(ctx, tx, date, now)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "allocation.swept", "allocation", date, actorID, events.EventPayload{
		"kept_date": date,
		"marked":    n,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapBusy(err)
	}
	return n, nil
}

// ImportOrders inserts a batch of orders. Each order lands in the
// "new" state; IDs are generated when absent and must be unique.
func (e Engine) ImportOrders(ctx context.Context, orders []domain.Order, actorID string) ([]domain.Order, error) {
	if len(orders) == 0 {
		return nil, errors.New("at least one order is required")
	}
	if len(orders) > maxImportBatch {
		return nil, fmt.Errorf("invalid import: %d orders exceeds the limit of %d per batch", len(orders), maxImportBatch)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if o.Status == "" {
			o.Status = domain.OrderStatusPending
		}
		if o.PaymentStatus == "" {
			o.PaymentStatus = domain.PaymentStatusUnpaid
		}
		if o.PaymentMode == "" {
			o.PaymentMode = "Cash"
		}
		o.State = domain.OrderStateNew
		o.TeamID = nil
		if o.CreatedAt == "" {
			o.CreatedAt = now
		} else if _, err := time.Parse(time.RFC3339, o.CreatedAt); err != nil {
			return nil, fmt.Errorf("invalid created_at for order %s: %v", o.ID, err)
		}
		o.UpdatedAt = now
		if _, err := e.Repo.GetOrderTx(ctx, tx, o.ID); err == nil {
			return nil, fmt.Errorf("order %s already exists", o.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if err := e.Repo.InsertOrderTx(ctx, tx, o); err != nil {
			return nil, fmt.Errorf("insert order %s: %w", o.ID, err)
		}
		out = append(out, o)
	}
	if err := e.Events.Append(ctx, tx, "orders.imported", "order", "", actorID, events.EventPayload{"count": len(out)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapBusy(err)
	}
	return out, nil
}

func (e Engine) CreateTeam(ctx context.Context, t domain.Team, actorID string) (domain.Team, error) {
	if t.TeamName == "" {
		return t, errors.New("team name is required")
	}
	if t.Capacity < 0 {
		return t, errors.New("invalid capacity: must not be negative")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.PaymentReceived == "" {
		t.PaymentReceived = "0"
	} else if _, err := decimal.NewFromString(t.PaymentReceived); err != nil {
		return t, fmt.Errorf("invalid payment_received: %v", err)
	}
	if t.NumMembers == 0 {
		t.NumMembers = len(t.MemberEmails)
	}
	t.CreatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, wrapBusy(err)
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeamTx(ctx, tx, t.ID); err == nil {
		return t, fmt.Errorf("team %s already exists", t.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	if err := e.Repo.InsertTeamTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "team.created", "team", t.ID, actorID, events.EventPayload{
		"team_name": t.TeamName,
		"capacity":  t.Capacity,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, wrapBusy(err)
	}
	return t, nil
}

// TeamUpdateOptions encapsulates allowed updates; nil fields are left
// untouched.
type TeamUpdateOptions struct {
	ID           string
	TeamName     *string
	TeamLeader   *string
	MemberEmails []string
	Capacity     *int
	NumMembers   *int
	ActorID      string
}

func (e Engine) UpdateTeam(ctx context.Context, opts TeamUpdateOptions) (domain.Team, error) {
	t, err := e.Repo.GetTeam(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if opts.TeamName != nil {
		if *opts.TeamName == "" {
			return t, errors.New("team name is required")
		}
		t.TeamName = *opts.TeamName
	}
	if opts.TeamLeader != nil {
		t.TeamLeader = *opts.TeamLeader
	}
	if opts.MemberEmails != nil {
		t.MemberEmails = opts.MemberEmails
		t.NumMembers = len(opts.MemberEmails)
	}
	if opts.Capacity != nil {
		if *opts.Capacity < 0 {
			return t, errors.New("invalid capacity: must not be negative")
		}
		t.Capacity = *opts.Capacity
	}
	if opts.NumMembers != nil {
		t.NumMembers = *opts.NumMembers
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, wrapBusy(err)
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTeamTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "team.updated", "team", t.ID, opts.ActorID, events.EventPayload{
		"capacity": t.Capacity,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, wrapBusy(err)
	}
	return t, nil
}

// DeleteTeam removes a team. A team still holding allocated orders
// must be rolled back first.
func (e Engine) DeleteTeam(ctx context.Context, teamID, actorID string) error {
	if _, err := e.Repo.GetTeam(ctx, teamID); err != nil {
		return fmt.Errorf("team %s: %w", teamID, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrapBusy(err)
	}
	defer tx.Rollback()

	var held int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM orders WHERE team_id=?`, teamID).Scan(&held); err != nil {
		return err
	}
	if held > 0 {
		return fmt.Errorf("team %s still holds %d allocated orders", teamID, held)
	}
	if err := e.Repo.DeleteTeamTx(ctx, tx, teamID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "team.deleted", "team", teamID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapBusy(err)
	}
	return nil
}

// LeadEntry is one member's share of a team batch.
type LeadEntry struct {
	MemberID string
	LeadIDs  []string
}

type LeadAssignOptions struct {
	TeamID  string
	Date    string
	Entries []LeadEntry
	ActorID string
}

// SaveLeadAllocations records per-member sub-assignments inside a
// team's batch for a date. Every lead must belong to one of the team's
// batches for that date.
func (e Engine) SaveLeadAllocations(ctx context.Context, opts LeadAssignOptions) ([]domain.LeadAllocation, error) {
	date, err := normalizeDate(opts.Date)
	if err != nil {
		return nil, err
	}
	if opts.TeamID == "" {
		return nil, errors.New("team id is required")
	}
	if len(opts.Entries) == 0 {
		return nil, errors.New("at least one member entry is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeamTx(ctx, tx, opts.TeamID); err != nil {
		return nil, fmt.Errorf("team %s: %w", opts.TeamID, err)
	}
	batches, err := e.Repo.TeamBatchesForDateTx(ctx, tx, opts.TeamID, date)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("allocation for team %s on %s: %w", opts.TeamID, date, repo.ErrNotFound)
	}
	allocated := map[string]bool{}
	for _, b := range batches {
		for _, id := range b.OrderIDs {
			allocated[id] = true
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	out := make([]domain.LeadAllocation, 0, len(opts.Entries))
	for _, entry := range opts.Entries {
		if entry.MemberID == "" {
			return nil, errors.New("invalid entry: member id is required")
		}
		for _, leadID := range entry.LeadIDs {
			if !allocated[leadID] {
				return nil, fmt.Errorf("invalid entry: lead %s is not allocated to team %s on %s", leadID, opts.TeamID, date)
			}
		}
		la := domain.LeadAllocation{
			ID:            uuid.New().String(),
			TeamID:        opts.TeamID,
			MemberID:      entry.MemberID,
			LeadIDs:       entry.LeadIDs,
			AllocatedTime: now,
			Date:          date,
			Status:        domain.LeadAllocationStatusPending,
		}
		if err := e.Repo.InsertLeadAllocationTx(ctx, tx, la); err != nil {
			return nil, err
		}
		out = append(out, la)
	}
	if err := e.Events.Append(ctx, tx, "leads.assigned", "team", opts.TeamID, opts.ActorID, events.EventPayload{
		"date":    date,
		"members": len(out),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapBusy(err)
	}
	return out, nil
}

func (e Engine) CompleteLeadAllocation(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrapBusy(err)
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateLeadAllocationStatusTx(ctx, tx, id, domain.LeadAllocationStatusCompleted); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "leads.completed", "lead_allocation", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapBusy(err)
	}
	return nil
}

type PaymentOptions struct {
	OrderID       string
	PaymentStatus string
	MemberName    string
	ActorID       string
}

// RecordPayment moves an order's payment status. A Paid order is
// completed and gets a profit row derived from the configured
// per-order profit and member share. Recording Paid twice is a no-op
// on the profit side.
func (e Engine) RecordPayment(ctx context.Context, opts PaymentOptions) (domain.Order, *domain.Result, error) {
	switch opts.PaymentStatus {
	case domain.PaymentStatusPaid, domain.PaymentStatusUnpaid, domain.PaymentStatusFailed:
	default:
		return domain.Order{}, nil, fmt.Errorf("invalid payment status %q", opts.PaymentStatus)
	}
	if e.Config == nil {
		return domain.Order{}, nil, errors.New("config not loaded")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, nil, wrapBusy(err)
	}
	defer tx.Rollback()

	// Read the order on the transaction snapshot so the team booked
	// on the result row is the team holding the order at commit time.
	o, err := e.Repo.GetOrderTx(ctx, tx, opts.OrderID)
	if err != nil {
		return o, nil, fmt.Errorf("order %s: %w", opts.OrderID, err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	status := o.Status
	if opts.PaymentStatus == domain.PaymentStatusPaid {
		status = domain.OrderStatusCompleted
	}
	if err := e.Repo.UpdateOrderPaymentTx(ctx, tx, o.ID, opts.PaymentStatus, status, now); err != nil {
		return o, nil, err
	}
	o.PaymentStatus = opts.PaymentStatus
	o.Status = status
	o.UpdatedAt = now

	var result *domain.Result
	if opts.PaymentStatus == domain.PaymentStatusPaid {
		existing, err := e.Repo.ResultForOrderTx(ctx, tx, o.ID)
		switch {
		case err == nil:
			result = &existing
		case errors.Is(err, repo.ErrNotFound):
			r := domain.Result{
				ID:                uuid.New().String(),
				OrderID:           o.ID,
				TeamID:            o.TeamID,
				MemberName:        opts.MemberName,
				PaymentStatus:     domain.PaymentStatusPaid,
				ProfitBehindOrder: e.Config.PerPaidOrder().String(),
				MembersProfit:     e.Config.MemberShare().String(),
				CompletionDate:    &now,
			}
			if err := e.Repo.InsertResultTx(ctx, tx, r); err != nil {
				return o, nil, err
			}
			result = &r
		default:
			return o, nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "payment.recorded", "order", o.ID, opts.ActorID, events.EventPayload{
		"payment_status": opts.PaymentStatus,
	}); err != nil {
		return o, nil, err
	}
	if err := tx.Commit(); err != nil {
		return o, nil, wrapBusy(err)
	}
	return o, result, nil
}

// HistoryRow is one allocated order: which team it went to, when, and
// where its lifecycle stands now.
type HistoryRow struct {
	OrderID          string  `json:"order_id"`
	AssignedTeam     *string `json:"assigned_team,omitempty"`
	AllocatedDate    string  `json:"allocated_date" format:"date"`
	CompletionStatus string  `json:"completion_status"`
}

// AllocationHistory flattens batches into one row per order, joined
// with each order's current status. Pending-bucket orders come back
// with no assigned team.
func (e Engine) AllocationHistory(ctx context.Context, f repo.AllocationFilters) ([]HistoryRow, error) {
	batches, err := e.Repo.ListAllocations(ctx, f)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, b := range batches {
		ids = append(ids, b.OrderIDs...)
	}
	status := map[string]string{}
	if len(ids) > 0 {
		orders, _, err := e.Repo.ListOrders(ctx, repo.OrderFilters{IDs: ids})
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			status[o.ID] = o.Status
		}
	}
	rows := make([]HistoryRow, 0, len(ids))
	for _, b := range batches {
		for _, id := range b.OrderIDs {
			rows = append(rows, HistoryRow{
				OrderID:          id,
				AssignedTeam:     b.TeamID,
				AllocatedDate:    b.AllocationDate,
				CompletionStatus: status[id],
			})
		}
	}
	return rows, nil
}

// ListAllocations returns batches matching the filters, annotated with
// the batch size and how many of its orders are paid.
func (e Engine) ListAllocations(ctx context.Context, f repo.AllocationFilters) ([]domain.Allocation, error) {
	batches, err := e.Repo.ListAllocations(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range batches {
		batches[i].LeadsAllocated = len(batches[i].OrderIDs)
		paid, err := e.Repo.CountPaidOrders(ctx, batches[i].OrderIDs)
		if err != nil {
			return nil, err
		}
		batches[i].LeadsCompleted = paid
	}
	return batches, nil
}
