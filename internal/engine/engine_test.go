package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

const testDate = "2024-03-01"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) addTeam(t *testing.T, id string, capacity int) domain.Team {
	t.Helper()
	team, err := env.Engine.CreateTeam(env.Ctx, domain.Team{
		ID:       id,
		TeamName: "Team " + id,
		Capacity: capacity,
	}, "tester")
	if err != nil {
		t.Fatalf("create team %s: %v", id, err)
	}
	return team
}

func (env testEnv) importOrders(t *testing.T, prefix string, n int) []string {
	t.Helper()
	orders := make([]domain.Order, 0, n)
	for i := 1; i <= n; i++ {
		orders = append(orders, domain.Order{ID: fmt.Sprintf("%s-%03d", prefix, i)})
	}
	out, err := env.Engine.ImportOrders(env.Ctx, orders, "tester")
	if err != nil {
		t.Fatalf("import orders: %v", err)
	}
	ids := make([]string, 0, len(out))
	for _, o := range out {
		ids = append(ids, o.ID)
	}
	return ids
}

func (env testEnv) run(t *testing.T, opts engine.AllocateOptions) engine.AllocateResult {
	t.Helper()
	if opts.Date == "" {
		opts.Date = testDate
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	res, err := env.Engine.AllocateOrders(env.Ctx, opts)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return res
}

func quota(teamID string, n int) engine.QuotaEntry {
	return engine.QuotaEntry{TeamID: teamID, RequestedOrders: &n}
}

func batchSize(res engine.AllocateResult, teamID string) int {
	for _, b := range res.Batches {
		if b.TeamID != nil && *b.TeamID == teamID {
			return len(b.OrderIDs)
		}
	}
	return 0
}

func TestAllocateFillsLargestCapacityFirst(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "t5", 5)
	env.addTeam(t, "t2", 2)
	env.addTeam(t, "t8", 8)
	env.importOrders(t, "ord", 10)

	res := env.run(t, engine.AllocateOptions{})
	if got := batchSize(res, "t8"); got != 8 {
		t.Fatalf("t8 got %d orders, want 8", got)
	}
	if got := batchSize(res, "t5"); got != 2 {
		t.Fatalf("t5 got %d orders, want 2", got)
	}
	if got := batchSize(res, "t2"); got != 0 {
		t.Fatalf("t2 got %d orders, want 0", got)
	}
	if len(res.PendingOrderIDs) != 0 {
		t.Fatalf("pending %d, want 0", len(res.PendingOrderIDs))
	}
}

func TestAllocateNoDoubleAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 4)
	env.addTeam(t, "b", 4)
	ids := env.importOrders(t, "ord", 6)

	res := env.run(t, engine.AllocateOptions{})
	seen := map[string]int{}
	for _, b := range res.Batches {
		for _, id := range b.OrderIDs {
			seen[id]++
		}
	}
	for _, id := range res.PendingOrderIDs {
		seen[id]++
	}
	if len(seen) != len(ids) {
		t.Fatalf("distributed %d distinct orders, want %d", len(seen), len(ids))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("order %s handed out %d times", id, n)
		}
	}
	for _, id := range ids {
		o, err := env.Engine.Repo.GetOrder(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if o.State != domain.OrderStateOld || o.TeamID == nil {
			t.Fatalf("order %s not marked allocated: state=%s team=%v", id, o.State, o.TeamID)
		}
	}
}

func TestAllocateRerunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 10)
	env.importOrders(t, "ord", 6)

	first := env.run(t, engine.AllocateOptions{})
	if first.Assigned != 6 {
		t.Fatalf("first run assigned %d, want 6", first.Assigned)
	}

	// nothing new: the pool is empty, no records are touched
	_, err := env.Engine.AllocateOrders(env.Ctx, engine.AllocateOptions{Date: testDate, ActorID: "tester"})
	if !errors.Is(err, engine.ErrNothingToAllocate) {
		t.Fatalf("second run: got %v, want ErrNothingToAllocate", err)
	}

	// delta only: new orders top up the existing batch
	env.importOrders(t, "late", 3)
	second := env.run(t, engine.AllocateOptions{})
	if second.Assigned != 3 {
		t.Fatalf("delta run assigned %d, want 3", second.Assigned)
	}
	batches, err := env.Engine.ListAllocations(env.Ctx, repo.AllocationFilters{TeamID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches for team a, want 1 topped-up batch", len(batches))
	}
	if batches[0].LeadsAllocated != 9 {
		t.Fatalf("batch holds %d orders, want 9", batches[0].LeadsAllocated)
	}
	if batches[0].ID != first.Batches[0].ID {
		t.Fatalf("delta run created a new batch instead of topping up")
	}
}

func TestAllocateCapacityConsumptionAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	env.importOrders(t, "ord", 3)
	env.run(t, engine.AllocateOptions{})

	env.importOrders(t, "late", 5)
	res := env.run(t, engine.AllocateOptions{})
	if res.Assigned != 2 {
		t.Fatalf("assigned %d on re-run, want 2 (capacity 5, 3 consumed)", res.Assigned)
	}
	if len(res.PendingOrderIDs) != 3 {
		t.Fatalf("pending %d, want 3", len(res.PendingOrderIDs))
	}
}

func TestPendingBucketTopUp(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 2)
	env.importOrders(t, "ord", 4)
	first := env.run(t, engine.AllocateOptions{})
	if len(first.PendingOrderIDs) != 2 {
		t.Fatalf("pending %d, want 2", len(first.PendingOrderIDs))
	}

	env.importOrders(t, "late", 3)
	env.run(t, engine.AllocateOptions{})

	buckets, err := env.Engine.ListAllocations(env.Ctx, repo.AllocationFilters{PendingOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 {
		t.Fatalf("got %d pending buckets, want 1 upserted record", len(buckets))
	}
	if buckets[0].Status != domain.AllocationStatusPending {
		t.Fatalf("bucket status %s", buckets[0].Status)
	}
	if got := len(buckets[0].OrderIDs); got != 5 {
		t.Fatalf("bucket holds %d orders, want 5 appended", got)
	}
}

func TestQuotaTightensNeverExceeds(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	env.importOrders(t, "ord", 10)

	res := env.run(t, engine.AllocateOptions{
		Quotas: []engine.QuotaEntry{quota("a", 3)},
	})
	if res.Assigned != 3 {
		t.Fatalf("quota run assigned %d, want 3", res.Assigned)
	}

	// a huge quota is still bounded by remaining capacity (5 - 3 = 2)
	res = env.run(t, engine.AllocateOptions{
		Quotas: []engine.QuotaEntry{quota("a", 100)},
	})
	if res.Assigned != 2 {
		t.Fatalf("over-quota run assigned %d, want 2", res.Assigned)
	}
}

func TestQuotaExplicitZeroClosesTeam(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	env.importOrders(t, "ord", 3)

	res := env.run(t, engine.AllocateOptions{
		Quotas: []engine.QuotaEntry{quota("a", 0)},
	})
	if res.Assigned != 0 {
		t.Fatalf("zero-quota run assigned %d, want 0", res.Assigned)
	}
	if len(res.PendingOrderIDs) != 3 {
		t.Fatalf("pending %d, want 3", len(res.PendingOrderIDs))
	}

	// a payment-only entry leaves the ceiling alone
	env.importOrders(t, "late", 2)
	res = env.run(t, engine.AllocateOptions{
		Quotas: []engine.QuotaEntry{{TeamID: "a", PaymentAmount: "10"}},
	})
	if res.Assigned != 2 {
		t.Fatalf("payment-only run assigned %d, want 2", res.Assigned)
	}
}

func TestValidationErrorsMutateNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	ids := env.importOrders(t, "ord", 3)

	_, err := env.Engine.AllocateOrders(env.Ctx, engine.AllocateOptions{
		Date:    testDate,
		Quotas:  []engine.QuotaEntry{quota("ghost", 1)},
		ActorID: "tester",
	})
	if err == nil {
		t.Fatal("expected unknown-team error")
	}

	_, err = env.Engine.AllocateOrders(env.Ctx, engine.AllocateOptions{Date: "03/01/2024", ActorID: "tester"})
	if err == nil {
		t.Fatal("expected invalid-date error")
	}

	for _, id := range ids {
		o, err := env.Engine.Repo.GetOrder(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if o.State != domain.OrderStateNew || o.TeamID != nil {
			t.Fatalf("order %s mutated by failed run", id)
		}
	}
	batches, err := env.Engine.ListAllocations(env.Ctx, repo.AllocationFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 0 {
		t.Fatalf("failed runs persisted %d batches", len(batches))
	}
}

func TestRollbackReleasesOrdersAndCascades(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 10)
	ids := env.importOrders(t, "ord", 4)
	res := env.run(t, engine.AllocateOptions{})

	if _, err := env.Engine.SaveLeadAllocations(env.Ctx, engine.LeadAssignOptions{
		TeamID:  "a",
		Date:    testDate,
		Entries: []engine.LeadEntry{{MemberID: "m1", LeadIDs: res.Batches[0].OrderIDs[:2]}},
		ActorID: "tester",
	}); err != nil {
		t.Fatalf("assign leads: %v", err)
	}
	if _, _, err := env.Engine.RecordPayment(env.Ctx, engine.PaymentOptions{
		OrderID:       ids[0],
		PaymentStatus: domain.PaymentStatusPaid,
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	out, err := env.Engine.Unallocate(env.Ctx, "a", testDate, "tester")
	if err != nil {
		t.Fatalf("unallocate: %v", err)
	}
	if len(out.OrderIDs) != 4 || out.BatchesDeleted != 1 {
		t.Fatalf("rollback released %d orders, %d batches", len(out.OrderIDs), out.BatchesDeleted)
	}
	for _, id := range ids {
		o, err := env.Engine.Repo.GetOrder(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if o.State != domain.OrderStateNew || o.Status != domain.OrderStatusPending || o.TeamID != nil {
			t.Fatalf("order %s not released: state=%s status=%s", id, o.State, o.Status)
		}
	}
	leads, err := env.Engine.Repo.ListLeadAllocations(env.Ctx, "a", testDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(leads) != 0 {
		t.Fatalf("lead allocations survived rollback: %d", len(leads))
	}
	results, err := env.Engine.Repo.ListResults(env.Ctx, repo.ResultFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("results survived rollback: %d", len(results))
	}

	// released orders are allocatable again
	rerun := env.run(t, engine.AllocateOptions{})
	if rerun.Assigned != 4 {
		t.Fatalf("re-run after rollback assigned %d, want 4", rerun.Assigned)
	}
}

func TestRollbackMissingBatchIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)

	_, err := env.Engine.Unallocate(env.Ctx, "a", testDate, "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	_, err = env.Engine.Unallocate(env.Ctx, "ghost", testDate, "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown team: got %v, want ErrNotFound", err)
	}
}

func TestMarkStaleFreesNothingForOwnDate(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	env.importOrders(t, "ord", 3)
	env.run(t, engine.AllocateOptions{Date: "2024-02-28"})

	n, err := env.Engine.MarkStaleAllocations(env.Ctx, testDate, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("marked %d batches, want 1", n)
	}
	batches, err := env.Engine.ListAllocations(env.Ctx, repo.AllocationFilters{TeamID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if batches[0].Status != domain.AllocationStatusUnsuccessful {
		t.Fatalf("stale batch status %s", batches[0].Status)
	}

	// sweeping again for the same date is a no-op
	n, err = env.Engine.MarkStaleAllocations(env.Ctx, testDate, "tester")
	if err != nil || n != 0 {
		t.Fatalf("second sweep marked %d (%v)", n, err)
	}
}

func TestImportRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.importOrders(t, "ord", 1)
	_, err := env.Engine.ImportOrders(env.Ctx, []domain.Order{{ID: "ord-001"}}, "tester")
	if err == nil {
		t.Fatal("expected duplicate error")
	}

	// duplicate inside the failing batch must not leave partial rows
	_, err = env.Engine.ImportOrders(env.Ctx, []domain.Order{{ID: "x-1"}, {ID: "ord-001"}}, "tester")
	if err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, err := env.Engine.Repo.GetOrder(env.Ctx, "x-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("partial import leaked: %v", err)
	}
}

func TestRecordPaymentBooksProfit(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	ids := env.importOrders(t, "ord", 1)
	env.run(t, engine.AllocateOptions{})

	o, result, err := env.Engine.RecordPayment(env.Ctx, engine.PaymentOptions{
		OrderID:       ids[0],
		PaymentStatus: domain.PaymentStatusPaid,
		MemberName:    "alice",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderStatusCompleted || o.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("order after payment: status=%s payment=%s", o.Status, o.PaymentStatus)
	}
	if result == nil {
		t.Fatal("no result row")
	}
	if result.ProfitBehindOrder != "450" || result.MembersProfit != "180" {
		t.Fatalf("profit %s / %s, want 450 / 180", result.ProfitBehindOrder, result.MembersProfit)
	}

	// paying again must not duplicate the result
	_, again, err := env.Engine.RecordPayment(env.Ctx, engine.PaymentOptions{
		OrderID:       ids[0],
		PaymentStatus: domain.PaymentStatusPaid,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.ID != result.ID {
		t.Fatal("second payment created a new result row")
	}
	all, err := env.Engine.Repo.ListResults(env.Ctx, repo.ResultFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("%d result rows, want 1", len(all))
	}
}

func TestAllocationPaymentAnnotation(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	env.importOrders(t, "ord", 2)

	res := env.run(t, engine.AllocateOptions{
		Quotas: []engine.QuotaEntry{{TeamID: "a", PaymentAmount: "120.50"}},
	})
	if res.Batches[0].PaymentGiven == nil || *res.Batches[0].PaymentGiven != "120.5" {
		t.Fatalf("payment annotation %v", res.Batches[0].PaymentGiven)
	}
	team, err := env.Engine.Repo.GetTeam(env.Ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if team.PaymentReceived != "120.5" {
		t.Fatalf("team payment received %s", team.PaymentReceived)
	}
}

func TestAllocationHistoryPerOrderRows(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 2)
	ids := env.importOrders(t, "ord", 3)
	env.run(t, engine.AllocateOptions{})

	if _, _, err := env.Engine.RecordPayment(env.Ctx, engine.PaymentOptions{
		OrderID:       ids[0],
		PaymentStatus: domain.PaymentStatusPaid,
		ActorID:       "tester",
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := env.Engine.AllocationHistory(env.Ctx, repo.AllocationFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d history rows, want one per order", len(rows))
	}
	byOrder := map[string]engine.HistoryRow{}
	for _, row := range rows {
		byOrder[row.OrderID] = row
	}
	paid := byOrder[ids[0]]
	if paid.AssignedTeam == nil || *paid.AssignedTeam != "a" {
		t.Fatalf("paid order team %v, want a", paid.AssignedTeam)
	}
	if paid.CompletionStatus != domain.OrderStatusCompleted {
		t.Fatalf("paid order status %s, want Completed", paid.CompletionStatus)
	}
	if paid.AllocatedDate != testDate {
		t.Fatalf("allocated date %s, want %s", paid.AllocatedDate, testDate)
	}
	open := byOrder[ids[1]]
	if open.CompletionStatus != domain.OrderStatusAllocated {
		t.Fatalf("open order status %s, want Allocated", open.CompletionStatus)
	}
	// the order that did not fit shows up from the pending bucket
	overflow := byOrder[ids[2]]
	if overflow.AssignedTeam != nil {
		t.Fatalf("overflow order has team %v, want none", overflow.AssignedTeam)
	}
	if overflow.CompletionStatus != domain.OrderStatusPending {
		t.Fatalf("overflow order status %s, want Pending", overflow.CompletionStatus)
	}
}

func TestRecordPaymentBooksCurrentTeam(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	ids := env.importOrders(t, "ord", 1)
	env.run(t, engine.AllocateOptions{})

	if _, err := env.Engine.Unallocate(env.Ctx, "a", testDate, "tester"); err != nil {
		t.Fatal(err)
	}
	_, result, err := env.Engine.RecordPayment(env.Ctx, engine.PaymentOptions{
		OrderID:       ids[0],
		PaymentStatus: domain.PaymentStatusPaid,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result == nil {
		t.Fatal("no result row")
	}
	if result.TeamID != nil {
		t.Fatalf("result booked team %v, but the order was released before payment", *result.TeamID)
	}
}

func TestLeadAssignmentRejectsForeignLeads(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 1)
	env.addTeam(t, "b", 1)
	env.importOrders(t, "ord", 2)
	env.run(t, engine.AllocateOptions{})

	batches, err := env.Engine.ListAllocations(env.Ctx, repo.AllocationFilters{TeamID: "b"})
	if err != nil || len(batches) != 1 {
		t.Fatalf("team b batches: %d (%v)", len(batches), err)
	}
	_, err = env.Engine.SaveLeadAllocations(env.Ctx, engine.LeadAssignOptions{
		TeamID:  "a",
		Date:    testDate,
		Entries: []engine.LeadEntry{{MemberID: "m1", LeadIDs: batches[0].OrderIDs}},
		ActorID: "tester",
	})
	if err == nil {
		t.Fatal("expected foreign-lead rejection")
	}
}

func TestDeleteTeamBlockedWhileHoldingOrders(t *testing.T) {
	env := newTestEnv(t)
	env.addTeam(t, "a", 5)
	env.importOrders(t, "ord", 2)
	env.run(t, engine.AllocateOptions{})

	if err := env.Engine.DeleteTeam(env.Ctx, "a", "tester"); err == nil {
		t.Fatal("expected delete to be blocked")
	}
	if _, err := env.Engine.Unallocate(env.Ctx, "a", testDate, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTeam(env.Ctx, "a", "tester"); err != nil {
		t.Fatalf("delete after rollback: %v", err)
	}
}
