package server

import (
	"encoding/json"

	"leadline/internal/domain"
	"leadline/internal/engine"
)

// Request payloads

type OrderInput struct {
	ID          *string `json:"id,omitempty"`
	CustomerID  *string `json:"customer_id,omitempty"`
	Source      *string `json:"source,omitempty"`
	Coupon      *string `json:"coupon,omitempty"`
	Link        *string `json:"link,omitempty"`
	PaymentMode *string `json:"payment_mode,omitempty"`
	CreatedAt   *string `json:"created_at,omitempty" format:"date-time"`
}

type ImportOrdersRequest struct {
	Orders []OrderInput `json:"orders"`
}

type PaymentRequest struct {
	PaymentStatus string  `json:"payment_status" enum:"Paid,Unpaid,Failed"`
	MemberName    *string `json:"member_name,omitempty"`
}

type CreateTeamRequest struct {
	ID           *string  `json:"id,omitempty"`
	TeamName     string   `json:"team_name"`
	TeamLeader   *string  `json:"team_leader,omitempty"`
	MemberEmails []string `json:"member_emails,omitempty"`
	Capacity     int      `json:"capacity"`
	NumMembers   *int     `json:"num_members,omitempty"`
}

type UpdateTeamRequest struct {
	TeamName     *string  `json:"team_name,omitempty"`
	TeamLeader   *string  `json:"team_leader,omitempty"`
	MemberEmails []string `json:"member_emails,omitempty"`
	Capacity     *int     `json:"capacity,omitempty"`
	NumMembers   *int     `json:"num_members,omitempty"`
}

type QuotaInput struct {
	TeamID          string  `json:"team_id"`
	RequestedOrders *int    `json:"requested_orders,omitempty"`
	PaymentAmount   *string `json:"payment_amount,omitempty"`
}

type RunAllocationRequest struct {
	Date   string       `json:"date" format:"date"`
	Quotas []QuotaInput `json:"quotas,omitempty"`
}

type SweepRequest struct {
	Date string `json:"date" format:"date"`
}

type LeadEntryInput struct {
	MemberID string   `json:"member_id"`
	LeadIDs  []string `json:"lead_ids"`
}

type LeadAssignRequest struct {
	TeamID  string           `json:"team_id"`
	Date    string           `json:"date" format:"date"`
	Entries []LeadEntryInput `json:"entries"`
}

// Response payloads

type OrderListResponse struct {
	Items []domain.Order `json:"items"`
	Total int            `json:"total"`
}

type RunAllocationResponse struct {
	Date            string              `json:"date"`
	Batches         []domain.Allocation `json:"batches"`
	PendingOrderIDs []string            `json:"pending_order_ids"`
	Assigned        int                 `json:"assigned"`
	Message         string              `json:"message,omitempty"`
}

type SweepResponse struct {
	Marked int64 `json:"marked"`
}

type PaymentResponse struct {
	Order  domain.Order   `json:"order"`
	Result *domain.Result `json:"result,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func orderFromInput(in OrderInput) domain.Order {
	o := domain.Order{}
	if in.ID != nil {
		o.ID = *in.ID
	}
	if in.CustomerID != nil {
		o.CustomerID = *in.CustomerID
	}
	if in.Source != nil {
		o.Source = *in.Source
	}
	if in.Coupon != nil {
		o.Coupon = *in.Coupon
	}
	if in.Link != nil {
		o.Link = *in.Link
	}
	if in.PaymentMode != nil {
		o.PaymentMode = *in.PaymentMode
	}
	if in.CreatedAt != nil {
		o.CreatedAt = *in.CreatedAt
	}
	return o
}

func runAllocationResponse(res engine.AllocateResult) RunAllocationResponse {
	return RunAllocationResponse{
		Date:            res.Date,
		Batches:         nonNilSlice(res.Batches),
		PendingOrderIDs: nonNilSlice(res.PendingOrderIDs),
		Assigned:        res.Assigned,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
