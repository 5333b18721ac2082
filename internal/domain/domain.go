package domain

// Order lifecycle status.
const (
	OrderStatusPending   = "Pending"
	OrderStatusSuccess   = "Success"
	OrderStatusCancelled = "Cancelled"
	OrderStatusAllocated = "Allocated"
	OrderStatusCompleted = "Completed"
)

// Order payment status.
const (
	PaymentStatusPaid   = "Paid"
	PaymentStatusUnpaid = "Unpaid"
	PaymentStatusFailed = "Failed"
)

// Order state. An order is "new" until it has been placed in an
// allocation batch; rolling back an allocation returns it to "new".
const (
	OrderStateNew = "new"
	OrderStateOld = "old"
)

// Allocation batch status. Unsuccessful batches are superseded and no
// longer consume team capacity.
const (
	AllocationStatusAllocated    = "Allocated"
	AllocationStatusSuccess      = "Success"
	AllocationStatusPending      = "Pending"
	AllocationStatusUnsuccessful = "Unsuccessful"
)

// LeadAllocation status.
const (
	LeadAllocationStatusPending   = "Pending"
	LeadAllocationStatusCompleted = "Completed"
)

type Order struct {
	ID            string  `json:"id"`
	CustomerID    string  `json:"customer_id,omitempty"`
	Source        string  `json:"source,omitempty"`
	Coupon        string  `json:"coupon,omitempty"`
	Link          string  `json:"link,omitempty"`
	Status        string  `json:"status" enum:"Pending,Success,Cancelled,Allocated,Completed"`
	PaymentStatus string  `json:"payment_status" enum:"Paid,Unpaid,Failed"`
	PaymentMode   string  `json:"payment_mode,omitempty"`
	State         string  `json:"state" enum:"new,old"`
	TeamID        *string `json:"team_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Team struct {
	ID              string   `json:"id"`
	TeamName        string   `json:"team_name"`
	TeamLeader      string   `json:"team_leader,omitempty"`
	MemberEmails    []string `json:"member_emails,omitempty"`
	Capacity        int      `json:"capacity"`
	NumMembers      int      `json:"num_members"`
	PaymentReceived string   `json:"payment_received"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// Allocation is one persisted batch: a team (or nil for the pending
// bucket) plus the ordered list of order IDs assigned to it on a date.
type Allocation struct {
	ID             string   `json:"id"`
	TeamID         *string  `json:"team_id,omitempty"`
	OrderIDs       []string `json:"order_ids"`
	Status         string   `json:"status" enum:"Allocated,Success,Pending,Unsuccessful"`
	AllocationDate string   `json:"allocation_date" format:"date"`
	PaymentGiven   *string  `json:"payment_given,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`

	// Derived on read, not stored.
	LeadsAllocated int `json:"leads_allocated"`
	LeadsCompleted int `json:"leads_completed"`
}

// LeadAllocation is a per-member sub-assignment inside a team's batch.
type LeadAllocation struct {
	ID            string   `json:"id"`
	TeamID        string   `json:"team_id"`
	MemberID      string   `json:"member_id"`
	LeadIDs       []string `json:"lead_ids"`
	AllocatedTime string   `json:"allocated_time"`
	Date          string   `json:"date" format:"date"`
	Status        string   `json:"status" enum:"Pending,Completed"`
}

// Result is the profit bookkeeping row written when an order completes.
type Result struct {
	ID                string  `json:"id"`
	OrderID           string  `json:"order_id"`
	TeamID            *string `json:"team_id,omitempty"`
	MemberName        string  `json:"member_name,omitempty"`
	PaymentStatus     string  `json:"payment_status,omitempty"`
	ProfitBehindOrder string  `json:"profit_behind_order"`
	MembersProfit     string  `json:"members_profit"`
	CompletionDate    *string `json:"completion_date,omitempty" format:"date-time"`
	OrderType         *int    `json:"order_type,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
