// Package leadline is a small client for the Leadline HTTP API.
package leadline

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// Client talks to a Leadline server.
type Client struct {
	http *resty.Client
}

// Option customizes the client.
type Option func(*Client)

// WithActorID sets the actor recorded in the server's event log.
func WithActorID(id string) Option {
	return func(c *Client) {
		c.http.SetHeader("X-Actor-Id", id)
	}
}

// New returns a client for the given base URL, e.g.
// "http://127.0.0.1:8080/v0".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{http: resty.New().SetBaseURL(baseURL)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leadline: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

func unwrap(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if res.IsError() {
		if env, ok := res.Error().(*errorEnvelope); ok && env.Error.Message != "" {
			env.Error.Status = res.StatusCode()
			return &env.Error
		}
		return fmt.Errorf("leadline: http %d: %s", res.StatusCode(), res.String())
	}
	return nil
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&errorEnvelope{})
}

// Order mirrors the API order resource.
type Order struct {
	ID            string  `json:"id"`
	CustomerID    string  `json:"customer_id,omitempty"`
	Source        string  `json:"source,omitempty"`
	Coupon        string  `json:"coupon,omitempty"`
	Link          string  `json:"link,omitempty"`
	Status        string  `json:"status"`
	PaymentStatus string  `json:"payment_status"`
	PaymentMode   string  `json:"payment_mode,omitempty"`
	State         string  `json:"state"`
	TeamID        *string `json:"team_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type Team struct {
	ID              string   `json:"id"`
	TeamName        string   `json:"team_name"`
	TeamLeader      string   `json:"team_leader,omitempty"`
	MemberEmails    []string `json:"member_emails,omitempty"`
	Capacity        int      `json:"capacity"`
	NumMembers      int      `json:"num_members"`
	PaymentReceived string   `json:"payment_received"`
	CreatedAt       string   `json:"created_at"`
}

type Allocation struct {
	ID             string   `json:"id"`
	TeamID         *string  `json:"team_id,omitempty"`
	OrderIDs       []string `json:"order_ids"`
	Status         string   `json:"status"`
	AllocationDate string   `json:"allocation_date"`
	PaymentGiven   *string  `json:"payment_given,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	LeadsAllocated int      `json:"leads_allocated"`
	LeadsCompleted int      `json:"leads_completed"`
}

// Quota tightens one team's ceiling for a run. A nil RequestedOrders
// leaves the ceiling alone; an explicit zero closes the team.
type Quota struct {
	TeamID          string `json:"team_id"`
	RequestedOrders *int   `json:"requested_orders,omitempty"`
	PaymentAmount   string `json:"payment_amount,omitempty"`
}

type RunResult struct {
	Date            string       `json:"date"`
	Batches         []Allocation `json:"batches"`
	PendingOrderIDs []string     `json:"pending_order_ids"`
	Assigned        int          `json:"assigned"`
	Message         string       `json:"message,omitempty"`
}

type RollbackResult struct {
	TeamID         string   `json:"team_id"`
	Date           string   `json:"date"`
	OrderIDs       []string `json:"order_ids"`
	BatchesDeleted int      `json:"batches_deleted"`
}

type OrderList struct {
	Items []Order `json:"items"`
	Total int     `json:"total"`
}

// ImportOrders creates orders in the new state.
func (c *Client) ImportOrders(ctx context.Context, orders []Order) ([]Order, error) {
	var out []Order
	res, err := c.req(ctx).
		SetBody(map[string]any{"orders": orders}).
		SetResult(&out).
		Post("/orders")
	if err := unwrap(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListOrders(ctx context.Context, state string, page, limit int) (OrderList, error) {
	var out OrderList
	req := c.req(ctx).SetResult(&out)
	if state != "" {
		req.SetQueryParam("state", state)
	}
	if limit > 0 {
		req.SetQueryParam("page", fmt.Sprint(page))
		req.SetQueryParam("limit", fmt.Sprint(limit))
	}
	res, err := req.Get("/orders")
	if err := unwrap(res, err); err != nil {
		return OrderList{}, err
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var out Order
	res, err := c.req(ctx).SetResult(&out).Get("/orders/" + id)
	if err := unwrap(res, err); err != nil {
		return Order{}, err
	}
	return out, nil
}

// RecordPayment sets an order's payment status. A Paid order gets a
// profit result on the server side.
func (c *Client) RecordPayment(ctx context.Context, orderID, paymentStatus, memberName string) (Order, error) {
	var out struct {
		Order Order `json:"order"`
	}
	body := map[string]any{"payment_status": paymentStatus}
	if memberName != "" {
		body["member_name"] = memberName
	}
	res, err := c.req(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/orders/" + orderID + "/payment")
	if err := unwrap(res, err); err != nil {
		return Order{}, err
	}
	return out.Order, nil
}

func (c *Client) CreateTeam(ctx context.Context, t Team) (Team, error) {
	var out Team
	res, err := c.req(ctx).SetBody(t).SetResult(&out).Post("/teams")
	if err := unwrap(res, err); err != nil {
		return Team{}, err
	}
	return out, nil
}

func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var out []Team
	res, err := c.req(ctx).SetResult(&out).Get("/teams")
	if err := unwrap(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTeam(ctx context.Context, id string) (Team, error) {
	var out Team
	res, err := c.req(ctx).SetResult(&out).Get("/teams/" + id)
	if err := unwrap(res, err); err != nil {
		return Team{}, err
	}
	return out, nil
}

func (c *Client) DeleteTeam(ctx context.Context, id string) error {
	res, err := c.req(ctx).Delete("/teams/" + id)
	return unwrap(res, err)
}

// RunAllocation triggers one allocation pass for the date.
func (c *Client) RunAllocation(ctx context.Context, date string, quotas []Quota) (RunResult, error) {
	var out RunResult
	body := map[string]any{"date": date}
	if len(quotas) > 0 {
		body["quotas"] = quotas
	}
	res, err := c.req(ctx).SetBody(body).SetResult(&out).Post("/allocations/run")
	if err := unwrap(res, err); err != nil {
		return RunResult{}, err
	}
	return out, nil
}

// ListAllocations fetches batches, optionally filtered by team and
// date range.
func (c *Client) ListAllocations(ctx context.Context, teamID, from, to string) ([]Allocation, error) {
	var out []Allocation
	req := c.req(ctx).SetResult(&out)
	if teamID != "" {
		req.SetQueryParam("team_id", teamID)
	}
	if from != "" {
		req.SetQueryParam("from", from)
	}
	if to != "" {
		req.SetQueryParam("to", to)
	}
	res, err := req.Get("/allocations")
	if err := unwrap(res, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Rollback undoes a team's allocation for a date.
func (c *Client) Rollback(ctx context.Context, teamID, date string) (RollbackResult, error) {
	var out RollbackResult
	res, err := c.req(ctx).
		SetQueryParam("date", date).
		SetResult(&out).
		Delete("/allocations/" + teamID)
	if err := unwrap(res, err); err != nil {
		return RollbackResult{}, err
	}
	return out, nil
}

// Sweep marks batches from dates other than the given one as
// Unsuccessful.
func (c *Client) Sweep(ctx context.Context, date string) (int64, error) {
	var out struct {
		Marked int64 `json:"marked"`
	}
	res, err := c.req(ctx).
		SetBody(map[string]any{"date": date}).
		SetResult(&out).
		Post("/allocations/sweep")
	if err := unwrap(res, err); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

func (c *Client) Health(ctx context.Context) error {
	res, err := c.req(ctx).Get("/health")
	return unwrap(res, err)
}
