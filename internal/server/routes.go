package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/repo"
)

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-orders",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Import orders",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorID string              `header:"X-Actor-Id"`
		Body    ImportOrdersRequest `json:"body"`
	}) (*struct {
		Body []domain.Order `json:"body"`
	}, error) {
		orders := make([]domain.Order, 0, len(input.Body.Orders))
		for _, in := range input.Body.Orders {
			orders = append(orders, orderFromInput(in))
		}
		out, err := e.ImportOrders(ctx, orders, actor(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Order `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"new,old,"`
		Page  int    `query:"page"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body OrderListResponse `json:"body"`
	}, error) {
		items, total, err := e.Repo.ListOrders(ctx, repo.OrderFilters{
			State: input.State,
			Page:  input.Page,
			Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderListResponse `json:"body"`
		}{Body: OrderListResponse{Items: nonNilSlice(items), Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		o, err := e.Repo.GetOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-payment",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/payment",
		Summary:     "Record order payment",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string         `path:"order_id"`
		ActorID string         `header:"X-Actor-Id"`
		Body    PaymentRequest `json:"body"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		memberName := ""
		if input.Body.MemberName != nil {
			memberName = *input.Body.MemberName
		}
		o, result, err := e.RecordPayment(ctx, engine.PaymentOptions{
			OrderID:       input.OrderID,
			PaymentStatus: input.Body.PaymentStatus,
			MemberName:    memberName,
			ActorID:       actor(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: PaymentResponse{Order: o, Result: result}}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorID string            `header:"X-Actor-Id"`
		Body    CreateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		t := domain.Team{
			TeamName:     input.Body.TeamName,
			MemberEmails: input.Body.MemberEmails,
			Capacity:     input.Body.Capacity,
		}
		if input.Body.ID != nil {
			t.ID = *input.Body.ID
		}
		if input.Body.TeamLeader != nil {
			t.TeamLeader = *input.Body.TeamLeader
		}
		if input.Body.NumMembers != nil {
			t.NumMembers = *input.Body.NumMembers
		}
		out, err := e.CreateTeam(ctx, t, actor(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List teams",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Team `json:"body"`
	}, error) {
		items, err := e.Repo.ListTeams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Team `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}",
		Summary:     "Get team",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		t, err := e.Repo.GetTeam(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-team",
		Method:      http.MethodPut,
		Path:        "/teams/{team_id}",
		Summary:     "Update team",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID  string            `path:"team_id"`
		ActorID string            `header:"X-Actor-Id"`
		Body    UpdateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		out, err := e.UpdateTeam(ctx, engine.TeamUpdateOptions{
			ID:           input.TeamID,
			TeamName:     input.Body.TeamName,
			TeamLeader:   input.Body.TeamLeader,
			MemberEmails: input.Body.MemberEmails,
			Capacity:     input.Body.Capacity,
			NumMembers:   input.Body.NumMembers,
			ActorID:      actor(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-team",
		Method:        http.MethodDelete,
		Path:          "/teams/{team_id}",
		Summary:       "Delete team",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TeamID  string `path:"team_id"`
		ActorID string `header:"X-Actor-Id"`
	}) (*struct{}, error) {
		if err := e.DeleteTeam(ctx, input.TeamID, actor(input.ActorID)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAllocations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-allocation",
		Method:      http.MethodPost,
		Path:        "/allocations/run",
		Summary:     "Run an allocation pass for a date",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorID string               `header:"X-Actor-Id"`
		Body    RunAllocationRequest `json:"body"`
	}) (*struct {
		Body RunAllocationResponse `json:"body"`
	}, error) {
		opts := engine.AllocateOptions{Date: input.Body.Date, ActorID: actor(input.ActorID)}
		for _, q := range input.Body.Quotas {
			entry := engine.QuotaEntry{TeamID: q.TeamID, RequestedOrders: q.RequestedOrders}
			if q.PaymentAmount != nil {
				entry.PaymentAmount = *q.PaymentAmount
			}
			opts.Quotas = append(opts.Quotas, entry)
		}
		res, err := e.AllocateOrders(ctx, opts)
		if errors.Is(err, engine.ErrNothingToAllocate) {
			body := runAllocationResponse(res)
			body.Message = "nothing to allocate"
			return &struct {
				Body RunAllocationResponse `json:"body"`
			}{Body: body}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunAllocationResponse `json:"body"`
		}{Body: runAllocationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-allocations",
		Method:      http.MethodGet,
		Path:        "/allocations",
		Summary:     "List allocation batches",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TeamID  string `query:"team_id"`
		Pending bool   `query:"pending"`
		From    string `query:"from" format:"date"`
		To      string `query:"to" format:"date"`
		Status  string `query:"status" enum:"Allocated,Success,Pending,Unsuccessful,"`
	}) (*struct {
		Body []domain.Allocation `json:"body"`
	}, error) {
		items, err := e.ListAllocations(ctx, repo.AllocationFilters{
			TeamID:      input.TeamID,
			PendingOnly: input.Pending,
			FromDate:    input.From,
			ToDate:      input.To,
			Status:      input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Allocation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allocation-history",
		Method:      http.MethodGet,
		Path:        "/allocations/history",
		Summary:     "Per-order allocation history",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TeamID string `query:"team_id"`
		From   string `query:"from" format:"date"`
		To     string `query:"to" format:"date"`
	}) (*struct {
		Body []engine.HistoryRow `json:"body"`
	}, error) {
		rows, err := e.AllocationHistory(ctx, repo.AllocationFilters{
			TeamID:   input.TeamID,
			FromDate: input.From,
			ToDate:   input.To,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.HistoryRow `json:"body"`
		}{Body: nonNilSlice(rows)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-allocation",
		Method:      http.MethodDelete,
		Path:        "/allocations/{team_id}",
		Summary:     "Roll back a team's allocation for a date",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID  string `path:"team_id"`
		Date    string `query:"date" required:"true" format:"date"`
		ActorID string `header:"X-Actor-Id"`
	}) (*struct {
		Body engine.UnallocateResult `json:"body"`
	}, error) {
		res, err := e.Unallocate(ctx, input.TeamID, input.Date, actor(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.UnallocateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-allocations",
		Method:      http.MethodPost,
		Path:        "/allocations/sweep",
		Summary:     "Mark stale batches from other dates as Unsuccessful",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID string       `header:"X-Actor-Id"`
		Body    SweepRequest `json:"body"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		n, err := e.MarkStaleAllocations(ctx, input.Body.Date, actor(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Marked: n}}, nil
	})
}

func registerLeadAllocations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-leads",
		Method:        http.MethodPost,
		Path:          "/lead-allocations",
		Summary:       "Assign leads to team members",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string            `header:"X-Actor-Id"`
		Body    LeadAssignRequest `json:"body"`
	}) (*struct {
		Body []domain.LeadAllocation `json:"body"`
	}, error) {
		opts := engine.LeadAssignOptions{
			TeamID:  input.Body.TeamID,
			Date:    input.Body.Date,
			ActorID: actor(input.ActorID),
		}
		for _, entry := range input.Body.Entries {
			opts.Entries = append(opts.Entries, engine.LeadEntry{MemberID: entry.MemberID, LeadIDs: entry.LeadIDs})
		}
		out, err := e.SaveLeadAllocations(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LeadAllocation `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lead-allocations",
		Method:      http.MethodGet,
		Path:        "/lead-allocations",
		Summary:     "List lead allocations",
	}, func(ctx context.Context, input *struct {
		TeamID string `query:"team_id"`
		Date   string `query:"date" format:"date"`
	}) (*struct {
		Body []domain.LeadAllocation `json:"body"`
	}, error) {
		items, err := e.Repo.ListLeadAllocations(ctx, input.TeamID, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LeadAllocation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-results",
		Method:      http.MethodGet,
		Path:        "/results",
		Summary:     "List profit results",
	}, func(ctx context.Context, input *struct {
		TeamID string `query:"team_id"`
		From   string `query:"from" format:"date"`
		To     string `query:"to" format:"date"`
	}) (*struct {
		Body []domain.Result `json:"body"`
	}, error) {
		items, err := e.Repo.ListResults(ctx, repo.ResultFilters{
			TeamID:   input.TeamID,
			FromDate: input.From,
			ToDate:   input.To,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Result `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			out = append(out, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
