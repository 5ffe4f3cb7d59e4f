package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"steward/internal/app"
	"steward/internal/breaker"
	"steward/internal/domain"
	"steward/internal/queue"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type actionPath struct {
	ProjectID string `path:"project_id"`
	ActionID  string `path:"action_id"`
}

// decisionInput carries an optional reason for a cancel or reverse.
type decisionInput struct {
	ProjectID string           `path:"project_id"`
	ActionID  string           `path:"action_id"`
	Body      *DecisionRequest `required:"false"`
}

func (in *decisionInput) reason() string {
	if in.Body == nil {
		return ""
	}
	return in.Body.Reason
}

type actionOutput struct {
	Body ActionResponse
}

type actionListOutput struct {
	Body ActionListResponse
}

type budgetOutput struct {
	Body BudgetResponse
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBudget(api huma.API, a *app.App) {
	budgetBody := func(st domain.BudgetStatus) *budgetOutput {
		return &budgetOutput{Body: BudgetResponse{
			Status:    st,
			Directive: a.Ledger.DirectiveFor(st.DegradationTier, st.Blocked),
		}}
	}

	huma.Register(api, huma.Operation{
		OperationID: "getBudget",
		Method:      http.MethodGet,
		Path:        "/budget",
		Summary:     "Current spend, degradation tier and routing directive",
	}, func(ctx context.Context, _ *struct{}) (*budgetOutput, error) {
		st, err := a.Ledger.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return budgetBody(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recordSpend",
		Method:      http.MethodPost,
		Path:        "/budget/spend",
		Summary:     "Record the cost of one reasoning call",
	}, func(ctx context.Context, input *struct {
		Body RecordSpendRequest
	}) (*budgetOutput, error) {
		st, err := a.Ledger.RecordSpend(ctx, input.Body.AmountUSD)
		if err != nil {
			return nil, handleError(err)
		}
		return budgetBody(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "canMakeLLMCall",
		Method:      http.MethodGet,
		Path:        "/budget/can-call",
		Summary:     "Whether another reasoning call is allowed",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SpendDecision
	}, error) {
		d, err := a.Ledger.CanMakeLLMCall(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SpendDecision
		}{Body: d}, nil
	})
}

// settledOrMissing turns a nil transition result into 404 or 409.
func settledOrMissing(ctx context.Context, a *app.App, projectID, actionID, op string) error {
	if _, err := a.Queue.Get(ctx, projectID, actionID); err != nil {
		return handleError(err)
	}
	return settledError(projectID, actionID, op)
}

func registerActions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "queueAction",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/actions",
		Summary:       "Queue a held action",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      QueueActionRequest
	}) (*struct {
		Body QueueActionResponse
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t := domain.ActionType(input.Body.ActionType)
		payload, err := domain.DecodePayload(t, input.Body.Payload)
		if err != nil {
			return nil, handleError(fmt.Errorf("%w: %w", queue.ErrInvalidAction, err))
		}
		res, err := a.Queue.QueueAction(ctx, queue.QueueRequest{
			ProjectID:   input.ProjectID,
			ActionType:  t,
			Payload:     payload,
			HoldMinutes: input.Body.HoldMinutes,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueActionResponse
		}{Body: QueueActionResponse{Action: actionResponse(res.Action), Evidence: res.Evidence}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listProjectActions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/actions",
		Summary:     "List a project's actions, oldest first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"pending,approved,executing,executed,cancelled"`
	}) (*actionListOutput, error) {
		items, err := a.Queue.ListProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Status != "" {
			filtered := items[:0]
			for _, it := range items {
				if string(it.Status) == input.Status {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}
		return &actionListOutput{Body: ActionListResponse{Items: mapActions(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getAction",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/actions/{action_id}",
		Summary:     "Get a held action",
	}, func(ctx context.Context, input *actionPath) (*actionOutput, error) {
		got, err := a.Queue.Get(ctx, input.ProjectID, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &actionOutput{Body: actionResponse(got)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approveAction",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/actions/{action_id}/approve",
		Summary:     "Approve and execute a held action now",
	}, func(ctx context.Context, input *actionPath) (*actionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		got, err := a.Queue.ApproveAction(ctx, input.ProjectID, input.ActionID, a.Executor, actorID)
		if got != nil {
			if err != nil {
				a.Logger.Warn("executed action not credited to graduation", "action_id", got.ID, "error", err)
			}
			return &actionOutput{Body: actionResponse(*got)}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return nil, settledOrMissing(ctx, a, input.ProjectID, input.ActionID, "approved")
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancelAction",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/actions/{action_id}/cancel",
		Summary:     "Cancel a pending or approved action",
	}, func(ctx context.Context, input *decisionInput) (*actionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		got, err := a.Queue.CancelAction(ctx, input.ProjectID, input.ActionID, input.reason(), actorID)
		if got != nil {
			if err != nil {
				a.Logger.Warn("cancellation not recorded by graduation", "action_id", got.ID, "error", err)
			}
			return &actionOutput{Body: actionResponse(*got)}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return nil, settledOrMissing(ctx, a, input.ProjectID, input.ActionID, "cancelled")
	})

	huma.Register(api, huma.Operation{
		OperationID: "reverseAction",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/actions/{action_id}/reverse",
		Summary:     "Record that an executed action was undone",
	}, func(ctx context.Context, input *decisionInput) (*actionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		got, err := a.Queue.ReverseAction(ctx, input.ProjectID, input.ActionID, actorID, input.reason())
		if got != nil {
			if err != nil {
				a.Logger.Warn("reversal not recorded by graduation", "action_id", got.ID, "error", err)
			}
			return &actionOutput{Body: actionResponse(*got)}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return nil, settledOrMissing(ctx, a, input.ProjectID, input.ActionID, "reversed")
	})

	huma.Register(api, huma.Operation{
		OperationID: "listActionsByStatus",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions across projects by status",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" required:"true" enum:"pending,approved,executing,executed,cancelled"`
	}) (*actionListOutput, error) {
		items, err := a.Queue.ListByStatus(ctx, domain.ActionStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &actionListOutput{Body: ActionListResponse{Items: mapActions(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listStuckActions",
		Method:      http.MethodGet,
		Path:        "/actions/stuck",
		Summary:     "List actions executing longer than the threshold",
	}, func(ctx context.Context, input *struct {
		ThresholdMinutes int `query:"threshold_minutes" minimum:"0"`
	}) (*actionListOutput, error) {
		threshold := a.StuckThreshold()
		if input.ThresholdMinutes > 0 {
			threshold = time.Duration(input.ThresholdMinutes) * time.Minute
		}
		items, err := a.Queue.GetStuckExecuting(ctx, threshold)
		if err != nil {
			return nil, handleError(err)
		}
		return &actionListOutput{Body: ActionListResponse{Items: mapActions(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweepDue",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Execute every due action once",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse
	}, error) {
		res, err := a.Queue.ProcessDue(ctx, a.Executor)
		if err != nil {
			return nil, handleError(err)
		}
		out := SweepResponse{
			Due:      res.Due,
			Executed: append([]string{}, res.Executed...),
			Lost:     res.Lost,
			Deferred: res.Deferred,
			Failed:   []string{},
		}
		for _, f := range res.Failed {
			out.Failed = append(out.Failed, f.ActionID)
		}
		return &struct {
			Body SweepResponse
		}{Body: out}, nil
	})
}

func registerGraduation(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "listGraduation",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/graduation",
		Summary:     "Graduation state of every action type seen in a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body struct {
			Items []domain.GraduationState `json:"items"`
		}
	}, error) {
		items, err := a.Graduation.Repo.List(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.GraduationState `json:"items"`
			}
		}{}
		out.Body.Items = append([]domain.GraduationState{}, items...)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getGraduation",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/graduation/{action_type}",
		Summary:     "Graduation evidence for one action type",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ActionType string `path:"action_type" enum:"email_stakeholder,jira_status_change"`
	}) (*struct {
		Body domain.GraduationEvidence
	}, error) {
		ev, err := a.Graduation.Evidence(ctx, input.ProjectID, domain.ActionType(input.ActionType))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GraduationEvidence
		}{Body: ev}, nil
	})
}

func registerBreakers(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "listBreakers",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker state per executor service",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BreakerListResponse
	}, error) {
		return &struct {
			Body BreakerListResponse
		}{Body: BreakerListResponse{Items: append([]breaker.Snapshot{}, a.Breakers.Snapshots()...)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resetBreaker",
		Method:      http.MethodPost,
		Path:        "/breakers/{service}/reset",
		Summary:     "Force a breaker closed",
	}, func(ctx context.Context, input *struct {
		Service string `path:"service"`
	}) (*struct {
		Body breaker.Snapshot
	}, error) {
		b := a.Breakers.Get(input.Service)
		b.Reset()
		a.Logger.Info("breaker reset", "service", input.Service)
		return &struct {
			Body breaker.Snapshot
		}{Body: b.Snapshot()}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "listEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events in append order",
	}, func(ctx context.Context, input *struct {
		After     string `query:"after"`
		Limit     int    `query:"limit"`
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body struct {
			Items      []domain.Event `json:"items"`
			NextCursor string         `json:"next_cursor,omitempty"`
		}
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := a.Repo.Events.After(ctx, input.After, limit, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []domain.Event `json:"items"`
				NextCursor string         `json:"next_cursor,omitempty"`
			}
		}{}
		out.Body.Items = append([]domain.Event{}, items...)
		if len(items) == limit {
			out.Body.NextCursor = items[len(items)-1].ID
		}
		return out, nil
	})
}
