package server

import (
	"encoding/json"
	"time"

	"steward/internal/breaker"
	"steward/internal/budget"
	"steward/internal/domain"
)

// Request payloads

type QueueActionRequest struct {
	ActionType string          `json:"action_type" enum:"email_stakeholder,jira_status_change"`
	Payload    json.RawMessage `json:"payload"`
	// HoldMinutes overrides the graduation hold.
	HoldMinutes *int `json:"hold_minutes,omitempty" minimum:"0"`
}

type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RecordSpendRequest struct {
	AmountUSD float64 `json:"amount_usd" minimum:"0"`
}

// Responses

type ActionResponse struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	ActionType     string          `json:"action_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status" enum:"pending,approved,executing,executed,cancelled"`
	HeldUntil      time.Time       `json:"held_until"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	DecidedBy      *string         `json:"decided_by,omitempty"`
	DecisionReason *string         `json:"decision_reason,omitempty"`
	Result         *string         `json:"result,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	ReversedAt     *time.Time      `json:"reversed_at,omitempty"`
	ReversedBy     *string         `json:"reversed_by,omitempty"`
}

type QueueActionResponse struct {
	Action   ActionResponse            `json:"action"`
	Evidence domain.GraduationEvidence `json:"evidence"`
}

type ActionListResponse struct {
	Items []ActionResponse `json:"items"`
}

type BudgetResponse struct {
	Status    domain.BudgetStatus `json:"status"`
	Directive budget.Directive    `json:"directive"`
}

type BreakerListResponse struct {
	Items []breaker.Snapshot `json:"items"`
}

type SweepResponse struct {
	Due      int      `json:"due"`
	Executed []string `json:"executed"`
	Lost     int      `json:"lost"`
	Deferred int      `json:"deferred"`
	Failed   []string `json:"failed"`
}

func actionResponse(a domain.HeldAction) ActionResponse {
	payload := json.RawMessage("null")
	if a.Payload != nil {
		if data, err := json.Marshal(a.Payload); err == nil {
			payload = data
		}
	}
	return ActionResponse{
		ID:             a.ID,
		ProjectID:      a.ProjectID,
		ActionType:     string(a.ActionType),
		Payload:        payload,
		Status:         string(a.Status),
		HeldUntil:      a.HeldUntil,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		ClaimedAt:      a.ClaimedAt,
		ExecutedAt:     a.ExecutedAt,
		DecidedBy:      a.DecidedBy,
		DecisionReason: a.DecisionReason,
		Result:         a.Result,
		LastError:      a.LastError,
		ReversedAt:     a.ReversedAt,
		ReversedBy:     a.ReversedBy,
	}
}

func mapActions(items []domain.HeldAction) []ActionResponse {
	res := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actionResponse(a))
	}
	return res
}
