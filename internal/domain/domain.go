package domain

import "time"

type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusApproved  ActionStatus = "approved"
	StatusExecuting ActionStatus = "executing"
	StatusExecuted  ActionStatus = "executed"
	StatusCancelled ActionStatus = "cancelled"
)

// Statuses lists every action status in lifecycle order.
var Statuses = []ActionStatus{StatusPending, StatusApproved, StatusExecuting, StatusExecuted, StatusCancelled}

// ClaimableStatuses are the statuses from which an action may be claimed or cancelled.
var ClaimableStatuses = []ActionStatus{StatusPending, StatusApproved}

func (s ActionStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s ActionStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

func (s ActionStatus) Claimable() bool {
	return s == StatusPending || s == StatusApproved
}

// HeldAction is a proposed side effect awaiting a timer or a human decision.
type HeldAction struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"project_id"`
	ActionType     ActionType   `json:"action_type"`
	Payload        Payload      `json:"payload"`
	Status         ActionStatus `json:"status"`
	HeldUntil      time.Time    `json:"held_until"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	ExecutedAt     *time.Time   `json:"executed_at,omitempty"`
	DecidedBy      *string      `json:"decided_by,omitempty"`
	DecisionReason *string      `json:"decision_reason,omitempty"`
	Result         *string      `json:"result,omitempty"`
	LastError      *string      `json:"last_error,omitempty"`
	ReversedAt     *time.Time   `json:"reversed_at,omitempty"`
	ReversedBy     *string      `json:"reversed_by,omitempty"`
}

// GraduationState tracks earned autonomy for one action type in one project.
type GraduationState struct {
	ProjectID            string     `json:"project_id"`
	ActionType           ActionType `json:"action_type"`
	ConsecutiveApprovals int        `json:"consecutive_approvals"`
	Tier                 int        `json:"tier"`
	TotalApprovals       int        `json:"total_approvals"`
	TotalCancellations   int        `json:"total_cancellations"`
	LastApprovalAt       *time.Time `json:"last_approval_at,omitempty"`
	LastCancellationAt   *time.Time `json:"last_cancellation_at,omitempty"`
	LastReversalAt       *time.Time `json:"last_reversal_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// GraduationEvidence is the tracker's view of an action type at queue time.
type GraduationEvidence struct {
	ActionType           ActionType `json:"action_type"`
	Tier                 int        `json:"tier"`
	MaxTier              int        `json:"max_tier"`
	ConsecutiveApprovals int        `json:"consecutive_approvals"`
	NextTierAt           *int       `json:"next_tier_at,omitempty"`
	HoldMinutes          int        `json:"hold_minutes"`
	Graduated            bool       `json:"graduated"`
}

// BudgetStatus is the singleton spend ledger of one deployment.
type BudgetStatus struct {
	DailySpendUSD   float64   `json:"daily_spend_usd"`
	DailyLimitUSD   float64   `json:"daily_limit_usd"`
	MonthlySpendUSD float64   `json:"monthly_spend_usd"`
	MonthlyLimitUSD float64   `json:"monthly_limit_usd"`
	DegradationTier int       `json:"degradation_tier" enum:"0,1,2,3"`
	Blocked         bool      `json:"blocked"`
	DayKey          string    `json:"day_key"`
	MonthKey        string    `json:"month_key"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SpendDecision answers whether another reasoning call may be made.
type SpendDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type Event struct {
	ID         string         `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}
