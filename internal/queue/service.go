// Package queue runs the lifecycle of held actions:
//
//	pending -> approved -> executing -> executed
//	{pending, approved} -> cancelled
//
// Every transition is one conditional write on the action, so any number of
// workers may call the service concurrently without in-process locking. Losing
// a race is reported as a nil action, never as an error.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/graduation"
	"steward/internal/metrics"
	"steward/internal/repo"
)

// DefaultStuckThreshold applies when GetStuckExecuting gets no threshold.
const DefaultStuckThreshold = 5 * time.Minute

var ErrInvalidAction = errors.New("invalid action")

type Service struct {
	Actions    repo.HeldActions
	Graduation graduation.Tracker
	Events     events.Writer
	Config     config.HoldQueueConfig
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

func New(r repo.Repo, tracker graduation.Tracker, cfg config.HoldQueueConfig) Service {
	return Service{
		Actions:    r.HeldActions,
		Graduation: tracker,
		Events:     events.Writer{Repo: r.Events},
		Config:     cfg,
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// event records an audit event. The transition it describes has already
// landed, so a failed append is logged rather than returned.
func (s Service) event(ctx context.Context, typ string, a domain.HeldAction, actor string, payload events.EventPayload) {
	if actor == "" {
		actor = "system"
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["action_type"] = string(a.ActionType)
	payload["status"] = string(a.Status)
	if err := s.Events.Append(ctx, typ, a.ProjectID, "held_action", a.ID, actor, payload); err != nil {
		s.logger().Warn("audit event not recorded", "event", typ, "action_id", a.ID, "error", err)
	}
}

type QueueRequest struct {
	ProjectID  string
	ActionType domain.ActionType
	Payload    domain.Payload
	// HoldMinutes overrides the graduation hold when set.
	HoldMinutes *int
	ActorID     string
}

type QueueResult struct {
	Action   domain.HeldAction         `json:"action"`
	Evidence domain.GraduationEvidence `json:"evidence"`
}

func (r QueueRequest) validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidAction)
	}
	if !r.ActionType.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidAction, &domain.UnknownActionTypeError{ActionType: r.ActionType})
	}
	if r.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidAction)
	}
	if r.Payload.Type() != r.ActionType {
		return fmt.Errorf("%w: payload is for %s, not %s", ErrInvalidAction, r.Payload.Type(), r.ActionType)
	}
	if err := r.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	if r.HoldMinutes != nil && *r.HoldMinutes < 0 {
		return fmt.Errorf("%w: hold minutes must not be negative", ErrInvalidAction)
	}
	return nil
}

// QueueAction creates a new held action. A fully graduated type is created
// approved and due immediately; anything else waits pending until heldUntil.
// Every call creates a new action.
func (s Service) QueueAction(ctx context.Context, req QueueRequest) (QueueResult, error) {
	if err := req.validate(); err != nil {
		return QueueResult{}, err
	}
	ev, err := s.Graduation.Evidence(ctx, req.ProjectID, req.ActionType)
	if err != nil {
		return QueueResult{}, err
	}
	now := s.now()
	a := domain.HeldAction{
		ID:         s.newID(),
		ProjectID:  req.ProjectID,
		ActionType: req.ActionType,
		Payload:    req.Payload,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ev.Graduated {
		a.Status = domain.StatusApproved
		a.HeldUntil = now
		by := DecidedByGraduated
		a.DecidedBy = &by
	} else {
		hold := ev.HoldMinutes
		if req.HoldMinutes != nil {
			hold = *req.HoldMinutes
		}
		a.HeldUntil = now.Add(time.Duration(hold) * time.Minute)
	}
	if err := s.Actions.Create(ctx, a); err != nil {
		return QueueResult{}, fmt.Errorf("queue action: %w", err)
	}
	s.Metrics.ActionOutcome(string(a.ActionType), "queued")
	s.event(ctx, events.ActionQueued, a, req.ActorID, events.EventPayload{
		"held_until": a.HeldUntil.Format(time.RFC3339),
		"tier":       ev.Tier,
		"graduated":  ev.Graduated,
	})
	return QueueResult{Action: a, Evidence: ev}, nil
}

// ClaimForExecution moves a pending or approved action to executing and
// stamps claimedAt. It returns nil when the action is missing or already
// past those states.
func (s Service) ClaimForExecution(ctx context.Context, projectID, actionID string) (*domain.HeldAction, error) {
	a, err := s.Actions.ConditionalUpdate(ctx, projectID, actionID, func(a *domain.HeldAction) error {
		now := s.now()
		a.Status = domain.StatusExecuting
		a.ClaimedAt = &now
		a.UpdatedAt = now
		return nil
	}, repo.StatusIn(domain.ClaimableStatuses...))
	if errors.Is(err, repo.ErrPreconditionFailed) {
		s.Metrics.Contention("claim")
		s.logger().Debug("claim lost", "project", projectID, "action_id", actionID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim action %s: %w", actionID, err)
	}
	return &a, nil
}

// ApproveAction claims the action and runs it through exec exactly once.
//
// A nil action with a nil error means another caller already settled it.
// When exec implements Preflighter, admission is decided before the claim. A
// refusal returns *UnavailableError and the action keeps its status; an
// admitted call is not refused again once claimed. An executor failure is
// returned as *ExecutionError and leaves the action executing, with the
// failure recorded in lastError, for the stuck sweep to surface. When the
// side effect happened the returned action is non-nil, even if recording
// graduation progress afterwards failed.
func (s Service) ApproveAction(ctx context.Context, projectID, actionID string, exec ActionExecutor, approvedBy string) (*domain.HeldAction, error) {
	run := exec
	if pf, ok := exec.(Preflighter); ok {
		current, err := s.Actions.Get(ctx, projectID, actionID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load action %s: %w", actionID, err)
		}
		if !current.Status.Claimable() {
			s.Metrics.Contention("claim")
			return nil, nil
		}
		adm, err := pf.Preflight(current.ActionType)
		if err != nil {
			return nil, &UnavailableError{ActionType: current.ActionType, Err: err}
		}
		defer adm.Release()
		run = adm
	}
	claimed, err := s.ClaimForExecution(ctx, projectID, actionID)
	if err != nil || claimed == nil {
		return nil, err
	}
	s.event(ctx, events.ActionClaimed, *claimed, approvedBy, nil)

	start := time.Now()
	result, execErr := execute(ctx, run, *claimed)
	s.Metrics.ObserveExecutor(string(claimed.ActionType), time.Since(start), execErr)
	if execErr != nil {
		return nil, s.recordFailure(ctx, *claimed, approvedBy, execErr)
	}

	executed, err := s.Actions.ConditionalUpdate(ctx, projectID, actionID, func(a *domain.HeldAction) error {
		now := s.now()
		a.Status = domain.StatusExecuted
		a.ExecutedAt = &now
		a.UpdatedAt = now
		a.Result = result
		a.LastError = nil
		if approvedBy != "" {
			a.DecidedBy = &approvedBy
		}
		return nil
	}, repo.StatusIn(domain.StatusExecuting))
	if err != nil {
		return nil, fmt.Errorf("settle executed action %s: %w", actionID, err)
	}
	s.Metrics.ActionOutcome(string(executed.ActionType), "executed")
	s.event(ctx, events.ActionExecuted, executed, approvedBy, events.EventPayload{"result": deref(result)})

	if _, err := s.Graduation.RecordApproval(ctx, projectID, executed.ActionType); err != nil {
		return &executed, err
	}
	return &executed, nil
}

func (s Service) recordFailure(ctx context.Context, a domain.HeldAction, approvedBy string, execErr error) error {
	s.Metrics.ActionOutcome(string(a.ActionType), "execution_failed")
	s.logger().Error("action execution failed; left executing",
		"project", a.ProjectID, "action_id", a.ID, "action_type", string(a.ActionType), "error", execErr)
	msg := execErr.Error()
	updated, err := s.Actions.ConditionalUpdate(ctx, a.ProjectID, a.ID, func(cur *domain.HeldAction) error {
		cur.LastError = &msg
		cur.UpdatedAt = s.now()
		if approvedBy != "" {
			cur.DecidedBy = &approvedBy
		}
		return nil
	}, repo.StatusIn(domain.StatusExecuting))
	if err != nil {
		s.logger().Warn("execution failure not recorded on action", "action_id", a.ID, "error", err)
		updated = a
	}
	s.event(ctx, events.ActionExecutionFailed, updated, approvedBy, events.EventPayload{"error": msg})
	return &ExecutionError{ProjectID: a.ProjectID, ActionID: a.ID, ActionType: a.ActionType, Err: execErr}
}

// CancelAction moves a pending or approved action to cancelled. It returns
// nil when the action is missing or already settled.
func (s Service) CancelAction(ctx context.Context, projectID, actionID, reason, decidedBy string) (*domain.HeldAction, error) {
	a, err := s.Actions.ConditionalUpdate(ctx, projectID, actionID, func(a *domain.HeldAction) error {
		a.Status = domain.StatusCancelled
		a.UpdatedAt = s.now()
		if reason != "" {
			a.DecisionReason = &reason
		}
		if decidedBy != "" {
			a.DecidedBy = &decidedBy
		}
		return nil
	}, repo.StatusIn(domain.ClaimableStatuses...))
	if errors.Is(err, repo.ErrPreconditionFailed) {
		s.Metrics.Contention("cancel")
		s.logger().Debug("cancel lost", "project", projectID, "action_id", actionID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cancel action %s: %w", actionID, err)
	}
	s.Metrics.ActionOutcome(string(a.ActionType), "cancelled")
	s.event(ctx, events.ActionCancelled, a, decidedBy, events.EventPayload{"reason": reason})
	if _, err := s.Graduation.RecordCancellation(ctx, projectID, a.ActionType); err != nil {
		return &a, err
	}
	return &a, nil
}

// ReverseAction records that a human undid an executed action. The status
// stays executed. It returns nil for actions that are not executed or were
// already reversed.
func (s Service) ReverseAction(ctx context.Context, projectID, actionID, reversedBy, reason string) (*domain.HeldAction, error) {
	a, err := s.Actions.ConditionalUpdate(ctx, projectID, actionID, func(a *domain.HeldAction) error {
		now := s.now()
		a.ReversedAt = &now
		a.UpdatedAt = now
		if reversedBy != "" {
			a.ReversedBy = &reversedBy
		}
		return nil
	}, func(a domain.HeldAction) bool {
		return a.Status == domain.StatusExecuted && a.ReversedAt == nil
	})
	if errors.Is(err, repo.ErrPreconditionFailed) {
		s.Metrics.Contention("reverse")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reverse action %s: %w", actionID, err)
	}
	executedAt := a.UpdatedAt
	if a.ExecutedAt != nil {
		executedAt = *a.ExecutedAt
	}
	_, demoted, err := s.Graduation.RecordReversal(ctx, projectID, a.ActionType, executedAt)
	s.Metrics.ActionOutcome(string(a.ActionType), "reversed")
	s.event(ctx, events.ActionReversed, a, reversedBy, events.EventPayload{"reason": reason, "demoted": demoted})
	if err != nil {
		return &a, err
	}
	return &a, nil
}

// GetStuckExecuting lists executing actions claimed at least threshold ago.
// Actions without claimedAt are skipped. A threshold <= 0 means
// DefaultStuckThreshold.
func (s Service) GetStuckExecuting(ctx context.Context, threshold time.Duration) ([]domain.HeldAction, error) {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	executing, err := s.Actions.QueryByStatus(ctx, domain.StatusExecuting)
	if err != nil {
		return nil, fmt.Errorf("query executing actions: %w", err)
	}
	now := s.now()
	var stuck []domain.HeldAction
	for _, a := range executing {
		if a.ClaimedAt == nil {
			continue
		}
		if now.Sub(*a.ClaimedAt) >= threshold {
			stuck = append(stuck, a)
		}
	}
	return stuck, nil
}

func (s Service) Get(ctx context.Context, projectID, actionID string) (domain.HeldAction, error) {
	return s.Actions.Get(ctx, projectID, actionID)
}

// ListByStatus lists actions across projects, oldest first.
func (s Service) ListByStatus(ctx context.Context, status domain.ActionStatus) ([]domain.HeldAction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidAction, status)
	}
	return s.Actions.QueryByStatus(ctx, status)
}

func (s Service) ListProject(ctx context.Context, projectID string) ([]domain.HeldAction, error) {
	return s.Actions.ListProject(ctx, projectID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
