package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"steward/internal/domain"
	"steward/internal/events"
)

const (
	DecidedByHoldExpired = "auto:hold_expired"
	DecidedByGraduated   = "auto:graduated"
)

type SweepResult struct {
	Due      int               `json:"due"`
	Executed []string          `json:"executed"`
	Lost     int               `json:"lost"`
	Deferred int               `json:"deferred"`
	Failed   []*ExecutionError `json:"-"`
}

// due lists pending actions whose hold expired plus every approved action.
func (s Service) due(ctx context.Context) ([]domain.HeldAction, error) {
	pending, err := s.Actions.QueryByStatus(ctx, domain.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending actions: %w", err)
	}
	approved, err := s.Actions.QueryByStatus(ctx, domain.StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("query approved actions: %w", err)
	}
	now := s.now()
	out := approved
	for _, a := range pending {
		if !a.HeldUntil.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ProcessDue approves every due action through exec with bounded
// concurrency. Executor failures are collected in the result and the sweep
// goes on. A store fault stops scheduling further actions, but calls already
// started run to completion on ctx so a finished side effect is still
// settled.
func (s Service) ProcessDue(ctx context.Context, exec ActionExecutor) (SweepResult, error) {
	due, err := s.due(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Due: len(due)}
	limit := s.Config.SweepConcurrency
	if limit < 1 {
		limit = 1
	}

	var (
		mu      sync.Mutex
		faulted atomic.Bool
		g       errgroup.Group
	)
	g.SetLimit(limit)
	for _, a := range due {
		if faulted.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if faulted.Load() {
				return nil
			}
			by := DecidedByHoldExpired
			if a.Status == domain.StatusApproved {
				by = DecidedByGraduated
				if a.DecidedBy != nil {
					by = *a.DecidedBy
				}
			}
			got, err := s.ApproveAction(ctx, a.ProjectID, a.ID, exec, by)
			mu.Lock()
			defer mu.Unlock()
			var execErr *ExecutionError
			var unavailable *UnavailableError
			switch {
			case errors.As(err, &execErr):
				res.Failed = append(res.Failed, execErr)
				return nil
			case errors.As(err, &unavailable):
				res.Deferred++
				return nil
			case err != nil && got == nil:
				faulted.Store(true)
				return err
			case got == nil:
				res.Lost++
			default:
				res.Executed = append(res.Executed, got.ID)
				if err != nil {
					s.logger().Warn("executed action not credited to graduation", "action_id", got.ID, "error", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	s.logger().Info("due sweep finished", "due", res.Due, "executed", len(res.Executed),
		"lost", res.Lost, "deferred", res.Deferred, "failed", len(res.Failed))
	return res, nil
}

// ReportStuck surfaces stuck executions for escalation. It does not change
// their status.
func (s Service) ReportStuck(ctx context.Context, threshold time.Duration) ([]domain.HeldAction, error) {
	stuck, err := s.GetStuckExecuting(ctx, threshold)
	if err != nil {
		return nil, err
	}
	s.Metrics.SetStuck(len(stuck))
	now := s.now()
	for _, a := range stuck {
		age := now.Sub(*a.ClaimedAt)
		s.logger().Warn("action stuck executing", "project", a.ProjectID, "action_id", a.ID,
			"action_type", string(a.ActionType), "claimed_for", age.Round(time.Second).String(), "last_error", deref(a.LastError))
		s.event(ctx, events.ActionStuck, a, "system", events.EventPayload{
			"claimed_at":     a.ClaimedAt.Format(time.RFC3339),
			"claimed_for_ms": age.Milliseconds(),
		})
	}
	return stuck, nil
}
