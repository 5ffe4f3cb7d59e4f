// Package graduation tracks how much autonomy each action type has earned in
// a project. Clean approvals lengthen a streak that advances the tier; a
// cancellation or a recent reversal resets it and demotes.
package graduation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/repo"
)

type Tracker struct {
	Repo   repo.GraduationStates
	Config config.GraduationConfig
	// DefaultHoldMinutes is the hold of every action while no levels are
	// configured.
	DefaultHoldMinutes int
	Logger             *slog.Logger
	Now                func() time.Time
}

func New(states repo.GraduationStates, cfg config.GraduationConfig) Tracker {
	return Tracker{Repo: states, Config: cfg, Now: time.Now}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// MaxTier is the highest configured tier.
func (t Tracker) MaxTier() int {
	if len(t.Config.Levels) == 0 {
		return 0
	}
	return len(t.Config.Levels) - 1
}

func (t Tracker) clamp(tier int) int {
	if tier < 0 {
		return 0
	}
	if m := t.MaxTier(); tier > m {
		return m
	}
	return tier
}

// earned returns the highest tier whose streak requirement streak meets.
func (t Tracker) earned(streak int) int {
	tier := 0
	for _, lvl := range t.Config.Levels {
		if streak >= lvl.MinStreak {
			tier = lvl.Tier
		}
	}
	return tier
}

func (t Tracker) holdFor(tier int) int {
	if len(t.Config.Levels) == 0 {
		return t.DefaultHoldMinutes
	}
	return t.Config.Levels[t.clamp(tier)].HoldMinutes
}

func (t Tracker) demote(st *domain.GraduationState) {
	step := t.Config.DemotionStep
	if step < 1 {
		step = 1
	}
	st.ConsecutiveApprovals = 0
	st.Tier = t.clamp(st.Tier - step)
}

// State returns the stored state, or the tier 0 state for a type seen for the
// first time.
func (t Tracker) State(ctx context.Context, projectID string, actionType domain.ActionType) (domain.GraduationState, error) {
	st, err := t.Repo.Get(ctx, projectID, actionType)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.GraduationState{ProjectID: projectID, ActionType: actionType}, nil
	}
	if err != nil {
		return domain.GraduationState{}, fmt.Errorf("load graduation %s/%s: %w", projectID, actionType, err)
	}
	st.Tier = t.clamp(st.Tier)
	return st, nil
}

// RecordApproval counts one clean approved-and-executed action.
func (t Tracker) RecordApproval(ctx context.Context, projectID string, actionType domain.ActionType) (domain.GraduationState, error) {
	var from int
	st, err := t.Repo.Update(ctx, projectID, actionType, func(st *domain.GraduationState) error {
		now := t.now().UTC()
		from = st.Tier
		st.ConsecutiveApprovals++
		st.TotalApprovals++
		st.LastApprovalAt = &now
		if earned := t.earned(st.ConsecutiveApprovals); earned > st.Tier {
			st.Tier = earned
		}
		st.Tier = t.clamp(st.Tier)
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.GraduationState{}, fmt.Errorf("record approval %s/%s: %w", projectID, actionType, err)
	}
	if st.Tier > from {
		t.logger().Info("action type graduated", "project", projectID, "action_type", string(actionType),
			"tier", st.Tier, "streak", st.ConsecutiveApprovals)
	}
	return st, nil
}

// RecordCancellation resets the streak and demotes the tier.
func (t Tracker) RecordCancellation(ctx context.Context, projectID string, actionType domain.ActionType) (domain.GraduationState, error) {
	st, err := t.Repo.Update(ctx, projectID, actionType, func(st *domain.GraduationState) error {
		now := t.now().UTC()
		t.demote(st)
		st.TotalCancellations++
		st.LastCancellationAt = &now
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.GraduationState{}, fmt.Errorf("record cancellation %s/%s: %w", projectID, actionType, err)
	}
	return st, nil
}

// RecordReversal handles a human undoing an executed action. Only actions
// executed inside the reversal window count; applied reports whether the
// state changed.
func (t Tracker) RecordReversal(ctx context.Context, projectID string, actionType domain.ActionType, executedAt time.Time) (st domain.GraduationState, applied bool, err error) {
	window := time.Duration(t.Config.ReversalWindowDays) * 24 * time.Hour
	if t.now().Sub(executedAt) > window {
		st, err = t.State(ctx, projectID, actionType)
		return st, false, err
	}
	st, err = t.Repo.Update(ctx, projectID, actionType, func(st *domain.GraduationState) error {
		now := t.now().UTC()
		t.demote(st)
		st.LastReversalAt = &now
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.GraduationState{}, false, fmt.Errorf("record reversal %s/%s: %w", projectID, actionType, err)
	}
	return st, true, nil
}

// HoldMinutesFor is the hold a newly queued action of actionType receives.
// Evidence reports the same value with the tier it came from.
func (t Tracker) HoldMinutesFor(ctx context.Context, projectID string, actionType domain.ActionType) (int, error) {
	st, err := t.State(ctx, projectID, actionType)
	if err != nil {
		return 0, err
	}
	return t.holdFor(st.Tier), nil
}

func (t Tracker) Evidence(ctx context.Context, projectID string, actionType domain.ActionType) (domain.GraduationEvidence, error) {
	st, err := t.State(ctx, projectID, actionType)
	if err != nil {
		return domain.GraduationEvidence{}, err
	}
	ev := domain.GraduationEvidence{
		ActionType:           actionType,
		Tier:                 st.Tier,
		MaxTier:              t.MaxTier(),
		ConsecutiveApprovals: st.ConsecutiveApprovals,
		HoldMinutes:          t.holdFor(st.Tier),
	}
	// Fully graduated means the top tier is reached and it carries no hold.
	ev.Graduated = st.Tier == t.MaxTier() && t.MaxTier() > 0 && ev.HoldMinutes == 0
	if st.Tier < t.MaxTier() {
		next := t.Config.Levels[st.Tier+1].MinStreak
		ev.NextTierAt = &next
	}
	return ev, nil
}
