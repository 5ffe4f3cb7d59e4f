// Package budget tracks reasoning spend against daily and monthly ceilings and
// derives the degradation tier callers use to cheapen or suspend work.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/metrics"
	"steward/internal/repo"
)

const (
	ReasonMonthlyLimit = "monthly budget exhausted"
	ReasonDailyCeiling = "daily hard ceiling reached"
)

var ErrInvalidAmount = errors.New("spend amount must be a finite, non-negative number")

type Ledger struct {
	Repo     repo.BudgetStatuses
	Events   events.Writer
	Config   config.BudgetConfig
	Location *time.Location
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(r repo.Repo, cfg config.BudgetConfig, loc *time.Location) Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return Ledger{
		Repo:     r.Budget,
		Events:   events.Writer{Repo: r.Events},
		Config:   cfg,
		Location: loc,
		Now:      time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Ledger) keys(t time.Time) (day, month string) {
	loc := l.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return local.Format("2006-01-02"), local.Format("2006-01")
}

// Tier maps daily spend to a degradation tier. blocked is set at or above the
// hard ceiling, where the tier stays 3.
func (l Ledger) Tier(dailySpend float64) (tier int, blocked bool) {
	c := l.Config
	switch {
	case dailySpend >= c.HardCeilingDailyUSD:
		return 3, true
	case dailySpend >= c.Tier3DailyUSD:
		return 3, false
	case dailySpend >= c.Tier2DailyUSD:
		return 2, false
	case dailySpend >= c.DailyLimitUSD:
		return 1, false
	default:
		return 0, false
	}
}

// rollover applies any pending day or month reset to st and refreshes the
// configured limits. It reports whether st changed.
func (l Ledger) rollover(st *domain.BudgetStatus, now time.Time) bool {
	day, month := l.keys(now)
	changed := false
	if st.MonthKey != month {
		st.MonthlySpendUSD = 0
		st.MonthKey = month
		changed = true
	}
	if st.DayKey != day {
		st.DailySpendUSD = 0
		st.DegradationTier = 0
		st.Blocked = false
		st.DayKey = day
		changed = true
	}
	st.DailyLimitUSD = l.Config.DailyLimitUSD
	st.MonthlyLimitUSD = l.Config.MonthlyLimitUSD
	return changed
}

// Status returns the current budget with any day or month rollover applied.
// It does not write.
func (l Ledger) Status(ctx context.Context) (domain.BudgetStatus, error) {
	st, _, err := l.Repo.Get(ctx)
	if err != nil {
		return domain.BudgetStatus{}, fmt.Errorf("load budget: %w", err)
	}
	now := l.now()
	if l.rollover(&st, now) {
		st.UpdatedAt = now.UTC()
	}
	return st, nil
}

// RecordSpend adds amountUSD to both windows in one atomic update and
// recomputes the degradation tier.
func (l Ledger) RecordSpend(ctx context.Context, amountUSD float64) (domain.BudgetStatus, error) {
	if amountUSD < 0 || math.IsNaN(amountUSD) || math.IsInf(amountUSD, 0) {
		return domain.BudgetStatus{}, ErrInvalidAmount
	}
	var fromTier int
	var wasBlocked bool
	st, err := l.Repo.Update(ctx, func(st *domain.BudgetStatus, _ bool) error {
		now := l.now()
		l.rollover(st, now)
		fromTier, wasBlocked = st.DegradationTier, st.Blocked
		st.DailySpendUSD = roundMicros(st.DailySpendUSD + amountUSD)
		st.MonthlySpendUSD = roundMicros(st.MonthlySpendUSD + amountUSD)
		st.DegradationTier, st.Blocked = l.Tier(st.DailySpendUSD)
		st.UpdatedAt = now.UTC()
		return nil
	})
	if err != nil {
		return domain.BudgetStatus{}, fmt.Errorf("record spend: %w", err)
	}
	l.Metrics.SetBudget(st.DailySpendUSD, st.MonthlySpendUSD, st.DegradationTier, st.Blocked)
	if st.DegradationTier != fromTier || st.Blocked != wasBlocked {
		l.logger().Warn("budget degradation tier changed",
			"from", fromTier, "to", st.DegradationTier, "blocked", st.Blocked,
			"daily_spend_usd", st.DailySpendUSD, "day", st.DayKey)
		if err := l.Events.Append(ctx, events.BudgetTierChanged, "", "budget", st.DayKey, "budget", events.EventPayload{
			"from":            fromTier,
			"to":              st.DegradationTier,
			"blocked":         st.Blocked,
			"daily_spend_usd": st.DailySpendUSD,
		}); err != nil {
			l.logger().Warn("budget event not recorded", "error", err)
		}
	}
	return st, nil
}

// CanMakeLLMCall is a read-only guard. The monthly ceiling is checked before
// the daily hard ceiling and wins regardless of tier.
func (l Ledger) CanMakeLLMCall(ctx context.Context) (domain.SpendDecision, error) {
	st, err := l.Status(ctx)
	if err != nil {
		return domain.SpendDecision{}, err
	}
	if st.MonthlySpendUSD >= l.Config.MonthlyLimitUSD {
		return domain.SpendDecision{Allowed: false, Reason: ReasonMonthlyLimit}, nil
	}
	if st.DailySpendUSD >= l.Config.HardCeilingDailyUSD {
		return domain.SpendDecision{Allowed: false, Reason: ReasonDailyCeiling}, nil
	}
	return domain.SpendDecision{Allowed: true}, nil
}

// Directive tells reasoning callers how to behave at a degradation tier.
type Directive struct {
	Tier                int  `json:"tier"`
	CheapPercent        int  `json:"cheap_percent"`
	StrongPercent       int  `json:"strong_percent"`
	PollIntervalFactor  int  `json:"poll_interval_factor"`
	AutonomousExecution bool `json:"autonomous_execution"`
}

// DirectiveFor returns the configured routing split for tier. Once blocked,
// callers are limited to monitoring.
func (l Ledger) DirectiveFor(tier int, blocked bool) Directive {
	d := Directive{Tier: tier, CheapPercent: 100, PollIntervalFactor: 1, AutonomousExecution: !blocked}
	for _, r := range l.Config.Routing {
		if r.Tier == tier {
			d.CheapPercent, d.StrongPercent, d.PollIntervalFactor = r.CheapPercent, r.StrongPercent, r.PollIntervalFactor
			break
		}
	}
	return d
}

// roundMicros keeps accumulated spend on whole micro-dollars so threshold
// comparisons are exact after many small additions.
func roundMicros(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
