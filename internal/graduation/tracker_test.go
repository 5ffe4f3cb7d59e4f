package graduation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/kv"
	"steward/internal/repo"
)

const project = "apollo"

func newTestTracker(t *testing.T) (Tracker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	tr := New(repo.New(kv.NewMemory()).Graduation, config.Default().Graduation)
	tr.Now = func() time.Time { return now }
	return tr, &now
}

func approve(t *testing.T, tr Tracker, n int) domain.GraduationState {
	t.Helper()
	var st domain.GraduationState
	for i := 0; i < n; i++ {
		var err error
		st, err = tr.RecordApproval(context.Background(), project, domain.ActionEmailStakeholder)
		require.NoError(t, err)
	}
	return st
}

func TestStreakAdvancesTier(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	hold, err := tr.HoldMinutesFor(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.Equal(t, 30, hold, "unseen type starts at tier 0")

	st := approve(t, tr, 4)
	assert.Equal(t, 0, st.Tier)
	st = approve(t, tr, 1)
	assert.Equal(t, 1, st.Tier)
	assert.Equal(t, 5, st.ConsecutiveApprovals)

	hold, err = tr.HoldMinutesFor(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.Equal(t, 15, hold)
	ev, err := tr.Evidence(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.Equal(t, hold, ev.HoldMinutes)

	st = approve(t, tr, 15)
	assert.Equal(t, 3, st.Tier)
	ev, err = tr.Evidence(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.True(t, ev.Graduated)
	assert.Equal(t, 0, ev.HoldMinutes)
	assert.Nil(t, ev.NextTierAt)

	other, err := tr.HoldMinutesFor(ctx, project, domain.ActionJiraStatusChange)
	require.NoError(t, err)
	assert.Equal(t, 30, other, "types graduate independently")
}

func TestCancellationResetsAndDemotes(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	approve(t, tr, 12)

	st, err := tr.RecordCancellation(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveApprovals)
	assert.Equal(t, 1, st.Tier)
	assert.Equal(t, 1, st.TotalCancellations)
	assert.Equal(t, 12, st.TotalApprovals)
	require.NotNil(t, st.LastCancellationAt)

	_, err = tr.RecordCancellation(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	st, err = tr.RecordCancellation(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Tier, "tier never goes below zero")

	ev, err := tr.Evidence(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	require.NotNil(t, ev.NextTierAt)
	assert.Equal(t, 5, *ev.NextTierAt)
	assert.False(t, ev.Graduated)
}

func TestDemotedTierIsKeptWhileStreakRebuilds(t *testing.T) {
	tr, _ := newTestTracker(t)
	approve(t, tr, 10)
	_, err := tr.RecordCancellation(context.Background(), project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	st := approve(t, tr, 1)
	assert.Equal(t, 1, st.Tier)
	assert.Equal(t, 1, st.ConsecutiveApprovals)
}

func TestReversalWindow(t *testing.T) {
	tr, now := newTestTracker(t)
	ctx := context.Background()
	approve(t, tr, 10)

	st, applied, err := tr.RecordReversal(ctx, project, domain.ActionEmailStakeholder, now.Add(-8*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, applied, "reversal older than the window is ignored")
	assert.Equal(t, 2, st.Tier)
	assert.Equal(t, 10, st.ConsecutiveApprovals)

	st, applied, err = tr.RecordReversal(ctx, project, domain.ActionEmailStakeholder, now.Add(-6*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, st.Tier)
	assert.Equal(t, 0, st.ConsecutiveApprovals)
	require.NotNil(t, st.LastReversalAt)
}

func TestNoLevelsUsesDefaultHold(t *testing.T) {
	tr := New(repo.New(kv.NewMemory()).Graduation, config.GraduationConfig{DemotionStep: 1})
	tr.DefaultHoldMinutes = 45
	ctx := context.Background()

	approve(t, tr, 30)
	hold, err := tr.HoldMinutesFor(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.Equal(t, 45, hold)

	ev, err := tr.Evidence(ctx, project, domain.ActionEmailStakeholder)
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Tier)
	assert.Equal(t, 45, ev.HoldMinutes)
	assert.False(t, ev.Graduated)
	assert.Nil(t, ev.NextTierAt)
}
