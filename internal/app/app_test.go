package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/breaker"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/kv"
	"steward/internal/queue"
)

type downExecutor struct{}

func (downExecutor) ExecuteEmail(context.Context, domain.EmailPayload) (domain.EmailResult, error) {
	return domain.EmailResult{}, errors.New("relay down")
}

func (downExecutor) ExecuteJiraStatusChange(context.Context, domain.JiraStatusChangePayload) error {
	return errors.New("jira down")
}

func TestOpenMigratesWorkspace(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, t.TempDir(), Options{})
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Queue.QueueAction(ctx, queue.QueueRequest{
		ProjectID:  "apollo",
		ActionType: domain.ActionJiraStatusChange,
		Payload:    domain.JiraStatusChangePayload{IssueKey: "APL-1", ToStatus: "Done"},
	})
	require.NoError(t, err)
	got, err := a.Queue.Get(ctx, "apollo", res.Action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, queue.DefaultStuckThreshold, a.StuckThreshold())
}

func TestBuildUsesDefaultHoldWithoutLevels(t *testing.T) {
	cfg := config.Default()
	cfg.Graduation.Levels = nil
	cfg.HoldQueue.DefaultMinutes = 45
	require.NoError(t, cfg.Validate())
	a, err := Build(cfg, kv.NewMemory(), Options{Executor: downExecutor{}})
	require.NoError(t, err)

	res, err := a.Queue.QueueAction(context.Background(), queue.QueueRequest{
		ProjectID:  "apollo",
		ActionType: domain.ActionEmailStakeholder,
		Payload:    domain.EmailPayload{To: []string{"a@example.com"}, Subject: "s", Body: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Action.Status)
	assert.Equal(t, 45*time.Minute, res.Action.HeldUntil.Sub(res.Action.CreatedAt))
	assert.Equal(t, 45, res.Evidence.HoldMinutes)
}

func TestBuildGuardsExecutorWithBreakers(t *testing.T) {
	cfg := config.Default()
	cfg.Breakers.Default.FailureThreshold = 2
	a, err := Build(cfg, kv.NewMemory(), Options{Executor: downExecutor{}})
	require.NoError(t, err)

	ctx := context.Background()
	p := domain.EmailPayload{To: []string{"a@example.com"}, Subject: "s"}
	for i := 0; i < 2; i++ {
		_, err := a.Executor.ExecuteEmail(ctx, p)
		require.Error(t, err)
		assert.False(t, breaker.IsOpen(err))
	}
	_, err = a.Executor.ExecuteEmail(ctx, p)
	assert.True(t, breaker.IsOpen(err))

	pf, ok := a.Executor.(queue.Preflighter)
	require.True(t, ok)
	_, err = pf.Preflight(domain.ActionEmailStakeholder)
	assert.True(t, breaker.IsOpen(err))
	adm, err := pf.Preflight(domain.ActionJiraStatusChange)
	require.NoError(t, err)
	adm.Release()

	expected := `
# HELP steward_breaker_state Circuit breaker state per service: 0 closed, 1 half-open, 2 open.
# TYPE steward_breaker_state gauge
steward_breaker_state{service="email"} 2
`
	require.NoError(t, testutil.GatherAndCompare(a.Gatherer, strings.NewReader(expected), "steward_breaker_state"))
}
