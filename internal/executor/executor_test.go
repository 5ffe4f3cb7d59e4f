package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/breaker"
	"steward/internal/config"
	"steward/internal/domain"
)

type countingExecutor struct {
	calls int
	err   error
}

func (c *countingExecutor) ExecuteEmail(context.Context, domain.EmailPayload) (domain.EmailResult, error) {
	c.calls++
	return domain.EmailResult{MessageID: "m1"}, c.err
}

func (c *countingExecutor) ExecuteJiraStatusChange(context.Context, domain.JiraStatusChangePayload) error {
	c.calls++
	return c.err
}

func TestGuardedOpensPerService(t *testing.T) {
	next := &countingExecutor{err: errors.New("jira 503")}
	reg := breaker.NewRegistry(func(string) breaker.Config {
		return breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour}
	})
	g := NewGuarded(next, reg)
	ctx := context.Background()
	p := domain.JiraStatusChangePayload{IssueKey: "APL-1", ToStatus: "Done"}

	require.Error(t, g.ExecuteJiraStatusChange(ctx, p))
	require.Error(t, g.ExecuteJiraStatusChange(ctx, p))
	err := g.ExecuteJiraStatusChange(ctx, p)
	assert.True(t, breaker.IsOpen(err))
	assert.Equal(t, 2, next.calls)

	next.err = nil
	res, err := g.ExecuteEmail(ctx, domain.EmailPayload{To: []string{"a@b.c"}, Subject: "s"})
	require.NoError(t, err, "email breaker is independent")
	assert.Equal(t, "m1", res.MessageID)
}

func TestWebhookRelays(t *testing.T) {
	var gotType, gotSecret string
	var gotBody domain.EmailPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Steward-Action-Type")
		gotSecret = r.Header.Get("X-Steward-Secret")
		if r.URL.Path == "/jira" {
			http.Error(w, "transition not allowed", http.StatusConflict)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"message_id":"<abc@relay>"}`))
	}))
	defer srv.Close()

	w := NewWebhook(config.ExecutorsConfig{
		Email: config.ExecutorEndpoint{URL: srv.URL + "/email", Secret: "s3cret"},
		Jira:  config.ExecutorEndpoint{URL: srv.URL + "/jira"},
	})
	ctx := context.Background()
	res, err := w.ExecuteEmail(ctx, domain.EmailPayload{To: []string{"pm@example.com"}, Subject: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "<abc@relay>", res.MessageID)
	assert.Equal(t, "email_stakeholder", gotType)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "hi", gotBody.Subject)

	err = w.ExecuteJiraStatusChange(ctx, domain.JiraStatusChangePayload{IssueKey: "APL-1", ToStatus: "Done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestWebhookWithoutURL(t *testing.T) {
	w := NewWebhook(config.ExecutorsConfig{})
	_, err := w.ExecuteEmail(context.Background(), domain.EmailPayload{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestGuardedPreflight(t *testing.T) {
	reg := breaker.NewRegistry(func(string) breaker.Config {
		return breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}
	})
	g := NewGuarded(&countingExecutor{err: errors.New("down")}, reg)
	adm, err := g.Preflight(domain.ActionEmailStakeholder)
	require.NoError(t, err)
	adm.Release()

	_, _ = g.ExecuteEmail(context.Background(), domain.EmailPayload{})
	_, err = g.Preflight(domain.ActionEmailStakeholder)
	require.True(t, breaker.IsOpen(err))
	adm, err = g.Preflight(domain.ActionJiraStatusChange)
	require.NoError(t, err)
	adm.Release()
}

func TestPreflightReservesHalfOpenSlot(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	reg := breaker.NewRegistry(func(string) breaker.Config {
		return breaker.Config{FailureThreshold: 1, ResetTimeout: time.Second}
	}, breaker.WithClock(func() time.Time { return now }))
	next := &countingExecutor{err: errors.New("down")}
	g := NewGuarded(next, reg)
	ctx := context.Background()
	_, _ = g.ExecuteEmail(ctx, domain.EmailPayload{})
	now = now.Add(2 * time.Second)

	first, err := g.Preflight(domain.ActionEmailStakeholder)
	require.NoError(t, err)
	_, err = g.Preflight(domain.ActionEmailStakeholder)
	require.True(t, breaker.IsOpen(err), "second caller is refused while the slot is held")

	first.Release()
	adm, err := g.Preflight(domain.ActionEmailStakeholder)
	require.NoError(t, err, "a released slot is handed to the next caller")

	next.err = nil
	_, err = adm.ExecuteEmail(ctx, domain.EmailPayload{})
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, reg.Get(ServiceEmail).State())

	_, err = adm.ExecuteEmail(ctx, domain.EmailPayload{})
	assert.ErrorIs(t, err, breaker.ErrPermitUsed)
	assert.Equal(t, 2, next.calls)
}
