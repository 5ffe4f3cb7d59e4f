package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/kv"
)

const testSecret = "test-secret"

type stubExecutor struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (s *stubExecutor) ExecuteEmail(context.Context, domain.EmailPayload) (domain.EmailResult, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return domain.EmailResult{}, errors.New("smtp relay down")
	}
	return domain.EmailResult{MessageID: "msg-1"}, nil
}

func (s *stubExecutor) ExecuteJiraStatusChange(context.Context, domain.JiraStatusChangePayload) error {
	s.calls.Add(1)
	if s.fail.Load() {
		return errors.New("jira down")
	}
	return nil
}

type testServer struct {
	URL    string
	client *http.Client
	exec   *stubExecutor
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	exec := &stubExecutor{}
	a, err := app.Build(cfg, kv.NewMemory(), app.Options{Executor: exec})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler, err := New(Config{
		App:      a,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		exec:   exec,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asAgent = map[string]string{"X-Actor-Id": "agent"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func queueEmail(t *testing.T, srv *testServer, projectID string) QueueActionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/actions", map[string]any{
		"action_type": "email_stakeholder",
		"payload": map[string]any{
			"to":      []string{"cto@example.com"},
			"subject": "Sprint 14 slipped",
			"body":    "Two stories moved to sprint 15.",
		},
	}, asAgent)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("queue action status %d: %s", res.StatusCode, string(data))
	}
	var out QueueActionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal queue response: %v", err)
	}
	return out
}

func TestHealthAndAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/budget", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected error code %q", code)
	}

	token, err := IssueToken(testSecret, "pm-lead")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/budget", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("budget with jwt status %d: %s", res.StatusCode, string(data))
	}

	forged, err := IssueToken("other-secret", "pm-lead")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/budget", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestQueueApproveLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	queued := queueEmail(t, srv, "apollo")
	if queued.Action.Status != "pending" {
		t.Fatalf("expected pending, got %s", queued.Action.Status)
	}
	if queued.Evidence.HoldMinutes != 30 {
		t.Fatalf("expected 30 minute hold at tier 0, got %d", queued.Evidence.HoldMinutes)
	}
	actionURL := srv.URL + "/v0/projects/apollo/actions/" + queued.Action.ID

	res, data := doJSON(t, client, http.MethodPost, actionURL+"/approve", nil, map[string]string{"X-Actor-Id": "pm-lead"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved ActionResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if approved.Status != "executed" || approved.Result == nil || *approved.Result != "msg-1" {
		t.Fatalf("unexpected executed action: %+v", approved)
	}
	if approved.DecidedBy == nil || *approved.DecidedBy != "pm-lead" {
		t.Fatalf("expected decided_by pm-lead, got %v", approved.DecidedBy)
	}

	res, data = doJSON(t, client, http.MethodPost, actionURL+"/approve", nil, asAgent)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second approve, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_settled" {
		t.Fatalf("unexpected error code %q", code)
	}
	if got := srv.exec.calls.Load(); got != 1 {
		t.Fatalf("executor ran %d times", got)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/apollo/actions/missing/approve", nil, asAgent)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing action, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, actionURL+"/reverse", map[string]any{"reason": "wrong recipient"}, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reverse status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?project_id=apollo", nil, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	for _, typ := range []string{"action.queued", "action.claimed", "action.executed", "action.reversed"} {
		if !strings.Contains(string(data), typ) {
			t.Fatalf("expected %s in events: %s", typ, string(data))
		}
	}
}

func TestQueueRejectsInvalidPayload(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/apollo/actions", map[string]any{
		"action_type": "jira_status_change",
		"payload":     map[string]any{"issue_key": "APL-7"},
	}, asAgent)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/apollo/actions", map[string]any{
		"action_type": "slack_message",
		"payload":     map[string]any{},
	}, asAgent)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action type, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCancelAndListByStatus(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	first := queueEmail(t, srv, "apollo")
	queueEmail(t, srv, "hermes")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/apollo/actions/"+first.Action.ID+"/cancel",
		map[string]any{"reason": "tone too harsh"}, map[string]string{"X-Actor-Id": "pm-lead"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var cancelled ActionResponse
	if err := json.Unmarshal(data, &cancelled); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if cancelled.Status != "cancelled" || cancelled.DecisionReason == nil || *cancelled.DecisionReason != "tone too harsh" {
		t.Fatalf("unexpected cancelled action: %+v", cancelled)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/apollo/actions/"+first.Action.ID+"/cancel", nil, asAgent)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions?status=pending", nil, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list ActionListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ProjectID != "hermes" {
		t.Fatalf("expected only the hermes action pending, got %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/apollo/graduation/email_stakeholder", nil, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("graduation status %d: %s", res.StatusCode, string(data))
	}
	var ev domain.GraduationEvidence
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal evidence: %v", err)
	}
	if ev.Tier != 0 || ev.ConsecutiveApprovals != 0 {
		t.Fatalf("unexpected evidence after cancel: %+v", ev)
	}
}

func TestBudgetEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/budget/spend", map[string]any{"amount_usd": 0.28}, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("spend status %d: %s", res.StatusCode, string(data))
	}
	var out BudgetResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal budget: %v", err)
	}
	if out.Status.DegradationTier != 2 || out.Directive.Tier != 2 {
		t.Fatalf("expected tier 2 after 0.28 spent, got %+v", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/budget/spend", map[string]any{"amount_usd": 0.2}, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("spend status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/budget/can-call", nil, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("can-call status %d: %s", res.StatusCode, string(data))
	}
	var decision domain.SpendDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected calls blocked past the hard ceiling")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/budget/spend", map[string]any{"amount_usd": -1}, asAgent)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative spend, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenBreakerReturnsRetryAfter(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Breakers.Default.FailureThreshold = 1
		cfg.Breakers.Default.ResetTimeoutMS = 60000
	})
	defer cleanup()
	client := srv.Client()
	srv.exec.fail.Store(true)

	first := queueEmail(t, srv, "apollo")
	second := queueEmail(t, srv, "apollo")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/apollo/actions/"+first.Action.ID+"/approve", nil, asAgent)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for executor failure, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/apollo/actions/"+second.Action.ID+"/approve", nil, asAgent)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with open breaker, got %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/apollo/actions/"+second.Action.ID, nil, asAgent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var got ActionResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if got.Status != "pending" {
		t.Fatalf("refused action should stay pending, got %s", got.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/breakers", nil, asAgent)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"state":"open"`) {
		t.Fatalf("expected open email breaker, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	const n = 8
	bodies := make(chan []byte, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				errs <- err
				return
			}
			req.Header.Set("X-Actor-Id", "agent")
			res, err := srv.Client().Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			if res.StatusCode != http.StatusOK {
				errs <- errors.New("openapi status " + res.Status)
				return
			}
			bodies <- data
		}()
	}
	var first []byte
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("fetch openapi: %v", err)
		case data := <-bodies:
			if first == nil {
				first = data
			} else if !bytes.Equal(first, data) {
				t.Fatalf("openapi documents differ between requests")
			}
		}
	}
	if !strings.Contains(string(first), "bearerAuth") {
		t.Fatalf("openapi document missing bearer security scheme")
	}
}
