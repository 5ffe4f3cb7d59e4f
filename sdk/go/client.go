package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal steward HTTP API client for agent processes.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Action represents a held action (partial).
type Action struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	ActionType     string          `json:"action_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	HeldUntil      time.Time       `json:"held_until"`
	DecidedBy      *string         `json:"decided_by,omitempty"`
	DecisionReason *string         `json:"decision_reason,omitempty"`
	Result         *string         `json:"result,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
}

// Evidence is the graduation state behind a queued action's hold.
type Evidence struct {
	ActionType           string `json:"action_type"`
	Tier                 int    `json:"tier"`
	MaxTier              int    `json:"max_tier"`
	ConsecutiveApprovals int    `json:"consecutive_approvals"`
	NextTierAt           *int   `json:"next_tier_at,omitempty"`
	HoldMinutes          int    `json:"hold_minutes"`
	Graduated            bool   `json:"graduated"`
}

type QueuedAction struct {
	Action   Action   `json:"action"`
	Evidence Evidence `json:"evidence"`
}

// Budget combines the spend ledger with the routing directive for its tier.
type Budget struct {
	Status struct {
		DailySpendUSD   float64 `json:"daily_spend_usd"`
		MonthlySpendUSD float64 `json:"monthly_spend_usd"`
		DegradationTier int     `json:"degradation_tier"`
		Blocked         bool    `json:"blocked"`
	} `json:"status"`
	Directive struct {
		Tier                int  `json:"tier"`
		CheapPercent        int  `json:"cheap_percent"`
		StrongPercent       int  `json:"strong_percent"`
		PollIntervalFactor  int  `json:"poll_interval_factor"`
		AutonomousExecution bool `json:"autonomous_execution"`
	} `json:"directive"`
}

type SpendDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
	// RetryAfter is set from the Retry-After header of 503 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsSettled reports whether err means the action was already decided elsewhere.
func IsSettled(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// QueueAction proposes an action. holdMinutes < 0 uses the graduation hold.
func (c *Client) QueueAction(ctx context.Context, actionType string, payload any, holdMinutes int) (QueuedAction, error) {
	body := map[string]any{
		"action_type": actionType,
		"payload":     payload,
	}
	if holdMinutes >= 0 {
		body["hold_minutes"] = holdMinutes
	}
	var resp QueuedAction
	err := c.do(ctx, http.MethodPost, c.projectPath("actions"), body, &resp)
	return resp, err
}

func (c *Client) GetAction(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, c.projectPath("actions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Approve executes the action now. Use IsSettled to detect a lost race.
func (c *Client) Approve(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.projectPath("actions/"+url.PathEscape(id)+"/approve"), nil, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.projectPath("actions/"+url.PathEscape(id)+"/cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Reverse(ctx context.Context, id, reason string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.projectPath("actions/"+url.PathEscape(id)+"/reverse"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RecordSpend records one reasoning call and returns the updated budget.
func (c *Client) RecordSpend(ctx context.Context, amountUSD float64) (Budget, error) {
	var resp Budget
	err := c.do(ctx, http.MethodPost, "v0/budget/spend", map[string]any{"amount_usd": amountUSD}, &resp)
	return resp, err
}

func (c *Client) Budget(ctx context.Context) (Budget, error) {
	var resp Budget
	err := c.do(ctx, http.MethodGet, "v0/budget", nil, &resp)
	return resp, err
}

func (c *Client) CanMakeLLMCall(ctx context.Context) (SpendDecision, error) {
	var resp SpendDecision
	err := c.do(ctx, http.MethodGet, "v0/budget/can-call", nil, &resp)
	return resp, err
}

// EventsPage returns a page of this project's events after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	q.Set("project_id", c.ProjectID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "v0/events?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
