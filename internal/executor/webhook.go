package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Webhook relays actions to HTTP endpoints, one per service. An endpoint is
// expected to perform the side effect and answer 2xx; email relays may return
// {"message_id": "..."}.
type Webhook struct {
	Email  config.ExecutorEndpoint
	Jira   config.ExecutorEndpoint
	Client *http.Client
}

func NewWebhook(cfg config.ExecutorsConfig) Webhook {
	return Webhook{Email: cfg.Email, Jira: cfg.Jira, Client: &http.Client{}}
}

func (w Webhook) ExecuteEmail(ctx context.Context, p domain.EmailPayload) (domain.EmailResult, error) {
	body, err := w.post(ctx, w.Email, domain.ActionEmailStakeholder, p)
	if err != nil {
		return domain.EmailResult{}, err
	}
	var res domain.EmailResult
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &res); err != nil {
			return domain.EmailResult{}, fmt.Errorf("decode email relay response: %w", err)
		}
	}
	return res, nil
}

func (w Webhook) ExecuteJiraStatusChange(ctx context.Context, p domain.JiraStatusChangePayload) error {
	_, err := w.post(ctx, w.Jira, domain.ActionJiraStatusChange, p)
	return err
}

func (w Webhook) post(ctx context.Context, ep config.ExecutorEndpoint, actionType domain.ActionType, payload any) ([]byte, error) {
	if strings.TrimSpace(ep.URL) == "" {
		return nil, fmt.Errorf("%s: %w", actionType, ErrNotConfigured)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	timeout := defaultTimeout
	if ep.TimeoutSeconds > 0 {
		timeout = time.Duration(ep.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Steward-Action-Type", string(actionType))
	if strings.TrimSpace(ep.Secret) != "" {
		req.Header.Set("X-Steward-Secret", ep.Secret)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%s relay status %d: %s", actionType, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
