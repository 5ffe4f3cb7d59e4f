// Package notify forwards audit events to configured webhook subscribers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Dispatcher delivers events in order, one hook at a time. A hook's cursor
// only moves past an event once it was delivered or filtered out, so a failing
// hook is retried from the same event on the next tick. Cursors start at the
// newest event when the dispatcher first sees a hook.
type Dispatcher struct {
	Events   repo.Events
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]string
}

func New(evts repo.Events, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Events:   evts,
		Webhooks: hooks,
		Interval: defaultInterval,
		Client:   &http.Client{Timeout: defaultTimeout},
		Logger:   logger,
		cursors:  make(map[int]string),
	}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.Events.After(ctx, cursor, defaultBatch, "")
	if err != nil {
		d.Logger.Warn("webhook: fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "event", evt.Type, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]string)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Events.LatestID(ctx)
	if err != nil {
		d.Logger.Warn("webhook: init cursor failed", "error", err)
		cur = ""
	}
	d.cursors[idx] = cur
	return cur
}

// SetCursor positions hook idx so delivery resumes after event id.
func (d *Dispatcher) SetCursor(idx int, id string) { d.setCursor(idx, id) }

func (d *Dispatcher) setCursor(idx int, id string) {
	d.mu.Lock()
	if d.cursors == nil {
		d.cursors = make(map[int]string)
	}
	d.cursors[idx] = id
	d.mu.Unlock()
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	} else if timeout != client.Timeout {
		client = &http.Client{Timeout: timeout, Transport: client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Steward-Event", evt.Type)
	req.Header.Set("X-Steward-Delivery", evt.ID)
	if evt.ProjectID != "" {
		req.Header.Set("X-Steward-Project", evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Steward-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
