// Package executor provides ActionExecutor implementations: a relay that
// posts payloads to HTTP endpoints, and a wrapper that routes each call
// through the circuit breaker of the service it reaches.
package executor

import (
	"context"
	"errors"

	"steward/internal/breaker"
	"steward/internal/domain"
	"steward/internal/queue"
)

const (
	ServiceEmail = "email"
	ServiceJira  = "jira"
)

// Guarded fails fast with *breaker.OpenError while the target service's
// breaker is open.
type Guarded struct {
	Next     queue.ActionExecutor
	Breakers *breaker.Registry
}

var _ queue.ActionExecutor = Guarded{}

func NewGuarded(next queue.ActionExecutor, breakers *breaker.Registry) Guarded {
	return Guarded{Next: next, Breakers: breakers}
}

func (g Guarded) ExecuteEmail(ctx context.Context, p domain.EmailPayload) (domain.EmailResult, error) {
	return breaker.Do(ctx, g.Breakers.Get(ServiceEmail), func(ctx context.Context) (domain.EmailResult, error) {
		return g.Next.ExecuteEmail(ctx, p)
	})
}

func (g Guarded) ExecuteJiraStatusChange(ctx context.Context, p domain.JiraStatusChangePayload) error {
	return g.Breakers.Get(ServiceJira).Execute(ctx, func(ctx context.Context) error {
		return g.Next.ExecuteJiraStatusChange(ctx, p)
	})
}

// ErrNotConfigured is returned by Unconfigured for every call.
var ErrNotConfigured = errors.New("no executor endpoint configured")

// Unconfigured is used when a deployment has no relay for a service.
type Unconfigured struct{}

func (Unconfigured) ExecuteEmail(context.Context, domain.EmailPayload) (domain.EmailResult, error) {
	return domain.EmailResult{}, ErrNotConfigured
}

func (Unconfigured) ExecuteJiraStatusChange(context.Context, domain.JiraStatusChangePayload) error {
	return ErrNotConfigured
}

var _ queue.Preflighter = Guarded{}

func serviceFor(t domain.ActionType) string {
	if t == domain.ActionJiraStatusChange {
		return ServiceJira
	}
	return ServiceEmail
}

// Preflight acquires a breaker permit for the target service before the
// action is claimed. While half-open only the first caller is admitted; the
// rest get *breaker.OpenError until the probe settles.
func (g Guarded) Preflight(t domain.ActionType) (queue.Admission, error) {
	p, err := g.Breakers.Get(serviceFor(t)).Acquire()
	if err != nil {
		return nil, err
	}
	return admitted{next: g.Next, permit: p}, nil
}

// admitted runs one call under a permit acquired by Preflight.
type admitted struct {
	next   queue.ActionExecutor
	permit *breaker.Permit
}

func (a admitted) ExecuteEmail(ctx context.Context, p domain.EmailPayload) (domain.EmailResult, error) {
	return breaker.RunValue(ctx, a.permit, func(ctx context.Context) (domain.EmailResult, error) {
		return a.next.ExecuteEmail(ctx, p)
	})
}

func (a admitted) ExecuteJiraStatusChange(ctx context.Context, p domain.JiraStatusChangePayload) error {
	return a.permit.Run(ctx, func(ctx context.Context) error {
		return a.next.ExecuteJiraStatusChange(ctx, p)
	})
}

func (a admitted) Release() { a.permit.Release() }
