package queue

import (
	"context"
	"errors"
	"fmt"

	"steward/internal/domain"
)

// ActionExecutor performs the real-world side effect of an approved action.
// Implementations live outside this package; callers usually wrap them in a
// circuit breaker.
type ActionExecutor interface {
	ExecuteEmail(ctx context.Context, p domain.EmailPayload) (domain.EmailResult, error)
	ExecuteJiraStatusChange(ctx context.Context, p domain.JiraStatusChangePayload) error
}

// ExecutionError reports an executor failure. The action stays executing.
type ExecutionError struct {
	ProjectID  string
	ActionID   string
	ActionType domain.ActionType
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s action %s: %v", e.ActionType, e.ActionID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Preflighter is implemented by executors that can refuse work before an
// action is claimed, for example while a circuit breaker is open. A refusal
// leaves the action untouched.
type Preflighter interface {
	Preflight(actionType domain.ActionType) (Admission, error)
}

// Admission is an executor admitted by Preflight for exactly one call.
// Release gives the admission back when the call never happens; after the
// call it is a no-op.
type Admission interface {
	ActionExecutor
	Release()
}

// UnavailableError reports a preflight refusal. The action was not claimed.
type UnavailableError struct {
	ActionType domain.ActionType
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("executor unavailable for %s: %v", e.ActionType, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

var errMissingPayload = errors.New("action has no payload")

// dispatch routes a payload to the matching executor method and captures the
// result worth persisting.
type dispatch struct {
	ctx    context.Context
	exec   ActionExecutor
	result *string
}

func (d *dispatch) VisitEmail(p domain.EmailPayload) error {
	res, err := d.exec.ExecuteEmail(d.ctx, p)
	if err != nil {
		return err
	}
	if res.MessageID != "" {
		id := res.MessageID
		d.result = &id
	}
	return nil
}

func (d *dispatch) VisitJiraStatusChange(p domain.JiraStatusChangePayload) error {
	if err := d.exec.ExecuteJiraStatusChange(d.ctx, p); err != nil {
		return err
	}
	res := p.IssueKey + " -> " + p.ToStatus
	d.result = &res
	return nil
}

func execute(ctx context.Context, exec ActionExecutor, a domain.HeldAction) (*string, error) {
	if a.Payload == nil {
		return nil, errMissingPayload
	}
	d := &dispatch{ctx: ctx, exec: exec}
	if err := a.Payload.Accept(d); err != nil {
		return nil, err
	}
	return d.result, nil
}
