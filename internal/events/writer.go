package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/repo"
)

const (
	ActionQueued          = "action.queued"
	ActionClaimed         = "action.claimed"
	ActionExecuted        = "action.executed"
	ActionExecutionFailed = "action.execution_failed"
	ActionCancelled       = "action.cancelled"
	ActionReversed        = "action.reversed"
	ActionStuck           = "action.stuck"
	BudgetTierChanged     = "budget.tier_changed"
)

type Writer struct {
	Repo repo.Events
	Now  func() time.Time
}

type EventPayload map[string]any

// NewID returns an event id that sorts after every id issued earlier by the
// same clock.
func NewID(ts time.Time) string {
	return fmt.Sprintf("%020d-%s", ts.UnixNano(), uuid.NewString())
}

func (w Writer) Append(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Repo.KV == nil {
		return nil
	}
	ts := w.Now().UTC()
	if payload == nil {
		payload = EventPayload{}
	}
	evt := domain.Event{
		ID:         NewID(ts),
		TS:         ts,
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}
	if err := w.Repo.Append(ctx, evt); err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}
