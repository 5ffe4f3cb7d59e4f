package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"steward/internal/domain"
	"steward/internal/kv"
)

const eventsPartition = "events"

// Events is the append-only audit log. Event ids sort in append order.
type Events struct {
	KV kv.Store
}

func (r Events) Append(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.KV.Create(ctx, kv.Item{Partition: eventsPartition, Key: evt.ID, Data: data})
}

// After returns up to limit events appended after the event with id afterID,
// optionally restricted to one project.
func (r Events) After(ctx context.Context, afterID string, limit int, projectID string) ([]domain.Event, error) {
	var res []domain.Event
	cursor := afterID
	for limit <= 0 || len(res) < limit {
		items, err := r.KV.QueryPartition(ctx, eventsPartition, cursor, 200)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			cursor = it.Key
			var evt domain.Event
			if err := json.Unmarshal(it.Data, &evt); err != nil {
				return nil, fmt.Errorf("decode event %s: %w", it.Key, err)
			}
			if projectID != "" && evt.ProjectID != projectID {
				continue
			}
			res = append(res, evt)
			if limit > 0 && len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

// Latest returns the newest n events in append order.
func (r Events) Latest(ctx context.Context, n int, projectID string) ([]domain.Event, error) {
	all, err := r.After(ctx, "", 0, projectID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// LatestID returns the id of the newest event, or "" for an empty log.
func (r Events) LatestID(ctx context.Context) (string, error) {
	all, err := r.After(ctx, "", 0, "")
	if err != nil || len(all) == 0 {
		return "", err
	}
	return all[len(all)-1].ID, nil
}
