package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"steward/internal/domain"
	"steward/internal/kv"
)

const (
	actionPartitionPrefix = "action#"
	statusIndexPrefix     = "action_status#"
)

// HeldActions persists held actions partitioned by project. The status is
// also the item's secondary index value, so one query lists every action in
// a status across projects.
type HeldActions struct {
	KV kv.Store
}

func actionPartition(projectID string) string { return actionPartitionPrefix + projectID }

func statusIndex(s domain.ActionStatus) string { return statusIndexPrefix + string(s) }

func encodeAction(a domain.HeldAction) (kv.Item, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kv.Item{}, fmt.Errorf("encode held action %s: %w", a.ID, err)
	}
	return kv.Item{
		Partition: actionPartition(a.ProjectID),
		Key:       a.ID,
		Index:     statusIndex(a.Status),
		Data:      data,
	}, nil
}

func decodeAction(it kv.Item) (domain.HeldAction, error) {
	var a domain.HeldAction
	if err := json.Unmarshal(it.Data, &a); err != nil {
		return a, fmt.Errorf("decode held action %s: %w", it.Key, err)
	}
	return a, nil
}

func (r HeldActions) Create(ctx context.Context, a domain.HeldAction) error {
	it, err := encodeAction(a)
	if err != nil {
		return err
	}
	if err := r.KV.Create(ctx, it); err != nil {
		if errors.Is(err, kv.ErrExists) {
			return fmt.Errorf("held action %s already exists", a.ID)
		}
		return err
	}
	return nil
}

func (r HeldActions) Get(ctx context.Context, projectID, id string) (domain.HeldAction, error) {
	it, err := r.KV.Get(ctx, actionPartition(projectID), id)
	if err != nil {
		return domain.HeldAction{}, translate(err)
	}
	return decodeAction(it)
}

// Precondition decides whether a conditional update may apply.
type Precondition func(current domain.HeldAction) bool

// StatusIn is satisfied when the current status is one of statuses.
func StatusIn(statuses ...domain.ActionStatus) Precondition {
	return func(a domain.HeldAction) bool {
		for _, s := range statuses {
			if a.Status == s {
				return true
			}
		}
		return false
	}
}

// ConditionalUpdate applies mutation only if the action exists and satisfies
// precondition at write time; otherwise it returns ErrPreconditionFailed.
// The mutation cannot move the action to another project or id.
func (r HeldActions) ConditionalUpdate(ctx context.Context, projectID, id string, mutation func(*domain.HeldAction) error, precondition Precondition) (domain.HeldAction, error) {
	var decodeErr error
	cond := func(it kv.Item) bool {
		a, err := decodeAction(it)
		if err != nil {
			decodeErr = err
			return false
		}
		return precondition == nil || precondition(a)
	}
	var updated domain.HeldAction
	_, err := r.KV.Update(ctx, actionPartition(projectID), id, cond, func(it *kv.Item) error {
		a, err := decodeAction(*it)
		if err != nil {
			return err
		}
		if err := mutation(&a); err != nil {
			return err
		}
		if !a.Status.Valid() {
			return fmt.Errorf("invalid status %q", a.Status)
		}
		a.ID, a.ProjectID = id, projectID
		next, err := encodeAction(a)
		if err != nil {
			return err
		}
		it.Index, it.Data = next.Index, next.Data
		updated = a
		return nil
	})
	if err != nil {
		if decodeErr != nil {
			return domain.HeldAction{}, decodeErr
		}
		return domain.HeldAction{}, translate(err)
	}
	return updated, nil
}

// QueryByStatus lists all actions in status, oldest first.
func (r HeldActions) QueryByStatus(ctx context.Context, status domain.ActionStatus) ([]domain.HeldAction, error) {
	items, err := r.KV.QueryIndex(ctx, statusIndex(status))
	if err != nil {
		return nil, err
	}
	res := make([]domain.HeldAction, 0, len(items))
	for _, it := range items {
		a, err := decodeAction(it)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// ListProject lists every action of a project regardless of status.
func (r HeldActions) ListProject(ctx context.Context, projectID string) ([]domain.HeldAction, error) {
	items, err := r.KV.QueryPartition(ctx, actionPartition(projectID), "", 0)
	if err != nil {
		return nil, err
	}
	res := make([]domain.HeldAction, 0, len(items))
	for _, it := range items {
		a, err := decodeAction(it)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}
