package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"steward/internal/domain"
	"steward/internal/kv"
)

const graduationPartitionPrefix = "graduation#"

type GraduationStates struct {
	KV kv.Store
}

func graduationPartition(projectID string) string { return graduationPartitionPrefix + projectID }

func (r GraduationStates) Get(ctx context.Context, projectID string, t domain.ActionType) (domain.GraduationState, error) {
	it, err := r.KV.Get(ctx, graduationPartition(projectID), string(t))
	if err != nil {
		return domain.GraduationState{}, translate(err)
	}
	var st domain.GraduationState
	if err := json.Unmarshal(it.Data, &st); err != nil {
		return st, fmt.Errorf("decode graduation state %s/%s: %w", projectID, t, err)
	}
	return st, nil
}

// Update applies fn atomically, starting from a zero state for a type seen
// for the first time.
func (r GraduationStates) Update(ctx context.Context, projectID string, t domain.ActionType, fn func(st *domain.GraduationState) error) (domain.GraduationState, error) {
	var out domain.GraduationState
	_, err := r.KV.Upsert(ctx, graduationPartition(projectID), string(t), func(it *kv.Item, exists bool) error {
		st := domain.GraduationState{ProjectID: projectID, ActionType: t}
		if exists {
			if err := json.Unmarshal(it.Data, &st); err != nil {
				return fmt.Errorf("decode graduation state %s/%s: %w", projectID, t, err)
			}
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.ProjectID, st.ActionType = projectID, t
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		it.Data = data
		out = st
		return nil
	})
	if err != nil {
		return domain.GraduationState{}, err
	}
	return out, nil
}

func (r GraduationStates) List(ctx context.Context, projectID string) ([]domain.GraduationState, error) {
	items, err := r.KV.QueryPartition(ctx, graduationPartition(projectID), "", 0)
	if err != nil {
		return nil, err
	}
	res := make([]domain.GraduationState, 0, len(items))
	for _, it := range items {
		var st domain.GraduationState
		if err := json.Unmarshal(it.Data, &st); err != nil {
			return nil, fmt.Errorf("decode graduation state %s: %w", it.Key, err)
		}
		res = append(res, st)
	}
	return res, nil
}
