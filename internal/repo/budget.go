package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"steward/internal/domain"
	"steward/internal/kv"
)

const (
	budgetPartition = "budget"
	budgetKey       = "status"
)

// BudgetStatuses holds the deployment's single budget record.
type BudgetStatuses struct {
	KV kv.Store
}

// Get returns the stored status; ok is false when nothing was recorded yet.
func (r BudgetStatuses) Get(ctx context.Context) (status domain.BudgetStatus, ok bool, err error) {
	it, err := r.KV.Get(ctx, budgetPartition, budgetKey)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.BudgetStatus{}, false, nil
	}
	if err != nil {
		return domain.BudgetStatus{}, false, err
	}
	if err := json.Unmarshal(it.Data, &status); err != nil {
		return status, false, fmt.Errorf("decode budget status: %w", err)
	}
	return status, true, nil
}

// Update applies fn as one atomic read-modify-write.
func (r BudgetStatuses) Update(ctx context.Context, fn func(st *domain.BudgetStatus, exists bool) error) (domain.BudgetStatus, error) {
	var out domain.BudgetStatus
	_, err := r.KV.Upsert(ctx, budgetPartition, budgetKey, func(it *kv.Item, exists bool) error {
		var st domain.BudgetStatus
		if exists {
			if err := json.Unmarshal(it.Data, &st); err != nil {
				return fmt.Errorf("decode budget status: %w", err)
			}
		}
		if err := fn(&st, exists); err != nil {
			return err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		it.Data = data
		out = st
		return nil
	})
	return out, err
}
