// Package repo stores steward's records in a kv.Store.
package repo

import (
	"errors"

	"steward/internal/kv"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed means a conditional write found the item missing
	// or no longer in the required state. It signals contention, not a fault.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Repo groups the typed stores that share one kv.Store.
type Repo struct {
	KV          kv.Store
	HeldActions HeldActions
	Graduation  GraduationStates
	Budget      BudgetStatuses
	Events      Events
}

func New(store kv.Store) Repo {
	return Repo{
		KV:          store,
		HeldActions: HeldActions{KV: store},
		Graduation:  GraduationStates{KV: store},
		Budget:      BudgetStatuses{KV: store},
		Events:      Events{KV: store},
	}
}

func translate(err error) error {
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, kv.ErrConditionFailed):
		return ErrPreconditionFailed
	default:
		return err
	}
}
