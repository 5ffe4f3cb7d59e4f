// Package kv defines a partitioned key-value store with single-item
// conditional writes and a secondary index, plus in-memory and SQLite
// implementations.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("kv: item not found")
	ErrExists          = errors.New("kv: item already exists")
	ErrConditionFailed = errors.New("kv: condition failed")
)

// Item is one stored record. Index, when non-empty, is the item's partition
// value in the secondary index.
type Item struct {
	Partition string
	Key       string
	Index     string
	Data      []byte
	Version   int64
}

// Condition is evaluated against the current stored item. The write only
// happens when it returns true. A missing item never satisfies a condition.
type Condition func(current Item) bool

// Mutation edits a copy of the current item. Partition, Key and Version are
// owned by the store and changes to them are ignored. A returned error aborts
// the write and is passed through unchanged.
type Mutation func(item *Item) error

// UpsertMutation edits the current item, or a zero item carrying only
// Partition and Key when exists is false.
type UpsertMutation func(item *Item, exists bool) error

type Store interface {
	Get(ctx context.Context, partition, key string) (Item, error)
	// Create writes a new item and fails with ErrExists if one is present.
	Create(ctx context.Context, item Item) error
	// Update atomically applies mutate when the item exists and cond holds.
	// It returns ErrConditionFailed otherwise.
	Update(ctx context.Context, partition, key string, cond Condition, mutate Mutation) (Item, error)
	// Upsert atomically applies mutate whether or not the item exists.
	Upsert(ctx context.Context, partition, key string, mutate UpsertMutation) (Item, error)
	// QueryIndex lists every item whose Index equals value, ordered by partition then key.
	QueryIndex(ctx context.Context, value string) ([]Item, error)
	// QueryPartition lists items of a partition with key > afterKey in key order.
	// limit <= 0 means no limit.
	QueryPartition(ctx context.Context, partition, afterKey string, limit int) ([]Item, error)
}

// Always is a Condition satisfied by any existing item.
func Always(Item) bool { return true }

func copyItem(it Item) Item {
	out := it
	if it.Data != nil {
		out.Data = append([]byte(nil), it.Data...)
	}
	return out
}
