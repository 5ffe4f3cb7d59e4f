package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Store. The mutex plays the role of the remote
// store's per-item write serialization.
type Memory struct {
	mu    sync.Mutex
	items map[string]map[string]Item
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]map[string]Item)}
}

func (m *Memory) Get(ctx context.Context, partition, key string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[partition][key]
	if !ok {
		return Item{}, ErrNotFound
	}
	return copyItem(it), nil
}

func (m *Memory) Create(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	part := m.items[item.Partition]
	if part == nil {
		part = make(map[string]Item)
		m.items[item.Partition] = part
	}
	if _, ok := part[item.Key]; ok {
		return ErrExists
	}
	stored := copyItem(item)
	stored.Version = 1
	part[item.Key] = stored
	return nil
}

func (m *Memory) Update(ctx context.Context, partition, key string, cond Condition, mutate Mutation) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[partition][key]
	if !ok {
		return Item{}, ErrConditionFailed
	}
	if cond != nil && !cond(copyItem(cur)) {
		return Item{}, ErrConditionFailed
	}
	next := copyItem(cur)
	if err := mutate(&next); err != nil {
		return Item{}, err
	}
	next.Partition, next.Key, next.Version = partition, key, cur.Version+1
	m.items[partition][key] = next
	return copyItem(next), nil
}

func (m *Memory) Upsert(ctx context.Context, partition, key string, mutate UpsertMutation) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	part := m.items[partition]
	if part == nil {
		part = make(map[string]Item)
		m.items[partition] = part
	}
	cur, ok := part[key]
	next := Item{Partition: partition, Key: key}
	if ok {
		next = copyItem(cur)
	}
	if err := mutate(&next, ok); err != nil {
		return Item{}, err
	}
	next.Partition, next.Key, next.Version = partition, key, cur.Version+1
	part[key] = next
	return copyItem(next), nil
}

func (m *Memory) QueryIndex(ctx context.Context, value string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Item
	for _, part := range m.items {
		for _, it := range part {
			if it.Index != "" && it.Index == value {
				res = append(res, copyItem(it))
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Partition != res[j].Partition {
			return res[i].Partition < res[j].Partition
		}
		return res[i].Key < res[j].Key
	})
	return res, nil
}

func (m *Memory) QueryPartition(ctx context.Context, partition, afterKey string, limit int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Item
	for k, it := range m.items[partition] {
		if k > afterKey {
			res = append(res, copyItem(it))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
