package kv_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"steward/internal/db"
	"steward/internal/kv"
	"steward/internal/migrate"
)

func stores(t *testing.T) map[string]kv.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return map[string]kv.Store{
		"memory": kv.NewMemory(),
		"sqlite": kv.NewSQLite(conn),
	}
}

func TestStoreCreateGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, "p", "a")
			require.ErrorIs(t, err, kv.ErrNotFound)

			require.NoError(t, s.Create(ctx, kv.Item{Partition: "p", Key: "a", Index: "pending", Data: []byte(`{"n":1}`)}))
			err = s.Create(ctx, kv.Item{Partition: "p", Key: "a", Data: []byte(`{}`)})
			require.ErrorIs(t, err, kv.ErrExists)

			it, err := s.Get(ctx, "p", "a")
			require.NoError(t, err)
			assert.Equal(t, "pending", it.Index)
			assert.Equal(t, int64(1), it.Version)
			assert.JSONEq(t, `{"n":1}`, string(it.Data))
		})
	}
}

func TestStoreConditionalUpdate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, kv.Item{Partition: "p", Key: "a", Index: "pending", Data: []byte(`1`)}))
			isPending := func(it kv.Item) bool { return it.Index == "pending" }

			updated, err := s.Update(ctx, "p", "a", isPending, func(it *kv.Item) error {
				it.Index = "executing"
				it.Data = []byte(`2`)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, int64(2), updated.Version)

			_, err = s.Update(ctx, "p", "a", isPending, func(it *kv.Item) error { return nil })
			require.ErrorIs(t, err, kv.ErrConditionFailed)

			_, err = s.Update(ctx, "p", "missing", kv.Always, func(it *kv.Item) error { return nil })
			require.ErrorIs(t, err, kv.ErrConditionFailed)

			boom := errors.New("boom")
			_, err = s.Update(ctx, "p", "a", kv.Always, func(it *kv.Item) error { return boom })
			require.ErrorIs(t, err, boom)

			got, err := s.Get(ctx, "p", "a")
			require.NoError(t, err)
			assert.Equal(t, "executing", got.Index)
			assert.Equal(t, "2", string(got.Data))
		})
	}
}

func TestStoreConditionalUpdateSingleWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, kv.Item{Partition: "p", Key: "a", Index: "pending", Data: []byte(`{}`)}))
			var wins, losses atomic.Int32
			var g errgroup.Group
			for i := 0; i < 16; i++ {
				g.Go(func() error {
					_, err := s.Update(ctx, "p", "a", func(it kv.Item) bool { return it.Index == "pending" }, func(it *kv.Item) error {
						it.Index = "executing"
						return nil
					})
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, kv.ErrConditionFailed):
						losses.Add(1)
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(15), losses.Load())
		})
	}
}

func TestStoreUpsertNeverLosesIncrements(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var g errgroup.Group
			for i := 0; i < 20; i++ {
				g.Go(func() error {
					_, err := s.Upsert(ctx, "budget", "status", func(it *kv.Item, exists bool) error {
						n := 0
						if exists {
							if _, err := fmt.Sscanf(string(it.Data), "%d", &n); err != nil {
								return err
							}
						}
						it.Data = []byte(fmt.Sprintf("%d", n+1))
						return nil
					})
					return err
				})
			}
			require.NoError(t, g.Wait())
			it, err := s.Get(ctx, "budget", "status")
			require.NoError(t, err)
			assert.Equal(t, "20", string(it.Data))
		})
	}
}

func TestStoreQueries(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, it := range []kv.Item{
				{Partition: "proj-b", Key: "2", Index: "executing", Data: []byte(`{}`)},
				{Partition: "proj-a", Key: "1", Index: "executing", Data: []byte(`{}`)},
				{Partition: "proj-a", Key: "3", Index: "pending", Data: []byte(`{}`)},
				{Partition: "proj-a", Key: "4", Data: []byte(`{}`)},
			} {
				require.NoError(t, s.Create(ctx, it))
			}
			executing, err := s.QueryIndex(ctx, "executing")
			require.NoError(t, err)
			require.Len(t, executing, 2)
			assert.Equal(t, "proj-a", executing[0].Partition)
			assert.Equal(t, "proj-b", executing[1].Partition)

			page, err := s.QueryPartition(ctx, "proj-a", "1", 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "3", page[0].Key)

			all, err := s.QueryPartition(ctx, "proj-a", "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}
