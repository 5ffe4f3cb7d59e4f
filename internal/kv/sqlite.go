package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLite is a Store over the kv_items table created by the migrate package.
// Conditional writes compare-and-swap on the row version, so they are safe
// across processes sharing the database file.
type SQLite struct {
	DB *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

func (s *SQLite) Get(ctx context.Context, partition, key string) (Item, error) {
	return s.get(ctx, partition, key)
}

func (s *SQLite) get(ctx context.Context, partition, key string) (Item, error) {
	var (
		it   Item
		idx  sql.NullString
		data string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT pk,sk,idx,data,version FROM kv_items WHERE pk=? AND sk=?`, partition, key).
		Scan(&it.Partition, &it.Key, &idx, &data, &it.Version)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("kv get %s/%s: %w", partition, key, err)
	}
	it.Index = idx.String
	it.Data = []byte(data)
	return it, nil
}

func (s *SQLite) Create(ctx context.Context, item Item) error {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO kv_items(pk,sk,idx,data,version) VALUES (?,?,?,?,1)
ON CONFLICT(pk,sk) DO NOTHING`,
		item.Partition, item.Key, nullable(item.Index), string(item.Data))
	if err != nil {
		return fmt.Errorf("kv create %s/%s: %w", item.Partition, item.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, partition, key string, cond Condition, mutate Mutation) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		cur, err := s.get(ctx, partition, key)
		if errors.Is(err, ErrNotFound) {
			return Item{}, ErrConditionFailed
		}
		if err != nil {
			return Item{}, err
		}
		if cond != nil && !cond(copyItem(cur)) {
			return Item{}, ErrConditionFailed
		}
		next := copyItem(cur)
		if err := mutate(&next); err != nil {
			return Item{}, err
		}
		ok, err := s.swap(ctx, cur, next)
		if err != nil {
			return Item{}, err
		}
		if ok {
			next.Partition, next.Key, next.Version = partition, key, cur.Version+1
			return next, nil
		}
		// Lost the race on the version; re-read and re-evaluate the condition.
	}
}

func (s *SQLite) Upsert(ctx context.Context, partition, key string, mutate UpsertMutation) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		cur, err := s.get(ctx, partition, key)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			cur = Item{Partition: partition, Key: key}
		} else if err != nil {
			return Item{}, err
		}
		next := copyItem(cur)
		if err := mutate(&next, exists); err != nil {
			return Item{}, err
		}
		if !exists {
			next.Partition, next.Key = partition, key
			err := s.Create(ctx, next)
			if errors.Is(err, ErrExists) {
				continue
			}
			if err != nil {
				return Item{}, err
			}
			next.Version = 1
			return next, nil
		}
		ok, err := s.swap(ctx, cur, next)
		if err != nil {
			return Item{}, err
		}
		if ok {
			next.Partition, next.Key, next.Version = partition, key, cur.Version+1
			return next, nil
		}
	}
}

func (s *SQLite) swap(ctx context.Context, cur, next Item) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE kv_items SET idx=?, data=?, version=version+1 WHERE pk=? AND sk=? AND version=?`,
		nullable(next.Index), string(next.Data), cur.Partition, cur.Key, cur.Version)
	if err != nil {
		return false, fmt.Errorf("kv update %s/%s: %w", cur.Partition, cur.Key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLite) QueryIndex(ctx context.Context, value string) ([]Item, error) {
	return s.query(ctx, `SELECT pk,sk,idx,data,version FROM kv_items WHERE idx=? ORDER BY pk, sk`, value)
}

func (s *SQLite) QueryPartition(ctx context.Context, partition, afterKey string, limit int) ([]Item, error) {
	query := `SELECT pk,sk,idx,data,version FROM kv_items WHERE pk=? AND sk>? ORDER BY sk`
	args := []any{partition, afterKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv query: %w", err)
	}
	defer rows.Close()
	var res []Item
	for rows.Next() {
		var (
			it   Item
			idx  sql.NullString
			data string
		)
		if err := rows.Scan(&it.Partition, &it.Key, &idx, &data, &it.Version); err != nil {
			return nil, err
		}
		it.Index = idx.String
		it.Data = []byte(data)
		res = append(res, it)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
