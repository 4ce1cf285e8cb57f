package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/dbx"
)

// index is an extra column kept alongside the JSON document so the
// collection can be queried without decoding every row.
type index[T any] struct {
	column string
	value  func(*T) string
}

// Collection stores entities of type T as JSON documents keyed by id.
type Collection[T any] struct {
	store   *Store
	table   string
	id      func(*T) string
	indexes []index[T]
}

func newCollection[T any](s *Store, table string, id func(*T) string, indexes ...index[T]) *Collection[T] {
	return &Collection[T]{store: s, table: table, id: id, indexes: indexes}
}

// Name returns the collection (table) name.
func (c *Collection[T]) Name() string { return c.table }

// Get returns the entity with id or an error wrapping common.ErrNotFound.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	var out *T
	err := c.store.withTx(ctx, "get", c.table, func(ctx context.Context, tx dbx.DBTX) error {
		v, err := c.getTx(ctx, tx, id)
		out = v
		return err
	})
	return out, err
}

// GetAll returns every entity ordered by id.
func (c *Collection[T]) GetAll(ctx context.Context) ([]*T, error) {
	var out []*T
	err := c.store.withTx(ctx, "get_all", c.table, func(ctx context.Context, tx dbx.DBTX) error {
		v, err := c.queryTx(ctx, tx, `SELECT data FROM `+c.table+` ORDER BY id`)
		out = v
		return err
	})
	return out, err
}

// Put inserts or replaces v.
func (c *Collection[T]) Put(ctx context.Context, v *T) error {
	return c.store.withTx(ctx, "put", c.table, func(ctx context.Context, tx dbx.DBTX) error {
		return c.putTx(ctx, tx, v)
	})
}

// Delete removes the entity with id. Deleting a missing id is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.store.withTx(ctx, "delete", c.table, func(ctx context.Context, tx dbx.DBTX) error {
		return c.deleteTx(ctx, tx, id)
	})
}

// Clear removes every entity in the collection.
func (c *Collection[T]) Clear(ctx context.Context) error {
	return c.store.withTx(ctx, "clear", c.table, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM `+c.table)
		return err
	})
}

// Replace swaps the whole content of the collection for items in one
// transaction.
func (c *Collection[T]) Replace(ctx context.Context, items []*T) error {
	return c.store.withTx(ctx, "replace", c.table, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+c.table); err != nil {
			return err
		}
		for _, v := range items {
			if err := c.putTx(ctx, tx, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of stored entities.
func (c *Collection[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := c.store.withTx(ctx, "count", c.table, func(ctx context.Context, tx dbx.DBTX) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(&n)
	})
	return n, err
}

func (c *Collection[T]) getBy(ctx context.Context, column, value string) ([]*T, error) {
	if !c.hasIndex(column) {
		return nil, fmt.Errorf("collection %s has no index %q", c.table, column)
	}
	var out []*T
	err := c.store.withTx(ctx, "get_by_"+column, c.table, func(ctx context.Context, tx dbx.DBTX) error {
		v, err := c.queryTx(ctx, tx, `SELECT data FROM `+c.table+` WHERE `+column+` = ? ORDER BY id`, value)
		out = v
		return err
	})
	return out, err
}

func (c *Collection[T]) hasIndex(column string) bool {
	for _, ix := range c.indexes {
		if ix.column == column {
			return true
		}
	}
	return false
}

func (c *Collection[T]) getTx(ctx context.Context, tx dbx.DBTX, id string) (*T, error) {
	var data []byte
	err := tx.QueryRowContext(ctx, `SELECT data FROM `+c.table+` WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.decode(data)
}

func (c *Collection[T]) queryTx(ctx context.Context, tx dbx.DBTX, query string, args ...any) ([]*T, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v, err := c.decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *Collection[T]) putTx(ctx context.Context, tx dbx.DBTX, v *T) error {
	return c.insertTx(ctx, tx, v, false)
}

// putIfAbsentTx inserts v unless an entity with the same id exists.
// It reports whether a row was written.
func (c *Collection[T]) putIfAbsentTx(ctx context.Context, tx dbx.DBTX, v *T) (bool, error) {
	err := c.insertTx(ctx, tx, v, true)
	if errors.Is(err, errNotInserted) {
		return false, nil
	}
	return err == nil, err
}

var errNotInserted = errors.New("row exists")

func (c *Collection[T]) insertTx(ctx context.Context, tx dbx.DBTX, v *T, ifAbsent bool) error {
	id := c.id(v)
	if id == "" {
		return fmt.Errorf("%s: empty id", c.table)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", c.table, err)
	}

	cols := []string{"id", "data"}
	args := []any{id, string(data)}
	for _, ix := range c.indexes {
		cols = append(cols, ix.column)
		args = append(args, ix.value(v))
	}

	var conflict string
	if ifAbsent {
		conflict = "DO NOTHING"
	} else {
		sets := make([]string, 0, len(cols)-1)
		for _, col := range cols[1:] {
			sets = append(sets, col+" = excluded."+col)
		}
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	query := `INSERT INTO ` + c.table + ` (` + strings.Join(cols, ", ") + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + `) ON CONFLICT(id) ` + conflict

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if ifAbsent {
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errNotInserted
		}
	}
	return nil
}

func (c *Collection[T]) deleteTx(ctx context.Context, tx dbx.DBTX, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE id = ?`, id)
	return err
}

func (c *Collection[T]) deleteByTx(ctx context.Context, tx dbx.DBTX, column, value string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE `+column+` = ?`, value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Collection[T]) decode(data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", c.table, err)
	}
	return &v, nil
}
