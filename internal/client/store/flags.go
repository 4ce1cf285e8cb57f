package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dmitrijs2005/fieldsync/internal/dbx"
)

const collectionMetadata = "metadata"

// Well-known flag keys.
const (
	FlagLegacyMigrated = "legacy_migrated"
	FlagDeviceID       = "device_id"
	FlagActiveRecordID = "active_record_id"
	FlagActiveStage    = "active_stage"
)

// Flags is the small key/value table for pointers and booleans. Bulk data
// belongs in a collection.
type Flags struct {
	store *Store
}

// Get returns the value for key, or (nil, nil) when the key is absent.
func (f *Flags) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := f.store.withTx(ctx, "get", collectionMetadata, func(ctx context.Context, tx dbx.DBTX) error {
		v, err := getFlagTx(ctx, tx, key)
		value = v
		return err
	})
	return value, err
}

func (f *Flags) Set(ctx context.Context, key string, value []byte) error {
	return f.store.withTx(ctx, "set", collectionMetadata, func(ctx context.Context, tx dbx.DBTX) error {
		return setFlagTx(ctx, tx, key, value)
	})
}

func (f *Flags) Delete(ctx context.Context, key string) error {
	return f.store.withTx(ctx, "delete", collectionMetadata, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
		return err
	})
}

func (f *Flags) List(ctx context.Context) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := f.store.withTx(ctx, "list", collectionMetadata, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := tx.QueryContext(ctx, `SELECT key, value FROM metadata`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			var value []byte
			if err := rows.Scan(&key, &value); err != nil {
				return err
			}
			result[key] = value
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetString is Get for text values; absent keys yield "".
func (f *Flags) GetString(ctx context.Context, key string) (string, error) {
	v, err := f.Get(ctx, key)
	return string(v), err
}

func (f *Flags) SetString(ctx context.Context, key, value string) error {
	return f.Set(ctx, key, []byte(value))
}

// IsSet reports whether a boolean flag is on.
func (f *Flags) IsSet(ctx context.Context, key string) (bool, error) {
	v, err := f.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return string(v) == "1", nil
}

func getFlagTx(ctx context.Context, tx dbx.DBTX, key string) ([]byte, error) {
	var value []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return value, err
}

func setFlagTx(ctx context.Context, tx dbx.DBTX, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
