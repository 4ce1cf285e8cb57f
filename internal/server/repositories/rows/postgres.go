// Package rows provides the PostgreSQL-backed repository for the generic
// sync_rows table that holds every client table on the gateway.
package rows

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/dbx"
	"github.com/dmitrijs2005/fieldsync/internal/rpc"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `tbl, id, owner_id, data, version, updated_by, revision, deleted, updated_at`

// Get returns one row of an owner, or common.ErrNotFound.
func (r *PostgresRepository) Get(ctx context.Context, ownerID, table, id string) (*rpc.Row, error) {
	query := `SELECT ` + selectColumns + ` FROM sync_rows WHERE owner_id = $1 AND tbl = $2 AND id = $3`

	row, err := scanRow(r.db.QueryRowContext(ctx, query, ownerID, table, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select row: %w", err)
	}
	return row, nil
}

// Query returns the rows of an owner's table whose data contains filter,
// ordered by id.
func (r *PostgresRepository) Query(ctx context.Context, ownerID, table string, filter map[string]any) ([]rpc.Row, error) {
	if filter == nil {
		filter = map[string]any{}
	}
	f, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}

	query := `SELECT ` + selectColumns + ` FROM sync_rows
		WHERE owner_id = $1 AND tbl = $2 AND data @> $3::jsonb
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, ownerID, table, string(f))
	if err != nil {
		return nil, fmt.Errorf("failed to select rows: %w", err)
	}
	defer rows.Close()

	var result []rpc.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Upsert writes row for ownerID and bumps its version. It fails with
// common.ErrUnauthorized when the row belongs to another owner and with
// common.ErrVersionConflict when the same session already stored a newer
// revision.
func (r *PostgresRepository) Upsert(ctx context.Context, ownerID string, row rpc.Row) (*rpc.Row, error) {
	data := row.Data
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}

	query := `
		INSERT INTO sync_rows (tbl, id, owner_id, data, version, updated_by, revision, deleted, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 1, $5, $6, $7, now())
		ON CONFLICT (tbl, id)
		DO UPDATE SET
			data = EXCLUDED.data,
			version = sync_rows.version + 1,
			updated_by = EXCLUDED.updated_by,
			revision = EXCLUDED.revision,
			deleted = EXCLUDED.deleted,
			updated_at = now()
			WHERE sync_rows.owner_id = EXCLUDED.owner_id
			AND NOT (sync_rows.updated_by = EXCLUDED.updated_by AND EXCLUDED.revision < sync_rows.revision)
		RETURNING version, updated_at;
	`
	out := row
	out.OwnerID = ownerID
	out.Data = data
	err = r.db.QueryRowContext(ctx, query,
		row.Table, row.ID, ownerID, string(b), row.UpdatedBy, row.Revision, row.Deleted,
	).Scan(&out.Version, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.rejection(ctx, ownerID, row.Table, row.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &out, nil
}

// rejection explains an upsert that updated nothing.
func (r *PostgresRepository) rejection(ctx context.Context, ownerID, table, id string) error {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM sync_rows WHERE tbl = $1 AND id = $2`, table, id).Scan(&owner)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if owner != ownerID {
		return common.ErrUnauthorized
	}
	return common.ErrVersionConflict
}

// Notify sends payload on a notification channel.
func (r *PostgresRepository) Notify(ctx context.Context, channel, payload string) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify error: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (*rpc.Row, error) {
	var (
		row  rpc.Row
		data []byte
	)
	if err := s.Scan(&row.Table, &row.ID, &row.OwnerID, &data, &row.Version,
		&row.UpdatedBy, &row.Revision, &row.Deleted, &row.UpdatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &row.Data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return &row, nil
}
