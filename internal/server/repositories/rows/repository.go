package rows

import (
	"context"

	"github.com/dmitrijs2005/fieldsync/internal/rpc"
)

// Repository stores rows of the client tables, scoped by owner.
type Repository interface {
	Get(ctx context.Context, ownerID, table, id string) (*rpc.Row, error)
	Query(ctx context.Context, ownerID, table string, filter map[string]any) ([]rpc.Row, error)
	Upsert(ctx context.Context, ownerID string, row rpc.Row) (*rpc.Row, error)
	Notify(ctx context.Context, channel, payload string) error
}
