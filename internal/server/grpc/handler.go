package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/rpc"
	"github.com/dmitrijs2005/fieldsync/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStatus maps service errors onto gRPC codes. Unknown errors are logged
// and hidden behind codes.Internal.
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, common.ErrVersionConflict):
		return status.Error(codes.Aborted, "version conflict")
	case errors.Is(err, common.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, "permission denied")
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, services.ErrPayloadTooLarge):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrUnavailable):
		return status.Error(codes.Unavailable, "unavailable")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	default:
		s.logger.Error(ctx, "request failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func decode(in *structpb.Struct, v any) error {
	if err := rpc.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func (s *GRPCServer) Ping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st := "OK"
	if err := s.sync.Ping(ctx); err != nil {
		s.logger.Warn(ctx, "database ping failed", "error", err)
		st = "DOWN"
	}
	return rpc.Encode(rpc.PingResponse{Status: st})
}

func (s *GRPCServer) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.QueryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	rows, err := s.sync.Query(ctx, userIDFrom(ctx), req.Table, req.Filter)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	if rows == nil {
		rows = []rpc.Row{}
	}
	return rpc.Encode(rpc.QueryResponse{Rows: rows})
}

func (s *GRPCServer) QueryByID(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.QueryByIDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	row, err := s.sync.QueryByID(ctx, userIDFrom(ctx), req.Table, req.ID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return rpc.Encode(row)
}

func (s *GRPCServer) Upsert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.UpsertRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	row, err := s.sync.Upsert(ctx, userIDFrom(ctx), sessionIDFrom(ctx), req.Row)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	s.logger.Info(ctx, "Upserted", "table", row.Table, "id", row.ID, "version", row.Version)
	return rpc.Encode(row)
}

func (s *GRPCServer) Broadcast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.BroadcastRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	if err := s.sync.Broadcast(ctx, userIDFrom(ctx), sessionIDFrom(ctx), req.Topic, req.Payload); err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &structpb.Struct{}, nil
}

func (s *GRPCServer) Watch(in *structpb.Struct, stream rpc.WatchServer) error {
	ctx := stream.Context()

	var req rpc.WatchRequest
	if err := decode(in, &req); err != nil {
		return err
	}

	s.logger.Info(ctx, "Watch opened", "tables", len(req.Tables), "topics", req.Topics)
	err := s.sync.Watch(ctx, userIDFrom(ctx), req, func(ev rpc.Event) error {
		m, err := rpc.Encode(ev)
		if err != nil {
			return err
		}
		return stream.Send(m)
	})
	if err != nil {
		return s.toStatus(ctx, err)
	}
	return nil
}
