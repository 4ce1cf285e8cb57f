// Package grpc exposes the sync service over the gateway gRPC API.
package grpc

import (
	"context"
	"encoding/json"
	"net"

	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/rpc"
	"google.golang.org/grpc"
)

// SyncService is the use-case layer behind the handlers.
type SyncService interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, ownerID, table string, filter map[string]any) ([]rpc.Row, error)
	QueryByID(ctx context.Context, ownerID, table, id string) (*rpc.Row, error)
	Upsert(ctx context.Context, ownerID, sessionID string, row rpc.Row) (*rpc.Row, error)
	Broadcast(ctx context.Context, ownerID, sessionID, topic string, payload json.RawMessage) error
	Watch(ctx context.Context, ownerID string, req rpc.WatchRequest, send func(rpc.Event) error) error
}

type GRPCServer struct {
	address   string
	sync      SyncService
	logger    logging.Logger
	jwtSecret []byte
}

var _ rpc.GatewayServer = (*GRPCServer)(nil)

func NewGRPCServer(a string, l logging.Logger, ss SyncService, secretKey string) (*GRPCServer, error) {
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		sync:      ss,
		jwtSecret: []byte(secretKey),
	}, nil
}

// NewServer builds a grpc.Server with the auth interceptors and the
// gateway service registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamAccessTokenInterceptor),
	)
	srv := grpc.NewServer(opts...)
	rpc.RegisterGatewayServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := s.NewServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
