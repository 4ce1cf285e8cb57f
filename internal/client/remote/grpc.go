package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const pingTimeout = 5 * time.Second

// GRPCSource talks to the fieldsync gateway.
type GRPCSource struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      rpc.GatewayClient
	accessToken string
	sessionID   string
	logger      logging.Logger
}

func NewGRPCSource(endpointURL, accessToken, sessionID string, l logging.Logger) (*GRPCSource, error) {
	s := &GRPCSource{
		endpointURL: endpointURL,
		accessToken: accessToken,
		sessionID:   sessionID,
		logger:      l.With("module", "remote"),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GRPCSource) init() error {
	conn, err := grpc.NewClient(s.endpointURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.unaryInterceptor),
		grpc.WithStreamInterceptor(s.streamInterceptor),
	)
	if err != nil {
		return err
	}
	s.conn = conn
	s.client = rpc.NewGatewayClient(conn)
	return nil
}

func (s *GRPCSource) Close() error {
	return s.conn.Close()
}

func (s *GRPCSource) withCredentials(ctx context.Context) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, s.accessToken)
	if s.sessionID != "" {
		md.Set(common.SessionHeaderName, s.sessionID)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCSource) unaryInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(s.withCredentials(ctx), method, req, reply, cc, opts...)
}

func (s *GRPCSource) streamInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(s.withCredentials(ctx), desc, cc, method, opts...)
}

func (s *GRPCSource) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	resp, err := s.client.Ping(ctx, &structpb.Struct{})
	if err != nil {
		return mapError(err)
	}

	var pong rpc.PingResponse
	if err := rpc.Decode(resp, &pong); err != nil || pong.Status != "OK" {
		return common.ErrUnavailable
	}
	return nil
}

func (s *GRPCSource) Query(ctx context.Context, table string, filter map[string]any) ([]Row, error) {
	var out rpc.QueryResponse
	if err := s.call(ctx, s.client.Query, rpc.QueryRequest{Table: table, Filter: filter}, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (s *GRPCSource) QueryByID(ctx context.Context, table, id string) (*Row, error) {
	var out Row
	if err := s.call(ctx, s.client.QueryByID, rpc.QueryByIDRequest{Table: table, ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCSource) Upsert(ctx context.Context, row Row) (*Row, error) {
	if row.UpdatedBy == "" {
		row.UpdatedBy = s.sessionID
	}
	var out Row
	if err := s.call(ctx, s.client.Upsert, rpc.UpsertRequest{Row: row}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCSource) SendBroadcast(ctx context.Context, topic string, payload []byte) error {
	return s.call(ctx, s.client.Broadcast, rpc.BroadcastRequest{Topic: topic, Payload: payload}, nil)
}

type unaryMethod func(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)

func (s *GRPCSource) call(ctx context.Context, m unaryMethod, req, out any) error {
	in, err := rpc.Encode(req)
	if err != nil {
		return err
	}
	resp, err := m(ctx, in)
	if err != nil {
		return mapError(err)
	}
	if out == nil {
		return nil
	}
	return rpc.Decode(resp, out)
}

func (s *GRPCSource) Subscribe(ctx context.Context, table string, filter map[string]any, onChange func(Row)) (Subscription, error) {
	req := rpc.WatchRequest{Tables: []rpc.TableFilter{{Table: table, Filter: filter}}}
	return s.watch(ctx, req, func(ev rpc.Event) {
		if ev.Kind == rpc.EventChange && ev.Row != nil {
			onChange(*ev.Row)
		}
	})
}

func (s *GRPCSource) OnBroadcast(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error) {
	req := rpc.WatchRequest{Topics: []string{topic}}
	return s.watch(ctx, req, func(ev rpc.Event) {
		if ev.Kind == rpc.EventBroadcast && ev.Topic == topic {
			handler(ev.Payload)
		}
	})
}

func (s *GRPCSource) Unsubscribe(sub Subscription) error {
	sub.Close()
	return nil
}

func (s *GRPCSource) watch(ctx context.Context, req rpc.WatchRequest, deliver func(rpc.Event)) (Subscription, error) {
	in, err := rpc.Encode(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.client.Watch(ctx, in)
	if err != nil {
		cancel()
		return nil, mapError(err)
	}

	sub := newSubscription(cancel)
	go func() {
		for {
			m, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = common.ErrUnavailable
				}
				if ctx.Err() != nil {
					err = nil
				}
				sub.finish(mapError(err))
				return
			}
			var ev rpc.Event
			if err := rpc.Decode(m, &ev); err != nil {
				s.logger.Warn(ctx, "dropping undecodable event", "error", err)
				continue
			}
			deliver(ev)
		}
	}()
	return sub, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, common.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("rpc error: %w", err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return common.ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded:
		return common.ErrUnavailable
	case codes.NotFound:
		return common.ErrNotFound
	case codes.Aborted:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
