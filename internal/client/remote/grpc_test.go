package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeGateway serves a Memory source over the rpc service and records the
// credentials it receives.
type fakeGateway struct {
	mem *Memory

	tokens   chan string
	sessions chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{mem: NewMemory(), tokens: make(chan string, 32), sessions: make(chan string, 32)}
}

func (g *fakeGateway) record(ctx context.Context) {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(common.AccessTokenHeaderName); len(v) > 0 {
		select {
		case g.tokens <- v[0]:
		default:
		}
	}
	if v := md.Get(common.SessionHeaderName); len(v) > 0 {
		select {
		case g.sessions <- v[0]:
		default:
		}
	}
}

func (g *fakeGateway) Ping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	g.record(ctx)
	if err := g.mem.Ping(ctx); err != nil {
		return rpc.Encode(rpc.PingResponse{Status: "DOWN"})
	}
	return rpc.Encode(rpc.PingResponse{Status: "OK"})
}

func (g *fakeGateway) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.QueryRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rows, err := g.mem.Query(ctx, req.Table, req.Filter)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return rpc.Encode(rpc.QueryResponse{Rows: rows})
}

func (g *fakeGateway) QueryByID(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.QueryByIDRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	row, err := g.mem.QueryByID(ctx, req.Table, req.ID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, status.Error(codes.NotFound, "row not found")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return rpc.Encode(row)
}

func (g *fakeGateway) Upsert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	g.record(ctx)
	var req rpc.UpsertRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	row, err := g.mem.Upsert(ctx, req.Row)
	if errors.Is(err, common.ErrVersionConflict) {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return rpc.Encode(row)
}

func (g *fakeGateway) Broadcast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.BroadcastRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := g.mem.SendBroadcast(ctx, req.Topic, req.Payload); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &structpb.Struct{}, nil
}

func (g *fakeGateway) Watch(in *structpb.Struct, stream rpc.WatchServer) error {
	g.record(stream.Context())
	var req rpc.WatchRequest
	if err := rpc.Decode(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	events := make(chan rpc.Event, 16)
	ctx := stream.Context()
	push := func(ev rpc.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	for _, tf := range req.Tables {
		sub, err := g.mem.Subscribe(ctx, tf.Table, tf.Filter, func(r Row) { push(rpc.Event{Kind: rpc.EventChange, Row: &r}) })
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		defer sub.Close()
	}
	for _, topic := range req.Topics {
		topic := topic
		sub, err := g.mem.OnBroadcast(ctx, topic, func(p []byte) {
			push(rpc.Event{Kind: rpc.EventBroadcast, Topic: topic, Payload: json.RawMessage(p)})
		})
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		defer sub.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			m, err := rpc.Encode(ev)
			if err != nil {
				return err
			}
			if err := stream.Send(m); err != nil {
				return err
			}
		}
	}
}

func newTestSource(t *testing.T, g rpc.GatewayServer) *GRPCSource {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterGatewayServer(srv, g)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	s := &GRPCSource{endpointURL: "passthrough:///bufnet", accessToken: "tok", sessionID: "s1", logger: logging.Nop()}
	conn, err := grpc.NewClient(s.endpointURL,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.unaryInterceptor),
		grpc.WithStreamInterceptor(s.streamInterceptor),
	)
	require.NoError(t, err)
	s.conn = conn
	s.client = rpc.NewGatewayClient(conn)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGRPCSource_PingSendsCredentials(t *testing.T) {
	g := newFakeGateway()
	s := newTestSource(t, g)

	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "tok", <-g.tokens)
	assert.Equal(t, "s1", <-g.sessions)

	g.mem.SetOnline(false)
	assert.ErrorIs(t, s.Ping(context.Background()), common.ErrUnavailable)
}

func TestGRPCSource_UpsertQueryAndNotFound(t *testing.T) {
	g := newFakeGateway()
	s := newTestSource(t, g)
	ctx := context.Background()

	row, err := s.Upsert(ctx, Row{Table: TableDrafts, ID: "r1", Data: map[string]any{"project_id": "p1"}, Revision: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version)
	assert.Equal(t, "s1", row.UpdatedBy, "session stamped by the client")

	rows, err := s.Query(ctx, TableDrafts, map[string]any{"project_id": "p1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got, err := s.QueryByID(ctx, TableDrafts, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)

	_, err = s.QueryByID(ctx, TableDrafts, "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = s.Upsert(ctx, Row{Table: TableDrafts, ID: "r1", Revision: 1})
	assert.ErrorIs(t, err, common.ErrVersionConflict)
}

func TestGRPCSource_SubscribeAndBroadcast(t *testing.T) {
	g := newFakeGateway()
	s := newTestSource(t, g)
	ctx := context.Background()

	changes := make(chan Row, 4)
	sub, err := s.Subscribe(ctx, TableDrafts, nil, func(r Row) {
		select {
		case changes <- r:
		default:
		}
	})
	require.NoError(t, err)
	notices := make(chan string, 4)
	bsub, err := s.OnBroadcast(ctx, NoticeTopic, func(p []byte) {
		select {
		case notices <- string(p):
		default:
		}
	})
	require.NoError(t, err)

	// Streams are established asynchronously; retry until the gateway has
	// registered both feeds.
	require.Eventually(t, func() bool {
		_, _ = g.mem.Upsert(ctx, Row{Table: TableDrafts, ID: "r1", UpdatedBy: "peer", Revision: time.Now().UnixNano()})
		_ = g.mem.SendBroadcast(ctx, NoticeTopic, []byte(`{"record_id":"r1"}`))
		return len(changes) > 0 && len(notices) > 0
	}, 5*time.Second, 20*time.Millisecond)

	r := <-changes
	assert.Equal(t, "r1", r.ID)
	assert.JSONEq(t, `{"record_id":"r1"}`, <-notices)

	require.NoError(t, s.Unsubscribe(sub))
	<-sub.Done()
	assert.NoError(t, sub.Err())
	bsub.Close()
}

func TestGRPCSource_SendBroadcast(t *testing.T) {
	g := newFakeGateway()
	s := newTestSource(t, g)
	ctx := context.Background()

	got := make(chan []byte, 1)
	_, err := g.mem.OnBroadcast(ctx, NoticeTopic, func(p []byte) { got <- p })
	require.NoError(t, err)

	require.NoError(t, s.SendBroadcast(ctx, NoticeTopic, []byte(`{"revision":3}`)))
	assert.JSONEq(t, `{"revision":3}`, string(<-got))
}

func TestGRPCSource_StreamEndsWhenGatewayStops(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterGatewayServer(srv, newFakeGateway())
	go func() { _ = srv.Serve(lis) }()

	s := &GRPCSource{accessToken: "tok", logger: logging.Nop()}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	s.client = rpc.NewGatewayClient(conn)

	sub, err := s.Subscribe(context.Background(), TableDrafts, nil, func(Row) {})
	require.NoError(t, err)
	srv.Stop()

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.Error(t, sub.Err())
}

func TestMapError(t *testing.T) {
	assert.Equal(t, common.ErrUnauthorized, mapError(status.Error(codes.Unauthenticated, "x")))
	assert.Equal(t, common.ErrUnauthorized, mapError(status.Error(codes.PermissionDenied, "x")))
	assert.Equal(t, common.ErrUnavailable, mapError(status.Error(codes.Unavailable, "x")))
	assert.Equal(t, common.ErrUnavailable, mapError(status.Error(codes.DeadlineExceeded, "x")))
	assert.Equal(t, common.ErrNotFound, mapError(status.Error(codes.NotFound, "x")))
	assert.Equal(t, common.ErrVersionConflict, mapError(status.Error(codes.Aborted, "x")))
	assert.ErrorContains(t, mapError(errors.New("plain")), "rpc error:")
	assert.NoError(t, mapError(nil))
}
