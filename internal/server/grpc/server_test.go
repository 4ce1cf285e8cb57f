package grpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/rpc"
	"github.com/dmitrijs2005/fieldsync/internal/server/auth"
	"github.com/dmitrijs2005/fieldsync/internal/server/services"
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

const testSecret = "test-secret"

// fakeSync records the caller identity of every call.
type fakeSync struct {
	mu       sync.Mutex
	owners   []string
	sessions []string

	pingErr   error
	rows      map[string]rpc.Row
	upsertErr error
	events    []rpc.Event
	watchErr  error
	broadcast []string
}

func (f *fakeSync) seen(owner, session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, owner)
	f.sessions = append(f.sessions, session)
}

func (f *fakeSync) Ping(context.Context) error { return f.pingErr }

func (f *fakeSync) Query(ctx context.Context, ownerID, table string, filter map[string]any) ([]rpc.Row, error) {
	f.seen(ownerID, "")
	if table == "" {
		return nil, services.ErrInvalidRequest
	}
	var out []rpc.Row
	for _, r := range f.rows {
		if r.Table == table && r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSync) QueryByID(ctx context.Context, ownerID, table, id string) (*rpc.Row, error) {
	f.seen(ownerID, "")
	r, ok := f.rows[table+"/"+id]
	if !ok || r.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}
	return &r, nil
}

func (f *fakeSync) Upsert(ctx context.Context, ownerID, sessionID string, row rpc.Row) (*rpc.Row, error) {
	f.seen(ownerID, sessionID)
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	row.OwnerID, row.UpdatedBy, row.Version = ownerID, sessionID, row.Version+1
	return &row, nil
}

func (f *fakeSync) Broadcast(ctx context.Context, ownerID, sessionID, topic string, payload json.RawMessage) error {
	f.seen(ownerID, sessionID)
	f.mu.Lock()
	f.broadcast = append(f.broadcast, topic+":"+string(payload))
	f.mu.Unlock()
	return nil
}

func (f *fakeSync) Watch(ctx context.Context, ownerID string, req rpc.WatchRequest, send func(rpc.Event) error) error {
	f.seen(ownerID, "")
	for _, ev := range f.events {
		if err := send(ev); err != nil {
			return err
		}
	}
	return f.watchErr
}

func startServer(t *testing.T, fs *fakeSync) rpc.GatewayClient {
	t.Helper()

	s, err := NewGRPCServer("", logging.Nop(), fs, testSecret)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := s.NewServer()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return rpc.NewGatewayClient(conn)
}

func authed(t *testing.T, userID, session string) context.Context {
	t.Helper()
	tok, err := auth.GenerateToken(userID, []byte(testSecret), time.Hour)
	require.NoError(t, err)
	md := metadata.Pairs(common.AccessTokenHeaderName, tok)
	if session != "" {
		md.Set(common.SessionHeaderName, session)
	}
	return metadata.NewOutgoingContext(context.Background(), md)
}

func encode(t *testing.T, v any) *structpb.Struct {
	t.Helper()
	s, err := rpc.Encode(v)
	require.NoError(t, err)
	return s
}

func TestPing_NoTokenRequired(t *testing.T) {
	fs := &fakeSync{}
	c := startServer(t, fs)

	resp, err := c.Ping(context.Background(), encode(t, struct{}{}))
	require.NoError(t, err)
	var out rpc.PingResponse
	require.NoError(t, rpc.Decode(resp, &out))
	assert.Equal(t, "OK", out.Status)
}

func TestPing_DatabaseDown(t *testing.T) {
	fs := &fakeSync{pingErr: assert.AnError}
	c := startServer(t, fs)

	resp, err := c.Ping(context.Background(), encode(t, struct{}{}))
	require.NoError(t, err)
	var out rpc.PingResponse
	require.NoError(t, rpc.Decode(resp, &out))
	assert.Equal(t, "DOWN", out.Status)
}

func TestQuery_RequiresToken(t *testing.T) {
	c := startServer(t, &fakeSync{})

	_, err := c.Query(context.Background(), encode(t, rpc.QueryRequest{Table: "records"}))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, "missing token", status.Convert(err).Message())

	bad := metadata.AppendToOutgoingContext(context.Background(), common.AccessTokenHeaderName, "garbage")
	_, err = c.Query(bad, encode(t, rpc.QueryRequest{Table: "records"}))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, "invalid token", status.Convert(err).Message())
}

func TestQuery_ScopedToCaller(t *testing.T) {
	fs := &fakeSync{rows: map[string]rpc.Row{
		"records/r1": {Table: "records", ID: "r1", OwnerID: "u1"},
		"records/r2": {Table: "records", ID: "r2", OwnerID: "u2"},
	}}
	c := startServer(t, fs)

	resp, err := c.Query(authed(t, "u1", ""), encode(t, rpc.QueryRequest{Table: "records"}))
	require.NoError(t, err)
	var out rpc.QueryResponse
	require.NoError(t, rpc.Decode(resp, &out))
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "r1", out.Rows[0].ID)

	_, err = c.Query(authed(t, "u1", ""), encode(t, rpc.QueryRequest{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQueryByID_NotFound(t *testing.T) {
	c := startServer(t, &fakeSync{rows: map[string]rpc.Row{}})

	_, err := c.QueryByID(authed(t, "u1", ""), encode(t, rpc.QueryByIDRequest{Table: "records", ID: "x"}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestUpsert_PassesSession(t *testing.T) {
	fs := &fakeSync{}
	c := startServer(t, fs)

	resp, err := c.Upsert(authed(t, "u1", "tablet-1/abc"), encode(t, rpc.UpsertRequest{Row: rpc.Row{
		Table: "records", ID: "r1", Data: map[string]any{"status": "draft"}, Revision: 3,
	}}))
	require.NoError(t, err)

	var out rpc.Row
	require.NoError(t, rpc.Decode(resp, &out))
	assert.Equal(t, "u1", out.OwnerID)
	assert.Equal(t, "tablet-1/abc", out.UpdatedBy)
	assert.Equal(t, int64(1), out.Version)
	assert.Equal(t, int64(3), out.Revision)
}

func TestUpsert_ErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{common.ErrVersionConflict, codes.Aborted},
		{common.ErrUnauthorized, codes.PermissionDenied},
		{services.ErrInvalidRequest, codes.InvalidArgument},
		{assert.AnError, codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			c := startServer(t, &fakeSync{upsertErr: tc.err})
			_, err := c.Upsert(authed(t, "u1", "s1"), encode(t, rpc.UpsertRequest{Row: rpc.Row{Table: "records", ID: "r1"}}))
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestBroadcast(t *testing.T) {
	fs := &fakeSync{}
	c := startServer(t, fs)

	_, err := c.Broadcast(authed(t, "u1", "s1"), encode(t, rpc.BroadcastRequest{Topic: "changes", Payload: json.RawMessage(`{"a":1}`)}))
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{`changes:{"a":1}`}, fs.broadcast)
	assert.Equal(t, []string{"u1"}, fs.owners)
	assert.Equal(t, []string{"s1"}, fs.sessions)
}

func TestWatch_StreamsEvents(t *testing.T) {
	fs := &fakeSync{
		events: []rpc.Event{
			{Kind: rpc.EventChange, Row: &rpc.Row{Table: "drafts", ID: "d1", Version: 2}},
			{Kind: rpc.EventBroadcast, Topic: "changes", Payload: json.RawMessage(`{"rev":1}`)},
		},
		watchErr: common.ErrUnavailable,
	}
	c := startServer(t, fs)

	stream, err := c.Watch(authed(t, "u1", ""), encode(t, rpc.WatchRequest{Topics: []string{"changes"}}))
	require.NoError(t, err)

	var got []rpc.Event
	for {
		m, err := stream.Recv()
		if err != nil {
			assert.Equal(t, codes.Unavailable, status.Code(err))
			break
		}
		var ev rpc.Event
		require.NoError(t, rpc.Decode(m, &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].Row.ID)
	assert.Equal(t, "changes", got[1].Topic)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{"u1"}, fs.owners)
}

func TestWatch_RequiresToken(t *testing.T) {
	c := startServer(t, &fakeSync{})

	stream, err := c.Watch(context.Background(), encode(t, rpc.WatchRequest{}))
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, err := NewGRPCServer("127.0.0.1:0", logging.Nop(), &fakeSync{}, testSecret)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
