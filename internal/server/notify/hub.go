// Package notify fans PostgreSQL notifications out to gateway watchers.
//
// A single dedicated connection LISTENs on the change and broadcast
// channels. Every notification is decoded once and delivered to the
// subscribers of the owner it belongs to. The connection is re-dialed with
// a backoff whenever it drops.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/server/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Listener is a connection that has already issued its LISTEN statements.
// *pgx.Conn satisfies it.
type Listener interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a Listener.
type Dialer func(ctx context.Context) (Listener, error)

// PgxDialer connects to dsn with pgx and listens on the change and
// broadcast channels.
func PgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (Listener, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		for _, ch := range []string{models.ChannelChanges, models.ChannelBroadcast} {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				_ = conn.Close(ctx)
				return nil, fmt.Errorf("listen %s: %w", ch, err)
			}
		}
		return conn, nil
	}
}

// Message is one decoded notification. Exactly one of Change and
// Broadcast is set.
type Message struct {
	Change    *models.ChangeKey
	Broadcast *models.Broadcast
}

// Subscription receives the messages of one owner. C is closed when the
// subscription is cancelled or the hub stops.
type Subscription struct {
	C <-chan Message

	c       chan Message
	ownerID string
	hub     *Hub
	once    sync.Once
}

// Cancel detaches the subscription from the hub.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

const subscriberBuffer = 64

type Hub struct {
	dial    Dialer
	backoff time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	stopped bool
}

func NewHub(dial Dialer, backoff time.Duration, l logging.Logger) *Hub {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Hub{
		dial:    dial,
		backoff: backoff,
		logger:  l.With("module", "notify"),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for ownerID.
func (h *Hub) Subscribe(ownerID string) *Subscription {
	c := make(chan Message, subscriberBuffer)
	s := &Subscription{C: c, c: c, ownerID: ownerID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(c)
		s.once.Do(func() {})
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
	s.once.Do(func() { close(s.c) })
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run listens until ctx is cancelled, re-dialing after failures. All
// subscriptions are closed on return.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stop()

	for {
		err := h.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		h.logger.Warn(ctx, "listener dropped, reconnecting", "error", err, "backoff", h.backoff)

		t := time.NewTimer(h.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (h *Hub) listen(ctx context.Context) error {
	conn, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = conn.Close(cctx)
	}()

	h.logger.Info(ctx, "listening for notifications")
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := h.Publish(n.Channel, n.Payload); err != nil {
			h.logger.Warn(ctx, "dropping notification", "channel", n.Channel, "error", err)
		}
	}
}

var errUnknownChannel = errors.New("unknown channel")

// Publish decodes a raw notification and delivers it to the owner's
// subscribers. A subscriber whose buffer is full misses the message.
func (h *Hub) Publish(channel, payload string) error {
	var (
		msg   Message
		owner string
	)
	switch channel {
	case models.ChannelChanges:
		var k models.ChangeKey
		if err := json.Unmarshal([]byte(payload), &k); err != nil {
			return fmt.Errorf("decode change: %w", err)
		}
		msg.Change, owner = &k, k.OwnerID
	case models.ChannelBroadcast:
		var b models.Broadcast
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			return fmt.Errorf("decode broadcast: %w", err)
		}
		msg.Broadcast, owner = &b, b.OwnerID
	default:
		return fmt.Errorf("%w: %s", errUnknownChannel, channel)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.ownerID != owner {
			continue
		}
		select {
		case s.c <- msg:
		default:
			h.logger.Warn(context.Background(), "subscriber lagging, message dropped", "owner", owner)
		}
	}
	return nil
}

func (h *Hub) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for s := range h.subs {
		delete(h.subs, s)
		s.once.Do(func() { close(s.c) })
	}
}
