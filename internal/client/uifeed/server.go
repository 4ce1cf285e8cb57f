// Package uifeed is the channel between the device agent and its local
// pages. It pushes merge results, warnings and view switches to connected
// WebSocket clients and accepts visibility and editing updates from them.
package uifeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dmitrijs2005/fieldsync/internal/client/coordinator"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
)

type MessageType string

// Outbound messages.
const (
	MessageMergeApplied        MessageType = "merge_applied"
	MessageConflicts           MessageType = "conflicts"
	MessageCrossContextWarning MessageType = "cross_context_warning"
	MessageSwitchView          MessageType = "switch_view"
	MessageStatus              MessageType = "status"
)

// Inbound messages.
const (
	MessageVisibility MessageType = "visibility"
	MessageEditing    MessageType = "editing"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// VisibilityData is sent by a page when it is shown or hidden.
type VisibilityData struct {
	Visible bool `json:"visible"`
}

// ConflictsData accompanies a merge that kept local values over remote ones.
type ConflictsData struct {
	RecordID  string `json:"record_id"`
	Conflicts any    `json:"conflicts"`
}

// Controller is the coordinator side the pages drive.
type Controller interface {
	SetVisible(visible bool)
	SetActive(a coordinator.Active)
	Status() coordinator.Status
}

type Options struct {
	Addr string
	// OnEditing is called after a page changed the record being edited.
	OnEditing func(ctx context.Context, a coordinator.Active)
}

type client struct {
	conn    *websocket.Conn
	visible bool
}

// Server manages page connections and broadcasts coordinator events to
// them. It implements coordinator.Applier.
type Server struct {
	opts     Options
	listener net.Listener
	server   *http.Server
	logger   logging.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
	ctl     Controller

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(opts Options, l logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		logger:    l.With("module", "uifeed"),
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Bind attaches the coordinator. Until then page updates are dropped.
func (s *Server) Bind(ctl Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctl = ctl
}

func (s *Server) controller() Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctl
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start runs the broadcast loop and, when an address is configured, the
// HTTP listener.
func (s *Server) Start() error {
	s.wg.Add(1)
	go s.broadcastLoop()

	if s.opts.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info(s.ctx, "page feed listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(s.ctx, "page feed stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes every page connection and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "agent shutting down")
		delete(s.clients, conn)
	}
	s.mu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown error: %w", serr)
		}
	}

	s.wg.Wait()
	return err
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) ApplyMerge(ctx context.Context, ev coordinator.MergeApplied) {
	s.publish(ctx, MessageMergeApplied, ev)
	if len(ev.Conflicts) > 0 {
		s.publish(ctx, MessageConflicts, ConflictsData{RecordID: ev.RecordID, Conflicts: ev.Conflicts})
	}
}

func (s *Server) Warn(ctx context.Context, ev coordinator.CrossContextWarning) {
	s.publish(ctx, MessageCrossContextWarning, ev)
}

func (s *Server) SwitchView(ctx context.Context, ev coordinator.SwitchView) {
	s.publish(ctx, MessageSwitchView, ev)
}

func (s *Server) publish(ctx context.Context, t MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn(ctx, "failed to marshal page message", "type", t, "error", err)
		return
	}
	msg := Message{Type: t, Timestamp: time.Now().UTC(), Data: data}

	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn(ctx, "page feed full, dropping message", "type", t)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}

			s.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.mu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug(s.ctx, "failed to send to page", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = &client{conn: conn, visible: true}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug(s.ctx, "page connected", "clients", count)
	s.syncVisibility()

	if ctl := s.controller(); ctl != nil {
		data, _ := json.Marshal(ctl.Status())
		welcome, _ := json.Marshal(Message{Type: MessageStatus, Timestamp: time.Now().UTC(), Data: data})
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, welcome)
		cancel()
	}

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug(s.ctx, "dropping malformed page message", "error", err)
			continue
		}
		s.handleMessage(conn, msg)
	}
}

func (s *Server) handleMessage(conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case MessageVisibility:
		var v VisibilityData
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		s.mu.Lock()
		if c, ok := s.clients[conn]; ok {
			c.visible = v.Visible
		}
		s.mu.Unlock()
		s.syncVisibility()

	case MessageEditing:
		var a coordinator.Active
		if len(msg.Data) > 0 && string(msg.Data) != "null" {
			if err := json.Unmarshal(msg.Data, &a); err != nil {
				return
			}
		}
		if ctl := s.controller(); ctl != nil {
			ctl.SetActive(a)
		}
		if s.opts.OnEditing != nil {
			s.opts.OnEditing(s.ctx, a)
		}

	default:
		s.logger.Debug(s.ctx, "ignoring page message", "type", msg.Type)
	}
}

// syncVisibility reports the agent visible while any page is visible, or
// when no page is connected at all.
func (s *Server) syncVisibility() {
	s.mu.RLock()
	visible := len(s.clients) == 0
	for _, c := range s.clients {
		if c.visible {
			visible = true
			break
		}
	}
	ctl := s.ctl
	s.mu.RUnlock()

	if ctl != nil {
		ctl.SetVisible(visible)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.mu.Unlock()

	if !exists {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug(s.ctx, "page disconnected", "clients", count)
	s.syncVisibility()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "clients": s.ClientCount()}
	if ctl := s.controller(); ctl != nil {
		body["coordinator"] = ctl.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
