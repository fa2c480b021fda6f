package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"gihan9a/groupsync/internal/utils"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

var (
	errClientClosed = errors.New("client closed")
	errSlowClient   = errors.New("client send buffer full")
)

// Client is one websocket connection. Outgoing messages are queued and
// written by a single goroutine.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	session string
	closed  bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   utils.GenerateRandomID(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Session returns the session the client registered with.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// Send queues msg without blocking.
func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSlowClient
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			glog.V(1).Infof("Write to client %s failed: %v", c.ID, err)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Hub tracks the clients registered with each session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[string]*Client)}
}

// Join registers c with session, leaving any session it was in before.
func (h *Hub) Join(session string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := c.Session(); prev != "" && prev != session {
		h.leave(prev, c)
	}
	if _, exists := h.sessions[session]; !exists {
		h.sessions[session] = make(map[string]*Client)
	}
	h.sessions[session][c.ID] = c
	c.setSession(session)
	glog.V(1).Infof("Client %s joined session %s", c.ID, session)
}

// Leave removes c from its session.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if session := c.Session(); session != "" {
		h.leave(session, c)
	}
}

func (h *Hub) leave(session string, c *Client) {
	if clients, exists := h.sessions[session]; exists {
		delete(clients, c.ID)
		glog.V(1).Infof("Client %s left session %s", c.ID, session)
		if len(clients) == 0 {
			delete(h.sessions, session)
		}
	}
}

// Count returns the number of clients in session.
func (h *Hub) Count(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[session])
}

func (h *Hub) clients(session string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.sessions[session]))
	for _, c := range h.sessions[session] {
		out = append(out, c)
	}
	return out
}

// Broadcast queues msg for every client in session except the one with id
// except. Clients that cannot keep up are disconnected.
func (h *Hub) Broadcast(ctx context.Context, session string, msg []byte, except string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, c := range h.clients(session) {
		if c.ID == except {
			continue
		}
		g.Go(func() error {
			err := c.Send(msg)
			if errors.Is(err, errSlowClient) {
				glog.Warningf("Dropping slow client %s from session %s", c.ID, session)
				h.Leave(c)
				c.close()
			}
			if err != nil {
				return fmt.Errorf("client %s: %w", c.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for session, clients := range h.sessions {
		for _, c := range clients {
			c.close()
		}
		delete(h.sessions, session)
	}
}
