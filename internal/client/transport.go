package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	ReconnectDelay = 500 * time.Millisecond
	writeTimeout   = 10 * time.Second
)

// WSTransport is a websocket connection to the sync endpoint that
// reconnects after a fixed delay whenever it drops.
type WSTransport struct {
	url    string
	dialer *websocket.Dialer
	delay  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport returns a transport for the sync endpoint at url
// (ws:// or wss://).
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{url: url, dialer: websocket.DefaultDialer, delay: ReconnectDelay}
}

// Send writes msg to the current connection.
func (t *WSTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Connected reports whether a connection is open.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Run keeps a connection open and feeds it to h until ctx is cancelled.
// After a connection drops it waits at least the reconnect delay before
// dialing again.
func (t *WSTransport) Run(ctx context.Context, h Handler) error {
	for first := true; ; first = false {
		if !first {
			select {
			case <-time.After(t.delay):
			case <-ctx.Done():
				return nil
			}
		}
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
			return conn, err
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(t.delay)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				glog.V(1).Infof("Dial %s failed, retrying in %s: %v", t.url, next, err)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to %s: %w", t.url, err)
		}

		t.setConn(conn)
		h.OnOpen()
		err = t.read(ctx, conn, h)
		t.setConn(nil)
		if ctx.Err() != nil {
			return nil
		}
		glog.Warningf("Connection to %s lost: %v", t.url, err)
	}
}

func (t *WSTransport) read(ctx context.Context, conn *websocket.Conn, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return err
		}
		h.HandleMessage(data)
	}
}

func (t *WSTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}
