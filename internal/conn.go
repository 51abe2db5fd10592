package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxMsgSize   = 4096
	sendQueueLen = 64
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

// wsConn wraps a single websocket connection and a buffered send queue.
// siteID and trackTotal are only touched by the read pump.
type wsConn struct {
	server     *Server
	conn       *websocket.Conn
	clientID   string
	remoteIP   string
	siteID     string
	trackTotal bool
	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func newWSConn(server *Server, conn *websocket.Conn, clientID, siteID, remoteIP string, trackTotal bool) *wsConn {
	return &wsConn{
		server:     server,
		conn:       conn,
		clientID:   clientID,
		remoteIP:   remoteIP,
		siteID:     siteID,
		trackTotal: trackTotal,
		send:       make(chan []byte, sendQueueLen),
		closed:     make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.clientID }

// Send queues data without blocking. A full queue means the peer is not
// reading, which the registry treats as a dead connection.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close asks the write pump to send a close frame and stop. Safe to call
// more than once and from under a site lock.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *wsConn) readPump(ctx context.Context) {
	defer func() {
		c.server.hub.Leave(c, c.siteID)
		_ = c.Close()
		_ = c.conn.Close()
		c.server.metrics.DecConn()
		slog.Info("client disconnected", "site", c.siteID, "clientId", c.clientID)
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Warn("read error", "site", c.siteID, "clientId", c.clientID, "error", err)
			}
			return
		}
		// any frame proves liveness, not only pongs
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.server.handleFrame(ctx, c, payload)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, so a shutdown notice queued right
// before Close reaches the peer.
func (c *wsConn) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
