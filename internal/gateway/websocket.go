// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	maxFrameSize = 1 << 20
	sendBuffer   = 256
)

// Connection is one client WebSocket. Writes go through a buffered
// queue drained by WriteLoop so a slow client never blocks a session.
type Connection struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	mutex  sync.Mutex
	closed bool
}

// NewConnection wraps an upgraded WebSocket
func NewConnection(conn *websocket.Conn) *Connection {
	conn.SetReadLimit(maxFrameSize)
	return &Connection{
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// ReadLoop passes every text frame to handle until the connection fails
// or ctx is done
func (c *Connection) ReadLoop(ctx context.Context, handle func([]byte)) error {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("read error: %w", err)
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(message)
	}
}

// WriteLoop sends queued frames and keepalive pings until Close
func (c *Connection) WriteLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// wait for the close reply only briefly
			c.conn.SetReadDeadline(time.Now().Add(writeWait))
			return nil

		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

// Send queues a frame for the client
func (c *Connection) Send(msg []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close stops the write loop; the socket itself is closed by the
// handler once both loops have returned
func (c *Connection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
