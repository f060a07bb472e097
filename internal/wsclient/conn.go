// Package wsclient is a websocket client speaking cable frames.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/coldvault/pkg/protocol"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Conn represents a WebSocket connection to the server.
type Conn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	sendChan  chan protocol.Frame
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial establishes a WebSocket connection to the server.
// wsURL should be the full WebSocket URL including path and query parameters.
// A non-empty token is sent as a bearer Authorization header.
func Dial(ctx context.Context, wsURL, token string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Frame, 16),
		done:     make(chan struct{}),
	}

	go c.writeLoop()

	return c, nil
}

// ReadLoop reads frames from the connection and calls onFrame for each one.
// Returns when the connection is closed or context is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onFrame func(f protocol.Frame)) error {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		// Closing the connection forces ReadMessage() to unblock instantly
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Any traffic, including the server's own pings, keeps the connection alive.
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var f protocol.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("invalid JSON frame", "error", err)
			continue
		}
		onFrame(f)
	}
}

// Send queues a frame for writing.
func (c *Conn) Send(f protocol.Frame) error {
	select {
	case c.sendChan <- f:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for f := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteJSON(f)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("websocket write error", "error", err)
			return
		}
	}
}

// Close flushes queued frames and closes the connection. It is safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.sendChan)
		<-c.done
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
