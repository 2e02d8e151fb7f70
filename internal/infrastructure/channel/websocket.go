package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/logger"
)

// Config holds websocket dial and write settings.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	Header           http.Header
}

func NewDefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
}

// WebSocketDialer opens FHIRcast channels over gorilla/websocket.
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	logger       logger.Logger
}

var _ fhircast.Dialer = (*WebSocketDialer)(nil)

func NewWebSocketDialer(cfg Config, log logger.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		header:       cfg.Header,
		writeTimeout: cfg.WriteTimeout,
		logger:       log.WithField("component", "websocket-channel"),
	}
}

// Dial performs the websocket handshake with endpoint.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (fhircast.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed with status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	d.logger.Debugf("WebSocket channel established to %s", endpoint)
	return newWebSocketConn(conn, d.writeTimeout, d.logger.WithField("endpoint", endpoint)), nil
}

// WebSocketConn adapts a *websocket.Conn to fhircast.Conn.
type WebSocketConn struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error

	logger logger.Logger
}

func newWebSocketConn(conn *websocket.Conn, writeTimeout time.Duration, log logger.Logger) *WebSocketConn {
	return &WebSocketConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       log,
	}
}

// ReadMessage returns the next text frame. Binary frames are skipped. A normal or
// going-away close from the hub is reported as io.EOF.
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage:
			return data, nil
		case websocket.BinaryMessage:
			c.logger.Debugf("Ignoring binary frame of length %d", len(data))
		}
	}
}

// WriteMessage sends data as a single text frame.
func (c *WebSocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and releases the connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		if c.writeTimeout > 0 {
			deadline = time.Now().Add(c.writeTimeout)
		}
		// The peer may already be gone; the close frame is best effort.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		c.closeErr = c.conn.Close()
		c.logger.Debug("WebSocket channel closed")
	})
	return c.closeErr
}
