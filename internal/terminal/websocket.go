package terminal

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/websoft9/devicelink/internal/cli"
)

// WebSocketConfig reaches a console server that exposes a device CLI over a
// WebSocket: text or binary frames carry raw terminal bytes both ways.
type WebSocketConfig struct {
	URL            string
	Header         http.Header
	Subprotocols   []string
	ConnectTimeout time.Duration
	// Binary sends input as binary frames instead of text frames.
	Binary bool
}

// WebSocket is a cli.Transport over a WebSocket connection.
type WebSocket struct {
	cfg WebSocketConfig

	conn *websocket.Conn
	wmu  sync.Mutex

	cur io.Reader // current incoming frame
}

// NewWebSocket returns an unconnected transport.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg}
}

func (w *WebSocket) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.cfg.ConnectTimeout,
		Subprotocols:     w.cfg.Subprotocols,
	}
	conn, resp, err := dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return cli.Wrap(cli.KindConnect, "websocket dial "+w.cfg.URL, err)
	}
	w.conn = conn
	log.Printf("[websocket] connected to %s", w.cfg.URL)
	return nil
}

// Read returns frame payloads as one continuous byte stream.
func (w *WebSocket) Read(p []byte) (int, error) {
	if w.conn == nil {
		return 0, cli.ErrNotConnected
	}
	for {
		if w.cur == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					return 0, io.EOF
				}
				return 0, err
			}
			w.cur = r
		}
		n, err := w.cur.Read(p)
		if errors.Is(err, io.EOF) {
			w.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *WebSocket) Write(p []byte) (int, error) {
	if w.conn == nil {
		return 0, cli.ErrNotConnected
	}
	kind := websocket.TextMessage
	if w.cfg.Binary {
		kind = websocket.BinaryMessage
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.WriteMessage(kind, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and drops the connection.
func (w *WebSocket) Close() error {
	if w.conn == nil {
		return nil
	}
	w.wmu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.wmu.Unlock()
	err := w.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

var _ cli.Transport = (*WebSocket)(nil)
