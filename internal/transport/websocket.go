// Package transport provides the duplex connection the streaming core runs
// over. It deals in opaque frames; framing and envelopes belong to the
// protocol package, keepalive echoing to the connection manager.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tvstream/internal/logger"
	"tvstream/internal/types"
)

const defaultHandshakeTimeout = 10 * time.Second

// Origin the upstream expects on the websocket handshake.
var handshakeOrigin = "https://www.tradingview.com"

// WebSocket is a Conn over a gorilla websocket connection. A single reader
// goroutine feeds Frames(); writes are serialized by a mutex.
type WebSocket struct {
	conn   *websocket.Conn
	frames chan []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial opens the websocket. The context deadline bounds the handshake.
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	d := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(deadline)
	}
	header := http.Header{"Origin": []string{handshakeOrigin}}
	conn, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, types.NewError(types.KindTransport, "dial "+url, err)
	}

	ws := &WebSocket{
		conn:   conn,
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go ws.readLoop()
	return ws, nil
}

func (ws *WebSocket) readLoop() {
	defer close(ws.frames)
	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			ws.setErr(err)
			return
		}
		select {
		case ws.frames <- message:
		case <-ws.closed:
			return
		}
	}
}

// Send writes one frame. Rejected with NotOpen after the connection closes.
func (ws *WebSocket) Send(frame []byte) error {
	select {
	case <-ws.closed:
		return types.NewError(types.KindNotOpen, "send on closed connection", ws.Err())
	default:
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := ws.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		ws.setErr(err)
		return types.NewError(types.KindTransport, "write frame", err)
	}
	return nil
}

// Frames exposes inbound frames; closed when the connection dies.
func (ws *WebSocket) Frames() <-chan []byte { return ws.frames }

// Err reports why the connection died, nil while it is healthy.
func (ws *WebSocket) Err() error {
	ws.errMu.Lock()
	defer ws.errMu.Unlock()
	return ws.err
}

func (ws *WebSocket) setErr(err error) {
	ws.errMu.Lock()
	if ws.err == nil {
		ws.err = err
	}
	ws.errMu.Unlock()
}

// Close tears the connection down. Safe to call more than once.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closed)
		ws.writeMu.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.writeMu.Unlock()
		err = ws.conn.Close()
		logger.Debug(context.Background(), "Transport closed")
	})
	return err
}
