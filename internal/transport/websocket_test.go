package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvstream/internal/types"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Send([]byte("~m~4~m~~h~1")))

	select {
	case frame := <-ws.Frames():
		assert.Equal(t, "~m~4~m~~h~1", string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}

func TestSendAfterCloseIsNotOpen(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	err = ws.Send([]byte("x"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotOpen))
}

func TestFramesClosedOnServerDrop(t *testing.T) {
	// httptest stops tracking hijacked conns, so CloseClientConnections
	// cannot drop an upgraded websocket; close the server side directly.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	defer srv.Close()

	ws, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, (<-serverConns).UnderlyingConn().Close())

	select {
	case _, ok := <-ws.Frames():
		assert.False(t, ok, "frames channel should close when the peer drops")
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel never closed")
	}
	assert.Error(t, ws.Err())
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/socket")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport))
}

func TestCloseIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	assert.NotPanics(t, func() { _ = ws.Close() })
}
