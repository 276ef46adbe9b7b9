package client

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvstream/internal/config"
	"tvstream/internal/interfaces"
	"tvstream/internal/protocol"
	"tvstream/internal/quote"
	"tvstream/internal/types"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	frames chan []byte
	err    error
	once   sync.Once
	onSend func(frame []byte)
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 64)}
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, frame)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

func (c *fakeConn) Frames() <-chan []byte { return c.frames }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.frames) })
	return nil
}

func (c *fakeConn) push(t *testing.T, method string, params ...any) {
	if t != nil {
		t.Helper()
	}
	frame, err := protocol.Codec{}.Encode(protocol.Envelope{Method: method, Params: params})
	if err != nil {
		panic(err)
	}
	c.frames <- frame
}

// sentMethods decodes every outbound frame back into method names.
func (c *fakeConn) sentMethods(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, frame := range c.sent {
		msgs, err := protocol.Codec{}.DecodeAll(frame)
		require.NoError(t, err)
		for _, msg := range msgs {
			if msg.IsKeepalive() {
				out = append(out, msg.Keepalive)
				continue
			}
			out = append(out, msg.Method)
		}
	}
	return out
}

func testConfig() *config.Config {
	off := false
	return &config.Config{
		Server:                    "data",
		ConnectTimeoutMs:          500,
		ReconnectMaxRetries:       3,
		ReconnectFastFirstDelayMs: 2,
		ReconnectBaseDelayMs:      2,
		ReconnectMaxDelayMs:       10,
		ReconnectMultiplier:       2,
		ReconnectJitter:           &off,
		AuthMaxAttempts:           2,
		AuthRetryDelayMs:          25,
		RequestTimeoutMs:          500,
		HighWaterMark:             8,
	}
}

// newTestManager wires a manager to a sequence of fake conns. Dial attempts
// past the end of the sequence fail.
func newTestManager(cfg *config.Config, conns ...*fakeConn) *Manager {
	m := New(cfg)
	var mu sync.Mutex
	next := 0
	m.Dial = func(ctx context.Context, url string) (interfaces.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(conns) {
			return nil, types.NewError(types.KindTransport, "no more test conns", nil)
		}
		c := conns[next]
		next++
		return c, nil
	}
	return m
}

func TestConnectAuthenticatesAnonymously(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(testConfig(), conn)

	require.NoError(t, m.Connect(context.Background()))
	defer m.End()

	assert.Equal(t, StateAuthenticated, m.State())
	methods := conn.sentMethods(t)
	require.NotEmpty(t, methods)
	assert.Equal(t, "set_auth_token", methods[0])
	assert.Contains(t, string(conn.sent[0]), "unauthorized_user_token")
}

func TestKeepaliveIsEchoedVerbatim(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(testConfig(), conn)
	require.NoError(t, m.Connect(context.Background()))
	defer m.End()

	conn.frames <- []byte("~m~4~m~~h~7")

	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, frame := range conn.sent {
			if string(frame) == "~m~4~m~~h~7" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestEnvelopesQueueUntilAuthenticated(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(testConfig(), conn)

	_, err := m.Quote(quote.ProfileMinimal)
	require.NoError(t, err)
	require.Empty(t, conn.sent)

	require.NoError(t, m.Connect(context.Background()))
	defer m.End()

	methods := conn.sentMethods(t)
	assert.Equal(t, []string{"set_auth_token", "quote_create_session", "quote_set_fields"}, methods)
}

func TestInboundEnvelopesRouteToTheirSession(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(testConfig(), conn)
	require.NoError(t, m.Connect(context.Background()))
	defer m.End()

	qs, err := m.Quote(quote.ProfileMinimal)
	require.NoError(t, err)
	require.NoError(t, qs.Watch("BINANCE:BTCEUR"))

	var mu sync.Mutex
	var loaded []string
	qs.OnLoaded(func(d quote.Data) {
		mu.Lock()
		loaded = append(loaded, d.Symbol)
		mu.Unlock()
	})

	conn.push(t, "qsd", qs.ID(), map[string]any{
		"n": "BINANCE:BTCEUR", "s": "ok", "v": map[string]any{"lp": 92100.5},
	})
	conn.push(t, "quote_completed", qs.ID(), "BINANCE:BTCEUR")
	// Envelopes for unknown sessions are dropped, not fatal.
	conn.push(t, "quote_completed", "qs_unknown_9", "NASDAQ:AAPL")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loaded) == 1 && loaded[0] == "BINANCE:BTCEUR"
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectRehydratesSessionsInOrder(t *testing.T) {
	conn1, conn2 := newFakeConn(), newFakeConn()
	m := newTestManager(testConfig(), conn1, conn2)
	require.NoError(t, m.Connect(context.Background()))
	defer m.End()

	qs, err := m.Quote(quote.ProfileMinimal)
	require.NoError(t, err)
	require.NoError(t, qs.Watch("BINANCE:BTCEUR"))

	var mu sync.Mutex
	var reconnecting []ReconnectInfo
	reconnected := false
	m.OnReconnecting(func(info ReconnectInfo) {
		mu.Lock()
		reconnecting = append(reconnecting, info)
		mu.Unlock()
	})
	m.OnReconnected(func(int) {
		mu.Lock()
		reconnected = true
		mu.Unlock()
	})

	conn1.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnected
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.NotEmpty(t, reconnecting)
	assert.Equal(t, 1, reconnecting[0].Attempt)
	assert.Equal(t, 3, reconnecting[0].MaxRetries)
	mu.Unlock()

	assert.Equal(t, StateAuthenticated, m.State())
	methods := conn2.sentMethods(t)
	assert.Equal(t, []string{
		"set_auth_token", "quote_create_session", "quote_set_fields", "quote_add_symbols",
	}, methods)
}

func TestQueuedEnvelopesFlushAfterRehydration(t *testing.T) {
	conn1, conn2 := newFakeConn(), newFakeConn()
	m := newTestManager(testConfig(), conn1, conn2)

	// Hold the reconnect dial open so envelopes can queue mid-outage.
	dialStarted := make(chan struct{})
	gate := make(chan struct{})
	inner := m.Dial
	var mu sync.Mutex
	dials := 0
	m.Dial = func(ctx context.Context, url string) (interfaces.Conn, error) {
		mu.Lock()
		dials++
		second := dials == 2
		mu.Unlock()
		if second {
			close(dialStarted)
			<-gate
		}
		return inner(ctx, url)
	}

	require.NoError(t, m.Connect(context.Background()))
	defer m.End()

	qs, err := m.Quote(quote.ProfileMinimal)
	require.NoError(t, err)
	require.NoError(t, qs.Watch("BINANCE:BTCEUR"))

	reconnected := make(chan struct{})
	m.OnReconnected(func(int) { close(reconnected) })

	conn1.Close()
	<-dialStarted
	// Queued while disconnected; must go out only after the session exists
	// on the new connection again.
	require.NoError(t, qs.Watch("BINANCE:ETHUSDT"))
	close(gate)

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect did not finish")
	}

	methods := conn2.sentMethods(t)
	assert.Equal(t, []string{
		"set_auth_token", "quote_create_session", "quote_set_fields",
		"quote_add_symbols", "quote_add_symbols",
	}, methods)
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(testConfig(), conn)
	require.NoError(t, m.Connect(context.Background()))

	var mu sync.Mutex
	var errs []error
	m.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	conn.Close()

	assert.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, errs)
	last := errs[len(errs)-1]
	assert.True(t, types.IsKind(last, types.KindTransport))
	assert.True(t, strings.Contains(last.Error(), "gave up"))
}

func TestDisabledRehydrationDetachesSessions(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.AutoRehydrate = &off

	conn1, conn2 := newFakeConn(), newFakeConn()
	m := newTestManager(cfg, conn1, conn2)
	require.NoError(t, m.Connect(context.Background()))
	defer m.End()

	qs, err := m.Quote(quote.ProfileMinimal)
	require.NoError(t, err)

	conn1.Close()

	assert.Eventually(t, func() bool {
		return m.State() == StateAuthenticated
	}, time.Second, 5*time.Millisecond)

	err = qs.Watch("BINANCE:BTCEUR")
	assert.True(t, types.IsKind(err, types.KindDetached))
	assert.NotContains(t, conn2.sentMethods(t), "quote_create_session")
}

func TestAuthRetriesAfterRejection(t *testing.T) {
	conn := newFakeConn()
	rejected := false
	conn.onSend = func(frame []byte) {
		if strings.Contains(string(frame), "set_auth_token") && !rejected {
			rejected = true
			conn.push(nil, "protocol_error", "invalid token")
		}
	}
	m := newTestManager(testConfig(), conn)

	require.NoError(t, m.Connect(context.Background()))
	defer m.End()
	assert.Equal(t, StateAuthenticated, m.State())

	auths := 0
	for _, method := range conn.sentMethods(t) {
		if method == "set_auth_token" {
			auths++
		}
	}
	assert.Equal(t, 2, auths)
}

func TestAuthGivesUpAfterMaxAttempts(t *testing.T) {
	conn := newFakeConn()
	conn.onSend = func(frame []byte) {
		if strings.Contains(string(frame), "set_auth_token") {
			conn.push(nil, "protocol_error", "invalid token")
		}
	}
	m := newTestManager(testConfig(), conn)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAuth))
	assert.Equal(t, StateIdle, m.State())
}

func TestEndpointURLPerServer(t *testing.T) {
	cfg := testConfig()
	u := endpointURL(cfg)
	assert.True(t, strings.HasPrefix(u, "wss://data.tradingview.com/socket.io/websocket"))
	assert.NotContains(t, u, "chart_id")

	cfg.Server = "history-data"
	cfg.ChartID = "abc123"
	u = endpointURL(cfg)
	assert.True(t, strings.HasPrefix(u, "wss://history-data.tradingview.com/"))
	assert.Contains(t, u, "chart_id=abc123")
}
