package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"tvstream/internal/auth"
	"tvstream/internal/config"
	"tvstream/internal/events"
	"tvstream/internal/interfaces"
	"tvstream/internal/logger"
	"tvstream/internal/protocol"
	"tvstream/internal/transport"
	"tvstream/internal/types"
)

// State is the connection lifecycle of a Manager.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateAuthenticated
	StateClosing
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ReconnectInfo accompanies the reconnecting event.
type ReconnectInfo struct {
	Attempt    int
	MaxRetries int
}

// TimeoutInfo accompanies the connectTimeout event.
type TimeoutInfo struct {
	TimeoutMs int
}

// Manager owns one upstream connection and multiplexes any number of
// sessions over it: it authenticates, echoes keepalives, routes inbound
// envelopes to per-session dispatch queues and replays session state after
// reconnects.
type Manager struct {
	cfg   *config.Config
	codec protocol.Codec
	auth  *auth.Client
	bus   *events.Bus

	// Dial is swappable for tests. Defaults to the websocket transport.
	Dial interfaces.Dialer

	state      atomic.Int32
	userClosed atomic.Bool

	mu       sync.Mutex
	conn     interfaces.Conn
	sessions map[string]*entry
	order    []string
	sendQ    [][]byte
	authErr  chan error

	superviseDone chan struct{}
}

// New creates a manager for the given validated config.
func New(cfg *config.Config) *Manager {
	m := &Manager{
		cfg: cfg,
		codec: protocol.Codec{
			Strict:      cfg.StrictProtocol,
			Compression: cfg.CompressionEnabled(),
		},
		auth: &auth.Client{Location: cfg.Location},
		bus:  events.NewBus(),
		Dial: func(ctx context.Context, url string) (interfaces.Conn, error) {
			return transport.Dial(ctx, url)
		},
		sessions: map[string]*entry{},
	}
	m.state.Store(int32(StateIdle))
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Connect dials, authenticates and starts the supervisor that reconnects on
// unexpected drops. It returns once the connection is authenticated.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return types.NewError(types.KindTransport, "already connected", nil)
	}
	conn, done, err := m.dialAndAuth(ctx)
	if err != nil {
		m.setState(StateIdle)
		return err
	}
	m.flushQueue(conn)
	m.bus.Emit("connected", nil)
	m.superviseDone = make(chan struct{})
	go m.supervise(conn, done)
	return nil
}

// dialAndAuth opens a connection, starts its read pump and runs the auth
// handshake. The caller flushes queued envelopes once any session restore
// has run, so they never reference sessions the fresh connection lacks.
func (m *Manager) dialAndAuth(ctx context.Context) (interfaces.Conn, chan struct{}, error) {
	timeout := time.Duration(m.cfg.ConnectTimeoutMs) * time.Millisecond
	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := m.Dial(dctx, endpointURL(m.cfg))
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || dctx.Err() != nil {
			m.bus.Emit("connectTimeout", TimeoutInfo{TimeoutMs: m.cfg.ConnectTimeoutMs})
		}
		return nil, nil, types.NewError(types.KindTransport, "dial failed", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(StateOpen)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range conn.Frames() {
			m.handleFrame(conn, frame)
		}
	}()

	if err := m.authenticate(ctx, conn); err != nil {
		conn.Close()
		<-done
		return nil, nil, err
	}
	m.setState(StateAuthenticated)
	return conn, done, nil
}

// authenticate sends set_auth_token and watches for a rejection within the
// retry window. The upstream stays silent on success, so absence of a
// protocol error inside the window counts as authenticated.
func (m *Manager) authenticate(ctx context.Context, conn interfaces.Conn) error {
	token := m.cfg.Token
	if token == "" {
		var err error
		token, err = m.auth.FetchToken(ctx, m.cfg.Session, m.cfg.Signature)
		if err != nil {
			return err
		}
	}

	window := time.Duration(m.cfg.AuthRetryDelayMs) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= m.cfg.AuthMaxAttempts; attempt++ {
		errCh := make(chan error, 1)
		m.mu.Lock()
		m.authErr = errCh
		m.mu.Unlock()

		frame, err := m.codec.Encode(protocol.Envelope{Method: "set_auth_token", Params: []any{token}})
		if err != nil {
			return err
		}
		if err := conn.Send(frame); err != nil {
			return types.NewError(types.KindAuth, "auth send failed", err)
		}
		logger.Frame(ctx, "out", "set_auth_token")

		timer := time.NewTimer(window)
		select {
		case lastErr = <-errCh:
			timer.Stop()
			logger.Warn(ctx, "auth attempt rejected", "attempt", attempt, "error", lastErr)
		case <-timer.C:
			m.clearAuthErr()
			return nil
		case <-ctx.Done():
			timer.Stop()
			m.clearAuthErr()
			return ctx.Err()
		}
	}
	m.clearAuthErr()
	return types.NewError(types.KindAuth,
		fmt.Sprintf("authentication failed after %d attempts", m.cfg.AuthMaxAttempts), lastErr)
}

func (m *Manager) clearAuthErr() {
	m.mu.Lock()
	m.authErr = nil
	m.mu.Unlock()
}

// supervise waits for the connection to die and drives the reconnect loop
// until the user closes the manager or retries run out.
func (m *Manager) supervise(conn interfaces.Conn, done chan struct{}) {
	defer close(m.superviseDone)
	for {
		<-done
		cause := conn.Err()
		if m.userClosed.Load() {
			m.setState(StateIdle)
			m.bus.Emit("disconnected", cause)
			return
		}
		m.bus.Emit("disconnected", cause)

		next, nextDone, ok := m.reconnect()
		if !ok {
			if m.userClosed.Load() {
				m.setState(StateIdle)
				return
			}
			m.setState(StateFailed)
			m.bus.Emit(events.ErrorEvent, types.NewError(types.KindTransport,
				fmt.Sprintf("reconnect gave up after %d attempts", m.cfg.ReconnectMaxRetries), cause))
			return
		}
		conn, done = next, nextDone
	}
}

// reconnect retries with exponential backoff. The first attempt uses the
// fast-first delay so short network blips recover quickly.
func (m *Manager) reconnect() (interfaces.Conn, chan struct{}, bool) {
	m.setState(StateReconnecting)
	b := &backoff.Backoff{
		Min:    time.Duration(m.cfg.ReconnectBaseDelayMs) * time.Millisecond,
		Max:    time.Duration(m.cfg.ReconnectMaxDelayMs) * time.Millisecond,
		Factor: m.cfg.ReconnectMultiplier,
		Jitter: m.cfg.JitterEnabled(),
	}
	for attempt := 1; attempt <= m.cfg.ReconnectMaxRetries; attempt++ {
		delay := b.Duration()
		if attempt == 1 {
			delay = time.Duration(m.cfg.ReconnectFastFirstDelayMs) * time.Millisecond
		}
		m.bus.Emit("reconnecting", ReconnectInfo{Attempt: attempt, MaxRetries: m.cfg.ReconnectMaxRetries})
		time.Sleep(delay)
		if m.userClosed.Load() {
			return nil, nil, false
		}

		conn, done, err := m.dialAndAuth(context.Background())
		if err != nil {
			logger.Warn(context.Background(), "reconnect attempt failed",
				"attempt", attempt, "error", err)
			m.setState(StateReconnecting)
			continue
		}
		m.restoreSessions()
		m.flushQueue(conn)
		m.bus.Emit("reconnected", attempt)
		return conn, done, true
	}
	return nil, nil, false
}

// restoreSessions rehydrates every registered session in creation order, or
// detaches them all when rehydration is disabled.
func (m *Manager) restoreSessions() {
	m.mu.Lock()
	ordered := make([]interfaces.Session, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.sessions[id]; ok {
			ordered = append(ordered, e.session)
		}
	}
	m.mu.Unlock()

	for _, s := range ordered {
		if !m.cfg.AutoRehydrateEnabled() {
			s.Detach()
			continue
		}
		if err := s.Rehydrate(); err != nil {
			logger.Warn(context.Background(), "rehydration failed",
				"session_id", s.ID(), "error", err)
			m.bus.Emit(events.ErrorEvent, err)
		}
	}
}

// handleFrame decodes one raw frame, echoes keepalives and routes the rest.
func (m *Manager) handleFrame(conn interfaces.Conn, frame []byte) {
	msgs, err := m.codec.DecodeAll(frame)
	if err != nil {
		m.bus.Emit(events.ErrorEvent, err)
		conn.Close()
		return
	}
	for _, msg := range msgs {
		if msg.IsKeepalive() {
			if err := conn.Send(m.codec.EncodeRaw(msg.Keepalive)); err != nil {
				logger.Warn(context.Background(), "keepalive echo failed", "error", err)
			}
			continue
		}
		logger.Frame(context.Background(), "in", msg.Method)
		m.route(conn, msg)
	}
}

// sessionMethods is the set of inbound methods addressed to a session via
// their first parameter.
var sessionMethods = map[string]struct{}{
	"symbol_resolved": {}, "symbol_error": {},
	"series_loading": {}, "series_completed": {}, "series_error": {},
	"timescale_update": {}, "du": {},
	"study_loading": {}, "study_completed": {}, "study_error": {},
	"critical_error": {},
	"quote_completed": {}, "qsd": {},
	"replay_ok": {}, "replay_error": {}, "replay_instance_id": {}, "replay_point": {},
}

func (m *Manager) route(conn interfaces.Conn, msg protocol.Inbound) {
	if _, ok := sessionMethods[msg.Method]; ok {
		sid := msg.SessionID()
		m.mu.Lock()
		e := m.sessions[sid]
		m.mu.Unlock()
		if e == nil {
			logger.Debug(context.Background(), "envelope for unknown session",
				"session_id", sid, "method", msg.Method)
			return
		}
		if dropped, ok := e.enqueue(msg); ok {
			m.bus.Emit("backpressure", BackpressureInfo{
				SessionID: sid, Method: dropped.Method,
			})
		}
		return
	}

	switch msg.Method {
	case "protocol_error":
		desc, _ := msg.StringParam(0)
		err := types.NewError(types.KindProtocol, "protocol error: "+desc, nil)
		m.mu.Lock()
		authErr := m.authErr
		m.mu.Unlock()
		if authErr != nil {
			select {
			case authErr <- types.NewError(types.KindAuth, "auth rejected: "+desc, nil):
			default:
			}
			return
		}
		m.bus.Emit(events.ErrorEvent, err)
		conn.Close()
	default:
		logger.Debug(context.Background(), "unrouted method", "method", msg.Method)
	}
}

// Send encodes and transmits an envelope, queueing it while the connection
// is not yet authenticated. Implements the session Sender.
func (m *Manager) Send(method string, params ...any) error {
	frame, err := m.codec.Encode(protocol.Envelope{Method: method, Params: params})
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	authenticated := m.State() == StateAuthenticated
	if !authenticated || conn == nil {
		if m.State() == StateFailed || m.State() == StateClosing {
			m.mu.Unlock()
			return types.NewError(types.KindNotOpen, "connection is "+m.State().String(), nil)
		}
		m.sendQ = append(m.sendQ, frame)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	logger.Frame(context.Background(), "out", method)
	return conn.Send(frame)
}

// RequestTimeout implements the session Sender.
func (m *Manager) RequestTimeout() time.Duration {
	return time.Duration(m.cfg.RequestTimeoutMs) * time.Millisecond
}

func (m *Manager) flushQueue(conn interfaces.Conn) {
	m.mu.Lock()
	queued := m.sendQ
	m.sendQ = nil
	m.mu.Unlock()
	for _, frame := range queued {
		if err := conn.Send(frame); err != nil {
			logger.Warn(context.Background(), "queued send failed", "error", err)
			return
		}
	}
}

func (m *Manager) register(s interfaces.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = newEntry(s, m.cfg.HighWaterMark)
	m.order = append(m.order, s.ID())
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	e := m.sessions[id]
	delete(m.sessions, id)
	for i, cur := range m.order {
		if cur == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if e != nil {
		e.stop()
	}
}

// OnConnected registers a callback for the initial successful handshake.
func (m *Manager) OnConnected(cb func()) {
	m.bus.On("connected", func(any) { cb() })
}

// OnDisconnected registers a callback for connection loss, deliberate or
// not.
func (m *Manager) OnDisconnected(cb func(cause error)) {
	m.bus.On("disconnected", func(p any) {
		err, _ := p.(error)
		cb(err)
	})
}

// OnReconnecting registers a callback fired before each reconnect attempt.
func (m *Manager) OnReconnecting(cb func(info ReconnectInfo)) {
	m.bus.On("reconnecting", func(p any) {
		if info, ok := p.(ReconnectInfo); ok {
			cb(info)
		}
	})
}

// OnReconnected registers a callback fired after a successful reconnect and
// session restore.
func (m *Manager) OnReconnected(cb func(attempt int)) {
	m.bus.On("reconnected", func(p any) {
		if n, ok := p.(int); ok {
			cb(n)
		}
	})
}

// OnConnectTimeout registers a callback for dial attempts that exceeded the
// configured connect timeout.
func (m *Manager) OnConnectTimeout(cb func(info TimeoutInfo)) {
	m.bus.On("connectTimeout", func(p any) {
		if info, ok := p.(TimeoutInfo); ok {
			cb(info)
		}
	})
}

// OnBackpressure registers a callback for dispatch queue drops.
func (m *Manager) OnBackpressure(cb func(info BackpressureInfo)) {
	m.bus.On("backpressure", func(p any) {
		if info, ok := p.(BackpressureInfo); ok {
			cb(info)
		}
	})
}

// OnError registers a callback for connection-level errors.
func (m *Manager) OnError(cb func(err error)) {
	m.bus.On(events.ErrorEvent, func(p any) {
		if err, ok := p.(error); ok {
			cb(err)
		}
	})
}

// OnEvent registers a catch-all callback for every manager event.
func (m *Manager) OnEvent(cb func(name string, payload any)) {
	m.bus.OnAny(cb)
}

// End closes every session, tears the connection down and stops the
// supervisor. The manager is reusable after End returns.
func (m *Manager) End() error {
	if m.userClosed.Swap(true) {
		return nil
	}
	m.setState(StateClosing)

	m.mu.Lock()
	ordered := make([]interfaces.Session, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.sessions[id]; ok {
			ordered = append(ordered, e.session)
		}
	}
	conn := m.conn
	supervise := m.superviseDone
	m.mu.Unlock()

	for i := len(ordered) - 1; i >= 0; i-- {
		if err := ordered[i].Close(); err != nil {
			logger.Warn(context.Background(), "session close failed",
				"session_id", ordered[i].ID(), "error", err)
		}
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if supervise != nil {
		<-supervise
	}
	m.setState(StateIdle)
	m.userClosed.Store(false)
	return err
}
