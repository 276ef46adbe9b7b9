package replay

import (
	"context"
	"encoding/json"
	"sync"

	"tvstream/internal/events"
	"tvstream/internal/ids"
	"tvstream/internal/interfaces"
	"tvstream/internal/logger"
	"tvstream/internal/pending"
	"tvstream/internal/protocol"
	"tvstream/internal/types"
)

// Deps wires a replay session into its owning connection manager.
type Deps struct {
	Sender     interfaces.Sender
	Unregister func(id string)
}

// Session is a bar replay session: a cursor over historical data that a
// bound chart session consumes bar by bar.
type Session struct {
	deps Deps
	id   string
	bus  *events.Bus
	ops  *pending.Registry

	mu         sync.Mutex
	closed     bool
	detached   bool
	symbol     string
	timeframe  string
	instanceID string
	lastPoint  int64
	started    bool
}

// New creates a replay session and announces it upstream.
func New(deps Deps) (*Session, error) {
	s := &Session{
		deps: deps,
		id:   ids.Session(types.SessionReplay.Prefix()),
		bus:  events.NewBus(),
		ops:  pending.NewRegistry(),
	}
	if err := deps.Sender.Send("replay_create_session", s.id); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Type() types.SessionType { return types.SessionReplay }

// Configure binds the replay cursor to a symbol and timeframe. Must be
// called once before Start.
func (s *Session) Configure(ctx context.Context, symbol, timeframe string) error {
	if err := s.usable(); err != nil {
		return err
	}
	canonical, err := types.NormalizeTimeframe(timeframe)
	if err != nil {
		return err
	}
	key, err := symbolKey(symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.symbol = symbol
	s.timeframe = canonical
	s.mu.Unlock()
	return s.roundTrip(ctx, "replay_add_series", key, canonical)
}

// Start positions the replay cursor at the given unix timestamp.
func (s *Session) Start(ctx context.Context, timestamp int64) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.roundTrip(ctx, "replay_reset", timestamp); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.lastPoint = timestamp
	s.mu.Unlock()
	return nil
}

// Step advances the cursor by n bars.
func (s *Session) Step(ctx context.Context, n int) error {
	if err := s.startedOrErr(); err != nil {
		return err
	}
	if n <= 0 {
		n = 1
	}
	return s.roundTrip(ctx, "replay_step", n)
}

// Autoplay advances the cursor automatically every intervalMs milliseconds
// until Pause is called.
func (s *Session) Autoplay(ctx context.Context, intervalMs int) error {
	if err := s.startedOrErr(); err != nil {
		return err
	}
	return s.roundTrip(ctx, "replay_start", intervalMs)
}

// Pause halts autoplay; Step keeps working.
func (s *Session) Pause(ctx context.Context) error {
	if err := s.startedOrErr(); err != nil {
		return err
	}
	return s.roundTrip(ctx, "replay_stop")
}

// Stop halts playback entirely. The session stays open so a later Start can
// reposition the cursor.
func (s *Session) Stop(ctx context.Context) error {
	if err := s.startedOrErr(); err != nil {
		return err
	}
	err := s.roundTrip(ctx, "replay_stop")
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return err
}

// roundTrip sends a replay command with a fresh correlation id and waits for
// the matching replay_ok or replay_error.
func (s *Session) roundTrip(ctx context.Context, method string, extra ...any) error {
	reqID := ids.Request("req_replay")
	op := s.ops.Create(reqID)
	params := append([]any{s.id, reqID}, extra...)
	if err := s.deps.Sender.Send(method, params...); err != nil {
		s.ops.Fail(reqID, err)
		return err
	}
	_, err := op.Wait(ctx, s.deps.Sender.RequestTimeout())
	return err
}

// LastPoint returns the most recent cursor position.
func (s *Session) LastPoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPoint
}

// InstanceID returns the upstream replay instance identifier.
func (s *Session) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

// OnPoint registers a callback for cursor movements.
func (s *Session) OnPoint(cb func(timestamp int64)) {
	s.bus.On("point", func(p any) {
		if ts, ok := p.(int64); ok {
			cb(ts)
		}
	})
}

// OnError registers a callback for session errors.
func (s *Session) OnError(cb func(err error)) {
	s.bus.On(events.ErrorEvent, func(p any) {
		if err, ok := p.(error); ok {
			cb(err)
		}
	})
}

// Handle applies one inbound envelope addressed to this session.
func (s *Session) Handle(msg protocol.Inbound) {
	switch msg.Method {
	case "replay_ok":
		reqID, _ := msg.StringParam(1)
		s.ops.Resolve(reqID, nil)
	case "replay_error":
		reqID, _ := msg.StringParam(1)
		desc, _ := msg.StringParam(2)
		err := types.NewError(types.KindSeries, "replay error: "+desc, nil)
		if !s.ops.Fail(reqID, err) {
			s.ops.FailAll(err)
		}
		s.bus.Emit(events.ErrorEvent, err)
	case "replay_instance_id":
		instance, _ := msg.StringParam(2)
		s.mu.Lock()
		s.instanceID = instance
		s.mu.Unlock()
	case "replay_point":
		if ts, ok := pointTimestamp(msg); ok {
			s.mu.Lock()
			s.lastPoint = ts
			s.mu.Unlock()
			s.bus.Emit("point", ts)
		}
	case "critical_error":
		desc, _ := msg.StringParam(2)
		err := types.NewError(types.KindCritical, desc, nil)
		s.ops.FailAll(err)
		s.bus.Emit(events.ErrorEvent, err)
	default:
		logger.Debug(context.Background(), "unhandled replay method", "session_id", s.id, "method", msg.Method)
	}
}

// pointTimestamp pulls the cursor position out of a replay_point envelope.
// The correlation id parameter is optional, so the timestamp is the first
// numeric parameter after the session id.
func pointTimestamp(msg protocol.Inbound) (int64, bool) {
	for i := 1; i < len(msg.Params); i++ {
		var ts float64
		if err := msg.Param(i, &ts); err == nil {
			return int64(ts), true
		}
	}
	return 0, false
}

// Rehydrate re-creates the session on a fresh connection and repositions the
// cursor at its last point.
func (s *Session) Rehydrate() error {
	s.mu.Lock()
	if s.closed || s.detached {
		s.mu.Unlock()
		return nil
	}
	symbol, tf, point, started := s.symbol, s.timeframe, s.lastPoint, s.started
	s.mu.Unlock()

	if err := s.deps.Sender.Send("replay_create_session", s.id); err != nil {
		return err
	}
	if symbol == "" {
		return nil
	}
	key, err := symbolKey(symbol)
	if err != nil {
		return err
	}
	if err := s.deps.Sender.Send("replay_add_series", s.id, ids.Request("req_replay"), key, tf); err != nil {
		return err
	}
	if started && point != 0 {
		return s.deps.Sender.Send("replay_reset", s.id, ids.Request("req_replay"), point)
	}
	return nil
}

// Detach marks the session terminal after a reconnect without rehydration.
func (s *Session) Detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	s.ops.FailAll(types.NewError(types.KindDetached, "session detached by reconnect", nil))
}

// Close tears the session down upstream and unregisters it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.ops.FailAll(types.NewError(types.KindDetached, "session closed", nil))
	err := s.deps.Sender.Send("replay_delete_session", s.id)
	if s.deps.Unregister != nil {
		s.deps.Unregister(s.id)
	}
	return err
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.KindDetached, "session closed", nil)
	}
	if s.detached {
		return types.NewError(types.KindDetached, "session detached by reconnect", nil)
	}
	return nil
}

func (s *Session) startedOrErr() error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return types.NewError(types.KindSeries, "replay not started", nil)
	}
	return nil
}

func symbolKey(symbol string) (string, error) {
	b, err := json.Marshal(map[string]string{"symbol": symbol, "adjustment": "splits"})
	if err != nil {
		return "", types.NewError(types.KindSymbol, "encode replay symbol key", err)
	}
	return "=" + string(b), nil
}
