package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"tvstream/internal/chart"
	"tvstream/internal/events"
	"tvstream/internal/ids"
	"tvstream/internal/interfaces"
	"tvstream/internal/logger"
	"tvstream/internal/pending"
	"tvstream/internal/protocol"
	"tvstream/internal/types"
)

// RequestState tracks one historical fetch through its lifecycle.
type RequestState int

const (
	StatePending RequestState = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Batch is one burst of bars for an in-flight request.
type Batch struct {
	RequestID string
	Bars      []types.Bar
}

type request struct {
	id     string
	symRef string
	state  RequestState
	store  *chart.Store
}

// Deps wires a history session into its owning connection manager.
type Deps struct {
	Sender     interfaces.Sender
	Unregister func(id string)
}

// Session is a history session: bounded bar fetches multiplexed over one
// wire session, each keyed by a client-generated request id.
type Session struct {
	deps Deps
	id   string
	bus  *events.Bus
	ops  *pending.Registry

	mu       sync.Mutex
	closed   bool
	detached bool
	requests map[string]*request
	byRef    map[string]*request
}

// New creates a history session and announces it upstream. The manager must
// be connected to the history-data endpoint for script-backed fetches.
func New(deps Deps) (*Session, error) {
	s := &Session{
		deps:     deps,
		id:       ids.Session(types.SessionHistory.Prefix()),
		bus:      events.NewBus(),
		ops:      pending.NewRegistry(),
		requests: map[string]*request{},
		byRef:    map[string]*request{},
	}
	if err := deps.Sender.Send("chart_create_session", s.id, ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Type() types.SessionType { return types.SessionHistory }

// GetHistoricalData fetches the complete ordered bar list for a symbol and
// timeframe between two unix timestamps. An optional script source is run
// server-side over the same window. Requests may run concurrently; each gets
// its own correlation id.
func (s *Session) GetHistoricalData(ctx context.Context, symbol, timeframe string, from, to int64, script ...string) ([]types.Bar, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	canonical, err := types.NormalizeTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if to <= from {
		return nil, types.NewError(types.KindSeries, "history window is empty", nil)
	}
	key, err := symbolKey(symbol)
	if err != nil {
		return nil, err
	}

	reqID := ids.Request("hreq")
	symRef := ids.Request("sds_sym")
	req := &request{id: reqID, symRef: symRef, state: StatePending, store: chart.NewStore()}
	s.mu.Lock()
	s.requests[reqID] = req
	s.byRef[symRef] = req
	s.mu.Unlock()

	op := s.ops.Create(reqID)
	fail := func(err error) ([]types.Bar, error) {
		s.ops.Fail(reqID, err)
		s.prune(reqID)
		return nil, err
	}

	if err := s.deps.Sender.Send("resolve_symbol", s.id, symRef, key); err != nil {
		return fail(err)
	}
	window := map[string]any{"from": from, "to": to}
	if err := s.deps.Sender.Send("create_series", s.id, reqID, reqID, symRef, canonical, 0, window); err != nil {
		return fail(err)
	}
	if len(script) > 0 && script[0] != "" {
		inputs := map[string]any{"text": script[0]}
		if err := s.deps.Sender.Send("create_study", s.id, reqID+"_st", reqID+"_st", reqID, "Script@tv-scr", inputs); err != nil {
			return fail(err)
		}
	}

	payload, err := op.Wait(ctx, s.deps.Sender.RequestTimeout())
	if err != nil {
		s.prune(reqID)
		return nil, types.NewError(types.KindSeries, "history request "+reqID+" failed", err)
	}
	bars, _ := payload.([]types.Bar)
	return bars, nil
}

// State reports the lifecycle state of an in-flight request. Settled
// requests are pruned and report false; their outcome arrives through the
// returned bar list or the completed and error events.
func (s *Session) State(requestID string) (RequestState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return StatePending, false
	}
	return req.state, true
}

// OnData registers a callback for per-request bar bursts.
func (s *Session) OnData(cb func(b Batch)) {
	s.bus.On("data", func(p any) {
		if b, ok := p.(Batch); ok {
			cb(b)
		}
	})
}

// OnCompleted registers a callback fired when a request's full bar list is
// in.
func (s *Session) OnCompleted(cb func(b Batch)) {
	s.bus.On("completed", func(p any) {
		if b, ok := p.(Batch); ok {
			cb(b)
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
	case "symbol_resolved":
		// Nothing to surface; the series request is already in flight.
	case "symbol_error":
		ref, _ := msg.StringParam(1)
		desc, _ := msg.StringParam(2)
		s.mu.Lock()
		req := s.byRef[ref]
		s.mu.Unlock()
		if req != nil {
			s.failRequest(req.id, types.NewError(types.KindSymbol,
				fmt.Sprintf("history request %s: symbol rejected: %s", req.id, desc), nil))
		}
	case "series_error":
		reqID, _ := msg.StringParam(1)
		desc, _ := msg.StringParam(2)
		s.failRequest(reqID, types.NewError(types.KindSeries,
			fmt.Sprintf("history request %s: series error: %s", reqID, desc), nil))
	case "timescale_update", "du":
		s.handleData(msg)
	case "series_completed":
		reqID, _ := msg.StringParam(1)
		s.completeRequest(reqID)
	case "study_completed", "study_loading":
		// Script output merges into the series window upstream.
	case "critical_error":
		desc, _ := msg.StringParam(2)
		err := types.NewError(types.KindCritical, desc, nil)
		s.ops.FailAll(err)
		s.bus.Emit(events.ErrorEvent, err)
	default:
		logger.Debug(context.Background(), "unhandled history method", "session_id", s.id, "method", msg.Method)
	}
}

func (s *Session) handleData(msg protocol.Inbound) {
	if len(msg.Params) < 2 {
		return
	}
	nodes, err := chart.ParsePayload(msg.Params[1])
	if err != nil {
		logger.Warn(context.Background(), "malformed history payload", "session_id", s.id, "error", err)
		return
	}
	for key, raw := range nodes {
		s.mu.Lock()
		req, ok := s.requests[key]
		s.mu.Unlock()
		if !ok {
			continue
		}
		node, err := chart.ParseNode(raw)
		if err != nil {
			continue
		}
		bars := chart.BarsFromNode(node)
		if len(bars) == 0 {
			continue
		}
		s.mu.Lock()
		req.store.Apply(bars)
		if req.state == StatePending {
			req.state = StateStreaming
		}
		s.mu.Unlock()
		s.bus.Emit("data", Batch{RequestID: key, Bars: bars})
	}
}

func (s *Session) completeRequest(reqID string) {
	s.mu.Lock()
	req, ok := s.requests[reqID]
	var bars []types.Bar
	if ok {
		bars = req.store.Bars()
		delete(s.requests, reqID)
		delete(s.byRef, req.symRef)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.ops.Resolve(reqID, bars)
	s.bus.Emit("completed", Batch{RequestID: reqID, Bars: bars})
}

func (s *Session) failRequest(reqID string, err error) {
	if reqID == "" {
		return
	}
	s.prune(reqID)
	s.ops.Fail(reqID, err)
	s.bus.Emit(events.ErrorEvent, err)
}

// prune drops a settled request from the tracking maps so a long-lived
// session does not accumulate them.
func (s *Session) prune(reqID string) {
	s.mu.Lock()
	if req, ok := s.requests[reqID]; ok {
		delete(s.requests, reqID)
		delete(s.byRef, req.symRef)
	}
	s.mu.Unlock()
}

// Rehydrate re-creates the wire session. In-flight requests are not
// replayed; their futures fail through the usual reconnect path.
func (s *Session) Rehydrate() error {
	s.mu.Lock()
	if s.closed || s.detached {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.deps.Sender.Send("chart_create_session", s.id, "")
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
	err := s.deps.Sender.Send("chart_delete_session", s.id)
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

func symbolKey(symbol string) (string, error) {
	b, err := json.Marshal(map[string]string{"symbol": symbol, "adjustment": "splits"})
	if err != nil {
		return "", types.NewError(types.KindSymbol, "encode symbol key", err)
	}
	return "=" + string(b), nil
}
