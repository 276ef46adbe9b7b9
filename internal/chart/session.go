package chart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tvstream/internal/events"
	"tvstream/internal/ids"
	"tvstream/internal/interfaces"
	"tvstream/internal/logger"
	"tvstream/internal/pending"
	"tvstream/internal/protocol"
	"tvstream/internal/study"
	"tvstream/internal/types"
)

// seriesID is the fixed wire name of the session's single bar series.
const seriesID = "sds_1"

// ReplayControl is the slice of a replay session a chart drives when a
// market is selected with a replay timestamp.
type ReplayControl interface {
	ID() string
	Configure(ctx context.Context, symbol, timeframe string) error
	Start(ctx context.Context, timestamp int64) error
	Step(ctx context.Context, n int) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	OnPoint(cb func(timestamp int64))
	Close() error
}

// Deps wires a chart session into its owning connection manager.
type Deps struct {
	Sender interfaces.Sender
	// Unregister removes the session from the manager's routing table.
	Unregister func(id string)
	// NewReplay creates and registers a replay session on the same manager.
	NewReplay func() (ReplayControl, error)
}

// Session is a chart session: one resolved market, one bar series, any
// number of attached studies and optionally a bound replay session.
type Session struct {
	deps Deps
	id   string
	bus  *events.Bus
	ops  *pending.Registry

	mu            sync.Mutex
	closed        bool
	detached      bool
	symbol        string
	symbolKey     string
	opts          MarketOptions
	symRef        string
	seriesSeq     int
	turnaround    string
	seriesCreated bool
	timeframe     string
	rng           int
	to            int64
	timezone      string
	moreSeq       int
	morePending   string
	info          types.SymbolInfo
	store         *Store
	studies       []*study.Study
	studySeq      int
	replay        ReplayControl
}

// New creates a chart session and announces it upstream. The manager queues
// the create envelope until the connection authenticates.
func New(deps Deps) (*Session, error) {
	s := &Session{
		deps:  deps,
		id:    ids.Session(types.SessionChart.Prefix()),
		bus:   events.NewBus(),
		ops:   pending.NewRegistry(),
		store: NewStore(),
	}
	if err := deps.Sender.Send("chart_create_session", s.id, ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Type() types.SessionType { return types.SessionChart }

// study.Host.
func (s *Session) SessionID() string { return s.id }
func (s *Session) SeriesID() string  { return seriesID }
func (s *Session) Send(method string, params ...any) error {
	return s.deps.Sender.Send(method, params...)
}
func (s *Session) RequestTimeout() time.Duration { return s.deps.Sender.RequestTimeout() }

// SetMarket resolves a symbol and (re)creates the bar series for it. The
// periods store is reset; the first update after return carries the fresh
// series. A non-zero opts.Replay binds the chart to a new replay session
// positioned at that timestamp.
func (s *Session) SetMarket(ctx context.Context, symbol string, opts MarketOptions) error {
	if err := s.usable(); err != nil {
		return err
	}

	tf := opts.Timeframe
	if tf == "" {
		tf = "D"
	}
	canonical, err := types.NormalizeTimeframe(tf)
	if err != nil {
		return err
	}
	rng := opts.Range
	if rng <= 0 {
		rng = 100
	}

	var replayID string
	var rc ReplayControl
	if opts.Replay != 0 {
		if s.deps.NewReplay == nil {
			return types.NewError(types.KindSeries, "replay is not available on this connection", nil)
		}
		rc, err = s.deps.NewReplay()
		if err != nil {
			return err
		}
		if err := rc.Configure(ctx, symbol, canonical); err != nil {
			rc.Close()
			return err
		}
		replayID = rc.ID()
	}

	key, err := buildSymbolKey(symbol, opts, replayID)
	if err != nil {
		return err
	}

	symRef := ids.Request("sds_sym")
	op := s.ops.Create("sym:" + symRef)
	if err := s.Send("resolve_symbol", s.id, symRef, key); err != nil {
		s.ops.Fail("sym:"+symRef, err)
		return err
	}
	if _, err := op.Wait(ctx, s.RequestTimeout()); err != nil {
		return err
	}

	s.mu.Lock()
	if old := s.replay; old != nil && old != rc {
		old.Close()
	}
	s.symbol = symbol
	s.symbolKey = key
	s.opts = opts
	s.symRef = symRef
	s.timeframe = canonical
	s.rng = rng
	s.to = opts.To
	s.replay = rc
	s.store.Reset()
	s.mu.Unlock()

	if rc != nil {
		rc.OnPoint(func(ts int64) { s.bus.Emit("replayPoint", ts) })
	}

	if err := s.requestSeries(ctx); err != nil {
		return err
	}
	if rc != nil {
		return rc.Start(ctx, opts.Replay)
	}
	return nil
}

// SetSeries changes timeframe and bar count of the existing series. The
// periods store is reset before the first post-change update arrives.
func (s *Session) SetSeries(ctx context.Context, timeframe string, barCount int, to int64) error {
	if err := s.usable(); err != nil {
		return err
	}
	canonical, err := types.NormalizeTimeframe(timeframe)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.symRef == "" {
		s.mu.Unlock()
		return types.NewError(types.KindSeries, "no market selected", nil)
	}
	s.timeframe = canonical
	if barCount > 0 {
		s.rng = barCount
	}
	s.to = to
	s.store.Reset()
	s.mu.Unlock()
	return s.requestSeries(ctx)
}

// requestSeries issues create_series or modify_series for the current
// market state and waits for the upstream to accept it.
func (s *Session) requestSeries(ctx context.Context) error {
	s.mu.Lock()
	s.seriesSeq++
	turnaround := fmt.Sprintf("s%d", s.seriesSeq)
	s.turnaround = turnaround
	method := "modify_series"
	if !s.seriesCreated {
		method = "create_series"
	}
	symRef, tf, rng, to := s.symRef, s.timeframe, s.rng, s.to
	s.mu.Unlock()

	op := s.ops.Create("series:" + turnaround)
	params := []any{s.id, seriesID, turnaround, symRef, tf, rng}
	if method == "modify_series" {
		params = []any{s.id, seriesID, turnaround, symRef, tf, ""}
	} else if to != 0 {
		params = append(params, map[string]any{"to": to, "countback": rng})
	} else {
		params = append(params, "")
	}
	if err := s.Send(method, params...); err != nil {
		s.ops.Fail("series:"+turnaround, err)
		return err
	}
	if _, err := op.Wait(ctx, s.RequestTimeout()); err != nil {
		return err
	}
	s.mu.Lock()
	s.seriesCreated = true
	s.mu.Unlock()
	return nil
}

// FetchMore loads up to n older bars into the left edge of the store. It
// returns once the upstream signals the backfill is complete; the bars also
// arrive through the usual update event. One backfill may be in flight at a
// time.
func (s *Session) FetchMore(ctx context.Context, n int) error {
	if err := s.usable(); err != nil {
		return err
	}
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	if !s.seriesCreated {
		s.mu.Unlock()
		return types.NewError(types.KindSeries, "no series to extend", nil)
	}
	if s.morePending != "" {
		s.mu.Unlock()
		return types.NewError(types.KindSeries, "a backfill is already in flight", nil)
	}
	s.moreSeq++
	key := fmt.Sprintf("more:%d", s.moreSeq)
	s.morePending = key
	s.mu.Unlock()

	op := s.ops.Create(key)
	if err := s.Send("request_more_data", s.id, seriesID, n); err != nil {
		s.ops.Fail(key, err)
		s.clearBackfill(key)
		return err
	}
	_, err := op.Wait(ctx, s.RequestTimeout())
	s.clearBackfill(key)
	return err
}

func (s *Session) clearBackfill(key string) {
	s.mu.Lock()
	if s.morePending == key {
		s.morePending = ""
	}
	s.mu.Unlock()
}

// SetTimezone sets the session timezone used for session-aligned bars.
func (s *Session) SetTimezone(tz string) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.timezone = tz
	s.mu.Unlock()
	return s.Send("switch_timezone", s.id, tz)
}

// CreateStudy attaches a study to the session's series and waits for the
// study engine to accept it.
func (s *Session) CreateStudy(ctx context.Context, st *study.Study) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.studySeq++
	id := fmt.Sprintf("st%d", s.studySeq)
	s.studies = append(s.studies, st)
	s.mu.Unlock()

	if err := st.Attach(ctx, s, id); err != nil {
		s.dropStudy(st)
		return err
	}
	return nil
}

// RemoveStudy detaches a study from the session.
func (s *Session) RemoveStudy(st *study.Study) error {
	s.dropStudy(st)
	return st.Remove()
}

func (s *Session) dropStudy(st *study.Study) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.studies {
		if cur == st {
			s.studies = append(s.studies[:i], s.studies[i+1:]...)
			return
		}
	}
}

// Replay returns the replay session bound by SetMarket, nil when the chart
// is live.
func (s *Session) Replay() ReplayControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay
}

// Periods returns the current bar store in ascending time order.
func (s *Session) Periods() []types.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Bars()
}

// SymbolInfo returns the metadata of the resolved market.
func (s *Session) SymbolInfo() types.SymbolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// OnSymbolLoaded registers a callback fired when a market resolves.
func (s *Session) OnSymbolLoaded(cb func(info types.SymbolInfo)) {
	s.bus.On("symbolLoaded", func(p any) {
		if info, ok := p.(types.SymbolInfo); ok {
			cb(info)
		}
	})
}

// OnUpdate registers a callback for applied bar batches.
func (s *Session) OnUpdate(cb func(bars []types.Bar)) {
	s.bus.On("update", func(p any) {
		if bars, ok := p.([]types.Bar); ok {
			cb(bars)
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

// OnReplayPoint registers a callback for replay cursor movements.
func (s *Session) OnReplayPoint(cb func(timestamp int64)) {
	s.bus.On("replayPoint", func(p any) {
		if ts, ok := p.(int64); ok {
			cb(ts)
		}
	})
}

// OnEvent registers a catch-all callback for every session event.
func (s *Session) OnEvent(cb func(name string, payload any)) {
	s.bus.OnAny(cb)
}

// Handle applies one inbound envelope addressed to this session. The manager
// calls it from the session's dispatch goroutine, so handling is serial.
func (s *Session) Handle(msg protocol.Inbound) {
	switch msg.Method {
	case "symbol_resolved":
		s.handleSymbolResolved(msg)
	case "symbol_error":
		ref, _ := msg.StringParam(1)
		desc, _ := msg.StringParam(2)
		err := types.NewError(types.KindSymbol, fmt.Sprintf("symbol rejected: %s", desc), nil)
		s.ops.Fail("sym:"+ref, err)
		s.bus.Emit(events.ErrorEvent, err)
	case "series_loading":
		turnaround, _ := msg.StringParam(2)
		s.ops.Resolve("series:"+turnaround, nil)
	case "series_completed":
		s.mu.Lock()
		turnaround := s.turnaround
		moreKey := s.morePending
		s.mu.Unlock()
		// One completion settles one request: a pending create or modify
		// first, otherwise the outstanding backfill.
		if s.ops.Resolve("series:"+turnaround, nil) {
			return
		}
		if moreKey != "" {
			s.ops.Resolve(moreKey, nil)
		}
	case "series_error":
		desc, _ := msg.StringParam(2)
		err := types.NewError(types.KindSeries, fmt.Sprintf("series error: %s", desc), nil)
		s.mu.Lock()
		turnaround := s.turnaround
		moreKey := s.morePending
		s.mu.Unlock()
		s.ops.Fail("series:"+turnaround, err)
		if moreKey != "" {
			s.ops.Fail(moreKey, err)
		}
		s.bus.Emit(events.ErrorEvent, err)
	case "timescale_update", "du":
		s.handleData(msg)
	case "study_loading":
		if st := s.studyByID(msg); st != nil {
			st.HandleLoading()
		}
	case "study_completed":
		if st := s.studyByID(msg); st != nil {
			st.HandleCompleted()
		}
	case "study_error":
		if st := s.studyByID(msg); st != nil {
			desc, _ := msg.StringParam(2)
			st.HandleError(desc)
		}
	case "critical_error":
		name, _ := msg.StringParam(1)
		desc, _ := msg.StringParam(2)
		err := types.NewError(types.KindCritical, fmt.Sprintf("%s: %s", name, desc), nil)
		s.ops.FailAll(err)
		s.bus.Emit(events.ErrorEvent, err)
		s.teardown(false)
	default:
		logger.Debug(context.Background(), "unhandled chart method", "session_id", s.id, "method", msg.Method)
	}
}

func (s *Session) handleSymbolResolved(msg protocol.Inbound) {
	ref, _ := msg.StringParam(1)
	var info types.SymbolInfo
	if err := msg.Param(2, &info); err != nil {
		logger.Warn(context.Background(), "malformed symbol_resolved", "session_id", s.id, "error", err)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	s.ops.Resolve("sym:"+ref, info)
	s.bus.Emit("symbolLoaded", info)
}

func (s *Session) handleData(msg protocol.Inbound) {
	if len(msg.Params) < 2 {
		return
	}
	nodes, err := ParsePayload(msg.Params[1])
	if err != nil {
		logger.Warn(context.Background(), "malformed data payload", "session_id", s.id, "error", err)
		return
	}

	if raw, ok := nodes[seriesID]; ok {
		node, err := ParseNode(raw)
		if err != nil {
			logger.Warn(context.Background(), "malformed series node", "session_id", s.id, "error", err)
		} else if bars := BarsFromNode(node); len(bars) > 0 {
			s.mu.Lock()
			applied := s.store.Apply(bars)
			s.mu.Unlock()
			s.bus.Emit("update", applied)
		}
	}

	s.mu.Lock()
	studies := append([]*study.Study(nil), s.studies...)
	s.mu.Unlock()
	for _, st := range studies {
		if raw, ok := nodes[st.ID()]; ok {
			st.HandleUpdate(raw)
		}
	}
}

func (s *Session) studyByID(msg protocol.Inbound) *study.Study {
	id, _ := msg.StringParam(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.studies {
		if st.ID() == id {
			return st
		}
	}
	return nil
}

// Rehydrate reproduces the session's upstream state on a fresh connection:
// session create, symbol resolve, series create and study re-attachment.
func (s *Session) Rehydrate() error {
	s.mu.Lock()
	if s.closed || s.detached {
		s.mu.Unlock()
		return nil
	}
	symbolKey, symRef, tf, rng, tz := s.symbolKey, s.symRef, s.timeframe, s.rng, s.timezone
	s.seriesCreated = false
	s.seriesSeq++
	turnaround := fmt.Sprintf("s%d", s.seriesSeq)
	s.turnaround = turnaround
	studies := append([]*study.Study(nil), s.studies...)
	s.mu.Unlock()

	if err := s.Send("chart_create_session", s.id, ""); err != nil {
		return err
	}
	if symbolKey == "" {
		return nil
	}
	if err := s.Send("resolve_symbol", s.id, symRef, symbolKey); err != nil {
		return err
	}
	if err := s.Send("create_series", s.id, seriesID, turnaround, symRef, tf, rng, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.seriesCreated = true
	s.mu.Unlock()
	if tz != "" {
		if err := s.Send("switch_timezone", s.id, tz); err != nil {
			return err
		}
	}
	for _, st := range studies {
		if err := st.Rehydrate(); err != nil {
			return err
		}
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

// Close tears the session down: studies first, then the bound replay
// session, then the chart session itself.
func (s *Session) Close() error {
	return s.teardown(true)
}

func (s *Session) teardown(notifyUpstream bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	studies := s.studies
	s.studies = nil
	rc := s.replay
	s.replay = nil
	s.mu.Unlock()

	var firstErr error
	if notifyUpstream {
		for _, st := range studies {
			if err := st.Remove(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if rc != nil {
		if err := rc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if notifyUpstream {
		if err := s.Send("chart_delete_session", s.id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.ops.FailAll(types.NewError(types.KindDetached, "session closed", nil))
	if s.deps.Unregister != nil {
		s.deps.Unregister(s.id)
	}
	return firstErr
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
