package quote

import (
	"context"
	"encoding/json"
	"sync"

	"tvstream/internal/events"
	"tvstream/internal/ids"
	"tvstream/internal/interfaces"
	"tvstream/internal/logger"
	"tvstream/internal/protocol"
	"tvstream/internal/types"
)

// Profile selects which quote fields the upstream streams.
type Profile string

const (
	// ProfileMinimal covers price action only.
	ProfileMinimal Profile = "minimal"
	// ProfileFull covers price action plus instrument metadata.
	ProfileFull Profile = "full"
)

var profileFields = map[Profile][]string{
	ProfileMinimal: {
		"lp", "lp_time", "ch", "chp", "high_price", "low_price",
		"open_price", "prev_close_price", "volume",
	},
	ProfileFull: {
		"lp", "lp_time", "ch", "chp", "high_price", "low_price",
		"open_price", "prev_close_price", "volume", "ask", "bid",
		"description", "exchange", "currency_code", "current_session",
		"is_tradable", "short_name", "pro_name", "original_name",
		"pricescale", "minmov", "fractional", "type", "update_mode",
	},
}

// Data is a merged field map for one watched symbol.
type Data struct {
	Symbol string
	Values map[string]any
}

type symbolState struct {
	loaded bool
	values map[string]any
}

// Deps wires a quote session into its owning connection manager.
type Deps struct {
	Sender     interfaces.Sender
	Unregister func(id string)
}

// Session is a quote session: a watch list of symbols whose field maps are
// kept current by merging upstream deltas.
type Session struct {
	deps   Deps
	id     string
	bus    *events.Bus
	fields []string

	mu       sync.Mutex
	closed   bool
	detached bool
	order    []string
	symbols  map[string]*symbolState
}

// New creates a quote session for the given profile and announces it
// upstream.
func New(deps Deps, profile Profile) (*Session, error) {
	fields, ok := profileFields[profile]
	if !ok {
		fields = profileFields[ProfileMinimal]
	}
	s := &Session{
		deps:    deps,
		id:      ids.Session(types.SessionQuote.Prefix()),
		bus:     events.NewBus(),
		fields:  fields,
		symbols: map[string]*symbolState{},
	}
	if err := deps.Sender.Send("quote_create_session", s.id); err != nil {
		return nil, err
	}
	if err := s.sendFields(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Type() types.SessionType { return types.SessionQuote }

func (s *Session) sendFields() error {
	params := make([]any, 0, len(s.fields)+1)
	params = append(params, s.id)
	for _, f := range s.fields {
		params = append(params, f)
	}
	return s.deps.Sender.Send("quote_set_fields", params...)
}

// Watch adds symbols to the watch list. Already watched symbols are ignored.
func (s *Session) Watch(symbols ...string) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	var added []string
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; ok {
			continue
		}
		s.symbols[sym] = &symbolState{values: map[string]any{}}
		s.order = append(s.order, sym)
		added = append(added, sym)
	}
	s.mu.Unlock()
	if len(added) == 0 {
		return nil
	}
	return s.sendSymbols("quote_add_symbols", added)
}

// Unwatch removes symbols from the watch list.
func (s *Session) Unwatch(symbols ...string) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	var removed []string
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; !ok {
			continue
		}
		delete(s.symbols, sym)
		for i, cur := range s.order {
			if cur == sym {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		removed = append(removed, sym)
	}
	s.mu.Unlock()
	if len(removed) == 0 {
		return nil
	}
	return s.sendSymbols("quote_remove_symbols", removed)
}

func (s *Session) sendSymbols(method string, symbols []string) error {
	params := make([]any, 0, len(symbols)+1)
	params = append(params, s.id)
	for _, sym := range symbols {
		params = append(params, sym)
	}
	return s.deps.Sender.Send(method, params...)
}

// Values returns a copy of the merged field map for a watched symbol.
func (s *Session) Values(symbol string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.symbols[symbol]
	if !ok {
		return nil, false
	}
	return copyValues(state.values), state.loaded
}

// OnLoaded registers a callback fired exactly once per symbol, when its
// first full snapshot has merged and before any data callback for it.
func (s *Session) OnLoaded(cb func(d Data)) {
	s.bus.On("loaded", func(p any) {
		if d, ok := p.(Data); ok {
			cb(d)
		}
	})
}

// OnData registers a callback for every post-load delta, carrying the full
// merged field map.
func (s *Session) OnData(cb func(d Data)) {
	s.bus.On("data", func(p any) {
		if d, ok := p.(Data); ok {
			cb(d)
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

// qsd delta payload.
type quoteDelta struct {
	Name   string          `json:"n"`
	Status string          `json:"s"`
	Values json.RawMessage `json:"v"`
}

// Handle applies one inbound envelope addressed to this session.
func (s *Session) Handle(msg protocol.Inbound) {
	switch msg.Method {
	case "qsd":
		s.handleDelta(msg)
	case "quote_completed":
		s.handleCompleted(msg)
	case "critical_error":
		desc, _ := msg.StringParam(2)
		s.bus.Emit(events.ErrorEvent, types.NewError(types.KindCritical, desc, nil))
	default:
		logger.Debug(context.Background(), "unhandled quote method", "session_id", s.id, "method", msg.Method)
	}
}

func (s *Session) handleDelta(msg protocol.Inbound) {
	var delta quoteDelta
	if err := msg.Param(1, &delta); err != nil {
		logger.Warn(context.Background(), "malformed qsd", "session_id", s.id, "error", err)
		return
	}
	if delta.Status != "" && delta.Status != "ok" {
		s.bus.Emit(events.ErrorEvent, types.NewError(types.KindSymbol,
			"quote error for "+delta.Name+": "+delta.Status, nil))
		return
	}
	var values map[string]any
	if len(delta.Values) > 0 {
		if err := json.Unmarshal(delta.Values, &values); err != nil {
			logger.Warn(context.Background(), "malformed qsd values", "session_id", s.id, "error", err)
			return
		}
	}

	s.mu.Lock()
	state, ok := s.symbols[delta.Name]
	if !ok {
		s.mu.Unlock()
		return
	}
	for k, v := range values {
		state.values[k] = v
	}
	loaded := state.loaded
	merged := copyValues(state.values)
	s.mu.Unlock()

	// Deltas before the first full snapshot only accumulate; no data event
	// fires until the symbol is loaded.
	if loaded {
		s.bus.Emit("data", Data{Symbol: delta.Name, Values: merged})
	}
}

func (s *Session) handleCompleted(msg protocol.Inbound) {
	symbol, err := msg.StringParam(1)
	if err != nil {
		return
	}
	s.mu.Lock()
	state, ok := s.symbols[symbol]
	if !ok || state.loaded {
		s.mu.Unlock()
		return
	}
	state.loaded = true
	merged := copyValues(state.values)
	s.mu.Unlock()
	s.bus.Emit("loaded", Data{Symbol: symbol, Values: merged})
}

// Rehydrate re-creates the session, fields and watch list on a fresh
// connection. Loaded flags reset so each symbol announces itself again.
func (s *Session) Rehydrate() error {
	s.mu.Lock()
	if s.closed || s.detached {
		s.mu.Unlock()
		return nil
	}
	symbols := append([]string(nil), s.order...)
	for _, state := range s.symbols {
		state.loaded = false
	}
	s.mu.Unlock()

	if err := s.deps.Sender.Send("quote_create_session", s.id); err != nil {
		return err
	}
	if err := s.sendFields(); err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}
	return s.sendSymbols("quote_add_symbols", symbols)
}

// Detach marks the session terminal after a reconnect without rehydration.
func (s *Session) Detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
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
	err := s.deps.Sender.Send("quote_delete_session", s.id)
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

func copyValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
