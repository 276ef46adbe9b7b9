package replay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvstream/internal/protocol"
	"tvstream/internal/types"
)

type sentCall struct {
	method string
	params []any
}

// fakeSender acks every correlated replay command unless told otherwise.
type fakeSender struct {
	mu     sync.Mutex
	calls  []sentCall
	reject string // method to answer with replay_error
	target *Session
}

func (f *fakeSender) Send(method string, params ...any) error {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{method: method, params: params})
	f.mu.Unlock()
	if f.target == nil || len(params) < 2 {
		return nil
	}
	reqID, ok := params[1].(string)
	if !ok {
		return nil
	}
	if method == f.reject {
		f.target.Handle(inbound(nil, "replay_error", f.target.ID(), reqID, "no data"))
		return nil
	}
	f.target.Handle(inbound(nil, "replay_ok", f.target.ID(), reqID))
	return nil
}

func (f *fakeSender) RequestTimeout() time.Duration { return 100 * time.Millisecond }

func (f *fakeSender) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func inbound(t *testing.T, method string, params ...any) protocol.Inbound {
	if t != nil {
		t.Helper()
	}
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, _ := json.Marshal(p)
		raw[i] = b
	}
	return protocol.Inbound{Method: method, Params: raw}
}

func newTestSession(t *testing.T) (*Session, *fakeSender) {
	t.Helper()
	f := &fakeSender{}
	s, err := New(Deps{Sender: f, Unregister: func(string) {}})
	require.NoError(t, err)
	f.target = s
	return s, f
}

func TestConfigureAndStartRoundTrips(t *testing.T) {
	s, f := newTestSession(t)

	require.NoError(t, s.Configure(context.Background(), "BINANCE:BTCEUR", "1h"))
	require.NoError(t, s.Start(context.Background(), 1700000000))

	assert.Equal(t, []string{"replay_create_session", "replay_add_series", "replay_reset"}, f.methods())
	assert.Equal(t, int64(1700000000), s.LastPoint())
}

func TestStepRequiresStart(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Configure(context.Background(), "BINANCE:BTCEUR", "1h"))

	err := s.Step(context.Background(), 1)
	assert.True(t, types.IsKind(err, types.KindSeries))
}

func TestStepPauseStop(t *testing.T) {
	s, f := newTestSession(t)
	require.NoError(t, s.Configure(context.Background(), "BINANCE:BTCEUR", "1h"))
	require.NoError(t, s.Start(context.Background(), 1700000000))

	require.NoError(t, s.Step(context.Background(), 3))
	require.NoError(t, s.Autoplay(context.Background(), 500))
	require.NoError(t, s.Pause(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	methods := f.methods()
	assert.Equal(t, "replay_step", methods[3])
	assert.Equal(t, "replay_start", methods[4])
	assert.Equal(t, "replay_stop", methods[5])
	assert.Equal(t, "replay_stop", methods[6])

	// Stopped playback rejects further steps until the next Start.
	err := s.Step(context.Background(), 1)
	assert.True(t, types.IsKind(err, types.KindSeries))
}

func TestReplayErrorFailsTheCommand(t *testing.T) {
	s, f := newTestSession(t)
	f.reject = "replay_add_series"

	var got error
	s.OnError(func(err error) { got = err })

	err := s.Configure(context.Background(), "NYSE:GHOST", "1D")
	assert.True(t, types.IsKind(err, types.KindSeries))
	assert.Error(t, got)
}

func TestReplayPointMovesCursor(t *testing.T) {
	s, _ := newTestSession(t)

	var points []int64
	s.OnPoint(func(ts int64) { points = append(points, ts) })

	s.Handle(inbound(t, "replay_point", s.ID(), "req_replay_9", float64(1700003600)))
	s.Handle(inbound(t, "replay_point", s.ID(), float64(1700007200)))

	assert.Equal(t, []int64{1700003600, 1700007200}, points)
	assert.Equal(t, int64(1700007200), s.LastPoint())
}

func TestInstanceIDIsRecorded(t *testing.T) {
	s, _ := newTestSession(t)
	s.Handle(inbound(t, "replay_instance_id", s.ID(), "req_replay_1", "inst_42"))
	assert.Equal(t, "inst_42", s.InstanceID())
}

func TestRehydrateRepositionsCursor(t *testing.T) {
	s, f := newTestSession(t)
	require.NoError(t, s.Configure(context.Background(), "BINANCE:BTCEUR", "1h"))
	require.NoError(t, s.Start(context.Background(), 1700000000))

	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
	f.target = nil

	require.NoError(t, s.Rehydrate())
	assert.Equal(t, []string{"replay_create_session", "replay_add_series", "replay_reset"}, f.methods())
}
