package study

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvstream/internal/types"
)

type hostCall struct {
	method string
	params []any
}

// fakeHost stands in for a chart session; it accepts every study creation
// synchronously.
type fakeHost struct {
	mu     sync.Mutex
	calls  []hostCall
	accept func(st *Study)
	target *Study
}

func (h *fakeHost) SessionID() string             { return "cs_test_1" }
func (h *fakeHost) SeriesID() string              { return "sds_1" }
func (h *fakeHost) RequestTimeout() time.Duration { return 100 * time.Millisecond }

func (h *fakeHost) Send(method string, params ...any) error {
	h.mu.Lock()
	h.calls = append(h.calls, hostCall{method: method, params: params})
	h.mu.Unlock()
	if method == "create_study" && h.accept != nil {
		h.accept(h.target)
	}
	return nil
}

func attach(t *testing.T, st *Study) *fakeHost {
	t.Helper()
	h := &fakeHost{target: st, accept: func(st *Study) { st.HandleCompleted() }}
	require.NoError(t, st.Attach(context.Background(), h, "st1"))
	return h
}

func TestOptionsAreImmutableAfterAttach(t *testing.T) {
	st := New(RSI(14))
	require.NoError(t, st.SetOption("length", 21))

	attach(t, st)

	err := st.SetOption("length", 7)
	assert.True(t, types.IsKind(err, types.KindStudy))
}

func TestAttachSendsCreateStudy(t *testing.T) {
	st := New(RSI(14))
	ready := false
	st.OnReady(func() { ready = true })

	h := attach(t, st)

	require.Len(t, h.calls, 1)
	assert.Equal(t, "create_study", h.calls[0].method)
	assert.Equal(t, "cs_test_1", h.calls[0].params[0])
	assert.Equal(t, "st1", h.calls[0].params[1])
	assert.True(t, ready)
}

func TestUpdateRowsCarryTimeAndPlotNames(t *testing.T) {
	st := New(RSI(14))
	attach(t, st)

	var got []Row
	st.OnUpdate(func(rows []Row) { got = append(got, rows...) })

	st.HandleUpdate(json.RawMessage(`{"st":[
		{"i":0,"v":[100,55.5]},
		{"i":1,"v":[200,null]},
		{"i":2,"v":[300,61.2]}
	]}`))

	require.Len(t, got, 3)
	assert.Equal(t, float64(100), got[0]["$time"])
	assert.Equal(t, 55.5, got[0]["RSI"])
	_, hasValue := got[1]["RSI"]
	assert.False(t, hasValue)

	rows := st.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, 61.2, rows[2]["RSI"])
}

func TestUpdateMergesRowsByTimestamp(t *testing.T) {
	st := New(RSI(14))
	attach(t, st)

	st.HandleUpdate(json.RawMessage(`{"st":[{"i":0,"v":[100,50]}]}`))
	st.HandleUpdate(json.RawMessage(`{"st":[{"i":0,"v":[100,52]}]}`))

	rows := st.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, float64(52), rows[0]["RSI"])
}

func TestBackfillKeepsRowsOrdered(t *testing.T) {
	st := New(RSI(14))
	attach(t, st)

	st.HandleUpdate(json.RawMessage(`{"st":[{"i":0,"v":[300,61]},{"i":1,"v":[400,62]}]}`))
	// Backfill burst, older than anything stored so far.
	st.HandleUpdate(json.RawMessage(`{"st":[{"i":0,"v":[100,48]},{"i":1,"v":[200,51]}]}`))

	rows := st.Rows()
	require.Len(t, rows, 4)
	times := make([]float64, len(rows))
	for i, r := range rows {
		times[i] = r["$time"]
	}
	assert.Equal(t, []float64{100, 200, 300, 400}, times)

	// The row index survives the shift: a live update lands on its row.
	st.HandleUpdate(json.RawMessage(`{"st":[{"i":0,"v":[300,65]}]}`))
	rows = st.Rows()
	require.Len(t, rows, 4)
	assert.Equal(t, float64(65), rows[2]["RSI"])
	assert.Equal(t, float64(62), rows[3]["RSI"])
}

func TestWireInputsTagNumericTypes(t *testing.T) {
	ind := BuiltIn("EMA")
	ind.SetInput("length", 20)
	ind.SetInput("smoothing", 1.5)

	params := ind.wireInputs()
	length := params["length"].(map[string]any)
	assert.Equal(t, "integer", length["t"])
	smoothing := params["smoothing"].(map[string]any)
	assert.Equal(t, "float", smoothing["t"])
}

func TestStrategyReportArrivesViaSideChannel(t *testing.T) {
	ind := Indicator{Text: "strategy source", IsStrategy: true}
	st := New(ind)
	attach(t, st)

	var report *StrategyReport
	st.OnStrategyReport(func(r *StrategyReport) { report = r })

	d := `{"data":{"report":{"currency":"USD","performance":{"all":{"netProfit":1250.5,"totalTrades":42,"profitFactor":1.8}}}}}`
	ns, err := json.Marshal(map[string]string{"d": d})
	require.NoError(t, err)
	st.HandleUpdate(json.RawMessage(`{"st":[],"ns":` + string(ns) + `}`))

	require.NotNil(t, report)
	assert.Equal(t, "USD", report.Currency)
	assert.Equal(t, 1250.5, report.Performance.All.NetProfit)
	assert.Equal(t, 42, report.Performance.All.TotalTrades)
	assert.Same(t, report, st.Report())
}

func TestRecoverableErrorKeepsStudyAttached(t *testing.T) {
	st := New(RSI(14))
	attach(t, st)

	var got error
	st.OnError(func(err error) { got = err })
	st.HandleError("study error on bar 7")
	assert.True(t, types.IsKind(got, types.KindStudy))

	// Updates after the error still land.
	st.HandleUpdate(json.RawMessage(`{"st":[{"i":0,"v":[100,48]}]}`))
	assert.Len(t, st.Rows(), 1)
}

func TestRemoveSendsRemoveStudy(t *testing.T) {
	st := New(RSI(14))
	h := attach(t, st)

	require.NoError(t, st.Remove())
	last := h.calls[len(h.calls)-1]
	assert.Equal(t, "remove_study", last.method)
	assert.Equal(t, []any{"cs_test_1", "st1"}, last.params)
}
