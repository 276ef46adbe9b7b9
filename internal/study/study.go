package study

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"tvstream/internal/events"
	"tvstream/internal/logger"
	"tvstream/internal/pending"
	"tvstream/internal/types"
)

const scriptRuntime = "Script@tv-scr"

// Row is one output row of a running study: plot values keyed by plot name
// plus the bar timestamp under "$time".
type Row map[string]float64

// Host is the chart session a study attaches to.
type Host interface {
	SessionID() string
	SeriesID() string
	Send(method string, params ...any) error
	RequestTimeout() time.Duration
}

// Study is a script instance running on a chart series. Construct with New,
// parameterize with SetOption, then attach through the owning chart session.
type Study struct {
	bus *events.Bus
	ops *pending.Registry

	mu       sync.Mutex
	ind      Indicator
	host     Host
	id       string
	attached bool
	removed  bool
	rows     []Row
	rowIndex map[int64]int
	report   *StrategyReport
	graphics Graphics
}

// New creates a detached study from an indicator descriptor.
func New(ind Indicator) *Study {
	return &Study{
		bus:      events.NewBus(),
		ops:      pending.NewRegistry(),
		ind:      ind,
		rowIndex: map[int64]int{},
	}
}

// ID returns the wire id assigned at attach time, empty before that.
func (st *Study) ID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.id
}

// SetOption overrides a script input. Inputs are fixed once the study is
// attached.
func (st *Study) SetOption(key string, value any) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.attached {
		return types.NewError(types.KindStudy, "study inputs are immutable after attach", nil)
	}
	st.ind.SetInput(key, value)
	return nil
}

// Attach binds the study to a chart series under the given wire id and waits
// for the study engine to accept it.
func (st *Study) Attach(ctx context.Context, host Host, id string) error {
	st.mu.Lock()
	if st.attached {
		st.mu.Unlock()
		return types.NewError(types.KindStudy, "study already attached", nil)
	}
	st.host = host
	st.id = id
	inputs := st.ind.wireInputs()
	st.mu.Unlock()

	op := st.ops.Create("attach:" + id)
	err := host.Send("create_study", host.SessionID(), id, id, host.SeriesID(), scriptRuntime, inputs)
	if err != nil {
		st.ops.Fail("attach:"+id, err)
		return err
	}
	if _, err := op.Wait(ctx, host.RequestTimeout()); err != nil {
		return err
	}
	st.mu.Lock()
	st.attached = true
	st.mu.Unlock()
	return nil
}

// Rehydrate re-creates the study on a fresh connection. Fire and forget,
// readiness arrives through the usual study_completed path.
func (st *Study) Rehydrate() error {
	st.mu.Lock()
	host, id := st.host, st.id
	inputs := st.ind.wireInputs()
	st.mu.Unlock()
	if host == nil {
		return nil
	}
	return host.Send("create_study", host.SessionID(), id, id, host.SeriesID(), scriptRuntime, inputs)
}

// Remove detaches the study from its chart. The owning chart session calls
// this during cascaded teardown.
func (st *Study) Remove() error {
	st.mu.Lock()
	if st.removed || st.host == nil {
		st.mu.Unlock()
		return nil
	}
	st.removed = true
	st.attached = false
	host, id := st.host, st.id
	st.mu.Unlock()
	st.ops.FailAll(types.NewError(types.KindDetached, "study removed", nil))
	return host.Send("remove_study", host.SessionID(), id)
}

// Rows returns a copy of the accumulated output rows in ascending time order.
func (st *Study) Rows() []Row {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Row, len(st.rows))
	for i, r := range st.rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// Report returns the latest strategy report, nil for plain indicators.
func (st *Study) Report() *StrategyReport {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.report
}

// DrawnGraphics returns a copy of the primitives the script has drawn.
func (st *Study) DrawnGraphics() Graphics {
	st.mu.Lock()
	defer st.mu.Unlock()
	g := Graphics{
		Labels: append([]Label(nil), st.graphics.Labels...),
		Lines:  append([]Line(nil), st.graphics.Lines...),
		Boxes:  append([]Box(nil), st.graphics.Boxes...),
	}
	return g
}

// OnReady registers a callback fired once the study engine accepts the study.
func (st *Study) OnReady(cb func()) {
	st.bus.On("ready", func(any) { cb() })
}

// OnUpdate registers a callback for new or changed output rows.
func (st *Study) OnUpdate(cb func(rows []Row)) {
	st.bus.On("update", func(p any) {
		if rows, ok := p.([]Row); ok {
			cb(rows)
		}
	})
}

// OnStrategyReport registers a callback for backtest report updates.
func (st *Study) OnStrategyReport(cb func(report *StrategyReport)) {
	st.bus.On("strategyReport", func(p any) {
		if r, ok := p.(*StrategyReport); ok {
			cb(r)
		}
	})
}

// OnError registers a callback for study errors. Recoverable script errors do
// not detach the study.
func (st *Study) OnError(cb func(err error)) {
	st.bus.On(events.ErrorEvent, func(p any) {
		if err, ok := p.(error); ok {
			cb(err)
		}
	})
}

// HandleLoading processes a study_loading notification.
func (st *Study) HandleLoading() {
	logger.Debug(context.Background(), "study loading", "study_id", st.ID())
}

// HandleCompleted processes study_completed: the engine accepted the study.
func (st *Study) HandleCompleted() {
	st.ops.Resolve("attach:"+st.ID(), nil)
	st.mu.Lock()
	st.attached = true
	st.mu.Unlock()
	st.bus.Emit("ready", nil)
}

// HandleError processes study_error. Script errors are recoverable: the
// study stays attached and keeps receiving updates after the condition
// clears.
func (st *Study) HandleError(desc string) {
	err := types.NewError(types.KindStudy, desc, nil)
	st.ops.Fail("attach:"+st.ID(), err)
	st.bus.Emit(events.ErrorEvent, err)
}

// insertRow places a new row at its sorted position, keeping the rows aligned
// with the parent chart store. Backfilled rows land before existing ones, so
// every displaced index is rebuilt. Caller holds st.mu.
func (st *Study) insertRow(t int64, row Row) {
	i := sort.Search(len(st.rows), func(i int) bool { return st.rows[i]["$time"] >= float64(t) })
	st.rows = append(st.rows, nil)
	copy(st.rows[i+1:], st.rows[i:])
	st.rows[i] = row
	for j := i; j < len(st.rows); j++ {
		st.rowIndex[int64(st.rows[j]["$time"])] = j
	}
}

// wire shapes of a study update node.
type updatePoint struct {
	Index  int        `json:"i"`
	Values []*float64 `json:"v"`
}

type updateNode struct {
	ST []updatePoint   `json:"st"`
	NS json.RawMessage `json:"ns"`
}

// HandleUpdate processes the study's slice of a du or timescale_update
// payload, merging rows by bar timestamp and absorbing report and graphics
// side channels.
func (st *Study) HandleUpdate(raw json.RawMessage) {
	var node updateNode
	if err := json.Unmarshal(raw, &node); err != nil {
		logger.Warn(context.Background(), "malformed study update", "study_id", st.ID(), "error", err)
		return
	}

	var changed []Row
	var report *StrategyReport

	st.mu.Lock()
	for _, p := range node.ST {
		if len(p.Values) == 0 || p.Values[0] == nil {
			continue
		}
		t := int64(*p.Values[0])
		row := Row{"$time": float64(t)}
		for slot := 1; slot < len(p.Values); slot++ {
			if p.Values[slot] == nil {
				continue
			}
			row[st.ind.rowKey(slot)] = *p.Values[slot]
		}
		if i, ok := st.rowIndex[t]; ok {
			st.rows[i] = row
		} else {
			st.insertRow(t, row)
		}
		changed = append(changed, row)
	}
	if payload, err := decodeNS(node.NS); err != nil {
		logger.Warn(context.Background(), "malformed study side channel", "study_id", st.id, "error", err)
	} else if payload != nil {
		if payload.GraphicsCmds != nil {
			st.graphics.merge(payload.GraphicsCmds.Create)
		}
		if payload.Data != nil && payload.Data.Report != nil {
			st.report = payload.Data.Report
			report = payload.Data.Report
		}
	}
	st.mu.Unlock()

	if len(changed) > 0 {
		sort.Slice(changed, func(i, j int) bool { return changed[i]["$time"] < changed[j]["$time"] })
		st.bus.Emit("update", changed)
	}
	if report != nil {
		st.bus.Emit("strategyReport", report)
	}
}
