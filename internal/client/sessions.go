package client

import (
	"tvstream/internal/chart"
	"tvstream/internal/history"
	"tvstream/internal/quote"
	"tvstream/internal/replay"
	"tvstream/internal/interfaces"
	"tvstream/internal/types"
)

var (
	_ interfaces.Sender   = (*Manager)(nil)
	_ interfaces.Session  = (*chart.Session)(nil)
	_ interfaces.Session  = (*quote.Session)(nil)
	_ interfaces.Session  = (*replay.Session)(nil)
	_ interfaces.Session  = (*history.Session)(nil)
	_ chart.ReplayControl = (*replay.Session)(nil)
)

// Chart creates and registers a chart session. The create envelope is
// queued until the connection authenticates, so sessions can be built
// before Connect.
func (m *Manager) Chart() (*chart.Session, error) {
	s, err := chart.New(chart.Deps{
		Sender:     m,
		Unregister: m.unregister,
		NewReplay: func() (chart.ReplayControl, error) {
			r, err := replay.New(replay.Deps{Sender: m, Unregister: m.unregister})
			if err != nil {
				return nil, err
			}
			m.register(r)
			return r, nil
		},
	})
	if err != nil {
		return nil, err
	}
	m.register(s)
	return s, nil
}

// Quote creates and registers a quote session streaming the given field
// profile.
func (m *Manager) Quote(profile quote.Profile) (*quote.Session, error) {
	s, err := quote.New(quote.Deps{Sender: m, Unregister: m.unregister}, profile)
	if err != nil {
		return nil, err
	}
	m.register(s)
	return s, nil
}

// Replay creates and registers a standalone replay session. Charts bound
// through SetMarket get theirs implicitly.
func (m *Manager) Replay() (*replay.Session, error) {
	s, err := replay.New(replay.Deps{Sender: m, Unregister: m.unregister})
	if err != nil {
		return nil, err
	}
	m.register(s)
	return s, nil
}

// History creates and registers a history session. Script-backed fetches
// need the manager connected to the history-data cluster.
func (m *Manager) History() (*history.Session, error) {
	if m.cfg.Server != "history-data" {
		return nil, types.NewError(types.KindSeries,
			"history sessions require the history-data server", nil)
	}
	s, err := history.New(history.Deps{Sender: m, Unregister: m.unregister})
	if err != nil {
		return nil, err
	}
	m.register(s)
	return s, nil
}
