package study

import "encoding/json"

// PerfMetrics summarizes one side of a strategy backtest.
type PerfMetrics struct {
	NetProfit         float64 `json:"netProfit"`
	GrossProfit       float64 `json:"grossProfit"`
	GrossLoss         float64 `json:"grossLoss"`
	ProfitFactor      float64 `json:"profitFactor"`
	PercentProfitable float64 `json:"percentProfitable"`
	TotalTrades       int     `json:"totalTrades"`
	WinningTrades     int     `json:"numberOfWiningTrades"`
	LosingTrades      int     `json:"numberOfLosingTrades"`
	AvgTrade          float64 `json:"avgTrade"`
	MaxDrawDown       float64 `json:"maxStrategyDrawDown"`
}

// Performance splits metrics into combined, long-only and short-only views.
type Performance struct {
	All   PerfMetrics `json:"all"`
	Long  PerfMetrics `json:"long"`
	Short PerfMetrics `json:"short"`
}

// StrategyReport is the backtest result a strategy script streams alongside
// its plot rows.
type StrategyReport struct {
	Currency    string            `json:"currency"`
	Performance Performance       `json:"performance"`
	Trades      []json.RawMessage `json:"trades"`
}

// Label is a text annotation a script draws on the chart.
type Label struct {
	ID    int     `json:"id"`
	X     int64   `json:"x"`
	Y     float64 `json:"y"`
	Text  string  `json:"text"`
	Style string  `json:"style"`
	Color int64   `json:"color"`
}

// Line is a segment a script draws on the chart.
type Line struct {
	ID    int     `json:"id"`
	X1    int64   `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    int64   `json:"x2"`
	Y2    float64 `json:"y2"`
	Color int64   `json:"color"`
	Width int     `json:"width"`
}

// Box is a rectangle a script draws on the chart.
type Box struct {
	ID    int     `json:"id"`
	X1    int64   `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    int64   `json:"x2"`
	Y2    float64 `json:"y2"`
	Color int64   `json:"color"`
}

// Graphics accumulates the drawing primitives a script has emitted.
type Graphics struct {
	Labels []Label `json:"labels"`
	Lines  []Line  `json:"lines"`
	Boxes  []Box   `json:"boxes"`
}

// nsPayload is the decoded "ns" side channel of a study update node. The
// outer value arrives as a JSON string holding more JSON.
type nsPayload struct {
	GraphicsCmds *struct {
		Create map[string]json.RawMessage `json:"create"`
	} `json:"graphicsCmds"`
	Data *struct {
		Report *StrategyReport `json:"report"`
	} `json:"data"`
}

func decodeNS(raw json.RawMessage) (*nsPayload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wrapper struct {
		D string `json:"d"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.D == "" {
		return nil, nil
	}
	var payload nsPayload
	if err := json.Unmarshal([]byte(wrapper.D), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// mergeGraphics applies a graphics create batch onto g.
func (g *Graphics) merge(cmds map[string]json.RawMessage) {
	for kind, raw := range cmds {
		switch kind {
		case "dwglabels":
			var batch []Label
			if json.Unmarshal(raw, &batch) == nil {
				g.Labels = append(g.Labels, batch...)
			}
		case "dwglines":
			var batch []Line
			if json.Unmarshal(raw, &batch) == nil {
				g.Lines = append(g.Lines, batch...)
			}
		case "dwgboxes":
			var batch []Box
			if json.Unmarshal(raw, &batch) == nil {
				g.Boxes = append(g.Boxes, batch...)
			}
		}
	}
}
