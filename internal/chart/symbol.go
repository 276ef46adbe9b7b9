package chart

import (
	"encoding/json"
	"fmt"

	"tvstream/internal/types"
)

// ChartType selects a synthetic bar construction on top of the raw series.
type ChartType string

const (
	TypeHeikinAshi     ChartType = "HeikinAshi"
	TypeRenko          ChartType = "Renko"
	TypeLineBreak      ChartType = "LineBreak"
	TypeKagi           ChartType = "Kagi"
	TypePointAndFigure ChartType = "PointAndFigure"
	TypeRange          ChartType = "Range"
)

var chartTypeScripts = map[ChartType]string{
	TypeHeikinAshi:     "BarSetHeikenAshi@tv-basicstudies-60!",
	TypeRenko:          "BarSetRenko@tv-prostudies-40!",
	TypeLineBreak:      "BarSetPriceBreak@tv-prostudies-34!",
	TypeKagi:           "BarSetKagi@tv-prostudies-34!",
	TypePointAndFigure: "BarSetPnF@tv-prostudies-34!",
	TypeRange:          "BarSetRange@tv-basicstudies-72!",
}

// MarketOptions parameterize a market selection on a chart session.
// Zero values mean upstream defaults.
type MarketOptions struct {
	// Timeframe in user form ("5m", "1h", "1D", ...) or canonical form.
	Timeframe string
	// Range is the number of bars loaded initially. Defaults to 100.
	Range int
	// To anchors the right edge of the initial load at a unix timestamp.
	To int64
	// Adjustment is "splits", "dividends" or "none".
	Adjustment string
	// Backadjustment enables back-adjusted continuous futures data.
	Backadjustment bool
	// SessionHours is "regular" or "extended".
	SessionHours string
	// Currency converts prices into the given currency code.
	Currency string
	// Type wraps the series in a synthetic chart type.
	Type ChartType
	// Inputs parameterize the synthetic chart type.
	Inputs map[string]any
	// Replay binds the chart to a replay session starting at this timestamp.
	Replay int64
}

// buildSymbolKey encodes a symbol plus its modifiers into the "="-prefixed
// JSON form the upstream resolver expects. replaySessionID is empty when the
// chart is not bound to a replay session.
func buildSymbolKey(symbol string, opts MarketOptions, replaySessionID string) (string, error) {
	inner := map[string]any{
		"symbol": symbol,
	}
	if opts.Adjustment != "" {
		inner["adjustment"] = opts.Adjustment
	}
	if opts.Backadjustment {
		inner["backadjustment"] = "default"
	}
	if opts.SessionHours != "" {
		inner["session"] = opts.SessionHours
	}
	if opts.Currency != "" {
		inner["currency-id"] = opts.Currency
	}
	if replaySessionID != "" {
		inner["replay"] = replaySessionID
	}

	var payload any = inner
	if opts.Type != "" {
		script, ok := chartTypeScripts[opts.Type]
		if !ok {
			return "", types.NewError(types.KindSymbol, fmt.Sprintf("unknown chart type %q", opts.Type), nil)
		}
		wrapped := map[string]any{
			"type":   script,
			"symbol": inner,
		}
		if len(opts.Inputs) > 0 {
			wrapped["inputs"] = opts.Inputs
		}
		payload = wrapped
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewError(types.KindSymbol, "encode symbol key", err)
	}
	return "=" + string(b), nil
}
