package chart

import (
	"encoding/json"

	"tvstream/internal/types"
)

// SeriesPoint is one datapoint of a series or study update burst.
type SeriesPoint struct {
	Index  int       `json:"i"`
	Values []float64 `json:"v"`
}

// SeriesNode is the per-key object inside a timescale_update or du payload.
type SeriesNode struct {
	Points []SeriesPoint   `json:"s"`
	NS     json.RawMessage `json:"ns"`
	T      string          `json:"t"`
}

// ParsePayload splits the second parameter of a timescale_update or du
// envelope into its per-series nodes, keyed by series or study id.
func ParsePayload(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, types.NewError(types.KindProtocol, "decode series payload", err)
	}
	return nodes, nil
}

// ParseNode decodes a single series node.
func ParseNode(raw json.RawMessage) (SeriesNode, error) {
	var node SeriesNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return SeriesNode{}, types.NewError(types.KindProtocol, "decode series node", err)
	}
	return node, nil
}

// BarsFromNode converts an OHLCV series node into bars. Points whose value
// vector is shorter than a full bar are skipped; the volume slot is optional.
func BarsFromNode(node SeriesNode) []types.Bar {
	bars := make([]types.Bar, 0, len(node.Points))
	for _, p := range node.Points {
		if len(p.Values) < 5 {
			continue
		}
		b := types.Bar{
			Time:  int64(p.Values[0]),
			Open:  p.Values[1],
			High:  p.Values[2],
			Low:   p.Values[3],
			Close: p.Values[4],
		}
		if len(p.Values) > 5 {
			b.Volume = p.Values[5]
		}
		bars = append(bars, b)
	}
	return bars
}
