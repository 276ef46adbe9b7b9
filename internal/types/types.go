package types

// Bar is a single candlestick for one timeframe interval, keyed by its
// open timestamp (unix seconds).
type Bar struct {
	Time                           int64
	Open, High, Low, Close, Volume float64
}

// SymbolInfo is the metadata the upstream returns when a symbol resolves.
type SymbolInfo struct {
	FullName       string  `json:"full_name"`
	ProName        string  `json:"pro_name"`
	Description    string  `json:"description"`
	Exchange       string  `json:"exchange"`
	ListedExchange string  `json:"listed_exchange"`
	Type           string  `json:"type"`
	CurrencyCode   string  `json:"currency_code"`
	PriceScale     float64 `json:"pricescale"`
	MinMove        float64 `json:"minmov"`
	Timezone       string  `json:"timezone"`
	SessionHours   string  `json:"session"`
}

// SessionType tags a session id with its kind. The prefix is part of the
// client-generated session id the upstream echoes back.
type SessionType string

const (
	SessionChart   SessionType = "chart"
	SessionQuote   SessionType = "quote"
	SessionReplay  SessionType = "replay"
	SessionHistory SessionType = "history"
)

// Prefix returns the session-id prefix used on the wire for this type.
func (t SessionType) Prefix() string {
	switch t {
	case SessionChart:
		return "cs_"
	case SessionQuote:
		return "qs_"
	case SessionReplay:
		return "rs_"
	case SessionHistory:
		return "hs_"
	}
	return "xs_"
}
