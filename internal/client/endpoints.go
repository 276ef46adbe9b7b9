package client

import (
	"net/url"

	"tvstream/internal/config"
)

// endpointURL builds the websocket URL for the configured server cluster.
// The history-data cluster routes by chart id, so it gets an extra query
// parameter.
func endpointURL(cfg *config.Config) string {
	u := url.URL{
		Scheme: "wss",
		Host:   cfg.Server + ".tradingview.com",
		Path:   "/socket.io/websocket",
	}
	q := url.Values{}
	q.Set("from", "chart/")
	q.Set("type", "chart")
	if cfg.Server == "history-data" && cfg.ChartID != "" {
		q.Set("chart_id", cfg.ChartID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
