package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tvstream/internal/chart"
	"tvstream/internal/client"
	"tvstream/internal/config"
	"tvstream/internal/logger"
	"tvstream/internal/quote"
	"tvstream/internal/study"
	"tvstream/internal/types"

	"github.com/joho/godotenv"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	_ = godotenv.Load()
	must(logger.Init())

	cfg, err := config.LoadConfig("config.yaml")
	must(err)
	if v := os.Getenv("TV_SESSION"); v != "" {
		cfg.Session = v
	}
	if v := os.Getenv("TV_SIGNATURE"); v != "" {
		cfg.Signature = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	m := client.New(cfg)
	m.OnError(func(err error) {
		logger.ErrorWithErr(ctx, "connection error", err)
	})
	m.OnReconnecting(func(info client.ReconnectInfo) {
		logger.Warn(ctx, "reconnecting", "attempt", info.Attempt, "max_retries", info.MaxRetries)
	})
	m.OnReconnected(func(attempt int) {
		logger.Info(ctx, "reconnected", "attempt", attempt)
	})

	must(m.Connect(ctx))
	defer m.End()
	logger.Info(ctx, "connected", "server", cfg.Server)

	qs, err := m.Quote(quote.ProfileMinimal)
	must(err)
	qs.OnData(func(d quote.Data) {
		fmt.Printf("%s lp=%v ch=%v\n", d.Symbol, d.Values["lp"], d.Values["chp"])
	})
	must(qs.Watch("BINANCE:BTCEUR"))

	cs, err := m.Chart()
	must(err)
	cs.OnSymbolLoaded(func(info types.SymbolInfo) {
		logger.Info(ctx, "symbol loaded", "symbol", info.ProName, "exchange", info.Exchange)
	})
	cs.OnUpdate(func(bars []types.Bar) {
		if len(bars) == 0 {
			return
		}
		last := bars[len(bars)-1]
		fmt.Printf("bar t=%d close=%.2f vol=%.2f\n", last.Time, last.Close, last.Volume)
	})
	cs.OnError(func(err error) {
		logger.ErrorWithErr(ctx, "chart error", err)
	})
	must(cs.SetMarket(ctx, "BINANCE:BTCEUR", chart.MarketOptions{Timeframe: "15"}))

	rsi := study.New(study.RSI(14))
	rsi.OnUpdate(func(rows []study.Row) {
		last := rows[len(rows)-1]
		fmt.Printf("rsi t=%.0f value=%.2f\n", last["$time"], last["RSI"])
	})
	must(cs.CreateStudy(ctx, rsi))

	<-sigc
	logger.Info(ctx, "shutting down")
	must(logger.Shutdown(ctx))
}
