package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"bot_engine/internal/evaluator"
	"bot_engine/internal/executor"
	"bot_engine/internal/graph"
	"bot_engine/internal/ledger"
	"bot_engine/internal/market"
	"bot_engine/internal/models"
	"bot_engine/internal/notify"
	"bot_engine/internal/risk"
	"bot_engine/internal/session"
	"bot_engine/internal/storage/memory"
	"bot_engine/internal/venue"
	"bot_engine/pkg/logger"

	"go.uber.org/zap"
)

// Прогон экспортированной стратегии по CSV со свечами: всё in-memory,
// сделки бумажные. CSV: unix_ms,open,high,low,close,volume.
func main() {
	var (
		strategyPath = flag.String("strategy", "", "exported strategy json")
		candlesPath  = flag.String("candles", "", "csv with candles")
		pair         = flag.String("pair", "ETH-USDT", "trading pair")
		interval     = flag.String("interval", "1m", "candle interval")
	)
	flag.Parse()
	if *strategyPath == "" || *candlesPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	l, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	logger.Init(l)
	logger.SetServiceName("backtest")

	raw, err := os.ReadFile(*strategyPath)
	if err != nil {
		log.Fatal(err)
	}
	strat, rep, err := graph.Import(raw, "backtest")
	if err != nil {
		log.Fatal(err)
	}
	if !rep.IsValid {
		for _, is := range rep.Errors {
			logger.Error("[BACKTEST] %s: %s", is.ElementID, is.Msg)
		}
		os.Exit(1)
	}

	candles, err := loadCandles(*candlesPath)
	if err != nil {
		log.Fatal(err)
	}
	logger.Info("[BACKTEST] %d candles loaded for %s", len(candles), *pair)

	feed := market.NewReplayFeed(*interval)
	feed.Load(*pair, candles)

	strategies := memory.NewStrategyStore()
	sessions := memory.NewSessionStore()
	led := ledger.New(memory.NewLedgerStore())

	ctx := context.Background()
	if err := strategies.Save(ctx, strat); err != nil {
		log.Fatal(err)
	}

	quotes := func(p string) (float64, bool) {
		snap, sErr := feed.Snapshot(ctx, []string{p}, time.Now().UTC())
		if sErr != nil {
			return 0, false
		}
		q, ok := snap.QuoteFor(p)
		return q.Price, ok
	}

	deps := session.Deps{
		Feed:     feed,
		Eval:     evaluator.New(),
		Gate:     risk.NewGate(risk.StaticGas{Gwei: 20}),
		Exec:     executor.New(venue.NewPaper(quotes), led),
		Ledger:   led,
		Sessions: sessions,
		Dispatch: notify.NewDispatcher(notify.NewStdout()),
	}
	mgr := session.NewManager(deps, strategies)

	sess, err := mgr.StartSession(ctx, strat.ID, session.StartParams{
		BotID:     "backtest",
		UserID:    "backtest",
		Mode:      models.ModeBacktest,
		Frequency: models.FreqManual,
		Config: models.BotExecutionConfig{
			MaxConcurrentTrades: 5,
			MaxDailyTrades:      1000,
			MaxExposurePct:      100,
			SlippageBps:         10,
			Gas:                 models.GasPolicy{UseDefault: true},
			MaxRetries:          1,
			RetryDelay:          time.Millisecond,
			TradingPairs:        []string{*pair},
			Network:             "backtest",
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	// тик на каждую свечу, строго по одному
	for i, c := range candles {
		feed.Advance(c.Ts)
		if tErr := mgr.TriggerManual(ctx, sess.ID); tErr != nil {
			log.Fatal(tErr)
		}
		waitForTick(ctx, mgr, sess.ID, int64(i+1))
	}
	if err := mgr.Stop(ctx, sess.ID); err != nil {
		log.Fatal(err)
	}

	final, err := mgr.Session(ctx, sess.ID)
	if err != nil {
		log.Fatal(err)
	}
	m := final.Metrics
	fmt.Printf("ticks=%d trades=%d winrate=%.1f%% pnl=%s maxdd=%s\n",
		final.ExecutionCount, m.TotalTrades, m.WinRate*100, m.CumPnL, m.MaxDrawdown)
}

func waitForTick(ctx context.Context, mgr *session.Manager, sessionID string, n int64) {
	for {
		sess, err := mgr.Session(ctx, sessionID)
		if err != nil || sess.Status.Terminal() || sess.ExecutionCount >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func loadCandles(path string) ([]models.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	rd := csv.NewReader(f)
	rd.FieldsPerRecord = 6

	var out []models.Candle
	for {
		rec, rErr := rd.Read()
		if rErr != nil {
			break
		}
		ms, pErr := strconv.ParseInt(rec[0], 10, 64)
		if pErr != nil { // заголовок
			continue
		}
		c := models.Candle{Ts: time.UnixMilli(ms).UTC()}
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, vErr := strconv.ParseFloat(rec[i+1], 64)
			if vErr != nil {
				return nil, fmt.Errorf("bad candle row %q: %w", rec, vErr)
			}
			*dst = v
		}
		out = append(out, c)
	}
	return out, nil
}
