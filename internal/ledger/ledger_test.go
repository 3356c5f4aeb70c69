package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"bot_engine/internal/ledger"
	"bot_engine/internal/models"
	"bot_engine/internal/storage/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger() *ledger.Ledger {
	return ledger.New(memory.NewLedgerStore())
}

func completedTrade(sessionID string, profit int64) *models.BotTrade {
	return &models.BotTrade{
		SessionID: sessionID,
		Side:      models.SideBuy,
		Status:    models.TradeCompleted,
		Pair:      "ETH-USDT",
		Amount:    decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(2000),
		ProfitUSD: decimal.NewFromInt(profit),
	}
}

func TestLogSeqPerSession(t *testing.T) {
	led := newLedger()
	ctx := context.Background()

	require.NoError(t, led.Logf(ctx, "a", models.LevelInfo, "first"))
	require.NoError(t, led.Logf(ctx, "b", models.LevelInfo, "other session"))
	require.NoError(t, led.Logf(ctx, "a", models.LevelInfo, "second"))

	logs, err := led.Logs(ctx, ledger.LogQuery{SessionID: "a"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(1), logs[0].Seq)
	assert.Equal(t, int64(2), logs[1].Seq)

	logs, err = led.Logs(ctx, ledger.LogQuery{SessionID: "b"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(1), logs[0].Seq)
}

func TestLogConcurrentWritersLoseNothing(t *testing.T) {
	led := newLedger()
	ctx := context.Background()

	const writers, perWriter = 10, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = led.Logf(ctx, "sess", models.LevelDebug, "tick")
			}
		}()
	}
	wg.Wait()

	logs, err := led.Logs(ctx, ledger.LogQuery{SessionID: "sess"})
	require.NoError(t, err)
	require.Len(t, logs, writers*perWriter)

	seen := make(map[int64]bool, len(logs))
	for _, e := range logs {
		assert.False(t, seen[e.Seq], "seq %d выдан дважды", e.Seq)
		seen[e.Seq] = true
	}
	assert.True(t, seen[int64(writers*perWriter)])
}

func TestMetricsFollowTerminalTrades(t *testing.T) {
	led := newLedger()
	ctx := context.Background()

	require.NoError(t, led.RecordTrade(ctx, completedTrade("s", 50)))
	require.NoError(t, led.RecordTrade(ctx, completedTrade("s", -20)))

	failed := completedTrade("s", 0)
	failed.Status = models.TradeFailed
	failed.FeeUSD = decimal.NewFromInt(3)
	require.NoError(t, led.RecordTrade(ctx, failed))

	m := led.Metrics("s")
	assert.Equal(t, int64(3), m.TotalTrades)
	assert.Equal(t, int64(1), m.WinningTrades)
	assert.Equal(t, int64(1), m.LosingTrades)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	assert.True(t, decimal.NewFromInt(30).Equal(m.CumPnL))
	assert.True(t, decimal.NewFromInt(50).Equal(m.PeakPnL))
	assert.True(t, decimal.NewFromInt(20).Equal(m.MaxDrawdown))
	assert.True(t, decimal.NewFromInt(3).Equal(m.GasSpentUSD), "комиссия упавшей сделки всё равно потрачена")
}

func TestPendingTradeDoesNotTouchMetrics(t *testing.T) {
	led := newLedger()
	tr := completedTrade("s", 10)
	tr.Status = models.TradePending

	require.NoError(t, led.RecordTrade(context.Background(), tr))

	assert.Equal(t, int64(0), led.Metrics("s").TotalTrades)
}

func TestSeedRestoresAfterRestart(t *testing.T) {
	led := newLedger()
	led.Seed("s", models.BotPerformanceMetrics{TotalTrades: 5, WinningTrades: 3}, 42)

	assert.Equal(t, int64(5), led.Metrics("s").TotalTrades)

	require.NoError(t, led.Logf(context.Background(), "s", models.LevelInfo, "resumed"))
	logs, err := led.Logs(context.Background(), ledger.LogQuery{SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(43), logs[0].Seq, "нумерация продолжается, не начинается заново")
}

func TestLogQueryFilters(t *testing.T) {
	led := newLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, led.Logf(ctx, "s", models.LevelDebug, "noise %d", i))
	}
	require.NoError(t, led.Logf(ctx, "s", models.LevelError, "boom"))

	logs, err := led.Logs(ctx, ledger.LogQuery{SessionID: "s", Levels: []models.LogLevel{models.LevelError}})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "boom", logs[0].Message)

	logs, err = led.Logs(ctx, ledger.LogQuery{SessionID: "s", Offset: 4, Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(5), logs[0].Seq)
}

func TestTradeQueryByStatus(t *testing.T) {
	led := newLedger()
	ctx := context.Background()

	require.NoError(t, led.RecordTrade(ctx, completedTrade("s", 10)))
	failed := completedTrade("s", 0)
	failed.Status = models.TradeFailed
	require.NoError(t, led.RecordTrade(ctx, failed))

	trades, err := led.Trades(ctx, ledger.TradeQuery{
		SessionID: "s",
		Statuses:  []models.TradeStatus{models.TradeFailed},
	})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeFailed, trades[0].Status)
}

func TestElementHistoryFindsNestedResults(t *testing.T) {
	led := newLedger()
	ctx := context.Background()

	rec := &ledger.TickRecord{
		SessionID: "s",
		Tick:      1,
		At:        time.Now().UTC(),
		Results: []*models.ElementExecutionResult{{
			ElementID: "root",
			Children: []*models.ElementExecutionResult{
				{ElementID: "rsi"},
			},
		}},
	}
	require.NoError(t, led.RecordTick(ctx, rec))
	require.NoError(t, led.RecordTick(ctx, &ledger.TickRecord{SessionID: "s", Tick: 2, At: time.Now().UTC()}))

	ticks, err := led.ElementHistory(ctx, ledger.ElementQuery{SessionID: "s", ElementID: "rsi"})
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, int64(1), ticks[0].Tick)
}
