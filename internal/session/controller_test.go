package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bot_engine/internal/evaluator"
	"bot_engine/internal/executor"
	"bot_engine/internal/ledger"
	"bot_engine/internal/market"
	"bot_engine/internal/models"
	"bot_engine/internal/notify"
	"bot_engine/internal/risk"
	"bot_engine/internal/session"
	"bot_engine/internal/storage/memory"
	"bot_engine/internal/venue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	mgr        *session.Manager
	feed       *market.ReplayFeed
	led        *ledger.Ledger
	sessions   *memory.SessionStore
	strategies *memory.StrategyStore
}

// newHarness собирает полный стек на памяти и бумажном исполнителе.
// threshold управляет тем, стреляет ли стратегия: свеча стоит на 105.
func newHarness(t *testing.T, threshold float64) *harness {
	t.Helper()

	feed := market.NewReplayFeed("1m")
	feed.Load("ETH-USDT", []models.Candle{
		{Ts: time.Now().UTC().Add(-time.Minute), Open: 105, High: 105, Low: 105, Close: 105, Volume: 100},
	})

	led := ledger.New(memory.NewLedgerStore())
	sessions := memory.NewSessionStore()
	strategies := memory.NewStrategyStore()
	require.NoError(t, strategies.Save(context.Background(), fireAbove(threshold)))

	paper := venue.NewPaper(func(pair string) (float64, bool) {
		if pair == "ETH-USDT" {
			return 105, true
		}
		return 0, false
	})

	deps := session.Deps{
		Feed:     feed,
		Eval:     evaluator.New(),
		Gate:     risk.NewGate(risk.StaticGas{Gwei: 20}),
		Exec:     executor.New(paper, led),
		Ledger:   led,
		Sessions: sessions,
		Dispatch: notify.NewDispatcher(notify.Nop{}),
	}
	return &harness{
		mgr:        session.NewManager(deps, strategies),
		feed:       feed,
		led:        led,
		sessions:   sessions,
		strategies: strategies,
	}
}

func fireAbove(threshold float64) *models.Strategy {
	return &models.Strategy{
		ID:            "strat-1",
		UserID:        "user-1",
		Version:       1,
		RootElementID: "root",
		Elements: map[string]*models.StrategyElement{
			"root": {
				ID: "root", Type: models.ElementLogic, Name: "entry",
				Logic: &models.LogicSpec{Op: models.LogicAnd, Children: []string{"trig", "act"}},
			},
			"trig": {
				ID: "trig", Type: models.ElementTrigger, Name: "breakout",
				Trigger: &models.TriggerSpec{Kind: models.TriggerPriceThreshold, Pair: "ETH-USDT", Threshold: threshold, Direction: "above"},
			},
			"act": {
				ID: "act", Type: models.ElementAction, Name: "buy",
				Action: &models.ActionSpec{Kind: models.ActionBuy, Pair: "ETH-USDT", Amount: decimal.NewFromFloat(0.5)},
			},
		},
	}
}

func manualParams() session.StartParams {
	return session.StartParams{
		BotID:     "bot-1",
		UserID:    "user-1",
		Mode:      models.ModePaper,
		Frequency: models.FreqManual,
		Config: models.BotExecutionConfig{
			TradingPairs: []string{"ETH-USDT"},
			Gas:          models.GasPolicy{UseDefault: true},
		},
	}
}

func (h *harness) waitTicks(t *testing.T, id string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := h.mgr.Session(context.Background(), id)
		return err == nil && sess.ExecutionCount >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) logCount(t *testing.T, id string) int {
	t.Helper()
	logs, err := h.led.Logs(context.Background(), ledger.LogQuery{SessionID: id})
	require.NoError(t, err)
	return len(logs)
}

func TestManualSessionLifecycle(t *testing.T) {
	h := newHarness(t, 1e12) // никогда не стреляет
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sess.Status)

	// в ручном режиме тики появляются только по команде
	time.Sleep(30 * time.Millisecond)
	got, err := h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ExecutionCount)

	require.NoError(t, h.mgr.TriggerManual(ctx, sess.ID))
	h.waitTicks(t, sess.ID, 1)

	require.NoError(t, h.mgr.Stop(ctx, sess.ID))
	got, err = h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.NotNil(t, got.StoppedAt)

	// статус долетел и до стора
	stored, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stored.Status)
}

func TestTickExecutesTrade(t *testing.T) {
	h := newHarness(t, 100) // 105 > 100, действие стреляет
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	require.NoError(t, h.mgr.TriggerManual(ctx, sess.ID))
	h.waitTicks(t, sess.ID, 1)

	got, err := h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SuccessfulExecutions)
	assert.Equal(t, 1, got.Runtime.OpenTrades)
	assert.Equal(t, 1, got.Runtime.TradesToday)
	assert.True(t, got.Runtime.Exposure.IsPositive())
	assert.Equal(t, int64(1), got.Metrics.TotalTrades)

	trades, err := h.led.Trades(ctx, ledger.TradeQuery{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeCompleted, trades[0].Status)
	assert.Equal(t, models.SideBuy, trades[0].Side)
}

func TestPauseIsIdempotent(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)

	require.NoError(t, h.mgr.Pause(ctx, sess.ID))
	got, _ := h.mgr.Session(ctx, sess.ID)
	require.Equal(t, models.StatusPaused, got.Status)

	before := h.logCount(t, sess.ID)
	require.NoError(t, h.mgr.Pause(ctx, sess.ID), "повторный pause — no-op")
	assert.Equal(t, before, h.logCount(t, sess.ID), "no-op не оставляет следов в журнале")
}

func TestStopFromPaused(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	require.NoError(t, h.mgr.Pause(ctx, sess.ID))

	require.NoError(t, h.mgr.Stop(ctx, sess.ID))

	got, err := h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
}

func TestIllegalTransitions(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)

	var ste *models.StateTransitionError

	// resume не из paused
	err = h.mgr.Resume(ctx, sess.ID)
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, models.StatusRunning, ste.From)

	// stop уже остановленной
	require.NoError(t, h.mgr.Stop(ctx, sess.ID))
	err = h.mgr.Stop(ctx, sess.ID)
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, models.StatusStopped, ste.From)

	// ручной тик после остановки
	err = h.mgr.TriggerManual(ctx, sess.ID)
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, models.StatusStopped, ste.From)

	// неизвестная сессия
	err = h.mgr.Pause(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestTriggerManualWhilePaused(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	require.NoError(t, h.mgr.Pause(ctx, sess.ID))

	// ручной тик разрешён на паузе и паузу не снимает
	require.NoError(t, h.mgr.TriggerManual(ctx, sess.ID))
	h.waitTicks(t, sess.ID, 1)

	got, err := h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, got.Status)
	assert.Equal(t, int64(1), got.SuccessfulExecutions)
}

func TestResumeAfterPauseTicksAgain(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	require.NoError(t, h.mgr.Pause(ctx, sess.ID))
	require.NoError(t, h.mgr.Resume(ctx, sess.ID))
	require.NoError(t, h.mgr.TriggerManual(ctx, sess.ID))
	h.waitTicks(t, sess.ID, 1)
}

func TestUpdateConfigRejectsInvalidPatch(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	params := manualParams()
	params.Config.MaxDailyTrades = 10
	sess, err := h.mgr.StartSession(ctx, "strat-1", params)
	require.NoError(t, err)

	bad := 150.0
	err = h.mgr.UpdateConfig(ctx, sess.ID, &models.ConfigPatch{MaxExposurePct: &bad})
	require.ErrorIs(t, err, models.ErrConfigInvalid)

	// действующий конфиг не тронут
	got, err := h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Config.MaxExposurePct)
	assert.Equal(t, 10, got.Config.MaxDailyTrades)

	limit := 5
	require.NoError(t, h.mgr.UpdateConfig(ctx, sess.ID, &models.ConfigPatch{MaxDailyTrades: &limit}))
	got, err = h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Config.MaxDailyTrades)
}

// failingFeed ломает каждый снапшот; так проверяется эскалация серии провалов.
type failingFeed struct{}

func (failingFeed) Snapshot(context.Context, []string, time.Time) (*models.MarketSnapshot, error) {
	return nil, errors.New("feed down")
}

func TestConsecutiveFailuresKillSession(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	led := ledger.New(memory.NewLedgerStore())
	deps := session.Deps{
		Feed:     failingFeed{},
		Eval:     evaluator.New(),
		Gate:     risk.NewGate(risk.StaticGas{Gwei: 20}),
		Exec:     executor.New(venue.NewPaper(func(string) (float64, bool) { return 0, false }), led),
		Ledger:   led,
		Sessions: memory.NewSessionStore(),
		Dispatch: notify.NewDispatcher(notify.Nop{}),
	}
	mgr := session.NewManager(deps, h.strategies)

	params := manualParams()
	params.Config.MaxConsecutiveFailures = 2
	sess, err := mgr.StartSession(ctx, "strat-1", params)
	require.NoError(t, err)

	require.NoError(t, mgr.TriggerManual(ctx, sess.ID))
	h.waitFailedTicks(t, mgr, sess.ID, 1)
	require.NoError(t, mgr.TriggerManual(ctx, sess.ID))

	require.Eventually(t, func() bool {
		got, err := mgr.Session(ctx, sess.ID)
		return err == nil && got.Status == models.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	got, err := mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.FailedExecutions)
	assert.GreaterOrEqual(t, got.Runtime.ConsecutiveFailures, 2)
}

func (h *harness) waitFailedTicks(t *testing.T, mgr *session.Manager, id string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := mgr.Session(context.Background(), id)
		return err == nil && sess.FailedExecutions >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFailedTradesCountAsFailedTicks(t *testing.T) {
	h := newHarness(t, 100) // стратегия стреляет на каждом тике
	ctx := context.Background()

	// исполнитель роняет каждый сабмит без ретраев
	led := ledger.New(memory.NewLedgerStore())
	broke := venue.NewPaper(func(string) (float64, bool) { return 105, true })
	broke.FailFirst = 1 << 30
	broke.FailWith = venue.ErrInsufficientFunds
	deps := session.Deps{
		Feed:     h.feed,
		Eval:     evaluator.New(),
		Gate:     risk.NewGate(risk.StaticGas{Gwei: 20}),
		Exec:     executor.New(broke, led),
		Ledger:   led,
		Sessions: memory.NewSessionStore(),
		Dispatch: notify.NewDispatcher(notify.Nop{}),
	}
	mgr := session.NewManager(deps, h.strategies)

	params := manualParams()
	params.Config.MaxConsecutiveFailures = 2
	sess, err := mgr.StartSession(ctx, "strat-1", params)
	require.NoError(t, err)

	require.NoError(t, mgr.TriggerManual(ctx, sess.ID))
	h.waitFailedTicks(t, mgr, sess.ID, 1)

	got, err := mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SuccessfulExecutions, "failed сделка — не успешный тик")
	assert.Equal(t, int64(1), got.FailedExecutions)
	assert.Equal(t, 1, got.Runtime.ConsecutiveFailures)

	trades, err := led.Trades(ctx, ledger.TradeQuery{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeFailed, trades[0].Status)

	// вторая провальная сделка добивает серию
	require.NoError(t, mgr.TriggerManual(ctx, sess.ID))
	require.Eventually(t, func() bool {
		got, err := mgr.Session(ctx, sess.ID)
		return err == nil && got.Status == models.StatusError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduledSessionCompletes(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	params := manualParams()
	params.Frequency = models.FreqScheduled
	params.Config.Schedule = []time.Time{time.Now().UTC().Add(-time.Minute)}
	sess, err := h.mgr.StartSession(ctx, "strat-1", params)
	require.NoError(t, err)

	// единственный просроченный слот исполняется сразу, дальше расписание пусто
	require.Eventually(t, func() bool {
		got, err := h.mgr.Session(ctx, sess.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecutionCount)
}

func TestStartValidations(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	// real-режим без кошелька
	params := manualParams()
	params.Mode = models.ModeReal
	_, err := h.mgr.StartSession(ctx, "strat-1", params)
	assert.ErrorIs(t, err, models.ErrWalletRequired)

	// невалидный граф не запускается
	broken := fireAbove(100)
	broken.ID = "strat-broken"
	broken.Elements["root"].Logic.Children = append(broken.Elements["root"].Logic.Children, "ghost")
	require.NoError(t, h.strategies.Save(ctx, broken))

	var verr *models.ValidationError
	_, err = h.mgr.StartSession(ctx, "strat-broken", manualParams())
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Issues)

	// interval-сессия обязана иметь положительный интервал
	params = manualParams()
	params.Frequency = models.FreqInterval
	_, err = h.mgr.StartSession(ctx, "strat-1", params)
	assert.ErrorIs(t, err, models.ErrConfigInvalid)
}

func TestElementAllowListEnforced(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	// allow-list без action-типа не покрывает стратегию
	params := manualParams()
	params.Config.AllowedElementTypes = []models.ElementType{models.ElementLogic, models.ElementTrigger}
	var verr *models.ValidationError
	_, err := h.mgr.StartSession(ctx, "strat-1", params)
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Issues)

	// покрывающий allow-list стартует, а сужающий reconfigure отклоняется
	params.Config.AllowedElementTypes = []models.ElementType{
		models.ElementLogic, models.ElementTrigger, models.ElementAction,
	}
	sess, err := h.mgr.StartSession(ctx, "strat-1", params)
	require.NoError(t, err)

	err = h.mgr.UpdateConfig(ctx, sess.ID, &models.ConfigPatch{
		AllowedElementTypes: []models.ElementType{models.ElementLogic},
	})
	require.ErrorAs(t, err, &verr)

	got, err := h.mgr.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Config.AllowedElementTypes, 3, "отклонённый патч конфиг не трогает")
}

func TestDeleteSessionRequiresTerminal(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)

	var ste *models.StateTransitionError
	err = h.mgr.DeleteSession(ctx, sess.ID)
	require.ErrorAs(t, err, &ste)

	require.NoError(t, h.mgr.Stop(ctx, sess.ID))
	require.NoError(t, h.mgr.DeleteSession(ctx, sess.ID))

	_, err = h.mgr.Session(ctx, sess.ID)
	assert.Error(t, err)
}

func TestResumeAllAfterRestart(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	require.NoError(t, h.mgr.TriggerManual(ctx, sess.ID))
	h.waitTicks(t, sess.ID, 1)

	// «рестарт процесса»: контроллеры гаснут, стор и журнал переживают
	h.mgr.Shutdown(ctx)
	stored, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status, "detach статус не трогает")

	deps := session.Deps{
		Feed:     h.feed,
		Eval:     evaluator.New(),
		Gate:     risk.NewGate(risk.StaticGas{Gwei: 20}),
		Exec:     executor.New(venue.NewPaper(func(string) (float64, bool) { return 105, true }), h.led),
		Ledger:   h.led,
		Sessions: h.sessions,
		Dispatch: notify.NewDispatcher(notify.Nop{}),
	}
	mgr2 := session.NewManager(deps, h.strategies)
	require.NoError(t, mgr2.ResumeAll(ctx))

	got, err := mgr2.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	// нумерация журнала продолжается с места остановки
	require.NoError(t, mgr2.TriggerManual(ctx, sess.ID))
	require.Eventually(t, func() bool {
		got, err := mgr2.Session(ctx, sess.ID)
		return err == nil && got.ExecutionCount >= 2
	}, 2*time.Second, 5*time.Millisecond)

	logs, err := h.led.Logs(ctx, ledger.LogQuery{SessionID: sess.ID})
	require.NoError(t, err)
	seen := map[int64]bool{}
	for _, e := range logs {
		assert.False(t, seen[e.Seq], "seq %d повторился после рестарта", e.Seq)
		seen[e.Seq] = true
	}
}

func TestStatusSummaryMergesLiveAndStored(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	live, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	require.NoError(t, h.mgr.TriggerManual(ctx, live.ID))
	h.waitTicks(t, live.ID, 1)

	// «чужая» завершённая сессия лежит только в сторе
	require.NoError(t, h.sessions.Save(ctx, &models.BotExecutionSession{
		ID: "old", UserID: "user-1", BotID: "bot-0", Status: models.StatusStopped,
	}))

	sums, err := h.mgr.StatusSummary(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sums, 2)

	byID := map[string]session.SessionSummary{}
	for _, s := range sums {
		byID[s.SessionID] = s
	}
	assert.Equal(t, models.StatusRunning, byID[live.ID].Status)
	assert.Equal(t, int64(1), byID[live.ID].Ticks, "живая сессия отдаёт свежие счётчики")
	assert.Equal(t, int64(1), byID[live.ID].TotalTrades)
	assert.Equal(t, models.StatusStopped, byID["old"].Status)
}

func TestPausedSessionStaysPausedAfterRestart(t *testing.T) {
	h := newHarness(t, 1e12)
	ctx := context.Background()

	sess, err := h.mgr.StartSession(ctx, "strat-1", manualParams())
	require.NoError(t, err)
	require.NoError(t, h.mgr.Pause(ctx, sess.ID))
	h.mgr.Shutdown(ctx)

	mgr2 := session.NewManager(session.Deps{
		Feed:     h.feed,
		Eval:     evaluator.New(),
		Gate:     risk.NewGate(risk.StaticGas{Gwei: 20}),
		Exec:     executor.New(venue.NewPaper(func(string) (float64, bool) { return 105, true }), h.led),
		Ledger:   h.led,
		Sessions: h.sessions,
		Dispatch: notify.NewDispatcher(notify.Nop{}),
	}, h.strategies)
	require.NoError(t, mgr2.ResumeAll(ctx))

	got, err := mgr2.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, got.Status)
}
