package risk

import (
	"errors"
	"testing"
	"time"

	"bot_engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buy(pair string, amount float64) *models.ProposedAction {
	return &models.ProposedAction{
		ElementID: "act-" + pair,
		Kind:      models.ActionBuy,
		Side:      models.SideBuy,
		Pair:      pair,
		Amount:    decimal.NewFromFloat(amount),
	}
}

func sell(pair string, amount float64) *models.ProposedAction {
	return &models.ProposedAction{
		ElementID: "exit-" + pair,
		Kind:      models.ActionSell,
		Side:      models.SideSell,
		Pair:      pair,
		Amount:    decimal.NewFromFloat(amount),
	}
}

func baseCfg() *models.BotExecutionConfig {
	return &models.BotExecutionConfig{
		SlippageBps: 25,
		Gas:         models.GasPolicy{UseDefault: true},
	}
}

func snapWith(pairs map[string]float64) *models.MarketSnapshot {
	snap := &models.MarketSnapshot{AsOf: time.Now().UTC(), Quotes: map[string]models.Quote{}}
	for p, price := range pairs {
		snap.Quotes[p] = models.Quote{Pair: p, Price: price, Ts: snap.AsOf}
	}
	return snap
}

func TestAdmitDailyLimitCountsPending(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.MaxDailyTrades = 3
	rt := &models.SessionRuntime{TradesToday: 2}
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	// два предложения в одном тике: второе обязано видеть первое
	admitted, rejected := g.Admit(
		[]*models.ProposedAction{buy("ETH-USDT", 1), buy("ETH-USDT", 1)},
		cfg, rt, snap,
	)

	require.Len(t, admitted, 1)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonDailyLimit, rejected[0].Reason)
}

func TestAdmitMaxConcurrent(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.MaxConcurrentTrades = 2
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	rt := &models.SessionRuntime{OpenTrades: 2}
	admitted, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, rt, snap)
	assert.Empty(t, admitted)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonMaxConcurrent, rejected[0].Reason)

	rt = &models.SessionRuntime{OpenTrades: 1}
	admitted, rejected = g.Admit(
		[]*models.ProposedAction{buy("ETH-USDT", 1), buy("ETH-USDT", 1)},
		cfg, rt, snap,
	)
	assert.Len(t, admitted, 1)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonMaxConcurrent, rejected[0].Reason)
}

func TestAdmitPairUniverseCheckedFirst(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.TradingPairs = []string{"ETH-USDT"}
	cfg.MaxConcurrentTrades = 1
	// лимит тоже пробит, но причина отказа — вселенная пар
	rt := &models.SessionRuntime{OpenTrades: 5}

	_, rejected := g.Admit([]*models.ProposedAction{buy("BTC-USDT", 1)}, cfg, rt, snapWith(nil))

	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonPairNotAllowed, rejected[0].Reason)
}

func TestAdmitElementTypeAllowList(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.AllowedElementTypes = []models.ElementType{models.ElementLogic, models.ElementTrigger}
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	// allow-list без action-элементов: сделки запрещены
	_, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, &models.SessionRuntime{}, snap)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonElementType, rejected[0].Reason)

	cfg.AllowedElementTypes = append(cfg.AllowedElementTypes, models.ElementAction)
	admitted, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, &models.SessionRuntime{}, snap)
	assert.Len(t, admitted, 1)
	assert.Empty(t, rejected)
}

func TestAdmitExposureCap(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.MaxExposurePct = 10
	rt := &models.SessionRuntime{
		Equity:   decimal.NewFromInt(1000),
		Exposure: decimal.NewFromInt(50),
	}
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	// 50 + 1*100 = 150 > 10% от 1000
	_, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, rt, snap)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonExposureCap, rejected[0].Reason)

	// выход позицию не наращивает
	admitted, rejected := g.Admit([]*models.ProposedAction{sell("ETH-USDT", 1)}, cfg, rt, snap)
	assert.Len(t, admitted, 1)
	assert.Empty(t, rejected)
}

func TestAdmitExposureSkippedWithoutEquity(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.MaxExposurePct = 10
	rt := &models.SessionRuntime{} // эквити неизвестно
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	admitted, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, rt, snap)

	assert.Len(t, admitted, 1)
	assert.Empty(t, rejected)
}

func TestAdmitStopLossSuppressesEntriesOnly(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.StopLossPct = 5
	rt := &models.SessionRuntime{
		Equity:      decimal.NewFromInt(1000),
		RealizedPnL: decimal.NewFromInt(-60), // -6%
	}
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	admitted, rejected := g.Admit(
		[]*models.ProposedAction{buy("ETH-USDT", 1), sell("ETH-USDT", 1)},
		cfg, rt, snap,
	)

	// вход подавлен, выход из позиции разрешён
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonStopLossHit, rejected[0].Reason)
	assert.Equal(t, models.ActionBuy, rejected[0].Action.Kind)
	require.Len(t, admitted, 1)
	assert.Equal(t, models.ActionSell, admitted[0].Kind)
}

func TestAdmitTrailingStopFloor(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.StopLossPct = 5
	cfg.TrailingOffsetPct = 2
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	// пик 10%, текущий 7% — откат больше 2%, вход подавлен
	rt := &models.SessionRuntime{
		Equity:      decimal.NewFromInt(1000),
		RealizedPnL: decimal.NewFromInt(70),
		PeakPnL:     decimal.NewFromInt(100),
	}
	_, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, rt, snap)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonStopLossHit, rejected[0].Reason)

	// откат в пределах офсета
	rt.RealizedPnL = decimal.NewFromInt(90)
	admitted, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, rt, snap)
	assert.Len(t, admitted, 1)
	assert.Empty(t, rejected)
}

func TestAdmitTakeProfitSuppressesEntries(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.TakeProfitPct = 5
	rt := &models.SessionRuntime{
		Equity:      decimal.NewFromInt(1000),
		RealizedPnL: decimal.NewFromInt(60),
	}
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	_, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, rt, snap)

	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonTakeProfitHit, rejected[0].Reason)
}

func TestAdmitAttachesSlippage(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})
	cfg := baseCfg()
	cfg.SlippageBps = 40
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	admitted, _ := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, &models.SessionRuntime{}, snap)

	require.Len(t, admitted, 1)
	assert.Equal(t, 40, admitted[0].SlippageBps)
}

func TestAdmitRejectsWithoutQuote(t *testing.T) {
	g := NewGate(StaticGas{Gwei: 20})

	_, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, baseCfg(), &models.SessionRuntime{}, snapWith(nil))

	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonNoQuote, rejected[0].Reason)
}

type failingGas struct{}

func (failingGas) Gas(string) (float64, error) { return 0, errors.New("rpc down") }

func TestAdmitGasPolicy(t *testing.T) {
	cfg := baseCfg()
	cfg.Gas = models.GasPolicy{UseDefault: false, Multiplier: 1.5, MaxGwei: 40}
	snap := snapWith(map[string]float64{"ETH-USDT": 100})

	// 30 * 1.5 = 45 > 40
	g := NewGate(StaticGas{Gwei: 30})
	_, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, &models.SessionRuntime{}, snap)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonGasCeiling, rejected[0].Reason)

	// потолок повыше: действие допущено с резолвнутой ценой газа
	cfg.Gas.MaxGwei = 50
	admitted, rejected := g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, &models.SessionRuntime{}, snap)
	require.Len(t, admitted, 1)
	assert.Empty(t, rejected)
	assert.InDelta(t, 45.0, admitted[0].GasPriceGwei, 1e-9)

	// use_default: оракул вообще не дергается
	cfg.Gas = models.GasPolicy{UseDefault: true}
	g = NewGate(failingGas{})
	admitted, rejected = g.Admit([]*models.ProposedAction{buy("ETH-USDT", 1)}, cfg, &models.SessionRuntime{}, snap)
	assert.Len(t, admitted, 1)
	assert.Empty(t, rejected)
}

func TestAdmitAlertBypassesAllChecks(t *testing.T) {
	g := NewGate(failingGas{})
	cfg := baseCfg()
	cfg.TradingPairs = []string{"ETH-USDT"}
	cfg.MaxConcurrentTrades = 1
	cfg.MaxDailyTrades = 1
	rt := &models.SessionRuntime{OpenTrades: 5, TradesToday: 5}

	alert := &models.ProposedAction{ElementID: "warn", Kind: models.ActionAlert, Pair: "BTC-USDT", Message: "dip"}
	admitted, rejected := g.Admit([]*models.ProposedAction{alert}, cfg, rt, snapWith(nil))

	require.Len(t, admitted, 1)
	assert.Empty(t, rejected)
	assert.Zero(t, admitted[0].SlippageBps, "алерт не аннотируется как ордер")
}

func TestRollDay(t *testing.T) {
	rt := &models.SessionRuntime{TradesDay: "2026-01-09", TradesToday: 5}

	RollDay(rt, time.Date(2026, 1, 9, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, 5, rt.TradesToday)

	RollDay(rt, time.Date(2026, 1, 10, 0, 5, 0, 0, time.UTC))
	assert.Equal(t, 0, rt.TradesToday)
	assert.Equal(t, "2026-01-10", rt.TradesDay)
}

func TestUpdateWatermarkOnlyRises(t *testing.T) {
	rt := &models.SessionRuntime{
		RealizedPnL: decimal.NewFromInt(120),
		PeakPnL:     decimal.NewFromInt(100),
	}
	UpdateWatermark(rt)
	assert.True(t, decimal.NewFromInt(120).Equal(rt.PeakPnL))

	rt.RealizedPnL = decimal.NewFromInt(80)
	UpdateWatermark(rt)
	assert.True(t, decimal.NewFromInt(120).Equal(rt.PeakPnL), "пик не откатывается")
}
