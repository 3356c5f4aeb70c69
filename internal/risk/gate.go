package risk

import (
	"fmt"
	"time"

	"bot_engine/internal/models"
	"bot_engine/pkg/logger"

	"github.com/shopspring/decimal"
)

type RejectReason string

const (
	ReasonMaxConcurrent  RejectReason = "max-concurrent-trades"
	ReasonDailyLimit     RejectReason = "daily-trade-limit"
	ReasonExposureCap    RejectReason = "exposure-cap"
	ReasonStopLossHit    RejectReason = "stop-loss-breached"
	ReasonTakeProfitHit  RejectReason = "take-profit-reached"
	ReasonNoQuote        RejectReason = "slippage-unavailable"
	ReasonGasCeiling     RejectReason = "gas-ceiling"
	ReasonElementType    RejectReason = "element-type-not-allowed"
	ReasonPairNotAllowed RejectReason = "pair-not-in-universe"
)

type Rejection struct {
	Action *models.ProposedAction
	Reason RejectReason
	Detail string
}

// GasOracle отдаёт текущую базовую цену газа сети.
type GasOracle interface {
	Gas(network string) (gwei float64, err error)
}

type Gate struct {
	gas GasOracle
}

func NewGate(gas GasOracle) *Gate {
	return &Gate{gas: gas}
}

// Admit прогоняет предложенные действия через политику сессии.
// Проверки идут по порядку и обрываются на первой несработавшей —
// для каждого действия отдельно. Допущенные действия семантически
// не меняются, только аннотируются слиппеджем и газом.
func (g *Gate) Admit(
	actions []*models.ProposedAction,
	cfg *models.BotExecutionConfig,
	rt *models.SessionRuntime,
	snap *models.MarketSnapshot,
) (admitted []*models.ProposedAction, rejected []*Rejection) {

	// алерты ресурсов не тратят и через лимиты не ходят
	pending := 0
	for _, act := range actions {
		if act.Kind == models.ActionAlert {
			admitted = append(admitted, act)
			continue
		}

		if rej := g.check(act, cfg, rt, snap, pending); rej != nil {
			logger.Warn("[RISK] action %s rejected: %s (%s)", act.ElementID, rej.Reason, rej.Detail)
			rejected = append(rejected, rej)
			continue
		}
		pending++
		admitted = append(admitted, act)
	}
	return admitted, rejected
}

func (g *Gate) check(
	act *models.ProposedAction,
	cfg *models.BotExecutionConfig,
	rt *models.SessionRuntime,
	snap *models.MarketSnapshot,
	pendingThisTick int,
) *Rejection {

	// 0. action-элементы должны входить в allow-list типов сессии;
	// сюда попадают сессии, поднятые из стора со старым конфигом
	if len(cfg.AllowedElementTypes) > 0 && !containsType(cfg.AllowedElementTypes, models.ElementAction) {
		return &Rejection{Action: act, Reason: ReasonElementType,
			Detail: fmt.Sprintf("element %s: action elements are not in session allow-list", act.ElementID)}
	}

	// 1. вселенная пар сессии
	if len(cfg.TradingPairs) > 0 && !contains(cfg.TradingPairs, act.Pair) {
		return &Rejection{Action: act, Reason: ReasonPairNotAllowed,
			Detail: fmt.Sprintf("pair %s is not in session universe", act.Pair)}
	}

	// 2. одновременные сделки
	if cfg.MaxConcurrentTrades > 0 && rt.OpenTrades+pendingThisTick >= cfg.MaxConcurrentTrades {
		return &Rejection{Action: act, Reason: ReasonMaxConcurrent,
			Detail: fmt.Sprintf("open=%d limit=%d", rt.OpenTrades, cfg.MaxConcurrentTrades)}
	}

	// 3. дневной лимит
	if cfg.MaxDailyTrades > 0 && rt.TradesToday+pendingThisTick >= cfg.MaxDailyTrades {
		return &Rejection{Action: act, Reason: ReasonDailyLimit,
			Detail: fmt.Sprintf("today=%d limit=%d", rt.TradesToday, cfg.MaxDailyTrades)}
	}

	// 4. прогнозная экспозиция после сделки
	if cfg.MaxExposurePct > 0 && rt.Equity.IsPositive() {
		q, ok := snap.QuoteFor(act.Pair)
		if !ok {
			return &Rejection{Action: act, Reason: ReasonNoQuote,
				Detail: fmt.Sprintf("no quote for %s", act.Pair)}
		}
		value := act.Amount.Mul(decimal.NewFromFloat(q.Price))
		projected := rt.Exposure.Add(value)
		capValue := rt.Equity.Mul(decimal.NewFromFloat(cfg.MaxExposurePct / 100))
		if act.Entry() && projected.GreaterThan(capValue) {
			return &Rejection{Action: act, Reason: ReasonExposureCap,
				Detail: fmt.Sprintf("projected=%s cap=%s", projected.StringFixed(2), capValue.StringFixed(2))}
		}
	}

	// 5. глобальный SL/TP: после пробоя новые входы подавляются
	if act.Entry() {
		if reason, detail := g.breached(cfg, rt); reason != "" {
			return &Rejection{Action: act, Reason: reason, Detail: detail}
		}
	}

	// 6. слиппедж должен быть привязываем к ордеру
	if _, ok := snap.QuoteFor(act.Pair); !ok && act.Kind != models.ActionAlert {
		return &Rejection{Action: act, Reason: ReasonNoQuote,
			Detail: fmt.Sprintf("no quote for %s, slippage tolerance not attachable", act.Pair)}
	}
	act.SlippageBps = cfg.SlippageBps

	// 7. газовая политика
	if !cfg.Gas.UseDefault {
		base, err := g.gas.Gas(cfg.Network)
		if err != nil {
			return &Rejection{Action: act, Reason: ReasonGasCeiling,
				Detail: fmt.Sprintf("gas oracle: %v", err)}
		}
		resolved := base * cfg.Gas.Multiplier
		if cfg.Gas.MaxGwei > 0 && resolved > cfg.Gas.MaxGwei {
			return &Rejection{Action: act, Reason: ReasonGasCeiling,
				Detail: fmt.Sprintf("resolved=%.2f gwei ceiling=%.2f gwei", resolved, cfg.Gas.MaxGwei)}
		}
		act.GasPriceGwei = resolved
	}

	return nil
}

// breached — пробит ли уже глобальный стоп-лосс или тейк-профит сессии.
// Стоп-лосс с трейлингом считается от пика PnL, а не от нуля.
func (g *Gate) breached(cfg *models.BotExecutionConfig, rt *models.SessionRuntime) (RejectReason, string) {
	if rt.Equity.IsZero() {
		return "", ""
	}
	pnlPct := pctOf(rt.RealizedPnL, rt.Equity)

	if cfg.StopLossPct > 0 {
		floor := -cfg.StopLossPct
		if cfg.TrailingOffsetPct > 0 {
			if peak := pctOf(rt.PeakPnL, rt.Equity); peak > 0 {
				floor = peak - cfg.TrailingOffsetPct
			}
		}
		if pnlPct <= floor {
			return ReasonStopLossHit, fmt.Sprintf("pnl=%.2f%% floor=%.2f%%", pnlPct, floor)
		}
	}
	if cfg.TakeProfitPct > 0 && pnlPct >= cfg.TakeProfitPct {
		return ReasonTakeProfitHit, fmt.Sprintf("pnl=%.2f%% target=%.2f%%", pnlPct, cfg.TakeProfitPct)
	}
	return "", ""
}

// UpdateWatermark двигает пик PnL; вызывается контроллером при закрытии сделок.
func UpdateWatermark(rt *models.SessionRuntime) {
	if rt.RealizedPnL.GreaterThan(rt.PeakPnL) {
		rt.PeakPnL = rt.RealizedPnL
	}
}

// RollDay сбрасывает дневной счётчик на границе суток (UTC).
func RollDay(rt *models.SessionRuntime, now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if rt.TradesDay != day {
		rt.TradesDay = day
		rt.TradesToday = 0
	}
}

func pctOf(v, base decimal.Decimal) float64 {
	if base.IsZero() {
		return 0
	}
	f, _ := v.Div(base).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

func containsType(xs []models.ElementType, x models.ElementType) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

// StaticGas — оракул с фиксированной ценой; для paper/sandbox и тестов.
type StaticGas struct {
	Gwei float64
}

func (s StaticGas) Gas(string) (float64, error) { return s.Gwei, nil }
