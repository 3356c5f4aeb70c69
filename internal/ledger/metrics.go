package ledger

import (
	"math"

	"bot_engine/internal/models"

	"github.com/shopspring/decimal"
)

// applyTrade доворачивает агрегаты одной терминальной сделкой.
// Отменённые и упавшие сделки PnL не несут, но попадают в счётчик.
func applyTrade(m *models.BotPerformanceMetrics, t *models.BotTrade) {
	m.TotalTrades++
	m.GasSpentUSD = m.GasSpentUSD.Add(t.FeeUSD)

	if t.Status != models.TradeCompleted {
		return
	}

	pnl := t.ProfitUSD
	m.CumPnL = m.CumPnL.Add(pnl)
	if m.CumPnL.GreaterThan(m.PeakPnL) {
		m.PeakPnL = m.CumPnL
	}
	if dd := m.PeakPnL.Sub(m.CumPnL); dd.GreaterThan(m.MaxDrawdown) {
		m.MaxDrawdown = dd
	}

	switch {
	case pnl.IsPositive():
		m.WinningTrades++
		m.GrossProfit = m.GrossProfit.Add(pnl)
		m.AvgProfit = m.GrossProfit.Div(decimal.NewFromInt(m.WinningTrades))
	case pnl.IsNegative():
		m.LosingTrades++
		m.GrossLoss = m.GrossLoss.Add(pnl.Abs())
		m.AvgLoss = m.GrossLoss.Div(decimal.NewFromInt(m.LosingTrades))
	}

	settled := m.WinningTrades + m.LosingTrades
	if settled > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(settled)
	}
	if m.GrossLoss.IsPositive() {
		pf, _ := m.GrossProfit.Div(m.GrossLoss).Float64()
		m.ProfitFactor = pf
	} else if m.GrossProfit.IsPositive() {
		m.ProfitFactor = math.Inf(1)
	}

	// Шарп по процентным доходностям сделок, через бегущие суммы
	m.RetSum += t.ProfitPct
	m.RetSqSum += t.ProfitPct * t.ProfitPct
	n := float64(settled)
	if n >= 2 {
		mean := m.RetSum / n
		variance := m.RetSqSum/n - mean*mean
		if variance > 0 {
			m.SharpeRatio = mean / math.Sqrt(variance)
		}
	}
}
