package models

import "github.com/shopspring/decimal"

// BotPerformanceMetrics — агрегаты по сделкам сессии.
// Обновляются инкрементально по мере закрытия сделок, история не переигрывается.
type BotPerformanceMetrics struct {
	TotalTrades   int64 `json:"total_trades"`
	WinningTrades int64 `json:"winning_trades"`
	LosingTrades  int64 `json:"losing_trades"`

	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	SharpeRatio  float64 `json:"sharpe_ratio"`

	AvgProfit decimal.Decimal `json:"avg_profit"`
	AvgLoss   decimal.Decimal `json:"avg_loss"`

	GrossProfit decimal.Decimal `json:"gross_profit"`
	GrossLoss   decimal.Decimal `json:"gross_loss"`

	CumPnL      decimal.Decimal `json:"cum_pnl"`
	PeakPnL     decimal.Decimal `json:"peak_pnl"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`

	GasSpentUSD decimal.Decimal `json:"gas_spent_usd"`

	// бегущие суммы для Шарпа по процентным доходностям сделок
	RetSum   float64 `json:"ret_sum"`
	RetSqSum float64 `json:"ret_sq_sum"`
}
