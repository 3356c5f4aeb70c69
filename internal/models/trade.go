package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
	SideSwap TradeSide = "swap"
)

type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
	TradeCanceled  TradeStatus = "canceled"
)

func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeFailed || s == TradeCanceled
}

// Transition переводит pending-сделку в терминальный статус ровно один раз.
func (t *BotTrade) Transition(next TradeStatus) error {
	if t.Status.Terminal() {
		return ErrTradeTerminal
	}
	t.Status = next
	return nil
}

// BotTrade — append-only запись о сделке. После терминального статуса не меняется.
type BotTrade struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	BotID      string `json:"bot_id"`
	StrategyID string `json:"strategy_id"`
	WalletID   string `json:"wallet_id,omitempty"`

	CreatedAt time.Time   `json:"created_at"`
	Side      TradeSide   `json:"side"`
	Status    TradeStatus `json:"status"`

	Pair     string          `json:"pair"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	ValueUSD decimal.Decimal `json:"value_usd"`

	ProfitUSD decimal.Decimal `json:"profit_usd"`
	ProfitPct float64         `json:"profit_pct"`

	TxHash       string          `json:"tx_hash,omitempty"`
	GasUsed      float64         `json:"gas_used,omitempty"`
	GasPriceGwei float64         `json:"gas_price_gwei,omitempty"`
	FeeUSD       decimal.Decimal `json:"fee_usd"`
	Network      string          `json:"network,omitempty"`

	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// ExecutionLogEntry — append-only строка журнала сессии.
type ExecutionLogEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Seq       int64     `json:"seq"` // порядок генерации внутри сессии
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`

	Details   map[string]any `json:"details,omitempty"`
	ElementID string         `json:"element_id,omitempty"`

	TxHash   string          `json:"tx_hash,omitempty"`
	TxStatus string          `json:"tx_status,omitempty"`
	FeeUSD   decimal.Decimal `json:"fee_usd"`
}

type OutputKind string

const (
	OutputNone   OutputKind = "none"
	OutputBool   OutputKind = "bool"
	OutputNumber OutputKind = "number"
	OutputAction OutputKind = "action"
)

// Output — значение элемента за тик.
type Output struct {
	Kind OutputKind `json:"kind"`
	Bool bool       `json:"bool,omitempty"`
	Num  float64    `json:"num,omitempty"`
}

func BoolOutput(v bool) Output   { return Output{Kind: OutputBool, Bool: v} }
func NumOutput(v float64) Output { return Output{Kind: OutputNumber, Num: v} }

// ElementExecutionResult — результат одного элемента за один тик.
// Children повторяют форму графа для вычисленного на тике поддерева.
type ElementExecutionResult struct {
	ElementID string        `json:"element_id"`
	Type      ElementType   `json:"type"`
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Output    Output        `json:"output"`
	Error     string        `json:"error,omitempty"`

	Children []*ElementExecutionResult `json:"children,omitempty"`
}

// ProposedAction — намерение сделки, предложенное Action-элементом.
// Действием становится только после риск-гейта.
type ProposedAction struct {
	ElementID string     `json:"element_id"`
	Kind      ActionKind `json:"kind"`
	Side      TradeSide  `json:"side"`
	Pair      string     `json:"pair"`

	Amount     decimal.Decimal  `json:"amount"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Message    string           `json:"message,omitempty"`

	// проставляется риск-гейтом при допуске
	SlippageBps  int     `json:"slippage_bps,omitempty"`
	GasPriceGwei float64 `json:"gas_price_gwei,omitempty"`
}

// Entry — открывает ли действие новую позицию (для подавления по SL/TP).
func (a *ProposedAction) Entry() bool {
	switch a.Kind {
	case ActionBuy, ActionSwap, ActionLimitOrder:
		return true
	}
	return false
}

// TradeSideFor — сторона сделки по типу действия.
func (a *ProposedAction) TradeSide() TradeSide {
	switch a.Kind {
	case ActionSell, ActionStopLoss, ActionTakeProfit:
		return SideSell
	case ActionSwap:
		return SideSwap
	default:
		return SideBuy
	}
}
