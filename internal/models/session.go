package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusStarting  SessionStatus = "starting"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusStopping  SessionStatus = "stopping"
	StatusStopped   SessionStatus = "stopped"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Terminal — из этих статусов сессия уже не выходит.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

type ExecutionMode string

const (
	ModeReal     ExecutionMode = "real"
	ModePaper    ExecutionMode = "paper"
	ModeBacktest ExecutionMode = "backtest"
	ModeSandbox  ExecutionMode = "sandbox"
)

type Frequency string

const (
	FreqContinuous Frequency = "continuous"
	FreqInterval   Frequency = "interval"
	FreqScheduled  Frequency = "scheduled"
	FreqTriggered  Frequency = "triggered"
	FreqManual     Frequency = "manual"
)

// BotExecutionSession — рантайм-привязка стратегии к боту/кошельку.
// Мутирует её только владеющий контроллер.
type BotExecutionSession struct {
	ID         string `json:"id"`
	BotID      string `json:"bot_id"`
	StrategyID string `json:"strategy_id"`
	UserID     string `json:"user_id"`
	WalletID   string `json:"wallet_id,omitempty"`

	Status    SessionStatus `json:"status"`
	Mode      ExecutionMode `json:"mode"`
	Frequency Frequency     `json:"frequency"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`

	ExecutionCount       int64 `json:"execution_count"`
	SuccessfulExecutions int64 `json:"successful_executions"`
	FailedExecutions     int64 `json:"failed_executions"`

	TotalProfit    decimal.Decimal `json:"total_profit"`
	TotalProfitPct float64         `json:"total_profit_pct"`

	Config  BotExecutionConfig    `json:"config"`
	Metrics BotPerformanceMetrics `json:"metrics"`
	Runtime SessionRuntime        `json:"runtime"`

	// Состояние индикаторов между тиками; пишет только Evaluator.
	CurrentState ScratchState `json:"current_state,omitempty"`
}

// SessionRuntime — счётчики, которые читает риск-гейт.
type SessionRuntime struct {
	OpenTrades  int    `json:"open_trades"`
	TradesToday int    `json:"trades_today"`
	TradesDay   string `json:"trades_day"` // "2006-01-02", для сброса дневного счётчика

	Equity      decimal.Decimal `json:"equity"`
	Exposure    decimal.Decimal `json:"exposure"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PeakPnL     decimal.Decimal `json:"peak_pnl"`

	ConsecutiveFailures int `json:"consecutive_failures"`
}

type GasPolicy struct {
	UseDefault bool    `json:"use_default"`
	Multiplier float64 `json:"multiplier,omitempty"`
	MaxGwei    float64 `json:"max_gwei,omitempty"`
}

type NotificationSettings struct {
	OnTrade        bool `json:"on_trade"`
	OnError        bool `json:"on_error"`
	OnProfitTarget bool `json:"on_profit_target"`
	OnStopLoss     bool `json:"on_stop_loss"`
}

// BotExecutionConfig — риск/ресурсная политика сессии. Иммутабельна,
// меняется только целиком через reconfigure.
type BotExecutionConfig struct {
	MaxConcurrentTrades int     `json:"max_concurrent_trades"`
	MaxDailyTrades      int     `json:"max_daily_trades"`
	MaxExposurePct      float64 `json:"max_exposure_pct"`

	StopLossPct       float64 `json:"stop_loss_pct,omitempty"`   // 0 = выключен
	TakeProfitPct     float64 `json:"take_profit_pct,omitempty"` // 0 = выключен
	TrailingOffsetPct float64 `json:"trailing_offset_pct,omitempty"`

	SlippageBps int       `json:"slippage_bps"`
	Gas         GasPolicy `json:"gas"`

	MaxRetries         int           `json:"max_retries"`
	RetryDelay         time.Duration `json:"retry_delay"`
	ExecutionTimeout   time.Duration `json:"execution_timeout"`
	TransactionTimeout time.Duration `json:"transaction_timeout"`

	Interval time.Duration `json:"interval,omitempty"`
	Schedule []time.Time   `json:"schedule,omitempty"`

	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	Notifications NotificationSettings `json:"notifications"`

	TradingPairs        []string      `json:"trading_pairs"`
	Network             string        `json:"network"`
	AllowedElementTypes []ElementType `json:"allowed_element_types,omitempty"`
}

// ConfigPatch — частичное обновление конфига; nil-поле = не трогать.
type ConfigPatch struct {
	MaxConcurrentTrades *int     `json:"max_concurrent_trades,omitempty"`
	MaxDailyTrades      *int     `json:"max_daily_trades,omitempty"`
	MaxExposurePct      *float64 `json:"max_exposure_pct,omitempty"`

	StopLossPct       *float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct     *float64 `json:"take_profit_pct,omitempty"`
	TrailingOffsetPct *float64 `json:"trailing_offset_pct,omitempty"`

	SlippageBps *int       `json:"slippage_bps,omitempty"`
	Gas         *GasPolicy `json:"gas,omitempty"`

	MaxRetries         *int           `json:"max_retries,omitempty"`
	RetryDelay         *time.Duration `json:"retry_delay,omitempty"`
	ExecutionTimeout   *time.Duration `json:"execution_timeout,omitempty"`
	TransactionTimeout *time.Duration `json:"transaction_timeout,omitempty"`

	Interval *time.Duration `json:"interval,omitempty"`
	Schedule []time.Time    `json:"schedule,omitempty"`

	MaxConsecutiveFailures *int `json:"max_consecutive_failures,omitempty"`

	Notifications *NotificationSettings `json:"notifications,omitempty"`

	TradingPairs []string `json:"trading_pairs,omitempty"`
	Network      *string  `json:"network,omitempty"`

	AllowedElementTypes []ElementType `json:"allowed_element_types,omitempty"`
}

// Apply возвращает новый конфиг с наложенным патчем; исходный не меняется.
func (c BotExecutionConfig) Apply(p *ConfigPatch) BotExecutionConfig {
	out := c
	if p == nil {
		return out
	}
	if p.MaxConcurrentTrades != nil {
		out.MaxConcurrentTrades = *p.MaxConcurrentTrades
	}
	if p.MaxDailyTrades != nil {
		out.MaxDailyTrades = *p.MaxDailyTrades
	}
	if p.MaxExposurePct != nil {
		out.MaxExposurePct = *p.MaxExposurePct
	}
	if p.StopLossPct != nil {
		out.StopLossPct = *p.StopLossPct
	}
	if p.TakeProfitPct != nil {
		out.TakeProfitPct = *p.TakeProfitPct
	}
	if p.TrailingOffsetPct != nil {
		out.TrailingOffsetPct = *p.TrailingOffsetPct
	}
	if p.SlippageBps != nil {
		out.SlippageBps = *p.SlippageBps
	}
	if p.Gas != nil {
		out.Gas = *p.Gas
	}
	if p.MaxRetries != nil {
		out.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		out.RetryDelay = *p.RetryDelay
	}
	if p.ExecutionTimeout != nil {
		out.ExecutionTimeout = *p.ExecutionTimeout
	}
	if p.TransactionTimeout != nil {
		out.TransactionTimeout = *p.TransactionTimeout
	}
	if p.Interval != nil {
		out.Interval = *p.Interval
	}
	if p.Schedule != nil {
		out.Schedule = append([]time.Time(nil), p.Schedule...)
	}
	if p.MaxConsecutiveFailures != nil {
		out.MaxConsecutiveFailures = *p.MaxConsecutiveFailures
	}
	if p.Notifications != nil {
		out.Notifications = *p.Notifications
	}
	if p.TradingPairs != nil {
		out.TradingPairs = append([]string(nil), p.TradingPairs...)
	}
	if p.Network != nil {
		out.Network = *p.Network
	}
	if p.AllowedElementTypes != nil {
		out.AllowedElementTypes = append([]ElementType(nil), p.AllowedElementTypes...)
	}
	return out
}

// Validate — базовая проверка перед запуском сессии или reconfigure.
func (c *BotExecutionConfig) Validate(freq Frequency) error {
	if c.MaxConcurrentTrades < 0 || c.MaxDailyTrades < 0 {
		return ErrConfigInvalid
	}
	if c.MaxExposurePct < 0 || c.MaxExposurePct > 100 {
		return ErrConfigInvalid
	}
	if c.MaxRetries < 0 || c.RetryDelay < 0 {
		return ErrConfigInvalid
	}
	if c.ExecutionTimeout < 0 || c.TransactionTimeout < 0 {
		return ErrConfigInvalid
	}
	if !c.Gas.UseDefault && c.Gas.Multiplier <= 0 {
		return ErrConfigInvalid
	}
	// interval-сессия без интервала выродилась бы в горячий цикл
	if freq == FreqInterval && c.Interval <= 0 {
		return ErrConfigInvalid
	}
	return nil
}

// ScratchState — состояние индикаторов по id элемента.
type ScratchState map[string]*IndicatorScratch

// IndicatorScratch — скользящее состояние одного индикатора.
type IndicatorScratch struct {
	LastTs  int64     `json:"last_ts"` // unix-миллисекунды последней учтённой свечи
	Samples int       `json:"samples"`
	Window  []float64 `json:"window,omitempty"`

	EMA       float64 `json:"ema,omitempty"`
	SlowEMA   float64 `json:"slow_ema,omitempty"`
	SignalEMA float64 `json:"signal_ema,omitempty"`

	AvgGain   float64 `json:"avg_gain,omitempty"`
	AvgLoss   float64 `json:"avg_loss,omitempty"`
	PrevClose float64 `json:"prev_close,omitempty"`
}

// Clone нужен контроллеру: скретч сессии не должен делиться с результатом тика.
func (s ScratchState) Clone() ScratchState {
	if s == nil {
		return nil
	}
	out := make(ScratchState, len(s))
	for id, sc := range s {
		cp := *sc
		cp.Window = append([]float64(nil), sc.Window...)
		out[id] = &cp
	}
	return out
}
