package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ElementType — закрытое семейство типов элементов стратегии.
type ElementType string

const (
	ElementTrigger   ElementType = "trigger"
	ElementIndicator ElementType = "indicator"
	ElementCondition ElementType = "condition"
	ElementLogic     ElementType = "logic"
	ElementAction    ElementType = "action"
)

type TriggerKind string

const (
	TriggerPriceThreshold TriggerKind = "price_threshold"
	TriggerPriceMove      TriggerKind = "price_move"
	TriggerTime           TriggerKind = "time"
	TriggerIndicatorCross TriggerKind = "indicator_cross"
	TriggerVolumeSpike    TriggerKind = "volume_spike"
)

type IndicatorKind string

const (
	IndicatorSMA        IndicatorKind = "sma"
	IndicatorEMA        IndicatorKind = "ema"
	IndicatorRSI        IndicatorKind = "rsi"
	IndicatorMACD       IndicatorKind = "macd"
	IndicatorBollinger  IndicatorKind = "bollinger"
	IndicatorStochastic IndicatorKind = "stochastic"
	IndicatorPrice      IndicatorKind = "price"
)

type ConditionOp string

const (
	OpGreater ConditionOp = "gt"
	OpLess    ConditionOp = "lt"
	OpBetween ConditionOp = "between"
	OpOutside ConditionOp = "outside"
	OpEquals  ConditionOp = "eq"
)

type LogicOp string

const (
	LogicAnd        LogicOp = "and"
	LogicOr         LogicOp = "or"
	LogicNot        LogicOp = "not"
	LogicIfThen     LogicOp = "if_then"
	LogicIfThenElse LogicOp = "if_then_else"
)

type ActionKind string

const (
	ActionBuy        ActionKind = "buy"
	ActionSell       ActionKind = "sell"
	ActionAlert      ActionKind = "alert"
	ActionSwap       ActionKind = "swap"
	ActionLimitOrder ActionKind = "limit_order"
	ActionStopLoss   ActionKind = "stop_loss"
	ActionTakeProfit ActionKind = "take_profit"
)

// StrategyElement — один узел графа. Ровно один из Spec-указателей
// должен быть ненулевым и соответствовать Type.
type StrategyElement struct {
	ID       string      `json:"id"`
	Type     ElementType `json:"type"`
	Name     string      `json:"name"`
	ParentID string      `json:"parent_id,omitempty"`

	Trigger   *TriggerSpec   `json:"trigger,omitempty"`
	Indicator *IndicatorSpec `json:"indicator,omitempty"`
	Condition *ConditionSpec `json:"condition,omitempty"`
	Logic     *LogicSpec     `json:"logic,omitempty"`
	Action    *ActionSpec    `json:"action,omitempty"`
}

type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`
	Pair string      `json:"pair"`

	// price_threshold / price_move / volume_spike
	Threshold float64 `json:"threshold,omitempty"`
	Direction string  `json:"direction,omitempty"` // "above" / "below"
	Window    int     `json:"window,omitempty"`    // свечей назад для price_move / volume_spike
	Interval  string  `json:"interval,omitempty"`

	// indicator_cross: пересечение быстрой EMA медленной
	FastPeriod int `json:"fast_period,omitempty"`
	SlowPeriod int `json:"slow_period,omitempty"`

	// time: срабатывает начиная с момента At
	At *time.Time `json:"at,omitempty"`
}

type IndicatorSpec struct {
	Kind     IndicatorKind `json:"kind"`
	Pair     string        `json:"pair"`
	Interval string        `json:"interval"` // интервал сэмплирования, напр. "1m"

	Period       int     `json:"period,omitempty"`
	FastPeriod   int     `json:"fast_period,omitempty"`
	SlowPeriod   int     `json:"slow_period,omitempty"`
	SignalPeriod int     `json:"signal_period,omitempty"`
	StdDevs      float64 `json:"std_devs,omitempty"`
	Band         string  `json:"band,omitempty"` // bollinger: "upper"/"middle"/"lower"
}

// ConditionSpec сравнивает выход одного элемента либо с выходом другого,
// либо с литералом. Для between/outside нужна вторая граница.
type ConditionSpec struct {
	Op     ConditionOp `json:"op"`
	LeftID string      `json:"left_id"`

	RightID    string   `json:"right_id,omitempty"`
	RightValue *float64 `json:"right_value,omitempty"`

	BoundID    string   `json:"bound_id,omitempty"`
	BoundValue *float64 `json:"bound_value,omitempty"`
}

type LogicSpec struct {
	Op       LogicOp  `json:"op"`
	Children []string `json:"children"`
}

type ActionSpec struct {
	Kind       ActionKind       `json:"kind"`
	Pair       string           `json:"pair,omitempty"`
	Amount     decimal.Decimal  `json:"amount"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Message    string           `json:"message,omitempty"` // для alert
}

// Strategy — корневой агрегат. Элементы лежат в map по id,
// связи — строковые ссылки, не указатели.
type Strategy struct {
	ID            string                      `json:"id"`
	UserID        string                      `json:"user_id"`
	Name          string                      `json:"name"`
	Elements      map[string]*StrategyElement `json:"elements"`
	RootElementID string                      `json:"root_element_id"`
	Version       int                         `json:"version"`
	Active        bool                        `json:"active"`
	Public        bool                        `json:"public"`
	CreatedAt     time.Time                   `json:"created_at"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

// Refs возвращает все id, на которые ссылается элемент.
func (e *StrategyElement) Refs() []string {
	switch e.Type {
	case ElementCondition:
		if e.Condition == nil {
			return nil
		}
		refs := []string{e.Condition.LeftID}
		if e.Condition.RightID != "" {
			refs = append(refs, e.Condition.RightID)
		}
		if e.Condition.BoundID != "" {
			refs = append(refs, e.Condition.BoundID)
		}
		return refs
	case ElementLogic:
		if e.Logic == nil {
			return nil
		}
		return e.Logic.Children
	default:
		return nil
	}
}

// YieldsNumeric — даёт ли элемент числовой выход (операнд для Condition).
func (e *StrategyElement) YieldsNumeric() bool {
	return e.Type == ElementIndicator
}

// YieldsBool — даёт ли элемент булев выход (ребёнок для Logic).
func (e *StrategyElement) YieldsBool() bool {
	switch e.Type {
	case ElementTrigger, ElementCondition, ElementLogic:
		return true
	}
	return false
}
