package graph

import (
	"fmt"

	"bot_engine/internal/models"
)

type Issue struct {
	ElementID string `json:"element_id"`
	Msg       string `json:"msg"`
}

type ValidationReport struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *ValidationReport) errf(id, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{ElementID: id, Msg: fmt.Sprintf(format, args...)})
}

func (r *ValidationReport) warnf(id, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{ElementID: id, Msg: fmt.Sprintf(format, args...)})
}

// Validate проверяет структуру и семантику графа стратегии.
// Ошибки: битые ссылки, цикл, корень не Logic, отсутствующие параметры,
// несовместимость типов выходов операндов.
// Предупреждения: недостижимые элементы, мёртвые действия.
func Validate(s *models.Strategy) *ValidationReport {
	r := &ValidationReport{}

	if s == nil || len(s.Elements) == 0 {
		r.errf("", "strategy has no elements")
		return r
	}

	// корень обязан резолвиться в Logic
	root, ok := s.Elements[s.RootElementID]
	switch {
	case s.RootElementID == "":
		r.errf("", "root element id is empty")
	case !ok:
		r.errf(s.RootElementID, "root element %q not found", s.RootElementID)
	case root.Type != models.ElementLogic:
		r.errf(s.RootElementID, "root element must be logic, got %q", root.Type)
	}

	for id, el := range s.Elements {
		if el.ID != id {
			r.errf(id, "element key %q does not match element id %q", id, el.ID)
		}
		checkParams(r, el)
		for _, ref := range el.Refs() {
			target, ok := s.Elements[ref]
			if !ok {
				r.errf(el.ID, "reference to unknown element %q", ref)
				continue
			}
			checkRefType(r, el, target)
		}
	}

	if cycleID := findCycle(s); cycleID != "" {
		r.errf(cycleID, "cycle detected through element %q", cycleID)
	}

	// достижимость от корня; по недостижимым — предупреждения
	reach := reachable(s)
	for id, el := range s.Elements {
		if reach[id] {
			continue
		}
		if el.Type == models.ElementAction {
			r.warnf(id, "dead action: no logic path from root can reach it")
		} else {
			r.warnf(id, "element not reachable from root")
		}
	}

	r.IsValid = len(r.Errors) == 0
	return r
}

func checkParams(r *ValidationReport, el *models.StrategyElement) {
	switch el.Type {
	case models.ElementTrigger:
		if el.Trigger == nil {
			r.errf(el.ID, "trigger element has no trigger spec")
			return
		}
		t := el.Trigger
		switch t.Kind {
		case models.TriggerPriceThreshold:
			if t.Pair == "" || t.Threshold == 0 {
				r.errf(el.ID, "price_threshold trigger requires pair and threshold")
			}
		case models.TriggerPriceMove, models.TriggerVolumeSpike:
			if t.Pair == "" || t.Threshold == 0 || t.Window <= 0 {
				r.errf(el.ID, "%s trigger requires pair, threshold and window", t.Kind)
			}
		case models.TriggerIndicatorCross:
			if t.Pair == "" || t.FastPeriod <= 0 || t.SlowPeriod <= 0 || t.FastPeriod >= t.SlowPeriod {
				r.errf(el.ID, "indicator_cross trigger requires pair and fast < slow periods")
			}
		case models.TriggerTime:
			if t.At == nil {
				r.errf(el.ID, "time trigger requires at")
			}
		default:
			r.errf(el.ID, "unknown trigger kind %q", t.Kind)
		}
	case models.ElementIndicator:
		if el.Indicator == nil {
			r.errf(el.ID, "indicator element has no indicator spec")
			return
		}
		in := el.Indicator
		if in.Pair == "" {
			r.errf(el.ID, "indicator requires pair")
		}
		switch in.Kind {
		case models.IndicatorPrice:
			// периода не требует
		case models.IndicatorSMA, models.IndicatorEMA, models.IndicatorRSI, models.IndicatorStochastic:
			if in.Period <= 0 {
				r.errf(el.ID, "%s indicator requires period > 0", in.Kind)
			}
		case models.IndicatorMACD:
			if in.FastPeriod <= 0 || in.SlowPeriod <= 0 || in.SignalPeriod <= 0 || in.FastPeriod >= in.SlowPeriod {
				r.errf(el.ID, "macd requires fast < slow and signal periods")
			}
		case models.IndicatorBollinger:
			if in.Period <= 0 || in.StdDevs <= 0 {
				r.errf(el.ID, "bollinger requires period and std_devs")
			}
			switch in.Band {
			case "upper", "middle", "lower":
			default:
				r.errf(el.ID, "bollinger band must be upper/middle/lower, got %q", in.Band)
			}
		default:
			r.errf(el.ID, "unknown indicator kind %q", in.Kind)
		}
	case models.ElementCondition:
		if el.Condition == nil {
			r.errf(el.ID, "condition element has no condition spec")
			return
		}
		c := el.Condition
		if c.LeftID == "" {
			r.errf(el.ID, "condition requires left operand")
		}
		if c.RightID == "" && c.RightValue == nil {
			r.errf(el.ID, "condition requires right operand or literal")
		}
		if c.Op == models.OpBetween || c.Op == models.OpOutside {
			if c.BoundID == "" && c.BoundValue == nil {
				r.errf(el.ID, "%s condition requires a secondary bound", c.Op)
			}
		}
		switch c.Op {
		case models.OpGreater, models.OpLess, models.OpBetween, models.OpOutside, models.OpEquals:
		default:
			r.errf(el.ID, "unknown condition op %q", c.Op)
		}
	case models.ElementLogic:
		if el.Logic == nil {
			r.errf(el.ID, "logic element has no logic spec")
			return
		}
		l := el.Logic
		switch l.Op {
		case models.LogicAnd, models.LogicOr:
			if len(l.Children) == 0 {
				r.errf(el.ID, "%s requires at least one child", l.Op)
			}
		case models.LogicNot:
			if len(l.Children) != 1 {
				r.errf(el.ID, "not requires exactly one child")
			}
		case models.LogicIfThen:
			if len(l.Children) != 2 {
				r.errf(el.ID, "if_then requires exactly two children")
			}
		case models.LogicIfThenElse:
			if len(l.Children) != 3 {
				r.errf(el.ID, "if_then_else requires exactly three children")
			}
		default:
			r.errf(el.ID, "unknown logic op %q", l.Op)
		}
	case models.ElementAction:
		if el.Action == nil {
			r.errf(el.ID, "action element has no action spec")
			return
		}
		a := el.Action
		switch a.Kind {
		case models.ActionAlert:
			if a.Message == "" {
				r.errf(el.ID, "alert action requires message")
			}
		case models.ActionBuy, models.ActionSell, models.ActionSwap,
			models.ActionLimitOrder, models.ActionStopLoss, models.ActionTakeProfit:
			if a.Pair == "" || a.Amount.IsZero() {
				r.errf(el.ID, "%s action requires pair and amount", a.Kind)
			}
			if a.Kind == models.ActionLimitOrder && a.LimitPrice == nil {
				r.errf(el.ID, "limit_order action requires limit_price")
			}
		default:
			r.errf(el.ID, "unknown action kind %q", a.Kind)
		}
	default:
		r.errf(el.ID, "unknown element type %q", el.Type)
	}
}

// checkRefType — совместимость выхода target с местом, где на него ссылаются.
func checkRefType(r *ValidationReport, el, target *models.StrategyElement) {
	switch el.Type {
	case models.ElementCondition:
		if !target.YieldsNumeric() {
			r.errf(el.ID, "condition operand %q must yield a numeric output, %s does not", target.ID, target.Type)
		}
	case models.ElementLogic:
		l := el.Logic
		if target.Type == models.ElementAction {
			// действия допустимы как ветки and/or/if_then/if_then_else, но не not
			if l != nil && l.Op == models.LogicNot {
				r.errf(el.ID, "not child %q must yield a boolean output", target.ID)
			}
			return
		}
		if !target.YieldsBool() {
			r.errf(el.ID, "logic child %q must yield a boolean output, %s does not", target.ID, target.Type)
		}
	}
}

// findCycle — итеративный трёхцветный DFS по всему графу ссылок.
// Возвращает id участника цикла или "".
func findCycle(s *models.Strategy) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(s.Elements))

	var visit func(id string) string
	visit = func(id string) string {
		el, ok := s.Elements[id]
		if !ok {
			return ""
		}
		color[id] = gray
		for _, ref := range el.Refs() {
			switch color[ref] {
			case gray:
				return ref
			case white:
				if hit := visit(ref); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range s.Elements {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func reachable(s *models.Strategy) map[string]bool {
	seen := make(map[string]bool, len(s.Elements))
	stack := []string{s.RootElementID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		el, ok := s.Elements[id]
		if !ok {
			continue
		}
		seen[id] = true
		stack = append(stack, el.Refs()...)
	}
	return seen
}
