package evaluator

import (
	"fmt"
	"time"

	"bot_engine/internal/models"
)

// TickResult — итог одного прохода по графу.
type TickResult struct {
	Root       models.Output
	RootResult *models.ElementExecutionResult
	// плоский список в порядке вычисления; логи тика обязаны объяснять,
	// почему действие не сработало, поэтому шорт-сёркат не применяется
	Results  []*models.ElementExecutionResult
	Proposed []*models.ProposedAction
	Scratch  models.ScratchState
}

// Evaluator — чистая функция над валидным графом: сам по себе без состояния,
// всё межтиковое живёт в ScratchState и возвращается наружу.
type Evaluator struct{}

func New() *Evaluator { return &Evaluator{} }

// Evaluate обходит граф от корня в post-order: операнды и дети считаются
// раньше родителя. Ошибка внутри элемента гасится на нём самом и уходит
// родителю как false/0, тик не прерывается.
func (e *Evaluator) Evaluate(s *models.Strategy, snap *models.MarketSnapshot, scratch models.ScratchState) *TickResult {
	if scratch == nil {
		scratch = models.ScratchState{}
	} else {
		scratch = scratch.Clone()
	}

	w := &walker{
		strategy: s,
		snap:     snap,
		out:      &TickResult{Scratch: scratch},
		memo:     map[string]*models.ElementExecutionResult{},
	}
	root := w.eval(s.RootElementID, true)
	w.out.RootResult = root
	if root != nil {
		w.out.Root = root.Output
	}
	return w.out
}

type walker struct {
	strategy *models.Strategy
	snap     *models.MarketSnapshot
	out      *TickResult
	memo     map[string]*models.ElementExecutionResult
}

// eval считает один элемент. fire — находимся ли мы на "истинном" пути,
// на котором действиям позволено предлагать сделки.
func (w *walker) eval(id string, fire bool) *models.ElementExecutionResult {
	// ромбы в DAG считаются один раз за тик; действия — на каждую ссылку,
	// потому что fire зависит от пути
	if res, ok := w.memo[id]; ok {
		return res
	}

	el, ok := w.strategy.Elements[id]
	if !ok {
		// валидация такое не пропускает, но тик ронять всё равно нельзя
		res := &models.ElementExecutionResult{
			ElementID: id,
			Success:   false,
			Output:    models.BoolOutput(false),
			Error:     fmt.Sprintf("element %q not found", id),
		}
		w.out.Results = append(w.out.Results, res)
		return res
	}

	started := time.Now()
	res := &models.ElementExecutionResult{
		ElementID: el.ID,
		Type:      el.Type,
		Name:      el.Name,
		Success:   true,
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				res.Success = false
				res.Error = fmt.Sprintf("panic in element %s: %v", el.ID, p)
				res.Output = failedOutput(el)
			}
		}()
		w.evalElement(el, res, fire)
	}()

	res.Duration = time.Since(started)
	w.out.Results = append(w.out.Results, res)
	if el.Type != models.ElementAction {
		w.memo[id] = res
	}
	return res
}

func (w *walker) evalElement(el *models.StrategyElement, res *models.ElementExecutionResult, fire bool) {
	switch el.Type {
	case models.ElementTrigger:
		v, err := evalTrigger(el.Trigger, w.snap)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			res.Output = models.BoolOutput(false)
			return
		}
		res.Output = models.BoolOutput(v)

	case models.ElementIndicator:
		v, err := evalIndicator(el.ID, el.Indicator, w.snap, w.out.Scratch)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			res.Output = models.NumOutput(0)
			return
		}
		res.Output = models.NumOutput(v)

	case models.ElementCondition:
		w.evalCondition(el, res)

	case models.ElementLogic:
		w.evalLogic(el, res, fire)

	case models.ElementAction:
		// Action не исполняет сделку — только предлагает её,
		// и только если охраняющий путь оказался истинным.
		res.Output = models.Output{Kind: models.OutputAction}
		if fire {
			w.out.Proposed = append(w.out.Proposed, proposedFrom(el))
		} else {
			res.Output = models.Output{Kind: models.OutputNone}
		}
	}
}

// operand — числовой операнд условия: либо выход элемента, либо литерал.
func (w *walker) operand(res *models.ElementExecutionResult, refID string, lit *float64) (float64, bool) {
	if refID == "" {
		if lit == nil {
			return 0, false
		}
		return *lit, true
	}
	opRes := w.eval(refID, false)
	res.Children = append(res.Children, opRes)
	if !opRes.Success {
		return 0, false
	}
	return opRes.Output.Num, true
}

func (w *walker) evalCondition(el *models.StrategyElement, res *models.ElementExecutionResult) {
	c := el.Condition

	left, lok := w.operand(res, c.LeftID, nil)
	right, rok := w.operand(res, c.RightID, c.RightValue)

	var bound float64
	bok := true
	if c.Op == models.OpBetween || c.Op == models.OpOutside {
		bound, bok = w.operand(res, c.BoundID, c.BoundValue)
	}

	// упавший операнд уже записан как failed-результат; само условие
	// не считается сломанным, просто отвечает false
	if !lok || !rok || !bok {
		res.Output = models.BoolOutput(false)
		return
	}

	var v bool
	switch c.Op {
	case models.OpGreater:
		v = left > right
	case models.OpLess:
		v = left < right
	case models.OpEquals:
		v = left == right
	case models.OpBetween:
		lo, hi := minMax(right, bound)
		v = left >= lo && left <= hi // границы включительно
	case models.OpOutside:
		lo, hi := minMax(right, bound)
		v = left < lo || left > hi
	}
	res.Output = models.BoolOutput(v)
}

func (w *walker) evalLogic(el *models.StrategyElement, res *models.ElementExecutionResult, fire bool) {
	l := el.Logic

	boolChildren := make([]*models.ElementExecutionResult, 0, len(l.Children))
	actionIDs := make([]string, 0, 2)

	switch l.Op {
	case models.LogicAnd, models.LogicOr:
		for _, chID := range l.Children {
			if w.isAction(chID) {
				actionIDs = append(actionIDs, chID)
				continue
			}
			ch := w.eval(chID, false)
			res.Children = append(res.Children, ch)
			boolChildren = append(boolChildren, ch)
		}
		v := l.Op == models.LogicAnd
		for _, ch := range boolChildren {
			b := ch.Success && ch.Output.Bool
			if l.Op == models.LogicAnd {
				v = v && b
			} else {
				v = v || b
			}
		}
		if len(boolChildren) == 0 {
			v = false
		}
		res.Output = models.BoolOutput(v)
		for _, aID := range actionIDs {
			res.Children = append(res.Children, w.eval(aID, fire && v))
		}

	case models.LogicNot:
		ch := w.eval(l.Children[0], false)
		res.Children = append(res.Children, ch)
		res.Output = models.BoolOutput(!(ch.Success && ch.Output.Bool))

	case models.LogicIfThen:
		cond := w.eval(l.Children[0], false)
		res.Children = append(res.Children, cond)
		v := cond.Success && cond.Output.Bool
		res.Children = append(res.Children, w.eval(l.Children[1], fire && v))
		res.Output = models.BoolOutput(v)

	case models.LogicIfThenElse:
		cond := w.eval(l.Children[0], false)
		res.Children = append(res.Children, cond)
		v := cond.Success && cond.Output.Bool
		res.Children = append(res.Children, w.eval(l.Children[1], fire && v))
		res.Children = append(res.Children, w.eval(l.Children[2], fire && !v))
		res.Output = models.BoolOutput(v)
	}
}

func (w *walker) isAction(id string) bool {
	el, ok := w.strategy.Elements[id]
	return ok && el.Type == models.ElementAction
}

func proposedFrom(el *models.StrategyElement) *models.ProposedAction {
	a := el.Action
	p := &models.ProposedAction{
		ElementID:  el.ID,
		Kind:       a.Kind,
		Pair:       a.Pair,
		Amount:     a.Amount,
		LimitPrice: a.LimitPrice,
		Message:    a.Message,
	}
	p.Side = p.TradeSide()
	return p
}

func failedOutput(el *models.StrategyElement) models.Output {
	if el.Type == models.ElementIndicator {
		return models.NumOutput(0)
	}
	return models.BoolOutput(false)
}

func minMax(a, b float64) (float64, float64) {
	if a <= b {
		return a, b
	}
	return b, a
}
