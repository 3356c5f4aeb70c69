package session

import (
	"context"
	"sync"
	"time"

	"bot_engine/internal/evaluator"
	"bot_engine/internal/ledger"
	"bot_engine/internal/market"
	"bot_engine/internal/models"
	"bot_engine/internal/notify"
	"bot_engine/internal/risk"
	"bot_engine/internal/storage"
	"bot_engine/pkg/logger"

	"github.com/opentracing/opentracing-go"
	"github.com/shopspring/decimal"
)

// Deps — всё, что нужно контроллеру для одного тика.
type Deps struct {
	Feed     market.Feed
	Eval     *evaluator.Evaluator
	Gate     *risk.Gate
	Exec     Executor
	Ledger   *ledger.Ledger
	Sessions storage.SessionStore
	Dispatch *notify.Dispatcher

	// Defaults заполняет не заданные явно поля конфига новой сессии.
	Defaults models.BotExecutionConfig
}

// Executor — интерфейс на стороне потребителя; реальный живёт в internal/executor.
type Executor interface {
	Execute(ctx context.Context, sess *models.BotExecutionSession, act *models.ProposedAction, quote models.Quote) *models.BotTrade
}

// Controller владеет одной сессией: все мутации сессии идут через него
// и под его мьютексом. Команды применяются на границе тика — мьютекс
// держится на весь тик, поэтому конфиг не меняется под ногами.
type Controller struct {
	deps  Deps
	strat *models.Strategy

	mu   sync.Mutex
	sess *models.BotExecutionSession

	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	manual   bool // одноразовый тик по команде trigger
	schedIdx int  // позиция в Config.Schedule
}

func NewController(deps Deps, sess *models.BotExecutionSession, strat *models.Strategy) *Controller {
	return &Controller{
		deps:  deps,
		strat: strat,
		sess:  sess,
		wake:  make(chan struct{}, 1),
	}
}

// Start переводит idle → starting → running и запускает цикл.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.Status != models.StatusIdle {
		return &models.StateTransitionError{SessionID: c.sess.ID, From: c.sess.Status, Command: "start"}
	}

	c.sess.Status = models.StatusStarting
	c.logf(ctx, models.LevelInfo, "session starting, strategy %s v%d", c.strat.ID, c.strat.Version)

	now := time.Now().UTC()
	c.sess.StartedAt = &now
	c.sess.Status = models.StatusRunning
	if err := c.persist(ctx); err != nil {
		c.sess.Status = models.StatusIdle
		return err
	}

	c.launch(ctx)
	return nil
}

// Attach поднимает уже существующую не-терминальную сессию после рестарта
// процесса: paused остаётся paused, всё остальное едет как running.
func (c *Controller) Attach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.Status.Terminal() || c.sess.Status == models.StatusIdle {
		return &models.StateTransitionError{SessionID: c.sess.ID, From: c.sess.Status, Command: "attach"}
	}
	if c.sess.Status != models.StatusPaused {
		c.sess.Status = models.StatusRunning
	}
	c.logf(ctx, models.LevelInfo, "session resumed after restart")
	if err := c.persist(ctx); err != nil {
		return err
	}
	c.launch(ctx)
	return nil
}

func (c *Controller) launch(parent context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(runCtx)
}

// Pause: running → paused. Повторный pause — no-op без побочных эффектов.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.sess.Status {
	case models.StatusPaused:
		return nil
	case models.StatusRunning:
		c.sess.Status = models.StatusPaused
		c.logf(ctx, models.LevelInfo, "session paused")
		return c.persist(ctx)
	default:
		return &models.StateTransitionError{SessionID: c.sess.ID, From: c.sess.Status, Command: "pause"}
	}
}

func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.Status != models.StatusPaused {
		return &models.StateTransitionError{SessionID: c.sess.ID, From: c.sess.Status, Command: "resume"}
	}
	c.sess.Status = models.StatusRunning
	c.logf(ctx, models.LevelInfo, "session resumed")
	if err := c.persist(ctx); err != nil {
		return err
	}
	c.nudge()
	return nil
}

// Stop допустим из running, paused и starting; цикл дорабатывает текущий
// тик и выходит.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.sess.Status {
	case models.StatusRunning, models.StatusPaused, models.StatusStarting:
	default:
		st := c.sess.Status
		c.mu.Unlock()
		return &models.StateTransitionError{SessionID: c.sess.ID, From: st, Command: "stop"}
	}
	c.sess.Status = models.StatusStopping
	c.logf(ctx, models.LevelInfo, "session stopping")
	_ = c.persist(ctx)
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	c.sess.StoppedAt = &now
	c.sess.Status = models.StatusStopped
	c.logf(ctx, models.LevelInfo, "session stopped")
	return c.persist(ctx)
}

// Detach гасит цикл, не трогая статус: сессия остаётся resumable
// и поднимется на следующем старте процесса.
func (c *Controller) Detach(ctx context.Context) {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persist(ctx); err != nil {
		logger.Error("[SESSION] persist %s: %v", c.sess.ID, err)
	}
}

// TriggerManual — внеочередной тик; для manual/triggered это единственный
// источник тиков. Разрешён из любого не-терминального статуса и сам
// статус не меняет: тик на паузе оставляет сессию на паузе.
func (c *Controller) TriggerManual(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.Status.Terminal() || c.sess.Status == models.StatusIdle {
		st := c.sess.Status
		c.mu.Unlock()
		return &models.StateTransitionError{SessionID: c.sess.ID, From: st, Command: "trigger"}
	}
	c.manual = true
	c.mu.Unlock()
	c.nudge()
	return nil
}

// UpdateConfig применяет патч на границе тика. Невалидный результат
// отклоняется целиком, действующий конфиг не меняется.
func (c *Controller) UpdateConfig(ctx context.Context, patch *models.ConfigPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.Status.Terminal() {
		return &models.StateTransitionError{SessionID: c.sess.ID, From: c.sess.Status, Command: "reconfigure"}
	}
	next := c.sess.Config.Apply(patch)
	if err := next.Validate(c.sess.Frequency); err != nil {
		return err
	}
	if issues := disallowedElements(c.strat, next.AllowedElementTypes); len(issues) > 0 {
		return &models.ValidationError{StrategyID: c.strat.ID, Issues: issues}
	}
	c.sess.Config = next
	c.logf(ctx, models.LevelInfo, "session reconfigured")
	return c.persist(ctx)
}

// Snapshot — копия сессии для чтения снаружи.
func (c *Controller) Snapshot() models.BotExecutionSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.sess
	cp.CurrentState = c.sess.CurrentState.Clone()
	return cp
}

func (c *Controller) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// loop — единственная горутина, которая крутит тики. Расписание считается
// от начала тика; пропущенные интервалы схлопываются в один тик.
func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)

	for {
		wait, exhausted := c.nextWait()
		if exhausted {
			c.finish(ctx, models.StatusCompleted, "schedule exhausted")
			return
		}

		if wait < 0 {
			// manual/triggered и пауза: только по пинку
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
			}
		} else if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-c.wake:
				timer.Stop()
			case <-timer.C:
			}
		}

		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		manual := c.manual
		c.manual = false
		if c.sess.Status == models.StatusRunning || (manual && !c.sess.Status.Terminal()) {
			c.runTick(ctx)
			terminal := c.sess.Status.Terminal()
			c.mu.Unlock()
			if terminal {
				return
			}
		} else {
			c.mu.Unlock()
		}
	}
}

// nextWait: сколько спать до следующего тика. wait<0 — ждать только wake,
// exhausted — расписание кончилось.
func (c *Controller) nextWait() (wait time.Duration, exhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.Status == models.StatusPaused {
		return -1, false
	}

	switch c.sess.Frequency {
	case models.FreqContinuous:
		// пейсинг, чтобы не крутить пустые тики вхолостую
		if c.sess.Config.Interval > 0 {
			return c.sess.Config.Interval, false
		}
		return time.Second, false
	case models.FreqInterval:
		iv := c.sess.Config.Interval
		if iv <= 0 {
			return 0, false
		}
		if c.sess.LastActiveAt == nil {
			return 0, false
		}
		next := c.sess.LastActiveAt.Add(iv)
		w := time.Until(next)
		if w < 0 {
			w = 0
		}
		c.sess.NextExecutionAt = &next
		return w, false
	case models.FreqScheduled:
		now := time.Now().UTC()
		for c.schedIdx < len(c.sess.Config.Schedule) {
			at := c.sess.Config.Schedule[c.schedIdx]
			if at.After(now) {
				c.sess.NextExecutionAt = &at
				return time.Until(at), false
			}
			// просроченный слот исполняем немедленно, по одному
			c.schedIdx++
			c.sess.NextExecutionAt = &at
			return 0, false
		}
		return 0, true
	default: // triggered, manual
		return -1, false
	}
}

// runTick — один проход: срез рынка → граф → риск-гейт → исполнение.
// Вызывается строго под c.mu.
func (c *Controller) runTick(parent context.Context) {
	sess := c.sess
	cfg := &sess.Config

	ctx := parent
	var cancel context.CancelFunc
	if cfg.ExecutionTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, cfg.ExecutionTimeout)
		defer cancel()
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "session.tick")
	span.SetTag("session_id", sess.ID)
	defer span.Finish()

	now := time.Now().UTC()
	sess.ExecutionCount++
	sess.LastActiveAt = &now
	risk.RollDay(&sess.Runtime, now)

	snap, err := c.deps.Feed.Snapshot(ctx, cfg.TradingPairs, now)
	if err != nil {
		c.tickFailed(ctx, "market snapshot: %v", err)
		return
	}

	res := c.deps.Eval.Evaluate(c.strat, snap, sess.CurrentState)
	sess.CurrentState = res.Scratch

	_ = c.deps.Ledger.RecordTick(ctx, &ledger.TickRecord{
		SessionID: sess.ID,
		Tick:      sess.ExecutionCount,
		At:        now,
		Results:   res.Results,
	})

	admitted, rejected := c.deps.Gate.Admit(res.Proposed, cfg, &sess.Runtime, snap)
	for _, rej := range rejected {
		c.logf(ctx, models.LevelWarning, "action %s rejected: %s (%s)", rej.Action.ElementID, rej.Reason, rej.Detail)
		switch rej.Reason {
		case risk.ReasonTakeProfitHit:
			c.deps.Dispatch.ProfitTarget(sess)
		case risk.ReasonStopLossHit:
			c.deps.Dispatch.StopLossSuppressed(sess)
		}
	}

	tradesFailed := 0
	lastTradeErr := ""
	for _, act := range admitted {
		if ctx.Err() != nil {
			break
		}
		if act.Kind == models.ActionAlert {
			c.logf(ctx, models.LevelInfo, "alert from %s: %s", act.ElementID, act.Message)
			c.deps.Dispatch.Alert(sess, act.Message)
			continue
		}
		quote, _ := snap.QuoteFor(act.Pair)
		trade := c.deps.Exec.Execute(ctx, sess, act, quote)
		c.applyTrade(act, trade)
		c.deps.Dispatch.TradeExecuted(sess, trade)
		if trade.Status == models.TradeFailed {
			tradesFailed++
			lastTradeErr = trade.Error
		}
	}

	m := c.deps.Ledger.Metrics(sess.ID)
	sess.Metrics = m
	sess.TotalProfit = m.CumPnL
	sess.Runtime.RealizedPnL = m.CumPnL
	risk.UpdateWatermark(&sess.Runtime)

	if ctx.Err() != nil && parent.Err() == nil {
		c.tickFailed(ctx, "tick deadline exceeded (%s)", cfg.ExecutionTimeout)
		return
	}

	// терминально упавшая сделка — провал тика, не успех
	if tradesFailed > 0 {
		c.tickFailed(ctx, "trade execution failed (%d): %s", tradesFailed, lastTradeErr)
		return
	}

	sess.SuccessfulExecutions++
	sess.Runtime.ConsecutiveFailures = 0
	if err := c.persist(ctx); err != nil {
		logger.Error("[SESSION] persist %s: %v", sess.ID, err)
	}
}

// applyTrade доворачивает рантайм-счётчики по терминальной сделке.
func (c *Controller) applyTrade(act *models.ProposedAction, t *models.BotTrade) {
	rt := &c.sess.Runtime
	rt.TradesToday++

	if t.Status != models.TradeCompleted {
		return
	}
	if act.Entry() {
		rt.OpenTrades++
		rt.Exposure = rt.Exposure.Add(t.ValueUSD)
	} else {
		if rt.OpenTrades > 0 {
			rt.OpenTrades--
		}
		rt.Exposure = rt.Exposure.Sub(t.ValueUSD)
		if rt.Exposure.IsNegative() {
			rt.Exposure = decimal.Zero
		}
	}
}

// tickFailed — учёт неуспешного тика; серия провалов глушит сессию.
func (c *Controller) tickFailed(ctx context.Context, format string, args ...any) {
	sess := c.sess
	sess.FailedExecutions++
	sess.Runtime.ConsecutiveFailures++
	c.logf(ctx, models.LevelError, "tick failed: "+format, args...)

	max := sess.Config.MaxConsecutiveFailures
	if max <= 0 {
		max = defaultMaxConsecutiveFailures
	}
	if sess.Runtime.ConsecutiveFailures >= max {
		c.finishLocked(ctx, models.StatusError, "too many consecutive failures")
		return
	}
	if err := c.persist(ctx); err != nil {
		logger.Error("[SESSION] persist %s: %v", sess.ID, err)
	}
}

const defaultMaxConsecutiveFailures = 3

func (c *Controller) finish(ctx context.Context, st models.SessionStatus, why string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(ctx, st, why)
}

func (c *Controller) finishLocked(ctx context.Context, st models.SessionStatus, why string) {
	now := time.Now().UTC()
	c.sess.StoppedAt = &now
	c.sess.Status = st
	level := models.LevelInfo
	if st == models.StatusError {
		level = models.LevelCritical
	}
	c.logf(ctx, level, "session %s: %s", st, why)
	if st == models.StatusError {
		c.deps.Dispatch.SessionError(c.sess, why)
	}
	if err := c.persist(ctx); err != nil {
		logger.Error("[SESSION] persist %s: %v", c.sess.ID, err)
	}
}

func (c *Controller) persist(ctx context.Context) error {
	return c.deps.Sessions.Save(ctx, c.sess)
}

func (c *Controller) logf(ctx context.Context, level models.LogLevel, format string, args ...any) {
	if err := c.deps.Ledger.Logf(ctx, c.sess.ID, level, format, args...); err != nil {
		logger.Error("[SESSION] ledger %s: %v", c.sess.ID, err)
	}
}
