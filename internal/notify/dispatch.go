package notify

import (
	"bot_engine/internal/models"
)

// Dispatcher фильтрует события сессии по её настройкам нотификаций.
// Сам текст сообщений собирается здесь, чтобы контроллер не знал
// про формат.
type Dispatcher struct {
	n Notifier
}

func NewDispatcher(n Notifier) *Dispatcher {
	if n == nil {
		n = Nop{}
	}
	return &Dispatcher{n: n}
}

func (d *Dispatcher) TradeExecuted(sess *models.BotExecutionSession, t *models.BotTrade) {
	if !sess.Config.Notifications.OnTrade {
		return
	}
	switch t.Status {
	case models.TradeCompleted:
		d.n.Sendf("✅ %s %s %s @ %s (сессия %s)",
			t.Side, t.Amount, t.Pair, t.Price, short(sess.ID))
	case models.TradeFailed:
		d.n.Sendf("❌ %s %s %s не прошла: %s (сессия %s)",
			t.Side, t.Amount, t.Pair, t.Error, short(sess.ID))
	case models.TradeCanceled:
		d.n.Sendf("⛔️ %s %s %s отменена (сессия %s)",
			t.Side, t.Amount, t.Pair, short(sess.ID))
	}
}

// Alert — явное действие стратегии, настройками не фильтруется.
func (d *Dispatcher) Alert(sess *models.BotExecutionSession, msg string) {
	d.n.Sendf("🔔 [%s] %s", short(sess.ID), msg)
}

func (d *Dispatcher) SessionError(sess *models.BotExecutionSession, msg string) {
	if !sess.Config.Notifications.OnError {
		return
	}
	d.n.Sendf("❗️ Сессия %s остановлена с ошибкой: %s", short(sess.ID), msg)
}

func (d *Dispatcher) ProfitTarget(sess *models.BotExecutionSession) {
	if !sess.Config.Notifications.OnProfitTarget {
		return
	}
	d.n.Sendf("🎯 Сессия %s достигла цели по прибыли: %s USD",
		short(sess.ID), sess.Runtime.RealizedPnL)
}

func (d *Dispatcher) StopLossSuppressed(sess *models.BotExecutionSession) {
	if !sess.Config.Notifications.OnStopLoss {
		return
	}
	d.n.Sendf("🛑 Сессия %s: стоп-лосс пробит, новые входы заблокированы", short(sess.ID))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
