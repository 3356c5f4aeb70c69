package notify

import (
	"fmt"
	"testing"

	"bot_engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	sent []string
}

func (r *recorder) Send(msg string)                  { r.sent = append(r.sent, msg) }
func (r *recorder) Sendf(format string, args ...any) { r.Send(fmt.Sprintf(format, args...)) }

func sessWith(n models.NotificationSettings) *models.BotExecutionSession {
	return &models.BotExecutionSession{
		ID:     "0b7a4c9e-dead-beef-0000-000000000000",
		Config: models.BotExecutionConfig{Notifications: n},
	}
}

func completed() *models.BotTrade {
	return &models.BotTrade{
		Side:   models.SideBuy,
		Status: models.TradeCompleted,
		Pair:   "ETH-USDT",
		Amount: decimal.NewFromFloat(0.5),
		Price:  decimal.NewFromInt(2000),
	}
}

func TestTradeExecutedGatedBySettings(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.TradeExecuted(sessWith(models.NotificationSettings{}), completed())
	assert.Empty(t, rec.sent, "on_trade выключен")

	d.TradeExecuted(sessWith(models.NotificationSettings{OnTrade: true}), completed())
	require.Len(t, rec.sent, 1)
	assert.Contains(t, rec.sent[0], "ETH-USDT")
	assert.Contains(t, rec.sent[0], "0b7a4c9e", "id сессии обрезан до короткого")
}

func TestAlertIgnoresSettings(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.Alert(sessWith(models.NotificationSettings{}), "price dip")

	require.Len(t, rec.sent, 1)
	assert.Contains(t, rec.sent[0], "price dip")
}

func TestErrorAndRiskEvents(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)
	sess := sessWith(models.NotificationSettings{OnError: true, OnProfitTarget: true, OnStopLoss: true})

	d.SessionError(sess, "feed down")
	d.ProfitTarget(sess)
	d.StopLossSuppressed(sess)
	assert.Len(t, rec.sent, 3)

	rec.sent = nil
	muted := sessWith(models.NotificationSettings{})
	d.SessionError(muted, "feed down")
	d.ProfitTarget(muted)
	d.StopLossSuppressed(muted)
	assert.Empty(t, rec.sent)
}

func TestNilNotifierIsSafe(t *testing.T) {
	d := NewDispatcher(nil)
	assert.NotPanics(t, func() {
		d.Alert(sessWith(models.NotificationSettings{}), "ping")
	})
}
