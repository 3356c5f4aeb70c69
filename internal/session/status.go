package session

import (
	"context"
	"time"

	"bot_engine/internal/models"

	"github.com/shopspring/decimal"
)

// SessionSummary — строка статуса для выдачи наружу (/status и т.п.).
type SessionSummary struct {
	SessionID  string               `json:"session_id"`
	BotID      string               `json:"bot_id"`
	StrategyID string               `json:"strategy_id"`
	Status     models.SessionStatus `json:"status"`
	Mode       models.ExecutionMode `json:"mode"`
	Frequency  models.Frequency     `json:"frequency"`

	Ticks       int64           `json:"ticks"`
	Failed      int64           `json:"failed"`
	OpenTrades  int             `json:"open_trades"`
	TotalTrades int64           `json:"total_trades"`
	WinRate     float64         `json:"win_rate"`
	PnL         decimal.Decimal `json:"pnl"`

	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
}

func summarize(sess *models.BotExecutionSession) SessionSummary {
	return SessionSummary{
		SessionID:       sess.ID,
		BotID:           sess.BotID,
		StrategyID:      sess.StrategyID,
		Status:          sess.Status,
		Mode:            sess.Mode,
		Frequency:       sess.Frequency,
		Ticks:           sess.ExecutionCount,
		Failed:          sess.FailedExecutions,
		OpenTrades:      sess.Runtime.OpenTrades,
		TotalTrades:     sess.Metrics.TotalTrades,
		WinRate:         sess.Metrics.WinRate,
		PnL:             sess.TotalProfit,
		LastActiveAt:    sess.LastActiveAt,
		NextExecutionAt: sess.NextExecutionAt,
	}
}

// StatusSummary — все сессии юзера: живые из контроллеров, остальные из стора.
func (m *Manager) StatusSummary(ctx context.Context, userID string) ([]SessionSummary, error) {
	stored, err := m.deps.Sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]SessionSummary, 0, len(stored))
	for _, sess := range stored {
		if ctl, cErr := m.controller(sess.ID); cErr == nil {
			live := ctl.Snapshot()
			out = append(out, summarize(&live))
			continue
		}
		out = append(out, summarize(sess))
	}
	return out, nil
}
