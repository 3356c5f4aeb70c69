package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bot_engine/internal/ledger"
	"bot_engine/internal/models"
	"bot_engine/internal/venue"
	"bot_engine/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const statusPollEvery = 500 * time.Millisecond

// Executor превращает допущенное действие в сделку через внешнего
// исполнителя. Каждая попытка, удачная или нет, даёт ровно одну строку
// журнала; BotTrade рождается один и только с финальным исходом.
type Executor struct {
	venue  venue.Venue
	ledger *ledger.Ledger
}

func New(v venue.Venue, led *ledger.Ledger) *Executor {
	return &Executor{venue: v, ledger: led}
}

// Execute гоняет сабмит по retry-политике сессии. Каждая попытка ограничена
// TransactionTimeout; вылет за бюджет — это failed сделка с ошибкой таймаута,
// а не вечный pending. Ожидания между попытками отменяемы.
func (x *Executor) Execute(ctx context.Context, sess *models.BotExecutionSession, act *models.ProposedAction, quote models.Quote) *models.BotTrade {
	cfg := &sess.Config
	started := time.Now()

	trade := &models.BotTrade{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		BotID:        sess.BotID,
		StrategyID:   sess.StrategyID,
		WalletID:     sess.WalletID,
		CreatedAt:    started.UTC(),
		Side:         act.Side,
		Status:       models.TradePending,
		Pair:         act.Pair,
		Amount:       act.Amount,
		Price:        decimal.NewFromFloat(quote.Price),
		Network:      cfg.Network,
		GasPriceGwei: act.GasPriceGwei,
	}

	order := &venue.Order{
		Pair:         act.Pair,
		Side:         act.Side,
		Amount:       act.Amount,
		LimitPrice:   act.LimitPrice,
		SlippageBps:  act.SlippageBps,
		GasPriceGwei: act.GasPriceGwei,
		Network:      cfg.Network,
		WalletID:     sess.WalletID,
	}

	attempts := 1 + cfg.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		receipt, hash, err := x.attempt(ctx, cfg, order)
		if err == nil {
			trade.TxHash = hash
			trade.Price = receipt.Price
			trade.GasUsed = receipt.GasUsed
			trade.FeeUSD = receipt.FeeUSD
			trade.ValueUSD = trade.Amount.Mul(trade.Price)
			trade.Duration = time.Since(started)
			_ = trade.Transition(models.TradeCompleted)

			// журнал пишем и для сделки, подтверждённой уже после остановки
			logCtx := context.WithoutCancel(ctx)
			x.logAttempt(logCtx, sess.ID, act, models.LevelInfo, attempt,
				fmt.Sprintf("trade attempt %d/%d confirmed", attempt, attempts), hash, string(receipt.Status))
			_ = x.ledger.RecordTrade(logCtx, trade)
			return trade
		}

		lastErr = err
		final := attempt == attempts || !retryable(err)

		level := models.LevelWarning
		if final {
			level = models.LevelError
		}
		x.logAttempt(ctx, sess.ID, act, level, attempt,
			fmt.Sprintf("trade attempt %d/%d failed: %v", attempt, attempts, err), hash, "")

		if final {
			break
		}

		// пауза между попытками; stop сессии обязан срабатывать и здесь
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(cfg.RetryDelay):
			continue
		}
		break
	}

	trade.Duration = time.Since(started)
	trade.Error = errText(lastErr)
	if errors.Is(lastErr, context.Canceled) {
		_ = trade.Transition(models.TradeCanceled)
	} else {
		_ = trade.Transition(models.TradeFailed)
	}
	_ = x.ledger.RecordTrade(context.WithoutCancel(ctx), trade)
	logger.Error("[EXEC] %s %s %s: %s", sess.ID, act.Side, act.Pair, trade.Error)
	return trade
}

// attempt — один сабмит плюс дожидание терминального статуса,
// всё в бюджете TransactionTimeout.
func (x *Executor) attempt(parent context.Context, cfg *models.BotExecutionConfig, order *venue.Order) (_ *venue.Receipt, hash string, err error) {
	ctx := parent
	var cancel context.CancelFunc
	if cfg.TransactionTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, cfg.TransactionTimeout)
		defer cancel()
	}

	sub, err := x.venue.Submit(ctx, order)
	if err != nil {
		if deadlined(ctx, parent) {
			return nil, "", &models.TimeoutError{Op: "transaction submit", Budget: cfg.TransactionTimeout.String()}
		}
		return nil, "", err
	}
	hash = sub.Hash

	// транзакция уже ушла в сеть: доводим её до терминального статуса,
	// даже если сессию остановили. Дожидание ограничено только бюджетом
	// попытки; отмена видна снаружи на границах ретраев.
	confirm := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		var confirmCancel context.CancelFunc
		confirm, confirmCancel = context.WithDeadline(confirm, dl)
		defer confirmCancel()
	}

	for {
		receipt, err := x.venue.Status(confirm, hash)
		if err != nil {
			if confirm.Err() == context.DeadlineExceeded {
				return nil, hash, &models.TimeoutError{Op: "transaction confirm", Budget: cfg.TransactionTimeout.String()}
			}
			return nil, hash, err
		}
		switch receipt.Status {
		case venue.TxConfirmed:
			return receipt, hash, nil
		case venue.TxFailed:
			if receipt.Error != "" {
				return nil, hash, fmt.Errorf("%s: %w", receipt.Error, venue.ErrReverted)
			}
			return nil, hash, venue.ErrReverted
		}

		select {
		case <-confirm.Done():
			return nil, hash, &models.TimeoutError{Op: "transaction confirm", Budget: cfg.TransactionTimeout.String()}
		case <-time.After(statusPollEvery):
		}
	}
}

func (x *Executor) logAttempt(ctx context.Context, sessionID string, act *models.ProposedAction, level models.LogLevel, attempt int, msg, hash, txStatus string) {
	_ = x.ledger.Log(ctx, &models.ExecutionLogEntry{
		SessionID: sessionID,
		Level:     level,
		Message:   msg,
		ElementID: act.ElementID,
		TxHash:    hash,
		TxStatus:  txStatus,
		Details: map[string]any{
			"attempt": attempt,
			"pair":    act.Pair,
			"side":    string(act.Side),
		},
	})
}

// retryable: таймауты и транзиентные отказы ретраим, остальное — нет.
func retryable(err error) bool {
	if models.IsTimeout(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return venue.Retryable(err)
}

// deadlined — вышли по своему таймауту, а не по отмене родителя.
func deadlined(ctx, parent context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded && parent.Err() == nil
}

func errText(err error) string {
	if err == nil {
		return "execution failed"
	}
	return err.Error()
}
