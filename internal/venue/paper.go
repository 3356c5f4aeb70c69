package venue

import (
	"context"
	"fmt"
	"sync"

	"bot_engine/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteFunc отдаёт текущую цену пары; обычно замкнута на последний снапшот.
type QuoteFunc func(pair string) (float64, bool)

// Paper — детерминированный внутрипроцессный исполнитель для
// paper/sandbox/backtest: заполняет по котировке со слиппеджем,
// денег никуда не шлёт.
type Paper struct {
	mu     sync.Mutex
	quotes QuoteFunc
	fills  map[string]*Receipt

	// для тестов: сколько первых сабмитов уронить и чем
	FailFirst int
	FailWith  error
	submits   int
}

func NewPaper(quotes QuoteFunc) *Paper {
	return &Paper{
		quotes: quotes,
		fills:  make(map[string]*Receipt),
	}
}

func (p *Paper) Submit(ctx context.Context, order *Order) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.submits++
	if p.FailFirst > 0 && p.submits <= p.FailFirst {
		return nil, p.FailWith
	}

	px, ok := p.quotes(order.Pair)
	if !ok {
		return nil, fmt.Errorf("paper venue: no quote for %s: %w", order.Pair, ErrRPCUnavailable)
	}

	price := decimal.NewFromFloat(px)
	if order.LimitPrice != nil {
		price = *order.LimitPrice
	} else if order.SlippageBps > 0 {
		// симметричный слиппедж: покупаем дороже, продаём дешевле
		slip := decimal.NewFromInt(int64(order.SlippageBps)).Div(decimal.NewFromInt(10000))
		if order.Side == models.SideSell {
			price = price.Mul(decimal.NewFromInt(1).Sub(slip))
		} else {
			price = price.Mul(decimal.NewFromInt(1).Add(slip))
		}
	}

	hash := "paper-" + uuid.NewString()
	p.fills[hash] = &Receipt{
		Status:  TxConfirmed,
		Price:   price,
		GasUsed: 0,
		FeeUSD:  decimal.Zero,
	}
	return &Submission{Hash: hash, Status: TxConfirmed}, nil
}

func (p *Paper) Status(ctx context.Context, hash string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.fills[hash]
	if !ok {
		return nil, fmt.Errorf("paper venue: unknown hash %s", hash)
	}
	return r, nil
}

// Hanging — исполнитель, который никогда не отвечает; только для тестов
// таймаутов.
type Hanging struct{}

func (Hanging) Submit(ctx context.Context, _ *Order) (*Submission, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (Hanging) Status(ctx context.Context, _ string) (*Receipt, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var _ Venue = (*Paper)(nil)
var _ Venue = Hanging{}
