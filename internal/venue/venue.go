package venue

import (
	"context"
	"errors"

	"bot_engine/internal/models"

	"github.com/shopspring/decimal"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Order — то, что уходит внешнему исполнителю на подпись и бродкаст.
type Order struct {
	Pair         string           `json:"pair"`
	Side         models.TradeSide `json:"side"`
	Amount       decimal.Decimal  `json:"amount"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	SlippageBps  int              `json:"slippage_bps"`
	GasPriceGwei float64          `json:"gas_price_gwei,omitempty"`
	Network      string           `json:"network"`
	WalletID     string           `json:"wallet_id,omitempty"`
}

type Submission struct {
	Hash   string   `json:"hash"`
	Status TxStatus `json:"status"`
}

type Receipt struct {
	Status  TxStatus        `json:"status"`
	FeeUSD  decimal.Decimal `json:"fee_usd"`
	GasUsed float64         `json:"gas_used"`
	Price   decimal.Decimal `json:"price"` // фактическая цена исполнения
	Error   string          `json:"error,omitempty"`
}

// Venue — внешний коллаборатор подписи/бродкаста. Внутренности нас
// не касаются: ядро видит только submit и статус по хэшу.
type Venue interface {
	Submit(ctx context.Context, order *Order) (*Submission, error)
	Status(ctx context.Context, hash string) (*Receipt, error)
}

// Классификация отказов: ретраибельные гасятся политикой повторов,
// остальные валят сделку сразу.
var (
	ErrNonceConflict     = errors.New("nonce conflict")
	ErrRPCUnavailable    = errors.New("transient rpc error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrReverted          = errors.New("transaction reverted")
)

func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrReverted) {
		return false
	}
	if errors.Is(err, ErrNonceConflict) || errors.Is(err, ErrRPCUnavailable) {
		return true
	}
	// таймауты и обрывы контекста считаем транзиентными
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
