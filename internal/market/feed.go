package market

import (
	"context"
	"time"

	"bot_engine/internal/models"
)

// Feed — граница с источником рыночных данных. Snapshot обязан
// укладываться в бюджет тика, поэтому живой фид копит свечи в фоне,
// а здесь только режет срез.
type Feed interface {
	Snapshot(ctx context.Context, pairs []string, asOf time.Time) (*models.MarketSnapshot, error)
}
