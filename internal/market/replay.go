package market

import (
	"context"
	"sync"
	"time"

	"bot_engine/internal/models"
)

// ReplayFeed отдаёт заранее загруженные свечи, срезая их по asOf.
// Используется в backtest/paper и в тестах: детерминирован и без сети.
type ReplayFeed struct {
	mu       sync.RWMutex
	interval string
	series   map[string][]models.Candle // ключ — пара
	cursor   time.Time                  // ноль = курсор выключен
}

func NewReplayFeed(interval string) *ReplayFeed {
	return &ReplayFeed{
		interval: interval,
		series:   make(map[string][]models.Candle),
	}
}

func (f *ReplayFeed) Load(pair string, candles []models.Candle) {
	f.mu.Lock()
	f.series[pair] = append([]models.Candle(nil), candles...)
	f.mu.Unlock()
}

// Append докидывает одну свечу; удобно гнать «время» в тестах.
func (f *ReplayFeed) Append(pair string, c models.Candle) {
	f.mu.Lock()
	f.series[pair] = append(f.series[pair], c)
	f.mu.Unlock()
}

// Advance двигает «виртуальное время» реплея: срезы не выходят за курсор,
// даже если asOf тика реальный. Бэктест шагает по свече за тик.
func (f *ReplayFeed) Advance(to time.Time) {
	f.mu.Lock()
	f.cursor = to
	f.mu.Unlock()
}

func (f *ReplayFeed) Snapshot(ctx context.Context, pairs []string, asOf time.Time) (*models.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &models.MarketSnapshot{
		AsOf:   asOf,
		Quotes: make(map[string]models.Quote, len(pairs)),
		Series: make(map[string][]models.Candle, len(pairs)),
	}
	limit := asOf
	if !f.cursor.IsZero() && (limit.IsZero() || f.cursor.Before(limit)) {
		limit = f.cursor
	}
	for _, p := range pairs {
		all := f.series[p]
		cut := all
		if !limit.IsZero() {
			cut = cut[:upperBound(all, limit)]
		}
		if len(cut) == 0 {
			continue
		}
		snap.Series[models.SeriesKey(p, f.interval)] = append([]models.Candle(nil), cut...)
		last := cut[len(cut)-1]
		snap.Quotes[p] = models.Quote{Pair: p, Price: last.Close, Ts: last.Ts}
	}
	return snap, nil
}

// upperBound — count свечей с Ts <= asOf (серии отсортированы).
func upperBound(s []models.Candle, asOf time.Time) int {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi) / 2
		if s[mid].Ts.After(asOf) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

var _ Feed = (*ReplayFeed)(nil)
