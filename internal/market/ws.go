package market

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bot_engine/internal/models"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"bot_engine/pkg/logger"
)

const maxSeriesLen = 1000

// LiveFeed держит один WebSocket на таймфрейм с пачкой пар в подписке
// и копит закрытые свечи в кольцевых буферах. Snapshot собирается из
// буферов синхронно, сеть в тик не ходит.
type LiveFeed struct {
	url      string
	interval string
	dialer   *websocket.Dialer

	mu     sync.RWMutex
	series map[string][]models.Candle // ключ SeriesKey(pair, interval)
	quotes map[string]models.Quote
}

func NewLiveFeed(url, interval string) *LiveFeed {
	return &LiveFeed{
		url:      url,
		interval: interval,
		dialer:   websocket.DefaultDialer,
		series:   make(map[string][]models.Candle),
		quotes:   make(map[string]models.Quote),
	}
}

// Run подписывается на пары и крутит реконнект-цикл до отмены контекста.
func (f *LiveFeed) Run(ctx context.Context, pairs []string) {
	channel := "candle" + f.interval

	args := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		args = append(args, map[string]string{
			"channel": channel,
			"instId":  p,
		})
	}

	for {
		if ctx.Err() != nil {
			return
		}
		logger.Info("[WS] connect %s, %d pairs", channel, len(pairs))
		conn, _, err := f.dialer.Dial(f.url, nil)
		if err != nil {
			logger.Error("[WS] dial error %s: %v", channel, err)
			time.Sleep(time.Second)
			continue
		}

		sub := map[string]any{
			"op":   "subscribe",
			"args": args,
		}
		if err := conn.WriteJSON(sub); err != nil {
			logger.Error("[WS] subscribe error %s: %v", channel, err)
			_ = conn.Close()
			continue
		}

		// keepalive ping, иначе сервер рвёт соединение
		quit := make(chan struct{})
		go f.keepalive(ctx, conn, quit)

		f.readLoop(ctx, conn, channel)
		close(quit)
		_ = conn.Close()
	}
}

// keepalive пингует соединение до закрытия quit. Закрывает quit читатель,
// когда соединение умерло: иначе тикер пережил бы реконнект и продолжал
// писать в мёртвый conn.
func (f *LiveFeed) keepalive(ctx context.Context, conn *websocket.Conn, quit <-chan struct{}) {
	t := time.NewTicker(20 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-t.C:
			_ = conn.WriteJSON(map[string]string{"op": "ping"})
		}
	}
}

func (f *LiveFeed) readLoop(ctx context.Context, conn *websocket.Conn, channel string) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Error("[WS] read error %s: %v", channel, err)
			return
		}

		var frame struct {
			Arg struct {
				Channel string `json:"channel"`
				InstID  string `json:"instId"`
			} `json:"arg"`
			Data [][]string `json:"data"`
		}
		if err := sonic.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Arg.Channel != channel || len(frame.Data) == 0 {
			continue
		}

		for _, row := range frame.Data {
			// формат: [ts, open, high, low, close, volume, ..., confirm]
			if len(row) < 6 {
				continue
			}
			confirmed := row[len(row)-1] == "1"
			if !confirmed {
				continue
			}
			c, err := parseCandle(row)
			if err != nil {
				continue
			}
			f.push(frame.Arg.InstID, c)
		}
	}
}

func (f *LiveFeed) push(pair string, c models.Candle) {
	key := models.SeriesKey(pair, f.interval)

	f.mu.Lock()
	defer f.mu.Unlock()

	s := append(f.series[key], c)
	if len(s) > maxSeriesLen {
		s = s[len(s)-maxSeriesLen:]
	}
	f.series[key] = s
	f.quotes[pair] = models.Quote{Pair: pair, Price: c.Close, Ts: c.Ts}
}

func (f *LiveFeed) Snapshot(ctx context.Context, pairs []string, asOf time.Time) (*models.MarketSnapshot, error) {
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
	for _, p := range pairs {
		key := models.SeriesKey(p, f.interval)
		if s, ok := f.series[key]; ok {
			snap.Series[key] = append([]models.Candle(nil), s...)
		}
		if q, ok := f.quotes[p]; ok {
			snap.Quotes[p] = q
		}
	}
	return snap, nil
}

func parseCandle(row []string) (models.Candle, error) {
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("parse candle ts: %w", err)
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("parse candle field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return models.Candle{
		Ts:     time.UnixMilli(ms),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

var _ Feed = (*LiveFeed)(nil)
