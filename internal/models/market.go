package models

import "time"

// Candle — универсальная свеча, как её отдаёт фид.
type Candle struct {
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type Quote struct {
	Pair  string    `json:"pair"`
	Price float64   `json:"price"`
	Ts    time.Time `json:"ts"`
}

// MarketSnapshot — срез рынка на момент тика.
// Серии лежат по ключу SeriesKey(pair, interval).
type MarketSnapshot struct {
	AsOf   time.Time           `json:"as_of"`
	Quotes map[string]Quote    `json:"quotes"`
	Series map[string][]Candle `json:"series"`
}

func SeriesKey(pair, interval string) string {
	if interval == "" {
		interval = "1m"
	}
	return pair + "@" + interval
}

// SeriesFor — свечи по паре/интервалу, nil если серии нет.
func (m *MarketSnapshot) SeriesFor(pair, interval string) []Candle {
	if m == nil || m.Series == nil {
		return nil
	}
	return m.Series[SeriesKey(pair, interval)]
}

func (m *MarketSnapshot) QuoteFor(pair string) (Quote, bool) {
	if m == nil || m.Quotes == nil {
		return Quote{}, false
	}
	q, ok := m.Quotes[pair]
	return q, ok
}
