package evaluator

import (
	"fmt"
	"math"

	"bot_engine/internal/models"
)

// Триггеры — чистые функции текущего снапшота: никакого состояния
// между тиками они не несут, вся история берётся из серии.
func evalTrigger(spec *models.TriggerSpec, snap *models.MarketSnapshot) (bool, error) {
	switch spec.Kind {
	case models.TriggerPriceThreshold:
		q, ok := snap.QuoteFor(spec.Pair)
		if !ok {
			return false, fmt.Errorf("no quote for %s", spec.Pair)
		}
		if spec.Direction == "below" {
			return q.Price < spec.Threshold, nil
		}
		return q.Price > spec.Threshold, nil

	case models.TriggerPriceMove:
		series := snap.SeriesFor(spec.Pair, spec.Interval)
		if len(series) < spec.Window+1 {
			return false, fmt.Errorf("price_move needs %d candles, have %d", spec.Window+1, len(series))
		}
		first := series[len(series)-spec.Window-1].Close
		last := series[len(series)-1].Close
		if first == 0 {
			return false, fmt.Errorf("zero base price for %s", spec.Pair)
		}
		movePct := (last - first) / first * 100
		switch spec.Direction {
		case "above":
			return movePct >= spec.Threshold, nil
		case "below":
			return movePct <= -spec.Threshold, nil
		default:
			return math.Abs(movePct) >= spec.Threshold, nil
		}

	case models.TriggerTime:
		return !snap.AsOf.Before(*spec.At), nil

	case models.TriggerVolumeSpike:
		series := snap.SeriesFor(spec.Pair, spec.Interval)
		if len(series) < spec.Window+1 {
			return false, fmt.Errorf("volume_spike needs %d candles, have %d", spec.Window+1, len(series))
		}
		base := series[len(series)-spec.Window-1 : len(series)-1]
		avg := 0.0
		for _, c := range base {
			avg += c.Volume
		}
		avg /= float64(len(base))
		if avg == 0 {
			return false, nil
		}
		return series[len(series)-1].Volume > spec.Threshold*avg, nil

	case models.TriggerIndicatorCross:
		series := snap.SeriesFor(spec.Pair, spec.Interval)
		if len(series) < spec.SlowPeriod+1 {
			return false, fmt.Errorf("indicator_cross needs %d candles, have %d", spec.SlowPeriod+1, len(series))
		}
		closes := make([]float64, len(series))
		for i, c := range series {
			closes[i] = c.Close
		}
		prev := closes[:len(closes)-1]
		fastPrev := emaOver(prev, spec.FastPeriod)
		slowPrev := emaOver(prev, spec.SlowPeriod)
		fastNow := emaOver(closes, spec.FastPeriod)
		slowNow := emaOver(closes, spec.SlowPeriod)
		if spec.Direction == "below" {
			return fastPrev >= slowPrev && fastNow < slowNow, nil
		}
		return fastPrev <= slowPrev && fastNow > slowNow, nil
	}

	return false, fmt.Errorf("unknown trigger kind %q", spec.Kind)
}
