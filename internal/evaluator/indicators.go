package evaluator

import (
	"fmt"
	"math"

	"bot_engine/internal/models"
)

// Индикаторная математика считается руками, без talib: оконные индикаторы
// читаются прямо из серии снапшота, а EMA/MACD/RSI тянут инкрементальное
// состояние через скретч — оно переживает рестарт процесса вместе с сессией.

func evalIndicator(elementID string, spec *models.IndicatorSpec, snap *models.MarketSnapshot, scratch models.ScratchState) (float64, error) {
	series := snap.SeriesFor(spec.Pair, spec.Interval)

	switch spec.Kind {
	case models.IndicatorPrice:
		if q, ok := snap.QuoteFor(spec.Pair); ok {
			return q.Price, nil
		}
		if len(series) > 0 {
			return series[len(series)-1].Close, nil
		}
		return 0, fmt.Errorf("no quote for %s", spec.Pair)

	case models.IndicatorSMA:
		closes, err := lastCloses(series, spec.Period)
		if err != nil {
			return 0, err
		}
		return mean(closes), nil

	case models.IndicatorBollinger:
		closes, err := lastCloses(series, spec.Period)
		if err != nil {
			return 0, err
		}
		m := mean(closes)
		sd := stddev(closes, m)
		switch spec.Band {
		case "upper":
			return m + spec.StdDevs*sd, nil
		case "lower":
			return m - spec.StdDevs*sd, nil
		default:
			return m, nil
		}

	case models.IndicatorStochastic:
		if len(series) < spec.Period {
			return 0, fmt.Errorf("stochastic needs %d candles, have %d", spec.Period, len(series))
		}
		win := series[len(series)-spec.Period:]
		lo, hi := win[0].Low, win[0].High
		for _, c := range win[1:] {
			lo = math.Min(lo, c.Low)
			hi = math.Max(hi, c.High)
		}
		if hi == lo {
			return 50, nil
		}
		last := win[len(win)-1].Close
		return (last - lo) / (hi - lo) * 100, nil

	case models.IndicatorEMA:
		return evalEMA(elementID, spec, series, scratch)

	case models.IndicatorRSI:
		return evalRSI(elementID, spec, series, scratch)

	case models.IndicatorMACD:
		return evalMACD(elementID, spec, series, scratch)
	}

	return 0, fmt.Errorf("unknown indicator kind %q", spec.Kind)
}

// evalEMA — инкрементальная EMA: первый тик прогревается по всей серии,
// дальше доворачиваются только свечи новее scratch.LastTs.
func evalEMA(elementID string, spec *models.IndicatorSpec, series []models.Candle, scratch models.ScratchState) (float64, error) {
	sc := scratch[elementID]
	if sc == nil {
		sc = &models.IndicatorScratch{}
		scratch[elementID] = sc
	}

	k := 2.0 / (float64(spec.Period) + 1.0)
	for _, c := range newCandles(series, sc.LastTs) {
		if sc.Samples < spec.Period {
			// прогрев: копим SMA первых Period свечей
			sc.Window = append(sc.Window, c.Close)
			sc.Samples++
			if sc.Samples == spec.Period {
				sc.EMA = mean(sc.Window)
				sc.Window = nil
			}
		} else {
			sc.EMA = c.Close*k + sc.EMA*(1-k)
			sc.Samples++
		}
		sc.LastTs = c.Ts.UnixMilli()
	}

	if sc.Samples < spec.Period {
		return 0, fmt.Errorf("ema(%d) warming up: %d/%d samples", spec.Period, sc.Samples, spec.Period)
	}
	return sc.EMA, nil
}

// evalRSI — RSI по Уайлдеру со сглаженными средними gain/loss в скретче.
func evalRSI(elementID string, spec *models.IndicatorSpec, series []models.Candle, scratch models.ScratchState) (float64, error) {
	sc := scratch[elementID]
	if sc == nil {
		sc = &models.IndicatorScratch{}
		scratch[elementID] = sc
	}

	period := float64(spec.Period)
	for _, c := range newCandles(series, sc.LastTs) {
		if sc.Samples == 0 {
			sc.PrevClose = c.Close
			sc.Samples = 1
			sc.LastTs = c.Ts.UnixMilli()
			continue
		}
		delta := c.Close - sc.PrevClose
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		if sc.Samples <= spec.Period {
			// прогрев: простые средние первых Period дельт
			n := float64(sc.Samples)
			sc.AvgGain = (sc.AvgGain*(n-1) + gain) / n
			sc.AvgLoss = (sc.AvgLoss*(n-1) + loss) / n
		} else {
			sc.AvgGain = (sc.AvgGain*(period-1) + gain) / period
			sc.AvgLoss = (sc.AvgLoss*(period-1) + loss) / period
		}
		sc.PrevClose = c.Close
		sc.Samples++
		sc.LastTs = c.Ts.UnixMilli()
	}

	if sc.Samples <= spec.Period {
		return 0, fmt.Errorf("rsi(%d) warming up: %d/%d samples", spec.Period, sc.Samples, spec.Period+1)
	}
	if sc.AvgLoss == 0 {
		return 100, nil
	}
	rs := sc.AvgGain / sc.AvgLoss
	return 100 - 100/(1+rs), nil
}

// evalMACD возвращает гистограмму (линия MACD минус сигнальная).
func evalMACD(elementID string, spec *models.IndicatorSpec, series []models.Candle, scratch models.ScratchState) (float64, error) {
	sc := scratch[elementID]
	if sc == nil {
		sc = &models.IndicatorScratch{}
		scratch[elementID] = sc
	}

	kFast := 2.0 / (float64(spec.FastPeriod) + 1.0)
	kSlow := 2.0 / (float64(spec.SlowPeriod) + 1.0)
	kSig := 2.0 / (float64(spec.SignalPeriod) + 1.0)

	for _, c := range newCandles(series, sc.LastTs) {
		if sc.Samples == 0 {
			sc.EMA = c.Close
			sc.SlowEMA = c.Close
			sc.SignalEMA = 0
		} else {
			sc.EMA = c.Close*kFast + sc.EMA*(1-kFast)
			sc.SlowEMA = c.Close*kSlow + sc.SlowEMA*(1-kSlow)
			macd := sc.EMA - sc.SlowEMA
			sc.SignalEMA = macd*kSig + sc.SignalEMA*(1-kSig)
		}
		sc.Samples++
		sc.LastTs = c.Ts.UnixMilli()
	}

	need := spec.SlowPeriod + spec.SignalPeriod
	if sc.Samples < need {
		return 0, fmt.Errorf("macd warming up: %d/%d samples", sc.Samples, need)
	}
	return (sc.EMA - sc.SlowEMA) - sc.SignalEMA, nil
}

func newCandles(series []models.Candle, lastTs int64) []models.Candle {
	if lastTs == 0 {
		return series
	}
	// серии приходят отсортированными по времени
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Ts.UnixMilli() <= lastTs {
			return series[i+1:]
		}
	}
	return series
}

func lastCloses(series []models.Candle, n int) ([]float64, error) {
	if len(series) < n || n <= 0 {
		return nil, fmt.Errorf("need %d candles, have %d", n, len(series))
	}
	out := make([]float64, 0, n)
	for _, c := range series[len(series)-n:] {
		out = append(out, c.Close)
	}
	return out, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// emaOver — EMA по срезу цен, без скретча (для кросс-триггера).
func emaOver(closes []float64, period int) float64 {
	if len(closes) == 0 {
		return 0
	}
	k := 2.0 / (float64(period) + 1.0)
	n := period
	if n > len(closes) {
		n = len(closes)
	}
	ema := mean(closes[:n])
	for _, c := range closes[n:] {
		ema = c*k + ema*(1-k)
	}
	return ema
}
