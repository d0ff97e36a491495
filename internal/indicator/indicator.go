// Package indicator implements pure technical-indicator functions over
// OHLCV sequences (spec §4.6): SMA, EMA, RSI(14), VWAP, Bollinger Bands,
// ATR(14), MACD(12/26/9) and volume ratio. Every function operates on
// plain float64 slices with no I/O and no side effects, mirroring the
// dependency-free calculation style of the system these were distilled
// from; insufficient data yields a bool/ok flag rather than a panic so
// CalculateAll can report nulls instead of propagating exceptions.
package indicator

import (
	"math"
	"strconv"
)

// Candle is one OHLCV bar, oldest-first when passed as a slice.
type Candle struct {
	Open, High, Low, Close float64
	Volume                 float64
}

// SMA returns the simple moving average of the last period closes.
func SMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	window := prices[len(prices)-period:]
	sum := 0.0
	for _, p := range window {
		sum += p
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average, seeded with the SMA of the
// first period values and using multiplier 2/(period+1).
func EMA(prices []float64, period int) (float64, bool) {
	series, ok := EMASeries(prices, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// EMASeries returns the full EMA series, same length as prices, with NaN
// for the first period-1 entries.
func EMASeries(prices []float64, period int) ([]float64, bool) {
	if period <= 0 || len(prices) < period {
		return nil, false
	}
	multiplier := 2.0 / float64(period+1)
	result := make([]float64, 0, len(prices))
	for i := 0; i < period-1; i++ {
		result = append(result, math.NaN())
	}
	sum := 0.0
	for _, p := range prices[:period] {
		sum += p
	}
	emaVal := sum / float64(period)
	result = append(result, emaVal)
	for _, p := range prices[period:] {
		emaVal = (p-emaVal)*multiplier + emaVal
		result = append(result, emaVal)
	}
	return result, true
}

// RSI returns the Relative Strength Index using Wilder smoothing,
// default period 14.
func RSI(prices []float64, period int) (float64, bool) {
	required := period + 1
	if period <= 0 || len(prices) < required {
		return 0, false
	}

	deltas := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		deltas[i-1] = prices[i] - prices[i-1]
	}

	var avgGain, avgLoss float64
	for _, d := range deltas[:period] {
		if d > 0 {
			avgGain += d
		} else {
			avgLoss += -d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for _, d := range deltas[period:] {
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0, true
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs)), true
}

// VWAP returns the volume-weighted average price over the full input.
func VWAP(closes, volumes, highs, lows []float64) (float64, bool) {
	n := len(closes)
	if n == 0 || len(volumes) != n || len(highs) != n || len(lows) != n {
		return 0, false
	}
	var cumTPVol, cumVol float64
	for i := 0; i < n; i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3.0
		cumTPVol += tp * volumes[i]
		cumVol += volumes[i]
	}
	if cumVol <= 0 {
		return 0, false
	}
	return cumTPVol / cumVol, true
}

// BollingerBands holds the upper/middle/lower band values.
type BollingerBands struct {
	Upper, Middle, Lower float64
}

// Bollinger computes Bollinger Bands (SMA ± numStd·σ), default 20/2.0.
func Bollinger(prices []float64, period int, numStd float64) (BollingerBands, bool) {
	if period <= 0 || len(prices) < period {
		return BollingerBands{}, false
	}
	window := prices[len(prices)-period:]
	middle, _ := SMA(prices, period)
	var variance float64
	for _, p := range window {
		d := p - middle
		variance += d * d
	}
	variance /= float64(period)
	std := math.Sqrt(variance)
	return BollingerBands{
		Upper:  middle + numStd*std,
		Middle: middle,
		Lower:  middle - numStd*std,
	}, true
}

// ATR returns the Average True Range using Wilder smoothing, default
// period 14; requires period+1 data points.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	required := period + 1
	if period <= 0 || len(highs) < required || len(lows) < required || len(closes) < required {
		return 0, false
	}

	trueRanges := make([]float64, 0, len(highs)-1)
	for i := 1; i < len(highs); i++ {
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		trueRanges = append(trueRanges, tr)
	}

	sum := 0.0
	for _, tr := range trueRanges[:period] {
		sum += tr
	}
	atrVal := sum / float64(period)
	for _, tr := range trueRanges[period:] {
		atrVal = (atrVal*float64(period-1) + tr) / float64(period)
	}
	return atrVal, true
}

// MACD holds the MACD line, optional signal line and optional histogram.
type MACD struct {
	Value     float64
	Signal    *float64
	Histogram *float64
}

// MACDOf computes MACD(fast/slow/signal), default 12/26/9. Signal and
// Histogram are nil when there isn't enough data for the signal line.
func MACDOf(prices []float64, fast, slow, signal int) (MACD, bool) {
	if len(prices) < slow {
		return MACD{}, false
	}

	fastSeries, ok := EMASeries(prices, fast)
	if !ok {
		return MACD{}, false
	}
	slowSeries, ok := EMASeries(prices, slow)
	if !ok {
		return MACD{}, false
	}

	macdLine := make([]float64, 0, len(prices))
	for i := range fastSeries {
		if math.IsNaN(fastSeries[i]) || math.IsNaN(slowSeries[i]) {
			continue
		}
		macdLine = append(macdLine, fastSeries[i]-slowSeries[i])
	}
	if len(macdLine) == 0 {
		return MACD{Value: 0}, true
	}

	current := macdLine[len(macdLine)-1]

	var signalValue *float64
	var histogram *float64
	if len(macdLine) >= signal {
		signalSeries, ok := EMASeries(macdLine, signal)
		if ok {
			last := signalSeries[len(signalSeries)-1]
			if !math.IsNaN(last) {
				signalValue = &last
				h := current - last
				histogram = &h
			}
		}
	}

	return MACD{Value: current, Signal: signalValue, Histogram: histogram}, true
}

// VolumeRatio returns latest volume / average of the previous period
// volumes, default period 20.
func VolumeRatio(volumes []float64, period int) (float64, bool) {
	if period <= 0 || len(volumes) < period+1 {
		return 0, false
	}
	window := volumes[len(volumes)-period-1 : len(volumes)-1]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	avg := sum / float64(period)
	if avg == 0 {
		return 0, true
	}
	return volumes[len(volumes)-1] / avg, true
}

// CalculateAll computes every indicator from chronological (oldest
// first) daily candles, returning a map keyed by indicator name.
// Indicators that cannot be computed due to insufficient data are
// omitted (nil) rather than raising an error.
func CalculateAll(daily []Candle) map[string]*float64 {
	result := make(map[string]*float64)
	if len(daily) == 0 {
		return result
	}

	closes := make([]float64, len(daily))
	highs := make([]float64, len(daily))
	lows := make([]float64, len(daily))
	volumes := make([]float64, len(daily))
	for i, c := range daily {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	n := len(closes)

	set := func(key string, v float64, ok bool) {
		if !ok {
			result[key] = nil
			return
		}
		result[key] = &v
	}

	for _, period := range []int{5, 10, 20, 50, 150, 200} {
		v, ok := SMA(closes, period)
		set("sma_"+strconv.Itoa(period), v, ok)
	}
	for _, period := range []int{5, 10, 20, 50} {
		v, ok := EMA(closes, period)
		set("ema_"+strconv.Itoa(period), v, ok)
	}

	rsi, ok := RSI(closes, 14)
	set("rsi_14", rsi, ok)

	vwap, ok := VWAP(closes, volumes, highs, lows)
	set("vwap", vwap, ok)

	if bb, ok := Bollinger(closes, 20, 2.0); ok {
		result["bollinger_upper"] = &bb.Upper
		result["bollinger_middle"] = &bb.Middle
		result["bollinger_lower"] = &bb.Lower
	} else {
		result["bollinger_upper"] = nil
		result["bollinger_middle"] = nil
		result["bollinger_lower"] = nil
	}

	atr, ok := ATR(highs, lows, closes, 14)
	set("atr_14", atr, ok)

	if macd, ok := MACDOf(closes, 12, 26, 9); ok {
		result["macd"] = &macd.Value
		result["macd_signal"] = macd.Signal
		result["macd_histogram"] = macd.Histogram
	} else {
		result["macd"] = nil
		result["macd_signal"] = nil
		result["macd_histogram"] = nil
	}

	volRatio, ok := VolumeRatio(volumes, 20)
	set("volume_ratio_20", volRatio, ok)

	currentClose := closes[n-1]
	result["current_close"] = &currentClose
	currentVolume := volumes[n-1]
	result["current_volume"] = &currentVolume
	dataPoints := float64(n)
	result["data_points"] = &dataPoints

	if n >= 220 {
		ma200Now, _ := SMA(closes, 200)
		ma200Ago, _ := SMA(closes[:n-20], 200)
		slope := ma200Now - ma200Ago
		result["ma200_slope"] = &slope
	} else {
		result["ma200_slope"] = nil
	}

	return result
}
