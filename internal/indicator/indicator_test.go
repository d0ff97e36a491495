package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMAInsufficientData(t *testing.T) {
	_, ok := SMA([]float64{1, 2}, 5)
	assert.False(t, ok)
}

func TestSMABasic(t *testing.T) {
	v, ok := SMA([]float64{1, 2, 3, 4, 5}, 5)
	require.True(t, ok)
	assert.InDelta(t, 3.0, v, 1e-9)
}

func TestEMASeedsWithSMA(t *testing.T) {
	prices := []float64{10, 11, 12, 13, 14, 15, 16}
	v, ok := EMA(prices, 5)
	require.True(t, ok)
	// seed = SMA(10..14) = 12; multiplier 2/6: 15 -> 13, 16 -> 14
	assert.InDelta(t, 14.0, v, 1e-9)
}

func TestRSIAllGainsReturns100(t *testing.T) {
	prices := make([]float64, 15)
	for i := range prices {
		prices[i] = float64(100 + i)
	}
	v, ok := RSI(prices, 14)
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-9)
}

func TestRSIInsufficientData(t *testing.T) {
	_, ok := RSI([]float64{1, 2, 3}, 14)
	assert.False(t, ok)
}

func TestVWAPMismatchedLengths(t *testing.T) {
	_, ok := VWAP([]float64{1, 2}, []float64{1}, []float64{1, 2}, []float64{1, 2})
	assert.False(t, ok)
}

func TestBollingerBandsBasic(t *testing.T) {
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100
	}
	bb, ok := Bollinger(prices, 20, 2.0)
	require.True(t, ok)
	assert.InDelta(t, 100.0, bb.Middle, 1e-9)
	assert.InDelta(t, 100.0, bb.Upper, 1e-9)
	assert.InDelta(t, 100.0, bb.Lower, 1e-9)
}

func TestATRRequiresPeriodPlusOne(t *testing.T) {
	_, ok := ATR([]float64{1, 2}, []float64{1, 2}, []float64{1, 2}, 14)
	assert.False(t, ok)
}

func TestMACDNilSignalWhenInsufficientData(t *testing.T) {
	prices := make([]float64, 26)
	for i := range prices {
		prices[i] = float64(100 + i)
	}
	macd, ok := MACDOf(prices, 12, 26, 9)
	require.True(t, ok)
	assert.Nil(t, macd.Signal)
	assert.Nil(t, macd.Histogram)
}

func TestVolumeRatioAboveAverage(t *testing.T) {
	volumes := make([]float64, 21)
	for i := 0; i < 20; i++ {
		volumes[i] = 100
	}
	volumes[20] = 200
	v, ok := VolumeRatio(volumes, 20)
	require.True(t, ok)
	assert.InDelta(t, 2.0, v, 1e-9)
}

func TestCalculateAllEmptyInput(t *testing.T) {
	result := CalculateAll(nil)
	assert.Empty(t, result)
}

func TestCalculateAllNullsOnInsufficientData(t *testing.T) {
	daily := []Candle{{Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}}
	result := CalculateAll(daily)
	assert.Nil(t, result["sma_200"])
	assert.Nil(t, result["ma200_slope"])
	require.NotNil(t, result["current_close"])
	assert.InDelta(t, 100.0, *result["current_close"], 1e-9)
}

func TestCalculateAllMA200SlopeWhenEnoughData(t *testing.T) {
	daily := make([]Candle, 225)
	for i := range daily {
		c := 100.0 + float64(i)*0.1
		daily[i] = Candle{Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	result := CalculateAll(daily)
	require.NotNil(t, result["ma200_slope"])
	assert.Greater(t, *result["ma200_slope"], 0.0)
}
