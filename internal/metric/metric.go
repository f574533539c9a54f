// Package metric computes the moving-average distance metrics for one symbol.
package metric

import (
	"fmt"
	"math"

	"maflow/internal/provider"
)

// Direction reports which side of the moving average the price sits on.
// A price exactly on the average counts as above.
type Direction string

const (
	Above Direction = "ABOVE"
	Below Direction = "BELOW"
)

// StockMetric is the durable per-ticker result of one pipeline run. Field
// names follow the published JSON schema.
type StockMetric struct {
	Symbol          string    `json:"symbol"`
	Price           float64   `json:"price"`
	MovingAverage   float64   `json:"ma_150"`
	DistancePercent float64   `json:"distance_percent"`
	DistanceAbs     float64   `json:"distance_abs"`
	Direction       Direction `json:"direction"`
	NearMA          bool      `json:"near_ma"`
}

// Compute derives the metric for a symbol from its price series. The series
// must hold at least period closes; the moving average is the arithmetic mean
// of the last period closes and the price is the final close. Published floats
// are rounded to two decimals.
func Compute(symbol string, series provider.PriceSeries, period int, nearThreshold float64) (StockMetric, error) {
	if len(series) < period {
		return StockMetric{}, fmt.Errorf("%s has %d closes, need %d: %w",
			symbol, len(series), period, provider.ErrInsufficientHistory)
	}

	window := series[len(series)-period:]
	sum := 0.0
	for _, c := range window {
		sum += c.Price
	}
	ma := sum / float64(period)
	price := series[len(series)-1].Price

	distance := (price - ma) / ma * 100
	direction := Above
	if distance < 0 {
		direction = Below
	}

	// NearMA is judged on the rounded value so the flag always agrees with
	// the published distance_abs.
	distanceAbs := round2(math.Abs(distance))

	return StockMetric{
		Symbol:          symbol,
		Price:           round2(price),
		MovingAverage:   round2(ma),
		DistancePercent: round2(distance),
		DistanceAbs:     distanceAbs,
		Direction:       direction,
		NearMA:          distanceAbs <= nearThreshold,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
