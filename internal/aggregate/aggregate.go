// Package aggregate reduces per-ticker metrics into the published record.
package aggregate

import (
	"math"
	"time"

	"maflow/internal/metric"
)

// SchemaVersion tags every published record.
const SchemaVersion = "1.0.0"

// RunMetadata carries the derived statistics and provenance of one run. All
// counts are recomputable from the stock list.
type RunMetadata struct {
	TotalCount     int     `json:"total_count"`
	NearMACount    int     `json:"near_ma_count"`
	AboveCount     int     `json:"above_count"`
	BelowCount     int     `json:"below_count"`
	ProcessingTime float64 `json:"processing_time"`
	LastUpdated    string  `json:"last_updated"`
	Version        string  `json:"version"`
}

// PublishedRecord is the sole externally visible artifact of a run. It is
// replaced wholesale on every successful run, never patched.
type PublishedRecord struct {
	Stocks   []metric.StockMetric `json:"stocks"`
	Metadata RunMetadata          `json:"metadata"`
}

// Aggregate scans the metrics once and builds the record. Counts are
// order-independent; near_ma_count sums the per-stock near_ma flags so the
// metadata can never disagree with the stock list.
func Aggregate(metrics []metric.StockMetric, elapsed time.Duration) PublishedRecord {
	meta := RunMetadata{
		TotalCount:     len(metrics),
		ProcessingTime: math.Round(elapsed.Seconds()*100) / 100,
		LastUpdated:    time.Now().UTC().Format(time.RFC3339),
		Version:        SchemaVersion,
	}

	for _, m := range metrics {
		if m.NearMA {
			meta.NearMACount++
		}
		if m.Direction == metric.Above {
			meta.AboveCount++
		} else {
			meta.BelowCount++
		}
	}

	return PublishedRecord{Stocks: metrics, Metadata: meta}
}
