package redis

import "fmt"

// Key construction helpers for coupling sample storage

// SeriesIndexKey is the hash listing every known sample series
const SeriesIndexKey = "coupling:series"

// SampleSeriesKey returns the key for one metric's samples (sorted set scored by unix millis)
// Pattern: coupling:samples:{component}:{metric}
func SampleSeriesKey(component, metric string) string {
	return fmt.Sprintf("coupling:samples:%s:%s", component, metric)
}
