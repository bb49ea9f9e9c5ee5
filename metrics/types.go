// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/dexvm/dexrt/metrics"

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// Summary helps summarizing metrics of the same ID from different
// sources before processing it further.
type Summary map[MetricID]MetricValue

// MetricType classifies how values of a metric combine: counters
// accumulate, gauges overwrite.
type MetricType uint8

const (
	MetricTypeCounter MetricType = iota
	MetricTypeGauge
)

// MetricDef describes one metric for dump output.
type MetricDef struct {
	ID          MetricID
	Name        string
	Description string
	Type        MetricType
}
