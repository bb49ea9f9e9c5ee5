// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics is the process-wide counter registry. Producers add
// id/value pairs from any goroutine; Report drains the accumulated
// values for a dump.
package metrics // import "github.com/dexvm/dexrt/metrics"

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	// mutex serializes the concurrent calls to Add/AddSlice.
	mutex sync.Mutex

	// values accumulates per-ID: counters sum, gauges keep the latest.
	values = make([]MetricValue, IDMax)

	// touched is a bitvector of IDs seen since the last Report, so dumps
	// skip metrics that never fired.
	touched = make([]uint64, 1+(IDMax/64))

	metricTypes map[MetricID]MetricType
)

func init() {
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range GetDefinitions() {
		metricTypes[md.ID] = md.Type
	}
}

// Add records a single metric value.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{ID: id, Value: value}})
}

// AddSlice records a batch of metrics from one producer.
func AddSlice(newMetrics []Metric) {
	mutex.Lock()
	defer mutex.Unlock()

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric ID %d out of range [%d,%d] - needs investigation",
				m.ID, IDInvalid+1, IDMax-1)
			continue
		}
		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}
		if m.Value == 0 && typ == MetricTypeCounter {
			continue
		}
		switch typ {
		case MetricTypeCounter:
			values[m.ID] += m.Value
		case MetricTypeGauge:
			values[m.ID] = m.Value
		}
		touched[m.ID/64] |= 1 << (m.ID % 64)
	}
}

// Report drains the metrics accumulated since the last call and returns
// them as a summary. Untouched IDs are absent.
func Report() Summary {
	mutex.Lock()
	defer mutex.Unlock()

	out := make(Summary)
	for id := IDInvalid + 1; id < IDMax; id++ {
		if touched[id/64]&(1<<(id%64)) == 0 {
			continue
		}
		out[id] = values[id]
		values[id] = 0
	}
	for i := range touched {
		touched[i] = 0
	}
	return out
}
