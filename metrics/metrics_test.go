// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulateAndDrain(t *testing.T) {
	Report() // drain leftovers from other tests

	Add(IDJITCompileTask, 1)
	Add(IDJITCompileTask, 2)
	AddSlice([]Metric{
		{ID: IDMemMapCreated, Value: 5},
		{ID: IDJITCodeCacheBytes, Value: 100},
		{ID: IDJITCodeCacheBytes, Value: 70}, // gauge: latest wins
	})

	got := Report()
	assert.Equal(t, MetricValue(3), got[IDJITCompileTask])
	assert.Equal(t, MetricValue(5), got[IDMemMapCreated])
	assert.Equal(t, MetricValue(70), got[IDJITCodeCacheBytes])
	assert.NotContains(t, got, IDCollisionCheck, "untouched IDs stay absent")

	assert.Empty(t, Report(), "drained on read")
}

func TestZeroCounterValuesIgnored(t *testing.T) {
	Report()
	Add(IDOatOpened, 0)
	assert.Empty(t, Report())
}

func TestOutOfRangeIDsDropped(t *testing.T) {
	Report()
	AddSlice([]Metric{{ID: IDInvalid, Value: 1}, {ID: IDMax, Value: 1}})
	assert.Empty(t, Report())
}

func TestDefinitionsCoverAllIDs(t *testing.T) {
	seen := make(map[MetricID]bool)
	for _, md := range GetDefinitions() {
		require.NotEmpty(t, md.Name)
		assert.False(t, seen[md.ID], "duplicate definition for %s", md.Name)
		seen[md.ID] = true
	}
	for id := IDInvalid + 1; id < IDMax; id++ {
		assert.True(t, seen[id], "metric id %d has no definition", id)
	}
}
