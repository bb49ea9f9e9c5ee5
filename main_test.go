// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexvm/dexrt/jit"
	"github.com/dexvm/dexrt/options"
)

func TestClassDescriptor(t *testing.T) {
	assert.Equal(t, "Lcom/app/Main;", classDescriptor("com.app.Main"))
	assert.Equal(t, "LMain;", classDescriptor("Main"))
	assert.Equal(t, "Lcom/app/Main;", classDescriptor("Lcom/app/Main;"),
		"descriptors pass through unchanged")
}

func TestJitOptionsOverrides(t *testing.T) {
	defaults := jit.DefaultOptions()

	jopts := jitOptions(&options.RuntimeOptions{})
	assert.Equal(t, defaults, jopts, "zero overrides keep the defaults")

	jopts = jitOptions(&options.RuntimeOptions{
		JitWarmThreshold: 100,
		JitHotThreshold:  200,
		JitOsrThreshold:  300,
		JitCodeCacheSize: 1 << 20,
	})
	assert.Equal(t, uint16(100), jopts.WarmThreshold)
	assert.Equal(t, uint16(200), jopts.HotThreshold)
	assert.Equal(t, uint16(300), jopts.OsrThreshold)
	assert.Equal(t, uintptr(1<<20), jopts.CodeCacheCapacity)
	assert.Equal(t, defaults.PriorityThreadWeight, jopts.PriorityThreadWeight)
}

func TestOatPathsSplitting(t *testing.T) {
	args := &arguments{oats: "/a/base.odex, /b/split.odex,,"}
	assert.Equal(t, []string{"/a/base.odex", "/b/split.odex"}, args.oatPaths())

	args = &arguments{}
	assert.Empty(t, args.oatPaths())
}

func TestSanityCheck(t *testing.T) {
	args := &arguments{metricsInterval: 1, profilePeriod: 1}
	require.Equal(t, exitSuccess, sanityCheck(args))

	assert.Equal(t, exitParseError, sanityCheck(&arguments{profilePeriod: 1}))
	assert.Equal(t, exitParseError, sanityCheck(&arguments{metricsInterval: 1}))
	assert.Equal(t, exitParseError, sanityCheck(&arguments{
		metricsInterval: 1, profilePeriod: 1, markerDir: "/m",
	}))
}
