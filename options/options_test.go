// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func TestDefaults(t *testing.T) {
	opts, err := Parse(nil, noEnv)
	require.NoError(t, err)
	assert.True(t, opts.UseJIT)
	assert.Equal(t, VerifyAll, opts.Verify)
	assert.Empty(t, opts.BootClassPath)
	assert.Zero(t, opts.HeapInitial)
}

func TestHeapSizes(t *testing.T) {
	opts, err := Parse([]string{"-Xms4m", "-Xmx64m", "-XX:HeapGrowthLimit=16m"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, uint64(4<<20), opts.HeapInitial)
	assert.Equal(t, uint64(64<<20), opts.HeapMax)
	assert.Equal(t, uint64(16<<20), opts.HeapGrowthLimit)

	_, err = Parse([]string{"-Xms100"}, noEnv)
	require.Error(t, err, "sizes must be 1024-aligned")

	_, err = Parse([]string{"-Xmxbogus"}, noEnv)
	require.Error(t, err)

	_, err = Parse([]string{"-Xms64m", "-Xmx4m"}, noEnv)
	require.Error(t, err, "initial heap above maximum")
}

func TestMemorySuffixes(t *testing.T) {
	for in, want := range map[string]uint64{
		"1024": 1024,
		"8k":   8 << 10,
		"8K":   8 << 10,
		"2m":   2 << 20,
		"1G":   1 << 30,
	} {
		v, err := parseMemory(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, v, in)
	}
	_, err := parseMemory("")
	require.Error(t, err)
}

func TestClassPathFlagsAndEnvFallback(t *testing.T) {
	env := func(key string) string {
		switch key {
		case "BOOTCLASSPATH":
			return "/boot/core.dex:/boot/fw.dex"
		case "CLASSPATH":
			return "/env/app.dex"
		}
		return ""
	}

	opts, err := Parse(nil, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"/boot/core.dex", "/boot/fw.dex"}, opts.BootClassPath)
	assert.Equal(t, []string{"/env/app.dex"}, opts.ClassPath)

	// Flags win; the env is not consulted once the flag is present.
	opts, err = Parse([]string{
		"-Xbootclasspath:/flag/core.dex", "-cp", "/flag/app.dex",
	}, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"/flag/core.dex"}, opts.BootClassPath)
	assert.Equal(t, []string{"/flag/app.dex"}, opts.ClassPath)

	_, err = Parse([]string{"-cp"}, noEnv)
	require.Error(t, err, "dangling -cp")
}

func TestJitFlags(t *testing.T) {
	opts, err := Parse([]string{
		"-Xjitwarmthreshold:100", "-Xjitthreshold:200", "-Xjitosrthreshold:300",
		"-Xjitprithreadweight:5", "-Xjitcodecachesize:1m",
	}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), opts.JitWarmThreshold)
	assert.Equal(t, uint16(200), opts.JitHotThreshold)
	assert.Equal(t, uint16(300), opts.JitOsrThreshold)
	assert.Equal(t, uint16(5), opts.JitPriThreadWeight)
	assert.Equal(t, uint64(1<<20), opts.JitCodeCacheSize)
	assert.True(t, opts.UseJIT)

	opts, err = Parse([]string{"-Xint"}, noEnv)
	require.NoError(t, err)
	assert.False(t, opts.UseJIT)

	_, err = Parse([]string{"-Xjitthreshold:99999"}, noEnv)
	require.Error(t, err, "threshold above 16 bits")
}

func TestVerifyModes(t *testing.T) {
	for in, want := range map[string]VerifyMode{
		"none": VerifyNone, "remote": VerifyRemote,
		"all": VerifyAll, "softfail": VerifySoftFail,
	} {
		opts, err := Parse([]string{"-Xverify:" + in}, noEnv)
		require.NoError(t, err, in)
		assert.Equal(t, want, opts.Verify, in)
	}
	_, err := Parse([]string{"-Xverify:maybe"}, noEnv)
	require.Error(t, err)
}

func TestExperimentalAndUnknownOptions(t *testing.T) {
	opts, err := Parse([]string{"-Xexperimental:lambdas"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, []string{"lambdas"}, opts.Experimental)

	// Unknown -X options warn and continue; unknown plain options fail.
	opts, err = Parse([]string{"-Xnosuchthing", "-Xgc:concurrent"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "concurrent", opts.GC)

	_, err = Parse([]string{"--frobnicate"}, noEnv)
	require.Error(t, err)
}

func TestMainClassStopsOptionParsing(t *testing.T) {
	opts, err := Parse([]string{"-Xint", "com.app.Main", "-Xmx64m", "arg"}, noEnv)
	require.NoError(t, err)
	assert.False(t, opts.UseJIT)
	assert.Equal(t, []string{"com.app.Main", "-Xmx64m", "arg"}, opts.Args,
		"everything after the main class belongs to the program")
	assert.Zero(t, opts.HeapMax)
}
