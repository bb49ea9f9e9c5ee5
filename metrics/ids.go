// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/dexvm/dexrt/metrics"

// Runtime-internal counters and gauges. IDs are stable: dump consumers
// key on them, so new metrics append at the end.
const (
	IDInvalid MetricID = iota

	// IDMemMapCreated counts anonymous and file mappings created.
	IDMemMapCreated
	// IDMemMapDestroyed counts mappings torn down.
	IDMemMapDestroyed
	// IDLow4GBRetry counts cursor restarts of the low-4GB allocator.
	IDLow4GBRetry

	// IDJITCompileTask counts baseline compile tasks run.
	IDJITCompileTask
	// IDJITOsrTask counts OSR compile tasks run.
	IDJITOsrTask
	// IDJITOsrEntry counts frames switched into an OSR body.
	IDJITOsrEntry
	// IDJITCodeCacheBytes gauges the bytes charged to the code cache.
	IDJITCodeCacheBytes

	// IDDeoptimization counts frames materialized back to the interpreter.
	IDDeoptimization

	// IDProfileSave counts profile files written by the saver.
	IDProfileSave
	// IDProfileMergedMethods counts hot methods merged into profiles.
	IDProfileMergedMethods

	// IDOatOpened counts oat containers opened.
	IDOatOpened
	// IDCollisionCheck counts dex collision checks performed.
	IDCollisionCheck
	// IDCollisionHit counts collision checks that found a duplicate.
	IDCollisionHit

	IDMax
)

var defs = [...]MetricDef{
	{IDMemMapCreated, "memmap.created", "memory mappings created", MetricTypeCounter},
	{IDMemMapDestroyed, "memmap.destroyed", "memory mappings destroyed", MetricTypeCounter},
	{IDLow4GBRetry, "memmap.low4gb.retry", "low-4GB allocator cursor restarts", MetricTypeCounter},
	{IDJITCompileTask, "jit.compile", "baseline compile tasks run", MetricTypeCounter},
	{IDJITOsrTask, "jit.compile.osr", "OSR compile tasks run", MetricTypeCounter},
	{IDJITOsrEntry, "jit.osr.entry", "frames entered an OSR body", MetricTypeCounter},
	{IDJITCodeCacheBytes, "jit.codecache.bytes", "bytes charged to the code cache", MetricTypeGauge},
	{IDDeoptimization, "deopt.frames", "frames materialized back to the interpreter", MetricTypeCounter},
	{IDProfileSave, "profile.saves", "profile files written", MetricTypeCounter},
	{IDProfileMergedMethods, "profile.merged.methods", "hot methods merged into profiles", MetricTypeCounter},
	{IDOatOpened, "oat.opened", "oat containers opened", MetricTypeCounter},
	{IDCollisionCheck, "oat.collision.checks", "dex collision checks performed", MetricTypeCounter},
	{IDCollisionHit, "oat.collision.hits", "collision checks that found a duplicate", MetricTypeCounter},
}

// GetDefinitions returns the metric definitions table.
func GetDefinitions() []MetricDef {
	return defs[:]
}
