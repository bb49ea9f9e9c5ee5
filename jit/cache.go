// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package jit // import "github.com/dexvm/dexrt/jit"

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/memmap"
	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/vmcore"
)

// codeCache accounts published bodies against a fixed mapped region.
// The region sits below 4GB like the code it stands in for; the map
// data itself stays on the Go heap and only its size is charged.
type codeCache struct {
	region *memmap.MemMap

	mu    sync.Mutex
	used  uintptr
	sizes map[*vmcore.CompiledCode]uintptr
}

func newCodeCache(capacity uintptr) (*codeCache, error) {
	region, err := memmap.MapAnonymous("jit-code-cache", 0, capacity,
		memmap.ProtRead|memmap.ProtWrite, true, false)
	if err != nil {
		return nil, fmt.Errorf("jit: reserving code cache: %w", err)
	}
	log.Debugf("jit: code cache at %#x, %d bytes", region.Begin(), region.Size())
	return &codeCache{
		region: region,
		sizes:  make(map[*vmcore.CompiledCode]uintptr),
	}, nil
}

// compile builds a body for the method and charges it to the region,
// evicting invalidated bodies when the region is full.
func (cc *codeCache) compile(m *vmcore.Method, osr bool) (*vmcore.CompiledCode, error) {
	body, size, err := compileMethod(m, osr)
	if err != nil {
		return nil, err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.used+size > cc.region.Size() {
		cc.collectLocked()
	}
	if cc.used+size > cc.region.Size() {
		return nil, fmt.Errorf("code cache full: %d of %d bytes used, need %d",
			cc.used, cc.region.Size(), size)
	}
	cc.used += size
	cc.sizes[body] = size
	metrics.Add(metrics.IDJITCodeCacheBytes, metrics.MetricValue(cc.used))
	return body, nil
}

// collectLocked drops every invalidated body's charge.
func (cc *codeCache) collectLocked() {
	for body, size := range cc.sizes {
		if body.IsDeoptimized() {
			cc.used -= size
			delete(cc.sizes, body)
		}
	}
}

// invalidate marks a body unusable and unpublishes it from its method.
func (cc *codeCache) invalidate(body *vmcore.CompiledCode) {
	body.MarkDeoptimized()
	m := body.Method
	if m.EntryPoint() == body {
		m.SetEntryPoint(nil)
	}
	if m.OsrCode() == body {
		m.SetOsrCode(nil)
	}
}

func (cc *codeCache) destroy() {
	cc.region.Destroy()
}
