// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"sync"
	"sync/atomic"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/stackmap"
)

// MaxHotnessCount is the saturation value of the 16-bit hotness counter.
const MaxHotnessCount = 0xffff

// NativeFunc is the native-invoke contract: native methods without a
// compiled bridge receive the receiver and the flattened argument words
// and return a result word and/or result reference.
type NativeFunc func(t *Thread, receiver *Object, args []uint64, argRefs []*Object) JValue

// Method is the metadata record for one method.
type Method struct {
	DeclaringClass *Class
	Flags          AccessFlags
	Name           string
	Shorty         string
	DexIndex       dex.MethodIndex

	// Code is nil for native and abstract methods.
	Code *dex.CodeItem

	// Native is the bound implementation for native methods.
	Native NativeFunc

	// Compiled entry point. Published with a release store by the JIT,
	// read with an acquire load on the interpreter's method-entry check.
	entryPoint atomic.Pointer[CompiledCode]
	osrCode    atomic.Pointer[CompiledCode]

	hotness       atomic.Uint32
	profilingInfo atomic.Pointer[ProfilingInfo]

	// Set while a breakpoint or full-deopt forces interpretation.
	forceInterpreter atomic.Bool
}

// IsStatic reports whether the method is static.
func (m *Method) IsStatic() bool { return m.Flags&AccStatic != 0 }

// IsNative reports whether the method is native.
func (m *Method) IsNative() bool { return m.Flags&AccNative != 0 }

// IsAbstract reports whether the method is abstract.
func (m *Method) IsAbstract() bool { return m.Flags&AccAbstract != 0 }

// IsSynchronized reports whether invocation takes the receiver monitor.
func (m *Method) IsSynchronized() bool { return m.Flags&AccSynchronized != 0 }

// IsSynthetic reports whether the compiler generated the method.
func (m *Method) IsSynthetic() bool { return m.Flags&AccSynthetic != 0 }

// IsConstructor reports whether the method is <init> or <clinit>.
func (m *Method) IsConstructor() bool { return m.Flags&AccConstructor != 0 }

// IsClassInitializer reports whether the method is <clinit>.
func (m *Method) IsClassInitializer() bool {
	return m.IsConstructor() && m.IsStatic()
}

// IsCompilable reports whether the JIT may pick the method up.
func (m *Method) IsCompilable() bool {
	return !m.IsNative() && !m.IsAbstract() && m.Code != nil
}

// NumRegs returns the method's virtual register count.
func (m *Method) NumRegs() uint16 {
	if m.Code == nil {
		return 0
	}
	return m.Code.RegistersSize
}

// NumIns returns the incoming argument register count.
func (m *Method) NumIns() uint16 {
	if m.Code == nil {
		return 0
	}
	return m.Code.InsSize
}

// HotnessCount returns the current hotness counter value.
func (m *Method) HotnessCount() uint16 { return uint16(m.hotness.Load()) }

// SetHotnessCount stores the hotness counter. Plain atomic store: the
// counter tolerates lost updates because compile enqueueing is
// idempotent.
func (m *Method) SetHotnessCount(v uint16) { m.hotness.Store(uint32(v)) }

// EntryPoint returns the compiled entry point, or nil while the method
// executes in the interpreter. Acquire load.
func (m *Method) EntryPoint() *CompiledCode { return m.entryPoint.Load() }

// SetEntryPoint publishes compiled code (release store), or nil to send
// the method back to the interpreter bridge.
func (m *Method) SetEntryPoint(cc *CompiledCode) { m.entryPoint.Store(cc) }

// OsrCode returns the on-stack-replacement body, if any.
func (m *Method) OsrCode() *CompiledCode { return m.osrCode.Load() }

// SetOsrCode publishes an OSR body.
func (m *Method) SetOsrCode(cc *CompiledCode) { m.osrCode.Store(cc) }

// ProfilingInfo returns the method's profiling info, nil until warm.
func (m *Method) ProfilingInfo() *ProfilingInfo { return m.profilingInfo.Load() }

// SwapProfilingInfo installs profiling info if none is present yet and
// returns the winner.
func (m *Method) SwapProfilingInfo(pi *ProfilingInfo) *ProfilingInfo {
	if m.profilingInfo.CompareAndSwap(nil, pi) {
		return pi
	}
	return m.profilingInfo.Load()
}

// ForceInterpreter returns whether a breakpoint or deoptimization pins
// the method to the interpreter.
func (m *Method) ForceInterpreter() bool { return m.forceInterpreter.Load() }

// SetForceInterpreter pins or unpins the method.
func (m *Method) SetForceInterpreter(v bool) { m.forceInterpreter.Store(v) }

// PrettyName returns "ClassName.methodName" for diagnostics.
func (m *Method) PrettyName() string {
	if m.DeclaringClass == nil {
		return m.Name
	}
	return m.DeclaringClass.PrettyName() + "." + m.Name
}

// NumArgWords returns the argument register count derived from the
// shorty: one word per argument, two for J/D, plus the receiver for
// non-static methods.
func (m *Method) NumArgWords() int {
	n := 0
	if !m.IsStatic() {
		n++
	}
	for _, c := range m.Shorty[1:] {
		if c == 'J' || c == 'D' {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// nextCodeBase hands out fake native code base addresses so simulated
// native pcs stay globally unique and mappable back to their method.
var nextCodeBase atomic.Uint64

// CompiledCode is the execution core's view of one JIT-compiled body.
// No real machine code exists; the code base is a synthetic address and
// execution of "native" frames is driven through the stack maps.
type CompiledCode struct {
	Method   *Method
	CodeInfo *stackmap.CodeInfo
	IsOsr    bool

	// CodeBase is the synthetic start address of the body.
	CodeBase uint64

	deoptimized atomic.Bool
}

// NewCompiledCode wraps a stack map table as a compiled body.
func NewCompiledCode(m *Method, ci *stackmap.CodeInfo, isOsr bool) *CompiledCode {
	return &CompiledCode{
		Method:   m,
		CodeInfo: ci,
		IsOsr:    isOsr,
		CodeBase: nextCodeBase.Add(0x10000),
	}
}

// Contains reports whether the synthetic pc falls inside this body.
func (cc *CompiledCode) Contains(nativePC uint64) bool {
	return nativePC >= cc.CodeBase && nativePC < cc.CodeBase+0x10000
}

// PCOffset converts an absolute synthetic pc to a code offset.
func (cc *CompiledCode) PCOffset(nativePC uint64) uint32 {
	return uint32(nativePC - cc.CodeBase)
}

// MarkDeoptimized flags the body as invalidated; the interpreter will not
// enter it again.
func (cc *CompiledCode) MarkDeoptimized() { cc.deoptimized.Store(true) }

// IsDeoptimized reports whether the body was invalidated.
func (cc *CompiledCode) IsDeoptimized() bool { return cc.deoptimized.Load() }

// InlineCacheSize is the receiver class capacity of one inline cache
// entry; more distinct receivers make the site megamorphic.
const InlineCacheSize = 5

// InlineCache records the receiver classes observed at one invoke site.
type InlineCache struct {
	DexPC   dex.PC
	mu      sync.Mutex
	Classes [InlineCacheSize]*Class
}

// AddReceiver records a receiver class, dropping it when the cache is
// already megamorphic.
func (ic *InlineCache) AddReceiver(k *Class) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i, c := range ic.Classes {
		if c == k {
			return
		}
		if c == nil {
			ic.Classes[i] = k
			return
		}
	}
}

// ProfilingInfo is the per-method profiling record, allocated the first
// time the method crosses the warm threshold.
type ProfilingInfo struct {
	Method *Method

	// SavedEntryPoint keeps the compiled entry point across a
	// full-deopt/instrumentation cycle.
	SavedEntryPoint *CompiledCode

	caches []*InlineCache
}

// NewProfilingInfo creates profiling info with inline caches for every
// virtual/interface invoke site of the method.
func NewProfilingInfo(m *Method) *ProfilingInfo {
	pi := &ProfilingInfo{Method: m}
	if m.Code == nil {
		return pi
	}
	insns := m.Code.Insns
	for pc := dex.PC(0); int(pc) < len(insns); {
		in := dex.At(insns, pc)
		switch in.Opcode() {
		case dex.OpInvokeVirtual, dex.OpInvokeVirtualRange,
			dex.OpInvokeInterface, dex.OpInvokeInterfaceRange,
			dex.OpInvokeVirtualQuick, dex.OpInvokeVirtualRangeQuick:
			pi.caches = append(pi.caches, &InlineCache{DexPC: pc})
		}
		pc = in.Next(pc)
	}
	return pi
}

// CacheAt returns the inline cache for an invoke site, or nil.
func (pi *ProfilingInfo) CacheAt(pc dex.PC) *InlineCache {
	for _, ic := range pi.caches {
		if ic.DexPC == pc {
			return ic
		}
	}
	return nil
}

// VisitRoots reports the receiver classes observed in the inline caches.
// They keep the classes alive while profile data references them.
func (pi *ProfilingInfo) VisitRoots(visit func(*Class)) {
	for _, ic := range pi.caches {
		ic.mu.Lock()
		for _, k := range ic.Classes {
			if k != nil {
				visit(k)
			}
		}
		ic.mu.Unlock()
	}
}
