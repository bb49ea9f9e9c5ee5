// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"sync"
	"sync/atomic"

	"github.com/dexvm/dexrt/dex"
)

// InstrumentationLevel selects how intrusively execution is observed.
type InstrumentationLevel int32

const (
	// InstrumentNothing runs compiled code and the fast interpreter.
	InstrumentNothing InstrumentationLevel = iota
	// InstrumentWithStubs installs entry/exit stubs on compiled frames.
	InstrumentWithStubs
	// InstrumentInterpretOnly forces every method into the interpreter's
	// switch dispatch.
	InstrumentInterpretOnly
)

// InstrumentationListener receives execution events while listeners are
// installed. Implementations must not throw.
type InstrumentationListener interface {
	MethodEntered(t *Thread, m *Method)
	MethodExited(t *Thread, m *Method, ret JValue)
	MethodUnwound(t *Thread, m *Method)
	DexPCMoved(t *Thread, m *Method, pc dex.PC)
	ExceptionThrown(t *Thread, e *Object)
}

// Instrumentation is the runtime's event switchboard. Levels only ever
// ratchet to the strictest requested level; removing a requester drops
// back.
type Instrumentation struct {
	level atomic.Int32

	mu        sync.Mutex
	listeners []InstrumentationListener

	haveEntryListener atomic.Bool
	haveExitListener  atomic.Bool
	haveDexPCListener atomic.Bool
	haveThrowListener atomic.Bool

	// Frames with an exit stub installed that the unwinder popped; the
	// stub bookkeeping must be popped in lockstep.
	framesPoppedForUnwind atomic.Uint64
}

// Level returns the current instrumentation level.
func (in *Instrumentation) Level() InstrumentationLevel {
	return InstrumentationLevel(in.level.Load())
}

// RequireLevel raises the level; lower requests are ignored.
func (in *Instrumentation) RequireLevel(l InstrumentationLevel) {
	for {
		cur := in.level.Load()
		if cur >= int32(l) || in.level.CompareAndSwap(cur, int32(l)) {
			return
		}
	}
}

// SetLevel forces a level, used when the last requester goes away.
func (in *Instrumentation) SetLevel(l InstrumentationLevel) {
	in.level.Store(int32(l))
}

// InterpretOnly reports whether compiled entry points must be bypassed.
func (in *Instrumentation) InterpretOnly() bool {
	return in.Level() >= InstrumentInterpretOnly
}

// EntryExitStubsInstalled reports whether compiled frames carry stubs.
func (in *Instrumentation) EntryExitStubsInstalled() bool {
	return in.Level() >= InstrumentWithStubs
}

// AddListener installs a listener and records which events it needs so
// the hot paths can skip dispatch cheaply.
func (in *Instrumentation) AddListener(l InstrumentationListener) {
	in.mu.Lock()
	in.listeners = append(in.listeners, l)
	in.mu.Unlock()
	in.haveEntryListener.Store(true)
	in.haveExitListener.Store(true)
	in.haveDexPCListener.Store(true)
	in.haveThrowListener.Store(true)
}

// RemoveListener drops a listener.
func (in *Instrumentation) RemoveListener(l InstrumentationListener) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i, other := range in.listeners {
		if other == l {
			in.listeners = append(in.listeners[:i], in.listeners[i+1:]...)
			break
		}
	}
	if len(in.listeners) == 0 {
		in.haveEntryListener.Store(false)
		in.haveExitListener.Store(false)
		in.haveDexPCListener.Store(false)
		in.haveThrowListener.Store(false)
	}
}

// HasMethodEntryListeners gates the method-entry event dispatch.
func (in *Instrumentation) HasMethodEntryListeners() bool {
	return in.haveEntryListener.Load()
}

// HasMethodExitListeners gates the method-exit event dispatch.
func (in *Instrumentation) HasMethodExitListeners() bool {
	return in.haveExitListener.Load()
}

// HasDexPCListeners gates the per-instruction event dispatch.
func (in *Instrumentation) HasDexPCListeners() bool {
	return in.haveDexPCListener.Load()
}

// HasExceptionThrownListeners gates the throw event dispatch.
func (in *Instrumentation) HasExceptionThrownListeners() bool {
	return in.haveThrowListener.Load()
}

func (in *Instrumentation) snapshot() []InstrumentationListener {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]InstrumentationListener, len(in.listeners))
	copy(out, in.listeners)
	return out
}

// MethodEnterEvent dispatches a method-entry event.
func (in *Instrumentation) MethodEnterEvent(t *Thread, m *Method) {
	for _, l := range in.snapshot() {
		l.MethodEntered(t, m)
	}
}

// MethodExitEvent dispatches a method-exit event with the return value.
func (in *Instrumentation) MethodExitEvent(t *Thread, m *Method, ret JValue) {
	for _, l := range in.snapshot() {
		l.MethodExited(t, m, ret)
	}
}

// MethodUnwindEvent dispatches when an exception pops a frame without a
// normal return.
func (in *Instrumentation) MethodUnwindEvent(t *Thread, m *Method) {
	for _, l := range in.snapshot() {
		l.MethodUnwound(t, m)
	}
}

// DexPCMovedEvent dispatches a per-instruction event.
func (in *Instrumentation) DexPCMovedEvent(t *Thread, m *Method, pc dex.PC) {
	for _, l := range in.snapshot() {
		l.DexPCMoved(t, m, pc)
	}
}

// ExceptionThrownEvent dispatches the throw event.
func (in *Instrumentation) ExceptionThrownEvent(t *Thread, e *Object) {
	for _, l := range in.snapshot() {
		l.ExceptionThrown(t, e)
	}
}

// PopFrameForUnwind records that the unwinder discarded a compiled frame
// whose return address the exit stub had replaced. The stub stack must
// shrink in lockstep with the machine stack or later returns would jump
// into stale bookkeeping.
func (in *Instrumentation) PopFrameForUnwind(t *Thread, f *QuickFrame) {
	if !f.InstrumentationExitInstalled {
		return
	}
	f.InstrumentationExitInstalled = false
	in.framesPoppedForUnwind.Add(1)
	in.MethodUnwindEvent(t, f.Code.Method)
}

// FramesPoppedForUnwind returns the lifetime count of stub frames the
// unwinder discarded.
func (in *Instrumentation) FramesPoppedForUnwind() uint64 {
	return in.framesPoppedForUnwind.Load()
}
