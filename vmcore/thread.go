// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ThreadState is the cooperative scheduling state of a mutator.
type ThreadState int32

const (
	ThreadRunnable ThreadState = iota
	ThreadSuspended
	ThreadNative
)

// Default managed frame depth before a stack overflow is raised, and the
// reserve released while the overflow error is being constructed.
const (
	DefaultFrameDepthLimit = 512
	StackOverflowReserve   = 64
)

// StackEntry is one frame of the managed stack: either an interpreter
// shadow frame or a compiled-code quick frame.
type StackEntry interface {
	FrameMethod() *Method
}

// FrameMethod implements StackEntry.
func (f *ShadowFrame) FrameMethod() *Method { return f.Method }

// QuickFrame is the execution core's view of one compiled-code frame:
// the synthetic native pc, the spill area and the register context the
// stack maps describe. Slot 0 of the spill area holds the artificial
// method pointer.
type QuickFrame struct {
	Code     *CompiledCode
	NativePC uint64

	Spill  []byte
	Regs   [32]uint64
	FpRegs [32]uint64

	// Parallel reference views: slot n of SpillRefs mirrors spill bytes
	// [8n, 8n+8), RegRefs mirrors Regs. The stack map's reference masks
	// say which view is authoritative for a given slot.
	SpillRefs []*Object
	RegRefs   [32]*Object

	// Set when instrumentation stubs replaced the return address.
	InstrumentationExitInstalled bool

	ID uint64
}

// FrameMethod implements StackEntry.
func (f *QuickFrame) FrameMethod() *Method { return f.Code.Method }

// NewQuickFrame allocates a quick frame for a compiled body at a native
// pc, with a spill area sized by the compiled frame.
func NewQuickFrame(cc *CompiledCode, nativePC uint64) *QuickFrame {
	size := cc.CodeInfo.FrameSizeBytes()
	return &QuickFrame{
		Code:      cc,
		NativePC:  nativePC,
		Spill:     make([]byte, size),
		SpillRefs: make([]*Object, (size+7)/8),
		ID:        nextFrameID.Add(1),
	}
}

// DeoptContext carries the shadow frames the unwinder materialized for
// EnterFromDeoptimize, plus the in-flight return value.
type DeoptContext struct {
	// Frames is the innermost frame; Link chains towards the caller.
	Frames   *ShadowFrame
	FromCode bool
	Value    JValue
}

var nextThreadID atomic.Uint32

// Thread is one mutator. All managed state on the thread (pending
// exception, frame stack, deopt stack) is owned by the thread itself;
// only the suspension machinery is cross-thread.
type Thread struct {
	ID   uint32
	Name string

	rt *Runtime

	exception *Object

	// Managed stack, bottom first.
	stack []StackEntry

	frameDepthLimit  int
	stackEndExtended bool

	deoptStack []*DeoptContext

	// Debugger-installed shadow frames keyed by quick frame ID; vreg
	// writes recorded here win over the stack map at deoptimization.
	debugFrames map[uint64]*ShadowFrame

	// JankSensitive marks UI-critical threads whose hotness samples are
	// weighted up.
	JankSensitive bool

	state        atomic.Int32
	suspendCount atomic.Int32
	parkMu       sync.Mutex
	parkCond     *sync.Cond

	checkpoints   []func(*Thread)
	checkpointsMu sync.Mutex
}

// NewThread creates a mutator registered with the runtime.
func NewThread(rt *Runtime, name string) *Thread {
	t := &Thread{
		ID:              nextThreadID.Add(1),
		Name:            name,
		rt:              rt,
		frameDepthLimit: DefaultFrameDepthLimit,
		debugFrames:     make(map[uint64]*ShadowFrame),
	}
	t.parkCond = sync.NewCond(&t.parkMu)
	if rt != nil {
		rt.registerThread(t)
	}
	return t
}

// Runtime returns the owning runtime.
func (t *Thread) Runtime() *Runtime { return t.rt }

// State returns the thread's scheduling state.
func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }

// SetState moves the thread between runnable/suspended/native scopes.
func (t *Thread) SetState(s ThreadState) { t.state.Store(int32(s)) }

// Exception returns the pending exception, nil if none.
func (t *Thread) Exception() *Object { return t.exception }

// HasException reports whether an exception is pending.
func (t *Thread) HasException() bool { return t.exception != nil }

// SetException installs a pending exception, replacing any previous one.
func (t *Thread) SetException(e *Object) { t.exception = e }

// ClearException removes the pending exception and returns it.
func (t *Thread) ClearException() *Object {
	e := t.exception
	t.exception = nil
	return e
}

// PushFrame pushes a stack entry. Returns false when the push would
// exceed the frame depth limit; the caller raises the stack overflow.
func (t *Thread) PushFrame(e StackEntry) bool {
	if len(t.stack) >= t.frameDepthLimit {
		return false
	}
	t.stack = append(t.stack, e)
	return true
}

// PopFrame removes the topmost stack entry.
func (t *Thread) PopFrame() StackEntry {
	n := len(t.stack)
	if n == 0 {
		return nil
	}
	e := t.stack[n-1]
	t.stack[n-1] = nil
	t.stack = t.stack[:n-1]
	return e
}

// TopFrame returns the topmost stack entry, nil on an empty stack.
func (t *Thread) TopFrame() StackEntry {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// FrameAt returns the stack entry at depth i from the top (0 = top).
func (t *Thread) FrameAt(i int) StackEntry {
	idx := len(t.stack) - 1 - i
	if idx < 0 {
		return nil
	}
	return t.stack[idx]
}

// FrameCount returns the managed stack depth.
func (t *Thread) FrameCount() int { return len(t.stack) }

// TruncateStack pops frames until depth remain. The unwinder uses it to
// jump to a handler frame.
func (t *Thread) TruncateStack(depth int) {
	for i := depth; i < len(t.stack); i++ {
		t.stack[i] = nil
	}
	t.stack = t.stack[:depth]
}

// ExtendStackForOverflow temporarily lifts the frame depth limit so the
// stack overflow error can be constructed without user code.
func (t *Thread) ExtendStackForOverflow() {
	if !t.stackEndExtended {
		t.frameDepthLimit += StackOverflowReserve
		t.stackEndExtended = true
	}
}

// ResetStackEnd restores the normal frame limit and re-arms the implicit
// overflow guard after the overflow error has been thrown.
func (t *Thread) ResetStackEnd() {
	if t.stackEndExtended {
		t.frameDepthLimit -= StackOverflowReserve
		t.stackEndExtended = false
	}
}

// StackEndExtended reports whether the overflow reserve is in use.
func (t *Thread) StackEndExtended() bool { return t.stackEndExtended }

// PushDeoptContext stores shadow frames the unwinder materialized.
func (t *Thread) PushDeoptContext(ctx *DeoptContext) {
	t.deoptStack = append(t.deoptStack, ctx)
}

// PopDeoptContext removes and returns the latest deoptimization context.
func (t *Thread) PopDeoptContext() *DeoptContext {
	n := len(t.deoptStack)
	if n == 0 {
		return nil
	}
	ctx := t.deoptStack[n-1]
	t.deoptStack = t.deoptStack[:n-1]
	return ctx
}

// SetDebugShadowFrame installs debugger vreg writes for a frame ID.
func (t *Thread) SetDebugShadowFrame(frameID uint64, f *ShadowFrame) {
	t.debugFrames[frameID] = f
}

// DebugShadowFrame returns the debugger frame for a frame ID, nil if none.
func (t *Thread) DebugShadowFrame(frameID uint64) *ShadowFrame {
	return t.debugFrames[frameID]
}

// RemoveDebugShadowFrame deallocates the debugger frame for a frame ID.
func (t *Thread) RemoveDebugShadowFrame(frameID uint64) {
	delete(t.debugFrames, frameID)
}

// RequestCheckpoint schedules a function to run at the thread's next
// safepoint.
func (t *Thread) RequestCheckpoint(fn func(*Thread)) {
	t.checkpointsMu.Lock()
	t.checkpoints = append(t.checkpoints, fn)
	t.checkpointsMu.Unlock()
}

// CheckSuspend is the safepoint poll: run pending checkpoints, then park
// while a suspend-all is in force. The interpreter calls this at method
// entry and at every backward branch.
func (t *Thread) CheckSuspend() {
	t.runCheckpoints()
	if t.suspendCount.Load() == 0 {
		return
	}
	t.parkMu.Lock()
	t.SetState(ThreadSuspended)
	if t.rt != nil {
		t.rt.noteThreadParked()
	}
	for t.suspendCount.Load() > 0 {
		t.parkCond.Wait()
	}
	t.SetState(ThreadRunnable)
	t.parkMu.Unlock()
}

func (t *Thread) runCheckpoints() {
	t.checkpointsMu.Lock()
	pending := t.checkpoints
	t.checkpoints = nil
	t.checkpointsMu.Unlock()
	for _, fn := range pending {
		fn(t)
	}
}

func (t *Thread) requestSuspend() { t.suspendCount.Add(1) }

func (t *Thread) resume() {
	if t.suspendCount.Add(-1) < 0 {
		log.Fatalf("thread %d: resume without matching suspend", t.ID)
	}
	t.parkMu.Lock()
	t.parkCond.Broadcast()
	t.parkMu.Unlock()
}

// VisitRoots reports every reference reachable from the thread: pending
// exception, shadow frame registers, deopt contexts.
func (t *Thread) VisitRoots(visit func(**Object)) {
	if t.exception != nil {
		visit(&t.exception)
	}
	for _, e := range t.stack {
		if sf, ok := e.(*ShadowFrame); ok {
			sf.VisitRoots(visit)
		}
	}
	for _, ctx := range t.deoptStack {
		for f := ctx.Frames; f != nil; f = f.Link {
			f.VisitRoots(visit)
		}
		if ctx.Value.Ref != nil {
			visit(&ctx.Value.Ref)
		}
	}
}
