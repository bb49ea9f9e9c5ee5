// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwind walks the managed stack when control leaves a frame
// abnormally: it locates the catch handler for a pending exception and
// it materializes interpreter shadow frames out of compiled frames for
// deoptimization. Both walkers read the quick-frame state exactly as
// compiled code publishes it at safepoints, through the stack maps.
package unwind // import "github.com/dexvm/dexrt/unwind"

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/stackmap"
	"github.com/dexvm/dexrt/txnlog"
	"github.com/dexvm/dexrt/vmcore"
)

// InterpreterBridgePC is the synthetic entry point of the
// compile-to-interpreter bridge. Deoptimized frames resume through it.
const InterpreterBridgePC = uint64(0xb1d6e000)

// Handler is where a pending exception lands: the frame, the handler
// dex-pc and, for compiled handler frames, the native pc of the handler
// entry.
type Handler struct {
	// Depth is the handler frame's distance from the top of the stack;
	// -1 when no managed frame catches and the exception escapes to the
	// upcall entry.
	Depth    int
	Frame    vmcore.StackEntry
	DexPC    dex.PC
	NativePC uint64

	// Cleared is set when the matching catch arm was (Throwable) and the
	// pending exception was consumed during the search.
	Cleared bool
}

// Upcall reports whether no managed frame handles the exception.
func (h Handler) Upcall() bool { return h.Depth < 0 }

// Unwinder implements the two stack walkers.
type Unwinder struct {
	linker *vmcore.Linker
	instr  *vmcore.Instrumentation
}

// New creates an unwinder bound to the runtime's instrumentation.
func New(rt *vmcore.Runtime, linker *vmcore.Linker) *Unwinder {
	return &Unwinder{linker: linker, instr: rt.Instrumentation()}
}

// FindCatch walks the stack from the top looking for a handler matching
// the pending exception. The walk does not modify the stack; the
// exception is only consumed when the matching catch arm is (Throwable).
// The transaction abort sentinel matches nothing and goes straight to
// the upcall.
func (u *Unwinder) FindCatch(t *vmcore.Thread) Handler {
	exc := t.Exception()
	if exc == nil {
		log.Fatalf("unwind: catch search on thread %d without a pending exception", t.ID)
	}
	if exc.Class().Descriptor == txnlog.AbortDescriptor {
		return Handler{Depth: -1}
	}

	for i := 0; i < t.FrameCount(); i++ {
		entry := t.FrameAt(i)
		m := entry.FrameMethod()
		if m.IsNative() || m.IsSynthetic() || m.Code == nil {
			continue
		}
		pc, ok := framePC(entry)
		if !ok {
			continue
		}
		if h, ok := u.matchFrame(t, entry, m, pc, i, exc); ok {
			return h
		}
		if qf, isQuick := entry.(*vmcore.QuickFrame); isQuick {
			// The debugger's vreg writes die with the frame they target.
			if t.DebugShadowFrame(qf.ID) != nil {
				t.RemoveDebugShadowFrame(qf.ID)
			}
		}
	}
	return Handler{Depth: -1}
}

// matchFrame checks one frame's try table at pc against the exception
// class hierarchy.
func (u *Unwinder) matchFrame(t *vmcore.Thread, entry vmcore.StackEntry,
	m *vmcore.Method, pc dex.PC, depth int, exc *vmcore.Object) (Handler, bool) {
	try := m.Code.TriesAt(pc)
	if try == nil {
		return Handler{}, false
	}
	df := m.DeclaringClass.DexFile
	for _, arm := range try.Handlers {
		var c *vmcore.Class
		if df != nil {
			c = u.linker.FindClass(df.TypeDescriptor(arm.TypeIdx),
				m.DeclaringClass.Loader)
		}
		if c == nil {
			log.Warnf("catch type #%d unresolved in %s, skipping handler",
				arm.TypeIdx, m.PrettyName())
			continue
		}
		if !c.IsAssignableFrom(exc.Class()) {
			continue
		}
		h, ok := u.handlerAt(entry, depth, arm.HandlerPC)
		if !ok {
			continue
		}
		if c.Descriptor == vmcore.DescThrowable {
			t.ClearException()
			h.Cleared = true
		}
		return h, true
	}
	if try.CatchAll != dex.NoPC {
		if h, ok := u.handlerAt(entry, depth, try.CatchAll); ok {
			return h, true
		}
	}
	return Handler{}, false
}

// handlerAt builds the handler record, mapping the handler dex-pc to a
// native pc when the frame is compiled.
func (u *Unwinder) handlerAt(entry vmcore.StackEntry, depth int,
	pc dex.PC) (Handler, bool) {
	h := Handler{Depth: depth, Frame: entry, DexPC: pc}
	if qf, ok := entry.(*vmcore.QuickFrame); ok {
		cur, found := qf.Code.CodeInfo.FindDexPC(pc)
		if !found {
			log.Warnf("no native code for handler at pc %d in %s",
				pc, qf.Code.Method.PrettyName())
			return Handler{}, false
		}
		h.NativePC = qf.Code.CodeBase + uint64(cur.NativePCOffset())
	}
	return h, true
}

// DeliverException finds the handler for the pending exception, pops the
// frames above it (running the instrumentation pop hook for each quick
// frame whose return address carries an exit stub) and prepares the
// handler frame for resumption. For a compiled handler the catch-phi
// slots are filled from the throw-site map before the native pc moves.
func (u *Unwinder) DeliverException(t *vmcore.Thread) Handler {
	h := u.FindCatch(t)

	popped := t.FrameCount()
	if !h.Upcall() {
		popped = h.Depth
	}
	for i := 0; i < popped; i++ {
		if qf, ok := t.FrameAt(i).(*vmcore.QuickFrame); ok {
			u.instr.PopFrameForUnwind(t, qf)
		}
	}
	t.TruncateStack(t.FrameCount() - popped)

	switch f := h.Frame.(type) {
	case *vmcore.ShadowFrame:
		f.DexPC = h.DexPC
	case *vmcore.QuickFrame:
		u.transferCatchPhis(f, h.DexPC)
		f.NativePC = h.NativePC
	}
	return h
}

// transferCatchPhis fills the handler's expected in-stack slots from the
// throw-site register state. Slots whose throw-site location is None
// keep their current contents.
func (u *Unwinder) transferCatchPhis(qf *vmcore.QuickFrame, handlerPC dex.PC) {
	ci := qf.Code.CodeInfo
	catchCur, ok := ci.FindCatchDexPC(handlerPC)
	if !ok {
		return
	}
	throwCur, ok := ci.FindNativePC(qf.Code.PCOffset(qf.NativePC))
	if !ok {
		log.Fatalf("throw site %#x in %s has no stack map",
			qf.NativePC, qf.Code.Method.PrettyName())
	}
	for vreg := 0; vreg < ci.NumVRegs(); vreg++ {
		tgt := catchCur.Location(vreg)
		if tgt.Kind != stackmap.KindInStack {
			continue
		}
		src := throwCur.Location(vreg)
		if src.Kind == stackmap.KindNone {
			continue
		}
		word, ref := readLocation(qf, throwCur, src)
		if int(tgt.Value)+8 <= len(qf.Spill) {
			binary.LittleEndian.PutUint64(qf.Spill[tgt.Value:], word)
		}
		if slot := int(tgt.Value) / 8; slot < len(qf.SpillRefs) {
			qf.SpillRefs[slot] = ref
		}
	}
}

// readLocation materializes one vreg from wherever the throw-site map
// says it lives.
func readLocation(qf *vmcore.QuickFrame, cur stackmap.Cursor,
	loc stackmap.Location) (uint64, *vmcore.Object) {
	switch loc.Kind {
	case stackmap.KindConstant:
		return uint64(uint32(loc.Value)), nil
	case stackmap.KindInStack:
		var word uint64
		if int(loc.Value)+8 <= len(qf.Spill) {
			word = binary.LittleEndian.Uint64(qf.Spill[loc.Value:])
		}
		var ref *vmcore.Object
		if cur.StackSlotIsRef(loc.Value) {
			if slot := int(loc.Value) / 8; slot < len(qf.SpillRefs) {
				ref = qf.SpillRefs[slot]
			}
		}
		return word, ref
	case stackmap.KindInRegister:
		var ref *vmcore.Object
		if cur.RegisterIsRef(loc.Value) {
			ref = qf.RegRefs[loc.Value]
		}
		return qf.Regs[loc.Value], ref
	case stackmap.KindInRegisterHigh:
		return qf.Regs[loc.Value] >> 32, nil
	case stackmap.KindInFpuRegister:
		return qf.FpRegs[loc.Value], nil
	case stackmap.KindInFpuRegisterHigh:
		return qf.FpRegs[loc.Value] >> 32, nil
	}
	return 0, nil
}

// Deoptimize converts the run of compiled frames on top of the stack
// back into shadow frames, chained innermost first, and pushes the
// result onto the thread's deoptimization stack. value carries the
// in-flight return value when the deopt happens at an invoke return.
func (u *Unwinder) Deoptimize(t *vmcore.Thread, value vmcore.JValue,
	fromCode bool) *vmcore.DeoptContext {
	var head, tail *vmcore.ShadowFrame
	for {
		qf, ok := t.TopFrame().(*vmcore.QuickFrame)
		if !ok {
			break
		}
		sf := u.materializeFrame(t, qf)
		if head == nil {
			head = sf
		} else {
			tail.Link = sf
		}
		tail = sf
		t.PopFrame()
	}
	if head == nil {
		return nil
	}
	ctx := &vmcore.DeoptContext{Frames: head, FromCode: fromCode, Value: value}
	t.PushDeoptContext(ctx)
	return ctx
}

// SingleFrameDeopt is the bookkeeping of a one-frame deoptimization:
// the context to hand to the interpreter, the compiled body the JIT
// controller must invalidate, and the pc to resume through.
type SingleFrameDeopt struct {
	Ctx  *vmcore.DeoptContext
	Body *vmcore.CompiledCode

	// ResumePC sits one unit below the bridge entry. It is stored where
	// a return address lives, and return addresses point past their call
	// site; without the adjustment a later walk of the caller frame
	// would attribute it to whatever follows the bridge.
	ResumePC uint64
}

// DeoptimizeSingleFrame converts only the topmost compiled frame and
// records its body for invalidation.
func (u *Unwinder) DeoptimizeSingleFrame(t *vmcore.Thread, value vmcore.JValue,
	fromCode bool) (SingleFrameDeopt, bool) {
	qf, ok := t.TopFrame().(*vmcore.QuickFrame)
	if !ok {
		return SingleFrameDeopt{}, false
	}
	sf := u.materializeFrame(t, qf)
	t.PopFrame()
	ctx := &vmcore.DeoptContext{Frames: sf, FromCode: fromCode, Value: value}
	t.PushDeoptContext(ctx)
	return SingleFrameDeopt{
		Ctx:      ctx,
		Body:     qf.Code,
		ResumePC: InterpreterBridgePC - 1,
	}, true
}

// materializeFrame builds a shadow frame out of a quick frame's
// published state. Debugger-written vregs for the frame win over the
// stack map and are consumed in the process.
func (u *Unwinder) materializeFrame(t *vmcore.Thread,
	qf *vmcore.QuickFrame) *vmcore.ShadowFrame {
	cc := qf.Code
	cur, ok := cc.CodeInfo.FindNativePC(cc.PCOffset(qf.NativePC))
	if !ok {
		log.Fatalf("deoptimizing %s at pc %#x with no stack map",
			cc.Method.PrettyName(), qf.NativePC)
	}
	metrics.Add(metrics.IDDeoptimization, 1)
	m := cc.Method
	sf := vmcore.NewShadowFrame(m, m.NumRegs())
	sf.DexPC = cur.DexPC()

	for vreg := 0; vreg < cc.CodeInfo.NumVRegs(); vreg++ {
		loc := cur.Location(vreg)
		if loc.Kind == stackmap.KindNone {
			continue
		}
		word, ref := readLocation(qf, cur, loc)
		isRef := ref != nil
		switch loc.Kind {
		case stackmap.KindConstant:
			// A zero constant may be a null reference; both views of the
			// register file read the same either way.
			isRef = loc.Value == 0
		case stackmap.KindInStack:
			isRef = cur.StackSlotIsRef(loc.Value)
		case stackmap.KindInRegister:
			isRef = cur.RegisterIsRef(loc.Value)
		}
		if isRef {
			sf.SetVRegRef(int32(vreg), ref)
		} else {
			sf.SetVReg(int32(vreg), uint32(word))
		}
	}

	if dbg := t.DebugShadowFrame(qf.ID); dbg != nil {
		n := dbg.NumRegs()
		if sf.NumRegs() < n {
			n = sf.NumRegs()
		}
		for i := int32(0); i < int32(n); i++ {
			if ref := dbg.GetVRegRef(i); ref != nil {
				sf.SetVRegRef(i, ref)
			} else {
				sf.SetVReg(i, dbg.GetVReg(i))
			}
		}
		t.RemoveDebugShadowFrame(qf.ID)
	}
	return sf
}

// framePC recovers the bytecode position of a stack entry: shadow frames
// carry it directly, compiled frames map their native pc back through
// the stack map.
func framePC(entry vmcore.StackEntry) (dex.PC, bool) {
	switch f := entry.(type) {
	case *vmcore.ShadowFrame:
		return f.DexPC, true
	case *vmcore.QuickFrame:
		cur, ok := f.Code.CodeInfo.FindNativePC(f.Code.PCOffset(f.NativePC))
		if !ok {
			return 0, false
		}
		return cur.DexPC(), true
	}
	return 0, false
}
