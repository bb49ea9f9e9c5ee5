// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package interpreter // import "github.com/dexvm/dexrt/interpreter"

import (
	"encoding/binary"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/stackmap"
	"github.com/dexvm/dexrt/vmcore"
)

// executeCompiled simulates running a method through its compiled body.
// No machine code exists: the bytecode still drives execution, but the
// frame on the thread stack is a quick frame whose native pc, spill area
// and register context track the stack maps. The unwinder and the
// deoptimization walkers consume exactly that state.
func (ip *Interpreter) executeCompiled(t *vmcore.Thread, cc *vmcore.CompiledCode,
	f *vmcore.ShadowFrame) (vmcore.JValue, bool) {
	t.PopFrame() // shadow frame, pushed back on return
	qf := vmcore.NewQuickFrame(cc, cc.CodeBase)
	if len(qf.Spill) >= 8 {
		// Slot 0 holds the artificial method pointer.
		binary.LittleEndian.PutUint64(qf.Spill, cc.CodeBase)
	}
	t.PushFrame(qf)

	v, ok := ip.execute(t, f, qf)

	t.PopFrame()
	t.PushFrame(f)
	return v, ok
}

// EnterOsr resumes a frame inside a compiled body at the stack map entry
// for the given dex pc. The shadow frame leaves the thread stack, a
// quick frame with the live vregs spilled per the map takes its place
// and the remainder of the method runs against it. The result lands in
// the frame's result register. Returns false without side effects when
// the frame is not the topmost entry or the body has no map for the pc.
func (ip *Interpreter) EnterOsr(t *vmcore.Thread, f *vmcore.ShadowFrame,
	cc *vmcore.CompiledCode, target dex.PC) bool {
	if t.TopFrame() != vmcore.StackEntry(f) {
		return false
	}
	cur, ok := cc.CodeInfo.FindDexPC(target)
	if !ok {
		return false
	}
	t.PopFrame() // shadow frame, pushed back on return
	qf := vmcore.NewQuickFrame(cc, cc.CodeBase+uint64(cur.NativePCOffset()))
	if len(qf.Spill) >= 8 {
		binary.LittleEndian.PutUint64(qf.Spill, cc.CodeBase)
	}
	f.DexPC = target
	ip.syncQuickFrame(qf, f)
	t.PushFrame(qf)

	v, ok := ip.execute(t, f, qf)

	t.PopFrame()
	t.PushFrame(f)
	if ok {
		f.Result = v
	}
	return true
}

// syncQuickFrame advances the simulated native pc to the stack map entry
// for the current dex pc, if one exists, and materializes the live vregs
// into the locations the map describes. Between map points the quick
// frame keeps its last published state, exactly like real compiled code
// between safepoints.
func (ip *Interpreter) syncQuickFrame(qf *vmcore.QuickFrame, f *vmcore.ShadowFrame) {
	ci := qf.Code.CodeInfo
	cur, ok := ci.FindDexPC(f.DexPC)
	if !ok {
		return
	}
	qf.NativePC = qf.Code.CodeBase + uint64(cur.NativePCOffset())
	for vreg := 0; vreg < ci.NumVRegs(); vreg++ {
		loc := cur.Location(vreg)
		word := uint64(f.GetVReg(int32(vreg)))
		ref := f.GetVRegRef(int32(vreg))
		switch loc.Kind {
		case stackmap.KindInStack:
			slot := loc.Value / 8
			if int(loc.Value)+8 <= len(qf.Spill) {
				binary.LittleEndian.PutUint64(qf.Spill[loc.Value:], word)
			}
			if int(slot) < len(qf.SpillRefs) {
				qf.SpillRefs[slot] = ref
			}
		case stackmap.KindInRegister:
			qf.Regs[loc.Value] = word
			qf.RegRefs[loc.Value] = ref
		case stackmap.KindInRegisterHigh:
			qf.Regs[loc.Value] = qf.Regs[loc.Value]&0xffffffff | word<<32
		case stackmap.KindInFpuRegister:
			qf.FpRegs[loc.Value] = word
		case stackmap.KindInFpuRegisterHigh:
			qf.FpRegs[loc.Value] = qf.FpRegs[loc.Value]&0xffffffff | word<<32
		}
	}
}
