// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package interpreter // import "github.com/dexvm/dexrt/interpreter"

import (
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/txnlog"
	"github.com/dexvm/dexrt/vmcore"
)

// execute runs the switch dispatch loop over one frame until the method
// returns or unwinds. qf is non-nil while the frame is being "executed"
// as compiled code; its simulated native state is kept in sync at every
// pc the stack maps describe.
//
// Fault protocol: a handler that throws leaves the dex-pc on the
// faulting instruction and loops; the loop head owns the catch search.
func (ip *Interpreter) execute(t *vmcore.Thread, f *vmcore.ShadowFrame,
	qf *vmcore.QuickFrame) (vmcore.JValue, bool) {
	m := f.Method
	insns := m.Code.Insns
	ins := ip.instr()

	// Exception object parked between the catch match and the handler's
	// move-exception, plus the monitors this frame still holds.
	var caught *vmcore.Object
	var locked []*vmcore.Object

	for {
		if t.HasException() {
			handler, exc, ok := ip.findCatch(t, f)
			if !ok {
				for i := len(locked) - 1; i >= 0; i-- {
					locked[i].MonitorExit(t.ID)
				}
				if ins != nil && ins.HasMethodExitListeners() {
					ins.MethodUnwindEvent(t, m)
				}
				return vmcore.JValue{}, false
			}
			f.DexPC = handler
			caught = exc
		}

		if int(f.DexPC) >= len(insns) {
			log.Fatalf("interpreter: pc %d past end of %s", f.DexPC, m.PrettyName())
		}
		pc := f.DexPC
		in := dex.At(insns, pc)
		op := in.Opcode()

		if qf != nil {
			ip.syncQuickFrame(qf, f)
		}
		if ins != nil && ins.HasDexPCListeners() {
			ins.DexPCMovedEvent(t, m, pc)
		}

		switch op {
		case dex.OpNop:
			// Payload pseudo-instructions advance by their payload size.

		case dex.OpMove, dex.OpMoveFrom16, dex.OpMove16:
			f.SetVReg(in.VRegA(), f.GetVReg(in.VRegB()))
		case dex.OpMoveWide, dex.OpMoveWideFrom16, dex.OpMoveWide16:
			f.SetVRegLong(in.VRegA(), f.GetVRegLong(in.VRegB()))
		case dex.OpMoveObject, dex.OpMoveObjectFrom16, dex.OpMoveObject16:
			f.SetVRegRef(in.VRegA(), f.GetVRegRef(in.VRegB()))

		case dex.OpMoveResult:
			f.SetVReg(in.VRegA(), uint32(f.Result.Bits))
		case dex.OpMoveResultWide:
			f.SetVRegLong(in.VRegA(), f.Result.Long())
		case dex.OpMoveResultObject:
			f.SetVRegRef(in.VRegA(), f.Result.Ref)
		case dex.OpMoveException:
			f.SetVRegRef(in.VRegA(), caught)
			caught = nil

		case dex.OpReturnVoid, dex.OpReturnVoidNoBarrier:
			ret := vmcore.JValue{}
			if ins != nil && ins.HasMethodExitListeners() {
				ins.MethodExitEvent(t, m, ret)
			}
			return ret, true
		case dex.OpReturn:
			ret := vmcore.JValue{Bits: uint64(f.GetVReg(in.VRegA()))}
			if ins != nil && ins.HasMethodExitListeners() {
				ins.MethodExitEvent(t, m, ret)
			}
			return ret, true
		case dex.OpReturnWide:
			ret := vmcore.JValue{Bits: uint64(f.GetVRegLong(in.VRegA()))}
			if ins != nil && ins.HasMethodExitListeners() {
				ins.MethodExitEvent(t, m, ret)
			}
			return ret, true
		case dex.OpReturnObject:
			ret := vmcore.JValue{Ref: f.GetVRegRef(in.VRegA())}
			if ins != nil && ins.HasMethodExitListeners() {
				ins.MethodExitEvent(t, m, ret)
			}
			return ret, true

		case dex.OpConst4, dex.OpConst16, dex.OpConst:
			f.SetVReg(in.VRegA(), uint32(in.VRegB()))
		case dex.OpConstHigh16:
			f.SetVReg(in.VRegA(), uint32(in.VRegB())<<16)
		case dex.OpConstWide16, dex.OpConstWide32:
			f.SetVRegLong(in.VRegA(), int64(in.VRegB()))
		case dex.OpConstWide:
			f.SetVRegLong(in.VRegA(), in.VRegBWide())
		case dex.OpConstWideHigh16:
			f.SetVRegLong(in.VRegA(), int64(in.VRegB())<<48)

		case dex.OpConstString, dex.OpConstStringJumbo:
			s := ip.linker.ResolveString(t, m.DeclaringClass.DexFile,
				dex.StringIndex(in.VRegB()))
			if s == nil {
				if !t.HasException() {
					ip.exc.ThrowVerifyError(t, m.DeclaringClass,
						"bad string index %d in %s", in.VRegB(), m.PrettyName())
				}
				continue
			}
			f.SetVRegRef(in.VRegA(), s)
		case dex.OpConstClass:
			c := ip.linker.ResolveType(t, m.DeclaringClass.DexFile,
				dex.TypeIndex(in.VRegB()), m.DeclaringClass.Loader)
			if c == nil {
				continue
			}
			f.SetVRegRef(in.VRegA(), ip.classMirror(c))

		case dex.OpMonitorEnter:
			o := f.GetVRegRef(in.VRegA())
			if o == nil {
				ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
				continue
			}
			o.MonitorEnter(t.ID)
			locked = append(locked, o)
			if tx := ip.activeTransaction(t); tx != nil {
				tx.RecordMonitorEnter(o)
			}
		case dex.OpMonitorExit:
			o := f.GetVRegRef(in.VRegA())
			if o == nil {
				ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
				continue
			}
			o.MonitorExit(t.ID)
			for i := len(locked) - 1; i >= 0; i-- {
				if locked[i] == o {
					locked = append(locked[:i], locked[i+1:]...)
					break
				}
			}

		case dex.OpCheckCast:
			c := ip.linker.ResolveType(t, m.DeclaringClass.DexFile,
				dex.TypeIndex(in.VRegB()), m.DeclaringClass.Loader)
			if c == nil {
				continue
			}
			if o := f.GetVRegRef(in.VRegA()); o != nil && !c.IsAssignableFrom(o.Class()) {
				ip.exc.ThrowClassCastException(t, o.Class(), c)
				continue
			}
		case dex.OpInstanceOf:
			c := ip.linker.ResolveType(t, m.DeclaringClass.DexFile,
				dex.TypeIndex(in.VRegC()), m.DeclaringClass.Loader)
			if c == nil {
				continue
			}
			o := f.GetVRegRef(in.VRegB())
			if o != nil && c.IsAssignableFrom(o.Class()) {
				f.SetVReg(in.VRegA(), 1)
			} else {
				f.SetVReg(in.VRegA(), 0)
			}

		case dex.OpArrayLength:
			arr := f.GetVRegRef(in.VRegB())
			if arr == nil {
				ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
				continue
			}
			f.SetVReg(in.VRegA(), uint32(arr.ArrayLength()))

		case dex.OpNewInstance:
			if !ip.doNewInstance(t, f, in) {
				continue
			}
		case dex.OpNewArray:
			if !ip.doNewArray(t, f, in) {
				continue
			}
		case dex.OpFilledNewArray, dex.OpFilledNewArrayRange:
			if !ip.doFilledNewArray(t, f, in, op == dex.OpFilledNewArrayRange) {
				continue
			}
		case dex.OpFillArrayData:
			if !ip.doFillArrayData(t, f, in, pc) {
				continue
			}

		case dex.OpThrow:
			o := f.GetVRegRef(in.VRegA())
			if o == nil {
				ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
				continue
			}
			t.SetException(o)
			if ins != nil && ins.HasExceptionThrownListeners() {
				ins.ExceptionThrownEvent(t, o)
			}
			continue

		case dex.OpGoto, dex.OpGoto16, dex.OpGoto32:
			if ip.takeBranch(t, f, in.VRegA()) {
				return f.Result, !t.HasException()
			}
			continue

		case dex.OpPackedSwitch:
			ps, err := dex.DecodePackedSwitch(insns, pc+dex.PC(in.VRegB()))
			if err != nil {
				ip.exc.ThrowVerifyError(t, m.DeclaringClass, "%v", err)
				continue
			}
			if ip.takeBranch(t, f, ps.Find(int32(f.GetVReg(in.VRegA())))) {
				return f.Result, !t.HasException()
			}
			continue
		case dex.OpSparseSwitch:
			ss, err := dex.DecodeSparseSwitch(insns, pc+dex.PC(in.VRegB()))
			if err != nil {
				ip.exc.ThrowVerifyError(t, m.DeclaringClass, "%v", err)
				continue
			}
			if ip.takeBranch(t, f, ss.Find(int32(f.GetVReg(in.VRegA())))) {
				return f.Result, !t.HasException()
			}
			continue

		case dex.OpCmplFloat:
			f.SetVReg(in.VRegA(), uint32(compareFloat(
				f.GetVRegFloat(in.VRegB()), f.GetVRegFloat(in.VRegC()), -1)))
		case dex.OpCmpgFloat:
			f.SetVReg(in.VRegA(), uint32(compareFloat(
				f.GetVRegFloat(in.VRegB()), f.GetVRegFloat(in.VRegC()), 1)))
		case dex.OpCmplDouble:
			f.SetVReg(in.VRegA(), uint32(compareDouble(
				f.GetVRegDouble(in.VRegB()), f.GetVRegDouble(in.VRegC()), -1)))
		case dex.OpCmpgDouble:
			f.SetVReg(in.VRegA(), uint32(compareDouble(
				f.GetVRegDouble(in.VRegB()), f.GetVRegDouble(in.VRegC()), 1)))
		case dex.OpCmpLong:
			a, b := f.GetVRegLong(in.VRegB()), f.GetVRegLong(in.VRegC())
			var r int32
			switch {
			case a < b:
				r = -1
			case a > b:
				r = 1
			}
			f.SetVReg(in.VRegA(), uint32(r))

		case dex.OpIfEq, dex.OpIfNe, dex.OpIfLt, dex.OpIfGe, dex.OpIfGt, dex.OpIfLe:
			a := ip.ifOperand(f, in.VRegA())
			b := ip.ifOperand(f, in.VRegB())
			if ifTest(op, a, b) {
				if ip.takeBranch(t, f, in.VRegC()) {
					return f.Result, !t.HasException()
				}
				continue
			}
		case dex.OpIfEqz, dex.OpIfNez, dex.OpIfLtz, dex.OpIfGez, dex.OpIfGtz, dex.OpIfLez:
			a := ip.ifOperand(f, in.VRegA())
			if ifTestZ(op, a) {
				if ip.takeBranch(t, f, in.VRegB()) {
					return f.Result, !t.HasException()
				}
				continue
			}

		case dex.OpAget, dex.OpAgetWide, dex.OpAgetObject, dex.OpAgetBoolean,
			dex.OpAgetByte, dex.OpAgetChar, dex.OpAgetShort:
			if !ip.doArrayGet(t, f, in, op, pc) {
				continue
			}
		case dex.OpAput, dex.OpAputWide, dex.OpAputObject, dex.OpAputBoolean,
			dex.OpAputByte, dex.OpAputChar, dex.OpAputShort:
			if !ip.doArrayPut(t, f, in, op, pc) {
				continue
			}

		case dex.OpIget, dex.OpIgetWide, dex.OpIgetObject, dex.OpIgetBoolean,
			dex.OpIgetByte, dex.OpIgetChar, dex.OpIgetShort:
			if !ip.doInstanceGet(t, f, in, op, pc) {
				continue
			}
		case dex.OpIput, dex.OpIputWide, dex.OpIputObject, dex.OpIputBoolean,
			dex.OpIputByte, dex.OpIputChar, dex.OpIputShort:
			if !ip.doInstancePut(t, f, in, op, pc) {
				continue
			}
		case dex.OpIgetQuick, dex.OpIgetWideQuick, dex.OpIgetObjectQuick,
			dex.OpIgetBooleanQuick, dex.OpIgetByteQuick, dex.OpIgetCharQuick,
			dex.OpIgetShortQuick:
			if !ip.doQuickGet(t, f, in, op, pc) {
				continue
			}
		case dex.OpIputQuick, dex.OpIputWideQuick, dex.OpIputObjectQuick,
			dex.OpIputBooleanQuick, dex.OpIputByteQuick, dex.OpIputCharQuick,
			dex.OpIputShortQuick:
			if !ip.doQuickPut(t, f, in, op, pc) {
				continue
			}
		case dex.OpSget, dex.OpSgetWide, dex.OpSgetObject, dex.OpSgetBoolean,
			dex.OpSgetByte, dex.OpSgetChar, dex.OpSgetShort:
			if !ip.doStaticGet(t, f, in, op) {
				continue
			}
		case dex.OpSput, dex.OpSputWide, dex.OpSputObject, dex.OpSputBoolean,
			dex.OpSputByte, dex.OpSputChar, dex.OpSputShort:
			if !ip.doStaticPut(t, f, in, op) {
				continue
			}

		case dex.OpInvokeVirtual, dex.OpInvokeSuper, dex.OpInvokeDirect,
			dex.OpInvokeStatic, dex.OpInvokeInterface,
			dex.OpInvokeVirtualRange, dex.OpInvokeSuperRange,
			dex.OpInvokeDirectRange, dex.OpInvokeStaticRange,
			dex.OpInvokeInterfaceRange,
			dex.OpInvokeVirtualQuick, dex.OpInvokeVirtualRangeQuick:
			ip.doInvoke(t, f, in, op, pc)
			if t.HasException() {
				continue
			}

		case dex.OpInvokePolymorphic, dex.OpInvokePolymorphicRange,
			dex.OpInvokeCustom, dex.OpInvokeCustomRange:
			ip.exc.ThrowLinkageError(t, m.DeclaringClass,
				"method handle invocation is not supported")
			continue

		case dex.OpNegInt:
			f.SetVReg(in.VRegA(), uint32(-int32(f.GetVReg(in.VRegB()))))
		case dex.OpNotInt:
			f.SetVReg(in.VRegA(), ^f.GetVReg(in.VRegB()))
		case dex.OpNegLong:
			f.SetVRegLong(in.VRegA(), -f.GetVRegLong(in.VRegB()))
		case dex.OpNotLong:
			f.SetVRegLong(in.VRegA(), ^f.GetVRegLong(in.VRegB()))
		case dex.OpNegFloat:
			f.SetVRegFloat(in.VRegA(), -f.GetVRegFloat(in.VRegB()))
		case dex.OpNegDouble:
			f.SetVRegDouble(in.VRegA(), -f.GetVRegDouble(in.VRegB()))

		case dex.OpIntToLong:
			f.SetVRegLong(in.VRegA(), int64(int32(f.GetVReg(in.VRegB()))))
		case dex.OpIntToFloat:
			f.SetVRegFloat(in.VRegA(), float32(int32(f.GetVReg(in.VRegB()))))
		case dex.OpIntToDouble:
			f.SetVRegDouble(in.VRegA(), float64(int32(f.GetVReg(in.VRegB()))))
		case dex.OpLongToInt:
			f.SetVReg(in.VRegA(), uint32(f.GetVRegLong(in.VRegB())))
		case dex.OpLongToFloat:
			f.SetVRegFloat(in.VRegA(), float32(f.GetVRegLong(in.VRegB())))
		case dex.OpLongToDouble:
			f.SetVRegDouble(in.VRegA(), float64(f.GetVRegLong(in.VRegB())))
		case dex.OpFloatToInt:
			f.SetVReg(in.VRegA(), uint32(floatToInt(f.GetVRegFloat(in.VRegB()))))
		case dex.OpFloatToLong:
			f.SetVRegLong(in.VRegA(), floatToLong(f.GetVRegFloat(in.VRegB())))
		case dex.OpFloatToDouble:
			f.SetVRegDouble(in.VRegA(), float64(f.GetVRegFloat(in.VRegB())))
		case dex.OpDoubleToInt:
			f.SetVReg(in.VRegA(), uint32(doubleToInt(f.GetVRegDouble(in.VRegB()))))
		case dex.OpDoubleToLong:
			f.SetVRegLong(in.VRegA(), doubleToLong(f.GetVRegDouble(in.VRegB())))
		case dex.OpDoubleToFloat:
			f.SetVRegFloat(in.VRegA(), float32(f.GetVRegDouble(in.VRegB())))
		case dex.OpIntToByte:
			f.SetVReg(in.VRegA(), uint32(int32(int8(f.GetVReg(in.VRegB())))))
		case dex.OpIntToChar:
			f.SetVReg(in.VRegA(), uint32(uint16(f.GetVReg(in.VRegB()))))
		case dex.OpIntToShort:
			f.SetVReg(in.VRegA(), uint32(int32(int16(f.GetVReg(in.VRegB())))))

		case dex.OpAddInt, dex.OpSubInt, dex.OpMulInt, dex.OpDivInt, dex.OpRemInt,
			dex.OpAndInt, dex.OpOrInt, dex.OpXorInt, dex.OpShlInt, dex.OpShrInt,
			dex.OpUshrInt:
			a := int32(f.GetVReg(in.VRegB()))
			b := int32(f.GetVReg(in.VRegC()))
			r, ok := ip.intBinop(t, op, a, b)
			if !ok {
				continue
			}
			f.SetVReg(in.VRegA(), uint32(r))
		case dex.OpAddLong, dex.OpSubLong, dex.OpMulLong, dex.OpDivLong,
			dex.OpRemLong, dex.OpAndLong, dex.OpOrLong, dex.OpXorLong,
			dex.OpShlLong, dex.OpShrLong, dex.OpUshrLong:
			a := f.GetVRegLong(in.VRegB())
			b := f.GetVRegLong(in.VRegC())
			r, ok := ip.longBinop(t, op, a, b)
			if !ok {
				continue
			}
			f.SetVRegLong(in.VRegA(), r)
		case dex.OpAddFloat, dex.OpSubFloat, dex.OpMulFloat, dex.OpDivFloat,
			dex.OpRemFloat:
			f.SetVRegFloat(in.VRegA(), floatBinop(op,
				f.GetVRegFloat(in.VRegB()), f.GetVRegFloat(in.VRegC())))
		case dex.OpAddDouble, dex.OpSubDouble, dex.OpMulDouble, dex.OpDivDouble,
			dex.OpRemDouble:
			f.SetVRegDouble(in.VRegA(), doubleBinop(op,
				f.GetVRegDouble(in.VRegB()), f.GetVRegDouble(in.VRegC())))

		case dex.OpAddInt2Addr, dex.OpSubInt2Addr, dex.OpMulInt2Addr,
			dex.OpDivInt2Addr, dex.OpRemInt2Addr, dex.OpAndInt2Addr,
			dex.OpOrInt2Addr, dex.OpXorInt2Addr, dex.OpShlInt2Addr,
			dex.OpShrInt2Addr, dex.OpUshrInt2Addr:
			a := int32(f.GetVReg(in.VRegA()))
			b := int32(f.GetVReg(in.VRegB()))
			r, ok := ip.intBinop(t, op-dex.OpAddInt2Addr+dex.OpAddInt, a, b)
			if !ok {
				continue
			}
			f.SetVReg(in.VRegA(), uint32(r))
		case dex.OpAddLong2Addr, dex.OpSubLong2Addr, dex.OpMulLong2Addr,
			dex.OpDivLong2Addr, dex.OpRemLong2Addr, dex.OpAndLong2Addr,
			dex.OpOrLong2Addr, dex.OpXorLong2Addr, dex.OpShlLong2Addr,
			dex.OpShrLong2Addr, dex.OpUshrLong2Addr:
			a := f.GetVRegLong(in.VRegA())
			b := f.GetVRegLong(in.VRegB())
			r, ok := ip.longBinop(t, op-dex.OpAddLong2Addr+dex.OpAddLong, a, b)
			if !ok {
				continue
			}
			f.SetVRegLong(in.VRegA(), r)
		case dex.OpAddFloat2Addr, dex.OpSubFloat2Addr, dex.OpMulFloat2Addr,
			dex.OpDivFloat2Addr, dex.OpRemFloat2Addr:
			f.SetVRegFloat(in.VRegA(), floatBinop(op-dex.OpAddFloat2Addr+dex.OpAddFloat,
				f.GetVRegFloat(in.VRegA()), f.GetVRegFloat(in.VRegB())))
		case dex.OpAddDouble2Addr, dex.OpSubDouble2Addr, dex.OpMulDouble2Addr,
			dex.OpDivDouble2Addr, dex.OpRemDouble2Addr:
			f.SetVRegDouble(in.VRegA(), doubleBinop(op-dex.OpAddDouble2Addr+dex.OpAddDouble,
				f.GetVRegDouble(in.VRegA()), f.GetVRegDouble(in.VRegB())))

		case dex.OpAddIntLit16, dex.OpRsubInt, dex.OpMulIntLit16,
			dex.OpDivIntLit16, dex.OpRemIntLit16, dex.OpAndIntLit16,
			dex.OpOrIntLit16, dex.OpXorIntLit16:
			a := int32(f.GetVReg(in.VRegB()))
			lit := in.VRegC()
			r, ok := ip.litBinop(t, op, a, lit)
			if !ok {
				continue
			}
			f.SetVReg(in.VRegA(), uint32(r))
		case dex.OpAddIntLit8, dex.OpRsubIntLit8, dex.OpMulIntLit8,
			dex.OpDivIntLit8, dex.OpRemIntLit8, dex.OpAndIntLit8,
			dex.OpOrIntLit8, dex.OpXorIntLit8, dex.OpShlIntLit8,
			dex.OpShrIntLit8, dex.OpUshrIntLit8:
			a := int32(f.GetVReg(in.VRegB()))
			lit := in.VRegC()
			r, ok := ip.litBinop(t, op, a, lit)
			if !ok {
				continue
			}
			f.SetVReg(in.VRegA(), uint32(r))

		default:
			log.Fatalf("interpreter: unexpected opcode %s at pc %d in %s",
				op, pc, m.PrettyName())
		}

		f.DexPC = in.Next(pc)
	}
}

// takeBranch applies a relative branch. Backward branches are safepoints
// and tiering sample points; a true return means on-stack replacement
// consumed the rest of the method and the frame's result register holds
// the return value.
func (ip *Interpreter) takeBranch(t *vmcore.Thread, f *vmcore.ShadowFrame,
	offset int32) bool {
	pc := f.DexPC
	f.DexPC = dex.PC(int32(pc) + offset)
	if offset > 0 {
		return false
	}
	t.CheckSuspend()
	if ip.Tiering != nil && !f.Method.ForceInterpreter() {
		ip.Tiering.AddSamples(t, f.Method, 1, true)
		if ip.Tiering.MaybeDoOnStackReplacement(t, f, pc, offset) {
			return true
		}
	}
	return false
}

// findCatch searches the method's try table at the current dex-pc for a
// handler matching the pending exception. The transaction abort sentinel
// never matches: it propagates past every handler.
func (ip *Interpreter) findCatch(t *vmcore.Thread,
	f *vmcore.ShadowFrame) (dex.PC, *vmcore.Object, bool) {
	exc := t.Exception()
	if exc.Class().Descriptor == txnlog.AbortDescriptor {
		return 0, nil, false
	}
	m := f.Method
	try := m.Code.TriesAt(f.DexPC)
	if try == nil {
		return 0, nil, false
	}
	df := m.DeclaringClass.DexFile
	for _, h := range try.Handlers {
		var c *vmcore.Class
		if df != nil {
			c = ip.linker.FindClass(df.TypeDescriptor(h.TypeIdx),
				m.DeclaringClass.Loader)
		}
		if c == nil {
			log.Warnf("catch type #%d unresolved in %s, skipping handler",
				h.TypeIdx, m.PrettyName())
			continue
		}
		if c.IsAssignableFrom(exc.Class()) {
			return h.HandlerPC, t.ClearException(), true
		}
	}
	if try.CatchAll != dex.NoPC {
		return try.CatchAll, t.ClearException(), true
	}
	return 0, nil, false
}

// ifOperand reads a register for an if-test: references compare by
// identity through their pointer bits, everything else as int32.
func (ip *Interpreter) ifOperand(f *vmcore.ShadowFrame, reg int32) int64 {
	if o := f.GetVRegRef(reg); o != nil {
		return int64(refToken(o))
	}
	return int64(int32(f.GetVReg(reg)))
}

func ifTest(op dex.Opcode, a, b int64) bool {
	switch op {
	case dex.OpIfEq:
		return a == b
	case dex.OpIfNe:
		return a != b
	case dex.OpIfLt:
		return a < b
	case dex.OpIfGe:
		return a >= b
	case dex.OpIfGt:
		return a > b
	default:
		return a <= b
	}
}

func ifTestZ(op dex.Opcode, a int64) bool {
	switch op {
	case dex.OpIfEqz:
		return a == 0
	case dex.OpIfNez:
		return a != 0
	case dex.OpIfLtz:
		return a < 0
	case dex.OpIfGez:
		return a >= 0
	case dex.OpIfGtz:
		return a > 0
	default:
		return a <= 0
	}
}

func (ip *Interpreter) intBinop(t *vmcore.Thread, op dex.Opcode,
	a, b int32) (int32, bool) {
	switch op {
	case dex.OpAddInt:
		return a + b, true
	case dex.OpSubInt:
		return a - b, true
	case dex.OpMulInt:
		return a * b, true
	case dex.OpDivInt:
		if b == 0 {
			ip.exc.ThrowArithmeticExceptionDivideByZero(t)
			return 0, false
		}
		return a / b, true
	case dex.OpRemInt:
		if b == 0 {
			ip.exc.ThrowArithmeticExceptionDivideByZero(t)
			return 0, false
		}
		return a % b, true
	case dex.OpAndInt:
		return a & b, true
	case dex.OpOrInt:
		return a | b, true
	case dex.OpXorInt:
		return a ^ b, true
	case dex.OpShlInt:
		return a << (uint32(b) & 31), true
	case dex.OpShrInt:
		return a >> (uint32(b) & 31), true
	default: // ushr-int
		return int32(uint32(a) >> (uint32(b) & 31)), true
	}
}

func (ip *Interpreter) longBinop(t *vmcore.Thread, op dex.Opcode,
	a, b int64) (int64, bool) {
	switch op {
	case dex.OpAddLong:
		return a + b, true
	case dex.OpSubLong:
		return a - b, true
	case dex.OpMulLong:
		return a * b, true
	case dex.OpDivLong:
		if b == 0 {
			ip.exc.ThrowArithmeticExceptionDivideByZero(t)
			return 0, false
		}
		return a / b, true
	case dex.OpRemLong:
		if b == 0 {
			ip.exc.ThrowArithmeticExceptionDivideByZero(t)
			return 0, false
		}
		return a % b, true
	case dex.OpAndLong:
		return a & b, true
	case dex.OpOrLong:
		return a | b, true
	case dex.OpXorLong:
		return a ^ b, true
	case dex.OpShlLong:
		return a << (uint64(b) & 63), true
	case dex.OpShrLong:
		return a >> (uint64(b) & 63), true
	default: // ushr-long
		return int64(uint64(a) >> (uint64(b) & 63)), true
	}
}

// litBinop handles both lit16 and lit8 forms; rsub reverses the operands.
func (ip *Interpreter) litBinop(t *vmcore.Thread, op dex.Opcode,
	a, lit int32) (int32, bool) {
	switch op {
	case dex.OpAddIntLit16, dex.OpAddIntLit8:
		return a + lit, true
	case dex.OpRsubInt, dex.OpRsubIntLit8:
		return lit - a, true
	case dex.OpMulIntLit16, dex.OpMulIntLit8:
		return a * lit, true
	case dex.OpDivIntLit16, dex.OpDivIntLit8:
		if lit == 0 {
			ip.exc.ThrowArithmeticExceptionDivideByZero(t)
			return 0, false
		}
		return a / lit, true
	case dex.OpRemIntLit16, dex.OpRemIntLit8:
		if lit == 0 {
			ip.exc.ThrowArithmeticExceptionDivideByZero(t)
			return 0, false
		}
		return a % lit, true
	case dex.OpAndIntLit16, dex.OpAndIntLit8:
		return a & lit, true
	case dex.OpOrIntLit16, dex.OpOrIntLit8:
		return a | lit, true
	case dex.OpXorIntLit16, dex.OpXorIntLit8:
		return a ^ lit, true
	case dex.OpShlIntLit8:
		return a << (uint32(lit) & 31), true
	case dex.OpShrIntLit8:
		return a >> (uint32(lit) & 31), true
	default: // ushr-int/lit8
		return int32(uint32(a) >> (uint32(lit) & 31)), true
	}
}

func floatBinop(op dex.Opcode, a, b float32) float32 {
	switch op {
	case dex.OpAddFloat:
		return a + b
	case dex.OpSubFloat:
		return a - b
	case dex.OpMulFloat:
		return a * b
	case dex.OpDivFloat:
		return a / b
	default: // rem-float, fmod semantics
		return float32(math.Mod(float64(a), float64(b)))
	}
}

func doubleBinop(op dex.Opcode, a, b float64) float64 {
	switch op {
	case dex.OpAddDouble:
		return a + b
	case dex.OpSubDouble:
		return a - b
	case dex.OpMulDouble:
		return a * b
	case dex.OpDivDouble:
		return a / b
	default: // rem-double
		return math.Mod(a, b)
	}
}

// compareFloat implements cmpl/cmpg: nanValue is the result when either
// operand is NaN.
func compareFloat(a, b float32, nanValue int32) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	default:
		return nanValue
	}
}

func compareDouble(a, b float64, nanValue int32) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	default:
		return nanValue
	}
}

// floatToInt converts with java semantics: NaN to zero, out-of-range
// saturates.
func floatToInt(v float32) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(v)
	}
}

func floatToLong(v float32) int64 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	default:
		return int64(v)
	}
}

func doubleToInt(v float64) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(v)
	}
}

func doubleToLong(v float64) int64 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	default:
		return int64(v)
	}
}
