// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package interpreter // import "github.com/dexvm/dexrt/interpreter"

import (
	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore"
)

// doInvoke resolves and dispatches one invoke instruction. On success the
// callee's return value is in the caller frame's result register; on any
// fault a pending exception is left on the thread.
func (ip *Interpreter) doInvoke(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode, pc dex.PC) {
	m := f.Method
	rangeForm := in.Opcode().Format() == dex.Fmt3rc
	regs := argRegisters(in, rangeForm)

	var target *vmcore.Method
	var receiver *vmcore.Object

	switch op {
	case dex.OpInvokeVirtualQuick, dex.OpInvokeVirtualRangeQuick:
		receiver = ip.invokeReceiver(t, f, regs, "virtual", nil, pc)
		if receiver == nil {
			return
		}
		vtIdx := int(in.VRegB())
		vt := receiver.Class().VTable
		if vtIdx >= len(vt) {
			ip.exc.ThrowVerifyError(t, m.DeclaringClass,
				"bad vtable index %d for %s", vtIdx, receiver.Class().PrettyName())
			return
		}
		target = vt[vtIdx]

	default:
		resolved := ip.resolveMethodCached(t, m.DeclaringClass,
			dex.MethodIndex(in.VRegB()))
		if resolved == nil {
			ip.throwMethodResolutionError(t, m, dex.MethodIndex(in.VRegB()),
				invokeTypeName(op))
			return
		}
		target, receiver = ip.findInvokeTarget(t, f, op, resolved, regs, pc)
		if target == nil {
			return
		}
	}

	// Feed the receiver class into the invoke-site inline cache for
	// polymorphic-call profiling.
	if receiver != nil {
		if pi := m.ProfilingInfo(); pi != nil {
			if ic := pi.CacheAt(pc); ic != nil {
				ic.AddReceiver(receiver.Class())
			}
		}
	}

	if target.IsStatic() {
		if !ip.linker.EnsureInitialized(t, target.DeclaringClass) {
			return
		}
	}
	if target.IsNative() {
		recv, args := collectArgs(f, regs, target)
		var res vmcore.JValue
		if ip.invokeNative(t, target, recv, args, &res) {
			f.Result = res
		}
		return
	}
	if target.IsAbstract() || target.Code == nil {
		ip.exc.ThrowIncompatibleClassChangeError(t, m.DeclaringClass,
			"Attempt to invoke abstract method %s", target.PrettyName())
		return
	}

	callee := vmcore.NewShadowFrame(target, target.NumRegs())
	first := int32(target.NumRegs()) - int32(target.NumIns())
	for i, r := range regs {
		if ref := f.GetVRegRef(r); ref != nil {
			callee.SetVRegRef(first+int32(i), ref)
		} else {
			callee.SetVReg(first+int32(i), f.GetVReg(r))
		}
	}
	if res, ok := ip.invokeFrame(t, callee, false); ok {
		f.Result = res
	}
}

// findInvokeTarget applies the per-kind dispatch rules to a resolved
// method and returns the concrete target (and receiver for instance
// invokes).
func (ip *Interpreter) findInvokeTarget(t *vmcore.Thread, f *vmcore.ShadowFrame,
	op dex.Opcode, resolved *vmcore.Method, regs []int32,
	pc dex.PC) (*vmcore.Method, *vmcore.Object) {
	m := f.Method
	switch op {
	case dex.OpInvokeStatic, dex.OpInvokeStaticRange:
		if !resolved.IsStatic() {
			ip.exc.ThrowIncompatibleClassChangeErrorForMethod(t,
				"static", "instance", resolved)
			return nil, nil
		}
		return resolved, nil

	case dex.OpInvokeDirect, dex.OpInvokeDirectRange:
		if resolved.IsStatic() {
			ip.exc.ThrowIncompatibleClassChangeErrorForMethod(t,
				"direct", "static", resolved)
			return nil, nil
		}
		recv := ip.invokeReceiver(t, f, regs, "direct", resolved, pc)
		if recv == nil {
			return nil, nil
		}
		return resolved, recv

	case dex.OpInvokeVirtual, dex.OpInvokeVirtualRange:
		recv := ip.invokeReceiver(t, f, regs, "virtual", resolved, pc)
		if recv == nil {
			return nil, nil
		}
		target := recv.Class().FindVirtualMethod(resolved.Name, resolved.Shorty)
		if target == nil {
			ip.exc.ThrowNoSuchMethodError(t, "virtual", recv.Class(),
				resolved.Name, resolved.Shorty)
			return nil, nil
		}
		return target, recv

	case dex.OpInvokeSuper, dex.OpInvokeSuperRange:
		if iface := resolved.DeclaringClass; iface.IsInterface() {
			// Default-method super call: the interface must be listed
			// directly on the calling class.
			direct := false
			for _, itf := range m.DeclaringClass.Interfaces {
				if itf == iface {
					direct = true
					break
				}
			}
			if !direct {
				ip.exc.ThrowIncompatibleClassChangeErrorForInterfaceSuper(t,
					resolved, iface, m.DeclaringClass)
				return nil, nil
			}
			recv := ip.invokeReceiver(t, f, regs, "super", resolved, pc)
			if recv == nil {
				return nil, nil
			}
			return resolved, recv
		}
		sup := m.DeclaringClass.Super
		if sup == nil {
			ip.exc.ThrowNoSuchMethodError(t, "super", m.DeclaringClass,
				resolved.Name, resolved.Shorty)
			return nil, nil
		}
		target := sup.FindVirtualMethod(resolved.Name, resolved.Shorty)
		if target == nil {
			ip.exc.ThrowNoSuchMethodError(t, "super", sup,
				resolved.Name, resolved.Shorty)
			return nil, nil
		}
		recv := ip.invokeReceiver(t, f, regs, "super", resolved, pc)
		if recv == nil {
			return nil, nil
		}
		return target, recv

	default: // invoke-interface / invoke-interface/range
		if !resolved.DeclaringClass.IsInterface() {
			ip.exc.ThrowIncompatibleClassChangeError(t, m.DeclaringClass,
				"Found class %s rather than an interface for %s",
				resolved.DeclaringClass.PrettyName(), resolved.PrettyName())
			return nil, nil
		}
		recv := ip.invokeReceiver(t, f, regs, "interface", resolved, pc)
		if recv == nil {
			return nil, nil
		}
		if !recv.Class().Implements(resolved.DeclaringClass) {
			ip.exc.ThrowIncompatibleClassChangeError(t, m.DeclaringClass,
				"Class %s does not implement interface %s",
				recv.Class().PrettyName(), resolved.DeclaringClass.PrettyName())
			return nil, nil
		}
		target := recv.Class().FindVirtualMethod(resolved.Name, resolved.Shorty)
		if target == nil {
			ip.exc.ThrowIncompatibleClassChangeError(t, m.DeclaringClass,
				"Abstract method %s", resolved.PrettyName())
			return nil, nil
		}
		return target, recv
	}
}

// invokeReceiver reads and null-checks the receiver register of an
// instance invoke.
func (ip *Interpreter) invokeReceiver(t *vmcore.Thread, f *vmcore.ShadowFrame,
	regs []int32, invokeType string, resolved *vmcore.Method,
	pc dex.PC) *vmcore.Object {
	if len(regs) == 0 {
		ip.exc.ThrowVerifyError(t, f.Method.DeclaringClass,
			"instance invoke without a receiver in %s", f.Method.PrettyName())
		return nil
	}
	recv := f.GetVRegRef(regs[0])
	if recv == nil {
		if resolved != nil {
			ip.exc.ThrowNullPointerExceptionForMethodAccess(t, invokeType, resolved)
		} else {
			ip.exc.ThrowNullPointerExceptionFromDexPC(t, f.Method, pc)
		}
		return nil
	}
	return recv
}

// collectArgs flattens the argument registers into JValues per the
// target's shorty. Wide arguments consume two registers.
func collectArgs(f *vmcore.ShadowFrame, regs []int32,
	target *vmcore.Method) (*vmcore.Object, []vmcore.JValue) {
	i := 0
	var receiver *vmcore.Object
	if !target.IsStatic() {
		receiver = f.GetVRegRef(regs[0])
		i = 1
	}
	args := make([]vmcore.JValue, 0, len(target.Shorty)-1)
	for _, c := range target.Shorty[1:] {
		switch c {
		case 'J', 'D':
			lo := uint64(f.GetVReg(regs[i]))
			hi := uint64(f.GetVReg(regs[i+1]))
			args = append(args, vmcore.JValue{Bits: lo | hi<<32})
			i += 2
		case 'L':
			args = append(args, vmcore.JValue{Ref: f.GetVRegRef(regs[i])})
			i++
		default:
			args = append(args, vmcore.JValue{Bits: uint64(f.GetVReg(regs[i]))})
			i++
		}
	}
	return receiver, args
}

// throwMethodResolutionError raises the right error for a failed method
// resolution unless resolution already threw.
func (ip *Interpreter) throwMethodResolutionError(t *vmcore.Thread,
	m *vmcore.Method, idx dex.MethodIndex, invokeType string) {
	if t.HasException() {
		return
	}
	df := m.DeclaringClass.DexFile
	if df == nil || int(idx) >= len(df.Methods) {
		ip.exc.ThrowVerifyError(t, m.DeclaringClass,
			"bad method index %d in %s", idx, m.PrettyName())
		return
	}
	id := df.Methods[idx]
	owner := ip.linker.FindClass(df.TypeDescriptor(id.ClassIdx), m.DeclaringClass.Loader)
	if owner == nil {
		owner = m.DeclaringClass
	}
	ip.exc.ThrowNoSuchMethodError(t, invokeType, owner, id.Name, id.Shorty)
}

func invokeTypeName(op dex.Opcode) string {
	switch op {
	case dex.OpInvokeVirtual, dex.OpInvokeVirtualRange:
		return "virtual"
	case dex.OpInvokeSuper, dex.OpInvokeSuperRange:
		return "super"
	case dex.OpInvokeDirect, dex.OpInvokeDirectRange:
		return "direct"
	case dex.OpInvokeStatic, dex.OpInvokeStaticRange:
		return "static"
	default:
		return "interface"
	}
}
