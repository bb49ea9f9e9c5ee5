// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package interpreter executes dex bytecode against shadow frames: a
// single switch dispatch loop plus the entry points used by invocation,
// on-stack deoptimization and the compiled-code bridges.
package interpreter // import "github.com/dexvm/dexrt/interpreter"

import (
	"encoding/binary"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/exceptions"
	"github.com/dexvm/dexrt/vmcore"
)

// resolutionCacheSize bounds the per-interpreter method/field resolution
// caches. Sized like a handful of hot dex files, not the whole app.
const resolutionCacheSize = 4096

// TieringHooks is the JIT controller contract consulted on method entry
// and backward branches. A nil hook set keeps everything interpreted.
type TieringHooks interface {
	// AddSamples reports interpreter activity. Weighting for
	// jank-sensitive threads and clamping happen behind this call.
	AddSamples(t *vmcore.Thread, m *vmcore.Method, samples uint16, withBackedges bool)

	// MaybeCompiledCode returns a compiled body that is safe to enter
	// (published, not deoptimized, no breakpoint pin), or nil.
	MaybeCompiledCode(m *vmcore.Method) *vmcore.CompiledCode

	// MaybeDoOnStackReplacement is consulted at backward branches once a
	// body exists. It returns true when the remainder of the method ran
	// in compiled code and the frame's result register holds the value.
	MaybeDoOnStackReplacement(t *vmcore.Thread, f *vmcore.ShadowFrame,
		dexPC dex.PC, offset int32) bool
}

// resolutionKey identifies one symbolic index inside one dex file.
type resolutionKey struct {
	file uint32 // dex file checksum
	idx  uint32
}

func hashResolutionKey(k resolutionKey) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], k.file)
	binary.LittleEndian.PutUint32(b[4:], k.idx)
	return uint32(xxh3.Hash(b[:]))
}

// Interpreter is the switch-dispatch execution engine. One instance per
// runtime; all per-invocation state lives on the thread and its frames.
type Interpreter struct {
	rt     *vmcore.Runtime
	linker *vmcore.Linker
	exc    *exceptions.Engine

	// Tiering is consulted on entry and backedges when non-nil.
	Tiering TieringHooks

	methodCache *freelru.SyncedLRU[resolutionKey, *vmcore.Method]
	fieldCache  *freelru.SyncedLRU[resolutionKey, *vmcore.Field]

	classMirrors *freelru.SyncedLRU[string, *vmcore.Object]
}

// New wires an interpreter to the runtime's linker and throw-site engine.
func New(rt *vmcore.Runtime, linker *vmcore.Linker, exc *exceptions.Engine) *Interpreter {
	mc, err := freelru.NewSynced[resolutionKey, *vmcore.Method](resolutionCacheSize,
		hashResolutionKey)
	if err != nil {
		log.Fatalf("method resolution cache: %v", err)
	}
	fc, err := freelru.NewSynced[resolutionKey, *vmcore.Field](resolutionCacheSize,
		hashResolutionKey)
	if err != nil {
		log.Fatalf("field resolution cache: %v", err)
	}
	cm, err := freelru.NewSynced[string, *vmcore.Object](resolutionCacheSize,
		func(s string) uint32 { return uint32(xxh3.HashString(s)) })
	if err != nil {
		log.Fatalf("class mirror cache: %v", err)
	}
	ip := &Interpreter{
		rt:           rt,
		linker:       linker,
		exc:          exc,
		methodCache:  mc,
		fieldCache:   fc,
		classMirrors: cm,
	}
	if linker.ThrowNoClassDef == nil {
		linker.ThrowNoClassDef = func(t *vmcore.Thread, desc string) {
			exc.Throw(t, exceptions.KindLinkage,
				"Failed resolution of: "+vmcore.PrettyDescriptor(desc))
		}
	}
	if linker.InvokeClinit == nil {
		linker.InvokeClinit = func(t *vmcore.Thread, clinit *vmcore.Method) bool {
			return ip.EnterFromInvoke(t, clinit, nil, nil, nil, false)
		}
	}
	return ip
}

// EnterFromInvoke is the outermost managed-call entry: it builds a shadow
// frame for the method, populates the incoming argument registers from
// args honoring wide pairing per the shorty, initializes the declaring
// class if needed and dispatches. Returns false with a pending exception
// on the thread when the invocation did not complete normally.
func (ip *Interpreter) EnterFromInvoke(t *vmcore.Thread, m *vmcore.Method,
	receiver *vmcore.Object, args []vmcore.JValue, result *vmcore.JValue,
	stayInInterpreter bool) bool {
	if m.IsStatic() {
		if !ip.linker.EnsureInitialized(t, m.DeclaringClass) {
			return false
		}
	}

	if m.IsNative() {
		return ip.invokeNative(t, m, receiver, args, result)
	}
	if m.Code == nil {
		ip.exc.ThrowIncompatibleClassChangeError(t, m.DeclaringClass,
			"Attempt to invoke abstract method %s", m.PrettyName())
		return false
	}

	f := vmcore.NewShadowFrame(m, m.NumRegs())
	reg := int32(m.NumRegs()) - int32(m.NumIns())
	if !m.IsStatic() {
		f.SetVRegRef(reg, receiver)
		reg++
	}
	for i, c := range m.Shorty[1:] {
		v := args[i]
		switch c {
		case 'J', 'D':
			f.SetVRegLong(reg, v.Long())
			reg += 2
		case 'L':
			f.SetVRegRef(reg, v.Ref)
			reg++
		default:
			f.SetVReg(reg, uint32(v.Bits))
			reg++
		}
	}

	v, ok := ip.invokeFrame(t, f, stayInInterpreter)
	if result != nil {
		*result = v
	}
	return ok
}

// EnterFromEntryPoint begins execution of a pre-populated shadow frame at
// its stored dex-pc.
func (ip *Interpreter) EnterFromEntryPoint(t *vmcore.Thread,
	f *vmcore.ShadowFrame) (vmcore.JValue, bool) {
	return ip.invokeFrame(t, f, false)
}

// InterpreterToInterpreterBridge is the in-interpreter invoke path for a
// callee whose entry point is the interpreter: same semantics as
// EnterFromEntryPoint on the caller's thread state.
func (ip *Interpreter) InterpreterToInterpreterBridge(t *vmcore.Thread,
	f *vmcore.ShadowFrame) (vmcore.JValue, bool) {
	return ip.invokeFrame(t, f, true)
}

// EnterFromDeoptimize resumes a chain of shadow frames the unwinder
// materialized from compiled frames. ctx.Frames is the innermost frame;
// Link chains toward the caller. The final return value lands back in
// ctx.Value.
func (ip *Interpreter) EnterFromDeoptimize(t *vmcore.Thread, ctx *vmcore.DeoptContext) bool {
	value := ctx.Value
	first := true
	ok := true
	for f := ctx.Frames; f != nil; f = f.Link {
		fromInvoke := !first || ctx.FromCode
		if !t.HasException() && fromInvoke {
			ip.applyDeoptResult(f, &value)
		}
		first = false
		// A pending exception from an inner frame re-enters the catch
		// search at the top of the execute loop.
		value, ok = ip.invokeFrame(t, f, true)
	}
	ctx.Value = value
	return ok
}

// applyDeoptResult advances a deoptimized frame past the invoke that
// already executed in compiled code, storing the callee's result. Two
// string special cases: a string-constructor result replaces every alias
// of the uninitialized receiver, and a new-instance of the string class
// writes the result straight into the destination register.
func (ip *Interpreter) applyDeoptResult(f *vmcore.ShadowFrame, value *vmcore.JValue) {
	m := f.Method
	if m.Code == nil || int(f.DexPC) >= len(m.Code.Insns) {
		return
	}
	in := dex.At(m.Code.Insns, f.DexPC)
	op := in.Opcode()
	switch {
	case op == dex.OpNewInstance:
		if value.Ref != nil && value.Ref.Class().IsStringClass() {
			f.SetVRegRef(in.VRegA(), value.Ref)
			f.DexPC = in.Next(f.DexPC)
			*value = vmcore.JValue{}
		}
	case isInvoke(op):
		if ref := value.Ref; ref != nil && ref.Class().IsStringClass() &&
			isStringConstructorInvoke(ip.linker, m, f.DexPC) {
			recv := invokeReceiverReg(in)
			f.ReplaceAliases(f.GetVRegRef(recv), ref)
			*value = vmcore.JValue{}
			f.Result = vmcore.JValue{}
			f.DexPC = in.Next(f.DexPC)
			return
		}
		f.Result = *value
		f.DexPC = in.Next(f.DexPC)
	}
}

// invokeFrame runs one frame to completion: pushes it on the thread
// stack, takes the synchronized-method monitor, consults the tiering
// hooks and dispatches. Returns the result and whether the frame exited
// normally.
func (ip *Interpreter) invokeFrame(t *vmcore.Thread, f *vmcore.ShadowFrame,
	stayInInterpreter bool) (vmcore.JValue, bool) {
	m := f.Method
	if !t.PushFrame(f) {
		ip.exc.ThrowStackOverflowError(t)
		return vmcore.JValue{}, false
	}
	defer t.PopFrame()

	t.CheckSuspend()

	var lock *vmcore.Object
	if m.IsSynchronized() {
		lock = ip.methodMonitor(t, f)
		if lock != nil {
			lock.MonitorEnter(t.ID)
			if tx := ip.activeTransaction(t); tx != nil {
				tx.RecordMonitorEnter(lock)
			}
		}
	}
	defer func() {
		if lock != nil {
			lock.MonitorExit(t.ID)
		}
	}()

	if ins := ip.instr(); ins != nil && ins.HasMethodEntryListeners() {
		ins.MethodEnterEvent(t, m)
	}

	if !stayInInterpreter && ip.Tiering != nil && !m.ForceInterpreter() &&
		!ip.interpretOnly() {
		if cc := ip.Tiering.MaybeCompiledCode(m); cc != nil {
			return ip.executeCompiled(t, cc, f)
		}
		ip.Tiering.AddSamples(t, m, 1, false)
	}

	return ip.execute(t, f, nil)
}

// methodMonitor returns the lock object of a synchronized method: the
// receiver, or the class mirror for static methods.
func (ip *Interpreter) methodMonitor(t *vmcore.Thread, f *vmcore.ShadowFrame) *vmcore.Object {
	m := f.Method
	if m.IsStatic() {
		return ip.classMirror(m.DeclaringClass)
	}
	recv := int32(m.NumRegs()) - int32(m.NumIns())
	return f.GetVRegRef(recv)
}

// classMirror returns the java.lang.Class instance standing in for a
// class, interned per descriptor.
func (ip *Interpreter) classMirror(c *vmcore.Class) *vmcore.Object {
	if o, ok := ip.classMirrors.Get(c.Descriptor); ok {
		return o
	}
	classClass := ip.linker.FindClass(vmcore.DescClass, nil)
	if classClass == nil {
		return nil
	}
	o := vmcore.NewObject(classClass)
	ip.classMirrors.Add(c.Descriptor, o)
	return o
}

// invokeNative delegates to the bound native implementation, flattening
// the argument values into word/reference arrays.
func (ip *Interpreter) invokeNative(t *vmcore.Thread, m *vmcore.Method,
	receiver *vmcore.Object, args []vmcore.JValue, result *vmcore.JValue) bool {
	if m.Native == nil {
		ip.exc.ThrowLinkageError(t, m.DeclaringClass,
			"No implementation found for %s", m.PrettyName())
		return false
	}
	words := make([]uint64, len(args))
	refs := make([]*vmcore.Object, len(args))
	for i, a := range args {
		words[i] = a.Bits
		refs[i] = a.Ref
	}
	t.SetState(vmcore.ThreadNative)
	v := m.Native(t, receiver, words, refs)
	t.SetState(vmcore.ThreadRunnable)
	if result != nil {
		*result = v
	}
	return !t.HasException()
}

func (ip *Interpreter) instr() *vmcore.Instrumentation {
	if ip.rt == nil {
		return nil
	}
	return ip.rt.Instrumentation()
}

func (ip *Interpreter) interpretOnly() bool {
	ins := ip.instr()
	return ins != nil && ins.InterpretOnly()
}

func (ip *Interpreter) activeTransaction(t *vmcore.Thread) vmcore.Transaction {
	if ip.rt == nil {
		return nil
	}
	return ip.rt.ActiveTransaction()
}

// isInvoke reports whether the opcode is any invoke flavor.
func isInvoke(op dex.Opcode) bool {
	switch op {
	case dex.OpInvokeVirtual, dex.OpInvokeSuper, dex.OpInvokeDirect,
		dex.OpInvokeStatic, dex.OpInvokeInterface,
		dex.OpInvokeVirtualRange, dex.OpInvokeSuperRange,
		dex.OpInvokeDirectRange, dex.OpInvokeStaticRange,
		dex.OpInvokeInterfaceRange,
		dex.OpInvokeVirtualQuick, dex.OpInvokeVirtualRangeQuick:
		return true
	}
	return false
}

// invokeReceiverReg returns the receiver register of an invoke.
func invokeReceiverReg(in dex.Instruction) int32 {
	switch in.Opcode().Format() {
	case dex.Fmt3rc:
		first, _ := in.ArgsRange()
		return int32(first)
	default:
		args := in.Args35c()
		if len(args) == 0 {
			return 0
		}
		return int32(args[0])
	}
}

// isStringConstructorInvoke reports whether the invoke at pc targets a
// java.lang.String <init>.
func isStringConstructorInvoke(linker *vmcore.Linker, m *vmcore.Method, pc dex.PC) bool {
	df := m.DeclaringClass.DexFile
	if df == nil {
		return false
	}
	in := dex.At(m.Code.Insns, pc)
	idx := dex.MethodIndex(in.VRegB())
	if int(idx) >= len(df.Methods) {
		return false
	}
	id := df.Methods[idx]
	return id.Name == "<init>" &&
		df.TypeDescriptor(id.ClassIdx) == vmcore.DescString
}
