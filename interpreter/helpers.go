// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package interpreter // import "github.com/dexvm/dexrt/interpreter"

import (
	"unsafe"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore"
)

// refToken returns a stable comparison token for a reference. if-eq and
// if-ne on references compare identity, not content.
func refToken(o *vmcore.Object) uintptr {
	return uintptr(unsafe.Pointer(o))
}

// resolveMethodCached resolves a symbolic method index through a small
// LRU in front of the class linker.
func (ip *Interpreter) resolveMethodCached(t *vmcore.Thread, referrer *vmcore.Class,
	idx dex.MethodIndex) *vmcore.Method {
	df := referrer.DexFile
	if df == nil {
		return nil
	}
	key := resolutionKey{file: df.Checksum, idx: uint32(idx)}
	if m, ok := ip.methodCache.Get(key); ok {
		return m
	}
	m := ip.linker.ResolveMethod(t, df, idx, referrer.Loader)
	if m != nil {
		ip.methodCache.Add(key, m)
	}
	return m
}

// resolveFieldCached resolves a symbolic field index through the field
// LRU. Static and instance ids share the dex index space, so one cache
// serves both.
func (ip *Interpreter) resolveFieldCached(t *vmcore.Thread, referrer *vmcore.Class,
	idx dex.FieldIndex, static bool) *vmcore.Field {
	df := referrer.DexFile
	if df == nil {
		return nil
	}
	key := resolutionKey{file: df.Checksum, idx: uint32(idx)}
	if f, ok := ip.fieldCache.Get(key); ok {
		if f.IsStatic() == static {
			return f
		}
		return nil
	}
	f := ip.linker.ResolveField(t, df, idx, referrer.Loader, static)
	if f != nil {
		ip.fieldCache.Add(key, f)
	}
	return f
}

func (ip *Interpreter) doNewInstance(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction) bool {
	m := f.Method
	c := ip.linker.ResolveType(t, m.DeclaringClass.DexFile,
		dex.TypeIndex(in.VRegB()), m.DeclaringClass.Loader)
	if c == nil {
		return false
	}
	if !ip.linker.EnsureInitialized(t, c) {
		return false
	}
	var o *vmcore.Object
	if c.IsStringClass() {
		// The real payload arrives when <init> runs; deoptimization
		// heals aliases of this placeholder.
		o = vmcore.NewString(c, "")
	} else {
		o = vmcore.NewObject(c)
	}
	f.SetVRegRef(in.VRegA(), o)
	return true
}

func (ip *Interpreter) doNewArray(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction) bool {
	m := f.Method
	length := int32(f.GetVReg(in.VRegB()))
	if length < 0 {
		ip.exc.ThrowNegativeArraySizeException(t, length)
		return false
	}
	c := ip.linker.ResolveType(t, m.DeclaringClass.DexFile,
		dex.TypeIndex(in.VRegC()), m.DeclaringClass.Loader)
	if c == nil {
		return false
	}
	f.SetVRegRef(in.VRegA(), allocArray(c, length))
	return true
}

func allocArray(c *vmcore.Class, length int32) *vmcore.Object {
	if c.Component.IsPrimitive() {
		return vmcore.NewPrimArray(c, length)
	}
	return vmcore.NewRefArray(c, length)
}

// doFilledNewArray builds the array from the instruction's argument
// registers and leaves it in the frame's result register for the
// following move-result-object.
func (ip *Interpreter) doFilledNewArray(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, rangeForm bool) bool {
	m := f.Method
	c := ip.linker.ResolveType(t, m.DeclaringClass.DexFile,
		dex.TypeIndex(in.VRegB()), m.DeclaringClass.Loader)
	if c == nil {
		return false
	}
	regs := argRegisters(in, rangeForm)
	arr := allocArray(c, int32(len(regs)))
	if c.Component.IsPrimitive() {
		for i, r := range regs {
			arr.SetElem(int32(i), uint64(f.GetVReg(r)))
		}
	} else {
		for i, r := range regs {
			arr.SetElemRef(int32(i), f.GetVRegRef(r))
		}
	}
	f.Result = vmcore.JValue{Ref: arr}
	return true
}

func (ip *Interpreter) doFillArrayData(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, pc dex.PC) bool {
	m := f.Method
	arr := f.GetVRegRef(in.VRegA())
	if arr == nil {
		ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
		return false
	}
	payload, err := dex.DecodeFillArrayData(m.Code.Insns, pc+dex.PC(in.VRegB()))
	if err != nil {
		ip.exc.ThrowVerifyError(t, m.DeclaringClass, "%v", err)
		return false
	}
	width := int(payload.ElementWidth)
	count := int32(len(payload.Data) / width)
	if count > arr.ArrayLength() {
		ip.exc.ThrowArrayIndexOutOfBounds(t, arr.ArrayLength(), count-1)
		return false
	}
	for i := int32(0); i < count; i++ {
		var w uint64
		for b := 0; b < width; b++ {
			w |= uint64(payload.Data[int(i)*width+b]) << (8 * b)
		}
		arr.SetElem(i, w)
	}
	return true
}

// argRegisters decodes the argument register list of a 35c/3rc form
// instruction.
func argRegisters(in dex.Instruction, rangeForm bool) []int32 {
	if rangeForm {
		first, count := in.ArgsRange()
		regs := make([]int32, count)
		for i := range regs {
			regs[i] = int32(first) + int32(i)
		}
		return regs
	}
	args := in.Args35c()
	regs := make([]int32, len(args))
	for i, a := range args {
		regs[i] = int32(a)
	}
	return regs
}

// checkArrayAccess validates the array reference and index, throwing on
// failure.
func (ip *Interpreter) checkArrayAccess(t *vmcore.Thread, m *vmcore.Method,
	arr *vmcore.Object, idx int32, pc dex.PC) bool {
	if arr == nil {
		ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
		return false
	}
	if !arr.InBounds(idx) {
		ip.exc.ThrowArrayIndexOutOfBounds(t, arr.ArrayLength(), idx)
		return false
	}
	return true
}

func (ip *Interpreter) doArrayGet(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode, pc dex.PC) bool {
	arr := f.GetVRegRef(in.VRegB())
	idx := int32(f.GetVReg(in.VRegC()))
	if !ip.checkArrayAccess(t, f.Method, arr, idx, pc) {
		return false
	}
	dst := in.VRegA()
	switch op {
	case dex.OpAgetObject:
		f.SetVRegRef(dst, arr.GetElemRef(idx))
	case dex.OpAgetWide:
		f.SetVRegLong(dst, int64(arr.GetElem(idx)))
	case dex.OpAgetBoolean:
		f.SetVReg(dst, uint32(arr.GetElem(idx))&1)
	case dex.OpAgetByte:
		f.SetVReg(dst, uint32(int32(int8(arr.GetElem(idx)))))
	case dex.OpAgetChar:
		f.SetVReg(dst, uint32(uint16(arr.GetElem(idx))))
	case dex.OpAgetShort:
		f.SetVReg(dst, uint32(int32(int16(arr.GetElem(idx)))))
	default: // aget
		f.SetVReg(dst, uint32(arr.GetElem(idx)))
	}
	return true
}

func (ip *Interpreter) doArrayPut(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode, pc dex.PC) bool {
	arr := f.GetVRegRef(in.VRegB())
	idx := int32(f.GetVReg(in.VRegC()))
	if !ip.checkArrayAccess(t, f.Method, arr, idx, pc) {
		return false
	}
	src := in.VRegA()
	if op == dex.OpAputObject {
		o := f.GetVRegRef(src)
		if o != nil && !arr.Class().Component.IsAssignableFrom(o.Class()) {
			ip.exc.ThrowArrayStoreException(t, o.Class(), arr.Class())
			return false
		}
		if tx := ip.activeTransaction(t); tx != nil {
			tx.RecordArrayRefWrite(arr, idx, arr.GetElemRef(idx))
		}
		arr.SetElemRef(idx, o)
		return true
	}
	if tx := ip.activeTransaction(t); tx != nil {
		tx.RecordArrayWrite(arr, idx, arr.GetElem(idx))
	}
	switch op {
	case dex.OpAputWide:
		arr.SetElem(idx, uint64(f.GetVRegLong(src)))
	case dex.OpAputBoolean:
		arr.SetElem(idx, uint64(f.GetVReg(src)&1))
	case dex.OpAputByte:
		arr.SetElem(idx, uint64(uint8(f.GetVReg(src))))
	case dex.OpAputChar, dex.OpAputShort:
		arr.SetElem(idx, uint64(uint16(f.GetVReg(src))))
	default: // aput
		arr.SetElem(idx, uint64(f.GetVReg(src)))
	}
	return true
}

// fieldWordFor normalizes a 32-bit register value into the canonical
// stored word for a narrow field type.
func fieldWordFor(desc string, v uint32) uint64 {
	switch desc {
	case "Z":
		return uint64(v & 1)
	case "B":
		return uint64(uint32(int32(int8(v))))
	case "C":
		return uint64(uint16(v))
	case "S":
		return uint64(uint32(int32(int16(v))))
	default:
		return uint64(v)
	}
}

func (ip *Interpreter) doInstanceGet(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode, pc dex.PC) bool {
	m := f.Method
	field := ip.resolveFieldCached(t, m.DeclaringClass, dex.FieldIndex(in.VRegC()), false)
	if field == nil {
		ip.throwFieldResolutionError(t, m, dex.FieldIndex(in.VRegC()), "instance ")
		return false
	}
	obj := f.GetVRegRef(in.VRegB())
	if obj == nil {
		ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
		return false
	}
	ip.loadField(f, in.VRegA(), obj, field, op == dex.OpIgetWide, op == dex.OpIgetObject)
	return true
}

func (ip *Interpreter) doInstancePut(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode, pc dex.PC) bool {
	m := f.Method
	field := ip.resolveFieldCached(t, m.DeclaringClass, dex.FieldIndex(in.VRegC()), false)
	if field == nil {
		ip.throwFieldResolutionError(t, m, dex.FieldIndex(in.VRegC()), "instance ")
		return false
	}
	if field.IsFinal() && m.DeclaringClass != field.DeclaringClass {
		ip.exc.ThrowIllegalAccessErrorFinalField(t, m, field)
		return false
	}
	obj := f.GetVRegRef(in.VRegB())
	if obj == nil {
		ip.exc.ThrowNullPointerExceptionFromDexPC(t, m, pc)
		return false
	}
	ip.storeInstanceField(t, f, in.VRegA(), obj, field,
		op == dex.OpIputWide, op == dex.OpIputObject)
	return true
}

// loadField reads a resolved instance field into a register.
func (ip *Interpreter) loadField(f *vmcore.ShadowFrame, dst int32,
	obj *vmcore.Object, field *vmcore.Field, wide, ref bool) {
	switch {
	case ref:
		f.SetVRegRef(dst, obj.GetFieldRef(field.Offset))
	case wide:
		f.SetVRegLong(dst, int64(obj.GetFieldWord(field.Offset)))
	default:
		f.SetVReg(dst, uint32(obj.GetFieldWord(field.Offset)))
	}
}

// storeInstanceField writes a register into a resolved instance field,
// appending a transaction undo record first when one is open.
func (ip *Interpreter) storeInstanceField(t *vmcore.Thread, f *vmcore.ShadowFrame,
	src int32, obj *vmcore.Object, field *vmcore.Field, wide, ref bool) {
	if tx := ip.activeTransaction(t); tx != nil {
		tx.RecordInstanceFieldWrite(obj, field.Offset,
			obj.GetFieldWord(field.Offset), obj.GetFieldRef(field.Offset))
	}
	switch {
	case ref:
		obj.SetFieldRef(field.Offset, f.GetVRegRef(src))
	case wide:
		obj.SetFieldWord(field.Offset, uint64(f.GetVRegLong(src)))
	default:
		obj.SetFieldWord(field.Offset, fieldWordFor(field.TypeDesc, f.GetVReg(src)))
	}
}

func (ip *Interpreter) doStaticGet(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode) bool {
	m := f.Method
	field := ip.resolveFieldCached(t, m.DeclaringClass, dex.FieldIndex(in.VRegB()), true)
	if field == nil {
		ip.throwFieldResolutionError(t, m, dex.FieldIndex(in.VRegB()), "static ")
		return false
	}
	c := field.DeclaringClass
	if !ip.linker.EnsureInitialized(t, c) {
		return false
	}
	dst := in.VRegA()
	switch op {
	case dex.OpSgetObject:
		f.SetVRegRef(dst, c.StaticRefs[field.Offset])
	case dex.OpSgetWide:
		f.SetVRegLong(dst, int64(c.StaticWords[field.Offset]))
	default:
		f.SetVReg(dst, uint32(c.StaticWords[field.Offset]))
	}
	return true
}

func (ip *Interpreter) doStaticPut(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode) bool {
	m := f.Method
	field := ip.resolveFieldCached(t, m.DeclaringClass, dex.FieldIndex(in.VRegB()), true)
	if field == nil {
		ip.throwFieldResolutionError(t, m, dex.FieldIndex(in.VRegB()), "static ")
		return false
	}
	if field.IsFinal() && !m.IsClassInitializer() {
		ip.exc.ThrowIllegalAccessErrorFinalField(t, m, field)
		return false
	}
	c := field.DeclaringClass
	if !ip.linker.EnsureInitialized(t, c) {
		return false
	}
	if tx := ip.activeTransaction(t); tx != nil {
		tx.RecordStaticFieldWrite(c, field.Offset,
			c.StaticWords[field.Offset], c.StaticRefs[field.Offset])
	}
	src := in.VRegA()
	switch op {
	case dex.OpSputObject:
		c.StaticRefs[field.Offset] = f.GetVRegRef(src)
	case dex.OpSputWide:
		c.StaticWords[field.Offset] = uint64(f.GetVRegLong(src))
	default:
		c.StaticWords[field.Offset] = fieldWordFor(field.TypeDesc, f.GetVReg(src))
	}
	return true
}

// throwFieldResolutionError raises the right error for a failed field
// resolution unless the resolution itself already threw.
func (ip *Interpreter) throwFieldResolutionError(t *vmcore.Thread, m *vmcore.Method,
	idx dex.FieldIndex, scope string) {
	if t.HasException() {
		return
	}
	df := m.DeclaringClass.DexFile
	if df == nil || int(idx) >= len(df.Fields) {
		ip.exc.ThrowVerifyError(t, m.DeclaringClass,
			"bad field index %d in %s", idx, m.PrettyName())
		return
	}
	id := df.Fields[idx]
	owner := ip.linker.FindClass(df.TypeDescriptor(id.ClassIdx), m.DeclaringClass.Loader)
	if owner == nil {
		owner = m.DeclaringClass
	}
	ip.exc.ThrowNoSuchFieldError(t, scope, owner, id.TypeDesc, id.Name)
}

// Quickened field access: the C operand carries the resolved storage
// offset instead of a symbolic index.

func (ip *Interpreter) doQuickGet(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode, pc dex.PC) bool {
	obj := f.GetVRegRef(in.VRegB())
	if obj == nil {
		ip.exc.ThrowNullPointerExceptionFromDexPC(t, f.Method, pc)
		return false
	}
	offset := uint32(in.VRegC())
	dst := in.VRegA()
	switch op {
	case dex.OpIgetObjectQuick:
		f.SetVRegRef(dst, obj.GetFieldRef(offset))
	case dex.OpIgetWideQuick:
		f.SetVRegLong(dst, int64(obj.GetFieldWord(offset)))
	default:
		f.SetVReg(dst, uint32(obj.GetFieldWord(offset)))
	}
	return true
}

func (ip *Interpreter) doQuickPut(t *vmcore.Thread, f *vmcore.ShadowFrame,
	in dex.Instruction, op dex.Opcode, pc dex.PC) bool {
	obj := f.GetVRegRef(in.VRegB())
	if obj == nil {
		ip.exc.ThrowNullPointerExceptionFromDexPC(t, f.Method, pc)
		return false
	}
	offset := uint32(in.VRegC())
	if tx := ip.activeTransaction(t); tx != nil {
		tx.RecordInstanceFieldWrite(obj, offset,
			obj.GetFieldWord(offset), obj.GetFieldRef(offset))
	}
	src := in.VRegA()
	switch op {
	case dex.OpIputObjectQuick:
		obj.SetFieldRef(offset, f.GetVRegRef(src))
	case dex.OpIputWideQuick:
		obj.SetFieldWord(offset, uint64(f.GetVRegLong(src)))
	case dex.OpIputBooleanQuick:
		obj.SetFieldWord(offset, uint64(f.GetVReg(src)&1))
	case dex.OpIputByteQuick:
		obj.SetFieldWord(offset, uint64(uint32(int32(int8(f.GetVReg(src))))))
	case dex.OpIputCharQuick:
		obj.SetFieldWord(offset, uint64(uint16(f.GetVReg(src))))
	case dex.OpIputShortQuick:
		obj.SetFieldWord(offset, uint64(uint32(int32(int16(f.GetVReg(src))))))
	default:
		obj.SetFieldWord(offset, uint64(f.GetVReg(src)))
	}
	return true
}
