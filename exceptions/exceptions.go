// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package exceptions is the throw-site engine: a registry of exception
// kinds that formats messages, builds the pending exception object and
// installs it on the thread. Sites pass the offending context; the
// engine appends the referrer clause when a declaring class is known.
package exceptions // import "github.com/dexvm/dexrt/exceptions"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore"
)

// Kind names a throw site category, not a Java type: several kinds share
// a descriptor and differ only in message shape.
type Kind int

const (
	KindDivideByZero Kind = iota
	KindArrayIndexOutOfBounds
	KindArrayStore
	KindClassCast
	KindClassCircularity
	KindClassFormat
	KindIllegalAccess
	KindIllegalArgument
	KindIncompatibleClassChange
	KindIO
	KindLinkage
	KindNegativeArraySize
	KindNoSuchField
	KindNoSuchMethod
	KindNullPointer
	KindStackOverflow
	KindVerify
)

var kindDescriptors = map[Kind]string{
	KindDivideByZero:            "Ljava/lang/ArithmeticException;",
	KindArrayIndexOutOfBounds:   "Ljava/lang/ArrayIndexOutOfBoundsException;",
	KindArrayStore:              "Ljava/lang/ArrayStoreException;",
	KindClassCast:               "Ljava/lang/ClassCastException;",
	KindClassCircularity:        "Ljava/lang/ClassCircularityError;",
	KindClassFormat:             "Ljava/lang/ClassFormatError;",
	KindIllegalAccess:           "Ljava/lang/IllegalAccessError;",
	KindIllegalArgument:         "Ljava/lang/IllegalArgumentException;",
	KindIncompatibleClassChange: "Ljava/lang/IncompatibleClassChangeError;",
	KindIO:                      "Ljava/io/IOException;",
	KindLinkage:                 "Ljava/lang/LinkageError;",
	KindNegativeArraySize:       "Ljava/lang/NegativeArraySizeException;",
	KindNoSuchField:             "Ljava/lang/NoSuchFieldError;",
	KindNoSuchMethod:            "Ljava/lang/NoSuchMethodError;",
	KindNullPointer:             "Ljava/lang/NullPointerException;",
	KindStackOverflow:           vmcore.DescStackOverflowError,
	KindVerify:                  "Ljava/lang/VerifyError;",
}

// Descriptors whose classes derive from Error rather than Exception.
var errorKinds = map[Kind]bool{
	KindClassCircularity: true, KindClassFormat: true, KindIllegalAccess: true,
	KindIncompatibleClassChange: true, KindLinkage: true, KindNoSuchField: true,
	KindNoSuchMethod: true, KindStackOverflow: true, KindVerify: true,
}

const descStackTraceElement = "Ljava/lang/StackTraceElement;"

// Engine builds and installs pending exceptions. All classes it needs
// are registered at construction; no first-use lazy setup.
type Engine struct {
	linker *vmcore.Linker

	// Cached empty stack trace, shared by the no-user-code paths.
	emptyStackTrace *vmcore.Object

	// RecoverQuickField maps a quickened field opcode back to its field
	// using verifier data. Nil or a nil result selects the imprecise
	// message.
	RecoverQuickField func(m *vmcore.Method, pc dex.PC) *vmcore.Field
	// RecoverQuickMethod is the method counterpart for invoke-quick.
	RecoverQuickMethod func(m *vmcore.Method, pc dex.PC) *vmcore.Method
}

// New creates the engine and registers every exception class it can
// throw, plus the stack-trace element classes the overflow path needs.
func New(linker *vmcore.Linker) *Engine {
	e := &Engine{linker: linker}

	excBase := linker.FindClass(vmcore.DescRuntimeException, nil)
	errBase := linker.FindClass(vmcore.DescError, nil)
	if excBase == nil || errBase == nil {
		log.Fatal("exceptions: boot classes missing; call BootstrapCore first")
	}
	for kind, desc := range kindDescriptors {
		if linker.FindClass(desc, nil) != nil {
			continue
		}
		base := excBase
		if errorKinds[kind] {
			base = errBase
		}
		c := linker.NewClass(desc, base, vmcore.AccPublic).Build()
		c.SetStatus(vmcore.StatusInitialized)
	}
	if linker.FindClass(descStackTraceElement, nil) == nil {
		c := linker.NewClass(descStackTraceElement,
			linker.FindClass(vmcore.DescObject, nil), vmcore.AccPublic|vmcore.AccFinal).Build()
		c.SetStatus(vmcore.StatusInitialized)
	}
	arrClass := linker.FindClass(vmcore.DescStackTraceElementArray, nil)
	e.emptyStackTrace = vmcore.NewRefArray(arrClass, 0)
	return e
}

// withDeclarationClause appends the referrer clause when the declaring
// class and its defining dex file are known.
func withDeclarationClause(msg string, declaring *vmcore.Class) string {
	if declaring == nil || declaring.DexFile == nil {
		return msg
	}
	return fmt.Sprintf("%s (declaration of '%s' appears in %s)",
		msg, declaring.PrettyName(), declaring.DexFile.Location)
}

// Throw formats and installs a pending exception of the given kind.
func (e *Engine) Throw(t *vmcore.Thread, kind Kind, msg string) {
	desc := kindDescriptors[kind]
	klass := e.linker.FindClass(desc, nil)
	if klass == nil {
		log.Errorf("exception class %s missing; message: %s", desc, msg)
		return
	}
	obj := vmcore.NewObject(klass)
	if msg != "" {
		if f := klass.FindInstanceField("detailMessage"); f != nil {
			obj.SetFieldRef(f.Offset, e.linker.InternString(t, msg))
		}
	}
	t.SetException(obj)
}

// ThrowArithmeticExceptionDivideByZero reports integer division by zero.
func (e *Engine) ThrowArithmeticExceptionDivideByZero(t *vmcore.Thread) {
	e.Throw(t, KindDivideByZero, "divide by zero")
}

// ThrowArrayIndexOutOfBounds reports an index fault with the length.
func (e *Engine) ThrowArrayIndexOutOfBounds(t *vmcore.Thread, length, index int32) {
	e.Throw(t, KindArrayIndexOutOfBounds,
		fmt.Sprintf("length=%d; index=%d", length, index))
}

// ThrowArrayStoreException reports an incompatible aput-object.
func (e *Engine) ThrowArrayStoreException(t *vmcore.Thread, elem, array *vmcore.Class) {
	e.Throw(t, KindArrayStore, fmt.Sprintf("%s cannot be stored in an array of type %s",
		elem.PrettyName(), array.PrettyName()))
}

// ThrowClassCastException reports a failed check-cast.
func (e *Engine) ThrowClassCastException(t *vmcore.Thread, src, dest *vmcore.Class) {
	e.Throw(t, KindClassCast, fmt.Sprintf("%s cannot be cast to %s",
		src.PrettyName(), dest.PrettyName()))
}

// ThrowClassCircularityError reports a cyclic superclass chain.
func (e *Engine) ThrowClassCircularityError(t *vmcore.Thread, c *vmcore.Class) {
	e.Throw(t, KindClassCircularity, withDeclarationClause(c.PrettyName(), c))
}

// ThrowClassFormatError reports malformed class data in the referrer.
func (e *Engine) ThrowClassFormatError(t *vmcore.Thread, referrer *vmcore.Class,
	format string, args ...any) {
	e.Throw(t, KindClassFormat,
		withDeclarationClause(fmt.Sprintf(format, args...), referrer))
}

// ThrowIllegalAccessErrorClass reports a class access violation.
func (e *Engine) ThrowIllegalAccessErrorClass(t *vmcore.Thread, referrer, accessed *vmcore.Class) {
	e.Throw(t, KindIllegalAccess, fmt.Sprintf("Illegal class access: '%s' attempting to access '%s'",
		referrer.PrettyName(), accessed.PrettyName()))
}

// ThrowIllegalAccessErrorMethod reports a method access violation.
func (e *Engine) ThrowIllegalAccessErrorMethod(t *vmcore.Thread, referrer *vmcore.Class,
	m *vmcore.Method) {
	e.Throw(t, KindIllegalAccess,
		withDeclarationClause(fmt.Sprintf("Method '%s' is inaccessible to class '%s'",
			m.PrettyName(), referrer.PrettyName()), m.DeclaringClass))
}

// ThrowIllegalAccessErrorField reports a field access violation.
func (e *Engine) ThrowIllegalAccessErrorField(t *vmcore.Thread, referrer *vmcore.Class,
	f *vmcore.Field) {
	e.Throw(t, KindIllegalAccess,
		withDeclarationClause(fmt.Sprintf("Field '%s' is inaccessible to class '%s'",
			f.PrettyName(), referrer.PrettyName()), f.DeclaringClass))
}

// ThrowIllegalAccessErrorFinalField reports a write to a final field
// from outside its declaring class constructor.
func (e *Engine) ThrowIllegalAccessErrorFinalField(t *vmcore.Thread, m *vmcore.Method,
	f *vmcore.Field) {
	referrer := "unknown method"
	if m != nil {
		referrer = m.PrettyName()
	}
	e.Throw(t, KindIllegalAccess,
		withDeclarationClause(fmt.Sprintf("Final field '%s' cannot be written to by method '%s'",
			f.PrettyName(), referrer), f.DeclaringClass))
}

// ThrowIllegalAccessError reports a custom-formatted access violation.
func (e *Engine) ThrowIllegalAccessError(t *vmcore.Thread, format string, args ...any) {
	e.Throw(t, KindIllegalAccess, fmt.Sprintf(format, args...))
}

// ThrowIllegalArgumentException reports an invalid argument.
func (e *Engine) ThrowIllegalArgumentException(t *vmcore.Thread, msg string) {
	e.Throw(t, KindIllegalArgument, msg)
}

// ThrowIncompatibleClassChangeErrorForMethod reports a resolved method
// whose invoke kind does not match its declaration.
func (e *Engine) ThrowIncompatibleClassChangeErrorForMethod(t *vmcore.Thread,
	expected, found string, m *vmcore.Method) {
	e.Throw(t, KindIncompatibleClassChange,
		withDeclarationClause(fmt.Sprintf(
			"The method '%s' was expected to be of type %s but instead was found to be of type %s",
			m.PrettyName(), expected, found), m.DeclaringClass))
}

// ThrowIncompatibleClassChangeErrorForField is the field counterpart.
func (e *Engine) ThrowIncompatibleClassChangeErrorForField(t *vmcore.Thread,
	expected, found string, f *vmcore.Field) {
	e.Throw(t, KindIncompatibleClassChange,
		withDeclarationClause(fmt.Sprintf(
			"Expected '%s' to be a %s field rather than a %s field",
			f.PrettyName(), expected, found), f.DeclaringClass))
}

// ThrowIncompatibleClassChangeErrorForDefaultMethodConflict reports
// conflicting default method implementations at an interface call site.
func (e *Engine) ThrowIncompatibleClassChangeErrorForDefaultMethodConflict(
	t *vmcore.Thread, m *vmcore.Method) {
	e.Throw(t, KindIncompatibleClassChange,
		fmt.Sprintf("Conflicting default method implementations %s", m.PrettyName()))
}

// ThrowIncompatibleClassChangeErrorForInterfaceSuper reports an
// invoke-super through a type that is no longer a direct interface.
func (e *Engine) ThrowIncompatibleClassChangeErrorForInterfaceSuper(t *vmcore.Thread,
	m *vmcore.Method, iface, referrer *vmcore.Class) {
	e.Throw(t, KindIncompatibleClassChange,
		withDeclarationClause(fmt.Sprintf(
			"Method '%s' implemented by '%s' is not a direct interface of class '%s'",
			m.PrettyName(), iface.PrettyName(), referrer.PrettyName()), iface))
}

// ThrowIncompatibleClassChangeError reports the generic variant.
func (e *Engine) ThrowIncompatibleClassChangeError(t *vmcore.Thread,
	referrer *vmcore.Class, format string, args ...any) {
	e.Throw(t, KindIncompatibleClassChange,
		withDeclarationClause(fmt.Sprintf(format, args...), referrer))
}

// ThrowIOException reports an I/O failure surfaced to managed code.
func (e *Engine) ThrowIOException(t *vmcore.Thread, format string, args ...any) {
	e.Throw(t, KindIO, fmt.Sprintf(format, args...))
}

// ThrowLinkageError reports a linkage failure in the referrer.
func (e *Engine) ThrowLinkageError(t *vmcore.Thread, referrer *vmcore.Class,
	format string, args ...any) {
	e.Throw(t, KindLinkage,
		withDeclarationClause(fmt.Sprintf(format, args...), referrer))
}

// ThrowNegativeArraySizeException reports new-array with negative size.
func (e *Engine) ThrowNegativeArraySizeException(t *vmcore.Thread, size int32) {
	e.Throw(t, KindNegativeArraySize, fmt.Sprintf("%d", size))
}

// ThrowNoSuchFieldError reports an unresolvable field reference.
func (e *Engine) ThrowNoSuchFieldError(t *vmcore.Thread, scope string,
	c *vmcore.Class, typeDesc, name string) {
	e.Throw(t, KindNoSuchField,
		withDeclarationClause(fmt.Sprintf("No %sfield %s of type %s in class %s or its superclasses",
			scope, name, vmcore.PrettyDescriptor(typeDesc), c.PrettyName()), c))
}

// ThrowNoSuchMethodError reports an unresolvable method reference.
func (e *Engine) ThrowNoSuchMethodError(t *vmcore.Thread, invokeType string,
	c *vmcore.Class, name, shorty string) {
	e.Throw(t, KindNoSuchMethod,
		withDeclarationClause(fmt.Sprintf("No %s method %s.%s [%s]",
			invokeType, c.PrettyName(), name, shorty), c))
}

// ThrowNullPointerException installs a plain-message NPE.
func (e *Engine) ThrowNullPointerException(t *vmcore.Thread, msg string) {
	e.Throw(t, KindNullPointer, msg)
}

// ThrowNullPointerExceptionForFieldAccess formats the precise field
// message.
func (e *Engine) ThrowNullPointerExceptionForFieldAccess(t *vmcore.Thread,
	f *vmcore.Field, read bool) {
	verb := "write to"
	if read {
		verb = "read from"
	}
	e.Throw(t, KindNullPointer,
		fmt.Sprintf("Attempt to %s field '%s' on a null object reference", verb, f.PrettyName()))
}

// ThrowNullPointerExceptionForMethodAccess formats the precise invoke
// message.
func (e *Engine) ThrowNullPointerExceptionForMethodAccess(t *vmcore.Thread,
	invokeType string, m *vmcore.Method) {
	e.Throw(t, KindNullPointer,
		fmt.Sprintf("Attempt to invoke %s method '%s' on a null object reference",
			invokeType, m.PrettyName()))
}

func (e *Engine) throwNPEForMethodIndex(t *vmcore.Thread, m *vmcore.Method,
	invokeType string, idx dex.MethodIndex) {
	df := m.DeclaringClass.DexFile
	if df != nil {
		if callee := e.linker.ResolveMethod(t, df, idx, m.DeclaringClass.Loader); callee != nil {
			t.ClearException()
			e.ThrowNullPointerExceptionForMethodAccess(t, invokeType, callee)
			return
		}
		t.ClearException()
	}
	e.ThrowNullPointerException(t,
		fmt.Sprintf("Attempt to invoke %s method on a null object reference", invokeType))
}

func (e *Engine) throwNPEForFieldIndex(t *vmcore.Thread, m *vmcore.Method,
	read bool, idx dex.FieldIndex) {
	df := m.DeclaringClass.DexFile
	if df != nil {
		if f := e.linker.ResolveField(t, df, idx, m.DeclaringClass.Loader, false); f != nil {
			t.ClearException()
			e.ThrowNullPointerExceptionForFieldAccess(t, f, read)
			return
		}
		t.ClearException()
	}
	verb := "write to"
	if read {
		verb = "read from"
	}
	e.ThrowNullPointerException(t,
		fmt.Sprintf("Attempt to %s a field on a null object reference", verb))
}

// ThrowNullPointerExceptionFromDexPC inspects the faulting instruction
// and chooses the precise message. Quickened opcodes replaced their
// symbolic index with a layout offset; recovery goes through the
// verifier hooks and falls back to an imprecise message.
func (e *Engine) ThrowNullPointerExceptionFromDexPC(t *vmcore.Thread,
	m *vmcore.Method, pc dex.PC) {
	if m.Code == nil {
		e.ThrowNullPointerException(t, "Attempt to access a null object reference")
		return
	}
	in := dex.At(m.Code.Insns, pc)
	op := in.Opcode()
	switch op {
	case dex.OpInvokeVirtual, dex.OpInvokeVirtualRange:
		e.throwNPEForMethodIndex(t, m, "virtual", dex.MethodIndex(in.VRegB()))
	case dex.OpInvokeSuper, dex.OpInvokeSuperRange:
		e.throwNPEForMethodIndex(t, m, "super", dex.MethodIndex(in.VRegB()))
	case dex.OpInvokeDirect, dex.OpInvokeDirectRange:
		e.throwNPEForMethodIndex(t, m, "direct", dex.MethodIndex(in.VRegB()))
	case dex.OpInvokeInterface, dex.OpInvokeInterfaceRange:
		e.throwNPEForMethodIndex(t, m, "interface", dex.MethodIndex(in.VRegB()))
	case dex.OpInvokeVirtualQuick, dex.OpInvokeVirtualRangeQuick:
		if e.RecoverQuickMethod != nil {
			if callee := e.RecoverQuickMethod(m, pc); callee != nil {
				e.ThrowNullPointerExceptionForMethodAccess(t, "virtual", callee)
				return
			}
		}
		e.ThrowNullPointerException(t,
			"Attempt to invoke a virtual method on a null object reference")
	case dex.OpIget, dex.OpIgetWide, dex.OpIgetObject, dex.OpIgetBoolean,
		dex.OpIgetByte, dex.OpIgetChar, dex.OpIgetShort:
		e.throwNPEForFieldIndex(t, m, true, dex.FieldIndex(in.VRegC()))
	case dex.OpIput, dex.OpIputWide, dex.OpIputObject, dex.OpIputBoolean,
		dex.OpIputByte, dex.OpIputChar, dex.OpIputShort:
		e.throwNPEForFieldIndex(t, m, false, dex.FieldIndex(in.VRegC()))
	case dex.OpIgetQuick, dex.OpIgetWideQuick, dex.OpIgetObjectQuick,
		dex.OpIgetBooleanQuick, dex.OpIgetByteQuick, dex.OpIgetCharQuick,
		dex.OpIgetShortQuick:
		e.throwQuickFieldNPE(t, m, pc, true)
	case dex.OpIputQuick, dex.OpIputWideQuick, dex.OpIputObjectQuick,
		dex.OpIputBooleanQuick, dex.OpIputByteQuick, dex.OpIputCharQuick,
		dex.OpIputShortQuick:
		e.throwQuickFieldNPE(t, m, pc, false)
	case dex.OpAget, dex.OpAgetWide, dex.OpAgetObject, dex.OpAgetBoolean,
		dex.OpAgetByte, dex.OpAgetChar, dex.OpAgetShort:
		e.ThrowNullPointerException(t, "Attempt to read from null array")
	case dex.OpAput, dex.OpAputWide, dex.OpAputObject, dex.OpAputBoolean,
		dex.OpAputByte, dex.OpAputChar, dex.OpAputShort, dex.OpFillArrayData:
		e.ThrowNullPointerException(t, "Attempt to write to null array")
	case dex.OpArrayLength:
		e.ThrowNullPointerException(t, "Attempt to get length of null array")
	case dex.OpMonitorEnter, dex.OpMonitorExit:
		e.ThrowNullPointerException(t, "Attempt to do a monitor operation on a null object")
	case dex.OpThrow:
		e.ThrowNullPointerException(t, "throw with null exception")
	default:
		log.Debugf("imprecise null fault at %s pc %d opcode %s",
			m.PrettyName(), pc, op.Name())
		e.ThrowNullPointerException(t, "Attempt to access a null object reference")
	}
}

func (e *Engine) throwQuickFieldNPE(t *vmcore.Thread, m *vmcore.Method,
	pc dex.PC, read bool) {
	if e.RecoverQuickField != nil {
		if f := e.RecoverQuickField(m, pc); f != nil {
			e.ThrowNullPointerExceptionForFieldAccess(t, f, read)
			return
		}
	}
	verb := "write to"
	if read {
		verb = "read from"
	}
	e.ThrowNullPointerException(t,
		fmt.Sprintf("Attempt to %s a field on a null object reference", verb))
}

// ThrowStackOverflowError builds the overflow error without running any
// user code: an uninitialized instance with its fields set directly.
// The reserve is released for the duration and re-armed before return.
func (e *Engine) ThrowStackOverflowError(t *vmcore.Thread) {
	t.ExtendStackForOverflow()

	klass := e.linker.FindClass(vmcore.DescStackOverflowError, nil)
	var obj *vmcore.Object
	if klass != nil {
		obj = vmcore.NewObject(klass)
		if f := klass.FindInstanceField("detailMessage"); f != nil {
			msg := e.linker.InternString(t, fmt.Sprintf("stack size %d frames", t.FrameCount()))
			obj.SetFieldRef(f.Offset, msg)
		}
		if f := klass.FindInstanceField("cause"); f != nil {
			obj.SetFieldRef(f.Offset, obj)
		}
		if f := klass.FindInstanceField("stackTrace"); f != nil {
			obj.SetFieldRef(f.Offset, e.emptyStackTrace)
		}
	} else if t.Runtime() != nil {
		obj = t.Runtime().PreallocatedStackOverflowError()
	}
	if obj == nil {
		log.Error("stack overflow with no error class and no preallocated instance")
	} else {
		t.SetException(obj)
	}

	t.ResetStackEnd()
}

// ThrowVerifyError reports a verification failure of the given class.
func (e *Engine) ThrowVerifyError(t *vmcore.Thread, referrer *vmcore.Class,
	format string, args ...any) {
	e.Throw(t, KindVerify,
		withDeclarationClause(fmt.Sprintf(format, args...), referrer))
}

// ThrowOutOfMemoryError installs the preallocated OOM instance when
// available, otherwise a fresh one.
func (e *Engine) ThrowOutOfMemoryError(t *vmcore.Thread, msg string) {
	if rt := t.Runtime(); rt != nil {
		if pre := rt.PreallocatedOutOfMemoryError(); pre != nil {
			t.SetException(pre)
			return
		}
	}
	if klass := e.linker.FindClass(vmcore.DescOutOfMemoryError, nil); klass != nil {
		obj := vmcore.NewObject(klass)
		if f := klass.FindInstanceField("detailMessage"); f != nil {
			obj.SetFieldRef(f.Offset, e.linker.InternString(t, msg))
		}
		t.SetException(obj)
	}
}
