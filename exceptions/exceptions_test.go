// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package exceptions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore"
)

func newTestEngine(t *testing.T) (*Engine, *vmcore.Linker, *vmcore.Thread) {
	t.Helper()
	linker := vmcore.NewLinker()
	linker.BootstrapCore()
	e := New(linker)
	return e, linker, vmcore.NewThread(nil, "main")
}

func exceptionMessage(t *testing.T, linker *vmcore.Linker, e *vmcore.Object) string {
	t.Helper()
	require.NotNil(t, e)
	f := e.Class().FindInstanceField("detailMessage")
	require.NotNil(t, f)
	msg := e.GetFieldRef(f.Offset)
	require.NotNil(t, msg)
	return msg.StringValue()
}

func TestDivideByZero(t *testing.T) {
	e, linker, th := newTestEngine(t)
	e.ThrowArithmeticExceptionDivideByZero(th)
	require.True(t, th.HasException())
	assert.Equal(t, "Ljava/lang/ArithmeticException;", th.Exception().Class().Descriptor)
	assert.Equal(t, "divide by zero", exceptionMessage(t, linker, th.Exception()))
}

func TestArrayIndexOutOfBounds(t *testing.T) {
	e, linker, th := newTestEngine(t)
	e.ThrowArrayIndexOutOfBounds(th, 4, 9)
	assert.Equal(t, "length=4; index=9", exceptionMessage(t, linker, th.Exception()))
}

func TestClassCastMessage(t *testing.T) {
	e, linker, th := newTestEngine(t)
	str := linker.FindClass(vmcore.DescString, nil)
	throwable := linker.FindClass(vmcore.DescThrowable, nil)
	e.ThrowClassCastException(th, throwable, str)
	assert.Equal(t, "java.lang.Throwable cannot be cast to java.lang.String",
		exceptionMessage(t, linker, th.Exception()))
}

func TestDeclarationClauseAppendedWhenDexFileKnown(t *testing.T) {
	e, linker, th := newTestEngine(t)
	df := dex.NewFile("/data/app/base.apk!classes2.dex")
	object := linker.FindClass(vmcore.DescObject, nil)
	owner := linker.NewClass("Lcom/example/Owner;", object, vmcore.AccPublic).
		InstanceField("count", "I", vmcore.AccPrivate).
		DexFile(df, 0).
		Build()
	f := owner.FindInstanceField("count")

	e.ThrowNullPointerExceptionForFieldAccess(th, f, true)
	msg := exceptionMessage(t, linker, th.Exception())
	assert.Equal(t,
		"Attempt to read from field 'int com.example.Owner.count' on a null object reference",
		msg)

	th.ClearException()
	referrer := linker.NewClass("Lcom/example/User;", object, vmcore.AccPublic).Build()
	e.ThrowIllegalAccessErrorField(th, referrer, f)
	msg = exceptionMessage(t, linker, th.Exception())
	assert.Contains(t, msg, "(declaration of 'com.example.Owner' appears in /data/app/base.apk!classes2.dex)")
}

func TestNullPointerFromDexPCFieldRead(t *testing.T) {
	e, linker, th := newTestEngine(t)
	df := dex.NewFile("test.dex")
	df.TypeDescs = []string{"Lcom/example/Holder;"}
	df.Fields = []dex.FieldID{{ClassIdx: 0, Name: "value", TypeDesc: "I"}}

	object := linker.FindClass(vmcore.DescObject, nil)
	holder := linker.NewClass("Lcom/example/Holder;", object, vmcore.AccPublic).
		InstanceField("value", "I", vmcore.AccPublic).
		DexFile(df, 0).
		Build()
	_ = holder

	// iget v0, v1, field@0
	m := &vmcore.Method{
		DeclaringClass: holder,
		Name:           "read",
		Shorty:         "I",
		Code: &dex.CodeItem{
			Insns: []uint16{uint16(dex.OpIget) | 0x1000, 0x0000, uint16(dex.OpReturn)},
		},
	}

	e.ThrowNullPointerExceptionFromDexPC(th, m, 0)
	msg := exceptionMessage(t, linker, th.Exception())
	assert.Equal(t,
		"Attempt to read from field 'int com.example.Holder.value' on a null object reference",
		msg)
}

func TestNullPointerFromDexPCInvokeVirtual(t *testing.T) {
	e, linker, th := newTestEngine(t)
	df := dex.NewFile("test.dex")
	df.TypeDescs = []string{"Lcom/example/Callee;"}
	df.Methods = []dex.MethodID{{ClassIdx: 0, Name: "run", Shorty: "V"}}

	object := linker.FindClass(vmcore.DescObject, nil)
	callee := linker.NewClass("Lcom/example/Callee;", object, vmcore.AccPublic).
		VirtualMethod(&vmcore.Method{Name: "run", Shorty: "V"}).
		DexFile(df, 0).
		Build()

	m := &vmcore.Method{
		DeclaringClass: callee,
		Name:           "caller",
		Shorty:         "V",
		Code: &dex.CodeItem{
			Insns: []uint16{uint16(dex.OpInvokeVirtual) | 0x1000, 0x0000, 0x0001},
		},
	}
	e.ThrowNullPointerExceptionFromDexPC(th, m, 0)
	msg := exceptionMessage(t, linker, th.Exception())
	assert.Equal(t,
		"Attempt to invoke virtual method 'com.example.Callee.run' on a null object reference",
		msg)
}

func TestNullPointerFromDexPCQuickFallback(t *testing.T) {
	e, linker, th := newTestEngine(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	owner := linker.NewClass("Lcom/example/Quick;", object, vmcore.AccPublic).
		InstanceField("f", "I", vmcore.AccPublic).
		Build()

	m := &vmcore.Method{
		DeclaringClass: owner,
		Name:           "q",
		Shorty:         "I",
		Code: &dex.CodeItem{
			// iget-quick v0, v1, offset@0
			Insns: []uint16{uint16(dex.OpIgetQuick) | 0x1000, 0x0000},
		},
	}

	// Without a verifier hook the message is imprecise.
	e.ThrowNullPointerExceptionFromDexPC(th, m, 0)
	assert.Equal(t, "Attempt to read from a field on a null object reference",
		exceptionMessage(t, linker, th.Exception()))
	th.ClearException()

	// With recovery installed the precise message is produced.
	e.RecoverQuickField = func(*vmcore.Method, dex.PC) *vmcore.Field {
		return owner.FindInstanceField("f")
	}
	e.ThrowNullPointerExceptionFromDexPC(th, m, 0)
	assert.Equal(t,
		"Attempt to read from field 'int com.example.Quick.f' on a null object reference",
		exceptionMessage(t, linker, th.Exception()))
}

func TestNullPointerFromDexPCArrayAndMonitor(t *testing.T) {
	e, linker, th := newTestEngine(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	owner := linker.NewClass("Lcom/example/Arr;", object, vmcore.AccPublic).Build()

	mk := func(op dex.Opcode) *vmcore.Method {
		return &vmcore.Method{
			DeclaringClass: owner, Name: "m", Shorty: "V",
			Code: &dex.CodeItem{Insns: []uint16{uint16(op), 0}},
		}
	}
	cases := []struct {
		op   dex.Opcode
		want string
	}{
		{dex.OpAget, "Attempt to read from null array"},
		{dex.OpAputObject, "Attempt to write to null array"},
		{dex.OpArrayLength, "Attempt to get length of null array"},
		{dex.OpMonitorEnter, "Attempt to do a monitor operation on a null object"},
		{dex.OpThrow, "throw with null exception"},
	}
	for _, tc := range cases {
		th.ClearException()
		e.ThrowNullPointerExceptionFromDexPC(th, mk(tc.op), 0)
		assert.Equal(t, tc.want, exceptionMessage(t, linker, th.Exception()), tc.op.Name())
	}
}

func TestStackOverflowNoUserCode(t *testing.T) {
	e, linker, th := newTestEngine(t)
	m := &vmcore.Method{Name: "deep", Shorty: "V"}
	for th.PushFrame(vmcore.NewShadowFrame(m, 1)) {
	}

	e.ThrowStackOverflowError(th)
	require.True(t, th.HasException())
	exc := th.Exception()
	assert.Equal(t, vmcore.DescStackOverflowError, exc.Class().Descriptor)

	// Cause points at itself, trace is the cached empty array.
	cause := exc.Class().FindInstanceField("cause")
	require.NotNil(t, cause)
	assert.Same(t, exc, exc.GetFieldRef(cause.Offset))
	trace := exc.Class().FindInstanceField("stackTrace")
	require.NotNil(t, trace)
	arr := exc.GetFieldRef(trace.Offset)
	require.NotNil(t, arr)
	assert.EqualValues(t, 0, arr.ArrayLength())

	// The reserve was re-armed: the stack is back at its normal limit.
	assert.False(t, th.StackEndExtended())
	assert.False(t, th.PushFrame(vmcore.NewShadowFrame(m, 1)))
	_ = linker
}

func TestNegativeArraySizeAndNoSuchMethod(t *testing.T) {
	e, linker, th := newTestEngine(t)
	e.ThrowNegativeArraySizeException(th, -3)
	assert.Equal(t, "-3", exceptionMessage(t, linker, th.Exception()))
	th.ClearException()

	object := linker.FindClass(vmcore.DescObject, nil)
	e.ThrowNoSuchMethodError(th, "virtual", object, "frobnicate", "V")
	assert.Equal(t, "No virtual method java.lang.Object.frobnicate [V]",
		exceptionMessage(t, linker, th.Exception()))
}

func TestIncompatibleClassChangeVariants(t *testing.T) {
	e, linker, th := newTestEngine(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	owner := linker.NewClass("Lcom/example/Iface;", object,
		vmcore.AccPublic|vmcore.AccInterface|vmcore.AccAbstract).Build()
	m := &vmcore.Method{DeclaringClass: owner, Name: "pick", Shorty: "V"}

	e.ThrowIncompatibleClassChangeErrorForMethod(th, "virtual", "static", m)
	assert.Contains(t, exceptionMessage(t, linker, th.Exception()),
		"was expected to be of type virtual but instead was found to be of type static")
	th.ClearException()

	e.ThrowIncompatibleClassChangeErrorForDefaultMethodConflict(th, m)
	assert.Equal(t, "Conflicting default method implementations com.example.Iface.pick",
		exceptionMessage(t, linker, th.Exception()))
}
