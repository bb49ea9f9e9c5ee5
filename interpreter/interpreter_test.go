// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/exceptions"
	"github.com/dexvm/dexrt/stackmap"
	"github.com/dexvm/dexrt/txnlog"
	"github.com/dexvm/dexrt/vmcore"
)

func newTestVM(t *testing.T) (*Interpreter, *vmcore.Linker, *vmcore.Runtime, *vmcore.Thread) {
	t.Helper()
	linker := vmcore.NewLinker()
	linker.BootstrapCore()
	exc := exceptions.New(linker)
	rt := vmcore.NewRuntime(linker)
	ip := New(rt, linker, exc)
	return ip, linker, rt, vmcore.NewThread(rt, "main")
}

func staticMethod(name, shorty string, regs, ins uint16, insns []uint16,
	tries ...dex.TryItem) *vmcore.Method {
	return &vmcore.Method{
		Name:   name,
		Shorty: shorty,
		Flags:  vmcore.AccPublic | vmcore.AccStatic,
		Code: &dex.CodeItem{
			RegistersSize: regs,
			InsSize:       ins,
			Insns:         insns,
			Tries:         tries,
		},
	}
}

func exceptionDesc(t *testing.T, th *vmcore.Thread) string {
	t.Helper()
	require.True(t, th.HasException())
	return th.Exception().Class().Descriptor
}

func exceptionMessage(t *testing.T, th *vmcore.Thread) string {
	t.Helper()
	require.True(t, th.HasException())
	e := th.Exception()
	f := e.Class().FindInstanceField("detailMessage")
	require.NotNil(t, f)
	msg := e.GetFieldRef(f.Offset)
	require.NotNil(t, msg)
	return msg.StringValue()
}

// sumMethod computes 1+2+...+n with a backward branch:
//
//	const/4 v0, #0        ; acc
//	const/4 v1, #1        ; i
//	if-gt v1, v3, :exit   ; v3 = n
//	add-int/2addr v0, v1
//	add-int/lit8 v1, v1, #1
//	goto :loop
//	:exit return v0
func sumMethod() *vmcore.Method {
	return staticMethod("sum", "II", 4, 1, []uint16{
		0x0012,         // 0: const/4 v0, #0
		0x1112,         // 1: const/4 v1, #1
		0x3136, 0x0006, // 2: if-gt v1, v3, +6
		0x10b0,         // 4: add-int/2addr v0, v1
		0x01d8, 0x0101, // 5: add-int/lit8 v1, v1, #1
		0xfb28, // 7: goto -5
		0x000f, // 8: return v0
	})
}

func TestArithmeticLoop(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	m := sumMethod()
	linker.NewClass("Lt/Math;", object, vmcore.AccPublic).DirectMethod(m).Build()

	var res vmcore.JValue
	ok := ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Bits: 5}}, &res, false)
	require.True(t, ok)
	assert.Equal(t, int32(15), res.Int())
	assert.False(t, th.HasException())
	assert.Zero(t, th.FrameCount())
}

func TestWideArgumentPairing(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	// long addMix(long a, int b) { return a + (long)b; }
	m := staticMethod("addMix", "JJI", 5, 3, []uint16{
		0x4081, // int-to-long v0, v4
		0x20bb, // add-long/2addr v0, v2
		0x0010, // return-wide v0
	})
	linker.NewClass("Lt/Wide;", object, vmcore.AccPublic).DirectMethod(m).Build()

	var res vmcore.JValue
	ok := ip.EnterFromInvoke(th, m,
		nil, []vmcore.JValue{{Bits: 1 << 40}, {Bits: 7}}, &res, false)
	require.True(t, ok)
	assert.Equal(t, int64(1<<40)+7, res.Long())
}

func TestPackedSwitchDispatchAndMiss(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	m := staticMethod("classify", "II", 2, 1, []uint16{
		0x012b, 0x0008, 0x0000, // 0: packed-switch v1, payload@+8
		0x0012,                 // 3: const/4 v0, #0   (miss falls through here)
		0x000f,                 // 4: return v0
		0x1012,                 // 5: const/4 v0, #1   (case 0)
		0x000f,                 // 6: return v0
		0x0000,                 // 7: nop filler
		0x0100, 0x0001,         // 8: packed-switch payload, size 1
		0x0000, 0x0000,         //    first key 0
		0x0005, 0x0000,         //    target +5
	})
	linker.NewClass("Lt/Switch;", object, vmcore.AccPublic).DirectMethod(m).Build()

	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Bits: 0}}, &res, false))
	assert.Equal(t, int32(1), res.Int())

	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Bits: 42}}, &res, false))
	assert.Equal(t, int32(0), res.Int(), "switch miss falls through past the payload reference")
}

func TestInvokeVirtualDispatch(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	df := dex.NewFile("invoke.dex")
	df.TypeDescs = []string{"Lt/Calc;"}
	df.Methods = []dex.MethodID{{ClassIdx: 0, Name: "answer", Shorty: "I"}}

	answer := &vmcore.Method{
		Name: "answer", Shorty: "I", Flags: vmcore.AccPublic,
		Code: &dex.CodeItem{
			RegistersSize: 2, InsSize: 1,
			Insns: []uint16{
				0x0013, 42, // const/16 v0, #42
				0x000f, // return v0
			},
		},
	}
	calc := linker.NewClass("Lt/Calc;", object, vmcore.AccPublic).
		VirtualMethod(answer).DexFile(df, 0).Build()

	caller := staticMethod("call", "IL", 2, 1, []uint16{
		0x106e, 0x0000, 0x0001, // invoke-virtual {v1}, method@0
		0x000a, // move-result v0
		0x000f, // return v0
	})
	linker.NewClass("Lt/Main;", object, vmcore.AccPublic).
		DirectMethod(caller).DexFile(df, 0).Build()

	recv := vmcore.NewObject(calc)
	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, caller,
		nil, []vmcore.JValue{{Ref: recv}}, &res, false))
	assert.Equal(t, int32(42), res.Int())

	// A null receiver raises the precise NPE instead of dispatching.
	ok := ip.EnterFromInvoke(th, caller, nil, []vmcore.JValue{{Ref: nil}}, &res, false)
	require.False(t, ok)
	assert.Equal(t, "Ljava/lang/NullPointerException;", exceptionDesc(t, th))
	assert.Contains(t, exceptionMessage(t, th), "t.Calc.answer")
	th.ClearException()
}

func TestCatchSearchTypedHandler(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	df := dex.NewFile("catch.dex")
	df.TypeDescs = []string{"Lt/Div;", "Ljava/lang/ArithmeticException;"}

	m := staticMethod("safeDiv", "I", 3, 0, []uint16{
		0x1012,         // 0: const/4 v0, #1
		0x0112,         // 1: const/4 v1, #0
		0x0293, 0x0100, // 2: div-int v2, v0, v1
		0x020f, // 4: return v2
		0x7212, // 5: const/4 v2, #7  (handler)
		0x020f, // 6: return v2
	}, dex.TryItem{
		StartPC: 2, InsnCount: 2,
		Handlers: []dex.CatchHandler{{TypeIdx: 1, HandlerPC: 5}},
		CatchAll: dex.NoPC,
	})
	linker.NewClass("Lt/Div;", object, vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()

	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, nil, &res, false))
	assert.Equal(t, int32(7), res.Int())
	assert.False(t, th.HasException())
}

func TestCatchAllAndMoveException(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	df := dex.NewFile("catchall.dex")
	m := staticMethod("rescue", "LL", 2, 1, []uint16{
		0x0127, // 0: throw v1
		0x000d, // 1: move-exception v0  (catch-all handler)
		0x0011, // 2: return-object v0
	}, dex.TryItem{StartPC: 0, InsnCount: 1, CatchAll: 1})
	linker.NewClass("Lt/Rescue;", object, vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()

	thrown := vmcore.NewObject(linker.FindClass(vmcore.DescRuntimeException, nil))
	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Ref: thrown}}, &res, false))
	assert.Same(t, thrown, res.Ref)
	assert.False(t, th.HasException())
}

func TestUncaughtExceptionUnwinds(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	m := staticMethod("boom", "I", 3, 0, []uint16{
		0x1012,         // const/4 v0, #1
		0x0112,         // const/4 v1, #0
		0x0293, 0x0100, // div-int v2, v0, v1
		0x020f, // return v2
	})
	linker.NewClass("Lt/Boom;", object, vmcore.AccPublic).DirectMethod(m).Build()

	var res vmcore.JValue
	require.False(t, ip.EnterFromInvoke(th, m, nil, nil, &res, false))
	assert.Equal(t, "Ljava/lang/ArithmeticException;", exceptionDesc(t, th))
	assert.Zero(t, th.FrameCount())
	th.ClearException()
}

func TestAbortSentinelSkipsCatchAllAndReleasesMonitors(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	errClass := linker.FindClass(vmcore.DescError, nil)
	abortClass := linker.NewClass(txnlog.AbortDescriptor, errClass, vmcore.AccPublic).Build()
	abortClass.SetStatus(vmcore.StatusInitialized)

	object := linker.FindClass(vmcore.DescObject, nil)
	df := dex.NewFile("abort.dex")
	m := staticMethod("aborted", "VL", 1, 1, []uint16{
		0x001d, // 0: monitor-enter v0
		0x0027, // 1: throw v0
		0x000e, // 2: return-void  (catch-all handler, must not run)
	}, dex.TryItem{StartPC: 0, InsnCount: 2, CatchAll: 2})
	linker.NewClass("Lt/Abort;", object, vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()

	sentinel := vmcore.NewObject(abortClass)
	var res vmcore.JValue
	ok := ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Ref: sentinel}}, &res, false)
	require.False(t, ok, "the abort sentinel must not match any handler")
	assert.Same(t, sentinel, th.Exception())
	assert.False(t, sentinel.IsLockedBy(th.ID), "scoped monitor released during unwind")
	th.ClearException()
}

func TestSynchronizedMethodUnlocksOnUnwind(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	boom := &vmcore.Method{
		Name: "boom", Shorty: "I",
		Flags: vmcore.AccPublic | vmcore.AccSynchronized,
		Code: &dex.CodeItem{
			RegistersSize: 4, InsSize: 1,
			Insns: []uint16{
				0x1012,         // const/4 v0, #1
				0x0112,         // const/4 v1, #0
				0x0293, 0x0100, // div-int v2, v0, v1
				0x020f, // return v2
			},
		},
	}
	sync := linker.NewClass("Lt/Sync;", object, vmcore.AccPublic).
		VirtualMethod(boom).Build()

	recv := vmcore.NewObject(sync)
	var res vmcore.JValue
	require.False(t, ip.EnterFromInvoke(th, boom, recv, nil, &res, false))
	assert.Equal(t, "Ljava/lang/ArithmeticException;", exceptionDesc(t, th))
	assert.False(t, recv.IsLockedBy(th.ID))
	th.ClearException()
}

func TestStaticFieldWriteRecordsTransactionUndo(t *testing.T) {
	ip, linker, rt, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	df := dex.NewFile("txn.dex")
	df.TypeDescs = []string{"Lt/Conf;"}
	df.Fields = []dex.FieldID{{ClassIdx: 0, Name: "counter", TypeDesc: "I"}}

	m := staticMethod("bump", "V", 1, 0, []uint16{
		0x5012,         // const/4 v0, #5
		0x0067, 0x0000, // sput v0, field@0
		0x000e, // return-void
	})
	conf := linker.NewClass("Lt/Conf;", object, vmcore.AccPublic).
		StaticField("counter", "I", vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()
	field := conf.FindStaticField("counter")
	require.NotNil(t, field)

	log := txnlog.New(linker)
	rt.EnterTransaction(log)
	defer rt.ExitTransaction()

	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, nil, &res, false))
	assert.Equal(t, uint64(5), conf.StaticWords[field.Offset])
	assert.Positive(t, log.RecordCount())

	log.Rollback()
	assert.Equal(t, uint64(0), conf.StaticWords[field.Offset])
	assert.Equal(t, vmcore.StatusResolved, conf.Status(),
		"class initialization rolls back with the transaction")
}

func TestArrayGetAndBounds(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	intArr := linker.FindClass("[I", nil)
	require.NotNil(t, intArr)

	m := staticMethod("sumFirstTwo", "IL", 4, 1, []uint16{
		0x0012,         // 0: const/4 v0, #0
		0x0144, 0x0003, // 1: aget v1, v3, v0
		0x1212,         // 3: const/4 v2, #1
		0x0244, 0x0203, // 4: aget v2, v3, v2
		0x21b0, // 6: add-int/2addr v1, v2
		0x010f, // 7: return v1
	})
	linker.NewClass("Lt/Arr;", object, vmcore.AccPublic).DirectMethod(m).Build()

	arr := vmcore.NewPrimArray(intArr, 2)
	arr.SetElem(0, 4)
	arr.SetElem(1, 5)
	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Ref: arr}}, &res, false))
	assert.Equal(t, int32(9), res.Int())

	short := vmcore.NewPrimArray(intArr, 1)
	require.False(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Ref: short}}, &res, false))
	assert.Equal(t, "Ljava/lang/ArrayIndexOutOfBoundsException;", exceptionDesc(t, th))
	assert.Equal(t, "length=1; index=1", exceptionMessage(t, th))
	th.ClearException()
}

func TestInstanceOf(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	df := dex.NewFile("instanceof.dex")
	df.TypeDescs = []string{vmcore.DescString}
	m := staticMethod("isString", "IL", 2, 1, []uint16{
		0x1020, 0x0000, // instance-of v0, v1, type@0
		0x000f, // return v0
	})
	linker.NewClass("Lt/Is;", object, vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()

	str := linker.InternString(th, "abc")
	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Ref: str}}, &res, false))
	assert.Equal(t, int32(1), res.Int())

	require.True(t, ip.EnterFromInvoke(th, m,
		nil, []vmcore.JValue{{Ref: vmcore.NewObject(object)}}, &res, false))
	assert.Equal(t, int32(0), res.Int())

	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Ref: nil}}, &res, false))
	assert.Equal(t, int32(0), res.Int(), "null is an instance of nothing")
}

func TestQuickenedFieldGet(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	q := linker.NewClass("Lt/Q;", object, vmcore.AccPublic).
		InstanceField("x", "I", vmcore.AccPublic).Build()
	field := q.FindInstanceField("x")
	require.NotNil(t, field)

	m := staticMethod("getx", "IL", 2, 1, []uint16{
		0x10e3, uint16(field.Offset), // iget-quick v0, v1, @offset
		0x000f, // return v0
	})
	linker.NewClass("Lt/QRead;", object, vmcore.AccPublic).DirectMethod(m).Build()

	obj := vmcore.NewObject(q)
	obj.SetFieldWord(field.Offset, 99)
	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Ref: obj}}, &res, false))
	assert.Equal(t, int32(99), res.Int())
}

func TestStackOverflowOnDeepRecursion(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	df := dex.NewFile("recurse.dex")
	df.TypeDescs = []string{"Lt/Rec;"}
	df.Methods = []dex.MethodID{{ClassIdx: 0, Name: "spin", Shorty: "V"}}

	m := staticMethod("spin", "V", 1, 0, []uint16{
		0x0071, 0x0000, 0x0000, // invoke-static {}, method@0
		0x000e, // return-void
	})
	linker.NewClass("Lt/Rec;", object, vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()

	var res vmcore.JValue
	require.False(t, ip.EnterFromInvoke(th, m, nil, nil, &res, false))
	assert.Equal(t, vmcore.DescStackOverflowError, exceptionDesc(t, th))
	assert.Zero(t, th.FrameCount())
	assert.False(t, th.StackEndExtended(), "overflow reserve re-armed after the throw")
	th.ClearException()
}

// recordingHooks counts tiering traffic and optionally serves compiled
// bodies or an OSR result.
type recordingHooks struct {
	entrySamples    int
	backedgeSamples int
	compiled        map[*vmcore.Method]*vmcore.CompiledCode
	compiledHits    int
	osrResult       *vmcore.JValue
}

func (h *recordingHooks) AddSamples(_ *vmcore.Thread, _ *vmcore.Method,
	samples uint16, withBackedges bool) {
	if withBackedges {
		h.backedgeSamples += int(samples)
	} else {
		h.entrySamples += int(samples)
	}
}

func (h *recordingHooks) MaybeCompiledCode(m *vmcore.Method) *vmcore.CompiledCode {
	cc := h.compiled[m]
	if cc != nil {
		h.compiledHits++
	}
	return cc
}

func (h *recordingHooks) MaybeDoOnStackReplacement(_ *vmcore.Thread,
	f *vmcore.ShadowFrame, _ dex.PC, _ int32) bool {
	if h.osrResult == nil {
		return false
	}
	f.Result = *h.osrResult
	return true
}

func TestTieringSamplesOnEntryAndBackedges(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	m := sumMethod()
	linker.NewClass("Lt/Hot;", object, vmcore.AccPublic).DirectMethod(m).Build()

	hooks := &recordingHooks{}
	ip.Tiering = hooks

	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Bits: 5}}, &res, false))
	assert.Equal(t, int32(15), res.Int())
	assert.Equal(t, 1, hooks.entrySamples)
	assert.Equal(t, 5, hooks.backedgeSamples, "one sample per executed backward branch")
}

func TestOnStackReplacementConsumesMethod(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	m := sumMethod()
	linker.NewClass("Lt/Osr;", object, vmcore.AccPublic).DirectMethod(m).Build()

	osr := vmcore.JValue{Bits: 1234}
	ip.Tiering = &recordingHooks{osrResult: &osr}

	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Bits: 5}}, &res, false))
	assert.Equal(t, int32(1234), res.Int(),
		"OSR hands the frame's result register back as the return value")
}

// frameSpy grabs the quick frame the compiled-execution bridge pushes.
type frameSpy struct {
	qf *vmcore.QuickFrame
}

func (s *frameSpy) MethodEntered(*vmcore.Thread, *vmcore.Method)               {}
func (s *frameSpy) MethodExited(*vmcore.Thread, *vmcore.Method, vmcore.JValue) {}
func (s *frameSpy) MethodUnwound(*vmcore.Thread, *vmcore.Method)               {}
func (s *frameSpy) ExceptionThrown(*vmcore.Thread, *vmcore.Object)             {}
func (s *frameSpy) DexPCMoved(t *vmcore.Thread, _ *vmcore.Method, _ dex.PC) {
	if s.qf == nil {
		if q, ok := t.TopFrame().(*vmcore.QuickFrame); ok {
			s.qf = q
		}
	}
}

func TestCompiledExecutionSyncsQuickFrame(t *testing.T) {
	ip, linker, rt, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	m := sumMethod()
	linker.NewClass("Lt/Jit;", object, vmcore.AccPublic).DirectMethod(m).Build()

	b := stackmap.NewBuilder(4, 48)
	b.AddEntry(stackmap.Entry{
		NativePCOffset: 4, DexPC: 0,
		Locations: make([]stackmap.Location, 4),
	})
	b.AddEntry(stackmap.Entry{
		NativePCOffset: 8, DexPC: 2,
		Locations: []stackmap.Location{
			{Kind: stackmap.KindInStack, Value: 8},     // v0: acc
			{Kind: stackmap.KindInRegister, Value: 1},  // v1: i
			{},                                         // v2: dead
			{Kind: stackmap.KindInStack, Value: 16},    // v3: n
		},
	})
	ci, err := stackmap.Decode(b.Encode())
	require.NoError(t, err)
	cc := vmcore.NewCompiledCode(m, ci, false)

	hooks := &recordingHooks{compiled: map[*vmcore.Method]*vmcore.CompiledCode{m: cc}}
	ip.Tiering = hooks

	spy := &frameSpy{}
	rt.Instrumentation().AddListener(spy)
	defer rt.Instrumentation().RemoveListener(spy)

	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Bits: 5}}, &res, false))
	assert.Equal(t, int32(15), res.Int())
	assert.Equal(t, 1, hooks.compiledHits)
	assert.Equal(t, 0, hooks.entrySamples, "compiled entry takes no interpreter sample")

	require.NotNil(t, spy.qf, "execution ran on a quick frame")
	assert.Same(t, cc, spy.qf.Code)
	// Last map point hit was the loop head with i=6, acc=15.
	assert.Equal(t, cc.CodeBase+8, spy.qf.NativePC)
	assert.Equal(t, cc.CodeBase, binary.LittleEndian.Uint64(spy.qf.Spill[0:8]),
		"spill slot 0 holds the artificial method pointer")
	assert.Equal(t, uint64(15), binary.LittleEndian.Uint64(spy.qf.Spill[8:16]))
	assert.Equal(t, uint64(6), spy.qf.Regs[1])
	assert.Equal(t, uint64(5), binary.LittleEndian.Uint64(spy.qf.Spill[16:24]))
}

func TestDeoptimizeAdvancesPastStringConstructor(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	strClass := linker.FindClass(vmcore.DescString, nil)

	df := dex.NewFile("deopt.dex")
	df.TypeDescs = []string{vmcore.DescString}
	df.Methods = []dex.MethodID{{ClassIdx: 0, Name: "<init>", Shorty: "V"}}

	m := staticMethod("build", "L", 3, 0, []uint16{
		0x1070, 0x0000, 0x0001, // 0: invoke-direct {v1}, String.<init>
		0x0211, // 3: return-object v2
	})
	linker.NewClass("Lt/D;", object, vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()

	placeholder := vmcore.NewString(strClass, "")
	real := linker.InternString(th, "hello")

	f := vmcore.NewShadowFrame(m, 3)
	f.SetVRegRef(1, placeholder)
	f.SetVRegRef(2, placeholder) // alias of the uninitialized receiver

	ctx := &vmcore.DeoptContext{Frames: f, FromCode: true, Value: vmcore.JValue{Ref: real}}
	require.True(t, ip.EnterFromDeoptimize(th, ctx))
	assert.Same(t, real, ctx.Value.Ref,
		"every alias of the receiver sees the constructed string")
	assert.False(t, th.HasException())
}

func TestDeoptimizeWritesNewInstanceStringResult(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)

	df := dex.NewFile("deopt2.dex")
	df.TypeDescs = []string{vmcore.DescString}

	m := staticMethod("alloc", "L", 2, 0, []uint16{
		0x0022, 0x0000, // 0: new-instance v0, String
		0x0011, // 2: return-object v0
	})
	linker.NewClass("Lt/D2;", object, vmcore.AccPublic).
		DirectMethod(m).DexFile(df, 0).Build()

	real := linker.InternString(th, "made")
	f := vmcore.NewShadowFrame(m, 2)
	ctx := &vmcore.DeoptContext{Frames: f, FromCode: true, Value: vmcore.JValue{Ref: real}}
	require.True(t, ip.EnterFromDeoptimize(th, ctx))
	assert.Same(t, real, ctx.Value.Ref)
}

func TestEnterFromEntryPointResumesMidMethod(t *testing.T) {
	ip, linker, _, th := newTestVM(t)
	object := linker.FindClass(vmcore.DescObject, nil)
	m := sumMethod()
	linker.NewClass("Lt/Resume;", object, vmcore.AccPublic).DirectMethod(m).Build()

	// Frame prepared as if the first two consts already ran.
	f := vmcore.NewShadowFrame(m, 4)
	f.SetVReg(0, 0)
	f.SetVReg(1, 1)
	f.SetVReg(3, 4) // n
	f.DexPC = 2

	res, ok := ip.EnterFromEntryPoint(th, f)
	require.True(t, ok)
	assert.Equal(t, int32(10), res.Int())
}
