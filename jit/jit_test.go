// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/exceptions"
	"github.com/dexvm/dexrt/interpreter"
	"github.com/dexvm/dexrt/stackmap"
	"github.com/dexvm/dexrt/vmcore"
)

func newTestController(t *testing.T, opts Options, exec Executor) *Controller {
	t.Helper()
	c, err := New(opts, exec)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

// smallOptions keeps the thresholds low enough to cross with a handful
// of samples.
func smallOptions() Options {
	return Options{
		WarmThreshold:          50,
		HotThreshold:           100,
		OsrThreshold:           200,
		PriorityThreadWeight:   3,
		InvokeTransitionWeight: 10,
		CodeCacheCapacity:      1 << 16,
	}
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

// sumMethod computes 1+2+...+n with a backward branch, the same shape
// the interpreter tests use.
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

// classedMethod wraps a method in a class so the task queue can root its
// declaring class.
func classedMethod(linker *vmcore.Linker, name string, m *vmcore.Method) *vmcore.Method {
	object := linker.FindClass(vmcore.DescObject, nil)
	linker.NewClass("Lt/"+name+";", object, vmcore.AccPublic).DirectMethod(m).Build()
	return m
}

func newTestLinker() (*vmcore.Linker, *vmcore.Runtime, *vmcore.Thread) {
	linker := vmcore.NewLinker()
	linker.BootstrapCore()
	rt := vmcore.NewRuntime(linker)
	return linker, rt, vmcore.NewThread(rt, "main")
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().validate())

	o := DefaultOptions()
	o.PriorityThreadWeight = 0
	assert.Error(t, o.validate())

	o = DefaultOptions()
	o.HotThreshold = o.OsrThreshold
	assert.Error(t, o.validate())

	o = DefaultOptions()
	o.WarmThreshold = o.HotThreshold + 1
	assert.Error(t, o.validate())

	o = DefaultOptions()
	o.CodeCacheCapacity = 0
	assert.Error(t, o.validate())
}

func TestWarmCrossingAllocatesProfilingInfoInline(t *testing.T) {
	linker, _, th := newTestLinker()
	m := classedMethod(linker, "Warm", sumMethod())
	c := newTestController(t, smallOptions(), nil)

	c.AddSamples(th, m, 49, false)
	assert.Nil(t, m.ProfilingInfo())
	assert.Equal(t, uint16(49), m.HotnessCount())

	// The runnable thread takes the allocation itself.
	c.AddSamples(th, m, 1, false)
	assert.NotNil(t, m.ProfilingInfo())
	assert.Equal(t, uint16(99), m.HotnessCount(),
		"counter clamps to just below the hot threshold")
}

func TestWarmCrossingDefersAllocationOffRunnableThreads(t *testing.T) {
	linker, _, th := newTestLinker()
	m := classedMethod(linker, "WarmNative", sumMethod())
	c := newTestController(t, smallOptions(), nil)

	th.SetState(vmcore.ThreadNative)
	c.AddSamples(th, m, 50, false)
	c.waitIdle()
	assert.NotNil(t, m.ProfilingInfo(), "worker allocated the profiling info")
}

func TestHotCrossingCompilesMethod(t *testing.T) {
	linker, _, th := newTestLinker()
	m := classedMethod(linker, "Hot", sumMethod())
	c := newTestController(t, smallOptions(), nil)

	m.SetHotnessCount(99)
	c.AddSamples(th, m, 1, false)
	c.waitIdle()

	body := m.EntryPoint()
	require.NotNil(t, body)
	assert.Same(t, m, body.Method)
	assert.False(t, body.IsOsr)
	assert.NotNil(t, m.ProfilingInfo(), "compile task backfills the profiling info")
	assert.Equal(t, uint16(199), m.HotnessCount(),
		"counter clamps to just below the osr threshold")
	assert.Same(t, body, c.MaybeCompiledCode(m))
}

func TestOsrCrossingRequiresBackedges(t *testing.T) {
	linker, _, th := newTestLinker()
	m := classedMethod(linker, "Osr", sumMethod())
	c := newTestController(t, smallOptions(), nil)

	m.SetHotnessCount(199)
	c.AddSamples(th, m, 1, false)
	c.waitIdle()
	assert.Nil(t, m.OsrCode(), "invoke samples never trigger an OSR compile")
	assert.Equal(t, uint16(199), m.HotnessCount())

	c.AddSamples(th, m, 1, true)
	c.waitIdle()
	body := m.OsrCode()
	require.NotNil(t, body)
	assert.True(t, body.IsOsr)
}

func TestPrioritySamplesWeightedWhileJankPerceptible(t *testing.T) {
	linker, _, th := newTestLinker()
	m := classedMethod(linker, "Jank", sumMethod())
	c := newTestController(t, smallOptions(), nil)
	th.JankSensitive = true

	c.SetProcessState(StateJankPerceptible)
	c.AddSamples(th, m, 5, false)
	assert.Equal(t, uint16(15), m.HotnessCount(), "weight 3 applied")

	c.SetProcessState(StateBackground)
	c.AddSamples(th, m, 5, false)
	assert.Equal(t, uint16(20), m.HotnessCount(), "no weighting in background")
}

func TestTransitionNotificationsUseInvokeWeight(t *testing.T) {
	linker, _, th := newTestLinker()
	m := classedMethod(linker, "Bridge", sumMethod())
	c := newTestController(t, smallOptions(), nil)

	c.NotifyInterpreterToCompiledCodeTransition(th, m)
	assert.Equal(t, uint16(10), m.HotnessCount())
	c.NotifyCompiledCodeToInterpreterTransition(th, m)
	assert.Equal(t, uint16(20), m.HotnessCount())
}

func TestClassInitializerAndNativeNeverCounted(t *testing.T) {
	linker, _, th := newTestLinker()
	c := newTestController(t, smallOptions(), nil)

	clinit := staticMethod("<clinit>", "V", 1, 0, []uint16{0x000e})
	clinit.Flags |= vmcore.AccConstructor
	classedMethod(linker, "Clinit", clinit)
	c.AddSamples(th, clinit, 100, false)
	assert.Zero(t, clinit.HotnessCount())

	native := &vmcore.Method{
		Name: "nativeOp", Shorty: "V",
		Flags: vmcore.AccPublic | vmcore.AccStatic | vmcore.AccNative,
	}
	c.AddSamples(th, native, 100, false)
	assert.Zero(t, native.HotnessCount())
}

func TestMaybeCompiledCodeScreensBodies(t *testing.T) {
	linker, _, _ := newTestLinker()
	m := classedMethod(linker, "Screen", sumMethod())
	c := newTestController(t, smallOptions(), nil)

	assert.Nil(t, c.MaybeCompiledCode(m))

	body, _, err := compileMethod(m, false)
	require.NoError(t, err)
	m.SetEntryPoint(body)
	assert.Same(t, body, c.MaybeCompiledCode(m))

	m.SetForceInterpreter(true)
	assert.Nil(t, c.MaybeCompiledCode(m))
	m.SetForceInterpreter(false)

	body.MarkDeoptimized()
	assert.Nil(t, c.MaybeCompiledCode(m))
}

func TestInvalidateBodyUnpublishes(t *testing.T) {
	linker, _, _ := newTestLinker()
	m := classedMethod(linker, "Inval", sumMethod())
	c := newTestController(t, smallOptions(), nil)

	body, err := c.cache.compile(m, false)
	require.NoError(t, err)
	m.SetEntryPoint(body)
	osrBody, err := c.cache.compile(m, true)
	require.NoError(t, err)
	m.SetOsrCode(osrBody)

	c.InvalidateBody(body)
	assert.True(t, body.IsDeoptimized())
	assert.Nil(t, m.EntryPoint())
	assert.Same(t, osrBody, m.OsrCode(), "the OSR body survives")

	c.InvalidateBody(osrBody)
	assert.Nil(t, m.OsrCode())
}

func TestCodeCacheEvictsInvalidatedBodies(t *testing.T) {
	linker, _, _ := newTestLinker()
	m := classedMethod(linker, "Full", sumMethod())

	cache, err := newCodeCache(1 << 12)
	require.NoError(t, err)
	t.Cleanup(cache.destroy)

	hog, _, err := compileMethod(m, false)
	require.NoError(t, err)
	cache.sizes[hog] = cache.region.Size()
	cache.used = cache.region.Size()

	_, err = cache.compile(m, false)
	require.ErrorContains(t, err, "code cache full")

	hog.MarkDeoptimized()
	body, err := cache.compile(m, false)
	require.NoError(t, err)
	assert.NotNil(t, body)
	assert.NotContains(t, cache.sizes, hog, "invalidated body evicted")
}

func TestRootedClassesVisible(t *testing.T) {
	linker, _, _ := newTestLinker()
	object := linker.FindClass(vmcore.DescObject, nil)
	k := linker.NewClass("Lt/Rooted;", object, vmcore.AccPublic).Build()
	c := newTestController(t, smallOptions(), nil)

	c.rootClass(k)
	c.rootClass(k)
	c.unrootClass(k)

	var seen []*vmcore.Class
	c.VisitRoots(func(k *vmcore.Class) { seen = append(seen, k) })
	require.Len(t, seen, 1, "still rooted by one holder")
	assert.Same(t, k, seen[0])

	c.unrootClass(k)
	seen = nil
	c.VisitRoots(func(k *vmcore.Class) { seen = append(seen, k) })
	assert.Empty(t, seen)
}

func TestCompilerMapsEveryInstruction(t *testing.T) {
	linker, _, _ := newTestLinker()
	m := classedMethod(linker, "Maps", staticMethod("pick", "IL", 4, 1, []uint16{
		0x0012, // 0: const/4 v0, #0
		0x3107, // 1: move-object v1, v3
		0x000f, // 2: return v0       (catch-all handler)
	}, dex.TryItem{StartPC: 0, InsnCount: 2, CatchAll: 2}))

	body, size, err := compileMethod(m, false)
	require.NoError(t, err)
	assert.Positive(t, size)
	ci := body.CodeInfo

	assert.Equal(t, uint32(8*5), ci.FrameSizeBytes(),
		"one slot per vreg above the method-pointer slot")
	assert.Equal(t, 3, ci.NumEntries())

	cur, ok := ci.FindDexPC(1)
	require.True(t, ok)
	assert.Equal(t, uint32(8), cur.NativePCOffset())

	// v0 written as int, v3 is the reference argument, v1 only ever a
	// reference copy, v2 untouched.
	assert.Equal(t, stackmap.Location{Kind: stackmap.KindInStack, Value: 8}, cur.Location(0))
	assert.False(t, cur.StackSlotIsRef(8))
	assert.Equal(t, stackmap.Location{Kind: stackmap.KindInStack, Value: 16}, cur.Location(1))
	assert.True(t, cur.StackSlotIsRef(16))
	assert.Equal(t, stackmap.KindNone, cur.Location(2).Kind)
	assert.Equal(t, stackmap.Location{Kind: stackmap.KindInStack, Value: 32}, cur.Location(3))
	assert.True(t, cur.StackSlotIsRef(32))

	catch, ok := ci.FindCatchDexPC(2)
	require.True(t, ok)
	assert.Equal(t, stackmap.KindInStack, catch.Location(0).Kind)
}

func TestCompilerDropsConflictingRegisters(t *testing.T) {
	linker, _, _ := newTestLinker()
	// v0 is written both as a primitive and as a reference; no location
	// may claim it.
	m := classedMethod(linker, "Conflict", staticMethod("mixed", "I", 2, 0, []uint16{
		0x0012, // 0: const/4 v0, #0
		0x000d, // 1: move-exception v0
		0x000f, // 2: return v0
	}))

	body, _, err := compileMethod(m, false)
	require.NoError(t, err)
	cur, ok := body.CodeInfo.FindDexPC(0)
	require.True(t, ok)
	assert.Equal(t, stackmap.KindNone, cur.Location(0).Kind)
	assert.False(t, cur.StackSlotIsRef(8))
}

func TestCompilerMarksWidePairs(t *testing.T) {
	linker, _, _ := newTestLinker()
	m := classedMethod(linker, "Wide", staticMethod("widen", "J", 2, 0, []uint16{
		0x0016, 0x002a, // 0: const-wide/16 v0, #42
		0x0010, // 2: return-wide v0
	}))

	body, _, err := compileMethod(m, false)
	require.NoError(t, err)
	cur, ok := body.CodeInfo.FindDexPC(0)
	require.True(t, ok)
	assert.Equal(t, stackmap.KindInStack, cur.Location(0).Kind)
	assert.Equal(t, stackmap.KindInStack, cur.Location(1).Kind)
	assert.False(t, cur.StackSlotIsRef(8))
	assert.False(t, cur.StackSlotIsRef(16))
}

func TestCompilerMarksReferencesAboveSlot64(t *testing.T) {
	linker, _, _ := newTestLinker()
	// 70 registers put the receiver at v69, spill slot 70. The reference
	// bit for slots past the first mask word must not be lost.
	m := classedMethod(linker, "Big", &vmcore.Method{
		Name:   "big",
		Shorty: "V",
		Flags:  vmcore.AccPublic,
		Code: &dex.CodeItem{
			RegistersSize: 70,
			InsSize:       1,
			Insns: []uint16{
				0x0012, // 0: const/4 v0, #0
				0x000e, // 1: return-void
			},
		},
	})

	body, _, err := compileMethod(m, false)
	require.NoError(t, err)
	cur, ok := body.CodeInfo.FindDexPC(0)
	require.True(t, ok)

	assert.Equal(t, stackmap.Location{Kind: stackmap.KindInStack, Value: 8 * 70},
		cur.Location(69))
	assert.True(t, cur.StackSlotIsRef(8*70), "receiver slot holds a reference")
	assert.False(t, cur.StackSlotIsRef(8*69))
	assert.False(t, cur.StackSlotIsRef(8))
}

// frameSpy grabs the quick frame the OSR transition pushes.
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

func TestOnStackReplacementRunsCompiledTail(t *testing.T) {
	linker := vmcore.NewLinker()
	linker.BootstrapCore()
	exc := exceptions.New(linker)
	rt := vmcore.NewRuntime(linker)
	ip := interpreter.New(rt, linker, exc)
	th := vmcore.NewThread(rt, "main")

	m := classedMethod(linker, "OsrRun", sumMethod())
	c := newTestController(t, DefaultOptions(), ip)
	ip.Tiering = c

	body, _, err := compileMethod(m, true)
	require.NoError(t, err)
	m.SetOsrCode(body)

	spy := &frameSpy{}
	rt.Instrumentation().AddListener(spy)
	defer rt.Instrumentation().RemoveListener(spy)

	var res vmcore.JValue
	require.True(t, ip.EnterFromInvoke(th, m, nil, []vmcore.JValue{{Bits: 5}}, &res, false))
	assert.Equal(t, int32(15), res.Int(),
		"the loop tail ran to completion inside the OSR body")
	require.NotNil(t, spy.qf, "the frame switched to a quick frame at the backedge")
	assert.Same(t, body, spy.qf.Code)
	assert.Zero(t, th.FrameCount())
}

func TestOnStackReplacementScreensFrames(t *testing.T) {
	linker, _, th := newTestLinker()
	m := classedMethod(linker, "OsrScreen", sumMethod())
	c := newTestController(t, DefaultOptions(), nil)
	f := vmcore.NewShadowFrame(m, 4)

	// No executor wired.
	assert.False(t, c.MaybeDoOnStackReplacement(th, f, 7, -5))

	cWithExec := newTestController(t, DefaultOptions(), stubExecutor{})

	// No OSR body yet.
	assert.False(t, cWithExec.MaybeDoOnStackReplacement(th, f, 7, -5))

	body, _, err := compileMethod(m, true)
	require.NoError(t, err)
	m.SetOsrCode(body)
	assert.True(t, cWithExec.MaybeDoOnStackReplacement(th, f, 7, -5))

	m.SetForceInterpreter(true)
	assert.False(t, cWithExec.MaybeDoOnStackReplacement(th, f, 7, -5),
		"a breakpoint pin keeps the frame interpreted")
	m.SetForceInterpreter(false)

	body.MarkDeoptimized()
	assert.False(t, cWithExec.MaybeDoOnStackReplacement(th, f, 7, -5))
}

type stubExecutor struct{}

func (stubExecutor) EnterOsr(*vmcore.Thread, *vmcore.ShadowFrame,
	*vmcore.CompiledCode, dex.PC) bool {
	return true
}
