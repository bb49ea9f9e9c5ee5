// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexvm/dexrt/dex"
)

func newTestLinker(t *testing.T) *Linker {
	t.Helper()
	l := NewLinker()
	l.BootstrapCore()
	return l
}

func TestAssignability(t *testing.T) {
	l := newTestLinker(t)
	object := l.FindClass(DescObject, nil)
	throwable := l.FindClass(DescThrowable, nil)
	runtimeExc := l.FindClass(DescRuntimeException, nil)
	require.NotNil(t, runtimeExc)

	assert.True(t, throwable.IsAssignableFrom(runtimeExc))
	assert.False(t, runtimeExc.IsAssignableFrom(throwable))
	assert.True(t, object.IsAssignableFrom(runtimeExc))

	intClass := l.FindClass("I", nil)
	require.NotNil(t, intClass)
	assert.False(t, object.IsAssignableFrom(intClass))

	intArr := l.FindClass("[I", nil)
	objArr := l.FindClass("["+DescObject, nil)
	excArr := l.FindClass("["+DescRuntimeException, nil)
	require.NotNil(t, intArr)
	assert.True(t, object.IsAssignableFrom(intArr))
	assert.True(t, objArr.IsAssignableFrom(excArr))
	assert.False(t, objArr.IsAssignableFrom(intArr))
	assert.False(t, intArr.IsAssignableFrom(objArr))
}

func TestClassBuilderLayout(t *testing.T) {
	l := newTestLinker(t)
	object := l.FindClass(DescObject, nil)

	base := l.NewClass("Lcom/example/Base;", object, AccPublic).
		InstanceField("x", "I", AccPublic).
		InstanceField("wide", "J", AccPublic).
		Build()
	derived := l.NewClass("Lcom/example/Derived;", base, AccPublic).
		InstanceField("ref", DescObject, AccPublic).
		StaticField("count", "I", AccPublic).
		Build()

	require.EqualValues(t, 2, base.NumFieldWords)
	require.EqualValues(t, 3, derived.NumFieldWords)

	ref := derived.FindInstanceField("ref")
	require.NotNil(t, ref)
	assert.EqualValues(t, 2, ref.Offset)
	assert.True(t, ref.IsRef())

	// Inherited lookup finds the superclass field.
	x := derived.FindInstanceField("x")
	require.NotNil(t, x)
	assert.Same(t, base, x.DeclaringClass)
	assert.Same(t, x, derived.FindInstanceFieldByOffset(0))

	count := derived.FindStaticField("count")
	require.NotNil(t, count)
	assert.True(t, count.IsStatic())
	assert.Len(t, derived.StaticWords, 1)
}

func TestVTableOverride(t *testing.T) {
	l := newTestLinker(t)
	object := l.FindClass(DescObject, nil)

	base := l.NewClass("Lcom/example/A;", object, AccPublic).
		VirtualMethod(&Method{Name: "run", Shorty: "V", Flags: AccPublic}).
		VirtualMethod(&Method{Name: "size", Shorty: "I", Flags: AccPublic}).
		Build()
	derived := l.NewClass("Lcom/example/B;", base, AccPublic).
		VirtualMethod(&Method{Name: "run", Shorty: "V", Flags: AccPublic}).
		Build()

	require.Len(t, base.VTable, 2)
	require.Len(t, derived.VTable, 2)
	assert.Same(t, derived, derived.VTable[0].DeclaringClass)
	assert.Same(t, base, derived.VTable[1].DeclaringClass)
}

func TestObjectFieldsAndArrays(t *testing.T) {
	l := newTestLinker(t)
	object := l.FindClass(DescObject, nil)
	c := l.NewClass("Lcom/example/Holder;", object, AccPublic).
		InstanceField("w", "J", AccPublic).
		InstanceField("o", DescObject, AccPublic).
		Build()

	o := NewObject(c)
	o.SetFieldWord(0, 0xdeadbeefcafe)
	assert.EqualValues(t, 0xdeadbeefcafe, o.GetFieldWord(0))

	peer := NewObject(c)
	o.SetFieldRef(1, peer)
	assert.Same(t, peer, o.GetFieldRef(1))

	arr := NewPrimArray(l.FindClass("[I", nil), 4)
	require.True(t, arr.IsArray())
	assert.True(t, arr.InBounds(3))
	assert.False(t, arr.InBounds(4))
	assert.False(t, arr.InBounds(-1))
	arr.SetElem(2, 7)
	assert.EqualValues(t, 7, arr.GetElem(2))

	refs := 0
	o.VisitRefs(func(**Object) { refs++ })
	assert.Equal(t, 1, refs)
}

func TestMonitorReentrancy(t *testing.T) {
	l := newTestLinker(t)
	o := NewObject(l.FindClass(DescObject, nil))

	o.MonitorEnter(1)
	o.MonitorEnter(1)
	assert.True(t, o.IsLockedBy(1))
	assert.False(t, o.MonitorExit(2))
	assert.True(t, o.MonitorExit(1))
	assert.True(t, o.IsLockedBy(1))
	assert.True(t, o.MonitorExit(1))
	assert.False(t, o.IsLockedBy(1))

	// A second thread can take it once fully released.
	done := make(chan struct{})
	go func() {
		o.MonitorEnter(2)
		o.MonitorExit(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor not released")
	}
}

func TestShadowFrameWideAndRefs(t *testing.T) {
	m := &Method{Name: "f", Shorty: "V"}
	f := NewShadowFrame(m, 6)

	f.SetVRegLong(0, -1234567890123)
	assert.EqualValues(t, -1234567890123, f.GetVRegLong(0))

	f.SetVRegDouble(2, 3.5)
	assert.EqualValues(t, 3.5, f.GetVRegDouble(2))

	o := &Object{}
	f.SetVRegRef(4, o)
	assert.Same(t, o, f.GetVRegRef(4))

	// A primitive write clears the reference tag.
	f.SetVReg(4, 42)
	assert.Nil(t, f.GetVRegRef(4))
	assert.EqualValues(t, 42, f.GetVReg(4))

	f.SetVRegRef(5, o)
	f.CopyVReg(4, 5)
	assert.Same(t, o, f.GetVRegRef(4))

	repl := &Object{}
	f.ReplaceAliases(o, repl)
	assert.Same(t, repl, f.GetVRegRef(4))
	assert.Same(t, repl, f.GetVRegRef(5))
}

func TestMethodEntryPointAndHotness(t *testing.T) {
	m := &Method{Name: "hot", Shorty: "V", Code: &dex.CodeItem{RegistersSize: 2}}
	assert.Nil(t, m.EntryPoint())

	m.SetHotnessCount(100)
	assert.EqualValues(t, 100, m.HotnessCount())

	cc := NewCompiledCode(m, nil, false)
	m.SetEntryPoint(cc)
	assert.Same(t, cc, m.EntryPoint())

	require.NotZero(t, cc.CodeBase)
	assert.True(t, cc.Contains(cc.CodeBase+10))
	assert.False(t, cc.Contains(cc.CodeBase-1))
	assert.EqualValues(t, 10, cc.PCOffset(cc.CodeBase+10))

	other := NewCompiledCode(m, nil, true)
	assert.NotEqual(t, cc.CodeBase, other.CodeBase)
}

func TestInlineCacheMegamorphic(t *testing.T) {
	ic := &InlineCache{}
	classes := make([]*Class, InlineCacheSize+2)
	for i := range classes {
		classes[i] = &Class{}
		ic.AddReceiver(classes[i])
	}
	// Duplicates are not re-added, overflow receivers are dropped.
	ic.AddReceiver(classes[0])
	for i := 0; i < InlineCacheSize; i++ {
		assert.Same(t, classes[i], ic.Classes[i])
	}
}

func TestProfilingInfoInvokeSites(t *testing.T) {
	// invoke-virtual {v0}, meth@0 / return-void
	insns := []uint16{
		uint16(dex.OpInvokeVirtual) | 0x1000, 0x0000, 0x0000,
		uint16(dex.OpReturnVoid),
	}
	m := &Method{Name: "f", Shorty: "V", Code: &dex.CodeItem{Insns: insns}}
	pi := NewProfilingInfo(m)
	require.NotNil(t, pi.CacheAt(0))
	assert.Nil(t, pi.CacheAt(3))

	winner := m.SwapProfilingInfo(pi)
	assert.Same(t, pi, winner)
	assert.Same(t, pi, m.SwapProfilingInfo(NewProfilingInfo(m)))
}

func TestThreadStackOverflowReserve(t *testing.T) {
	th := NewThread(nil, "main")
	m := &Method{Name: "f", Shorty: "V"}

	for i := 0; i < DefaultFrameDepthLimit; i++ {
		require.True(t, th.PushFrame(NewShadowFrame(m, 1)))
	}
	require.False(t, th.PushFrame(NewShadowFrame(m, 1)))

	// The reserve admits the error-construction frames.
	th.ExtendStackForOverflow()
	assert.True(t, th.StackEndExtended())
	require.True(t, th.PushFrame(NewShadowFrame(m, 1)))
	th.PopFrame()

	th.ResetStackEnd()
	assert.False(t, th.StackEndExtended())
	assert.False(t, th.PushFrame(NewShadowFrame(m, 1)))
}

func TestThreadPendingException(t *testing.T) {
	th := NewThread(nil, "main")
	assert.False(t, th.HasException())

	e := &Object{}
	th.SetException(e)
	require.True(t, th.HasException())
	assert.Same(t, e, th.ClearException())
	assert.False(t, th.HasException())
}

func TestSuspendAllBlocksSafepoint(t *testing.T) {
	rt := NewRuntime(NewLinker())
	self := NewThread(rt, "self")
	worker := NewThread(rt, "worker")

	var mu sync.Mutex
	progressed := 0
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			worker.CheckSuspend()
			mu.Lock()
			progressed++
			mu.Unlock()
		}
	}()

	rt.SuspendAll(self)
	mu.Lock()
	before := progressed
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	during := progressed
	mu.Unlock()
	// At most one in-flight iteration completes after the suspend.
	assert.LessOrEqual(t, during-before, 1)
	rt.ResumeAll(self)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return progressed > during
	}, time.Second, time.Millisecond)

	close(stop)
	<-done
}

func TestCheckpointRunsAtSafepoint(t *testing.T) {
	rt := NewRuntime(NewLinker())
	th := NewThread(rt, "worker")

	ran := false
	th.RequestCheckpoint(func(*Thread) { ran = true })
	assert.False(t, ran)
	th.CheckSuspend()
	assert.True(t, ran)
}

func TestLinkerInternAndResolve(t *testing.T) {
	l := newTestLinker(t)
	df := dex.NewFile("core.dex")
	df.Strings = []string{"hello"}
	df.TypeDescs = []string{DescObject}
	df.Methods = []dex.MethodID{{ClassIdx: 0, Name: "toString", Shorty: "L"}}

	s1 := l.ResolveString(nil, df, 0)
	s2 := l.InternString(nil, "hello")
	require.NotNil(t, s1)
	assert.Same(t, s1, s2)
	assert.Equal(t, "hello", s1.StringValue())

	object := l.FindClass(DescObject, nil)
	object.Virtual = append(object.Virtual,
		&Method{DeclaringClass: object, Name: "toString", Shorty: "L"})
	th := NewThread(nil, "main")
	m := l.ResolveMethod(th, df, 0, nil)
	require.NotNil(t, m)
	assert.Equal(t, "toString", m.Name)
}

func TestEnsureInitializedRunsClinitOnce(t *testing.T) {
	l := newTestLinker(t)
	object := l.FindClass(DescObject, nil)

	clinit := &Method{
		Name:   "<clinit>",
		Shorty: "V",
		Flags:  AccStatic | AccConstructor,
		Code:   &dex.CodeItem{Insns: []uint16{uint16(dex.OpReturnVoid)}},
	}
	c := l.NewClass("Lcom/example/Init;", object, AccPublic).
		DirectMethod(clinit).
		Build()

	runs := 0
	l.InvokeClinit = func(th *Thread, m *Method) bool {
		runs++
		// Reentrant initialization from inside <clinit> is a no-op.
		assert.True(t, l.EnsureInitialized(th, c))
		return true
	}

	th := NewThread(nil, "main")
	require.True(t, l.EnsureInitialized(th, c))
	assert.True(t, c.IsInitialized())
	assert.Equal(t, 1, runs)

	require.True(t, l.EnsureInitialized(th, c))
	assert.Equal(t, 1, runs)
}

func TestEnsureInitializedFailureIsSticky(t *testing.T) {
	l := newTestLinker(t)
	object := l.FindClass(DescObject, nil)
	c := l.NewClass("Lcom/example/Bad;", object, AccPublic).
		DirectMethod(&Method{
			Name: "<clinit>", Shorty: "V", Flags: AccStatic | AccConstructor,
			Code: &dex.CodeItem{},
		}).
		Build()

	l.InvokeClinit = func(*Thread, *Method) bool { return false }
	th := NewThread(nil, "main")
	require.False(t, l.EnsureInitialized(th, c))
	assert.True(t, c.IsErroneous())

	// Subsequent attempts fail without re-running <clinit>.
	l.InvokeClinit = func(*Thread, *Method) bool {
		t.Fatal("<clinit> re-ran after erroneous state")
		return true
	}
	require.False(t, l.EnsureInitialized(th, c))
}

type recordingListener struct {
	entered, exited, unwound int
}

func (r *recordingListener) MethodEntered(*Thread, *Method)        { r.entered++ }
func (r *recordingListener) MethodExited(*Thread, *Method, JValue) { r.exited++ }
func (r *recordingListener) MethodUnwound(*Thread, *Method)        { r.unwound++ }
func (r *recordingListener) DexPCMoved(*Thread, *Method, dex.PC)   {}
func (r *recordingListener) ExceptionThrown(*Thread, *Object)      {}

func TestInstrumentationLevelsAndEvents(t *testing.T) {
	var in Instrumentation
	assert.False(t, in.InterpretOnly())

	in.RequireLevel(InstrumentInterpretOnly)
	in.RequireLevel(InstrumentWithStubs) // lower request must not downgrade
	assert.True(t, in.InterpretOnly())
	assert.True(t, in.EntryExitStubsInstalled())

	rec := &recordingListener{}
	in.AddListener(rec)
	require.True(t, in.HasMethodEntryListeners())

	th := NewThread(nil, "main")
	m := &Method{Name: "f", Shorty: "V"}
	in.MethodEnterEvent(th, m)
	in.MethodExitEvent(th, m, JValue{})
	assert.Equal(t, 1, rec.entered)
	assert.Equal(t, 1, rec.exited)

	cc := NewCompiledCode(m, nil, false)
	qf := &QuickFrame{Code: cc, InstrumentationExitInstalled: true}
	in.PopFrameForUnwind(th, qf)
	assert.Equal(t, 1, rec.unwound)
	assert.False(t, qf.InstrumentationExitInstalled)
	assert.EqualValues(t, 1, in.FramesPoppedForUnwind())

	// Idempotent for frames without a stub.
	in.PopFrameForUnwind(th, qf)
	assert.Equal(t, 1, rec.unwound)

	in.RemoveListener(rec)
	assert.False(t, in.HasMethodEntryListeners())
}

func TestDeoptContextStack(t *testing.T) {
	th := NewThread(nil, "main")
	m := &Method{Name: "f", Shorty: "V"}

	inner := NewShadowFrame(m, 2)
	outer := NewShadowFrame(m, 2)
	inner.Link = outer

	th.PushDeoptContext(&DeoptContext{Frames: inner, FromCode: true})
	ctx := th.PopDeoptContext()
	require.NotNil(t, ctx)
	assert.Same(t, inner, ctx.Frames)
	assert.Same(t, outer, ctx.Frames.Link)
	assert.Nil(t, th.PopDeoptContext())
}

func TestPrettyDescriptor(t *testing.T) {
	assert.Equal(t, "java.lang.String", PrettyDescriptor(DescString))
	assert.Equal(t, "int[][]", PrettyDescriptor("[[I"))
	assert.Equal(t, "java.lang.Object[]", PrettyDescriptor("["+DescObject))
	assert.Equal(t, "boolean", PrettyDescriptor("Z"))
}
