// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package txnlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexvm/dexrt/vmcore"
)

func newTestWorld(t *testing.T) (*vmcore.Linker, *vmcore.Class) {
	t.Helper()
	linker := vmcore.NewLinker()
	linker.BootstrapCore()
	object := linker.FindClass(vmcore.DescObject, nil)
	k := linker.NewClass("Lcom/example/K;", object, vmcore.AccPublic).
		StaticField("i", "I", vmcore.AccPublic).
		StaticField("ref", vmcore.DescObject, vmcore.AccPublic).
		InstanceField("x", "J", vmcore.AccPublic).
		Build()
	return linker, k
}

func TestStaticIntRollback(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)

	f := k.FindStaticField("i")
	require.NotNil(t, f)
	require.EqualValues(t, 0, k.StaticWords[f.Offset])

	// Transactional write path: record the old value, then mutate.
	l.RecordStaticFieldWrite(k, f.Offset, k.StaticWords[f.Offset], nil)
	k.StaticWords[f.Offset] = 1
	require.EqualValues(t, 1, k.StaticWords[f.Offset])

	l.Rollback()
	assert.EqualValues(t, 0, k.StaticWords[f.Offset])
}

func TestRollbackIsLIFO(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)
	f := k.FindStaticField("i")

	// Two writes to the same slot: rollback must restore the value
	// observed before the first write, not the intermediate one.
	l.RecordStaticFieldWrite(k, f.Offset, 0, nil)
	k.StaticWords[f.Offset] = 1
	l.RecordStaticFieldWrite(k, f.Offset, 1, nil)
	k.StaticWords[f.Offset] = 2

	l.Rollback()
	assert.EqualValues(t, 0, k.StaticWords[f.Offset])
}

func TestInstanceAndArrayRollback(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)

	o := vmcore.NewObject(k)
	fx := k.FindInstanceField("x")
	l.RecordInstanceFieldWrite(o, fx.Offset, o.GetFieldWord(fx.Offset), nil)
	o.SetFieldWord(fx.Offset, 99)

	arr := vmcore.NewPrimArray(linker.FindClass("[I", nil), 4)
	arr.SetElem(2, 5)
	l.RecordArrayWrite(arr, 2, arr.GetElem(2))
	arr.SetElem(2, 7)

	l.Rollback()
	assert.EqualValues(t, 0, o.GetFieldWord(fx.Offset))
	assert.EqualValues(t, 5, arr.GetElem(2))
	// Identity and length are untouched by rollback.
	assert.EqualValues(t, 4, arr.ArrayLength())
}

func TestCommitDropsRecords(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)
	f := k.FindStaticField("i")

	l.RecordStaticFieldWrite(k, f.Offset, 0, nil)
	k.StaticWords[f.Offset] = 1
	require.Equal(t, 1, l.RecordCount())

	l.Commit()
	assert.Equal(t, 0, l.RecordCount())
	assert.EqualValues(t, 1, k.StaticWords[f.Offset])
}

func TestCommitAfterRollbackIsNoOp(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)
	f := k.FindStaticField("i")

	l.RecordStaticFieldWrite(k, f.Offset, 0, nil)
	k.StaticWords[f.Offset] = 1
	l.Rollback()
	require.EqualValues(t, 0, k.StaticWords[f.Offset])

	// Neither a commit nor a second rollback may disturb the state.
	k.StaticWords[f.Offset] = 42
	l.Commit()
	l.Rollback()
	assert.EqualValues(t, 42, k.StaticWords[f.Offset])
}

func TestInternRollbackRemovesEntry(t *testing.T) {
	linker, _ := newTestWorld(t)
	rt := vmcore.NewRuntime(linker)
	th := vmcore.NewThread(rt, "main")

	l := New(linker)
	rt.EnterTransaction(l)
	defer rt.ExitTransaction()

	s := linker.InternString(th, "transactional")
	require.NotNil(t, s)
	require.Equal(t, 1, l.RecordCount())

	l.Rollback()
	// A fresh intern after rollback produces a new object.
	s2 := linker.InternString(nil, "transactional")
	assert.NotSame(t, s, s2)
}

func TestResolvedClassRollback(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)

	require.Equal(t, vmcore.StatusResolved, k.Status())
	l.RecordResolvedClass(k)
	k.SetStatus(vmcore.StatusInitialized)

	l.Rollback()
	assert.Equal(t, vmcore.StatusResolved, k.Status())
}

func TestMonitorRollbackReleasesLock(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)

	o := vmcore.NewObject(k)
	o.MonitorEnter(7)
	l.RecordMonitorEnterBy(o, 7)
	require.True(t, o.IsLockedBy(7))

	l.Rollback()
	assert.False(t, o.IsLockedBy(7))
}

func TestAbortSentinel(t *testing.T) {
	linker, _ := newTestWorld(t)
	th := vmcore.NewThread(nil, "main")
	l := New(linker)

	require.False(t, l.IsAborted())
	l.Abort("illegal write to boot image")
	l.Abort("second message ignored")
	assert.True(t, l.IsAborted())
	assert.Equal(t, "illegal write to boot image", l.AbortMessage())

	l.ThrowAbortError(th)
	require.True(t, th.HasException())
	// No sentinel class registered: falls back to java.lang.Error.
	assert.Equal(t, vmcore.DescError, th.Exception().Class().Descriptor)
}

func TestVisitRootsReportsLoggedReferences(t *testing.T) {
	linker, k := newTestWorld(t)
	l := New(linker)

	o := vmcore.NewObject(k)
	old := vmcore.NewObject(k)
	l.RecordStaticFieldWrite(k, 1, 0, old)
	l.RecordInstanceFieldWrite(o, 0, 0, nil)

	var roots []*vmcore.Object
	l.VisitRoots(func(ref **vmcore.Object) { roots = append(roots, *ref) })
	assert.Contains(t, roots, old)
	assert.Contains(t, roots, o)
}
