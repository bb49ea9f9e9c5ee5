// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore/xsync"
)

// Linker is the in-memory class linker: classes are registered or built
// programmatically, then resolved by dex index the way loaded code asks
// for them. Loading from dex class_data lives above this layer.
type Linker struct {
	boot *ClassLoader

	tables  xsync.RWMutex[classTables]
	interns xsync.RWMutex[map[string]*Object]

	// InvokeClinit runs a <clinit> body; the interpreter installs it at
	// runtime setup. Returns false with a pending exception on failure.
	InvokeClinit func(t *Thread, m *Method) bool

	// ThrowNoClassDef raises the resolution failure on the thread.
	ThrowNoClassDef func(t *Thread, desc string)
}

type classTables struct {
	// Keyed by defining loader; the boot loader owns the nil key too.
	byLoader map[*ClassLoader]map[string]*Class
}

// NewLinker creates a linker with an empty boot class table and the
// primitive classes pre-registered.
func NewLinker() *Linker {
	l := &Linker{
		boot: &ClassLoader{Kind: BootClassLoader, Name: "boot"},
	}
	tbl := l.tables.WLock()
	tbl.byLoader = map[*ClassLoader]map[string]*Class{
		l.boot: make(map[string]*Class),
	}
	l.tables.WUnlock(&tbl)
	in := l.interns.WLock()
	*in = make(map[string]*Object)
	l.interns.WUnlock(&in)

	for desc, kind := range map[string]PrimitiveKind{
		"Z": PrimBoolean, "B": PrimByte, "C": PrimChar, "S": PrimShort,
		"I": PrimInt, "F": PrimFloat, "J": PrimLong, "D": PrimDouble,
		"V": PrimVoid,
	} {
		l.register(&Class{Descriptor: desc, Primitive: kind, Loader: l.boot})
	}
	return l
}

// BootLoader returns the boot class loader.
func (l *Linker) BootLoader() *ClassLoader { return l.boot }

func (l *Linker) register(c *Class) {
	tbl := l.tables.WLock()
	defer l.tables.WUnlock(&tbl)
	loader := c.Loader
	if loader == nil {
		loader = l.boot
		c.Loader = loader
	}
	m := tbl.byLoader[loader]
	if m == nil {
		m = make(map[string]*Class)
		tbl.byLoader[loader] = m
	}
	m[c.Descriptor] = c
}

// RegisterClass publishes a fully built class. Initialization status is
// left untouched so callers control when <clinit> runs.
func (l *Linker) RegisterClass(c *Class) {
	l.register(c)
}

func (l *Linker) lookup(desc string, loader *ClassLoader) *Class {
	tbl := l.tables.RLock()
	defer l.tables.RUnlock(&tbl)
	// Parent-delegating lookup, boot last resort.
	for ld := loader; ld != nil; ld = ld.Parent {
		if c := tbl.byLoader[ld][desc]; c != nil {
			return c
		}
	}
	if loader != l.boot {
		return tbl.byLoader[l.boot][desc]
	}
	return nil
}

// FindClass implements ClassLinker. Array classes are created on demand
// from their component class.
func (l *Linker) FindClass(desc string, loader *ClassLoader) *Class {
	if loader == nil {
		loader = l.boot
	}
	if c := l.lookup(desc, loader); c != nil {
		return c
	}
	if len(desc) > 1 && desc[0] == '[' {
		comp := l.FindClass(desc[1:], loader)
		if comp == nil {
			return nil
		}
		arr := &Class{
			Descriptor: desc,
			Super:      l.lookup(DescObject, l.boot),
			Flags:      AccPublic | AccFinal,
			Loader:     comp.Loader,
			Component:  comp,
		}
		arr.SetStatus(StatusInitialized)
		l.register(arr)
		return arr
	}
	return nil
}

// ResolveType implements ClassLinker.
func (l *Linker) ResolveType(t *Thread, df *dex.File, idx dex.TypeIndex,
	loader *ClassLoader) *Class {
	desc := df.TypeDescriptor(idx)
	c := l.FindClass(desc, loader)
	if c == nil && l.ThrowNoClassDef != nil {
		l.ThrowNoClassDef(t, desc)
	}
	return c
}

// ResolveMethod implements ClassLinker.
func (l *Linker) ResolveMethod(t *Thread, df *dex.File, idx dex.MethodIndex,
	loader *ClassLoader) *Method {
	if int(idx) >= len(df.Methods) {
		return nil
	}
	id := df.Methods[idx]
	c := l.ResolveType(t, df, id.ClassIdx, loader)
	if c == nil {
		return nil
	}
	if m := c.FindDirectMethod(id.Name, id.Shorty); m != nil {
		return m
	}
	return c.FindVirtualMethod(id.Name, id.Shorty)
}

// ResolveField implements ClassLinker.
func (l *Linker) ResolveField(t *Thread, df *dex.File, idx dex.FieldIndex,
	loader *ClassLoader, static bool) *Field {
	if int(idx) >= len(df.Fields) {
		return nil
	}
	id := df.Fields[idx]
	c := l.ResolveType(t, df, id.ClassIdx, loader)
	if c == nil {
		return nil
	}
	if static {
		return c.FindStaticField(id.Name)
	}
	return c.FindInstanceField(id.Name)
}

// ResolveString implements ClassLinker: string constants intern through
// the linker's table, and an active transaction records the intern for
// rollback.
func (l *Linker) ResolveString(t *Thread, df *dex.File, idx dex.StringIndex) *Object {
	if int(idx) >= len(df.Strings) {
		return nil
	}
	return l.InternString(t, df.Strings[idx])
}

// InternString returns the canonical string object for s.
func (l *Linker) InternString(t *Thread, s string) *Object {
	in := l.interns.RLock()
	o := (*in)[s]
	l.interns.RUnlock(&in)
	if o != nil {
		return o
	}

	strClass := l.lookup(DescString, l.boot)
	if strClass == nil {
		return nil
	}
	win := l.interns.WLock()
	defer l.interns.WUnlock(&win)
	if o := (*win)[s]; o != nil {
		return o
	}
	o = NewString(strClass, s)
	(*win)[s] = o
	if t != nil && t.Runtime() != nil {
		if tx := t.Runtime().ActiveTransaction(); tx != nil {
			tx.RecordStringIntern(o)
		}
	}
	return o
}

// RemoveIntern drops a string from the intern table. Transaction
// rollback uses it to undo RecordStringIntern.
func (l *Linker) RemoveIntern(s string) {
	in := l.interns.WLock()
	defer l.interns.WUnlock(&in)
	delete(*in, s)
}

// EnsureInitialized implements ClassLinker: drives the class through
// <clinit>, superclass first. Reentrant initialization by the same
// thread is a no-op.
func (l *Linker) EnsureInitialized(t *Thread, c *Class) bool {
	switch c.Status() {
	case StatusInitialized:
		return true
	case StatusError:
		return false
	case StatusInitializing:
		if c.initThread.Load() == t.ID {
			return true
		}
	}

	if c.Super != nil && !l.EnsureInitialized(t, c.Super) {
		c.SetStatus(StatusError)
		return false
	}

	// During a transaction the status transition must be undoable;
	// transactions are single-threaded so recording ahead of the CAS is
	// safe.
	if t != nil && t.Runtime() != nil {
		if tx := t.Runtime().ActiveTransaction(); tx != nil {
			tx.RecordResolvedClass(c)
		}
	}
	if !c.status.CompareAndSwap(int32(StatusResolved), int32(StatusInitializing)) &&
		!c.status.CompareAndSwap(int32(StatusVerified), int32(StatusInitializing)) {
		// Lost the race; treat the winner's outcome as ours.
		return c.Status() != StatusError
	}
	c.initThread.Store(t.ID)

	if clinit := c.FindClassInitializer(); clinit != nil && l.InvokeClinit != nil {
		if !l.InvokeClinit(t, clinit) {
			c.SetStatus(StatusError)
			return false
		}
	}
	c.SetStatus(StatusInitialized)
	return true
}

// ClassBuilder assembles a class with computed field offsets and vtable.
// Tests and the boot image setup use it; dex class_data loading would sit
// on top of the same calls.
type ClassBuilder struct {
	linker *Linker
	c      *Class
}

// NewClass starts building a class with the given descriptor and super.
func (l *Linker) NewClass(desc string, super *Class, flags AccessFlags) *ClassBuilder {
	c := &Class{
		Descriptor: desc,
		Super:      super,
		Flags:      flags,
		Loader:     l.boot,
	}
	if super != nil {
		c.NumFieldWords = super.NumFieldWords
		c.VTable = append(c.VTable, super.VTable...)
	}
	return &ClassBuilder{linker: l, c: c}
}

// Loader sets the defining loader.
func (b *ClassBuilder) Loader(ld *ClassLoader) *ClassBuilder {
	b.c.Loader = ld
	return b
}

// DexFile binds the class to its defining dex file and type index.
func (b *ClassBuilder) DexFile(df *dex.File, idx dex.TypeIndex) *ClassBuilder {
	b.c.DexFile = df
	b.c.TypeIdx = idx
	return b
}

// Interface adds an implemented interface.
func (b *ClassBuilder) Interface(itf *Class) *ClassBuilder {
	b.c.Interfaces = append(b.c.Interfaces, itf)
	return b
}

// InstanceField appends an instance field; its offset is the next free
// field word.
func (b *ClassBuilder) InstanceField(name, typeDesc string, flags AccessFlags) *ClassBuilder {
	f := &Field{
		DeclaringClass: b.c,
		Name:           name,
		TypeDesc:       typeDesc,
		Flags:          flags &^ AccStatic,
		Offset:         b.c.NumFieldWords,
	}
	b.c.IFields = append(b.c.IFields, f)
	b.c.NumFieldWords++
	return b
}

// StaticField appends a static field backed by the class's own storage.
func (b *ClassBuilder) StaticField(name, typeDesc string, flags AccessFlags) *ClassBuilder {
	f := &Field{
		DeclaringClass: b.c,
		Name:           name,
		TypeDesc:       typeDesc,
		Flags:          flags | AccStatic,
		Offset:         uint32(len(b.c.StaticWords)),
	}
	b.c.SFields = append(b.c.SFields, f)
	b.c.StaticWords = append(b.c.StaticWords, 0)
	b.c.StaticRefs = append(b.c.StaticRefs, nil)
	return b
}

// DirectMethod appends a constructor, private or static method.
func (b *ClassBuilder) DirectMethod(m *Method) *ClassBuilder {
	m.DeclaringClass = b.c
	b.c.Direct = append(b.c.Direct, m)
	return b
}

// VirtualMethod appends a virtual method, overriding a superclass vtable
// slot when name and shorty match.
func (b *ClassBuilder) VirtualMethod(m *Method) *ClassBuilder {
	m.DeclaringClass = b.c
	b.c.Virtual = append(b.c.Virtual, m)
	for i, super := range b.c.VTable {
		if super.Name == m.Name && super.Shorty == m.Shorty {
			b.c.VTable[i] = m
			return b
		}
	}
	b.c.VTable = append(b.c.VTable, m)
	return b
}

// Build registers the class and returns it.
func (b *ClassBuilder) Build() *Class {
	b.c.SetStatus(StatusResolved)
	b.linker.register(b.c)
	return b.c
}

// BootstrapCore registers the minimal boot hierarchy the execution core
// needs: Object, Class, String, the throwable chain and the
// preallocatable errors.
func (l *Linker) BootstrapCore() {
	object := l.NewClass(DescObject, nil, AccPublic).Build()
	object.SetStatus(StatusInitialized)
	markInit := func(c *Class) *Class {
		c.SetStatus(StatusInitialized)
		return c
	}
	markInit(l.NewClass(DescClass, object, AccPublic|AccFinal).Build())
	markInit(l.NewClass(DescString, object, AccPublic|AccFinal).Build())
	throwable := markInit(l.NewClass(DescThrowable, object, AccPublic).
		InstanceField("detailMessage", DescString, AccPrivate).
		InstanceField("cause", DescThrowable, AccPrivate).
		InstanceField("stackTrace", DescStackTraceElementArray, AccPrivate).
		Build())
	errClass := markInit(l.NewClass(DescError, throwable, AccPublic).Build())
	exc := markInit(l.NewClass(DescException, throwable, AccPublic).Build())
	markInit(l.NewClass(DescRuntimeException, exc, AccPublic).Build())
	markInit(l.NewClass(DescStackOverflowError, errClass, AccPublic).Build())
	markInit(l.NewClass(DescOutOfMemoryError, errClass, AccPublic).Build())
}
