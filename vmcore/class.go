// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmcore holds the shared execution-core data model: classes,
// objects, methods, threads, shadow frames and the runtime wiring that
// connects the interpreter, the JIT tiers and the unwinder.
package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"strings"
	"sync/atomic"

	"github.com/dexvm/dexrt/dex"
)

// AccessFlags are the dex access flag bits the execution core cares about.
type AccessFlags uint32

const (
	AccPublic       AccessFlags = 0x0001
	AccPrivate      AccessFlags = 0x0002
	AccProtected    AccessFlags = 0x0004
	AccStatic       AccessFlags = 0x0008
	AccFinal        AccessFlags = 0x0010
	AccSynchronized AccessFlags = 0x0020
	AccVolatile     AccessFlags = 0x0040
	AccNative       AccessFlags = 0x0100
	AccInterface    AccessFlags = 0x0200
	AccAbstract     AccessFlags = 0x0400
	AccSynthetic    AccessFlags = 0x1000
	AccConstructor  AccessFlags = 0x10000
)

// PrimitiveKind distinguishes the primitive classes.
type PrimitiveKind uint8

const (
	PrimNot PrimitiveKind = iota
	PrimBoolean
	PrimByte
	PrimChar
	PrimShort
	PrimInt
	PrimFloat
	PrimLong
	PrimDouble
	PrimVoid
)

// IsWide reports whether the primitive occupies two register slots.
func (p PrimitiveKind) IsWide() bool { return p == PrimLong || p == PrimDouble }

// ClassStatus tracks a class through loading and initialization.
type ClassStatus int32

const (
	StatusResolved ClassStatus = iota
	StatusVerified
	StatusInitializing
	StatusInitialized
	StatusError
)

// Field describes one static or instance field. Offset is the slot index
// into the owning storage (instance fields: the object's field words;
// static fields: the class's static words).
type Field struct {
	DeclaringClass *Class
	Name           string
	TypeDesc       string
	Flags          AccessFlags
	DexIndex       dex.FieldIndex
	Offset         uint32
}

// IsStatic reports whether the field is static.
func (f *Field) IsStatic() bool { return f.Flags&AccStatic != 0 }

// IsFinal reports whether the field is final.
func (f *Field) IsFinal() bool { return f.Flags&AccFinal != 0 }

// IsVolatile reports whether the field is volatile.
func (f *Field) IsVolatile() bool { return f.Flags&AccVolatile != 0 }

// IsRef reports whether the field holds a reference.
func (f *Field) IsRef() bool {
	return f.TypeDesc != "" && (f.TypeDesc[0] == 'L' || f.TypeDesc[0] == '[')
}

// IsWide reports whether the field holds a 64-bit primitive.
func (f *Field) IsWide() bool {
	return f.TypeDesc == "J" || f.TypeDesc == "D"
}

// PrettyName returns "type ClassName.fieldName" for diagnostics.
func (f *Field) PrettyName() string {
	return PrettyDescriptor(f.TypeDesc) + " " +
		PrettyDescriptor(f.DeclaringClass.Descriptor) + "." + f.Name
}

// Class mirrors one loaded class.
type Class struct {
	Descriptor string
	Super      *Class
	Flags      AccessFlags
	Loader     *ClassLoader
	Interfaces []*Class

	// Array classes: the element class. Primitive classes: the kind.
	Component *Class
	Primitive PrimitiveKind

	DexFile *dex.File
	TypeIdx dex.TypeIndex

	IFields []*Field
	SFields []*Field
	Direct  []*Method
	Virtual []*Method
	VTable  []*Method

	// Instance layout: total field words including superclasses.
	NumFieldWords uint32

	// Static storage. Wide values occupy one word here; references are
	// kept separately so the collector can visit them.
	StaticWords []uint64
	StaticRefs  []*Object

	status     atomic.Int32
	initThread atomic.Uint32
}

// Status returns the class initialization status.
func (c *Class) Status() ClassStatus { return ClassStatus(c.status.Load()) }

// SetStatus moves the class to a new status.
func (c *Class) SetStatus(s ClassStatus) { c.status.Store(int32(s)) }

// IsInitialized reports whether static initialization completed.
func (c *Class) IsInitialized() bool { return c.Status() == StatusInitialized }

// IsInitializing reports whether the given thread is mid-<clinit>.
func (c *Class) IsInitializing() bool { return c.Status() == StatusInitializing }

// IsErroneous reports whether initialization failed earlier.
func (c *Class) IsErroneous() bool { return c.Status() == StatusError }

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool { return c.Flags&AccInterface != 0 }

// IsArray reports whether the class is an array class.
func (c *Class) IsArray() bool { return c.Component != nil }

// IsPrimitive reports whether the class is a primitive class.
func (c *Class) IsPrimitive() bool { return c.Primitive != PrimNot }

// IsObjectClass reports whether this is java.lang.Object.
func (c *Class) IsObjectClass() bool {
	return c.Super == nil && !c.IsPrimitive() && !c.IsInterface()
}

// IsFinalClass reports whether the class is final.
func (c *Class) IsFinalClass() bool { return c.Flags&AccFinal != 0 }

// IsStringClass reports whether this is java.lang.String.
func (c *Class) IsStringClass() bool { return c.Descriptor == DescString }

// Depth returns the superclass chain length; Object has depth 0.
func (c *Class) Depth() int {
	d := 0
	for k := c; k.Super != nil; k = k.Super {
		d++
	}
	return d
}

// IsSubClassOf walks the superclass chain.
func (c *Class) IsSubClassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

// Implements reports whether the class or any superclass lists the given
// interface, directly or transitively.
func (c *Class) Implements(iface *Class) bool {
	for k := c; k != nil; k = k.Super {
		for _, itf := range k.Interfaces {
			if itf == iface || itf.Implements(iface) {
				return true
			}
		}
	}
	return false
}

// IsAssignableFrom implements the runtime assignability check used by
// check-cast, instance-of, array stores and the catch-block search.
func (c *Class) IsAssignableFrom(src *Class) bool {
	if c == src {
		return true
	}
	if src == nil {
		return false
	}
	if c.IsObjectClass() {
		return !src.IsPrimitive()
	}
	if c.IsInterface() {
		return src.Implements(c)
	}
	if c.IsArray() {
		if !src.IsArray() {
			return false
		}
		if c.Component.IsPrimitive() || src.Component.IsPrimitive() {
			return c.Component == src.Component
		}
		return c.Component.IsAssignableFrom(src.Component)
	}
	return src.IsSubClassOf(c)
}

// FindDeclaredInstanceField searches only this class.
func (c *Class) FindDeclaredInstanceField(name string) *Field {
	for _, f := range c.IFields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FindInstanceField searches the class and its superclasses.
func (c *Class) FindInstanceField(name string) *Field {
	for k := c; k != nil; k = k.Super {
		if f := k.FindDeclaredInstanceField(name); f != nil {
			return f
		}
	}
	return nil
}

// FindStaticField searches the class and its superclasses.
func (c *Class) FindStaticField(name string) *Field {
	for k := c; k != nil; k = k.Super {
		for _, f := range k.SFields {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

// FindInstanceFieldByOffset recovers a field from its storage slot. Used
// by the precise null-pointer message path for quickened field opcodes.
func (c *Class) FindInstanceFieldByOffset(offset uint32) *Field {
	for k := c; k != nil; k = k.Super {
		for _, f := range k.IFields {
			if f.Offset == offset {
				return f
			}
		}
	}
	return nil
}

// FindDirectMethod searches constructors, private and static methods.
func (c *Class) FindDirectMethod(name, shorty string) *Method {
	for _, m := range c.Direct {
		if m.Name == name && m.Shorty == shorty {
			return m
		}
	}
	return nil
}

// FindVirtualMethod searches the class and its superclasses.
func (c *Class) FindVirtualMethod(name, shorty string) *Method {
	for k := c; k != nil; k = k.Super {
		for _, m := range k.Virtual {
			if m.Name == name && m.Shorty == shorty {
				return m
			}
		}
	}
	return nil
}

// FindClassInitializer returns <clinit> if the class declares one.
func (c *Class) FindClassInitializer() *Method {
	return c.FindDirectMethod("<clinit>", "V")
}

// PrettyDescriptor converts "Ljava/lang/String;" to "java.lang.String"
// and array/primitive descriptors to their source forms.
func PrettyDescriptor(desc string) string {
	dims := 0
	for dims < len(desc) && desc[dims] == '[' {
		dims++
	}
	base := desc[dims:]
	var name string
	switch {
	case base == "":
		name = "?"
	case base[0] == 'L':
		name = strings.ReplaceAll(strings.TrimSuffix(base[1:], ";"), "/", ".")
	default:
		switch base[0] {
		case 'Z':
			name = "boolean"
		case 'B':
			name = "byte"
		case 'C':
			name = "char"
		case 'S':
			name = "short"
		case 'I':
			name = "int"
		case 'J':
			name = "long"
		case 'F':
			name = "float"
		case 'D':
			name = "double"
		case 'V':
			name = "void"
		default:
			name = base
		}
	}
	return name + strings.Repeat("[]", dims)
}

// PrettyName returns the source-form class name.
func (c *Class) PrettyName() string { return PrettyDescriptor(c.Descriptor) }

// ClassLoaderKind identifies the loader implementation. The collision
// detector only understands path class loaders; anything else triggers
// its conservative superset fallback.
type ClassLoaderKind uint8

const (
	BootClassLoader ClassLoaderKind = iota
	PathClassLoader
	UnknownClassLoader
)

// ClassLoader is the execution core's view of one class loader.
type ClassLoader struct {
	Kind     ClassLoaderKind
	Parent   *ClassLoader
	Name     string
	DexFiles []*dex.File
}
