// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"fmt"
	"math"
	"sync"
)

// Well-known class descriptors referenced throughout the core.
const (
	DescObject                 = "Ljava/lang/Object;"
	DescClass                  = "Ljava/lang/Class;"
	DescString                 = "Ljava/lang/String;"
	DescThrowable              = "Ljava/lang/Throwable;"
	DescError                  = "Ljava/lang/Error;"
	DescException              = "Ljava/lang/Exception;"
	DescRuntimeException       = "Ljava/lang/RuntimeException;"
	DescStackOverflowError     = "Ljava/lang/StackOverflowError;"
	DescOutOfMemoryError       = "Ljava/lang/OutOfMemoryError;"
	DescStackTraceElementArray = "[Ljava/lang/StackTraceElement;"
)

// Object mirrors one heap object: a plain instance, an array, or a
// string. Field words hold primitives, one word per field regardless of
// width; references are stored separately so the collector visits exact
// slots.
type Object struct {
	klass *Class

	fieldWords []uint64
	fieldRefs  []*Object

	// Array payload. Primitive arrays use elemWords (one word per
	// element); reference arrays use elemRefs.
	length    int32
	elemWords []uint64
	elemRefs  []*Object

	// String payload.
	str string

	monitor   *monitor
	monitorMu sync.Mutex
}

// NewObject allocates an instance of the given class.
func NewObject(klass *Class) *Object {
	return &Object{
		klass:      klass,
		fieldWords: make([]uint64, klass.NumFieldWords),
		fieldRefs:  make([]*Object, klass.NumFieldWords),
	}
}

// NewPrimArray allocates a primitive array of the given array class.
func NewPrimArray(klass *Class, length int32) *Object {
	return &Object{
		klass:     klass,
		length:    length,
		elemWords: make([]uint64, length),
	}
}

// NewRefArray allocates a reference array of the given array class.
func NewRefArray(klass *Class, length int32) *Object {
	return &Object{
		klass:    klass,
		length:   length,
		elemRefs: make([]*Object, length),
	}
}

// NewString allocates a string instance with the given payload.
func NewString(klass *Class, s string) *Object {
	o := NewObject(klass)
	o.str = s
	return o
}

// Class returns the object's class.
func (o *Object) Class() *Class { return o.klass }

// IsArray reports whether the object is an array.
func (o *Object) IsArray() bool { return o.klass.IsArray() }

// ArrayLength returns the element count of an array object.
func (o *Object) ArrayLength() int32 { return o.length }

// String returns the payload of a string object.
func (o *Object) StringValue() string { return o.str }

// SetStringValue installs the payload of a string object. Used by the
// string-constructor deoptimization special case.
func (o *Object) SetStringValue(s string) { o.str = s }

// GetFieldWord reads a primitive field word.
func (o *Object) GetFieldWord(offset uint32) uint64 { return o.fieldWords[offset] }

// SetFieldWord writes a primitive field word.
func (o *Object) SetFieldWord(offset uint32, v uint64) { o.fieldWords[offset] = v }

// GetFieldRef reads a reference field.
func (o *Object) GetFieldRef(offset uint32) *Object { return o.fieldRefs[offset] }

// SetFieldRef writes a reference field. This is the interpreter's write
// barrier path; the collector is out of scope but the slot split keeps
// the contract.
func (o *Object) SetFieldRef(offset uint32, v *Object) { o.fieldRefs[offset] = v }

// GetElem reads a primitive array element word.
func (o *Object) GetElem(i int32) uint64 { return o.elemWords[i] }

// SetElem writes a primitive array element word.
func (o *Object) SetElem(i int32, v uint64) { o.elemWords[i] = v }

// GetElemRef reads a reference array element.
func (o *Object) GetElemRef(i int32) *Object { return o.elemRefs[i] }

// SetElemRef writes a reference array element.
func (o *Object) SetElemRef(i int32, v *Object) { o.elemRefs[i] = v }

// InBounds reports whether i is a valid index.
func (o *Object) InBounds(i int32) bool { return i >= 0 && i < o.length }

// VisitRefs reports every reference slot of the object to the visitor.
func (o *Object) VisitRefs(visit func(**Object)) {
	for i := range o.fieldRefs {
		if o.fieldRefs[i] != nil {
			visit(&o.fieldRefs[i])
		}
	}
	for i := range o.elemRefs {
		if o.elemRefs[i] != nil {
			visit(&o.elemRefs[i])
		}
	}
}

func (o *Object) String() string {
	if o == nil {
		return "null"
	}
	if o.klass.IsStringClass() {
		return fmt.Sprintf("%q", o.str)
	}
	return fmt.Sprintf("<%s@%p>", o.klass.PrettyName(), o)
}

// monitor is the inflated lock of one object, created on first
// monitor-enter.
type monitor struct {
	mu        sync.Mutex
	cond      *sync.Cond
	ownerTID  uint32
	recursion int32
}

func (o *Object) getMonitor() *monitor {
	o.monitorMu.Lock()
	defer o.monitorMu.Unlock()
	if o.monitor == nil {
		m := &monitor{}
		m.cond = sync.NewCond(&m.mu)
		o.monitor = m
	}
	return o.monitor
}

// MonitorEnter acquires the object's monitor for the thread, blocking
// until available. Reentrant.
func (o *Object) MonitorEnter(tid uint32) {
	m := o.getMonitor()
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.ownerTID != 0 && m.ownerTID != tid {
		m.cond.Wait()
	}
	m.ownerTID = tid
	m.recursion++
}

// MonitorExit releases one recursion level. Returns false when the
// calling thread does not own the monitor.
func (o *Object) MonitorExit(tid uint32) bool {
	m := o.getMonitor()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownerTID != tid {
		return false
	}
	m.recursion--
	if m.recursion == 0 {
		m.ownerTID = 0
		m.cond.Broadcast()
	}
	return true
}

// IsLockedBy reports whether tid currently owns the monitor.
func (o *Object) IsLockedBy(tid uint32) bool {
	o.monitorMu.Lock()
	m := o.monitor
	o.monitorMu.Unlock()
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownerTID == tid
}

// Float/double bit helpers shared by frames, fields and arrays.

// Float32Bits converts a float to its register word.
func Float32Bits(f float32) uint32 { return math.Float32bits(f) }

// Float64Bits converts a double to its register pair value.
func Float64Bits(f float64) uint64 { return math.Float64bits(f) }
